package cluster

import "context"

// WorkerHandle is the worker-side capability a reporter depends on.
// OwnedShards must return a non-empty, ordered shard id sequence.
type WorkerHandle interface {
	ID() int
	OwnedShards() []int
	Send(ctx context.Context, msg Message) error
}

// MessageHandler consumes one inbound message from a worker channel.
type MessageHandler func(ctx context.Context, msg Message)

// WorkerChannel is the coordinator-side view of one worker's message stream.
// OnMessage attaches a listener and returns a function that detaches it.
type WorkerChannel interface {
	OnMessage(handler MessageHandler) (unsubscribe func(), err error)
}

// Fleet exposes the topology currently in effect.
// ShardsPerWorker returns 0 when the fleet has no configured value.
type Fleet interface {
	KnownWorkerCount() int
	ShardAssignment() []int
	TotalShards() int
	ShardsPerWorker() int
}

// WorkerCreatedHandler is invoked once for every worker the fleet spawns.
type WorkerCreatedHandler func(workerID int, ch WorkerChannel)

// Manager is the fleet manager a coordinator plugs into.
type Manager interface {
	Fleet
	RegisterPlugin(name string, plugin any) error
	OnWorkerCreated(handler WorkerCreatedHandler)
}

// RescaleExecutor performs the actual spawn, kill and traffic switch sequence.
type RescaleExecutor interface {
	Start(ctx context.Context, req RescaleRequest) (ExecutionResult, error)
}

// ShardAdvisor recommends a total shard count. It is consulted only when the
// minimum load per shard is configured as "auto".
type ShardAdvisor interface {
	RecommendedShardCount(ctx context.Context) (int, error)
}
