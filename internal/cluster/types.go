package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// KindWorkerLoadReport tags a Message carrying a WorkerReport.
const KindWorkerLoadReport = "WORKER_LOAD_REPORT"

// ErrInvalidReportShape is returned when a WorkerReport fails shape validation.
var ErrInvalidReportShape = errors.New("invalid report shape")

// ShardLoad is one shard's load metric at the time of a report.
// Load is typically the number of active entities assigned to the shard.
type ShardLoad struct {
	ShardID int     `json:"shard_id"`
	Load    float64 `json:"load"`
}

// WorkerReport is a worker's full load snapshot for its owned shards.
type WorkerReport struct {
	Shards   []ShardLoad `json:"shards"`
	WorkerID int         `json:"worker_id"`
}

// Validate checks the report shape: a non-negative worker id and, for every
// shard, a non-negative shard id and a finite, non-negative load.
//
// Returns:
//   - nil if the report is well formed
//   - an error wrapping ErrInvalidReportShape describing the first violation
func (r WorkerReport) Validate() error {
	if r.WorkerID < 0 {
		return fmt.Errorf("%w: worker id %d is negative", ErrInvalidReportShape, r.WorkerID)
	}
	for i, s := range r.Shards {
		if s.ShardID < 0 {
			return fmt.Errorf("%w: shards[%d]: shard id %d is negative", ErrInvalidReportShape, i, s.ShardID)
		}
		if math.IsNaN(s.Load) || math.IsInf(s.Load, 0) {
			return fmt.Errorf("%w: shards[%d]: load is not a number", ErrInvalidReportShape, i)
		}
		if s.Load < 0 {
			return fmt.Errorf("%w: shards[%d]: load %v is negative", ErrInvalidReportShape, i, s.Load)
		}
	}
	return nil
}

// TotalLoad sums the load of every shard in the report.
func (r WorkerReport) TotalLoad() float64 {
	var total float64
	for _, s := range r.Shards {
		total += s.Load
	}
	return total
}

// Clone returns a deep copy of the report.
func (r WorkerReport) Clone() WorkerReport {
	shards := make([]ShardLoad, len(r.Shards))
	copy(shards, r.Shards)
	return WorkerReport{WorkerID: r.WorkerID, Shards: shards}
}

// Message is the tagged envelope sent over a worker's channel.
type Message struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewReportMessage wraps a report in a KindWorkerLoadReport envelope.
func NewReportMessage(report WorkerReport) (Message, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return Message{}, fmt.Errorf("encode report: %w", err)
	}
	return Message{Kind: KindWorkerLoadReport, Data: data}, nil
}

// DecodeReport extracts the WorkerReport carried by a report message.
func DecodeReport(msg Message) (WorkerReport, error) {
	if msg.Kind != KindWorkerLoadReport {
		return WorkerReport{}, fmt.Errorf("unexpected message kind %q", msg.Kind)
	}
	var report WorkerReport
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		return WorkerReport{}, fmt.Errorf("%w: %v", ErrInvalidReportShape, err)
	}
	return report, nil
}

// RescaleMode selects how the executor switches traffic to the new fleet.
type RescaleMode string

const (
	// RescaleGracefulSwitch spawns the full new fleet before switching traffic.
	RescaleGracefulSwitch RescaleMode = "graceful-switch"
	// RescaleRolling replaces workers one at a time.
	RescaleRolling RescaleMode = "rolling"
)

// Valid reports whether m is a known rescale mode.
func (m RescaleMode) Valid() bool {
	return m == RescaleGracefulSwitch || m == RescaleRolling
}

// RescaleOptions are passed through to the executor untouched.
type RescaleOptions struct {
	Mode      RescaleMode `json:"mode"`
	DelayMs   int64       `json:"delay_ms"`
	TimeoutMs int64       `json:"timeout_ms"`
}

// Delay returns DelayMs as a duration.
func (o RescaleOptions) Delay() time.Duration {
	return time.Duration(o.DelayMs) * time.Millisecond
}

// Timeout returns TimeoutMs as a duration.
func (o RescaleOptions) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// RescaleRequest is the target topology handed to the executor once per
// rescale cycle. TotalWorkers is ceil(TotalShards / ShardsPerWorker) and
// ShardAssignment is always the contiguous range 0..TotalShards-1.
type RescaleRequest struct {
	ShardAssignment []int          `json:"shard_assignment"`
	Options         RescaleOptions `json:"options"`
	TotalShards     int            `json:"total_shards"`
	ShardsPerWorker int            `json:"shards_per_worker"`
	TotalWorkers    int            `json:"total_workers"`
}

// ExecutionResult is the executor's answer to a RescaleRequest.
type ExecutionResult struct {
	Message   string `json:"message,omitempty"`
	Completed bool   `json:"completed"`
}

// WorkerInfo identifies a worker process and the address of its HTTP API.
type WorkerInfo struct {
	Addr string `json:"addr"`
	ID   int    `json:"id"`
}

// RegisterRequest is sent by a worker to join the fleet. A negative
// Worker.ID asks the coordinator to pick one.
type RegisterRequest struct {
	Worker WorkerInfo `json:"worker"`
}

// Assignment tells a worker its id and which shards it owns. It is the
// response to registration and is pushed again after every rescale.
type Assignment struct {
	Shards      []int `json:"shards"`
	WorkerID    int   `json:"worker_id"`
	TotalShards int   `json:"total_shards"`
}

// ContiguousAssignment returns the default shard assignment 0..n-1.
func ContiguousAssignment(n int) []int {
	if n <= 0 {
		return []int{}
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// CeilDiv returns ceil(a / b) for positive b.
func CeilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
