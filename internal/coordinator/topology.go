package coordinator

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/autoshard/internal/cluster"
)

// WorkerAssignment lists the shards a worker owns under the current topology.
type WorkerAssignment struct {
	Shards   []int `json:"shards"`
	WorkerID int   `json:"worker_id"`
}

// Topology is the coordinator's record of the fleet layout: how many shards
// exist, which shard ids are in effect, how many shards each worker carries
// and which workers have joined. It implements cluster.Fleet.
//
// Shard ownership is derived from join order, not stored:
//   - shardsPerWorker > 0: the k-th joined worker owns
//     assignment[k*spw : (k+1)*spw]
//   - shardsPerWorker == 0: the shard at position i goes to the
//     (i mod workers)-th joined worker
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - All returned slices are copies
type Topology struct {
	assignment      []int
	workers         []int
	mu              sync.RWMutex
	totalShards     int
	shardsPerWorker int
}

// NewTopology creates a topology with the contiguous assignment
// 0..totalShards-1.
//
// Parameters:
//   - totalShards: number of shards in the fleet (must be > 0)
//   - shardsPerWorker: shards per worker, or 0 when the fleet has no fixed value
//
// Example:
//
//	topo, err := NewTopology(16, 4)
//	shards, err := topo.AddWorker(0) // [0 1 2 3]
func NewTopology(totalShards, shardsPerWorker int) (*Topology, error) {
	if totalShards <= 0 {
		return nil, fmt.Errorf("total shards must be positive, got %d", totalShards)
	}
	if shardsPerWorker < 0 {
		return nil, fmt.Errorf("shards per worker must not be negative, got %d", shardsPerWorker)
	}
	return &Topology{
		totalShards:     totalShards,
		shardsPerWorker: shardsPerWorker,
		assignment:      cluster.ContiguousAssignment(totalShards),
	}, nil
}

// AddWorker records a worker as part of the fleet and returns its shards.
// Adding a worker twice is harmless and returns the same shards.
func (t *Topology) AddWorker(workerID int) ([]int, error) {
	if workerID < 0 {
		return nil, fmt.Errorf("invalid worker ID %d, must not be negative", workerID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !slices.Contains(t.workers, workerID) {
		t.workers = append(t.workers, workerID)
	}
	return t.shardsForLocked(workerID), nil
}

// WorkerShards returns the shards owned by a worker, or nil if it has not
// joined.
func (t *Topology) WorkerShards(workerID int) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !slices.Contains(t.workers, workerID) {
		return nil
	}
	return t.shardsForLocked(workerID)
}

// Assignments returns every joined worker's shards in join order.
func (t *Topology) Assignments() []WorkerAssignment {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]WorkerAssignment, 0, len(t.workers))
	for _, id := range t.workers {
		out = append(out, WorkerAssignment{WorkerID: id, Shards: t.shardsForLocked(id)})
	}
	return out
}

// shardsForLocked derives a worker's shards. Caller must hold t.mu.
func (t *Topology) shardsForLocked(workerID int) []int {
	pos := slices.Index(t.workers, workerID)
	if pos < 0 {
		return nil
	}

	var shards []int
	if t.shardsPerWorker > 0 {
		lo := pos * t.shardsPerWorker
		hi := min(lo+t.shardsPerWorker, len(t.assignment))
		if lo < hi {
			shards = append(shards, t.assignment[lo:hi]...)
		}
		return shards
	}

	for i, id := range t.assignment {
		if i%len(t.workers) == pos {
			shards = append(shards, id)
		}
	}
	return shards
}

// SetAssignment replaces the shard ids in effect with a custom list, for
// operators pinning a sparse shard space. The decision engine refuses to
// rescale a custom assignment.
func (t *Topology) SetAssignment(shardIDs []int) error {
	if len(shardIDs) == 0 {
		return errors.New("assignment cannot be empty")
	}
	for _, id := range shardIDs {
		if id < 0 {
			return fmt.Errorf("invalid shard ID %d, must not be negative", id)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.assignment = slices.Clone(shardIDs)
	t.totalShards = len(shardIDs)
	return nil
}

// Apply installs the topology described by a completed rescale request.
func (t *Topology) Apply(req cluster.RescaleRequest) error {
	if req.TotalShards <= 0 {
		return fmt.Errorf("total shards must be positive, got %d", req.TotalShards)
	}
	if req.ShardsPerWorker <= 0 {
		return fmt.Errorf("shards per worker must be positive, got %d", req.ShardsPerWorker)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalShards = req.TotalShards
	t.shardsPerWorker = req.ShardsPerWorker
	if len(req.ShardAssignment) > 0 {
		t.assignment = slices.Clone(req.ShardAssignment)
	} else {
		t.assignment = cluster.ContiguousAssignment(req.TotalShards)
	}
	return nil
}

// ShardForKey maps an entity key to one of the shards in effect using FNV-1a.
func (t *Topology) ShardForKey(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))

	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.assignment[int(h.Sum32()%uint32(len(t.assignment)))]
}

// WorkerForShard returns the worker owning a shard.
func (t *Topology) WorkerForShard(shardID int) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, id := range t.workers {
		if slices.Contains(t.shardsForLocked(id), shardID) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("shard %d is not assigned to any worker", shardID)
}

// KnownWorkerCount returns the number of joined workers.
func (t *Topology) KnownWorkerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.workers)
}

// ShardAssignment returns a copy of the shard ids in effect.
func (t *Topology) ShardAssignment() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.assignment)
}

// TotalShards returns the number of shards in effect.
func (t *Topology) TotalShards() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalShards
}

// ShardsPerWorker returns the per-worker shard count, 0 if unset.
func (t *Topology) ShardsPerWorker() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.shardsPerWorker
}

var _ cluster.Fleet = (*Topology)(nil)
