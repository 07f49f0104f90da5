package coordinator

import (
	"context"
	"fmt"
	"math"

	"github.com/dreamware/autoshard/internal/cluster"
)

// TopologyView is a point-in-time copy of the fleet's topology, taken at the
// start of a decision cycle.
type TopologyView struct {
	Assignment      []int
	TotalShards     int
	ShardsPerWorker int
	KnownWorkers    int
}

// ViewOf snapshots a fleet.
func ViewOf(f cluster.Fleet) TopologyView {
	return TopologyView{
		Assignment:      f.ShardAssignment(),
		TotalShards:     f.TotalShards(),
		ShardsPerWorker: f.ShardsPerWorker(),
		KnownWorkers:    f.KnownWorkerCount(),
	}
}

// Overload identifies the shard that triggered a rescale.
type Overload struct {
	WorkerID int
	ShardID  int
	Load     float64
}

// CheckTopology verifies the assignment in effect is exactly 0..TotalShards-1.
func CheckTopology(view TopologyView) error {
	if len(view.Assignment) != view.TotalShards {
		return fmt.Errorf("%w: %d shards assigned, %d expected", ErrUnsupportedTopology, len(view.Assignment), view.TotalShards)
	}
	for i, id := range view.Assignment {
		if id != i {
			return fmt.Errorf("%w: position %d holds shard %d", ErrUnsupportedTopology, i, id)
		}
	}
	return nil
}

// FindOverload returns the first shard, in report order, whose load is at or
// above maxLoad.
func FindOverload(reports []cluster.WorkerReport, maxLoad float64) (Overload, bool) {
	for _, r := range reports {
		for _, s := range r.Shards {
			if s.Load >= maxLoad {
				return Overload{WorkerID: r.WorkerID, ShardID: s.ShardID, Load: s.Load}, true
			}
		}
	}
	return Overload{}, false
}

// GrowthFloor returns ceil(current * 1.2), the smallest shard count a
// triggered rescale may produce. Integer arithmetic keeps exact multiples of
// five from rounding up an extra shard. The result is always above current.
func GrowthFloor(current int) int {
	grown := (current*6 + 4) / 5
	if grown <= current {
		grown = current + 1
	}
	return grown
}

// MaxShardCount is the largest shard count a decision cycle will request.
const MaxShardCount = 1 << 20

// EstimateShardCount returns ceil(sum of all loads / minLoad). An estimate
// that is not finite or exceeds MaxShardCount returns an error wrapping
// ErrShardCountOutOfRange.
func EstimateShardCount(reports []cluster.WorkerReport, minLoad float64) (int, error) {
	var total float64
	for _, r := range reports {
		total += r.TotalLoad()
	}
	estimate := math.Ceil(total / minLoad)
	if math.IsNaN(estimate) || estimate > MaxShardCount {
		return 0, fmt.Errorf("%w: total load %g over floor %g", ErrShardCountOutOfRange, total, minLoad)
	}
	return int(estimate), nil
}

// NextShardCount computes the new total shard count.
//
// With a numeric load floor the estimate is EstimateShardCount; with "auto"
// it is the advisor's recommendation. If the estimate does not exceed
// currentTotal the result is GrowthFloor(currentTotal), so a triggered
// rescale always grows the fleet. Counts outside 0..MaxShardCount, from
// either source, fail with ErrShardCountOutOfRange.
//
// Example:
//
//	// 4 shards, 3000 total load, floor 1000: estimate 3 is not > 4
//	NextShardCount(ctx, cfg, 4, reports, nil) // 5
//	// 4 shards, 12000 total load, floor 1000
//	NextShardCount(ctx, cfg, 4, reports, nil) // 12
func NextShardCount(ctx context.Context, cfg Config, currentTotal int, reports []cluster.WorkerReport, advisor cluster.ShardAdvisor) (int, error) {
	var estimate int
	if cfg.MinLoadPerShard.Auto {
		if advisor == nil {
			return 0, ErrMissingAdvisor
		}
		n, err := advisor.RecommendedShardCount(ctx)
		if err != nil {
			return 0, fmt.Errorf("recommended shard count: %w", err)
		}
		if n < 0 || n > MaxShardCount {
			return 0, fmt.Errorf("%w: advisor recommended %d", ErrShardCountOutOfRange, n)
		}
		estimate = n
	} else {
		n, err := EstimateShardCount(reports, cfg.MinLoadPerShard.Value)
		if err != nil {
			return 0, err
		}
		estimate = n
	}

	next := estimate
	if estimate <= currentTotal {
		if currentTotal >= MaxShardCount {
			return 0, fmt.Errorf("%w: fleet already has %d shards", ErrShardCountOutOfRange, currentTotal)
		}
		next = GrowthFloor(currentTotal)
	}
	return min(next, MaxShardCount), nil
}

// ResolveShardsPerWorker picks the per-worker shard count for a new topology:
// the configured value, else the fleet's value, else the current assignment
// spread over the known workers.
func ResolveShardsPerWorker(cfg Config, view TopologyView) int {
	if cfg.ShardsPerWorker > 0 {
		return cfg.ShardsPerWorker
	}
	if view.ShardsPerWorker > 0 {
		return view.ShardsPerWorker
	}
	workers := view.KnownWorkers
	if workers < 1 {
		workers = 1
	}
	spw := cluster.CeilDiv(len(view.Assignment), workers)
	if spw < 1 {
		spw = 1
	}
	return spw
}

// BuildRequest assembles the RescaleRequest for newTotal shards.
func BuildRequest(cfg Config, view TopologyView, newTotal int) cluster.RescaleRequest {
	spw := ResolveShardsPerWorker(cfg, view)
	return cluster.RescaleRequest{
		Options:         cfg.Rescale,
		ShardsPerWorker: spw,
		TotalShards:     newTotal,
		TotalWorkers:    cluster.CeilDiv(newTotal, spw),
		ShardAssignment: cluster.ContiguousAssignment(newTotal),
	}
}
