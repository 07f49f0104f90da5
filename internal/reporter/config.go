package reporter

import (
	"context"
	"time"

	"github.com/dreamware/autoshard/internal/cluster"
)

// minInterval is the shortest accepted reporting interval.
// Tests lower it to keep cadence checks fast.
var minInterval = time.Second

// MinInterval returns the shortest accepted reporting interval.
func MinInterval() time.Duration {
	return minInterval
}

// LoadFunc computes a worker's current load snapshot. It may block; the tick
// that called it waits for it to return.
type LoadFunc func(ctx context.Context, worker cluster.WorkerHandle) (cluster.WorkerReport, error)

// Config controls a Reporter.
type Config struct {
	// LoadFunc produces the report sent on every tick. Required.
	LoadFunc LoadFunc
	// Interval between ticks. Must be at least one second.
	Interval time.Duration
	// Debug enables per-tick trace logging.
	Debug bool
}

// ConfigOverride lists the fields that may replace a Config's values.
// Nil fields keep the current value.
type ConfigOverride struct {
	Interval *time.Duration
	LoadFunc LoadFunc
	Debug    *bool
}

// Merge returns c with every non-nil field of o applied. c is not modified.
func (c Config) Merge(o *ConfigOverride) Config {
	if o == nil {
		return c
	}
	merged := c
	if o.Interval != nil {
		merged.Interval = *o.Interval
	}
	if o.LoadFunc != nil {
		merged.LoadFunc = o.LoadFunc
	}
	if o.Debug != nil {
		merged.Debug = *o.Debug
	}
	return merged
}

// Validate checks c and returns cluster.ValidationErrors on failure.
func (c Config) Validate() error {
	var errs cluster.ValidationErrors
	if c.Interval < minInterval {
		errs = append(errs, cluster.ValidationError{
			Field:   "reporter.interval",
			Value:   c.Interval,
			Message: "must be at least " + minInterval.String(),
		})
	}
	if c.LoadFunc == nil {
		errs = append(errs, cluster.ValidationError{
			Field:   "reporter.load_func",
			Value:   nil,
			Message: "is required",
		})
	}
	return errs.AsError()
}

// ShardLoadFunc builds a LoadFunc that samples each owned shard with measure,
// preserving the worker's shard order.
func ShardLoadFunc(measure func(shardID int) float64) LoadFunc {
	return func(_ context.Context, worker cluster.WorkerHandle) (cluster.WorkerReport, error) {
		owned := worker.OwnedShards()
		report := cluster.WorkerReport{
			WorkerID: worker.ID(),
			Shards:   make([]cluster.ShardLoad, 0, len(owned)),
		}
		for _, id := range owned {
			report.Shards = append(report.Shards, cluster.ShardLoad{ShardID: id, Load: measure(id)})
		}
		return report, nil
	}
}
