package coordinator

import (
	"math"
	"strconv"

	"github.com/dreamware/autoshard/internal/cluster"
)

// Load limits enforced by Config.Validate.
const (
	// MinLoadFloor is the smallest numeric MinLoadPerShard accepted.
	MinLoadFloor = 500.0
	// MaxLoadCeiling is the largest MaxLoadPerShard accepted.
	MaxLoadCeiling = 2500.0
	// AutoMaxLoadFloor is the value MaxLoadPerShard must exceed when
	// MinLoadPerShard is "auto".
	AutoMaxLoadFloor = 2000.0
)

// LoadFloor is the minimum load per shard used to derive a new shard count:
// either a fixed number or "auto", which defers to a ShardAdvisor.
type LoadFloor struct {
	Value float64
	Auto  bool
}

// AutoLoadFloor returns the "auto" load floor.
func AutoLoadFloor() LoadFloor {
	return LoadFloor{Auto: true}
}

// FixedLoadFloor returns a numeric load floor.
func FixedLoadFloor(v float64) LoadFloor {
	return LoadFloor{Value: v}
}

// String renders the floor as "auto" or its numeric value.
func (f LoadFloor) String() string {
	if f.Auto {
		return "auto"
	}
	return strconv.FormatFloat(f.Value, 'f', -1, 64)
}

// MarshalYAML renders the floor the way it is written in a config file.
func (f LoadFloor) MarshalYAML() (any, error) {
	if f.Auto {
		return "auto", nil
	}
	return f.Value, nil
}

// Config controls a Coordinator.
type Config struct {
	// Rescale options are passed through to the executor untouched.
	Rescale cluster.RescaleOptions
	// MinLoadPerShard divides the summed load to estimate the new shard count.
	MinLoadPerShard LoadFloor
	// MaxLoadPerShard is the ceiling that triggers a rescale when any shard
	// reaches it.
	MaxLoadPerShard float64
	// ShardsPerWorker for the new topology. 0 inherits the fleet's value.
	ShardsPerWorker int
	// Debug enables per-cycle trace logging.
	Debug bool
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		ShardsPerWorker: 0,
		MinLoadPerShard: FixedLoadFloor(1000),
		MaxLoadPerShard: 2000,
		Rescale: cluster.RescaleOptions{
			Mode:      cluster.RescaleGracefulSwitch,
			DelayMs:   7000,
			TimeoutMs: 30000,
		},
	}
}

// Validate checks every field and returns cluster.ValidationErrors listing
// all failures, or nil.
func (c Config) Validate() error {
	var errs cluster.ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, cluster.ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.ShardsPerWorker < 0 {
		add("coordinator.shards_per_worker", c.ShardsPerWorker, "must be positive, or 0 to inherit from the fleet")
	}

	maxLoad := c.MaxLoadPerShard
	switch {
	case math.IsNaN(maxLoad) || maxLoad <= 0:
		add("coordinator.max_load_per_shard", maxLoad, "must be a positive number")
	case maxLoad > MaxLoadCeiling:
		add("coordinator.max_load_per_shard", maxLoad, "must not exceed 2500")
	}

	if c.MinLoadPerShard.Auto {
		if maxLoad <= AutoMaxLoadFloor {
			add("coordinator.max_load_per_shard", maxLoad, "must exceed 2000 when min_load_per_shard is auto")
		}
	} else {
		minLoad := c.MinLoadPerShard.Value
		switch {
		case math.IsNaN(minLoad) || math.IsInf(minLoad, 0) || minLoad < MinLoadFloor:
			add("coordinator.min_load_per_shard", minLoad, "must be \"auto\" or a number of at least 500")
		case maxLoad <= minLoad:
			add("coordinator.max_load_per_shard", maxLoad, "must exceed min_load_per_shard")
		}
	}

	if !c.Rescale.Mode.Valid() {
		add("coordinator.rescale.mode", c.Rescale.Mode, "must be \"graceful-switch\" or \"rolling\"")
	}
	if c.Rescale.DelayMs < 0 {
		add("coordinator.rescale.delay_ms", c.Rescale.DelayMs, "must not be negative")
	}
	if c.Rescale.TimeoutMs < 0 {
		add("coordinator.rescale.timeout_ms", c.Rescale.TimeoutMs, "must not be negative")
	}

	return errs.AsError()
}
