package coordinator

import (
	"errors"

	"github.com/dreamware/autoshard/internal/cluster"
)

var (
	// ErrUnsupportedTopology is returned by a decision cycle when the shard
	// assignment in effect is not the contiguous range 0..TotalShards-1.
	ErrUnsupportedTopology = errors.New("unsupported topology: only the default contiguous shard assignment is supported")

	// ErrMissingExecutor is returned by a decision cycle that wants to
	// rescale but has no RescaleExecutor attached.
	ErrMissingExecutor = errors.New("no rescale executor attached")

	// ErrMissingAdvisor is returned when MinLoadPerShard is "auto" and no
	// ShardAdvisor is attached.
	ErrMissingAdvisor = errors.New("no shard advisor attached for auto load floor")

	// ErrShardCountOutOfRange is returned when the computed shard count is
	// not finite, negative, or above MaxShardCount.
	ErrShardCountOutOfRange = errors.New("shard count out of range")

	// ErrNoFleet is returned by New when no fleet is supplied.
	ErrNoFleet = errors.New("fleet is required")

	// ErrConfigValidation is matched by every configuration error.
	ErrConfigValidation = cluster.ErrConfigValidation
)
