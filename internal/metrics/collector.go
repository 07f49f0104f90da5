// Package metrics defines the instrumentation surface of the control loop and
// provides a no-op and a Prometheus-backed implementation.
package metrics

import "time"

// Cycle outcomes recorded by RecordCycle.
const (
	OutcomeNoAction   = "no_action"
	OutcomeInProgress = "in_progress"
	OutcomeRescaled   = "rescaled"
	OutcomeFailed     = "failed"
	OutcomeRejected   = "rejected"
)

// Collector receives control loop measurements. Implementations must be safe
// for concurrent use.
type Collector interface {
	// RecordReportSent counts one reporter tick by delivery result.
	RecordReportSent(workerID int, success bool)
	// RecordReportReceived counts one report accepted into the report table.
	RecordReportReceived(workerID int)
	// ObserveShardLoad records the latest load seen for a shard.
	ObserveShardLoad(shardID int, load float64)
	// RecordCycle counts one decision cycle by outcome.
	RecordCycle(outcome string)
	// ObserveRescale records the duration and result of an executor call.
	ObserveRescale(success bool, duration time.Duration)
	// SetTargetShards records the shard count of the last rescale request.
	SetTargetShards(n int)
	// RecordWorkerHealth records a worker's health (true = healthy).
	RecordWorkerHealth(workerID int, healthy bool)
}

// NopCollector discards every measurement.
type NopCollector struct{}

var _ Collector = NopCollector{}

// NewNop returns a collector that discards all metrics.
func NewNop() NopCollector {
	return NopCollector{}
}

func (NopCollector) RecordReportSent(int, bool)         {}
func (NopCollector) RecordReportReceived(int)           {}
func (NopCollector) ObserveShardLoad(int, float64)      {}
func (NopCollector) RecordCycle(string)                 {}
func (NopCollector) ObserveRescale(bool, time.Duration) {}
func (NopCollector) SetTargetShards(int)                {}
func (NopCollector) RecordWorkerHealth(int, bool)       {}
