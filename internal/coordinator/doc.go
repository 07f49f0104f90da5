// Package coordinator implements the load-driven shard autoscaler: it
// aggregates per-worker load reports and, once every known worker has
// reported, decides whether the fleet needs more shards.
//
// # Overview
//
// Each worker periodically publishes a WORKER_LOAD_REPORT listing the load of
// the shards it owns. The Coordinator keeps the latest report per worker in a
// report table. When the table holds at least as many entries as the fleet has
// known workers, a decision cycle runs:
//
//	report ──▶ upsert ──▶ complete? ──no──▶ wait
//	                          │
//	                         yes
//	                          ▼
//	               guard idle? ──no──▶ skip
//	                          │
//	                         yes
//	                          ▼
//	        contiguous topology? ──no──▶ ErrUnsupportedTopology
//	                          │
//	                         yes
//	                          ▼
//	       any shard ≥ max load? ──no──▶ done
//	                          │
//	                         yes
//	                          ▼
//	  new count = max(estimate, ⌈T×1.2⌉) ──▶ executor.Start
//
// # Shard Count
//
// With a numeric MinLoadPerShard the estimate is ⌈Σload / MinLoadPerShard⌉.
// With "auto" a ShardAdvisor supplies the number. An estimate that does not
// exceed the current total T is replaced by ⌈T×1.2⌉, so a triggered rescale
// always grows the fleet.
//
// # Concurrency
//
// A single-flight guard (Idle → Deciding → Executing → Idle) ensures at most
// one cycle is in flight. Reports that complete a sweep while a cycle is
// running are recorded but do not start a second cycle.
//
// # Supporting Types
//
// Topology records the fleet layout and implements cluster.Fleet.
// HealthMonitor polls workers' /health endpoints; its results are advisory.
package coordinator
