// Package cluster defines the shared vocabulary of the autoshard fleet: the
// load report wire types exchanged between workers and the coordinator, the
// rescale request handed to the fleet's executor, and the capability
// interfaces through which the control loop reaches the collaborators it does
// not own.
//
// # Overview
//
// The control loop is split across two roles. Every worker runs a reporter
// that periodically samples the load of the shards it owns and sends a
// WorkerReport to the coordinator. The coordinator aggregates the reports and,
// when any shard crosses the configured ceiling, computes a RescaleRequest and
// passes it to a RescaleExecutor.
//
//	┌──────────┐  WORKER_LOAD_REPORT   ┌─────────────┐  RescaleRequest  ┌──────────┐
//	│ Worker 0 │ ────────────────────▶ │             │ ───────────────▶ │ Executor │
//	├──────────┤                       │ Coordinator │                  └──────────┘
//	│ Worker 1 │ ────────────────────▶ │             │
//	├──────────┤                       │ ReportTable │
//	│ Worker n │ ────────────────────▶ │             │
//	└──────────┘                       └─────────────┘
//
// # Wire Contract
//
// Reports travel as a tagged JSON envelope so the coordinator can tell them
// apart from any other traffic on the same channel:
//
//	{"kind": "WORKER_LOAD_REPORT", "data": {"worker_id": 0, "shards": [{"shard_id": 0, "load": 1250}]}}
//
// # Capabilities
//
// The package does not implement transport, fleet management or rescale
// execution. It names the calls the control loop makes into them:
//
//   - WorkerHandle: a worker's identity, owned shards and send capability
//   - WorkerChannel: the per-worker inbound message stream on the coordinator
//   - Fleet / Manager: the fleet's current topology and worker lifecycle events
//   - RescaleExecutor: performs the spawn/kill/switch sequence
//   - ShardAdvisor: recommends a shard count when the load floor is "auto"
//
// # HTTP Helpers
//
// PostJSON and GetJSON are small JSON-over-HTTP helpers used by worker
// registration, the HTTP rescale executor and the HTTP shard advisor.
package cluster
