package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/autoshard/internal/cluster"
	"github.com/dreamware/autoshard/internal/logging"
	"github.com/dreamware/autoshard/internal/metrics"
)

// PluginName is the name under which a Coordinator registers itself with the
// fleet manager.
const PluginName = "loadAutoscaler"

// RescaleHook observes the outcome of every executor call.
type RescaleHook func(req cluster.RescaleRequest, result cluster.ExecutionResult, err error)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithExecutor attaches the rescale executor. Without one, every cycle that
// wants to rescale fails with ErrMissingExecutor.
func WithExecutor(e cluster.RescaleExecutor) Option {
	return func(c *Coordinator) { c.executor = e }
}

// WithShardAdvisor attaches the advisor consulted when MinLoadPerShard is "auto".
func WithShardAdvisor(a cluster.ShardAdvisor) Option {
	return func(c *Coordinator) { c.advisor = a }
}

// WithLogger sets the coordinator's logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the coordinator's metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithRescaleHook registers a callback invoked after every executor call.
func WithRescaleHook(h RescaleHook) Option {
	return func(c *Coordinator) { c.onRescale = h }
}

// Coordinator aggregates worker load reports and drives rescale decisions.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│              Coordinator                 │
//	├──────────────────────────────────────────┤
//	│  known:   workerID → unsubscribe         │
//	│  reports: workerID → latest WorkerReport │
//	│  guard:   Idle | Deciding | Executing    │
//	├──────────────────────────────────────────┤
//	│  HandleMessage                           │
//	│    upsert → complete? → acquire guard    │
//	│      → topology check → threshold scan   │
//	│      → shard count → executor            │
//	└──────────────────────────────────────────┘
//
// Concurrency Model:
//   - mu guards known, reports and guard
//   - upsert, completeness check and guard acquire happen under one lock
//   - the advisor and executor are called without holding mu
//   - while a cycle holds the guard, later sweeps return immediately
//
// The report table is never pruned: an entry is only ever replaced by a newer
// report from the same worker.
type Coordinator struct {
	cfg       Config
	fleet     cluster.Fleet
	executor  cluster.RescaleExecutor
	advisor   cluster.ShardAdvisor
	logger    *logging.Logger
	metrics   metrics.Collector
	onRescale RescaleHook

	mu      sync.Mutex
	known   map[int]func()
	reports map[int]cluster.WorkerReport
	guard   guard
}

// New creates a Coordinator for fleet.
//
// Parameters:
//   - cfg: validated immediately; an invalid config returns an error
//     wrapping ErrConfigValidation
//   - fleet: source of the topology in effect (required)
//   - opts: executor, advisor, logger, metrics, rescale hook
//
// Example:
//
//	c, err := coordinator.New(cfg, topology,
//	    coordinator.WithExecutor(fleet.NewHTTPExecutor(url, nil)),
//	    coordinator.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	err = c.Attach(manager)
func New(cfg Config, fleet cluster.Fleet, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fleet == nil {
		return nil, ErrNoFleet
	}

	c := &Coordinator{
		cfg:     cfg,
		fleet:   fleet,
		logger:  logging.NopLogger(),
		metrics: metrics.NewNop(),
		known:   make(map[int]func()),
		reports: make(map[int]cluster.WorkerReport),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("coordinator")

	return c, nil
}

// Attach registers the coordinator with the manager under PluginName and
// listens for worker creation.
func (c *Coordinator) Attach(m cluster.Manager) error {
	if err := m.RegisterPlugin(PluginName, c); err != nil {
		return fmt.Errorf("register plugin %s: %w", PluginName, err)
	}
	m.OnWorkerCreated(func(workerID int, ch cluster.WorkerChannel) {
		if err := c.WorkerCreated(workerID, ch); err != nil {
			c.logger.Error("failed to attach worker channel", "worker_id", workerID, "error", err)
		}
	})
	return nil
}

// WorkerCreated attaches a message listener to a worker's channel. A worker
// is attached at most once; repeated calls for the same id are no-ops.
func (c *Coordinator) WorkerCreated(workerID int, ch cluster.WorkerChannel) error {
	c.mu.Lock()
	if _, ok := c.known[workerID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.known[workerID] = func() {}
	c.mu.Unlock()

	unsubscribe, err := ch.OnMessage(func(ctx context.Context, msg cluster.Message) {
		if err := c.HandleMessage(ctx, msg); err != nil {
			c.logger.Error("decision cycle failed", "worker_id", workerID, "error", err)
		}
	})
	if err != nil {
		c.mu.Lock()
		delete(c.known, workerID)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.known[workerID] = unsubscribe
	c.mu.Unlock()

	c.logger.Info("worker attached", "worker_id", workerID)
	return nil
}

// Close detaches every worker listener.
func (c *Coordinator) Close() {
	c.mu.Lock()
	unsubs := make([]func(), 0, len(c.known))
	for _, unsub := range c.known {
		unsubs = append(unsubs, unsub)
	}
	c.known = make(map[int]func())
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// HandleMessage is the coordinator's single entry point for inbound traffic.
//
// Messages of any kind other than WORKER_LOAD_REPORT are ignored. A report is
// upserted into the report table by worker id; once the table holds at least
// as many reports as the fleet has known workers, a decision cycle runs
// unless one is already in flight.
//
// Returns:
//   - an error for a malformed report, or the error that ended the decision
//     cycle (ErrUnsupportedTopology, ErrMissingExecutor, advisor or executor
//     failures)
func (c *Coordinator) HandleMessage(ctx context.Context, msg cluster.Message) error {
	if msg.Kind != cluster.KindWorkerLoadReport {
		return nil
	}
	report, err := cluster.DecodeReport(msg)
	if err != nil {
		return err
	}
	if err := report.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.reports[report.WorkerID] = report.Clone()
	c.metrics.RecordReportReceived(report.WorkerID)
	for _, s := range report.Shards {
		c.metrics.ObserveShardLoad(s.ShardID, s.Load)
	}

	have, want := len(c.reports), c.fleet.KnownWorkerCount()
	if have < want {
		c.mu.Unlock()
		c.debug("sweep incomplete", "reports", have, "known_workers", want)
		return nil
	}
	if !c.guard.tryAcquire() {
		state := c.guard.state
		c.mu.Unlock()
		c.metrics.RecordCycle(metrics.OutcomeInProgress)
		c.debug("decision skipped, cycle in flight", "state", state.String())
		return nil
	}
	reports := c.snapshotLocked()
	c.mu.Unlock()

	defer c.setState(StateIdle)
	return c.runCycle(ctx, reports)
}

// runCycle executes one decision cycle. The caller holds the guard.
func (c *Coordinator) runCycle(ctx context.Context, reports []cluster.WorkerReport) error {
	req, ok, err := c.decide(ctx, reports)
	if err != nil {
		c.metrics.RecordCycle(metrics.OutcomeRejected)
		return err
	}
	if !ok {
		c.metrics.RecordCycle(metrics.OutcomeNoAction)
		return nil
	}

	c.setState(StateExecuting)
	c.metrics.SetTargetShards(req.TotalShards)
	c.logger.Info("rescale started",
		"total_shards", req.TotalShards,
		"shards_per_worker", req.ShardsPerWorker,
		"total_workers", req.TotalWorkers,
		"mode", string(req.Options.Mode))

	start := time.Now()
	result, err := c.executor.Start(ctx, req)
	elapsed := time.Since(start)

	c.metrics.ObserveRescale(err == nil, elapsed)
	if c.onRescale != nil {
		c.onRescale(req, result, err)
	}

	if err != nil {
		c.metrics.RecordCycle(metrics.OutcomeFailed)
		return fmt.Errorf("rescale to %d shards: %w", req.TotalShards, err)
	}

	c.metrics.RecordCycle(metrics.OutcomeRescaled)
	c.logger.Info("rescale finished",
		"total_shards", req.TotalShards,
		"completed", result.Completed,
		"duration", elapsed.String())
	return nil
}

// decide runs the topology check, threshold scan, executor check and shard
// math in that order. ok is false when no shard is overloaded.
func (c *Coordinator) decide(ctx context.Context, reports []cluster.WorkerReport) (cluster.RescaleRequest, bool, error) {
	if err := c.cfg.Validate(); err != nil {
		return cluster.RescaleRequest{}, false, err
	}

	view := ViewOf(c.fleet)
	if err := CheckTopology(view); err != nil {
		return cluster.RescaleRequest{}, false, err
	}

	over, found := FindOverload(reports, c.cfg.MaxLoadPerShard)
	if !found {
		c.debug("no shard at ceiling", "max_load_per_shard", c.cfg.MaxLoadPerShard, "reports", len(reports))
		return cluster.RescaleRequest{}, false, nil
	}
	c.logger.Info("shard load at ceiling",
		"worker_id", over.WorkerID,
		"shard_id", over.ShardID,
		"load", over.Load,
		"max_load_per_shard", c.cfg.MaxLoadPerShard)

	if c.executor == nil {
		return cluster.RescaleRequest{}, false, ErrMissingExecutor
	}

	total, err := NextShardCount(ctx, c.cfg, view.TotalShards, reports, c.advisor)
	if err != nil {
		return cluster.RescaleRequest{}, false, err
	}

	req := BuildRequest(c.cfg, view, total)
	c.debug("rescale planned",
		"current_shards", view.TotalShards,
		"new_shards", req.TotalShards,
		"min_load_per_shard", c.cfg.MinLoadPerShard.String())
	return req, true, nil
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == StateIdle {
		c.guard.release()
		return
	}
	c.guard.advance(s)
}

// snapshotLocked copies the report table sorted by worker id.
// Caller must hold c.mu.
func (c *Coordinator) snapshotLocked() []cluster.WorkerReport {
	ids := sortedKeys(c.reports)
	out := make([]cluster.WorkerReport, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.reports[id].Clone())
	}
	return out
}

func (c *Coordinator) debug(msg string, args ...any) {
	if c.cfg.Debug {
		c.logger.Debug(msg, args...)
	}
}

// Reports returns a copy of the report table sorted by worker id.
func (c *Coordinator) Reports() []cluster.WorkerReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// State returns the decision engine's current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.guard.state
}

// KnownWorkers returns the ids of attached workers, sorted.
func (c *Coordinator) KnownWorkers() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.known)
}

// Config returns the coordinator's configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

func sortedKeys[V any](m map[int]V) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
