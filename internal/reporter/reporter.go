// Package reporter implements the worker side of the autoscaling loop: a
// periodic task that samples the load of a worker's shards and delivers it to
// the coordinator as a tagged WORKER_LOAD_REPORT message.
package reporter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dreamware/autoshard/internal/cluster"
	"github.com/dreamware/autoshard/internal/logging"
	"github.com/dreamware/autoshard/internal/metrics"
)

// Option configures a Reporter.
type Option func(*Reporter)

// WithLogger sets the reporter's logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Reporter) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the reporter's metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(r *Reporter) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithTickErrorHandler registers a callback for errors from timer-driven
// ticks. Errors from explicit Tick calls are returned to the caller instead.
func WithTickErrorHandler(fn func(error)) Option {
	return func(r *Reporter) {
		r.onTickError = fn
	}
}

// Reporter sends a WorkerReport on a fixed cadence.
//
// Each timer tick runs in its own goroutine, so a slow load function or send
// never delays the next tick and sends may overlap. The transport must
// tolerate concurrent sends. Stop and Restart cancel only the timer; a tick
// already in flight is allowed to finish.
//
// Thread-safe: All methods are safe for concurrent access.
type Reporter struct {
	worker      cluster.WorkerHandle
	logger      *logging.Logger
	metrics     metrics.Collector
	onTickError func(error)

	mu      sync.Mutex
	cfg     Config
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped Reporter for worker.
//
// The configuration is validated immediately; an invalid configuration
// returns an error wrapping ErrConfigValidation and no Reporter.
// The worker handle itself is checked on every tick.
//
// Example:
//
//	r, err := reporter.New(worker, reporter.Config{
//	    Interval: 5 * time.Second,
//	    LoadFunc: reporter.ShardLoadFunc(host.Load),
//	})
//	if err != nil {
//	    return err
//	}
//	err = r.Start(nil, true)
func New(worker cluster.WorkerHandle, cfg Config, opts ...Option) (*Reporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Reporter{
		worker:  worker,
		cfg:     cfg,
		logger:  logging.NopLogger(),
		metrics: metrics.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("reporter")

	return r, nil
}

// Start arms the reporting timer.
//
// The override is merged over the current configuration and validated before
// anything changes; an invalid override leaves the reporter untouched. When
// sendImmediately is true one tick runs synchronously once the timer is
// armed. The reporter stays running when that tick fails.
//
// Returns:
//   - ErrAlreadyRunning if the reporter is active
//   - a config validation error if the merged configuration is invalid
//   - an error wrapping ErrInitialReport if the immediate tick failed
func (r *Reporter) Start(override *ConfigOverride, sendImmediately bool) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	cfg, err := r.arm(override, sendImmediately)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	return r.initialReport(cfg, sendImmediately)
}

// Stop cancels the reporting timer. After Stop returns no new tick starts.
//
// Returns:
//   - ErrNotRunning if the reporter is not active
func (r *Reporter) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return ErrNotRunning
	}

	r.cancelTimer()
	r.running = false
	r.logger.Info("reporter stopped")
	return nil
}

// Restart cancels any existing timer, merges the override and re-arms.
// Unlike Start it does not require the reporter to be stopped. An invalid
// override is rejected before the current timer is touched. A failed
// immediate tick is returned wrapped in ErrInitialReport, with the new timer
// already armed.
func (r *Reporter) Restart(override *ConfigOverride, sendImmediately bool) error {
	r.mu.Lock()
	if err := r.cfg.Merge(override).Validate(); err != nil {
		r.mu.Unlock()
		return err
	}
	r.cancelTimer()
	r.running = false
	cfg, err := r.arm(override, sendImmediately)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	return r.initialReport(cfg, sendImmediately)
}

// Running reports whether the timer is armed.
func (r *Reporter) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Config returns the current configuration.
func (r *Reporter) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Tick performs one reporting cycle with the current configuration: validate,
// sample, check the report shape and send. Delivery errors are returned.
func (r *Reporter) Tick(ctx context.Context) error {
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	return r.tick(ctx, cfg)
}

// arm applies the override and starts the ticker. Caller must hold r.mu.
func (r *Reporter) arm(override *ConfigOverride, sendImmediately bool) (Config, error) {
	cfg := r.cfg.Merge(override)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	r.cfg = cfg
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go r.loop(ctx, cfg.Interval, r.done)

	r.logger.Info("reporter started", "interval", cfg.Interval.String(), "send_immediately", sendImmediately)
	return cfg, nil
}

// initialReport runs the immediate tick of Start and Restart.
// Caller must not hold r.mu.
func (r *Reporter) initialReport(cfg Config, sendImmediately bool) error {
	if !sendImmediately {
		return nil
	}
	if err := r.tick(context.Background(), cfg); err != nil {
		r.logger.Warn("initial load report failed", "error", err)
		return fmt.Errorf("%w: %w", ErrInitialReport, err)
	}
	return nil
}

// cancelTimer stops the loop goroutine and waits for it to exit.
// Safe to call when no timer is armed. Caller must hold r.mu.
func (r *Reporter) cancelTimer() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil
}

func (r *Reporter) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// In-flight ticks outlive Stop.
			go r.timerTick(context.WithoutCancel(ctx))
		}
	}
}

func (r *Reporter) timerTick(ctx context.Context) {
	err := r.Tick(ctx)
	if err == nil {
		return
	}
	r.logger.Warn("load report failed", "error", err)
	if r.onTickError != nil {
		r.onTickError(err)
	}
}

func (r *Reporter) tick(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := validateWorker(r.worker); err != nil {
		return err
	}

	workerID := r.worker.ID()
	report, err := cfg.LoadFunc(ctx, r.worker)
	if err != nil {
		r.metrics.RecordReportSent(workerID, false)
		return fmt.Errorf("compute load: %w", err)
	}
	if err := report.Validate(); err != nil {
		r.metrics.RecordReportSent(workerID, false)
		return err
	}

	msg, err := cluster.NewReportMessage(report)
	if err != nil {
		r.metrics.RecordReportSent(workerID, false)
		return err
	}

	start := time.Now()
	if err := r.worker.Send(ctx, msg); err != nil {
		r.metrics.RecordReportSent(workerID, false)
		return fmt.Errorf("send report: %w", err)
	}
	r.metrics.RecordReportSent(workerID, true)

	if cfg.Debug {
		r.logger.Debug("load report sent",
			"worker_id", workerID,
			"shards", len(report.Shards),
			"total_load", report.TotalLoad(),
			"send_duration", time.Since(start).String())
	}
	return nil
}

func validateWorker(w cluster.WorkerHandle) error {
	if w == nil {
		return fmt.Errorf("%w: no worker handle", ErrInvalidWorkerHandle)
	}
	if id := w.ID(); id < 0 {
		return fmt.Errorf("%w: worker id %d is negative", ErrInvalidWorkerHandle, id)
	}
	shards := w.OwnedShards()
	if len(shards) == 0 {
		return fmt.Errorf("%w: worker owns no shards", ErrInvalidWorkerHandle)
	}
	for _, id := range shards {
		if id < 0 {
			return fmt.Errorf("%w: shard id %d is negative", ErrInvalidWorkerHandle, id)
		}
	}
	return nil
}
