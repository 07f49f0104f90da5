package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/autoshard/internal/cluster"
	"github.com/dreamware/autoshard/internal/logging"
	"github.com/dreamware/autoshard/internal/metrics"
)

// HealthStatus is a worker's liveness as seen by the HealthMonitor.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// WorkerHealth tracks the health of one worker.
// Protected by HealthMonitor's mutex when accessed.
type WorkerHealth struct {
	LastCheck        time.Time    `json:"last_check"`
	LastHealthy      time.Time    `json:"last_healthy"`
	Status           HealthStatus `json:"status"`
	WorkerID         int          `json:"worker_id"`
	ConsecutiveFails int          `json:"consecutive_fails"`
}

// HealthMonitor polls every registered worker's /health endpoint on a fixed
// interval. Health is advisory: it is logged and exported as a metric but
// never changes the known worker count or the report table.
//
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	workers     map[int]*WorkerHealth
	httpClient  *http.Client
	checkFunc   func(addr string) error
	onUnhealthy func(workerID int)
	logger      *logging.Logger
	metrics     metrics.Collector
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a health monitor that checks each worker every
// interval. Workers are marked unhealthy after 3 consecutive failures.
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, logger, collector)
//	go monitor.Start(ctx, server.Workers)
//	defer monitor.Stop()
func NewHealthMonitor(interval time.Duration, logger *logging.Logger, collector metrics.Collector) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = logging.NopLogger()
	}
	if collector == nil {
		collector = metrics.NewNop()
	}

	return &HealthMonitor{
		interval:    interval,
		maxFailures: 3,
		workers:     make(map[int]*WorkerHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		logger:      logger.WithComponent("health"),
		metrics:     collector,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetOnUnhealthy sets the callback invoked when a worker turns unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(workerID int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// SetCheckFunction overrides the HTTP health check, mainly for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(addr string) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkFunc = checkFunc
}

// Start checks every worker returned by workers immediately and then on each
// tick. It blocks until ctx or the monitor is cancelled.
func (h *HealthMonitor) Start(ctx context.Context, workers func() []cluster.WorkerInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	h.mu.Lock()
	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}
	h.mu.Unlock()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health monitor started", "interval", h.interval.String())
	h.checkAll(workers())

	for {
		select {
		case <-ticker.C:
			h.checkAll(workers())
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop cancels the monitor and waits for Start to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *HealthMonitor) checkAll(workers []cluster.WorkerInfo) {
	current := make(map[int]bool, len(workers))
	for _, w := range workers {
		current[w.ID] = true
		h.checkWorker(w)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.workers {
		if !current[id] {
			delete(h.workers, id)
		}
	}
}

func (h *HealthMonitor) checkWorker(w cluster.WorkerInfo) {
	h.mu.Lock()
	health, ok := h.workers[w.ID]
	if !ok {
		now := time.Now()
		health = &WorkerHealth{WorkerID: w.ID, Status: HealthUnknown, LastCheck: now, LastHealthy: now}
		h.workers[w.ID] = health
	}
	check := h.checkFunc
	h.mu.Unlock()

	err := check(w.Addr)

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	if err == nil {
		if health.Status == HealthUnhealthy {
			h.logger.Info("worker recovered", "worker_id", w.ID)
		}
		health.Status = HealthHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		h.metrics.RecordWorkerHealth(w.ID, true)
		return
	}

	health.ConsecutiveFails++
	h.logger.Warn("health check failed",
		"worker_id", w.ID,
		"attempt", health.ConsecutiveFails,
		"max_failures", h.maxFailures,
		"error", err)

	if health.ConsecutiveFails < h.maxFailures || health.Status == HealthUnhealthy {
		return
	}
	health.Status = HealthUnhealthy
	h.metrics.RecordWorkerHealth(w.ID, false)
	h.logger.Error("worker marked unhealthy", "worker_id", w.ID, "failures", health.ConsecutiveFails)
	if h.onUnhealthy != nil {
		// Callback runs without the lock.
		go h.onUnhealthy(w.ID)
	}
}

func (h *HealthMonitor) defaultHealthCheck(addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	resp, err := h.httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// WorkerHealth returns a copy of a worker's health record, or nil if the
// worker is not monitored.
func (h *HealthMonitor) WorkerHealth(workerID int) *WorkerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, ok := h.workers[workerID]
	if !ok {
		return nil
	}
	cp := *health
	return &cp
}

// AllWorkerHealth returns copies of every health record keyed by worker id.
func (h *HealthMonitor) AllWorkerHealth() map[int]WorkerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[int]WorkerHealth, len(h.workers))
	for id, health := range h.workers {
		out[id] = *health
	}
	return out
}

// IsHealthy reports whether a worker's last checks succeeded.
func (h *HealthMonitor) IsHealthy(workerID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, ok := h.workers[workerID]
	return ok && health.Status == HealthHealthy
}
