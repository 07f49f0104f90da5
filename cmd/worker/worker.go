package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/autoshard/internal/cluster"
	"github.com/dreamware/autoshard/internal/config"
	"github.com/dreamware/autoshard/internal/logging"
	"github.com/dreamware/autoshard/internal/metrics"
	"github.com/dreamware/autoshard/internal/reporter"
	"github.com/dreamware/autoshard/internal/shard"
	"github.com/dreamware/autoshard/internal/storage"
	"github.com/dreamware/autoshard/internal/transport/natsbus"
)

// Registration retry policy. Variables so tests can shorten them.
var (
	registerAttempts = 10
	registerBackoff  = 400 * time.Millisecond
)

var (
	errNotRegistered = errors.New("worker not registered")
	errWrongWorker   = errors.New("assignment addressed to another worker")
)

// worker is the runtime state of one worker process.
//
// Concurrency model:
//   - mu guards handle and rep, which are set by attach and read by handlers
//   - host and the reporter synchronize themselves
type worker struct {
	cfg       *config.Config
	nc        *nats.Conn
	host      *shard.Host
	logger    *logging.Logger
	registry  *prometheus.Registry
	collector metrics.Collector

	mu     sync.RWMutex
	handle *natsbus.Worker
	rep    *reporter.Reporter
}

func newWorker(cfg *config.Config, nc *nats.Conn, logger *logging.Logger, registry *prometheus.Registry) *worker {
	return &worker{
		cfg:       cfg,
		nc:        nc,
		host:      shard.NewHost(cfg.Worker.IdleWindow),
		logger:    logger.WithComponent("worker"),
		registry:  registry,
		collector: metrics.NewPrometheus(registry, "autoshard"),
	}
}

// register announces this worker to the coordinator and returns its
// Assignment, retrying with a fixed backoff.
func register(ctx context.Context, coordinatorURL string, id int, addr string, logger *logging.Logger) (cluster.Assignment, error) {
	body := cluster.RegisterRequest{Worker: cluster.WorkerInfo{ID: id, Addr: addr}}
	var (
		a       cluster.Assignment
		lastErr error
	)
	for i := 0; i < registerAttempts; i++ {
		lastErr = cluster.PostJSON(ctx, coordinatorURL+"/register", body, &a)
		if lastErr == nil {
			logger.Info("registered with coordinator",
				"coordinator", coordinatorURL,
				"worker_id", a.WorkerID,
				"shards", a.Shards)
			return a, nil
		}
		logger.Warn("register retry", "attempt", i+1, "error", lastErr)

		select {
		case <-time.After(registerBackoff):
		case <-ctx.Done():
			return cluster.Assignment{}, ctx.Err()
		}
	}
	return cluster.Assignment{}, fmt.Errorf("register with coordinator: %w", lastErr)
}

// attach hosts the shards of the initial assignment and starts reporting.
func (w *worker) attach(a cluster.Assignment) error {
	handle, err := natsbus.NewWorker(w.nc, w.cfg.NATS.SubjectPrefix, a.WorkerID, a.Shards)
	if err != nil {
		return err
	}
	rep, err := reporter.New(handle, w.cfg.ReporterConfig(reporter.ShardLoadFunc(w.host.Load)),
		reporter.WithLogger(w.logger.WithWorker(a.WorkerID)),
		reporter.WithMetrics(w.collector))
	if err != nil {
		return err
	}

	w.host.Assign(a.Shards, a.TotalShards)

	w.mu.Lock()
	w.handle = handle
	w.rep = rep
	w.mu.Unlock()

	if len(a.Shards) == 0 {
		w.logger.Warn("no shards assigned, reporting paused", "worker_id", a.WorkerID)
		return nil
	}
	if err := rep.Start(nil, w.cfg.Reporter.SendImmediately); err != nil && !errors.Is(err, reporter.ErrInitialReport) {
		return err
	}
	return nil
}

// reassign installs a new shard set and restarts the reporter so the
// coordinator sees the new layout right away.
func (w *worker) reassign(a cluster.Assignment) error {
	w.mu.RLock()
	handle, rep := w.handle, w.rep
	w.mu.RUnlock()
	if handle == nil {
		return errNotRegistered
	}
	if a.WorkerID != handle.ID() {
		return fmt.Errorf("%w: got %d, this is %d", errWrongWorker, a.WorkerID, handle.ID())
	}

	added, removed := w.host.Assign(a.Shards, a.TotalShards)
	handle.SetShards(a.Shards)
	w.logger.Info("shards reassigned",
		"total_shards", a.TotalShards,
		"shards", a.Shards,
		"added", added,
		"removed", removed)

	switch {
	case len(a.Shards) == 0:
		if rep.Running() {
			return rep.Stop()
		}
		return nil
	case rep.Running():
		return rep.Restart(nil, true)
	default:
		return rep.Start(nil, true)
	}
}

// expireLoop drops idle entities once per idle window.
func (w *worker) expireLoop(ctx context.Context) {
	window := w.cfg.Worker.IdleWindow
	if window <= 0 {
		return
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := w.host.Expire(); n > 0 {
				w.logger.Debug("expired idle entities", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *worker) close() {
	w.mu.RLock()
	rep := w.rep
	w.mu.RUnlock()
	if rep != nil && rep.Running() {
		_ = rep.Stop()
	}
}

func (w *worker) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/info", w.handleInfo)
	mux.HandleFunc("/assignment", w.handleAssignment)
	mux.HandleFunc("/shard/", w.handleShardRequest)
	mux.Handle("/metrics", promhttp.HandlerFor(w.registry, promhttp.HandlerOpts{}))
	return mux
}

func (w *worker) handleAssignment(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var a cluster.Assignment
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		http.Error(rw, "bad json", http.StatusBadRequest)
		return
	}
	if a.TotalShards < 1 {
		http.Error(rw, "total_shards must be positive", http.StatusBadRequest)
		return
	}

	if err := w.reassign(a); err != nil {
		switch {
		case errors.Is(err, errNotRegistered):
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		case errors.Is(err, reporter.ErrConfigValidation), errors.Is(err, reporter.ErrInvalidWorkerHandle):
			http.Error(rw, err.Error(), http.StatusBadRequest)
		case errors.Is(err, errWrongWorker):
			http.Error(rw, err.Error(), http.StatusConflict)
		case errors.Is(err, reporter.ErrInitialReport):
			// Shards installed and timer armed; the next tick reports.
			rw.WriteHeader(http.StatusAccepted)
		default:
			http.Error(rw, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *worker) handleInfo(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.mu.RLock()
	handle, rep := w.handle, w.rep
	w.mu.RUnlock()

	resp := struct {
		Shards      []shard.ShardInfo `json:"shards"`
		WorkerID    int               `json:"worker_id"`
		TotalShards int               `json:"total_shards"`
		Reporting   bool              `json:"reporting"`
	}{
		Shards:      w.host.Infos(),
		WorkerID:    -1,
		TotalShards: w.host.TotalShards(),
	}
	if handle != nil {
		resp.WorkerID = handle.ID()
	}
	if rep != nil {
		resp.Reporting = rep.Running()
	}

	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(resp)
}

// handleShardRequest serves /shard/{shardID}/entities and
// /shard/{shardID}/entities/{key}.
func (w *worker) handleShardRequest(rw http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/shard/")
	idStr, path, ok := strings.Cut(rest, "/")
	if !ok {
		http.Error(rw, "invalid path format", http.StatusBadRequest)
		return
	}
	shardID, err := strconv.Atoi(idStr)
	if err != nil {
		http.Error(rw, "invalid shard ID", http.StatusBadRequest)
		return
	}

	if path == "entities" || path == "entities/" {
		if r.Method != http.MethodGet {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s, err := w.host.Shard(shardID)
		if err != nil {
			writeShardError(rw, err)
			return
		}
		keys := s.Store.List()
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(struct {
			Keys  []string `json:"keys"`
			Count int      `json:"count"`
		}{Keys: keys, Count: len(keys)})
		return
	}

	key, ok := strings.CutPrefix(path, "entities/")
	if !ok || key == "" {
		http.Error(rw, "not found", http.StatusNotFound)
		return
	}
	s, err := w.host.Route(shardID, key)
	if err != nil {
		writeShardError(rw, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, err := s.Get(key)
		if err != nil {
			writeShardError(rw, err)
			return
		}
		rw.Header().Set("Content-Type", "application/octet-stream")
		if _, err := rw.Write(value); err != nil {
			w.logger.Warn("write response", "error", err)
		}
	case http.MethodPut:
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r.Body); err != nil {
			http.Error(rw, "failed to read body", http.StatusBadRequest)
			return
		}
		if err := s.Put(key, buf.Bytes()); err != nil {
			writeShardError(rw, err)
			return
		}
		rw.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := s.Delete(key); err != nil {
			writeShardError(rw, err)
			return
		}
		rw.WriteHeader(http.StatusNoContent)
	default:
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeShardError(rw http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, shard.ErrShardNotHosted), errors.Is(err, storage.ErrEntityNotFound):
		code = http.StatusNotFound
	case errors.Is(err, shard.ErrWrongShard):
		code = http.StatusConflict
	case errors.Is(err, shard.ErrShardDraining):
		code = http.StatusServiceUnavailable
	}
	http.Error(rw, err.Error(), code)
}
