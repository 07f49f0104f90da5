package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/slices"

	"github.com/dreamware/autoshard/internal/cluster"
	"github.com/dreamware/autoshard/internal/config"
	"github.com/dreamware/autoshard/internal/coordinator"
	"github.com/dreamware/autoshard/internal/fleet"
	"github.com/dreamware/autoshard/internal/logging"
	"github.com/dreamware/autoshard/internal/metrics"
)

const forwardTimeout = 5 * time.Second

// channelSource hands out the coordinator-side channel of a worker.
type channelSource interface {
	Channel(workerID int) cluster.WorkerChannel
}

// server is the fleet manager the coordinator plugs into. The embedded
// Topology answers the cluster.Fleet half of cluster.Manager.
type server struct {
	*coordinator.Topology

	cfg      *config.Config
	coord    *coordinator.Coordinator
	bus      channelSource
	health   *coordinator.HealthMonitor
	logger   *logging.Logger
	registry *prometheus.Registry
	client   *http.Client

	mu      sync.RWMutex
	workers []cluster.WorkerInfo
	nextID  int
	plugins map[string]any
	created []cluster.WorkerCreatedHandler
}

var _ cluster.Manager = (*server)(nil)

// newServer wires the topology, decision engine and health monitor. Extra
// options are applied after the ones derived from cfg.
func newServer(cfg *config.Config, bus channelSource, logger *logging.Logger, registry *prometheus.Registry, opts ...coordinator.Option) (*server, error) {
	topo, err := coordinator.NewTopology(cfg.Server.TotalShards, cfg.Server.ShardsPerWorker)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewPrometheus(registry, "autoshard")
	s := &server{
		Topology: topo,
		cfg:      cfg,
		bus:      bus,
		logger:   logger.WithComponent("server"),
		registry: registry,
		client:   &http.Client{Timeout: forwardTimeout},
		plugins:  make(map[string]any),
		health:   coordinator.NewHealthMonitor(cfg.Server.HealthInterval, logger, collector),
	}
	s.health.SetOnUnhealthy(s.markUnhealthy)

	base := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(collector),
		coordinator.WithRescaleHook(s.onRescale),
	}
	if cfg.Fleet.ExecutorURL != "" {
		exec, err := fleet.NewHTTPExecutor(cfg.Fleet.ExecutorURL, nil)
		if err != nil {
			return nil, err
		}
		base = append(base, coordinator.WithExecutor(exec))
	}
	if cfg.Fleet.AdvisorURL != "" {
		adv, err := fleet.NewHTTPAdvisor(cfg.Fleet.AdvisorURL, cfg.Fleet.AdvisorToken, nil)
		if err != nil {
			return nil, err
		}
		base = append(base, coordinator.WithShardAdvisor(adv))
	}

	coord, err := coordinator.New(cfg.CoordinatorConfig(), s, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := coord.Attach(s); err != nil {
		return nil, err
	}
	s.coord = coord
	return s, nil
}

// RegisterPlugin records a plugin under a unique name.
func (s *server) RegisterPlugin(name string, plugin any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plugins[name]; ok {
		return fmt.Errorf("plugin %q already registered", name)
	}
	s.plugins[name] = plugin
	return nil
}

// OnWorkerCreated adds a handler run for every newly registered worker.
func (s *server) OnWorkerCreated(handler cluster.WorkerCreatedHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, handler)
}

func (s *server) close() {
	s.health.Stop()
	s.coord.Close()
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/workers", s.handleListWorkers)
	mux.HandleFunc("/reports", s.handleReports)
	mux.HandleFunc("/topology", s.handleTopology)
	mux.HandleFunc("/topology/assignment", s.handleSetAssignment)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/data/", s.handleData)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// workerList returns a copy of the registered workers.
func (s *server) workerList() []cluster.WorkerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.workers)
}

func (s *server) workerAddr(id int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := slices.IndexFunc(s.workers, func(w cluster.WorkerInfo) bool { return w.ID == id })
	if idx < 0 {
		return ""
	}
	return s.workers[idx].Addr
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Worker.Addr == "" {
		http.Error(w, "missing addr", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if req.Worker.ID < 0 {
		req.Worker.ID = s.nextID
	}
	if req.Worker.ID >= s.nextID {
		s.nextID = req.Worker.ID + 1
	}
	idx := slices.IndexFunc(s.workers, func(n cluster.WorkerInfo) bool { return n.ID == req.Worker.ID })
	isNew := idx < 0
	if isNew {
		s.workers = append(s.workers, req.Worker)
	} else {
		s.workers[idx] = req.Worker
	}
	handlers := slices.Clone(s.created)
	s.mu.Unlock()

	shards, err := s.AddWorker(req.Worker.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if isNew {
		ch := s.bus.Channel(req.Worker.ID)
		for _, h := range handlers {
			h(req.Worker.ID, ch)
		}
		s.logger.Info("worker registered", "worker_id", req.Worker.ID, "addr", req.Worker.Addr, "shards", shards)
	}

	writeJSON(w, cluster.Assignment{
		WorkerID:    req.Worker.ID,
		Shards:      shards,
		TotalShards: s.TotalShards(),
	})
}

func (s *server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type workerView struct {
		cluster.WorkerInfo
		Health coordinator.HealthStatus `json:"health"`
		Shards []int                    `json:"shards"`
	}
	workers := s.workerList()
	out := make([]workerView, 0, len(workers))
	for _, wi := range workers {
		view := workerView{WorkerInfo: wi, Health: coordinator.HealthUnknown, Shards: s.WorkerShards(wi.ID)}
		if h := s.health.WorkerHealth(wi.ID); h != nil {
			view.Health = h.Status
		}
		out = append(out, view)
	}

	writeJSON(w, struct {
		Workers []workerView `json:"workers"`
	}{Workers: out})
}

func (s *server) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, struct {
		State   string                 `json:"state"`
		Reports []cluster.WorkerReport `json:"reports"`
	}{
		State:   s.coord.State().String(),
		Reports: s.coord.Reports(),
	})
}

func (s *server) handleTopology(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, struct {
		Assignment      []int                          `json:"shard_assignment"`
		Workers         []coordinator.WorkerAssignment `json:"workers"`
		TotalShards     int                            `json:"total_shards"`
		ShardsPerWorker int                            `json:"shards_per_worker"`
	}{
		Assignment:      s.ShardAssignment(),
		Workers:         s.Assignments(),
		TotalShards:     s.TotalShards(),
		ShardsPerWorker: s.ShardsPerWorker(),
	})
}

// handleSetAssignment pins a custom shard id list (admin operation).
func (s *server) handleSetAssignment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Shards []int `json:"shards"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.SetAssignment(req.Shards); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Warn("custom shard assignment installed", "shards", req.Shards)
	w.WriteHeader(http.StatusNoContent)
}

// handleData routes entity operations to the worker owning the key's shard.
func (s *server) handleData(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Path[len("/data/"):]
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	shardID := s.ShardForKey(key)
	workerID, err := s.WorkerForShard(shardID)
	if err != nil {
		http.Error(w, fmt.Sprintf("no worker for key: %v", err), http.StatusServiceUnavailable)
		return
	}
	addr := s.workerAddr(workerID)
	if addr == "" {
		http.Error(w, fmt.Sprintf("worker %d not found", workerID), http.StatusServiceUnavailable)
		return
	}
	targetURL := fmt.Sprintf("%s/shard/%d/entities/%s", addr, shardID, key)

	switch r.Method {
	case http.MethodGet, http.MethodPut, http.MethodDelete:
		s.forward(targetURL, w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// forward replays r against targetURL and copies the answer back.
func (s *server) forward(targetURL string, w http.ResponseWriter, r *http.Request) {
	var body io.Reader
	if r.Method == http.MethodPut {
		buf, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		body = bytes.NewReader(buf)
	}

	ctx, cancel := context.WithTimeout(r.Context(), forwardTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.Method, targetURL, body)
	if err != nil {
		http.Error(w, "failed to create request", http.StatusInternalServerError)
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to forward request: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// onRescale installs the new layout after a successful rescale and pushes
// every registered worker its new shards.
func (s *server) onRescale(req cluster.RescaleRequest, _ cluster.ExecutionResult, err error) {
	if err != nil {
		return
	}
	if err := s.Apply(req); err != nil {
		s.logger.Error("failed to apply rescale", "total_shards", req.TotalShards, "error", err)
		return
	}
	s.pushAssignments(context.Background())
}

// pushAssignments posts every registered worker its current Assignment.
func (s *server) pushAssignments(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()

	total := s.TotalShards()
	for _, wi := range s.workerList() {
		a := cluster.Assignment{WorkerID: wi.ID, Shards: s.WorkerShards(wi.ID), TotalShards: total}
		if err := cluster.PostJSONWithClient(ctx, s.client, wi.Addr+"/assignment", nil, a, nil); err != nil {
			s.logger.Warn("failed to push assignment", "worker_id", wi.ID, "error", err)
			continue
		}
		s.logger.Debug("assignment pushed", "worker_id", wi.ID, "shards", a.Shards)
	}
}

func (s *server) markUnhealthy(workerID int) {
	s.logger.Warn("worker unhealthy", "worker_id", workerID, "addr", s.workerAddr(workerID))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
