package coordinator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/autoshard/internal/cluster"
)

func staticWorkers(workers ...cluster.WorkerInfo) func() []cluster.WorkerInfo {
	return func() []cluster.WorkerInfo { return workers }
}

func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(5*time.Second, nil, nil)
	defer monitor.Stop()

	assert.NotNil(t, monitor)
	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 3, monitor.maxFailures)
	assert.NotNil(t, monitor.httpClient)
	assert.NotNil(t, monitor.logger)
	assert.NotNil(t, monitor.metrics)
	assert.Empty(t, monitor.AllWorkerHealth())
}

// TestHealthMonitorStart verifies the monitor checks every worker on each tick.
func TestHealthMonitorStart(t *testing.T) {
	monitor := NewHealthMonitor(50*time.Millisecond, nil, nil)
	defer monitor.Stop()

	var calls atomic.Int64
	monitor.SetCheckFunction(func(string) error {
		calls.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, staticWorkers(
		cluster.WorkerInfo{ID: 0, Addr: "http://localhost:8081"},
		cluster.WorkerInfo{ID: 1, Addr: "http://localhost:8082"},
	))

	assert.Eventually(t, func() bool { return calls.Load() >= 6 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, monitor.IsHealthy(0))
	assert.True(t, monitor.IsHealthy(1))
}

func TestHealthMonitorWorkerFailure(t *testing.T) {
	monitor := NewHealthMonitor(20*time.Millisecond, nil, nil)
	defer monitor.Stop()

	monitor.SetCheckFunction(func(addr string) error {
		if addr == "http://bad" {
			return errors.New("connection refused")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, staticWorkers(
		cluster.WorkerInfo{ID: 0, Addr: "http://good"},
		cluster.WorkerInfo{ID: 1, Addr: "http://bad"},
	))

	assert.Eventually(t, func() bool {
		h := monitor.WorkerHealth(1)
		return h != nil && h.Status == HealthUnhealthy
	}, 2*time.Second, 10*time.Millisecond)

	good := monitor.WorkerHealth(0)
	require.NotNil(t, good)
	assert.Equal(t, HealthHealthy, good.Status)
	assert.Zero(t, good.ConsecutiveFails)

	bad := monitor.WorkerHealth(1)
	require.NotNil(t, bad)
	assert.GreaterOrEqual(t, bad.ConsecutiveFails, 3)
}

func TestHealthMonitorWorkerRecovery(t *testing.T) {
	monitor := NewHealthMonitor(20*time.Millisecond, nil, nil)
	defer monitor.Stop()

	var failing atomic.Bool
	failing.Store(true)
	monitor.SetCheckFunction(func(string) error {
		if failing.Load() {
			return errors.New("timeout")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, staticWorkers(cluster.WorkerInfo{ID: 3, Addr: "http://w3"}))

	assert.Eventually(t, func() bool {
		h := monitor.WorkerHealth(3)
		return h != nil && h.Status == HealthUnhealthy
	}, 2*time.Second, 10*time.Millisecond)

	failing.Store(false)
	assert.Eventually(t, func() bool { return monitor.IsHealthy(3) }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, monitor.WorkerHealth(3).ConsecutiveFails)
}

// TestHealthMonitorWorkerRemoval verifies workers missing from the provider
// are dropped from the health table.
func TestHealthMonitorWorkerRemoval(t *testing.T) {
	monitor := NewHealthMonitor(20*time.Millisecond, nil, nil)
	defer monitor.Stop()
	monitor.SetCheckFunction(func(string) error { return nil })

	var mu sync.Mutex
	workers := []cluster.WorkerInfo{{ID: 0, Addr: "a"}, {ID: 1, Addr: "b"}}
	provider := func() []cluster.WorkerInfo {
		mu.Lock()
		defer mu.Unlock()
		return append([]cluster.WorkerInfo(nil), workers...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, provider)

	assert.Eventually(t, func() bool { return len(monitor.AllWorkerHealth()) == 2 }, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	workers = workers[:1]
	mu.Unlock()

	assert.Eventually(t, func() bool { return len(monitor.AllWorkerHealth()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, monitor.WorkerHealth(1))
}

func TestHealthMonitorStop(t *testing.T) {
	monitor := NewHealthMonitor(10*time.Millisecond, nil, nil)
	monitor.SetCheckFunction(func(string) error { return nil })

	done := make(chan struct{})
	go func() {
		monitor.Start(context.Background(), staticWorkers())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	monitor.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestHealthMonitorUnhealthyCallback(t *testing.T) {
	monitor := NewHealthMonitor(10*time.Millisecond, nil, nil)
	defer monitor.Stop()

	monitor.SetCheckFunction(func(string) error { return errors.New("down") })

	got := make(chan int, 4)
	monitor.SetOnUnhealthy(func(workerID int) { got <- workerID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, staticWorkers(cluster.WorkerInfo{ID: 7, Addr: "x"}))

	select {
	case id := <-got:
		assert.Equal(t, 7, id)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}

	// The callback fires on the transition only.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, got, 0)
}

func TestDefaultHealthCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	monitor := NewHealthMonitor(time.Second, nil, nil)
	defer monitor.Stop()

	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{name: "full url", addr: healthy.URL, wantErr: false},
		{name: "explicit health path", addr: healthy.URL + "/health", wantErr: false},
		{name: "bare host", addr: healthy.Listener.Addr().String(), wantErr: false},
		{name: "non-200", addr: broken.URL, wantErr: true},
		{name: "unreachable", addr: "http://127.0.0.1:1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := monitor.defaultHealthCheck(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
