package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/autoshard/internal/cluster"
	"github.com/dreamware/autoshard/internal/config"
	"github.com/dreamware/autoshard/internal/logging"
	"github.com/dreamware/autoshard/internal/shard"
	"github.com/dreamware/autoshard/internal/testutil"
	"github.com/dreamware/autoshard/internal/transport/natsbus"
)

func newTestWorker(t *testing.T) (*worker, *nats.Conn) {
	t.Helper()
	_, nc := testutil.StartEmbeddedNATS(t)
	cfg := config.Default()
	cfg.Worker.IdleWindow = 0
	w := newWorker(cfg, nc, logging.NopLogger(), prometheus.NewRegistry())
	t.Cleanup(w.close)
	return w, nc
}

// subscribeReports listens on a worker's report subject.
func subscribeReports(t *testing.T, nc *nats.Conn, workerID int) *nats.Subscription {
	t.Helper()
	sub, err := nc.SubscribeSync(natsbus.Subject(natsbus.DefaultSubjectPrefix, workerID))
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return sub
}

func nextReport(t *testing.T, sub *nats.Subscription) cluster.WorkerReport {
	t.Helper()
	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var m cluster.Message
	require.NoError(t, json.Unmarshal(msg.Data, &m))
	report, err := cluster.DecodeReport(m)
	require.NoError(t, err)
	return report
}

func shardIDs(r cluster.WorkerReport) []int {
	ids := make([]int, 0, len(r.Shards))
	for _, s := range r.Shards {
		ids = append(ids, s.ShardID)
	}
	return ids
}

func shortenRetries(t *testing.T, attempts int, backoff time.Duration) {
	t.Helper()
	oldAttempts, oldBackoff := registerAttempts, registerBackoff
	registerAttempts, registerBackoff = attempts, backoff
	t.Cleanup(func() {
		registerAttempts, registerBackoff = oldAttempts, oldBackoff
	})
}

func TestRegister(t *testing.T) {
	shortenRetries(t, 5, time.Millisecond)

	var calls atomic.Int32
	coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req cluster.RegisterRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, -1, req.Worker.ID)
		assert.Equal(t, "http://w", req.Worker.Addr)
		_ = json.NewEncoder(w).Encode(cluster.Assignment{WorkerID: 4, Shards: []int{2, 3}, TotalShards: 8})
	}))
	defer coord.Close()

	a, err := register(context.Background(), coord.URL, -1, "http://w", logging.NopLogger())
	require.NoError(t, err)
	assert.Equal(t, cluster.Assignment{WorkerID: 4, Shards: []int{2, 3}, TotalShards: 8}, a)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRegisterGivesUp(t *testing.T) {
	shortenRetries(t, 3, time.Millisecond)

	var calls atomic.Int32
	coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer coord.Close()

	_, err := register(context.Background(), coord.URL, 0, "http://w", logging.NopLogger())
	assert.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRegisterStopsOnCancel(t *testing.T) {
	shortenRetries(t, 10, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := register(ctx, "http://127.0.0.1:1", 0, "http://w", logging.NopLogger())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAttachStartsReporting(t *testing.T) {
	w, nc := newTestWorker(t)
	sub := subscribeReports(t, nc, 3)

	require.NoError(t, w.attach(cluster.Assignment{WorkerID: 3, Shards: []int{0, 1}, TotalShards: 4}))

	report := nextReport(t, sub)
	assert.Equal(t, 3, report.WorkerID)
	assert.Equal(t, []int{0, 1}, shardIDs(report))
	assert.Equal(t, []int{0, 1}, w.host.IDs())
	assert.True(t, w.rep.Running())
}

func TestAttachWithoutShards(t *testing.T) {
	w, _ := newTestWorker(t)
	require.NoError(t, w.attach(cluster.Assignment{WorkerID: 5, TotalShards: 4}))
	assert.False(t, w.rep.Running())
}

func TestHandleAssignment(t *testing.T) {
	w, nc := newTestWorker(t)
	h := w.routes()
	post := func(body string) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/assignment", strings.NewReader(body)))
		return rec.Code
	}

	assert.Equal(t, http.StatusServiceUnavailable, post(`{"worker_id":3,"shards":[1],"total_shards":4}`))

	sub := subscribeReports(t, nc, 3)
	require.NoError(t, w.attach(cluster.Assignment{WorkerID: 3, Shards: []int{0, 1}, TotalShards: 4}))
	nextReport(t, sub)

	assert.Equal(t, http.StatusNoContent, post(`{"worker_id":3,"shards":[1,2],"total_shards":6}`))
	assert.Equal(t, []int{1, 2}, w.host.IDs())
	assert.Equal(t, 6, w.host.TotalShards())
	assert.Equal(t, []int{1, 2}, w.handle.OwnedShards())
	assert.Equal(t, []int{1, 2}, shardIDs(nextReport(t, sub)), "reassignment reports immediately")

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "bad json", body: "{", want: http.StatusBadRequest},
		{name: "no shards in fleet", body: `{"worker_id":3,"shards":[1],"total_shards":0}`, want: http.StatusBadRequest},
		{name: "other worker", body: `{"worker_id":9,"shards":[1],"total_shards":4}`, want: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, post(tt.body))
		})
	}
	assert.Equal(t, []int{1, 2}, w.host.IDs(), "rejected assignments change nothing")

	assert.Equal(t, http.StatusNoContent, post(`{"worker_id":3,"shards":[],"total_shards":6}`))
	assert.False(t, w.rep.Running())
	assert.Empty(t, w.host.IDs())

	assert.Equal(t, http.StatusNoContent, post(`{"worker_id":3,"shards":[5],"total_shards":6}`))
	assert.True(t, w.rep.Running())
	assert.Equal(t, []int{5}, shardIDs(nextReport(t, sub)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/assignment", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleAssignmentReportFailure(t *testing.T) {
	w, nc := newTestWorker(t)
	require.NoError(t, w.attach(cluster.Assignment{WorkerID: 3, Shards: []int{0, 1}, TotalShards: 4}))
	nc.Close()

	rec := httptest.NewRecorder()
	w.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/assignment",
		strings.NewReader(`{"worker_id":3,"shards":[2,3],"total_shards":4}`)))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []int{2, 3}, w.host.IDs())
	assert.True(t, w.rep.Running(), "reporter keeps its timer when the first report fails")
}

func TestAttachReportFailure(t *testing.T) {
	w, nc := newTestWorker(t)
	nc.Close()

	require.NoError(t, w.attach(cluster.Assignment{WorkerID: 3, Shards: []int{0}, TotalShards: 4}))
	assert.True(t, w.rep.Running())
}

// keyFor returns a key that hashes to shardID among n shards.
func keyFor(t *testing.T, shardID, n int, skip string) string {
	t.Helper()
	for i := 0; i < 1000; i++ {
		k := fmt.Sprintf("entity-%d", i)
		if k != skip && shard.ForKey(k, n) == shardID {
			return k
		}
	}
	t.Fatalf("no key found for shard %d", shardID)
	return ""
}

func TestHandleShardRequest(t *testing.T) {
	w, _ := newTestWorker(t)
	require.NoError(t, w.attach(cluster.Assignment{WorkerID: 0, Shards: []int{0, 1, 2, 3}, TotalShards: 4}))
	h := w.routes()

	do := func(method, path, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
		return rec
	}

	key := keyFor(t, 2, 4, "")
	other := keyFor(t, 2, 4, key)
	path := "/shard/2/entities/" + key

	assert.Equal(t, http.StatusNoContent, do(http.MethodPut, path, "alice").Code)

	rec := do(http.MethodGet, path, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())

	rec = do(http.MethodGet, "/shard/2/entities", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Keys  []string `json:"keys"`
		Count int      `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Equal(t, []string{key}, list.Keys)
	assert.Equal(t, 1, list.Count)

	assert.Equal(t, float64(1), w.host.Load(2))

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{name: "missing entity", method: http.MethodGet, path: "/shard/2/entities/" + other, want: http.StatusNotFound},
		{name: "wrong shard for key", method: http.MethodGet, path: "/shard/1/entities/" + key, want: http.StatusConflict},
		{name: "shard not hosted", method: http.MethodGet, path: "/shard/9/entities/" + key, want: http.StatusNotFound},
		{name: "bad shard id", method: http.MethodGet, path: "/shard/x/entities/" + key, want: http.StatusBadRequest},
		{name: "no sub path", method: http.MethodGet, path: "/shard/2", want: http.StatusBadRequest},
		{name: "unknown sub path", method: http.MethodGet, path: "/shard/2/other", want: http.StatusNotFound},
		{name: "method not allowed", method: http.MethodPost, path: path, want: http.StatusMethodNotAllowed},
		{name: "list method not allowed", method: http.MethodPut, path: "/shard/2/entities", want: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, do(tt.method, tt.path, "").Code)
		})
	}

	assert.Equal(t, http.StatusNoContent, do(http.MethodDelete, path, "").Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, path, "").Code)
}

func TestHandleInfoAndMetrics(t *testing.T) {
	w, _ := newTestWorker(t)
	h := w.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"worker_id":-1`)

	require.NoError(t, w.attach(cluster.Assignment{WorkerID: 1, Shards: []int{2, 3}, TotalShards: 4}))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var info struct {
		Shards      []shard.ShardInfo `json:"shards"`
		WorkerID    int               `json:"worker_id"`
		TotalShards int               `json:"total_shards"`
		Reporting   bool              `json:"reporting"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, 1, info.WorkerID)
	assert.Equal(t, 4, info.TotalShards)
	assert.True(t, info.Reporting)
	require.Len(t, info.Shards, 2)
	assert.Equal(t, 2, info.Shards[0].ID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "autoshard_reporter_reports_sent_total")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdvertiseAddr(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "http://127.0.0.1:8081", advertiseAddr(cfg))

	cfg.Worker.AdvertiseAddr = "http://10.0.0.7:9000"
	assert.Equal(t, "http://10.0.0.7:9000", advertiseAddr(cfg))
}
