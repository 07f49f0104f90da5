package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/autoshard/internal/cluster"
	"github.com/dreamware/autoshard/internal/coordinator"
	"github.com/dreamware/autoshard/internal/reporter"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autoshard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func fieldsOf(t *testing.T, err error) []string {
	t.Helper()
	var verrs cluster.ValidationErrors
	require.True(t, errors.As(err, &verrs), "expected ValidationErrors, got %T", err)
	fields := make([]string, 0, len(verrs))
	for _, v := range verrs {
		fields = append(fields, v.Field)
	}
	return fields
}

func TestDefaultsLoad(t *testing.T) {
	v, err := New("")
	require.NoError(t, err)

	cfg, err := Load(v)
	require.NoError(t, err)

	if cfg.Coordinator.MinLoadPerShard != coordinator.FixedLoadFloor(1000) {
		t.Errorf("MinLoadPerShard = %v, want 1000", cfg.Coordinator.MinLoadPerShard)
	}
	if cfg.Coordinator.MaxLoadPerShard != 2000 {
		t.Errorf("MaxLoadPerShard = %v, want 2000", cfg.Coordinator.MaxLoadPerShard)
	}
	if cfg.Reporter.Interval != 15*time.Second {
		t.Errorf("Reporter.Interval = %v, want 15s", cfg.Reporter.Interval)
	}
	if cfg.Worker.ID != -1 {
		t.Errorf("Worker.ID = %d, want -1", cfg.Worker.ID)
	}
	if cfg.Worker.IdleWindow != 5*time.Minute {
		t.Errorf("Worker.IdleWindow = %v, want 5m", cfg.Worker.IdleWindow)
	}

	assert.Equal(t, coordinator.DefaultConfig(), cfg.CoordinatorConfig())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
coordinator:
  min_load_per_shard: 800
  max_load_per_shard: 2400
  shards_per_worker: 4
  rescale:
    mode: rolling
    delay_ms: 0
reporter:
  interval: 30s
server:
  total_shards: 16
nats:
  subject_prefix: prod.reports
`)
	v, err := New(path)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	cc := cfg.CoordinatorConfig()
	assert.Equal(t, coordinator.FixedLoadFloor(800), cc.MinLoadPerShard)
	assert.Equal(t, 2400.0, cc.MaxLoadPerShard)
	assert.Equal(t, 4, cc.ShardsPerWorker)
	assert.Equal(t, cluster.RescaleRolling, cc.Rescale.Mode)
	assert.Equal(t, int64(0), cc.Rescale.DelayMs)
	assert.Equal(t, int64(30000), cc.Rescale.TimeoutMs, "unset keys keep their defaults")

	assert.Equal(t, 30*time.Second, cfg.Reporter.Interval)
	assert.Equal(t, 16, cfg.Server.TotalShards)
	assert.Equal(t, "prod.reports", cfg.NATS.SubjectPrefix)
}

func TestLoadAutoFloor(t *testing.T) {
	path := writeConfig(t, `
coordinator:
  min_load_per_shard: Auto
  max_load_per_shard: 2500
fleet:
  advisor_url: http://advisor/shards
`)
	v, err := New(path)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.True(t, cfg.Coordinator.MinLoadPerShard.Auto)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("AUTOSHARD_COORDINATOR_MIN_LOAD_PER_SHARD", "600")
	t.Setenv("AUTOSHARD_REPORTER_INTERVAL", "2s")
	t.Setenv("AUTOSHARD_WORKER_ID", "3")
	t.Setenv("AUTOSHARD_LOGGING_LEVEL", "debug")

	v, err := New("")
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, coordinator.FixedLoadFloor(600), cfg.Coordinator.MinLoadPerShard)
	assert.Equal(t, 2*time.Second, cfg.Reporter.Interval)
	assert.Equal(t, 3, cfg.Worker.ID)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		fields []string
	}{
		{
			name:   "max not above min",
			body:   "coordinator:\n  min_load_per_shard: 1500\n  max_load_per_shard: 1500\n",
			fields: []string{"coordinator.max_load_per_shard"},
		},
		{
			name:   "auto with low ceiling and no advisor",
			body:   "coordinator:\n  min_load_per_shard: auto\n  max_load_per_shard: 2000\n",
			fields: []string{"coordinator.max_load_per_shard", "fleet.advisor_url"},
		},
		{
			name:   "interval too short",
			body:   "reporter:\n  interval: 10ms\n",
			fields: []string{"reporter.interval"},
		},
		{
			name:   "several at once",
			body:   "coordinator:\n  max_load_per_shard: 9000\n  rescale:\n    mode: teleport\nlogging:\n  level: loud\nserver:\n  total_shards: 0\n",
			fields: []string{"coordinator.max_load_per_shard", "coordinator.rescale.mode", "logging.level", "server.total_shards"},
		},
		{
			name:   "negative idle window",
			body:   "worker:\n  idle_window: -1m\n  coordinator_url: \"\"\n",
			fields: []string{"worker.idle_window", "worker.coordinator_url"},
		},
		{
			name:   "wildcard subject",
			body:   "nats:\n  subject_prefix: reports.>\n",
			fields: []string{"nats.subject_prefix"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := New(writeConfig(t, tt.body))
			require.NoError(t, err)

			_, err = Load(v)
			require.Error(t, err)
			assert.ErrorIs(t, err, cluster.ErrConfigValidation)
			got := fieldsOf(t, err)
			for _, f := range tt.fields {
				assert.Contains(t, got, f)
			}
		})
	}
}

func TestLoadRejectsNonNumericFloor(t *testing.T) {
	v, err := New(writeConfig(t, "coordinator:\n  min_load_per_shard: plenty\n"))
	require.NoError(t, err)

	_, err = Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_load_per_shard")
}

func TestNewMissingFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestReporterConfig(t *testing.T) {
	cfg := Default()
	cfg.Reporter.Interval = 3 * time.Second
	cfg.Reporter.Debug = true

	rc := cfg.ReporterConfig(reporter.ShardLoadFunc(func(int) float64 { return 1 }))
	assert.Equal(t, 3*time.Second, rc.Interval)
	assert.True(t, rc.Debug)
	assert.NoError(t, rc.Validate())
}

func TestDump(t *testing.T) {
	cfg := Default()
	cfg.Coordinator.MinLoadPerShard = coordinator.AutoLoadFloor()
	cfg.Fleet.AdvisorToken = "s3cret"

	var buf bytes.Buffer
	require.NoError(t, Dump(&buf, cfg))

	out := buf.String()
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, "min_load_per_shard: auto")
	assert.Contains(t, out, "interval: 15s")
	assert.Equal(t, "s3cret", cfg.Fleet.AdvisorToken, "dump must not modify the config")

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Contains(t, decoded, "coordinator")
	assert.Contains(t, decoded, "nats")
}
