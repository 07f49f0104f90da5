package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheus(reg, "test")

	c.RecordReportSent(1, true)
	c.RecordReportSent(1, true)
	c.RecordReportSent(1, false)
	c.RecordReportReceived(2)
	c.ObserveShardLoad(5, 1800)
	c.RecordCycle(OutcomeRescaled)
	c.RecordCycle(OutcomeNoAction)
	c.RecordCycle(OutcomeNoAction)
	c.ObserveRescale(true, 2*time.Second)
	c.SetTargetShards(12)
	c.RecordWorkerHealth(3, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.reportsSent.WithLabelValues("1", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reportsSent.WithLabelValues("1", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reportsReceived.WithLabelValues("2")))
	assert.Equal(t, 1800.0, testutil.ToFloat64(c.shardLoad.WithLabelValues("5")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cycles.WithLabelValues(OutcomeNoAction)))
	assert.Equal(t, 12.0, testutil.ToFloat64(c.targetShards))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.workerHealth.WithLabelValues("3")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 7)
}

func TestPrometheusCollectorDefaults(t *testing.T) {
	c := NewPrometheus(nil, "")
	assert.Equal(t, "autoshard", c.namespace)
	assert.Equal(t, prometheus.DefaultRegisterer, c.reg)
}

func TestNopCollector(t *testing.T) {
	var c Collector = NewNop()
	assert.NotPanics(t, func() {
		c.RecordReportSent(0, true)
		c.RecordCycle(OutcomeFailed)
		c.ObserveRescale(false, time.Second)
	})
}
