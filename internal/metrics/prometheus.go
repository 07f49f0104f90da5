package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector backed by Prometheus.
// Metrics are registered lazily on first use.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	reportsSent     *prometheus.CounterVec
	reportsReceived *prometheus.CounterVec
	shardLoad       *prometheus.GaugeVec
	cycles          *prometheus.CounterVec
	rescaleDuration *prometheus.HistogramVec
	targetShards    prometheus.Gauge
	workerHealth    *prometheus.GaugeVec
}

var _ Collector = (*PrometheusCollector)(nil)

// NewPrometheus creates a Prometheus collector.
//
// Parameters:
//   - reg: registerer to use (prometheus.DefaultRegisterer if nil)
//   - namespace: metric namespace ("autoshard" if empty)
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "autoshard"
	}
	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.reportsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "reporter",
			Name:      "reports_sent_total",
			Help:      "Total load reports attempted by worker and result (success|failure).",
		}, []string{"worker", "result"})

		p.reportsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "coordinator",
			Name:      "reports_received_total",
			Help:      "Total load reports accepted into the report table by worker.",
		}, []string{"worker"})

		p.shardLoad = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "coordinator",
			Name:      "shard_load",
			Help:      "Latest reported load per shard.",
		}, []string{"shard"})

		p.cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "coordinator",
			Name:      "decision_cycles_total",
			Help:      "Decision cycles by outcome (no_action,in_progress,rescaled,failed,rejected).",
		}, []string{"outcome"})

		p.rescaleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "coordinator",
			Name:      "rescale_duration_seconds",
			Help:      "Duration of rescale executor calls in seconds by result.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"})

		p.targetShards = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "coordinator",
			Name:      "target_shards",
			Help:      "Total shard count of the last rescale request.",
		})

		p.workerHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "coordinator",
			Name:      "worker_healthy",
			Help:      "Worker health status (1=healthy,0=unhealthy).",
		}, []string{"worker"})

		p.reg.MustRegister(p.reportsSent)
		p.reg.MustRegister(p.reportsReceived)
		p.reg.MustRegister(p.shardLoad)
		p.reg.MustRegister(p.cycles)
		p.reg.MustRegister(p.rescaleDuration)
		p.reg.MustRegister(p.targetShards)
		p.reg.MustRegister(p.workerHealth)
	})
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordReportSent counts a reporter tick.
func (p *PrometheusCollector) RecordReportSent(workerID int, success bool) {
	p.ensureRegistered()
	p.reportsSent.WithLabelValues(strconv.Itoa(workerID), result(success)).Inc()
}

// RecordReportReceived counts an accepted report.
func (p *PrometheusCollector) RecordReportReceived(workerID int) {
	p.ensureRegistered()
	p.reportsReceived.WithLabelValues(strconv.Itoa(workerID)).Inc()
}

// ObserveShardLoad sets the shard load gauge.
func (p *PrometheusCollector) ObserveShardLoad(shardID int, load float64) {
	p.ensureRegistered()
	p.shardLoad.WithLabelValues(strconv.Itoa(shardID)).Set(load)
}

// RecordCycle counts a decision cycle.
func (p *PrometheusCollector) RecordCycle(outcome string) {
	p.ensureRegistered()
	p.cycles.WithLabelValues(outcome).Inc()
}

// ObserveRescale records an executor call.
func (p *PrometheusCollector) ObserveRescale(success bool, duration time.Duration) {
	p.ensureRegistered()
	p.rescaleDuration.WithLabelValues(result(success)).Observe(duration.Seconds())
}

// SetTargetShards sets the target shard gauge.
func (p *PrometheusCollector) SetTargetShards(n int) {
	p.ensureRegistered()
	p.targetShards.Set(float64(n))
}

// RecordWorkerHealth sets the worker health gauge.
func (p *PrometheusCollector) RecordWorkerHealth(workerID int, healthy bool) {
	p.ensureRegistered()
	v := 0.0
	if healthy {
		v = 1
	}
	p.workerHealth.WithLabelValues(strconv.Itoa(workerID)).Set(v)
}
