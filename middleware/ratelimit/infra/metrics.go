package infra

import (
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "admission"

// PrometheusMetrics implementa domain.Metrics.
//
// Métricas:
//   - admission_decisions_total{tier,result,reason}
//   - admission_check_duration_seconds{tier}
//   - admission_penalties_total{tier}
//   - admission_fail_open_total
//   - admission_evictions_total
//   - admission_tracked_clients
//
// reason vem de um conjunto fixo de motivos, então a cardinalidade é baixa.
type PrometheusMetrics struct {
	decisions     *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	penalties     *prometheus.CounterVec
	failOpen      prometheus.Counter
	evictions     prometheus.Counter
	tracked       prometheus.Gauge
	reg           prometheus.Registerer
}

func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		reg: reg,
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "decisions_total",
				Help:      "Admission decisions by client tier, result and denial reason",
			},
			[]string{"tier", "result", "reason"},
		),
		checkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "check_duration_seconds",
				Help:      "Time spent deciding a single request",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
			},
			[]string{"tier"},
		),
		penalties: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "penalties_total",
				Help:      "Progressive penalties applied",
			},
			[]string{"tier"},
		),
		failOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fail_open_total",
			Help:      "Requests allowed because the engine failed internally",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evictions_total",
			Help:      "Idle client records removed by the sweeper",
		}),
		tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "tracked_clients",
			Help:      "Client records currently held in memory",
		}),
	}

	reg.MustRegister(
		m.decisions,
		m.checkDuration,
		m.penalties,
		m.failOpen,
		m.evictions,
		m.tracked,
	)
	return m
}

// WatchSink expõe os contadores do sink assíncrono.
func (m *PrometheusMetrics) WatchSink(sink *AsyncStatsSink) {
	m.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stats_sink_dropped_total",
			Help:      "Statistics events dropped because the sink queue was full",
		}, func() float64 { return float64(sink.Dropped()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stats_sink_failed_total",
			Help:      "Statistics events the sink failed to write",
		}, func() float64 { return float64(sink.Failed()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "stats_sink_pending",
			Help:      "Statistics events waiting in the sink queue",
		}, func() float64 { return float64(sink.Pending()) }),
	)
}

func (m *PrometheusMetrics) ObserveDecision(tier domain.Tier, allowed bool, reason string, took time.Duration) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.decisions.WithLabelValues(string(tier), result, reason).Inc()
	m.checkDuration.WithLabelValues(string(tier)).Observe(took.Seconds())
}

func (m *PrometheusMetrics) PenaltyApplied(tier domain.Tier) {
	m.penalties.WithLabelValues(string(tier)).Inc()
}

func (m *PrometheusMetrics) FailOpen() { m.failOpen.Inc() }

func (m *PrometheusMetrics) Evicted(n int) { m.evictions.Add(float64(n)) }

func (m *PrometheusMetrics) TrackedClients(n int) { m.tracked.Set(float64(n)) }
