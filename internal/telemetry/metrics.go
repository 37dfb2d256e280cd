package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics — Prometheus-реализация Observer
type Metrics struct {
	// Latency: время оценки политики
	PolicyEvalDuration *prometheus.HistogramVec

	// Latency: время решения scope-ядра
	ScopeDecideDuration *prometheus.HistogramVec

	// Traffic: решения по источнику (policy|scope) и исходу
	DecisionsTotal *prometheus.CounterVec

	// Signing: sign/verify/rotate по результату
	SigningOps *prometheus.CounterVec

	// Saturation: сколько ключей держит keyring
	RetainedKeys prometheus.Gauge

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	// Оценка: микросекунды, поэтому бакеты мельче, чем у сетевых запросов
	buckets := []float64{.00001, .000025, .00005, .0001, .00025, .0005, .001, .0025, .005, .01}

	return &Metrics{
		PolicyEvalDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "verdict_policy_eval_duration_seconds",
			Help:    "Histogram of policy evaluation latencies.",
			Buckets: buckets,
		}, []string{"strategy", "verdict"}),

		ScopeDecideDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "verdict_scope_decide_duration_seconds",
			Help:    "Histogram of scope kernel decision latencies.",
			Buckets: buckets,
		}, []string{"verdict"}),

		DecisionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "verdict_decisions_total",
			Help: "Total number of decisions by source and verdict.",
		}, []string{"source", "verdict"}),

		SigningOps: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "verdict_signing_operations_total",
			Help: "Total number of signing operations by type and result.",
		}, []string{"op", "result"}),

		RetainedKeys: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "verdict_signing_retained_keys",
			Help: "Number of signing keys currently retained for verification.",
		}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "verdict_audit_buffer_utilization",
			Help: "Current number of records in audit buffer.",
		}),
	}
}

func (m *Metrics) PolicyEvaluated(d PolicyDecision) {
	m.PolicyEvalDuration.WithLabelValues(d.Strategy, string(d.VerdictKind)).Observe(d.Duration.Seconds())
	m.DecisionsTotal.WithLabelValues("policy", string(d.VerdictKind)).Inc()
}

func (m *Metrics) ScopeDecided(d ScopeDecision) {
	// actor/tenant в лейблы не кладем: неограниченная кардинальность
	m.ScopeDecideDuration.WithLabelValues(string(d.DecisionKind)).Observe(d.Duration.Seconds())
	m.DecisionsTotal.WithLabelValues("scope", string(d.DecisionKind)).Inc()
}

func (m *Metrics) SigningCompleted(op, result string) {
	m.SigningOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) KeyringChanged(_ string, retained int) {
	m.RetainedKeys.Set(float64(retained))
}
