package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the router.
type Metrics struct {
	RequestTotal         *prometheus.CounterVec
	RequestDurationMs    *prometheus.HistogramVec
	SelectionDurationMs  *prometheus.HistogramVec
	TokensTotal          *prometheus.CounterVec
	RoutingDecisionTotal *prometheus.CounterVec
	DispatchAttemptTotal *prometheus.CounterVec
	BackoffDelayMs       *prometheus.HistogramVec
	RateLimitHitTotal    *prometheus.CounterVec
	AdmissionDeniedTotal *prometheus.CounterVec
	SnapshotInfo         *prometheus.GaugeVec
	SnapshotLoadedAt     prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rudder_request_total",
			Help: "Total number of requests processed by the router.",
		}, []string{"tenant", "tier", "task", "model", "provider", "status"}),

		RequestDurationMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rudder_request_duration_ms",
			Help:    "Total request duration in milliseconds (including provider latency).",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"model", "provider"}),

		SelectionDurationMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rudder_selection_duration_ms",
			Help:    "Model selection latency in milliseconds (extract, match, validate, bind).",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50},
		}, []string{"task"}),

		TokensTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rudder_tokens_total",
			Help: "Total tokens reported by providers.",
		}, []string{"tenant", "model", "direction"}),

		RoutingDecisionTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rudder_routing_decision_total",
			Help: "Routing decisions by rule and bound model.",
		}, []string{"rule", "model"}),

		DispatchAttemptTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rudder_dispatch_attempt_total",
			Help: "Provider call attempts by model and outcome.",
		}, []string{"model", "outcome"}),

		BackoffDelayMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rudder_backoff_delay_ms",
			Help:    "Backoff delays slept between retries, in milliseconds.",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"model"}),

		RateLimitHitTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rudder_ratelimit_hit_total",
			Help: "Requests rejected by rate limiting, by dimension.",
		}, []string{"dimension", "tenant"}),

		AdmissionDeniedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rudder_admission_denied_total",
			Help: "Requests denied by admission policy.",
		}, []string{"tier"}),

		SnapshotInfo: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rudder_policy_snapshot_info",
			Help: "Currently active policy snapshot version (value is always 1).",
		}, []string{"version"}),

		SnapshotLoadedAt: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rudder_policy_snapshot_loaded_at_seconds",
			Help: "Unix time the active policy snapshot was loaded.",
		}),
	}
}

// RecordRequest records metrics for a completed request.
func (m *Metrics) RecordRequest(labels RequestLabels) {
	m.RequestTotal.WithLabelValues(
		labels.Tenant, labels.Tier, labels.Task,
		labels.Model, labels.Provider, labels.Status,
	).Inc()

	m.RequestDurationMs.WithLabelValues(
		labels.Model, labels.Provider,
	).Observe(labels.DurationMs)

	if labels.PromptTokens > 0 {
		m.TokensTotal.WithLabelValues(
			labels.Tenant, labels.Model, "prompt",
		).Add(float64(labels.PromptTokens))
	}

	if labels.CompletionTokens > 0 {
		m.TokensTotal.WithLabelValues(
			labels.Tenant, labels.Model, "completion",
		).Add(float64(labels.CompletionTokens))
	}
}

// RecordDecision records one routing decision. Wire this to the router's
// OnDecision hook.
func (m *Metrics) RecordDecision(rule, model string) {
	m.RoutingDecisionTotal.WithLabelValues(rule, model).Inc()
}

// RecordAttempt records one dispatch attempt. Wire this to the dispatcher's
// OnAttempt hook.
func (m *Metrics) RecordAttempt(model, outcome string) {
	m.DispatchAttemptTotal.WithLabelValues(model, outcome).Inc()
}

// ObserveBackoff records one backoff sleep. Wire this to the dispatcher's
// OnBackoff hook.
func (m *Metrics) ObserveBackoff(model string, delay time.Duration) {
	m.BackoffDelayMs.WithLabelValues(model).Observe(float64(delay.Milliseconds()))
}

// ObserveSelection records the latency of one selection cycle.
func (m *Metrics) ObserveSelection(task string, elapsed time.Duration) {
	m.SelectionDurationMs.WithLabelValues(task).Observe(float64(elapsed.Microseconds()) / 1000)
}

// RecordRateLimitHit records a rate limit rejection.
func (m *Metrics) RecordRateLimitHit(dimension, tenant string) {
	m.RateLimitHitTotal.WithLabelValues(dimension, tenant).Inc()
}

// RecordAdmissionDenied records a request denied by admission policy.
func (m *Metrics) RecordAdmissionDenied(tier string) {
	m.AdmissionDeniedTotal.WithLabelValues(tier).Inc()
}

// ObserveSnapshot records the active policy snapshot. Wire this to the
// policy store's OnSwap hook. Resetting keeps a single version series live.
func (m *Metrics) ObserveSnapshot(version string, loadedAt time.Time) {
	m.SnapshotInfo.Reset()
	m.SnapshotInfo.WithLabelValues(version).Set(1)
	m.SnapshotLoadedAt.Set(float64(loadedAt.Unix()))
}

// RequestLabels holds the label values for recording a request.
type RequestLabels struct {
	Tenant           string
	Tier             string
	Task             string
	Model            string
	Provider         string
	Status           string
	DurationMs       float64
	PromptTokens     int
	CompletionTokens int
}
