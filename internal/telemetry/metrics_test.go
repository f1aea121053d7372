package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	if m.RequestTotal == nil {
		t.Error("RequestTotal should not be nil")
	}
	if m.RequestDurationMs == nil {
		t.Error("RequestDurationMs should not be nil")
	}
	if m.SelectionDurationMs == nil {
		t.Error("SelectionDurationMs should not be nil")
	}
	if m.TokensTotal == nil {
		t.Error("TokensTotal should not be nil")
	}
	if m.RoutingDecisionTotal == nil {
		t.Error("RoutingDecisionTotal should not be nil")
	}
	if m.DispatchAttemptTotal == nil {
		t.Error("DispatchAttemptTotal should not be nil")
	}
	if m.BackoffDelayMs == nil {
		t.Error("BackoffDelayMs should not be nil")
	}
	if m.SnapshotInfo == nil {
		t.Error("SnapshotInfo should not be nil")
	}
}

func testMetrics(t *testing.T) *Metrics {
	t.Helper()
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_rudder_request_total",
			Help: "Test counter",
		}, []string{"tenant", "tier", "task", "model", "provider", "status"}),
		RequestDurationMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "test_rudder_request_duration_ms",
			Help:    "Test histogram",
			Buckets: []float64{100, 500, 1000},
		}, []string{"model", "provider"}),
		SelectionDurationMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "test_rudder_selection_duration_ms",
			Help:    "Test histogram",
			Buckets: []float64{1, 5, 10},
		}, []string{"task"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_rudder_tokens_total",
			Help: "Test counter",
		}, []string{"tenant", "model", "direction"}),
		RoutingDecisionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_rudder_routing_decision_total",
			Help: "Test counter",
		}, []string{"rule", "model"}),
		DispatchAttemptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_rudder_dispatch_attempt_total",
			Help: "Test counter",
		}, []string{"model", "outcome"}),
		BackoffDelayMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "test_rudder_backoff_delay_ms",
			Help:    "Test histogram",
			Buckets: []float64{50, 500, 5000},
		}, []string{"model"}),
		RateLimitHitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_rudder_ratelimit_hit_total",
			Help: "Test counter",
		}, []string{"dimension", "tenant"}),
		AdmissionDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_rudder_admission_denied_total",
			Help: "Test counter",
		}, []string{"tier"}),
		SnapshotInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "test_rudder_policy_snapshot_info",
			Help: "Test gauge",
		}, []string{"version"}),
		SnapshotLoadedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "test_rudder_policy_snapshot_loaded_at_seconds",
			Help: "Test gauge",
		}),
	}

	reg.MustRegister(
		m.RequestTotal, m.RequestDurationMs, m.SelectionDurationMs, m.TokensTotal,
		m.RoutingDecisionTotal, m.DispatchAttemptTotal, m.BackoffDelayMs,
		m.RateLimitHitTotal, m.AdmissionDeniedTotal, m.SnapshotInfo, m.SnapshotLoadedAt,
	)
	return m
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return *metric.Counter.Value
}

func TestRecordRequest(t *testing.T) {
	m := testMetrics(t)

	m.RecordRequest(RequestLabels{
		Tenant:           "acme",
		Tier:             "premium",
		Task:             "chat",
		Model:            "chat-deep",
		Provider:         "anthropic",
		Status:           "200",
		DurationMs:       150,
		PromptTokens:     100,
		CompletionTokens: 50,
	})

	counter, err := m.RequestTotal.GetMetricWithLabelValues("acme", "premium", "chat", "chat-deep", "anthropic", "200")
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	if v := counterValue(t, counter); v != 1 {
		t.Errorf("expected request count 1, got %v", v)
	}

	promptCounter, _ := m.TokensTotal.GetMetricWithLabelValues("acme", "chat-deep", "prompt")
	if v := counterValue(t, promptCounter); v != 100 {
		t.Errorf("expected 100 prompt tokens, got %v", v)
	}

	completionCounter, _ := m.TokensTotal.GetMetricWithLabelValues("acme", "chat-deep", "completion")
	if v := counterValue(t, completionCounter); v != 50 {
		t.Errorf("expected 50 completion tokens, got %v", v)
	}
}

func TestRecordDecisionAndAttempt(t *testing.T) {
	m := testMetrics(t)

	m.RecordDecision("premium-deep", "chat-deep")
	m.RecordDecision("premium-deep", "chat-deep")
	m.RecordAttempt("chat-deep", "throttled")
	m.RecordAttempt("chat-deep", "success")

	decision, _ := m.RoutingDecisionTotal.GetMetricWithLabelValues("premium-deep", "chat-deep")
	if v := counterValue(t, decision); v != 2 {
		t.Errorf("expected 2 decisions, got %v", v)
	}

	throttled, _ := m.DispatchAttemptTotal.GetMetricWithLabelValues("chat-deep", "throttled")
	if v := counterValue(t, throttled); v != 1 {
		t.Errorf("expected 1 throttled attempt, got %v", v)
	}
}

func TestRecordRateLimitHit(t *testing.T) {
	m := testMetrics(t)

	m.RecordRateLimitHit("rpm", "acme")

	counter, _ := m.RateLimitHitTotal.GetMetricWithLabelValues("rpm", "acme")
	if v := counterValue(t, counter); v != 1 {
		t.Errorf("expected rate limit hit count 1, got %v", v)
	}
}

func TestObserveSnapshot(t *testing.T) {
	m := testMetrics(t)

	loadedAt := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	m.ObserveSnapshot("2025-08-01+42", loadedAt)
	m.ObserveSnapshot("2025-08-02+7", loadedAt.Add(time.Hour))

	// Only the latest version series survives a swap
	var metric dto.Metric
	gauge, err := m.SnapshotInfo.GetMetricWithLabelValues("2025-08-02+7")
	if err != nil {
		t.Fatalf("get gauge: %v", err)
	}
	gauge.Write(&metric)
	if *metric.Gauge.Value != 1 {
		t.Errorf("expected active snapshot gauge 1, got %v", *metric.Gauge.Value)
	}

	m.SnapshotLoadedAt.Write(&metric)
	want := float64(loadedAt.Add(time.Hour).Unix())
	if *metric.Gauge.Value != want {
		t.Errorf("expected loaded_at %v, got %v", want, *metric.Gauge.Value)
	}
}
