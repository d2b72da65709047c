package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gating proxy.
type Metrics struct {
	// Gate admission metrics
	AdmissionsTotal      *prometheus.CounterVec
	AdmissionsAllowed    *prometheus.CounterVec
	AdmissionsDenied     *prometheus.CounterVec
	AdmissionDuration    *prometheus.HistogramVec
	CreditsDeductedTotal *prometheus.CounterVec
	CreditsRefundedTotal *prometheus.CounterVec

	// Quota metrics
	QuotaExceededTotal *prometheus.CounterVec

	// Rate limit metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Backend proxy metrics
	BackendCallsTotal   *prometheus.CounterVec
	BackendCallDuration *prometheus.HistogramVec
	BackendErrorsTotal  *prometheus.CounterVec

	// Router metrics
	RouterToolsListDuration prometheus.Histogram

	// Ledger metrics
	LedgerEntriesTotal   *prometheus.CounterVec
	LedgerVelocityGauge  *prometheus.GaugeVec
	LedgerBalanceGauge   *prometheus.GaugeVec
	LedgerDepletionGauge *prometheus.GaugeVec

	// KeyStore metrics
	KeyStoreKeysActive  prometheus.Gauge
	KeyStoreSnapshotOps *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		AdmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_admissions_total",
				Help: "Total number of gate admission checks",
			},
			[]string{"method", "tool"},
		),
		AdmissionsAllowed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_admissions_allowed_total",
				Help: "Total number of allowed admission checks",
			},
			[]string{"method", "tool"},
		),
		AdmissionsDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_admissions_denied_total",
				Help: "Total number of denied admission checks, by reason",
			},
			[]string{"method", "tool", "reason"},
		),
		AdmissionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paygate_admission_duration_seconds",
				Help:    "Time taken to evaluate a gate admission decision",
				Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
			[]string{"method"},
		),
		CreditsDeductedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_credits_deducted_total",
				Help: "Total credits deducted from keys",
			},
			[]string{"tool"},
		),
		CreditsRefundedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_credits_refunded_total",
				Help: "Total credits refunded to keys after backend failures",
			},
			[]string{"tool"},
		),

		QuotaExceededTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_quota_exceeded_total",
				Help: "Total number of requests denied for exceeding a quota window",
			},
			[]string{"window"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"scope", "identifier"},
		),

		BackendCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_backend_calls_total",
				Help: "Total number of calls proxied to backend MCP servers",
			},
			[]string{"prefix", "tool"},
		),
		BackendCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paygate_backend_call_duration_seconds",
				Help:    "Duration of proxied backend calls (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"prefix", "tool"},
		),
		BackendErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_backend_errors_total",
				Help: "Total number of backend call errors",
			},
			[]string{"prefix", "error_type"},
		),

		RouterToolsListDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "paygate_router_tools_list_duration_seconds",
				Help:    "Time taken to aggregate tools/list across all backends",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
		),

		LedgerEntriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_ledger_entries_total",
				Help: "Total number of ledger entries appended",
			},
			[]string{"kind"},
		),
		LedgerVelocityGauge: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "paygate_ledger_spend_velocity_credits_per_hour",
				Help: "Recent spending velocity for a key, in credits per hour",
			},
			[]string{"key_id"},
		),
		LedgerBalanceGauge: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "paygate_ledger_balance_credits",
				Help: "Current credit balance for a key",
			},
			[]string{"key_id"},
		),
		LedgerDepletionGauge: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "paygate_ledger_depletion_seconds",
				Help: "Forecasted seconds until a key's balance is depleted at its current velocity",
			},
			[]string{"key_id"},
		),

		KeyStoreKeysActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "paygate_keystore_keys_active",
				Help: "Number of active keys held in the key store",
			},
		),
		KeyStoreSnapshotOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_keystore_snapshot_ops_total",
				Help: "Total number of keystore snapshot writes, by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// ObserveAdmission records an admission decision and its evaluation latency.
func (m *Metrics) ObserveAdmission(method, tool string, allowed bool, denyReason string, duration time.Duration) {
	m.AdmissionsTotal.WithLabelValues(method, tool).Inc()
	m.AdmissionDuration.WithLabelValues(method).Observe(duration.Seconds())
	if allowed {
		m.AdmissionsAllowed.WithLabelValues(method, tool).Inc()
		return
	}
	m.AdmissionsDenied.WithLabelValues(method, tool, denyReason).Inc()
	if denyReason == "daily_quota_exceeded" || denyReason == "monthly_quota_exceeded" {
		m.QuotaExceededTotal.WithLabelValues(strings.TrimSuffix(denyReason, "_quota_exceeded")).Inc()
	}
	if denyReason == "rate_limited" {
		m.RateLimitHitsTotal.WithLabelValues("gate", tool).Inc()
	}
}

// ObserveRateLimitHit records a request rejected by the edge-level HTTP
// throttle, as opposed to the gate's own per-key/per-tool limiter.
func (m *Metrics) ObserveRateLimitHit(scope string) {
	m.RateLimitHitsTotal.WithLabelValues(scope, "edge").Inc()
}

// ObserveCreditMovement records a deduction or refund against a key's balance.
func (m *Metrics) ObserveCreditMovement(tool string, deducted, refunded int64) {
	if deducted > 0 {
		m.CreditsDeductedTotal.WithLabelValues(tool).Add(float64(deducted))
	}
	if refunded > 0 {
		m.CreditsRefundedTotal.WithLabelValues(tool).Add(float64(refunded))
	}
}

// ObserveBackendCall records a proxied backend call.
func (m *Metrics) ObserveBackendCall(prefix, tool string, duration time.Duration, err error) {
	m.BackendCallsTotal.WithLabelValues(prefix, tool).Inc()
	m.BackendCallDuration.WithLabelValues(prefix, tool).Observe(duration.Seconds())

	if err != nil {
		errorType := classifyBackendError(err.Error())
		m.BackendErrorsTotal.WithLabelValues(prefix, errorType).Inc()
	}
}

// ObserveLedgerEntry records a ledger append and refreshes the per-key gauges.
func (m *Metrics) ObserveLedgerEntry(keyID, kind string, balance int64, velocityPerHour float64, depletion time.Duration) {
	m.LedgerEntriesTotal.WithLabelValues(kind).Inc()
	m.LedgerBalanceGauge.WithLabelValues(keyID).Set(float64(balance))
	m.LedgerVelocityGauge.WithLabelValues(keyID).Set(velocityPerHour)
	if depletion > 0 {
		m.LedgerDepletionGauge.WithLabelValues(keyID).Set(depletion.Seconds())
	}
}

// ObserveSnapshot records a keystore snapshot write outcome.
func (m *Metrics) ObserveSnapshot(ok bool) {
	if ok {
		m.KeyStoreSnapshotOps.WithLabelValues("success").Inc()
		return
	}
	m.KeyStoreSnapshotOps.WithLabelValues("failure").Inc()
}

// classifyBackendError buckets a backend error message into a coarse category
// for cardinality-bounded labeling.
func classifyBackendError(errStr string) string {
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errStr, "circuit breaker") || strings.Contains(errStr, "open"):
		return "circuit_open"
	case strings.Contains(errStr, "connection"):
		return "connection"
	case strings.Contains(errStr, "context canceled"):
		return "canceled"
	default:
		return "other"
	}
}
