package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of chat completion requests processed",
		},
		[]string{"model", "stream", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model", "stream"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"model", "type"},
	)

	UpstreamAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_attempts_total",
			Help: "Upstream call attempts by outcome",
		},
		[]string{"outcome"},
	)

	UpstreamRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_upstream_retries_total",
			Help: "Upstream attempts retried with another credential",
		},
	)

	CredentialUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_credential_window_requests",
			Help: "Requests made with a credential in its current window",
		},
		[]string{"credential"},
	)

	QueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_admission_queue_length",
			Help: "Requests waiting for an execution slot",
		},
	)

	ActiveTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_admission_active",
			Help: "Requests currently executing against the upstream",
		},
	)

	AdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_admission_rejections_total",
			Help: "Requests rejected by the admission controller",
		},
		[]string{"reason"},
	)

	HealthState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_health_state",
			Help: "Admission health (0=healthy, 1=degraded, 2=overloaded)",
		},
	)

	PoolEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_connection_pool_entries",
			Help: "Connection pool entries by state",
		},
		[]string{"state"},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_asset_cache_hits_total",
			Help: "Total number of asset cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_asset_cache_misses_total",
			Help: "Total number of asset cache misses",
		},
	)

	MalformedFragments = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_stream_malformed_fragments_total",
			Help: "Upstream stream events skipped because they did not parse",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"endpoint"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_streams",
			Help: "Number of active streaming responses",
		},
	)
)

func RecordRequest(model string, stream bool, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(model, streamLabel(stream), status).Inc()
	RequestDuration.WithLabelValues(model, streamLabel(stream)).Observe(durationSec)
}

func RecordTokens(model string, promptTokens, completionTokens, reasoningTokens int) {
	TokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	if reasoningTokens > 0 {
		TokensTotal.WithLabelValues(model, "reasoning").Add(float64(reasoningTokens))
	}
}

func RecordUpstreamAttempt(outcome string) {
	UpstreamAttempts.WithLabelValues(outcome).Inc()
}

func RecordRetry() {
	UpstreamRetries.Inc()
}

func SetCredentialUsage(credentialID string, count int) {
	CredentialUsage.WithLabelValues(credentialID).Set(float64(count))
}

func SetAdmission(queued, active int) {
	QueueLength.Set(float64(queued))
	ActiveTasks.Set(float64(active))
}

func RecordRejection(reason string) {
	AdmissionRejections.WithLabelValues(reason).Inc()
}

func SetHealthState(state int) {
	HealthState.Set(float64(state))
}

func SetPoolEntries(active, idle int) {
	PoolEntries.WithLabelValues("active").Set(float64(active))
	PoolEntries.WithLabelValues("idle").Set(float64(idle))
}

func RecordCacheHit() {
	CacheHits.Inc()
}

func RecordCacheMiss() {
	CacheMisses.Inc()
}

func RecordMalformedFragment() {
	MalformedFragments.Inc()
}

func SetCircuitBreakerState(endpoint string, state int) {
	CircuitBreakerState.WithLabelValues(endpoint).Set(float64(state))
}

func IncrementActiveStreams() {
	ActiveStreams.Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.Dec()
}

func streamLabel(stream bool) string {
	if stream {
		return "true"
	}
	return "false"
}
