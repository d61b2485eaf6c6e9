package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/petal-labs/llmrouter/core"
)

// Metrics records call lifecycle events as Prometheus series in the
// llmrouter_client namespace.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight *prometheus.GaugeVec
	retries  *prometheus.CounterVec
	attempts *prometheus.HistogramVec
	tokens   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// skips registration, which is useful in tests.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "llmrouter_client",
				Name:      "requests_total",
				Help:      "Total router calls by transport, operation and outcome",
			},
			[]string{"transport", "op", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "llmrouter_client",
				Name:      "request_duration_seconds",
				Help:      "Duration of router calls in seconds, including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"transport", "op"},
		),
		inflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "llmrouter_client",
				Name:      "inflight_requests",
				Help:      "Router calls currently in flight",
			},
			[]string{"transport", "op"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "llmrouter_client",
				Name:      "retries_total",
				Help:      "Retries scheduled after a transient failure",
			},
			[]string{"transport", "op"},
		),
		attempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "llmrouter_client",
				Name:      "attempts_per_request",
				Help:      "Attempts made per router call",
				Buckets:   []float64{1, 2, 3, 4, 6, 8},
			},
			[]string{"transport", "op"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "llmrouter_client",
				Name:      "tokens_total",
				Help:      "Tokens reported by the router",
			},
			[]string{"transport", "kind"},
		),
	}
	if reg != nil {
		for _, c := range m.Collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// Collectors returns every collector owned by m.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.requests, m.duration, m.inflight, m.retries, m.attempts, m.tokens}
}

// OnRequestStart implements core.TelemetryHook.
func (m *Metrics) OnRequestStart(e core.RequestStartEvent) {
	m.inflight.WithLabelValues(e.Transport, string(e.Op)).Inc()
}

// OnRequestEnd implements core.TelemetryHook.
func (m *Metrics) OnRequestEnd(e core.RequestEndEvent) {
	op := string(e.Op)
	m.inflight.WithLabelValues(e.Transport, op).Dec()
	m.requests.WithLabelValues(e.Transport, op, Outcome(e.Err)).Inc()
	m.duration.WithLabelValues(e.Transport, op).Observe(e.Duration().Seconds())
	if e.Attempts > 0 {
		m.attempts.WithLabelValues(e.Transport, op).Observe(float64(e.Attempts))
	}
	if e.Usage.PromptTokens > 0 {
		m.tokens.WithLabelValues(e.Transport, "prompt").Add(float64(e.Usage.PromptTokens))
	}
	if e.Usage.CompletionTokens > 0 {
		m.tokens.WithLabelValues(e.Transport, "completion").Add(float64(e.Usage.CompletionTokens))
	}
}

// OnRetry implements core.RetryObserver.
func (m *Metrics) OnRetry(e core.RetryEvent) {
	m.retries.WithLabelValues(e.Transport, string(e.Op)).Inc()
}

var (
	_ core.TelemetryHook = (*Metrics)(nil)
	_ core.RetryObserver = (*Metrics)(nil)
)
