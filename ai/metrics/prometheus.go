// Package metrics exports Prometheus metrics for the chat, retrieval,
// ingestion, webhook, and CORS paths. A single exporter instance is shared
// across components; every recorder is safe on a nil receiver so callers
// can leave metrics unconfigured.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Chat turn outcomes.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusRejected = "rejected"
)

// Webhook attempt outcomes.
const (
	WebhookDelivered = "delivered"
	WebhookRetried   = "retried"
	WebhookFailed    = "failed"
)

// PrometheusExporter holds the service's metric families on one registry.
type PrometheusExporter struct {
	registry *prometheus.Registry

	// Chat metrics
	chatTurns   *prometheus.CounterVec
	chatLatency *prometheus.HistogramVec
	chatActive  prometheus.Gauge

	// LLM metrics
	llmTokens  *prometheus.CounterVec
	llmLatency *prometheus.HistogramVec

	// Retrieval metrics
	retrievalSearches *prometheus.CounterVec
	retrievalHits     prometheus.Counter

	// Ingestion metrics
	ingestTasks    *prometheus.CounterVec
	ingestDuration *prometheus.HistogramVec

	// Delivery metrics
	webhookAttempts *prometheus.CounterVec
	corsDecisions   *prometheus.CounterVec
}

// Config configures the Prometheus exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for request latency histograms (in seconds)
	LatencyBuckets []float64

	// Buckets for ingestion task durations (in seconds)
	IngestBuckets []float64
}

// DefaultConfig returns default Prometheus configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		IngestBuckets:  []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}
}

// NewPrometheusExporter creates a new Prometheus metrics exporter.
func NewPrometheusExporter(cfg Config) *PrometheusExporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	if len(cfg.IngestBuckets) == 0 {
		cfg.IngestBuckets = DefaultConfig().IngestBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &PrometheusExporter{registry: registry}

	e.chatTurns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aiservice",
			Subsystem: "chat",
			Name:      "turns_total",
			Help:      "Total number of chat turns",
		},
		[]string{"channel", "status"},
	)

	e.chatLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aiservice",
			Subsystem: "chat",
			Name:      "stream_seconds",
			Help:      "Whole-turn chat stream duration in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"channel"},
	)

	e.chatActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "aiservice",
			Subsystem: "chat",
			Name:      "active",
			Help:      "Number of chat turns currently in flight",
		},
	)

	e.llmTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aiservice",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Total LLM tokens consumed",
		},
		[]string{"model", "token_type"},
	)

	e.llmLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aiservice",
			Subsystem: "llm",
			Name:      "latency_seconds",
			Help:      "LLM call latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"model"},
	)

	e.retrievalSearches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aiservice",
			Subsystem: "retrieval",
			Name:      "searches_total",
			Help:      "Total number of retrieval searches",
		},
		[]string{"outcome"},
	)

	e.retrievalHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aiservice",
			Subsystem: "retrieval",
			Name:      "hits_total",
			Help:      "Total number of chunks returned by retrieval searches",
		},
	)

	e.ingestTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aiservice",
			Subsystem: "ingest",
			Name:      "tasks_total",
			Help:      "Total number of ingestion task outcomes",
		},
		[]string{"status"},
	)

	e.ingestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aiservice",
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Ingestion task processing duration in seconds",
			Buckets:   cfg.IngestBuckets,
		},
		[]string{"status"},
	)

	e.webhookAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aiservice",
			Subsystem: "webhook",
			Name:      "attempts_total",
			Help:      "Total number of webhook delivery attempts",
		},
		[]string{"event", "status"},
	)

	e.corsDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aiservice",
			Subsystem: "cors",
			Name:      "decisions_total",
			Help:      "Total number of plugin origin decisions",
		},
		[]string{"outcome"},
	)

	registry.MustRegister(
		e.chatTurns,
		e.chatLatency,
		e.chatActive,
		e.llmTokens,
		e.llmLatency,
		e.retrievalSearches,
		e.retrievalHits,
		e.ingestTasks,
		e.ingestDuration,
		e.webhookAttempts,
		e.corsDecisions,
	)

	return e
}

// RecordChatTurn records one finished chat turn.
func (e *PrometheusExporter) RecordChatTurn(channel, status string, latency time.Duration) {
	if e == nil {
		return
	}
	e.chatTurns.WithLabelValues(channel, status).Inc()
	e.chatLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// ChatOpened marks a chat turn as in flight.
func (e *PrometheusExporter) ChatOpened() {
	if e == nil {
		return
	}
	e.chatActive.Inc()
}

// ChatClosed marks an in-flight chat turn as finished.
func (e *PrometheusExporter) ChatClosed() {
	if e == nil {
		return
	}
	e.chatActive.Dec()
}

// RecordLLMCall records token usage and latency for one LLM call.
func (e *PrometheusExporter) RecordLLMCall(model string, promptTokens, completionTokens int, latency time.Duration) {
	if e == nil {
		return
	}
	if promptTokens > 0 {
		e.llmTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		e.llmTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	e.llmLatency.WithLabelValues(model).Observe(latency.Seconds())
}

// RecordRetrieval records one retrieval search and the number of chunks it
// returned.
func (e *PrometheusExporter) RecordRetrieval(hits int) {
	if e == nil {
		return
	}
	outcome := "hit"
	if hits == 0 {
		outcome = "empty"
	}
	e.retrievalSearches.WithLabelValues(outcome).Inc()
	e.retrievalHits.Add(float64(hits))
}

// RecordIngestTask records one ingestion task outcome. Status follows the
// task lifecycle: completed, failed, or requeued. Requeues carry no
// duration and only count.
func (e *PrometheusExporter) RecordIngestTask(status string, duration time.Duration) {
	if e == nil {
		return
	}
	e.ingestTasks.WithLabelValues(status).Inc()
	if duration > 0 {
		e.ingestDuration.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// RecordWebhookAttempt records one webhook delivery attempt.
func (e *PrometheusExporter) RecordWebhookAttempt(event, status string) {
	if e == nil {
		return
	}
	e.webhookAttempts.WithLabelValues(event, status).Inc()
}

// RecordCORSDecision records one plugin origin check.
func (e *PrometheusExporter) RecordCORSDecision(allowed bool) {
	if e == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "blocked"
	}
	e.corsDecisions.WithLabelValues(outcome).Inc()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// ServeHTTP implements http.Handler for the metrics endpoint.
func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.Handler().ServeHTTP(w, r)
}
