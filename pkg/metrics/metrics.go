// Package metrics exposes Prometheus instrumentation for the exchange
// server, the message fabric, and agent supervision.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry backs the ops listener's /metrics endpoint.
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer labels every metric with the service name.
	DefaultRegisterer = prometheus.WrapRegistererWith(
		prometheus.Labels{"service": "academy"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds the instrument set shared across the runtime.
type Metrics struct {
	// HTTP exchange server
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Exchange fabric
	MessagesEnqueued *prometheus.CounterVec
	MailboxCount     prometheus.Gauge
	RecvTimeouts     prometheus.Counter

	// Agent supervision
	AgentRestarts  prometheus.Counter
	ActionsTotal   *prometheus.CounterVec
	ActionDuration prometheus.Histogram
}

// Get returns the process-wide metrics instance.
func Get() *Metrics {
	metricsOnce.Do(func() {
		metrics = New(DefaultRegisterer)
	})
	return metrics
}

// New creates a metrics set on the given registerer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}
	return &Metrics{
		HTTPRequestsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "academy_http_requests_total",
				Help: "Total exchange HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "academy_http_request_duration_seconds",
				Help:    "Exchange HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		MessagesEnqueued: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "academy_messages_enqueued_total",
				Help: "Messages enqueued to mailboxes by body kind",
			},
			[]string{"kind"},
		),
		MailboxCount: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "academy_mailboxes",
				Help: "Mailboxes currently registered on the exchange",
			},
		),
		RecvTimeouts: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "academy_recv_timeouts_total",
				Help: "Long-poll receives that returned empty",
			},
		),
		AgentRestarts: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "academy_agent_restarts_total",
				Help: "Agent restarts performed by launchers",
			},
		),
		ActionsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "academy_actions_total",
				Help: "Action invocations by outcome",
			},
			[]string{"outcome"},
		),
		ActionDuration: promauto.With(registerer).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "academy_action_duration_seconds",
				Help:    "Action execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// RecordHTTPRequest records one exchange HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAction records one action invocation.
func (m *Metrics) RecordAction(outcome string, duration time.Duration) {
	m.ActionsTotal.WithLabelValues(outcome).Inc()
	m.ActionDuration.Observe(duration.Seconds())
}
