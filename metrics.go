package insights

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BusMetrics receives operational counters from the bus. Implementations
// must be safe for concurrent use.
type BusMetrics interface {
	// EventPublished counts a successful append, by tier and status.
	EventPublished(tier, status string)
	// PublishFailed counts a rejected or failed publish, by reason
	// (invalid, rate_limited, encode, transport).
	PublishFailed(reason string)
	// EntryProcessed counts an entry delivered to a handler.
	EntryProcessed(group string)
	// EntryAcked counts an entry acknowledged after handler success.
	EntryAcked(group string)
	// EntryReclaimed counts an entry claimed from an idle consumer.
	EntryReclaimed(group string)
	// ParseError counts an undecodable entry that was skipped.
	ParseError(group string)
	// ReadError counts a transport read failure in the consume loop.
	ReadError(group string)
	// HandlerLatency observes one handler invocation's duration.
	HandlerLatency(group string, d time.Duration)
}

// PrometheusMetrics implements BusMetrics with Prometheus collectors.
type PrometheusMetrics struct {
	published      *prometheus.CounterVec
	publishFailed  *prometheus.CounterVec
	processed      *prometheus.CounterVec
	acked          *prometheus.CounterVec
	reclaimed      *prometheus.CounterVec
	parseErrors    *prometheus.CounterVec
	readErrors     *prometheus.CounterVec
	handlerLatency *prometheus.HistogramVec
}

// NewPrometheusMetrics creates and registers the bus collectors against
// reg. Registering twice against the same registry panics, as usual with
// Prometheus; use one PrometheusMetrics per registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insights_events_published_total",
			Help: "Events appended to the stream.",
		}, []string{"tier", "status"}),
		publishFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insights_publish_failures_total",
			Help: "Publishes rejected or failed, by reason.",
		}, []string{"reason"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insights_entries_processed_total",
			Help: "Entries delivered to handlers.",
		}, []string{"group"}),
		acked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insights_entries_acked_total",
			Help: "Entries acknowledged after handler success.",
		}, []string{"group"}),
		reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insights_entries_reclaimed_total",
			Help: "Entries claimed from idle consumers.",
		}, []string{"group"}),
		parseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insights_parse_errors_total",
			Help: "Undecodable entries skipped.",
		}, []string{"group"}),
		readErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insights_read_errors_total",
			Help: "Transport read failures in the consume loop.",
		}, []string{"group"}),
		handlerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "insights_handler_duration_seconds",
			Help:    "Handler invocation duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"group"}),
	}
	reg.MustRegister(m.published, m.publishFailed, m.processed, m.acked,
		m.reclaimed, m.parseErrors, m.readErrors, m.handlerLatency)
	return m
}

func (m *PrometheusMetrics) EventPublished(tier, status string) {
	m.published.WithLabelValues(tier, status).Inc()
}

func (m *PrometheusMetrics) PublishFailed(reason string) {
	m.publishFailed.WithLabelValues(reason).Inc()
}

func (m *PrometheusMetrics) EntryProcessed(group string) {
	m.processed.WithLabelValues(group).Inc()
}

func (m *PrometheusMetrics) EntryAcked(group string) {
	m.acked.WithLabelValues(group).Inc()
}

func (m *PrometheusMetrics) EntryReclaimed(group string) {
	m.reclaimed.WithLabelValues(group).Inc()
}

func (m *PrometheusMetrics) ParseError(group string) {
	m.parseErrors.WithLabelValues(group).Inc()
}

func (m *PrometheusMetrics) ReadError(group string) {
	m.readErrors.WithLabelValues(group).Inc()
}

func (m *PrometheusMetrics) HandlerLatency(group string, d time.Duration) {
	m.handlerLatency.WithLabelValues(group).Observe(d.Seconds())
}

// nopMetrics is the default when no metrics implementation is configured.
type nopMetrics struct{}

func (nopMetrics) EventPublished(string, string)        {}
func (nopMetrics) PublishFailed(string)                 {}
func (nopMetrics) EntryProcessed(string)                {}
func (nopMetrics) EntryAcked(string)                    {}
func (nopMetrics) EntryReclaimed(string)                {}
func (nopMetrics) ParseError(string)                    {}
func (nopMetrics) ReadError(string)                     {}
func (nopMetrics) HandlerLatency(string, time.Duration) {}
