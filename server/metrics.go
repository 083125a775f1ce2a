package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the prometheus collectors updated by sessions
type Metrics struct {
	activeSessions  prometheus.Gauge
	sessions        *prometheus.CounterVec
	records         prometheus.Counter
	published       prometheus.Counter
	failures        *prometheus.CounterVec
	publishDuration prometheus.Histogram
}

// NewMetrics creates and registers all collectors on the given registerer
//
// Each server instance in the same process needs its own registerer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "alsrelay",
			Name:      "active_sessions",
			Help:      "Number of access log streams being processed",
		}),
		sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alsrelay",
			Name:      "sessions_total",
			Help:      "Number of ended access log streams by final state",
		}, []string{"state"}),
		records: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "alsrelay",
			Name:      "records_received_total",
			Help:      "Number of access log messages received",
		}),
		published: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "alsrelay",
			Name:      "records_published_total",
			Help:      "Number of access log messages acknowledged by the broker",
		}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alsrelay",
			Name:      "record_failures_total",
			Help:      "Number of access log messages not published, by stage",
		}, []string{"stage"}),
		publishDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "alsrelay",
			Name:      "publish_duration_seconds",
			Help:      "Time from publish request to broker acknowledgement or failure",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
}

func (m *Metrics) sessionOpened() {
	m.activeSessions.Inc()
}

func (m *Metrics) sessionEnded(state sessionState) {
	m.activeSessions.Dec()
	m.sessions.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) recordReceived() {
	m.records.Inc()
}

func (m *Metrics) encodeFailed() {
	m.failures.WithLabelValues("encode").Inc()
}

func (m *Metrics) unprocessed() {
	m.failures.WithLabelValues("unprocessed").Inc()
}

func (m *Metrics) publishDone(elapsed time.Duration, err error) {
	m.publishDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.failures.WithLabelValues("publish").Inc()
	} else {
		m.published.Inc()
	}
}
