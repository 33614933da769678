// Package metrics holds the Prometheus collectors for the service.
//
// Collectors are registered on the Registerer given to New, so tests can use
// a private prometheus.NewRegistry() and never collide on the default one.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "userfeed"

// Upstream request outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

type Metrics struct {
	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	rejected         *prometheus.CounterVec
	inserted         *prometheus.CounterVec
	skippedUsers     prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		upstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Requests sent to the seed source, by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		upstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Latency of requests to the seed source.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "records_rejected_total",
			Help:      "Upstream records dropped by validation.",
		}, []string{"collection"}),
		inserted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "seed",
			Name:      "documents_inserted_total",
			Help:      "Documents inserted by seed runs.",
		}, []string{"collection"}),
		skippedUsers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "seed",
			Name:      "users_skipped_total",
			Help:      "Upstream users skipped because they already exist.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by route pattern and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) ObserveUpstream(endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(endpoint, outcome).Inc()
	m.upstreamDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (m *Metrics) AddRejected(collection string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rejected.WithLabelValues(collection).Add(float64(n))
}

func (m *Metrics) AddInserted(collection string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.inserted.WithLabelValues(collection).Add(float64(n))
}

func (m *Metrics) IncSkippedUsers() {
	if m == nil {
		return
	}
	m.skippedUsers.Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
