// Package metrics exposes Prometheus collectors for sync runs and the admin
// HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "accountsync"

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Metrics holds all accountsync collectors on a private registry. A nil
// *Metrics is a valid no-op recorder.
type Metrics struct {
	Runs            *prometheus.CounterVec
	Batches         prometheus.Counter
	Records         *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	HTTPRequests    *prometheus.CounterVec
	LeaseContention prometheus.Counter

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.Runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Sync runs by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)
	m.Batches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches processed",
		},
	)
	m.Records = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Record outcomes by action",
		},
		[]string{"action"},
	)
	m.RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of sync runs",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"mode"},
	)
	m.HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Admin HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)
	m.LeaseContention = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_contention_total",
			Help:      "Runs skipped because another holder owned the sync lease",
		},
	)

	m.registry.MustRegister(
		m.Runs,
		m.Batches,
		m.Records,
		m.RunDuration,
		m.HTTPRequests,
		m.LeaseContention,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveRun(mode, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(mode, outcome).Inc()
	m.RunDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveBatch() {
	if m == nil {
		return
	}
	m.Batches.Inc()
}

func (m *Metrics) ObserveRecords(action string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.Records.WithLabelValues(action).Add(float64(count))
}

func (m *Metrics) ObserveLeaseContention() {
	if m == nil {
		return
	}
	m.LeaseContention.Inc()
}

func (m *Metrics) ObserveHTTP(route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// Registry returns the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format for the private registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
