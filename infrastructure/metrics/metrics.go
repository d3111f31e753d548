// Package metrics provides Prometheus metrics collection for the collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the collector process registers.
type Metrics struct {
	// Query API HTTP metrics.
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Outbound calls to the FL server, Policy Engine, and SDN controller.
	UpstreamCallDuration *prometheus.HistogramVec
	UpstreamErrorsTotal  *prometheus.CounterVec

	// Monitor tick bookkeeping (C5/C6/C4/C7).
	MonitorTicksTotal *prometheus.CounterVec

	// Storage write outcomes (C1).
	StorageWritesTotal *prometheus.CounterVec
}

// New creates a Metrics instance with all collectors registered against
// registerer. Pass prometheus.DefaultRegisterer in production.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_http_requests_total",
				Help: "Total number of query API HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collector_http_request_duration_seconds",
				Help:    "Query API HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "collector_http_requests_in_flight",
				Help: "Current number of query API requests being processed",
			},
		),
		UpstreamCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collector_upstream_call_duration_seconds",
				Help:    "Outbound call duration to the FL server, Policy Engine, and SDN controller",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"target"},
		),
		UpstreamErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_upstream_errors_total",
				Help: "Total number of failed outbound calls, by upstream target",
			},
			[]string{"target"},
		),
		MonitorTicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_monitor_ticks_total",
				Help: "Total number of monitor collection ticks, by monitor and outcome",
			},
			[]string{"monitor", "outcome"},
		),
		StorageWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_storage_writes_total",
				Help: "Total number of storage writes, by table and outcome",
			},
			[]string{"table", "outcome"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.UpstreamCallDuration,
			m.UpstreamErrorsTotal,
			m.MonitorTicksTotal,
			m.StorageWritesTotal,
		)
	}

	return m
}

// RecordHTTPRequest records one query API request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// IncrementInFlight/DecrementInFlight track requests currently being served.
func (m *Metrics) IncrementInFlight() { m.RequestsInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.RequestsInFlight.Dec() }

// RecordUpstreamCall records one outbound call's duration and, on failure,
// increments the upstream's error counter.
func (m *Metrics) RecordUpstreamCall(target string, duration time.Duration, err error) {
	m.UpstreamCallDuration.WithLabelValues(target).Observe(duration.Seconds())
	if err != nil {
		m.UpstreamErrorsTotal.WithLabelValues(target).Inc()
	}
}

// RecordMonitorTick records one collection tick for monitor, tagged success
// or failure.
func (m *Metrics) RecordMonitorTick(monitor string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.MonitorTicksTotal.WithLabelValues(monitor, outcome).Inc()
}

// RecordStorageWrite records one storage write outcome for table.
func (m *Metrics) RecordStorageWrite(table string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.StorageWritesTotal.WithLabelValues(table, outcome).Inc()
}
