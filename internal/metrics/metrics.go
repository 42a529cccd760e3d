// Package metrics exposes the service's Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "isp_network"

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// Pool metrics
	poolTotal       *prometheus.GaugeVec
	poolOccupied    *prometheus.GaugeVec
	poolUtilization *prometheus.GaugeVec
	poolAnomalies   *prometheus.CounterVec

	// Allocation metrics
	commitsTotal *prometheus.CounterVec

	// Device metrics
	deviceRequests *prometheus.CounterVec
	deviceLatency  *prometheus.HistogramVec

	// Traffic metrics
	monitorsActive prometheus.Gauge
	monitorPolls   *prometheus.CounterVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance
func New() *Metrics {
	return &Metrics{
		poolTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_addresses_total",
				Help:      "Usable host addresses per pool",
			},
			[]string{"cell", "pool"},
		),
		poolOccupied: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_addresses_occupied",
				Help:      "Addresses bound to a live connection per pool",
			},
			[]string{"cell", "pool"},
		),
		poolUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_utilization_percent",
				Help:      "Rounded percentage of occupied addresses per pool",
			},
			[]string{"cell", "pool"},
		),
		poolAnomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_anomalies_total",
				Help:      "Bindings reported out of range, duplicated or unmatched",
			},
			[]string{"cell", "kind"},
		),
		commitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_commits_total",
				Help:      "Connection commits by type and result",
			},
			[]string{"type", "result"},
		),
		deviceRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_requests_total",
				Help:      "Device operations by operation and result",
			},
			[]string{"op", "result"},
		),
		deviceLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "device_request_duration_seconds",
				Help:      "Device operation latency",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"op"},
		),
		monitorsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "traffic_monitors_active",
				Help:      "Running traffic monitors",
			},
		),
		monitorPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "traffic_polls_total",
				Help:      "Traffic monitor polls by result",
			},
			[]string{"result"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}

// Register registers all metrics with reg. A nil reg creates a private
// registry served by Handler.
func (m *Metrics) Register(reg *prometheus.Registry) error {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	all := []prometheus.Collector{
		m.poolTotal,
		m.poolOccupied,
		m.poolUtilization,
		m.poolAnomalies,
		m.commitsTotal,
		m.deviceRequests,
		m.deviceLatency,
		m.monitorsActive,
		m.monitorPolls,
		m.httpRequests,
		m.httpLatency,
	}
	for _, c := range all {
		if err := reg.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registry = reg
	return nil
}

// Handler returns the HTTP handler for the registry the metrics live in
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// --- Metric update methods ---

// SetPool records the occupancy of one pool
func (m *Metrics) SetPool(cellID, pool string, total, occupied, pct int) {
	if m == nil {
		return
	}
	m.poolTotal.WithLabelValues(cellID, pool).Set(float64(total))
	m.poolOccupied.WithLabelValues(cellID, pool).Set(float64(occupied))
	m.poolUtilization.WithLabelValues(cellID, pool).Set(float64(pct))
}

// RecordAnomalies counts bindings that did not fit a pool
func (m *Metrics) RecordAnomalies(cellID, kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.poolAnomalies.WithLabelValues(cellID, kind).Add(float64(n))
}

// RecordCommit counts a connection commit; result is ok, conflict or error
func (m *Metrics) RecordCommit(connType, result string) {
	if m == nil {
		return
	}
	m.commitsTotal.WithLabelValues(connType, result).Inc()
}

// RecordDeviceRequest records one device operation
func (m *Metrics) RecordDeviceRequest(op string, err error, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.deviceRequests.WithLabelValues(op, result).Inc()
	m.deviceLatency.WithLabelValues(op).Observe(took.Seconds())
}

// SetMonitorsActive sets the number of running traffic monitors
func (m *Metrics) SetMonitorsActive(n int) {
	if m == nil {
		return
	}
	m.monitorsActive.Set(float64(n))
}

// RecordPoll counts one traffic poll
func (m *Metrics) RecordPoll(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.monitorPolls.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records one served request
func (m *Metrics) RecordHTTPRequest(route, method string, status int, took time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(route).Observe(took.Seconds())
}
