package router

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rpcmux_router"

// Call results recorded in the calls_total counter.
const (
	resultOK        = "ok"
	resultTimeout   = "timeout"
	resultClosed    = "closed"
	resultRemote    = "remote_error"
	resultCancelled = "cancelled"
	resultSendError = "send_error"
)

// Anomaly reasons recorded in the anomalies_total counter.
const (
	anomalyMalformed  = "malformed"
	anomalyUnmatched  = "unmatched"
	anomalyLate       = "late"
	anomalyUnexpected = "unexpected_kind"
)

// Collector is a prometheus.Collector that collects metrics about a
// Router's calls and notification traffic.
type Collector struct {
	calls         *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	inflight      prometheus.Gauge
	notifications *prometheus.CounterVec
	anomalies     *prometheus.CounterVec
	connected     prometheus.Gauge
}

// NewMetricsCollector returns a new Collector. Register it with a
// prometheus.Registerer and pass it to WithMetrics.
func NewMetricsCollector() *Collector {
	return &Collector{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "calls_total",
				Help:      "The number of calls by method and result.",
			}, []string{"method", "result"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "call_duration_seconds",
				Help:      "The time from sending a request to its completion.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			}, []string{"method"},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "inflight_calls",
				Help:      "The number of calls awaiting a response.",
			},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notifications_total",
				Help:      "The number of notifications received by topic method.",
			}, []string{"topic"},
		),
		anomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "anomalies_total",
				Help:      "The number of inbound frames dropped, by reason.",
			}, []string{"reason"},
		),
		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "connected",
				Help:      "1 while the router is connected.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.calls.Describe(ch)
	c.callDuration.Describe(ch)
	c.inflight.Describe(ch)
	c.notifications.Describe(ch)
	c.anomalies.Describe(ch)
	c.connected.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.calls.Collect(ch)
	c.callDuration.Collect(ch)
	c.inflight.Collect(ch)
	c.notifications.Collect(ch)
	c.anomalies.Collect(ch)
	c.connected.Collect(ch)
}

// The helpers below tolerate a nil Collector so the router does not have
// to check whether metrics are enabled.

func (c *Collector) callStarted() {
	if c != nil {
		c.inflight.Inc()
	}
}

func (c *Collector) callFinished(method, result string, seconds float64) {
	if c == nil {
		return
	}
	c.inflight.Dec()
	c.calls.WithLabelValues(method, result).Inc()
	c.callDuration.WithLabelValues(method).Observe(seconds)
}

func (c *Collector) notification(topic string) {
	if c != nil {
		c.notifications.WithLabelValues(topic).Inc()
	}
}

func (c *Collector) anomaly(reason string) {
	if c != nil {
		c.anomalies.WithLabelValues(reason).Inc()
	}
}

func (c *Collector) setConnected(up bool) {
	if c == nil {
		return
	}
	if up {
		c.connected.Set(1)
		return
	}
	c.connected.Set(0)
}
