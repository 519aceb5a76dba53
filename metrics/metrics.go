// Package metrics provides Prometheus metrics for the shell gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shellbox"

// Label values
const (
	ReasonMissing       = "missing"
	ReasonRestarted     = "restarted"
	ReasonRestartFailed = "restart_failed"

	ResultApplied = "applied"
	ResultDropped = "dropped"

	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Metrics holds all Prometheus metric collectors
type Metrics struct {
	registry *prometheus.Registry

	// Sandbox lifecycle
	SandboxesProvisioned prometheus.Counter
	ProvisionDuration    prometheus.Histogram
	SandboxRecoveries    *prometheus.CounterVec
	ProvisionFailures    prometheus.Counter
	AttachFailures       prometheus.Counter
	SandboxesReaped      prometheus.Counter

	// Terminal traffic
	ConnectionsActive prometheus.Gauge
	ControlMessages   *prometheus.CounterVec
	Bytes             *prometheus.CounterVec

	// HTTP
	HTTPRequestsTotal *prometheus.CounterVec
}

// New creates metrics registered on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates and registers all metrics on reg
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{registry: reg}

	m.SandboxesProvisioned = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sandboxes_provisioned_total",
		Help:      "Total number of sandboxes created and started for a session",
	})

	m.ProvisionDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provision_duration_seconds",
		Help:      "Time to provision a sandbox including any image pull",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	m.SandboxRecoveries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sandbox_recoveries_total",
		Help:      "Recoveries of recorded sandboxes by reason",
	}, []string{"reason"})

	m.ProvisionFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provision_failures_total",
		Help:      "Total number of failed sandbox provisioning attempts",
	})

	m.AttachFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "attach_failures_total",
		Help:      "Total number of failed terminal attachments",
	})

	m.SandboxesReaped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sandboxes_reaped_total",
		Help:      "Total number of idle sandboxes removed by the reaper",
	})

	m.ConnectionsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Current number of open terminal connections",
	})

	m.ControlMessages = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "control_messages_total",
		Help:      "Control messages received by result",
	}, []string{"result"})

	m.Bytes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_total",
		Help:      "Terminal bytes relayed by direction",
	}, []string{"direction"})

	m.HTTPRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests by route, method, and status code",
	}, []string{"route", "method", "status"})

	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordProvision records a successful sandbox provisioning
func (m *Metrics) RecordProvision(duration time.Duration) {
	m.SandboxesProvisioned.Inc()
	m.ProvisionDuration.Observe(duration.Seconds())
}

// RecordRecovery records a recovery of a recorded sandbox
func (m *Metrics) RecordRecovery(reason string) {
	m.SandboxRecoveries.WithLabelValues(reason).Inc()
}

// RecordControl records the outcome of a control message
func (m *Metrics) RecordControl(applied bool) {
	if applied {
		m.ControlMessages.WithLabelValues(ResultApplied).Inc()
	} else {
		m.ControlMessages.WithLabelValues(ResultDropped).Inc()
	}
}

// RecordBytes records relayed terminal bytes
func (m *Metrics) RecordBytes(direction string, n int) {
	m.Bytes.WithLabelValues(direction).Add(float64(n))
}

// RecordConnection tracks an open terminal connection and returns the
// function that releases it.
func (m *Metrics) RecordConnection() func() {
	m.ConnectionsActive.Inc()
	return m.ConnectionsActive.Dec
}
