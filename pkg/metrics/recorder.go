// Package metrics provides Prometheus-based instrumentation for the bus,
// store, and supervisor, plus a query service for aggregating recorded data.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the instrumentation surface used by the dispatcher and its
// collaborators. Components take the interface so tests can pass a no-op.
type Recorder interface {
	ObserveMessage(from, to, kind string)
	ObserveBroadcast(from string, recipients int)
	IncSendFailure(reason string)
	SetRegisteredAgents(count int)
	SetMailboxDepth(agent string, depth int)
	ObserveStoreOp(op string)
	IncSupervisorRestart(result string)
}

// PrometheusRecorder implements Recorder with promauto-registered metrics.
type PrometheusRecorder struct {
	messagesTotal      *prometheus.CounterVec
	broadcastsTotal    prometheus.Counter
	sendFailuresTotal  *prometheus.CounterVec
	registeredAgents   prometheus.Gauge
	mailboxDepth       *prometheus.GaugeVec
	storeOpsTotal      *prometheus.CounterVec
	supervisorRestarts *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder registered with the default
// Prometheus registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		messagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_messages_total",
				Help: "Total number of messages routed by the bus",
			},
			[]string{"from", "to", "kind"},
		),
		broadcastsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bus_broadcasts_total",
				Help: "Total number of broadcast operations",
			},
		),
		sendFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_send_failures_total",
				Help: "Total number of failed sends by failure reason",
			},
			[]string{"reason"},
		),
		registeredAgents: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bus_registered_agents",
				Help: "Number of agents currently registered with the bus",
			},
		),
		mailboxDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bus_mailbox_depth",
				Help: "Current number of queued messages per agent mailbox",
			},
			[]string{"agent"},
		),
		storeOpsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_operations_total",
				Help: "Total number of state store operations by type",
			},
			[]string{"op"},
		),
		supervisorRestarts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "supervisor_restarts_total",
				Help: "Total number of supervisor restart attempts by result",
			},
			[]string{"result"},
		),
	}
}

func (p *PrometheusRecorder) ObserveMessage(from, to, kind string) {
	p.messagesTotal.WithLabelValues(from, to, kind).Inc()
}

func (p *PrometheusRecorder) ObserveBroadcast(_ string, _ int) {
	p.broadcastsTotal.Inc()
}

func (p *PrometheusRecorder) IncSendFailure(reason string) {
	p.sendFailuresTotal.WithLabelValues(reason).Inc()
}

func (p *PrometheusRecorder) SetRegisteredAgents(count int) {
	p.registeredAgents.Set(float64(count))
}

func (p *PrometheusRecorder) SetMailboxDepth(agent string, depth int) {
	p.mailboxDepth.WithLabelValues(agent).Set(float64(depth))
}

func (p *PrometheusRecorder) ObserveStoreOp(op string) {
	p.storeOpsTotal.WithLabelValues(op).Inc()
}

func (p *PrometheusRecorder) IncSupervisorRestart(result string) {
	p.supervisorRestarts.WithLabelValues(result).Inc()
}

// NopRecorder discards all observations. Useful for tests and for callers
// that do not run a metrics endpoint.
type NopRecorder struct{}

func (NopRecorder) ObserveMessage(_, _, _ string)    {}
func (NopRecorder) ObserveBroadcast(_ string, _ int) {}
func (NopRecorder) IncSendFailure(_ string)          {}
func (NopRecorder) SetRegisteredAgents(_ int)        {}
func (NopRecorder) SetMailboxDepth(_ string, _ int)  {}
func (NopRecorder) ObserveStoreOp(_ string)          {}
func (NopRecorder) IncSupervisorRestart(_ string)    {}
