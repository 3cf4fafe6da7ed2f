// Package metrics exposes Prometheus collectors for the approval engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signoff"

// Metrics holds the engine's collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	instancesCreated   *prometheus.CounterVec
	decisions          *prometheus.CounterVec
	terminal           *prometheus.CounterVec
	escalations        *prometheus.CounterVec
	staleFires         prometheus.Counter
	timersArmed        prometheus.Gauge
	notifyFailures     *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		instancesCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_created_total",
				Help:      "Request instances created, by workflow",
			},
			[]string{"workflow_id"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Recorded approver decisions, by outcome",
			},
			[]string{"outcome"}, // approve, reject
		),
		terminal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_terminal_total",
				Help:      "Instances reaching a terminal status",
			},
			[]string{"workflow_id", "status"},
		),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_total",
				Help:      "Escalation timer outcomes",
			},
			[]string{"result"}, // handed_off, expired
		),
		staleFires: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_timer_fires_total",
				Help:      "Escalation timer fires discarded because the instance had moved on",
			},
		),
		timersArmed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "escalation_timers_armed",
				Help:      "Escalation timers currently armed",
			},
		),
		notifyFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notification_failures_total",
				Help:      "Notifications that could not be delivered",
			},
			[]string{"dispatcher"},
		),
		transitionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transition_duration_seconds",
				Help:      "Time to apply and persist a transition, lock wait included",
				Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),
	}

	m.registry.MustRegister(
		m.instancesCreated,
		m.decisions,
		m.terminal,
		m.escalations,
		m.staleFires,
		m.timersArmed,
		m.notifyFailures,
		m.transitionDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) InstanceCreated(workflowID string) {
	if m == nil {
		return
	}
	m.instancesCreated.WithLabelValues(workflowID).Inc()
}

func (m *Metrics) DecisionRecorded(outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) InstanceTerminal(workflowID, status string) {
	if m == nil {
		return
	}
	m.terminal.WithLabelValues(workflowID, status).Inc()
}

// Escalated records a timer fire that handed the stage off or expired it.
func (m *Metrics) Escalated(result string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(result).Inc()
}

func (m *Metrics) StaleFire() {
	if m == nil {
		return
	}
	m.staleFires.Inc()
}

// SetTimersArmed reports the scheduler's live timer count.
func (m *Metrics) SetTimersArmed(n int) {
	if m == nil {
		return
	}
	m.timersArmed.Set(float64(n))
}

func (m *Metrics) NotifyFailed(dispatcher string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(dispatcher).Inc()
}

// ObserveTransition records how long an operation took since start.
func (m *Metrics) ObserveTransition(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.transitionDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
