package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the agent. A nil *Metrics records nothing.
type Metrics struct {
	ticksTotal       prometheus.Counter
	tickDuration     prometheus.Histogram
	actionsTotal     *prometheus.CounterVec
	skippedTotal     *prometheus.CounterVec
	statusPublishes  prometheus.Counter
	faultsTotal      prometheus.Counter
	transitionsTotal *prometheus.CounterVec
	state            prometheus.Gauge
}

// NewMetrics creates and registers the agent metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensornode",
			Subsystem: "agent",
			Name:      "ticks_total",
			Help:      "Completed control loop ticks",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sensornode",
			Subsystem: "agent",
			Name:      "tick_duration_seconds",
			Help:      "Time spent evaluating rules and publishing status per tick",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensornode",
			Subsystem: "rules",
			Name:      "actions_total",
			Help:      "Rule actions executed",
		}, []string{"pin", "action", "result"}),
		skippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensornode",
			Subsystem: "rules",
			Name:      "skipped_total",
			Help:      "Rule executions skipped by interval or schedule",
		}, []string{"pin"}),
		statusPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensornode",
			Subsystem: "agent",
			Name:      "status_publishes_total",
			Help:      "Status snapshots published after a change",
		}),
		faultsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensornode",
			Subsystem: "agent",
			Name:      "faults_total",
			Help:      "Transitions into the faulted state",
		}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensornode",
			Subsystem: "agent",
			Name:      "state_transitions_total",
			Help:      "State machine transitions by target state",
		}, []string{"state"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sensornode",
			Subsystem: "agent",
			Name:      "state",
			Help:      "Current state (0 initializing, 1 running, 2 restarting, 3 faulted)",
		}),
	}

	reg.MustRegister(
		m.ticksTotal,
		m.tickDuration,
		m.actionsTotal,
		m.skippedTotal,
		m.statusPublishes,
		m.faultsTotal,
		m.transitionsTotal,
		m.state,
	)
	return m
}

func (m *Metrics) recordTick(d time.Duration) {
	if m == nil {
		return
	}
	m.ticksTotal.Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) recordAction(pin, action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.actionsTotal.WithLabelValues(pin, action, result).Inc()
}

func (m *Metrics) recordSkip(pin string) {
	if m == nil {
		return
	}
	m.skippedTotal.WithLabelValues(pin).Inc()
}

func (m *Metrics) recordStatus() {
	if m == nil {
		return
	}
	m.statusPublishes.Inc()
}

func (m *Metrics) recordState(s State) {
	if m == nil {
		return
	}
	if s == StateFaulted {
		m.faultsTotal.Inc()
	}
	m.transitionsTotal.WithLabelValues(s.String()).Inc()
	m.state.Set(float64(s))
}
