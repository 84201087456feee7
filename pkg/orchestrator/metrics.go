package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts state transitions and run outcomes. A nil *Metrics
// records nothing.
type Metrics struct {
	transitions *prometheus.CounterVec
	runs        *prometheus.CounterVec
}

// NewMetrics creates the orchestrator metrics and registers them with reg
// when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secure_browser",
			Subsystem: "orchestrator",
			Name:      "transitions_total",
			Help:      "State transitions taken by the orchestrator.",
		}, []string{"from", "to"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secure_browser",
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Completed orchestrator runs by final state.",
		}, []string{"state"}),
	}

	if reg != nil {
		reg.MustRegister(m.transitions, m.runs)
	}
	return m
}

func (m *Metrics) transition(from, to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
	if to.Final() {
		m.runs.WithLabelValues(to.String()).Inc()
	}
}
