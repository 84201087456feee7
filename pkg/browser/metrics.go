package browser

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Navigation results recorded by Metrics.
const (
	NavigationOK      = "ok"
	NavigationFailed  = "failed"
	NavigationBlocked = "blocked"
	NavigationTimeout = "timeout"
)

// Metrics tracks browser session counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	sessionsLaunched prometheus.Counter
	sessionsClosed   prometheus.Counter
	activeSessions   prometheus.Gauge
	navigations      *prometheus.CounterVec
	events           *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsLaunched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "secure_browser",
			Subsystem: "browser",
			Name:      "sessions_launched_total",
			Help:      "Browser sessions launched.",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "secure_browser",
			Subsystem: "browser",
			Name:      "sessions_closed_total",
			Help:      "Browser sessions closed.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "secure_browser",
			Subsystem: "browser",
			Name:      "sessions_active",
			Help:      "Browser sessions currently open.",
		}),
		navigations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secure_browser",
			Subsystem: "browser",
			Name:      "navigations_total",
			Help:      "Navigations by result.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secure_browser",
			Subsystem: "browser",
			Name:      "events_drained_total",
			Help:      "Browser events consumed by session drain loops, by kind.",
		}, []string{"kind"}),
	}

	if reg != nil {
		reg.MustRegister(m.sessionsLaunched, m.sessionsClosed, m.activeSessions, m.navigations, m.events)
	}
	return m
}

func (m *Metrics) sessionLaunched() {
	if m == nil {
		return
	}
	m.sessionsLaunched.Inc()
	m.activeSessions.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.sessionsClosed.Inc()
	m.activeSessions.Dec()
}

func (m *Metrics) navigation(result string) {
	if m == nil {
		return
	}
	m.navigations.WithLabelValues(result).Inc()
}

func (m *Metrics) eventDrained(kind EventKind) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(kind)).Inc()
}
