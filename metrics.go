package chatsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of one session. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	state      *prometheus.GaugeVec
	reconnects prometheus.Counter
	events     *prometheus.CounterVec
	requests   *prometheus.CounterVec
	roundTrip  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 for the others.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts scheduled after a lost connection.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_received_total",
			Help:      "Inbound server events by type.",
		}, []string{"event"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "requests_total",
			Help:      "Acknowledged requests by event and outcome.",
		}, []string{"event", "outcome"}),
		roundTrip: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatsync",
			Name:      "request_duration_seconds",
			Help:      "Time from request to acknowledgment.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"event"}),
	}
	reg.MustRegister(m.state, m.reconnects, m.events, m.requests, m.roundTrip)
	return m
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	for _, st := range []State{StateDisconnected, StateConnecting, StateConnected, StateReconnecting} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) reconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// knownEvents bounds the event label; anything else is counted as "other".
var knownEvents = map[string]bool{
	EventAuthenticated:     true,
	EventAck:               true,
	EventMessage:           true,
	EventThreadsRefresh:    true,
	EventThreadUpdated:     true,
	EventAddedReaction:     true,
	EventMessageDeleted:    true,
	EventThreadInvited:     true,
	EventNotificationsSync: true,
	EventNotificationsNew:  true,
}

func (m *Metrics) eventReceived(event string) {
	if m == nil {
		return
	}
	if !knownEvents[event] {
		event = "other"
	}
	m.events.WithLabelValues(event).Inc()
}

func (m *Metrics) requestDone(event, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(event, outcome).Inc()
	if outcome == "acked" {
		m.roundTrip.WithLabelValues(event).Observe(took.Seconds())
	}
}
