package torgate

import (
	"sync/atomic"
)

// BridgeMetrics is a point-in-time copy of bridge counters.
type BridgeMetrics struct {
	// SessionsAccepted counts accepted downstream connections.
	SessionsAccepted uint64
	// SessionsDegraded counts sessions that ran without an upstream connection.
	SessionsDegraded uint64
	// ActiveSessions is the number of sessions currently open.
	ActiveSessions int64
	// CommandsForwarded counts commands relayed to the daemon.
	CommandsForwarded uint64
	// CommandsSynthesized counts commands answered locally.
	CommandsSynthesized uint64
	// EventsForwarded counts asynchronous events relayed downstream.
	EventsForwarded uint64
	// SetEventsVetoed counts SETEVENTS clear requests withheld from the daemon.
	SetEventsVetoed uint64
	// IdleTimeouts counts sessions closed by the idle bound.
	IdleTimeouts uint64
}

// metricsCollector tracks bridge statistics. It is safe for concurrent use.
type metricsCollector struct {
	sessionsAccepted    atomic.Uint64
	sessionsDegraded    atomic.Uint64
	activeSessions      atomic.Int64
	commandsForwarded   atomic.Uint64
	commandsSynthesized atomic.Uint64
	eventsForwarded     atomic.Uint64
	setEventsVetoed     atomic.Uint64
	idleTimeouts        atomic.Uint64
}

func (m *metricsCollector) sessionOpened() {
	m.sessionsAccepted.Add(1)
	m.activeSessions.Add(1)
}

func (m *metricsCollector) sessionClosed() { m.activeSessions.Add(-1) }

func (m *metricsCollector) snapshot() BridgeMetrics {
	return BridgeMetrics{
		SessionsAccepted:    m.sessionsAccepted.Load(),
		SessionsDegraded:    m.sessionsDegraded.Load(),
		ActiveSessions:      m.activeSessions.Load(),
		CommandsForwarded:   m.commandsForwarded.Load(),
		CommandsSynthesized: m.commandsSynthesized.Load(),
		EventsForwarded:     m.eventsForwarded.Load(),
		SetEventsVetoed:     m.setEventsVetoed.Load(),
		IdleTimeouts:        m.idleTimeouts.Load(),
	}
}
