package torgate

import (
	"context"
	"time"
)

// forwardEvents relays asynchronous events from the upstream connection to
// the client until ctx ends. It shares the upstream connection with command
// exchanges, polling briefly and then yielding so commands are not starved.
func (s *bridgeSession) forwardEvents(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		lines, err := s.upstream.PollEvent(s.server.pollWindow)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			s.logger.Log("debug", "event poll failed", "error", err)
			if !sleepContext(ctx, s.server.errorBackoff) {
				return
			}
		case len(lines) == 0:
			if !sleepContext(ctx, s.server.idleDelay) {
				return
			}
		case !IsAsyncEvent(lines[0]):
			s.logger.Log("warn", "dropping unsolicited reply from control port", "line", lines[0])
		default:
			s.forwardEvent(lines)
		}
	}
}

// forwardEvent updates descriptor upload tracking and relays the event.
func (s *bridgeSession) forwardEvent(lines []string) {
	for _, line := range lines {
		if s.pending.Observe(line) {
			s.server.hidden.observe(line)
		}
	}
	s.server.metrics.eventsForwarded.Add(1)
	s.write(lines...)
}

// sleepContext waits for d or until ctx ends. It reports whether the full
// delay elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}
	return true
}
