package channel

import (
	"time"

	"github.com/gortc/iced/internal/port"
)

// checkAndPing updates connection states, pings next pingable connection
// and schedules itself.
func (ch *Channel) checkAndPing() {
	if ch.destroyed {
		return
	}
	ch.updateConnectionStates()
	now := ch.exec.Now()
	if c := ch.findNextPingable(now); c != nil {
		ch.pingConnection(c, now)
	}
	delay := WeakPingDelay
	if ch.writable {
		delay = StrongPingDelay
	}
	ch.exec.PostDelayed(ch, delay, ch.checkAndPing)
}

func (ch *Channel) isPingable(c *port.Connection) bool {
	if c.Destroyed() || c.Remote().Pwd == "" {
		return false
	}
	if !c.Connected() && !c.Writable() {
		return false
	}
	if ch.writable {
		return !c.Pruned() && c.WriteState() != port.WriteTimeout
	}
	return c.WriteState() != port.WriteTimeout || c.ReadState() != port.ReadTimeout
}

// findNextPingable returns selected connection if it needs keep-alive,
// then the connection with oldest unanswered triggered check, then the
// least recently pinged one.
func (ch *Channel) findNextPingable(now time.Time) *port.Connection {
	if s := ch.selected; s != nil && s.Writable() && ch.isPingable(s) &&
		!s.LastPingSent().Add(MaxSelectedWritableDelay).After(now) {
		return s
	}
	var triggered *port.Connection
	for _, c := range ch.connections {
		if c.Writable() || !ch.isPingable(c) {
			continue
		}
		if !c.LastPingReceived().After(c.LastPingSent()) {
			continue
		}
		if triggered == nil || c.LastPingReceived().Before(triggered.LastPingReceived()) {
			triggered = c
		}
	}
	if triggered != nil {
		return triggered
	}
	var oldest *port.Connection
	for _, c := range ch.connections {
		if !ch.isPingable(c) {
			continue
		}
		if oldest == nil || c.LastPingSent().Before(oldest.LastPingSent()) {
			oldest = c
		}
	}
	return oldest
}

// useCandidate reports whether check on c should nominate it.
func (ch *Channel) useCandidate(c *port.Connection) bool {
	if ch.role != port.RoleControlling {
		return false
	}
	s := ch.selected
	if ch.remoteMode == RemoteLite {
		return c == s && c.Writable()
	}
	return c == s || s == nil || !s.Writable() || c.Priority() > s.Priority()
}

func (ch *Channel) pingConnection(c *port.Connection, now time.Time) {
	c.SetUseCandidate(ch.useCandidate(c))
	ch.metrics.IncPings()
	c.Ping(now)
}
