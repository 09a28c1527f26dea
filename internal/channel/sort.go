package channel

import (
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gortc/iced/internal/candidate"
	"github.com/gortc/iced/internal/port"
)

// requestSort schedules sortConnections. Requests made before sort runs
// are coalesced.
func (ch *Channel) requestSort() {
	if ch.sortPending || ch.destroyed {
		return
	}
	ch.sortPending = true
	ch.exec.Post(ch, ch.sortConnections)
}

func cmpUint(a, b uint64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}

// networkCost of connection, lower is better.
func networkCost(c *port.Connection) uint64 {
	return uint64(c.Local().NetworkCost) + uint64(c.Remote().NetworkCost)
}

// compareCandidates compares connections by network cost, pair priority
// and generation. Positive result means that a is better.
func compareCandidates(a, b *port.Connection) int {
	if v := cmpUint(networkCost(b), networkCost(a)); v != 0 {
		return v
	}
	if v := cmpUint(a.Priority(), b.Priority()); v != 0 {
		return v
	}
	return cmpUint(a.Generation(), b.Generation())
}

// compare returns positive value if a is better than b, negative if b
// is better and zero if they are equal.
func (ch *Channel) compare(a, b *port.Connection) int {
	if a.WriteState() != b.WriteState() {
		// Lower write state is better.
		if a.WriteState() < b.WriteState() {
			return 1
		}
		return -1
	}
	if ch.role == port.RoleControlled && a.Nominated() != b.Nominated() {
		if a.Nominated() {
			return 1
		}
		return -1
	}
	return compareCandidates(a, b)
}

// shouldSwitch reports whether selected connection should be replaced
// with c.
func (ch *Channel) shouldSwitch(c *port.Connection) bool {
	if c == nil || c == ch.selected {
		return false
	}
	if ch.selected == nil {
		return true
	}
	if v := ch.compare(ch.selected, c); v != 0 {
		return v < 0
	}
	return c.RTT() <= ch.selected.RTT()-MinRTTImprovement
}

func (ch *Channel) switchSelected(c *port.Connection) {
	old := ch.selected
	ch.selected = c
	ch.metrics.IncRouteChanges()
	if c == nil {
		ch.log.Info("no selected connection")
		return
	}
	if old != nil {
		ch.log.Info("switching selected connection",
			zap.Stringer("from", old), zap.Stringer("to", c),
		)
	} else {
		ch.log.Info("selected connection", zap.Stringer("conn", c))
	}
	remote := c.Remote()
	ch.each(func(o Observer) { o.OnRouteChange(ch, remote) })
}

func (ch *Channel) updateConnectionStates() {
	now := ch.exec.Now()
	for _, c := range ch.Connections() {
		c.UpdateState(now)
	}
}

// sortConnections orders connections from best to worst, switches
// selected connection, prunes redundant ones and derives channel state.
func (ch *Channel) sortConnections() {
	if ch.destroyed {
		return
	}
	// Changes made during sort are accounted by this sort.
	defer func() { ch.sortPending = false }()

	ch.updateConnectionStates()
	sort.SliceStable(ch.connections, func(i, j int) bool {
		a, b := ch.connections[i], ch.connections[j]
		if v := ch.compare(a, b); v != 0 {
			return v > 0
		}
		return a.RTT() < b.RTT()
	})
	if ce := ch.log.Check(zapcore.DebugLevel, "sorted"); ce != nil {
		ce.Write(zap.Int("connections", len(ch.connections)))
	}
	if ch.selected != nil && ch.selected.WriteState() == port.WriteTimeout {
		ch.log.Info("selected connection timed out", zap.Stringer("conn", ch.selected))
		ch.switchSelected(nil)
	}
	var top *port.Connection
	if len(ch.connections) > 0 && ch.connections[0].WriteState() != port.WriteTimeout {
		top = ch.connections[0]
	}
	if ch.shouldSwitch(top) {
		ch.switchSelected(top)
	}
	// Controlled side can't prune before nomination, otherwise it may
	// prune connection that controlling side selects.
	if ch.role == port.RoleControlling || (ch.selected != nil && ch.selected.Nominated()) {
		ch.pruneConnections()
	}
	ch.maybeRegather()
	ch.updateState()
}

func networkKey(n *port.Network) string { return n.Name + "/" + n.IP.String() }

// bestOnNetwork returns selected connection if it is on network or the
// top one in sorted order.
func (ch *Channel) bestOnNetwork(key string) *port.Connection {
	if ch.selected != nil && networkKey(ch.selected.Network()) == key {
		return ch.selected
	}
	for _, c := range ch.connections {
		if networkKey(c.Network()) == key {
			return c
		}
	}
	return nil
}

// pruneConnections prunes every connection that has writable connection
// on same network with better or equal candidates.
func (ch *Channel) pruneConnections() {
	keys := make(map[string]struct{})
	for _, c := range ch.connections {
		keys[networkKey(c.Network())] = struct{}{}
	}
	for key := range keys {
		premier := ch.bestOnNetwork(key)
		if premier == nil || !premier.Writable() {
			continue
		}
		for _, c := range ch.connections {
			if c == premier || c.Pruned() || networkKey(c.Network()) != key {
				continue
			}
			if compareCandidates(premier, c) >= 0 {
				c.Prune()
			}
		}
	}
}

// maybeRegather starts new session when every connection timed out.
// TCP connections that are not connected are not counted.
func (ch *Channel) maybeRegather() {
	counted := 0
	for _, c := range ch.connections {
		if c.Remote().Protocol != candidate.UDP && !c.Connected() {
			continue
		}
		counted++
		if c.WriteState() != port.WriteTimeout {
			ch.regathering = false
			return
		}
	}
	if counted == 0 || ch.regathering {
		return
	}
	ch.log.Warn("all connections timed out, gathering again", zap.Int("connections", counted))
	ch.regathering = true
	ch.startSession()
}

func (ch *Channel) computeState() State {
	if !ch.hadConnection {
		return StateInit
	}
	active := make(map[string][]*port.Connection)
	for _, c := range ch.connections {
		if c.WriteState() == port.WriteTimeout {
			continue
		}
		key := networkKey(c.Network())
		active[key] = append(active[key], c)
	}
	if len(active) == 0 {
		return StateFailed
	}
	for _, conns := range active {
		var alive []*port.Connection
		for _, c := range conns {
			if !c.Pruned() {
				alive = append(alive, c)
			}
		}
		if len(alive) != 1 || !alive[0].Writable() {
			return StateConnecting
		}
	}
	return StateCompleted
}

// updateState derives channel flags and state, emitting every change
// once.
func (ch *Channel) updateState() {
	if s := ch.computeState(); s != ch.state {
		ch.log.Info("state changed", zap.Stringer("from", ch.state), zap.Stringer("to", s))
		ch.state = s
		ch.each(func(o Observer) { o.OnStateChanged(ch, s) })
	}
	writable := ch.selected != nil && ch.selected.Writable()
	if writable != ch.writable {
		ch.writable = writable
		ch.log.Info("writable state changed", zap.Bool("writable", writable))
		ch.metrics.SetWritable(writable)
		ch.each(func(o Observer) { o.OnWritableStateChanged(ch, writable) })
	}
	receiving := false
	for _, c := range ch.connections {
		if c.Receiving() {
			receiving = true
			break
		}
	}
	if receiving != ch.receiving {
		ch.receiving = receiving
		ch.log.Info("receiving state changed", zap.Bool("receiving", receiving))
		ch.each(func(o Observer) { o.OnReceivingStateChanged(ch, receiving) })
	}
	readable := ch.selected != nil && ch.selected.Receiving()
	if readable != ch.readable {
		ch.readable = readable
		ch.log.Info("readable state changed", zap.Bool("readable", readable))
		ch.each(func(o Observer) { o.OnReadableStateChanged(ch, readable) })
	}
}
