package channel

import (
	"time"

	"github.com/gortc/ice"
	"github.com/gortc/stun"
	"go.uber.org/zap"

	"github.com/gortc/iced/internal/allocator"
	"github.com/gortc/iced/internal/candidate"
	"github.com/gortc/iced/internal/port"
)

type sessionObserver struct {
	ch *Channel
}

func (o sessionObserver) OnPortReady(s allocator.Session, p port.Port) {
	ch := o.ch
	if ch.destroyed {
		return
	}
	for opt, v := range ch.options {
		if err := p.SetOption(opt, v); err != nil {
			ch.log.Warn("failed to set option on port",
				zap.Stringer("opt", opt), zap.Int("value", v), zap.Error(err),
			)
		}
	}
	p.SetRole(ch.role)
	p.SetTiebreaker(ch.tiebreaker)
	p.SetICEProtocol(ch.protocol)
	ch.ports = append(ch.ports, p)
	ch.portsUnsub[p] = p.Subscribe(portObserver{ch: ch})
	ch.log.Info("port ready", zap.Stringer("net", p.Network()), zap.Int("ports", len(ch.ports)))
	for _, c := range ch.remembered {
		ch.createConnection(p, c, port.OriginOtherPort)
	}
	ch.requestSort()
}

func (o sessionObserver) OnCandidatesReady(s allocator.Session, candidates []candidate.Candidate) {
	ch := o.ch
	if ch.destroyed {
		return
	}
	for _, c := range candidates {
		c := c
		ch.log.Info("candidate gathered", zap.Stringer("c", c))
		ch.each(func(obs Observer) { obs.OnCandidateGathered(ch, c) })
	}
}

func (o sessionObserver) OnCandidatesAllocationDone(s allocator.Session) {
	ch := o.ch
	if ch.destroyed || len(ch.sessions) == 0 || ch.sessions[len(ch.sessions)-1] != s {
		return
	}
	ch.setGatheringState(GatheringComplete)
}

type portObserver struct {
	ch *Channel
}

// Port candidates are announced by session.
func (portObserver) OnCandidateReady(p port.Port, c candidate.Candidate) {}
func (portObserver) OnPortComplete(p port.Port)                          {}

func (o portObserver) OnPortError(p port.Port, err error) {
	o.ch.log.Warn("port error", zap.Stringer("net", p.Network()), zap.Error(err))
}

func (o portObserver) respondError(p port.Port, e port.UnknownAddress, code stun.ErrorCode, reason string) {
	if err := p.SendBindingErrorResponse(e.Message, e.Addr, code, reason); err != nil {
		o.ch.log.Warn("failed to send error response", zap.Error(err), zap.Int("code", int(code)))
	}
}

// OnUnknownAddress creates connection for authenticated check from
// address without connection. Source of check is peer-reflexive
// candidate unless it was signaled already.
func (o portObserver) OnUnknownAddress(p port.Port, e port.UnknownAddress) {
	ch := o.ch
	if ch.destroyed {
		return
	}
	var (
		remote candidate.Candidate
		found  bool
	)
	for _, c := range ch.remembered {
		if c.Ufrag == e.RemoteUfrag && c.Protocol == e.Protocol && c.Addr.Equal(e.Addr) {
			remote, found = c, true
			break
		}
	}
	if !found {
		var priority ice.PriorityAttr
		if err := priority.GetFrom(e.Message); err != nil {
			ch.log.Warn("no priority in check from unknown address",
				zap.Stringer("addr", e.Addr), zap.Error(err),
			)
			o.respondError(p, e, stun.CodeBadRequest, "")
			return
		}
		creds, generation, ok := ch.remote.Find(e.RemoteUfrag)
		if !ok {
			generation = ch.remote.Len()
		}
		id := candidate.NewID()
		remote = candidate.Candidate{
			ID:         id,
			Component:  ch.component,
			Protocol:   e.Protocol,
			Addr:       e.Addr,
			Priority:   uint32(priority),
			Type:       candidate.PeerReflexive,
			Foundation: candidate.PeerReflexiveFoundation(id),
			Ufrag:      e.RemoteUfrag,
			Pwd:        creds.Pwd,
			Generation: uint32(generation),
		}
	}
	if p.Connection(e.Addr) != nil {
		if e.Muxed {
			ch.log.Info("connection already exists", zap.Stringer("addr", e.Addr))
			return
		}
		o.respondError(p, e, stun.CodeServerError, "")
		return
	}
	conn := p.CreateConnection(remote, port.OriginMessage)
	if conn == nil {
		ch.log.Warn("failed to create connection", zap.Stringer("remote", remote))
		o.respondError(p, e, stun.CodeServerError, "")
		return
	}
	if found {
		ch.log.Info("connection from known candidate", zap.Stringer("conn", conn))
	} else {
		ch.log.Info("connection from peer-reflexive candidate", zap.Stringer("conn", conn))
	}
	ch.addConnection(conn)
	conn.HandleBindingRequest(e.Message)
	ch.requestSort()
}

func (o portObserver) OnRoleConflict(p port.Port) {
	ch := o.ch
	if ch.destroyed {
		return
	}
	role := ch.role.Opposite()
	ch.log.Info("role conflict", zap.Stringer("net", p.Network()), zap.Stringer("switching_to", role))
	ch.metrics.IncRoleConflicts()
	ch.SetIceRole(role)
	ch.each(func(obs Observer) { obs.OnRoleConflict(ch) })
}

func (o portObserver) OnPortDestroyed(p port.Port) {
	ch := o.ch
	for i := range ch.ports {
		if ch.ports[i] == p {
			ch.ports = append(ch.ports[:i], ch.ports[i+1:]...)
			break
		}
	}
	if unsubscribe, ok := ch.portsUnsub[p]; ok {
		unsubscribe()
		delete(ch.portsUnsub, p)
	}
	ch.log.Info("port removed", zap.Int("remaining", len(ch.ports)))
}

type connObserver struct {
	ch *Channel
}

func (o connObserver) OnConnectionStateChange(c *port.Connection) {
	o.ch.requestSort()
}

func (o connObserver) OnConnectionDestroyed(c *port.Connection) {
	ch := o.ch
	for i := range ch.connections {
		if ch.connections[i] == c {
			ch.connections = append(ch.connections[:i], ch.connections[i+1:]...)
			break
		}
	}
	delete(ch.connsUnsub, c)
	ch.metrics.SetConnections(len(ch.connections))
	ch.log.Info("connection removed", zap.Stringer("conn", c), zap.Int("remaining", len(ch.connections)))
	if ch.destroyed {
		return
	}
	if ch.selected == c {
		ch.log.Info("selected connection destroyed")
		ch.switchSelected(nil)
	}
	ch.maybeDestroyPort(c.Port())
	ch.requestSort()
	ch.updateState()
}

// maybeDestroyPort destroys port of previous generation that has no
// connections left.
func (ch *Channel) maybeDestroyPort(p port.Port) {
	if p.Destroyed() || p.Generation() >= ch.generation() || len(p.Connections()) > 0 {
		return
	}
	ch.log.Info("destroying unused port of old generation",
		zap.Stringer("net", p.Network()), zap.Uint32("generation", p.Generation()),
	)
	p.Destroy()
}

func (o connObserver) OnNominated(c *port.Connection) {
	ch := o.ch
	if ch.destroyed || ch.selected == c {
		return
	}
	if !ch.shouldSwitch(c) {
		ch.log.Info("not switching to nominated connection yet", zap.Stringer("conn", c))
		return
	}
	ch.log.Info("switching to nominated connection", zap.Stringer("conn", c))
	ch.switchSelected(c)
	ch.requestSort()
}

func (o connObserver) OnReadPacket(c *port.Connection, b []byte, at time.Time) {
	ch := o.ch
	if ch.destroyed {
		return
	}
	ch.each(func(obs Observer) { obs.OnReadPacket(ch, b, at) })
	// Controlled side may follow media path of controlling side.
	if ch.role == port.RoleControlled && ch.shouldSwitch(c) {
		ch.log.Info("switching to connection with data", zap.Stringer("conn", c))
		ch.switchSelected(c)
		ch.requestSort()
	}
}
