// Package allocator implements gathering of local ports for ICE sessions.
//
// Allocator creates one Session per ICE generation. Session enumerates
// local networks, binds socket on each of them and announces resulting
// ports and their candidates to subscribers.
package allocator

import (
	"crypto/rand"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/gortc/iced/internal/candidate"
	"github.com/gortc/iced/internal/port"
	"github.com/gortc/iced/internal/subscribers"
	"github.com/gortc/iced/internal/worker"
)

// SessionObserver is notified about session progress.
type SessionObserver interface {
	OnPortReady(s Session, p port.Port)
	OnCandidatesReady(s Session, c []candidate.Candidate)
	OnCandidatesAllocationDone(s Session)
}

// Session gathers ports for single ICE generation of component.
type Session interface {
	StartGettingPorts()
	StopGettingPorts()
	IsGettingPorts() bool
	Generation() uint32
	SetGeneration(g uint32)
	Component() int
	Ufrag() string
	Pwd() string
	// Subscribe registers observer and returns function that
	// deregisters it.
	Subscribe(o SessionObserver) (unsubscribe func())
	// Close stops gathering and destroys ports that were not handed out.
	Close() error
}

// SessionOptions for NewSession.
type SessionOptions struct {
	Component  int
	Ufrag      string
	Pwd        string
	Generation uint32
}

// Allocator creates sessions.
type Allocator interface {
	NewSession(o SessionOptions) Session
}

// PacketHandler receives datagrams of bound socket on executor.
type PacketHandler func(b []byte, from candidate.Addr, at time.Time)

// SocketFactory binds sockets for ports.
type SocketFactory interface {
	ListenUDP(n *port.Network, h PacketHandler) (port.Socket, error)
}

// Options for NewBasic.
type Options struct {
	Log         *zap.Logger
	Exec        worker.Executor
	Networks    NetworkSource
	Sockets     SocketFactory
	STUNServers []candidate.Addr
	Software    string
	// RetransmitCount enables RETRANSMIT-COUNT attribute.
	RetransmitCount bool
	// PresumeWritable allows sending on fully relayed connections before
	// they become writable.
	PresumeWritable bool
	Metrics         port.Metrics
	Rand            io.Reader
	// Preference maps network to adapter preference (0-255) that is
	// packed into candidate local preference. Default is based on
	// network cost.
	Preference func(n port.Network) int
}

// DefaultPreference is adapter preference that decreases with network
// cost.
func DefaultPreference(n port.Network) int {
	if n.Cost >= 0xff {
		return 0
	}
	return 0xff - int(n.Cost)
}

// Basic is Allocator that creates UDP port on every network.
type Basic struct {
	log  *zap.Logger
	opt  Options
	exec worker.Executor
}

// NewBasic initializes and returns new Basic allocator.
func NewBasic(o Options) *Basic {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
	if o.Preference == nil {
		o.Preference = DefaultPreference
	}
	if o.Networks == nil {
		o.Networks = SystemNetworks{}
	}
	if o.Sockets == nil {
		o.Sockets = &SystemSockets{Log: o.Log, Exec: o.Exec}
	}
	return &Basic{
		log:  o.Log.Named("allocator"),
		opt:  o,
		exec: o.Exec,
	}
}

// NewSession implements Allocator.
func (a *Basic) NewSession(o SessionOptions) Session {
	if o.Component == 0 {
		o.Component = 1
	}
	return &basicSession{
		a:          a,
		log:        a.log.With(zap.Int("component", o.Component), zap.Uint32("generation", o.Generation)),
		opt:        o,
		generation: o.Generation,
	}
}

type basicSession struct {
	a          *Basic
	log        *zap.Logger
	opt        SessionOptions
	generation uint32
	getting    bool
	started    bool
	done       bool
	closed     bool
	pending    int
	ports      []*port.UDPPort
	observers  subscribers.List
}

func (s *basicSession) Generation() uint32     { return s.generation }
func (s *basicSession) SetGeneration(g uint32) { s.generation = g }
func (s *basicSession) Component() int         { return s.opt.Component }
func (s *basicSession) Ufrag() string          { return s.opt.Ufrag }
func (s *basicSession) Pwd() string            { return s.opt.Pwd }
func (s *basicSession) IsGettingPorts() bool   { return s.getting }

func (s *basicSession) Subscribe(o SessionObserver) (unsubscribe func()) {
	return s.observers.Add(o)
}

func (s *basicSession) each(f func(o SessionObserver)) {
	s.observers.Each(func(v interface{}) { f(v.(SessionObserver)) })
}

func (s *basicSession) StartGettingPorts() {
	if s.closed || s.getting {
		return
	}
	s.getting = true
	if s.started {
		return
	}
	s.started = true
	s.log.Info("start getting ports")
	s.a.exec.Post(s, s.allocate)
}

func (s *basicSession) StopGettingPorts() {
	if !s.getting {
		return
	}
	s.log.Info("stop getting ports")
	s.getting = false
}

func (s *basicSession) allocationDone() {
	if s.done {
		return
	}
	s.done = true
	s.getting = false
	s.log.Info("allocation done", zap.Int("ports", len(s.ports)))
	s.each(func(o SessionObserver) { o.OnCandidatesAllocationDone(s) })
}

func (s *basicSession) allocate() {
	if s.closed || !s.getting {
		return
	}
	o := s.a.opt
	networks, err := o.Networks.Networks()
	if err != nil {
		s.log.Error("failed to enumerate networks", zap.Error(err))
		s.allocationDone()
		return
	}
	for i := range networks {
		n := networks[i]
		n.Preference = o.Preference(n)
		p := s.newPort(&n)
		if p == nil {
			continue
		}
		s.ports = append(s.ports, p)
	}
	if len(s.ports) == 0 {
		s.log.Warn("no ports allocated", zap.Int("networks", len(networks)))
		s.allocationDone()
		return
	}
	s.pending = len(s.ports)
	for _, p := range append([]*port.UDPPort(nil), s.ports...) {
		p.PrepareAddress()
	}
}

func (s *basicSession) newPort(n *port.Network) *port.UDPPort {
	o := s.a.opt
	var p *port.UDPPort
	socket, err := o.Sockets.ListenUDP(n, func(b []byte, from candidate.Addr, at time.Time) {
		if p != nil {
			p.HandlePacket(b, from, at)
		}
	})
	if err != nil {
		s.log.Warn("failed to bind socket", zap.Stringer("net", n), zap.Error(err))
		return nil
	}
	p = port.NewUDPPort(port.UDPOptions{
		Log:             s.a.log,
		Exec:            s.a.exec,
		Socket:          socket,
		Network:         n,
		Component:       s.opt.Component,
		Generation:      s.generation,
		Ufrag:           s.opt.Ufrag,
		Pwd:             s.opt.Pwd,
		STUNServers:     o.STUNServers,
		Software:        o.Software,
		RetransmitCount: o.RetransmitCount,
		PresumeWritable: o.PresumeWritable,
		Metrics:         o.Metrics,
		Rand:            o.Rand,
	})
	p.Subscribe(sessionPortObserver{s: s})
	return p
}

func (s *basicSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.getting = false
	s.a.exec.Cancel(s)
	s.observers.Clear()
	return nil
}

// sessionPortObserver tracks port gathering for session.
type sessionPortObserver struct {
	s *basicSession
}

// OnCandidateReady announces port as ready with its first candidate, so
// subscribers can create connections on it right away.
func (o sessionPortObserver) OnCandidateReady(p port.Port, c candidate.Candidate) {
	if o.s.closed {
		return
	}
	if len(p.Candidates()) == 1 {
		o.s.each(func(obs SessionObserver) { obs.OnPortReady(o.s, p) })
	}
	o.s.each(func(obs SessionObserver) { obs.OnCandidatesReady(o.s, []candidate.Candidate{c}) })
}

func (o sessionPortObserver) OnPortComplete(p port.Port) {
	o.s.pending--
	if o.s.pending <= 0 {
		o.s.allocationDone()
	}
}

func (o sessionPortObserver) OnPortError(p port.Port, err error) {
	o.s.log.Warn("port error", zap.Error(err))
}

func (o sessionPortObserver) OnPortDestroyed(p port.Port) {
	s := o.s
	for i := range s.ports {
		if port.Port(s.ports[i]) == p {
			s.ports = append(s.ports[:i], s.ports[i+1:]...)
			break
		}
	}
	if !p.(*port.UDPPort).Complete() {
		o.OnPortComplete(p)
	}
}

func (sessionPortObserver) OnUnknownAddress(p port.Port, e port.UnknownAddress) {}
func (sessionPortObserver) OnRoleConflict(p port.Port)                          {}
