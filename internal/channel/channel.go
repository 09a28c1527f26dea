// Package channel implements ICE transport channel: the engine that owns
// candidate pairs of single component, checks them, selects and nominates
// the best one and exposes datagram transport over it.
//
// Channel is confined to its executor: every method must be called on the
// executor goroutine (see transport package for goroutine-safe wrapper).
package channel

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gortc/iced/internal/allocator"
	"github.com/gortc/iced/internal/auth"
	"github.com/gortc/iced/internal/candidate"
	"github.com/gortc/iced/internal/filter"
	"github.com/gortc/iced/internal/port"
	"github.com/gortc/iced/internal/subscribers"
	"github.com/gortc/iced/internal/worker"
)

// Check scheduling.
const (
	// StrongPingDelay is check interval when channel is writable.
	StrongPingDelay = 480 * time.Millisecond
	// WeakPingDelay is check interval when channel is not writable.
	WeakPingDelay = 48 * time.Millisecond
	// MaxSelectedWritableDelay is keep-alive interval of selected
	// connection.
	MaxSelectedWritableDelay = 900 * time.Millisecond
	// MinRTTImprovement is hysteresis of switching between connections
	// that are equal except RTT.
	MinRTTImprovement = 10 * time.Millisecond
)

// Errors.
var (
	// ErrInvalidArgument means bad flags, options or late tiebreaker
	// change.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrWouldBlock means that channel has no writable selected
	// connection.
	ErrWouldBlock = errors.New("would block")
	// ErrDestroyed means that channel is destroyed.
	ErrDestroyed = errors.New("channel destroyed")
)

// State of channel.
type State byte

// Possible states.
const (
	StateInit State = iota
	StateConnecting
	StateCompleted
	StateFailed
)

var stateToStr = map[State]string{
	StateInit:       "init",
	StateConnecting: "connecting",
	StateCompleted:  "completed",
	StateFailed:     "failed",
}

func (s State) String() string { return stateToStr[s] }

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// GatheringState of channel.
type GatheringState byte

// Possible gathering states.
const (
	GatheringNew GatheringState = iota
	Gathering
	GatheringComplete
)

var gatheringToStr = map[GatheringState]string{
	GatheringNew:      "new",
	Gathering:         "gathering",
	GatheringComplete: "complete",
}

func (s GatheringState) String() string { return gatheringToStr[s] }

// MarshalText implements encoding.TextMarshaler.
func (s GatheringState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// RemoteMode is ICE implementation of remote agent.
type RemoteMode byte

// Remote modes.
const (
	RemoteFull RemoteMode = iota
	RemoteLite
)

func (m RemoteMode) String() string {
	if m == RemoteLite {
		return "lite"
	}
	return "full"
}

// ParseRemoteMode parses "full" or "lite".
func ParseRemoteMode(s string) (RemoteMode, error) {
	switch s {
	case "full", "":
		return RemoteFull, nil
	case "lite":
		return RemoteLite, nil
	default:
		return RemoteFull, errors.Wrapf(ErrInvalidArgument, "remote mode %q", s)
	}
}

// Observer is notified about channel events. Callbacks are called on
// channel executor.
type Observer interface {
	OnReadableStateChanged(ch *Channel, readable bool)
	OnWritableStateChanged(ch *Channel, writable bool)
	OnReceivingStateChanged(ch *Channel, receiving bool)
	OnStateChanged(ch *Channel, s State)
	OnGatheringStateChanged(ch *Channel, s GatheringState)
	OnCandidateGathered(ch *Channel, c candidate.Candidate)
	OnRoleConflict(ch *Channel)
	OnReadPacket(ch *Channel, b []byte, at time.Time)
	OnRouteChange(ch *Channel, remote candidate.Candidate)
}

// BaseObserver implements Observer with no-op methods and is intended
// for embedding.
type BaseObserver struct{}

func (BaseObserver) OnReadableStateChanged(ch *Channel, readable bool)      {}
func (BaseObserver) OnWritableStateChanged(ch *Channel, writable bool)      {}
func (BaseObserver) OnReceivingStateChanged(ch *Channel, receiving bool)    {}
func (BaseObserver) OnStateChanged(ch *Channel, s State)                    {}
func (BaseObserver) OnGatheringStateChanged(ch *Channel, s GatheringState)  {}
func (BaseObserver) OnCandidateGathered(ch *Channel, c candidate.Candidate) {}
func (BaseObserver) OnRoleConflict(ch *Channel)                             {}
func (BaseObserver) OnReadPacket(ch *Channel, b []byte, at time.Time)       {}
func (BaseObserver) OnRouteChange(ch *Channel, remote candidate.Candidate)  {}

// Metrics is channel metrics sink.
type Metrics interface {
	IncPings()
	IncRouteChanges()
	IncRoleConflicts()
	IncSessions()
	SetConnections(n int)
	SetWritable(v bool)
}

type noopMetrics struct{}

func (noopMetrics) IncPings()          {}
func (noopMetrics) IncRouteChanges()   {}
func (noopMetrics) IncRoleConflicts()  {}
func (noopMetrics) IncSessions()       {}
func (noopMetrics) SetConnections(int) {}
func (noopMetrics) SetWritable(bool)   {}

// Options for New.
type Options struct {
	Log       *zap.Logger
	Exec      worker.Executor
	Allocator allocator.Allocator

	// Name is transport name, used in logs.
	Name      string
	Component int

	// Filter rejects remote candidates. Nil allows all.
	Filter  filter.Rule
	Metrics Metrics
}

// Channel is ICE transport channel of single component.
type Channel struct {
	log       *zap.Logger
	exec      worker.Executor
	allocator allocator.Allocator
	name      string
	component int
	filter    filter.Rule
	metrics   Metrics

	sessions       []allocator.Session
	nextGeneration uint32
	ports          []port.Port
	portsUnsub     map[port.Port]func()
	connections    []*port.Connection
	connsUnsub     map[*port.Connection]func()
	selected       *port.Connection
	remembered     []candidate.Candidate
	options        map[port.Option]int

	local              auth.Credentials
	credentialsChanged bool
	remote             auth.Remote
	role               port.Role
	tiebreaker         uint64
	remoteMode         RemoteMode
	protocol           port.ICEProtocol

	writable      bool
	receiving     bool
	readable      bool
	state         State
	gathering     GatheringState
	hadConnection bool
	regathering   bool
	sortPending   bool
	started       bool
	destroyed     bool

	observers subscribers.List
}

// New initializes and returns new Channel.
func New(o Options) *Channel {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
	if o.Component == 0 {
		o.Component = 1
	}
	return &Channel{
		log: o.Log.Named("channel").With(
			zap.String("name", o.Name), zap.Int("component", o.Component),
		),
		exec:       o.Exec,
		allocator:  o.Allocator,
		name:       o.Name,
		component:  o.Component,
		filter:     o.Filter,
		metrics:    o.Metrics,
		portsUnsub: make(map[port.Port]func()),
		connsUnsub: make(map[*port.Connection]func()),
		options:    make(map[port.Option]int),
		role:       port.RoleUnknown,
		protocol:   port.RFC5245,
	}
}

// Name returns transport name.
func (ch *Channel) Name() string { return ch.name }

// Component returns ICE component id.
func (ch *Channel) Component() int { return ch.component }

// Writable reports whether selected connection is writable.
func (ch *Channel) Writable() bool { return ch.writable }

// Receiving reports whether any connection is receiving checks.
func (ch *Channel) Receiving() bool { return ch.receiving }

// Readable reports whether selected connection is receiving checks.
func (ch *Channel) Readable() bool { return ch.readable }

// State returns channel state.
func (ch *Channel) State() State { return ch.state }

// GatheringState returns gathering state.
func (ch *Channel) GatheringState() GatheringState { return ch.gathering }

// Selected returns selected connection or nil.
func (ch *Channel) Selected() *port.Connection { return ch.selected }

// Role returns ICE role.
func (ch *Channel) Role() port.Role { return ch.role }

// Tiebreaker returns role conflict tiebreaker.
func (ch *Channel) Tiebreaker() uint64 { return ch.tiebreaker }

// Credentials returns local ICE credentials.
func (ch *Channel) Credentials() auth.Credentials { return ch.local }

// Connections returns copy of connections in sorted order.
func (ch *Channel) Connections() []*port.Connection {
	return append([]*port.Connection(nil), ch.connections...)
}

// Ports returns copy of ports.
func (ch *Channel) Ports() []port.Port {
	return append([]port.Port(nil), ch.ports...)
}

// Sessions returns copy of allocator sessions, oldest first.
func (ch *Channel) Sessions() []allocator.Session {
	return append([]allocator.Session(nil), ch.sessions...)
}

// RemoteCandidates returns copy of remembered remote candidates.
func (ch *Channel) RemoteCandidates() []candidate.Candidate {
	return append([]candidate.Candidate(nil), ch.remembered...)
}

// Subscribe registers observer and returns function that deregisters
// it.
func (ch *Channel) Subscribe(o Observer) (unsubscribe func()) {
	return ch.observers.Add(o)
}

func (ch *Channel) each(f func(o Observer)) {
	ch.observers.Each(func(v interface{}) { f(v.(Observer)) })
}

// SetIceCredentials sets local ICE credentials. Change after Connect
// starts ICE restart on next MaybeStartGathering.
func (ch *Channel) SetIceCredentials(ufrag, pwd string) error {
	c := auth.Credentials{Ufrag: ufrag, Pwd: pwd}
	if err := c.Validate(); err != nil {
		return errors.Wrap(ErrInvalidArgument, err.Error())
	}
	if c == ch.local {
		return nil
	}
	ch.log.Info("local credentials set", zap.String("ufrag", ufrag))
	ch.local = c
	ch.credentialsChanged = true
	return nil
}

// SetRemoteIceCredentials appends remote credentials as newest
// generation.
func (ch *Channel) SetRemoteIceCredentials(ufrag, pwd string) {
	generation, updated := ch.remote.Add(auth.Credentials{Ufrag: ufrag, Pwd: pwd})
	ch.log.Info("remote credentials set",
		zap.String("ufrag", ufrag), zap.Int("generation", generation), zap.Bool("updated", updated),
	)
	for _, c := range ch.connections {
		c.MaybeSetRemoteICEParameters(ufrag, pwd, uint32(generation))
	}
	for i := range ch.remembered {
		if ch.remembered[i].Ufrag == ufrag && ch.remembered[i].Pwd == "" {
			ch.remembered[i].Pwd = pwd
		}
	}
	ch.requestSort()
}

// SetIceRole sets role on every current and future port.
func (ch *Channel) SetIceRole(r port.Role) {
	if ch.role == r {
		return
	}
	ch.log.Info("role set", zap.Stringer("role", r))
	ch.role = r
	for _, p := range ch.ports {
		p.SetRole(r)
	}
	ch.requestSort()
}

// SetIceTiebreaker sets role conflict tiebreaker. Tiebreaker can't be
// changed after ports are created.
func (ch *Channel) SetIceTiebreaker(v uint64) error {
	if v == ch.tiebreaker {
		return nil
	}
	if len(ch.ports) > 0 {
		return errors.Wrap(ErrInvalidArgument, "tiebreaker change after ports are created")
	}
	ch.tiebreaker = v
	return nil
}

// SetRemoteIceMode sets remote agent implementation.
func (ch *Channel) SetRemoteIceMode(m RemoteMode) {
	ch.remoteMode = m
}

// SetIceProtocol sets format of checks on every current and future port.
func (ch *Channel) SetIceProtocol(p port.ICEProtocol) {
	ch.protocol = p
	for _, pt := range ch.ports {
		pt.SetICEProtocol(p)
	}
}

// Connect starts gathering and checks. Local credentials must be set.
func (ch *Channel) Connect() error {
	if ch.destroyed {
		return ErrDestroyed
	}
	if ch.local.IsZero() {
		return errors.Wrap(ErrInvalidArgument, "no local credentials")
	}
	if ch.started {
		return nil
	}
	ch.started = true
	ch.log.Info("connecting")
	ch.MaybeStartGathering()
	ch.exec.Post(ch, ch.checkAndPing)
	return nil
}

// MaybeStartGathering starts new allocator session if there is none or
// local credentials changed since last one.
func (ch *Channel) MaybeStartGathering() {
	if ch.destroyed || ch.local.IsZero() {
		return
	}
	if len(ch.sessions) > 0 && !ch.credentialsChanged {
		return
	}
	ch.startSession()
}

func (ch *Channel) startSession() {
	if n := len(ch.sessions); n > 0 {
		ch.sessions[n-1].StopGettingPorts()
	}
	s := ch.allocator.NewSession(allocator.SessionOptions{
		Component:  ch.component,
		Ufrag:      ch.local.Ufrag,
		Pwd:        ch.local.Pwd,
		Generation: ch.nextGeneration,
	})
	ch.nextGeneration++
	ch.credentialsChanged = false
	s.Subscribe(sessionObserver{ch: ch})
	ch.sessions = append(ch.sessions, s)
	ch.log.Info("session started", zap.Uint32("generation", s.Generation()))
	ch.metrics.IncSessions()
	ch.setGatheringState(Gathering)
	s.StartGettingPorts()
}

// generation returns generation of latest session.
func (ch *Channel) generation() uint32 {
	if len(ch.sessions) == 0 {
		return 0
	}
	return ch.sessions[len(ch.sessions)-1].Generation()
}

func (ch *Channel) setGatheringState(s GatheringState) {
	if ch.gathering == s {
		return
	}
	ch.gathering = s
	ch.log.Info("gathering state changed", zap.Stringer("state", s))
	ch.each(func(o Observer) { o.OnGatheringStateChanged(ch, s) })
}

// AddRemoteCandidate connects every port to remote candidate and
// remembers it for future ports.
func (ch *Channel) AddRemoteCandidate(c candidate.Candidate) error {
	if ch.destroyed {
		return ErrDestroyed
	}
	if c.Component == 0 {
		c.Component = ch.component
	}
	if c.Component != ch.component {
		return errors.Wrapf(ErrInvalidArgument, "component %d", c.Component)
	}
	if err := candidate.Validate(c); err != nil {
		ch.log.Warn("remote candidate rejected", zap.Stringer("c", c), zap.Error(err))
		return err
	}
	if !filter.Allowed(ch.filter, c) {
		ch.log.Warn("remote candidate filtered", zap.Stringer("c", c))
		return errors.Wrap(candidate.ErrRejected, "filtered")
	}
	if c.ID == "" {
		c.ID = candidate.NewID()
	}
	var generation int
	switch creds, g, ok := ch.remote.Find(c.Ufrag); {
	case c.Ufrag == "":
		if latest, ok := ch.remote.Latest(); ok {
			c.Ufrag, c.Pwd = latest.Ufrag, latest.Pwd
		}
		generation = ch.remote.Generation()
	case ok:
		generation = g
		if c.Pwd == "" {
			c.Pwd = creds.Pwd
		}
	default:
		// Credentials will arrive later.
		generation = ch.remote.Len()
	}
	if generation < ch.remote.Generation() {
		ch.log.Info("dropping remote candidate of old generation",
			zap.Stringer("c", c), zap.Int("generation", generation),
		)
		return nil
	}
	c.Generation = uint32(generation)
	for _, conn := range ch.connections {
		if conn.Remote().Addr.Equal(c.Addr) && conn.MaybeUpdatePeerReflexiveCandidate(c) {
			ch.log.Info("peer-reflexive candidate updated", zap.Stringer("conn", conn))
		}
	}
	for _, p := range ch.ports {
		ch.createConnection(p, c, port.OriginThisPort)
	}
	ch.remember(c)
	ch.requestSort()
	return nil
}

func (ch *Channel) remember(c candidate.Candidate) {
	kept := ch.remembered[:0]
	for _, r := range ch.remembered {
		if r.Generation < c.Generation {
			continue
		}
		kept = append(kept, r)
	}
	ch.remembered = kept
	for i, r := range ch.remembered {
		if r.SameTransport(c) && r.Ufrag == c.Ufrag && r.Generation == c.Generation {
			ch.remembered[i] = c
			return
		}
	}
	ch.remembered = append(ch.remembered, c)
}

// RemoveRemoteCandidate forgets remote candidate. Existing connections
// to it time out naturally.
func (ch *Channel) RemoveRemoteCandidate(c candidate.Candidate) {
	kept := ch.remembered[:0]
	for _, r := range ch.remembered {
		if r.SameTransport(c) && (c.Ufrag == "" || r.Ufrag == c.Ufrag) {
			ch.log.Info("remote candidate removed", zap.Stringer("c", r))
			continue
		}
		kept = append(kept, r)
	}
	ch.remembered = kept
}

// createConnection connects port to remote unless there is connection to
// that address already.
func (ch *Channel) createConnection(p port.Port, remote candidate.Candidate, origin port.Origin) bool {
	if p.Destroyed() {
		return false
	}
	if existing := p.Connection(remote.Addr); existing != nil {
		if !existing.Remote().IsEquivalent(remote) {
			existing.MaybeUpdatePeerReflexiveCandidate(remote)
		}
		return false
	}
	conn := p.CreateConnection(remote, origin)
	if conn == nil {
		return false
	}
	ch.addConnection(conn)
	return true
}

func (ch *Channel) addConnection(c *port.Connection) {
	ch.connections = append(ch.connections, c)
	ch.connsUnsub[c] = c.Subscribe(connObserver{ch: ch})
	ch.hadConnection = true
	ch.log.Info("connection added", zap.Stringer("conn", c), zap.Int("total", len(ch.connections)))
	ch.metrics.SetConnections(len(ch.connections))
}

// SetOption applies option to every current and future port.
func (ch *Channel) SetOption(opt port.Option, value int) error {
	if err := port.ValidateOption(opt, value); err != nil {
		return errors.Wrap(ErrInvalidArgument, err.Error())
	}
	ch.options[opt] = value
	var err error
	for _, p := range ch.ports {
		err = multierr.Append(err, p.SetOption(opt, value))
	}
	return err
}

// SendPacket sends data through selected connection.
func (ch *Channel) SendPacket(b []byte, flags int) (int, error) {
	if flags != 0 {
		return 0, errors.Wrapf(ErrInvalidArgument, "flags %d", flags)
	}
	if ch.selected == nil || !ch.writable {
		return 0, ErrWouldBlock
	}
	return ch.selected.Send(b)
}

// Stats returns statistics of every connection.
func (ch *Channel) Stats() []port.Info {
	infos := make([]port.Info, 0, len(ch.connections))
	for _, c := range ch.connections {
		info := c.Stats()
		info.Best = c == ch.selected
		infos = append(infos, info)
	}
	return infos
}

// Destroy stops checks, closes sessions and destroys connections and
// ports in reverse creation order.
func (ch *Channel) Destroy() error {
	if ch.destroyed {
		return nil
	}
	ch.log.Info("destroying")
	ch.destroyed = true
	ch.exec.Cancel(ch)
	var err error
	for i := len(ch.sessions) - 1; i >= 0; i-- {
		err = multierr.Append(err, ch.sessions[i].Close())
	}
	conns := ch.Connections()
	for i := len(conns) - 1; i >= 0; i-- {
		conns[i].Destroy()
	}
	ports := ch.Ports()
	for i := len(ports) - 1; i >= 0; i-- {
		ports[i].Destroy()
	}
	ch.selected = nil
	ch.connections = nil
	ch.ports = nil
	ch.observers.Clear()
	return err
}
