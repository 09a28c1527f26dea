package port

import (
	"time"

	"github.com/gortc/ice"
	"github.com/gortc/stun"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gortc/iced/internal/candidate"
	"github.com/gortc/iced/internal/stunreq"
	"github.com/gortc/iced/internal/subscribers"
	"github.com/gortc/iced/internal/worker"
)

// Connection timeouts and limits.
const (
	ConnectionReadTimeout          = 30 * time.Second
	ConnectionWriteTimeout         = 15 * time.Second
	ConnectionWriteConnectTimeout  = 5 * time.Second
	ConnectionWriteConnectFailures = 5
	// DeadConnectionTimeout is time after last received packet when
	// timed out connection is destroyed.
	DeadConnectionTimeout = 30 * time.Second
	// MaxPingsSinceResponse bounds outstanding pings history.
	MaxPingsSinceResponse = stunreq.MaxSends

	DefaultRTT = 3 * time.Second
	MinRTT     = 100 * time.Millisecond
	MaxRTT     = 3 * time.Second

	rttRatio = 3 // old rtt weight in smoothing
)

// WriteState of connection, ordered from best to worst.
type WriteState byte

// Write states.
const (
	Writable WriteState = iota
	WriteUnreliable
	WriteInit
	WriteTimeout
)

var writeStateToStr = map[WriteState]string{
	Writable:        "writable",
	WriteUnreliable: "unreliable",
	WriteInit:       "init",
	WriteTimeout:    "timeout",
}

func (s WriteState) String() string { return writeStateToStr[s] }

// MarshalText implements encoding.TextMarshaler.
func (s WriteState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ReadState of connection.
type ReadState byte

// Read states.
const (
	ReadInit ReadState = iota
	Readable
	ReadTimeout
)

var readStateToStr = map[ReadState]string{
	ReadInit:    "init",
	Readable:    "readable",
	ReadTimeout: "timeout",
}

func (s ReadState) String() string { return readStateToStr[s] }

// MarshalText implements encoding.TextMarshaler.
func (s ReadState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CheckState is candidate pair state, RFC 5245 Section 5.7.4.
type CheckState byte

// Check states.
const (
	CheckWaiting CheckState = iota
	CheckInProgress
	CheckSucceeded
	CheckFailed
)

var checkStateToStr = map[CheckState]string{
	CheckWaiting:    "waiting",
	CheckInProgress: "in-progress",
	CheckSucceeded:  "succeeded",
	CheckFailed:     "failed",
}

func (s CheckState) String() string { return checkStateToStr[s] }

// MarshalText implements encoding.TextMarshaler.
func (s CheckState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ID is process-wide unique connection id.
type ID uint64

var lastConnectionID atomic.Uint64

// ConnectionObserver is notified about connection events.
type ConnectionObserver interface {
	OnConnectionStateChange(c *Connection)
	OnConnectionDestroyed(c *Connection)
	OnNominated(c *Connection)
	OnReadPacket(c *Connection, b []byte, at time.Time)
}

type sentPing struct {
	id [stun.TransactionIDSize]byte
	at time.Time
}

// Connection is candidate pair: local candidate of port and remote
// candidate. Owned by port.
type Connection struct {
	id        ID
	port      *UDPPort
	log       *zap.Logger
	exec      worker.Executor
	local     candidate.Candidate
	remote    candidate.Candidate
	requests  *stunreq.Manager
	observers subscribers.List

	writeState   WriteState
	readState    ReadState
	checkState   CheckState
	connected    bool
	pruned       bool
	nominated    bool
	useCandidate bool
	everWritable bool
	destroyed    bool

	rtt        time.Duration
	rttSamples int

	created                  time.Time
	lastPingSent             time.Time
	lastPingReceived         time.Time
	lastDataReceived         time.Time
	lastPingResponseReceived time.Time
	lastReceived             time.Time
	firstUnanswered          time.Time
	pings                    []sentPing

	sentBytes, sentPackets uint64
	recvBytes, recvPackets uint64
}

func newConnection(p *UDPPort, local, remote candidate.Candidate) *Connection {
	id := ID(lastConnectionID.Inc())
	c := &Connection{
		id:         id,
		port:       p,
		log:        p.log.Named("conn").With(zap.Uint64("conn", uint64(id))),
		exec:       p.exec,
		local:      local,
		remote:     remote,
		writeState: WriteInit,
		readState:  ReadInit,
		checkState: CheckWaiting,
		connected:  true,
		rtt:        DefaultRTT,
		created:    p.exec.Now(),
	}
	c.requests = stunreq.NewManager(stunreq.Options{
		Log:             c.log.Named("stunreq"),
		Exec:            p.exec,
		Send:            c.sendRaw,
		RetransmitCount: p.retransmitCount,
		Rand:            p.rand,
	})
	return c
}

// ID returns connection id.
func (c *Connection) ID() ID { return c.id }

// Port returns port that owns connection.
func (c *Connection) Port() Port { return c.port }

// Network returns local network of connection.
func (c *Connection) Network() *Network { return c.port.network }

// Local returns local candidate.
func (c *Connection) Local() candidate.Candidate { return c.local }

// Remote returns remote candidate.
func (c *Connection) Remote() candidate.Candidate { return c.remote }

// WriteState returns current write state.
func (c *Connection) WriteState() WriteState { return c.writeState }

// ReadState returns current read state.
func (c *Connection) ReadState() ReadState { return c.readState }

// CheckState returns current check state.
func (c *Connection) CheckState() CheckState { return c.checkState }

// Writable reports whether write state is Writable.
func (c *Connection) Writable() bool { return c.writeState == Writable }

// Receiving reports whether read state is Readable.
func (c *Connection) Receiving() bool { return c.readState == Readable }

// Connected is always true for UDP connections.
func (c *Connection) Connected() bool { return c.connected }

// Pruned reports whether connection is pruned.
func (c *Connection) Pruned() bool { return c.pruned }

// Nominated reports whether remote controlling agent nominated connection.
func (c *Connection) Nominated() bool { return c.nominated }

// UseCandidate reports whether outgoing checks carry USE-CANDIDATE.
func (c *Connection) UseCandidate() bool { return c.useCandidate }

// SetUseCandidate sets whether outgoing checks carry USE-CANDIDATE.
func (c *Connection) SetUseCandidate(v bool) { c.useCandidate = v }

// Destroyed reports whether connection is destroyed.
func (c *Connection) Destroyed() bool { return c.destroyed }

// RTT returns smoothed round-trip time estimate.
func (c *Connection) RTT() time.Duration { return c.rtt }

// LastPingSent returns time of last sent check.
func (c *Connection) LastPingSent() time.Time { return c.lastPingSent }

// LastPingReceived returns time of last received check.
func (c *Connection) LastPingReceived() time.Time { return c.lastPingReceived }

// LastDataReceived returns time of last received data packet.
func (c *Connection) LastDataReceived() time.Time { return c.lastDataReceived }

// LastPingResponseReceived returns time of last received check response.
func (c *Connection) LastPingResponseReceived() time.Time { return c.lastPingResponseReceived }

// PingsSinceLastResponse returns count of unanswered checks.
func (c *Connection) PingsSinceLastResponse() int { return len(c.pings) }

// Generation returns sum of local and remote generations.
func (c *Connection) Generation() uint64 {
	return uint64(c.port.generation) + uint64(c.remote.Generation)
}

// Priority returns candidate pair priority for current role.
func (c *Connection) Priority() uint64 {
	g, d := c.local.Priority, c.remote.Priority
	if c.port.role == RoleControlled {
		g, d = d, g
	}
	return candidate.PairPriority(g, d)
}

// PresumedWritable reports whether connection can be used before first
// response. Only relay to relay connections on connected ports qualify.
func (c *Connection) PresumedWritable() bool {
	return c.port.presumeWritable && c.connected &&
		c.local.Type == candidate.Relay &&
		(c.remote.Type == candidate.Relay || c.remote.Type == candidate.PeerReflexive)
}

// Subscribe registers observer.
func (c *Connection) Subscribe(o ConnectionObserver) (unsubscribe func()) {
	return c.observers.Add(o)
}

func (c *Connection) each(f func(o ConnectionObserver)) {
	c.observers.Each(func(v interface{}) { f(v.(ConnectionObserver)) })
}

func (c *Connection) String() string {
	return "Conn[" + c.local.Addr.String() + "->" + c.remote.Addr.String() +
		"|" + c.writeState.String() + "|" + c.readState.String() + "]"
}

func (c *Connection) sendRaw(b []byte) error {
	_, err := c.port.writeTo(b, c.remote.Addr)
	return err
}

// Send writes data packet to remote candidate.
func (c *Connection) Send(b []byte) (int, error) {
	if c.destroyed {
		return 0, ErrDestroyed
	}
	if !c.everWritable && !c.PresumedWritable() {
		return 0, ErrNotWritable
	}
	n, err := c.port.writeTo(b, c.remote.Addr)
	if err != nil {
		return n, err
	}
	c.sentBytes += uint64(n)
	c.sentPackets++
	return n, nil
}

func (c *Connection) pingAttributes() []stun.Setter {
	p := c.port
	s := []stun.Setter{
		stun.NewUsername(Username(c.remote.Ufrag, p.ufrag, p.protocol)),
		ice.PriorityAttr(candidate.PeerReflexivePriority(c.local.Priority)),
	}
	if p.protocol == RFC5245 {
		switch p.role {
		case RoleControlling:
			s = append(s, ice.AttrControlling(p.tiebreaker))
			if c.useCandidate {
				s = append(s, ice.UseCandidate)
			}
		case RoleControlled:
			s = append(s, ice.AttrControlled(p.tiebreaker))
		}
	}
	if len(p.software) > 0 {
		s = append(s, p.software)
	}
	return s
}

// Ping sends connectivity check. Retransmissions of previous check stop,
// but its response is still accepted.
func (c *Connection) Ping(now time.Time) {
	if c.destroyed {
		return
	}
	c.requests.Supersede()
	r := &stunreq.Request{
		Type:      stun.BindingRequest,
		Setters:   c.pingAttributes(),
		Integrity: stun.NewShortTermIntegrity(c.remote.Pwd),
		Handler:   requestHandler{c: c},
	}
	if err := c.requests.Send(r); err != nil {
		c.log.Error("failed to send ping", zap.Error(err))
		return
	}
	c.lastPingSent = now
	c.pings = append(c.pings, sentPing{id: r.ID, at: now})
	if len(c.pings) > MaxPingsSinceResponse {
		c.pings = append(c.pings[:0], c.pings[len(c.pings)-MaxPingsSinceResponse:]...)
	}
	if c.firstUnanswered.IsZero() {
		c.firstUnanswered = now
	}
	if ce := c.log.Check(zapcore.DebugLevel, "ping"); ce != nil {
		ce.Write(
			zap.Stringer("conn", c),
			zap.Bool("use_candidate", c.useCandidate),
			zap.Int("outstanding", len(c.pings)),
		)
	}
	if c.checkState == CheckWaiting {
		c.setCheckState(CheckInProgress)
	}
}

func conservativeRTT(rtt time.Duration) time.Duration {
	rtt *= 2
	if rtt < MinRTT {
		return MinRTT
	}
	if rtt > MaxRTT {
		return MaxRTT
	}
	return rtt
}

func (c *Connection) tooLongWithoutResponse(d time.Duration, now time.Time) bool {
	return !c.firstUnanswered.IsZero() && now.Sub(c.firstUnanswered) > d
}

func (c *Connection) tooManyFailures(n int, rtt time.Duration, now time.Time) bool {
	if len(c.pings) < n {
		return false
	}
	return now.After(c.pings[n-1].at.Add(rtt))
}

func (c *Connection) dead(now time.Time) bool {
	if c.writeState != WriteTimeout {
		return false
	}
	if c.pruned {
		return true
	}
	last := c.lastReceived
	if last.IsZero() {
		last = c.created
	}
	return now.Sub(last) > DeadConnectionTimeout
}

// UpdateState derives read and write states from timestamps and
// outstanding checks. Dead connection destroys itself.
func (c *Connection) UpdateState(now time.Time) {
	if c.destroyed {
		return
	}
	switch {
	case c.lastPingReceived.IsZero():
		c.setReadState(ReadInit)
	case now.Sub(c.lastPingReceived) <= ConnectionReadTimeout:
		c.setReadState(Readable)
	default:
		c.setReadState(ReadTimeout)
	}
	switch c.writeState {
	case Writable:
		if c.tooLongWithoutResponse(ConnectionWriteConnectTimeout, now) {
			c.log.Info("unreliable: no response", zap.Stringer("conn", c),
				zap.Duration("since", now.Sub(c.firstUnanswered)),
			)
			c.setWriteState(WriteUnreliable)
		}
	case WriteUnreliable:
		rtt := conservativeRTT(c.rtt)
		if c.tooManyFailures(ConnectionWriteConnectFailures, rtt, now) ||
			c.tooLongWithoutResponse(ConnectionWriteTimeout, now) {
			c.log.Info("timed out", zap.Stringer("conn", c), zap.Int("pings", len(c.pings)))
			c.setWriteState(WriteTimeout)
		}
	case WriteInit:
		if c.tooLongWithoutResponse(ConnectionWriteTimeout, now) {
			c.log.Info("timed out", zap.Stringer("conn", c), zap.Int("pings", len(c.pings)))
			c.setWriteState(WriteTimeout)
		}
	}
	if c.dead(now) {
		c.log.Info("dead", zap.Stringer("conn", c), zap.Bool("pruned", c.pruned))
		c.Destroy()
	}
}

func (c *Connection) setWriteState(s WriteState) {
	if c.writeState == s {
		return
	}
	old := c.writeState
	c.writeState = s
	if ce := c.log.Check(zapcore.DebugLevel, "write state changed"); ce != nil {
		ce.Write(zap.Stringer("from", old), zap.Stringer("to", s))
	}
	c.each(func(o ConnectionObserver) { o.OnConnectionStateChange(c) })
}

func (c *Connection) setReadState(s ReadState) {
	if c.readState == s {
		return
	}
	old := c.readState
	c.readState = s
	if ce := c.log.Check(zapcore.DebugLevel, "read state changed"); ce != nil {
		ce.Write(zap.Stringer("from", old), zap.Stringer("to", s))
	}
	c.each(func(o ConnectionObserver) { o.OnConnectionStateChange(c) })
}

func (c *Connection) setCheckState(s CheckState) {
	if c.checkState == s {
		return
	}
	old := c.checkState
	c.checkState = s
	if ce := c.log.Check(zapcore.DebugLevel, "check state changed"); ce != nil {
		ce.Write(zap.Stringer("from", old), zap.Stringer("to", s))
	}
	c.each(func(o ConnectionObserver) { o.OnConnectionStateChange(c) })
}

// HandleBindingRequest processes authenticated binding request from
// remote candidate and responds to it.
func (c *Connection) HandleBindingRequest(m *stun.Message) {
	if c.destroyed {
		return
	}
	now := c.exec.Now()
	c.lastPingReceived = now
	c.lastReceived = now
	c.setReadState(Readable)
	if err := c.port.SendBindingResponse(m, c.remote.Addr); err != nil {
		c.log.Warn("failed to send binding response", zap.Error(err))
	}
	if c.port.role == RoleControlled && ice.UseCandidate.IsSet(m) && !c.nominated {
		c.nominated = true
		c.log.Info("nominated", zap.Stringer("conn", c))
		c.each(func(o ConnectionObserver) { o.OnNominated(c) })
	}
}

// handleResponse validates and dispatches response to check.
func (c *Connection) handleResponse(m *stun.Message) {
	if !c.requests.Has(m.TransactionID) {
		if ce := c.log.Check(zapcore.DebugLevel, "unmatched response"); ce != nil {
			ce.Write(zap.Stringer("m", m))
		}
		return
	}
	if err := stun.Fingerprint.Check(m); err != nil {
		c.port.protocolError("response fingerprint check failed", c.remote.Addr, err)
		return
	}
	if responseProtected(m) {
		if err := stun.NewShortTermIntegrity(c.remote.Pwd).Check(m); err != nil {
			c.port.protocolError("response integrity check failed", c.remote.Addr, err)
			return
		}
	}
	c.requests.Handle(m)
}

// responseProtected reports whether response must carry MESSAGE-INTEGRITY.
// Only 400 and 401 error responses are sent without it.
func responseProtected(m *stun.Message) bool {
	if m.Type.Class != stun.ClassErrorResponse {
		return true
	}
	var code stun.ErrorCodeAttribute
	if err := code.GetFrom(m); err != nil {
		return true
	}
	switch code.Code {
	case stun.CodeBadRequest, stun.CodeUnauthorized:
		return false
	default:
		return true
	}
}

// OnReadPacket delivers data packet received from remote candidate.
func (c *Connection) OnReadPacket(b []byte, at time.Time) {
	if c.destroyed {
		return
	}
	c.lastDataReceived = at
	c.lastReceived = at
	c.recvBytes += uint64(len(b))
	c.recvPackets++
	c.each(func(o ConnectionObserver) { o.OnReadPacket(c, b, at) })
}

func (c *Connection) updateRTT(sample time.Duration) {
	if c.rttSamples == 0 {
		c.rtt = sample
	} else {
		c.rtt = (rttRatio*c.rtt + sample) / (rttRatio + 1)
	}
	c.rttSamples++
}

type requestHandler struct {
	c *Connection
}

func (h requestHandler) OnResponse(r *stunreq.Request, res *stun.Message) {
	c := h.c
	if c.destroyed {
		return
	}
	now := c.exec.Now()
	c.updateRTT(now.Sub(r.SentAt()))
	c.lastPingResponseReceived = now
	c.lastReceived = now
	c.pings = c.pings[:0]
	c.firstUnanswered = time.Time{}
	c.everWritable = true
	if ce := c.log.Check(zapcore.DebugLevel, "ping response"); ce != nil {
		ce.Write(zap.Stringer("conn", c), zap.Duration("rtt", c.rtt))
	}
	c.setCheckState(CheckSucceeded)
	c.setWriteState(Writable)
}

func (h requestHandler) OnErrorResponse(r *stunreq.Request, res *stun.Message) {
	c := h.c
	if c.destroyed {
		return
	}
	var code stun.ErrorCodeAttribute
	if err := code.GetFrom(res); err != nil {
		c.port.protocolError("bad error response", c.remote.Addr, err)
		c.setCheckState(CheckFailed)
		return
	}
	switch code.Code {
	case stun.CodeRoleConflict:
		if !c.sentWithCurrentRole(r) {
			c.log.Info("ignoring role conflict for check sent with other role", zap.Stringer("conn", c))
			return
		}
		c.log.Info("role conflict reported by remote", zap.Stringer("conn", c))
		c.port.signalRoleConflict()
	case stun.CodeBadRequest, stun.CodeUnauthorized, stun.CodeUnknownAttribute:
		c.log.Warn("check failed",
			zap.Stringer("conn", c), zap.Int("code", int(code.Code)),
			zap.ByteString("reason", code.Reason),
		)
		c.setCheckState(CheckFailed)
	default:
		c.log.Info("check error response",
			zap.Stringer("conn", c), zap.Int("code", int(code.Code)),
		)
	}
}

// sentWithCurrentRole reports whether check was sent with role that port
// still has.
func (c *Connection) sentWithCurrentRole(r *stunreq.Request) bool {
	m := r.Message()
	switch c.port.role {
	case RoleControlling:
		return m.Contains(stun.AttrICEControlling)
	case RoleControlled:
		return m.Contains(stun.AttrICEControlled)
	default:
		return false
	}
}

func (h requestHandler) OnTimeout(r *stunreq.Request) {
	c := h.c
	if c.destroyed {
		return
	}
	c.log.Info("check timed out", zap.Stringer("conn", c), zap.Int("sends", r.Count()))
	c.setCheckState(CheckFailed)
	c.setWriteState(WriteTimeout)
}

// MaybeSetRemoteICEParameters fills credentials and generation of remote
// candidate learned from check before credentials were known.
func (c *Connection) MaybeSetRemoteICEParameters(ufrag, pwd string, generation uint32) {
	if c.remote.Ufrag != ufrag || c.remote.Pwd != "" {
		return
	}
	c.remote.Pwd = pwd
	c.remote.Generation = generation
}

// MaybeUpdatePeerReflexiveCandidate replaces peer-reflexive remote
// candidate with signaled one describing same address.
func (c *Connection) MaybeUpdatePeerReflexiveCandidate(n candidate.Candidate) bool {
	r := c.remote
	if r.Type != candidate.PeerReflexive || n.Type == candidate.PeerReflexive {
		return false
	}
	if r.Protocol != n.Protocol || !r.Addr.Equal(n.Addr) ||
		r.Ufrag != n.Ufrag || r.Pwd != n.Pwd || r.Generation != n.Generation {
		return false
	}
	c.remote = n
	return true
}

// Prune stops checks on connection. Pruned connection is destroyed when
// its write state times out.
func (c *Connection) Prune() {
	if c.pruned || c.destroyed {
		return
	}
	c.log.Info("pruned", zap.Stringer("conn", c))
	c.pruned = true
	c.requests.Clear()
}

// Destroy cancels all pending checks and removes connection from port.
func (c *Connection) Destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.requests.Clear()
	c.exec.Cancel(c)
	c.log.Info("destroyed", zap.Stringer("conn", c))
	c.port.removeConnection(c)
	c.each(func(o ConnectionObserver) { o.OnConnectionDestroyed(c) })
	c.observers.Clear()
}

// Info is connection statistics snapshot.
type Info struct {
	ID          ID                  `json:"id"`
	Best        bool                `json:"best_connection"`
	Writable    bool                `json:"writable"`
	Receiving   bool                `json:"receiving"`
	Timeout     bool                `json:"timeout"`
	Pruned      bool                `json:"pruned"`
	Nominated   bool                `json:"nominated"`
	WriteState  WriteState          `json:"write_state"`
	ReadState   ReadState           `json:"read_state"`
	State       CheckState          `json:"state"`
	RTT         time.Duration       `json:"rtt"`
	SentBytes   uint64              `json:"sent_bytes"`
	SentPackets uint64              `json:"sent_packets"`
	RecvBytes   uint64              `json:"recv_bytes"`
	RecvPackets uint64              `json:"recv_packets"`
	Local       candidate.Candidate `json:"local_candidate"`
	Remote      candidate.Candidate `json:"remote_candidate"`
}

// Stats returns statistics snapshot.
func (c *Connection) Stats() Info {
	return Info{
		ID:          c.id,
		Writable:    c.writeState == Writable,
		Receiving:   c.readState == Readable,
		Timeout:     c.writeState == WriteTimeout,
		Pruned:      c.pruned,
		Nominated:   c.nominated,
		WriteState:  c.writeState,
		ReadState:   c.readState,
		State:       c.checkState,
		RTT:         c.rtt,
		SentBytes:   c.sentBytes,
		SentPackets: c.sentPackets,
		RecvBytes:   c.recvBytes,
		RecvPackets: c.recvPackets,
		Local:       c.local,
		Remote:      c.remote,
	}
}
