package port

import (
	"crypto/rand"
	"io"
	"net"
	"time"

	"github.com/gortc/ice"
	"github.com/gortc/stun"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gortc/iced/internal/candidate"
	"github.com/gortc/iced/internal/stunreq"
	"github.com/gortc/iced/internal/subscribers"
	"github.com/gortc/iced/internal/worker"
)

// UDPOptions for NewUDPPort.
type UDPOptions struct {
	Log        *zap.Logger
	Exec       worker.Executor
	Socket     Socket
	Network    *Network
	Component  int
	Generation uint32
	Ufrag      string
	Pwd        string
	// STUNServers are used to gather server-reflexive candidates.
	STUNServers []candidate.Addr
	Software    string
	// RetransmitCount enables RETRANSMIT-COUNT in retransmitted checks
	// and its echo in responses.
	RetransmitCount bool
	// PresumeWritable allows sending on fully relayed connections before
	// they become writable.
	PresumeWritable bool
	Metrics         Metrics
	Rand            io.Reader
	// Muxed is set when socket is shared between several ports.
	Muxed bool
}

// UDPPort is Port over datagram socket. It provides host candidate and
// server-reflexive candidates discovered via STUN servers.
//
// Received datagrams must be passed to HandlePacket on port executor.
type UDPPort struct {
	log             *zap.Logger
	exec            worker.Executor
	socket          Socket
	network         *Network
	component       int
	generation      uint32
	ufrag           string
	pwd             string
	role            Role
	tiebreaker      uint64
	protocol        ICEProtocol
	software        stun.Software
	retransmitCount bool
	presumeWritable bool
	muxed           bool
	metrics         Metrics
	rand            io.Reader

	stunServers    []candidate.Addr
	servers        map[string]*stunreq.Manager
	pendingServers int
	complete       bool

	candidates []candidate.Candidate
	conns      map[string]*Connection
	order      []*Connection
	observers  subscribers.List
	options    map[Option]int
	destroyed  bool
}

// NewUDPPort initializes and returns new UDPPort. Call PrepareAddress to
// start gathering.
func NewUDPPort(o UDPOptions) *UDPPort {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
	if o.Component == 0 {
		o.Component = 1
	}
	p := &UDPPort{
		log:             o.Log.Named("port").With(zap.Stringer("net", o.Network)),
		exec:            o.Exec,
		socket:          o.Socket,
		network:         o.Network,
		component:       o.Component,
		generation:      o.Generation,
		ufrag:           o.Ufrag,
		pwd:             o.Pwd,
		role:            RoleUnknown,
		protocol:        RFC5245,
		retransmitCount: o.RetransmitCount,
		presumeWritable: o.PresumeWritable,
		muxed:           o.Muxed,
		metrics:         o.Metrics,
		rand:            o.Rand,
		stunServers:     o.STUNServers,
		servers:         make(map[string]*stunreq.Manager),
		conns:           make(map[string]*Connection),
		options:         make(map[Option]int),
	}
	if o.Software != "" {
		p.software = stun.NewSoftware(o.Software)
	}
	return p
}

// Candidates returns copy of gathered candidates.
func (p *UDPPort) Candidates() []candidate.Candidate {
	return append([]candidate.Candidate(nil), p.candidates...)
}

// Network returns port network.
func (p *UDPPort) Network() *Network { return p.network }

// Component returns ICE component id.
func (p *UDPPort) Component() int { return p.component }

// Generation returns ICE generation of port.
func (p *UDPPort) Generation() uint32 { return p.generation }

// Ufrag returns local username fragment.
func (p *UDPPort) Ufrag() string { return p.ufrag }

// Pwd returns local password.
func (p *UDPPort) Pwd() string { return p.pwd }

// Role returns ICE role.
func (p *UDPPort) Role() Role { return p.role }

// SetRole sets ICE role.
func (p *UDPPort) SetRole(r Role) { p.role = r }

// Tiebreaker returns role conflict tiebreaker.
func (p *UDPPort) Tiebreaker() uint64 { return p.tiebreaker }

// SetTiebreaker sets role conflict tiebreaker.
func (p *UDPPort) SetTiebreaker(v uint64) { p.tiebreaker = v }

// SetICEProtocol sets format of checks.
func (p *UDPPort) SetICEProtocol(proto ICEProtocol) { p.protocol = proto }

// SupportsProtocol reports whether port can connect to candidates with
// provided protocol.
func (p *UDPPort) SupportsProtocol(proto candidate.Protocol) bool {
	return proto == candidate.UDP
}

// Complete reports whether gathering is done.
func (p *UDPPort) Complete() bool { return p.complete }

// Destroyed reports whether port is destroyed.
func (p *UDPPort) Destroyed() bool { return p.destroyed }

// Subscribe registers port observer.
func (p *UDPPort) Subscribe(o Observer) (unsubscribe func()) {
	return p.observers.Add(o)
}

func (p *UDPPort) each(f func(o Observer)) {
	p.observers.Each(func(v interface{}) { f(v.(Observer)) })
}

func (p *UDPPort) String() string {
	return "Port[" + p.network.Name + ":" + p.ufrag + ":" + p.localAddr().String() + "]"
}

func (p *UDPPort) localAddr() candidate.Addr {
	a, err := candidate.FromNetAddr(p.socket.LocalAddr())
	if err != nil {
		return candidate.Addr{IP: p.network.IP}
	}
	if a.IP == nil || a.IP.IsUnspecified() {
		a.IP = p.network.IP
	}
	if ip4 := a.IP.To4(); ip4 != nil {
		a.IP = ip4
	}
	return a
}

func (p *UDPPort) newCandidate(t candidate.Type, addr, related candidate.Addr) candidate.Candidate {
	c := candidate.Candidate{
		ID:          candidate.NewID(),
		Component:   p.component,
		Protocol:    candidate.UDP,
		Addr:        addr,
		Type:        t,
		Ufrag:       p.ufrag,
		Pwd:         p.pwd,
		Generation:  p.generation,
		NetworkName: p.network.Name,
		NetworkID:   p.network.ID,
		NetworkCost: p.network.Cost,
		Related:     related,
	}
	c.Priority = c.ComputePriority(
		candidate.TypePreference(t, candidate.UDP), p.network.LocalPreference(),
	)
	c.Foundation = candidate.Foundation(t, candidate.UDP, candidate.UDP, p.localAddr())
	return c
}

func (p *UDPPort) addCandidate(c candidate.Candidate) {
	for _, e := range p.candidates {
		if e.Type == c.Type && e.Addr.Equal(c.Addr) {
			return
		}
	}
	p.candidates = append(p.candidates, c)
	p.log.Info("candidate ready", zap.Stringer("c", c))
	p.each(func(o Observer) { o.OnCandidateReady(p, c) })
}

// PrepareAddress publishes host candidate and starts server-reflexive
// candidate discovery. Port completes when all STUN servers responded or
// timed out.
func (p *UDPPort) PrepareAddress() {
	if p.destroyed {
		return
	}
	host := p.newCandidate(candidate.Host, p.localAddr(), candidate.Addr{})
	p.addCandidate(host)
	p.pendingServers = len(p.stunServers)
	if p.pendingServers == 0 {
		p.setComplete()
		return
	}
	for _, s := range p.stunServers {
		p.sendServerBinding(s)
	}
}

func (p *UDPPort) setComplete() {
	if p.complete || p.destroyed {
		return
	}
	p.complete = true
	p.log.Info("complete", zap.Int("candidates", len(p.candidates)))
	p.each(func(o Observer) { o.OnPortComplete(p) })
}

type serverHandler struct {
	p      *UDPPort
	server candidate.Addr
}

func (h serverHandler) OnResponse(r *stunreq.Request, res *stun.Message) {
	var (
		xor    stun.XORMappedAddress
		mapped stun.MappedAddress
		addr   candidate.Addr
	)
	switch {
	case xor.GetFrom(res) == nil:
		addr = candidate.Addr{IP: xor.IP, Port: xor.Port}
	case mapped.GetFrom(res) == nil:
		addr = candidate.Addr{IP: mapped.IP, Port: mapped.Port}
	default:
		h.p.protocolError("no mapped address in response", h.server, nil)
		h.p.serverDone(h.server)
		return
	}
	if ip4 := addr.IP.To4(); ip4 != nil {
		addr.IP = ip4
	}
	base := h.p.localAddr()
	if !addr.Equal(base) {
		h.p.addCandidate(h.p.newCandidate(candidate.ServerReflexive, addr, base))
	}
	h.p.serverDone(h.server)
}

func (h serverHandler) OnErrorResponse(r *stunreq.Request, res *stun.Message) {
	var code stun.ErrorCodeAttribute
	_ = code.GetFrom(res)
	err := errors.Errorf("stun server %s: error %d", h.server, code.Code)
	h.p.log.Warn("server binding failed", zap.Error(err))
	h.p.each(func(o Observer) { o.OnPortError(h.p, err) })
	h.p.serverDone(h.server)
}

func (h serverHandler) OnTimeout(r *stunreq.Request) {
	err := errors.Wrapf(stunreq.ErrTimeout, "stun server %s", h.server)
	h.p.log.Warn("server binding failed", zap.Error(err))
	h.p.each(func(o Observer) { o.OnPortError(h.p, err) })
	h.p.serverDone(h.server)
}

func (p *UDPPort) sendServerBinding(server candidate.Addr) {
	m := stunreq.NewManager(stunreq.Options{
		Log:  p.log.Named("stunreq"),
		Exec: p.exec,
		Send: func(raw []byte) error {
			_, err := p.writeTo(raw, server)
			return err
		},
		Rand: p.rand,
	})
	p.servers[server.String()] = m
	var setters []stun.Setter
	if len(p.software) > 0 {
		setters = append(setters, p.software)
	}
	r := &stunreq.Request{
		Type:    stun.BindingRequest,
		Setters: setters,
		Handler: serverHandler{p: p, server: server},
	}
	if err := m.Send(r); err != nil {
		p.log.Error("failed to start server binding", zap.Error(err))
		p.serverDone(server)
	}
}

func (p *UDPPort) serverDone(server candidate.Addr) {
	if m, ok := p.servers[server.String()]; ok {
		m.Clear()
		delete(p.servers, server.String())
	}
	p.pendingServers--
	if p.pendingServers <= 0 {
		p.setComplete()
	}
}

func (p *UDPPort) writeTo(b []byte, to candidate.Addr) (int, error) {
	if p.destroyed {
		return 0, ErrDestroyed
	}
	n, err := p.socket.WriteTo(b, to.UDPAddr())
	if err != nil {
		return n, errors.Wrap(ErrTransport, err.Error())
	}
	return n, nil
}

func (p *UDPPort) protocolError(msg string, from candidate.Addr, err error) {
	p.metrics.IncProtocolErrors()
	p.log.Warn(msg, zap.Stringer("from", from), zap.Error(err))
}

func (p *UDPPort) signalRoleConflict() {
	p.each(func(o Observer) { o.OnRoleConflict(p) })
}

// HandlePacket processes datagram received on port socket.
func (p *UDPPort) HandlePacket(b []byte, from candidate.Addr, at time.Time) {
	if p.destroyed {
		return
	}
	if !stun.IsMessage(b) {
		if c, ok := p.conns[from.String()]; ok {
			c.OnReadPacket(b, at)
			return
		}
		if ce := p.log.Check(zapcore.DebugLevel, "data from unknown address"); ce != nil {
			ce.Write(zap.Stringer("from", from), zap.Int("len", len(b)))
		}
		return
	}
	m := &stun.Message{Raw: append([]byte(nil), b...)}
	if err := m.Decode(); err != nil {
		p.protocolError("failed to decode message", from, err)
		return
	}
	switch m.Type.Class {
	case stun.ClassRequest:
		if m.Type.Method != stun.MethodBinding {
			p.protocolError("unexpected request", from, errors.Wrap(ErrProtocol, m.Type.String()))
			return
		}
		p.handleBindingRequest(m, from)
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		if s, ok := p.servers[from.String()]; ok && s.Has(m.TransactionID) {
			// STUN servers are not required to add FINGERPRINT.
			if m.Contains(stun.AttrFingerprint) {
				if err := stun.Fingerprint.Check(m); err != nil {
					p.protocolError("bad fingerprint", from, err)
					return
				}
			}
			s.Handle(m)
			return
		}
		if c, ok := p.conns[from.String()]; ok {
			c.handleResponse(m)
			return
		}
		if ce := p.log.Check(zapcore.DebugLevel, "response from unknown address"); ce != nil {
			ce.Write(zap.Stringer("from", from), zap.Stringer("m", m))
		}
	default:
		// Binding indications are keep-alives.
	}
}

func (p *UDPPort) handleBindingRequest(m *stun.Message, from candidate.Addr) {
	p.metrics.IncBindingRequests()
	if err := stun.Fingerprint.Check(m); err != nil {
		p.protocolError("bad fingerprint", from, err)
		return
	}
	var username stun.Username
	if err := username.GetFrom(m); err != nil {
		p.protocolError("no username", from, err)
		p.sendError(m, from, stun.CodeBadRequest)
		return
	}
	local, remote, ok := ParseUsername(username.String(), len(p.ufrag), p.protocol)
	if !ok || local != p.ufrag {
		p.protocolError("bad username", from, errors.Wrap(ErrProtocol, username.String()))
		p.sendError(m, from, stun.CodeUnauthorized)
		return
	}
	if err := stun.NewShortTermIntegrity(p.pwd).Check(m); err != nil {
		p.protocolError("integrity check failed", from, err)
		p.sendError(m, from, stun.CodeUnauthorized)
		return
	}
	if !p.maybeRoleConflict(m, from) {
		return
	}
	c, ok := p.conns[from.String()]
	if !ok {
		p.each(func(o Observer) {
			o.OnUnknownAddress(p, UnknownAddress{
				Addr:        from,
				Protocol:    candidate.UDP,
				Message:     m,
				RemoteUfrag: remote,
				Muxed:       p.muxed,
			})
		})
		return
	}
	if c.remote.Ufrag != "" && c.remote.Ufrag != remote {
		p.protocolError("remote ufrag mismatch", from, errors.Wrap(ErrProtocol, remote))
		p.sendError(m, from, stun.CodeUnauthorized)
		return
	}
	c.HandleBindingRequest(m)
}

// maybeRoleConflict returns false if request must not be processed
// further because 487 was sent.
func (p *UDPPort) maybeRoleConflict(m *stun.Message, from candidate.Addr) bool {
	if p.protocol != RFC5245 {
		return true
	}
	var (
		controlling ice.AttrControlling
		controlled  ice.AttrControlled
	)
	switch p.role {
	case RoleControlling:
		if controlling.GetFrom(m) != nil {
			return true
		}
		if uint64(controlling) >= p.tiebreaker {
			p.log.Info("role conflict: switching",
				zap.Stringer("from", from), zap.Stringer("role", p.role),
			)
			p.signalRoleConflict()
			return true
		}
	case RoleControlled:
		if controlled.GetFrom(m) != nil {
			return true
		}
		if uint64(controlled) < p.tiebreaker {
			p.log.Info("role conflict: switching",
				zap.Stringer("from", from), zap.Stringer("role", p.role),
			)
			p.signalRoleConflict()
			return true
		}
	default:
		return true
	}
	p.log.Info("role conflict: keeping role", zap.Stringer("from", from), zap.Stringer("role", p.role))
	p.sendError(m, from, stun.CodeRoleConflict)
	return false
}

func (p *UDPPort) sendError(req *stun.Message, to candidate.Addr, code stun.ErrorCode) {
	if err := p.SendBindingErrorResponse(req, to, code, ""); err != nil {
		p.log.Warn("failed to send error response", zap.Error(err), zap.Int("code", int(code)))
	}
}

func (p *UDPPort) echoRetransmitCount(req *stun.Message, setters []stun.Setter) []stun.Setter {
	if !p.retransmitCount {
		return setters
	}
	var rc stunreq.RetransmitCount
	if rc.GetFrom(req) == nil {
		setters = append(setters, rc)
	}
	return setters
}

// SendBindingResponse sends success response to binding request with
// XOR-MAPPED-ADDRESS set to request source.
func (p *UDPPort) SendBindingResponse(req *stun.Message, to candidate.Addr) error {
	setters := []stun.Setter{
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: to.IP, Port: to.Port},
	}
	setters = p.echoRetransmitCount(req, setters)
	if len(p.software) > 0 {
		setters = append(setters, p.software)
	}
	setters = append(setters, stun.NewShortTermIntegrity(p.pwd), stun.Fingerprint)
	res := new(stun.Message)
	if err := res.Build(setters...); err != nil {
		return errors.Wrap(err, "failed to build response")
	}
	_, err := p.writeTo(res.Raw, to)
	return err
}

// SendBindingErrorResponse sends error response to binding request.
// Response is not integrity protected for 401.
func (p *UDPPort) SendBindingErrorResponse(req *stun.Message, to candidate.Addr, code stun.ErrorCode, reason string) error {
	var errorCode stun.Setter = code
	if reason != "" {
		errorCode = &stun.ErrorCodeAttribute{Code: code, Reason: []byte(reason)}
	}
	setters := []stun.Setter{
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.NewType(stun.MethodBinding, stun.ClassErrorResponse),
		errorCode,
	}
	if len(p.software) > 0 {
		setters = append(setters, p.software)
	}
	if code != stun.CodeUnauthorized {
		setters = append(setters, stun.NewShortTermIntegrity(p.pwd))
	}
	setters = append(setters, stun.Fingerprint)
	res := new(stun.Message)
	if err := res.Build(setters...); err != nil {
		return errors.Wrap(err, "failed to build error response")
	}
	_, err := p.writeTo(res.Raw, to)
	return err
}

// CreateConnection creates connection from host candidate to remote.
// Existing connection to same address is replaced.
func (p *UDPPort) CreateConnection(remote candidate.Candidate, origin Origin) *Connection {
	if p.destroyed || len(p.candidates) == 0 {
		return nil
	}
	if remote.Protocol != candidate.UDP || remote.Component != p.component {
		return nil
	}
	if isIPv4(remote.Addr.IP) != isIPv4(p.network.IP) {
		return nil
	}
	key := remote.Addr.String()
	if old, ok := p.conns[key]; ok {
		p.log.Info("replacing connection", zap.Stringer("conn", old))
		old.Destroy()
	}
	c := newConnection(p, p.candidates[0], remote)
	p.conns[key] = c
	p.order = append(p.order, c)
	if ce := p.log.Check(zapcore.DebugLevel, "connection created"); ce != nil {
		ce.Write(zap.Stringer("conn", c), zap.Uint8("origin", uint8(origin)))
	}
	return c
}

func isIPv4(ip net.IP) bool { return ip.To4() != nil }

// Connection returns connection to addr or nil.
func (p *UDPPort) Connection(addr candidate.Addr) *Connection {
	return p.conns[addr.String()]
}

// Connections returns connections in creation order.
func (p *UDPPort) Connections() []*Connection {
	return append([]*Connection(nil), p.order...)
}

func (p *UDPPort) removeConnection(c *Connection) {
	key := c.remote.Addr.String()
	if p.conns[key] == c {
		delete(p.conns, key)
	}
	for i := range p.order {
		if p.order[i] == c {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

type readBufferSetter interface {
	SetReadBuffer(bytes int) error
}

type writeBufferSetter interface {
	SetWriteBuffer(bytes int) error
}

// SetOption applies socket option.
func (p *UDPPort) SetOption(opt Option, value int) error {
	if err := ValidateOption(opt, value); err != nil {
		return err
	}
	var err error
	switch opt {
	case OptRcvBuf:
		if s, ok := p.socket.(readBufferSetter); ok {
			err = s.SetReadBuffer(value)
		}
	case OptSndBuf:
		if s, ok := p.socket.(writeBufferSetter); ok {
			err = s.SetWriteBuffer(value)
		}
	}
	if err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	p.options[opt] = value
	return nil
}

// Option returns value of applied option.
func (p *UDPPort) Option(opt Option) (int, bool) {
	v, ok := p.options[opt]
	return v, ok
}

// Destroy destroys all connections and closes socket.
func (p *UDPPort) Destroy() {
	if p.destroyed {
		return
	}
	for _, c := range p.Connections() {
		c.Destroy()
	}
	for k, m := range p.servers {
		m.Clear()
		delete(p.servers, k)
	}
	p.destroyed = true
	if err := p.socket.Close(); err != nil {
		p.log.Warn("failed to close socket", zap.Error(err))
	}
	p.log.Info("destroyed")
	p.each(func(o Observer) { o.OnPortDestroyed(p) })
	p.observers.Clear()
}
