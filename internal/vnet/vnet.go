// Package vnet implements in-memory datagram network with NAT rewriting
// and packet loss rules.
//
// Net is confined to its executor: datagrams are delivered as executor
// tasks after configured latency, so agents attached to same executor
// interact deterministically under virtual clock.
package vnet

import (
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gortc/iced/internal/candidate"
	"github.com/gortc/iced/internal/worker"
)

// ErrAddrInUse is returned by Listen for bound address.
var ErrAddrInUse = errors.New("address already in use")

// ErrClosed is returned on operations with closed Conn.
var ErrClosed = errors.New("use of closed connection")

const firstEphemeralPort = 49152

// Handler is called for every delivered datagram.
type Handler func(b []byte, from candidate.Addr, at time.Time)

// Options for New.
type Options struct {
	Log     *zap.Logger
	Exec    worker.Executor
	Latency time.Duration
}

// Net is virtual network.
type Net struct {
	log     *zap.Logger
	exec    worker.Executor
	latency time.Duration
	conns   map[string]*Conn
	ports   map[string]int
	nats    []*symmetricNAT
	loss    func(from, to candidate.Addr) bool
	delay   func(from, to candidate.Addr) time.Duration

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New initializes and returns new Net.
func New(o Options) *Net {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return &Net{
		log:     o.Log,
		exec:    o.Exec,
		latency: o.Latency,
		conns:   make(map[string]*Conn),
		ports:   make(map[string]int),
	}
}

// SetLoss sets function that reports whether datagram must be dropped.
// Nil disables loss.
func (n *Net) SetLoss(f func(from, to candidate.Addr) bool) { n.loss = f }

// SetDelay sets function that returns extra one-way delay added to
// latency for datagram. Nil disables extra delay.
func (n *Net) SetDelay(f func(from, to candidate.Addr) time.Duration) { n.delay = f }

// Delivered returns count of delivered datagrams.
func (n *Net) Delivered() uint64 { return n.delivered.Load() }

// Dropped returns count of dropped datagrams.
func (n *Net) Dropped() uint64 { return n.dropped.Load() }

// Listen binds new Conn to ip and port. Zero port selects free ephemeral
// port.
func (n *Net) Listen(ip net.IP, port int) (*Conn, error) {
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	if port == 0 {
		next, ok := n.ports[ip.String()]
		if !ok {
			next = firstEphemeralPort
		}
		for {
			if _, used := n.conns[candidate.Addr{IP: ip, Port: next}.String()]; !used {
				break
			}
			next++
		}
		port = next
		n.ports[ip.String()] = next + 1
	}
	a := candidate.Addr{IP: ip, Port: port}
	if _, used := n.conns[a.String()]; used {
		return nil, errors.Wrap(ErrAddrInUse, a.String())
	}
	c := &Conn{n: n, addr: a}
	n.conns[a.String()] = c
	return c, nil
}

// AddSymmetricNAT puts inside IP behind NAT with public IP. Every
// destination gets own public port starting with firstPort, and only that
// destination can send to it.
func (n *Net) AddSymmetricNAT(inside, public net.IP, firstPort int) {
	n.nats = append(n.nats, &symmetricNAT{
		inside:   inside,
		public:   public,
		nextPort: firstPort,
		out:      make(map[string]candidate.Addr),
		in:       make(map[string]binding),
	})
}

func (n *Net) natByInside(ip net.IP) *symmetricNAT {
	for _, t := range n.nats {
		if t.inside.Equal(ip) {
			return t
		}
	}
	return nil
}

func (n *Net) natByPublic(ip net.IP) *symmetricNAT {
	for _, t := range n.nats {
		if t.public.Equal(ip) {
			return t
		}
	}
	return nil
}

func (n *Net) drop(reason string, from, to candidate.Addr) {
	n.dropped.Inc()
	if ce := n.log.Check(zapcore.DebugLevel, "dropped"); ce != nil {
		ce.Write(zap.String("reason", reason), zap.Stringer("from", from), zap.Stringer("to", to))
	}
}

func (n *Net) send(b []byte, from, to candidate.Addr) {
	if t := n.natByInside(from.IP); t != nil {
		from = t.outbound(from, to)
	}
	if n.loss != nil && n.loss(from, to) {
		n.drop("loss", from, to)
		return
	}
	d := n.latency
	if n.delay != nil {
		d += n.delay(from, to)
	}
	data := append([]byte(nil), b...)
	n.exec.PostDelayed(n, d, func() { n.deliver(data, from, to) })
}

func (n *Net) deliver(b []byte, from, to candidate.Addr) {
	if t := n.natByPublic(to.IP); t != nil {
		inside, ok := t.inbound(from, to)
		if !ok {
			n.drop("filtered by nat", from, to)
			return
		}
		to = inside
	}
	c, ok := n.conns[to.String()]
	if !ok || c.handler == nil {
		n.drop("no listener", from, to)
		return
	}
	n.delivered.Inc()
	c.handler(b, from, n.exec.Now())
}

// Close cancels all in-flight datagrams.
func (n *Net) Close() { n.exec.Cancel(n) }

type binding struct {
	inside candidate.Addr
	remote candidate.Addr
}

type symmetricNAT struct {
	inside   net.IP
	public   net.IP
	nextPort int
	out      map[string]candidate.Addr
	in       map[string]binding
}

func (t *symmetricNAT) outbound(from, to candidate.Addr) candidate.Addr {
	key := from.String() + "|" + to.String()
	if a, ok := t.out[key]; ok {
		return a
	}
	a := candidate.Addr{IP: t.public, Port: t.nextPort}
	t.nextPort++
	t.out[key] = a
	t.in[a.String()] = binding{inside: from, remote: to}
	return a
}

func (t *symmetricNAT) inbound(from, to candidate.Addr) (candidate.Addr, bool) {
	b, ok := t.in[to.String()]
	if !ok || !b.remote.Equal(from) {
		return candidate.Addr{}, false
	}
	return b.inside, true
}

// Conn is virtual datagram socket.
type Conn struct {
	n       *Net
	addr    candidate.Addr
	handler Handler
	closed  bool
}

// SetHandler sets function that receives datagrams.
func (c *Conn) SetHandler(h Handler) { c.handler = h }

// WriteTo sends datagram to addr.
func (c *Conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	to, err := candidate.FromNetAddr(addr)
	if err != nil {
		return 0, err
	}
	if ip4 := to.IP.To4(); ip4 != nil {
		to.IP = ip4
	}
	c.n.send(b, c.addr, to)
	return len(b), nil
}

// LocalAddr returns bound address.
func (c *Conn) LocalAddr() net.Addr { return c.addr.UDPAddr() }

// Close unbinds address.
func (c *Conn) Close() error {
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	c.handler = nil
	delete(c.n.conns, c.addr.String())
	return nil
}

func (c *Conn) String() string { return "vnet:" + c.addr.IP.String() + ":" + strconv.Itoa(c.addr.Port) }
