package channel

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/gortc/ice"
	"github.com/gortc/stun"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gortc/iced/internal/allocator"
	"github.com/gortc/iced/internal/auth"
	"github.com/gortc/iced/internal/candidate"
	"github.com/gortc/iced/internal/port"
	"github.com/gortc/iced/internal/testutil"
	"github.com/gortc/iced/internal/vnet"
	"github.com/gortc/iced/internal/worker"
)

var testStart = time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	BaseObserver
	candidates []candidate.Candidate
	writable   []bool
	routes     []candidate.Candidate
	states     []State
	gathering  []GatheringState
	conflicts  int
	packets    [][]byte
}

func (r *recorder) OnCandidateGathered(ch *Channel, c candidate.Candidate) {
	r.candidates = append(r.candidates, c)
}
func (r *recorder) OnWritableStateChanged(ch *Channel, writable bool) {
	r.writable = append(r.writable, writable)
}
func (r *recorder) OnRouteChange(ch *Channel, remote candidate.Candidate) {
	r.routes = append(r.routes, remote)
}
func (r *recorder) OnStateChanged(ch *Channel, s State) { r.states = append(r.states, s) }
func (r *recorder) OnGatheringStateChanged(ch *Channel, s GatheringState) {
	r.gathering = append(r.gathering, s)
}
func (r *recorder) OnRoleConflict(ch *Channel) { r.conflicts++ }
func (r *recorder) OnReadPacket(ch *Channel, b []byte, at time.Time) {
	r.packets = append(r.packets, append([]byte(nil), b...))
}

type env struct {
	t    *testing.T
	exec *worker.Manual
	net  *vnet.Net
}

func newEnv(t *testing.T) *env { return newEnvLatency(t, 5*time.Millisecond) }

func newEnvLatency(t *testing.T, latency time.Duration) *env {
	exec := worker.NewManual(testStart)
	return &env{
		t:    t,
		exec: exec,
		net:  vnet.New(vnet.Options{Exec: exec, Latency: latency}),
	}
}

type peerConfig struct {
	IP         net.IP
	Port       int
	Creds      auth.Credentials
	Role       port.Role
	Tiebreaker uint64
	// Networks are added after eth0 with IP.
	Networks []port.Network
}

type peer struct {
	ch    *Channel
	rec   *recorder
	creds auth.Credentials
}

func (e *env) newPeer(name string, cfg peerConfig) *peer {
	t := e.t
	t.Helper()
	core, logs := observer.New(zap.ErrorLevel)
	log := zap.New(core)
	t.Cleanup(func() { testutil.EnsureNoErrors(t, logs) })
	a := allocator.NewBasic(allocator.Options{
		Log:  log,
		Exec: e.exec,
		Networks: append(allocator.StaticNetworks{
			{Name: "eth0", IP: cfg.IP.To4(), PrefixLen: 24, ID: 1},
		}, cfg.Networks...),
		Sockets: allocator.VirtualSockets{Net: e.net, Port: cfg.Port},
	})
	ch := New(Options{Log: log, Exec: e.exec, Allocator: a, Name: name})
	rec := &recorder{}
	ch.Subscribe(rec)
	if err := ch.SetIceCredentials(cfg.Creds.Ufrag, cfg.Creds.Pwd); err != nil {
		t.Fatal(err)
	}
	ch.SetIceRole(cfg.Role)
	if err := ch.SetIceTiebreaker(cfg.Tiebreaker); err != nil {
		t.Fatal(err)
	}
	return &peer{ch: ch, rec: rec, creds: cfg.Creds}
}

// signal passes credentials and gathered candidates of from to to.
func signal(t *testing.T, from, to *peer) {
	t.Helper()
	to.ch.SetRemoteIceCredentials(from.creds.Ufrag, from.creds.Pwd)
	for _, c := range from.rec.candidates {
		if c.Ufrag != from.creds.Ufrag {
			continue
		}
		if err := to.ch.AddRemoteCandidate(c); err != nil {
			t.Fatal(err)
		}
	}
}

func connect(t *testing.T, peers ...*peer) {
	t.Helper()
	for _, p := range peers {
		if err := p.ch.Connect(); err != nil {
			t.Fatal(err)
		}
	}
}

var (
	credsA = auth.Credentials{Ufrag: "abcdefgh", Pwd: "1234567890abcdefghijkl"}
	credsB = auth.Credentials{Ufrag: "ijklmnop", Pwd: "abcdefghijkl1234567890"}
)

func newPair(e *env) (a, b *peer) {
	a = e.newPeer("a", peerConfig{
		IP: net.IPv4(192, 0, 2, 1), Port: 5000, Creds: credsA,
		Role: port.RoleControlling, Tiebreaker: 0x20,
	})
	b = e.newPeer("b", peerConfig{
		IP: net.IPv4(192, 0, 2, 2), Port: 6000, Creds: credsB,
		Role: port.RoleControlled, Tiebreaker: 0x10,
	})
	return a, b
}

func writableCount(ch *Channel) int {
	n := 0
	for _, c := range ch.Connections() {
		if c.Writable() {
			n++
		}
	}
	return n
}

func checkInvariants(t *testing.T, ch *Channel) {
	t.Helper()
	if ch.Writable() && (ch.Selected() == nil || !ch.Selected().Writable()) {
		t.Error("writable channel without writable selected connection")
	}
	conns := ch.Connections()
	for i, c := range conns {
		if c.PingsSinceLastResponse() > stunMaxSends {
			t.Errorf("%s: %d pings without response", c, c.PingsSinceLastResponse())
		}
		if i > 0 && ch.compare(conns[i-1], c) < 0 {
			t.Errorf("%s sorted before better %s", conns[i-1], c)
		}
	}
}

// checkPruned fails if connection stays unpruned next to better or equal
// writable connection on same network.
func checkPruned(t *testing.T, ch *Channel) {
	t.Helper()
	conns := ch.Connections()
	for _, w := range conns {
		if !w.Writable() {
			continue
		}
		key := networkKey(w.Network())
		for _, c := range conns {
			if c == w || c.Pruned() || networkKey(c.Network()) != key || c == ch.bestOnNetwork(key) {
				continue
			}
			if compareCandidates(w, c) >= 0 {
				t.Errorf("%s is not pruned while %s is writable", c, w)
			}
		}
	}
}

// firstPing advances clock until channel pings any connection.
func firstPing(e *env, ch *Channel) *port.Connection {
	e.t.Helper()
	for i := 0; i < 1000; i++ {
		for _, c := range ch.Connections() {
			if !c.LastPingSent().IsZero() {
				return c
			}
		}
		e.exec.Advance(time.Millisecond)
	}
	e.t.Fatal("no ping sent")
	return nil
}

var (
	ipB0 = net.IPv4(192, 0, 2, 2).To4()
	ipB1 = net.IPv4(192, 0, 2, 12).To4()
)

// newMultihomedPair returns a with single network and b with eth0 and
// more expensive wlan0, so a has two connections on one network.
func newMultihomedPair(e *env) (a, b *peer) {
	a = e.newPeer("a", peerConfig{
		IP: net.IPv4(192, 0, 2, 1), Port: 5000, Creds: credsA,
		Role: port.RoleControlling, Tiebreaker: 0x20,
	})
	b = e.newPeer("b", peerConfig{
		IP: ipB0, Port: 6000, Creds: credsB,
		Role: port.RoleControlled, Tiebreaker: 0x10,
		Networks: []port.Network{
			{Name: "wlan0", IP: ipB1, PrefixLen: 24, ID: 2, Cost: allocator.CostLow},
		},
	})
	return a, b
}

const stunMaxSends = 9

func TestChannel_Connect(t *testing.T) {
	e := newEnv(t)
	a, b := newPair(e)
	connect(t, a, b)
	e.exec.Run()
	if a.ch.GatheringState() != GatheringComplete {
		t.Errorf("gathering: %s", a.ch.GatheringState())
	}
	if len(a.rec.candidates) != 1 || a.rec.candidates[0].Addr.String() != "192.0.2.1:5000" {
		t.Fatalf("unexpected candidates %v", a.rec.candidates)
	}
	signal(t, a, b)
	signal(t, b, a)
	e.exec.Advance(500 * time.Millisecond)
	for _, p := range []*peer{a, b} {
		if !p.ch.Writable() {
			t.Errorf("%s: not writable", p.ch.Name())
		}
		if n := writableCount(p.ch); n != 1 {
			t.Errorf("%s: %d writable connections", p.ch.Name(), n)
		}
		checkInvariants(t, p.ch)
	}
	if got := a.ch.Selected().Remote().Addr.String(); got != "192.0.2.2:6000" {
		t.Errorf("selected remote %s", got)
	}
	if got := b.ch.Selected().Remote().Addr.String(); got != "192.0.2.1:5000" {
		t.Errorf("selected remote %s", got)
	}
	if a.ch.State() != StateCompleted {
		t.Errorf("state: %s", a.ch.State())
	}
	if len(a.rec.writable) != 1 || !a.rec.writable[0] {
		t.Errorf("writable events: %v", a.rec.writable)
	}
	t.Run("Nomination", func(t *testing.T) {
		if !a.ch.Selected().UseCandidate() {
			t.Error("controlling side should nominate selected connection")
		}
		if !b.ch.Selected().Nominated() {
			t.Error("selected connection of controlled side is not nominated")
		}
		if len(b.rec.routes) == 0 {
			t.Fatal("no route change")
		}
		if got := b.rec.routes[len(b.rec.routes)-1].Addr.String(); got != "192.0.2.1:5000" {
			t.Errorf("route %s", got)
		}
	})
	t.Run("SendPacket", func(t *testing.T) {
		if _, err := a.ch.SendPacket([]byte("hello"), 1); errors.Cause(err) != ErrInvalidArgument {
			t.Errorf("unexpected error %v", err)
		}
		n, err := a.ch.SendPacket([]byte("hello"), 0)
		if err != nil {
			t.Fatal(err)
		}
		if n != 5 {
			t.Errorf("sent %d", n)
		}
		e.exec.Advance(10 * time.Millisecond)
		if len(b.rec.packets) != 1 || !bytes.Equal(b.rec.packets[0], []byte("hello")) {
			t.Errorf("unexpected packets %q", b.rec.packets)
		}
	})
	t.Run("Stats", func(t *testing.T) {
		stats := a.ch.Stats()
		if len(stats) != 1 {
			t.Fatalf("stats: %d", len(stats))
		}
		s := stats[0]
		if !s.Best || !s.Writable || s.SentPackets != 1 || s.SentBytes != 5 {
			t.Errorf("unexpected stats %+v", s)
		}
	})
	t.Run("KeepAlive", func(t *testing.T) {
		e.exec.Advance(5 * time.Second)
		for _, p := range []*peer{a, b} {
			if !p.ch.Writable() {
				t.Errorf("%s: lost writability", p.ch.Name())
			}
			sel := p.ch.Selected()
			if since := e.exec.Now().Sub(sel.LastPingSent()); since > MaxSelectedWritableDelay+StrongPingDelay {
				t.Errorf("%s: last ping %s ago", p.ch.Name(), since)
			}
			checkInvariants(t, p.ch)
		}
	})
	t.Run("Destroy", func(t *testing.T) {
		if err := a.ch.Destroy(); err != nil {
			t.Fatal(err)
		}
		if len(a.ch.Connections()) != 0 || len(a.ch.Ports()) != 0 {
			t.Error("connections or ports left")
		}
		if err := a.ch.Connect(); errors.Cause(err) != ErrDestroyed {
			t.Errorf("unexpected error %v", err)
		}
		if err := a.ch.AddRemoteCandidate(b.rec.candidates[0]); errors.Cause(err) != ErrDestroyed {
			t.Errorf("unexpected error %v", err)
		}
		if err := a.ch.Destroy(); err != nil {
			t.Error(err)
		}
	})
}

func TestChannel_PeerReflexive(t *testing.T) {
	e := newEnv(t)
	e.net.AddSymmetricNAT(net.IPv4(10, 0, 0, 1).To4(), net.IPv4(203, 0, 113, 1).To4(), 40000)
	a := e.newPeer("a", peerConfig{
		IP: net.IPv4(10, 0, 0, 1), Port: 7000, Creds: credsA,
		Role: port.RoleControlling, Tiebreaker: 0x20,
	})
	b := e.newPeer("b", peerConfig{
		IP: net.IPv4(192, 0, 2, 2), Port: 6000, Creds: credsB,
		Role: port.RoleControlled, Tiebreaker: 0x10,
	})
	connect(t, a, b)
	e.exec.Run()
	// Host candidate of a is not reachable, so b only gets credentials.
	b.ch.SetRemoteIceCredentials(credsA.Ufrag, credsA.Pwd)
	signal(t, b, a)
	e.exec.Advance(500 * time.Millisecond)

	conns := b.ch.Connections()
	if len(conns) != 1 {
		t.Fatalf("connections: %d", len(conns))
	}
	remote := conns[0].Remote()
	if remote.Type != candidate.PeerReflexive {
		t.Errorf("unexpected type %s", remote.Type)
	}
	if remote.Addr.String() != "203.0.113.1:40000" {
		t.Errorf("unexpected addr %s", remote.Addr)
	}
	if want := candidate.PeerReflexivePriority(a.rec.candidates[0].Priority); remote.Priority != want {
		t.Errorf("priority %d, want %d", remote.Priority, want)
	}
	if remote.Pwd != credsA.Pwd {
		t.Error("pwd of peer-reflexive candidate not set")
	}
	for _, c := range b.rec.candidates {
		if c.Type == candidate.PeerReflexive {
			t.Error("peer-reflexive candidate announced")
		}
	}
	if !a.ch.Writable() || !b.ch.Writable() {
		t.Errorf("writable: a=%v b=%v", a.ch.Writable(), b.ch.Writable())
	}
	checkInvariants(t, b.ch)
}

func TestChannel_RemoteMode(t *testing.T) {
	for _, tc := range []struct {
		name         string
		mode         RemoteMode
		useCandidate bool
	}{
		{"Full", RemoteFull, true},
		{"Lite", RemoteLite, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnvLatency(t, 100*time.Millisecond)
			a, b := newPair(e)
			a.ch.SetRemoteIceMode(tc.mode)
			connect(t, a, b)
			e.exec.Run()
			signal(t, a, b)
			signal(t, b, a)
			c := firstPing(e, a.ch)
			if c.Writable() {
				t.Fatal("writable before response")
			}
			if c.UseCandidate() != tc.useCandidate {
				t.Errorf("first check use-candidate %v, expected %v", c.UseCandidate(), tc.useCandidate)
			}
			e.exec.Advance(3 * time.Second)
			sel := a.ch.Selected()
			if sel == nil || !sel.Writable() {
				t.Fatal("no writable selected connection")
			}
			if !sel.UseCandidate() {
				t.Error("writable selected connection is not nominated")
			}
			if s := b.ch.Selected(); s == nil || !s.Nominated() {
				t.Error("controlled side has no nominated selected connection")
			}
			checkInvariants(t, a.ch)
			checkInvariants(t, b.ch)
		})
	}
}

func TestChannel_SwitchByRTT(t *testing.T) {
	for _, tc := range []struct {
		name     string
		delay    time.Duration // added one-way delay on selected path
		switched bool
	}{
		{"SmallImprovement", 2 * time.Millisecond, false},
		{"LargeImprovement", 10 * time.Millisecond, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			a := e.newPeer("a", peerConfig{
				IP: net.IPv4(192, 0, 2, 1), Port: 5000, Creds: credsA,
				Role: port.RoleControlling, Tiebreaker: 0x20,
				Networks: []port.Network{
					{Name: "eth1", IP: net.IPv4(192, 0, 2, 11).To4(), PrefixLen: 24, ID: 2},
				},
			})
			b := e.newPeer("b", peerConfig{
				IP: net.IPv4(192, 0, 2, 2), Port: 6000, Creds: credsB,
				Role: port.RoleControlled, Tiebreaker: 0x10,
			})
			connect(t, a, b)
			e.exec.Run()
			signal(t, a, b)
			signal(t, b, a)
			e.exec.Advance(5 * time.Second)
			conns := a.ch.Connections()
			if len(conns) != 2 {
				t.Fatalf("connections: %d", len(conns))
			}
			selected := a.ch.Selected()
			if selected == nil || !selected.Writable() {
				t.Fatal("no writable selected connection")
			}
			other := conns[0]
			if other == selected {
				other = conns[1]
			}
			if !other.Writable() || other.RTT() != selected.RTT() {
				t.Fatalf("other: writable %v, rtt %s and %s", other.Writable(), other.RTT(), selected.RTT())
			}
			routes := len(a.rec.routes)
			slow := selected.Local().Addr.IP
			e.net.SetDelay(func(from, to candidate.Addr) time.Duration {
				if from.IP.Equal(slow) || to.IP.Equal(slow) {
					return tc.delay
				}
				return 0
			})
			e.exec.Advance(30 * time.Second)
			if selected.RTT() <= other.RTT() {
				t.Fatalf("rtt %s, other %s", selected.RTT(), other.RTT())
			}
			if switched := a.ch.Selected() == other; switched != tc.switched {
				t.Errorf("switched %v, expected %v (rtt %s, other %s)",
					switched, tc.switched, selected.RTT(), other.RTT(),
				)
			}
			expectedRoutes := routes
			if tc.switched {
				expectedRoutes++
			}
			if len(a.rec.routes) != expectedRoutes {
				t.Errorf("route changes %d, expected %d", len(a.rec.routes)-routes, expectedRoutes-routes)
			}
			if !a.ch.Writable() {
				t.Error("not writable")
			}
			checkInvariants(t, a.ch)
		})
	}
}

func TestChannel_Prune(t *testing.T) {
	e := newEnv(t)
	a, b := newMultihomedPair(e)
	connect(t, a, b)
	e.exec.Run()
	if len(b.rec.candidates) != 2 {
		t.Fatalf("candidates of b: %d", len(b.rec.candidates))
	}
	signal(t, a, b)
	signal(t, b, a)
	e.exec.Advance(2 * time.Second)
	conns := a.ch.Connections()
	if len(conns) != 2 {
		t.Fatalf("connections: %d", len(conns))
	}
	sel := a.ch.Selected()
	if sel == nil || !sel.Remote().Addr.IP.Equal(ipB0) {
		t.Fatalf("selected %s", sel)
	}
	if sel.Pruned() {
		t.Error("selected connection pruned")
	}
	for _, c := range conns {
		if c != sel && !c.Pruned() {
			t.Errorf("%s not pruned", c)
		}
	}
	if a.ch.State() != StateCompleted {
		t.Errorf("state: %s", a.ch.State())
	}
	checkPruned(t, a.ch)
	checkInvariants(t, a.ch)
	// Pruned connection is not checked anymore.
	pings := make(map[*port.Connection]time.Time)
	for _, c := range conns {
		pings[c] = c.LastPingSent()
	}
	e.exec.Advance(5 * time.Second)
	for _, c := range conns {
		if c.Pruned() && !c.LastPingSent().Equal(pings[c]) {
			t.Errorf("pruned %s pinged", c)
		}
		if !c.Pruned() && c.LastPingSent().Equal(pings[c]) {
			t.Errorf("%s not pinged", c)
		}
	}
	for _, p := range []*peer{a, b} {
		if !p.ch.Writable() {
			t.Errorf("%s: not writable", p.ch.Name())
		}
		checkPruned(t, p.ch)
	}
}

func TestChannel_NominationTransfer(t *testing.T) {
	e := newEnv(t)
	a, b := newMultihomedPair(e)
	connect(t, a, b)
	e.exec.Run()
	// Better path of b is blocked first.
	e.net.SetLoss(func(from, to candidate.Addr) bool {
		return from.IP.Equal(ipB0) || to.IP.Equal(ipB0)
	})
	signal(t, a, b)
	signal(t, b, a)
	e.exec.Advance(2 * time.Second)
	sel := a.ch.Selected()
	if sel == nil || !sel.Writable() || !sel.Remote().Addr.IP.Equal(ipB1) {
		t.Fatalf("selected %s", sel)
	}
	if !sel.UseCandidate() {
		t.Error("only writable pair is not nominated")
	}
	if s := b.ch.Selected(); s == nil || !s.Nominated() || !s.Local().Addr.IP.Equal(ipB1) {
		t.Fatalf("selected by b %s", s)
	}
	routes := len(b.rec.routes)
	if routes == 0 {
		t.Fatal("no route change on b")
	}
	var better *port.Connection
	for _, c := range a.ch.Connections() {
		if c.Remote().Addr.IP.Equal(ipB0) {
			better = c
		}
	}
	if better == nil || better.Pruned() || better.Writable() {
		t.Fatalf("unexpected better connection %v", better)
	}
	if better.Priority() <= sel.Priority() {
		t.Fatal("blocked pair should have higher priority")
	}

	e.net.SetLoss(nil)
	e.exec.Advance(3 * time.Second)
	if a.ch.Selected() != better || !better.Writable() {
		t.Fatalf("selected %s", a.ch.Selected())
	}
	if !better.UseCandidate() {
		t.Error("use-candidate not transferred to higher priority pair")
	}
	if !sel.Pruned() {
		t.Error("previous pair not pruned")
	}
	s := b.ch.Selected()
	if s == nil || !s.Nominated() || !s.Local().Addr.IP.Equal(ipB0) {
		t.Fatalf("selected by b %s", s)
	}
	if len(b.rec.routes) <= routes {
		t.Error("no route change on b")
	}
	for _, p := range []*peer{a, b} {
		if !p.ch.Writable() {
			t.Errorf("%s: not writable", p.ch.Name())
		}
		checkInvariants(t, p.ch)
		checkPruned(t, p.ch)
	}
}

func TestChannel_RoleConflict(t *testing.T) {
	e := newEnv(t)
	a := e.newPeer("a", peerConfig{
		IP: net.IPv4(192, 0, 2, 1), Port: 5000, Creds: credsA,
		Role: port.RoleControlling, Tiebreaker: 0x20,
	})
	b := e.newPeer("b", peerConfig{
		IP: net.IPv4(192, 0, 2, 2), Port: 6000, Creds: credsB,
		Role: port.RoleControlling, Tiebreaker: 0x10,
	})
	connect(t, a, b)
	e.exec.Run()
	signal(t, a, b)
	signal(t, b, a)
	e.exec.Advance(500 * time.Millisecond)
	if a.ch.Role() != port.RoleControlling || a.rec.conflicts != 0 {
		t.Errorf("a: role %s, conflicts %d", a.ch.Role(), a.rec.conflicts)
	}
	if b.ch.Role() != port.RoleControlled || b.rec.conflicts != 1 {
		t.Errorf("b: role %s, conflicts %d", b.ch.Role(), b.rec.conflicts)
	}
	for _, p := range b.ch.Ports() {
		if p.Role() != port.RoleControlled {
			t.Errorf("port %s has role %s", p.Network(), p.Role())
		}
	}
	if !a.ch.Writable() || !b.ch.Writable() {
		t.Errorf("writable: a=%v b=%v", a.ch.Writable(), b.ch.Writable())
	}
}

func TestChannel_BadIntegrity(t *testing.T) {
	e := newEnv(t)
	_, b := newPair(e)
	connect(t, b)
	e.exec.Run()
	b.ch.SetRemoteIceCredentials(credsA.Ufrag, credsA.Pwd)
	attacker, err := e.net.Listen(net.IPv4(203, 0, 113, 5), 5555)
	if err != nil {
		t.Fatal(err)
	}
	m := stun.MustBuild(stun.TransactionID, stun.BindingRequest,
		stun.NewUsername(credsB.Ufrag+":"+credsA.Ufrag),
		ice.PriorityAttr(1000),
		ice.AttrControlling(1),
		stun.NewShortTermIntegrity("wrongpasswordwrongpassword"),
		stun.Fingerprint,
	)
	if _, err := attacker.WriteTo(m.Raw, b.rec.candidates[0].Addr.UDPAddr()); err != nil {
		t.Fatal(err)
	}
	e.exec.Advance(100 * time.Millisecond)
	if len(b.ch.Connections()) != 0 {
		t.Error("connection created for unauthenticated request")
	}
	if len(b.rec.routes) != 0 || len(b.rec.states) != 0 || len(b.rec.writable) != 0 {
		t.Error("unexpected events")
	}
}

func TestChannel_Regather(t *testing.T) {
	e := newEnv(t)
	a := e.newPeer("a", peerConfig{
		IP: net.IPv4(192, 0, 2, 1), Creds: credsA,
		Role: port.RoleControlling, Tiebreaker: 0x20,
	})
	connect(t, a)
	e.exec.Run()
	a.ch.SetRemoteIceCredentials(credsB.Ufrag, credsB.Pwd)
	if err := a.ch.AddRemoteCandidate(candidate.Candidate{
		Component: 1,
		Type:      candidate.Host,
		Addr:      candidate.MustParseAddr("192.0.2.99:9000"),
		Priority:  candidate.Priority(candidate.PreferenceHost, 0xffff, 1),
		Ufrag:     credsB.Ufrag,
	}); err != nil {
		t.Fatal(err)
	}
	e.exec.Advance(20 * time.Second)
	sessions := a.ch.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("sessions: %d", len(sessions))
	}
	if g := sessions[1].Generation(); g != sessions[0].Generation()+1 {
		t.Errorf("generation %d", g)
	}
	if a.ch.Writable() || len(a.rec.writable) != 0 {
		t.Error("should never be writable")
	}
	failed := false
	for _, s := range a.rec.states {
		if s == StateFailed {
			failed = true
		}
	}
	if !failed {
		t.Errorf("no failed state in %v", a.rec.states)
	}
	if len(a.ch.Ports()) != 2 {
		t.Errorf("ports: %d", len(a.ch.Ports()))
	}
	for _, c := range a.ch.Connections() {
		if c.PingsSinceLastResponse() > stunMaxSends {
			t.Errorf("%s: %d pings", c, c.PingsSinceLastResponse())
		}
	}
}

func TestChannel_Restart(t *testing.T) {
	e := newEnv(t)
	a := e.newPeer("a", peerConfig{
		IP: net.IPv4(192, 0, 2, 1), Creds: credsA,
		Role: port.RoleControlling, Tiebreaker: 0x20,
	})
	b := e.newPeer("b", peerConfig{
		IP: net.IPv4(192, 0, 2, 2), Creds: credsB,
		Role: port.RoleControlled, Tiebreaker: 0x10,
	})
	connect(t, a, b)
	e.exec.Run()
	signal(t, a, b)
	signal(t, b, a)
	e.exec.Advance(500 * time.Millisecond)
	if !a.ch.Writable() {
		t.Fatal("not writable")
	}
	restarted := auth.Credentials{Ufrag: "qrstuvwx", Pwd: "zyxwvutsrqponmlkjihgfe"}
	if err := a.ch.SetIceCredentials(restarted.Ufrag, restarted.Pwd); err != nil {
		t.Fatal(err)
	}
	a.creds = restarted
	a.ch.MaybeStartGathering()
	e.exec.Run()
	if len(a.ch.Sessions()) != 2 {
		t.Fatalf("sessions: %d", len(a.ch.Sessions()))
	}
	if !a.ch.Writable() {
		t.Error("restart interrupted old generation")
	}
	if _, err := a.ch.SendPacket([]byte("old"), 0); err != nil {
		t.Error(err)
	}
	signal(t, a, b)
	e.exec.Advance(500 * time.Millisecond)
	if !a.ch.Writable() || !b.ch.Writable() {
		t.Fatalf("writable: a=%v b=%v", a.ch.Writable(), b.ch.Writable())
	}
	if g := a.ch.Selected().Port().Generation(); g != 1 {
		t.Errorf("selected connection generation %d", g)
	}
	if len(b.rec.packets) != 1 || !bytes.Equal(b.rec.packets[0], []byte("old")) {
		t.Error("packet sent during restart lost")
	}
	checkInvariants(t, a.ch)
	checkInvariants(t, b.ch)
}

func TestChannel_AddRemoteCandidate(t *testing.T) {
	e := newEnv(t)
	a, _ := newPair(e)
	connect(t, a)
	e.exec.Run()
	a.ch.SetRemoteIceCredentials(credsB.Ufrag, credsB.Pwd)
	c := candidate.Candidate{
		Component: 1,
		Type:      candidate.Host,
		Addr:      candidate.MustParseAddr("192.0.2.2:6000"),
		Priority:  candidate.Priority(candidate.PreferenceHost, 0xffff, 1),
		Ufrag:     credsB.Ufrag,
	}
	t.Run("Duplicate", func(t *testing.T) {
		if err := a.ch.AddRemoteCandidate(c); err != nil {
			t.Fatal(err)
		}
		e.exec.Run()
		before := a.ch.Stats()
		if err := a.ch.AddRemoteCandidate(c); err != nil {
			t.Fatal(err)
		}
		e.exec.Run()
		after := a.ch.Stats()
		if len(before) != 1 || len(after) != 1 {
			t.Fatalf("connections: %d, %d", len(before), len(after))
		}
		if before[0].ID != after[0].ID {
			t.Error("connection replaced")
		}
		if len(a.ch.RemoteCandidates()) != 1 {
			t.Errorf("remembered: %d", len(a.ch.RemoteCandidates()))
		}
		if a.ch.RemoteCandidates()[0].Pwd != credsB.Pwd {
			t.Error("pwd not filled from credentials")
		}
	})
	t.Run("Rejected", func(t *testing.T) {
		bad := c
		bad.Addr = candidate.MustParseAddr("192.0.2.2:22")
		if err := a.ch.AddRemoteCandidate(bad); errors.Cause(err) != candidate.ErrRejected {
			t.Errorf("unexpected error %v", err)
		}
		bad = c
		bad.Component = 2
		if err := a.ch.AddRemoteCandidate(bad); errors.Cause(err) != ErrInvalidArgument {
			t.Errorf("unexpected error %v", err)
		}
	})
	t.Run("OldGeneration", func(t *testing.T) {
		a.ch.SetRemoteIceCredentials("newufrag", "newpasswordnewpassword")
		if err := a.ch.AddRemoteCandidate(c); err != nil {
			t.Fatal(err)
		}
		if len(a.ch.RemoteCandidates()) != 1 {
			t.Errorf("remembered: %d", len(a.ch.RemoteCandidates()))
		}
		next := c
		next.Ufrag = "newufrag"
		next.Addr = candidate.MustParseAddr("192.0.2.2:6001")
		if err := a.ch.AddRemoteCandidate(next); err != nil {
			t.Fatal(err)
		}
		remembered := a.ch.RemoteCandidates()
		if len(remembered) != 1 || remembered[0].Generation != 1 {
			t.Errorf("unexpected remembered %v", remembered)
		}
	})
	t.Run("Remove", func(t *testing.T) {
		a.ch.RemoveRemoteCandidate(candidate.Candidate{
			Component: 1,
			Addr:      candidate.MustParseAddr("192.0.2.2:6001"),
		})
		if len(a.ch.RemoteCandidates()) != 0 {
			t.Error("not removed")
		}
	})
}

func TestChannel_Options(t *testing.T) {
	e := newEnv(t)
	a, _ := newPair(e)
	if err := a.ch.SetOption(port.OptDSCP, 100); errors.Cause(err) != ErrInvalidArgument {
		t.Errorf("unexpected error %v", err)
	}
	if err := a.ch.SetOption(port.OptDSCP, 46); err != nil {
		t.Error(err)
	}
	if _, err := a.ch.SendPacket([]byte("x"), 0); errors.Cause(err) != ErrWouldBlock {
		t.Errorf("unexpected error %v", err)
	}
	if err := a.ch.SetIceCredentials("a", "b"); errors.Cause(err) != ErrInvalidArgument {
		t.Errorf("unexpected error %v", err)
	}
	connect(t, a)
	e.exec.Run()
	if err := a.ch.SetIceTiebreaker(0x30); errors.Cause(err) != ErrInvalidArgument {
		t.Errorf("unexpected error %v", err)
	}
	for _, p := range a.ch.Ports() {
		if v, ok := p.(*port.UDPPort).Option(port.OptDSCP); !ok || v != 46 {
			t.Errorf("option not applied: %d %v", v, ok)
		}
		if p.Tiebreaker() != 0x20 || p.Role() != port.RoleControlling {
			t.Error("port parameters not applied")
		}
	}
}

func TestParseRemoteMode(t *testing.T) {
	for _, tc := range []struct {
		in   string
		mode RemoteMode
		ok   bool
	}{
		{"full", RemoteFull, true},
		{"", RemoteFull, true},
		{"lite", RemoteLite, true},
		{"half", RemoteFull, false},
	} {
		t.Run(tc.in, func(t *testing.T) {
			m, err := ParseRemoteMode(tc.in)
			if (err == nil) != tc.ok {
				t.Fatalf("unexpected error %v", err)
			}
			if m != tc.mode {
				t.Errorf("%s != %s", m, tc.mode)
			}
		})
	}
}
