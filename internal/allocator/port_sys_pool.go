package allocator

import (
	"crypto/rand"
	"io"
	"math/big"
	mathRand "math/rand"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gortc/iced/internal/port"
	"github.com/gortc/iced/internal/worker"
)

// ErrOutOfCapacity means that every port of pool is in use.
var ErrOutOfCapacity = errors.New("out of capacity")

type pooledPort struct {
	port      int
	addr      *net.UDPAddr
	conn      *net.UDPConn
	allocated bool
}

// PooledSockets pre-allocates pool of ports in range [MinPort, MaxPort]
// for every network IP on first use and hands out random free ones.
type PooledSockets struct {
	Log     *zap.Logger
	Exec    worker.Executor
	MinPort int
	MaxPort int
	Rand    io.Reader

	mux   sync.Mutex
	pools map[string]*portPool
}

// ListenUDP implements SocketFactory.
func (s *PooledSockets) ListenUDP(n *port.Network, h PacketHandler) (port.Socket, error) {
	pool, err := s.pool(n.IP)
	if err != nil {
		return nil, err
	}
	c, err := pool.allocate()
	if err != nil {
		return nil, err
	}
	go readLoop(pool.log, s.Exec, c.PacketConn, h)
	return c, nil
}

func (s *PooledSockets) pool(ip net.IP) (*portPool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.pools == nil {
		s.pools = make(map[string]*portPool)
	}
	if p, ok := s.pools[ip.String()]; ok {
		return p, nil
	}
	l := s.Log
	if l == nil {
		l = zap.NewNop()
	}
	r := s.Rand
	if r == nil {
		r = rand.Reader
	}
	p := &portPool{
		log:     l.With(zap.Stringer("ip", ip)),
		network: udpNetwork(ip),
		ip:      ip,
		minPort: s.MinPort,
		maxPort: s.MaxPort,
		rand:    r,
	}
	if err := p.init(); err != nil {
		p.Close()
		return nil, err
	}
	s.pools[ip.String()] = p
	return p, nil
}

// Close de-allocates all pools.
func (s *PooledSockets) Close() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	for k, p := range s.pools {
		p.Close()
		delete(s.pools, k)
	}
	return nil
}

type portPool struct {
	log     *zap.Logger
	network string
	ip      net.IP
	minPort int
	maxPort int
	ports   []pooledPort
	free    []int
	mux     sync.Mutex
	rand    io.Reader
}

func (a *portPool) Close() {
	a.mux.Lock()
	for i := range a.ports {
		if err := a.ports[i].conn.Close(); err != nil {
			a.log.Warn("failed to close conn while shutdown", zap.Error(err))
		}
	}
	a.ports = a.ports[:0]
	a.mux.Unlock()
}

// pooledConn returns port to pool on Close.
type pooledConn struct {
	net.PacketConn
	pool *portPool
	port int
}

func (w *pooledConn) Close() error {
	return w.pool.dealloc(w.port)
}

func (a *portPool) randomFree() int {
	// Assuming a.mux is locked.
	max := big.NewInt(int64(len(a.free)))
	// Trying to get cryptographically random port.
	n, err := rand.Int(a.rand, max)
	if err == nil {
		return a.free[int(n.Int64())]
	}
	// Falling back to pseudo-random.
	return a.free[mathRand.Intn(len(a.free))]
}

func (a *portPool) allocate() (*pooledConn, error) {
	a.mux.Lock()
	defer a.mux.Unlock()
	a.free = a.free[:0]
	for i := range a.ports {
		if a.ports[i].allocated {
			continue
		}
		a.free = append(a.free, i)
	}
	if len(a.free) == 0 {
		return nil, ErrOutOfCapacity
	}
	i := a.randomFree()
	a.ports[i].allocated = true
	return &pooledConn{
		PacketConn: a.ports[i].conn,
		pool:       a,
		port:       a.ports[i].port,
	}, nil
}

// dealloc closes socket of port, stopping its reader, and binds new one
// for next allocation.
func (a *portPool) dealloc(port int) error {
	a.mux.Lock()
	defer a.mux.Unlock()
	for i := range a.ports {
		if a.ports[i].port != port {
			continue
		}
		p := a.ports[i]
		if !p.allocated {
			return errors.Errorf("port %d is not allocated", port)
		}
		if err := p.conn.Close(); err != nil {
			a.log.Warn("failed to close on dealloc", zap.Error(err))
		}
		newConn, err := net.ListenUDP(a.network, p.addr)
		if err != nil {
			a.log.Warn("failed to listen on dealloc", zap.Error(err))
			a.ports = append(a.ports[:i], a.ports[i+1:]...)
			return nil
		}
		a.ports[i].allocated = false
		a.ports[i].conn = newConn
		return nil
	}
	return errors.Errorf("port %d not found", port)
}

func (a *portPool) init() error {
	if a.minPort <= 0 || a.minPort > a.maxPort {
		return errors.Errorf("bad port range %d-%d", a.minPort, a.maxPort)
	}
	a.mux.Lock()
	defer a.mux.Unlock()
	for p := a.minPort; p <= a.maxPort; p++ {
		addr := &net.UDPAddr{
			IP:   a.ip,
			Port: p,
		}
		conn, err := net.ListenUDP(a.network, addr)
		if err != nil {
			a.log.Error("failed to pre-allocate", zap.Error(err))
			return err
		}
		a.ports = append(a.ports, pooledPort{
			port: p,
			addr: addr,
			conn: conn,
		})
	}
	a.log.Info("pre-allocated", zap.Int("pool", len(a.ports)))
	return nil
}
