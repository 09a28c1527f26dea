package allocator

import (
	"crypto/rand"
	"io"
	"math/big"
	"net"
	"strconv"

	"github.com/libp2p/go-reuseport"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gortc/iced/internal/port"
	"github.com/gortc/iced/internal/worker"
)

// SystemSockets binds sockets directly on system.
//
// When MinPort and MaxPort are set, port is selected from that range
// starting with random offset.
type SystemSockets struct {
	Log       *zap.Logger
	Exec      worker.Executor
	MinPort   int
	MaxPort   int
	ReusePort bool
	Rand      io.Reader
}

// ListenUDP implements SocketFactory.
func (s *SystemSockets) ListenUDP(n *port.Network, h PacketHandler) (port.Socket, error) {
	l := s.Log
	if l == nil {
		l = zap.NewNop()
	}
	conn, err := s.listen(l, n.IP)
	if err != nil {
		return nil, err
	}
	l.Debug("listening", zap.Stringer("addr", conn.LocalAddr()), zap.String("net", n.Name))
	go readLoop(l, s.Exec, conn, h)
	return conn, nil
}

func (s *SystemSockets) listen(l *zap.Logger, ip net.IP) (net.PacketConn, error) {
	network := udpNetwork(ip)
	if s.MinPort == 0 && s.MaxPort == 0 {
		return s.listenPacket(l, network, net.JoinHostPort(ip.String(), "0"))
	}
	if s.MinPort <= 0 || s.MinPort > s.MaxPort {
		return nil, errors.Errorf("bad port range %d-%d", s.MinPort, s.MaxPort)
	}
	count := s.MaxPort - s.MinPort + 1
	offset := s.randomOffset(count)
	var lastErr error
	for i := 0; i < count; i++ {
		p := s.MinPort + (offset+i)%count
		conn, err := s.listenPacket(l, network, net.JoinHostPort(ip.String(), strconv.Itoa(p)))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, errors.Wrap(lastErr, "no free ports in range")
}

func (s *SystemSockets) randomOffset(count int) int {
	r := s.Rand
	if r == nil {
		r = rand.Reader
	}
	n, err := rand.Int(r, big.NewInt(int64(count)))
	if err != nil {
		return 0
	}
	return int(n.Int64())
}

func (s *SystemSockets) listenPacket(l *zap.Logger, network, addr string) (net.PacketConn, error) {
	if s.ReusePort && reuseport.Available() {
		c, err := reuseport.ListenPacket(network, addr)
		if err == nil {
			return c, nil
		}
		// Sometimes reuseport.Available() is true, but listen fails for
		// subset of addresses.
		l.Warn("failed to use REUSEPORT, falling back to non-reuseport", zap.Error(err))
	}
	return net.ListenPacket(network, addr)
}
