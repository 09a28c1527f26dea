package allocator

import (
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gortc/iced/internal/candidate"
	"github.com/gortc/iced/internal/port"
	"github.com/gortc/iced/internal/vnet"
	"github.com/gortc/iced/internal/worker"
)

const maxDatagramSize = 2048

// VirtualSockets binds sockets on virtual network.
type VirtualSockets struct {
	Net *vnet.Net
	// Port to bind, zero selects ephemeral port.
	Port int
}

// ListenUDP implements SocketFactory.
func (s VirtualSockets) ListenUDP(n *port.Network, h PacketHandler) (port.Socket, error) {
	c, err := s.Net.Listen(n.IP, s.Port)
	if err != nil {
		return nil, err
	}
	c.SetHandler(vnet.Handler(h))
	return c, nil
}

func udpNetwork(ip net.IP) string {
	if ip.To4() != nil {
		return "udp4"
	}
	return "udp6"
}

// readLoop reads datagrams from conn and passes them to h as tasks
// of executor until conn is closed.
func readLoop(l *zap.Logger, exec worker.Executor, conn net.PacketConn, h PacketHandler) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if !isClosed(err) {
				l.Warn("read failed", zap.Error(err))
			}
			return
		}
		from, err := candidate.FromNetAddr(addr)
		if err != nil {
			l.Warn("bad source address", zap.Error(err))
			continue
		}
		if ip4 := from.IP.To4(); ip4 != nil {
			from.IP = ip4
		}
		data := append([]byte(nil), buf[:n]...)
		exec.Post(conn, func() {
			h(data, from, exec.Now())
		})
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
