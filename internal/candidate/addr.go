package candidate

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Addr is IP address and port pair.
type Addr struct {
	IP   net.IP
	Port int
}

// Equal returns true if b equals to a.
func (a Addr) Equal(b Addr) bool {
	if a.Port != b.Port {
		return false
	}
	return a.IP.Equal(b.IP)
}

// IsZero reports whether address is not set.
func (a Addr) IsZero() bool {
	return len(a.IP) == 0 && a.Port == 0
}

func (a Addr) String() string {
	if len(a.IP) == 0 {
		return ":" + strconv.Itoa(a.Port)
	}
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// UDPAddr returns a as *net.UDPAddr.
func (a Addr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: a.Port}
}

// FromNetAddr returns Addr for UDP or TCP address.
func FromNetAddr(n net.Addr) (Addr, error) {
	switch a := n.(type) {
	case *net.UDPAddr:
		return Addr{IP: a.IP, Port: a.Port}, nil
	case *net.TCPAddr:
		return Addr{IP: a.IP, Port: a.Port}, nil
	default:
		return ParseAddr(n.String())
	}
}

// ParseAddr parses "host:port" string with literal IP.
func ParseAddr(s string) (Addr, error) {
	host, rawPort, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, errors.Wrap(err, "failed to split host and port")
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Addr{}, errors.Errorf("bad ip %q", host)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return Addr{}, errors.Wrap(err, "failed to parse port")
	}
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	return Addr{IP: ip, Port: port}, nil
}

// MustParseAddr is like ParseAddr but panics on error.
func MustParseAddr(s string) Addr {
	a, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

// MarshalText implements encoding.TextMarshaler.
func (a Addr) MarshalText() ([]byte, error) {
	if a.IsZero() {
		return []byte{}, nil
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Addr) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*a = Addr{}
		return nil
	}
	parsed, err := ParseAddr(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
