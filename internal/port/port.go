// Package port implements ICE ports and candidate pair connections.
//
// Port is a local socket that produces candidates and creates Connections
// to remote candidates. Port and all its connections are confined to the
// executor passed in options.
package port

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gortc/stun"
	"github.com/pkg/errors"

	"github.com/gortc/iced/internal/candidate"
)

// Role is ICE agent role.
type Role byte

// Possible roles.
const (
	RoleUnknown Role = iota
	RoleControlling
	RoleControlled
)

var roleToStr = map[Role]string{
	RoleUnknown:     "unknown",
	RoleControlling: "controlling",
	RoleControlled:  "controlled",
}

func (r Role) String() string { return roleToStr[r] }

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// ParseRole parses "controlling" or "controlled".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "controlling":
		return RoleControlling, nil
	case "controlled":
		return RoleControlled, nil
	default:
		return RoleUnknown, errors.Errorf("unknown role %q", s)
	}
}

// Opposite returns other role.
func (r Role) Opposite() Role {
	switch r {
	case RoleControlling:
		return RoleControlled
	case RoleControlled:
		return RoleControlling
	default:
		return RoleUnknown
	}
}

// ICEProtocol selects format of connectivity checks.
type ICEProtocol byte

// Supported ICE protocols.
const (
	// RFC5245 is standard ICE: "remote:local" USERNAME and role
	// attributes in checks.
	RFC5245 ICEProtocol = iota
	// Legacy is non-standard ICE: USERNAME is concatenation of ufrags
	// and checks carry no role attributes.
	Legacy
)

func (p ICEProtocol) String() string {
	if p == Legacy {
		return "legacy"
	}
	return "rfc5245"
}

// ParseICEProtocol parses "rfc5245" or "legacy". Blank value is RFC5245.
func ParseICEProtocol(s string) (ICEProtocol, error) {
	switch strings.ToLower(s) {
	case "rfc5245", "":
		return RFC5245, nil
	case "legacy", "google":
		return Legacy, nil
	default:
		return RFC5245, errors.Errorf("unknown ice protocol %q", s)
	}
}

// Origin of connection creation request.
type Origin byte

// Possible origins.
const (
	OriginThisPort Origin = iota
	OriginOtherPort
	OriginMessage
)

// Option is socket option.
type Option byte

// Supported options.
const (
	OptRcvBuf Option = iota
	OptSndBuf
	OptDSCP
)

var optionToStr = map[Option]string{
	OptRcvBuf: "rcvbuf",
	OptSndBuf: "sndbuf",
	OptDSCP:   "dscp",
}

func (o Option) String() string {
	if s, ok := optionToStr[o]; ok {
		return s
	}
	return "option(" + strconv.Itoa(int(o)) + ")"
}

// ValidateOption checks option value range.
func ValidateOption(opt Option, value int) error {
	switch opt {
	case OptRcvBuf, OptSndBuf:
		if value <= 0 {
			return errors.Wrapf(ErrInvalidOption, "%s=%d", opt, value)
		}
	case OptDSCP:
		if value < 0 || value > 63 {
			return errors.Wrapf(ErrInvalidOption, "%s=%d", opt, value)
		}
	default:
		return errors.Wrap(ErrInvalidOption, opt.String())
	}
	return nil
}

// ParseOption parses option name.
func ParseOption(s string) (Option, error) {
	for k, v := range optionToStr {
		if v == s {
			return k, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidOption, "unknown option %q", s)
}

// Errors.
var (
	// ErrNotWritable means that connection was never writable.
	ErrNotWritable = errors.New("connection is not writable")
	// ErrInvalidOption means that option is unknown or value is bad.
	ErrInvalidOption = errors.New("invalid option")
	// ErrTransport is cause of all socket errors.
	ErrTransport = errors.New("transport error")
	// ErrProtocol is cause of all malformed or unauthenticated STUN
	// message errors.
	ErrProtocol = errors.New("stun protocol error")
	// ErrDestroyed means that port is destroyed.
	ErrDestroyed = errors.New("port destroyed")
)

// Network is local network interface with scoring metadata.
type Network struct {
	Name      string
	IP        net.IP
	Prefix    net.IP
	PrefixLen int
	ID        uint16
	Cost      uint16
	// Preference is network adapter preference, 0-255.
	Preference int
	// Precedence is RFC 6724 address precedence.
	Precedence int
}

// LocalPreference returns candidate local preference for network.
func (n *Network) LocalPreference() int {
	return candidate.LocalPreference(n.Preference, n.Precedence)
}

func (n *Network) String() string {
	return fmt.Sprintf("Net[%s:%s/%d:%d]", n.Name, n.Prefix, n.PrefixLen, n.Cost)
}

// Socket is datagram socket used by port. Received packets are delivered
// by socket owner via UDPPort.HandlePacket on port executor.
type Socket interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
	LocalAddr() net.Addr
	Close() error
}

// Port is local transport address that produces candidates and
// connections.
type Port interface {
	Candidates() []candidate.Candidate
	Network() *Network
	Component() int
	Generation() uint32
	Ufrag() string
	Pwd() string
	Role() Role
	SetRole(r Role)
	Tiebreaker() uint64
	SetTiebreaker(v uint64)
	SetICEProtocol(p ICEProtocol)
	SupportsProtocol(p candidate.Protocol) bool
	// CreateConnection returns new connection to remote or nil if remote
	// is not compatible with port.
	CreateConnection(remote candidate.Candidate, origin Origin) *Connection
	Connection(addr candidate.Addr) *Connection
	Connections() []*Connection
	SendBindingResponse(req *stun.Message, to candidate.Addr) error
	SendBindingErrorResponse(req *stun.Message, to candidate.Addr, code stun.ErrorCode, reason string) error
	SetOption(opt Option, value int) error
	// Subscribe registers observer and returns function that
	// deregisters it.
	Subscribe(o Observer) (unsubscribe func())
	Destroy()
	Destroyed() bool
}

// UnknownAddress is authenticated binding request from address with no
// connection.
type UnknownAddress struct {
	Addr        candidate.Addr
	Protocol    candidate.Protocol
	Message     *stun.Message
	RemoteUfrag string
	Muxed       bool
}

// Observer is notified about port events.
type Observer interface {
	OnCandidateReady(p Port, c candidate.Candidate)
	OnPortComplete(p Port)
	OnPortError(p Port, err error)
	OnUnknownAddress(p Port, e UnknownAddress)
	OnRoleConflict(p Port)
	OnPortDestroyed(p Port)
}

// Metrics is port-level metrics sink.
type Metrics interface {
	IncProtocolErrors()
	IncBindingRequests()
}

type noopMetrics struct{}

func (noopMetrics) IncProtocolErrors()  {}
func (noopMetrics) IncBindingRequests() {}
