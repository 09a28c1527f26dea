// Package candidate implements ICE candidate value type.
package candidate

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Protocol is transport protocol of candidate.
type Protocol byte

// Supported protocols.
const (
	UDP Protocol = iota
	TCP
	SSLTCP
)

var protocolToStr = map[Protocol]string{
	UDP:    "udp",
	TCP:    "tcp",
	SSLTCP: "ssltcp",
}

func (p Protocol) String() string {
	if s, ok := protocolToStr[p]; ok {
		return s
	}
	return fmt.Sprintf("protocol(%d)", byte(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p Protocol) MarshalText() ([]byte, error) {
	if _, ok := protocolToStr[p]; !ok {
		return nil, errors.Errorf("unknown protocol %d", byte(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Protocol) UnmarshalText(text []byte) error {
	v := strings.ToLower(string(text))
	for k, s := range protocolToStr {
		if s == v {
			*p = k
			return nil
		}
	}
	return errors.Errorf("unknown protocol %q", text)
}

// Type is candidate type.
type Type byte

// Candidate types.
const (
	Host Type = iota
	ServerReflexive
	PeerReflexive
	Relay
)

var typeToStr = map[Type]string{
	Host:            "host",
	ServerReflexive: "srflx",
	PeerReflexive:   "prflx",
	Relay:           "relay",
}

func (t Type) String() string {
	if s, ok := typeToStr[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if _, ok := typeToStr[t]; !ok {
		return nil, errors.Errorf("unknown type %d", byte(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(text []byte) error {
	v := strings.ToLower(string(text))
	for k, s := range typeToStr {
		if s == v {
			*t = k
			return nil
		}
	}
	return errors.Errorf("unknown type %q", text)
}

// Candidate is a transport address that is a potential point of contact
// for receipt of data. Candidates are immutable once published, so
// methods that "change" a candidate return a modified copy.
type Candidate struct {
	ID          string   `json:"id"`
	Component   int      `json:"component"`
	Protocol    Protocol `json:"protocol"`
	Addr        Addr     `json:"address"`
	Priority    uint32   `json:"priority"`
	Type        Type     `json:"type"`
	Foundation  string   `json:"foundation"`
	Ufrag       string   `json:"ufrag,omitempty"`
	Pwd         string   `json:"pwd,omitempty"`
	Generation  uint32   `json:"generation"`
	NetworkName string   `json:"network_name,omitempty"`
	NetworkID   uint16   `json:"network_id,omitempty"`
	NetworkCost uint16   `json:"network_cost,omitempty"`
	Related     Addr     `json:"related_address"`
}

// NewID returns new random candidate id.
func NewID() string {
	return uuid.New().String()
}

// IsEquivalent reports whether c and o describe the same candidate,
// comparing everything except priority and network name.
func (c Candidate) IsEquivalent(o Candidate) bool {
	return c.ID == o.ID &&
		c.Component == o.Component &&
		c.Protocol == o.Protocol &&
		c.Addr.Equal(o.Addr) &&
		c.Ufrag == o.Ufrag &&
		c.Pwd == o.Pwd &&
		c.Type == o.Type &&
		c.Generation == o.Generation &&
		c.Foundation == o.Foundation &&
		c.Related.Equal(o.Related)
}

// SameTransport reports whether c and o have same component, protocol
// and address.
func (c Candidate) SameTransport(o Candidate) bool {
	return c.Component == o.Component && c.Protocol == o.Protocol && c.Addr.Equal(o.Addr)
}

// WithCredentials returns copy of c with provided ufrag and pwd.
func (c Candidate) WithCredentials(ufrag, pwd string) Candidate {
	c.Ufrag = ufrag
	c.Pwd = pwd
	return c
}

// WithGeneration returns copy of c with provided generation.
func (c Candidate) WithGeneration(g uint32) Candidate {
	c.Generation = g
	return c
}

func (c Candidate) String() string {
	s := fmt.Sprintf("Cand[%s:%d:%s:%s:%s:%d:%d:%s]",
		c.Foundation, c.Component, c.Protocol, c.Type, c.Addr, c.Priority,
		c.Generation, c.Ufrag,
	)
	if c.NetworkName != "" {
		s += "@" + c.NetworkName
	}
	return s
}
