package candidate

import (
	"hash/crc32"
	"strconv"

	"github.com/gortc/ice"
)

// Type preferences, RFC 5245 Section 4.1.2.2.
const (
	PreferenceHost            = 126
	PreferencePeerReflexive   = 110
	PreferenceServerReflexive = 100
	PreferenceHostTCP         = 90
	PreferenceRelayUDP        = 2
	PreferenceRelayTCP        = 1
	PreferenceRelayTLS        = 0
)

// TypePreference returns type preference for candidate of type t.
//
// For relayed candidates proto is the protocol between agent and relay
// server, for other types it is the candidate protocol.
func TypePreference(t Type, proto Protocol) int {
	switch t {
	case Host:
		if proto != UDP {
			return PreferenceHostTCP
		}
		return PreferenceHost
	case PeerReflexive:
		return PreferencePeerReflexive
	case ServerReflexive:
		return PreferenceServerReflexive
	default:
		switch proto {
		case TCP:
			return PreferenceRelayTCP
		case SSLTCP:
			return PreferenceRelayTLS
		default:
			return PreferenceRelayUDP
		}
	}
}

// LocalPreference packs network adapter preference and address family
// precedence into 16-bit local preference.
func LocalPreference(adapterPreference, precedence int) int {
	return (adapterPreference&0xff)<<8 | precedence&0xff
}

// Priority computes candidate priority as in RFC 5245 Section 4.1.2.1.
func Priority(typePreference, localPreference, component int) uint32 {
	return uint32(ice.Priority(typePreference, localPreference, component))
}

// ComputePriority returns priority of c for provided type preference and
// local preference.
func (c Candidate) ComputePriority(typePreference, localPreference int) uint32 {
	return Priority(typePreference, localPreference, c.Component)
}

// PeerReflexivePriority returns the PRIORITY value that is sent in checks
// from candidate with priority p: same local preference and component,
// peer-reflexive type preference.
func PeerReflexivePriority(p uint32) uint32 {
	return PreferencePeerReflexive<<24 | p&0x00ffffff
}

// PairPriority computes pair priority as in RFC 5245 Section 5.7.2.
func PairPriority(controlling, controlled uint32) uint64 {
	return uint64(ice.PairPriority(int(controlling), int(controlled)))
}

// Foundation returns foundation for candidate with provided type, protocol,
// relay protocol and base address. Candidates with same type, base IP,
// protocol and relay protocol share foundation.
func Foundation(t Type, proto, relayProto Protocol, base Addr) string {
	s := t.String() + base.IP.String() + proto.String() + relayProto.String()
	return strconv.FormatUint(uint64(crc32.ChecksumIEEE([]byte(s))), 10)
}

// PeerReflexiveFoundation returns foundation for peer-reflexive candidate
// with provided id.
func PeerReflexiveFoundation(id string) string {
	return strconv.FormatUint(uint64(crc32.ChecksumIEEE([]byte(id))), 10)
}
