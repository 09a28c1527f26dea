package allocator

import (
	"net"
	"strings"

	"github.com/gortc/ice/gather"

	"github.com/gortc/iced/internal/port"
)

// Network costs.
const (
	CostMin      uint16 = 0
	CostLow      uint16 = 10
	CostUnknown  uint16 = 50
	CostCellular uint16 = 900
	CostMax      uint16 = 999
)

// NetworkSource enumerates local networks.
type NetworkSource interface {
	Networks() ([]port.Network, error)
}

// StaticNetworks is fixed NetworkSource.
type StaticNetworks []port.Network

// Networks implements NetworkSource.
func (s StaticNetworks) Networks() ([]port.Network, error) {
	return append([]port.Network(nil), s...), nil
}

// DefaultCost guesses network cost by interface name.
func DefaultCost(name string) uint16 {
	switch {
	case name == "lo", strings.HasPrefix(name, "eth"), strings.HasPrefix(name, "en"):
		return CostMin
	case strings.HasPrefix(name, "wl"):
		return CostLow
	case strings.HasPrefix(name, "wwan"), strings.HasPrefix(name, "rmnet"), strings.HasPrefix(name, "ccmni"):
		return CostCellular
	default:
		return CostUnknown
	}
}

type ifaceAddr struct {
	name  string
	ipNet *net.IPNet
}

func systemInterfaces() ([]ifaceAddr, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var addrs []ifaceAddr
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		iAddrs, err := iface.Addrs()
		if err != nil {
			return nil, err
		}
		for _, a := range iAddrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addrs = append(addrs, ifaceAddr{name: iface.Name, ipNet: ipNet})
		}
	}
	return addrs, nil
}

// SystemNetworks gathers networks via gather.Gatherer, skipping loopback,
// link-local and (unless IPv6 is set) IPv6 addresses.
type SystemNetworks struct {
	Gatherer gather.Gatherer
	IPv6     bool
	Loopback bool
	// Ignore lists interface name prefixes that are skipped.
	Ignore []string
	// Cost overrides DefaultCost.
	Cost func(name string) uint16

	interfaces func() ([]ifaceAddr, error)
}

func (s SystemNetworks) ignored(name string) bool {
	for _, n := range s.Ignore {
		if strings.HasPrefix(name, n) {
			return true
		}
	}
	return false
}

// Networks implements NetworkSource.
func (s SystemNetworks) Networks() ([]port.Network, error) {
	g := s.Gatherer
	if g == nil {
		g = gather.DefaultGatherer
	}
	list := s.interfaces
	if list == nil {
		list = systemInterfaces
	}
	cost := s.Cost
	if cost == nil {
		cost = DefaultCost
	}
	addrs, err := g.Gather()
	if err != nil {
		return nil, err
	}
	ifaces, err := list()
	if err != nil {
		return nil, err
	}
	var networks []port.Network
	for _, a := range addrs {
		if a.IP.IsLinkLocalUnicast() || a.IP.IsLinkLocalMulticast() {
			continue
		}
		if a.IP.IsLoopback() && !s.Loopback {
			continue
		}
		ip := a.IP
		if ip4 := ip.To4(); ip4 != nil {
			ip = ip4
		} else if !s.IPv6 {
			continue
		}
		n := port.Network{
			Name:       "unknown",
			IP:         ip,
			Prefix:     ip,
			PrefixLen:  len(ip) * 8,
			Cost:       CostUnknown,
			Precedence: a.Precedence,
		}
		for _, i := range ifaces {
			if !i.ipNet.IP.Equal(ip) {
				continue
			}
			ones, _ := i.ipNet.Mask.Size()
			n.Name = i.name
			n.Prefix = i.ipNet.IP.Mask(i.ipNet.Mask)
			n.PrefixLen = ones
			n.Cost = cost(i.name)
			break
		}
		if s.ignored(n.Name) {
			continue
		}
		n.ID = uint16(len(networks) + 1)
		networks = append(networks, n)
	}
	return networks, nil
}
