package netif

import (
	"github.com/daemon-001/zipline/pkg/ports"
)

// Classified is one enumerated interface plus its derived classification.
type Classified struct {
	ports.NetInterface
	Class    ports.ConnectionType
	Virtual  bool
}

// Enumerate lists non-loopback interfaces from enum and attaches
// classification. Link-local-only adapters are included — essential to
// detect an Ethernet adapter carrying only APIPA addressing.
func Enumerate(enum ports.NetIfEnumerator, rules []ClassRule) ([]Classified, error) {
	ifaces, err := enum.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Classified, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.IsLoopback {
			continue
		}
		out = append(out, Classified{
			NetInterface: iface,
			Class:        Classify(iface.Name, rules),
			Virtual:      IsVirtual(iface.Name),
		})
	}
	return out, nil
}

// PrimaryCandidate is the chosen interface plus the IPv4 address to bind
// discovery sockets to.
type PrimaryCandidate struct {
	Interface Classified
	IPv4      string
}

// SelectPrimary runs the three-pass preference order:
//  1. physical ethernet with a non-link-local IPv4
//  2. physical ethernet with a link-local IPv4
//  3. any non-loopback, non-virtual IPv4
//
// Returns false if nothing qualifies (InterfaceUnavailable territory).
func SelectPrimary(candidates []Classified) (PrimaryCandidate, bool) {
	if c, ip, ok := firstMatch(candidates, func(c Classified) bool {
		return !c.Virtual && c.Class == ports.ConnEthernet
	}, func(ip string) bool { return !IsLinkLocal(ip) }); ok {
		return PrimaryCandidate{Interface: c, IPv4: ip}, true
	}
	if c, ip, ok := firstMatch(candidates, func(c Classified) bool {
		return !c.Virtual && c.Class == ports.ConnEthernet
	}, func(ip string) bool { return IsLinkLocal(ip) }); ok {
		return PrimaryCandidate{Interface: c, IPv4: ip}, true
	}
	if c, ip, ok := firstMatch(candidates, func(c Classified) bool {
		return !c.Virtual
	}, func(string) bool { return true }); ok {
		return PrimaryCandidate{Interface: c, IPv4: ip}, true
	}
	return PrimaryCandidate{}, false
}

func firstMatch(candidates []Classified, ifaceOK func(Classified) bool, addrOK func(string) bool) (Classified, string, bool) {
	for _, c := range candidates {
		if !ifaceOK(c) {
			continue
		}
		for _, ip := range c.IPv4 {
			if addrOK(ip) {
				return c, ip, true
			}
		}
	}
	return Classified{}, "", false
}

// ActivePhysical returns every non-virtual, non-loopback, up interface
// with at least one IPv4 address — the set the discovery engine opens one
// sending socket for.
func ActivePhysical(candidates []Classified) []Classified {
	out := make([]Classified, 0, len(candidates))
	for _, c := range candidates {
		if c.Virtual || !c.IsUp || len(c.IPv4) == 0 {
			continue
		}
		out = append(out, c)
	}
	return out
}
