// Package netif enumerates network interfaces, classifies them, and picks
// the primary one a discovery socket should bind to. The classification
// regex table is data, not branching logic, so it can be retuned per
// platform without touching code.
package netif

import (
	"regexp"
	"strings"

	"github.com/daemon-001/zipline/pkg/ports"
)

// ClassRule pairs a compiled name pattern with the ConnectionType it
// implies. Rules are evaluated in order; the first match wins.
type ClassRule struct {
	Pattern *regexp.Regexp
	Class   ports.ConnectionType
}

// DefaultClassRules is the out-of-the-box name-to-class table. Hosts that
// need platform-specific tuning can build their own []ClassRule and pass
// it to Classify instead.
var DefaultClassRules = []ClassRule{
	{regexp.MustCompile(`(?i)^(eth|en|eno|ens|enp)`), ports.ConnEthernet},
	{regexp.MustCompile(`(?i)^(wlan|wifi|wl|airport)`), ports.ConnWifi},
	{regexp.MustCompile(`(?i)(vpn|tun|tap|wg|wireguard|ppp)`), ports.ConnVPN},
	{regexp.MustCompile(`(?i)(bnep|bluetooth|bt-)`), ports.ConnBluetooth},
}

// Classify maps an interface name to a ConnectionType using rules, falling
// back to ConnOther when nothing matches.
func Classify(name string, rules []ClassRule) ports.ConnectionType {
	for _, r := range rules {
		if r.Pattern.MatchString(name) {
			return r.Class
		}
	}
	return ports.ConnOther
}

// virtualSubstrings identify hypervisor/container virtual adapters.
var virtualSubstrings = []string{
	"virtualbox", "vmware", "vmnet", "hyper-v", "docker", "veth", "virbr", "vbox",
}

// physicalControllerSubstrings identify real NIC vendor/controller families;
// when present, the adapter is treated as physical even if its name also
// contains one of virtualSubstrings.
var physicalControllerSubstrings = []string{
	"realtek", "intel", "broadcom", "qualcomm", "marvell", "atheros",
}

// IsVirtual applies the virtualbox/vmware/hyper-v/docker/veth substring
// heuristic; physical-controller tokens override a false-positive virtual
// match. Anything matching neither list defaults to non-virtual.
func IsVirtual(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range physicalControllerSubstrings {
		if strings.Contains(lower, s) {
			return false
		}
	}
	for _, s := range virtualSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// IsLinkLocal reports whether ip is in 169.254.0.0/16 — an Ethernet
// adapter carrying only APIPA addressing still counts as a usable primary
// candidate at a lower preference tier.
func IsLinkLocal(ip string) bool {
	return strings.HasPrefix(ip, "169.254.")
}
