package netif

import (
	"net"

	"github.com/daemon-001/zipline/pkg/ports"
)

// SystemEnumerator is the reference ports.NetIfEnumerator implementation,
// backed by the standard library's net.Interfaces.
type SystemEnumerator struct{}

// Interfaces implements ports.NetIfEnumerator.
func (SystemEnumerator) Interfaces() ([]ports.NetInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]ports.NetInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		ni := ports.NetInterface{
			Name:       iface.Name,
			IsUp:       iface.Flags&net.FlagUp != 0,
			IsLoopback: iface.Flags&net.FlagLoopback != 0,
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if v4 := ipNet.IP.To4(); v4 != nil {
				ni.IPv4 = append(ni.IPv4, v4.String())
			} else {
				ni.IPv6 = append(ni.IPv6, ipNet.IP.String())
			}
		}
		out = append(out, ni)
	}
	return out, nil
}
