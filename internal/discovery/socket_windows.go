//go:build windows

package discovery

import (
	"context"
	"net"
)

// listenUDP on Windows relies on net.ListenUDP's default broadcast
// permissions; SO_REUSEADDR has different (and messier) semantics on
// Windows so it is intentionally left at the OS default here rather than
// forced through syscall options, matching common Go networking practice
// of keeping Windows sockets on the platform default.
func listenUDP(_ context.Context, laddr string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp4", laddr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp4", addr)
}
