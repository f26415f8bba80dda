//go:build !windows

package discovery

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenConfig sets SO_REUSEADDR (and SO_BROADCAST where the kernel
// requires it pre-bind) on every socket the discovery engine opens.
var listenConfig = net.ListenConfig{
	Control: func(_, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
				ctrlErr = e
				return
			}
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); e != nil {
				ctrlErr = e
				return
			}
		})
		if err != nil {
			return err
		}
		return ctrlErr
	},
}

// listenUDP binds a UDP socket with SO_REUSEADDR/SO_BROADCAST set.
func listenUDP(ctx context.Context, laddr string) (*net.UDPConn, error) {
	pc, err := listenConfig.ListenPacket(ctx, "udp4", laddr)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
