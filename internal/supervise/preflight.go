// Package supervise implements the startup preflight and lifecycle
// aggregation: binding the discovery/data-plane port before the engine
// commits to it, checking free space on a receiver's save location before
// an accept is sent, and an interface-change monitor that triggers a soft
// neighbour refresh.
package supervise

import (
	"fmt"
	"net"

	"github.com/daemon-001/zipline/pkg/ports"
)

// PortPreflight attempts to bind both the UDP discovery socket and the TCP
// data-plane listener on port before either the discovery engine or the
// data-plane listener starts for real. Doing the trial bind up front turns
// two independent failures deep in different goroutines into one named
// PortUnavailable the host can show before anything else spins up.
func PortPreflight(port int) error {
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return &ports.PortUnavailable{Port: port, ConflictingProcess: conflictingProcess(port), Err: err}
	}
	udpConn.Close()

	tcpLn, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return &ports.PortUnavailable{Port: port, ConflictingProcess: conflictingProcess(port), Err: err}
	}
	tcpLn.Close()
	return nil
}

// DiskSpacePreflight checks the free space at path against need, returning
// InsufficientSpace if the volume can't hold the incoming transfer. The
// receiver runs this before sending transfer_accept.
func DiskSpacePreflight(fs ports.Fs, path string, need int64) error {
	free, err := fs.FreeSpace(path)
	if err != nil {
		return err
	}
	if free < need {
		return &ports.InsufficientSpace{Need: need, Have: free, Path: path}
	}
	return nil
}
