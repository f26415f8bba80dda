package supervise

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daemon-001/zipline/pkg/ports"
)

// fsFreeSpaceOnly is a minimal ports.Fs whose only exercised method is
// FreeSpace, which is all DiskSpacePreflight calls.
type fsFreeSpaceOnly struct{ free int64 }

func (f fsFreeSpaceOnly) Open(string) (io.ReadCloser, error)   { return nil, nil }
func (f fsFreeSpaceOnly) Create(string) (io.WriteCloser, error) { return nil, nil }
func (f fsFreeSpaceOnly) Stat(string) (ports.FileInfo, error)   { return ports.FileInfo{}, nil }
func (f fsFreeSpaceOnly) Rename(string, string) error           { return nil }
func (f fsFreeSpaceOnly) Remove(string) error                   { return nil }
func (f fsFreeSpaceOnly) MkdirAll(string, uint32) error         { return nil }
func (f fsFreeSpaceOnly) WalkDir(string, ports.WalkFunc) error  { return nil }
func (f fsFreeSpaceOnly) FreeSpace(string) (int64, error)       { return f.free, nil }

func TestDiskSpacePreflightFailsWhenNotEnoughFree(t *testing.T) {
	fs := fsFreeSpaceOnly{free: 100}
	err := DiskSpacePreflight(fs, "/dest", 200)
	require.Error(t, err)
	var insufficient *ports.InsufficientSpace
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(200), insufficient.Need)
	assert.Equal(t, int64(100), insufficient.Have)
}

func TestDiskSpacePreflightPassesWhenEnoughFree(t *testing.T) {
	fs := fsFreeSpaceOnly{free: 1 << 30}
	assert.NoError(t, DiskSpacePreflight(fs, "/dest", 100))
}

func TestPortPreflightDetectsCollision(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	err = PortPreflight(port)
	require.Error(t, err)
	var unavailable *ports.PortUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, port, unavailable.Port)
}

// fakeEngine/fakeListener/fakeWatcher let the Supervisor lifecycle tests
// run without any real sockets.
type fakeEngine struct {
	startErr  error
	stopErr   error
	refreshed int
}

func (e *fakeEngine) Start(context.Context) error { return e.startErr }
func (e *fakeEngine) Stop() error                 { return e.stopErr }
func (e *fakeEngine) RefreshNeighbours(context.Context) { e.refreshed++ }

type fakeListener struct {
	port    int
	startErr error
	stopErr  error
}

func (l *fakeListener) Start(context.Context, int) (int, error) { return l.port, l.startErr }
func (l *fakeListener) Stop() error                              { return l.stopErr }

type fakeWatcher struct {
	changes chan struct{}
}

func (w *fakeWatcher) Changes() <-chan struct{} { return w.changes }

func TestSupervisorStartAndShutdownAggregatesErrors(t *testing.T) {
	engine := &fakeEngine{stopErr: errors.New("engine close failed")}
	listener := &fakeListener{port: 6442, stopErr: errors.New("listener close failed")}
	watcher := &fakeWatcher{changes: make(chan struct{}, 1)}

	// Use an ephemeral free port for the preflight bind check.
	probe, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	freePort := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	sup := New(freePort, engine, listener, watcher, nil)
	gotPort, err := sup.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6442, gotPort)

	watcher.changes <- struct{}{}

	err = sup.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine close failed")
	assert.Contains(t, err.Error(), "listener close failed")
}

func TestSupervisorPropagatesPortPreflightFailure(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	sup := New(port, &fakeEngine{}, &fakeListener{}, nil, nil)
	_, err = sup.Start(context.Background())
	require.Error(t, err)
	var unavailable *ports.PortUnavailable
	require.ErrorAs(t, err, &unavailable)
}
