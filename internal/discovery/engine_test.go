package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daemon-001/zipline/internal/wire"
	"github.com/daemon-001/zipline/pkg/ports"
)

// loopbackEnumerator reports a single synthetic "physical" interface bound
// to loopback so the engine's broadcast/unicast sockets work inside a test
// sandbox without real NICs.
type loopbackEnumerator struct {
	name string
	ip   string
}

func (l loopbackEnumerator) Interfaces() ([]ports.NetInterface, error) {
	if l.ip == "" {
		return []ports.NetInterface{{Name: l.name, IsUp: true}}, nil
	}
	return []ports.NetInterface{
		{Name: l.name, IPv4: []string{l.ip}, IsUp: true},
	}, nil
}

func newTestEngine(t *testing.T, name, ip string, port int) *Engine {
	t.Helper()
	cfg := Config{
		Port:     port,
		Identity: Identity{Name: "node-" + name, Platform: "linux", System: "x86_64", Signature: "sig-" + name},
		Clock:    clock.NewMock(),
	}
	return New(cfg, loopbackEnumerator{name: "eth-" + name, ip: ip})
}

func TestStartFailsWithoutUsableInterface(t *testing.T) {
	cfg := Config{Port: 16442}
	e := New(cfg, loopbackEnumerator{name: "", ip: ""})
	err := e.Start(context.Background())
	require.Error(t, err)
	var iu *ports.InterfaceUnavailable
	assert.ErrorAs(t, err, &iu)
}

func TestStartAndStopLifecycle(t *testing.T) {
	e := newTestEngine(t, "a", "127.0.0.1", 16543)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := e.Start(ctx)
	require.NoError(t, err)

	assert.NotNil(t, e.Table())
	assert.Empty(t, e.Table().Snapshot())

	err = e.Stop()
	assert.NoError(t, err)
}

func TestHandleDatagramIgnoresOwnNonce(t *testing.T) {
	e := newTestEngine(t, "self", "127.0.0.1", 16544)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	time.Sleep(10 * time.Millisecond)
	before := len(e.Table().Snapshot())
	assert.Equal(t, 0, before)

	// A hello carrying this engine's own nonce from an address that is not
	// one of its own is dropped by the nonce check alone.
	e.handleDatagram(wire.Datagram{Type: wire.MsgHello, Name: "echo", Nonce: e.nonce}, &net.UDPAddr{IP: net.ParseIP("10.9.9.9"), Port: 16544})
	assert.Empty(t, e.Table().Snapshot())
}
