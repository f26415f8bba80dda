package engine

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daemon-001/zipline/internal/dataplane"
	"github.com/daemon-001/zipline/internal/fsys"
	"github.com/daemon-001/zipline/internal/settingsstore"
	"github.com/daemon-001/zipline/pkg/ports"
)

// loopbackEnumerator reports one synthetic interface bound to loopback, so
// discovery and the data-plane listener can bind real sockets inside a
// test sandbox without a real NIC.
type loopbackEnumerator struct{}

func (loopbackEnumerator) Interfaces() ([]ports.NetInterface, error) {
	return []ports.NetInterface{{Name: "eth-test", IPv4: []string{"127.0.0.1"}, IsUp: true}}, nil
}

type fakeHostInfo struct{ hostname string }

func (f fakeHostInfo) Hostname() (string, error) { return f.hostname, nil }
func (f fakeHostInfo) Username() (string, error) { return "tester", nil }
func (f fakeHostInfo) Platform() string          { return "linux" }

// smallFreeFs wraps an in-memory Fs but reports a fixed, small amount of
// free space, so the disk-space preflight can be exercised deterministically.
type smallFreeFs struct {
	*fsys.Fs
	free int64
}

func (f smallFreeFs) FreeSpace(string) (int64, error) { return f.free, nil }

type recordingUI struct {
	mu        sync.Mutex
	requested []ports.TransferRequest
	started   []ports.TransferSession
}

func (r *recordingUI) PeerFound(ports.Peer) {}
func (r *recordingUI) PeerLost(ports.Peer)  {}
func (r *recordingUI) TransferRequested(req ports.TransferRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requested = append(r.requested, req)
}
func (r *recordingUI) SessionStarted(s ports.TransferSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, s)
}
func (r *recordingUI) SessionProgress(ports.TransferSession)      {}
func (r *recordingUI) SessionCompleted(ports.TransferSession)     {}
func (r *recordingUI) SessionFailed(ports.TransferSession, error) {}

func newTestConfig(t *testing.T, fs ports.Fs, port int) Config {
	t.Helper()
	saveLocations, err := settingsstore.NewMemory(fs, "save_locations.json")
	require.NoError(t, err)
	return Config{
		Settings:      ports.Settings{ListenPort: port},
		HostInfo:      fakeHostInfo{hostname: "test-host"},
		Fs:            fs,
		Enumerator:    loopbackEnumerator{},
		SaveLocations: saveLocations,
		UI:            &recordingUI{},
		Clock:         clock.New(),
	}
}

func TestNewResolvesIdentityAndPersistsSignature(t *testing.T) {
	fs := fsys.NewMem()
	cfg := newTestConfig(t, fs, 17001)

	e, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "test-host", e.Identity().Name)
	assert.Equal(t, "linux", e.Identity().Platform)
	assert.NotEmpty(t, e.Identity().Signature)

	// A second Engine built against the same backing store reuses the
	// persisted signature instead of minting a new one.
	cfg2 := newTestConfig(t, fs, 17001)
	e2, err := New(cfg2)
	require.NoError(t, err)
	assert.Equal(t, e.Identity().Signature, e2.Identity().Signature)
}

func TestStartBindsPortAndSetsLocalIP(t *testing.T) {
	fs := fsys.NewMem()
	cfg := newTestConfig(t, fs, 17011)
	e, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port, err := e.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 17011, port)

	// SetLocalIP runs synchronously inside Start once the supervisor (and
	// therefore discovery) has bound its sockets.
	assert.Equal(t, "127.0.0.1", e.manager.LocalIP())

	require.NoError(t, e.Stop())
}

func TestStartFailsOnPortCollisionAndLeavesNothingRunning(t *testing.T) {
	fs := fsys.NewMem()
	blockerCfg := newTestConfig(t, fs, 17021)
	blocker, err := New(blockerCfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err = blocker.Start(ctx)
	require.NoError(t, err)
	defer blocker.Stop()

	fs2 := fsys.NewMem()
	cfg2 := newTestConfig(t, fs2, 17021)
	e2, err := New(cfg2)
	require.NoError(t, err)

	_, err = e2.Start(context.Background())
	require.Error(t, err)
	var pu *ports.PortUnavailable
	assert.ErrorAs(t, err, &pu)
}

func TestAcceptIncomingRunsDiskSpacePreflight(t *testing.T) {
	fs := smallFreeFs{Fs: fsys.NewMem(), free: 10}
	cfg := newTestConfig(t, fs, 17031)
	e, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err = e.Start(ctx)
	require.NoError(t, err)
	defer e.Stop()

	e.manager.TransferRequested(ports.TransferRequest{
		TransferID: "t-1",
		From:       ports.Peer{IP: "127.0.0.1", Port: 17031, Signature: "peer-sig"},
		TotalSize:  1 << 20,
		ItemCount:  1,
	})

	err = e.AcceptIncoming("peer-sig", "t-1", "/dest")
	require.Error(t, err)
	var insufficient *ports.InsufficientSpace
	require.ErrorAs(t, err, &insufficient)

	// The save location is only remembered once the preflight passes.
	_, ok := e.RememberedSaveLocation("peer-sig")
	assert.False(t, ok)
}

func TestAcceptIncomingRemembersSaveLocationOnSuccess(t *testing.T) {
	fs := fsys.NewMem()
	cfg := newTestConfig(t, fs, 17041)
	e, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err = e.Start(ctx)
	require.NoError(t, err)
	defer e.Stop()

	e.manager.TransferRequested(ports.TransferRequest{
		TransferID: "t-2",
		From:       ports.Peer{IP: "127.0.0.1", Port: 17041, Signature: "peer-2"},
		TotalSize:  128,
		ItemCount:  1,
	})

	require.NoError(t, e.AcceptIncoming("peer-2", "t-2", "/dest/two"))

	remembered, ok := e.RememberedSaveLocation("peer-2")
	require.True(t, ok)
	assert.Equal(t, "/dest/two", remembered)
}

func TestDeclineIncomingMarksSessionFailed(t *testing.T) {
	fs := fsys.NewMem()
	cfg := newTestConfig(t, fs, 17051)
	e, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err = e.Start(ctx)
	require.NoError(t, err)
	defer e.Stop()

	e.manager.TransferRequested(ports.TransferRequest{
		TransferID: "t-3",
		From:       ports.Peer{IP: "127.0.0.1", Port: 17051, Signature: "peer-3"},
		TotalSize:  1,
		ItemCount:  1,
	})

	require.NoError(t, e.DeclineIncoming("t-3", "no thanks"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s, ok := e.Session("t-3"); ok && s.Status.Terminal() {
			assert.Equal(t, ports.StatusFailed, s.Status)
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("session never reached a terminal state")
}

func TestCancelUnknownSessionIsANoop(t *testing.T) {
	fs := fsys.NewMem()
	cfg := newTestConfig(t, fs, 17061)
	e, err := New(cfg)
	require.NoError(t, err)

	assert.NoError(t, e.CancelSession("no-such-id", "gone"))
}

// fixedIPEnumerator reports one synthetic interface on a specific loopback
// alias, letting two engines in one process tell their own datagrams apart
// from the other engine's (each drops packets from its own addresses).
type fixedIPEnumerator struct{ ip string }

func (f fixedIPEnumerator) Interfaces() ([]ports.NetInterface, error) {
	return []ports.NetInterface{{Name: "eth-e2e", IPv4: []string{f.ip}, IsUp: true}}, nil
}

// acceptingUI stands in for a receiver host that accepts every transfer
// request into a fixed directory.
type acceptingUI struct {
	mu     sync.Mutex
	engine *Engine
	dest   string
}

func (u *acceptingUI) setEngine(e *Engine) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.engine = e
}

func (u *acceptingUI) PeerFound(ports.Peer) {}
func (u *acceptingUI) PeerLost(ports.Peer)  {}
func (u *acceptingUI) TransferRequested(req ports.TransferRequest) {
	u.mu.Lock()
	e := u.engine
	u.mu.Unlock()
	_ = e.AcceptIncoming(req.From.Signature, req.TransferID, u.dest)
}
func (u *acceptingUI) SessionStarted(ports.TransferSession)      {}
func (u *acceptingUI) SessionProgress(ports.TransferSession)     {}
func (u *acceptingUI) SessionCompleted(ports.TransferSession)    {}
func (u *acceptingUI) SessionFailed(ports.TransferSession, error) {}

// TestEndToEndFileTransferAcrossTwoEngines runs the full request → accept →
// stream → complete flow between two engines over loopback: negotiation on
// the receiver's UDP port, payload over its TCP listener, byte-exact
// arrival under the accepted save location.
func TestEndToEndFileTransferAcrossTwoEngines(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recvFs := fsys.NewMem()
	recvCfg := newTestConfig(t, recvFs, 17081)
	recvCfg.Enumerator = fixedIPEnumerator{ip: "127.0.0.2"}
	acceptor := &acceptingUI{dest: "/incoming"}
	recvCfg.UI = acceptor
	receiver, err := New(recvCfg)
	require.NoError(t, err)
	acceptor.setEngine(receiver)
	_, err = receiver.Start(ctx)
	require.NoError(t, err)
	defer receiver.Stop()

	sendFs := fsys.NewMem()
	payload := make([]byte, 200_000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	w, err := sendFs.Create("/src/a.bin")
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	sendCfg := newTestConfig(t, sendFs, 17082)
	sendCfg.Enumerator = fixedIPEnumerator{ip: "127.0.0.3"}
	sender, err := New(sendCfg)
	require.NoError(t, err)
	_, err = sender.Start(ctx)
	require.NoError(t, err)
	defer sender.Stop()

	target := ports.Peer{IP: "127.0.0.1", Port: 17081, DisplayName: "receiver"}
	items := []ports.TransferItem{{ID: "i-1", Name: "a.bin", Size: int64(len(payload)), Kind: ports.KindFile, Status: ports.ItemPending}}
	sendItems := []dataplane.SendItem{{ID: "i-1", Kind: ports.KindFile, SourcePath: "/src/a.bin", RelativeRoot: "a.bin"}}

	sessionID := sender.Send(ctx, target, sendItems, items)

	deadline := time.Now().Add(10 * time.Second)
	var final ports.TransferSession
	for time.Now().Before(deadline) {
		if s, ok := sender.Session(sessionID); ok && s.Status.Terminal() {
			final = s
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, ports.StatusCompleted, final.Status, "last error: %s", final.LastError)
	assert.Equal(t, int64(len(payload)), final.BytesTransferred)

	r, err := recvFs.Open("/incoming/a.bin")
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPeersStartsEmpty(t *testing.T) {
	fs := fsys.NewMem()
	cfg := newTestConfig(t, fs, 17071)
	e, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err = e.Start(ctx)
	require.NoError(t, err)
	defer e.Stop()

	assert.Empty(t, e.Peers())
}
