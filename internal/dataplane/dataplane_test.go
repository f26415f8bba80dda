package dataplane

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daemon-001/zipline/internal/speed"
	"github.com/daemon-001/zipline/internal/wire"
	"github.com/daemon-001/zipline/pkg/ports"
)

// memFs is a minimal in-memory ports.Fs for exercising the data plane
// without touching disk.
type memFs struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
}

func newMemFs() *memFs {
	return &memFs{files: make(map[string][]byte), dirs: map[string]bool{"/": true}}
}

type memWriteCloser struct {
	fs   *memFs
	name string
	buf  bytes.Buffer
}

func (w *memWriteCloser) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *memWriteCloser) Close() error {
	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()
	w.fs.files[w.name] = append([]byte(nil), w.buf.Bytes()...)
	return nil
}

func (f *memFs) Open(name string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[name]
	if !ok {
		return nil, errors.New("not found: " + name)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *memFs) Create(name string) (io.WriteCloser, error) {
	return &memWriteCloser{fs: f, name: name}, nil
}

func (f *memFs) Stat(name string) (ports.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dirs[name] {
		return ports.FileInfo{Name: path.Base(name), IsDir: true}, nil
	}
	b, ok := f.files[name]
	if !ok {
		return ports.FileInfo{}, errors.New("not found: " + name)
	}
	return ports.FileInfo{Name: path.Base(name), Size: int64(len(b))}, nil
}

func (f *memFs) Rename(oldpath, newpath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[oldpath]
	if !ok {
		return errors.New("not found: " + oldpath)
	}
	f.files[newpath] = b
	delete(f.files, oldpath)
	return nil
}

func (f *memFs) Remove(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, name)
	return nil
}

func (f *memFs) MkdirAll(p string, _ uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs[p] = true
	return nil
}

func (f *memFs) WalkDir(root string, fn ports.WalkFunc) error {
	f.mu.Lock()
	var rel []string
	for name := range f.files {
		if strings.HasPrefix(name, root+"/") {
			rel = append(rel, strings.TrimPrefix(name, root+"/"))
		}
	}
	f.mu.Unlock()
	sort.Strings(rel)
	for _, r := range rel {
		f.mu.Lock()
		b := f.files[root+"/"+r]
		f.mu.Unlock()
		if err := fn(r, ports.FileInfo{Name: path.Base(r), Size: int64(len(b))}, nil); err != nil {
			return err
		}
	}
	return nil
}

func (f *memFs) FreeSpace(string) (int64, error) { return 1 << 40, nil }

func TestUniquePathAppendsSuffixOnCollision(t *testing.T) {
	fs := newMemFs()
	fs.files["/dest/report.txt"] = []byte("x")
	got := uniquePath(fs, "/dest", "report.txt")
	assert.Equal(t, "/dest/report (1).txt", got)

	fs.files["/dest/report (1).txt"] = []byte("y")
	got = uniquePath(fs, "/dest", "report.txt")
	assert.Equal(t, "/dest/report (2).txt", got)
}

func TestSendAndReceiveSessionRoundTrip(t *testing.T) {
	fs := newMemFs()
	fs.files["/src/a.bin"] = []byte("hello world")

	// The text payload includes a 4-byte codepoint to pin byte-exact
	// UTF-8 preservation.
	items := []SendItem{
		{ID: "1", Kind: ports.KindFile, SourcePath: "/src/a.bin", RelativeRoot: "a.bin"},
		{ID: "2", Kind: ports.KindText, RelativeRoot: "note.txt", Text: "hi there \U0001F30D"},
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	var recvResult SessionResult
	var recvErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		kind, raw, err := wire.ReadManifest(serverConn)
		require.NoError(t, err)
		require.Equal(t, wire.FrameHeader, kind)
		_, err = wire.DecodeHeader(raw)
		require.NoError(t, err)
		recvResult, recvErr = ReceiveSession(context.Background(), serverConn, "/dest", fs, nil, throttleOf(time.Millisecond), clock.New(), nil)
	}()

	_, err := SendSession(context.Background(), clientConn, "t-1", 19, 2, items, fs, nil, throttleOf(time.Millisecond), clock.New(), nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("receive side did not finish")
	}

	require.NoError(t, recvErr)
	require.Len(t, recvResult.Items, 2)
	for _, r := range recvResult.Items {
		assert.NoError(t, r.Err)
	}

	got, ok := fs.files["/dest/a.bin"]
	require.True(t, ok)
	assert.Equal(t, "hello world", string(got))

	gotText, ok := fs.files["/dest/note.txt"]
	require.True(t, ok)
	assert.Equal(t, "hi there \U0001F30D", string(gotText))
}

func TestSendFolderPreservesNestingOnReceive(t *testing.T) {
	fs := newMemFs()
	fs.files["/src/dir/x.txt"] = []byte("hello")
	fs.files["/src/dir/sub/y.bin"] = make([]byte, 1024)

	items := []SendItem{
		{ID: "d1", Kind: ports.KindFolder, SourcePath: "/src/dir", RelativeRoot: "dir"},
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	var recvErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		kind, _, err := wire.ReadManifest(serverConn)
		require.NoError(t, err)
		require.Equal(t, wire.FrameHeader, kind)
		_, recvErr = ReceiveSession(context.Background(), serverConn, "/dest", fs, nil, throttleOf(time.Millisecond), clock.New(), nil)
	}()

	result, err := SendSession(context.Background(), clientConn, "t-2", 1029, 2, items, fs, nil, throttleOf(time.Millisecond), clock.New(), nil)
	require.NoError(t, err)
	require.Len(t, result.Items, 2)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("receive side did not finish")
	}
	require.NoError(t, recvErr)

	got, ok := fs.files["/dest/dir/x.txt"]
	require.True(t, ok)
	assert.Equal(t, "hello", string(got))

	gotBin, ok := fs.files["/dest/dir/sub/y.bin"]
	require.True(t, ok)
	assert.Len(t, gotBin, 1024)
}

// TestSendFolderSkipsUnreadableDescendant covers the partial-failure rule:
// an unreadable descendant is reported failed without aborting its
// readable siblings or the session.
func TestSendFolderSkipsUnreadableDescendant(t *testing.T) {
	fs := newMemFs()
	fs.files["/src/dir/good.txt"] = []byte("ok")

	items := []SendItem{
		{ID: "d1", Kind: ports.KindFolder, SourcePath: "/src/dir", RelativeRoot: "dir"},
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		kind, _, err := wire.ReadManifest(serverConn)
		require.NoError(t, err)
		require.Equal(t, wire.FrameHeader, kind)
		_, _ = ReceiveSession(context.Background(), serverConn, "/dest", fs, nil, throttleOf(time.Millisecond), clock.New(), nil)
	}()

	// Simulate the unreadable descendant through the walk error path.
	brokenWalk := &walkErrorFs{memFs: fs, failRel: "bad.txt"}
	result, err := SendSession(context.Background(), clientConn, "t-3", 2, 2, items, brokenWalk, nil, throttleOf(time.Millisecond), clock.New(), nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("receive side did not finish")
	}

	var goodOK, badFailed bool
	for _, r := range result.Items {
		switch r.ItemID {
		case "d1:good.txt":
			goodOK = r.Err == nil
		case "d1:bad.txt":
			var lioErr *ports.LocalIoError
			badFailed = errors.As(r.Err, &lioErr)
		}
	}
	assert.True(t, goodOK, "readable sibling must succeed")
	assert.True(t, badFailed, "unreadable descendant must be a LocalIoError")

	_, ok := fs.files["/dest/dir/good.txt"]
	assert.True(t, ok)
}

// walkErrorFs wraps memFs but injects one errored descendant into WalkDir,
// the shape fs.WalkDir reports for an unreadable file.
type walkErrorFs struct {
	*memFs
	failRel string
}

func (f *walkErrorFs) WalkDir(root string, fn ports.WalkFunc) error {
	if err := fn(f.failRel, ports.FileInfo{}, errors.New("permission denied")); err != nil {
		return err
	}
	return f.memFs.WalkDir(root, fn)
}

func TestReceiveSessionHonorsCancellation(t *testing.T) {
	fs := newMemFs()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan SessionResult, 1)
	go func() {
		r, _ := ReceiveSession(ctx, serverConn, "/dest", fs, nil, throttleOf(time.Millisecond), clock.New(), nil)
		resultCh <- r
	}()

	cancel()
	select {
	case r := <-resultCh:
		assert.True(t, r.Cancelled)
	case <-time.After(time.Second):
		t.Fatal("ReceiveSession did not observe cancellation")
	}
}

// throttleOf is a fixed-interval ThrottleFunc for tests that don't care
// about the dynamic cadence.
func throttleOf(d time.Duration) ThrottleFunc {
	return func() time.Duration { return d }
}

// clockWriter is a sink whose every write advances a mock clock, letting a
// large streamed payload play out in deterministic virtual time instead of
// real sleeps.
type clockWriter struct {
	mock *clock.Mock
	step time.Duration
}

func (w *clockWriter) Write(p []byte) (int, error) { w.mock.Add(w.step); return len(p), nil }
func (w *clockWriter) Read([]byte) (int, error)    { return 0, io.EOF }
func (w *clockWriter) Close() error                { return nil }

// TestProgressCadenceTightensInHighThroughputMode streams 30MiB through the
// sender with the estimator supplying the live throttle, and asserts the
// observed emission interval drops from the 100ms default to 50ms once
// high-throughput mode (>=20MiB in >=2s) latches mid-stream.
func TestProgressCadenceTightensInHighThroughputMode(t *testing.T) {
	mock := clock.NewMock()
	est := speed.New(mock)

	fs := newMemFs()
	fs.files["/src/big.bin"] = make([]byte, 30<<20)

	// Feed the estimator the way the session manager does: cumulative
	// bytes per emission. Each 64KiB socket write advances virtual time
	// 5ms, so 20MiB lands around t=1.6s and the 2s elapsed floor gates
	// the latch until ~25MiB in.
	var cum int64
	var emissions []time.Time
	progress := func(p ItemProgress) {
		if p.Done {
			return
		}
		cum += p.Delta
		est.Observe(cum)
		emissions = append(emissions, mock.Now())
	}

	items := []SendItem{{ID: "1", Kind: ports.KindFile, SourcePath: "/src/big.bin", RelativeRoot: "big.bin"}}
	sink := &clockWriter{mock: mock, step: 5 * time.Millisecond}
	_, err := SendSession(context.Background(), sink, "t-ht", 30<<20, 1, items, fs, progress, est.ProgressInterval, mock, nil)
	require.NoError(t, err)

	require.True(t, est.HighThroughput(), "30MiB over virtual seconds must latch high-throughput mode")
	require.Greater(t, len(emissions), 3)

	gaps := make([]time.Duration, 0, len(emissions)-1)
	for i := 1; i < len(emissions); i++ {
		gaps = append(gaps, emissions[i].Sub(emissions[i-1]))
	}
	assert.Equal(t, 100*time.Millisecond, gaps[0], "pre-latch cadence is the 100ms default")
	assert.Equal(t, 50*time.Millisecond, gaps[len(gaps)-1], "post-latch cadence tightens to 50ms")
}
