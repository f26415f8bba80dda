package dataplane

import (
	"context"
	"io"
	"path"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/daemon-001/zipline/internal/wire"
	"github.com/daemon-001/zipline/pkg/ports"
)

// defaultThrottle is the SessionProgress cadence used when the caller
// supplies no ThrottleFunc of its own.
const defaultThrottle = 100 * time.Millisecond

// ReceiveSession reads item frames from conn until the END marker, or
// until ctx is cancelled, writing each item under saveLocation. It never
// returns a per-item error: failures are recorded in the returned
// SessionResult so the caller can mark that item failed without aborting
// the rest of the session. A transport-level error (malformed frame,
// disconnect) aborts the whole session and is returned directly.
//
// The session header frame is expected to have already been consumed by
// the caller (the Listener reads it to match the registration before
// handing the connection off) — ReceiveSession starts directly on item
// frames.
func ReceiveSession(ctx context.Context, conn io.ReadWriteCloser, saveLocation string, fs ports.Fs, progress ProgressFunc, throttle ThrottleFunc, c clock.Clock, logger *logrus.Entry) (SessionResult, error) {
	if throttle == nil {
		throttle = func() time.Duration { return defaultThrottle }
	}
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	var result SessionResult
	for {
		select {
		case <-ctx.Done():
			result.Cancelled = true
			return result, nil
		default:
		}

		kind, raw, err := wire.ReadManifest(conn)
		if err != nil {
			if err == io.EOF {
				return SessionResult{}, &ports.PeerDisconnected{Err: io.ErrUnexpectedEOF}
			}
			return SessionResult{}, err
		}

		switch kind {
		case wire.FrameEnd:
			return result, nil
		case wire.FrameItem:
			m, err := wire.DecodeItemManifest(raw)
			if err != nil {
				return SessionResult{}, err
			}
			written, itemErr := receiveItem(ctx, conn, m, saveLocation, fs, progress, throttle, c)
			if itemErr != nil {
				logger.WithError(itemErr).WithField("item_id", m.ItemID).Warn("item failed, continuing session")
			}
			result.Items = append(result.Items, ItemResult{ItemID: m.ItemID, Bytes: written, Err: itemErr})
		default:
			return SessionResult{}, &ports.MalformedFrame{Reason: "unexpected frame kind mid-session"}
		}
	}
}

func receiveItem(ctx context.Context, conn io.Reader, m wire.ItemManifest, saveLocation string, fs ports.Fs, progress ProgressFunc, throttle ThrottleFunc, c clock.Clock) (int64, error) {
	if m.ItemKind == ports.KindFolder && m.Size == 0 {
		// Directory marker: create it, but don't count it toward the
		// session's completed-files counter — only real payloads do.
		dir := path.Join(saveLocation, m.RelativePath)
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return 0, &ports.LocalIoError{Item: m.RelativePath, Err: err}
		}
		return 0, nil
	}

	destDir := path.Dir(path.Join(saveLocation, m.RelativePath))
	if err := fs.MkdirAll(destDir, 0o755); err != nil {
		if derr := discard(conn, m.Size); derr != nil {
			return 0, &ports.LocalIoError{Item: m.RelativePath, Err: derr}
		}
		return 0, &ports.LocalIoError{Item: m.RelativePath, Err: err}
	}

	finalPath := uniquePath(fs, destDir, path.Base(m.RelativePath))
	tempPath := tempPathFor(finalPath)

	dst, err := fs.Create(tempPath)
	if err != nil {
		_ = discard(conn, m.Size)
		return 0, &ports.LocalIoError{Item: m.RelativePath, Err: err}
	}

	written, copyErr := copyWithProgress(ctx, dst, conn, m.Size, func(delta int64, done bool) {
		if progress != nil {
			progress(ItemProgress{ItemID: m.ItemID, Delta: delta, Done: done})
		}
	}, throttle, c)
	closeErr := dst.Close()

	if copyErr != nil || closeErr != nil {
		_ = fs.Remove(tempPath)
		if copyErr != nil {
			return written, copyErr
		}
		return written, &ports.LocalIoError{Item: m.RelativePath, Err: closeErr}
	}
	if written != m.Size {
		_ = fs.Remove(tempPath)
		return written, &ports.PeerDisconnected{Err: io.ErrUnexpectedEOF}
	}

	if err := fs.Rename(tempPath, finalPath); err != nil {
		_ = fs.Remove(tempPath)
		return written, &ports.LocalIoError{Item: m.RelativePath, Err: err}
	}
	return written, nil
}

func discard(r io.Reader, n int64) error {
	_, err := io.CopyN(io.Discard, r, n)
	return err
}

// copyWithProgress copies exactly n bytes from src to dst, invoking onDelta
// at most once per throttle interval plus once unconditionally at the end.
// Bytes written between emissions accumulate into the next delta, so the
// deltas always sum to the total written.
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, n int64, onDelta func(delta int64, done bool), throttle ThrottleFunc, c clock.Clock) (int64, error) {
	const bufSize = 64 * 1024
	buf := make([]byte, bufSize)
	var total, unemitted int64
	lastEmit := c.Now()

	for total < n {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
		toRead := int64(bufSize)
		if remaining := n - total; remaining < toRead {
			toRead = remaining
		}
		nr, err := src.Read(buf[:toRead])
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			total += int64(nw)
			unemitted += int64(nw)
			if werr != nil {
				return total, &ports.LocalIoError{Err: werr}
			}
			if now := c.Now(); now.Sub(lastEmit) >= throttle() {
				onDelta(unemitted, false)
				unemitted = 0
				lastEmit = now
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return total, &ports.PeerDisconnected{Err: err}
		}
	}
	onDelta(unemitted, true)
	return total, nil
}
