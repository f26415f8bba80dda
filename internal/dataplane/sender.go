package dataplane

import (
	"bytes"
	"context"
	"io"
	"path"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/daemon-001/zipline/internal/wire"
	"github.com/daemon-001/zipline/pkg/ports"
)

// SendSession opens no connections itself — conn is already dialed — and
// streams the session header followed by every item in order. Folder items
// are walked and each descendant emitted as its own frame rooted at
// RelativeRoot; unreadable descendants are recorded as failed without
// aborting the session.
func SendSession(ctx context.Context, conn io.ReadWriteCloser, transferID string, totalSize int64, totalFiles int, items []SendItem, fs ports.Fs, progress ProgressFunc, throttle ThrottleFunc, c clock.Clock, logger *logrus.Entry) (SessionResult, error) {
	if throttle == nil {
		throttle = func() time.Duration { return defaultThrottle }
	}
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	if err := wire.WriteHeader(conn, wire.Header{TransferID: transferID, TotalSize: totalSize, TotalFiles: totalFiles}); err != nil {
		return SessionResult{}, &ports.PeerDisconnected{Err: err}
	}

	var result SessionResult
	for _, item := range items {
		select {
		case <-ctx.Done():
			result.Cancelled = true
			return result, nil
		default:
		}

		switch item.Kind {
		case ports.KindFolder:
			results, err := sendFolder(ctx, conn, item, fs, progress, throttle, c, logger)
			if err != nil {
				return result, err
			}
			result.Items = append(result.Items, results...)
		case ports.KindText:
			err := sendText(conn, item, progress)
			result.Items = append(result.Items, ItemResult{ItemID: item.ID, Bytes: int64(len(item.Text)), Err: err})
			if err != nil {
				return result, err
			}
		default: // file
			bytesSent, err := sendFile(ctx, conn, item, fs, progress, throttle, c)
			itemErr := err
			if _, ok := err.(*ports.LocalIoError); ok {
				result.Items = append(result.Items, ItemResult{ItemID: item.ID, Bytes: bytesSent, Err: itemErr})
				continue // unreadable source: skip, do not abort session
			}
			result.Items = append(result.Items, ItemResult{ItemID: item.ID, Bytes: bytesSent, Err: itemErr})
			if itemErr != nil {
				return result, itemErr // transport-level failure aborts the session
			}
		}
	}

	if err := wire.WriteEnd(conn); err != nil {
		return result, &ports.PeerDisconnected{Err: err}
	}
	return result, nil
}

func sendFile(ctx context.Context, conn io.Writer, item SendItem, fs ports.Fs, progress ProgressFunc, throttle ThrottleFunc, c clock.Clock) (int64, error) {
	info, err := fs.Stat(item.SourcePath)
	if err != nil {
		return 0, &ports.LocalIoError{Item: item.RelativeRoot, Err: err}
	}
	src, err := fs.Open(item.SourcePath)
	if err != nil {
		return 0, &ports.LocalIoError{Item: item.RelativeRoot, Err: err}
	}
	defer src.Close()

	if err := wire.WriteItemManifest(conn, wire.ItemManifest{ItemID: item.ID, ItemKind: ports.KindFile, RelativePath: item.RelativeRoot, Size: info.Size}); err != nil {
		return 0, &ports.PeerDisconnected{Err: err}
	}

	sent, err := copySendWithProgress(ctx, conn, src, info.Size, func(delta int64, done bool) {
		if progress != nil {
			progress(ItemProgress{ItemID: item.ID, Delta: delta, Done: done})
		}
	}, throttle, c)
	return sent, err
}

func sendText(conn io.Writer, item SendItem, progress ProgressFunc) error {
	payload := []byte(item.Text)
	if err := wire.WriteItemManifest(conn, wire.ItemManifest{ItemID: item.ID, ItemKind: ports.KindText, RelativePath: item.RelativeRoot, Size: int64(len(payload))}); err != nil {
		return &ports.PeerDisconnected{Err: err}
	}
	if _, err := io.Copy(conn, bytes.NewReader(payload)); err != nil {
		return &ports.PeerDisconnected{Err: err}
	}
	if progress != nil {
		progress(ItemProgress{ItemID: item.ID, Delta: int64(len(payload)), Done: true})
	}
	return nil
}

func sendFolder(ctx context.Context, conn io.Writer, item SendItem, fs ports.Fs, progress ProgressFunc, throttle ThrottleFunc, c clock.Clock, logger *logrus.Entry) ([]ItemResult, error) {
	var results []ItemResult
	walkErr := fs.WalkDir(item.SourcePath, func(relPath string, info ports.FileInfo, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		rooted := path.Join(item.RelativeRoot, relPath)
		if err != nil {
			logger.WithError(err).WithField("path", rooted).Warn("unreadable descendant, skipping")
			results = append(results, ItemResult{ItemID: item.ID + ":" + relPath, Err: &ports.LocalIoError{Item: rooted, Err: err}})
			return nil
		}
		if info.IsDir {
			if werr := wire.WriteItemManifest(conn, wire.ItemManifest{ItemID: item.ID + ":" + relPath, ItemKind: ports.KindFolder, RelativePath: rooted, Size: 0}); werr != nil {
				return &ports.PeerDisconnected{Err: werr}
			}
			return nil
		}

		src, oerr := fs.Open(path.Join(item.SourcePath, relPath))
		if oerr != nil {
			logger.WithError(oerr).WithField("path", rooted).Warn("unreadable descendant, skipping")
			results = append(results, ItemResult{ItemID: item.ID + ":" + relPath, Err: &ports.LocalIoError{Item: rooted, Err: oerr}})
			return nil
		}
		defer src.Close()

		if werr := wire.WriteItemManifest(conn, wire.ItemManifest{ItemID: item.ID + ":" + relPath, ItemKind: ports.KindFile, RelativePath: rooted, Size: info.Size}); werr != nil {
			return &ports.PeerDisconnected{Err: werr}
		}
		sent, cerr := copySendWithProgress(ctx, conn, src, info.Size, func(delta int64, done bool) {
			if progress != nil {
				progress(ItemProgress{ItemID: item.ID + ":" + relPath, Delta: delta, Done: done})
			}
		}, throttle, c)
		results = append(results, ItemResult{ItemID: item.ID + ":" + relPath, Bytes: sent, Err: cerr})
		if cerr != nil {
			if _, ok := cerr.(*ports.LocalIoError); ok {
				return nil // non-fatal, continue walking
			}
			return cerr // transport failure aborts the whole session
		}
		return nil
	})
	return results, walkErr
}

// copySendWithProgress mirrors copyWithProgress for the send direction:
// "progress" here counts bytes written to the socket. Bytes written
// between emissions accumulate into the next delta, so the deltas always
// sum to the total written.
func copySendWithProgress(ctx context.Context, dst io.Writer, src io.Reader, n int64, onDelta func(delta int64, done bool), throttle ThrottleFunc, c clock.Clock) (int64, error) {
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
		nr, rerr := src.Read(buf[:toRead])
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			total += int64(nw)
			unemitted += int64(nw)
			if werr != nil {
				return total, &ports.PeerDisconnected{Err: werr}
			}
			if now := c.Now(); now.Sub(lastEmit) >= throttle() {
				onDelta(unemitted, false)
				unemitted = 0
				lastEmit = now
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return total, &ports.LocalIoError{Err: rerr}
		}
	}
	onDelta(unemitted, true)
	return total, nil
}
