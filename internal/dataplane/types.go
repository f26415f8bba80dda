// Package dataplane streams transfer payloads over one reliable
// connection per session: a listener that matches inbound connections to
// pending registrations, a sender that walks a session's items, and a
// receiver that writes them to disk.
package dataplane

import (
	"time"

	"github.com/daemon-001/zipline/pkg/ports"
)

// SendItem is one outgoing item: a file, folder, or text blob plus the
// relative path it should appear under on the receiving side.
type SendItem struct {
	ID           string
	Kind         ports.TransferKind
	SourcePath   string // file/folder source; empty for text
	RelativeRoot string // top-level name the receiver should root paths under
	Text         string // text payload for KindText
}

// ItemProgress reports incremental progress for one item. Delta is the
// number of new bytes processed since the previous call.
type ItemProgress struct {
	ItemID string
	Delta  int64
	Done   bool
	Err    error
}

// ProgressFunc receives per-item progress. Implementations must not block
// for long — the caller applies its own throttling before invoking it.
type ProgressFunc func(ItemProgress)

// ThrottleFunc reports the minimum interval between progress emissions.
// The copy loops re-read it on every emission decision, so a session that
// enters high-throughput mode mid-stream tightens its cadence immediately
// instead of keeping the interval captured at stream start.
type ThrottleFunc func() time.Duration

// ItemResult is the terminal outcome of streaming a single item.
type ItemResult struct {
	ItemID string
	Bytes  int64
	Err    error // non-nil means this item failed; the session continues
}

// SessionResult aggregates every item's outcome once a session's stream
// completes (or is cancelled).
type SessionResult struct {
	Items     []ItemResult
	Cancelled bool
}
