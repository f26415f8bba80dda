package netif

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/daemon-001/zipline/pkg/ports"
)

// snapshot is the minimal state compared across polls/events to decide
// whether a change is meaningful enough to rebind on.
type snapshot struct {
	count     int
	primaryIP string
}

func takeSnapshot(candidates []Classified) snapshot {
	s := snapshot{count: len(candidates)}
	if primary, ok := SelectPrimary(candidates); ok {
		s.primaryIP = primary.IPv4
	}
	return s
}

// significantChange is "count change >1 or any primary-candidate address
// change" — anything smaller is noise not worth a rebind.
func significantChange(prev, next snapshot) bool {
	delta := next.count - prev.count
	if delta < 0 {
		delta = -delta
	}
	if delta > 1 {
		return true
	}
	return prev.primaryIP != next.primaryIP
}

// ChangeWatcher is satisfied by both the polling Watcher and the
// netlink-driven LinkSubscribeWatcher (linux build), so callers select
// the platform-appropriate implementation through NewChangeWatcher
// without ever type-switching on it themselves.
type ChangeWatcher interface {
	Changes() <-chan struct{}
	Run(ctx context.Context, interval time.Duration)
}

// Watcher reports a channel that fires whenever a meaningful interface
// change is detected, so the discovery engine can rebind.
type Watcher struct {
	enum  ports.NetIfEnumerator
	rules []ClassRule
	clock clock.Clock

	changes chan struct{}
}

// NewWatcher builds a polling-based watcher. On platforms with netlink
// support, callers should prefer NewLinkSubscribeWatcher (linux build);
// this one is the universal fallback, driven by a 120s poll.
func NewWatcher(enum ports.NetIfEnumerator, rules []ClassRule, c clock.Clock) *Watcher {
	if c == nil {
		c = clock.New()
	}
	return &Watcher{enum: enum, rules: rules, clock: c, changes: make(chan struct{}, 1)}
}

// Changes returns the channel that receives a value on every meaningful
// change. The channel is never closed by Run; it stops sending when ctx
// is done.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Run polls every interval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, interval time.Duration) {
	candidates, _ := Enumerate(w.enum, w.rules)
	prev := takeSnapshot(candidates)

	ticker := w.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			candidates, err := Enumerate(w.enum, w.rules)
			if err != nil {
				continue
			}
			next := takeSnapshot(candidates)
			if significantChange(prev, next) {
				prev = next
				select {
				case w.changes <- struct{}{}:
				default:
				}
			} else {
				prev = next
			}
		}
	}
}

var _ ChangeWatcher = (*Watcher)(nil)
