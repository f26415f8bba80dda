//go:build linux

package netif

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/daemon-001/zipline/pkg/ports"
)

// NewChangeWatcher builds the linux ChangeWatcher: netlink link/address
// subscription for sub-second rebind reaction, falling back to Watcher's
// 120s poll if netlink subscription itself fails (e.g. no
// CAP_NET_ADMIN in a sandboxed container) — both paths feed the same
// significantChange trigger the discovery engine rebinds on.
func NewChangeWatcher(enum ports.NetIfEnumerator, rules []ClassRule, c clock.Clock) ChangeWatcher {
	return NewLinkSubscribeWatcher(enum, rules, c)
}

// LinkSubscribeWatcher reacts to netlink link/address updates instead of
// polling, giving sub-second rebind reaction on Linux. It still funnels
// every update through significantChange so the discovery engine's rebind
// trigger is identical across platforms.
type LinkSubscribeWatcher struct {
	enum    ports.NetIfEnumerator
	rules   []ClassRule
	clock   clock.Clock
	changes chan struct{}
}

// NewLinkSubscribeWatcher builds a netlink-backed watcher. c is used only
// by the polling fallback, in case netlink subscription is unavailable.
func NewLinkSubscribeWatcher(enum ports.NetIfEnumerator, rules []ClassRule, c clock.Clock) *LinkSubscribeWatcher {
	if c == nil {
		c = clock.New()
	}
	return &LinkSubscribeWatcher{enum: enum, rules: rules, clock: c, changes: make(chan struct{}, 1)}
}

// Changes returns the channel that receives a value on every meaningful
// link or address change.
func (w *LinkSubscribeWatcher) Changes() <-chan struct{} {
	return w.changes
}

// Run subscribes to netlink link and address updates until ctx is done.
// If subscription itself fails, it falls back to polling at interval
// instead of leaving the engine without any rebind signal at all.
func (w *LinkSubscribeWatcher) Run(ctx context.Context, interval time.Duration) {
	linkUpdates := make(chan netlink.LinkUpdate)
	linkDone := make(chan struct{})
	if err := netlink.LinkSubscribe(linkUpdates, linkDone); err != nil {
		logrus.WithError(err).Warn("netlink link subscribe unavailable, falling back to polling interface watcher")
		w.runPollFallback(ctx, interval)
		return
	}
	defer close(linkDone)

	addrUpdates := make(chan netlink.AddrUpdate)
	addrDone := make(chan struct{})
	if err := netlink.AddrSubscribe(addrUpdates, addrDone); err != nil {
		logrus.WithError(err).Warn("netlink addr subscribe unavailable, falling back to polling interface watcher")
		w.runPollFallback(ctx, interval)
		return
	}
	defer close(addrDone)

	candidates, _ := Enumerate(w.enum, w.rules)
	prev := takeSnapshot(candidates)

	for {
		select {
		case <-ctx.Done():
			return
		case <-linkUpdates:
			prev = w.reconcile(prev)
		case <-addrUpdates:
			prev = w.reconcile(prev)
		}
	}
}

// runPollFallback relays a plain Watcher's poll-driven changes onto this
// watcher's own channel, so callers holding a reference from Changes()
// keep receiving signals regardless of which path produced them.
func (w *LinkSubscribeWatcher) runPollFallback(ctx context.Context, interval time.Duration) {
	poll := NewWatcher(w.enum, w.rules, w.clock)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-poll.Changes():
				if !ok {
					return
				}
				select {
				case w.changes <- struct{}{}:
				default:
				}
			}
		}
	}()
	poll.Run(ctx, interval)
}

func (w *LinkSubscribeWatcher) reconcile(prev snapshot) snapshot {
	candidates, err := Enumerate(w.enum, w.rules)
	if err != nil {
		return prev
	}
	next := takeSnapshot(candidates)
	if significantChange(prev, next) {
		select {
		case w.changes <- struct{}{}:
		default:
		}
	}
	return next
}

var _ ChangeWatcher = (*LinkSubscribeWatcher)(nil)
