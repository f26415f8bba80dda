//go:build !linux

package netif

import (
	"github.com/benbjohnson/clock"
	"github.com/daemon-001/zipline/pkg/ports"
)

// NewChangeWatcher builds the ChangeWatcher for platforms without netlink
// support: Watcher's 120s poll is the only signal available.
func NewChangeWatcher(enum ports.NetIfEnumerator, rules []ClassRule, c clock.Clock) ChangeWatcher {
	return NewWatcher(enum, rules, c)
}
