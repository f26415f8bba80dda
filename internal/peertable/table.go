// Package peertable owns the discovery engine's peer table: inserts,
// refreshes, and TTL-based eviction, with found/lost notifications. It is
// the sole owner of peer state — the discovery engine and session manager
// only read it through this type.
package peertable

import (
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/daemon-001/zipline/pkg/ports"
)

// Table is a liveness-aware peer registry. Entries expire after ttl of no
// refresh (3x the advertisement interval, ≈15s at the default 5s hello
// cadence) via go-cache's own janitor, which doubles as the reaper.
type Table struct {
	mu      sync.RWMutex
	cache   *gocache.Cache
	onFound func(ports.Peer)
	onLost  func(ports.Peer)
}

// New builds a Table with the given liveness TTL and sweep interval. The
// sweep interval only needs to be small relative to ttl; go-cache's
// janitor runs the eviction scan on it.
func New(ttl, sweep time.Duration) *Table {
	t := &Table{cache: gocache.New(ttl, sweep)}
	t.cache.OnEvicted(func(key string, value interface{}) {
		peer, ok := value.(ports.Peer)
		if !ok {
			return
		}
		t.mu.RLock()
		onLost := t.onLost
		t.mu.RUnlock()
		if onLost != nil {
			onLost(peer)
		}
	})
	return t
}

// SetHandlers wires the peer_found/peer_lost callbacks. Callbacks are
// invoked with no lock held, so a subscriber can call back into the table
// without deadlocking.
func (t *Table) SetHandlers(onFound, onLost func(ports.Peer)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFound = onFound
	t.onLost = onLost
}

func keyFor(k ports.PeerKey) string {
	return k.IP + "|" + strconv.Itoa(k.Port) + "|" + k.Interface
}

// Upsert inserts or refreshes a peer. It reports true the first time a
// (ip, port, iface) triple is seen, or if it reappears after having
// expired — both cases fire peer_found; a refresh of a live entry does
// not.
func (t *Table) Upsert(p ports.Peer) (isNew bool) {
	key := keyFor(p.Key())
	t.mu.Lock()
	_, existed := t.cache.Get(key)
	t.cache.SetDefault(key, p)
	onFound := t.onFound
	t.mu.Unlock()

	isNew = !existed
	if isNew && onFound != nil {
		onFound(p)
	}
	return isNew
}

// Evict removes a peer immediately (e.g. on receipt of goodbye). The
// cache's OnEvicted hook (wired in New) fires peer_lost for us, so a
// manual delete and an expiry-driven delete both take the same path.
func (t *Table) Evict(key ports.PeerKey) {
	t.cache.Delete(keyFor(key))
}

// Get looks up a peer by identity.
func (t *Table) Get(key ports.PeerKey) (ports.Peer, bool) {
	v, ok := t.cache.Get(keyFor(key))
	if !ok {
		return ports.Peer{}, false
	}
	peer, ok := v.(ports.Peer)
	return peer, ok
}

// Snapshot returns every currently-live peer. The UI observes this
// immutable copy; it never mutates the table directly.
func (t *Table) Snapshot() []ports.Peer {
	items := t.cache.Items()
	out := make([]ports.Peer, 0, len(items))
	for _, item := range items {
		if peer, ok := item.Object.(ports.Peer); ok {
			out = append(out, peer)
		}
	}
	return out
}
