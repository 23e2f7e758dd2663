// Package dedup provides per-message-id idempotency for inbound delivery.
// The same channel message can arrive twice when the live stream races a
// history backfill; the deduplicator bridges the two paths so a message is
// stored exactly once.
//
// The in-memory seen-set is strictly a performance optimization. A miss here
// falls through to a persistent existence check, and even a miss there is
// tolerable: the unique constraint on (account, channel message id) rejects
// the second insert, and callers treat that conflict as the authoritative
// duplicate signal. The cache can therefore produce false negatives under
// eviction but never turns a genuinely new message away.
package dedup

import (
	"context"
	"sync"
)

// ExistsFunc consults the persistent store for a stored message with the
// given transport id.
type ExistsFunc func(ctx context.Context, accountID, channelMessageID string) (bool, error)

// Deduplicator is a bounded seen-set over a persistent existence check.
// Safe for concurrent use.
type Deduplicator struct {
	exists ExistsFunc

	mu    sync.Mutex
	max   int
	seen  map[string]struct{}
	order []string // insertion order, oldest first
}

// DefaultCacheSize bounds the seen-set when New is given a non-positive max.
const DefaultCacheSize = 4096

// New constructs a Deduplicator. exists may be nil, in which case cache
// misses are reported as not-duplicate and the insert constraint alone
// guards correctness.
func New(max int, exists ExistsFunc) *Deduplicator {
	if max <= 0 {
		max = DefaultCacheSize
	}
	return &Deduplicator{
		exists: exists,
		max:    max,
		seen:   make(map[string]struct{}),
	}
}

// IsDuplicate reports whether the message id was already processed for the
// account: first from the cache, then from the persistent store. A positive
// store answer populates the cache.
func (d *Deduplicator) IsDuplicate(ctx context.Context, accountID, channelMessageID string) (bool, error) {
	key := cacheKey(accountID, channelMessageID)

	d.mu.Lock()
	_, hit := d.seen[key]
	d.mu.Unlock()
	if hit {
		return true, nil
	}

	if d.exists == nil {
		return false, nil
	}
	stored, err := d.exists(ctx, accountID, channelMessageID)
	if err != nil {
		return false, err
	}
	if stored {
		d.MarkSeen(accountID, channelMessageID)
	}
	return stored, nil
}

// MarkSeen records the id in the cache. Callers invoke it immediately after
// the first successful persistence of the message, before any further
// processing, so a concurrent duplicate observes "already seen" as early as
// possible.
func (d *Deduplicator) MarkSeen(accountID, channelMessageID string) {
	key := cacheKey(accountID, channelMessageID)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	for len(d.seen) > d.max && len(d.order) > 0 {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
}

func cacheKey(accountID, channelMessageID string) string {
	return accountID + "/" + channelMessageID
}
