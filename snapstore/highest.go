package snapstore

import (
	"sync"

	"github.com/ethdata/snapstore/snaptype"
)

// HighestSnapshots records, per segment, the highest block number
// currently covered by an on-disk snapshot file.
type HighestSnapshots struct {
	Headers      *uint64
	Transactions *uint64
	Receipts     *uint64
}

func (h HighestSnapshots) get(seg snaptype.Segment) *uint64 {
	switch seg {
	case snaptype.Headers:
		return h.Headers
	case snaptype.Transactions:
		return h.Transactions
	case snaptype.Receipts:
		return h.Receipts
	default:
		return nil
	}
}

// HighestTracker is a single-producer, multi-subscriber broadcast of the
// current HighestSnapshots value. There is no library in the example
// corpus for typed pub/sub broadcast; this is the standard Go idiom of
// guarding the value with a mutex and broadcasting updates by closing
// (and replacing) a channel, so every Subscribe call observes the next
// Publish without polling.
type HighestTracker struct {
	mu      sync.RWMutex
	current HighestSnapshots
	changed chan struct{}
}

// NewHighestTracker returns a tracker with no snapshots recorded yet.
func NewHighestTracker() *HighestTracker {
	return &HighestTracker{changed: make(chan struct{})}
}

// Current returns the latest published value.
func (t *HighestTracker) Current() HighestSnapshots {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Publish records a new value and wakes every pending Subscribe call.
func (t *HighestTracker) Publish(h HighestSnapshots) {
	t.mu.Lock()
	t.current = h
	closed := t.changed
	t.changed = make(chan struct{})
	t.mu.Unlock()
	close(closed)
}

// Subscribe returns the current value and a channel that closes the
// next time Publish is called.
func (t *HighestTracker) Subscribe() (HighestSnapshots, <-chan struct{}) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current, t.changed
}
