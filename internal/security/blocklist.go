package security

import (
	"sync"
	"time"
)

// BlockList is the in-process deny list of abusive origins. Entries expire
// by wall clock; expired entries are evicted lazily on read.
type BlockList struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewBlockList creates an empty block list. A nil clock uses time.Now.
func NewBlockList(now func() time.Time) *BlockList {
	if now == nil {
		now = time.Now
	}
	return &BlockList{
		entries: make(map[string]time.Time),
		now:     now,
	}
}

// Insert blocks the origin for the given duration, replacing any prior entry.
func (b *BlockList) Insert(origin string, d time.Duration) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	until := b.now().Add(d)
	b.entries[origin] = until
	return until
}

// IsBlocked reports whether the origin is currently blocked. An entry whose
// expiry has passed is dropped and treated as absent.
func (b *BlockList) IsBlocked(origin string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	until, ok := b.entries[origin]
	if !ok {
		return false
	}
	if b.now().After(until) {
		delete(b.entries, origin)
		return false
	}
	return true
}

// Len returns the number of entries, counting only unexpired ones.
func (b *BlockList) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	n := 0
	for origin, until := range b.entries {
		if now.After(until) {
			delete(b.entries, origin)
			continue
		}
		n++
	}
	return n
}
