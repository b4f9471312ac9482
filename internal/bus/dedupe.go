package bus

import (
	"sync"
	"time"
)

const dedupeTTL = 2 * time.Minute

// Deduper remembers recently seen message keys so duplicate delivery
// through parallel transports collapses to one logical delivery.
type Deduper struct {
	ttl  time.Duration
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDeduper creates an empty deduper with the default TTL.
func NewDeduper() *Deduper {
	return NewDeduperTTL(dedupeTTL)
}

// NewDeduperTTL creates a deduper with a custom retention window.
func NewDeduperTTL(ttl time.Duration) *Deduper {
	return &Deduper{ttl: ttl, seen: make(map[string]time.Time)}
}

// Mark records a key as seen.
func (d *Deduper) Mark(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sweep()
	d.seen[key] = time.Now()
}

// Seen reports whether key was already delivered, marking it either way.
func (d *Deduper) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sweep()
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = time.Now()
	return false
}

// sweep drops expired entries; called with the lock held.
func (d *Deduper) sweep() {
	cutoff := time.Now().Add(-d.ttl)
	for k, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, k)
		}
	}
}
