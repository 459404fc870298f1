// Package negcache is a bounded cache of GHA cache keys (such as
// "<sph>.narinfo") known to be absent from both the GHA cache and the
// upstream substituter (spec.md §3, §4.C). A hit here lets the pipeline
// answer not-found without re-probing either backend.
package negcache

import (
	"container/list"
	"sync"

	"github.com/determinate-ci/ghaproxy/internal/telemetry"
)

// Cache is a fixed-capacity, insertion-order cache of key strings: it
// evicts the oldest inserted entry once full, regardless of how often a
// still-present entry has been polled (spec.md §4.C: eviction is pure
// insertion order, not least-recently-used). The zero value is not
// usable; construct with New.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
	counters telemetry.Counters
}

// New returns a Cache holding at most capacity entries. counters may be
// telemetry.Noop{} if the caller doesn't need hit accounting.
func New(capacity int, counters telemetry.Counters) *Cache {
	if capacity <= 0 {
		capacity = 1
	}

	if counters == nil {
		counters = telemetry.Noop{}
	}

	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
		counters: counters,
	}
}

// Contains reports whether sph is recorded as known-absent. A hit is
// counted as telemetry.NarinfoHitNegative; a miss is not counted.
func (c *Cache) Contains(sph string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[sph]
	if !ok {
		return false
	}

	c.counters.Inc(telemetry.NarinfoHitNegative)

	return true
}

// Add records sph as known-absent, evicting the oldest-inserted entry
// if the cache is at capacity. Re-adding an already-present sph does not
// change its position — only insertion order determines eviction.
func (c *Cache) Add(sph string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[sph]; ok {
		return
	}

	el := c.ll.PushFront(sph)
	c.items[sph] = el

	if c.ll.Len() > c.capacity {
		c.evictOldest()
	}
}

// Remove drops sph from the cache, used when the pipeline writes that key
// (PutNarinfo, PutNar).
func (c *Cache) Remove(sph string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[sph]
	if !ok {
		return
	}

	c.ll.Remove(el)
	delete(c.items, sph)
}

// Len returns the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ll.Len()
}

func (c *Cache) evictOldest() {
	oldest := c.ll.Back()
	if oldest == nil {
		return
	}

	c.ll.Remove(oldest)
	delete(c.items, oldest.Value.(string))
}
