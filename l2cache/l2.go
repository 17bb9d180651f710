// Package l2cache implements the shared, fixed-capacity clock-sweep cache
// with an external fingerprint index, per spec.md §4.2. A single
// sync.RWMutex guards both the entries array and the index, matching
// spec.md §5's "one reader-writer lock per shared cache"; the lock is never
// held across I/O (callers only ever call Lookup/Store, both O(1)-ish and
// CPU-bound).
package l2cache

import (
	"sync"
	"sync/atomic"

	"github.com/carped99/postfga/cachekey"
)

// maxUsage is the saturating cap on an entry's clock-sweep usage counter.
const maxUsage = 5

// maxSweepMultiplier bounds the clock-sweep retry loop at capacity *
// maxSweepMultiplier attempts before giving up (spec.md §4.2: "a bounded
// retry counter prevents pathological loops; exceeding it aborts the
// store"). It is one more full pass than it takes every entry's usage to
// decay from maxUsage to zero, so a full cache of freshly stored entries
// still yields a victim.
const maxSweepMultiplier = maxUsage + 1

type entry struct {
	valid     bool
	allowed   bool
	key       cachekey.Key
	globalGen uint32
	objectGen uint32
	expiresAt int64
	usage     uint8
}

// Cache is a fixed-capacity array of entries plus a fingerprint->slot
// index, guarded by a single RWMutex.
type Cache struct {
	mu       sync.RWMutex
	entries  []entry
	index    map[cachekey.Key]uint32
	nextHand atomic.Uint32

	hits   atomic.Int64
	misses atomic.Int64
}

// New allocates a Cache with room for capacity entries. capacity is
// normally derived from a configured size-in-bytes budget (see
// config.Config.CacheSizeMB) divided by entry size, per spec.md §4.2.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		entries: make([]entry, capacity),
		index:   make(map[cachekey.Key]uint32, capacity*2),
	}
}

// Len returns the number of valid entries currently indexed. For
// diagnostics only; never used on a correctness path.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}

// Lookup takes the lock in shared mode, validates the entry (valid, TTL,
// both generations) and, on a hit, saturating-increments its usage count.
func (c *Cache) Lookup(key cachekey.Key, currentGlobalGen, currentObjectGen uint32, nowMs int64) (allowed bool, ok bool) {
	c.mu.RLock()
	idx, found := c.index[key]
	if !found {
		c.mu.RUnlock()
		c.misses.Add(1)
		return false, false
	}
	e := &c.entries[idx]
	if entryExpired(e, currentGlobalGen, currentObjectGen, nowMs) {
		c.mu.RUnlock()
		// Expired entries are left as they are: Store's clock sweep
		// re-checks expiry and claims them. Lookup takes the exclusive
		// lock only on a hit, to bump usage below.
		c.misses.Add(1)
		return false, false
	}
	allowed = e.allowed
	c.mu.RUnlock()

	c.mu.Lock()
	if e2 := &c.entries[idx]; e2.valid && e2.key == key && e2.usage < maxUsage {
		e2.usage++
	}
	c.mu.Unlock()

	c.hits.Add(1)
	return allowed, true
}

// Store takes the lock in exclusive mode. If key already exists, overwrite
// in place and saturate usage to maxUsage (a freshly written entry starts
// "hot"). Otherwise find a victim by clock-sweep and claim it. nowMs is the
// caller's current time, used only to recognize already-expired victims.
func (c *Cache) Store(key cachekey.Key, globalGen, objectGen uint32, nowMs, expiresAt int64, allowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx, found := c.index[key]; found {
		e := &c.entries[idx]
		*e = entry{valid: true, allowed: allowed, key: key, globalGen: globalGen, objectGen: objectGen, expiresAt: expiresAt, usage: maxUsage}
		return
	}

	victim, wasValid, victimKey, ok := c.findVictimLocked(globalGen, objectGen, nowMs)
	if !ok {
		// Could not find a victim within the bounded retry budget: abort
		// the store. The cache-miss remains correct per spec.md §4.2.
		return
	}

	if wasValid {
		delete(c.index, victimKey)
	}
	c.entries[victim] = entry{valid: true, allowed: allowed, key: key, globalGen: globalGen, objectGen: objectGen, expiresAt: expiresAt, usage: maxUsage}
	c.index[key] = victim
}

// findVictimLocked must be called with c.mu held exclusively. It advances
// the clock hand, claiming the first invalid/expired/stale entry, or the
// first entry whose usage has decayed to zero, per spec.md §4.2. It reports
// whether the claimed slot held a valid entry and, if so, its key, so the
// caller can remove that key from the index — leaving it behind would
// violate the invariant that every indexed key points at a slot that still
// holds that same key's entry.
func (c *Cache) findVictimLocked(currentGlobalGen, currentObjectGen uint32, nowMs int64) (idx uint32, wasValid bool, key cachekey.Key, ok bool) {
	capacity := uint32(len(c.entries))
	maxAttempts := int(capacity) * maxSweepMultiplier
	if maxAttempts == 0 {
		maxAttempts = maxSweepMultiplier
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		i := c.nextHand.Add(1) - 1
		i %= capacity
		e := &c.entries[i]

		if entryExpired(e, currentGlobalGen, currentObjectGen, nowMs) {
			return i, e.valid, e.key, true
		}

		if e.usage > 0 {
			e.usage--
			continue
		}

		// usage == 0 and still valid: second-chance victim.
		return i, e.valid, e.key, true
	}
	return 0, false, cachekey.Key{}, false
}

func entryExpired(e *entry, currentGlobalGen, currentObjectGen uint32, nowMs int64) bool {
	if !e.valid {
		return true
	}
	if e.expiresAt <= nowMs {
		return true
	}
	if e.globalGen != currentGlobalGen {
		return true
	}
	if e.objectGen != currentObjectGen {
		return true
	}
	return false
}
