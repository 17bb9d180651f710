// Package l1cache implements the per-worker, unsynchronized 2-way
// set-associative cache with single-bit pseudo-LRU, per spec.md §4.1.
//
// A Cache is private to a single goroutine ("worker"); it performs no
// locking and must not be shared across goroutines. Pseudo-LRU with one
// victim bit per set gives exact 2-way LRU with no extra metadata, and
// lookups/stores are O(1) without atomics, because the cache is never
// shared — the same trade-off O-tero's cache-manager.L1Cache
// makes with a container/list LRU list, simplified here because a 2-way
// set only ever needs one bit of ordering, not a full list.
package l1cache

import (
	"github.com/carped99/postfga/cachekey"
)

// numSetsBits sizes the cache at 2^14 sets * 2 ways = 32768 entries,
// matching the original's FGA_L1_NUM_SETS_BITS.
const numSetsBits = 14
const numSets = 1 << numSetsBits
const numWays = 2
const setMask = numSets - 1

type entry struct {
	valid     bool
	allowed   bool
	globalGen uint32
	expiresAt int64 // monotonic-ms
	key       cachekey.Key
}

type set struct {
	ways   [numWays]entry
	victim uint8 // 0 or 1: next way to evict
}

// Cache is a fixed 2^14 sets * 2 ways cache, keyed by cachekey.Key.
type Cache struct {
	sets [numSets]set
}

// New returns an empty Cache.
func New() *Cache { return &Cache{} }

func setIndex(k cachekey.Key) uint32 {
	return uint32(k.Lo) & setMask
}

// Lookup returns (allowed, true) on a hit that is neither TTL-expired nor
// generation-stale, else (false, false). TTL expiry uses exact equality as
// expiry (nowMs >= expiresAt is treated as expired, i.e. "TTL exactly equal
// to now is expired" per spec.md §8).
func (c *Cache) Lookup(key cachekey.Key, currentGen uint32, nowMs int64) (allowed, ok bool) {
	s := &c.sets[setIndex(key)]

	for i := 0; i < numWays; i++ {
		e := &s.ways[i]
		if !e.valid {
			continue
		}
		if e.key != key {
			continue
		}
		if e.expiresAt <= nowMs {
			e.valid = false
			return false, false
		}
		if e.globalGen != currentGen {
			e.valid = false
			return false, false
		}

		// hit: mark the other way as next victim (pseudo-LRU flip-bit)
		s.victim = uint8(i) ^ 1
		return e.allowed, true
	}
	return false, false
}

// Store inserts or updates key's entry. If key is already present in the
// set it is updated in place; otherwise the first invalid way is used, or
// failing that, the way marked by the victim bit.
func (c *Cache) Store(key cachekey.Key, gen uint32, expiresAt int64, allowed bool) {
	s := &c.sets[setIndex(key)]

	emptyWay := -1
	for i := 0; i < numWays; i++ {
		e := &s.ways[i]
		if !e.valid {
			if emptyWay < 0 {
				emptyWay = i
			}
			continue
		}
		if e.key == key {
			writeEntry(e, key, gen, expiresAt, allowed)
			s.victim = uint8(i) ^ 1
			return
		}
	}

	way := emptyWay
	if way < 0 {
		way = int(s.victim)
	}
	writeEntry(&s.ways[way], key, gen, expiresAt, allowed)
	s.victim = uint8(way) ^ 1
}

func writeEntry(e *entry, key cachekey.Key, gen uint32, expiresAt int64, allowed bool) {
	e.valid = true
	e.allowed = allowed
	e.globalGen = gen
	e.expiresAt = expiresAt
	e.key = key
}

// InvalidateAll eagerly wipes every entry.
func (c *Cache) InvalidateAll() {
	for i := range c.sets {
		c.sets[i] = set{}
	}
}

// InvalidateByGeneration eagerly wipes entries stamped with gen old. Lookup
// handles lazy invalidation for any generation it was not explicitly told
// to wipe, so this is an optimization, not a correctness requirement.
func (c *Cache) InvalidateByGeneration(old uint32) {
	for i := range c.sets {
		s := &c.sets[i]
		for w := range s.ways {
			if s.ways[w].valid && s.ways[w].globalGen == old {
				s.ways[w].valid = false
			}
		}
	}
}
