// Package generation implements the monotonic generation counters that
// drive lazy cache invalidation (spec.md §3's "Generation counters" and
// §4.3). A scope is either the single global counter, or a bounded set of
// per-(object-type, object-id) partitions — both confirmed real by the
// original's FgaAclCacheValue.object_gen field (SPEC_FULL.md §9), not just
// a hypothetical extension of spec.md §3's "if the implementation chooses
// to support scoped invalidation".
package generation

import (
	"sync"
	"sync/atomic"

	"github.com/carped99/postfga/cachekey"
)

// maxObjectScopes bounds the per-object partition map so an unbounded
// stream of distinct objects can't grow it forever; past the bound, the
// least-recently-bumped scope is evicted, which only means that object's
// next write triggers a fresh global-style miss cascade rather than a
// perfectly scoped one — a conservative degradation, never a correctness
// issue (spec.md's laziness tolerates unrelated misses).
const maxObjectScopes = 4096

// Registry holds one global atomic.Uint32 and a bounded map of per-object
// counters. All operations are non-blocking with the exception of the rare
// object-scope eviction, which holds a short mutex.
type Registry struct {
	global atomic.Uint32

	mu      sync.Mutex
	objects map[uint64]*scopeEntry
	order   []uint64 // insertion/bump order, front = oldest
}

type scopeEntry struct {
	gen atomic.Uint32
}

// NewRegistry returns a Registry with the global generation starting at 1
// (0 is reserved to mean "never stored", so a zero-value cache entry never
// spuriously matches the current generation).
func NewRegistry() *Registry {
	r := &Registry{objects: make(map[uint64]*scopeEntry)}
	r.global.Store(1)
	return r
}

// Global returns the current global generation.
func (r *Registry) Global() uint32 { return r.global.Load() }

// BumpGlobal atomically increments the global generation, wrapping past
// uint16 max back to 1 (per spec.md §8: "Generation wraparound (16-bit)
// must not produce false hits"). The counter stays in the 16-bit domain
// even though l1cache/l2cache entries store it in uint32 fields, and wrap
// is handled by skipping 0 on overflow.
func (r *Registry) BumpGlobal() uint32 {
	for {
		old := r.global.Load()
		next := nextGen(old)
		if r.global.CompareAndSwap(old, next) {
			return next
		}
	}
}

// Object returns the current generation for the (objectType, objectID)
// scope, falling back to the global generation if no scoped bump has ever
// been recorded for it (an entry is invalid if either its stored global OR
// object generation is stale — see l2cache.entryExpired).
func (r *Registry) Object(objectType, objectID string) uint32 {
	key := cachekey.ObjectKey(objectType, objectID)

	r.mu.Lock()
	e, ok := r.objects[key]
	r.mu.Unlock()
	if !ok {
		return r.Global()
	}
	return e.gen.Load()
}

// BumpObject increments the (objectType, objectID) scope's generation,
// creating it (seeded from the current global generation) if this is the
// first scoped bump for that object.
func (r *Registry) BumpObject(objectType, objectID string) uint32 {
	key := cachekey.ObjectKey(objectType, objectID)

	r.mu.Lock()
	e, ok := r.objects[key]
	if !ok {
		if len(r.objects) >= maxObjectScopes {
			r.evictOldestLocked()
		}
		e = &scopeEntry{}
		e.gen.Store(r.Global())
		r.objects[key] = e
	} else {
		for i, k := range r.order {
			if k == key {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.order = append(r.order, key)
	r.mu.Unlock()

	var result uint32
	for {
		old := e.gen.Load()
		next := nextGen(old)
		if e.gen.CompareAndSwap(old, next) {
			result = next
			break
		}
	}
	return result
}

func (r *Registry) evictOldestLocked() {
	for len(r.order) > 0 {
		oldest := r.order[0]
		r.order = r.order[1:]
		if _, ok := r.objects[oldest]; ok {
			delete(r.objects, oldest)
			return
		}
	}
}

// nextGen advances a 16-bit-domain generation counter (stored in a wider
// uint32 for atomic convenience), skipping the reserved value 0 on wrap.
func nextGen(cur uint32) uint32 {
	next := (cur + 1) & 0xFFFF
	if next == 0 {
		next = 1
	}
	return next
}
