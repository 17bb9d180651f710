// Package ringqueue implements the fixed-capacity, power-of-two index ring
// that carries slot indices from producers to the consumer, per spec.md
// §3's "Ring queue" and §4.4's enqueue/drain contract.
//
// Capacity is fixed at construction; the ring never resizes. All methods
// assume the caller holds the channel lock (spec.md §5: "one mutual-
// exclusion lock per channel") — Ring itself performs no locking.
package ringqueue

// Ring is a power-of-two-sized array of slot indices plus head/tail
// cursors, modeled on the teacher's catrate.ringBuffer masking arithmetic
// (catrate/ring.go), narrowed from a generic ordered/growable ring to a
// fixed-capacity uint32 index ring: this ring never inserts out of FIFO
// order and never grows.
type Ring struct {
	values []uint32
	mask   uint32
	head   uint32
	tail   uint32
}

// New allocates a Ring whose capacity is the next power of two >= capacity
// (minimum 2, so at least one slot index can be queued at a time — the
// ring always wastes one slot, head==tail meaning empty).
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	size := 2
	for size < capacity {
		size <<= 1
	}
	return &Ring{
		values: make([]uint32, size),
		mask:   uint32(size) - 1,
	}
}

// Cap returns the usable capacity: at most Cap() indices may be queued
// simultaneously (one array slot is always kept empty to disambiguate
// full from empty using only head/tail).
func (r *Ring) Cap() int { return len(r.values) - 1 }

// Len returns the number of queued indices.
func (r *Ring) Len() int { return int((r.head - r.tail) & r.mask) }

// Full reports whether the ring has no room for another index.
func (r *Ring) Full() bool { return r.Len() == r.Cap() }

// Empty reports whether the ring has no queued indices.
func (r *Ring) Empty() bool { return r.head == r.tail }

// Enqueue appends index at head, advancing head. Returns false if the ring
// is full (queue size == capacity-1, per spec.md §8's boundary behavior).
func (r *Ring) Enqueue(index uint32) bool {
	if r.Full() {
		return false
	}
	r.values[r.head&r.mask] = index
	r.head++
	return true
}

// Drain copies up to len(out) indices starting at tail into out, advancing
// tail, and returns the number copied. Bounded by len(out) and the
// compile-time cap the caller applies (spec.md §4.4: "bounded by a
// compile-time cap, e.g., 64").
func (r *Ring) Drain(out []uint32) int {
	n := 0
	for n < len(out) && !r.Empty() {
		out[n] = r.values[r.tail&r.mask]
		r.tail++
		n++
	}
	return n
}
