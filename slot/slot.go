// Package slot implements the bounded shared-memory-shaped request/response
// record and the free-list pool that hands them out, per spec.md §3's "Slot"
// and §4.4's acquire/release contract.
//
// A Slot is never owned by a specific goroutine between operations — it is
// borrowed from Pool's free list. It is in at most one data structure at any
// time: the free list, or the consumer's ready queue (ringqueue.Ring),
// never both and never neither while in use.
package slot

import (
	"sync"
	"sync/atomic"

	"github.com/carped99/postfga/fgatype"
)

// State is a Slot's lifecycle stage. Transitions follow
// Empty -> Pending -> Processing -> {Done|Error} -> Empty only.
type State int32

const (
	Empty State = iota
	Pending
	Processing
	Done
	Error
)

func (s State) String() string {
	switch s {
	case Empty:
		return "Empty"
	case Pending:
		return "Pending"
	case Processing:
		return "Processing"
	case Done:
		return "Done"
	case Error:
		return "Error"
	default:
		return "Invalid"
	}
}

// Latch is the per-producer wakeup primitive a Slot's owner blocks on,
// satisfied by the host.Latch a host.Environment hands out, or by the
// lightweight test latches in the slot, channel and consumer tests. It mirrors spec.md §6.1's
// "wait-latch primitive (wait with timeout or until signaled; set-latch from
// any process)".
type Latch interface {
	// Set wakes any goroutine blocked in Wait. Safe to call from any
	// goroutine, including after Wait has already returned.
	Set()
}

// Slot is a reusable request/response record. All fields are plain data;
// the owning party for each field is documented per invariant:
//
//   - State is the sole handoff indicator, mutated atomically by both
//     sides at the documented transition points.
//   - Request is written only by the producer, between Acquire and the
//     Pending->enqueued transition; the consumer may read it only once it
//     observes Processing.
//   - Response and ErrCode are written only by the consumer, between observing
//     Processing and the Done|Error transition.
type Slot struct {
	state atomic.Int32

	// OwnerID identifies the producer that acquired this slot, so the
	// consumer can signal the right party on completion.
	OwnerID uint64
	// RequestID is a monotonic id assigned on acquire, for log
	// correlation (restored per SPEC_FULL.md §9).
	RequestID uint64

	Request  fgatype.Request
	Response fgatype.Response
	ErrCode  int32

	// latch is the producer's wakeup target, set on Acquire and cleared
	// on Release.
	latch Latch

	next int32 // free-list link; -1 terminates the list
}

// State returns the slot's current state. Safe for concurrent use.
func (s *Slot) State() State { return State(s.state.Load()) }

// Latch returns the producer's wakeup target registered at Acquire, or nil
// if the slot has since been released. Used by the consumer side to signal
// completion without threading the latch through every call site.
func (s *Slot) Latch() Latch { return s.latch }

// setState is an unconditional atomic write, used by the owning party at a
// defined transition point.
func (s *Slot) setState(next State) { s.state.Store(int32(next)) }

// CompareAndSetState performs the handoff atomically, returning whether the
// transition from 'from' to 'to' was applied.
func (s *Slot) CompareAndSetState(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// MarkProcessing transitions Pending->Processing. Called by the consumer
// once it has dequeued the slot's index and is about to dispatch the
// request. Returns false if the producer had already released/cancelled
// the slot (observed state != Pending) — the caller must then discard the
// slot without touching Request/Response.
func (s *Slot) MarkProcessing() bool {
	return s.CompareAndSetState(Pending, Processing)
}

// Complete transitions Processing->Done or Processing->Error and signals
// the producer's latch. Called exactly once by the consumer per dispatch.
// If the slot is no longer Processing (the producer cancelled and released
// it, and it may already be back in Pending for a different owner), this is
// a safe no-op: the continuation must not corrupt a slot it no longer owns.
func (s *Slot) Complete(ok bool, latch Latch) {
	to := Done
	if !ok {
		to = Error
	}
	if !s.CompareAndSetState(Processing, to) {
		return
	}
	if latch != nil {
		latch.Set()
	}
}

// Pool is a fixed-capacity array of Slots plus an intrusive free list,
// mirroring the original's FgaChannelSlotPool — array indices stand in for
// the C slist_node links, since there is exactly one pool per process here
// rather than one mapped at different addresses per backend.
type Pool struct {
	mu        sync.Mutex
	slots     []Slot
	freeHead  int32 // -1 when empty
	nextReqID atomic.Uint64
	inUse     atomic.Int32
	highWater atomic.Int32
}

// NewPool allocates a Pool with capacity slots, all initially Empty and on
// the free list.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		panic("slot: capacity must be positive")
	}
	p := &Pool{
		slots: make([]Slot, capacity),
	}
	for i := range p.slots {
		p.slots[i].next = int32(i) - 1
	}
	p.freeHead = int32(capacity) - 1
	return p
}

// Cap returns the pool's fixed capacity.
func (p *Pool) Cap() int { return len(p.slots) }

// InUse returns the number of slots not currently on the free list.
func (p *Pool) InUse() int32 { return p.inUse.Load() }

// HighWater returns the maximum InUse observed since creation.
func (p *Pool) HighWater() int32 { return p.highWater.Load() }

// Acquire pops a slot off the free list, transitions it Empty->Pending,
// assigns ownerID and a fresh request id, and registers latch as the
// producer's wakeup target. Returns fgaerr.ErrNoFreeSlot (via the returned
// bool) if the free list is empty.
func (p *Pool) Acquire(ownerID uint64, latch Latch) (index int32, ok bool) {
	p.mu.Lock()
	if p.freeHead < 0 {
		p.mu.Unlock()
		return -1, false
	}
	idx := p.freeHead
	s := &p.slots[idx]
	p.freeHead = s.next
	p.mu.Unlock()

	s.OwnerID = ownerID
	s.RequestID = p.nextReqID.Add(1)
	s.latch = latch
	s.Request = fgatype.Request{}
	s.Response = fgatype.Response{}
	s.ErrCode = 0
	s.setState(Pending)

	inUse := p.inUse.Add(1)
	for {
		hw := p.highWater.Load()
		if inUse <= hw || p.highWater.CompareAndSwap(hw, inUse) {
			break
		}
	}

	return idx, true
}

// Slot returns a pointer to the slot at index. The index must have come
// from a prior Acquire on this Pool.
func (p *Pool) Slot(index int32) *Slot { return &p.slots[index] }

// Release returns the slot at index to the free list, setting its state to
// Empty. Releasing an already-Empty slot is a no-op (idempotent release,
// per spec.md §8's law), matching the original's release_slot which
// unconditionally pushes — but this Pool only ever reaches Release once
// per acquire in correct callers, so the idempotency guard protects
// against a cancelled producer racing a late consumer completion.
func (p *Pool) Release(index int32) {
	s := &p.slots[index]
	if State(s.state.Swap(int32(Empty))) == Empty {
		// Already empty: don't double-link it into the free list.
		return
	}
	s.latch = nil

	p.mu.Lock()
	s.next = p.freeHead
	p.freeHead = index
	p.mu.Unlock()

	p.inUse.Add(-1)
}
