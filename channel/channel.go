// Package channel implements the producer-side enqueue-and-wait and the
// consumer-side drain over a slot.Pool and a ringqueue.Ring, per spec.md
// §4.4's "Channel" component. The wait loop is modeled on the teacher's
// longpoll.Channel: a latch wait bounded by a short poll interval, so a
// producer's context cancellation is observed promptly without abandoning
// latch-based wakeup as the primary signal (spec.md §9 explicitly
// deprecates pure pg_usleep-style polling for the wakeup itself).
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/carped99/postfga/fgaerr"
	"github.com/carped99/postfga/fgatype"
	"github.com/carped99/postfga/ringqueue"
	"github.com/carped99/postfga/slot"
)

// Latch is the wait/signal primitive a producer blocks on, and the
// consumer-wake target a producer signals after enqueuing. Satisfied by
// host.Latch.
type Latch interface {
	Wait(timeout time.Duration) bool
	Set()
}

// pollInterval bounds how long a producer's Wait blocks between checks of
// ctx.Done(), trading a little latency on cancellation for not needing a
// context-aware latch primitive.
const pollInterval = 20 * time.Millisecond

// Channel wires a slot.Pool to a ringqueue.Ring behind a single mutex
// guarding the ring's head/tail, per spec.md §5 ("no cache lock is held
// while the channel lock is held"; the slot pool's own free-list lock is
// separate, an accepted simplification from the spec's single combined
// lock).
type Channel struct {
	mu            sync.Mutex
	ring          *ringqueue.Ring
	pool          *slot.Pool
	consumerLatch Latch
}

// New builds a Channel over pool, with a ring of the given capacity
// (rounded up to a power of two by ringqueue.New), signaling consumerLatch
// whenever a producer enqueues a slot index.
func New(pool *slot.Pool, ringCapacity int, consumerLatch Latch) *Channel {
	return &Channel{
		ring:          ringqueue.New(ringCapacity),
		pool:          pool,
		consumerLatch: consumerLatch,
	}
}

// Pool exposes the underlying slot pool to the consumer/dispatch layers.
func (c *Channel) Pool() *slot.Pool { return c.pool }

// Submit acquires a slot, writes req into it, enqueues its index and wakes
// the consumer, then blocks until the consumer completes it or ctx is
// canceled. On cancellation the slot is force-released (per slot.Pool's
// idempotent-release law); any later stale completion from the consumer is
// a documented safe no-op (spec.md §8 scenario 2).
func (c *Channel) Submit(ctx context.Context, ownerID uint64, req fgatype.Request, latch Latch) (fgatype.Response, error) {
	if err := ctx.Err(); err != nil {
		return fgatype.Response{}, err
	}

	idx, ok := c.pool.Acquire(ownerID, latch)
	if !ok {
		return fgatype.Response{}, fgaerr.ErrNoFreeSlot
	}
	c.pool.Slot(idx).Request = req

	c.mu.Lock()
	enqueued := c.ring.Enqueue(uint32(idx))
	c.mu.Unlock()
	if !enqueued {
		c.pool.Release(idx)
		return fgatype.Response{}, fgaerr.ErrQueueFull
	}

	c.consumerLatch.Set()

	for {
		if latch.Wait(pollInterval) {
			break
		}
		if err := ctx.Err(); err != nil {
			c.pool.Release(idx)
			return fgatype.Response{}, fgaerr.ErrCancelled
		}
	}

	s := c.pool.Slot(idx)
	resp := s.Response
	errCode := s.ErrCode
	st := s.State()
	c.pool.Release(idx)

	if st == slot.Error {
		msg := resp.ErrorMessage
		if msg == "" {
			msg = "dispatch failed"
		}
		return resp, fgaerr.New(fgaerr.Code(errCode), msg)
	}
	return resp, nil
}

// Drain pops up to len(out) slot indices off the ring into out for the
// consumer to process, returning the number drained.
func (c *Channel) Drain(out []int32) int {
	raw := make([]uint32, len(out))
	c.mu.Lock()
	n := c.ring.Drain(raw)
	c.mu.Unlock()
	for i := 0; i < n; i++ {
		out[i] = int32(raw[i])
	}
	return n
}

// Complete transitions the slot at idx to Done (ok) or Error, and signals
// its producer's latch. Safe to call on a stale/abandoned slot: the
// underlying slot.Slot.Complete is a no-op if the slot is no longer
// Processing.
func (c *Channel) Complete(idx int32, ok bool) {
	s := c.pool.Slot(idx)
	s.Complete(ok, s.Latch())
}
