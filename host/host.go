// Package host defines the out-of-scope integration surface of spec.md
// §6.1 as Go interfaces: a wait-latch primitive, a named shared-lock
// registry, dotted-key configuration lookup, and leveled logging. It has
// no shared-memory allocator hook; postfga.Core allocates from the Go
// heap. postfga.Core is built against Environment
// rather than against any specific embedder, so the same core runs inside
// a test, a CLI harness, or a real background-worker integration.
package host

import (
	"time"

	"github.com/rs/zerolog"
)

// Latch is the wait/signal primitive spec.md §6.1 calls "wait-latch": wait
// with a timeout or until signaled; set-latch callable from any goroutine.
type Latch interface {
	// Wait blocks until Set is called or timeout elapses, returning true
	// if it was signaled, false on timeout. timeout <= 0 waits forever.
	Wait(timeout time.Duration) (signaled bool)
	// Set wakes any goroutine currently in Wait, and causes the next Wait
	// (if none is currently blocked) to return immediately. Safe to call
	// from any goroutine, any number of times.
	Set()
	// Reset clears a pending signal without waiting, mirroring the
	// consumer loop's wait/reset/drain/dispatch cycle of spec.md §4.7.
	Reset()
}

// LockRegistry hands out named mutual-exclusion locks, standing in for
// spec.md §6.1's "named shared-lock registry" (in a real Postgres
// integration, an LWLock tranche; here, a process-wide named sync.Mutex
// set).
type LockRegistry interface {
	Lock(name string)
	Unlock(name string)
}

// Environment is everything postfga.Core needs from its host, per spec.md
// §6.1. A host.InProcess implementation is provided for tests, the CLI
// harness, and as the default when no real embedder is wired.
type Environment interface {
	// NewLatch allocates a Latch private to one producer/consumer pair.
	NewLatch() Latch
	// Locks returns the shared-lock registry.
	Locks() LockRegistry
	// Lookup resolves a dotted configuration key, per spec.md §6.1 and
	// config.Lookup.
	Lookup(key string) (string, bool)
	// Logger returns the structured logger for component-scoped logging
	// (debug/info/warn/error), per spec.md §6.1.
	Logger() *zerolog.Logger
}
