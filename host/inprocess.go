package host

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// chanLatch implements Latch over a size-1 buffered channel, the same
// level-triggered shape as the teacher's eventloop.AbortSignal, but
// resettable: a Wait/Set/Reset cycle rather than a one-shot abort.
type chanLatch struct {
	mu   sync.Mutex
	ch   chan struct{}
	open bool
}

func newChanLatch() *chanLatch {
	return &chanLatch{ch: make(chan struct{}, 1)}
}

func (l *chanLatch) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-l.ch
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.ch:
		return true
	case <-timer.C:
		return false
	}
}

func (l *chanLatch) Set() {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case l.ch <- struct{}{}:
	default:
		// already signaled and not yet consumed
	}
}

func (l *chanLatch) Reset() {
	select {
	case <-l.ch:
	default:
	}
}

// namedLocks is a process-wide named-mutex registry, backed by a map of
// *sync.Mutex created lazily on first use.
type namedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newNamedLocks() *namedLocks {
	return &namedLocks{locks: make(map[string]*sync.Mutex)}
}

func (n *namedLocks) get(name string) *sync.Mutex {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.locks[name]
	if !ok {
		m = &sync.Mutex{}
		n.locks[name] = m
	}
	return m
}

func (n *namedLocks) Lock(name string)   { n.get(name).Lock() }
func (n *namedLocks) Unlock(name string) { n.get(name).Unlock() }

// InProcess is an Environment implementation with no external
// dependencies: config comes from an in-memory map, logging goes to
// stderr via zerolog, and locks/latches are in-process Go primitives
// shared by every goroutine holding the environment.
// It is the Go-native stand-in for the database-kernel glue spec.md puts
// out of scope (§1's "Out of scope" list).
type InProcess struct {
	config map[string]string
	locks  *namedLocks
	logger zerolog.Logger
}

// NewInProcess builds an InProcess environment from a flat dotted-key
// config map. A nil map is treated as empty (all Lookup calls miss,
// config.Load then falls back to its defaults).
func NewInProcess(config map[string]string) *InProcess {
	return &InProcess{
		config: config,
		locks:  newNamedLocks(),
		logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger(),
	}
}

func (e *InProcess) NewLatch() Latch       { return newChanLatch() }
func (e *InProcess) Locks() LockRegistry   { return e.locks }
func (e *InProcess) Logger() *zerolog.Logger { return &e.logger }

func (e *InProcess) Lookup(key string) (string, bool) {
	v, ok := e.config[key]
	return v, ok
}
