// Package consumer implements the wait-latch main loop of spec.md §4.7:
// wait on the channel's shared latch, reset it, drain ready slot indices,
// dispatch each to the transport client, and complete the slot on
// response. Cancellation is modeled on the teacher's
// eventloop.AbortSignal/AbortController (eventloop/abort.go) — a
// signal-once-with-reason shape, reused here for graceful shutdown instead
// of fetch aborts.
package consumer

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carped99/postfga/channel"
	"github.com/carped99/postfga/dispatch"
	"github.com/carped99/postfga/fgaerr"
	"github.com/carped99/postfga/fgatype"
)

// Latch is the consumer's own wait/reset primitive, signaled by producers
// via the channel whenever a new slot index is enqueued.
type Latch interface {
	Wait(timeout time.Duration) bool
	Reset()
}

const defaultBatchSize = 64
const defaultWaitTimeout = 200 * time.Millisecond

// Loop drains a channel.Channel and dispatches each request via a
// dispatch.Dispatcher, running until Stop is called or its context is
// canceled.
type Loop struct {
	ch         *channel.Channel
	dispatcher *dispatch.Dispatcher
	latch      Latch
	logger     *zerolog.Logger

	// instanceID distinguishes this Loop's log lines from a prior or
	// subsequent one over the same channel (spec.md §8 scenario 6:
	// RestartLoop builds a fresh Loop after a stop, and a single "consumer
	// loop" label in the log stream would otherwise make the two
	// indistinguishable).
	instanceID string

	batchSize   int
	waitTimeout time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New builds a Loop. latch must be the same latch instance given to the
// channel as its consumerLatch, so producer enqueues wake this loop.
func New(ch *channel.Channel, dispatcher *dispatch.Dispatcher, latch Latch, logger *zerolog.Logger) *Loop {
	return &Loop{
		ch:          ch,
		dispatcher:  dispatcher,
		latch:       latch,
		logger:      logger,
		instanceID:  uuid.New().String(),
		batchSize:   defaultBatchSize,
		waitTimeout: defaultWaitTimeout,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run executes the wait/reset/drain/dispatch loop until ctx is canceled or
// Stop is called. It always returns after fully draining any slots it has
// already picked up for dispatch (dispatch itself completes asynchronously
// via goroutines spawned per request, so Run returning does not imply all
// in-flight RPCs have finished — callers that need that should track
// outstanding dispatches separately, e.g. via Stats).
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)

	if l.logger != nil {
		l.logger.Info().Str("loop_instance", l.instanceID).Msg("consumer loop started")
		defer l.logger.Info().Str("loop_instance", l.instanceID).Msg("consumer loop stopped")
	}

	out := make([]int32, l.batchSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		default:
		}

		l.latch.Wait(l.waitTimeout)
		l.latch.Reset()

		for {
			n := l.ch.Drain(out)
			if n == 0 {
				break
			}
			for i := 0; i < n; i++ {
				l.handle(ctx, out[i])
			}
		}
	}
}

// handle dispatches one drained slot. If the slot is no longer Pending
// (the producer cancelled and force-released it), MarkProcessing fails and
// the index is discarded without touching Request/Response, per spec.md
// §9's "the continuation must be robust to producer cancellation".
func (l *Loop) handle(ctx context.Context, idx int32) {
	s := l.ch.Pool().Slot(idx)
	if !s.MarkProcessing() {
		return
	}
	req := s.Request

	go func() {
		outcome := <-l.dispatcher.Dispatch(ctx, req)
		if outcome.Err != nil {
			var resp fgatype.Response
			resp.SetError(statusFor(outcome.Err), outcome.Err.Error())
			s.Response = resp
			s.ErrCode = int32(fgaerr.CodeOf(outcome.Err))
			l.ch.Complete(idx, false)
			return
		}
		s.Response = outcome.Response
		l.ch.Complete(idx, true)
	}()
}

func statusFor(err error) fgatype.Status {
	switch fgaerr.CodeOf(err) {
	case fgaerr.ClientError:
		return fgatype.StatusClientError
	case fgaerr.ServerError:
		return fgatype.StatusServerError
	default:
		return fgatype.StatusTransportError
	}
}

// Stop requests the loop to exit after finishing its current drain pass.
// Safe to call more than once and from any goroutine.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Done returns a channel closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// RunUntilSignal runs loop until ctx is canceled, loop exits on its own, or
// the process receives SIGTERM/SIGINT (graceful stop) or SIGHUP (reload:
// logged, since this module has no on-disk config file to reread — reload
// is a hook point for an embedder with its own configuration source).
func RunUntilSignal(ctx context.Context, loop *Loop) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()

	for {
		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if loop.logger != nil {
					loop.logger.Info().Msg("received SIGHUP: reload requested, no-op in this embedder")
				}
				continue
			}
			loop.Stop()
		}
	}
}
