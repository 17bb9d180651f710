// Package dispatch converts drained slot indices into transport calls, per
// spec.md §4.5's "Request dispatcher". CheckTuple requests are coalesced
// into small batches before being sent to the transport client; every
// other variant is dispatched as a singleton batch-of-one. The batching
// protocol (a ping/pong submit, a background run loop, a size/interval
// flush trigger) is modeled on the teacher's microbatch.Batcher
// (microbatch/microbatch.go), generalized from a single BatchProcessor
// to a variant-typed dispatch table.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/carped99/postfga/fgaerr"
	"github.com/carped99/postfga/fgatype"
)

// Transport is the subset of transport.Client the dispatcher needs.
// CheckBatch handles one or more coalesced CheckTuple requests in a single
// RPC; the rest are singleton operations.
type Transport interface {
	CheckBatch(ctx context.Context, reqs []fgatype.Request) ([]fgatype.Response, error)
	WriteTuple(ctx context.Context, req fgatype.Request) (fgatype.Response, error)
	DeleteTuple(ctx context.Context, req fgatype.Request) (fgatype.Response, error)
	GetStore(ctx context.Context, req fgatype.Request) (fgatype.Response, error)
	CreateStore(ctx context.Context, req fgatype.Request) (fgatype.Response, error)
	DeleteStore(ctx context.Context, req fgatype.Request) (fgatype.Response, error)
}

// Config controls the CheckTuple batcher.
type Config struct {
	// MaxBatchSize caps how many CheckTuple requests are coalesced into
	// one RPC. Defaults to 16 if 0.
	MaxBatchSize int
	// FlushInterval bounds how long an incomplete batch waits before
	// being sent anyway. Defaults to 10ms if 0.
	FlushInterval time.Duration
}

type checkJob struct {
	req  fgatype.Request
	resp fgatype.Response
	err  error
}

type checkBatch struct {
	jobs []*checkJob
	done chan struct{}

	// runOnce guards runBatch: the full-batch path (submitCheck) and the
	// flush-timer path can both reach runBatch for the same batch if
	// timer.Stop() loses the race against an already-fired AfterFunc, and
	// running it twice would close done twice and dispatch the RPC twice.
	runOnce sync.Once
}

// Dispatcher batches CheckTuple requests and forwards every other variant
// directly, reporting each outcome on the channel Dispatch returns.
type Dispatcher struct {
	transport     Transport
	maxBatchSize  int
	flushInterval time.Duration

	mu      sync.Mutex
	pending *checkBatch
	timer   *time.Timer
}

// New builds a Dispatcher over transport, using cfg (zero value is valid
// and uses the documented defaults).
func New(transport Transport, cfg Config) *Dispatcher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 16
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Millisecond
	}
	return &Dispatcher{
		transport:     transport,
		maxBatchSize:  cfg.MaxBatchSize,
		flushInterval: cfg.FlushInterval,
	}
}

// Outcome is the result of dispatching one request, reported back to the
// consumer loop so it can write the slot's Response/ErrCode and complete
// it.
type Outcome struct {
	Response fgatype.Response
	Err      error
}

// Dispatch routes req to the appropriate transport call, coalescing
// CheckTuple requests into the current pending batch. The returned channel
// receives exactly one Outcome once the request (or its batch) completes.
func (d *Dispatcher) Dispatch(ctx context.Context, req fgatype.Request) <-chan Outcome {
	out := make(chan Outcome, 1)

	if req.Variant == fgatype.CheckTuple && req.Tuple.Empty() {
		out <- Outcome{Err: fgaerr.New(fgaerr.ClientError, "check: tuple fields must not be empty")}
		return out
	}

	switch req.Variant {
	case fgatype.CheckTuple:
		d.submitCheck(ctx, req, out)
	case fgatype.WriteTuple:
		d.singleton(ctx, req, out, d.transport.WriteTuple)
	case fgatype.DeleteTuple:
		d.singleton(ctx, req, out, d.transport.DeleteTuple)
	case fgatype.GetStore:
		d.singleton(ctx, req, out, d.transport.GetStore)
	case fgatype.CreateStore:
		d.singleton(ctx, req, out, d.transport.CreateStore)
	case fgatype.DeleteStore:
		d.singleton(ctx, req, out, d.transport.DeleteStore)
	default:
		out <- Outcome{Err: fgaerr.New(fgaerr.ClientError, "unknown request variant")}
	}

	return out
}

func (d *Dispatcher) singleton(ctx context.Context, req fgatype.Request, out chan<- Outcome, call func(context.Context, fgatype.Request) (fgatype.Response, error)) {
	go func() {
		resp, err := call(ctx, req)
		if err != nil {
			out <- Outcome{Err: fgaerr.Wrap(fgaerr.TransportError, err)}
			return
		}
		out <- Outcome{Response: resp}
	}()
}

// submitCheck appends job to the current pending batch (ping), creating
// one and scheduling its flush if this is the first job, or flushing
// immediately once MaxBatchSize is reached (pong on batch completion,
// delivered asynchronously via out once the batch's RPC returns).
func (d *Dispatcher) submitCheck(ctx context.Context, req fgatype.Request, out chan<- Outcome) {
	job := &checkJob{req: req}

	d.mu.Lock()
	if d.pending == nil {
		d.pending = &checkBatch{done: make(chan struct{})}
		batch := d.pending
		d.timer = time.AfterFunc(d.flushInterval, func() {
			d.flush(ctx, batch)
		})
	}
	d.pending.jobs = append(d.pending.jobs, job)
	batch := d.pending
	full := len(d.pending.jobs) >= d.maxBatchSize
	if full {
		d.pending = nil
		if d.timer != nil {
			d.timer.Stop()
		}
	}
	d.mu.Unlock()

	if full {
		go d.runBatch(ctx, batch)
	}

	go func() {
		<-batch.done
		out <- Outcome{Response: job.resp, Err: job.err}
	}()
}

func (d *Dispatcher) flush(ctx context.Context, batch *checkBatch) {
	d.mu.Lock()
	if d.pending == batch {
		d.pending = nil
	}
	d.mu.Unlock()
	d.runBatch(ctx, batch)
}

func (d *Dispatcher) runBatch(ctx context.Context, batch *checkBatch) {
	batch.runOnce.Do(func() {
		defer close(batch.done)

		reqs := make([]fgatype.Request, len(batch.jobs))
		for i, j := range batch.jobs {
			reqs[i] = j.req
		}

		resps, err := d.transport.CheckBatch(ctx, reqs)
		if err != nil {
			wrapped := fgaerr.Wrap(fgaerr.TransportError, err)
			for _, j := range batch.jobs {
				j.err = wrapped
			}
			return
		}

		for i, j := range batch.jobs {
			if i < len(resps) {
				j.resp = resps[i]
			} else {
				j.err = fgaerr.New(fgaerr.TransportError, "transport returned fewer responses than requests")
			}
		}
	})
}
