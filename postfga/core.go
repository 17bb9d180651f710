// Package postfga is the top-level facade of spec.md §6.2: it wires
// cachekey, l1cache, l2cache, generation, slot, ringqueue, channel,
// dispatch, transport and consumer into the five operations the host
// calls (Check, WriteTuple, DeleteTuple, CreateStore, DeleteStore), plus
// Stats and the ShmemSize/ShmemInit sizing hooks of spec.md §6.4.
package postfga

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/carped99/postfga/cachekey"
	"github.com/carped99/postfga/channel"
	"github.com/carped99/postfga/config"
	"github.com/carped99/postfga/consumer"
	"github.com/carped99/postfga/dispatch"
	"github.com/carped99/postfga/fgaerr"
	"github.com/carped99/postfga/fgatype"
	"github.com/carped99/postfga/generation"
	"github.com/carped99/postfga/host"
	"github.com/carped99/postfga/l1cache"
	"github.com/carped99/postfga/l2cache"
	"github.com/carped99/postfga/slot"
)

// approxEntryBytes estimates an L2 entry's footprint (fingerprint + gen +
// timestamp + usage + index bucket overhead), used to derive capacity from
// config.Config.CacheSizeMB per spec.md §4.2's "capacity derived from a
// configured size-in-bytes budget divided by entry size".
const approxEntryBytes = 64

// Core is the process-wide facade: one shared L2 cache, one channel
// (slot pool + ring), one dispatcher, one consumer loop, one generation
// registry. Per-worker L1 caches live on Worker, not here, per spec.md
// §4.1's "private to a single worker; no synchronization".
type Core struct {
	cfg        config.Config
	env        host.Environment
	registry   *generation.Registry
	l2         *l2cache.Cache
	ch         *channel.Channel
	dispatcher *dispatch.Dispatcher
	loop       *consumer.Loop

	// consumerLatch is retained so a host can rebuild loop (via
	// RestartLoop) without losing the wakeup wired between Channel.Submit
	// and the consumer, after stopping a prior loop (e.g. across a
	// consumer-process restart in a real multi-process embedder).
	consumerLatch host.Latch

	nextOwnerID atomic.Uint64
	stats       statCounters
}

// New builds a Core over transport, sizing its slot pool, ring and L2
// cache from cfg. The consumer loop is built but not started; call Run to
// start it.
func New(cfg config.Config, env host.Environment, transport dispatch.Transport) *Core {
	pool := slot.NewPool(cfg.MaxSlots)
	consumerLatch := env.NewLatch()
	ch := channel.New(pool, cfg.MaxSlots, consumerLatch)

	dispatcher := dispatch.New(transport, dispatch.Config{
		MaxBatchSize:  64,
		FlushInterval: 10 * time.Millisecond,
	})

	c := &Core{
		cfg:           cfg,
		env:           env,
		registry:      generation.NewRegistry(),
		l2:            l2cache.New(l2Capacity(cfg)),
		ch:            ch,
		consumerLatch: consumerLatch,
	}
	c.dispatcher = dispatcher
	c.loop = consumer.New(ch, dispatcher, consumerLatch, env.Logger())
	return c
}

// RestartLoop replaces a stopped consumer loop with a fresh one wired to
// the same channel, dispatcher and consumer latch, so producers already
// enqueued (or about to enqueue) are picked up again instead of blocking
// until their own wait times out. Callers must have observed the previous
// loop's Run return (via its context or Stop) before calling this.
func (c *Core) RestartLoop() {
	c.loop = consumer.New(c.ch, c.dispatcher, c.consumerLatch, c.env.Logger())
}

func l2Capacity(cfg config.Config) int {
	capacity := (cfg.CacheSizeMB << 20) / approxEntryBytes
	if cfg.MaxCacheEntries > 0 && cfg.MaxCacheEntries < capacity {
		capacity = cfg.MaxCacheEntries
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return capacity
}

// Run starts the consumer loop and blocks until ctx is canceled, Stop is
// called, or a term signal arrives (spec.md §4.7's "install signal
// handlers for term/reload").
func (c *Core) Run(ctx context.Context) error {
	return consumer.RunUntilSignal(ctx, c.loop)
}

// Stop requests the consumer loop to exit after finishing its current
// drain pass.
func (c *Core) Stop() { c.loop.Stop() }

// Worker is a per-producer handle: its own L1 cache, a stable owner id,
// and a reusable wait latch, mirroring spec.md §5's "each producer is
// single-threaded cooperatively waiting on its own latch". Callers should
// create one Worker per query-processing goroutine and reuse it across
// calls; a Worker must not be used from more than one goroutine at once.
type Worker struct {
	core *Core
	l1   *l1cache.Cache

	ownerID uint64
	latch   host.Latch
}

// NewWorker allocates a Worker bound to core.
func (c *Core) NewWorker() *Worker {
	return &Worker{
		core:    c,
		l1:      l1cache.New(),
		ownerID: c.nextOwnerID.Add(1),
		latch:   c.env.NewLatch(),
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Check is the hot path of spec.md §2's read-path flow: L1 probe, L2
// probe, and on miss, a channel round trip to the remote service, with the
// result cached back into both levels.
func (w *Worker) Check(ctx context.Context, objectType, objectID, subjectType, subjectID, relation string) (bool, error) {
	key := cachekey.Build(cachekey.Fields{
		StoreID: w.core.cfg.StoreID, ModelID: w.core.cfg.AuthorizationModelID,
		ObjectType: objectType, ObjectID: objectID,
		SubjectType: subjectType, SubjectID: subjectID,
		Relation: relation,
	})

	now := nowMs()
	globalGen := w.core.registry.Global()
	objectGen := w.core.registry.Object(objectType, objectID)

	if allowed, ok := w.l1.Lookup(key, globalGen, now); ok {
		w.core.stats.l1Hits.Add(1)
		return allowed, nil
	}
	w.core.stats.l1Misses.Add(1)

	if allowed, ok := w.core.l2.Lookup(key, globalGen, objectGen, now); ok {
		w.core.stats.l2Hits.Add(1)
		expiresAt := now + w.core.cfg.CacheTTL.Milliseconds()
		w.l1.Store(key, globalGen, expiresAt, allowed)
		return allowed, nil
	}
	w.core.stats.l2Misses.Add(1)

	req := fgatype.Request{
		Variant: fgatype.CheckTuple,
		StoreID: w.core.cfg.StoreID, ModelID: w.core.cfg.AuthorizationModelID,
		Tuple: fgatype.TupleKey{
			ObjectType: objectType, ObjectID: objectID,
			SubjectType: subjectType, SubjectID: subjectID,
			Relation: relation,
		},
	}
	w.core.stats.checkDispatched.Add(1)

	resp, err := w.core.ch.Submit(ctx, w.ownerID, req, w.latch)
	if err != nil {
		if fgaerr.CodeOf(err) == fgaerr.TransportError && !w.core.cfg.FallbackToGRPCOnMiss {
			// Deny-by-default: spec.md §7's "configurable: deny-by-default
			// on TransportError when fallback_to_grpc_on_miss is off and
			// cache is a miss".
			return false, nil
		}
		return false, err
	}

	expiresAt := now + w.core.cfg.CacheTTL.Milliseconds()
	w.core.l2.Store(key, globalGen, objectGen, now, expiresAt, resp.Allowed)
	w.l1.Store(key, globalGen, expiresAt, resp.Allowed)
	return resp.Allowed, nil
}

// submitSystem dispatches a non-Check request on a fresh owner id and
// latch, since WriteTuple/DeleteTuple/CreateStore/DeleteStore callers are
// not tied to a single per-goroutine Worker the way Check callers are.
func (c *Core) submitSystem(ctx context.Context, req fgatype.Request) (fgatype.Response, error) {
	ownerID := c.nextOwnerID.Add(1)
	latch := c.env.NewLatch()
	return c.ch.Submit(ctx, ownerID, req, latch)
}

// WriteTuple writes one authorization tuple and invalidates cached Check
// results for it immediately (spec.md §8 scenario 5). The object-scoped
// generation is bumped for L2's finer-grained invalidation, but the global
// generation is bumped too: L1 entries only ever carry the global
// generation (spec.md §4.1's entry shape has no per-object field), so
// bumping only the object scope would leave a stale L1 hit in place on the
// worker that wrote the tuple.
func (c *Core) WriteTuple(ctx context.Context, tuple fgatype.TupleKey) error {
	req := fgatype.Request{
		Variant: fgatype.WriteTuple,
		StoreID: c.cfg.StoreID, ModelID: c.cfg.AuthorizationModelID,
		Tuple: tuple,
	}
	c.stats.writeDispatched.Add(1)
	_, err := c.submitSystem(ctx, req)
	if err == nil {
		c.registry.BumpObject(tuple.ObjectType, tuple.ObjectID)
		c.registry.BumpGlobal()
	}
	return err
}

// DeleteTuple deletes one authorization tuple and invalidates cached Check
// results for it, for the same reason as WriteTuple.
func (c *Core) DeleteTuple(ctx context.Context, tuple fgatype.TupleKey) error {
	req := fgatype.Request{
		Variant: fgatype.DeleteTuple,
		StoreID: c.cfg.StoreID, ModelID: c.cfg.AuthorizationModelID,
		Tuple: tuple,
	}
	c.stats.deleteDispatched.Add(1)
	_, err := c.submitSystem(ctx, req)
	if err == nil {
		c.registry.BumpObject(tuple.ObjectType, tuple.ObjectID)
		c.registry.BumpGlobal()
	}
	return err
}

// CreateStore creates a new store with the given name.
func (c *Core) CreateStore(ctx context.Context, name string) (id, storeName string, err error) {
	req := fgatype.Request{Variant: fgatype.CreateStore, StoreName: name}
	c.stats.createStoreDispatched.Add(1)
	resp, err := c.submitSystem(ctx, req)
	if err != nil {
		return "", "", err
	}
	return resp.StoreID, resp.StoreName, nil
}

// DeleteStore deletes the store with the given id.
func (c *Core) DeleteStore(ctx context.Context, id string) error {
	req := fgatype.Request{Variant: fgatype.DeleteStore, TargetStoreID: id}
	c.stats.deleteStoreDispatched.Add(1)
	_, err := c.submitSystem(ctx, req)
	return err
}

// BumpGlobal forces every cached Check result to be treated as stale,
// regardless of TTL (spec.md §8 scenario 4). Exposed for hosts that learn
// of an out-of-band policy change (e.g. a policy-model republish).
func (c *Core) BumpGlobal() { c.registry.BumpGlobal() }

// statCounters are the atomic metrics backing Stats, split by cache level
// and request variant per SPEC_FULL.md §9's supplemented stats() detail.
type statCounters struct {
	l1Hits, l1Misses atomic.Int64
	l2Hits, l2Misses atomic.Int64

	checkDispatched       atomic.Int64
	writeDispatched       atomic.Int64
	deleteDispatched      atomic.Int64
	createStoreDispatched atomic.Int64
	deleteStoreDispatched atomic.Int64
}

// Stats is a point-in-time snapshot of Core's counters, safe to read
// without blocking (spec.md §6.2's "stats() -> (per-metric rows) ... never
// blocks").
type Stats struct {
	L1Hits, L1Misses int64
	L2Hits, L2Misses int64

	CheckDispatched       int64
	WriteDispatched       int64
	DeleteDispatched      int64
	CreateStoreDispatched int64
	DeleteStoreDispatched int64

	SlotsInUse     int32
	SlotHighWater  int32
	SlotCapacity   int
	L2EntriesInUse int
}

// Stats reads every counter into a snapshot. Never blocks.
func (c *Core) Stats() Stats {
	pool := c.ch.Pool()
	return Stats{
		L1Hits:   c.stats.l1Hits.Load(),
		L1Misses: c.stats.l1Misses.Load(),
		L2Hits:   c.stats.l2Hits.Load(),
		L2Misses: c.stats.l2Misses.Load(),

		CheckDispatched:       c.stats.checkDispatched.Load(),
		WriteDispatched:       c.stats.writeDispatched.Load(),
		DeleteDispatched:      c.stats.deleteDispatched.Load(),
		CreateStoreDispatched: c.stats.createStoreDispatched.Load(),
		DeleteStoreDispatched: c.stats.deleteStoreDispatched.Load(),

		SlotsInUse:    pool.InUse(),
		SlotHighWater: pool.HighWater(),
		SlotCapacity:  pool.Cap(),

		L2EntriesInUse: c.l2.Len(),
	}
}

// approxSlotBytes/approxRingIndexBytes/approxSharedStateBytes back
// ShmemSize's estimate of the single pre-sized arena spec.md §6.4
// describes: shared state, channel (slot pool + ring), L2 cache.
const (
	approxSlotBytes        = 192
	approxRingIndexBytes   = 4
	approxSharedStateBytes = 512
)

// ShmemSize estimates the byte size of the single pre-sized arena spec.md
// §6.4 describes hosting the shared state, channel, and L2 cache — used
// during a real embedder's shared-memory reservation window. This module
// allocates everything from the Go heap instead (see New), so ShmemSize
// exists only to satisfy the §6.2 contract for embedders that do reserve
// real shared memory up front.
func ShmemSize(cfg config.Config) int64 {
	slots := int64(cfg.MaxSlots) * approxSlotBytes
	ring := int64(ringSize(cfg.MaxSlots)) * approxRingIndexBytes
	l2 := int64(l2Capacity(cfg)) * approxEntryBytes
	return approxSharedStateBytes + slots + ring + l2
}

// ringSize mirrors ringqueue.New's own rounding (next power of two >= n,
// minimum 2) without allocating a Ring just to read its capacity.
func ringSize(n int) int {
	if n < 1 {
		n = 1
	}
	size := 2
	for size < n {
		size <<= 1
	}
	return size
}

// ShmemInit is the two-phase-lifecycle counterpart to ShmemSize (spec.md
// §6.2, §9's "strict two-phase lifecycle"). Since Core's arena is already
// fully allocated by New (this module has no separate reservation step —
// see SPEC_FULL.md §6), ShmemInit only validates that cfg is the same
// configuration New was built with, returning a Fatal error on mismatch
// rather than silently running with an inconsistent size.
func (c *Core) ShmemInit(cfg config.Config) error {
	if cfg.MaxSlots != c.cfg.MaxSlots {
		return fgaerr.New(fgaerr.Fatal, "shmem_init: max_slots does not match the configuration Core was built with")
	}
	return nil
}
