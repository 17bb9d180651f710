package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/carped99/postfga/channel"
	"github.com/carped99/postfga/dispatch"
	"github.com/carped99/postfga/fgatype"
	"github.com/carped99/postfga/slot"
	"github.com/stretchr/testify/require"
)

type testLatch struct {
	mu sync.Mutex
	ch chan struct{}
}

func newTestLatch() *testLatch { return &testLatch{ch: make(chan struct{}, 1)} }

func (l *testLatch) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.ch:
		return true
	case <-timer.C:
		return false
	}
}

func (l *testLatch) Set() {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case l.ch <- struct{}{}:
	default:
	}
}

func (l *testLatch) Reset() {
	select {
	case <-l.ch:
	default:
	}
}

type fakeTransport struct{}

func (fakeTransport) CheckBatch(_ context.Context, reqs []fgatype.Request) ([]fgatype.Response, error) {
	resps := make([]fgatype.Response, len(reqs))
	for i, r := range reqs {
		resps[i] = fgatype.Response{Status: fgatype.StatusOk, Allowed: r.Tuple.SubjectID == "alice"}
	}
	return resps, nil
}
func (fakeTransport) WriteTuple(context.Context, fgatype.Request) (fgatype.Response, error) {
	return fgatype.Response{Status: fgatype.StatusOk}, nil
}
func (fakeTransport) DeleteTuple(context.Context, fgatype.Request) (fgatype.Response, error) {
	return fgatype.Response{Status: fgatype.StatusOk}, nil
}
func (fakeTransport) GetStore(context.Context, fgatype.Request) (fgatype.Response, error) {
	return fgatype.Response{Status: fgatype.StatusOk}, nil
}
func (fakeTransport) CreateStore(context.Context, fgatype.Request) (fgatype.Response, error) {
	return fgatype.Response{Status: fgatype.StatusOk}, nil
}
func (fakeTransport) DeleteStore(context.Context, fgatype.Request) (fgatype.Response, error) {
	return fgatype.Response{Status: fgatype.StatusOk}, nil
}

func buildLoop(t *testing.T) (*Loop, *channel.Channel) {
	t.Helper()
	pool := slot.NewPool(8)
	consumerLatch := newTestLatch()
	ch := channel.New(pool, 16, consumerLatch)
	d := dispatch.New(fakeTransport{}, dispatch.Config{MaxBatchSize: 1, FlushInterval: time.Millisecond})
	l := New(ch, d, consumerLatch, nil)
	return l, ch
}

func TestLoopProcessesCheckTuple(t *testing.T) {
	l, ch := buildLoop(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)
	defer l.Stop()

	producerLatch := newTestLatch()
	resp, err := ch.Submit(context.Background(), 1, fgatype.Request{
		Variant: fgatype.CheckTuple,
		Tuple:   fgatype.TupleKey{ObjectType: "doc", ObjectID: "budget", Relation: "reader", SubjectType: "user", SubjectID: "alice"},
	}, producerLatch)
	require.NoError(t, err)
	require.True(t, resp.Allowed)
}

func TestStopEndsLoop(t *testing.T) {
	l, _ := buildLoop(t)

	ctx := context.Background()
	go l.Run(ctx)

	l.Stop()
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestHandleDiscardsAlreadyReleasedSlot(t *testing.T) {
	l, ch := buildLoop(t)

	pool := ch.Pool()
	idx, ok := pool.Acquire(1, newTestLatch())
	require.True(t, ok)
	pool.Release(idx) // simulate a producer cancel before the consumer gets to it

	l.handle(context.Background(), idx)
	require.Equal(t, slot.Empty, pool.Slot(idx).State())
}
