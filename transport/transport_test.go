package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"

	"github.com/carped99/postfga/config"
	"github.com/carped99/postfga/fgaerr"
	"github.com/carped99/postfga/fgatype"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu        sync.Mutex
	calls     int
	failFirst int // number of leading calls to fail with failCode
	failCode  codes.Code
	invoke    func(calls int, method string, args, reply any) error
}

func (f *fakeConn) Invoke(_ context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.invoke != nil {
		return f.invoke(n, method, args, reply)
	}
	if n <= f.failFirst {
		return status.Error(f.failCode, "transient")
	}
	if reply, ok := reply.(*batchCheckResponse); ok {
		reply.Allowed = []bool{true}
	}
	return nil
}

func (f *fakeConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, status.Error(codes.Unimplemented, "streaming not supported")
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxRetries = 2
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func TestCheckBatchRoundTrip(t *testing.T) {
	conn := &fakeConn{}
	c := New(testConfig(), conn)

	resps, err := c.CheckBatch(context.Background(), []fgatype.Request{{
		StoreID: "s1",
		Tuple:   fgatype.TupleKey{ObjectType: "doc", ObjectID: "budget", Relation: "reader", SubjectType: "user", SubjectID: "alice"},
	}})
	require.NoError(t, err)
	require.Len(t, resps, 1)
	require.True(t, resps[0].Allowed)
}

func TestInvokeRetriesOnUnavailable(t *testing.T) {
	conn := &fakeConn{failFirst: 2, failCode: codes.Unavailable}
	c := New(testConfig(), conn)

	_, err := c.CheckBatch(context.Background(), []fgatype.Request{{
		Tuple: fgatype.TupleKey{ObjectType: "doc", ObjectID: "x", Relation: "r", SubjectType: "user", SubjectID: "u"},
	}})
	require.NoError(t, err)
	require.Equal(t, 3, conn.calls)
}

func TestInvokeExhaustsRetriesAndSurfacesTransportError(t *testing.T) {
	conn := &fakeConn{failFirst: 100, failCode: codes.Unavailable}
	c := New(testConfig(), conn)

	_, err := c.CheckBatch(context.Background(), []fgatype.Request{{
		Tuple: fgatype.TupleKey{ObjectType: "doc", ObjectID: "x", Relation: "r", SubjectType: "user", SubjectID: "u"},
	}})
	require.Error(t, err)
	require.Equal(t, fgaerr.TransportError, fgaerr.CodeOf(err))
	require.Equal(t, 3, conn.calls) // maxRetries=2 -> 3 total attempts
}

func TestInvokeRetriesOnAbortedAndInternal(t *testing.T) {
	for _, code := range []codes.Code{codes.Aborted, codes.Internal} {
		conn := &fakeConn{failFirst: 1, failCode: code}
		c := New(testConfig(), conn)

		_, err := c.CheckBatch(context.Background(), []fgatype.Request{{
			Tuple: fgatype.TupleKey{ObjectType: "doc", ObjectID: "x", Relation: "r", SubjectType: "user", SubjectID: "u"},
		}})
		require.NoError(t, err, "code %s must be retried", code)
		require.Equal(t, 2, conn.calls)
	}
}

func TestInvokeDoesNotRetryClientErrors(t *testing.T) {
	conn := &fakeConn{failFirst: 100, failCode: codes.InvalidArgument}
	c := New(testConfig(), conn)

	_, err := c.CheckBatch(context.Background(), []fgatype.Request{{
		Tuple: fgatype.TupleKey{ObjectType: "doc", ObjectID: "x", Relation: "r", SubjectType: "user", SubjectID: "u"},
	}})
	require.Error(t, err)
	require.Equal(t, fgaerr.ClientError, fgaerr.CodeOf(err))
	require.Equal(t, 1, conn.calls)
}

func TestWriteTupleWireRoundTrip(t *testing.T) {
	var captured tupleMutationRequest
	conn := &fakeConn{invoke: func(_ int, method string, args, reply any) error {
		req := args.(*tupleMutationRequest)
		captured = *req
		return nil
	}}
	c := New(testConfig(), conn)

	_, err := c.WriteTuple(context.Background(), fgatype.Request{
		StoreID: "s1",
		Tuple:   fgatype.TupleKey{ObjectType: "doc", ObjectID: "budget", Relation: "reader", SubjectType: "user", SubjectID: "alice"},
	})
	require.NoError(t, err)
	require.Equal(t, "s1", captured.StoreID)
	require.Equal(t, "budget", captured.Tuple.ObjectID)
}

func TestHealthReportsIdleForNonRealConn(t *testing.T) {
	c := New(testConfig(), &fakeConn{})
	require.Equal(t, connectivity.Idle, c.Health())
}

// TestInFlightCapFailsFastInsteadOfWaiting verifies the in-flight semaphore
// rejects a call immediately with ResourceExhausted once its single token
// is held, rather than blocking for it to free.
func TestInFlightCapFailsFastInsteadOfWaiting(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	conn := &fakeConn{invoke: func(_ int, _ string, _, reply any) error {
		close(started)
		<-release
		if r, ok := reply.(*batchCheckResponse); ok {
			r.Allowed = []bool{true}
		}
		return nil
	}}

	cfg := testConfig()
	cfg.MaxConcurrency = 1
	c := New(cfg, conn)

	req := []fgatype.Request{{Tuple: fgatype.TupleKey{ObjectType: "doc", ObjectID: "x", Relation: "r", SubjectType: "user", SubjectID: "u"}}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.CheckBatch(context.Background(), req)
	}()
	<-started // the first call now holds the only token

	start := time.Now()
	_, err := c.CheckBatch(context.Background(), req)
	elapsed := time.Since(start)

	require.Error(t, err)
	require.Equal(t, fgaerr.TransportError, fgaerr.CodeOf(err))
	require.Less(t, elapsed, 50*time.Millisecond, "exhausted cap must fail fast, not wait for a token")

	close(release)
	<-done
}
