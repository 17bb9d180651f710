// Package transport wraps a single gRPC connection to the remote
// authorization service as an async unary RPC client with retry/backoff
// and an in-flight request cap, per spec.md §4.6. Grounded on the
// teacher's inprocgrpc.Channel (inprocgrpc/channel.go) for the shape of a
// context-scoped, status/codes-based RPC wrapper, and on
// google.golang.org/grpc/backoff for the retry parameterization; in-flight
// capping uses golang.org/x/sync/semaphore rather than a hand-rolled
// counting channel.
package transport

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/carped99/postfga/config"
	"github.com/carped99/postfga/fgaerr"
	"github.com/carped99/postfga/fgatype"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const (
	methodBatchCheck  = "/postfga.v1.FGAService/BatchCheck"
	methodWriteTuple  = "/postfga.v1.FGAService/WriteTuple"
	methodDeleteTuple = "/postfga.v1.FGAService/DeleteTuple"
	methodGetStore    = "/postfga.v1.FGAService/GetStore"
	methodCreateStore = "/postfga.v1.FGAService/CreateStore"
	methodDeleteStore = "/postfga.v1.FGAService/DeleteStore"
)

// Client is an async unary RPC client over a single grpc.ClientConnInterface.
// Production code constructs one over a real *grpc.ClientConn via Dial;
// tests substitute a fake satisfying the same interface.
type Client struct {
	conn           grpc.ClientConnInterface
	sem            *semaphore.Weighted // nil: unbounded in-flight
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	timeout        time.Duration
}

// New builds a Client over conn using cfg's retry/concurrency/timeout
// settings. conn is typically produced by Dial, but any
// grpc.ClientConnInterface works (including an in-process test double).
func New(cfg config.Config, conn grpc.ClientConnInterface) *Client {
	var sem *semaphore.Weighted
	if cfg.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(cfg.MaxConcurrency))
	}
	return &Client{
		conn:           conn,
		sem:            sem,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		timeout:        cfg.Timeout,
	}
}

// Dial opens a real gRPC connection to cfg.Endpoint, configuring the
// channel's own reconnect backoff (distinct from Client's per-RPC retry
// backoff above) and the message size ceiling from
// cfg.GRPCMessageMaxBytes (SPEC_FULL.md §9: the original's hardcoded
// 4MiB ceiling, now configurable).
//
// Dial uses insecure transport credentials: the remote authorization
// service is assumed to sit behind a service mesh or loopback link in the
// deployments this module targets, per spec.md's "Out of scope" list for
// the surrounding infrastructure.
func Dial(cfg config.Config) (*grpc.ClientConn, error) {
	bo := backoff.DefaultConfig
	if cfg.InitialBackoff > 0 {
		bo.BaseDelay = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		bo.MaxDelay = cfg.MaxBackoff
	}

	maxMsgSize := cfg.GRPCMessageMaxBytes
	if maxMsgSize <= 0 {
		maxMsgSize = 4 << 20
	}

	return grpc.NewClient(
		cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: bo}),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(jsonCodecName),
			grpc.MaxCallRecvMsgSize(maxMsgSize),
			grpc.MaxCallSendMsgSize(maxMsgSize),
		),
	)
}

// Health reports the underlying channel's connectivity state, or
// connectivity.Idle if conn does not expose one (e.g. a test double).
func (c *Client) Health() connectivity.State {
	if cc, ok := c.conn.(*grpc.ClientConn); ok {
		return cc.GetState()
	}
	return connectivity.Idle
}

type tupleWire struct {
	ObjectType  string `json:"object_type"`
	ObjectID    string `json:"object_id"`
	Relation    string `json:"relation"`
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
}

type batchCheckRequest struct {
	StoreID string      `json:"store_id"`
	ModelID string      `json:"model_id"`
	Tuples  []tupleWire `json:"tuples"`
}

type batchCheckResponse struct {
	Allowed []bool `json:"allowed"`
}

// CheckBatch sends one or more coalesced CheckTuple requests as a single
// RPC, returning one Response per input Request in the same order.
func (c *Client) CheckBatch(ctx context.Context, reqs []fgatype.Request) ([]fgatype.Response, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	wire := batchCheckRequest{StoreID: reqs[0].StoreID, ModelID: reqs[0].ModelID}
	wire.Tuples = make([]tupleWire, len(reqs))
	for i, r := range reqs {
		wire.Tuples[i] = tupleWire{
			ObjectType: r.Tuple.ObjectType, ObjectID: r.Tuple.ObjectID,
			Relation: r.Tuple.Relation,
			SubjectType: r.Tuple.SubjectType, SubjectID: r.Tuple.SubjectID,
		}
	}

	var reply batchCheckResponse
	if err := c.invoke(ctx, methodBatchCheck, &wire, &reply); err != nil {
		return nil, err
	}
	if len(reply.Allowed) != len(reqs) {
		return nil, fgaerr.New(fgaerr.TransportError, "batch check: response size mismatch")
	}

	resps := make([]fgatype.Response, len(reqs))
	for i := range reqs {
		resps[i] = fgatype.Response{Status: fgatype.StatusOk, Allowed: reply.Allowed[i]}
	}
	return resps, nil
}

type tupleMutationRequest struct {
	StoreID string    `json:"store_id"`
	ModelID string    `json:"model_id"`
	Tuple   tupleWire `json:"tuple"`
}

type emptyResponse struct{}

// WriteTuple writes a single authorization tuple.
func (c *Client) WriteTuple(ctx context.Context, req fgatype.Request) (fgatype.Response, error) {
	wire := tupleMutationRequest{
		StoreID: req.StoreID, ModelID: req.ModelID,
		Tuple: tupleWire{
			ObjectType: req.Tuple.ObjectType, ObjectID: req.Tuple.ObjectID,
			Relation: req.Tuple.Relation,
			SubjectType: req.Tuple.SubjectType, SubjectID: req.Tuple.SubjectID,
		},
	}
	var reply emptyResponse
	if err := c.invoke(ctx, methodWriteTuple, &wire, &reply); err != nil {
		return fgatype.Response{}, err
	}
	return fgatype.Response{Status: fgatype.StatusOk}, nil
}

// DeleteTuple deletes a single authorization tuple.
func (c *Client) DeleteTuple(ctx context.Context, req fgatype.Request) (fgatype.Response, error) {
	wire := tupleMutationRequest{
		StoreID: req.StoreID, ModelID: req.ModelID,
		Tuple: tupleWire{
			ObjectType: req.Tuple.ObjectType, ObjectID: req.Tuple.ObjectID,
			Relation: req.Tuple.Relation,
			SubjectType: req.Tuple.SubjectType, SubjectID: req.Tuple.SubjectID,
		},
	}
	var reply emptyResponse
	if err := c.invoke(ctx, methodDeleteTuple, &wire, &reply); err != nil {
		return fgatype.Response{}, err
	}
	return fgatype.Response{Status: fgatype.StatusOk}, nil
}

type storeRequest struct {
	StoreID string `json:"store_id"`
	Name    string `json:"name,omitempty"`
}

type storeResponse struct {
	StoreID string `json:"store_id"`
	Name    string `json:"name"`
}

// GetStore reads a store's id and name.
func (c *Client) GetStore(ctx context.Context, req fgatype.Request) (fgatype.Response, error) {
	wire := storeRequest{StoreID: req.TargetStoreID}
	var reply storeResponse
	if err := c.invoke(ctx, methodGetStore, &wire, &reply); err != nil {
		return fgatype.Response{}, err
	}
	return fgatype.Response{Status: fgatype.StatusOk, StoreID: reply.StoreID, StoreName: reply.Name}, nil
}

// CreateStore creates a new store with the given name.
func (c *Client) CreateStore(ctx context.Context, req fgatype.Request) (fgatype.Response, error) {
	wire := storeRequest{Name: req.StoreName}
	var reply storeResponse
	if err := c.invoke(ctx, methodCreateStore, &wire, &reply); err != nil {
		return fgatype.Response{}, err
	}
	return fgatype.Response{Status: fgatype.StatusOk, StoreID: reply.StoreID, StoreName: reply.Name}, nil
}

// DeleteStore deletes a store by id.
func (c *Client) DeleteStore(ctx context.Context, req fgatype.Request) (fgatype.Response, error) {
	wire := storeRequest{StoreID: req.TargetStoreID}
	var reply emptyResponse
	if err := c.invoke(ctx, methodDeleteStore, &wire, &reply); err != nil {
		return fgatype.Response{}, err
	}
	return fgatype.Response{Status: fgatype.StatusOk}, nil
}

// invoke performs one logical RPC, retrying retryable failures per
// spec.md §4.6, capping in-flight calls via sem, and converting the final
// outcome to an fgaerr-coded error. Retryable codes are Unavailable,
// DeadlineExceeded, Aborted and Internal; anything else is surfaced
// immediately, classified by classify (InvalidArgument, NotFound and
// AlreadyExists as ClientError, other codes as ServerError). The final
// error after retries are exhausted goes through the same classify. The in-flight cap gates submission without
// waiting: exhaustion returns a synthetic ResourceExhausted failure right
// away rather than blocking for a token to free.
func (c *Client) invoke(ctx context.Context, method string, args, reply any) error {
	if c.sem != nil {
		if !c.sem.TryAcquire(1) {
			return classify(status.Error(codes.ResourceExhausted, "in-flight request cap exceeded"))
		}
		defer c.sem.Release(1)
	}

	delay := c.initialBackoff
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	maxBackoff := c.maxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 2 * time.Second
	}

	attempts := c.maxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if c.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		}
		err := c.conn.Invoke(callCtx, method, args, reply)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return classify(err)
		}

		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return fgaerr.Wrap(fgaerr.Cancelled, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}

	return classify(lastErr)
}

func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
		return true
	default:
		return false
	}
}

func classify(err error) error {
	switch status.Code(err) {
	case codes.OK:
		return nil
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return fgaerr.Wrap(fgaerr.TransportError, err)
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists:
		return fgaerr.Wrap(fgaerr.ClientError, err)
	default:
		return fgaerr.Wrap(fgaerr.ServerError, err)
	}
}
