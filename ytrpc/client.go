// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
)

// DefaultTimeout applies to requests that set no timeout of their own.
const DefaultTimeout = 30 * time.Second

// DefaultUserAgent is sent by requests that set no user agent.
const DefaultUserAgent = "yt-rpc-go/1.0"

// Client dispatches requests through a [Bus] and correlates replies by
// request id. It is safe for concurrent use.
type Client struct {
	bus            Bus
	logger         *slog.Logger
	codec          Codec
	hook           DispatchHook
	userAgent      string
	defaultTimeout time.Duration

	mu      sync.Mutex
	pending map[GUID]*pendingCall
	closed  bool

	loopDone chan struct{}
}

// pendingCall is a correlation slot. complete runs at most once, from the
// receive loop, a timeout timer or a failed send.
type pendingCall struct {
	method   string
	timer    *time.Timer
	complete func(batch arrow.RecordBatch, replyBytes int64, err error)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Service log messages carried in replies are
// forwarded to it.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithCodec sets the compression codec of outgoing envelopes.
func WithCodec(codec Codec) Option {
	return func(c *Client) { c.codec = codec }
}

// WithUserAgent sets the user agent of requests that set none.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithDefaultTimeout sets the timeout of requests that set none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

// WithDispatchHook installs a hook called around every dispatch.
func WithDispatchHook(h DispatchHook) Option {
	return func(c *Client) { c.hook = h }
}

// NewClient starts a client on bus. The client owns the bus.
func NewClient(bus Bus, opts ...Option) *Client {
	c := &Client{
		bus:            bus,
		logger:         slog.Default(),
		userAgent:      DefaultUserAgent,
		defaultTimeout: DefaultTimeout,
		pending:        make(map[GUID]*pendingCall),
		loopDone:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.receiveLoop()
	return c
}

// SetDispatchHook installs a hook called around every dispatch. It must be
// called before the first request.
func (c *Client) SetDispatchHook(h DispatchHook) {
	c.hook = h
}

// Close closes the bus and fails every pending call with TransportFailure.
func (c *Client) Close() error {
	err := c.bus.Close()
	c.failAll(ErrBusClosed)
	<-c.loopDone
	return err
}

// Invoke dispatches req and returns a future for its result. Failures that
// depend on the transport, including envelope encoding errors, are delivered
// through the future; Invoke itself never blocks on a reply.
func Invoke[R any](ctx context.Context, c *Client, req Request) *Future[R] {
	f := newFuture[R]()
	resultType := reflect.TypeFor[R]()
	if resultType == reflect.TypeFor[struct{}]() {
		resultType = nil
	}
	c.dispatch(ctx, req, func(batch arrow.RecordBatch, requestID GUID) (func(), error) {
		v, err := decodeResult(batch, resultType)
		if err != nil {
			return nil, protocolError(requestID, "decoding %s result: %v", req.Method(), err)
		}
		var result R
		if resultType != nil {
			result = v.Interface().(R)
		}
		return func() { f.resolve(result, nil) }, nil
	}, func(err error) {
		f.fail(err)
	})
	return f
}

// dispatch runs the request pipeline: header completion, hook, envelope
// encoding, slot registration and transmission. Either onError is called or
// onResult succeeds and its resolve func runs after the dispatch hook ends.
func (c *Client) dispatch(ctx context.Context, req Request,
	onResult func(batch arrow.RecordBatch, requestID GUID) (resolve func(), err error), onError func(err error)) {

	h := req.Header()
	if h.RequestID.IsZero() {
		h.RequestID = NewGUID()
	}
	if h.Timeout <= 0 {
		h.Timeout = c.defaultTimeout
	}
	if h.UserAgent == "" {
		h.UserAgent = c.userAgent
	}

	info := DispatchInfo{
		Side:      DispatchClient,
		Method:    req.Method(),
		RequestID: h.RequestID,
		Mutating:  h.Mutating != nil,
		Retry:     h.Mutating != nil && h.Mutating.Retry,
	}
	ctx, token, hookActive := hookStart(c.logger, c.hook, ctx, info)
	stats := &CallStatistics{}

	if h.TraceID.IsZero() {
		if id, sampled, ok := TraceFromContext(ctx); ok {
			h.TraceID, h.TraceSampled = id, sampled
		}
	}
	req = req.withHeader(h)
	id := h.RequestID

	finish := func(err error) {
		if hookActive {
			hookEnd(c.logger, c.hook, ctx, token, info, stats, err)
		}
		if err != nil {
			onError(err)
		}
	}

	payload, err := EncodeEnvelope(req)
	if err != nil {
		finish(&RpcError{Type: KindInvalidRequest, Message: err.Error(), RequestID: id.String()})
		return
	}
	stats.RequestBytes = int64(len(payload))
	payload, err = c.codec.Compress(payload)
	if err != nil {
		finish(&RpcError{Type: KindInvalidRequest, Message: fmt.Sprintf("compressing envelope: %v", err), RequestID: id.String()})
		return
	}

	call := &pendingCall{method: req.Method()}
	call.complete = func(batch arrow.RecordBatch, replyBytes int64, err error) {
		stats.ReplyBytes = replyBytes
		if err != nil {
			finish(err)
			return
		}
		defer batch.Release()
		stats.OutputRows = batch.NumRows()
		resolve, err := onResult(batch, id)
		if err != nil {
			finish(err)
			return
		}
		finish(nil)
		resolve()
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		finish(transportError(id, ErrBusClosed))
		return
	case c.pending[id] != nil:
		c.mu.Unlock()
		finish(&RpcError{Type: KindInvalidRequest, Message: "request id is already pending", RequestID: id.String()})
		return
	}
	c.pending[id] = call
	call.timer = time.AfterFunc(h.Timeout, func() { c.expire(id, h.Timeout) })
	c.mu.Unlock()

	msg := Message{Method: req.Method(), RequestID: id, Timeout: h.Timeout, Codec: c.codec, Payload: payload}
	if err := c.bus.Send(context.WithoutCancel(ctx), msg); err != nil {
		if call := c.take(id); call != nil {
			call.complete(nil, 0, transportError(id, err))
		}
		return
	}
	c.logger.Debug("request sent", "method", req.Method(), "request_id", id, "bytes", len(payload))
}

// take removes and returns the pending slot for id, or nil if the call has
// already completed.
func (c *Client) take(id GUID) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := c.pending[id]
	if call == nil {
		return nil
	}
	delete(c.pending, id)
	if call.timer != nil {
		call.timer.Stop()
	}
	return call
}

func (c *Client) expire(id GUID, timeout time.Duration) {
	call := c.take(id)
	if call == nil {
		return
	}
	call.complete(nil, 0, &RpcError{
		Type:      KindTimeout,
		Message:   fmt.Sprintf("%s timed out after %v", call.method, timeout),
		RequestID: id.String(),
	})
}

func (c *Client) receiveLoop() {
	defer close(c.loopDone)
	for reply := range c.bus.Replies() {
		c.deliver(reply)
	}
	c.failAll(ErrBusClosed)
}

func (c *Client) deliver(reply Reply) {
	call := c.take(reply.RequestID)
	if call == nil {
		c.logger.Debug("dropping reply for unknown or expired request", "request_id", reply.RequestID)
		return
	}
	if reply.Err != nil {
		if _, ok := reply.Err.(*RpcError); ok {
			call.complete(nil, 0, reply.Err)
		} else {
			call.complete(nil, 0, transportError(reply.RequestID, reply.Err))
		}
		return
	}
	payload, err := reply.Codec.Decompress(reply.Payload)
	if err != nil {
		e := protocolError(reply.RequestID, "decompressing %s reply", reply.Codec)
		e.Cause = err
		call.complete(nil, int64(len(reply.Payload)), e)
		return
	}
	batch, err := readReply(payload, c.logger, reply.RequestID)
	call.complete(batch, int64(len(payload)), err)
}

// failAll fails every pending call and refuses new ones.
func (c *Client) failAll(cause error) {
	c.mu.Lock()
	c.closed = true
	calls := make(map[GUID]*pendingCall, len(c.pending))
	for id, call := range c.pending {
		if call.timer != nil {
			call.timer.Stop()
		}
		calls[id] = call
	}
	clear(c.pending)
	c.mu.Unlock()

	for id, call := range calls {
		call.complete(nil, 0, transportError(id, cause))
	}
}

// Pending returns the number of calls awaiting a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// GetJobStderr fetches the stderr of a job.
func (c *Client) GetJobStderr(ctx context.Context, req *GetJobStderr) *Future[[]byte] {
	return Invoke[[]byte](ctx, c, req)
}

// StartOperation starts a sort or merge operation and resolves to its id.
func (c *Client) StartOperation(ctx context.Context, req Request) *Future[GUID] {
	switch req.(type) {
	case *SortOperation, *MergeOperation:
		return Invoke[GUID](ctx, c, req)
	default:
		return resolvedFuture(GUID{}, newError(KindInvalidRequest, "%T is not an operation request", req))
	}
}

// CreateNode creates a node and resolves to its id.
func (c *Client) CreateNode(ctx context.Context, req *CreateNode) *Future[GUID] {
	return Invoke[GUID](ctx, c, req)
}

// GetTableStats fetches the row count and data weight of a table.
func (c *Client) GetTableStats(ctx context.Context, req *GetTableStats) *Future[TableStats] {
	return Invoke[TableStats](ctx, c, req)
}

// TableStats implements [TableStatsSource].
func (c *Client) TableStats(ctx context.Context, req *GetTableStats) (TableStats, error) {
	return c.GetTableStats(ctx, req).Get(ctx)
}

// ReadTable reads the rows of a table.
func (c *Client) ReadTable(ctx context.Context, req *ReadTable) *Future[[]Row] {
	return Then(Invoke[[]byte](ctx, c, req), func(data []byte) ([]Row, error) {
		rows, err := DecodeRowStream(data)
		if err != nil {
			return nil, &RpcError{Type: KindProtocol, Message: "decoding read_table rows", Cause: err}
		}
		return rows, nil
	})
}
