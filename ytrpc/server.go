// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// Service error codes carried in RemoteError.Code.
const (
	CodeGeneric          = 1
	CodeNoSuchMethod     = 103
	CodeInvalidParams    = 104
	CodeDuplicateRequest = 105
	CodeResolveError     = 500
	CodeAlreadyExists    = 501
)

// ServiceError returns an error a handler reports to the client as a
// RemoteError with the given code and type name.
func ServiceError(code int, remoteType, format string, args ...any) *RpcError {
	return &RpcError{
		Type:       KindRemote,
		Message:    fmt.Sprintf(format, args...),
		Code:       code,
		RemoteType: remoteType,
	}
}

// methodInfo stores the registration details for one method.
type methodInfo struct {
	Name         string
	ParamsType   reflect.Type
	ResultType   reflect.Type // nil for void
	ResultSchema *arrow.Schema
	Handler      reflect.Value
}

// Server answers request envelopes with registered handlers.
type Server struct {
	methods      map[string]*methodInfo
	serverID     string
	logger       *slog.Logger
	dispatchHook DispatchHook
	debugErrors  bool
	keeper       *responseKeeper
}

// NewServer creates a server with no methods.
func NewServer() *Server {
	return &Server{
		methods: make(map[string]*methodInfo),
		logger:  slog.Default(),
		keeper:  newResponseKeeper(defaultKeptResponses),
	}
}

// SetServerID sets a server identifier included in reply metadata.
func (s *Server) SetServerID(id string) {
	s.serverID = id
}

// SetLogger sets the logger of the serve loop.
func (s *Server) SetLogger(l *slog.Logger) {
	s.logger = l
}

// SetDispatchHook registers a hook that is called around each dispatch.
func (s *Server) SetDispatchHook(hook DispatchHook) {
	s.dispatchHook = hook
}

// SetDebugErrors controls whether error replies include stack traces.
func (s *Server) SetDebugErrors(enabled bool) {
	s.debugErrors = enabled
}

// Unary registers a method with typed parameters and result. P must be a
// struct with `ytrpc` tags.
func Unary[P any, R any](s *Server, name string, handler func(context.Context, *CallContext, P) (R, error)) {
	paramsType := reflect.TypeFor[P]()
	resultType := reflect.TypeFor[R]()

	if _, err := structToSchema(paramsType); err != nil {
		panic(fmt.Sprintf("ytrpc: registering %q: invalid params type %v: %v", name, paramsType, err))
	}
	schema, err := resultSchema(resultType)
	if err != nil {
		panic(fmt.Sprintf("ytrpc: registering %q: invalid result type %v: %v", name, resultType, err))
	}
	s.methods[name] = &methodInfo{
		Name:         name,
		ParamsType:   paramsType,
		ResultType:   resultType,
		ResultSchema: schema,
		Handler:      reflect.ValueOf(handler),
	}
}

// UnaryVoid registers a method that returns no value.
func UnaryVoid[P any](s *Server, name string, handler func(context.Context, *CallContext, P) error) {
	paramsType := reflect.TypeFor[P]()
	if _, err := structToSchema(paramsType); err != nil {
		panic(fmt.Sprintf("ytrpc: registering %q: invalid params type %v: %v", name, paramsType, err))
	}
	s.methods[name] = &methodInfo{
		Name:         name,
		ParamsType:   paramsType,
		ResultSchema: arrow.NewSchema(nil, nil),
		Handler:      reflect.ValueOf(handler),
	}
}

// Serve accepts connections from l until ctx ends or l fails.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ServeConn(ctx, conn); err != nil {
				s.logger.Error("serve loop error", "remote", conn.RemoteAddr(), "err", err)
			}
		}()
	}
}

// ServeConn answers request frames on conn until it is closed or ctx ends.
// Each request runs on its own goroutine, so replies may be written in a
// different order than the requests arrived. ServeConn owns conn.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var (
		wmu sync.Mutex
		wg  sync.WaitGroup
	)
	defer wg.Wait()

	r := bufio.NewReader(conn)
	for {
		f, err := ReadFrame(r)
		if err != nil {
			if ctx.Err() != nil || isTransportClosed(err) {
				return nil
			}
			return err
		}
		if f.Kind != FrameRequest {
			s.logger.Debug("ignoring unexpected frame", "kind", f.Kind, "request_id", f.RequestID)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply := s.handleFrame(ctx, f)
			wmu.Lock()
			err := WriteFrame(conn, reply)
			wmu.Unlock()
			if err != nil && !isTransportClosed(err) {
				s.logger.Error("writing reply", "request_id", f.RequestID, "err", err)
			}
		}()
	}
}

func (s *Server) handleFrame(ctx context.Context, f Frame) Frame {
	payload, err := f.Codec.Decompress(f.Payload)
	if err != nil {
		return Frame{Kind: FrameError, RequestID: f.RequestID, Payload: []byte(err.Error())}
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	out, err := f.Codec.Compress(s.Handle(ctx, payload))
	if err != nil {
		return Frame{Kind: FrameError, RequestID: f.RequestID, Payload: []byte(err.Error())}
	}
	return Frame{Kind: FrameReply, RequestID: f.RequestID, Codec: f.Codec, Payload: out}
}

// Handle answers one request envelope and returns the reply stream. Errors
// are reported inside the reply.
func (s *Server) Handle(ctx context.Context, envelope []byte) []byte {
	return s.handle(ctx, envelope, "")
}

// handle answers envelope. A non-empty method must match the method named
// in the envelope.
func (s *Server) handle(ctx context.Context, envelope []byte, method string) []byte {
	var out bytes.Buffer
	env, err := ReadEnvelope(bytes.NewReader(envelope))
	if err != nil {
		requestID := ""
		var rpcErr *RpcError
		if errors.As(err, &rpcErr) {
			requestID = rpcErr.RequestID
		}
		_ = WriteErrorResponse(&out, arrow.NewSchema(nil, nil), nil, err, s.serverID, requestID, s.debugErrors)
		return out.Bytes()
	}
	defer env.Batch.Release()

	requestID := env.Header.RequestID.String()
	if method != "" && env.Method != method {
		err := ServiceError(CodeInvalidParams, "MethodMismatch", "request for %q carries an envelope for %q", method, env.Method)
		_ = WriteErrorResponse(&out, arrow.NewSchema(nil, nil), nil, err, s.serverID, requestID, s.debugErrors)
		return out.Bytes()
	}
	mutation := env.Header.Mutating
	if mutation == nil {
		s.dispatch(ctx, &out, env)
		return out.Bytes()
	}

	entry, owner := s.keeper.begin(mutation.MutationID)
	if !owner {
		if !mutation.Retry {
			dup := ServiceError(CodeDuplicateRequest, "DuplicateRequest",
				"mutation %s is already applied or in progress and the request is not marked as retry", mutation.MutationID)
			_ = WriteErrorResponse(&out, arrow.NewSchema(nil, nil), nil, dup, s.serverID, requestID, s.debugErrors)
			return out.Bytes()
		}
		select {
		case <-entry.done:
		case <-ctx.Done():
			err := ServiceError(CodeGeneric, "Canceled", "waiting for mutation %s: %v", mutation.MutationID, ctx.Err())
			_ = WriteErrorResponse(&out, arrow.NewSchema(nil, nil), nil, err, s.serverID, requestID, s.debugErrors)
			return out.Bytes()
		}
		s.logger.Debug("replaying kept response", "method", env.Method, "mutation_id", mutation.MutationID)
		return entry.reply
	}

	defer func() { s.keeper.finish(mutation.MutationID, entry, out.Bytes()) }()
	s.dispatch(ctx, &out, env)
	return out.Bytes()
}

func (s *Server) dispatch(ctx context.Context, w io.Writer, env *Envelope) {
	requestID := env.Header.RequestID.String()
	info, ok := s.methods[env.Method]
	if !ok {
		err := ServiceError(CodeNoSuchMethod, "NoSuchMethod",
			"unknown method %q, available methods: %v", env.Method, s.availableMethods())
		_ = WriteErrorResponse(w, arrow.NewSchema(nil, nil), nil, err, s.serverID, requestID, s.debugErrors)
		return
	}

	dispatchInfo := DispatchInfo{
		Side:              DispatchServer,
		Method:            env.Method,
		RequestID:         env.Header.RequestID,
		ServerID:          s.serverID,
		Mutating:          env.Header.Mutating != nil,
		Retry:             env.Header.Mutating != nil && env.Header.Mutating.Retry,
		TransportMetadata: env.Metadata,
	}
	ctx, token, hookActive := hookStart(s.logger, s.dispatchHook, ctx, dispatchInfo)
	stats := &CallStatistics{}

	handlerErr := s.serveUnary(ctx, w, env, info, stats)

	if hookActive {
		hookEnd(s.logger, s.dispatchHook, ctx, token, dispatchInfo, stats, handlerErr)
	}
}

// serveUnary runs the handler and writes its reply. It returns the error
// reported to the dispatch hook.
func (s *Server) serveUnary(ctx context.Context, w io.Writer, env *Envelope, info *methodInfo, stats *CallStatistics) error {
	requestID := env.Header.RequestID.String()
	params, err := deserializeParams(env.Batch, info.ParamsType)
	if err != nil {
		handlerErr := ServiceError(CodeInvalidParams, "InvalidParams", "parameter deserialization: %v", err)
		_ = WriteErrorResponse(w, info.ResultSchema, nil, handlerErr, s.serverID, requestID, s.debugErrors)
		return handlerErr
	}
	stats.RecordInput(env.Batch.NumRows(), batchBufferSize(env.Batch))

	callCtx := &CallContext{
		Ctx:      ctx,
		Method:   env.Method,
		ServerID: s.serverID,
		Header:   env.Header,
		LogLevel: LogTrace,
	}

	results := info.Handler.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(callCtx), params})
	errVal := results[len(results)-1]
	var callErr error
	if !errVal.IsNil() {
		callErr = errVal.Interface().(error)
	}
	logs := callCtx.drainLogs()

	if callErr != nil {
		if err := WriteErrorResponse(w, info.ResultSchema, logs, callErr, s.serverID, requestID, s.debugErrors); err != nil {
			s.logger.Error("failed to write error response", "err", err)
		}
		return callErr
	}

	if info.ResultType == nil {
		if err := WriteVoidResponse(w, logs, s.serverID, requestID); err != nil {
			s.logger.Error("failed to write response", "err", err)
		}
		return nil
	}

	resultBatch, err := serializeResult(info.ResultSchema, results[0].Interface())
	if err != nil {
		handlerErr := ServiceError(CodeGeneric, "SerializationError", "result serialization: %v", err)
		_ = WriteErrorResponse(w, info.ResultSchema, logs, handlerErr, s.serverID, requestID, s.debugErrors)
		return handlerErr
	}
	defer resultBatch.Release()
	stats.RecordOutput(resultBatch.NumRows(), batchBufferSize(resultBatch))

	if err := WriteUnaryResponse(w, info.ResultSchema, logs, resultBatch, s.serverID, requestID); err != nil {
		s.logger.Error("failed to write response", "err", err)
	}
	return nil
}

// isTransportClosed reports errors that indicate the peer went away.
func isTransportClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset")
}

func (s *Server) availableMethods() []string {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const defaultKeptResponses = 4096

// responseKeeper remembers the replies of mutating requests by mutation id
// so that a retried mutation is answered without being applied twice. A
// mutation is claimed before its handler runs; requests for the same id wait
// for the claim to finish. The oldest finished entries are evicted first.
type responseKeeper struct {
	mu      sync.Mutex
	limit   int
	entries map[GUID]*keptResponse
	order   []GUID
}

// keptResponse is the reply of one mutation. reply is set before done is
// closed.
type keptResponse struct {
	done  chan struct{}
	reply []byte
}

func newResponseKeeper(limit int) *responseKeeper {
	return &responseKeeper{limit: limit, entries: make(map[GUID]*keptResponse)}
}

// begin claims id. It returns the entry for id and whether the caller owns
// it; an owner must call finish.
func (k *responseKeeper) begin(id GUID) (*keptResponse, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if e, ok := k.entries[id]; ok {
		return e, false
	}
	e := &keptResponse{done: make(chan struct{})}
	k.entries[id] = e
	return e, true
}

// finish stores the reply of a claimed entry and wakes its waiters.
func (k *responseKeeper) finish(id GUID, e *keptResponse, reply []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.reply = bytes.Clone(reply)
	close(e.done)
	k.order = append(k.order, id)
	for len(k.order) > k.limit {
		delete(k.entries, k.order[0])
		k.order = k.order[1:]
	}
}

// get returns the reply of a finished mutation.
func (k *responseKeeper) get(id GUID) ([]byte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[id]
	if !ok {
		return nil, false
	}
	select {
	case <-e.done:
		return e.reply, true
	default:
		return nil, false
	}
}
