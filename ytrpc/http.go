// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
)

const (
	arrowContentType = "application/vnd.apache.arrow.stream"
	httpPrefix       = "/yt_rpc"
	describePath     = httpPrefix + "/__describe__"

	// HTTP headers carrying the frame fields of a request.
	HeaderRequestID = "X-Yt-Request-Id"
	HeaderCodec     = "X-Yt-Codec"
	HeaderTimeout   = "X-Yt-Timeout"
)

// HTTPServer serves requests over HTTP. Each request is a POST of one
// envelope to /yt_rpc/{method}; the response body is the reply stream.
type HTTPServer struct {
	server *Server
	mux    *http.ServeMux
}

// NewHTTPServer creates an HTTP server dispatching to server.
func NewHTTPServer(server *Server) *HTTPServer {
	h := &HTTPServer{server: server}
	h.mux = http.NewServeMux()
	h.mux.HandleFunc(fmt.Sprintf("POST %s/{method}", httpPrefix), h.handleUnary)
	h.mux.HandleFunc(fmt.Sprintf("GET %s", describePath), h.handleDescribe)
	return h
}

// ServeHTTP implements http.Handler.
func (h *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *HTTPServer) handleUnary(w http.ResponseWriter, r *http.Request) {
	method := r.PathValue("method")

	if ct := r.Header.Get("Content-Type"); ct != arrowContentType {
		h.writeHTTPError(w, http.StatusUnsupportedMediaType, CodecNone,
			ServiceError(CodeInvalidParams, "UnsupportedMediaType", "unsupported content type: %s", ct))
		return
	}
	codec, err := ParseCodec(r.Header.Get(HeaderCodec))
	if err != nil {
		h.writeHTTPError(w, http.StatusBadRequest, CodecNone, ServiceError(CodeInvalidParams, "InvalidParams", "%v", err))
		return
	}
	if _, ok := h.server.methods[method]; !ok {
		h.writeHTTPError(w, http.StatusNotFound, codec, ServiceError(CodeNoSuchMethod, "NoSuchMethod",
			"unknown method %q, available methods: %v", method, h.server.availableMethods()))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxFrameSize))
	if err != nil {
		h.writeHTTPError(w, http.StatusBadRequest, codec, ServiceError(CodeInvalidParams, "InvalidParams", "reading body: %v", err))
		return
	}
	payload, err := codec.Decompress(body)
	if err != nil {
		h.writeHTTPError(w, http.StatusBadRequest, CodecNone, ServiceError(CodeInvalidParams, "InvalidParams", "decompressing body: %v", err))
		return
	}

	ctx := r.Context()
	if us, err := strconv.ParseInt(r.Header.Get(HeaderTimeout), 10, 64); err == nil && us > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(us)*time.Microsecond)
		defer cancel()
	}

	out, err := codec.Compress(h.server.handle(ctx, payload, method))
	if err != nil {
		h.writeHTTPError(w, http.StatusInternalServerError, CodecNone, err)
		return
	}
	h.writeArrow(w, http.StatusOK, codec, out)
}

func (h *HTTPServer) handleDescribe(w http.ResponseWriter, _ *http.Request) {
	data, err := EncodeDescribe(h.server.Describe())
	if err != nil {
		h.writeHTTPError(w, http.StatusInternalServerError, CodecNone, err)
		return
	}
	h.writeArrow(w, http.StatusOK, CodecNone, data)
}

// writeHTTPError writes err as an error reply stream with the given status.
func (h *HTTPServer) writeHTTPError(w http.ResponseWriter, statusCode int, codec Codec, err error) {
	var buf bytes.Buffer
	_ = WriteErrorResponse(&buf, arrow.NewSchema(nil, nil), nil, err, h.server.serverID, "", h.server.debugErrors)
	out, cerr := codec.Compress(buf.Bytes())
	if cerr != nil {
		codec, out = CodecNone, buf.Bytes()
	}
	h.writeArrow(w, statusCode, codec, out)
}

func (h *HTTPServer) writeArrow(w http.ResponseWriter, statusCode int, codec Codec, data []byte) {
	w.Header().Set("Content-Type", arrowContentType)
	w.Header().Set(HeaderCodec, codec.String())
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
}

// HTTPBus is a [Bus] that posts each message to an [HTTPServer]. Requests run
// concurrently, so they may reach the service in any order.
type HTTPBus struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
	replies chan Reply

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewHTTPBus returns a bus posting to the service at baseURL, for example
// "http://127.0.0.1:9014". A nil client means http.DefaultClient.
func NewHTTPBus(baseURL string, client *http.Client) *HTTPBus {
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPBus{
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  slog.Default(),
		replies: make(chan Reply, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Send posts m in the background. The reply arrives on Replies.
func (b *HTTPBus) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Method == "" {
		return fmt.Errorf("http bus: message %s has no method", m.RequestID)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		reply := b.post(m)
		select {
		case b.replies <- reply:
		case <-b.ctx.Done():
		}
	}()
	return nil
}

func (b *HTTPBus) post(m Message) Reply {
	ctx := b.ctx
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+httpPrefix+"/"+m.Method, bytes.NewReader(m.Payload))
	if err != nil {
		return Reply{RequestID: m.RequestID, Err: err}
	}
	req.Header.Set("Content-Type", arrowContentType)
	req.Header.Set(HeaderRequestID, m.RequestID.String())
	req.Header.Set(HeaderCodec, m.Codec.String())
	if m.Timeout > 0 {
		req.Header.Set(HeaderTimeout, strconv.FormatInt(m.Timeout.Microseconds(), 10))
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return Reply{RequestID: m.RequestID, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxFrameSize))
	if err != nil {
		return Reply{RequestID: m.RequestID, Err: fmt.Errorf("reading response: %w", err)}
	}
	if resp.Header.Get("Content-Type") != arrowContentType {
		cause := fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		if resp.StatusCode >= http.StatusInternalServerError {
			return Reply{RequestID: m.RequestID, Err: cause}
		}
		// The service rejected the request itself; sending it again would not help.
		e := protocolError(m.RequestID, "unexpected %s reply with status %d", resp.Header.Get("Content-Type"), resp.StatusCode)
		e.Cause = cause
		return Reply{RequestID: m.RequestID, Err: e}
	}
	codec, err := ParseCodec(resp.Header.Get(HeaderCodec))
	if err != nil {
		return Reply{RequestID: m.RequestID, Err: protocolError(m.RequestID, "%v", err)}
	}
	if resp.StatusCode != http.StatusOK {
		b.logger.Debug("http bus: error status", "status", resp.StatusCode, "request_id", m.RequestID)
	}
	return Reply{RequestID: m.RequestID, Codec: codec, Payload: body}
}

// Describe fetches the method descriptions of the service.
func (b *HTTPBus) Describe(ctx context.Context) ([]MethodDescription, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+describePath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, newError(KindTransport, "describe: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxFrameSize))
	if err != nil {
		return nil, newError(KindTransport, "describe: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("describe: http %d", resp.StatusCode)
	}
	return DecodeDescribe(body)
}

// Replies returns the channel of replies.
func (b *HTTPBus) Replies() <-chan Reply {
	return b.replies
}

// Close cancels requests in flight and closes Replies once they have ended.
func (b *HTTPBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	close(b.replies)
	return nil
}
