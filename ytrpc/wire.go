// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// EncodeEnvelope serializes req into a request envelope: one IPC stream
// holding a single-row parameter batch whose custom metadata carries the
// method and the shared header fields. The output depends only on the
// request, so equal requests encode to equal bytes.
func EncodeEnvelope(req Request) ([]byte, error) {
	schema, cols, err := encodeParams(memory.NewGoAllocator(), req.params())
	if err != nil {
		return nil, fmt.Errorf("encoding %s params: %w", req.Method(), err)
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	meta := envelopeMetadata(req.Method(), req.Header())
	batch := array.NewRecordBatchWithMetadata(schema, cols, 1, meta)
	defer batch.Release()
	return writeIPC(schema, batch)
}

func formatBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// envelopeMetadata lays out the header fields in a fixed key order.
// Additional data keys follow in sorted order.
func envelopeMetadata(method string, h RequestHeader) arrow.Metadata {
	keys := []string{MetaMethod, MetaRequestVersion, MetaRequestID}
	vals := []string{method, ProtocolVersion, h.RequestID.String()}

	if h.Timeout > 0 {
		keys = append(keys, MetaTimeout)
		vals = append(vals, strconv.FormatInt(h.Timeout.Microseconds(), 10))
	}
	if !h.TraceID.IsZero() {
		keys = append(keys, MetaTraceID, MetaTraceSampled)
		vals = append(vals, h.TraceID.String(), formatBool(h.TraceSampled))
	}
	if h.UserAgent != "" {
		keys = append(keys, MetaUserAgent)
		vals = append(vals, h.UserAgent)
	}
	if m := h.Mutating; m != nil {
		keys = append(keys, MetaMutationID, MetaRetry)
		vals = append(vals, m.MutationID.String(), formatBool(m.Retry))
	}
	if t := h.Transactional; t != nil {
		keys = append(keys, MetaTransactionID, MetaPing, MetaPingAncestors)
		vals = append(vals, t.TransactionID.String(), formatBool(t.Ping), formatBool(t.PingAncestors))
	}
	for _, k := range slices.Sorted(maps.Keys(h.AdditionalData)) {
		keys = append(keys, MetaExtraPrefix+k)
		vals = append(vals, h.AdditionalData[k])
	}
	return arrow.NewMetadata(keys, vals)
}

// parseHeader is the inverse of envelopeMetadata.
func parseHeader(meta map[string]string) (RequestHeader, error) {
	var h RequestHeader
	var err error

	parseGUID := func(key string) GUID {
		v, ok := meta[key]
		if !ok || err != nil {
			return GUID{}
		}
		g, perr := ParseGUID(v)
		if perr != nil {
			err = fmt.Errorf("%s: %w", key, perr)
		}
		return g
	}
	parseBool := func(key string) bool {
		v, ok := meta[key]
		if !ok || err != nil {
			return false
		}
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			err = fmt.Errorf("%s: %w", key, perr)
		}
		return b
	}

	h.RequestID = parseGUID(MetaRequestID)
	if v, ok := meta[MetaTimeout]; ok {
		us, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil || us < 0 {
			return RequestHeader{}, fmt.Errorf("%s: bad value %q", MetaTimeout, v)
		}
		h.Timeout = time.Duration(us) * time.Microsecond
	}
	if _, ok := meta[MetaTraceID]; ok {
		h.TraceID = parseGUID(MetaTraceID)
		h.TraceSampled = parseBool(MetaTraceSampled)
	}
	h.UserAgent = meta[MetaUserAgent]
	if _, ok := meta[MetaMutationID]; ok {
		h.Mutating = &MutatingOptions{
			MutationID: parseGUID(MetaMutationID),
			Retry:      parseBool(MetaRetry),
		}
	}
	if _, ok := meta[MetaTransactionID]; ok {
		h.Transactional = &TransactionalOptions{
			TransactionID: parseGUID(MetaTransactionID),
			Ping:          parseBool(MetaPing),
			PingAncestors: parseBool(MetaPingAncestors),
		}
	}
	for k, v := range meta {
		if name, ok := strings.CutPrefix(k, MetaExtraPrefix); ok {
			if h.AdditionalData == nil {
				h.AdditionalData = AdditionalData{}
			}
			h.AdditionalData[name] = v
		}
	}
	if err != nil {
		return RequestHeader{}, err
	}
	return h, nil
}

func batchMetadata(batch arrow.RecordBatch) arrow.Metadata {
	if rb, ok := batch.(arrow.RecordBatchWithMetadata); ok {
		return rb.Metadata()
	}
	return arrow.Metadata{}
}

func metadataMap(meta arrow.Metadata) map[string]string {
	out := make(map[string]string, meta.Len())
	for i := range meta.Len() {
		out[meta.Keys()[i]] = meta.Values()[i]
	}
	return out
}

// Envelope is a request envelope as read by a service.
type Envelope struct {
	Method   string
	Header   RequestHeader
	Batch    arrow.RecordBatch
	Metadata map[string]string
}

// ReadEnvelope reads one complete request envelope. The caller releases
// Envelope.Batch.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		return nil, &RpcError{Type: KindProtocol, Message: "reading request IPC stream", Cause: err}
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, &RpcError{Type: KindProtocol, Message: "reading request batch", Cause: err}
		}
		return nil, io.EOF
	}
	batch := reader.RecordBatch()
	batch.Retain()

	meta := metadataMap(batchMetadata(batch))
	fail := func(format string, args ...any) (*Envelope, error) {
		batch.Release()
		e := newError(KindProtocol, format, args...)
		e.RequestID = meta[MetaRequestID]
		return nil, e
	}

	method, ok := meta[MetaMethod]
	if !ok {
		return fail("missing %q in request metadata", MetaMethod)
	}
	if v := meta[MetaRequestVersion]; v != ProtocolVersion {
		return fail("unsupported request version %q, expected %q", v, ProtocolVersion)
	}
	if batch.Schema().NumFields() > 0 && batch.NumRows() != 1 {
		return fail("expected 1 row in request batch, got %d", batch.NumRows())
	}
	header, err := parseHeader(meta)
	if err != nil {
		return fail("bad request header: %v", err)
	}

	for reader.Next() {
		// drain to EOS
	}

	return &Envelope{Method: method, Header: header, Batch: batch, Metadata: meta}, nil
}

// emptyBatch creates a zero-row batch with the given schema.
func emptyBatch(schema *arrow.Schema) arrow.RecordBatch {
	mem := memory.NewGoAllocator()
	cols := make([]arrow.Array, schema.NumFields())
	for i, f := range schema.Fields() {
		b := array.NewBuilder(mem, f.Type)
		cols[i] = b.NewArray()
		b.Release()
	}
	batch := array.NewRecordBatch(schema, cols, 0)
	for _, c := range cols {
		c.Release()
	}
	return batch
}

func writeMetaBatch(w *ipc.Writer, schema *arrow.Schema, keys, vals []string) error {
	batch := emptyBatch(schema)
	defer batch.Release()

	withMeta := array.NewRecordBatchWithMetadata(schema, batch.Columns(), 0, arrow.NewMetadata(keys, vals))
	defer withMeta.Release()
	return w.Write(withMeta)
}

// writeLogBatch writes a zero-row batch carrying a log message.
func writeLogBatch(w *ipc.Writer, schema *arrow.Schema, msg LogMessage, serverID, requestID string) error {
	keys := []string{MetaLogLevel, MetaLogMessage}
	vals := []string{string(msg.Level), msg.Message}

	if len(msg.Extras) > 0 {
		extraJSON, err := json.Marshal(msg.Extras)
		if err != nil {
			extraJSON = []byte(`{}`)
		}
		keys = append(keys, MetaLogExtra)
		vals = append(vals, string(extraJSON))
	}
	if serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, serverID)
	}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}
	return writeMetaBatch(w, schema, keys, vals)
}

// writeErrorBatch writes a zero-row EXCEPTION batch. A service error code is
// carried in yt_rpc.error_code.
func writeErrorBatch(w *ipc.Writer, schema *arrow.Schema, err error, serverID, requestID string, debug bool) error {
	keys := []string{MetaLogLevel, MetaLogMessage, MetaLogExtra}
	vals := []string{string(LogException), err.Error(), buildErrorExtra(err, debug)}

	if rpcErr, ok := err.(*RpcError); ok && rpcErr.Code != 0 {
		keys = append(keys, MetaErrorCode)
		vals = append(vals, strconv.Itoa(rpcErr.Code))
	}
	if serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, serverID)
	}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}
	return writeMetaBatch(w, schema, keys, vals)
}

// WriteUnaryResponse writes a reply stream: log batches followed by the
// result batch.
func WriteUnaryResponse(w io.Writer, schema *arrow.Schema, logs []LogMessage,
	result arrow.RecordBatch, serverID, requestID string) error {

	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	for _, logMsg := range logs {
		if err := writeLogBatch(writer, schema, logMsg, serverID, requestID); err != nil {
			writer.Close()
			return fmt.Errorf("writing log batch: %w", err)
		}
	}
	if err := writer.Write(result); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}

// WriteErrorResponse writes a reply stream: log batches followed by an
// EXCEPTION batch describing err.
func WriteErrorResponse(w io.Writer, schema *arrow.Schema, logs []LogMessage, err error,
	serverID, requestID string, debug bool) error {

	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	for _, logMsg := range logs {
		if werr := writeLogBatch(writer, schema, logMsg, serverID, requestID); werr != nil {
			slog.Error("failed to write log batch", "err", werr)
		}
	}
	if werr := writeErrorBatch(writer, schema, err, serverID, requestID, debug); werr != nil {
		writer.Close()
		return werr
	}
	return writer.Close()
}

// WriteVoidResponse writes a reply stream with logs and an empty result.
func WriteVoidResponse(w io.Writer, logs []LogMessage, serverID, requestID string) error {
	schema := arrow.NewSchema(nil, nil)
	batch := emptyBatch(schema)
	defer batch.Release()
	return WriteUnaryResponse(w, schema, logs, batch, serverID, requestID)
}

// readReply decodes a reply stream. Log batches are forwarded to logger; an
// EXCEPTION batch becomes a RemoteError. Anything else that is not exactly
// one result batch is a ProtocolError. The caller releases the batch.
func readReply(payload []byte, logger *slog.Logger, requestID GUID) (arrow.RecordBatch, error) {
	reader, err := ipc.NewReader(bytes.NewReader(payload))
	if err != nil {
		e := protocolError(requestID, "malformed reply")
		e.Cause = err
		return nil, e
	}
	defer reader.Release()

	var result arrow.RecordBatch
	release := func() {
		if result != nil {
			result.Release()
		}
	}
	for reader.Next() {
		batch := reader.RecordBatch()
		meta := batchMetadata(batch)
		level, isLog := meta.GetValue(MetaLogLevel)
		if !isLog {
			if result != nil {
				release()
				return nil, protocolError(requestID, "reply holds more than one result batch")
			}
			batch.Retain()
			result = batch
			continue
		}

		msg, _ := meta.GetValue(MetaLogMessage)
		extraJSON, _ := meta.GetValue(MetaLogExtra)
		if LogLevel(level) == LogException {
			release()
			return nil, remoteErrorFromBatch(meta, msg, extraJSON, requestID)
		}

		attrs := []any{"request_id", requestID.String()}
		if sid, ok := meta.GetValue(MetaServerID); ok {
			attrs = append(attrs, "server_id", sid)
		}
		if extraJSON != "" {
			var extras map[string]string
			if json.Unmarshal([]byte(extraJSON), &extras) == nil {
				for _, k := range slices.Sorted(maps.Keys(extras)) {
					attrs = append(attrs, k, extras[k])
				}
			}
		}
		logger.Log(context.Background(), slogLevel(LogLevel(level)), msg, attrs...)
	}
	if err := reader.Err(); err != nil {
		release()
		e := protocolError(requestID, "malformed reply")
		e.Cause = err
		return nil, e
	}
	if result == nil {
		return nil, protocolError(requestID, "reply has no result batch")
	}
	return result, nil
}

func remoteErrorFromBatch(meta arrow.Metadata, msg, extraJSON string, requestID GUID) *RpcError {
	extra := parseErrorExtra(extraJSON)
	e := &RpcError{
		Type:       KindRemote,
		Message:    msg,
		RequestID:  requestID.String(),
		RemoteType: extra.ExceptionType,
		Code:       extra.Code,
		Traceback:  extra.Traceback,
	}
	if extra.ExceptionMessage != "" {
		e.Message = extra.ExceptionMessage
	}
	if v, ok := meta.GetValue(MetaErrorCode); ok {
		if code, err := strconv.Atoi(v); err == nil {
			e.Code = code
		}
	}
	return e
}
