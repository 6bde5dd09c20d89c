// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"context"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"
)

// Dispatch sides reported in DispatchInfo.Side.
const (
	DispatchClient = "client"
	DispatchServer = "server"
)

// DispatchHook provides observability callpoints around every dispatch, on
// the client for each sent request and on the server for each handled one.
// Implementations must be safe for concurrent use.
//
// On the client OnDispatchStart runs before the envelope is encoded, so a
// hook may attach a trace with [WithTrace] to the returned context.
type DispatchHook interface {
	OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error)
}

// HookToken is an opaque value returned by OnDispatchStart and passed back to
// OnDispatchEnd.
type HookToken interface{}

// DispatchInfo describes one dispatch.
type DispatchInfo struct {
	Side      string // DispatchClient or DispatchServer
	Method    string
	RequestID GUID
	ServerID  string
	Mutating  bool
	Retry     bool
	// TransportMetadata is the envelope metadata on the server side.
	TransportMetadata map[string]string
}

// CallStatistics holds per-call I/O counters.
type CallStatistics struct {
	RequestBytes int64
	ReplyBytes   int64
	InputRows    int64
	OutputRows   int64
}

// RecordInput records the parameter batch of a request.
func (s *CallStatistics) RecordInput(numRows, payloadBytes int64) {
	s.InputRows += numRows
	s.RequestBytes += payloadBytes
}

// RecordOutput records the result batch of a reply.
func (s *CallStatistics) RecordOutput(numRows, payloadBytes int64) {
	s.OutputRows += numRows
	s.ReplyBytes += payloadBytes
}

// hookStart calls OnDispatchStart, recovering from panics in the hook.
func hookStart(logger *slog.Logger, hook DispatchHook, ctx context.Context, info DispatchInfo) (context.Context, HookToken, bool) {
	if hook == nil {
		return ctx, nil, false
	}
	var token HookToken
	active := false
	func() {
		defer func() {
			if rv := recover(); rv != nil {
				logger.Error("dispatch hook start panic", "err", rv)
			}
		}()
		var hookCtx context.Context
		hookCtx, token = hook.OnDispatchStart(ctx, info)
		if hookCtx != nil {
			ctx = hookCtx
		}
		active = true
	}()
	return ctx, token, active
}

// hookEnd calls OnDispatchEnd, recovering from panics in the hook.
func hookEnd(logger *slog.Logger, hook DispatchHook, ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			logger.Error("dispatch hook end panic", "err", rv)
		}
	}()
	hook.OnDispatchEnd(ctx, token, info, stats, err)
}

// batchBufferSize returns the total top-level buffer size of a batch.
func batchBufferSize(batch arrow.RecordBatch) int64 {
	var total int64
	for i := range int(batch.NumCols()) {
		for _, buf := range batch.Column(i).Data().Buffers() {
			if buf != nil {
				total += int64(buf.Len())
			}
		}
	}
	return total
}
