// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import "context"

// CallContext provides request-scoped information and logging to method
// handlers of a [Server].
type CallContext struct {
	// Ctx is the request-scoped context.
	Ctx context.Context
	// Method is the name of the invoked method.
	Method string
	// ServerID is the identifier set with [Server.SetServerID].
	ServerID string
	// Header holds the shared envelope fields of the request: request id,
	// timeout, trace, user agent, additional data, mutating and transactional
	// options.
	Header RequestHeader
	// LogLevel is the minimum severity sent back to the client.
	LogLevel LogLevel
	logs     []LogMessage
}

// ClientLog records a log message that is sent to the client with the reply.
func (ctx *CallContext) ClientLog(level LogLevel, msg string, extras ...KV) {
	if logLevelPriority(level) > logLevelPriority(ctx.LogLevel) {
		return
	}
	logMsg := LogMessage{Level: level, Message: msg}
	if len(extras) > 0 {
		logMsg.Extras = make(map[string]string, len(extras))
		for _, kv := range extras {
			logMsg.Extras[kv.Key] = kv.Value
		}
	}
	ctx.logs = append(ctx.logs, logMsg)
}

func (ctx *CallContext) drainLogs() []LogMessage {
	logs := ctx.logs
	ctx.logs = nil
	return logs
}

type traceKey struct{}

type traceContext struct {
	id      GUID
	sampled bool
}

// WithTrace returns a context whose requests carry the given trace id unless
// the request sets its own.
func WithTrace(ctx context.Context, id GUID, sampled bool) context.Context {
	return context.WithValue(ctx, traceKey{}, traceContext{id: id, sampled: sampled})
}

// TraceFromContext returns the trace id stored by [WithTrace].
func TraceFromContext(ctx context.Context) (id GUID, sampled bool, ok bool) {
	tc, ok := ctx.Value(traceKey{}).(traceContext)
	return tc.id, tc.sampled, ok
}
