// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package ytotel provides OpenTelemetry instrumentation for yt_rpc clients
// and servers. It implements the [ytrpc.DispatchHook] interface to add
// distributed tracing and metrics to every dispatch.
//
// Usage:
//
//	client := ytrpc.NewClient(bus)
//	ytotel.InstrumentClient(client, ytotel.DefaultConfig())
//
// The client hook puts the trace id of each request span into the request
// envelope, and the server hook continues that trace.
package ytotel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Query-farm/yt-rpc-go/ytrpc"
)

const instrumentationName = "yt_rpc"

// OtelConfig configures OpenTelemetry instrumentation.
type OtelConfig struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed dispatches.
	// Default true.
	RecordExceptions bool
	// ServiceName is the rpc.service attribute value. Defaults to "YtRpcProxy".
	ServiceName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns an OtelConfig with tracing, metrics and exception
// recording enabled. Providers are resolved from the global OTel SDK at
// instrumentation time.
func DefaultConfig() OtelConfig {
	return OtelConfig{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// InstrumentClient installs a client-side hook with
// [ytrpc.Client.SetDispatchHook].
func InstrumentClient(client *ytrpc.Client, cfg OtelConfig) {
	client.SetDispatchHook(newHook(cfg, ytrpc.DispatchClient))
}

// InstrumentServer installs a server-side hook with
// [ytrpc.Server.SetDispatchHook].
func InstrumentServer(server *ytrpc.Server, cfg OtelConfig) {
	server.SetDispatchHook(newHook(cfg, ytrpc.DispatchServer))
}

// NewHook returns the hook used by InstrumentClient or InstrumentServer for
// the given side, for callers that install hooks themselves.
func NewHook(cfg OtelConfig, side string) ytrpc.DispatchHook {
	return newHook(cfg, side)
}

func newHook(cfg OtelConfig, side string) *otelHook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "YtRpcProxy"
	}

	h := &otelHook{
		cfg:    cfg,
		side:   side,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}
	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		h.requestCounter, _ = meter.Int64Counter(fmt.Sprintf("rpc.%s.requests", side),
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of RPC requests"),
		)
		h.durationHistogram, _ = meter.Float64Histogram(fmt.Sprintf("rpc.%s.duration", side),
			metric.WithUnit("s"),
			metric.WithDescription("Duration of RPC requests"),
		)
	}
	return h
}

// otelHook implements ytrpc.DispatchHook with OpenTelemetry tracing and
// metrics.
type otelHook struct {
	cfg               OtelConfig
	side              string
	tracer            trace.Tracer
	requestCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

// spanToken is the HookToken returned by OnDispatchStart.
type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnDispatchStart starts a client or server span. A client span's trace id
// is attached to the context so that it travels in the envelope; a server
// span continues the trace id read from the envelope.
func (h *otelHook) OnDispatchStart(ctx context.Context, info ytrpc.DispatchInfo) (context.Context, ytrpc.HookToken) {
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	kind := trace.SpanKindClient
	if h.side == ytrpc.DispatchServer {
		kind = trace.SpanKindServer
		ctx = remoteParent(ctx, info)
	}

	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "yt_rpc"),
		attribute.String("rpc.service", h.cfg.ServiceName),
		attribute.String("rpc.method", info.Method),
		attribute.String("rpc.yt_rpc.request_id", info.RequestID.String()),
		attribute.Bool("rpc.yt_rpc.mutating", info.Mutating),
	}
	if info.Retry {
		attrs = append(attrs, attribute.Bool("rpc.yt_rpc.retry", true))
	}
	if info.ServerID != "" {
		attrs = append(attrs, attribute.String("rpc.yt_rpc.server_id", info.ServerID))
	}
	if v := info.TransportMetadata[ytrpc.MetaUserAgent]; v != "" {
		attrs = append(attrs, attribute.String("user_agent.original", v))
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	ctx, span := h.tracer.Start(ctx, fmt.Sprintf("yt_rpc/%s", info.Method),
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)

	if h.side == ytrpc.DispatchClient {
		if sc := span.SpanContext(); sc.HasTraceID() {
			tid := sc.TraceID()
			if id, err := ytrpc.DecodeGUID(tid[:]); err == nil {
				ctx = ytrpc.WithTrace(ctx, id, sc.IsSampled())
			}
		}
	}

	return ctx, &spanToken{span: span, startTime: time.Now()}
}

// remoteParent builds a remote span context from the envelope trace id. The
// envelope carries no span id, so the parent span id is taken from the
// request id.
func remoteParent(ctx context.Context, info ytrpc.DispatchInfo) context.Context {
	raw := info.TransportMetadata[ytrpc.MetaTraceID]
	if raw == "" {
		return ctx
	}
	id, err := ytrpc.ParseGUID(raw)
	if err != nil || id.IsZero() {
		return ctx
	}
	tid := trace.TraceID(ytrpc.EncodeGUID(id))
	req := ytrpc.EncodeGUID(info.RequestID)
	var sid trace.SpanID
	copy(sid[:], req[:8])
	if !sid.IsValid() {
		sid[7] = 1
	}
	var flags trace.TraceFlags
	if info.TransportMetadata[ytrpc.MetaTraceSampled] == "true" {
		flags = trace.FlagsSampled
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: flags,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}

// OnDispatchEnd records span attributes, metrics, and ends the span.
func (h *otelHook) OnDispatchEnd(ctx context.Context, token ytrpc.HookToken, info ytrpc.DispatchInfo, stats *ytrpc.CallStatistics, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}

	duration := time.Since(st.startTime)

	status := "ok"
	if err != nil {
		status = "error"
	}

	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("rpc.system", "yt_rpc"),
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.String("rpc.method", info.Method),
			attribute.String("status", status),
		)
		if h.requestCounter != nil {
			h.requestCounter.Add(ctx, 1, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), metricAttrs)
		}
	}

	if st.span == nil {
		return
	}
	if st.span.IsRecording() {
		if stats != nil {
			st.span.SetAttributes(
				attribute.Int64("rpc.yt_rpc.input_rows", stats.InputRows),
				attribute.Int64("rpc.yt_rpc.output_rows", stats.OutputRows),
				attribute.Int64("rpc.yt_rpc.request_bytes", stats.RequestBytes),
				attribute.Int64("rpc.yt_rpc.reply_bytes", stats.ReplyBytes),
			)
		}

		if err != nil {
			st.span.SetStatus(codes.Error, err.Error())
			if h.cfg.RecordExceptions {
				st.span.RecordError(err)
			}
			errType := fmt.Sprintf("%T", err)
			if rpcErr, ok := err.(*ytrpc.RpcError); ok {
				errType = rpcErr.Type
				if rpcErr.RemoteType != "" {
					st.span.SetAttributes(attribute.String("rpc.yt_rpc.remote_error_type", rpcErr.RemoteType))
				}
			}
			st.span.SetAttributes(attribute.String("rpc.yt_rpc.error_type", errType))
		} else {
			st.span.SetStatus(codes.Ok, "")
		}
	}
	st.span.End()
}
