// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytotel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/Query-farm/yt-rpc-go/ytrpc"
	"github.com/Query-farm/yt-rpc-go/ytrpc/localproxy"
)

type telemetry struct {
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
	cfg    OtelConfig
}

func newTelemetry() *telemetry {
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	cfg := DefaultConfig()
	cfg.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	cfg.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	cfg.CustomAttributes = []attribute.KeyValue{attribute.String("deployment", "test")}
	return &telemetry{spans: spans, reader: reader, cfg: cfg}
}

func (tm *telemetry) span(t *testing.T, name string, kind trace.SpanKind) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, s := range tm.spans.Ended() {
		if s.Name() == name && s.SpanKind() == kind {
			return s
		}
	}
	require.Failf(t, "span not found", "%s (%v)", name, kind)
	return nil
}

// sums returns the total of every int64 sum metric by name.
func (tm *telemetry) sums(t *testing.T) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, tm.reader.Collect(context.Background(), &rm))
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += int64(dp.Count)
				}
			}
		}
	}
	return out
}

func attrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := map[attribute.Key]attribute.Value{}
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func instrumentedClient(t *testing.T, tm *telemetry) *ytrpc.Client {
	t.Helper()
	proxy := localproxy.New()
	InstrumentServer(proxy.Server(), tm.cfg)
	client := proxy.NewInProcessClient(context.Background())
	InstrumentClient(client, tm.cfg)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestTracePropagatesToServer(t *testing.T) {
	tm := newTelemetry()
	client := instrumentedClient(t, tm)
	ctx := context.Background()

	req, err := ytrpc.NewCreateNodeBuilder().
		SetPath(ytrpc.NewYPath("//home/t")).
		SetType(ytrpc.NodeTable).
		SetRecursive(true).
		Build()
	require.NoError(t, err)
	_, err = client.CreateNode(ctx, req).Get(ctx)
	require.NoError(t, err)

	clientSpan := tm.span(t, "yt_rpc/create_node", trace.SpanKindClient)
	serverSpan := tm.span(t, "yt_rpc/create_node", trace.SpanKindServer)

	assert.Equal(t, clientSpan.SpanContext().TraceID(), serverSpan.SpanContext().TraceID())
	assert.True(t, serverSpan.Parent().IsRemote())
	assert.True(t, serverSpan.SpanContext().IsSampled())
	assert.Equal(t, codes.Ok, clientSpan.Status().Code)

	ca := attrs(clientSpan)
	assert.Equal(t, "yt_rpc", ca["rpc.system"].AsString())
	assert.Equal(t, "YtRpcProxy", ca["rpc.service"].AsString())
	assert.Equal(t, ytrpc.MethodCreateNode, ca["rpc.method"].AsString())
	assert.True(t, ca["rpc.yt_rpc.mutating"].AsBool())
	assert.Equal(t, "test", ca["deployment"].AsString())
	assert.Equal(t, int64(1), ca["rpc.yt_rpc.output_rows"].AsInt64())
	assert.Positive(t, ca["rpc.yt_rpc.request_bytes"].AsInt64())

	sa := attrs(serverSpan)
	assert.Equal(t, ca["rpc.yt_rpc.request_id"], sa["rpc.yt_rpc.request_id"])
	assert.Equal(t, "localproxy", sa["rpc.yt_rpc.server_id"].AsString())
	assert.Equal(t, ytrpc.DefaultUserAgent, sa["user_agent.original"].AsString())
	assert.Equal(t, int64(1), sa["rpc.yt_rpc.input_rows"].AsInt64())
}

func TestFailedDispatchIsRecorded(t *testing.T) {
	tm := newTelemetry()
	client := instrumentedClient(t, tm)
	ctx := context.Background()

	req, err := ytrpc.NewGetTableStatsBuilder().SetPath(ytrpc.NewYPath("//missing")).Build()
	require.NoError(t, err)
	_, err = client.GetTableStats(ctx, req).Get(ctx)
	require.ErrorIs(t, err, ytrpc.ErrRemote)

	for _, kind := range []trace.SpanKind{trace.SpanKindClient, trace.SpanKindServer} {
		s := tm.span(t, "yt_rpc/get_table_stats", kind)
		assert.Equal(t, codes.Error, s.Status().Code)
		a := attrs(s)
		assert.Equal(t, ytrpc.KindRemote, a["rpc.yt_rpc.error_type"].AsString())
		assert.Equal(t, "ResolveError", a["rpc.yt_rpc.remote_error_type"].AsString())
		require.NotEmpty(t, s.Events(), "the error is recorded as an event")
		assert.Equal(t, "exception", s.Events()[0].Name)
	}
}

func TestMetrics(t *testing.T) {
	tm := newTelemetry()
	client := instrumentedClient(t, tm)
	ctx := context.Background()

	for _, path := range []string{"//a", "//b"} {
		req, err := ytrpc.NewGetTableStatsBuilder().SetPath(ytrpc.NewYPath(path)).Build()
		require.NoError(t, err)
		_, _ = client.GetTableStats(ctx, req).Get(ctx)
	}

	sums := tm.sums(t)
	assert.Equal(t, int64(2), sums["rpc.client.requests"])
	assert.Equal(t, int64(2), sums["rpc.server.requests"])
	assert.Equal(t, int64(2), sums["rpc.client.duration"])
	assert.Equal(t, int64(2), sums["rpc.server.duration"])
}

func TestTracingDisabled(t *testing.T) {
	tm := newTelemetry()
	tm.cfg.EnableTracing = false
	client := instrumentedClient(t, tm)
	ctx := context.Background()

	req, err := ytrpc.NewGetTableStatsBuilder().SetPath(ytrpc.NewYPath("//x")).Build()
	require.NoError(t, err)
	_, _ = client.GetTableStats(ctx, req).Get(ctx)

	assert.Empty(t, tm.spans.Ended())
	assert.Equal(t, int64(1), tm.sums(t)["rpc.client.requests"])
}

func TestRemoteParent(t *testing.T) {
	ctx := context.Background()
	info := ytrpc.DispatchInfo{RequestID: ytrpc.NewGUID()}
	assert.False(t, trace.SpanContextFromContext(remoteParent(ctx, info)).IsValid())

	traceID := ytrpc.GUIDFromParts(1, 2, 3, 4)
	info.TransportMetadata = map[string]string{
		ytrpc.MetaTraceID:      traceID.String(),
		ytrpc.MetaTraceSampled: "true",
	}
	sc := trace.SpanContextFromContext(remoteParent(ctx, info))
	require.True(t, sc.IsValid())
	assert.True(t, sc.IsRemote())
	assert.True(t, sc.IsSampled())
	tid := sc.TraceID()
	assert.Equal(t, traceID, mustDecode(t, tid[:]))
}

func mustDecode(t *testing.T, b []byte) ytrpc.GUID {
	t.Helper()
	id, err := ytrpc.DecodeGUID(b)
	require.NoError(t, err)
	return id
}
