// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Query-farm/yt-rpc-go/ytrpc"
	"github.com/Query-farm/yt-rpc-go/ytrpc/localproxy"
)

var writerSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

func newProxyClient(t *testing.T) (*localproxy.Proxy, *ytrpc.Client) {
	t.Helper()
	proxy := localproxy.New()
	client := proxy.NewInProcessClient(context.Background())
	t.Cleanup(func() { client.Close() })
	return proxy, client
}

func openWriter(t *testing.T, client *ytrpc.Client, path ytrpc.YPath, opts ...ytrpc.WriterOption) *ytrpc.TableWriter {
	t.Helper()
	req, err := ytrpc.NewWriteTableBuilder().SetPath(path).SetSchema(writerSchema).Build()
	require.NoError(t, err)
	w, err := client.OpenTableWriter(context.Background(), req, opts...)
	require.NoError(t, err)
	return w
}

func makeRows(from, n int) []ytrpc.Row {
	rows := make([]ytrpc.Row, n)
	for i := range rows {
		rows[i] = ytrpc.Row{"id": int64(from + i), "name": fmt.Sprintf("row-%d", from+i)}
	}
	return rows
}

func readAll(t *testing.T, client *ytrpc.Client, path ytrpc.YPath) []ytrpc.Row {
	t.Helper()
	req, err := ytrpc.NewReadTableBuilder().SetPath(path).Build()
	require.NoError(t, err)
	rows, err := client.ReadTable(context.Background(), req).Get(context.Background())
	require.NoError(t, err)
	return rows
}

func TestTableWriterRoundTrip(t *testing.T) {
	proxy, client := newProxyClient(t)
	ctx := context.Background()
	path := ytrpc.NewYPath("//home/test/t")

	w := openWriter(t, client, path, ytrpc.WithChunkRows(3), ytrpc.WithWindow(2))
	assert.Equal(t, ytrpc.WriterOpen, w.State())
	require.NoError(t, w.Write(ctx, makeRows(0, 4)))
	assert.Equal(t, ytrpc.WriterWriting, w.State())
	require.NoError(t, w.Write(ctx, makeRows(4, 6)))

	res, err := w.Close().Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, ytrpc.WriterClosed, w.State())
	assert.Equal(t, int64(4), res.Chunks)
	assert.Equal(t, int64(10), res.Rows)
	assert.Equal(t, int64(10), res.Table.RowCount)
	assert.Equal(t, 4, proxy.Calls(ytrpc.MethodWriteTableChunk))

	chunks, rows := w.Acked()
	assert.Equal(t, int64(4), chunks)
	assert.Equal(t, int64(10), rows)

	assert.Equal(t, makeRows(0, 10), readAll(t, client, path))
	assert.Equal(t, []string{"//home/test/t"}, proxy.Tables())
}

func TestTableWriterBackpressure(t *testing.T) {
	proxy, client := newProxyClient(t)
	ctx := context.Background()
	gate := make(chan struct{})
	proxy.SetChunkHook(func(ctx context.Context, _ ytrpc.GUID, index int64) error {
		if index == 0 {
			<-gate
		}
		return nil
	})

	w := openWriter(t, client, ytrpc.NewYPath("//t"), ytrpc.WithChunkRows(1), ytrpc.WithWindow(1))
	require.NoError(t, w.Write(ctx, makeRows(0, 1)))

	// The only window slot is held by the unacknowledged first chunk.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := w.Write(short, makeRows(1, 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	chunks, _ := w.Acked()
	assert.Zero(t, chunks)

	close(gate)
	res, err := w.Close().Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Rows, "rows queued by the blocked write are flushed by Close")
	assert.Equal(t, makeRows(0, 2), readAll(t, client, ytrpc.NewYPath("//t")))
}

func TestTableWriterCloseTwice(t *testing.T) {
	proxy, client := newProxyClient(t)
	ctx := context.Background()

	w := openWriter(t, client, ytrpc.NewYPath("//t"))
	require.NoError(t, w.Write(ctx, makeRows(0, 2)))
	_, err := w.Close().Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, proxy.Calls(ytrpc.MethodFinishWriteTable))

	_, err = w.Close().Get(ctx)
	assert.ErrorIs(t, err, ytrpc.ErrWriterClosed)
	assert.ErrorIs(t, w.Write(ctx, makeRows(2, 1)), ytrpc.ErrWriterClosed)
	assert.Equal(t, 1, proxy.Calls(ytrpc.MethodFinishWriteTable))
	assert.Equal(t, ytrpc.WriterClosed, w.State())
}

func TestTableWriterSchemaMismatch(t *testing.T) {
	_, client := newProxyClient(t)
	ctx := context.Background()

	w := openWriter(t, client, ytrpc.NewYPath("//t"))
	err := w.Write(ctx, []ytrpc.Row{{"id": int64(1)}, {"id": "two"}})
	assert.ErrorIs(t, err, ytrpc.ErrSchemaMismatch)
	assert.Equal(t, ytrpc.WriterOpen, w.State(), "a rejected write leaves the writer untouched")

	other := arrow.NewSchema([]arrow.Field{{Name: "x", Type: arrow.PrimitiveTypes.Int64}}, nil)
	batch, err := ytrpc.EncodeRows(other, []ytrpc.Row{{"x": 1}})
	require.NoError(t, err)
	defer batch.Release()
	assert.ErrorIs(t, w.WriteBatch(ctx, batch), ytrpc.ErrSchemaMismatch)

	good, err := ytrpc.EncodeRows(writerSchema, makeRows(5, 1))
	require.NoError(t, err)
	defer good.Release()
	require.NoError(t, w.WriteBatch(ctx, good))

	res, err := w.Close().Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Rows)
	assert.Equal(t, makeRows(5, 1), readAll(t, client, ytrpc.NewYPath("//t")))
}

func TestTableWriterChunkFailure(t *testing.T) {
	proxy, client := newProxyClient(t)
	ctx := context.Background()
	proxy.SetChunkHook(func(_ context.Context, _ ytrpc.GUID, index int64) error {
		if index == 2 {
			return ytrpc.ServiceError(ytrpc.CodeGeneric, "ChunkRejected", "disk full")
		}
		return nil
	})

	w := openWriter(t, client, ytrpc.NewYPath("//t"), ytrpc.WithChunkRows(1), ytrpc.WithWindow(4))
	require.NoError(t, w.Write(ctx, makeRows(0, 3)))

	_, err := w.Close().Get(ctx)
	require.ErrorIs(t, err, ytrpc.ErrCommitStateUnknown)
	assert.ErrorIs(t, err, ytrpc.ErrRemote)

	var unknown *ytrpc.CommitStateUnknownError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, int64(2), unknown.AckedChunks)
	assert.Equal(t, int64(2), unknown.AckedRows)

	assert.Equal(t, ytrpc.WriterFailed, w.State())
	assert.Zero(t, proxy.Calls(ytrpc.MethodFinishWriteTable))
	assert.Empty(t, proxy.Tables(), "nothing is committed")

	_, err = w.Close().Get(ctx)
	assert.ErrorIs(t, err, ytrpc.ErrWriterClosed)
}

func TestTableWriterTransportFailure(t *testing.T) {
	proxy, client := newProxyClient(t)
	ctx := context.Background()

	w := openWriter(t, client, ytrpc.NewYPath("//t"))
	require.NoError(t, w.Write(ctx, makeRows(0, 3)))
	require.NoError(t, client.Close())

	_, err := w.Close().Get(ctx)
	require.ErrorIs(t, err, ytrpc.ErrCommitStateUnknown)
	assert.ErrorIs(t, err, ytrpc.ErrTransport)

	var unknown *ytrpc.CommitStateUnknownError
	require.True(t, errors.As(err, &unknown))
	assert.Zero(t, unknown.AckedChunks)
	assert.Zero(t, unknown.AckedRows)

	assert.Equal(t, ytrpc.WriterFailed, w.State())
	assert.Empty(t, proxy.Tables())
	assert.ErrorIs(t, w.Write(ctx, makeRows(3, 1)), ytrpc.ErrWriterClosed)
}

func TestTableWriterAppendAndOverwrite(t *testing.T) {
	_, client := newProxyClient(t)
	ctx := context.Background()
	path := ytrpc.NewYPath("//t")

	write := func(p ytrpc.YPath, rows []ytrpc.Row) {
		w := openWriter(t, client, p)
		require.NoError(t, w.Write(ctx, rows))
		_, err := w.Close().Get(ctx)
		require.NoError(t, err)
	}

	write(path, makeRows(0, 3))
	write(path.WithAppend(true), makeRows(3, 2))
	assert.Equal(t, makeRows(0, 5), readAll(t, client, path))

	write(path, makeRows(9, 1))
	assert.Equal(t, makeRows(9, 1), readAll(t, client, path))
}

func TestTableWriterEmptyClose(t *testing.T) {
	proxy, client := newProxyClient(t)
	w := openWriter(t, client, ytrpc.NewYPath("//empty"))
	res, err := w.Close().Get(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Chunks)
	assert.Zero(t, res.Table.RowCount)
	assert.Equal(t, []string{"//empty"}, proxy.Tables())
	assert.Zero(t, proxy.Calls(ytrpc.MethodWriteTableChunk))
}

func TestTableWriterRateLimited(t *testing.T) {
	_, client := newProxyClient(t)
	ctx := context.Background()
	w := openWriter(t, client, ytrpc.NewYPath("//t"), ytrpc.WithChunkRows(1), ytrpc.WithChunkRate(1000, 2))
	require.NoError(t, w.Write(ctx, makeRows(0, 5)))
	res, err := w.Close().Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Chunks)
}

func TestPartitionWrittenTable(t *testing.T) {
	_, client := newProxyClient(t)
	ctx := context.Background()
	path := ytrpc.NewYPath("//t")

	w := openWriter(t, client, path)
	require.NoError(t, w.Write(ctx, makeRows(0, 3)))
	first, err := w.Close().Get(ctx)
	require.NoError(t, err)

	w = openWriter(t, client, path.WithAppend(true))
	require.NoError(t, w.Write(ctx, makeRows(3, 3)))
	_, err = w.Close().Get(ctx)
	require.NoError(t, err)

	for _, mode := range []ytrpc.PartitionTablesMode{ytrpc.PartitionOrdered, ytrpc.PartitionUnordered} {
		req, err := ytrpc.NewPartitionTablesBuilder().
			AddPath(path).
			SetMode(mode).
			SetDataWeightPerPartition(first.Table.DataWeight).
			Build()
		require.NoError(t, err)
		parts, err := client.PartitionTables(ctx, req).Get(ctx)
		require.NoError(t, err)
		require.Len(t, parts, 2, mode)
		assert.Equal(t, "//t[#0:#3]", parts[0].Ranges[0].String())
		assert.Equal(t, "//t[#3:#6]", parts[1].Ranges[0].String())

		var rows []ytrpc.Row
		for _, p := range parts {
			for _, rp := range p.TableRanges() {
				rows = append(rows, readAll(t, client, rp)...)
			}
		}
		assert.Equal(t, makeRows(0, 6), rows)
	}
}
