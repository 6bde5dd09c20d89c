// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHTTPClient(t *testing.T, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(NewHTTPServer(newStatsServer()))
	t.Cleanup(ts.Close)
	client := NewClient(NewHTTPBus(ts.URL, ts.Client()), opts...)
	t.Cleanup(func() { client.Close() })
	return client, ts
}

func TestHTTPRoundTrip(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecZstd, CodecLz4} {
		t.Run(codec.String(), func(t *testing.T) {
			client, _ := newHTTPClient(t, WithCodec(codec))
			ctx := context.Background()

			stats, err := client.GetTableStats(ctx, statsRequest(t, "//tmp")).Get(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(5), stats.RowCount)

			_, err = client.GetTableStats(ctx, statsRequest(t, "//missing")).Get(ctx)
			var rpcErr *RpcError
			require.ErrorAs(t, err, &rpcErr)
			assert.Equal(t, CodeResolveError, rpcErr.Code)
		})
	}
}

func TestHTTPUnknownMethod(t *testing.T) {
	client, _ := newHTTPClient(t)
	req, err := NewCreateNodeBuilder().SetPath(NewYPath("//t")).SetType(NodeTable).Build()
	require.NoError(t, err)
	_, err = client.CreateNode(context.Background(), req).Get(context.Background())

	var rpcErr *RpcError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, KindRemote, rpcErr.Type)
	assert.Equal(t, CodeNoSuchMethod, rpcErr.Code)
}

func TestHTTPServerRejects(t *testing.T) {
	_, ts := newHTTPClient(t)
	envelope := encode(t, statsRequest(t, "//t"))

	post := func(path, contentType string, body []byte) *http.Response {
		t.Helper()
		resp, err := ts.Client().Post(ts.URL+path, contentType, bytes.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post("/yt_rpc/get_table_stats", "text/plain", envelope)
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	assert.Equal(t, arrowContentType, resp.Header.Get("Content-Type"))

	resp = post("/yt_rpc/create_node", arrowContentType, envelope)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The envelope names a different method than the URL.
	srv := newStatsServer()
	Unary(srv, MethodReadTable, func(context.Context, *CallContext, ReadTableParams) ([]byte, error) {
		return nil, nil
	})
	mismatch := httptest.NewServer(NewHTTPServer(srv))
	defer mismatch.Close()
	resp, err := mismatch.Client().Post(mismatch.URL+"/yt_rpc/read_table", arrowContentType, bytes.NewReader(envelope))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var rpcErr *RpcError
	require.ErrorAs(t, replyError(t, body, GUID{}), &rpcErr)
	assert.Equal(t, "MethodMismatch", rpcErr.RemoteType)
}

func TestHTTPBusClose(t *testing.T) {
	bus := NewHTTPBus("http://127.0.0.1:1", nil)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	_, open := <-bus.Replies()
	assert.False(t, open)
	assert.ErrorIs(t, bus.Send(context.Background(), Message{Method: MethodReadTable, RequestID: NewGUID()}), ErrBusClosed)
}

func TestHTTPBusConnectionFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	client := NewClient(NewHTTPBus(url, nil))
	defer client.Close()
	_, err := client.GetTableStats(context.Background(), statsRequest(t, "//t")).Get(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
}

func TestHTTPBusPlainTextReplies(t *testing.T) {
	for _, tc := range []struct {
		status    int
		kind      error
		retriable bool
	}{
		{http.StatusBadRequest, ErrProtocol, false},
		{http.StatusUnsupportedMediaType, ErrProtocol, false},
		{http.StatusServiceUnavailable, ErrTransport, true},
	} {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "rejected", tc.status)
			}))
			defer ts.Close()

			client := NewClient(NewHTTPBus(ts.URL, ts.Client()))
			defer client.Close()
			_, err := client.GetTableStats(context.Background(), statsRequest(t, "//t")).Get(context.Background())
			assert.ErrorIs(t, err, tc.kind)
			assert.Equal(t, tc.retriable, IsRetriable(err))
			assert.Contains(t, err.Error(), "rejected")
		})
	}
}
