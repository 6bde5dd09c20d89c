// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// WriterState is the lifecycle state of a TableWriter.
type WriterState int

const (
	WriterOpen WriterState = iota
	WriterWriting
	WriterClosing
	WriterClosed
	WriterFailed
)

func (s WriterState) String() string {
	switch s {
	case WriterOpen:
		return "open"
	case WriterWriting:
		return "writing"
	case WriterClosing:
		return "closing"
	case WriterClosed:
		return "closed"
	case WriterFailed:
		return "failed"
	default:
		return fmt.Sprintf("WriterState(%d)", int(s))
	}
}

// Writer defaults.
const (
	DefaultWriterWindow    = 4
	DefaultWriterChunkRows = 1024
)

type writerConfig struct {
	window    int
	chunkRows int
	limiter   *rate.Limiter
	retry     RetryPolicy
}

// WriterOption configures a TableWriter.
type WriterOption func(*writerConfig)

// WithWindow bounds the number of unacknowledged chunks in flight. Write
// blocks while the window is full.
func WithWindow(n int) WriterOption {
	return func(c *writerConfig) {
		if n > 0 {
			c.window = n
		}
	}
}

// WithChunkRows sets the number of rows sent per chunk.
func WithChunkRows(n int) WriterOption {
	return func(c *writerConfig) {
		if n > 0 {
			c.chunkRows = n
		}
	}
}

// WithChunkRate limits chunk sends to perSecond with the given burst. A
// non-positive rate means unlimited.
func WithChunkRate(perSecond float64, burst int) WriterOption {
	return func(c *writerConfig) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithWriterRetry retries chunk sends and the final commit on transport
// failures and timeouts.
func WithWriterRetry(p RetryPolicy) WriterOption {
	return func(c *writerConfig) { c.retry = p }
}

// WriteResult describes a committed write session.
type WriteResult struct {
	Chunks int64
	Rows   int64
	// Table holds the table statistics after the commit.
	Table TableStats
}

// TableWriter streams rows into a table through a write session. Rows are
// buffered into chunks of a fixed row count; each chunk is sent as soon as it
// fills and is acknowledged asynchronously.
//
// A TableWriter is meant for a single writing goroutine; Write and Close must
// not run concurrently.
type TableWriter struct {
	client  *Client
	req     *WriteTable
	schema  *arrow.Schema
	session GUID
	cfg     writerConfig
	sem     *semaphore.Weighted
	acks    sync.WaitGroup

	// Owned by the writing goroutine.
	buf       []arrow.RecordBatch
	bufRows   int64
	nextChunk int64
	sentRows  int64

	mu          sync.Mutex
	state       WriterState
	failure     error
	closeCalled bool
	ackedChunks int64
	ackedRows   int64
}

// OpenTableWriter starts a write session for req and returns a writer in the
// Open state.
func (c *Client) OpenTableWriter(ctx context.Context, req *WriteTable, opts ...WriterOption) (*TableWriter, error) {
	cfg := writerConfig{
		window:    DefaultWriterWindow,
		chunkRows: DefaultWriterChunkRows,
		retry:     RetryPolicy{MaxAttempts: 1},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	session, err := Invoke[GUID](ctx, c, req).Get(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("write session opened", "path", req.path.String(), "session_id", session)
	return &TableWriter{
		client:  c,
		req:     req,
		schema:  req.schema,
		session: session,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.window)),
	}, nil
}

// SessionID returns the id of the write session.
func (w *TableWriter) SessionID() GUID {
	return w.session
}

// State returns the current state.
func (w *TableWriter) State() WriterState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Acked returns the number of acknowledged chunks and rows.
func (w *TableWriter) Acked() (chunks, rows int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ackedChunks, w.ackedRows
}

// Write encodes rows against the declared schema and queues them. A row that
// does not fit the schema fails the call with SchemaMismatch and nothing is
// queued. Write blocks while the in-flight window is full; if ctx ends first
// it returns ctx.Err() and the rows stay queued for a later Write or Close.
func (w *TableWriter) Write(ctx context.Context, rows []Row) error {
	if err := w.checkWritable(); err != nil {
		return err
	}
	batch, err := EncodeRows(w.schema, rows)
	if err != nil {
		return err
	}
	return w.enqueue(ctx, batch)
}

// WriteBatch queues a pre-built batch. Its schema must equal the declared
// schema; metadata is ignored.
func (w *TableWriter) WriteBatch(ctx context.Context, batch arrow.RecordBatch) error {
	if err := w.checkWritable(); err != nil {
		return err
	}
	if !SameSchema(batch.Schema(), w.schema) {
		return newError(KindSchemaMismatch, "batch schema %v does not match table schema %v", batch.Schema(), w.schema)
	}
	return w.enqueue(ctx, array.NewRecordBatch(w.schema, batch.Columns(), batch.NumRows()))
}

func (w *TableWriter) checkWritable() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case WriterOpen, WriterWriting:
		return nil
	default:
		return &RpcError{Type: KindWriterClosed, Message: fmt.Sprintf("writer is %s", w.state), Cause: w.failure}
	}
}

func (w *TableWriter) enqueue(ctx context.Context, batch arrow.RecordBatch) error {
	if batch.NumRows() == 0 {
		batch.Release()
		return nil
	}
	w.buf = append(w.buf, batch)
	w.bufRows += batch.NumRows()

	w.mu.Lock()
	if w.state == WriterOpen {
		w.state = WriterWriting
	}
	w.mu.Unlock()

	return w.drain(ctx, false)
}

// drain sends full chunks, or every queued row when all is set. A chunk is
// only taken from the queue once a window slot is held.
func (w *TableWriter) drain(ctx context.Context, all bool) error {
	limit := int64(w.cfg.chunkRows)
	for w.bufRows >= limit || (all && w.bufRows > 0) {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		if w.cfg.limiter != nil {
			if err := w.cfg.limiter.Wait(ctx); err != nil {
				w.sem.Release(1)
				return err
			}
		}
		if err := w.firstFailure(); err != nil {
			w.sem.Release(1)
			return &RpcError{Type: KindWriterClosed, Message: "writer failed", Cause: err}
		}
		batches, rows := w.takeChunk(limit)
		w.sendChunk(ctx, batches, rows)
	}
	return nil
}

// takeChunk removes up to n rows from the head of the queue.
func (w *TableWriter) takeChunk(n int64) ([]arrow.RecordBatch, int64) {
	var out []arrow.RecordBatch
	var rows int64
	for rows < n && len(w.buf) > 0 {
		b := w.buf[0]
		need := n - rows
		if b.NumRows() <= need {
			out = append(out, b)
			rows += b.NumRows()
			w.buf[0] = nil
			w.buf = w.buf[1:]
			continue
		}
		out = append(out, b.NewSlice(0, need))
		w.buf[0] = b.NewSlice(need, b.NumRows())
		b.Release()
		rows += need
	}
	w.bufRows -= rows
	return out, rows
}

// sendChunk dispatches one chunk while holding a window slot. The slot is
// released when the chunk is acknowledged or fails.
func (w *TableWriter) sendChunk(ctx context.Context, batches []arrow.RecordBatch, rows int64) {
	data, err := writeIPC(w.schema, batches...)
	for _, b := range batches {
		b.Release()
	}
	if err != nil {
		w.sem.Release(1)
		w.fail(fmt.Errorf("encoding chunk: %w", err))
		return
	}

	idx := w.nextChunk
	w.nextChunk++
	w.sentRows += rows

	h := sessionHeader(w.req.header, false)
	h.RequestID = NewGUID()
	req := &writeTableChunk{
		requestBase: requestBase{header: h},
		p: WriteTableChunkParams{
			SessionID:  w.session,
			ChunkIndex: idx,
			RowCount:   rows,
			Rows:       data,
		},
	}

	sendCtx := context.WithoutCancel(ctx)
	f := Invoke[struct{}](sendCtx, w.client, req)
	w.acks.Add(1)
	go func() {
		defer w.acks.Done()
		defer w.sem.Release(1)
		_, err := f.Get(sendCtx)
		if err != nil && IsRetriable(err) && w.cfg.retry.MaxAttempts > 1 {
			p := w.cfg.retry
			p.MaxAttempts--
			_, err = CallWithRetry[struct{}](sendCtx, w.client, req, p)
		}
		if err != nil {
			w.client.logger.Debug("chunk failed", "session_id", w.session, "chunk", idx, "err", err)
			w.fail(err)
			return
		}
		w.mu.Lock()
		w.ackedChunks++
		w.ackedRows += rows
		w.mu.Unlock()
	}()
}

// fail records the first fatal error and moves an active writer to Failed.
func (w *TableWriter) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failure == nil {
		w.failure = err
	}
	if w.state == WriterOpen || w.state == WriterWriting {
		w.state = WriterFailed
	}
}

func (w *TableWriter) firstFailure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failure
}

// Close flushes queued rows, waits for every chunk to be acknowledged and
// commits the session. The returned future resolves with the commit result,
// or with a *CommitStateUnknownError if any chunk or the commit failed.
//
// Close runs to completion once called; it cannot be cancelled. Closing a
// writer that is already closing, closed or was closed after a failure
// resolves to WriterClosed without any transport activity.
func (w *TableWriter) Close() *Future[WriteResult] {
	w.mu.Lock()
	if w.closeCalled {
		state := w.state
		w.mu.Unlock()
		return resolvedFuture(WriteResult{}, newError(KindWriterClosed, "writer is %s", state))
	}
	w.closeCalled = true
	if w.state != WriterFailed {
		w.state = WriterClosing
	}
	w.mu.Unlock()

	f := newFuture[WriteResult]()
	go func() {
		res, err := w.finish(context.Background())
		w.mu.Lock()
		if err != nil {
			w.state = WriterFailed
			if w.failure == nil {
				w.failure = err
			}
			err = &CommitStateUnknownError{Err: w.failure, AckedChunks: w.ackedChunks, AckedRows: w.ackedRows}
		} else {
			w.state = WriterClosed
		}
		w.mu.Unlock()
		f.resolve(res, err)
	}()
	return f
}

func (w *TableWriter) finish(ctx context.Context) (WriteResult, error) {
	defer w.releaseBuffer()

	if err := w.firstFailure(); err == nil {
		if err := w.drain(ctx, true); err != nil {
			w.fail(err)
		}
	}
	w.acks.Wait()
	if err := w.firstFailure(); err != nil {
		return WriteResult{}, err
	}

	req := &finishWriteTable{
		requestBase: requestBase{header: sessionHeader(w.req.header, true)},
		p: FinishWriteTableParams{
			SessionID:  w.session,
			ChunkCount: w.nextChunk,
			RowCount:   w.sentRows,
		},
	}
	stats, err := CallWithRetry[TableStats](ctx, w.client, req, w.cfg.retry)
	if err != nil {
		return WriteResult{}, err
	}
	w.client.logger.Debug("write session committed", "session_id", w.session, "chunks", w.nextChunk, "rows", w.sentRows)
	return WriteResult{Chunks: w.nextChunk, Rows: w.sentRows, Table: stats}, nil
}

func (w *TableWriter) releaseBuffer() {
	for _, b := range w.buf {
		b.Release()
	}
	w.buf = nil
	w.bufRows = 0
}
