// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"github.com/apache/arrow-go/v18/arrow"
)

const (
	MethodStartWriteTable  = "start_write_table"
	MethodWriteTableChunk  = "write_table_chunk"
	MethodFinishWriteTable = "finish_write_table"
	MethodReadTable        = "read_table"
)

// StartWriteTableParams are the envelope parameters of start_write_table.
// Path carries the append attribute.
type StartWriteTableParams struct {
	Path   string `ytrpc:"path"`
	Schema []byte `ytrpc:"schema,binary"`
}

// WriteTableChunkParams are the envelope parameters of write_table_chunk.
// Rows is an IPC stream in the session schema.
type WriteTableChunkParams struct {
	SessionID  GUID   `ytrpc:"session_id"`
	ChunkIndex int64  `ytrpc:"chunk_index"`
	RowCount   int64  `ytrpc:"row_count"`
	Rows       []byte `ytrpc:"rows,binary"`
}

// FinishWriteTableParams are the envelope parameters of finish_write_table.
type FinishWriteTableParams struct {
	SessionID  GUID  `ytrpc:"session_id"`
	ChunkCount int64 `ytrpc:"chunk_count"`
	RowCount   int64 `ytrpc:"row_count"`
}

// ReadTableParams are the envelope parameters of read_table.
type ReadTableParams struct {
	Path string `ytrpc:"path"`
}

// WriteTable opens a write session on a table. The append flag of the path
// selects append or overwrite.
type WriteTable struct {
	requestBase
	path   YPath
	schema *arrow.Schema
}

// Method returns MethodStartWriteTable.
func (r *WriteTable) Method() string { return MethodStartWriteTable }
// Idempotent reports false: every start opens a new session.
func (r *WriteTable) Idempotent() bool { return false }

// Path returns the target table; its append flag selects append or overwrite.
func (r *WriteTable) Path() YPath { return r.path.clone() }

// Schema returns the declared schema of the written rows.
func (r *WriteTable) Schema() *arrow.Schema { return r.schema }

func (r *WriteTable) params() any {
	data, _ := serializeSchema(r.schema)
	return StartWriteTableParams{Path: r.path.String(), Schema: data}
}

func (r *WriteTable) withHeader(h RequestHeader) Request {
	c := *r
	c.header = h
	return &c
}

// ToBuilder returns a builder initialised with every field of r.
func (r *WriteTable) ToBuilder() *WriteTableBuilder {
	b := NewWriteTableBuilder()
	b.init(b, r.header)
	b.path = r.path.clone()
	b.schema = r.schema
	return b
}

// WriteTableBuilder builds WriteTable requests. Path and schema are required.
type WriteTableBuilder struct {
	RequestBuilder[*WriteTableBuilder]
	path   YPath
	schema *arrow.Schema
}

// NewWriteTableBuilder returns an empty builder.
func NewWriteTableBuilder() *WriteTableBuilder {
	b := &WriteTableBuilder{}
	b.self = b
	return b
}

// SetPath sets the target table.
func (b *WriteTableBuilder) SetPath(p YPath) *WriteTableBuilder {
	b.path = p.clone()
	return b
}

// SetSchema sets the schema of the written rows.
func (b *WriteTableBuilder) SetSchema(s *arrow.Schema) *WriteTableBuilder {
	b.schema = s
	return b
}

// Build validates the builder and returns an immutable request.
func (b *WriteTableBuilder) Build() (*WriteTable, error) {
	if b.path.Path == "" {
		return nil, newError(KindRequiredFieldMissing, "write_table: path is required")
	}
	if b.schema == nil {
		return nil, newError(KindRequiredFieldMissing, "write_table: schema is required")
	}
	return &WriteTable{
		requestBase: requestBase{header: b.builtHeader()},
		path:        b.path.clone(),
		schema:      b.schema,
	}, nil
}

// ReadTable reads the rows of a table, restricted to the row ranges of the
// path when it has any.
type ReadTable struct {
	requestBase
	path YPath
}

// Method returns MethodReadTable.
func (r *ReadTable) Method() string { return MethodReadTable }
// Idempotent reports true.
func (r *ReadTable) Idempotent() bool { return true }
// Path returns the table path with its ranges.
func (r *ReadTable) Path() YPath { return r.path.clone() }

func (r *ReadTable) params() any {
	return ReadTableParams{Path: r.path.String()}
}

func (r *ReadTable) withHeader(h RequestHeader) Request {
	c := *r
	c.header = h
	return &c
}

// ToBuilder returns a builder initialised with every field of r.
func (r *ReadTable) ToBuilder() *ReadTableBuilder {
	b := NewReadTableBuilder()
	b.init(b, r.header)
	b.path = r.path.clone()
	return b
}

// ReadTableBuilder builds ReadTable requests. The path is required.
type ReadTableBuilder struct {
	RequestBuilder[*ReadTableBuilder]
	path YPath
}

// NewReadTableBuilder returns an empty builder.
func NewReadTableBuilder() *ReadTableBuilder {
	b := &ReadTableBuilder{}
	b.self = b
	return b
}

// SetPath sets the table path. Ranges on the path restrict the rows read.
func (b *ReadTableBuilder) SetPath(p YPath) *ReadTableBuilder {
	b.path = p.clone()
	return b
}

// Build validates the builder and returns an immutable request.
func (b *ReadTableBuilder) Build() (*ReadTable, error) {
	if b.path.Path == "" {
		return nil, newError(KindRequiredFieldMissing, "read_table: path is required")
	}
	return &ReadTable{
		requestBase: requestBase{header: b.builtHeader()},
		path:        b.path.clone(),
	}, nil
}

// writeTableChunk sends one chunk of a write session. The service keys chunks
// by index, so resending a chunk is harmless.
type writeTableChunk struct {
	requestBase
	p WriteTableChunkParams
}

func (r *writeTableChunk) Method() string { return MethodWriteTableChunk }
func (r *writeTableChunk) Idempotent() bool { return true }
func (r *writeTableChunk) params() any { return r.p }

func (r *writeTableChunk) withHeader(h RequestHeader) Request {
	c := *r
	c.header = h
	return &c
}

// finishWriteTable commits a write session.
type finishWriteTable struct {
	requestBase
	p FinishWriteTableParams
}

func (r *finishWriteTable) Method() string { return MethodFinishWriteTable }
func (r *finishWriteTable) Idempotent() bool { return false }
func (r *finishWriteTable) params() any { return r.p }

func (r *finishWriteTable) withHeader(h RequestHeader) Request {
	c := *r
	c.header = h
	return &c
}

// sessionHeader derives the header of a session request from the header of
// the request that opened the session. Request and mutation ids are not
// inherited.
func sessionHeader(h RequestHeader, mutating bool) RequestHeader {
	out := h.clone()
	out.RequestID = GUID{}
	out.Mutating = nil
	if mutating {
		out.Mutating = &MutatingOptions{MutationID: NewGUID()}
	}
	return out
}
