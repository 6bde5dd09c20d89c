// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"github.com/apache/arrow-go/v18/arrow"
)

const (
	MethodCreateNode    = "create_node"
	MethodGetTableStats = "get_table_stats"
)

// NodeType is the type of a Cypress node.
type NodeType string

const (
	NodeTable    NodeType = "table"
	NodeMap      NodeType = "map_node"
	NodeFile     NodeType = "file"
	NodeDocument NodeType = "document"
)

// CreateNodeParams are the envelope parameters of create_node.
type CreateNodeParams struct {
	Path           string `ytrpc:"path"`
	Type           string `ytrpc:"type,enum"`
	Recursive      bool   `ytrpc:"recursive"`
	IgnoreExisting bool   `ytrpc:"ignore_existing"`
	Schema         []byte `ytrpc:"schema,binary"`
}

// CreateNode creates a Cypress node. It is always mutating.
type CreateNode struct {
	requestBase
	path           YPath
	nodeType       NodeType
	recursive      bool
	ignoreExisting bool
	schema         *arrow.Schema
}

// Method returns MethodCreateNode.
func (r *CreateNode) Method() string { return MethodCreateNode }
// Idempotent reports false; retries go through the mutation id.
func (r *CreateNode) Idempotent() bool { return false }

// Path returns the path of the new node.
func (r *CreateNode) Path() YPath { return r.path.clone() }
// Type returns the node type.
func (r *CreateNode) Type() NodeType { return r.nodeType }
// Schema returns the table schema, or nil.
func (r *CreateNode) Schema() *arrow.Schema { return r.schema }

func (r *CreateNode) params() any {
	p := CreateNodeParams{
		Path:           r.path.String(),
		Type:           string(r.nodeType),
		Recursive:      r.recursive,
		IgnoreExisting: r.ignoreExisting,
	}
	if r.schema != nil {
		// A schema-only stream cannot fail to serialize.
		p.Schema, _ = serializeSchema(r.schema)
	}
	return p
}

func (r *CreateNode) withHeader(h RequestHeader) Request {
	c := *r
	c.header = h
	return &c
}

// ToBuilder returns a builder initialised with every field of r.
func (r *CreateNode) ToBuilder() *CreateNodeBuilder {
	b := NewCreateNodeBuilder()
	b.init(b, r.header)
	b.path = r.path.clone()
	b.nodeType = r.nodeType
	b.recursive = r.recursive
	b.ignoreExisting = r.ignoreExisting
	b.schema = r.schema
	return b
}

// CreateNodeBuilder builds CreateNode requests. Path and type are required;
// a mutation id is generated when none is set.
type CreateNodeBuilder struct {
	RequestBuilder[*CreateNodeBuilder]
	path           YPath
	nodeType       NodeType
	recursive      bool
	ignoreExisting bool
	schema         *arrow.Schema
}

// NewCreateNodeBuilder returns an empty builder.
func NewCreateNodeBuilder() *CreateNodeBuilder {
	b := &CreateNodeBuilder{}
	b.self = b
	return b
}

// SetPath sets the path of the new node.
func (b *CreateNodeBuilder) SetPath(p YPath) *CreateNodeBuilder {
	b.path = p.clone()
	return b
}

// SetType sets the node type.
func (b *CreateNodeBuilder) SetType(t NodeType) *CreateNodeBuilder {
	b.nodeType = t
	return b
}

// SetRecursive creates missing parent map nodes.
func (b *CreateNodeBuilder) SetRecursive(v bool) *CreateNodeBuilder {
	b.recursive = v
	return b
}

// SetIgnoreExisting makes an existing node of the same type a success.
func (b *CreateNodeBuilder) SetIgnoreExisting(v bool) *CreateNodeBuilder {
	b.ignoreExisting = v
	return b
}

// SetSchema sets the schema of a table node.
func (b *CreateNodeBuilder) SetSchema(s *arrow.Schema) *CreateNodeBuilder {
	b.schema = s
	return b
}

// Build validates the builder and returns an immutable request.
func (b *CreateNodeBuilder) Build() (*CreateNode, error) {
	if b.path.Path == "" {
		return nil, newError(KindRequiredFieldMissing, "create_node: path is required")
	}
	if b.nodeType == "" {
		return nil, newError(KindRequiredFieldMissing, "create_node: type is required")
	}
	return &CreateNode{
		requestBase:    requestBase{header: b.mutatingHeader()},
		path:           b.path.clone(),
		nodeType:       b.nodeType,
		recursive:      b.recursive,
		ignoreExisting: b.ignoreExisting,
		schema:         b.schema,
	}, nil
}

// TableStats is the point-in-time size of a table.
type TableStats struct {
	RowCount   int64 `arrow:"row_count"`
	DataWeight int64 `arrow:"data_weight"`
	ChunkCount int64 `arrow:"chunk_count"`
}

// ArrowSchema implements ArrowSerializable.
func (TableStats) ArrowSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "row_count", Type: arrow.PrimitiveTypes.Int64},
		{Name: "data_weight", Type: arrow.PrimitiveTypes.Int64},
		{Name: "chunk_count", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
}

// GetTableStatsParams are the envelope parameters of get_table_stats.
type GetTableStatsParams struct {
	Path string `ytrpc:"path"`
}

// GetTableStats fetches the row count and data weight of a table.
type GetTableStats struct {
	requestBase
	path YPath
}

// Method returns MethodGetTableStats.
func (r *GetTableStats) Method() string { return MethodGetTableStats }
// Idempotent reports true.
func (r *GetTableStats) Idempotent() bool { return true }
// Path returns the table path.
func (r *GetTableStats) Path() YPath { return r.path.clone() }

func (r *GetTableStats) params() any {
	return GetTableStatsParams{Path: r.path.JustPath().String()}
}

func (r *GetTableStats) withHeader(h RequestHeader) Request {
	c := *r
	c.header = h
	return &c
}

// ToBuilder returns a builder initialised with every field of r.
func (r *GetTableStats) ToBuilder() *GetTableStatsBuilder {
	b := NewGetTableStatsBuilder()
	b.init(b, r.header)
	b.path = r.path.clone()
	return b
}

// GetTableStatsBuilder builds GetTableStats requests. The path is required.
type GetTableStatsBuilder struct {
	RequestBuilder[*GetTableStatsBuilder]
	path YPath
}

// NewGetTableStatsBuilder returns an empty builder.
func NewGetTableStatsBuilder() *GetTableStatsBuilder {
	b := &GetTableStatsBuilder{}
	b.self = b
	return b
}

// SetPath sets the table path.
func (b *GetTableStatsBuilder) SetPath(p YPath) *GetTableStatsBuilder {
	b.path = p.clone()
	return b
}

// Build validates the builder and returns an immutable request.
func (b *GetTableStatsBuilder) Build() (*GetTableStats, error) {
	if b.path.Path == "" {
		return nil, newError(KindRequiredFieldMissing, "get_table_stats: path is required")
	}
	return &GetTableStats{
		requestBase: requestBase{header: b.builtHeader()},
		path:        b.path.clone(),
	}, nil
}
