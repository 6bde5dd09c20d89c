// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
)

// MethodStartOperation starts sort and merge operations.
const MethodStartOperation = "start_operation"

// OperationType names the kind of operation started by start_operation.
type OperationType string

const (
	OperationSort  OperationType = "sort"
	OperationMerge OperationType = "merge"
)

// MergeMode selects how a merge operation combines its inputs.
type MergeMode string

const (
	MergeUnordered MergeMode = "unordered"
	MergeOrdered   MergeMode = "ordered"
	MergeSorted    MergeMode = "sorted"
)

// OperationSpec is the wire form of an operation spec.
type OperationSpec struct {
	InputTablePaths []string `arrow:"input_table_paths"`
	OutputTablePath string   `arrow:"output_table_path"`
	SortBy          []string `arrow:"sort_by"`
	MergeMode       string   `arrow:"merge_mode"`
	Pool            string   `arrow:"pool"`
}

// ArrowSchema implements ArrowSerializable.
func (OperationSpec) ArrowSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "input_table_paths", Type: arrow.ListOf(arrow.BinaryTypes.String)},
		{Name: "output_table_path", Type: arrow.BinaryTypes.String},
		{Name: "sort_by", Type: arrow.ListOf(arrow.BinaryTypes.String)},
		{Name: "merge_mode", Type: arrow.BinaryTypes.String},
		{Name: "pool", Type: arrow.BinaryTypes.String},
	}, nil)
}

// StartOperationParams are the envelope parameters of start_operation.
type StartOperationParams struct {
	Type string        `ytrpc:"operation_type,enum"`
	Spec OperationSpec `ytrpc:"spec"`
}

func pathStrings(paths []YPath) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p.String()
	}
	return out
}

func clonePaths(paths []YPath) []YPath {
	if paths == nil {
		return nil
	}
	out := make([]YPath, len(paths))
	for i, p := range paths {
		out[i] = p.clone()
	}
	return out
}

// SortSpec describes a sort operation.
type SortSpec struct {
	InputTables []YPath
	OutputTable YPath
	SortBy      []string
	Pool        string
}

func (s SortSpec) clone() SortSpec {
	return SortSpec{
		InputTables: clonePaths(s.InputTables),
		OutputTable: s.OutputTable.clone(),
		SortBy:      slices.Clone(s.SortBy),
		Pool:        s.Pool,
	}
}

// SortOperation starts a sort. It is always mutating.
type SortOperation struct {
	requestBase
	spec SortSpec
}

// Method returns MethodStartOperation.
func (r *SortOperation) Method() string { return MethodStartOperation }
// Idempotent reports false; retries go through the mutation id.
func (r *SortOperation) Idempotent() bool { return false }

// Spec returns a copy of the operation spec.
func (r *SortOperation) Spec() SortSpec { return r.spec.clone() }

func (r *SortOperation) params() any {
	return StartOperationParams{
		Type: string(OperationSort),
		Spec: OperationSpec{
			InputTablePaths: pathStrings(r.spec.InputTables),
			OutputTablePath: r.spec.OutputTable.String(),
			SortBy:          r.spec.SortBy,
			Pool:            r.spec.Pool,
		},
	}
}

func (r *SortOperation) withHeader(h RequestHeader) Request {
	c := *r
	c.header = h
	return &c
}

// ToBuilder returns a builder initialised with every field of r.
func (r *SortOperation) ToBuilder() *SortOperationBuilder {
	b := NewSortOperationBuilder()
	b.init(b, r.header)
	b.spec = r.spec.clone()
	b.hasSpec = true
	return b
}

// SortOperationBuilder builds SortOperation requests. The spec is required.
type SortOperationBuilder struct {
	RequestBuilder[*SortOperationBuilder]
	spec    SortSpec
	hasSpec bool
}

// NewSortOperationBuilder returns an empty builder.
func NewSortOperationBuilder() *SortOperationBuilder {
	b := &SortOperationBuilder{}
	b.self = b
	return b
}

// SetSpec sets the operation spec.
func (b *SortOperationBuilder) SetSpec(spec SortSpec) *SortOperationBuilder {
	b.spec = spec.clone()
	b.hasSpec = true
	return b
}

// Build requires a spec with at least one input table, an output table and
// sort columns. A mutation id is generated when none was set.
func (b *SortOperationBuilder) Build() (*SortOperation, error) {
	switch {
	case !b.hasSpec:
		return nil, newError(KindRequiredFieldMissing, "sort: spec is required")
	case len(b.spec.InputTables) == 0:
		return nil, newError(KindRequiredFieldMissing, "sort: input tables are required")
	case b.spec.OutputTable.Path == "":
		return nil, newError(KindRequiredFieldMissing, "sort: output table is required")
	case len(b.spec.SortBy) == 0:
		return nil, newError(KindRequiredFieldMissing, "sort: sort_by is required")
	}
	return &SortOperation{
		requestBase: requestBase{header: b.mutatingHeader()},
		spec:        b.spec.clone(),
	}, nil
}

// MergeSpec describes a merge operation.
type MergeSpec struct {
	InputTables []YPath
	OutputTable YPath
	Mode        MergeMode
	Pool        string
}

func (s MergeSpec) clone() MergeSpec {
	return MergeSpec{
		InputTables: clonePaths(s.InputTables),
		OutputTable: s.OutputTable.clone(),
		Mode:        s.Mode,
		Pool:        s.Pool,
	}
}

// MergeOperation starts a merge. It is always mutating.
type MergeOperation struct {
	requestBase
	spec MergeSpec
}

// Method returns MethodStartOperation.
func (r *MergeOperation) Method() string { return MethodStartOperation }
// Idempotent reports false; retries go through the mutation id.
func (r *MergeOperation) Idempotent() bool { return false }

// Spec returns a copy of the operation spec.
func (r *MergeOperation) Spec() MergeSpec { return r.spec.clone() }

func (r *MergeOperation) params() any {
	return StartOperationParams{
		Type: string(OperationMerge),
		Spec: OperationSpec{
			InputTablePaths: pathStrings(r.spec.InputTables),
			OutputTablePath: r.spec.OutputTable.String(),
			MergeMode:       string(r.spec.Mode),
			Pool:            r.spec.Pool,
		},
	}
}

func (r *MergeOperation) withHeader(h RequestHeader) Request {
	c := *r
	c.header = h
	return &c
}

// ToBuilder returns a builder initialised with every field of r.
func (r *MergeOperation) ToBuilder() *MergeOperationBuilder {
	b := NewMergeOperationBuilder()
	b.init(b, r.header)
	b.spec = r.spec.clone()
	b.hasSpec = true
	return b
}

// MergeOperationBuilder builds MergeOperation requests. The spec is required.
type MergeOperationBuilder struct {
	RequestBuilder[*MergeOperationBuilder]
	spec    MergeSpec
	hasSpec bool
}

// NewMergeOperationBuilder returns an empty builder.
func NewMergeOperationBuilder() *MergeOperationBuilder {
	b := &MergeOperationBuilder{}
	b.self = b
	return b
}

// SetSpec sets the operation spec.
func (b *MergeOperationBuilder) SetSpec(spec MergeSpec) *MergeOperationBuilder {
	b.spec = spec.clone()
	b.hasSpec = true
	return b
}

// Build requires a spec with at least one input table and an output table.
// The merge mode defaults to unordered.
func (b *MergeOperationBuilder) Build() (*MergeOperation, error) {
	switch {
	case !b.hasSpec:
		return nil, newError(KindRequiredFieldMissing, "merge: spec is required")
	case len(b.spec.InputTables) == 0:
		return nil, newError(KindRequiredFieldMissing, "merge: input tables are required")
	case b.spec.OutputTable.Path == "":
		return nil, newError(KindRequiredFieldMissing, "merge: output table is required")
	}
	spec := b.spec.clone()
	if spec.Mode == "" {
		spec.Mode = MergeUnordered
	}
	return &MergeOperation{
		requestBase: requestBase{header: b.mutatingHeader()},
		spec:        spec,
	}, nil
}
