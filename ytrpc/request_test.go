// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"bytes"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchema = arrow.NewSchema([]arrow.Field{
	{Name: "k", Type: arrow.PrimitiveTypes.Int64},
	{Name: "v", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

// fullHeader sets every shared header field on b.
func fullHeader[B any](b *RequestBuilder[B]) {
	b.SetTimeout(3 * time.Second)
	b.SetRequestID(GUIDFromParts(1, 2, 3, 4))
	b.SetTraceID(GUIDFromParts(5, 6, 7, 8), true)
	b.SetUserAgent("test/1")
	b.SetAdditionalData(AdditionalData{"b": "2", "a": "1"})
	b.SetTransactionalOptions(TransactionalOptions{TransactionID: GUIDFromParts(9, 9, 9, 9), Ping: true})
}

func encode(t *testing.T, req Request) []byte {
	t.Helper()
	out, err := EncodeEnvelope(req)
	require.NoError(t, err)
	return out
}

func TestRequestRoundTrip(t *testing.T) {
	table := NewYPath("//tmp/t").WithRowRange(RowRange{Start: 1, End: 5})

	tests := []struct {
		name  string
		build func(t *testing.T) (Request, Request)
	}{
		{"get_job_stderr", func(t *testing.T) (Request, Request) {
			b := NewGetJobStderrBuilder().SetOperationID(NewGUID()).SetJobID(NewGUID())
			fullHeader(&b.RequestBuilder)
			r, err := b.Build()
			require.NoError(t, err)
			back, err := r.ToBuilder().Build()
			require.NoError(t, err)
			return r, back
		}},
		{"sort", func(t *testing.T) (Request, Request) {
			b := NewSortOperationBuilder().SetSpec(SortSpec{
				InputTables: []YPath{table, NewYPath("//tmp/u")},
				OutputTable: NewYPath("//tmp/out"),
				SortBy:      []string{"k", "v"},
				Pool:        "research",
			})
			fullHeader(&b.RequestBuilder)
			r, err := b.Build()
			require.NoError(t, err)
			back, err := r.ToBuilder().Build()
			require.NoError(t, err)
			return r, back
		}},
		{"merge", func(t *testing.T) (Request, Request) {
			b := NewMergeOperationBuilder().SetSpec(MergeSpec{
				InputTables: []YPath{table},
				OutputTable: NewYPath("//tmp/out").WithAppend(true),
				Mode:        MergeOrdered,
			})
			fullHeader(&b.RequestBuilder)
			r, err := b.Build()
			require.NoError(t, err)
			back, err := r.ToBuilder().Build()
			require.NoError(t, err)
			return r, back
		}},
		{"create_node", func(t *testing.T) (Request, Request) {
			b := NewCreateNodeBuilder().
				SetPath(NewYPath("//tmp/t")).
				SetType(NodeTable).
				SetRecursive(true).
				SetSchema(testSchema)
			fullHeader(&b.RequestBuilder)
			r, err := b.Build()
			require.NoError(t, err)
			back, err := r.ToBuilder().Build()
			require.NoError(t, err)
			return r, back
		}},
		{"get_table_stats", func(t *testing.T) (Request, Request) {
			b := NewGetTableStatsBuilder().SetPath(NewYPath("//tmp/t"))
			fullHeader(&b.RequestBuilder)
			r, err := b.Build()
			require.NoError(t, err)
			back, err := r.ToBuilder().Build()
			require.NoError(t, err)
			return r, back
		}},
		{"write_table", func(t *testing.T) (Request, Request) {
			b := NewWriteTableBuilder().SetPath(NewYPath("//tmp/t").WithAppend(true)).SetSchema(testSchema)
			fullHeader(&b.RequestBuilder)
			r, err := b.Build()
			require.NoError(t, err)
			back, err := r.ToBuilder().Build()
			require.NoError(t, err)
			return r, back
		}},
		{"read_table", func(t *testing.T) (Request, Request) {
			b := NewReadTableBuilder().SetPath(table)
			fullHeader(&b.RequestBuilder)
			r, err := b.Build()
			require.NoError(t, err)
			back, err := r.ToBuilder().Build()
			require.NoError(t, err)
			return r, back
		}},
		{"partition_tables", func(t *testing.T) (Request, Request) {
			b := NewPartitionTablesBuilder().
				SetPaths(table, NewYPath("//tmp/u")).
				SetMode(PartitionUnordered).
				SetDataWeightPerPartition(1 << 20).
				SetMaxPartitionCount(10, true)
			fullHeader(&b.RequestBuilder)
			r, err := b.Build()
			require.NoError(t, err)
			back, err := r.ToBuilder().Build()
			require.NoError(t, err)
			return r, back
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, back := tt.build(t)
			assert.Equal(t, r.Method(), back.Method())
			assert.Equal(t, r.Header(), back.Header())
			assert.Equal(t, encode(t, r), encode(t, back))
		})
	}
}

func TestRequiredFields(t *testing.T) {
	tests := []struct {
		name  string
		build func() error
	}{
		{"job stderr without operation", func() error {
			_, err := NewGetJobStderrBuilder().SetJobID(NewGUID()).Build()
			return err
		}},
		{"job stderr without job", func() error {
			_, err := NewGetJobStderrBuilder().SetOperationID(NewGUID()).Build()
			return err
		}},
		{"sort without spec", func() error {
			_, err := NewSortOperationBuilder().Build()
			return err
		}},
		{"sort without sort_by", func() error {
			_, err := NewSortOperationBuilder().SetSpec(SortSpec{
				InputTables: []YPath{NewYPath("//a")},
				OutputTable: NewYPath("//b"),
			}).Build()
			return err
		}},
		{"merge without output", func() error {
			_, err := NewMergeOperationBuilder().SetSpec(MergeSpec{InputTables: []YPath{NewYPath("//a")}}).Build()
			return err
		}},
		{"create node without type", func() error {
			_, err := NewCreateNodeBuilder().SetPath(NewYPath("//a")).Build()
			return err
		}},
		{"write table without schema", func() error {
			_, err := NewWriteTableBuilder().SetPath(NewYPath("//a")).Build()
			return err
		}},
		{"read table without path", func() error {
			_, err := NewReadTableBuilder().Build()
			return err
		}},
		{"partition without paths", func() error {
			_, err := NewPartitionTablesBuilder().SetMode(PartitionOrdered).SetDataWeightPerPartition(1).Build()
			return err
		}},
		{"partition without weight", func() error {
			_, err := NewPartitionTablesBuilder().AddPath(NewYPath("//a")).SetMode(PartitionOrdered).Build()
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrRequiredFieldMissing)
		})
	}
}

func TestMutatingRequestsGetMutationID(t *testing.T) {
	r, err := NewMergeOperationBuilder().SetSpec(MergeSpec{
		InputTables: []YPath{NewYPath("//a")},
		OutputTable: NewYPath("//b"),
	}).Build()
	require.NoError(t, err)
	require.True(t, r.Mutating())
	h := r.Header()
	assert.False(t, h.Mutating.MutationID.IsZero())
	assert.False(t, h.Mutating.Retry)
	assert.Equal(t, MergeUnordered, r.Spec().Mode)

	back, err := r.ToBuilder().Build()
	require.NoError(t, err)
	assert.Equal(t, h.Mutating.MutationID, back.Header().Mutating.MutationID)

	id := NewGUID()
	r2, err := NewCreateNodeBuilder().
		SetPath(NewYPath("//a")).
		SetType(NodeMap).
		SetMutatingOptions(MutatingOptions{MutationID: id, Retry: true}).
		Build()
	require.NoError(t, err)
	assert.Equal(t, &MutatingOptions{MutationID: id, Retry: true}, r2.Header().Mutating)
}

func TestBuiltRequestIsIndependentOfBuilder(t *testing.T) {
	b := NewSortOperationBuilder().SetSpec(SortSpec{
		InputTables: []YPath{NewYPath("//a")},
		OutputTable: NewYPath("//b"),
		SortBy:      []string{"k"},
	}).SetAdditionalData(AdditionalData{"x": "1"})
	r, err := b.Build()
	require.NoError(t, err)
	before := encode(t, r)

	b.SetAdditionalData(AdditionalData{"x": "2"}).SetTimeout(time.Minute)
	b.SetSpec(SortSpec{InputTables: []YPath{NewYPath("//c")}, OutputTable: NewYPath("//d"), SortBy: []string{"z"}})

	assert.Equal(t, before, encode(t, r))
	h := r.Header()
	h.AdditionalData["x"] = "mutated"
	assert.Equal(t, "1", r.Header().AdditionalData["x"])

	spec := r.Spec()
	spec.SortBy[0] = "mutated"
	assert.Equal(t, []string{"k"}, r.Spec().SortBy)
}

func TestAdditionalDataMerge(t *testing.T) {
	assert.Nil(t, AdditionalData(nil).Merge(nil))

	a := AdditionalData{"a": "1", "b": "2"}
	merged := a.Merge(AdditionalData{"b": "3", "c": "4"})
	assert.Equal(t, AdditionalData{"a": "1", "b": "3", "c": "4"}, merged)
	assert.Equal(t, AdditionalData{"a": "1", "b": "2"}, a)

	r, err := NewGetTableStatsBuilder().
		SetPath(NewYPath("//t")).
		SetAdditionalData(AdditionalData{"a": "1"}).
		SetAdditionalData(AdditionalData{"b": "2"}).
		Build()
	require.NoError(t, err)
	assert.Equal(t, AdditionalData{"a": "1", "b": "2"}, r.Header().AdditionalData)
}

func TestEnvelopeHeaderRoundTrip(t *testing.T) {
	b := NewCreateNodeBuilder().SetPath(NewYPath("//tmp/t")).SetType(NodeTable).SetIgnoreExisting(true)
	fullHeader(&b.RequestBuilder)
	r, err := b.Build()
	require.NoError(t, err)

	env, err := ReadEnvelope(bytes.NewReader(encode(t, r)))
	require.NoError(t, err)
	defer env.Batch.Release()

	assert.Equal(t, MethodCreateNode, env.Method)
	assert.Equal(t, r.Header(), env.Header)
	assert.Equal(t, "1", env.Metadata[MetaExtraPrefix+"a"])
	assert.Equal(t, "3000000", env.Metadata[MetaTimeout])
	assert.Equal(t, int64(1), env.Batch.NumRows())
}

func TestEncodeEnvelopeIsDeterministic(t *testing.T) {
	b := NewGetTableStatsBuilder().SetPath(NewYPath("//t")).SetRequestID(GUIDFromParts(1, 1, 1, 1))
	for k := range 20 {
		b.SetAdditionalData(AdditionalData{string(rune('a' + k)): "v"})
	}
	r, err := b.Build()
	require.NoError(t, err)
	first := encode(t, r)
	for range 5 {
		assert.Equal(t, first, encode(t, r))
	}
}

func TestReadEnvelopeRejectsBadInput(t *testing.T) {
	_, err := ReadEnvelope(bytes.NewReader([]byte("garbage")))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}
