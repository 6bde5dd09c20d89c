// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rowsSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "score", Type: arrow.PrimitiveTypes.Float64},
	{Name: "ok", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "raw", Type: arrow.BinaryTypes.Binary, Nullable: true},
	{Name: "small", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
}, nil)

func TestEncodeDecodeRows(t *testing.T) {
	in := []Row{
		{"id": 1, "name": "ab", "score": 1.5, "ok": true, "raw": []byte{1, 2}, "small": int32(7)},
		{"id": int64(2), "score": 2.0, "ok": false, "name": nil},
	}
	batch, err := EncodeRows(rowsSchema, in)
	require.NoError(t, err)
	defer batch.Release()
	assert.Equal(t, int64(2), batch.NumRows())

	out := DecodeRows(batch)
	assert.Equal(t, []Row{
		{"id": int64(1), "name": "ab", "score": 1.5, "ok": true, "raw": []byte{1, 2}, "small": int32(7)},
		{"id": int64(2), "score": 2.0, "ok": false},
	}, out)
}

func TestEncodeRowsSchemaMismatch(t *testing.T) {
	cases := map[string]Row{
		"unknown column":   {"id": 1, "score": 1.0, "ok": true, "extra": 1},
		"missing required": {"score": 1.0, "ok": true},
		"null required":    {"id": nil, "score": 1.0, "ok": true},
		"wrong type":       {"id": "one", "score": 1.0, "ok": true},
		"int for float":    {"id": 1, "score": 1, "ok": true},
		"out of range":     {"id": 1, "score": 1.0, "ok": true, "small": int64(1) << 40},
	}
	for name, row := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := EncodeRows(rowsSchema, []Row{row})
			assert.ErrorIs(t, err, ErrSchemaMismatch)
		})
	}
}

func TestDataWeight(t *testing.T) {
	batch, err := EncodeRows(rowsSchema, []Row{
		{"id": 1, "name": "ab", "score": 1.0, "ok": true},
		{"id": 2, "score": 1.0, "ok": true, "raw": []byte("xyz"), "small": 1},
	})
	require.NoError(t, err)
	defer batch.Release()
	// Each row counts one byte plus its non-null values.
	assert.Equal(t, int64((1+8+2+8+1)+(1+8+8+1+3+4)), DataWeight(batch))
}

func TestSameSchema(t *testing.T) {
	md := arrow.NewMetadata([]string{"k"}, []string{"v"})
	withMeta := arrow.NewSchema(rowsSchema.Fields(), &md)
	assert.True(t, SameSchema(rowsSchema, withMeta))

	fields := rowsSchema.Fields()
	fields[0].Nullable = true
	assert.False(t, SameSchema(rowsSchema, arrow.NewSchema(fields, nil)))
	assert.False(t, SameSchema(rowsSchema, arrow.NewSchema(fields[:2], nil)))

	fields = rowsSchema.Fields()
	fields[2].Type = arrow.PrimitiveTypes.Float32
	assert.False(t, SameSchema(rowsSchema, arrow.NewSchema(fields, nil)))
}

func TestRowStreamRoundTrip(t *testing.T) {
	first, err := EncodeRows(rowsSchema, []Row{{"id": 1, "score": 1.0, "ok": true}})
	require.NoError(t, err)
	defer first.Release()
	second, err := EncodeRows(rowsSchema, []Row{{"id": 2, "score": 2.0, "ok": false, "name": "b"}})
	require.NoError(t, err)
	defer second.Release()

	data, err := EncodeRowStream(rowsSchema, first, second)
	require.NoError(t, err)
	rows, err := DecodeRowStream(data)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0]["id"])
	assert.Equal(t, "b", rows[1]["name"])

	_, err = DecodeRowStream([]byte("not arrow"))
	assert.Error(t, err)
}
