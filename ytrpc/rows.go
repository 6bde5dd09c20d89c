// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"bytes"
	"fmt"
	"math"
	"reflect"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Row is one table row keyed by column name. A missing key or a nil value is
// a null.
type Row map[string]any

// EncodeRows encodes rows as a record batch in schema. It fails with
// SchemaMismatch when a row names a column the schema lacks, omits a
// non-nullable column, or holds a value of the wrong type.
func EncodeRows(schema *arrow.Schema, rows []Row) (arrow.RecordBatch, error) {
	mem := memory.NewGoAllocator()
	builders := make([]array.Builder, schema.NumFields())
	for i, f := range schema.Fields() {
		builders[i] = array.NewBuilder(mem, f.Type)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	for ri, row := range rows {
		for name := range row {
			if !schema.HasField(name) {
				return nil, newError(KindSchemaMismatch, "row %d: unknown column %q", ri, name)
			}
		}
		for fi, f := range schema.Fields() {
			v, ok := row[f.Name]
			if !ok || v == nil {
				if !f.Nullable {
					return nil, newError(KindSchemaMismatch, "row %d: column %q is not nullable", ri, f.Name)
				}
				builders[fi].AppendNull()
				continue
			}
			if err := appendRowValue(builders[fi], f.Type, v); err != nil {
				return nil, newError(KindSchemaMismatch, "row %d: column %q: %v", ri, f.Name, err)
			}
		}
	}

	cols := make([]arrow.Array, len(builders))
	for i, b := range builders {
		cols[i] = b.NewArray()
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(schema, cols, int64(len(rows))), nil
}

// appendRowValue appends one cell. Integers must fit the column type; floats
// are accepted for float columns only.
func appendRowValue(b array.Builder, dt arrow.DataType, v any) error {
	switch dt.ID() {
	case arrow.INT64:
		n, err := rowInt(v, math.MinInt64, math.MaxInt64)
		if err != nil {
			return err
		}
		b.(*array.Int64Builder).Append(n)
	case arrow.INT32:
		n, err := rowInt(v, math.MinInt32, math.MaxInt32)
		if err != nil {
			return err
		}
		b.(*array.Int32Builder).Append(int32(n))
	case arrow.INT16:
		n, err := rowInt(v, math.MinInt16, math.MaxInt16)
		if err != nil {
			return err
		}
		b.(*array.Int16Builder).Append(int16(n))
	case arrow.INT8:
		n, err := rowInt(v, math.MinInt8, math.MaxInt8)
		if err != nil {
			return err
		}
		b.(*array.Int8Builder).Append(int8(n))
	case arrow.UINT64:
		n, err := rowInt(v, 0, math.MaxInt64)
		if err != nil {
			return err
		}
		b.(*array.Uint64Builder).Append(uint64(n))
	case arrow.FLOAT64, arrow.FLOAT32:
		var f float64
		switch x := v.(type) {
		case float64:
			f = x
		case float32:
			f = float64(x)
		default:
			return fmt.Errorf("expected float, got %T", v)
		}
		if dt.ID() == arrow.FLOAT32 {
			b.(*array.Float32Builder).Append(float32(f))
		} else {
			b.(*array.Float64Builder).Append(f)
		}
	case arrow.BOOL:
		x, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
		b.(*array.BooleanBuilder).Append(x)
	case arrow.STRING:
		x, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		b.(*array.StringBuilder).Append(x)
	case arrow.BINARY:
		switch x := v.(type) {
		case []byte:
			b.(*array.BinaryBuilder).Append(x)
		case string:
			b.(*array.BinaryBuilder).AppendString(x)
		default:
			return fmt.Errorf("expected bytes, got %T", v)
		}
	default:
		return fmt.Errorf("unsupported column type %v", dt)
	}
	return nil
}

func rowInt(v any, lo, hi int64) (int64, error) {
	var n int64
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n = rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("value %d out of range", u)
		}
		n = int64(u)
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("value %d out of range [%d, %d]", n, lo, hi)
	}
	return n, nil
}

// DecodeRows converts a record batch to rows. Nulls are omitted from the row
// maps.
func DecodeRows(batch arrow.RecordBatch) []Row {
	rows := make([]Row, batch.NumRows())
	for i := range rows {
		rows[i] = make(Row, batch.NumCols())
	}
	for ci := range int(batch.NumCols()) {
		name := batch.ColumnName(ci)
		col := batch.Column(ci)
		for i := range rows {
			if col.IsNull(i) {
				continue
			}
			rows[i][name] = cellValue(col, i)
		}
	}
	return rows
}

func cellValue(col arrow.Array, i int) any {
	switch c := col.(type) {
	case *array.Int64:
		return c.Value(i)
	case *array.Int32:
		return c.Value(i)
	case *array.Int16:
		return c.Value(i)
	case *array.Int8:
		return c.Value(i)
	case *array.Uint64:
		return c.Value(i)
	case *array.Float64:
		return c.Value(i)
	case *array.Float32:
		return c.Value(i)
	case *array.Boolean:
		return c.Value(i)
	case *array.String:
		return c.Value(i)
	case *array.Binary:
		return bytes.Clone(c.Value(i))
	default:
		return col.ValueStr(i)
	}
}

// DecodeRowStream decodes every batch of an IPC stream into rows.
func DecodeRowStream(data []byte) ([]Row, error) {
	reader, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	var rows []Row
	for reader.Next() {
		rows = append(rows, DecodeRows(reader.RecordBatch())...)
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// EncodeRowStream writes batches as one IPC stream in schema.
func EncodeRowStream(schema *arrow.Schema, batches ...arrow.RecordBatch) ([]byte, error) {
	return writeIPC(schema, batches...)
}

// DataWeight is the logical size of a batch: the size of every non-null
// value plus one byte per row. Fixed-width values count their width; strings
// and binaries count their length.
func DataWeight(batch arrow.RecordBatch) int64 {
	weight := batch.NumRows()
	for ci := range int(batch.NumCols()) {
		col := batch.Column(ci)
		for i := range col.Len() {
			if col.IsNull(i) {
				continue
			}
			switch c := col.(type) {
			case *array.String:
				weight += int64(len(c.Value(i)))
			case *array.Binary:
				weight += int64(len(c.Value(i)))
			case *array.Boolean:
				weight++
			default:
				if fw, ok := col.DataType().(arrow.FixedWidthDataType); ok {
					weight += int64(fw.BitWidth() / 8)
				}
			}
		}
	}
	return weight
}

// SameSchema reports whether two schemas have the same fields; metadata is
// ignored.
func SameSchema(a, b *arrow.Schema) bool {
	if a.NumFields() != b.NumFields() {
		return false
	}
	for i := range a.NumFields() {
		fa, fb := a.Field(i), b.Field(i)
		if fa.Name != fb.Name || fa.Nullable != fb.Nullable || !arrow.TypeEqual(fa.Type, fb.Type) {
			return false
		}
	}
	return true
}
