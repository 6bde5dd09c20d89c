// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ArrowSerializable is implemented by Go types that travel as a nested Arrow
// IPC stream. As a request parameter or result they are a binary column; the
// struct fields are mapped with `arrow` tags.
type ArrowSerializable interface {
	ArrowSchema() *arrow.Schema
}

var (
	arrowSerializableType = reflect.TypeOf((*ArrowSerializable)(nil)).Elem()
	guidType              = reflect.TypeOf(GUID{})
)

// guidArrowType is the Arrow type of a GUID column.
var guidArrowType = &arrow.FixedSizeBinaryType{ByteWidth: GUIDSize}

// tagInfo holds a parsed `ytrpc` struct tag.
type tagInfo struct {
	Name    string
	Default *string // nil if no default
	Option  string  // "int32", "float32", "enum", "binary" or "guid"
}

// parseTag parses tags like "name", "name,default=foo", "name,enum".
func parseTag(tag string) tagInfo {
	parts := strings.Split(tag, ",")
	info := tagInfo{Name: parts[0]}
	for _, part := range parts[1:] {
		if val, ok := strings.CutPrefix(part, "default="); ok {
			info.Default = &val
		} else {
			info.Option = part
		}
	}
	return info
}

func isArrowSerializable(t reflect.Type) bool {
	return t.Implements(arrowSerializableType) || reflect.PointerTo(t).Implements(arrowSerializableType)
}

// goTypeToArrowType maps a Go type to an Arrow type. Pointer types are
// nullable.
func goTypeToArrowType(t reflect.Type, tag tagInfo) (arrow.DataType, bool, error) {
	nullable := false
	if t.Kind() == reflect.Ptr {
		nullable = true
		t = t.Elem()
	}

	switch tag.Option {
	case "int32":
		return arrow.PrimitiveTypes.Int32, nullable, nil
	case "float32":
		return arrow.PrimitiveTypes.Float32, nullable, nil
	case "enum":
		return &arrow.DictionaryType{
			IndexType: arrow.PrimitiveTypes.Int16,
			ValueType: arrow.BinaryTypes.String,
		}, nullable, nil
	case "binary":
		return arrow.BinaryTypes.Binary, nullable, nil
	case "guid":
		if t != guidType {
			return nil, false, fmt.Errorf("guid option on non-GUID type %v", t)
		}
		return guidArrowType, nullable, nil
	}

	if t == guidType {
		return guidArrowType, nullable, nil
	}
	if isArrowSerializable(t) {
		return arrow.BinaryTypes.Binary, nullable, nil
	}

	switch t.Kind() {
	case reflect.String:
		return arrow.BinaryTypes.String, nullable, nil
	case reflect.Int64, reflect.Int:
		return arrow.PrimitiveTypes.Int64, nullable, nil
	case reflect.Int32:
		return arrow.PrimitiveTypes.Int32, nullable, nil
	case reflect.Float64:
		return arrow.PrimitiveTypes.Float64, nullable, nil
	case reflect.Float32:
		return arrow.PrimitiveTypes.Float32, nullable, nil
	case reflect.Bool:
		return &arrow.BooleanType{}, nullable, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return arrow.BinaryTypes.Binary, nullable, nil
		}
		elemType, _, err := goTypeToArrowType(t.Elem(), tagInfo{})
		if err != nil {
			return nil, false, fmt.Errorf("list element: %w", err)
		}
		return arrow.ListOf(elemType), nullable, nil
	default:
		return nil, false, fmt.Errorf("unsupported Go type: %v (kind: %v)", t, t.Kind())
	}
}

// structToSchema builds an Arrow schema from a struct type using ytrpc tags.
func structToSchema(t reflect.Type) (*arrow.Schema, error) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected struct type, got %v", t.Kind())
	}
	var fields []arrow.Field
	for i := range t.NumField() {
		f := t.Field(i)
		tag := f.Tag.Get("ytrpc")
		if tag == "" || tag == "-" {
			continue
		}
		info := parseTag(tag)
		dt, nullable, err := goTypeToArrowType(f.Type, info)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		fields = append(fields, arrow.Field{Name: info.Name, Type: dt, Nullable: nullable})
	}
	return arrow.NewSchema(fields, nil), nil
}

// resultSchema builds the single "result" column schema for a return type.
// A nil type is a void result with an empty schema.
func resultSchema(t reflect.Type) (*arrow.Schema, error) {
	if t == nil {
		return arrow.NewSchema(nil, nil), nil
	}
	dt, nullable, err := goTypeToArrowType(t, tagInfo{})
	if err != nil {
		return nil, fmt.Errorf("result type: %w", err)
	}
	return arrow.NewSchema([]arrow.Field{{Name: "result", Type: dt, Nullable: nullable}}, nil), nil
}

// encodeParams builds the single-row parameter columns of a tagged struct.
func encodeParams(mem memory.Allocator, params any) (*arrow.Schema, []arrow.Array, error) {
	rv := reflect.ValueOf(params)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	rt := rv.Type()
	schema, err := structToSchema(rt)
	if err != nil {
		return nil, nil, err
	}

	cols := make([]arrow.Array, 0, schema.NumFields())
	for i := range rt.NumField() {
		f := rt.Field(i)
		tag := f.Tag.Get("ytrpc")
		if tag == "" || tag == "-" {
			continue
		}
		field := schema.Field(len(cols))
		arr, err := buildArray(mem, field.Type, rv.Field(i).Interface())
		if err != nil {
			for _, c := range cols {
				c.Release()
			}
			return nil, nil, fmt.Errorf("param %s: %w", field.Name, err)
		}
		cols = append(cols, arr)
	}
	return schema, cols, nil
}

// deserializeParams reads row 0 of batch into a new value of the target
// struct type.
func deserializeParams(batch arrow.RecordBatch, target reflect.Type) (reflect.Value, error) {
	if target.Kind() == reflect.Ptr {
		target = target.Elem()
	}
	result := reflect.New(target).Elem()

	for i := range target.NumField() {
		f := target.Field(i)
		tag := f.Tag.Get("ytrpc")
		if tag == "" || tag == "-" {
			continue
		}
		info := parseTag(tag)

		colIdx := columnIndex(batch, info.Name)
		if colIdx == -1 || batch.Column(colIdx).IsNull(0) {
			if info.Default != nil {
				if err := setFieldFromString(result.Field(i), f.Type, *info.Default); err != nil {
					return reflect.Value{}, fmt.Errorf("default for %s: %w", info.Name, err)
				}
			}
			continue
		}
		if err := setFieldFromArrow(result.Field(i), f.Type, batch.Column(colIdx), 0); err != nil {
			return reflect.Value{}, fmt.Errorf("field %s: %w", info.Name, err)
		}
	}
	return result, nil
}

func columnIndex(batch arrow.RecordBatch, name string) int {
	for ci := range batch.NumCols() {
		if batch.ColumnName(int(ci)) == name {
			return int(ci)
		}
	}
	return -1
}

// decodeResult reads the "result" column of a reply batch into a value of
// type t. A void result (t == nil) accepts any empty batch.
func decodeResult(batch arrow.RecordBatch, t reflect.Type) (reflect.Value, error) {
	if t == nil {
		return reflect.Value{}, nil
	}
	out := reflect.New(t).Elem()
	colIdx := columnIndex(batch, "result")
	if colIdx == -1 {
		return reflect.Value{}, fmt.Errorf("reply has no result column")
	}
	if batch.NumRows() != 1 {
		return reflect.Value{}, fmt.Errorf("expected 1 result row, got %d", batch.NumRows())
	}
	col := batch.Column(colIdx)
	if col.IsNull(0) {
		return out, nil
	}
	if err := setFieldFromArrow(out, t, col, 0); err != nil {
		return reflect.Value{}, err
	}
	return out, nil
}

// setFieldFromArrow sets field from element idx of col.
func setFieldFromArrow(field reflect.Value, fieldType reflect.Type, col arrow.Array, idx int) error {
	if fieldType.Kind() == reflect.Ptr {
		ptr := reflect.New(fieldType.Elem())
		if err := setFieldFromArrow(ptr.Elem(), fieldType.Elem(), col, idx); err != nil {
			return err
		}
		field.Set(ptr)
		return nil
	}

	if fieldType == guidType {
		c, ok := col.(*array.FixedSizeBinary)
		if !ok {
			return fmt.Errorf("expected FixedSizeBinary for GUID, got %T", col)
		}
		g, err := DecodeGUID(c.Value(idx))
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(g))
		return nil
	}

	if isArrowSerializable(fieldType) {
		switch c := col.(type) {
		case *array.Binary:
			val, err := deserializeArrowSerializable(fieldType, c.Value(idx))
			if err != nil {
				return err
			}
			field.Set(val)
			return nil
		case *array.Struct:
			return setStructField(field, fieldType, c, idx)
		default:
			return fmt.Errorf("expected Binary or Struct array for ArrowSerializable, got %T", col)
		}
	}

	switch c := col.(type) {
	case *array.String:
		if fieldType.Kind() != reflect.String {
			return fmt.Errorf("cannot set %v from string", fieldType)
		}
		field.SetString(c.Value(idx))
	case *array.Int64:
		return setInt(field, c.Value(idx))
	case *array.Int32:
		return setInt(field, int64(c.Value(idx)))
	case *array.Float64:
		return setFloat(field, c.Value(idx))
	case *array.Float32:
		return setFloat(field, float64(c.Value(idx)))
	case *array.Boolean:
		if fieldType.Kind() != reflect.Bool {
			return fmt.Errorf("cannot set %v from bool", fieldType)
		}
		field.SetBool(c.Value(idx))
	case *array.Binary:
		if fieldType.Kind() != reflect.Slice || fieldType.Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("cannot set %v from binary", fieldType)
		}
		field.SetBytes(bytes.Clone(c.Value(idx)))
	case *array.Dictionary:
		dict, ok := c.Dictionary().(*array.String)
		if !ok || fieldType.Kind() != reflect.String {
			return fmt.Errorf("unsupported dictionary %v for %v", c.DataType(), fieldType)
		}
		field.SetString(dict.Value(c.GetValueIndex(idx)))
	case *array.List:
		return setListField(field, fieldType, c, idx)
	case *array.Struct:
		return setStructField(field, fieldType, c, idx)
	default:
		return fmt.Errorf("unsupported Arrow array type: %T", col)
	}
	return nil
}

func setInt(field reflect.Value, v int64) error {
	switch field.Kind() {
	case reflect.Int, reflect.Int64, reflect.Int32, reflect.Int16, reflect.Int8:
		if field.OverflowInt(v) {
			return fmt.Errorf("value %d overflows %v", v, field.Type())
		}
		field.SetInt(v)
		return nil
	default:
		return fmt.Errorf("cannot set %v from integer", field.Type())
	}
}

func setFloat(field reflect.Value, v float64) error {
	switch field.Kind() {
	case reflect.Float64, reflect.Float32:
		field.SetFloat(v)
		return nil
	default:
		return fmt.Errorf("cannot set %v from float", field.Type())
	}
}

func setListField(field reflect.Value, fieldType reflect.Type, listArr *array.List, idx int) error {
	if fieldType.Kind() != reflect.Slice {
		return fmt.Errorf("cannot set %v from list", fieldType)
	}
	start, end := listArr.ValueOffsets(idx)
	values := listArr.ListValues()
	length := int(end - start)

	slice := reflect.MakeSlice(fieldType, length, length)
	for j := range length {
		if err := setFieldFromArrow(slice.Index(j), fieldType.Elem(), values, int(start)+j); err != nil {
			return fmt.Errorf("list element [%d]: %w", j, err)
		}
	}
	field.Set(slice)
	return nil
}

func setStructField(field reflect.Value, fieldType reflect.Type, structArr *array.Struct, idx int) error {
	result := reflect.New(fieldType).Elem()
	structType := structArr.DataType().(*arrow.StructType)

	for fi := range fieldType.NumField() {
		goField := fieldType.Field(fi)
		name := goField.Tag.Get("arrow")
		if name == "" {
			continue
		}
		childIdx, ok := structType.FieldIdx(name)
		if !ok {
			continue
		}
		child := structArr.Field(childIdx)
		if child.IsNull(idx) {
			continue
		}
		if err := setFieldFromArrow(result.Field(fi), goField.Type, child, idx); err != nil {
			return fmt.Errorf("struct field %s: %w", name, err)
		}
	}
	field.Set(result)
	return nil
}

// setFieldFromString applies a tag default value.
func setFieldFromString(field reflect.Value, fieldType reflect.Type, s string) error {
	if fieldType.Kind() == reflect.Ptr {
		ptr := reflect.New(fieldType.Elem())
		if err := setFieldFromString(ptr.Elem(), fieldType.Elem(), s); err != nil {
			return err
		}
		field.Set(ptr)
		return nil
	}
	switch fieldType.Kind() {
	case reflect.String:
		field.SetString(s)
	case reflect.Int64, reflect.Int, reflect.Int32:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing int default %q: %w", s, err)
		}
		return setInt(field, v)
	case reflect.Float64, reflect.Float32:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parsing float default %q: %w", s, err)
		}
		field.SetFloat(v)
	case reflect.Bool:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("parsing bool default %q: %w", s, err)
		}
		field.SetBool(v)
	default:
		return fmt.Errorf("default value parsing not supported for %v", fieldType.Kind())
	}
	return nil
}

// serializeResult builds a 1-row batch with a single "result" column.
func serializeResult(schema *arrow.Schema, value any) (arrow.RecordBatch, error) {
	if schema.NumFields() == 0 {
		return array.NewRecordBatch(schema, nil, 0), nil
	}
	arr, err := buildArray(memory.NewGoAllocator(), schema.Field(0).Type, value)
	if err != nil {
		return nil, fmt.Errorf("serialize result: %w", err)
	}
	defer arr.Release()
	return array.NewRecordBatch(schema, []arrow.Array{arr}, 1), nil
}

// buildArray creates a 1-element array holding value.
func buildArray(mem memory.Allocator, dt arrow.DataType, value any) (arrow.Array, error) {
	b := array.NewBuilder(mem, dt)
	defer b.Release()
	if err := appendToBuilder(b, dt, value); err != nil {
		return nil, err
	}
	return b.NewArray(), nil
}

// appendToBuilder appends a single Go value to an Arrow builder.
func appendToBuilder(b array.Builder, dt arrow.DataType, value any) error {
	if value == nil {
		b.AppendNull()
		return nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			b.AppendNull()
			return nil
		}
		value = rv.Elem().Interface()
		rv = rv.Elem()
	}

	switch dt.ID() {
	case arrow.STRING:
		s, ok := value.(string)
		if !ok {
			if rv.Kind() != reflect.String {
				return fmt.Errorf("cannot convert %T to string", value)
			}
			s = rv.String()
		}
		b.(*array.StringBuilder).Append(s)
	case arrow.INT64:
		v, err := toInt64(value)
		if err != nil {
			return err
		}
		b.(*array.Int64Builder).Append(v)
	case arrow.INT32:
		v, err := toInt64(value)
		if err != nil {
			return err
		}
		if v < math.MinInt32 || v > math.MaxInt32 {
			return fmt.Errorf("value %d overflows int32", v)
		}
		b.(*array.Int32Builder).Append(int32(v))
	case arrow.FLOAT64:
		v, err := toFloat64(value)
		if err != nil {
			return err
		}
		b.(*array.Float64Builder).Append(v)
	case arrow.FLOAT32:
		v, err := toFloat64(value)
		if err != nil {
			return err
		}
		b.(*array.Float32Builder).Append(float32(v))
	case arrow.BOOL:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("cannot convert %T to bool", value)
		}
		b.(*array.BooleanBuilder).Append(v)
	case arrow.BINARY:
		switch v := value.(type) {
		case []byte:
			b.(*array.BinaryBuilder).Append(v)
		case ArrowSerializable:
			data, err := serializeArrowSerializable(v)
			if err != nil {
				return err
			}
			b.(*array.BinaryBuilder).Append(data)
		default:
			return fmt.Errorf("cannot convert %T to binary", value)
		}
	case arrow.FIXED_SIZE_BINARY:
		g, ok := value.(GUID)
		if !ok {
			return fmt.Errorf("cannot convert %T to GUID", value)
		}
		wire := EncodeGUID(g)
		b.(*array.FixedSizeBinaryBuilder).Append(wire[:])
	case arrow.DICTIONARY:
		if rv.Kind() != reflect.String {
			return fmt.Errorf("cannot convert %T to enum", value)
		}
		if err := b.(*array.BinaryDictionaryBuilder).AppendString(rv.String()); err != nil {
			return err
		}
	case arrow.LIST:
		if rv.Kind() != reflect.Slice {
			return fmt.Errorf("cannot convert %T to list", value)
		}
		lb := b.(*array.ListBuilder)
		lb.Append(true)
		elemType := dt.(*arrow.ListType).Elem()
		for i := range rv.Len() {
			if err := appendToBuilder(lb.ValueBuilder(), elemType, rv.Index(i).Interface()); err != nil {
				return fmt.Errorf("list element [%d]: %w", i, err)
			}
		}
	case arrow.STRUCT:
		if rv.Kind() != reflect.Struct {
			return fmt.Errorf("cannot convert %T to struct", value)
		}
		sb := b.(*array.StructBuilder)
		sb.Append(true)
		structType := dt.(*arrow.StructType)
		for ci := range structType.NumFields() {
			sf := structType.Field(ci)
			v, ok := arrowFieldValue(rv, sf.Name)
			if !ok {
				sb.FieldBuilder(ci).AppendNull()
				continue
			}
			if err := appendToBuilder(sb.FieldBuilder(ci), sf.Type, v); err != nil {
				return fmt.Errorf("struct field %s: %w", sf.Name, err)
			}
		}
	default:
		return fmt.Errorf("unsupported type in appendToBuilder: %v", dt)
	}
	return nil
}

// arrowFieldValue finds a struct field value by its `arrow` tag.
func arrowFieldValue(rv reflect.Value, name string) (any, bool) {
	rt := rv.Type()
	for i := range rt.NumField() {
		if rt.Field(i).Tag.Get("arrow") == name {
			return rv.Field(i).Interface(), true
		}
	}
	return nil, false
}

// serializeArrowSerializable writes as as a single-row IPC stream.
func serializeArrowSerializable(as ArrowSerializable) ([]byte, error) {
	schema := as.ArrowSchema()
	mem := memory.NewGoAllocator()

	rv := reflect.ValueOf(as)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}

	cols := make([]arrow.Array, 0, schema.NumFields())
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	for _, f := range schema.Fields() {
		val, ok := arrowFieldValue(rv, f.Name)
		if !ok {
			return nil, fmt.Errorf("no field with arrow tag %q", f.Name)
		}
		arr, err := buildArray(mem, f.Type, val)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		cols = append(cols, arr)
	}

	batch := array.NewRecordBatch(schema, cols, 1)
	defer batch.Release()
	return writeIPC(schema, batch)
}

// deserializeArrowSerializable reads a single-row IPC stream into a value of
// targetType.
func deserializeArrowSerializable(targetType reflect.Type, data []byte) (reflect.Value, error) {
	reader, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return reflect.Value{}, fmt.Errorf("reading ArrowSerializable IPC: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		return reflect.Value{}, fmt.Errorf("no batch in ArrowSerializable IPC stream")
	}
	batch := reader.RecordBatch()

	result := reflect.New(targetType).Elem()
	for i := range targetType.NumField() {
		f := targetType.Field(i)
		name := f.Tag.Get("arrow")
		if name == "" {
			continue
		}
		colIdx := columnIndex(batch, name)
		if colIdx == -1 || batch.Column(colIdx).IsNull(0) {
			continue
		}
		if err := setFieldFromArrow(result.Field(i), f.Type, batch.Column(colIdx), 0); err != nil {
			return reflect.Value{}, fmt.Errorf("ArrowSerializable field %s: %w", name, err)
		}
	}
	return result, nil
}

// writeIPC writes batches as one complete IPC stream.
func writeIPC(schema *arrow.Schema, batches ...arrow.RecordBatch) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	for _, b := range batches {
		if err := w.Write(b); err != nil {
			w.Close()
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// serializeSchema writes a schema-only IPC stream.
func serializeSchema(schema *arrow.Schema) ([]byte, error) {
	return writeIPC(schema)
}

// deserializeSchema reads the schema of an IPC stream.
func deserializeSchema(data []byte) (*arrow.Schema, error) {
	reader, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("reading schema IPC: %w", err)
	}
	defer reader.Release()
	return reader.Schema(), nil
}

func toInt64(v any) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint8:
		return int64(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", val)
		}
		return int64(val), nil
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int64, reflect.Int32, reflect.Int16, reflect.Int8:
			return rv.Int(), nil
		}
		return 0, fmt.Errorf("cannot convert %T to int64", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case int32:
		return float64(val), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", v)
	}
}
