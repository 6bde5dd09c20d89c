// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

// MethodDescription describes one registered method.
type MethodDescription struct {
	Name         string
	HasResult    bool
	ParamsSchema *arrow.Schema
	ResultSchema *arrow.Schema
}

// Describe stream metadata.
const (
	MetaProtocolName    = "yt_rpc.protocol_name"
	MetaDescribeVersion = "yt_rpc.describe_version"
	DescribeVersion     = "1"
)

var describeSchema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "has_result", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "params_schema_ipc", Type: arrow.BinaryTypes.Binary},
	{Name: "result_schema_ipc", Type: arrow.BinaryTypes.Binary},
}, nil)

// Describe lists the registered methods sorted by name.
func (s *Server) Describe() []MethodDescription {
	names := s.availableMethods()
	out := make([]MethodDescription, 0, len(names))
	for _, name := range names {
		info := s.methods[name]
		params, err := structToSchema(info.ParamsType)
		if err != nil {
			// Registration already validated the params type.
			panic(fmt.Sprintf("ytrpc: describing %q: %v", name, err))
		}
		out = append(out, MethodDescription{
			Name:         name,
			HasResult:    info.ResultType != nil,
			ParamsSchema: params,
			ResultSchema: info.ResultSchema,
		})
	}
	return out
}

// EncodeDescribe writes method descriptions as an IPC stream with one row
// per method.
func EncodeDescribe(methods []MethodDescription) ([]byte, error) {
	rows := make([]Row, 0, len(methods))
	for _, m := range methods {
		params, err := serializeSchema(m.ParamsSchema)
		if err != nil {
			return nil, fmt.Errorf("method %s: params schema: %w", m.Name, err)
		}
		result, err := serializeSchema(m.ResultSchema)
		if err != nil {
			return nil, fmt.Errorf("method %s: result schema: %w", m.Name, err)
		}
		rows = append(rows, Row{
			"name":              m.Name,
			"has_result":        m.HasResult,
			"params_schema_ipc": params,
			"result_schema_ipc": result,
		})
	}
	md := arrow.NewMetadata(
		[]string{MetaProtocolName, MetaDescribeVersion},
		[]string{"yt_rpc", DescribeVersion},
	)
	schema := arrow.NewSchema(describeSchema.Fields(), &md)
	batch, err := EncodeRows(schema, rows)
	if err != nil {
		return nil, err
	}
	defer batch.Release()
	return EncodeRowStream(schema, batch)
}

// DecodeDescribe reads a stream written by EncodeDescribe.
func DecodeDescribe(data []byte) ([]MethodDescription, error) {
	rows, err := DecodeRowStream(data)
	if err != nil {
		return nil, fmt.Errorf("reading describe stream: %w", err)
	}
	out := make([]MethodDescription, 0, len(rows))
	for i, row := range rows {
		name, _ := row["name"].(string)
		hasResult, _ := row["has_result"].(bool)
		paramsIPC, _ := row["params_schema_ipc"].([]byte)
		resultIPC, _ := row["result_schema_ipc"].([]byte)
		if name == "" {
			return nil, fmt.Errorf("describe row %d has no name", i)
		}
		params, err := deserializeSchema(paramsIPC)
		if err != nil {
			return nil, fmt.Errorf("method %s: %w", name, err)
		}
		result, err := deserializeSchema(resultIPC)
		if err != nil {
			return nil, fmt.Errorf("method %s: %w", name, err)
		}
		out = append(out, MethodDescription{
			Name:         name,
			HasResult:    hasResult,
			ParamsSchema: params,
			ResultSchema: result,
		})
	}
	return out, nil
}
