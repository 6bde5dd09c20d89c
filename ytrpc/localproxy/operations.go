// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package localproxy

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/Query-farm/yt-rpc-go/ytrpc"
)

// operation is a finished operation. Operations run synchronously inside
// start_operation with a single job.
type operation struct {
	id     ytrpc.GUID
	opType ytrpc.OperationType
	jobID  ytrpc.GUID
	stderr []byte
}

// OperationJobs returns the job ids of an operation.
func (p *Proxy) OperationJobs(id ytrpc.GUID) []ytrpc.GUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	if op, ok := p.operations[id]; ok {
		return []ytrpc.GUID{op.jobID}
	}
	return nil
}

func (p *Proxy) startOperation(_ context.Context, cc *ytrpc.CallContext, params ytrpc.StartOperationParams) (ytrpc.GUID, error) {
	spec := params.Spec
	if len(spec.InputTablePaths) == 0 {
		return ytrpc.GUID{}, ytrpc.ServiceError(ytrpc.CodeInvalidParams, "InvalidSpec", "input_table_paths is empty")
	}
	out, err := parsePath(spec.OutputTablePath)
	if err != nil {
		return ytrpc.GUID{}, err
	}
	inputs := make([]ytrpc.YPath, len(spec.InputTablePaths))
	for i, s := range spec.InputTablePaths {
		if inputs[i], err = parsePath(s); err != nil {
			return ytrpc.GUID{}, err
		}
	}

	opType := ytrpc.OperationType(params.Type)
	var sortBy []string
	switch opType {
	case ytrpc.OperationSort:
		if len(spec.SortBy) == 0 {
			return ytrpc.GUID{}, ytrpc.ServiceError(ytrpc.CodeInvalidParams, "InvalidSpec", "sort_by is empty")
		}
		sortBy = spec.SortBy
	case ytrpc.OperationMerge:
		switch ytrpc.MergeMode(spec.MergeMode) {
		case ytrpc.MergeUnordered, ytrpc.MergeOrdered:
		case ytrpc.MergeSorted:
			sortBy = []string{}
		default:
			return ytrpc.GUID{}, ytrpc.ServiceError(ytrpc.CodeInvalidParams, "InvalidSpec", "unknown merge mode %q", spec.MergeMode)
		}
	default:
		return ytrpc.GUID{}, ytrpc.ServiceError(ytrpc.CodeInvalidParams, "InvalidSpec", "unsupported operation type %q", params.Type)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	schema, rows, err := p.collectRows(inputs)
	if err != nil {
		return ytrpc.GUID{}, err
	}
	if sortBy != nil {
		if len(sortBy) == 0 {
			for _, f := range schema.Fields() {
				sortBy = append(sortBy, f.Name)
			}
		}
		for _, col := range sortBy {
			if !schema.HasField(col) {
				return ytrpc.GUID{}, ytrpc.ServiceError(ytrpc.CodeInvalidParams, "InvalidSpec", "sort column %q is not in the schema", col)
			}
		}
		slices.SortStableFunc(rows, func(a, b ytrpc.Row) int {
			for _, col := range sortBy {
				if c := compareValues(a[col], b[col]); c != 0 {
					return c
				}
			}
			return 0
		})
	}

	batch, err := ytrpc.EncodeRows(schema, rows)
	if err != nil {
		return ytrpc.GUID{}, ytrpc.ServiceError(ytrpc.CodeGeneric, "OperationFailed", "%v", err)
	}
	if err := p.replaceTable(out, schema, batch); err != nil {
		batch.Release()
		return ytrpc.GUID{}, err
	}

	op := &operation{id: ytrpc.NewGUID(), opType: opType, jobID: ytrpc.NewGUID()}
	var stderr strings.Builder
	fmt.Fprintf(&stderr, "%s: read %d rows from %d tables\n", opType, len(rows), len(inputs))
	if len(sortBy) > 0 {
		fmt.Fprintf(&stderr, "sorted by %s\n", strings.Join(sortBy, ", "))
	}
	fmt.Fprintf(&stderr, "wrote %d rows to %s\n", len(rows), out.Path)
	op.stderr = []byte(stderr.String())
	p.operations[op.id] = op

	cc.ClientLog(ytrpc.LogInfo, "operation completed",
		ytrpc.KV{Key: "operation_id", Value: op.id.String()},
		ytrpc.KV{Key: "type", Value: string(opType)})
	return op.id, nil
}

// collectRows reads the rows of every input in order. All inputs must share
// one schema. p.mu must be held.
func (p *Proxy) collectRows(inputs []ytrpc.YPath) (*arrow.Schema, []ytrpc.Row, error) {
	var schema *arrow.Schema
	var rows []ytrpc.Row
	for _, in := range inputs {
		n, err := p.table(in.Path)
		if err != nil {
			return nil, nil, err
		}
		if n.schema == nil {
			continue
		}
		if schema == nil {
			schema = n.schema
		} else if !ytrpc.SameSchema(schema, n.schema) {
			return nil, nil, schemaMismatch(in.Path, schema, n.schema)
		}
		ranges, err := resolveRanges(in, n.rowCount())
		if err != nil {
			return nil, nil, err
		}
		for _, r := range ranges {
			for _, b := range n.slice(r) {
				rows = append(rows, ytrpc.DecodeRows(b)...)
				b.Release()
			}
		}
	}
	if schema == nil {
		schema = arrow.NewSchema(nil, nil)
	}
	return schema, rows, nil
}

// replaceTable stores batch as the content of out, appending when out has
// the append flag. p.mu must be held.
func (p *Proxy) replaceTable(out ytrpc.YPath, schema *arrow.Schema, batch arrow.RecordBatch) error {
	n, ok := p.nodes[out.Path]
	if !ok {
		if err := p.ensureParents(out.Path, true); err != nil {
			return err
		}
		n = &node{id: ytrpc.NewGUID(), nodeType: ytrpc.NodeTable}
		p.nodes[out.Path] = n
	} else if n.nodeType != ytrpc.NodeTable {
		return ytrpc.ServiceError(ytrpc.CodeResolveError, "ResolveError", "%s is not a table", describeNode(out.Path, n))
	}
	if !out.Append {
		n.truncate()
		n.schema = schema
	} else if n.schema == nil {
		n.schema = schema
	} else if !ytrpc.SameSchema(n.schema, schema) {
		return schemaMismatch(out.Path, n.schema, schema)
	}
	if batch.NumRows() == 0 {
		batch.Release()
		return nil
	}
	n.chunks = append(n.chunks, tableChunk{batches: []arrow.RecordBatch{batch}, rows: batch.NumRows()})
	return nil
}

func (p *Proxy) getJobStderr(_ context.Context, _ *ytrpc.CallContext, params ytrpc.GetJobStderrParams) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	op, ok := p.operations[params.OperationID]
	if !ok {
		return nil, ytrpc.ServiceError(ytrpc.CodeResolveError, "NoSuchOperation", "operation %s does not exist", params.OperationID)
	}
	if op.jobID != params.JobID {
		return nil, ytrpc.ServiceError(ytrpc.CodeResolveError, "NoSuchJob", "job %s does not exist in operation %s", params.JobID, params.OperationID)
	}
	return bytes.Clone(op.stderr), nil
}

// compareValues orders cell values: nulls first, then by value. Values of
// different kinds compare by kind name.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return cmp.Compare(x, y)
		}
	case []byte:
		if y, ok := b.([]byte); ok {
			return bytes.Compare(x, y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	}
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch {
	case ra.CanInt() && rb.CanInt():
		return cmp.Compare(ra.Int(), rb.Int())
	case ra.CanUint() && rb.CanUint():
		return cmp.Compare(ra.Uint(), rb.Uint())
	case ra.CanFloat() && rb.CanFloat():
		return cmp.Compare(ra.Float(), rb.Float())
	}
	return cmp.Compare(ra.Kind().String(), rb.Kind().String())
}
