// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package localproxy

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"

	"github.com/Query-farm/yt-rpc-go/ytrpc"
)

// tableChunk is one committed chunk of a table.
type tableChunk struct {
	batches []arrow.RecordBatch
	rows    int64
}

func (c tableChunk) release() {
	for _, b := range c.batches {
		b.Release()
	}
}

type node struct {
	id       ytrpc.GUID
	nodeType ytrpc.NodeType
	schema   *arrow.Schema
	chunks   []tableChunk
}

func (n *node) rowCount() int64 {
	var rows int64
	for _, c := range n.chunks {
		rows += c.rows
	}
	return rows
}

func (n *node) stats() ytrpc.TableStats {
	s := ytrpc.TableStats{ChunkCount: int64(len(n.chunks))}
	for _, c := range n.chunks {
		s.RowCount += c.rows
		for _, b := range c.batches {
			s.DataWeight += ytrpc.DataWeight(b)
		}
	}
	return s
}

func (n *node) truncate() {
	for _, c := range n.chunks {
		c.release()
	}
	n.chunks = nil
}

// slice returns the batches covering r. The caller releases them.
func (n *node) slice(r ytrpc.RowRange) []arrow.RecordBatch {
	var out []arrow.RecordBatch
	var offset int64
	for _, c := range n.chunks {
		for _, b := range c.batches {
			start, end := offset, offset+b.NumRows()
			offset = end
			lo, hi := max(start, r.Start), min(end, r.End)
			if lo >= hi {
				continue
			}
			out = append(out, b.NewSlice(lo-start, hi-start))
		}
	}
	return out
}

// readBatches decodes an IPC stream. The caller releases the batches.
func readBatches(data []byte) (*arrow.Schema, []arrow.RecordBatch, error) {
	reader, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, err
	}
	defer reader.Release()

	var out []arrow.RecordBatch
	for reader.Next() {
		b := reader.RecordBatch()
		b.Retain()
		out = append(out, b)
	}
	if err := reader.Err(); err != nil {
		for _, b := range out {
			b.Release()
		}
		return nil, nil, err
	}
	return reader.Schema(), out, nil
}

// parentPath returns the parent of a Cypress path, or "" for a child of the
// root.
func parentPath(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i <= 1 {
		return ""
	}
	return p[:i]
}

func validPath(p string) error {
	if !strings.HasPrefix(p, "//") || len(p) < 3 || strings.HasSuffix(p, "/") {
		return ytrpc.ServiceError(ytrpc.CodeResolveError, "ResolveError", "invalid path %q", p)
	}
	return nil
}

func resolveError(p string) error {
	return ytrpc.ServiceError(ytrpc.CodeResolveError, "ResolveError", "node %s has no child", p)
}

func parsePath(s string) (ytrpc.YPath, error) {
	p, err := ytrpc.ParseYPath(s)
	if err != nil {
		return ytrpc.YPath{}, ytrpc.ServiceError(ytrpc.CodeResolveError, "ResolveError", "%v", err)
	}
	if err := validPath(p.Path); err != nil {
		return ytrpc.YPath{}, err
	}
	return p, nil
}

// schemaMismatch reports schemas that differ.
func schemaMismatch(path string, have, want *arrow.Schema) error {
	return ytrpc.ServiceError(ytrpc.CodeInvalidParams, "SchemaMismatch",
		"table %s has schema %v, got %v", path, have, want)
}

// resolveRanges turns the ranges of p into row ranges of a table with
// rowCount rows. A path without ranges covers the whole table.
func resolveRanges(p ytrpc.YPath, rowCount int64) ([]ytrpc.RowRange, error) {
	if len(p.Ranges) == 0 {
		return []ytrpc.RowRange{{Start: 0, End: rowCount}}, nil
	}
	out := make([]ytrpc.RowRange, 0, len(p.Ranges))
	for _, rr := range p.Ranges {
		r, err := rr.Rows(rowCount)
		if err != nil {
			return nil, ytrpc.ServiceError(ytrpc.CodeInvalidParams, "InvalidRange", "%v", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func describeNode(path string, n *node) string {
	return fmt.Sprintf("%s (%s, %s)", path, n.nodeType, n.id)
}
