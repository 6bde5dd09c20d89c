// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package localproxy

import (
	"context"
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/Query-farm/yt-rpc-go/ytrpc"
)

// session is an open write session. Chunks are keyed by index and are only
// applied to the table on finish.
type session struct {
	path   string
	append bool
	schema *arrow.Schema
	chunks map[int64]tableChunk
}

func (s *session) release() {
	for _, c := range s.chunks {
		c.release()
	}
	s.chunks = nil
}

func noSuchSession(id ytrpc.GUID) error {
	return ytrpc.ServiceError(ytrpc.CodeResolveError, "NoSuchSession", "write session %s does not exist", id)
}

func (p *Proxy) startWriteTable(_ context.Context, cc *ytrpc.CallContext, params ytrpc.StartWriteTableParams) (ytrpc.GUID, error) {
	path, err := parsePath(params.Path)
	if err != nil {
		return ytrpc.GUID{}, err
	}
	schema, batches, err := readBatches(params.Schema)
	if err != nil {
		return ytrpc.GUID{}, ytrpc.ServiceError(ytrpc.CodeInvalidParams, "InvalidParams", "bad schema: %v", err)
	}
	for _, b := range batches {
		b.Release()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.nodes[path.Path]; ok {
		if n.nodeType != ytrpc.NodeTable {
			return ytrpc.GUID{}, ytrpc.ServiceError(ytrpc.CodeResolveError, "ResolveError", "%s is not a table", describeNode(path.Path, n))
		}
		if path.Append && n.schema != nil && !ytrpc.SameSchema(n.schema, schema) {
			return ytrpc.GUID{}, schemaMismatch(path.Path, n.schema, schema)
		}
	}

	id := ytrpc.NewGUID()
	p.sessions[id] = &session{
		path:   path.Path,
		append: path.Append,
		schema: schema,
		chunks: make(map[int64]tableChunk),
	}
	mode := "overwrite"
	if path.Append {
		mode = "append"
	}
	cc.ClientLog(ytrpc.LogDebug, "write session started",
		ytrpc.KV{Key: "path", Value: path.Path}, ytrpc.KV{Key: "mode", Value: mode})
	return id, nil
}

func (p *Proxy) writeTableChunk(ctx context.Context, _ *ytrpc.CallContext, params ytrpc.WriteTableChunkParams) error {
	p.mu.Lock()
	s, ok := p.sessions[params.SessionID]
	hook := p.chunkHook
	p.mu.Unlock()
	if !ok {
		return noSuchSession(params.SessionID)
	}
	if params.ChunkIndex < 0 {
		return ytrpc.ServiceError(ytrpc.CodeInvalidParams, "InvalidParams", "negative chunk index %d", params.ChunkIndex)
	}
	if hook != nil {
		if err := hook(ctx, params.SessionID, params.ChunkIndex); err != nil {
			return err
		}
	}

	schema, batches, err := readBatches(params.Rows)
	if err != nil {
		return ytrpc.ServiceError(ytrpc.CodeInvalidParams, "InvalidParams", "bad chunk %d: %v", params.ChunkIndex, err)
	}
	chunk := tableChunk{batches: batches}
	for _, b := range batches {
		chunk.rows += b.NumRows()
	}
	if !ytrpc.SameSchema(schema, s.schema) {
		chunk.release()
		return schemaMismatch(s.path, s.schema, schema)
	}
	if chunk.rows != params.RowCount {
		chunk.release()
		return ytrpc.ServiceError(ytrpc.CodeInvalidParams, "InvalidParams",
			"chunk %d holds %d rows, header says %d", params.ChunkIndex, chunk.rows, params.RowCount)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions[params.SessionID] != s {
		chunk.release()
		return noSuchSession(params.SessionID)
	}
	if old, ok := s.chunks[params.ChunkIndex]; ok {
		old.release()
	}
	s.chunks[params.ChunkIndex] = chunk
	return nil
}

func (p *Proxy) finishWriteTable(_ context.Context, cc *ytrpc.CallContext, params ytrpc.FinishWriteTableParams) (ytrpc.TableStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[params.SessionID]
	if !ok {
		return ytrpc.TableStats{}, noSuchSession(params.SessionID)
	}

	var rows int64
	for i := range params.ChunkCount {
		c, ok := s.chunks[i]
		if !ok {
			return ytrpc.TableStats{}, ytrpc.ServiceError(ytrpc.CodeInvalidParams, "IncompleteSession",
				"write session %s is missing chunk %d", params.SessionID, i)
		}
		rows += c.rows
	}
	if int64(len(s.chunks)) != params.ChunkCount || rows != params.RowCount {
		return ytrpc.TableStats{}, ytrpc.ServiceError(ytrpc.CodeInvalidParams, "IncompleteSession",
			"write session %s holds %d chunks and %d rows, expected %d and %d",
			params.SessionID, len(s.chunks), rows, params.ChunkCount, params.RowCount)
	}

	n, ok := p.nodes[s.path]
	if !ok {
		if err := p.ensureParents(s.path, true); err != nil {
			return ytrpc.TableStats{}, err
		}
		n = &node{id: ytrpc.NewGUID(), nodeType: ytrpc.NodeTable}
		p.nodes[s.path] = n
	}
	if !s.append {
		n.truncate()
		n.schema = nil
	}
	if n.schema == nil {
		n.schema = s.schema
	} else if !ytrpc.SameSchema(n.schema, s.schema) {
		return ytrpc.TableStats{}, schemaMismatch(s.path, n.schema, s.schema)
	}
	for i := range params.ChunkCount {
		if c := s.chunks[i]; c.rows > 0 {
			n.chunks = append(n.chunks, c)
		} else {
			c.release()
		}
	}
	s.chunks = nil
	delete(p.sessions, params.SessionID)

	cc.ClientLog(ytrpc.LogInfo, "write session committed",
		ytrpc.KV{Key: "path", Value: s.path},
		ytrpc.KV{Key: "rows", Value: strconv.FormatInt(rows, 10)})
	p.logger.Debug("table committed", "path", s.path, "rows", rows, "chunks", params.ChunkCount)
	return n.stats(), nil
}

// AbortSessions drops every open write session and returns how many there
// were.
func (p *Proxy) AbortSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.sessions)
	for id, s := range p.sessions {
		s.release()
		delete(p.sessions, id)
	}
	return n
}

// String describes the proxy contents for debugging.
func (p *Proxy) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("localproxy: %d nodes, %d sessions, %d operations", len(p.nodes), len(p.sessions), len(p.operations))
}
