// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package localproxy is an in-memory table service that answers yt_rpc
// requests. It keeps Cypress nodes, table chunks, write sessions and
// operations in memory and is meant for tests, examples and local
// development.
package localproxy

import (
	"context"
	"log/slog"
	"net"
	"slices"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/Query-farm/yt-rpc-go/ytrpc"
)

// ChunkHook runs before a written chunk is stored. Blocking in the hook
// delays the acknowledgement; an error fails the chunk.
type ChunkHook func(ctx context.Context, session ytrpc.GUID, index int64) error

// RequestHook runs before every method handler. An error is returned to the
// client instead of running the handler.
type RequestHook func(ctx context.Context, method string) error

// Proxy is the in-memory service.
type Proxy struct {
	server *ytrpc.Server
	logger *slog.Logger

	mu          sync.Mutex
	nodes       map[string]*node
	sessions    map[ytrpc.GUID]*session
	operations  map[ytrpc.GUID]*operation
	calls       map[string]int
	chunkHook   ChunkHook
	requestHook RequestHook
}

// New creates an empty proxy.
func New() *Proxy {
	p := &Proxy{
		server:     ytrpc.NewServer(),
		logger:     slog.Default(),
		nodes:      make(map[string]*node),
		sessions:   make(map[ytrpc.GUID]*session),
		operations: make(map[ytrpc.GUID]*operation),
		calls:      make(map[string]int),
	}
	p.server.SetServerID("localproxy")
	p.register()
	return p
}

// Server returns the server that dispatches to the proxy.
func (p *Proxy) Server() *ytrpc.Server {
	return p.server
}

// SetLogger sets the logger of the proxy and its server.
func (p *Proxy) SetLogger(l *slog.Logger) {
	p.logger = l
	p.server.SetLogger(l)
}

// SetChunkHook installs a hook run for every written chunk.
func (p *Proxy) SetChunkHook(h ChunkHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunkHook = h
}

// SetRequestHook installs a hook run before every handler.
func (p *Proxy) SetRequestHook(h RequestHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requestHook = h
}

// Calls returns how many requests of method reached a handler.
func (p *Proxy) Calls(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

// NewInProcess serves the proxy on one end of an in-memory connection and
// returns a bus on the other end. Closing the bus ends the connection.
func (p *Proxy) NewInProcess(ctx context.Context) *ytrpc.StreamBus {
	serverConn, clientConn := net.Pipe()
	go func() {
		if err := p.server.ServeConn(ctx, serverConn); err != nil {
			p.logger.Error("in-process serve loop error", "err", err)
		}
	}()
	return ytrpc.NewStreamBus(clientConn)
}

// NewInProcessClient returns a client connected to the proxy in process.
func (p *Proxy) NewInProcessClient(ctx context.Context, opts ...ytrpc.Option) *ytrpc.Client {
	return ytrpc.NewClient(p.NewInProcess(ctx), opts...)
}

// Tables returns the paths of all tables in sorted order.
func (p *Proxy) Tables() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for path, n := range p.nodes {
		if n.nodeType == ytrpc.NodeTable {
			out = append(out, path)
		}
	}
	slices.Sort(out)
	return out
}

// TableSchema returns the schema of a table, or nil if it has none.
func (p *Proxy) TableSchema(path string) *arrow.Schema {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.nodes[path]; n != nil {
		return n.schema
	}
	return nil
}

// before counts the call and runs the request hook.
func (p *Proxy) before(ctx context.Context, method string) error {
	p.mu.Lock()
	p.calls[method]++
	hook := p.requestHook
	p.mu.Unlock()
	if hook != nil {
		return hook(ctx, method)
	}
	return nil
}

func (p *Proxy) register() {
	ytrpc.Unary(p.server, ytrpc.MethodCreateNode, withHook(p, ytrpc.MethodCreateNode, p.createNode))
	ytrpc.Unary(p.server, ytrpc.MethodGetTableStats, withHook(p, ytrpc.MethodGetTableStats, p.getTableStats))
	ytrpc.Unary(p.server, ytrpc.MethodStartWriteTable, withHook(p, ytrpc.MethodStartWriteTable, p.startWriteTable))
	ytrpc.UnaryVoid(p.server, ytrpc.MethodWriteTableChunk, withVoidHook(p, ytrpc.MethodWriteTableChunk, p.writeTableChunk))
	ytrpc.Unary(p.server, ytrpc.MethodFinishWriteTable, withHook(p, ytrpc.MethodFinishWriteTable, p.finishWriteTable))
	ytrpc.Unary(p.server, ytrpc.MethodReadTable, withHook(p, ytrpc.MethodReadTable, p.readTable))
	ytrpc.Unary(p.server, ytrpc.MethodStartOperation, withHook(p, ytrpc.MethodStartOperation, p.startOperation))
	ytrpc.Unary(p.server, ytrpc.MethodGetJobStderr, withHook(p, ytrpc.MethodGetJobStderr, p.getJobStderr))
}

func withHook[P, R any](p *Proxy, method string, h func(context.Context, *ytrpc.CallContext, P) (R, error)) func(context.Context, *ytrpc.CallContext, P) (R, error) {
	return func(ctx context.Context, cc *ytrpc.CallContext, params P) (R, error) {
		if err := p.before(ctx, method); err != nil {
			var zero R
			return zero, err
		}
		return h(ctx, cc, params)
	}
}

func withVoidHook[P any](p *Proxy, method string, h func(context.Context, *ytrpc.CallContext, P) error) func(context.Context, *ytrpc.CallContext, P) error {
	return func(ctx context.Context, cc *ytrpc.CallContext, params P) error {
		if err := p.before(ctx, method); err != nil {
			return err
		}
		return h(ctx, cc, params)
	}
}

// ensureParents creates missing map nodes above path, or fails when
// recursive is not set and the parent is missing. p.mu must be held.
func (p *Proxy) ensureParents(path string, recursive bool) error {
	parent := parentPath(path)
	if parent == "" {
		return nil
	}
	if n, ok := p.nodes[parent]; ok {
		if n.nodeType != ytrpc.NodeMap {
			return ytrpc.ServiceError(ytrpc.CodeResolveError, "ResolveError", "%s is a %s, not a map_node", parent, n.nodeType)
		}
		return nil
	}
	if !recursive {
		return resolveError(parent)
	}
	if err := p.ensureParents(parent, true); err != nil {
		return err
	}
	p.nodes[parent] = &node{id: ytrpc.NewGUID(), nodeType: ytrpc.NodeMap}
	return nil
}

// table returns the table at path. p.mu must be held.
func (p *Proxy) table(path string) (*node, error) {
	n, ok := p.nodes[path]
	if !ok {
		return nil, ytrpc.ServiceError(ytrpc.CodeResolveError, "ResolveError", "table %s does not exist", path)
	}
	if n.nodeType != ytrpc.NodeTable {
		return nil, ytrpc.ServiceError(ytrpc.CodeResolveError, "ResolveError", "%s is not a table", describeNode(path, n))
	}
	return n, nil
}

func (p *Proxy) createNode(_ context.Context, cc *ytrpc.CallContext, params ytrpc.CreateNodeParams) (ytrpc.GUID, error) {
	path, err := parsePath(params.Path)
	if err != nil {
		return ytrpc.GUID{}, err
	}
	nodeType := ytrpc.NodeType(params.Type)
	switch nodeType {
	case ytrpc.NodeTable, ytrpc.NodeMap, ytrpc.NodeFile, ytrpc.NodeDocument:
	default:
		return ytrpc.GUID{}, ytrpc.ServiceError(ytrpc.CodeInvalidParams, "InvalidParams", "unknown node type %q", params.Type)
	}
	var schema *arrow.Schema
	if len(params.Schema) > 0 {
		s, batches, err := readBatches(params.Schema)
		if err != nil {
			return ytrpc.GUID{}, ytrpc.ServiceError(ytrpc.CodeInvalidParams, "InvalidParams", "bad schema: %v", err)
		}
		for _, b := range batches {
			b.Release()
		}
		schema = s
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.nodes[path.Path]; ok {
		if params.IgnoreExisting && existing.nodeType == nodeType {
			return existing.id, nil
		}
		return ytrpc.GUID{}, ytrpc.ServiceError(ytrpc.CodeAlreadyExists, "AlreadyExists", "node %s already exists", path.Path)
	}
	if err := p.ensureParents(path.Path, params.Recursive); err != nil {
		return ytrpc.GUID{}, err
	}
	n := &node{id: ytrpc.NewGUID(), nodeType: nodeType, schema: schema}
	p.nodes[path.Path] = n
	cc.ClientLog(ytrpc.LogDebug, "node created", ytrpc.KV{Key: "path", Value: path.Path}, ytrpc.KV{Key: "type", Value: string(nodeType)})
	return n.id, nil
}

func (p *Proxy) getTableStats(_ context.Context, _ *ytrpc.CallContext, params ytrpc.GetTableStatsParams) (ytrpc.TableStats, error) {
	path, err := parsePath(params.Path)
	if err != nil {
		return ytrpc.TableStats{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.table(path.Path)
	if err != nil {
		return ytrpc.TableStats{}, err
	}
	return n.stats(), nil
}

func (p *Proxy) readTable(_ context.Context, _ *ytrpc.CallContext, params ytrpc.ReadTableParams) ([]byte, error) {
	path, err := parsePath(params.Path)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	n, err := p.table(path.Path)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	schema := n.schema
	if schema == nil {
		schema = arrow.NewSchema(nil, nil)
	}
	ranges, err := resolveRanges(path, n.rowCount())
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	var batches []arrow.RecordBatch
	for _, r := range ranges {
		batches = append(batches, n.slice(r)...)
	}
	p.mu.Unlock()

	defer func() {
		for _, b := range batches {
			b.Release()
		}
	}()
	return ytrpc.EncodeRowStream(schema, batches...)
}
