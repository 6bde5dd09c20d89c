// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"context"
	"fmt"
	"math"
	"math/bits"

	"golang.org/x/sync/errgroup"
)

// MethodPartitionTables names partition_tables in envelopes. Partitioning
// runs on the client; the method is only used to encode the request.
const MethodPartitionTables = "partition_tables"

// PartitionTablesMode selects how ranges of different tables are grouped.
type PartitionTablesMode string

const (
	// PartitionOrdered fills partitions sequentially in input order, so
	// reading the partitions in order yields the tables' rows in order.
	PartitionOrdered PartitionTablesMode = "ordered"
	// PartitionUnordered packs ranges of any table first-fit into the
	// earliest partition with room.
	PartitionUnordered PartitionTablesMode = "unordered"
)

// maxAdjustRounds bounds how often the target is raised to satisfy
// MaxPartitionCount.
const maxAdjustRounds = 64

// statsConcurrency bounds parallel get_table_stats calls.
const statsConcurrency = 8

// PartitionTablesParams are the envelope parameters of partition_tables.
type PartitionTablesParams struct {
	Paths                        []string `ytrpc:"paths"`
	Mode                         string   `ytrpc:"partition_mode,enum"`
	DataWeightPerPartition       int64    `ytrpc:"data_weight_per_partition"`
	MaxPartitionCount            int64    `ytrpc:"max_partition_count"`
	AdjustDataWeightPerPartition bool     `ytrpc:"adjust_data_weight_per_partition"`
}

// PartitionTables splits tables into partitions of about
// DataWeightPerPartition bytes for parallel reading.
type PartitionTables struct {
	requestBase
	paths                  []YPath
	mode                   PartitionTablesMode
	dataWeightPerPartition int64
	maxPartitionCount      int64
	adjust                 bool
}

// Method returns the name under which partitioning is reported to hooks.
func (r *PartitionTables) Method() string { return MethodPartitionTables }
// Idempotent reports true: partitioning only reads table statistics.
func (r *PartitionTables) Idempotent() bool { return true }

// Paths returns a copy of the input tables.
func (r *PartitionTables) Paths() []YPath { return clonePaths(r.paths) }
// Mode returns the partitioning mode.
func (r *PartitionTables) Mode() PartitionTablesMode { return r.mode }
// DataWeightPerPartition returns the target data weight of one partition.
func (r *PartitionTables) DataWeightPerPartition() int64 { return r.dataWeightPerPartition }
// MaxPartitionCount returns the partition cap, or zero for none.
func (r *PartitionTables) MaxPartitionCount() int64 { return r.maxPartitionCount }

func (r *PartitionTables) params() any {
	return PartitionTablesParams{
		Paths:                        pathStrings(r.paths),
		Mode:                         string(r.mode),
		DataWeightPerPartition:       r.dataWeightPerPartition,
		MaxPartitionCount:            r.maxPartitionCount,
		AdjustDataWeightPerPartition: r.adjust,
	}
}

func (r *PartitionTables) withHeader(h RequestHeader) Request {
	c := *r
	c.header = h
	return &c
}

// ToBuilder returns a builder initialised with every field of r.
func (r *PartitionTables) ToBuilder() *PartitionTablesBuilder {
	b := NewPartitionTablesBuilder()
	b.init(b, r.header)
	b.paths = clonePaths(r.paths)
	b.mode = r.mode
	b.dataWeightPerPartition = r.dataWeightPerPartition
	b.maxPartitionCount = r.maxPartitionCount
	b.adjust = r.adjust
	return b
}

// PartitionTablesBuilder builds PartitionTables requests. Paths, mode and a
// positive data weight per partition are required.
type PartitionTablesBuilder struct {
	RequestBuilder[*PartitionTablesBuilder]
	paths                  []YPath
	mode                   PartitionTablesMode
	dataWeightPerPartition int64
	maxPartitionCount      int64
	adjust                 bool
}

// NewPartitionTablesBuilder returns an empty builder.
func NewPartitionTablesBuilder() *PartitionTablesBuilder {
	b := &PartitionTablesBuilder{}
	b.self = b
	return b
}

// AddPath appends an input table. Row-index ranges on the path restrict the
// rows taken from it.
func (b *PartitionTablesBuilder) AddPath(p YPath) *PartitionTablesBuilder {
	b.paths = append(b.paths, p.clone())
	return b
}

// SetPaths replaces the input tables.
func (b *PartitionTablesBuilder) SetPaths(paths ...YPath) *PartitionTablesBuilder {
	b.paths = clonePaths(paths)
	return b
}

// SetMode sets the partitioning mode.
func (b *PartitionTablesBuilder) SetMode(m PartitionTablesMode) *PartitionTablesBuilder {
	b.mode = m
	return b
}

// SetDataWeightPerPartition sets the target data weight of one partition.
func (b *PartitionTablesBuilder) SetDataWeightPerPartition(w int64) *PartitionTablesBuilder {
	b.dataWeightPerPartition = w
	return b
}

// SetMaxPartitionCount caps the number of partitions. With adjust set the
// target weight is raised until the cap holds; otherwise exceeding it is an
// error.
func (b *PartitionTablesBuilder) SetMaxPartitionCount(n int64, adjust bool) *PartitionTablesBuilder {
	b.maxPartitionCount = n
	b.adjust = adjust
	return b
}

// Build validates the builder and returns an immutable request.
func (b *PartitionTablesBuilder) Build() (*PartitionTables, error) {
	if len(b.paths) == 0 {
		return nil, newError(KindRequiredFieldMissing, "partition_tables: paths are required")
	}
	for i, p := range b.paths {
		if p.Path == "" {
			return nil, newError(KindRequiredFieldMissing, "partition_tables: path %d is empty", i)
		}
	}
	if b.mode == "" {
		return nil, newError(KindRequiredFieldMissing, "partition_tables: mode is required")
	}
	if b.mode != PartitionOrdered && b.mode != PartitionUnordered {
		return nil, newError(KindInvalidRequest, "partition_tables: unknown mode %q", b.mode)
	}
	if b.dataWeightPerPartition <= 0 {
		return nil, newError(KindRequiredFieldMissing, "partition_tables: data weight per partition is required")
	}
	return &PartitionTables{
		requestBase:            requestBase{header: b.builtHeader()},
		paths:                  clonePaths(b.paths),
		mode:                   b.mode,
		dataWeightPerPartition: b.dataWeightPerPartition,
		maxPartitionCount:      b.maxPartitionCount,
		adjust:                 b.adjust,
	}, nil
}

// TableStatsSource provides point-in-time table sizes.
type TableStatsSource interface {
	TableStats(ctx context.Context, req *GetTableStats) (TableStats, error)
}

// PartitionInput is one input table with its statistics.
type PartitionInput struct {
	Path  YPath
	Stats TableStats
}

// TableRange is a row range of one table.
type TableRange struct {
	Path YPath
	Rows RowRange
}

// YPath returns the table path restricted to the range.
func (r TableRange) YPath() YPath {
	return r.Path.WithRowRange(r.Rows)
}

func (r TableRange) String() string {
	return r.YPath().String()
}

// MultiTablePartition is one unit of parallel work.
type MultiTablePartition struct {
	Ranges     []TableRange
	RowCount   int64
	DataWeight int64
}

// TableRanges returns the ranges as rich paths.
func (p MultiTablePartition) TableRanges() []YPath {
	out := make([]YPath, len(p.Ranges))
	for i, r := range p.Ranges {
		out[i] = r.YPath()
	}
	return out
}

// rowWeight estimates the data weight of rows of one table.
type rowWeight struct {
	rows   uint64
	weight uint64
}

// of returns ceil(k * weight / rows).
func (w rowWeight) of(k int64) int64 {
	if w.weight == 0 || w.rows == 0 || k <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(k), w.weight)
	if hi >= w.rows {
		return math.MaxInt64
	}
	q, r := bits.Div64(hi, lo, w.rows)
	if r > 0 {
		q++
	}
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}

// fit returns the largest k with of(k) <= budget.
func (w rowWeight) fit(budget int64) int64 {
	if w.weight == 0 || w.rows == 0 {
		return math.MaxInt64
	}
	if budget <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(budget), w.rows)
	if hi >= w.weight {
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, w.weight)
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}

// tableSpan is a resolved row range of one input.
type tableSpan struct {
	path   YPath
	rows   RowRange
	weight rowWeight
}

func resolveSpans(inputs []PartitionInput) ([]tableSpan, error) {
	var spans []tableSpan
	for _, in := range inputs {
		if in.Stats.RowCount < 0 || in.Stats.DataWeight < 0 {
			return nil, newError(KindInvalidRequest, "table %s has negative statistics", in.Path.Path)
		}
		w := rowWeight{rows: uint64(in.Stats.RowCount), weight: uint64(in.Stats.DataWeight)}
		base := in.Path.JustPath()
		ranges := in.Path.Ranges
		if len(ranges) == 0 {
			ranges = []ReadRange{{}}
		}
		for _, rr := range ranges {
			r, err := rr.Rows(in.Stats.RowCount)
			if err != nil {
				return nil, err
			}
			if r.Len() == 0 {
				continue
			}
			spans = append(spans, tableSpan{path: base, rows: r, weight: w})
		}
	}
	return spans, nil
}

// add appends rows of span to p, extending the last range when contiguous.
func (p *MultiTablePartition) add(s tableSpan, r RowRange, weight int64) {
	if n := len(p.Ranges); n > 0 {
		last := &p.Ranges[n-1]
		if last.Path.Path == s.path.Path && last.Rows.End == r.Start {
			last.Rows.End = r.End
			p.RowCount += r.Len()
			p.DataWeight = satAdd(p.DataWeight, weight)
			return
		}
	}
	p.Ranges = append(p.Ranges, TableRange{Path: s.path, Rows: r})
	p.RowCount += r.Len()
	p.DataWeight = satAdd(p.DataWeight, weight)
}

func satAdd(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// ComputePartitions partitions inputs against a target data weight. The
// result depends only on its arguments. Every row of every input range is
// covered exactly once; a row heavier than the target gets a partition of its
// own.
func ComputePartitions(inputs []PartitionInput, mode PartitionTablesMode, target int64) ([]MultiTablePartition, error) {
	if target <= 0 {
		return nil, newError(KindInvalidRequest, "data weight per partition must be positive, got %d", target)
	}
	spans, err := resolveSpans(inputs)
	if err != nil {
		return nil, err
	}
	switch mode {
	case PartitionOrdered:
		return partitionOrdered(spans, target), nil
	case PartitionUnordered:
		return partitionUnordered(spans, target), nil
	default:
		return nil, newError(KindInvalidRequest, "unknown partition mode %q", mode)
	}
}

func partitionOrdered(spans []tableSpan, target int64) []MultiTablePartition {
	var out []MultiTablePartition
	var cur MultiTablePartition
	for _, s := range spans {
		start := s.rows.Start
		for start < s.rows.End {
			n := s.weight.fit(target - cur.DataWeight)
			if n == 0 {
				if cur.RowCount > 0 {
					out = append(out, cur)
					cur = MultiTablePartition{}
					continue
				}
				n = 1
			}
			take := min(n, s.rows.End-start)
			r := RowRange{Start: start, End: start + take}
			cur.add(s, r, s.weight.of(take))
			start += take
		}
	}
	if cur.RowCount > 0 {
		out = append(out, cur)
	}
	return out
}

func partitionUnordered(spans []tableSpan, target int64) []MultiTablePartition {
	var out []MultiTablePartition
	for _, s := range spans {
		step := max(s.weight.fit(target), 1)
		for start := s.rows.Start; start < s.rows.End; {
			take := min(step, s.rows.End-start)
			r := RowRange{Start: start, End: start + take}
			w := s.weight.of(take)
			start += take

			placed := false
			for i := range out {
				if out[i].DataWeight <= target-w {
					out[i].add(s, r, w)
					placed = true
					break
				}
			}
			if !placed {
				var p MultiTablePartition
				p.add(s, r, w)
				out = append(out, p)
			}
		}
	}
	return out
}

// partitionWithLimit applies the partition count cap of req.
func partitionWithLimit(inputs []PartitionInput, req *PartitionTables) ([]MultiTablePartition, error) {
	target := req.dataWeightPerPartition
	for range maxAdjustRounds {
		parts, err := ComputePartitions(inputs, req.mode, target)
		if err != nil {
			return nil, err
		}
		if req.maxPartitionCount <= 0 || int64(len(parts)) <= req.maxPartitionCount {
			return parts, nil
		}
		if !req.adjust {
			return nil, newError(KindInvalidRequest, "%d partitions exceed the maximum of %d", len(parts), req.maxPartitionCount)
		}
		target = satAdd(target, target/2+1)
	}
	return nil, newError(KindInvalidRequest, "cannot fit partitions into %d", req.maxPartitionCount)
}

// FetchPartitionInputs gets the statistics of every input path concurrently.
// The fetches run in the transaction of req when it has one.
func FetchPartitionInputs(ctx context.Context, src TableStatsSource, req *PartitionTables) ([]PartitionInput, error) {
	statsReqs := make([]*GetTableStats, len(req.paths))
	for i, p := range req.paths {
		b := NewGetTableStatsBuilder().SetPath(p.JustPath())
		if req.header.Timeout > 0 {
			b.SetTimeout(req.header.Timeout)
		}
		if req.header.Transactional != nil {
			b.SetTransactionalOptions(*req.header.Transactional)
		}
		if !req.header.TraceID.IsZero() {
			b.SetTraceID(req.header.TraceID, req.header.TraceSampled)
		}
		statsReq, err := b.Build()
		if err != nil {
			return nil, err
		}
		statsReqs[i] = statsReq
	}

	inputs := make([]PartitionInput, len(req.paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statsConcurrency)
	for i, p := range req.paths {
		g.Go(func() error {
			stats, err := src.TableStats(gctx, statsReqs[i])
			if err != nil {
				return fmt.Errorf("table stats of %s: %w", p.Path, err)
			}
			inputs[i] = PartitionInput{Path: p, Stats: stats}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return inputs, nil
}

// ComputeTablePartitions fetches statistics from src and partitions the
// tables of req.
func ComputeTablePartitions(ctx context.Context, src TableStatsSource, req *PartitionTables) ([]MultiTablePartition, error) {
	inputs, err := FetchPartitionInputs(ctx, src, req)
	if err != nil {
		return nil, err
	}
	return partitionWithLimit(inputs, req)
}

// PartitionTables partitions the tables of req using statistics fetched
// through the client.
func (c *Client) PartitionTables(ctx context.Context, req *PartitionTables) *Future[[]MultiTablePartition] {
	f := newFuture[[]MultiTablePartition]()
	go func() {
		parts, err := ComputeTablePartitions(ctx, c, req)
		if err == nil {
			c.logger.Debug("tables partitioned", "tables", len(req.paths), "partitions", len(parts), "mode", req.mode)
		}
		f.resolve(parts, err)
	}()
	return f
}
