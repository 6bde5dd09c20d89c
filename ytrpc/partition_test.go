// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func input(path string, rows, weight int64) PartitionInput {
	return PartitionInput{Path: NewYPath(path), Stats: TableStats{RowCount: rows, DataWeight: weight}}
}

func tr(path string, start, end int64) TableRange {
	return TableRange{Path: NewYPath(path), Rows: RowRange{Start: start, End: end}}
}

// requireCoverage checks that every row of every input is in exactly one
// partition.
func requireCoverage(t *testing.T, inputs []PartitionInput, parts []MultiTablePartition) {
	t.Helper()
	got := map[string][]RowRange{}
	for _, p := range parts {
		var rows int64
		for _, r := range p.Ranges {
			require.Positive(t, r.Rows.Len())
			got[r.Path.Path] = append(got[r.Path.Path], r.Rows)
			rows += r.Rows.Len()
		}
		require.Equal(t, p.RowCount, rows)
	}
	for _, in := range inputs {
		ranges := got[in.Path.Path]
		slices.SortFunc(ranges, func(a, b RowRange) int { return cmp.Compare(a.Start, b.Start) })
		var next int64
		for _, r := range ranges {
			require.Equal(t, next, r.Start, "gap or overlap in %s", in.Path.Path)
			next = r.End
		}
		require.Equal(t, in.Stats.RowCount, next, "rows of %s", in.Path.Path)
	}
}

func TestPartitionTwoWrites(t *testing.T) {
	// Three rows written, three appended, three rows per partition.
	inputs := []PartitionInput{input("//t", 6, 60)}
	for _, mode := range []PartitionTablesMode{PartitionOrdered, PartitionUnordered} {
		t.Run(string(mode), func(t *testing.T) {
			parts, err := ComputePartitions(inputs, mode, 30)
			require.NoError(t, err)
			require.Len(t, parts, 2)
			assert.Equal(t, []TableRange{tr("//t", 0, 3)}, parts[0].Ranges)
			assert.Equal(t, []TableRange{tr("//t", 3, 6)}, parts[1].Ranges)
			assert.Equal(t, int64(30), parts[0].DataWeight)
			assert.Equal(t, "//t[#3:#6]", parts[1].Ranges[0].String())
		})
	}
}

func TestPartitionOrderedConcatenates(t *testing.T) {
	inputs := []PartitionInput{input("//a", 3, 30), input("//b", 3, 30)}
	parts, err := ComputePartitions(inputs, PartitionOrdered, 45)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, []TableRange{tr("//a", 0, 3), tr("//b", 0, 1)}, parts[0].Ranges)
	assert.Equal(t, []TableRange{tr("//b", 1, 3)}, parts[1].Ranges)
}

func TestPartitionUnorderedPacks(t *testing.T) {
	inputs := []PartitionInput{input("//a", 2, 20), input("//b", 4, 40), input("//c", 1, 10)}
	parts, err := ComputePartitions(inputs, PartitionUnordered, 30)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, []TableRange{tr("//a", 0, 2), tr("//b", 3, 4)}, parts[0].Ranges)
	assert.Equal(t, []TableRange{tr("//b", 0, 3)}, parts[1].Ranges)
	assert.Equal(t, []TableRange{tr("//c", 0, 1)}, parts[2].Ranges)
	for _, p := range parts {
		assert.LessOrEqual(t, p.DataWeight, int64(30))
	}
}

func TestPartitionEdgeCases(t *testing.T) {
	t.Run("empty table", func(t *testing.T) {
		parts, err := ComputePartitions([]PartitionInput{input("//empty", 0, 0)}, PartitionOrdered, 10)
		require.NoError(t, err)
		assert.Empty(t, parts)
	})
	t.Run("oversized rows", func(t *testing.T) {
		for _, mode := range []PartitionTablesMode{PartitionOrdered, PartitionUnordered} {
			parts, err := ComputePartitions([]PartitionInput{input("//wide", 3, 300)}, mode, 50)
			require.NoError(t, err)
			require.Len(t, parts, 3, mode)
			for i, p := range parts {
				assert.Equal(t, []TableRange{tr("//wide", int64(i), int64(i)+1)}, p.Ranges)
				assert.Equal(t, int64(100), p.DataWeight)
			}
		}
	})
	t.Run("weightless table", func(t *testing.T) {
		parts, err := ComputePartitions([]PartitionInput{input("//z", 1000, 0)}, PartitionOrdered, 1)
		require.NoError(t, err)
		require.Len(t, parts, 1)
		assert.Equal(t, int64(1000), parts[0].RowCount)
	})
	t.Run("row ranges", func(t *testing.T) {
		in := PartitionInput{
			Path:  NewYPath("//r").WithRowRange(RowRange{Start: 1, End: 3}).WithExact(RowLimit(5)),
			Stats: TableStats{RowCount: 6, DataWeight: 60},
		}
		parts, err := ComputePartitions([]PartitionInput{in}, PartitionOrdered, 100)
		require.NoError(t, err)
		require.Len(t, parts, 1)
		assert.Equal(t, []TableRange{tr("//r", 1, 3), tr("//r", 5, 6)}, parts[0].Ranges)
	})
	t.Run("key ranges", func(t *testing.T) {
		in := PartitionInput{Path: NewYPath("//k").WithExact(KeyLimit("x")), Stats: TableStats{RowCount: 6, DataWeight: 6}}
		_, err := ComputePartitions([]PartitionInput{in}, PartitionOrdered, 100)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
	t.Run("bad arguments", func(t *testing.T) {
		_, err := ComputePartitions([]PartitionInput{input("//t", 1, 1)}, PartitionOrdered, 0)
		assert.ErrorIs(t, err, ErrInvalidRequest)
		_, err = ComputePartitions([]PartitionInput{input("//t", 1, 1)}, "sideways", 10)
		assert.ErrorIs(t, err, ErrInvalidRequest)
		_, err = ComputePartitions([]PartitionInput{input("//t", -1, 1)}, PartitionOrdered, 10)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestPartitionCoverageAndDeterminism(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for round := range 50 {
		var inputs []PartitionInput
		for i := range 1 + rng.IntN(5) {
			rows := rng.Int64N(500)
			inputs = append(inputs, input(fmt.Sprintf("//in/t%d", i), rows, rows*(1+rng.Int64N(40))))
		}
		target := 1 + rng.Int64N(5000)
		for _, mode := range []PartitionTablesMode{PartitionOrdered, PartitionUnordered} {
			parts, err := ComputePartitions(inputs, mode, target)
			require.NoError(t, err, "round %d", round)
			requireCoverage(t, inputs, parts)
			for _, p := range parts {
				if p.RowCount > 1 {
					require.LessOrEqual(t, p.DataWeight, target, "round %d %s", round, mode)
				}
			}

			again, err := ComputePartitions(inputs, mode, target)
			require.NoError(t, err)
			require.Equal(t, parts, again)
		}
	}
}

func TestPartitionOrderedKeepsRowOrder(t *testing.T) {
	inputs := []PartitionInput{input("//a", 40, 400), input("//b", 25, 500)}
	parts, err := ComputePartitions(inputs, PartitionOrdered, 70)
	require.NoError(t, err)

	var flat []TableRange
	for _, p := range parts {
		flat = append(flat, p.Ranges...)
	}
	for i := 1; i < len(flat); i++ {
		prev, cur := flat[i-1], flat[i]
		if prev.Path.Path == cur.Path.Path {
			assert.Equal(t, prev.Rows.End, cur.Rows.Start)
		} else {
			assert.Equal(t, "//a", prev.Path.Path)
			assert.Equal(t, "//b", cur.Path.Path)
		}
	}
}

type fakeStats struct {
	mu    sync.Mutex
	stats map[string]TableStats
	seen  []RequestHeader
}

func (f *fakeStats) TableStats(_ context.Context, req *GetTableStats) (TableStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, req.Header())
	s, ok := f.stats[req.Path().Path]
	if !ok {
		return TableStats{}, errors.New("no such table")
	}
	return s, nil
}

func partitionRequest(t *testing.T, b *PartitionTablesBuilder) *PartitionTables {
	t.Helper()
	req, err := b.Build()
	require.NoError(t, err)
	return req
}

func TestComputeTablePartitions(t *testing.T) {
	src := &fakeStats{stats: map[string]TableStats{
		"//a": {RowCount: 6, DataWeight: 60},
		"//b": {RowCount: 4, DataWeight: 40},
	}}
	tx := TransactionalOptions{TransactionID: GUIDFromParts(1, 2, 3, 4)}
	req := partitionRequest(t, NewPartitionTablesBuilder().
		AddPath(NewYPath("//a").WithRowRange(RowRange{Start: 2, End: 6})).
		AddPath(NewYPath("//b")).
		SetMode(PartitionOrdered).
		SetDataWeightPerPartition(40).
		SetTimeout(3*time.Second).
		SetTransactionalOptions(tx))

	parts, err := ComputeTablePartitions(context.Background(), src, req)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, []TableRange{tr("//a", 2, 6)}, parts[0].Ranges)
	assert.Equal(t, []TableRange{tr("//b", 0, 4)}, parts[1].Ranges)

	require.Len(t, src.seen, 2)
	for _, h := range src.seen {
		assert.Equal(t, 3*time.Second, h.Timeout)
		require.NotNil(t, h.Transactional)
		assert.Equal(t, tx, *h.Transactional)
	}
}

func TestComputeTablePartitionsStatsError(t *testing.T) {
	src := &fakeStats{stats: map[string]TableStats{"//a": {RowCount: 1, DataWeight: 1}}}
	req := partitionRequest(t, NewPartitionTablesBuilder().
		SetPaths(NewYPath("//a"), NewYPath("//gone")).
		SetMode(PartitionUnordered).
		SetDataWeightPerPartition(10))
	_, err := ComputeTablePartitions(context.Background(), src, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "//gone")
}

func TestFetchPartitionInputsBuildsRequestsFirst(t *testing.T) {
	src := &fakeStats{stats: map[string]TableStats{"//a": {RowCount: 1, DataWeight: 1}}}
	req := &PartitionTables{
		paths:                  []YPath{NewYPath("//a"), {}},
		mode:                   PartitionOrdered,
		dataWeightPerPartition: 1,
	}
	_, err := FetchPartitionInputs(context.Background(), src, req)
	assert.ErrorIs(t, err, ErrRequiredFieldMissing)
	assert.Empty(t, src.seen, "no fetch starts before every request is built")
}

func TestComputeTablePartitionsMaxCount(t *testing.T) {
	src := &fakeStats{stats: map[string]TableStats{"//t": {RowCount: 6, DataWeight: 60}}}
	base := NewPartitionTablesBuilder().
		AddPath(NewYPath("//t")).
		SetMode(PartitionOrdered).
		SetDataWeightPerPartition(10)

	parts, err := ComputeTablePartitions(context.Background(), src, partitionRequest(t, base))
	require.NoError(t, err)
	assert.Len(t, parts, 6)

	_, err = ComputeTablePartitions(context.Background(), src, partitionRequest(t, base.SetMaxPartitionCount(2, false)))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	inputs := []PartitionInput{input("//t", 6, 60)}
	parts, err = ComputeTablePartitions(context.Background(), src, partitionRequest(t, base.SetMaxPartitionCount(2, true)))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(parts), 2)
	requireCoverage(t, inputs, parts)
}

func TestPartitionTablesBuilder(t *testing.T) {
	_, err := NewPartitionTablesBuilder().SetMode(PartitionOrdered).SetDataWeightPerPartition(1).Build()
	assert.ErrorIs(t, err, ErrRequiredFieldMissing)
	_, err = NewPartitionTablesBuilder().AddPath(NewYPath("//t")).SetDataWeightPerPartition(1).Build()
	assert.ErrorIs(t, err, ErrRequiredFieldMissing)
	_, err = NewPartitionTablesBuilder().AddPath(NewYPath("//t")).SetMode(PartitionOrdered).Build()
	assert.ErrorIs(t, err, ErrRequiredFieldMissing)
	_, err = NewPartitionTablesBuilder().AddPath(NewYPath("//t")).SetMode("diagonal").SetDataWeightPerPartition(1).Build()
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = NewPartitionTablesBuilder().
		SetPaths(NewYPath("//t"), YPath{}).
		SetMode(PartitionOrdered).
		SetDataWeightPerPartition(1).
		Build()
	assert.ErrorIs(t, err, ErrRequiredFieldMissing)

	req := partitionRequest(t, NewPartitionTablesBuilder().
		AddPath(NewYPath("//t")).
		SetMode(PartitionUnordered).
		SetDataWeightPerPartition(5).
		SetMaxPartitionCount(3, true))
	again, err := req.ToBuilder().Build()
	require.NoError(t, err)
	assert.Equal(t, req, again)
	assert.Equal(t, PartitionUnordered, again.Mode())
	assert.Equal(t, int64(3), again.MaxPartitionCount())
}
