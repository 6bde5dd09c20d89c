// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"context"
	"fmt"
	"testing"

	"github.com/Query-farm/yt-rpc-go/ytrpc"
)

func BenchmarkTableWriter(b *testing.B) {
	for _, window := range []int{1, 4, 16} {
		b.Run(fmt.Sprintf("window=%d", window), func(b *testing.B) {
			ctx := context.Background()
			f := NewFixture(ctx)
			defer f.Close()
			rows := GenerateRows(10_000)

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				path := fmt.Sprintf("//bench/w%d", i)
				if _, err := f.WriteTable(ctx, path, rows, ytrpc.WithWindow(window), ytrpc.WithChunkRows(1000)); err != nil {
					b.Fatal(err)
				}
			}
			b.ReportMetric(float64(len(rows)*b.N)/b.Elapsed().Seconds(), "rows/s")
		})
	}
}

func BenchmarkComputePartitions(b *testing.B) {
	inputs := RandomInputs(500, 42)
	for _, mode := range []ytrpc.PartitionTablesMode{ytrpc.PartitionOrdered, ytrpc.PartitionUnordered} {
		b.Run(string(mode), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := ytrpc.ComputePartitions(inputs, mode, 64<<20); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkEnvelope(b *testing.B) {
	req, err := ytrpc.NewGetTableStatsBuilder().SetPath(ytrpc.NewYPath("//bench/t")).Build()
	if err != nil {
		b.Fatal(err)
	}
	for _, codec := range []ytrpc.Codec{ytrpc.CodecNone, ytrpc.CodecZstd, ytrpc.CodecSnappy, ytrpc.CodecLz4} {
		b.Run(codec.String(), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				payload, err := ytrpc.EncodeEnvelope(req)
				if err != nil {
					b.Fatal(err)
				}
				if _, err := codec.Compress(payload); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkPartitionTablesInProcess(b *testing.B) {
	ctx := context.Background()
	f := NewFixture(ctx)
	defer f.Close()

	rb := ytrpc.NewPartitionTablesBuilder().
		SetMode(ytrpc.PartitionUnordered).
		SetDataWeightPerPartition(32 << 10)
	for t := range 8 {
		path := fmt.Sprintf("//bench/p%d", t)
		if _, err := f.WriteTable(ctx, path, GenerateRows(2000)); err != nil {
			b.Fatal(err)
		}
		rb.AddPath(ytrpc.NewYPath(path))
	}
	req, err := rb.Build()
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := f.Client.PartitionTables(ctx, req).Get(ctx); err != nil {
			b.Fatal(err)
		}
	}
}
