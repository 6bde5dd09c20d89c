// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package benchmark holds fixtures shared by the yt_rpc benchmarks.
package benchmark

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/Query-farm/yt-rpc-go/ytrpc"
	"github.com/Query-farm/yt-rpc-go/ytrpc/localproxy"
)

// RowSchema is the schema of generated rows.
var RowSchema = arrow.NewSchema([]arrow.Field{
	{Name: "i", Type: arrow.PrimitiveTypes.Int64},
	{Name: "value", Type: arrow.PrimitiveTypes.Float64},
	{Name: "label", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

// GenerateRows returns n rows matching RowSchema.
func GenerateRows(n int) []ytrpc.Row {
	rows := make([]ytrpc.Row, n)
	for i := range rows {
		rows[i] = ytrpc.Row{
			"i":     int64(i),
			"value": float64(i) * 0.5,
			"label": fmt.Sprintf("row-%d", i),
		}
	}
	return rows
}

// Fixture is an in-process table service with a connected client.
type Fixture struct {
	Proxy  *localproxy.Proxy
	Client *ytrpc.Client
}

// NewFixture starts an in-process service.
func NewFixture(ctx context.Context, opts ...ytrpc.Option) *Fixture {
	p := localproxy.New()
	return &Fixture{Proxy: p, Client: p.NewInProcessClient(ctx, opts...)}
}

// Close closes the client connection.
func (f *Fixture) Close() error {
	return f.Client.Close()
}

// WriteTable writes rows to path through a TableWriter and waits for the
// commit.
func (f *Fixture) WriteTable(ctx context.Context, path string, rows []ytrpc.Row, opts ...ytrpc.WriterOption) (ytrpc.WriteResult, error) {
	req, err := ytrpc.NewWriteTableBuilder().
		SetPath(ytrpc.NewYPath(path)).
		SetSchema(RowSchema).
		Build()
	if err != nil {
		return ytrpc.WriteResult{}, err
	}
	w, err := f.Client.OpenTableWriter(ctx, req, opts...)
	if err != nil {
		return ytrpc.WriteResult{}, err
	}
	if err := w.Write(ctx, rows); err != nil {
		w.Close()
		return ytrpc.WriteResult{}, err
	}
	return w.Close().Get(ctx)
}

// RandomInputs returns n partition inputs with random sizes drawn from a
// fixed seed.
func RandomInputs(n int, seed uint64) []ytrpc.PartitionInput {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	inputs := make([]ytrpc.PartitionInput, n)
	for i := range inputs {
		rows := r.Int64N(1_000_000)
		inputs[i] = ytrpc.PartitionInput{
			Path: ytrpc.NewYPath(fmt.Sprintf("//bench/t%04d", i)),
			Stats: ytrpc.TableStats{
				RowCount:   rows,
				DataWeight: rows * (8 + r.Int64N(256)),
				ChunkCount: 1 + rows/100_000,
			},
		}
	}
	return inputs
}
