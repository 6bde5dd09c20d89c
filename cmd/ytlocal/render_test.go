// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Query-farm/yt-rpc-go/ytrpc"
	"github.com/Query-farm/yt-rpc-go/ytrpc/localproxy"
)

func TestPrintMethods(t *testing.T) {
	var buf bytes.Buffer
	printMethods(&buf, localproxy.New().Server().Describe())
	out := buf.String()

	assert.Contains(t, out, ytrpc.MethodCreateNode)
	assert.Contains(t, out, ytrpc.MethodWriteTableChunk)
	assert.Contains(t, out, "session_id: ")
	// partition_tables runs in the client
	assert.NotContains(t, out, ytrpc.MethodPartitionTables)
}

func TestRenderPartitions(t *testing.T) {
	parts := []ytrpc.MultiTablePartition{
		{Ranges: []ytrpc.TableRange{{Path: ytrpc.NewYPath("//home/a"), Rows: ytrpc.RowRange{Start: 0, End: 3}}}, DataWeight: 30},
		{Ranges: []ytrpc.TableRange{{Path: ytrpc.NewYPath("//home/a"), Rows: ytrpc.RowRange{Start: 3, End: 6}}}, DataWeight: 30},
	}
	var buf bytes.Buffer
	renderPartitions(&buf, parts)
	out := buf.String()
	assert.Contains(t, out, "//home/a")
	assert.Contains(t, out, "2 partitions")
	assert.Contains(t, out, "data weight")
}
