// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Query-farm/yt-rpc-go/ytrpc"
)

var (
	partitionMode       string
	partitionDataWeight int64
	partitionMaxCount   int64
	partitionAdjust     bool
)

var partitionCmd = &cobra.Command{
	Use:   "partition [flags] PATH...",
	Short: "Split tables into partitions of bounded data weight",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (outErr error) {
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}

		b := ytrpc.NewPartitionTablesBuilder().
			SetMode(ytrpc.PartitionTablesMode(partitionMode)).
			SetDataWeightPerPartition(partitionDataWeight).
			SetTimeout(cfg.Timeout)
		if partitionMaxCount > 0 {
			b.SetMaxPartitionCount(partitionMaxCount, partitionAdjust)
		}
		for _, arg := range args {
			p, err := ytrpc.ParseYPath(arg)
			if err != nil {
				return fmt.Errorf("couldn't parse path %q: %w", arg, err)
			}
			b.AddPath(p)
		}
		req, err := b.Build()
		if err != nil {
			return err
		}

		bus, err := cfg.Dial(ctx)
		if err != nil {
			return fmt.Errorf("couldn't connect to %s: %w", cfg.Proxy, err)
		}
		client := ytrpc.NewClient(bus, append(cfg.ClientOptions(), ytrpc.WithLogger(logger))...)
		defer func() {
			if err := client.Close(); err != nil && outErr == nil {
				outErr = fmt.Errorf("couldn't close client: %w", err)
			}
		}()

		parts, err := client.PartitionTables(ctx, req).Get(ctx)
		if err != nil {
			return err
		}
		renderPartitions(os.Stdout, parts)
		return nil
	},
}

func init() {
	partitionCmd.Flags().StringVar(&partitionMode, "mode", string(ytrpc.PartitionOrdered), "Partitioning mode: ordered or unordered.")
	partitionCmd.Flags().Int64Var(&partitionDataWeight, "data-weight", 256<<20, "Target data weight of one partition in bytes.")
	partitionCmd.Flags().Int64Var(&partitionMaxCount, "max-count", 0, "Maximum number of partitions. Zero means no limit.")
	partitionCmd.Flags().BoolVar(&partitionAdjust, "adjust", false, "Raise the data weight when --max-count would be exceeded.")
}

func renderPartitions(w io.Writer, parts []ytrpc.MultiTablePartition) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"partition", "range", "rows", "data weight"})
	table.SetAutoFormatHeaders(false)
	table.SetRowLine(false)
	for i, p := range parts {
		for j, r := range p.Ranges {
			row := []string{"", r.String(), strconv.FormatInt(r.Rows.Len(), 10), ""}
			if j == 0 {
				row[0] = strconv.Itoa(i)
				row[3] = strconv.FormatInt(p.DataWeight, 10)
			}
			table.Append(row)
		}
	}
	table.SetFooter([]string{"", fmt.Sprintf("%d partitions", len(parts)), "", ""})
	table.Render()
}
