// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Query-farm/yt-rpc-go/ytrpc"
	"github.com/Query-farm/yt-rpc-go/ytrpc/localproxy"
)

var methodsRemote bool

var methodsCmd = &cobra.Command{
	Use:   "methods",
	Short: "List the methods of the table service",
	Long: `methods lists the methods of the in-memory table service. With --remote it
asks the HTTP service at the configured proxy address instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var methods []ytrpc.MethodDescription
		if methodsRemote {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Network != "http" {
				return fmt.Errorf("--remote needs network http, the configuration has %q", cfg.Network)
			}
			addr := cfg.Proxy
			if !strings.Contains(addr, "://") {
				addr = "http://" + addr
			}
			bus := ytrpc.NewHTTPBus(addr, nil)
			defer bus.Close()
			if methods, err = bus.Describe(cmd.Context()); err != nil {
				return fmt.Errorf("couldn't describe %s: %w", addr, err)
			}
		} else {
			methods = localproxy.New().Server().Describe()
		}
		printMethods(os.Stdout, methods)
		return nil
	},
}

func init() {
	methodsCmd.Flags().BoolVar(&methodsRemote, "remote", false, "Describe the HTTP service at the configured proxy address.")
}

func printMethods(w io.Writer, methods []ytrpc.MethodDescription) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"method", "params", "result"})
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	for _, m := range methods {
		result := "-"
		if m.HasResult {
			result = fieldList(m.ResultSchema)
		}
		table.Append([]string{m.Name, fieldList(m.ParamsSchema), result})
	}
	table.Render()
}

func fieldList(schema *arrow.Schema) string {
	parts := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		parts[i] = fmt.Sprintf("%s: %s", f.Name, f.Type)
	}
	return strings.Join(parts, ", ")
}
