// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Query-farm/yt-rpc-go/ytrpc"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ytlocal",
	Short: "Local yt_rpc table service",
	Long: `ytlocal serves an in-memory table service over the yt_rpc protocol
and partitions its tables.`,
	Example: `ytlocal serve --listen 127.0.0.1:9013
ytlocal partition --mode ordered --data-weight 1048576 //home/t1 //home/t2
ytlocal methods`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path of a YAML configuration file.")
	rootCmd.AddCommand(serveCmd, partitionCmd, methodsCmd)
}

// loadConfig reads --config, or returns the defaults when it is not set.
func loadConfig() (*ytrpc.Config, error) {
	if configPath == "" {
		return ytrpc.DefaultConfig(), nil
	}
	cfg, err := ytrpc.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("couldn't read config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *ytrpc.Config) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}
