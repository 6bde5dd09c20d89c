// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Query-farm/yt-rpc-go/ytrpc"
	"github.com/Query-farm/yt-rpc-go/ytrpc/localproxy"
	"github.com/Query-farm/yt-rpc-go/ytrpc/ytotel"
)

var (
	serveListen     string
	serveOtelStdout bool
	serveDebug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the in-memory table service",
	Args:  cobra.NoArgs,
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

		proxy := localproxy.New()
		proxy.SetLogger(logger)
		proxy.Server().SetDebugErrors(serveDebug)

		if serveOtelStdout {
			shutdown, err := installStdoutTelemetry(proxy)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil && outErr == nil {
					outErr = fmt.Errorf("couldn't flush telemetry: %w", err)
				}
			}()
		}

		addr := serveListen
		if addr == "" {
			addr = cfg.Proxy
		}
		network := cfg.Network
		switch network {
		case "unix":
			os.Remove(addr)
			defer os.Remove(addr)
		case "http":
			network = "tcp"
		}
		listener, err := net.Listen(network, addr)
		if err != nil {
			return fmt.Errorf("couldn't listen on %s %s: %w", cfg.Network, addr, err)
		}
		logger.Info("serving", "network", cfg.Network, "addr", listener.Addr().String())

		if cfg.Network == "http" {
			err = serveHTTP(ctx, proxy, listener)
		} else {
			err = proxy.Server().Serve(ctx, listener)
		}
		if n := proxy.AbortSessions(); n > 0 {
			logger.Warn("aborted open write sessions", "count", n)
		}
		return err
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address. Defaults to the proxy address of the configuration.")
	serveCmd.Flags().BoolVar(&serveOtelStdout, "otel-stdout", false, "Export spans and metrics to stderr.")
	serveCmd.Flags().BoolVar(&serveDebug, "debug-errors", false, "Include stack traces in error replies.")
}

// serveHTTP serves the proxy over HTTP until ctx ends.
func serveHTTP(ctx context.Context, proxy *localproxy.Proxy, listener net.Listener) error {
	srv := &http.Server{
		Handler:           ytrpc.NewHTTPServer(proxy.Server()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// installStdoutTelemetry instruments the proxy server with providers that
// export to stderr. The returned function flushes and stops them.
func installStdoutTelemetry(proxy *localproxy.Proxy) (func(context.Context) error, error) {
	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, fmt.Errorf("couldn't create trace exporter: %w", err)
	}
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
	if err != nil {
		return nil, fmt.Errorf("couldn't create metric exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))

	cfg := ytotel.DefaultConfig()
	cfg.TracerProvider = tp
	cfg.MeterProvider = mp
	ytotel.InstrumentServer(proxy.Server(), cfg)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
