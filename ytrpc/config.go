// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WriterConfig is the writer section of a Config.
type WriterConfig struct {
	Window          int     `yaml:"window"`
	ChunkRows       int     `yaml:"chunk_rows"`
	ChunksPerSecond float64 `yaml:"chunks_per_second"`
}

// RetryConfig is the retry section of a Config.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// Config is the client configuration file.
type Config struct {
	Proxy        string        `yaml:"proxy"`
	Network      string        `yaml:"network"`
	UserAgent    string        `yaml:"user_agent"`
	Timeout      time.Duration `yaml:"timeout"`
	RequestCodec Codec         `yaml:"request_codec"`
	Writer       WriterConfig  `yaml:"writer"`
	Retry        RetryConfig   `yaml:"retry"`
	LogLevel     string        `yaml:"log_level"`
}

// DefaultConfig returns the configuration used for keys a file leaves out.
func DefaultConfig() *Config {
	p := DefaultRetryPolicy()
	return &Config{
		Proxy:        "127.0.0.1:9013",
		Network:      "tcp",
		UserAgent:    DefaultUserAgent,
		Timeout:      DefaultTimeout,
		RequestCodec: CodecNone,
		Writer: WriterConfig{
			Window:    DefaultWriterWindow,
			ChunkRows: DefaultWriterChunkRows,
		},
		Retry: RetryConfig{
			MaxAttempts:     p.MaxAttempts,
			InitialInterval: p.InitialInterval,
			MaxInterval:     p.MaxInterval,
		},
		LogLevel: "info",
	}
}

// LoadConfig reads a YAML configuration file over the defaults and validates
// it.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values no component accepts.
func (c *Config) Validate() error {
	var errs []error
	if c.Proxy == "" {
		errs = append(errs, errors.New("proxy is required"))
	}
	switch c.Network {
	case "tcp", "tcp4", "tcp6", "unix", "http":
	default:
		errs = append(errs, fmt.Errorf("unsupported network %q", c.Network))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %v", c.Timeout))
	}
	if c.Writer.Window <= 0 {
		errs = append(errs, fmt.Errorf("writer.window must be positive, got %d", c.Writer.Window))
	}
	if c.Writer.ChunkRows <= 0 {
		errs = append(errs, fmt.Errorf("writer.chunk_rows must be positive, got %d", c.Writer.ChunkRows))
	}
	if c.Writer.ChunksPerSecond < 0 {
		errs = append(errs, fmt.Errorf("writer.chunks_per_second must not be negative, got %v", c.Writer.ChunksPerSecond))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// Dial connects to the configured proxy. The "http" network posts requests
// to an [HTTPServer]; the others open a stream connection.
func (c *Config) Dial(ctx context.Context) (Bus, error) {
	if c.Network == "http" {
		base := c.Proxy
		if !strings.Contains(base, "://") {
			base = "http://" + base
		}
		return NewHTTPBus(base, nil), nil
	}
	return Dial(ctx, c.Network, c.Proxy)
}

// ClientOptions returns the client options of the configuration.
func (c *Config) ClientOptions() []Option {
	return []Option{
		WithCodec(c.RequestCodec),
		WithUserAgent(c.UserAgent),
		WithDefaultTimeout(c.Timeout),
	}
}

// RetryPolicy returns the retry policy of the configuration.
func (c *Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     c.Retry.MaxAttempts,
		InitialInterval: c.Retry.InitialInterval,
		MaxInterval:     c.Retry.MaxInterval,
	}
}

// WriterOptions returns the table writer options of the configuration.
func (c *Config) WriterOptions() []WriterOption {
	return []WriterOption{
		WithWindow(c.Writer.Window),
		WithChunkRows(c.Writer.ChunkRows),
		WithChunkRate(c.Writer.ChunksPerSecond, c.Writer.Window),
		WithWriterRetry(c.RetryPolicy()),
	}
}
