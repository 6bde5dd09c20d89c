// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ytrpc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
proxy: /tmp/yt.sock
network: unix
timeout: 5s
request_codec: zstd
writer:
  window: 8
  chunks_per_second: 100
retry:
  max_attempts: 5
log_level: debug
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/yt.sock", cfg.Proxy)
	assert.Equal(t, "unix", cfg.Network)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, CodecZstd, cfg.RequestCodec)
	assert.Equal(t, 8, cfg.Writer.Window)
	assert.Equal(t, DefaultWriterChunkRows, cfg.Writer.ChunkRows, "keys left out keep their defaults")
	assert.Equal(t, 5, cfg.RetryPolicy().MaxAttempts)
	assert.Equal(t, DefaultConfig().Retry.InitialInterval, cfg.RetryPolicy().InitialInterval)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	assert.Len(t, cfg.ClientOptions(), 3)
	assert.Len(t, cfg.WriterOptions(), 4)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "proxy: localhost:1\nproxi: typo\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proxi")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Proxy = ""
	cfg.Network = "udp"
	cfg.Timeout = 0
	cfg.Writer.Window = 0
	cfg.Writer.ChunkRows = -1
	cfg.Writer.ChunksPerSecond = -1
	cfg.Retry.MaxAttempts = 0
	cfg.LogLevel = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"proxy is required",
		`unsupported network "udp"`,
		"timeout must be positive",
		"writer.window",
		"writer.chunk_rows",
		"writer.chunks_per_second",
		"retry.max_attempts",
		"log_level",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadConfigValidates(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "writer:\n  window: -2\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "writer.window")
}
