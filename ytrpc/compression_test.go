// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecs(t *testing.T) {
	payload := bytes.Repeat([]byte("yt_rpc envelope payload "), 200)
	for _, c := range []Codec{CodecNone, CodecZstd, CodecLz4, CodecSnappy} {
		t.Run(c.String(), func(t *testing.T) {
			compressed, err := c.Compress(payload)
			require.NoError(t, err)
			if c != CodecNone {
				assert.Less(t, len(compressed), len(payload))
			}
			out, err := c.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, payload, out)
		})
	}
}

func TestUnknownCodec(t *testing.T) {
	_, err := Codec(42).Compress([]byte("x"))
	assert.Error(t, err)
	_, err = Codec(42).Decompress([]byte("x"))
	assert.Error(t, err)
	assert.Equal(t, "codec(42)", Codec(42).String())
}

func TestParseCodec(t *testing.T) {
	for _, c := range []Codec{CodecNone, CodecZstd, CodecLz4, CodecSnappy} {
		text, err := c.MarshalText()
		require.NoError(t, err)
		var back Codec
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, c, back)
	}
	c, err := ParseCodec("")
	require.NoError(t, err)
	assert.Equal(t, CodecNone, c)

	_, err = ParseCodec("gzip")
	assert.Error(t, err)
}
