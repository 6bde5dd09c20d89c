// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// GUID is the 128-bit identifier used for requests, mutations, transactions,
// operations, jobs and write sessions. It is made of four 32-bit parts and
// printed as "%x-%x-%x-%x", most significant part first.
type GUID struct {
	parts [4]uint32
}

// GUIDSize is the size of the wire form produced by EncodeGUID.
const GUIDSize = 16

// NewGUID returns a random GUID.
func NewGUID() GUID {
	u := uuid.New()
	var g GUID
	for i := range g.parts {
		g.parts[i] = binary.LittleEndian.Uint32(u[i*4:])
	}
	if g.IsZero() {
		g.parts[0] = 1
	}
	return g
}

// GUIDFromParts builds a GUID from its parts, least significant first.
func GUIDFromParts(p0, p1, p2, p3 uint32) GUID {
	return GUID{parts: [4]uint32{p0, p1, p2, p3}}
}

// GUIDFromHalves builds a GUID from the two 64-bit halves used on the wire.
func GUIDFromHalves(first, second uint64) GUID {
	return GUID{parts: [4]uint32{
		uint32(first), uint32(first >> 32),
		uint32(second), uint32(second >> 32),
	}}
}

// Halves returns the two 64-bit halves of the GUID: first = part1<<32|part0,
// second = part3<<32|part2.
func (g GUID) Halves() (first, second uint64) {
	first = uint64(g.parts[1])<<32 | uint64(g.parts[0])
	second = uint64(g.parts[3])<<32 | uint64(g.parts[2])
	return
}

// IsZero reports whether g is the zero GUID.
func (g GUID) IsZero() bool {
	return g.parts == [4]uint32{}
}

func (g GUID) String() string {
	return fmt.Sprintf("%x-%x-%x-%x", g.parts[3], g.parts[2], g.parts[1], g.parts[0])
}

// ParseGUID parses the text form produced by String.
func ParseGUID(s string) (GUID, error) {
	fields := strings.Split(s, "-")
	if len(fields) != 4 {
		return GUID{}, fmt.Errorf("invalid GUID %q: expected 4 parts", s)
	}
	var g GUID
	for i, f := range fields {
		if f == "" || len(f) > 8 {
			return GUID{}, fmt.Errorf("invalid GUID %q: bad part %q", s, f)
		}
		v, err := strconv.ParseUint(f, 16, 32)
		if err != nil {
			return GUID{}, fmt.Errorf("invalid GUID %q: %w", s, err)
		}
		g.parts[3-i] = uint32(v)
	}
	return g, nil
}

// MarshalText implements encoding.TextMarshaler.
func (g GUID) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *GUID) UnmarshalText(text []byte) error {
	parsed, err := ParseGUID(string(text))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// EncodeGUID converts g to its 16-byte wire form: the first half followed by
// the second half, both little-endian.
func EncodeGUID(g GUID) [GUIDSize]byte {
	var out [GUIDSize]byte
	first, second := g.Halves()
	binary.LittleEndian.PutUint64(out[0:], first)
	binary.LittleEndian.PutUint64(out[8:], second)
	return out
}

// DecodeGUID is the inverse of EncodeGUID.
func DecodeGUID(b []byte) (GUID, error) {
	if len(b) != GUIDSize {
		return GUID{}, newError(KindProtocol, "GUID wire form must be %d bytes, got %d", GUIDSize, len(b))
	}
	return GUIDFromHalves(binary.LittleEndian.Uint64(b[0:]), binary.LittleEndian.Uint64(b[8:])), nil
}
