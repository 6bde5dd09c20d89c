// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"fmt"
	"strconv"
	"strings"
)

// RangeLimit bounds a read range either by row index or by key.
type RangeLimit struct {
	RowIndex *int64
	Key      []any // scalar key columns: int64, float64, string or bool
}

// RowLimit returns a limit at the given row index.
func RowLimit(i int64) RangeLimit {
	return RangeLimit{RowIndex: &i}
}

// KeyLimit returns a limit at the given key prefix.
func KeyLimit(values ...any) RangeLimit {
	return RangeLimit{Key: append([]any(nil), values...)}
}

// IsRowIndex reports whether the limit is a row index.
func (l RangeLimit) IsRowIndex() bool {
	return l.RowIndex != nil
}

func (l RangeLimit) clone() RangeLimit {
	out := RangeLimit{}
	if l.RowIndex != nil {
		v := *l.RowIndex
		out.RowIndex = &v
	}
	if l.Key != nil {
		out.Key = append([]any(nil), l.Key...)
	}
	return out
}

func (l RangeLimit) String() string {
	if l.RowIndex != nil {
		return "#" + strconv.FormatInt(*l.RowIndex, 10)
	}
	if len(l.Key) == 1 {
		return formatKeyValue(l.Key[0])
	}
	parts := make([]string, len(l.Key))
	for i, k := range l.Key {
		parts[i] = formatKeyValue(k)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// ReadRange is one range of a table read: either Exact, or an optional
// Lower (inclusive) and Upper (exclusive) bound.
type ReadRange struct {
	Lower *RangeLimit
	Upper *RangeLimit
	Exact *RangeLimit
}

func (r ReadRange) clone() ReadRange {
	var out ReadRange
	if r.Lower != nil {
		l := r.Lower.clone()
		out.Lower = &l
	}
	if r.Upper != nil {
		u := r.Upper.clone()
		out.Upper = &u
	}
	if r.Exact != nil {
		e := r.Exact.clone()
		out.Exact = &e
	}
	return out
}

func (r ReadRange) String() string {
	if r.Exact != nil {
		return r.Exact.String()
	}
	var b strings.Builder
	if r.Lower != nil {
		b.WriteString(r.Lower.String())
	}
	b.WriteByte(':')
	if r.Upper != nil {
		b.WriteString(r.Upper.String())
	}
	return b.String()
}

// Rows resolves r against a table of rowCount rows. Only row index
// limits can be resolved; key limits yield an InvalidRequest error.
func (r ReadRange) Rows(rowCount int64) (RowRange, error) {
	clamp := func(v int64) int64 {
		return min(max(v, 0), rowCount)
	}
	if r.Exact != nil {
		if !r.Exact.IsRowIndex() {
			return RowRange{}, newError(KindInvalidRequest, "key range %s cannot be resolved to rows", r)
		}
		start := clamp(*r.Exact.RowIndex)
		return RowRange{Start: start, End: clamp(*r.Exact.RowIndex + 1)}, nil
	}
	out := RowRange{Start: 0, End: rowCount}
	if r.Lower != nil {
		if !r.Lower.IsRowIndex() {
			return RowRange{}, newError(KindInvalidRequest, "key range %s cannot be resolved to rows", r)
		}
		out.Start = clamp(*r.Lower.RowIndex)
	}
	if r.Upper != nil {
		if !r.Upper.IsRowIndex() {
			return RowRange{}, newError(KindInvalidRequest, "key range %s cannot be resolved to rows", r)
		}
		out.End = clamp(*r.Upper.RowIndex)
	}
	if out.End < out.Start {
		out.End = out.Start
	}
	return out, nil
}

// RowRange is a half-open interval [Start, End) of row indexes.
type RowRange struct {
	Start int64
	End   int64
}

// Len returns the number of rows in the range.
func (r RowRange) Len() int64 {
	return r.End - r.Start
}

func (r RowRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// YPath is a table or node path with optional append flag and read ranges,
// printed in the rich form "<append=%true>//tmp/t[#0:#3]".
type YPath struct {
	Path   string
	Append bool
	Ranges []ReadRange
}

// NewYPath returns a plain path.
func NewYPath(path string) YPath {
	return YPath{Path: path}
}

// JustPath returns the path without attributes and ranges.
func (p YPath) JustPath() YPath {
	return YPath{Path: p.Path}
}

// WithAppend returns a copy of p with the append flag set to append.
func (p YPath) WithAppend(append bool) YPath {
	out := p.clone()
	out.Append = append
	return out
}

// WithRange returns a copy of p with the range [lower, upper) added.
func (p YPath) WithRange(lower, upper RangeLimit) YPath {
	out := p.clone()
	out.Ranges = append(out.Ranges, ReadRange{Lower: &lower, Upper: &upper})
	return out
}

// WithExact returns a copy of p with an exact range added.
func (p YPath) WithExact(limit RangeLimit) YPath {
	out := p.clone()
	out.Ranges = append(out.Ranges, ReadRange{Exact: &limit})
	return out
}

// WithRowRange returns a copy of p restricted to r.
func (p YPath) WithRowRange(r RowRange) YPath {
	return p.WithRange(RowLimit(r.Start), RowLimit(r.End))
}

func (p YPath) clone() YPath {
	out := YPath{Path: p.Path, Append: p.Append}
	if p.Ranges != nil {
		out.Ranges = make([]ReadRange, len(p.Ranges))
		for i, r := range p.Ranges {
			out.Ranges[i] = r.clone()
		}
	}
	return out
}

func (p YPath) String() string {
	var b strings.Builder
	if p.Append {
		b.WriteString("<append=%true>")
	}
	b.WriteString(p.Path)
	if len(p.Ranges) > 0 {
		b.WriteByte('[')
		for i, r := range p.Ranges {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(r.String())
		}
		b.WriteByte(']')
	}
	return b.String()
}

// ParseYPath parses the form produced by YPath.String.
func ParseYPath(s string) (YPath, error) {
	var p YPath
	rest := s
	if strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return YPath{}, fmt.Errorf("ypath %q: unterminated attributes", s)
		}
		for _, attr := range strings.Split(rest[1:end], ";") {
			attr = strings.TrimSpace(attr)
			if attr == "" {
				continue
			}
			key, value, ok := strings.Cut(attr, "=")
			if !ok || key != "append" {
				return YPath{}, fmt.Errorf("ypath %q: unsupported attribute %q", s, attr)
			}
			switch value {
			case "%true", "true":
				p.Append = true
			case "%false", "false":
				p.Append = false
			default:
				return YPath{}, fmt.Errorf("ypath %q: bad append value %q", s, value)
			}
		}
		rest = rest[end+1:]
	}

	open := strings.IndexByte(rest, '[')
	if open < 0 {
		p.Path = rest
	} else {
		if !strings.HasSuffix(rest, "]") {
			return YPath{}, fmt.Errorf("ypath %q: unterminated ranges", s)
		}
		p.Path = rest[:open]
		for _, part := range splitTopLevel(rest[open+1:len(rest)-1], ',') {
			r, err := parseReadRange(part)
			if err != nil {
				return YPath{}, fmt.Errorf("ypath %q: %w", s, err)
			}
			p.Ranges = append(p.Ranges, r)
		}
	}
	if !strings.HasPrefix(p.Path, "/") {
		return YPath{}, fmt.Errorf("ypath %q: path must start with /", s)
	}
	return p, nil
}

func parseReadRange(s string) (ReadRange, error) {
	bounds := splitTopLevel(s, ':')
	switch len(bounds) {
	case 1:
		l, err := parseRangeLimit(bounds[0])
		if err != nil {
			return ReadRange{}, err
		}
		if l == nil {
			return ReadRange{}, fmt.Errorf("empty exact range")
		}
		return ReadRange{Exact: l}, nil
	case 2:
		lower, err := parseRangeLimit(bounds[0])
		if err != nil {
			return ReadRange{}, err
		}
		upper, err := parseRangeLimit(bounds[1])
		if err != nil {
			return ReadRange{}, err
		}
		return ReadRange{Lower: lower, Upper: upper}, nil
	default:
		return ReadRange{}, fmt.Errorf("bad range %q", s)
	}
}

func parseRangeLimit(s string) (*RangeLimit, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return nil, nil
	case strings.HasPrefix(s, "#"):
		v, err := strconv.ParseInt(s[1:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad row index %q: %w", s, err)
		}
		l := RowLimit(v)
		return &l, nil
	case strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")"):
		var key []any
		for _, part := range splitTopLevel(s[1:len(s)-1], ',') {
			v, err := parseKeyValue(part)
			if err != nil {
				return nil, err
			}
			key = append(key, v)
		}
		l := KeyLimit(key...)
		return &l, nil
	default:
		v, err := parseKeyValue(s)
		if err != nil {
			return nil, err
		}
		l := KeyLimit(v)
		return &l, nil
	}
}

func formatKeyValue(v any) string {
	switch k := v.(type) {
	case string:
		return strconv.Quote(k)
	case bool:
		if k {
			return "%true"
		}
		return "%false"
	case int64:
		return strconv.FormatInt(k, 10)
	case int:
		return strconv.Itoa(k)
	case float64:
		s := strconv.FormatFloat(k, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += "."
		}
		return s
	default:
		return strconv.Quote(fmt.Sprint(k))
	}
}

func parseKeyValue(s string) (any, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "%true":
		return true, nil
	case s == "%false":
		return false, nil
	case strings.HasPrefix(s, `"`):
		v, err := strconv.Unquote(s)
		if err != nil {
			return nil, fmt.Errorf("bad string key %s: %w", s, err)
		}
		return v, nil
	case strings.ContainsAny(s, ".eE"):
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("bad float key %q: %w", s, err)
		}
		return v, nil
	default:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad key %q: %w", s, err)
		}
		return v, nil
	}
}

// splitTopLevel splits s on sep outside of parentheses and quoted strings.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote:
			if c == '\\' {
				i++
			} else if c == '"' {
				inQuote = false
			}
		case c == '"':
			inQuote = true
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
