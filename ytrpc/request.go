// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"maps"
	"time"
)

// MutatingOptions mark a request as non-idempotent. The service uses
// MutationID to detect a retried mutation; Retry is set on every attempt after
// the first.
type MutatingOptions struct {
	MutationID GUID
	Retry      bool
}

// TransactionalOptions run a request inside a master transaction.
type TransactionalOptions struct {
	TransactionID GUID
	Ping          bool
	PingAncestors bool
}

// AdditionalData is free-form per-request metadata sent in the envelope as
// yt_rpc.extra.<key>.
type AdditionalData map[string]string

// Clone returns a copy of d. The copy of a nil map is nil.
func (d AdditionalData) Clone() AdditionalData {
	if d == nil {
		return nil
	}
	return maps.Clone(d)
}

// Merge returns a new map holding d overlaid with other; keys in other win.
func (d AdditionalData) Merge(other AdditionalData) AdditionalData {
	if d == nil && other == nil {
		return nil
	}
	out := make(AdditionalData, len(d)+len(other))
	maps.Copy(out, d)
	maps.Copy(out, other)
	return out
}

// RequestHeader holds the fields every request carries.
type RequestHeader struct {
	RequestID      GUID
	Timeout        time.Duration
	TraceID        GUID
	TraceSampled   bool
	UserAgent      string
	AdditionalData AdditionalData
	Mutating       *MutatingOptions
	Transactional  *TransactionalOptions
}

func (h RequestHeader) clone() RequestHeader {
	out := h
	out.AdditionalData = h.AdditionalData.Clone()
	if h.Mutating != nil {
		m := *h.Mutating
		out.Mutating = &m
	}
	if h.Transactional != nil {
		t := *h.Transactional
		out.Transactional = &t
	}
	return out
}

// Request is an immutable, built request. Concrete request types are created
// by their builders and are never modified afterwards.
type Request interface {
	// Method is the service method the request is dispatched to.
	Method() string
	// Header returns a copy of the shared request fields.
	Header() RequestHeader
	// Idempotent reports whether the request may be resent with the same
	// request id.
	Idempotent() bool
	// Mutating reports whether the request carries mutating options.
	Mutating() bool

	params() any
	withHeader(h RequestHeader) Request
}

// requestBase is embedded by every concrete request.
type requestBase struct {
	header RequestHeader
}

// Header returns a copy of the shared envelope fields.
func (r *requestBase) Header() RequestHeader {
	return r.header.clone()
}

// Mutating reports whether the request carries mutating options.
func (r *requestBase) Mutating() bool {
	return r.header.Mutating != nil
}

// RequestBuilder is embedded in every concrete builder and provides the
// shared setters. B is the concrete builder type returned by each setter so
// that calls chain without losing it.
type RequestBuilder[B any] struct {
	self   B
	header RequestHeader
}

func (b *RequestBuilder[B]) init(self B, h RequestHeader) {
	b.self = self
	b.header = h.clone()
}

// SetTimeout sets the request timeout. Zero means the client default.
func (b *RequestBuilder[B]) SetTimeout(d time.Duration) B {
	b.header.Timeout = d
	return b.self
}

// SetRequestID sets the correlation id. A zero id is replaced with a fresh one
// at dispatch.
func (b *RequestBuilder[B]) SetRequestID(id GUID) B {
	b.header.RequestID = id
	return b.self
}

// SetTraceID sets the trace id and its sampling flag.
func (b *RequestBuilder[B]) SetTraceID(id GUID, sampled bool) B {
	b.header.TraceID = id
	b.header.TraceSampled = sampled
	return b.self
}

// SetUserAgent sets the user agent string.
func (b *RequestBuilder[B]) SetUserAgent(ua string) B {
	b.header.UserAgent = ua
	return b.self
}

// SetAdditionalData merges data into the additional metadata; keys already
// set are overwritten.
func (b *RequestBuilder[B]) SetAdditionalData(data AdditionalData) B {
	b.header.AdditionalData = b.header.AdditionalData.Merge(data)
	return b.self
}

// SetMutatingOptions marks the request as mutating.
func (b *RequestBuilder[B]) SetMutatingOptions(opts MutatingOptions) B {
	b.header.Mutating = &opts
	return b.self
}

// SetTransactionalOptions runs the request inside a transaction.
func (b *RequestBuilder[B]) SetTransactionalOptions(opts TransactionalOptions) B {
	b.header.Transactional = &opts
	return b.self
}

// builtHeader snapshots the builder header for a new request.
func (b *RequestBuilder[B]) builtHeader() RequestHeader {
	return b.header.clone()
}

// mutatingHeader snapshots the header of a mutating request, generating a
// mutation id when none was set.
func (b *RequestBuilder[B]) mutatingHeader() RequestHeader {
	h := b.header.clone()
	if h.Mutating == nil {
		h.Mutating = &MutatingOptions{}
	}
	if h.Mutating.MutationID.IsZero() {
		h.Mutating.MutationID = NewGUID()
	}
	return h
}
