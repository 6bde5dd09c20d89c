// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package ytrpc implements the client-side request pipeline for the YT RPC
// proxy protocol: typed request builders, an Arrow IPC based wire envelope,
// asynchronous dispatch with reply correlation, a streaming table writer and
// client-side table partitioning.
//
// # Requests
//
// Every operation has an immutable request type produced by a builder:
//
//	req, err := ytrpc.NewGetJobStderrBuilder().
//		SetOperationID(opID).
//		SetJobID(jobID).
//		SetTimeout(10 * time.Second).
//		Build()
//
// Shared envelope fields (timeout, request id, trace id, user agent,
// additional data, mutating and transactional options) come from the
// embedded [RequestBuilder]; its setters return the concrete builder so
// chains never lose the operation-specific setters. Build fails with
// [ErrRequiredFieldMissing] when a mandatory field is absent. ToBuilder on a
// built request reproduces every field; building it again yields a request
// whose envelope is byte-for-byte identical.
//
// # Wire format
//
// A request envelope is one Arrow IPC stream. The operation parameters are
// declared as Go structs annotated with `ytrpc` struct tags and encoded as a
// single-row RecordBatch; the shared fields travel in the batch custom
// metadata (see the Meta* constants). Replies are IPC streams holding log
// batches followed by a single result batch, or an EXCEPTION batch.
//
// The tag format is:
//
//	`ytrpc:"wire_name[,option[,option...]]"`
//
// Supported options: default=VALUE, enum, int32, float32, binary and guid
// (a [GUID] encoded as FixedSizeBinary(16)).
//
// # Dispatch
//
// [Client] sends envelopes through a [Bus] (the connection layer) and
// correlates replies by request id. [Invoke] returns a [Future] right away;
// it resolves to the decoded result, or to an error of kind
// TransportFailure, Timeout, RemoteError or ProtocolError. Only requests that
// carry [MutatingOptions], or are idempotent, are retried by [CallWithRetry].
//
// [StreamBus] frames envelopes over a single stream connection and keeps send
// order. [HTTPBus] posts each envelope to an [HTTPServer], which also serves
// the method descriptions returned by [Server.Describe].
//
// # Tables
//
// [Client.OpenTableWriter] opens a write session and returns a
// [TableWriter] that streams rows as Arrow IPC chunks with a bounded window
// of unacknowledged chunks. [Client.PartitionTables] splits tables into
// balanced row-range partitions from a snapshot of their statistics.
package ytrpc
