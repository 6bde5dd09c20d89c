// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

// Well-known metadata keys used in the yt_rpc wire protocol.
// These appear as custom_metadata on Arrow IPC RecordBatch messages.
const (
	MetaMethod         = "yt_rpc.method"
	MetaRequestVersion = "yt_rpc.request_version"
	MetaRequestID      = "yt_rpc.request_id"
	MetaTimeout        = "yt_rpc.timeout"
	MetaTraceID        = "yt_rpc.trace_id"
	MetaTraceSampled   = "yt_rpc.trace_sampled"
	MetaUserAgent      = "yt_rpc.user_agent"
	MetaMutationID     = "yt_rpc.mutation_id"
	MetaRetry          = "yt_rpc.retry"
	MetaTransactionID  = "yt_rpc.transaction_id"
	MetaPing           = "yt_rpc.ping"
	MetaPingAncestors  = "yt_rpc.ping_ancestors"
	MetaExtraPrefix    = "yt_rpc.extra."
	MetaLogLevel       = "yt_rpc.log_level"
	MetaLogMessage     = "yt_rpc.log_message"
	MetaLogExtra       = "yt_rpc.log_extra"
	MetaErrorCode      = "yt_rpc.error_code"
	MetaServerID       = "yt_rpc.server_id"

	ProtocolVersion = "1"
)
