// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
)

// Error kinds carried in RpcError.Type.
const (
	KindRequiredFieldMissing = "RequiredFieldMissing"
	KindSchemaMismatch       = "SchemaMismatch"
	KindWriterClosed         = "WriterClosed"
	KindTransport            = "TransportFailure"
	KindTimeout              = "Timeout"
	KindRemote               = "RemoteError"
	KindProtocol             = "ProtocolError"
	KindInvalidRequest       = "InvalidRequest"
)

// Sentinels for use with errors.Is. Each matches any *RpcError of the same
// kind.
var (
	ErrRequiredFieldMissing = &RpcError{Type: KindRequiredFieldMissing}
	ErrSchemaMismatch       = &RpcError{Type: KindSchemaMismatch}
	ErrWriterClosed         = &RpcError{Type: KindWriterClosed}
	ErrTransport            = &RpcError{Type: KindTransport}
	ErrTimeout              = &RpcError{Type: KindTimeout}
	ErrRemote               = &RpcError{Type: KindRemote}
	ErrProtocol             = &RpcError{Type: KindProtocol}
	ErrInvalidRequest       = &RpcError{Type: KindInvalidRequest}
)

// ErrRpc is a sentinel for use with errors.Is to check whether any error in a
// chain is an *RpcError, whatever its kind.
var ErrRpc = &RpcError{}

// RpcError represents an error in the yt_rpc protocol.
type RpcError struct {
	Type      string // one of the Kind* constants
	Message   string
	RequestID string

	// Code and RemoteType are set on RemoteError: the service-defined error
	// code and the error type name reported by the service.
	Code       int
	RemoteType string
	Traceback  string

	// Cause is the underlying error for TransportFailure and ProtocolError.
	Cause error
}

func (e *RpcError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Type == KindRemote && e.RemoteType != "" {
		msg = fmt.Sprintf("%s: %s (%s, code %d)", e.Type, e.Message, e.RemoteType, e.Code)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RpcError) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is. A target without a Type matches any *RpcError,
// otherwise the kinds must be equal.
func (e *RpcError) Is(target error) bool {
	t, ok := target.(*RpcError)
	if !ok {
		return false
	}
	return t.Type == "" || t.Type == e.Type
}

func newError(kind, format string, args ...any) *RpcError {
	return &RpcError{Type: kind, Message: fmt.Sprintf(format, args...)}
}

func transportError(requestID GUID, cause error) *RpcError {
	return &RpcError{Type: KindTransport, Message: "transport failure", RequestID: requestID.String(), Cause: cause}
}

func protocolError(requestID GUID, format string, args ...any) *RpcError {
	return &RpcError{Type: KindProtocol, Message: fmt.Sprintf(format, args...), RequestID: requestID.String()}
}

// IsRetriable reports whether err may be retried by the caller: transport
// failures and timeouts. Remote and protocol errors are never retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout)
}

// ErrCommitStateUnknown matches a *CommitStateUnknownError with errors.Is.
var ErrCommitStateUnknown = errors.New("commit state unknown")

// CommitStateUnknownError is returned by a failed TableWriter close. Chunks
// acknowledged before the failure may have been applied; callers must treat
// the table as being in an unknown state, not as uncommitted.
type CommitStateUnknownError struct {
	Err         error
	AckedChunks int64
	AckedRows   int64
}

func (e *CommitStateUnknownError) Error() string {
	return fmt.Sprintf("table writer failed, commit state unknown (%d chunks, %d rows acknowledged): %v",
		e.AckedChunks, e.AckedRows, e.Err)
}

func (e *CommitStateUnknownError) Unwrap() []error {
	return []error{ErrCommitStateUnknown, e.Err}
}

// stackFrame represents a single frame in a Go stack trace.
type stackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// errorExtra is the JSON structure written to yt_rpc.log_extra
// for EXCEPTION-level log batches.
type errorExtra struct {
	ExceptionType    string       `json:"exception_type"`
	ExceptionMessage string       `json:"exception_message"`
	Code             int          `json:"code,omitempty"`
	Traceback        string       `json:"traceback,omitempty"`
	Frames           []stackFrame `json:"frames,omitempty"`
}

// buildErrorExtra creates the JSON string for yt_rpc.log_extra from an error.
// Stack information is only included when debug is set.
func buildErrorExtra(err error, debug bool) string {
	extra := errorExtra{
		ExceptionType:    fmt.Sprintf("%T", err),
		ExceptionMessage: err.Error(),
	}

	var rpcErr *RpcError
	if errors.As(err, &rpcErr) {
		extra.ExceptionType = rpcErr.Type
		extra.ExceptionMessage = rpcErr.Message
		if rpcErr.RemoteType != "" {
			extra.ExceptionType = rpcErr.RemoteType
		}
		extra.Code = rpcErr.Code
	}

	if debug {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		extra.Traceback = string(buf[:n])

		pcs := make([]uintptr, 10)
		n = runtime.Callers(2, pcs)
		if n > 0 {
			callersFrames := runtime.CallersFrames(pcs[:n])
			for count := 0; count < 5; count++ {
				frame, more := callersFrames.Next()
				extra.Frames = append(extra.Frames, stackFrame{
					File:     frame.File,
					Line:     frame.Line,
					Function: frame.Function,
				})
				if !more {
					break
				}
			}
		}
	}

	data, _ := json.Marshal(extra)
	return string(data)
}

// parseErrorExtra is the inverse of buildErrorExtra. Missing or malformed
// extras yield a zero value.
func parseErrorExtra(s string) errorExtra {
	var extra errorExtra
	if s == "" {
		return extra
	}
	_ = json.Unmarshal([]byte(s), &extra)
	return extra
}
