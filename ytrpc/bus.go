// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"context"
	"time"
)

// Message is one outgoing request envelope.
type Message struct {
	Method    string
	RequestID GUID
	Timeout   time.Duration
	Codec     Codec
	Payload   []byte
}

// Reply is one incoming reply. Err is set when the connection layer failed
// the request instead of delivering a payload.
type Reply struct {
	RequestID GUID
	Codec     Codec
	Payload   []byte
	Err       error
}

// Bus is the connection layer a [Client] dispatches through. Send hands a
// message to the connection without waiting for its reply. Replies delivers
// replies in any order and is closed when the connection is gone.
type Bus interface {
	Send(ctx context.Context, m Message) error
	Replies() <-chan Reply
	Close() error
}
