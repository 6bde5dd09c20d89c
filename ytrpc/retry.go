// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds caller-directed retries.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns three attempts with 100ms initial backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: 100 * time.Millisecond, MaxInterval: 2 * time.Second}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0
	attempts := max(p.MaxAttempts, 1)
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// retryable reports whether req may be sent again after a retriable failure.
func retryable(req Request) bool {
	return req.Mutating() || req.Idempotent()
}

// nextAttempt derives the request for the next attempt. A mutating request
// gets a fresh request id and keeps its mutation id with Retry set; an
// idempotent request is resent as is.
func nextAttempt(req Request) Request {
	if !req.Mutating() {
		return req
	}
	h := req.Header()
	h.RequestID = NewGUID()
	h.Mutating.Retry = true
	return req.withHeader(h)
}

// CallWithRetry dispatches req and retries TransportFailure and Timeout
// errors under policy. Requests that are neither mutating nor idempotent are
// sent once. Remote and protocol errors are never retried.
func CallWithRetry[R any](ctx context.Context, c *Client, req Request, policy RetryPolicy) (R, error) {
	h := req.Header()
	if h.RequestID.IsZero() {
		h.RequestID = NewGUID()
		req = req.withHeader(h)
	}

	attempt := req
	op := func() (R, error) {
		v, err := Invoke[R](ctx, c, attempt).Get(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || !IsRetriable(err) || !retryable(req) {
			return v, backoff.Permanent(err)
		}
		attempt = nextAttempt(attempt)
		return v, err
	}
	notify := func(err error, d time.Duration) {
		c.logger.Debug("retrying request", "method", req.Method(), "err", err, "backoff", d)
	}
	return backoff.RetryNotifyWithData[R](op, policy.backOff(ctx), notify)
}
