// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind is the closed classification of provider failures. Business
// logic switches on the kind, never on provider SDK error types.
type ErrorKind int

const (
	// KindUnknown is any failure the classifier cannot place. Callers
	// treat it as a possibly corrupted turn: reset the session, apologize.
	KindUnknown ErrorKind = iota
	// KindRateLimited is retried exactly once after a fixed delay.
	KindRateLimited
	// KindConnectionFailed covers dial and transport failures.
	KindConnectionFailed
	// KindTimeout covers deadline expiry on the provider call.
	KindTimeout
	// KindServerUnavailable covers provider 5xx responses.
	KindServerUnavailable
	// KindBadRequest covers provider 4xx rejections; the provider message
	// is surfaced to the user verbatim.
	KindBadRequest
)

// String returns the stable name used in logs and metrics labels.
func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindConnectionFailed:
		return "connection_failed"
	case KindTimeout:
		return "timeout"
	case KindServerUnavailable:
		return "server_unavailable"
	case KindBadRequest:
		return "bad_request"
	default:
		return "unknown"
	}
}

// ProviderError wraps a provider failure with its classification.
type ProviderError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s): %s", e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// KindOf extracts the classification from an error chain. Anything that
// is not a ProviderError is KindUnknown.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// classifyStatus maps an HTTP status code from the provider to a kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindServerUnavailable
	case status >= 400:
		return KindBadRequest
	default:
		return KindUnknown
	}
}

// classifyTransport maps transport-level failures (no HTTP status) to a
// kind. Context deadline expiry counts as a timeout; cancellation stays
// unknown so callers do not apologize for their own disconnects.
func classifyTransport(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnectionFailed
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnectionFailed
	}
	return KindUnknown
}
