// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// MatrixError represents a structured error response from the Matrix
// homeserver. Callers use errors.As to extract the structured
// information:
//
//	var matrixErr *MatrixError
//	if errors.As(err, &matrixErr) {
//	    if matrixErr.Code == ErrCodeNotFound { ... }
//	}
type MatrixError struct {
	// Code is the Matrix error code (e.g., "M_FORBIDDEN", "M_UNKNOWN_TOKEN").
	Code string `json:"errcode"`
	// Message is the human-readable error description from the server.
	Message string `json:"error"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Standard Matrix error codes.
const (
	ErrCodeForbidden       = "M_FORBIDDEN"
	ErrCodeUnknownToken    = "M_UNKNOWN_TOKEN"
	ErrCodeMissingToken    = "M_MISSING_TOKEN"
	ErrCodeNotFound        = "M_NOT_FOUND"
	ErrCodeLimitExceeded   = "M_LIMIT_EXCEEDED"
	ErrCodeUnknown         = "M_UNKNOWN"
	ErrCodeInvalidParam    = "M_INVALID_PARAM"
	ErrCodeRoomInUse       = "M_ROOM_IN_USE"
	ErrCodeNotJoined       = "M_NOT_JOINED"
	ErrCodeUnrecognized    = "M_UNRECOGNIZED"
	ErrCodeExclusive       = "M_EXCLUSIVE"
	ErrCodeInvalidUsername = "M_INVALID_USERNAME"
)

// IsMatrixError checks whether err is a *MatrixError with the given error code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}

// IsAuthRejected reports whether err means the access token was rejected
// or has expired. This is the signal that the persisted session is no
// longer valid: the caller must invalidate the session file and require
// a fresh login. Rejections are never retried.
func IsAuthRejected(err error) bool {
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) {
		return false
	}
	if matrixErr.Code == ErrCodeUnknownToken || matrixErr.Code == ErrCodeMissingToken {
		return true
	}
	return matrixErr.StatusCode == http.StatusUnauthorized
}

// IsRetryable reports whether err is a transient failure that an
// idempotent read (such as /sync) may retry with backoff: network
// errors, timeouts, rate limits, and 5xx responses. Auth rejections are
// never retryable, and callers must not retry writes regardless of this
// classification — a send that timed out may still have been applied.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsAuthRejected(err) {
		return false
	}

	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		if matrixErr.Code == ErrCodeLimitExceeded {
			return true
		}
		return matrixErr.StatusCode >= 500
	}

	// Context cancellation is a deliberate stop, not a transient fault.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Anything that surfaces as a net.Error (dial failures, resets,
	// client-side timeouts) is worth retrying on the read path.
	var netErr net.Error
	return errors.As(err, &netErr)
}
