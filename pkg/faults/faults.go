// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package faults defines the closed error taxonomy shared by the triage and
// mastery services.
//
// Every error that crosses a component boundary is a *Fault carrying one of
// the codes below. Handlers map codes to HTTP statuses; the invocation client
// and the event consumer use the codes to decide whether an operation may be
// retried. Wrapped causes are preserved for logging but never rendered into
// responses.
package faults

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies one kind of failure. The set is closed: components must
// not invent codes outside this list.
type Code string

const (
	CodeValidation          Code = "validation_error"
	CodeAuthentication      Code = "authentication_error"
	CodeAuthorization       Code = "authorization_error"
	CodeRateLimit           Code = "rate_limit_error"
	CodeUpstreamUnavailable Code = "upstream_unavailable"
	CodeBreakerOpen         Code = "breaker_open"
	CodeConflict            Code = "conflict_error"
	CodeInsufficientHistory Code = "insufficient_history"
	CodeTimeout             Code = "timeout_error"
	CodeInternal            Code = "internal_error"
)

// Fault is the concrete error type for the taxonomy.
//
// # Thread Safety
//
// A Fault is built once on the failure path and treated as immutable
// afterwards. The With* helpers mutate the receiver and are intended for the
// request goroutine that created it.
type Fault struct {
	// Code classifies the failure.
	Code Code

	// Message is safe for API responses. It must not contain payload
	// contents, store keys, or wrapped error text for internal failures.
	Message string

	// RequestID correlates the response with logs and audit records.
	RequestID string

	// RetryAfter is set for rate-limit faults so handlers can emit a
	// Retry-After header.
	RetryAfter time.Duration

	// Violations lists individual schema violations for validation faults.
	Violations []string

	// Details carries small response-visible fields such as the breaker
	// state on upstream faults.
	Details map[string]string

	cause error
}

func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (f *Fault) Unwrap() error { return f.cause }

// WithRequestID stamps the correlation id and returns the receiver.
func (f *Fault) WithRequestID(id string) *Fault {
	f.RequestID = id
	return f
}

// WithDetail attaches a response-visible key/value pair.
func (f *Fault) WithDetail(key, value string) *Fault {
	if f.Details == nil {
		f.Details = make(map[string]string, 2)
	}
	f.Details[key] = value
	return f
}

// New builds a Fault with no cause.
func New(code Code, message string) *Fault {
	return &Fault{Code: code, Message: message}
}

// Wrap builds a Fault around an underlying error.
func Wrap(code Code, message string, cause error) *Fault {
	return &Fault{Code: code, Message: message, cause: cause}
}

// Validation reports malformed input. The violation list is rendered into
// the response body and into dead-letter records.
func Validation(message string, violations ...string) *Fault {
	return &Fault{Code: CodeValidation, Message: message, Violations: violations}
}

// Authentication reports a missing or malformed gateway identity.
func Authentication(message string) *Fault {
	return New(CodeAuthentication, message)
}

// Authorization reports a role that is insufficient for the records
// requested. The message must not reveal whether the records exist.
func Authorization(message string) *Fault {
	return New(CodeAuthorization, message)
}

// RateLimit reports a request over the sliding window. retryAfter tells the
// caller when the window frees up.
func RateLimit(retryAfter time.Duration) *Fault {
	return &Fault{
		Code:       CodeRateLimit,
		Message:    "request rate over limit",
		RetryAfter: retryAfter,
	}
}

// UpstreamUnavailable reports retries exhausted against a downstream agent.
func UpstreamUnavailable(target string, cause error) *Fault {
	f := Wrap(CodeUpstreamUnavailable, "upstream agent unavailable", cause)
	return f.WithDetail("target", target)
}

// BreakerOpen is the fast-fail form of UpstreamUnavailable: the circuit for
// the target is open and no attempt was made.
func BreakerOpen(target string) *Fault {
	f := New(CodeBreakerOpen, "circuit breaker open")
	return f.WithDetail("target", target)
}

// Conflict reports an optimistic write that lost more than the allowed
// number of compare-and-swap rounds.
func Conflict(message string, cause error) *Fault {
	return Wrap(CodeConflict, message, cause)
}

// InsufficientHistory reports that a computation needs more daily aggregates
// than the student has.
func InsufficientHistory(message string) *Fault {
	return New(CodeInsufficientHistory, message)
}

// Timeout reports a request or dependency deadline exceeded.
func Timeout(message string, cause error) *Fault {
	return Wrap(CodeTimeout, message, cause)
}

// Internal wraps an unexpected failure. The public message is fixed; the
// cause is only for logs.
func Internal(cause error) *Fault {
	return Wrap(CodeInternal, "internal error", cause)
}

// CodeOf extracts the taxonomy code from err, unwrapping as needed.
// Non-taxonomy errors report CodeInternal.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// AsFault returns the Fault inside err, wrapping foreign errors as internal
// so callers always have a renderable value.
func AsFault(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return Internal(err)
}

// HTTPStatus maps a taxonomy code to the response status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeAuthentication:
		return http.StatusUnauthorized
	case CodeAuthorization:
		return http.StatusForbidden
	case CodeRateLimit:
		return http.StatusTooManyRequests
	case CodeUpstreamUnavailable, CodeBreakerOpen:
		return http.StatusBadGateway
	case CodeConflict:
		return http.StatusConflict
	case CodeInsufficientHistory:
		return http.StatusUnprocessableEntity
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the failure kind is transient from the caller's
// point of view: timeouts, exhausted upstreams, and store conflicts may
// succeed on a later cycle. Validation, auth, and rate-limit faults never do.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeTimeout, CodeUpstreamUnavailable, CodeConflict:
		return true
	default:
		return false
	}
}
