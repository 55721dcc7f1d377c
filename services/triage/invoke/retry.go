// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package invoke

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"

	"github.com/AleutianAI/KodiakLearn/pkg/faults"
)

// RetryConfig bounds the attempts inside one logical invocation.
type RetryConfig struct {
	// MaxAttempts including the first. Default 3.
	MaxAttempts int

	// InitialBackoff is the delay after the first failure. Default 100ms.
	InitialBackoff time.Duration

	// BackoffFactor multiplies the delay each round. Default 2.
	BackoffFactor float64

	// AttemptTimeout bounds each attempt. Default 2s.
	AttemptTimeout time.Duration
}

// DefaultRetryConfig matches the production ladder: 3 attempts with
// 100ms/200ms pauses, 2s per attempt.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		BackoffFactor:  2.0,
		AttemptTimeout: 2 * time.Second,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 2.0
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 2 * time.Second
	}
	return c
}

// Retry runs op until it succeeds, fails permanently, runs out of attempts,
// or the parent context ends. Each attempt gets its own AttemptTimeout
// child context. Returns the attempts consumed alongside the final error.
//
// Only transient errors are retried; validation-style rejections come back
// immediately so a malformed payload never burns the ladder.
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) (int, error) {
	cfg = cfg.withDefaults()

	var lastErr error
	delay := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		err := op(attemptCtx)
		cancel()

		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if !Transient(err) || attempt == cfg.MaxAttempts {
			return attempt, err
		}

		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
	}
	return cfg.MaxAttempts, lastErr
}

// Transient reports whether an invocation error is worth retrying:
// timeouts, transport failures, 5xx replies, and anything the fault
// taxonomy marks retryable. Upstream 4xx rejections are permanent.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.Transient()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// Connection refused, reset, DNS trouble: the sidecar or agent
		// may come back within the ladder.
		return true
	}

	if f := faults.AsFault(err); f != nil {
		return faults.Retryable(f)
	}
	return false
}
