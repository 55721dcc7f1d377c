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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/KodiakLearn/pkg/faults"
	"github.com/AleutianAI/KodiakLearn/pkg/logging"
	"github.com/AleutianAI/KodiakLearn/pkg/schema"
)

// maxResponseBytes caps what we read from an agent reply. Tutor responses
// are prose and small exercise payloads; anything larger is misbehavior.
const maxResponseBytes = 4 << 20

// errSnippetLen bounds how much upstream error body lands in logs.
const errSnippetLen = 256

// statusError is a non-2xx reply from the sidecar or the agent behind it.
type statusError struct {
	Code    int
	Snippet string
}

func (e *statusError) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Snippet)
}

// Transient reports whether the status is worth retrying. 5xx means the
// agent or sidecar is struggling; 4xx means our request was rejected and a
// retry would be rejected the same way.
func (e *statusError) Transient() bool { return e.Code >= 500 }

// Options configures a Client.
type Options struct {
	// BaseURL of the local sidecar, e.g. "http://127.0.0.1:3500".
	BaseURL string

	// HTTPClient defaults to a client with a 5s total timeout as the
	// outer bound under the per-attempt timeout.
	HTTPClient *http.Client

	// Breakers defaults to a registry with default breaker settings.
	Breakers *BreakerRegistry

	// Retry defaults to DefaultRetryConfig.
	Retry RetryConfig

	Logger *logging.Logger

	// ObserveAttempt, when set, sees every transport attempt with its
	// duration and outcome. Used for upstream latency metrics.
	ObserveAttempt func(target schema.AgentID, d time.Duration, err error)
}

// Result is the outcome of one logical invocation, successful or not. The
// router copies Attempts and BreakerState into the audit record.
type Result struct {
	// Payload is the agent's reply body. Nil on failure.
	Payload []byte

	// Attempts is how many transport attempts ran. Zero when the breaker
	// rejected the invocation outright.
	Attempts int

	// BreakerState is the target's circuit state after the invocation.
	BreakerState schema.BreakerState
}

// Client invokes tutor agents through the sidecar's app-invocation API:
//
//	POST {base}/v1.0/invoke/{target}/method/{method}
//
// Each logical invocation is admitted by the target's circuit breaker, runs
// the retry ladder inside that single admission, and reports one outcome
// back to the breaker.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	httpClient     *http.Client
	base           string
	breakers       *BreakerRegistry
	retry          RetryConfig
	logger         *logging.Logger
	observeAttempt func(target schema.AgentID, d time.Duration, err error)
}

// NewClient builds a sidecar client from opts.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	breakers := opts.Breakers
	if breakers == nil {
		breakers = NewBreakerRegistry(BreakerConfig{})
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		httpClient:     httpClient,
		base:           strings.TrimRight(opts.BaseURL, "/"),
		breakers:       breakers,
		retry:          opts.Retry.withDefaults(),
		logger:         logger,
		observeAttempt: opts.ObserveAttempt,
	}
}

// Breakers exposes the registry for metrics refresh and health detail.
func (c *Client) Breakers() *BreakerRegistry { return c.breakers }

// Invoke calls method on target with a JSON payload.
//
// Failure taxonomy: an open circuit returns a breaker_open fault with zero
// attempts; exhausted or permanent upstream failures return
// upstream_unavailable; a parent deadline expiring mid-ladder returns a
// timeout fault. The Result always carries the breaker state for audit.
func (c *Client) Invoke(ctx context.Context, target schema.AgentID, method string, payload []byte) (*Result, error) {
	br := c.breakers.For(target)
	if !br.Allow() {
		return &Result{Attempts: 0, BreakerState: br.State()},
			faults.BreakerOpen(string(target))
	}

	var body []byte
	attempts, err := Retry(ctx, c.retry, func(attemptCtx context.Context) error {
		start := time.Now()
		b, attemptErr := c.post(attemptCtx, target, method, payload)
		if c.observeAttempt != nil {
			c.observeAttempt(target, time.Since(start), attemptErr)
		}
		if attemptErr != nil {
			return attemptErr
		}
		body = b
		return nil
	})

	if err != nil {
		// A 4xx means the agent is alive and answering; it rejected this
		// payload, but it should not push the circuit toward open.
		if se := asStatusError(err); se != nil && !se.Transient() {
			br.OnSuccess()
		} else {
			br.OnFailure()
		}

		state := br.State()
		c.logger.Warn("agent invocation failed",
			"target", target, "method", method,
			"attempts", attempts, "breaker_state", state, "error", err)

		if ctx.Err() != nil {
			return &Result{Attempts: attempts, BreakerState: state},
				faults.Timeout("agent invocation deadline exceeded", err).
					WithDetail("target", string(target))
		}
		return &Result{Attempts: attempts, BreakerState: state},
			faults.UpstreamUnavailable(string(target), err).
				WithDetail("attempts", strconv.Itoa(attempts))
	}

	br.OnSuccess()
	return &Result{Payload: body, Attempts: attempts, BreakerState: br.State()}, nil
}

// post performs one transport attempt.
func (c *Client) post(ctx context.Context, target schema.AgentID, method string, payload []byte) ([]byte, error) {
	url := fmt.Sprintf("%s/v1.0/invoke/%s/method/%s", c.base, target, method)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("invoke: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("invoke: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{Code: resp.StatusCode, Snippet: snippet(body)}
	}
	return body, nil
}

func asStatusError(err error) *statusError {
	var se *statusError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > errSnippetLen {
		s = s[:errSnippetLen]
	}
	return s
}
