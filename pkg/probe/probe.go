// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package probe checks the dependencies a Kodiak service needs before it
// can accept traffic: the state store, the event log, and the agent sidecar.
//
// Two entry points share the same checkers. Wait runs at startup and keeps
// retrying with backoff until everything is healthy or the grace period
// ends; a service that cannot get healthy inside the grace exits with
// code 2. Run performs a single concurrent round and backs the /healthz
// endpoints at runtime.
package probe

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/KodiakLearn/pkg/logging"
)

// ErrUnready is wrapped into Wait's failure so the binary can map an
// exhausted startup grace onto its dedicated exit code.
var ErrUnready = errors.New("dependencies unhealthy")

// Checker probes one dependency. Implementations must honor the context
// deadline; Run enforces the per-probe budget through it.
type Checker interface {
	// Name identifies the dependency in results and logs ("store",
	// "eventlog", "sidecar").
	Name() string

	// Check returns nil when the dependency can serve requests.
	Check(ctx context.Context) error
}

// Result is the outcome of one probe round for one dependency.
type Result struct {
	Name    string
	Healthy bool
	Latency time.Duration
	Err     error
}

// WaitOptions tunes the startup wait loop. Zero fields take defaults.
type WaitOptions struct {
	// Budget bounds each probe attempt. Default 2s.
	Budget time.Duration

	// Grace bounds the whole wait. Default 30s.
	Grace time.Duration

	// InitialInterval is the first inter-round sleep. Default 250ms.
	InitialInterval time.Duration

	// MaxInterval caps the backoff. Default 5s.
	MaxInterval time.Duration

	// Multiplier grows the interval each round. Default 2.0.
	Multiplier float64

	// Jitter spreads rounds by +/- this fraction. Default 0.2.
	Jitter float64
}

func (o WaitOptions) withDefaults() WaitOptions {
	if o.Budget <= 0 {
		o.Budget = 2 * time.Second
	}
	if o.Grace <= 0 {
		o.Grace = 30 * time.Second
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 250 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 5 * time.Second
	}
	if o.Multiplier <= 1 {
		o.Multiplier = 2.0
	}
	if o.Jitter < 0 {
		o.Jitter = 0.2
	}
	return o
}

// Run probes every checker concurrently, each under its own budget, and
// returns results in checker order.
func Run(ctx context.Context, budget time.Duration, checkers ...Checker) []Result {
	results := make([]Result, len(checkers))
	var wg sync.WaitGroup

	for i, checker := range checkers {
		wg.Add(1)
		go func(idx int, ch Checker) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, budget)
			defer cancel()

			start := time.Now()
			err := ch.Check(probeCtx)
			results[idx] = Result{
				Name:    ch.Name(),
				Healthy: err == nil,
				Latency: time.Since(start),
				Err:     err,
			}
		}(i, checker)
	}

	wg.Wait()
	return results
}

// Healthy reports whether every result in the round succeeded.
func Healthy(results []Result) bool {
	for _, r := range results {
		if !r.Healthy {
			return false
		}
	}
	return true
}

// Unhealthy returns the names of failed dependencies, for logs and the
// startup failure message.
func Unhealthy(results []Result) []string {
	var names []string
	for _, r := range results {
		if !r.Healthy {
			names = append(names, r.Name)
		}
	}
	return names
}

// Wait retries probe rounds with jittered backoff until all dependencies
// are healthy or the grace period expires. It returns the final round's
// results; the error is non-nil only when the grace ran out.
func Wait(ctx context.Context, logger *logging.Logger, opts WaitOptions, checkers ...Checker) ([]Result, error) {
	opts = opts.withDefaults()

	graceCtx, cancel := context.WithTimeout(ctx, opts.Grace)
	defer cancel()

	interval := opts.InitialInterval
	var last []Result

	for {
		last = Run(graceCtx, opts.Budget, checkers...)
		if Healthy(last) {
			return last, nil
		}

		for _, r := range last {
			if !r.Healthy {
				logger.Warn("dependency not ready",
					"component", r.Name,
					"latency_ms", r.Latency.Milliseconds(),
					"error", errText(r.Err),
				)
			}
		}

		if !sleepWithContext(graceCtx, applyJitter(interval, opts.Jitter)) {
			return last, fmt.Errorf("%w after %s grace: %v",
				ErrUnready, opts.Grace, Unhealthy(last))
		}
		interval = nextInterval(interval, opts.MaxInterval, opts.Multiplier)
	}
}

// =============================================================================
// Built-in Checkers
// =============================================================================

// funcChecker adapts a closure to the Checker interface.
type funcChecker struct {
	name string
	fn   func(context.Context) error
}

func (c *funcChecker) Name() string                    { return c.name }
func (c *funcChecker) Check(ctx context.Context) error { return c.fn(ctx) }

// NewChecker wraps a probe function. The store and eventlog checkers are
// built this way from their Ping methods.
func NewChecker(name string, fn func(context.Context) error) Checker {
	return &funcChecker{name: name, fn: fn}
}

// httpChecker probes an HTTP endpoint, healthy on any 2xx.
type httpChecker struct {
	name   string
	url    string
	client *http.Client
}

func (c *httpChecker) Name() string { return c.name }

func (c *httpChecker) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe %s: status %d", c.url, resp.StatusCode)
	}
	return nil
}

// HTTP builds a checker that GETs url and accepts any 2xx. The sidecar
// readiness probe uses this against {base}/v1.0/healthz. A nil client
// selects a plain http.Client; timeouts come from the probe context.
func HTTP(name, url string, client *http.Client) Checker {
	if client == nil {
		client = &http.Client{}
	}
	return &httpChecker{name: name, url: url, client: client}
}

// =============================================================================
// Helpers
// =============================================================================

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// applyJitter spreads an interval by +/- jitter fraction so replicas do not
// probe in lockstep.
func applyJitter(interval time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return interval
	}
	factor := 1.0 + (rand.Float64()*2-1)*jitter
	return time.Duration(float64(interval) * factor)
}

func nextInterval(current, max time.Duration, multiplier float64) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > max {
		return max
	}
	return next
}

// sleepWithContext sleeps for duration unless the context ends first.
// Returns false when the context ended.
func sleepWithContext(ctx context.Context, duration time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(duration):
		return true
	}
}
