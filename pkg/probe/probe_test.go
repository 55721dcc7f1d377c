// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/KodiakLearn/pkg/logging"
)

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

func TestRun_AllHealthy(t *testing.T) {
	results := Run(context.Background(), time.Second,
		NewChecker("store", func(context.Context) error { return nil }),
		NewChecker("eventlog", func(context.Context) error { return nil }),
	)

	require.Len(t, results, 2)
	assert.True(t, Healthy(results))
	assert.Equal(t, "store", results[0].Name)
	assert.Equal(t, "eventlog", results[1].Name)
	assert.Empty(t, Unhealthy(results))
}

func TestRun_ReportsFailures(t *testing.T) {
	results := Run(context.Background(), time.Second,
		NewChecker("store", func(context.Context) error { return nil }),
		NewChecker("sidecar", func(context.Context) error { return errors.New("connection refused") }),
	)

	assert.False(t, Healthy(results))
	assert.Equal(t, []string{"sidecar"}, Unhealthy(results))
	require.Error(t, results[1].Err)
}

func TestRun_EnforcesBudget(t *testing.T) {
	slow := NewChecker("slow", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	start := time.Now()
	results := Run(context.Background(), 50*time.Millisecond, slow)
	elapsed := time.Since(start)

	assert.False(t, Healthy(results))
	assert.Less(t, elapsed, time.Second, "budget must cut the probe short")
	assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
}

func TestRun_ProbesConcurrently(t *testing.T) {
	blocker := func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(80 * time.Millisecond):
			return nil
		}
	}

	start := time.Now()
	results := Run(context.Background(), time.Second,
		NewChecker("a", blocker),
		NewChecker("b", blocker),
		NewChecker("c", blocker),
	)

	assert.True(t, Healthy(results))
	assert.Less(t, time.Since(start), 240*time.Millisecond,
		"three 80ms probes must overlap, not run back to back")
}

func TestWait_SucceedsOnceDependenciesHeal(t *testing.T) {
	var calls atomic.Int32
	flaky := NewChecker("eventlog", func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	results, err := Wait(context.Background(), quietLogger(), WaitOptions{
		Budget:          100 * time.Millisecond,
		Grace:           2 * time.Second,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
	}, flaky)

	require.NoError(t, err)
	assert.True(t, Healthy(results))
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestWait_FailsAfterGrace(t *testing.T) {
	dead := NewChecker("store", func(context.Context) error {
		return errors.New("permanently down")
	})

	start := time.Now()
	results, err := Wait(context.Background(), quietLogger(), WaitOptions{
		Budget:          50 * time.Millisecond,
		Grace:           200 * time.Millisecond,
		InitialInterval: 10 * time.Millisecond,
	}, dead)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnready)
	assert.Contains(t, err.Error(), "store")
	assert.False(t, Healthy(results))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWait_RespectsCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := Wait(ctx, quietLogger(), WaitOptions{
		Budget:          20 * time.Millisecond,
		Grace:           10 * time.Second,
		InitialInterval: 10 * time.Millisecond,
	}, NewChecker("never", func(context.Context) error { return errors.New("down") }))

	require.Error(t, err, "cancellation must end the wait early")
}

func TestHTTP_Checker(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	require.NoError(t, HTTP("sidecar", healthy.URL+"/v1.0/healthz", nil).Check(context.Background()))

	err := HTTP("sidecar", failing.URL+"/v1.0/healthz", nil).Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestHTTP_CheckerUnreachable(t *testing.T) {
	// Port 1 is reserved and nothing should listen there.
	checker := HTTP("sidecar", "http://127.0.0.1:1/v1.0/healthz", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.Error(t, checker.Check(ctx))
}
