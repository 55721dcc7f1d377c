// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package invoke is the guarded client for downstream tutor agents: one
// circuit breaker per agent, a bounded retry ladder inside each admitted
// call, and the sidecar HTTP transport underneath.
package invoke

import (
	"sync"
	"time"

	"github.com/AleutianAI/KodiakLearn/pkg/schema"
)

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failed invocations that open
	// the circuit. Default 5.
	FailureThreshold int

	// OpenDuration is how long an open circuit rejects before admitting
	// a probe. Default 30s.
	OpenDuration time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	return c
}

// Breaker is a per-target circuit breaker.
//
// States move closed -> open -> half_open -> (closed | open). The circuit
// opens after FailureThreshold consecutive failed invocations. An open
// circuit rejects instantly; once OpenDuration has passed it admits exactly
// one probe, and the probe's outcome decides between closing and reopening.
//
// Failures are counted per logical invocation, after its internal retries
// are exhausted, not per attempt.
//
// # Thread Safety
//
// Safe for concurrent use. The transition hook runs under the breaker lock
// and must not call back into the breaker.
type Breaker struct {
	mu                  sync.Mutex
	cfg                 BreakerConfig
	state               schema.BreakerState
	consecutiveFailures int
	openedAt            time.Time
	probing             bool

	// now is replaceable in tests.
	now func() time.Time

	// onTransition observes state changes, for the state gauge and logs.
	onTransition func(from, to schema.BreakerState)
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:   cfg.withDefaults(),
		state: schema.BreakerClosed,
		now:   time.Now,
	}
}

// Allow reports whether an invocation may proceed. Every admitted
// invocation must later report OnSuccess or OnFailure exactly once;
// half-open admission depends on it.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case schema.BreakerClosed:
		return true

	case schema.BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenDuration {
			return false
		}
		b.transition(schema.BreakerHalfOpen)
		b.probing = true
		return true

	case schema.BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// OnSuccess reports a successful invocation.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case schema.BreakerClosed:
		b.consecutiveFailures = 0
	case schema.BreakerHalfOpen:
		b.probing = false
		b.consecutiveFailures = 0
		b.transition(schema.BreakerClosed)
	case schema.BreakerOpen:
		// Stale report from an invocation admitted before the trip.
		// The open window stands.
	}
}

// OnFailure reports a failed invocation.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case schema.BreakerClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.transition(schema.BreakerOpen)
		}
	case schema.BreakerHalfOpen:
		b.probing = false
		b.openedAt = b.now()
		b.transition(schema.BreakerOpen)
	case schema.BreakerOpen:
		// Stale report; already open.
	}
}

// State returns the current state. An open circuit whose window has lapsed
// reports half_open, matching what the next Allow would do.
func (b *Breaker) State() schema.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == schema.BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.transition(schema.BreakerHalfOpen)
	}
	return b.state
}

// ConsecutiveFailures returns the closed-state failure count.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// transition must be called with the lock held.
func (b *Breaker) transition(to schema.BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}

// =============================================================================
// Registry
// =============================================================================

// BreakerRegistry owns one breaker per target agent, created lazily so new
// agents need no registration step.
//
// # Thread Safety
//
// Safe for concurrent use.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[schema.AgentID]*Breaker

	// OnTransition observes every breaker's state changes with its
	// target attached. Set before the first For call.
	OnTransition func(target schema.AgentID, from, to schema.BreakerState)
}

// NewBreakerRegistry builds an empty registry; every breaker it creates
// shares cfg.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		cfg:      cfg.withDefaults(),
		breakers: make(map[schema.AgentID]*Breaker, 8),
	}
}

// For returns the breaker for target, creating it on first use.
func (r *BreakerRegistry) For(target schema.AgentID) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	br, ok := r.breakers[target]
	if !ok {
		br = NewBreaker(r.cfg)
		if r.OnTransition != nil {
			hook := r.OnTransition
			br.onTransition = func(from, to schema.BreakerState) {
				hook(target, from, to)
			}
		}
		r.breakers[target] = br
	}
	return br
}

// States snapshots every known breaker's state, for metrics refresh and
// operational introspection.
func (r *BreakerRegistry) States() map[schema.AgentID]schema.BreakerState {
	r.mu.Lock()
	targets := make([]schema.AgentID, 0, len(r.breakers))
	breakers := make([]*Breaker, 0, len(r.breakers))
	for t, b := range r.breakers {
		targets = append(targets, t)
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	// State() takes each breaker's own lock; do it outside the registry
	// lock to keep lock ordering trivial.
	out := make(map[schema.AgentID]schema.BreakerState, len(targets))
	for i, t := range targets {
		out[t] = breakers[i].State()
	}
	return out
}
