// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit enforces the per-student request budget on the triage
// path: a sliding window over the last RATE_WINDOW, counting admitted
// requests only. Rejections carry the exact wait until the oldest admitted
// request leaves the window, which the handler surfaces as Retry-After.
package ratelimit

import (
	"sync"
	"time"
)

// Config bounds the admissions per student identity.
type Config struct {
	// Limit is the admitted requests per window. Default 100.
	Limit int

	// Window is the sliding interval. Default 1 minute.
	Window time.Duration
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = 100
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	return c
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool

	// Remaining admissions in the current window after this decision.
	Remaining int

	// RetryAfter is how long until the next request can be admitted.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// window holds the admission timestamps for one student, oldest first.
// Rejected requests are not recorded, so len never exceeds the limit.
type window struct {
	stamps []time.Time
}

// evict drops timestamps at or before cutoff.
func (w *window) evict(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// SlidingWindow is the per-student limiter. One instance serves the whole
// triage service; the map holds one entry per student seen within roughly
// one window, trimmed by Sweep.
//
// # Thread Safety
//
// Safe for concurrent use.
type SlidingWindow struct {
	mu      sync.Mutex
	cfg     Config
	windows map[string]*window

	// now is swappable for tests.
	now func() time.Time
}

// NewSlidingWindow builds a limiter from cfg, applying defaults for
// unset fields.
func NewSlidingWindow(cfg Config) *SlidingWindow {
	return &SlidingWindow{
		cfg:     cfg.withDefaults(),
		windows: make(map[string]*window, 64),
		now:     time.Now,
	}
}

// Allow records and admits one request for studentIdentity if fewer than
// Limit requests were admitted within the window. A rejected request is
// not recorded and does not extend the caller's wait.
func (l *SlidingWindow) Allow(studentIdentity string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windows[studentIdentity]
	if w == nil {
		w = &window{stamps: make([]time.Time, 0, l.cfg.Limit)}
		l.windows[studentIdentity] = w
	}
	w.evict(now.Add(-l.cfg.Window))

	if len(w.stamps) >= l.cfg.Limit {
		retryAfter := w.stamps[0].Add(l.cfg.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
	}

	w.stamps = append(w.stamps, now)
	return Decision{Allowed: true, Remaining: l.cfg.Limit - len(w.stamps)}
}

// Tracked reports how many student windows are currently held.
func (l *SlidingWindow) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Sweep drops windows whose every admission has aged out, and returns how
// many were removed. Run it on a ticker so one-off callers do not pin map
// entries forever.
func (l *SlidingWindow) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.cfg.Window)
	removed := 0
	for id, w := range l.windows {
		if len(w.stamps) == 0 || !w.stamps[len(w.stamps)-1].After(cutoff) {
			delete(l.windows, id)
			removed++
		}
	}
	return removed
}
