// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package redisstream

import (
	"context"
	"fmt"
	"time"
)

// RetentionPolicy bounds one topic's history by age.
type RetentionPolicy struct {
	Topic  string
	MaxAge time.Duration
}

// RetentionSweeper trims expired entries from a set of topics on a fixed
// interval. Stream entry IDs start with a millisecond timestamp, so trimming
// everything older than a cutoff is a single MINID trim per topic.
//
// Entries removed by the sweep may still be unconsumed if the group has
// fallen further behind than the retention window; the sweeper logs the
// trim counts so that loss shows up in operations before students notice.
type RetentionSweeper struct {
	log      *Log
	policies []RetentionPolicy
	interval time.Duration
	logger   interface {
		Info(msg string, args ...any)
		Warn(msg string, args ...any)
	}
	now func() time.Time
}

// NewRetentionSweeper builds a sweeper over log. A non-positive interval
// defaults to one hour.
func NewRetentionSweeper(log *Log, interval time.Duration, policies []RetentionPolicy) *RetentionSweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionSweeper{
		log:      log,
		policies: policies,
		interval: interval,
		logger:   log.logger,
		now:      time.Now,
	}
}

// Run sweeps once immediately, then on every interval tick until ctx is
// cancelled. Always returns nil after cancellation so errgroup callers do
// not treat shutdown as failure.
func (s *RetentionSweeper) Run(ctx context.Context) error {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// SweepOnce trims every policy's topic and returns the total entries
// removed. Exposed for tests and for an operator-triggered sweep.
func (s *RetentionSweeper) SweepOnce(ctx context.Context) (int64, error) {
	var total int64
	var firstErr error
	for _, p := range s.policies {
		removed, err := s.trim(ctx, p)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		total += removed
	}
	return total, firstErr
}

func (s *RetentionSweeper) sweep(ctx context.Context) {
	removed, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Warn("retention sweep incomplete", "error", err)
	}
	if removed > 0 {
		s.logger.Info("retention sweep trimmed entries", "removed", removed)
	}
}

func (s *RetentionSweeper) trim(ctx context.Context, p RetentionPolicy) (int64, error) {
	cutoff := s.now().Add(-p.MaxAge).UnixMilli()
	minID := fmt.Sprintf("%d-0", cutoff)
	removed, err := s.log.client.XTrimMinID(ctx, p.Topic, minID).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstream: trim %s: %w", p.Topic, err)
	}
	return removed, nil
}
