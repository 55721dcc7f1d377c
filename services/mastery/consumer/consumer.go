// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package consumer pulls learning events off the partitioned log and feeds
// them to the aggregator.
//
// One worker goroutine serves each partition, so per-student ordering (one
// student, one partition) carries through to application order. Entries are
// acknowledged only after the aggregator committed the apply or the event
// was routed to the dead-letter topic; a crash in between leaves the entry
// pending, and the reclaim sweeper hands it to a live worker once it has
// idled past the takeover threshold.
//
// Poison handling: payloads that fail to decode or validate are
// dead-lettered immediately. Apply errors are retried a bounded number of
// times in place, then dead-lettered. Entries whose cumulative delivery
// count exceeds the budget are dead-lettered on arrival, which breaks
// crash-redeliver loops. Dead-letter records carry the original payload so
// repaired events can be replayed later.
//
// # Thread Safety
//
// One Run call per Consumer. Workers share the log client, the aggregator,
// and the pull limiter, all of which are safe for concurrent use.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/KodiakLearn/pkg/eventlog"
	"github.com/AleutianAI/KodiakLearn/pkg/faults"
	"github.com/AleutianAI/KodiakLearn/pkg/logging"
	"github.com/AleutianAI/KodiakLearn/pkg/schema"
	"github.com/AleutianAI/KodiakLearn/services/mastery/aggregate"
	"github.com/AleutianAI/KodiakLearn/services/mastery/observability"
)

// Dead-letter reasons. These appear as the error_kind field on dead-letter
// records and as the reason label on the dead-letter counter.
const (
	ReasonMalformed  = "malformed_payload"
	ReasonValidation = "validation_failure"
	ReasonApply      = "apply_failure"
	ReasonDeliveries = "delivery_budget_exhausted"
)

const (
	defaultBatchSize       = 32
	defaultBlock           = 2 * time.Second
	defaultReclaimIdle     = 60 * time.Second
	defaultReclaimInterval = 30 * time.Second
	defaultLagInterval     = 15 * time.Second
	defaultPullRate        = 50 // batches per second across all partitions

	// maxDeliveries bounds redelivery: an entry handed out more times than
	// this is dead-lettered instead of processed.
	maxDeliveries = 3

	// maxApplyAttempts bounds in-place retries of a failing apply before
	// the event is declared poison.
	maxApplyAttempts = 3

	// fetchErrorBackoff spaces retries when the log itself is failing.
	fetchErrorBackoff = time.Second
)

// =============================================================================
// Construction
// =============================================================================

// Options wires a Consumer.
type Options struct {
	// Log supplies fetch/ack/reclaim on the event partitions and publish
	// on the dead-letter topic. Required, with a consumer group configured.
	Log eventlog.Log

	// Aggregator applies validated events. Required.
	Aggregator *aggregate.Aggregator

	// Validator checks event payloads. Defaults to the deployment-default
	// windows.
	Validator *schema.Validator

	// Partitions is the learning.events partition count. Defaults to 8.
	Partitions int

	// BatchSize per fetch. Defaults to 32.
	BatchSize int64

	// Block is the fetch wait when a partition is idle. Defaults to 2s.
	Block time.Duration

	// ReclaimIdle is how long an entry must sit pending before takeover.
	// Defaults to 60s.
	ReclaimIdle time.Duration

	// ReclaimInterval spaces sweeper passes. Defaults to 30s.
	ReclaimInterval time.Duration

	// LagInterval spaces lag gauge refreshes. Defaults to 15s.
	LagInterval time.Duration

	// PullRate caps fetches per second across all workers. Defaults to 50.
	PullRate float64

	// Metrics is optional.
	Metrics *observability.Metrics

	// Logger is optional.
	Logger *logging.Logger
}

// Consumer drains the learning-event partitions.
type Consumer struct {
	log        eventlog.Log
	agg        *aggregate.Aggregator
	validator  *schema.Validator
	partitions int
	batchSize  int64
	block      time.Duration

	reclaimIdle     time.Duration
	reclaimInterval time.Duration
	lagInterval     time.Duration

	pull    *rate.Limiter
	metrics *observability.Metrics
	logger  *logging.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New builds a Consumer.
func New(opts Options) (*Consumer, error) {
	if opts.Log == nil {
		return nil, errors.New("consumer: Options.Log is required")
	}
	if opts.Aggregator == nil {
		return nil, errors.New("consumer: Options.Aggregator is required")
	}
	if opts.Validator == nil {
		opts.Validator = schema.NewValidator(schema.Config{})
	}
	if opts.Partitions <= 0 {
		opts.Partitions = 8
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Block <= 0 {
		opts.Block = defaultBlock
	}
	if opts.ReclaimIdle <= 0 {
		opts.ReclaimIdle = defaultReclaimIdle
	}
	if opts.ReclaimInterval <= 0 {
		opts.ReclaimInterval = defaultReclaimInterval
	}
	if opts.LagInterval <= 0 {
		opts.LagInterval = defaultLagInterval
	}
	if opts.PullRate <= 0 {
		opts.PullRate = defaultPullRate
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Consumer{
		log:             opts.Log,
		agg:             opts.Aggregator,
		validator:       opts.Validator,
		partitions:      opts.Partitions,
		batchSize:       opts.BatchSize,
		block:           opts.Block,
		reclaimIdle:     opts.ReclaimIdle,
		reclaimInterval: opts.ReclaimInterval,
		lagInterval:     opts.LagInterval,
		pull:            rate.NewLimiter(rate.Limit(opts.PullRate), opts.Partitions),
		metrics:         opts.Metrics,
		logger:          logger,
		now:             time.Now,
	}, nil
}

// =============================================================================
// Run loop
// =============================================================================

// Run consumes every partition until ctx is canceled. It creates the
// consumer groups, then starts one worker per partition plus the reclaim
// sweeper and the lag reporter under one errgroup. Cancellation is a clean
// stop; anything else a worker returns propagates.
func (c *Consumer) Run(ctx context.Context) error {
	for p := 0; p < c.partitions; p++ {
		if err := c.log.EnsureGroup(ctx, eventlog.EventsTopic(p)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("consumer: ensure group on partition %d: %w", p, err)
		}
	}

	c.logger.Info("consumer starting",
		"partitions", c.partitions,
		"batch_size", c.batchSize,
		"reclaim_idle", c.reclaimIdle.String(),
	)

	g, ctx := errgroup.WithContext(ctx)
	for p := 0; p < c.partitions; p++ {
		g.Go(func() error { return c.worker(ctx, p) })
	}
	g.Go(func() error { return c.reclaimLoop(ctx) })
	g.Go(func() error { return c.lagLoop(ctx) })

	err := g.Wait()
	c.logger.Info("consumer stopped")
	return err
}

// worker drains one partition in arrival order.
func (c *Consumer) worker(ctx context.Context, partition int) error {
	topic := eventlog.EventsTopic(partition)

	for {
		if err := c.pull.Wait(ctx); err != nil {
			return nil
		}

		msgs, err := c.log.Fetch(ctx, topic, c.batchSize, c.block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("fetch failed, backing off",
				"topic", topic, "error", err.Error())
			if !sleepCtx(ctx, fetchErrorBackoff) {
				return nil
			}
			continue
		}

		for _, msg := range msgs {
			if ctx.Err() != nil {
				return nil
			}
			c.handle(ctx, partition, msg)
		}
	}
}

// reclaimLoop periodically takes over entries whose consumer died mid-batch.
func (c *Consumer) reclaimLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for p := 0; p < c.partitions; p++ {
			topic := eventlog.EventsTopic(p)
			msgs, err := c.log.Reclaim(ctx, topic, c.reclaimIdle, c.batchSize)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Warn("reclaim failed", "topic", topic, "error", err.Error())
				continue
			}
			for _, msg := range msgs {
				if ctx.Err() != nil {
					return nil
				}
				if c.metrics != nil {
					c.metrics.Reclaimed.Inc()
				}
				c.logger.Info("reclaimed pending entry",
					"topic", topic, "id", msg.ID, "deliveries", msg.Deliveries)
				c.handle(ctx, p, msg)
			}
		}
	}
}

// lagLoop refreshes the per-partition lag gauges.
func (c *Consumer) lagLoop(ctx context.Context) error {
	if c.metrics == nil {
		return nil
	}
	ticker := time.NewTicker(c.lagInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for p := 0; p < c.partitions; p++ {
			lag, err := c.log.Lag(ctx, eventlog.EventsTopic(p))
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			c.metrics.SetConsumerLag(p, lag)
		}
	}
}

// =============================================================================
// Per-entry handling
// =============================================================================

// handle processes one entry to a terminal state: acknowledged after a
// committed apply, a no-op replay, or a dead-letter publish. On shutdown or
// a failed dead-letter publish the entry is left pending for redelivery.
func (c *Consumer) handle(ctx context.Context, partition int, msg eventlog.Message) {
	if msg.Deliveries > maxDeliveries {
		c.deadLetter(ctx, partition, msg, ReasonDeliveries, []string{
			fmt.Sprintf("delivered %d times, budget %d", msg.Deliveries, maxDeliveries),
		}, int(msg.Deliveries), c.now().UTC())
		return
	}

	var ev schema.LearningEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		c.deadLetter(ctx, partition, msg, ReasonMalformed,
			[]string{err.Error()}, int(msg.Deliveries), c.now().UTC())
		return
	}

	if err := c.validator.ValidateEvent(&ev, c.now()); err != nil {
		c.deadLetter(ctx, partition, msg, ReasonValidation,
			violationsOf(err), int(msg.Deliveries), c.now().UTC())
		return
	}

	var (
		lastErr      error
		firstFailure time.Time
	)
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		start := c.now()
		out, err := c.agg.Apply(ctx, &ev)
		if c.metrics != nil {
			c.metrics.ApplyDuration.Observe(c.now().Sub(start).Seconds())
		}
		if err == nil {
			outcome := observability.OutcomeApplied
			if !out.Applied {
				outcome = observability.OutcomeReplay
			}
			if c.metrics != nil {
				c.metrics.RecordEvent(partition, outcome)
			}
			c.ack(ctx, msg)
			c.logger.Debug("event consumed",
				"topic", msg.Topic,
				"id", msg.ID,
				"student_identity", ev.StudentIdentity,
				"outcome", outcome,
				"aggregate_version", out.Aggregate.Version,
			)
			return
		}

		if ctx.Err() != nil {
			// Shutdown mid-apply: leave the entry pending, it is not poison.
			return
		}
		lastErr = err
		if firstFailure.IsZero() {
			firstFailure = c.now().UTC()
		}
		c.logger.Warn("apply failed",
			"topic", msg.Topic,
			"id", msg.ID,
			"attempt", attempt,
			"error", err.Error(),
		)
		if attempt < maxApplyAttempts && !sleepCtx(ctx, time.Duration(attempt)*100*time.Millisecond) {
			return
		}
	}

	c.deadLetter(ctx, partition, msg, ReasonApply,
		[]string{lastErr.Error()}, maxApplyAttempts, firstFailure)
}

// deadLetter publishes a dead-letter record and acknowledges the original
// entry. A failed publish leaves the entry pending so nothing is lost.
func (c *Consumer) deadLetter(ctx context.Context, partition int, msg eventlog.Message, kind string, details []string, attempts int, firstFailure time.Time) {
	record := schema.DeadLetter{
		OriginalPayload:       embeddablePayload(msg.Payload),
		ErrorKind:             kind,
		ErrorDetails:          details,
		FirstFailureTimestamp: firstFailure,
		Attempts:              attempts,
	}
	body, err := json.Marshal(record)
	if err == nil {
		_, err = c.log.Publish(ctx, eventlog.TopicDeadLetter, body)
	}
	if err != nil {
		c.logger.Error("dead-letter publish failed, leaving entry pending",
			"topic", msg.Topic, "id", msg.ID, "error", err.Error())
		return
	}

	if c.metrics != nil {
		c.metrics.RecordDeadLetter(kind)
		c.metrics.RecordEvent(partition, observability.OutcomeDeadLetter)
	}
	c.ack(ctx, msg)
	c.logger.Warn("event dead-lettered",
		"topic", msg.Topic,
		"id", msg.ID,
		"kind", kind,
		"attempts", attempts,
	)
}

// ack acknowledges one entry. Failures are logged and left to the reclaim
// path: the processed marker makes the eventual redelivery a no-op.
func (c *Consumer) ack(ctx context.Context, msg eventlog.Message) {
	if err := c.log.Ack(ctx, msg.Topic, msg.ID); err != nil && ctx.Err() == nil {
		c.logger.Warn("ack failed", "topic", msg.Topic, "id", msg.ID, "error", err.Error())
	}
}

// violationsOf pulls the violation list out of a validation fault.
// embeddablePayload returns bytes that survive embedding in a dead-letter
// record. Valid JSON passes through untouched; anything else is quoted into
// a JSON string, so a malformed payload cannot make the record itself
// unmarshalable and strand the entry in pending.
func embeddablePayload(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	// Marshaling a string cannot fail; invalid UTF-8 is replaced, which is
	// acceptable for a forensic copy.
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

func violationsOf(err error) []string {
	var f *faults.Fault
	if errors.As(err, &f) && len(f.Violations) > 0 {
		return f.Violations
	}
	return []string{err.Error()}
}

// sleepCtx sleeps for d unless ctx ends first. Reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
