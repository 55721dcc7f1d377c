// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aggregate folds validated learning events into per-student
// mastery state.
//
// One Apply call is one event. For every component score present on the
// event, the daily running mean advances by
//
//	value ← (value·sample_count + new) / (sample_count + 1)
//
// after which the weighted final score is recomputed and the aggregate
// version bumps by exactly one. The aggregate, the touched per-component
// daily records, the latest-aggregate profile pointer, the recent-activity
// record, and the event's processed marker all commit in one store
// transaction, so a crash between any two of them cannot leave half an
// event applied.
//
// The version guard comes from the transaction itself: the apply reads the
// current aggregate inside the transaction, so a racing writer invalidates
// the read set and the commit returns ErrConflict. Apply retries with a
// fresh read up to maxCommitAttempts before surfacing a conflict fault.
//
// Replays are free of side effects. The processed marker is checked first
// inside the same transaction; when it is present the closure returns
// without writing, and the caller sees Applied=false.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent applies for the same student and day
// serialize through transaction conflicts; the log's per-student
// partitioning makes that contention rare in practice.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/KodiakLearn/pkg/faults"
	"github.com/AleutianAI/KodiakLearn/pkg/logging"
	"github.com/AleutianAI/KodiakLearn/pkg/schema"
	"github.com/AleutianAI/KodiakLearn/pkg/statestore"
)

// maxCommitAttempts bounds how many commit races one Apply absorbs before
// giving up with a conflict fault.
const maxCommitAttempts = 5

// =============================================================================
// Construction
// =============================================================================

// Options wires an Aggregator.
type Options struct {
	// Store is the persistence layer. Required.
	Store statestore.Store

	// Cache is the hot-read cache fronting the store, invalidated after
	// every committed apply. Optional; nil disables invalidation.
	Cache *statestore.HotCache

	// Logger for conflict retries. Optional.
	Logger *logging.Logger
}

// Aggregator applies learning events to mastery state.
type Aggregator struct {
	store  statestore.Store
	cache  *statestore.HotCache
	logger *logging.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New builds an Aggregator.
func New(opts Options) (*Aggregator, error) {
	if opts.Store == nil {
		return nil, errors.New("aggregate: Options.Store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Aggregator{
		store:  opts.Store,
		cache:  opts.Cache,
		logger: logger,
		now:    time.Now,
	}, nil
}

// =============================================================================
// Apply
// =============================================================================

// Outcome reports what one Apply call did.
type Outcome struct {
	// Applied is false when the event's processed marker was already
	// present and the call wrote nothing.
	Applied bool

	// Aggregate is the post-apply daily state. Zero when the event was a
	// replay or carried no component scores.
	Aggregate schema.MasteryAggregate

	// Attempts counts the commit rounds used, including the successful one.
	Attempts int
}

// Apply folds one validated event into the student's mastery state. The
// event must have passed schema validation; Apply trusts its fields.
//
// Store errors other than commit conflicts return unwrapped so the caller
// can distinguish transient store trouble (retry the event) from a conflict
// fault (the commit budget is spent).
func (a *Aggregator) Apply(ctx context.Context, ev *schema.LearningEvent) (Outcome, error) {
	student := ev.StudentIdentity
	date := schema.DateOf(ev.ServerTimestamp)
	values := ev.ComponentValues()

	var lastErr error
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		out := Outcome{Attempts: attempt}

		err := a.store.Update(ctx, func(txn statestore.Txn) error {
			return a.applyTxn(txn, ev, student, date, values, &out)
		})
		if err == nil {
			if out.Applied {
				a.invalidate(student, date, values)
			}
			return out, nil
		}
		if !errors.Is(err, statestore.ErrConflict) {
			return Outcome{}, err
		}

		lastErr = err
		a.logger.Debug("aggregate commit conflict, retrying",
			"student_identity", student,
			"date", date,
			"attempt", attempt,
		)
	}

	return Outcome{}, faults.Conflict(
		fmt.Sprintf("aggregate write for %s lost %d commit rounds", date, maxCommitAttempts),
		lastErr,
	)
}

// applyTxn is the body of the apply transaction. Everything it writes
// commits atomically; returning an error discards all of it.
func (a *Aggregator) applyTxn(txn statestore.Txn, ev *schema.LearningEvent, student, date string, values map[schema.Component]float64, out *Outcome) error {
	markerKey := statestore.ProcessedKey(ev.IdempotencyKey)
	if _, err := txn.Get(markerKey); err == nil {
		return nil
	} else if !errors.Is(err, statestore.ErrNotFound) {
		return err
	}

	now := a.now().UTC()

	if len(values) > 0 {
		agg, err := a.loadAggregate(txn, student, date)
		if err != nil {
			return err
		}

		for comp, v := range values {
			rec := agg.Components[comp]
			rec.Value = schema.Round3((rec.Value*float64(rec.SampleCount) + v) / float64(rec.SampleCount+1))
			rec.SampleCount++
			rec.LastUpdated = now
			agg.Components[comp] = rec

			body, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := txn.Put(statestore.ComponentKey(student, date, string(comp)), body, statestore.TTLComponent); err != nil {
				return err
			}
		}

		agg.FinalScore = agg.ComputeFinal()
		agg.CalculatedAt = now
		agg.Version++

		body, err := json.Marshal(agg)
		if err != nil {
			return err
		}
		if err := txn.Put(statestore.AggregateKey(student, date), body, statestore.TTLAggregate); err != nil {
			return err
		}
		if err := a.advanceProfile(txn, student, date, agg, now); err != nil {
			return err
		}
		// A changed aggregate makes any cached projection stale.
		if err := txn.Delete(statestore.PredictionCacheKey(student)); err != nil {
			return err
		}

		out.Aggregate = *agg
	}

	if err := a.touchActivity(txn, ev, now); err != nil {
		return err
	}
	if err := txn.Put(markerKey, []byte(now.Format(time.RFC3339Nano)), statestore.TTLProcessed); err != nil {
		return err
	}

	out.Applied = true
	return nil
}

// loadAggregate reads the daily aggregate or starts a fresh one.
func (a *Aggregator) loadAggregate(txn statestore.Txn, student, date string) (*schema.MasteryAggregate, error) {
	raw, err := txn.Get(statestore.AggregateKey(student, date))
	if errors.Is(err, statestore.ErrNotFound) {
		return &schema.MasteryAggregate{
			StudentIdentity: student,
			Date:            date,
			Components:      make(map[schema.Component]schema.MasteryComponentRecord, 4),
		}, nil
	}
	if err != nil {
		return nil, err
	}

	var agg schema.MasteryAggregate
	if err := json.Unmarshal(raw, &agg); err != nil {
		return nil, fmt.Errorf("stored aggregate for %s: %w", date, err)
	}
	if agg.Components == nil {
		agg.Components = make(map[schema.Component]schema.MasteryComponentRecord, 4)
	}
	return &agg, nil
}

// advanceProfile moves the latest-aggregate pointer forward. A late event
// for an earlier date updates that day's aggregate without moving the
// pointer backward.
func (a *Aggregator) advanceProfile(txn statestore.Txn, student, date string, agg *schema.MasteryAggregate, now time.Time) error {
	key := statestore.ProfileKey(student)

	raw, err := txn.Get(key)
	if err == nil {
		var current schema.ProfilePointer
		if jsonErr := json.Unmarshal(raw, &current); jsonErr == nil && current.Date > date {
			return nil
		}
	} else if !errors.Is(err, statestore.ErrNotFound) {
		return err
	}

	body, err := json.Marshal(schema.ProfilePointer{
		Date:       date,
		FinalScore: agg.FinalScore,
		Version:    agg.Version,
		UpdatedAt:  now,
	})
	if err != nil {
		return err
	}
	return txn.Put(key, body, statestore.TTLProfile)
}

// touchActivity updates the rolling recent-activity record. Unparseable
// stored records are replaced rather than failing the apply.
func (a *Aggregator) touchActivity(txn statestore.Txn, ev *schema.LearningEvent, now time.Time) error {
	key := statestore.ActivityKey(ev.StudentIdentity)

	var rec schema.ActivityRecord
	raw, err := txn.Get(key)
	if err == nil {
		if jsonErr := json.Unmarshal(raw, &rec); jsonErr != nil {
			rec = schema.ActivityRecord{}
		}
	} else if !errors.Is(err, statestore.ErrNotFound) {
		return err
	}

	if ev.ServerTimestamp.After(rec.LastEventAt) {
		rec.LastEventAt = ev.ServerTimestamp
		rec.LastExerciseID = ev.ExerciseIdentifier
		rec.LastAgent = ev.AgentSource
	}
	rec.EventsApplied++

	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Put(key, body, statestore.TTLActivity)
}

// invalidate drops the hot-cache entries a committed apply made stale. The
// prediction cache is a store key and was already deleted inside the
// transaction.
func (a *Aggregator) invalidate(student, date string, values map[schema.Component]float64) {
	if a.cache == nil {
		return
	}
	keys := []string{
		statestore.AggregateKey(student, date),
		statestore.ProfileKey(student),
	}
	for comp := range values {
		keys = append(keys, statestore.ComponentKey(student, date, string(comp)))
	}
	a.cache.Invalidate(keys...)
}
