// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recommend

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/KodiakLearn/pkg/faults"
	"github.com/AleutianAI/KodiakLearn/pkg/identity"
	"github.com/AleutianAI/KodiakLearn/pkg/logging"
	"github.com/AleutianAI/KodiakLearn/pkg/schema"
	"github.com/AleutianAI/KodiakLearn/pkg/statestore"
)

const (
	testStudent  = "student_aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
	otherStudent = "student_bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"
)

var testStamp = time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC)

func quiet() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

func openStore(t *testing.T) statestore.Store {
	t.Helper()
	store, err := statestore.Open(statestore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newService(t *testing.T, store statestore.Store) *Service {
	t.Helper()
	svc, err := New(Options{Store: store, Logger: quiet()})
	require.NoError(t, err)
	return svc
}

func selfCaller(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.FromHeaders(testStudent, "student")
	require.NoError(t, err)
	return id
}

// seedCurrent writes a daily aggregate with the given component values and
// points the student's profile at it.
func seedCurrent(t *testing.T, store statestore.Store, student, date string, values map[schema.Component]float64) {
	t.Helper()
	agg := schema.MasteryAggregate{
		StudentIdentity: student,
		Date:            date,
		Components:      map[schema.Component]schema.MasteryComponentRecord{},
		CalculatedAt:    testStamp,
		Version:         1,
	}
	for comp, v := range values {
		agg.Components[comp] = schema.MasteryComponentRecord{Value: v, SampleCount: 1, LastUpdated: testStamp}
	}
	agg.FinalScore = agg.ComputeFinal()

	raw, err := json.Marshal(agg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, statestore.AggregateKey(student, date), raw, statestore.TTLAggregate))

	ptr, err := json.Marshal(schema.ProfilePointer{Date: date, FinalScore: agg.FinalScore, Version: 1, UpdatedAt: testStamp})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, statestore.ProfileKey(student), ptr, statestore.TTLProfile))
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestAdaptive_RanksWeightedGaps(t *testing.T) {
	store := openStore(t)
	svc := newService(t, store)
	seedCurrent(t, store, testStudent, "2026-02-10", map[schema.Component]float64{
		schema.ComponentCompletion:  0.30, // gap score 0.160
		schema.ComponentQuiz:        0.40, // gap score 0.090
		schema.ComponentQuality:     0.50, // gap score 0.040
		schema.ComponentConsistency: 0.20, // gap score 0.050
	})

	set, err := svc.Adaptive(context.Background(), selfCaller(t), RecommendRequest{StudentIdentity: testStudent})
	require.NoError(t, err)
	require.Len(t, set.Items, 4)
	assert.Equal(t, testStudent, set.StudentIdentity)
	assert.False(t, set.GeneratedAt.IsZero())

	first := set.Items[0]
	assert.Equal(t, schema.ComponentCompletion, first.TargetArea)
	assert.Equal(t, schema.ActionPractice, first.Action)
	assert.Equal(t, schema.PriorityHigh, first.Priority)
	assert.Equal(t, 20, first.EstimatedMinutes)
	assert.Equal(t, resourceCatalog[schema.ComponentCompletion], first.ResourceRefs)

	// Quiz would repeat practice; the lower-ranked duplicate reads review.
	second := set.Items[1]
	assert.Equal(t, schema.ComponentQuiz, second.TargetArea)
	assert.Equal(t, schema.ActionReview, second.Action)
	assert.Equal(t, schema.PriorityMedium, second.Priority)
	assert.Equal(t, 15, second.EstimatedMinutes)

	// Consistency's 0.050 outranks quality's 0.040 despite the lighter
	// weight.
	assert.Equal(t, schema.ComponentConsistency, set.Items[2].TargetArea)
	assert.Equal(t, schema.ActionSchedule, set.Items[2].Action)
	assert.Equal(t, 10, set.Items[2].EstimatedMinutes)

	assert.Equal(t, schema.ComponentQuality, set.Items[3].TargetArea)
	assert.Equal(t, schema.ActionRefactor, set.Items[3].Action)
	assert.Equal(t, schema.PriorityMedium, set.Items[3].Priority)
	assert.Equal(t, 25, set.Items[3].EstimatedMinutes)
}

func TestAdaptive_TargetBoundaryExcluded(t *testing.T) {
	store := openStore(t)
	svc := newService(t, store)
	seedCurrent(t, store, testStudent, "2026-02-10", map[schema.Component]float64{
		schema.ComponentCompletion: 0.40,
		schema.ComponentQuiz:       0.55,
		schema.ComponentQuality:    0.70, // exactly on target
	})

	set, err := svc.Adaptive(context.Background(), selfCaller(t), RecommendRequest{StudentIdentity: testStudent})
	require.NoError(t, err)
	require.Len(t, set.Items, 2)
	for _, item := range set.Items {
		assert.NotEqual(t, schema.ComponentQuality, item.TargetArea)
	}
}

func TestAdaptive_TiesFollowComponentOrder(t *testing.T) {
	store := openStore(t)
	svc := newService(t, store)

	// Both gaps score 0.020 after rounding; quality carries the heavier
	// weight and must come first.
	seedCurrent(t, store, testStudent, "2026-02-10", map[schema.Component]float64{
		schema.ComponentQuality:     0.60,
		schema.ComponentConsistency: 0.50,
	})

	set, err := svc.Adaptive(context.Background(), selfCaller(t), RecommendRequest{StudentIdentity: testStudent})
	require.NoError(t, err)
	require.Len(t, set.Items, 2)
	assert.Equal(t, schema.ComponentQuality, set.Items[0].TargetArea)
	assert.Equal(t, schema.ComponentConsistency, set.Items[1].TargetArea)
	assert.Equal(t, schema.PriorityLow, set.Items[0].Priority)
	assert.Equal(t, schema.PriorityLow, set.Items[1].Priority)
}

func TestAdaptive_StrongStudentGetsEmptySet(t *testing.T) {
	store := openStore(t)
	svc := newService(t, store)
	seedCurrent(t, store, testStudent, "2026-02-10", map[schema.Component]float64{
		schema.ComponentCompletion:  0.92,
		schema.ComponentQuiz:        0.88,
		schema.ComponentQuality:     0.75,
		schema.ComponentConsistency: 0.70,
	})

	set, err := svc.Adaptive(context.Background(), selfCaller(t), RecommendRequest{StudentIdentity: testStudent})
	require.NoError(t, err)
	assert.NotNil(t, set.Items)
	assert.Empty(t, set.Items)
}

func TestAdaptive_NewStudentGetsEmptySet(t *testing.T) {
	store := openStore(t)
	svc := newService(t, store)

	set, err := svc.Adaptive(context.Background(), selfCaller(t), RecommendRequest{StudentIdentity: testStudent})
	require.NoError(t, err)
	assert.Equal(t, testStudent, set.StudentIdentity)
	assert.Empty(t, set.Items)
}

func TestAdaptive_ReflectsLatestAggregate(t *testing.T) {
	store := openStore(t)
	svc := newService(t, store)
	me := selfCaller(t)

	seedCurrent(t, store, testStudent, "2026-02-10", map[schema.Component]float64{
		schema.ComponentQuiz: 0.40,
	})
	set, err := svc.Adaptive(context.Background(), me, RecommendRequest{StudentIdentity: testStudent})
	require.NoError(t, err)
	require.Len(t, set.Items, 1)

	// The next day's aggregate clears the gap; no recommendation survives
	// a fresh derivation.
	seedCurrent(t, store, testStudent, "2026-02-11", map[schema.Component]float64{
		schema.ComponentQuiz: 0.85,
	})
	set, err = svc.Adaptive(context.Background(), me, RecommendRequest{StudentIdentity: testStudent})
	require.NoError(t, err)
	assert.Empty(t, set.Items)
}

func TestAdaptive_ForeignStudentDenied(t *testing.T) {
	store := openStore(t)
	svc := newService(t, store)
	seedCurrent(t, store, otherStudent, "2026-02-10", map[schema.Component]float64{
		schema.ComponentQuiz: 0.40,
	})

	_, err := svc.Adaptive(context.Background(), selfCaller(t), RecommendRequest{StudentIdentity: otherStudent})
	require.Error(t, err)
	assert.Equal(t, faults.CodeAuthorization, faults.CodeOf(err))
}
