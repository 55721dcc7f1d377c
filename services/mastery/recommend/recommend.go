// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recommend derives study actions from the weakest components of a
// student's current mastery aggregate.
//
// Every component scoring under the mastery target is a candidate, scored
// by weight·(target − value) so heavily weighted gaps surface first. Scores
// are rounded to the storage precision before ranking, which makes ties
// real; ties fall back to the canonical component order. When two
// candidates would emit the same action the lower-ranked one becomes a
// review so the set never repeats itself.
//
// Recommendation sets are derived fresh on every request. There is no
// recommendation cache; the hot cache already fronts the aggregate read
// underneath.
//
// # Thread Safety
//
// Safe for concurrent use. The service holds no mutable state.
package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/AleutianAI/KodiakLearn/pkg/faults"
	"github.com/AleutianAI/KodiakLearn/pkg/identity"
	"github.com/AleutianAI/KodiakLearn/pkg/logging"
	"github.com/AleutianAI/KodiakLearn/pkg/schema"
	"github.com/AleutianAI/KodiakLearn/pkg/statestore"
	"github.com/AleutianAI/KodiakLearn/services/mastery/observability"
)

const (
	// masteryTarget is the component value below which work is recommended.
	masteryTarget = 0.70

	// maxItems caps one recommendation set.
	maxItems = 10

	// Priority thresholds over the weighted gap score.
	priorityHighFloor   = 0.10
	priorityMediumFloor = 0.04
)

// actionByComponent maps each weak component to its first-choice action.
var actionByComponent = map[schema.Component]schema.Action{
	schema.ComponentCompletion:  schema.ActionPractice,
	schema.ComponentQuiz:        schema.ActionPractice,
	schema.ComponentQuality:     schema.ActionRefactor,
	schema.ComponentConsistency: schema.ActionSchedule,
}

// minutesByAction is the fixed effort estimate per action.
var minutesByAction = map[schema.Action]int{
	schema.ActionPractice: 20,
	schema.ActionReview:   15,
	schema.ActionRefactor: 25,
	schema.ActionSchedule: 10,
}

// resourceCatalog is the static per-component resource list stamped onto
// items targeting that component.
var resourceCatalog = map[schema.Component][]string{
	schema.ComponentCompletion: {
		"resource://exercises/daily-sets",
		"resource://paths/completion-streak",
	},
	schema.ComponentQuiz: {
		"resource://quizzes/retry-bank",
		"resource://flashcards/core-concepts",
	},
	schema.ComponentQuality: {
		"resource://guides/code-review-checklist",
		"resource://exercises/refactoring-kata",
	},
	schema.ComponentConsistency: {
		"resource://planner/weekly-schedule",
		"resource://guides/habit-building",
	},
}

// =============================================================================
// Construction
// =============================================================================

// Options wires a Service.
type Options struct {
	// Store is the persistence layer. Required.
	Store statestore.Store

	// Cache fronts the aggregate point reads. Optional.
	Cache *statestore.HotCache

	// Metrics records endpoint outcomes. Optional.
	Metrics *observability.Metrics

	// Logger for resolution anomalies. Optional.
	Logger *logging.Logger
}

// Service derives recommendation sets.
type Service struct {
	store   statestore.Store
	cache   *statestore.HotCache
	metrics *observability.Metrics
	logger  *logging.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New builds a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("recommend: Options.Store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:   opts.Store,
		cache:   opts.Cache,
		metrics: opts.Metrics,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// =============================================================================
// Recommendation
// =============================================================================

// RecommendRequest asks for one student's recommendation set.
type RecommendRequest struct {
	StudentIdentity string `json:"student_identity"`
}

// Adaptive builds a fresh recommendation set from the student's current
// aggregate. Students with no aggregate or no weak components get an empty
// set, not an error.
func (s *Service) Adaptive(ctx context.Context, caller *identity.Identity, req RecommendRequest) (set *schema.RecommendationSet, err error) {
	start := s.now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordQuery(observability.EndpointRecommendation, err, s.now().Sub(start))
		}
	}()

	if err = s.authorize(caller, req.StudentIdentity); err != nil {
		return nil, err
	}

	set = &schema.RecommendationSet{
		StudentIdentity: req.StudentIdentity,
		GeneratedAt:     s.now(),
		Items:           []schema.RecommendationItem{},
	}

	agg, err := s.currentAggregate(ctx, req.StudentIdentity)
	if err != nil {
		return nil, err
	}
	if agg == nil {
		return set, nil
	}

	set.Items = rank(agg)
	return set, nil
}

func (s *Service) authorize(caller *identity.Identity, student string) error {
	if caller == nil {
		return faults.Authentication("request carries no caller identity")
	}
	if err := identity.ValidateSubject(student); err != nil {
		return faults.Validation("invalid student identity", "student_identity: "+err.Error())
	}
	if !caller.CanRead(student) {
		return faults.Authorization("recommendations are readable by their owner or by staff roles")
	}
	return nil
}

// currentAggregate resolves the latest daily aggregate through the profile
// pointer, or nil when the student has none.
func (s *Service) currentAggregate(ctx context.Context, student string) (*schema.MasteryAggregate, error) {
	rawPtr, err := s.get(ctx, statestore.ProfileKey(student))
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, nil
		}
		return nil, faults.Internal(err)
	}
	var pointer schema.ProfilePointer
	if err := json.Unmarshal(rawPtr, &pointer); err != nil {
		return nil, faults.Internal(fmt.Errorf("decode profile pointer: %w", err))
	}

	raw, err := s.get(ctx, statestore.AggregateKey(student, pointer.Date))
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			s.logger.Warn("profile pointer names a missing aggregate",
				"student", student, "date", pointer.Date)
			return nil, nil
		}
		return nil, faults.Internal(err)
	}
	var agg schema.MasteryAggregate
	if err := json.Unmarshal(raw, &agg); err != nil {
		return nil, faults.Internal(fmt.Errorf("decode aggregate for %s: %w", pointer.Date, err))
	}
	return &agg, nil
}

func (s *Service) get(ctx context.Context, key string) ([]byte, error) {
	if s.cache != nil {
		return s.cache.Get(ctx, key)
	}
	return s.store.Get(ctx, key)
}

// candidate is one weak component with its weighted gap score.
type candidate struct {
	component schema.Component
	order     int
	score     float64
}

// rank turns the aggregate's weak components into the ordered item list.
func rank(agg *schema.MasteryAggregate) []schema.RecommendationItem {
	candidates := make([]candidate, 0, len(schema.Components))
	for i, comp := range schema.Components {
		rec, ok := agg.Components[comp]
		if !ok || rec.Value >= masteryTarget {
			continue
		}
		candidates = append(candidates, candidate{
			component: comp,
			order:     i,
			score:     schema.Round3(schema.ComponentWeights[comp] * (masteryTarget - rec.Value)),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].order < candidates[j].order
	})

	items := make([]schema.RecommendationItem, 0, len(candidates))
	seen := make(map[schema.Action]bool, len(candidates))
	for _, c := range candidates {
		if len(items) == maxItems {
			break
		}
		action := actionByComponent[c.component]
		if seen[action] {
			action = schema.ActionReview
		}
		seen[action] = true

		items = append(items, schema.RecommendationItem{
			Action:           action,
			TargetArea:       c.component,
			Priority:         priorityOf(c.score),
			EstimatedMinutes: minutesByAction[action],
			ResourceRefs:     resourceCatalog[c.component],
		})
	}
	return items
}

func priorityOf(score float64) schema.Priority {
	switch {
	case score >= priorityHighFloor:
		return schema.PriorityHigh
	case score >= priorityMediumFloor:
		return schema.PriorityMedium
	default:
		return schema.PriorityLow
	}
}
