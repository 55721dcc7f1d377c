// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package predict fits a least-squares trend over a student's recent daily
// finals and projects it one horizon past the last observed day.
//
// The fit runs over (day index, final score) pairs from the last thirty
// daily aggregates, where day indexes are calendar distances so gaps in
// practice stretch the x axis instead of collapsing it. Fewer than three
// aggregates is not enough signal and fails with an insufficient-history
// fault.
//
// Results are cached under the student's prediction key for an hour; every
// aggregate write deletes that key, so a cached entry is never older than
// the newest event. A cache read failure falls back to recomputing.
//
// # Thread Safety
//
// Safe for concurrent use. The service holds no mutable state.
package predict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/AleutianAI/KodiakLearn/pkg/faults"
	"github.com/AleutianAI/KodiakLearn/pkg/identity"
	"github.com/AleutianAI/KodiakLearn/pkg/logging"
	"github.com/AleutianAI/KodiakLearn/pkg/schema"
	"github.com/AleutianAI/KodiakLearn/pkg/statestore"
	"github.com/AleutianAI/KodiakLearn/services/mastery/observability"
)

const (
	// minHistory and maxHistory bound the fit window in daily aggregates.
	minHistory = 3
	maxHistory = 30

	// defaultHorizonDays is how far past the last observed day the trend
	// is projected.
	defaultHorizonDays = 7

	// trendDeadBand is the slope magnitude below which the trend reads
	// stable rather than improving or declining.
	trendDeadBand = 0.005

	// interventionFloor triggers the intervention flag when the projected
	// score lands below it on a non-improving slope.
	interventionFloor = 0.5

	// confidenceRampDays scales confidence linearly with sample count
	// until two weeks of data are in the window.
	confidenceRampDays = 14

	// zeroVarianceEps is the total-sum-of-squares floor below which a
	// history counts as flat. Summing identical finals leaves ssTot a few
	// ulps above zero, and dividing ssRes by that noise would misread a
	// perfect flat fit as no fit at all.
	zeroVarianceEps = 1e-12
)

const dateLayout = "2006-01-02"

// =============================================================================
// Construction
// =============================================================================

// Options wires a Service.
type Options struct {
	// Store is the persistence layer. Required.
	Store statestore.Store

	// HorizonDays overrides the projection distance. Zero selects the
	// default of seven days.
	HorizonDays int

	// Metrics records endpoint outcomes and cache hit rates. Optional.
	Metrics *observability.Metrics

	// Logger for cache and decode anomalies. Optional.
	Logger *logging.Logger
}

// Service computes next-horizon mastery predictions.
type Service struct {
	store   statestore.Store
	horizon int
	metrics *observability.Metrics
	logger  *logging.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New builds a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("predict: Options.Store is required")
	}
	horizon := opts.HorizonDays
	if horizon <= 0 {
		horizon = defaultHorizonDays
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:   opts.Store,
		horizon: horizon,
		metrics: opts.Metrics,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// =============================================================================
// Prediction
// =============================================================================

// PredictRequest asks for one student's projected mastery.
type PredictRequest struct {
	StudentIdentity string `json:"student_identity"`
}

// NextWeek returns the cached prediction for the student, computing and
// caching a fresh one when none is live.
func (s *Service) NextWeek(ctx context.Context, caller *identity.Identity, req PredictRequest) (entry *schema.PredictionCacheEntry, err error) {
	start := s.now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordQuery(observability.EndpointPrediction, err, s.now().Sub(start))
		}
	}()

	if err = s.authorize(caller, req.StudentIdentity); err != nil {
		return nil, err
	}

	cacheKey := statestore.PredictionCacheKey(req.StudentIdentity)
	if cached := s.lookupCache(ctx, cacheKey); cached != nil {
		if s.metrics != nil {
			s.metrics.RecordPredictionCache(true)
		}
		return cached, nil
	}
	if s.metrics != nil {
		s.metrics.RecordPredictionCache(false)
	}

	points, err := s.series(ctx, req.StudentIdentity)
	if err != nil {
		return nil, err
	}
	if len(points) < minHistory {
		return nil, faults.InsufficientHistory(fmt.Sprintf(
			"prediction needs at least %d daily aggregates, found %d", minHistory, len(points)))
	}

	entry = s.fit(points)

	raw, merr := json.Marshal(entry)
	if merr != nil {
		return nil, faults.Internal(merr)
	}
	if perr := s.store.Put(ctx, cacheKey, raw, statestore.TTLPrediction); perr != nil {
		// Serving the computed result matters more than caching it.
		s.logger.Warn("prediction cache write failed",
			"student", req.StudentIdentity, "error", perr)
	}
	return entry, nil
}

func (s *Service) authorize(caller *identity.Identity, student string) error {
	if caller == nil {
		return faults.Authentication("request carries no caller identity")
	}
	if err := identity.ValidateSubject(student); err != nil {
		return faults.Validation("invalid student identity", "student_identity: "+err.Error())
	}
	if !caller.CanRead(student) {
		return faults.Authorization("predictions are readable by their owner or by staff roles")
	}
	return nil
}

// lookupCache returns a live cached entry or nil. Decode failures and store
// errors both fall back to recomputing.
func (s *Service) lookupCache(ctx context.Context, key string) *schema.PredictionCacheEntry {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, statestore.ErrNotFound) {
			s.logger.Warn("prediction cache read failed", "key", key, "error", err)
		}
		return nil
	}
	var entry schema.PredictionCacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		s.logger.Warn("dropping undecodable prediction cache entry", "key", key, "error", err)
		return nil
	}
	return &entry
}

// point is one fit sample: x is the calendar-day offset from the first
// retained aggregate, y its final score.
type point struct {
	x float64
	y float64
}

// series loads the student's daily finals in date order. The mastery prefix
// also covers per-component rows; those keys carry a component suffix and
// are skipped.
func (s *Service) series(ctx context.Context, student string) ([]point, error) {
	prefix := statestore.MasteryPrefix(student)
	entries, err := s.store.ScanPrefix(ctx, prefix)
	if err != nil {
		return nil, faults.Internal(err)
	}

	type sample struct {
		day   time.Time
		final float64
	}
	samples := make([]sample, 0, len(entries))
	for _, e := range entries {
		rest := e.Key[len(prefix):]
		if strings.Contains(rest, ":") {
			continue
		}
		day, perr := time.ParseInLocation(dateLayout, rest, time.UTC)
		if perr != nil {
			continue
		}
		var agg schema.MasteryAggregate
		if uerr := json.Unmarshal(e.Value, &agg); uerr != nil {
			s.logger.Warn("skipping undecodable aggregate",
				"student", student, "date", rest, "error", uerr)
			continue
		}
		samples = append(samples, sample{day: day, final: agg.FinalScore})
	}

	// ScanPrefix yields key order, which for date keys is chronological.
	if len(samples) > maxHistory {
		samples = samples[len(samples)-maxHistory:]
	}
	if len(samples) == 0 {
		return nil, nil
	}

	base := samples[0].day
	points := make([]point, len(samples))
	for i, smp := range samples {
		points[i] = point{x: smp.day.Sub(base).Hours() / 24, y: smp.final}
	}
	return points, nil
}

// fit runs ordinary least squares over the points and projects the line
// horizon days past the last observed one.
func (s *Service) fit(points []point) *schema.PredictionCacheEntry {
	n := float64(len(points))
	var sumX, sumY, sumXX, sumXY float64
	for _, p := range points {
		sumX += p.x
		sumY += p.y
		sumXX += p.x * p.x
		sumXY += p.x * p.y
	}

	var slope float64
	if denom := n*sumXX - sumX*sumX; denom != 0 {
		slope = (n*sumXY - sumX*sumY) / denom
	}
	intercept := (sumY - slope*sumX) / n

	// R² against the mean; a zero-variance history is fitted exactly by
	// its own flat line.
	meanY := sumY / n
	var ssRes, ssTot float64
	for _, p := range points {
		fitted := intercept + slope*p.x
		ssRes += (p.y - fitted) * (p.y - fitted)
		ssTot += (p.y - meanY) * (p.y - meanY)
	}
	r2 := 1.0
	if ssTot > zeroVarianceEps {
		r2 = 1 - ssRes/ssTot
	}

	lastX := points[len(points)-1].x
	projected := clamp01(intercept + slope*(lastX+float64(s.horizon)))
	confidence := clamp01(r2) * math.Min(n/confidenceRampDays, 1)

	trend := schema.TrendStable
	switch {
	case slope > trendDeadBand:
		trend = schema.TrendImproving
	case slope < -trendDeadBand:
		trend = schema.TrendDeclining
	}

	return &schema.PredictionCacheEntry{
		PredictedScore:   schema.Round3(projected),
		Confidence:       schema.Round3(confidence),
		Trend:            trend,
		InterventionFlag: projected < interventionFloor && slope <= 0,
		HorizonDays:      s.horizon,
		GeneratedAt:      s.now(),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
