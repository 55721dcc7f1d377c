// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query serves the mastery read paths: the current-state view and
// the bucketed history view.
//
// Reads never write. Current state resolves through the hot cache to the
// profile pointer and then to the aggregate it names; a permitted caller
// with no stored data gets an empty view at version zero rather than an
// error, so absence is indistinguishable from a brand-new student. History
// reads the raw date range in one store snapshot and folds the daily finals
// into daily, ISO-week, or calendar-month buckets.
//
// Authorization is checked before any store access and fails with the same
// message whether the records exist or not.
//
// # Thread Safety
//
// Safe for concurrent use. The service holds no mutable state.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/KodiakLearn/pkg/faults"
	"github.com/AleutianAI/KodiakLearn/pkg/identity"
	"github.com/AleutianAI/KodiakLearn/pkg/logging"
	"github.com/AleutianAI/KodiakLearn/pkg/schema"
	"github.com/AleutianAI/KodiakLearn/pkg/statestore"
	"github.com/AleutianAI/KodiakLearn/services/mastery/observability"
)

// maxHistoryDays bounds one history request to the aggregate retention
// window; anything longer would promise data the store no longer holds.
const maxHistoryDays = 90

// dateLayout is the store's date key format.
const dateLayout = "2006-01-02"

// Granularity selects how history buckets are keyed.
type Granularity string

const (
	GranularityDaily   Granularity = "daily"
	GranularityWeekly  Granularity = "weekly"
	GranularityMonthly Granularity = "monthly"
)

// deniedMessage is the single authorization failure text. It must not vary
// with whether the requested records exist.
const deniedMessage = "mastery records are readable by their owner or by staff roles"

// =============================================================================
// Construction
// =============================================================================

// Options wires a Service.
type Options struct {
	// Store is the persistence layer. Required.
	Store statestore.Store

	// Cache fronts point reads of hot keys. Optional; nil reads go
	// straight to the store.
	Cache *statestore.HotCache

	// Metrics records per-endpoint outcomes. Optional.
	Metrics *observability.Metrics

	// Logger for resolution anomalies. Optional.
	Logger *logging.Logger
}

// Service answers mastery read requests.
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
		return nil, errors.New("query: Options.Store is required")
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
// Current state
// =============================================================================

// CurrentRequest asks for one student's latest mastery view.
type CurrentRequest struct {
	StudentIdentity string `json:"student_identity"`
}

// Current resolves the latest daily aggregate for the student: hot cache,
// then profile pointer, then the aggregate the pointer names. A permitted
// caller with no stored data gets an empty view at version zero.
func (s *Service) Current(ctx context.Context, caller *identity.Identity, req CurrentRequest) (view *schema.MasteryAggregate, err error) {
	start := s.now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordQuery(observability.EndpointCurrent, err, s.now().Sub(start))
		}
	}()

	if err = s.authorize(caller, req.StudentIdentity); err != nil {
		return nil, err
	}

	pointer, err := s.profilePointer(ctx, req.StudentIdentity)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return emptyView(req.StudentIdentity), nil
		}
		return nil, faults.Internal(err)
	}

	raw, err := s.get(ctx, statestore.AggregateKey(req.StudentIdentity, pointer.Date))
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			// The pointed-at aggregate aged out ahead of its pointer.
			s.logger.Warn("profile pointer names a missing aggregate",
				"student", req.StudentIdentity, "date", pointer.Date)
			return emptyView(req.StudentIdentity), nil
		}
		return nil, faults.Internal(err)
	}

	var agg schema.MasteryAggregate
	if err = json.Unmarshal(raw, &agg); err != nil {
		return nil, faults.Internal(fmt.Errorf("decode aggregate for %s: %w", pointer.Date, err))
	}
	if agg.Components == nil {
		agg.Components = map[schema.Component]schema.MasteryComponentRecord{}
	}
	return &agg, nil
}

// =============================================================================
// History
// =============================================================================

// HistoryRequest asks for a bucketed range of daily finals.
type HistoryRequest struct {
	StudentIdentity string `json:"student_identity"`

	// StartDate and EndDate bound the range, inclusive, as YYYY-MM-DD.
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`

	// Granularity is daily, weekly, or monthly. Empty selects daily.
	Granularity Granularity `json:"granularity"`
}

// HistoryBucket is one granularity bucket of the requested range.
type HistoryBucket struct {
	// Bucket labels the period: 2026-02-10 (daily), 2026-W07 (ISO week),
	// or 2026-02 (month).
	Bucket string `json:"bucket"`

	// FinalScore is the mean of the daily final scores present in the
	// bucket, rounded to three decimals.
	FinalScore float64 `json:"final_score"`

	// DaysPresent counts the days in the bucket that had an aggregate.
	DaysPresent int `json:"days_present"`
}

// HistoryView is the bucketed response for one range.
type HistoryView struct {
	StudentIdentity string          `json:"student_identity"`
	StartDate       string          `json:"start_date"`
	EndDate         string          `json:"end_date"`
	Granularity     Granularity     `json:"granularity"`
	Buckets         []HistoryBucket `json:"buckets"`

	// Version is the version of the newest aggregate observed in the
	// range; zero when the range held no data.
	Version uint64 `json:"version"`
}

// History reads the aggregates for the requested range in one store
// snapshot and folds them into buckets. Days without data are simply absent
// from their bucket's count.
func (s *Service) History(ctx context.Context, caller *identity.Identity, req HistoryRequest) (view *HistoryView, err error) {
	start := s.now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordQuery(observability.EndpointHistory, err, s.now().Sub(start))
		}
	}()

	if err = s.authorize(caller, req.StudentIdentity); err != nil {
		return nil, err
	}

	granularity := req.Granularity
	if granularity == "" {
		granularity = GranularityDaily
	}

	from, to, err := parseRange(req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}
	if granularity != GranularityDaily && granularity != GranularityWeekly && granularity != GranularityMonthly {
		return nil, faults.Validation("unknown granularity",
			fmt.Sprintf("granularity: must be one of %s, %s, %s",
				GranularityDaily, GranularityWeekly, GranularityMonthly))
	}

	days := make([]time.Time, 0, maxHistoryDays)
	keys := make([]string, 0, maxHistoryDays)
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		days = append(days, day)
		keys = append(keys, statestore.AggregateKey(req.StudentIdentity, day.Format(dateLayout)))
	}

	found, err := s.store.MultiGet(ctx, keys)
	if err != nil {
		return nil, faults.Internal(err)
	}

	view = &HistoryView{
		StudentIdentity: req.StudentIdentity,
		StartDate:       from.Format(dateLayout),
		EndDate:         to.Format(dateLayout),
		Granularity:     granularity,
		Buckets:         []HistoryBucket{},
	}

	// Fold in date order so buckets come out chronologically without a
	// separate sort.
	type fold struct {
		sum  float64
		days int
	}
	sums := make(map[string]*fold, len(days))
	order := make([]string, 0, len(days))
	newestDate := ""

	for i, day := range days {
		raw, ok := found[keys[i]]
		if !ok {
			continue
		}
		var agg schema.MasteryAggregate
		if uerr := json.Unmarshal(raw, &agg); uerr != nil {
			s.logger.Warn("skipping undecodable aggregate",
				"student", req.StudentIdentity, "date", day.Format(dateLayout), "error", uerr)
			continue
		}

		label := bucketLabel(granularity, day)
		f, ok := sums[label]
		if !ok {
			f = &fold{}
			sums[label] = f
			order = append(order, label)
		}
		f.sum += agg.FinalScore
		f.days++

		if date := day.Format(dateLayout); date > newestDate {
			newestDate = date
			view.Version = agg.Version
		}
	}

	for _, label := range order {
		f := sums[label]
		view.Buckets = append(view.Buckets, HistoryBucket{
			Bucket:      label,
			FinalScore:  schema.Round3(f.sum / float64(f.days)),
			DaysPresent: f.days,
		})
	}
	return view, nil
}

// =============================================================================
// Resolution helpers
// =============================================================================

// authorize rejects malformed subjects and callers without read rights over
// the subject. The denial message never reveals whether records exist.
func (s *Service) authorize(caller *identity.Identity, student string) error {
	if caller == nil {
		return faults.Authentication("request carries no caller identity")
	}
	if err := identity.ValidateSubject(student); err != nil {
		return faults.Validation("invalid student identity", "student_identity: "+err.Error())
	}
	if !caller.CanRead(student) {
		return faults.Authorization(deniedMessage)
	}
	return nil
}

// get reads through the hot cache when one is wired.
func (s *Service) get(ctx context.Context, key string) ([]byte, error) {
	if s.cache != nil {
		return s.cache.Get(ctx, key)
	}
	return s.store.Get(ctx, key)
}

func (s *Service) profilePointer(ctx context.Context, student string) (*schema.ProfilePointer, error) {
	raw, err := s.get(ctx, statestore.ProfileKey(student))
	if err != nil {
		return nil, err
	}
	var pointer schema.ProfilePointer
	if err := json.Unmarshal(raw, &pointer); err != nil {
		return nil, fmt.Errorf("decode profile pointer: %w", err)
	}
	return &pointer, nil
}

// parseRange validates and parses the inclusive date range.
func parseRange(startDate, endDate string) (from, to time.Time, err error) {
	from, err = time.ParseInLocation(dateLayout, startDate, time.UTC)
	if err != nil {
		return from, to, faults.Validation("invalid date range", "start_date: must be YYYY-MM-DD")
	}
	to, err = time.ParseInLocation(dateLayout, endDate, time.UTC)
	if err != nil {
		return from, to, faults.Validation("invalid date range", "end_date: must be YYYY-MM-DD")
	}
	if from.After(to) {
		return from, to, faults.Validation("invalid date range", "start_date: must not be after end_date")
	}
	if days := int(to.Sub(from).Hours()/24) + 1; days > maxHistoryDays {
		return from, to, faults.Validation("invalid date range",
			fmt.Sprintf("end_date: range covers %d days, limit is %d", days, maxHistoryDays))
	}
	return from, to, nil
}

// bucketLabel keys one day into its granularity bucket.
func bucketLabel(granularity Granularity, day time.Time) string {
	switch granularity {
	case GranularityWeekly:
		year, week := day.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case GranularityMonthly:
		return day.Format("2006-01")
	default:
		return day.Format(dateLayout)
	}
}

// emptyView is the current-state response for a student with no stored
// aggregates.
func emptyView(student string) *schema.MasteryAggregate {
	return &schema.MasteryAggregate{
		StudentIdentity: student,
		Components:      map[schema.Component]schema.MasteryComponentRecord{},
	}
}
