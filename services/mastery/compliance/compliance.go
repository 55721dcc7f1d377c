// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compliance implements per-student data export and erasure.
//
// Every record a student owns lives under one key prefix, so both
// operations are a single prefix scan. Export archives the raw key/value
// pairs; restoring an archive reproduces the original records byte for byte
// under their original retention classes. Erase deletes everything under
// the prefix and drops the student's hot-cache entries.
//
// Processed event markers deliberately survive erasure: they carry no
// student identity, and keeping them stops a partition replay from
// re-applying events for a student who asked to be forgotten. They expire
// on their own schedule.
//
// Erase is idempotent; erasing a student with no records reports zero
// deletions and succeeds.
//
// # Thread Safety
//
// Safe for concurrent use. The service holds no mutable state.
package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/AleutianAI/KodiakLearn/pkg/faults"
	"github.com/AleutianAI/KodiakLearn/pkg/identity"
	"github.com/AleutianAI/KodiakLearn/pkg/logging"
	"github.com/AleutianAI/KodiakLearn/pkg/statestore"
	"github.com/AleutianAI/KodiakLearn/services/mastery/observability"
)

// =============================================================================
// Construction
// =============================================================================

// Options wires a Service.
type Options struct {
	// Store is the persistence layer. Required.
	Store statestore.Store

	// Cache is invalidated for the student after an erase. Optional.
	Cache *statestore.HotCache

	// Metrics records operation outcomes. Optional.
	Metrics *observability.Metrics

	// Logger for operation records. Optional.
	Logger *logging.Logger
}

// Service answers compliance export and erase requests.
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
		return nil, errors.New("compliance: Options.Store is required")
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
// Export
// =============================================================================

// ExportRecord is one stored record in an export archive. Value is the raw
// stored JSON.
type ExportRecord struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Export is the complete archive of one student's records.
type Export struct {
	StudentIdentity string         `json:"student_identity"`
	ExportedAt      time.Time      `json:"exported_at"`
	RecordCount     int            `json:"record_count"`
	Records         []ExportRecord `json:"records"`
}

// ExportStudent archives every record under the student's prefix. The
// student may export their own records; otherwise the erase permission is
// required.
func (s *Service) ExportStudent(ctx context.Context, caller *identity.Identity, student string) (export *Export, err error) {
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordCompliance(observability.OpExport, err)
		}
	}()

	if caller == nil {
		return nil, faults.Authentication("request carries no caller identity")
	}
	if err = validateSubject(student); err != nil {
		return nil, err
	}
	if !caller.CanExport(student) {
		return nil, faults.Authorization("exports are limited to the record owner or compliance-capable roles")
	}

	entries, err := s.store.ScanPrefix(ctx, statestore.StudentPrefix(student))
	if err != nil {
		return nil, faults.Internal(err)
	}

	export = &Export{
		StudentIdentity: student,
		ExportedAt:      s.now(),
		RecordCount:     len(entries),
		Records:         make([]ExportRecord, 0, len(entries)),
	}
	for _, e := range entries {
		export.Records = append(export.Records, ExportRecord{
			Key:   e.Key,
			Value: json.RawMessage(e.Value),
		})
	}

	s.logger.Info("compliance export served",
		"student", student, "records", export.RecordCount, "caller_role", string(caller.Role))
	return export, nil
}

// =============================================================================
// Erase
// =============================================================================

// EraseSummary reports what an erase removed.
type EraseSummary struct {
	StudentIdentity string    `json:"student_identity"`
	RecordsErased   int       `json:"records_erased"`
	ErasedAt        time.Time `json:"erased_at"`
}

// EraseStudent deletes every record under the student's prefix and drops
// the student's hot-cache entries. Requires the erase permission; students
// cannot erase themselves through this path.
func (s *Service) EraseStudent(ctx context.Context, caller *identity.Identity, student string) (summary *EraseSummary, err error) {
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordCompliance(observability.OpErase, err)
		}
	}()

	if caller == nil {
		return nil, faults.Authentication("request carries no caller identity")
	}
	if err = validateSubject(student); err != nil {
		return nil, err
	}
	if !caller.Has(identity.PermComplianceErase) {
		return nil, faults.Authorization("erasure requires a compliance-capable role")
	}

	entries, err := s.store.ScanPrefix(ctx, statestore.StudentPrefix(student))
	if err != nil {
		return nil, faults.Internal(err)
	}

	// Point deletes rather than one transaction: a student can own more
	// rows than a single commit comfortably holds, and deletes of absent
	// keys are no-ops, so a retried partial erase converges.
	erased := 0
	for _, e := range entries {
		if derr := s.store.Delete(ctx, e.Key); derr != nil {
			return nil, faults.Internal(derr)
		}
		erased++
	}

	if s.cache != nil {
		s.cache.InvalidateStudent(student)
	}

	s.logger.Info("compliance erase completed",
		"student", student, "records", erased, "caller_role", string(caller.Role))

	return &EraseSummary{
		StudentIdentity: student,
		RecordsErased:   erased,
		ErasedAt:        s.now(),
	}, nil
}

// =============================================================================
// Restore
// =============================================================================

// Restore writes an archive's records back under their original keys and
// retention classes. It is not exposed over HTTP; operational tooling and
// round-trip tests use it.
func (s *Service) Restore(ctx context.Context, export *Export) (int, error) {
	if export == nil {
		return 0, faults.Validation("empty archive", "export: required")
	}
	restored := 0
	for _, rec := range export.Records {
		if rec.Key == "" {
			return restored, faults.Validation("malformed archive record", "key: required")
		}
		if err := s.store.Put(ctx, rec.Key, []byte(rec.Value), statestore.TTLForKey(rec.Key)); err != nil {
			return restored, faults.Internal(err)
		}
		restored++
	}
	if s.cache != nil && export.StudentIdentity != "" {
		s.cache.InvalidateStudent(export.StudentIdentity)
	}
	return restored, nil
}

func validateSubject(student string) error {
	if err := identity.ValidateSubject(student); err != nil {
		return faults.Validation("invalid student identity", "student_identity: "+err.Error())
	}
	return nil
}
