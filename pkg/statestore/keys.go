// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package statestore

import (
	"strings"
	"time"
)

// Retention per record class. The store enforces these as TTLs at write
// time; nothing else prunes mastery data.
const (
	TTLAggregate   = 90 * 24 * time.Hour
	TTLComponent   = 90 * 24 * time.Hour
	TTLProfile     = 90 * 24 * time.Hour
	TTLIdempotency = 24 * time.Hour
	TTLPrediction  = time.Hour
	TTLProcessed   = 7 * 24 * time.Hour
	TTLActivity    = 30 * 24 * time.Hour
)

// Key layout. Student-scoped records share the "student:{id}:" prefix so
// compliance erase and export are single prefix scans. Processed markers
// deliberately do not embed the student id; they must survive erasure so a
// replayed partition does not double-apply events for an erased student.
//
//	student:{id}:mastery:{YYYY-MM-DD}              daily aggregate
//	student:{id}:mastery:{YYYY-MM-DD}:{component}  per-component record
//	student:{id}:idempotency:{hex32}               triage replay record
//	student:{id}:prediction:cache                  predictor result
//	student:{id}:profile:current                   latest-aggregate pointer
//	student:{id}:activity:recent                   recent-activity record
//	processed:{event_idempotency_key}              consumer dedup marker

// StudentPrefix scopes every record owned by one student.
func StudentPrefix(studentID string) string {
	return "student:" + studentID + ":"
}

// AggregateKey addresses the daily mastery aggregate.
func AggregateKey(studentID, date string) string {
	return "student:" + studentID + ":mastery:" + date
}

// ComponentKey addresses one component's daily record.
func ComponentKey(studentID, date, component string) string {
	return "student:" + studentID + ":mastery:" + date + ":" + component
}

// IdempotencyKey addresses a stored triage response for replay.
func IdempotencyKey(studentID, key string) string {
	return "student:" + studentID + ":idempotency:" + key
}

// PredictionCacheKey addresses the cached predictor result.
func PredictionCacheKey(studentID string) string {
	return "student:" + studentID + ":prediction:cache"
}

// ProfileKey addresses the latest-aggregate pointer.
func ProfileKey(studentID string) string {
	return "student:" + studentID + ":profile:current"
}

// ActivityKey addresses the recent-activity record.
func ActivityKey(studentID string) string {
	return "student:" + studentID + ":activity:recent"
}

// ProcessedKey addresses the consumer dedup marker for one event.
func ProcessedKey(eventIdempotencyKey string) string {
	return "processed:" + eventIdempotencyKey
}

// MasteryPrefix scopes all mastery records (daily aggregates and their
// component rows) for one student.
func MasteryPrefix(studentID string) string {
	return "student:" + studentID + ":mastery:"
}

// IsHotKey reports whether reads of key go through the hot cache. Current
// mastery is the read-heavy path: the daily aggregates and the profile
// pointer.
func IsHotKey(key string) bool {
	return strings.Contains(key, ":mastery:") || strings.HasSuffix(key, ":profile:current")
}

// TTLForKey returns the retention class a key belongs to. Restores from a
// compliance export use it so re-imported records age out on the same
// schedule as originals.
func TTLForKey(key string) time.Duration {
	switch {
	case strings.HasPrefix(key, "processed:"):
		return TTLProcessed
	case strings.HasSuffix(key, ":prediction:cache"):
		return TTLPrediction
	case strings.HasSuffix(key, ":profile:current"):
		return TTLProfile
	case strings.HasSuffix(key, ":activity:recent"):
		return TTLActivity
	case strings.Contains(key, ":idempotency:"):
		return TTLIdempotency
	default:
		return TTLAggregate
	}
}
