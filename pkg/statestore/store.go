// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package statestore is the persistence layer for mastery state,
// idempotency records, and prediction caches.
//
// The Store interface hides badger behind plain byte operations so the
// aggregation and query code never sees database types. Keys are the
// composite student-scoped patterns in keys.go; values are JSON. Every
// write carries a TTL so retention is enforced by the store itself rather
// than by sweeper jobs.
//
// One process opens exactly one store. In serve mode the triage and mastery
// services share the instance through the Dependencies struct.
package statestore

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors. The badger adapter maps engine errors onto these so
// callers never import the engine package.
var (
	// ErrNotFound is returned by reads of absent or expired keys.
	ErrNotFound = errors.New("statestore: key not found")

	// ErrCASMismatch is returned by CompareAndSwap when the current value
	// does not match the expectation.
	ErrCASMismatch = errors.New("statestore: compare-and-swap mismatch")

	// ErrConflict is returned when a transaction lost a commit race.
	// Callers retry with fresh reads; the aggregator retries up to its
	// attempt budget before surfacing a conflict fault.
	ErrConflict = errors.New("statestore: transaction conflict")
)

// Entry is one key/value pair from a prefix scan.
type Entry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Txn is the view handed to Update closures. All operations apply
// atomically when the closure returns nil.
type Txn interface {
	// Get returns the value under key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Put stores value under key. ttl zero means no expiry.
	Put(key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
}

// Store is the persistence contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// MultiGet reads many keys in one snapshot. Absent keys are simply
	// missing from the result; no error is returned for them.
	MultiGet(ctx context.Context, keys []string) (map[string][]byte, error)

	// Put stores value under key with the given TTL (zero = no expiry).
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CompareAndSwap writes next only when the current value equals
	// expected byte-for-byte. A nil expected means the key must not
	// exist. Returns ErrCASMismatch otherwise.
	CompareAndSwap(ctx context.Context, key string, expected, next []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ScanPrefix returns every live entry under prefix in key order.
	ScanPrefix(ctx context.Context, prefix string) ([]Entry, error)

	// Update runs fn in one read-write transaction. Everything fn did is
	// committed when it returns nil, discarded otherwise. A lost commit
	// race returns ErrConflict.
	Update(ctx context.Context, fn func(Txn) error) error

	// Ping verifies the store can serve requests. Used by readiness
	// probes.
	Ping(ctx context.Context) error

	// Close releases the store. Further calls fail.
	Close() error
}
