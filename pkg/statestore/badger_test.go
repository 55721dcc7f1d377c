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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutGet_RoundTrip(t *testing.T) {
	store := openTest(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "student:s1:profile:current", []byte(`{"date":"2026-01-15"}`), TTLProfile))

	value, err := store.Get(ctx, "student:s1:profile:current")
	require.NoError(t, err)
	assert.Equal(t, `{"date":"2026-01-15"}`, string(value))
}

func TestGet_NotFound(t *testing.T) {
	store := openTest(t)

	_, err := store.Get(context.Background(), "student:absent:profile:current")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCompareAndSwap_CreateOnlyWhenAbsent(t *testing.T) {
	store := openTest(t)
	ctx := context.Background()
	key := "student:s1:idempotency:0123456789abcdef0123456789abcdef"

	require.NoError(t, store.CompareAndSwap(ctx, key, nil, []byte("first"), TTLIdempotency))

	err := store.CompareAndSwap(ctx, key, nil, []byte("second"), TTLIdempotency)
	require.ErrorIs(t, err, ErrCASMismatch)

	value, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "first", string(value), "losing CAS must not overwrite")
}

func TestCompareAndSwap_SwapOnMatch(t *testing.T) {
	store := openTest(t)
	ctx := context.Background()
	key := "student:s1:mastery:2026-01-15"

	require.NoError(t, store.Put(ctx, key, []byte("v1"), 0))
	require.NoError(t, store.CompareAndSwap(ctx, key, []byte("v1"), []byte("v2"), 0))

	value, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(value))

	err = store.CompareAndSwap(ctx, key, []byte("v1"), []byte("v3"), 0)
	require.ErrorIs(t, err, ErrCASMismatch)

	err = store.CompareAndSwap(ctx, "student:s1:mastery:2026-01-16", []byte("v1"), []byte("v2"), 0)
	require.ErrorIs(t, err, ErrCASMismatch, "expected value on an absent key must mismatch")
}

func TestDelete(t *testing.T) {
	store := openTest(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("v"), 0))
	require.NoError(t, store.Delete(ctx, "k"))

	_, err := store.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Delete(ctx, "k"), "deleting an absent key is not an error")
}

func TestMultiGet_SkipsAbsentKeys(t *testing.T) {
	store := openTest(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "student:s1:mastery:2026-01-14", []byte("a"), 0))
	require.NoError(t, store.Put(ctx, "student:s1:mastery:2026-01-16", []byte("b"), 0))

	found, err := store.MultiGet(ctx, []string{
		"student:s1:mastery:2026-01-14",
		"student:s1:mastery:2026-01-15", // absent
		"student:s1:mastery:2026-01-16",
	})
	require.NoError(t, err)

	assert.Len(t, found, 2)
	assert.Equal(t, "a", string(found["student:s1:mastery:2026-01-14"]))
	assert.Equal(t, "b", string(found["student:s1:mastery:2026-01-16"]))
	assert.NotContains(t, found, "student:s1:mastery:2026-01-15")
}

func TestScanPrefix_SortedAndScoped(t *testing.T) {
	store := openTest(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "student:s1:mastery:2026-01-16", []byte("later"), 0))
	require.NoError(t, store.Put(ctx, "student:s1:mastery:2026-01-14", []byte("earlier"), 0))
	require.NoError(t, store.Put(ctx, "student:s1:profile:current", []byte("ptr"), 0))
	require.NoError(t, store.Put(ctx, "student:s2:mastery:2026-01-14", []byte("other student"), 0))

	entries, err := store.ScanPrefix(ctx, "student:s1:mastery:")
	require.NoError(t, err)

	require.Len(t, entries, 2)
	assert.Equal(t, "student:s1:mastery:2026-01-14", entries[0].Key)
	assert.Equal(t, "student:s1:mastery:2026-01-16", entries[1].Key)
}

func TestScanPrefix_Empty(t *testing.T) {
	store := openTest(t)

	entries, err := store.ScanPrefix(context.Background(), "student:nobody:")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUpdate_AtomicCommit(t *testing.T) {
	store := openTest(t)
	ctx := context.Background()

	err := store.Update(ctx, func(tx Txn) error {
		if err := tx.Put("a", []byte("1"), 0); err != nil {
			return err
		}
		return tx.Put("b", []byte("2"), 0)
	})
	require.NoError(t, err)

	for key, want := range map[string]string{"a": "1", "b": "2"} {
		value, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, string(value))
	}
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	store := openTest(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.Update(ctx, func(tx Txn) error {
		if err := tx.Put("a", []byte("1"), 0); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom, "fn errors must pass through unwrapped")

	_, err = store.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound, "failed transaction must write nothing")
}

func TestUpdate_TxnGetMapsNotFound(t *testing.T) {
	store := openTest(t)

	err := store.Update(context.Background(), func(tx Txn) error {
		_, err := tx.Get("absent")
		if !errors.Is(err, ErrNotFound) {
			return errors.New("expected ErrNotFound inside transaction")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestUpdate_CommitRaceSurfacesConflict(t *testing.T) {
	store := openTest(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "counter", []byte("0"), 0))

	firstRead := make(chan struct{})
	secondDone := make(chan struct{})
	errCh := make(chan error, 1)

	go func() {
		errCh <- store.Update(ctx, func(tx Txn) error {
			if _, err := tx.Get("counter"); err != nil {
				return err
			}
			close(firstRead)
			<-secondDone
			return tx.Put("counter", []byte("first"), 0)
		})
	}()

	<-firstRead
	require.NoError(t, store.Update(ctx, func(tx Txn) error {
		return tx.Put("counter", []byte("second"), 0)
	}))
	close(secondDone)

	require.ErrorIs(t, <-errCh, ErrConflict)
}

func TestPing(t *testing.T) {
	store := openTest(t)
	require.NoError(t, store.Ping(context.Background()))
}

func TestPing_AfterClose(t *testing.T) {
	store, err := Open(InMemoryConfig())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	require.Error(t, store.Ping(context.Background()))
}

func TestOpen_MemorySentinelPath(t *testing.T) {
	store, err := Open(Config{Path: ":memory:"})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(context.Background(), "k", []byte("v"), 0))
}

func TestOpen_PersistentSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0 // no GC goroutine in tests

	store, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "durable", []byte("yes"), 0))
	require.NoError(t, store.Close())

	reopened, err := Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	value, err := reopened.Get(ctx, "durable")
	require.NoError(t, err)
	assert.Equal(t, "yes", string(value))
}

func TestOpen_PathRequired(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestObserveHook_ReceivesOperations(t *testing.T) {
	var ops []string
	cfg := InMemoryConfig()
	cfg.Observe = func(op string, d time.Duration) { ops = append(ops, op) }

	store, err := Open(cfg)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "k", []byte("v"), 0))
	_, _ = store.Get(ctx, "k")
	_, _ = store.ScanPrefix(ctx, "k")

	assert.Equal(t, []string{"put", "get", "scan"}, ops)
}

func TestContextCancellation(t *testing.T) {
	store := openTest(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Get(ctx, "k")
	require.ErrorIs(t, err, context.Canceled)

	err = store.Put(ctx, "k", []byte("v"), 0)
	require.ErrorIs(t, err, context.Canceled)
}
