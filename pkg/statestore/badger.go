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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/KodiakLearn/pkg/logging"
)

// Config holds the badger store configuration.
type Config struct {
	// Path is the badger directory. The literal ":memory:" selects
	// in-memory mode, as does InMemory.
	Path string

	// InMemory disables disk persistence. Data is lost on Close.
	InMemory bool

	// SyncWrites makes every commit durable before returning. On for
	// production, off for tests.
	SyncWrites bool

	// Logger receives badger's internal messages. Nil disables them.
	Logger *logging.Logger

	// NumVersionsToKeep per key. The store never reads old versions.
	NumVersionsToKeep int

	// GCInterval is the value-log GC cadence. Zero disables GC; it is
	// always disabled in memory mode.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage fraction that triggers a rewrite.
	GCDiscardRatio float64

	// Observe, when set, receives the duration of every store operation.
	// The services bind it to their store-op histograms.
	Observe func(op string, d time.Duration)
}

// DefaultConfig returns production settings for the given directory.
func DefaultConfig(path string) Config {
	return Config{
		Path:              path,
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
	}
}

// InMemoryConfig returns test settings: no disk, no sync, no GC.
func InMemoryConfig() Config {
	return Config{
		InMemory:          true,
		SyncWrites:        false,
		NumVersionsToKeep: 1,
	}
}

// badgerLogger adapts our logger to badger's printf-style interface.
type badgerLogger struct {
	logger *logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

// BadgerStore implements Store on badger v4.
//
// # Thread Safety
//
// Safe for concurrent use; badger transactions provide snapshot isolation
// and Update surfaces commit races as ErrConflict.
type BadgerStore struct {
	db      *badger.DB
	gc      *gcRunner
	observe func(op string, d time.Duration)
}

var _ Store = (*BadgerStore)(nil)

// Open opens (and for persistent mode, creates) the store. The caller owns
// the returned store and must Close it.
func Open(cfg Config) (*BadgerStore, error) {
	inMemory := cfg.InMemory || cfg.Path == ":memory:"
	if !inMemory && cfg.Path == "" {
		return nil, errors.New("statestore: path required for persistent store")
	}

	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.NumVersionsToKeep > 0 {
		opts = opts.WithNumVersionsToKeep(cfg.NumVersionsToKeep)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	store := &BadgerStore{db: db, observe: cfg.Observe}
	if store.observe == nil {
		store.observe = func(string, time.Duration) {}
	}

	if cfg.GCInterval > 0 && !inMemory {
		store.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		store.gc.Start()
	}
	return store, nil
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer s.observed("get")()

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("statestore get %s: %w", key, err)
	}
	return value, nil
}

// MultiGet implements Store. All keys are read from one snapshot.
func (s *BadgerStore) MultiGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer s.observed("multiget")()

	found := make(map[string][]byte, len(keys))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			item, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			found[key] = value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("statestore multiget: %w", err)
	}
	return found, nil
}

// Put implements Store.
func (s *BadgerStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.observed("put")()

	err := s.db.Update(func(txn *badger.Txn) error {
		return setEntry(txn, key, value, ttl)
	})
	if err != nil {
		return fmt.Errorf("statestore put %s: %w", key, mapBadgerErr(err))
	}
	return nil
}

// CompareAndSwap implements Store. The comparison and write share one
// transaction, so a concurrent writer surfaces as ErrConflict rather than
// a lost update.
func (s *BadgerStore) CompareAndSwap(ctx context.Context, key string, expected, next []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.observed("cas")()

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if expected != nil {
				return ErrCASMismatch
			}
		case err != nil:
			return err
		default:
			if expected == nil {
				return ErrCASMismatch
			}
			current, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !bytes.Equal(current, expected) {
				return ErrCASMismatch
			}
		}
		return setEntry(txn, key, next, ttl)
	})
	if errors.Is(err, ErrCASMismatch) {
		return ErrCASMismatch
	}
	if err != nil {
		return fmt.Errorf("statestore cas %s: %w", key, mapBadgerErr(err))
	}
	return nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.observed("delete")()

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("statestore delete %s: %w", key, mapBadgerErr(err))
	}
	return nil
}

// ScanPrefix implements Store. Badger iterates in key order, so the result
// is already sorted.
func (s *BadgerStore) ScanPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer s.observed("scan")()

	var entries []Entry
	prefixBytes := []byte(prefix)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixBytes

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{
				Key:   string(item.KeyCopy(nil)),
				Value: value,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("statestore scan %s: %w", prefix, err)
	}
	return entries, nil
}

// Update implements Store.
func (s *BadgerStore) Update(ctx context.Context, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.observed("update")()

	err := s.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
	if errors.Is(err, badger.ErrConflict) {
		return ErrConflict
	}
	// fn errors pass through untouched so sentinel checks keep working.
	return err
}

// Ping implements Store.
func (s *BadgerStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return errors.New("statestore: closed")
	}
	return s.db.View(func(*badger.Txn) error { return nil })
}

// Close stops GC and closes badger. In-memory data is discarded.
func (s *BadgerStore) Close() error {
	if s.gc != nil {
		s.gc.Stop()
	}
	return s.db.Close()
}

// observed returns a closure that reports the operation duration when
// deferred.
func (s *BadgerStore) observed(op string) func() {
	start := time.Now()
	return func() { s.observe(op, time.Since(start)) }
}

// =============================================================================
// Transaction Adapter
// =============================================================================

// badgerTxn adapts *badger.Txn to the Txn interface.
type badgerTxn struct {
	txn *badger.Txn
}

var _ Txn = (*badgerTxn)(nil)

func (t *badgerTxn) Get(key string) ([]byte, error) {
	item, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *badgerTxn) Put(key string, value []byte, ttl time.Duration) error {
	return setEntry(t.txn, key, value, ttl)
}

func (t *badgerTxn) Delete(key string) error {
	return t.txn.Delete([]byte(key))
}

// =============================================================================
// Helpers
// =============================================================================

func setEntry(txn *badger.Txn, key string, value []byte, ttl time.Duration) error {
	entry := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	return txn.SetEntry(entry)
}

func mapBadgerErr(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return ErrConflict
	}
	return err
}

// =============================================================================
// Value-Log GC Runner
// =============================================================================

// gcRunner triggers badger value-log GC on a ticker. Badger never reclaims
// value-log space on its own; without this, a long-lived store only grows.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *logging.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *logging.Logger) *gcRunner {
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	r := &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	return r
}

// Start launches the GC loop.
func (r *gcRunner) Start() {
	go r.run()
}

// Stop halts GC and waits for the loop to exit. Safe to call once.
func (r *gcRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *gcRunner) runGC() {
	// Repeat while rewrites happen; each call reclaims at most one file.
	for {
		err := r.db.RunValueLogGC(r.ratio)
		if err == nil {
			if r.logger != nil {
				r.logger.Debug("value log GC reclaimed a file")
			}
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) && r.logger != nil {
			r.logger.Warn("value log GC error", "error", err)
		}
		return
	}
}
