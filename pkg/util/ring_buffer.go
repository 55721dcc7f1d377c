// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package util holds small shared data structures with no domain knowledge.
package util

import "sync"

// RingBuffer is a thread-safe fixed-capacity queue that drops the oldest
// item when full.
//
// # Description
//
// The audit emitter and similar producers use it as an overflow buffer:
// producers never block, memory stays bounded, and every dropped item is
// counted so the loss is observable.
//
// # Thread Safety
//
// All methods are safe for concurrent use; operations are mutex-protected.
type RingBuffer[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	size    int
	dropped uint64
}

// NewRingBuffer creates an empty buffer holding up to capacity items.
// Panics if capacity is not positive.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		panic("util: ring buffer capacity must be positive")
	}
	return &RingBuffer[T]{items: make([]T, capacity)}
}

// Push appends an item, evicting the oldest when the buffer is full.
// It reports whether an eviction happened.
func (r *RingBuffer[T]) Push(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.size) % len(r.items)
	r.items[tail] = item
	if r.size == len(r.items) {
		r.head = (r.head + 1) % len(r.items)
		r.dropped++
		return true
	}
	r.size++
	return false
}

// PopN removes and returns up to n of the oldest items, oldest first.
func (r *RingBuffer[T]) PopN(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, 0, n)
	var zero T
	for i := 0; i < n; i++ {
		out = append(out, r.items[r.head])
		r.items[r.head] = zero
		r.head = (r.head + 1) % len(r.items)
		r.size--
	}
	return out
}

// Drain removes and returns everything in the buffer, oldest first.
func (r *RingBuffer[T]) Drain() []T {
	r.mu.Lock()
	n := r.size
	r.mu.Unlock()
	return r.PopN(n)
}

// Len returns the number of buffered items.
func (r *RingBuffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Dropped returns the total number of items evicted since creation.
func (r *RingBuffer[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
