// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package eventlog defines the append-only log abstraction between the triage
// router (producer) and the mastery engine (consumer).
//
// The log is topic-structured: learning events are spread over a fixed set of
// partition topics so that every event for one student lands on the same
// partition and is consumed in append order. Audit records and dead letters
// each get a single unpartitioned topic.
//
// The concrete transport lives in the redisstream subpackage; everything in
// this package is transport-neutral so tests and future backends can swap in.
package eventlog

import (
	"context"
	"hash/fnv"
	"strconv"
	"time"
)

// =============================================================================
// Topics
// =============================================================================

const (
	// TopicAudits carries TriageAudit records, one per routing decision.
	TopicAudits = "learning.audits"

	// TopicDeadLetter carries events the consumer permanently gave up on.
	TopicDeadLetter = "learning.deadletter"

	// eventsTopicPrefix is completed with a partition ordinal, so partition
	// 3 of 8 is "learning.events.p3".
	eventsTopicPrefix = "learning.events.p"
)

// EventsTopic names the learning-event topic for one partition ordinal.
func EventsTopic(partition int) string {
	return eventsTopicPrefix + strconv.Itoa(partition)
}

// EventsTopics lists all learning-event topics for a partition count, in
// ordinal order. Used by the consumer to spawn one worker per partition and
// by the retention sweeper to trim every partition.
func EventsTopics(partitions int) []string {
	topics := make([]string, 0, partitions)
	for p := 0; p < partitions; p++ {
		topics = append(topics, EventsTopic(p))
	}
	return topics
}

// Partition maps a student identity to a partition ordinal. The hash is
// FNV-1a over the raw identity bytes, so the assignment is stable across
// processes and restarts; changing it would break per-student ordering for
// in-flight events.
func Partition(studentIdentity string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(studentIdentity))
	return int(h.Sum32() % uint32(partitions))
}

// =============================================================================
// Messages
// =============================================================================

// Message is one consumed log entry.
type Message struct {
	// ID is the backend-assigned offset identifier, unique and ascending
	// within a topic. Pass it back to Ack.
	ID string

	// Topic the entry was read from.
	Topic string

	// Payload is the opaque record body as published.
	Payload []byte

	// Deliveries counts how many times this entry has been handed to a
	// consumer, including the current delivery. Fresh reads are 1;
	// reclaimed entries carry their pending retry count.
	Deliveries int64
}

// =============================================================================
// Interfaces
// =============================================================================

// Publisher appends records to a topic.
//
// Publish returns the assigned entry ID. Implementations must be safe for
// concurrent use; the triage router publishes audits from its emitter
// goroutine while handlers publish nothing, but the mastery consumer
// publishes dead letters from several partition workers at once.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (string, error)
}

// Consumer reads one topic on behalf of a consumer group.
//
// The contract is explicit acknowledgement: entries returned by Fetch or
// Reclaim stay pending until Ack. A consumer that crashes mid-batch leaves
// its entries pending, and another instance picks them up through Reclaim.
type Consumer interface {
	// EnsureGroup creates the consumer group on the topic if it does not
	// exist yet. Safe to call repeatedly.
	EnsureGroup(ctx context.Context, topic string) error

	// Fetch returns up to count never-delivered entries, waiting up to
	// block for at least one to arrive. An empty slice with a nil error
	// means the wait timed out.
	Fetch(ctx context.Context, topic string, count int64, block time.Duration) ([]Message, error)

	// Ack marks entries as done. Acknowledging an unknown ID is not an
	// error.
	Ack(ctx context.Context, topic string, ids ...string) error

	// Reclaim takes over entries that have been pending longer than
	// minIdle, typically because their original consumer died. Returned
	// messages carry their cumulative delivery count so callers can
	// dead-letter entries that keep failing.
	Reclaim(ctx context.Context, topic string, minIdle time.Duration, count int64) ([]Message, error)

	// Lag reports how many entries the group has not consumed yet. On
	// backends that cannot compute exact group lag the value degrades to
	// an upper bound (total topic length).
	Lag(ctx context.Context, topic string) (int64, error)
}

// Log combines both halves plus lifecycle, which is what the concrete
// backends implement.
type Log interface {
	Publisher
	Consumer

	// Ping verifies the backend is reachable. Used by readiness probes.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}
