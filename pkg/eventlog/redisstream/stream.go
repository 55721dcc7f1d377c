// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package redisstream implements the eventlog contract on Redis Streams.
//
// Each topic is one stream. Entries hold the record under a single "payload"
// field; entry IDs are the native "<ms>-<seq>" stream IDs, which makes
// time-based retention a MINID trim. Consumer-group semantics (pending
// entry list, delivery counts, XAUTOCLAIM-style takeover via XPENDING +
// XCLAIM) map directly onto the at-least-once contract the mastery engine
// needs.
//
// # Thread Safety
//
// Log is safe for concurrent use; go-redis manages its own connection pool.
package redisstream

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/KodiakLearn/pkg/eventlog"
	"github.com/AleutianAI/KodiakLearn/pkg/logging"
)

// payloadField is the single stream-entry field holding the record body.
const payloadField = "payload"

// Config configures a Log.
type Config struct {
	// Addr is the Redis host:port.
	Addr string

	// Group is the consumer group name. Required for Fetch/Ack/Reclaim;
	// publish-only users (the triage router) may leave it empty.
	Group string

	// Consumer is this process's name within the group. Defaults to
	// "kodiak-{hostname}-{random}" so parallel replicas never collide.
	Consumer string

	// Logger for connection and group lifecycle events. Defaults to the
	// package default logger.
	Logger *logging.Logger
}

// Log is the Redis Streams event log.
type Log struct {
	client   *redis.Client
	group    string
	consumer string
	logger   *logging.Logger
}

var _ eventlog.Log = (*Log)(nil)

// Open dials addr and returns a ready Log. The connection is not verified
// here; call Ping or let the readiness probe do it.
func Open(cfg Config) (*Log, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redisstream: addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	return Wrap(client, cfg), nil
}

// Wrap builds a Log over an existing client. The caller keeps ownership of
// nothing: Close closes the client. Tests use this with a miniredis-backed
// client.
func Wrap(client *redis.Client, cfg Config) *Log {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	consumer := cfg.Consumer
	if consumer == "" {
		consumer = defaultConsumerName()
	}
	return &Log{
		client:   client,
		group:    cfg.Group,
		consumer: consumer,
		logger:   logger,
	}
}

// defaultConsumerName is unique per process so replicas sharing a group
// divide work instead of stealing deliveries from each other.
func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("kodiak-%s-%s", host, uuid.NewString()[:8])
}

// Consumer returns the group member name this Log reads as.
func (l *Log) Consumer() string { return l.consumer }

// =============================================================================
// Publisher
// =============================================================================

// Publish appends payload to topic and returns the assigned stream ID.
func (l *Log) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redisstream: publish to %s: %w", topic, err)
	}
	return id, nil
}

// =============================================================================
// Consumer
// =============================================================================

// EnsureGroup creates the consumer group at the start of the stream,
// creating the stream itself if needed. An already-existing group is fine.
func (l *Log) EnsureGroup(ctx context.Context, topic string) error {
	if l.group == "" {
		return fmt.Errorf("redisstream: consumer group not configured")
	}
	err := l.client.XGroupCreateMkStream(ctx, topic, l.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("redisstream: create group %s on %s: %w", l.group, topic, err)
	}
	if err == nil {
		l.logger.Info("consumer group created", "topic", topic, "group", l.group)
	}
	return nil
}

// isBusyGroup matches the reply for a group that already exists.
func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// Fetch reads up to count fresh entries for this consumer, blocking up to
// block. A non-positive block means return immediately.
func (l *Log) Fetch(ctx context.Context, topic string, count int64, block time.Duration) ([]eventlog.Message, error) {
	// go-redis sends BLOCK whenever the field is >= 0, and BLOCK 0 means
	// wait forever. Map "no blocking" to a negative value explicitly so a
	// zero-value block can never hang a worker.
	if block <= 0 {
		block = -1
	}
	streams, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    l.group,
		Consumer: l.consumer,
		Streams:  []string{topic, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstream: fetch from %s: %w", topic, err)
	}

	var msgs []eventlog.Message
	for _, stream := range streams {
		for _, m := range stream.Messages {
			payload, ok := entryPayload(m)
			if !ok {
				// Foreign entry without our payload field. Ack it so
				// it never clogs the pending list.
				l.logger.Warn("skipping stream entry without payload field",
					"topic", topic, "id", m.ID)
				_ = l.client.XAck(ctx, topic, l.group, m.ID).Err()
				continue
			}
			msgs = append(msgs, eventlog.Message{
				ID:         m.ID,
				Topic:      topic,
				Payload:    payload,
				Deliveries: 1,
			})
		}
	}
	return msgs, nil
}

// Ack marks entries as processed.
func (l *Log) Ack(ctx context.Context, topic string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := l.client.XAck(ctx, topic, l.group, ids...).Err(); err != nil {
		return fmt.Errorf("redisstream: ack on %s: %w", topic, err)
	}
	return nil
}

// Reclaim takes over entries pending longer than minIdle, up to count.
// Delivery counts come from the pending list and include the takeover
// itself, so a caller comparing against a max-deliveries bound sees the
// number of processing attempts this entry is about to have had.
func (l *Log) Reclaim(ctx context.Context, topic string, minIdle time.Duration, count int64) ([]eventlog.Message, error) {
	pending, err := l.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: topic,
		Group:  l.group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err == redis.Nil || len(pending) == 0 {
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("redisstream: pending scan on %s: %w", topic, err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstream: pending scan on %s: %w", topic, err)
	}

	// Idle filtering happens here rather than through the IDLE option so
	// the delivery counts and the claim set come from the same snapshot.
	deliveries := make(map[string]int64, len(pending))
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Idle < minIdle {
			continue
		}
		ids = append(ids, p.ID)
		deliveries[p.ID] = p.RetryCount
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimed, err := l.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   topic,
		Group:    l.group,
		Consumer: l.consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redisstream: claim on %s: %w", topic, err)
	}

	var msgs []eventlog.Message
	for _, m := range claimed {
		payload, ok := entryPayload(m)
		if !ok {
			_ = l.client.XAck(ctx, topic, l.group, m.ID).Err()
			continue
		}
		msgs = append(msgs, eventlog.Message{
			ID:         m.ID,
			Topic:      topic,
			Payload:    payload,
			Deliveries: deliveries[m.ID] + 1,
		})
	}
	return msgs, nil
}

// Lag reports the group's unconsumed entry count for topic. Redis 7 exposes
// exact lag through XINFO GROUPS; on servers without it (and in miniredis
// tests) the stream length is returned as an upper bound.
func (l *Log) Lag(ctx context.Context, topic string) (int64, error) {
	groups, err := l.client.XInfoGroups(ctx, topic).Result()
	if err == nil {
		for _, g := range groups {
			if g.Name == l.group {
				return g.Lag, nil
			}
		}
		// Group not created yet: everything in the stream is unread.
	}
	n, lenErr := l.client.XLen(ctx, topic).Result()
	if lenErr != nil {
		return 0, fmt.Errorf("redisstream: lag for %s: %w", topic, lenErr)
	}
	return n, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Ping verifies the Redis connection.
func (l *Log) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redisstream: ping: %w", err)
	}
	return nil
}

// Close releases the client and its pool.
func (l *Log) Close() error {
	return l.client.Close()
}

// entryPayload extracts the payload field from a stream entry.
func entryPayload(m redis.XMessage) ([]byte, bool) {
	v, ok := m.Values[payloadField]
	if !ok {
		return nil, false
	}
	s, ok := v.(string)
	if !ok {
		return nil, false
	}
	return []byte(s), true
}
