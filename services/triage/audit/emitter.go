// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/KodiakLearn/pkg/eventlog"
	"github.com/AleutianAI/KodiakLearn/pkg/logging"
	"github.com/AleutianAI/KodiakLearn/pkg/schema"
	"github.com/AleutianAI/KodiakLearn/pkg/util"
)

// overflowDrainBatch bounds how many overflow records one tick republishes.
const overflowDrainBatch = 64

// EmitterConfig tunes the asynchronous pipeline.
type EmitterConfig struct {
	// QueueSize is the bounded channel between Emit and the publisher.
	// The overflow ring gets the same capacity. Default 1024.
	QueueSize int

	// SpillDir enables the disk spill when set.
	SpillDir string

	// SpillMaxBytes caps the spill directory. Default DefaultSpillMaxBytes.
	SpillMaxBytes int64

	// FlushInterval paces overflow draining and spill recovery. Default 1s.
	FlushInterval time.Duration

	// PublishTimeout bounds each stream append. Default 2s.
	PublishTimeout time.Duration
}

func (c EmitterConfig) withDefaults() EmitterConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.SpillMaxBytes <= 0 {
		c.SpillMaxBytes = DefaultSpillMaxBytes
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	return c
}

// Stats is a snapshot of the emitter counters. Emitted covers every Emit
// call; Published, Spilled, and Dropped partition their fates; Recovered
// counts spilled records that later reached the stream (also counted in
// Published).
type Stats struct {
	Emitted   uint64
	Published uint64
	Dropped   uint64
	Spilled   uint64
	Recovered uint64
}

// Emitter is the production Sink: Emit enqueues without blocking, a single
// publisher goroutine appends to the audit stream, overflow goes to a
// drop-oldest ring, and publish failures go to the disk spill. A recovery
// pass drains the spill once publishing works again.
//
// # Thread Safety
//
// Emit is safe for concurrent use. Run must be called exactly once.
type Emitter struct {
	pub      eventlog.Publisher
	cfg      EmitterConfig
	queue    chan *schema.TriageAudit
	overflow *util.RingBuffer[*schema.TriageAudit]
	spill    *SpillQueue
	hub      *Hub
	logger   *logging.Logger

	healthy atomic.Bool

	emitted   atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
	spilled   atomic.Uint64
	recovered atomic.Uint64
}

var _ Sink = (*Emitter)(nil)

// NewEmitter builds the pipeline. The spill queue is created eagerly so a
// misconfigured directory fails at startup, not during the first outage.
func NewEmitter(pub eventlog.Publisher, cfg EmitterConfig, logger *logging.Logger) (*Emitter, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.Default()
	}

	e := &Emitter{
		pub:      pub,
		cfg:      cfg,
		queue:    make(chan *schema.TriageAudit, cfg.QueueSize),
		overflow: util.NewRingBuffer[*schema.TriageAudit](cfg.QueueSize),
		logger:   logger,
	}
	if cfg.SpillDir != "" {
		spill, err := NewSpillQueue(cfg.SpillDir, cfg.SpillMaxBytes)
		if err != nil {
			return nil, err
		}
		e.spill = spill
	}

	// healthy only gates the outage log line, not recovery attempts.
	e.healthy.Store(true)
	return e, nil
}

// AttachHub wires the live websocket fan-out. Call before Run.
func (e *Emitter) AttachHub(h *Hub) { e.hub = h }

// Emit queues a for publication and returns immediately. When the queue is
// full the record goes to the overflow ring; the ring evicting its oldest
// entry is a counted drop.
func (e *Emitter) Emit(a *schema.TriageAudit) {
	if a == nil {
		return
	}
	e.emitted.Add(1)

	if e.hub != nil {
		e.hub.Broadcast(a)
	}

	select {
	case e.queue <- a:
	default:
		if evicted := e.overflow.Push(a); evicted {
			e.dropped.Add(1)
		}
	}
}

// Run is the publisher loop. It returns nil once ctx ends and the backlog
// has been flushed to the spill.
func (e *Emitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdownFlush()
			return nil
		case a := <-e.queue:
			e.publish(ctx, a)
		case <-ticker.C:
			e.drainOverflow(ctx)
			e.recoverSpill(ctx)
		}
	}
}

// Stats snapshots the counters for metrics scraping.
func (e *Emitter) Stats() Stats {
	return Stats{
		Emitted:   e.emitted.Load(),
		Published: e.published.Load(),
		Dropped:   e.dropped.Load(),
		Spilled:   e.spilled.Load(),
		Recovered: e.recovered.Load(),
	}
}

// Backlog reports records waiting in the queue and overflow ring.
func (e *Emitter) Backlog() int {
	return len(e.queue) + e.overflow.Len()
}

func (e *Emitter) publish(ctx context.Context, a *schema.TriageAudit) {
	payload, err := json.Marshal(a)
	if err != nil {
		e.dropped.Add(1)
		e.logger.Error("audit marshal failed", "request_id", a.RequestID, "error", err)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, e.cfg.PublishTimeout)
	_, err = e.pub.Publish(pctx, eventlog.TopicAudits, payload)
	cancel()

	if err == nil {
		e.healthy.Store(true)
		e.published.Add(1)
		return
	}
	if e.healthy.Swap(false) {
		e.logger.Warn("audit stream unavailable, spilling to disk", "error", err)
	}
	e.spillLine(payload, a.RequestID)
}

func (e *Emitter) spillLine(payload []byte, requestID string) {
	if e.spill == nil {
		e.dropped.Add(1)
		return
	}
	if err := e.spill.Append(payload); err != nil {
		e.dropped.Add(1)
		e.logger.Error("audit spill failed", "request_id", requestID, "error", err)
		return
	}
	e.spilled.Add(1)
}

func (e *Emitter) drainOverflow(ctx context.Context) {
	for {
		batch := e.overflow.PopN(overflowDrainBatch)
		if len(batch) == 0 {
			return
		}
		for _, a := range batch {
			e.publish(ctx, a)
		}
	}
}

// recoverSpill republishes at most one spilled segment per tick, oldest
// first. A failed republish rewrites the untouched remainder in place, so
// the attempt doubles as the health probe during an outage.
func (e *Emitter) recoverSpill(ctx context.Context) {
	if e.spill == nil {
		return
	}

	n, err := e.spill.DrainOldest(func(line []byte) error {
		pctx, cancel := context.WithTimeout(ctx, e.cfg.PublishTimeout)
		defer cancel()
		_, perr := e.pub.Publish(pctx, eventlog.TopicAudits, line)
		return perr
	})
	if n > 0 {
		e.healthy.Store(true)
		e.recovered.Add(uint64(n))
		e.published.Add(uint64(n))
	}
	if err != nil {
		e.healthy.Store(false)
		e.logger.Debug("audit spill recovery interrupted", "republished", n, "error", err)
	}
}

// shutdownFlush moves everything still queued onto the spill so a restart
// can recover it. Without a spill directory the backlog is counted dropped.
func (e *Emitter) shutdownFlush() {
	var rest []*schema.TriageAudit
draining:
	for {
		select {
		case a := <-e.queue:
			rest = append(rest, a)
		default:
			break draining
		}
	}
	rest = append(rest, e.overflow.Drain()...)

	for _, a := range rest {
		payload, err := json.Marshal(a)
		if err != nil {
			e.dropped.Add(1)
			continue
		}
		e.spillLine(payload, a.RequestID)
	}
	if e.spill != nil {
		if err := e.spill.Close(); err != nil {
			e.logger.Warn("audit spill close failed", "error", err)
		}
	}

	s := e.Stats()
	e.logger.Info("audit emitter stopped",
		"emitted", s.Emitted, "published", s.Published,
		"spilled", s.Spilled, "dropped", s.Dropped)
}
