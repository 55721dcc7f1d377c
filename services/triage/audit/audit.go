// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit carries every routing decision off the request path.
//
// The router hands completed TriageAudit records to a Sink and moves on;
// everything past that point is asynchronous. The production sink is the
// Emitter: a bounded queue feeding a publisher goroutine that appends to
// the audit stream, with a drop-oldest overflow ring when the queue is full
// and a JSONL disk spill when the stream itself is down. A websocket Hub
// fans the same records out to live admin subscribers.
//
// Audit failures never propagate to the student: a lost audit is a counted
// drop, not an error.
package audit

import "github.com/AleutianAI/KodiakLearn/pkg/schema"

// Sink accepts one completed audit record. Implementations must not block;
// the router calls Emit on the request path.
type Sink interface {
	Emit(a *schema.TriageAudit)
}

// NopSink discards every record. Used where auditing is disabled.
type NopSink struct{}

func (NopSink) Emit(*schema.TriageAudit) {}
