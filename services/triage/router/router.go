// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package router binds the triage pipeline: validate, authorize, dedupe,
// rate-limit, classify, pick a target, invoke it, audit the decision.
//
// The router holds no per-request state. Every stage result lands in the
// request's audit record, which is emitted asynchronously on every exit
// path that represents a decision; audit failures never reach the caller.
//
// # Thread Safety
//
// Safe for concurrent use. All mutable state lives in the injected
// collaborators, each of which guards its own.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/KodiakLearn/pkg/faults"
	"github.com/AleutianAI/KodiakLearn/pkg/identity"
	"github.com/AleutianAI/KodiakLearn/pkg/logging"
	"github.com/AleutianAI/KodiakLearn/pkg/schema"
	"github.com/AleutianAI/KodiakLearn/pkg/statestore"
	"github.com/AleutianAI/KodiakLearn/services/triage/audit"
	"github.com/AleutianAI/KodiakLearn/services/triage/classifier"
	"github.com/AleutianAI/KodiakLearn/services/triage/invoke"
	"github.com/AleutianAI/KodiakLearn/services/triage/observability"
	"github.com/AleutianAI/KodiakLearn/services/triage/ratelimit"
)

// DefaultInvokeMethod is the sidecar method every tutor agent answers
// queries on.
const DefaultInvokeMethod = "query"

// pendingSummary marks an idempotency reservation whose invocation has not
// finished. A reservation with a response attached is a completed record.
const pendingSummary = "pending"

// Invoker is the slice of the invocation client the router needs.
type Invoker interface {
	Invoke(ctx context.Context, target schema.AgentID, method string, payload []byte) (*invoke.Result, error)
}

var _ Invoker = (*invoke.Client)(nil)

// intentTargets is the fixed intent -> agent table. The review agent is
// reachable only through the fallback tag.
var intentTargets = map[schema.IntentTag]schema.AgentID{
	schema.IntentSyntaxHelp:         schema.AgentDebug,
	schema.IntentConceptExplanation: schema.AgentConcepts,
	schema.IntentExerciseRequest:    schema.AgentExercise,
	schema.IntentProgressCheck:      schema.AgentProgress,
	schema.IntentReview:             schema.AgentReview,
}

// TargetFor maps a classified intent to its agent. Unknown tags land on the
// review agent, same as the fallback.
func TargetFor(tag schema.IntentTag) schema.AgentID {
	if target, ok := intentTargets[tag]; ok {
		return target
	}
	return schema.AgentReview
}

// highConfidence is the threshold above which a decision is prioritized
// regardless of intent.
const highConfidence = 0.9

// priorityFor buckets a decision. Syntax help is a student stuck on broken
// code right now, so it is always high.
func priorityFor(tag schema.IntentTag, confidence float64) schema.Priority {
	switch {
	case tag == schema.IntentSyntaxHelp:
		return schema.PriorityHigh
	case tag == schema.IntentReview:
		return schema.PriorityLow
	case confidence >= highConfidence:
		return schema.PriorityHigh
	default:
		return schema.PriorityMedium
	}
}

// =============================================================================
// Wire shapes
// =============================================================================

// AgentQuery is the payload forwarded to the selected agent.
type AgentQuery struct {
	RequestID         string                      `json:"request_id"`
	StudentIdentity   string                      `json:"student_identity"`
	Query             string                      `json:"query"`
	IntentTag         schema.IntentTag            `json:"intent_tag"`
	Confidence        float64                     `json:"confidence"`
	ExtractedKeywords []string                    `json:"extracted_keywords,omitempty"`
	Priority          schema.Priority             `json:"priority"`
	Conversation      *schema.ConversationContext `json:"conversation,omitempty"`
	ProgressSnapshot  *schema.ProgressSnapshot    `json:"progress_snapshot,omitempty"`
}

// Response is the routing result returned to the student.
type Response struct {
	TargetAgentID schema.AgentID   `json:"target_agent_id"`
	IntentTag     schema.IntentTag `json:"intent_tag"`
	Confidence    float64          `json:"confidence"`
	AgentResponse json.RawMessage  `json:"agent_response"`
	RequestID     string           `json:"request_id"`
}

// Input is one triage request as the handler hands it over.
type Input struct {
	// Caller is the authenticated identity from the gateway headers.
	Caller *identity.Identity

	// RequestID is the correlation id assigned by the ingress middleware.
	RequestID string

	// IdempotencyKey is the optional 32-hex header value. Empty means the
	// request is not deduplicated.
	IdempotencyKey string

	// Request is the bound body.
	Request *schema.TriageRequest
}

// Outcome carries the serialized response. Body is written verbatim so a
// replay is byte-identical to the original response, original request id
// included.
type Outcome struct {
	Body     []byte
	Response *Response

	// Replayed marks a response served from an idempotency record with no
	// downstream invocation.
	Replayed bool
}

// =============================================================================
// Router
// =============================================================================

// Options wires a Router. Validator, Classifier, Invoker, and Limiter are
// required; Store enables idempotency keys; Audit defaults to the no-op
// sink; Metrics may be nil.
type Options struct {
	Validator  *schema.Validator
	Classifier classifier.Classifier
	Invoker    Invoker
	Limiter    *ratelimit.SlidingWindow
	Store      statestore.Store
	Audit      audit.Sink
	Metrics    *observability.Metrics
	Logger     *logging.Logger

	// InvokeMethod defaults to DefaultInvokeMethod.
	InvokeMethod string
}

// Router is the triage pipeline.
type Router struct {
	validator  *schema.Validator
	classifier classifier.Classifier
	invoker    Invoker
	limiter    *ratelimit.SlidingWindow
	store      statestore.Store
	audit      audit.Sink
	metrics    *observability.Metrics
	logger     *logging.Logger
	method     string

	now func() time.Time
}

// New builds a Router from opts.
func New(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	sink := opts.Audit
	if sink == nil {
		sink = audit.NopSink{}
	}
	method := opts.InvokeMethod
	if method == "" {
		method = DefaultInvokeMethod
	}
	if opts.Store == nil {
		logger.Warn("no state store configured, idempotency keys will be rejected")
	}
	return &Router{
		validator:  opts.Validator,
		classifier: opts.Classifier,
		invoker:    opts.Invoker,
		limiter:    opts.Limiter,
		store:      opts.Store,
		audit:      sink,
		metrics:    opts.Metrics,
		logger:     logger,
		method:     method,
		now:        time.Now,
	}
}

// Route runs the full pipeline for one request.
//
// Stage order: schema validation, caller cross-check, idempotent replay
// lookup, rate limit, reservation, classification, invocation. The replay
// lookup sits before the rate limiter so a keyed retry always gets the
// stored response back; it costs one store read and no invocation. Every
// decision and every rejection after the body parsed is audited; a replay
// is not, because the original decision already was.
func (r *Router) Route(ctx context.Context, in Input) (*Outcome, error) {
	start := r.now()
	req := in.Request

	rec := &schema.TriageAudit{
		RequestID:       in.RequestID,
		StudentIdentity: req.StudentIdentity,
		OriginalQuery:   req.Query,
	}

	// Schema validation, header key included.
	if err := r.validator.ValidateTriageRequest(req, start); err != nil {
		fault := faults.AsFault(err).WithRequestID(in.RequestID)
		rec.ValidationResult = schema.ValidationResult{Errors: fault.Violations}
		r.finish(rec, start, fault)
		return nil, fault
	}
	if in.IdempotencyKey != "" && !schema.ValidIdempotencyKey(in.IdempotencyKey) {
		fault := faults.Validation("idempotency key failed validation",
			"idempotency_key: must be 32 lowercase hex characters").WithRequestID(in.RequestID)
		rec.ValidationResult = schema.ValidationResult{Errors: fault.Violations}
		r.finish(rec, start, fault)
		return nil, fault
	}
	if in.IdempotencyKey != "" && r.store == nil {
		fault := faults.Validation("idempotency keys are not supported on this deployment").
			WithRequestID(in.RequestID)
		r.finish(rec, start, fault)
		return nil, fault
	}
	rec.ValidationResult.SchemaOK = true

	// The body names the student the query is about; the gateway headers
	// name who sent it. They must be the same subject: nobody submits
	// queries on another student's behalf, whatever their role.
	if in.Caller == nil {
		fault := faults.Authentication("no authenticated caller").WithRequestID(in.RequestID)
		r.finish(rec, start, fault)
		return nil, fault
	}
	if in.Caller.Subject != req.StudentIdentity {
		fault := faults.Authorization("student_identity does not match the authenticated caller").
			WithRequestID(in.RequestID)
		rec.ValidationResult.Errors = append(rec.ValidationResult.Errors,
			"student_identity: does not match authenticated caller")
		r.finish(rec, start, fault)
		return nil, fault
	}
	rec.ValidationResult.AuthOK = true

	// Replay lookup. Served before the limiter: a keyed retry gets the
	// stored bytes back even when the window is exhausted, and it never
	// charges the window because nothing downstream runs.
	if in.IdempotencyKey != "" {
		if outcome, err := r.replay(ctx, in); outcome != nil || err != nil {
			return outcome, err
		}
	}

	if decision := r.limiter.Allow(req.StudentIdentity); !decision.Allowed {
		fault := faults.RateLimit(decision.RetryAfter).WithRequestID(in.RequestID)
		if r.metrics != nil {
			r.metrics.RateLimited.Inc()
		}
		r.finish(rec, start, fault)
		return nil, fault
	}

	// Reserve the key so a concurrent duplicate cannot invoke twice. The
	// reservation is released on failure and overwritten with the response
	// on success.
	reserved := false
	if in.IdempotencyKey != "" {
		outcome, err := r.reserve(ctx, in)
		if outcome != nil || err != nil {
			return outcome, err
		}
		reserved = true
	}

	classification := r.classifier.Classify(ctx, req.Query)
	rec.Classification = classification
	if classification.IntentTag == schema.IntentReview && r.metrics != nil {
		r.metrics.ClassifierFallbacks.Inc()
	}

	target := TargetFor(classification.IntentTag)
	priority := priorityFor(classification.IntentTag, classification.Confidence)
	rec.Decision = schema.RoutingDecision{
		TargetAgentID:   target,
		IntentTag:       classification.IntentTag,
		Confidence:      classification.Confidence,
		StudentIdentity: req.StudentIdentity,
		DecisionMetadata: schema.DecisionMetadata{
			Priority: priority,
		},
		DecisionTimestamp: r.now(),
	}

	payload, err := json.Marshal(&AgentQuery{
		RequestID:         in.RequestID,
		StudentIdentity:   req.StudentIdentity,
		Query:             req.Query,
		IntentTag:         classification.IntentTag,
		Confidence:        classification.Confidence,
		ExtractedKeywords: classification.ExtractedKeywords,
		Priority:          priority,
		Conversation:      req.Conversation,
		ProgressSnapshot:  req.ProgressSnapshot,
	})
	if err != nil {
		fault := faults.Internal(fmt.Errorf("marshal agent payload: %w", err)).WithRequestID(in.RequestID)
		r.release(ctx, in, reserved)
		r.finish(rec, start, fault)
		return nil, fault
	}

	result, invokeErr := r.invoker.Invoke(ctx, target, r.method, payload)
	if result != nil {
		rec.Decision.DecisionMetadata.BreakerState = result.BreakerState
		if result.Attempts > 1 {
			rec.Decision.DecisionMetadata.RetryCount = result.Attempts - 1
		}
		rec.InvocationResult = schema.InvocationResult{
			Success:        invokeErr == nil,
			Attempts:       result.Attempts,
			BreakerTripped: result.BreakerState == schema.BreakerOpen,
		}
	}
	if invokeErr != nil {
		fault := faults.AsFault(invokeErr).WithRequestID(in.RequestID)
		if result != nil {
			fault.WithDetail("breaker_state", string(result.BreakerState))
		}
		fault.WithDetail("fallback", "none")
		rec.InvocationResult.ErrorMessage = fault.Error()
		r.release(ctx, in, reserved)
		r.finish(rec, start, fault)
		return nil, fault
	}

	response := &Response{
		TargetAgentID: target,
		IntentTag:     classification.IntentTag,
		Confidence:    classification.Confidence,
		AgentResponse: normalizeAgentBody(result.Payload),
		RequestID:     in.RequestID,
	}
	body, err := json.Marshal(response)
	if err != nil {
		fault := faults.Internal(fmt.Errorf("marshal response: %w", err)).WithRequestID(in.RequestID)
		r.release(ctx, in, reserved)
		r.finish(rec, start, fault)
		return nil, fault
	}

	if reserved {
		r.complete(ctx, in, target, body)
	}

	r.finish(rec, start, nil)
	return &Outcome{Body: body, Response: response}, nil
}

// =============================================================================
// Idempotency
// =============================================================================

// replay returns the stored outcome for the key, a conflict fault when the
// original request is still in flight, or (nil, nil) when the key is fresh.
func (r *Router) replay(ctx context.Context, in Input) (*Outcome, error) {
	key := statestore.IdempotencyKey(in.Request.StudentIdentity, in.IdempotencyKey)
	value, err := r.store.Get(ctx, key)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Internal(fmt.Errorf("idempotency lookup: %w", err)).WithRequestID(in.RequestID)
	}
	return r.replayRecord(in, value)
}

// replayRecord interprets a stored idempotency record.
func (r *Router) replayRecord(in Input, value []byte) (*Outcome, error) {
	var record schema.IdempotencyRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, faults.Internal(fmt.Errorf("idempotency record corrupt: %w", err)).
			WithRequestID(in.RequestID)
	}
	if len(record.Response) == 0 {
		return nil, faults.Conflict("request with this idempotency key is still in flight", nil).
			WithRequestID(in.RequestID)
	}
	if r.metrics != nil {
		r.metrics.IdempotentReplays.Inc()
	}
	r.logger.Debug("idempotent replay",
		"request_id", in.RequestID, "subject", in.Request.StudentIdentity)
	return &Outcome{Body: record.Response, Replayed: true}, nil
}

// reserve claims the key with an absent-only CAS. A lost race re-reads the
// record: the winner's response replays, a still-pending winner conflicts.
func (r *Router) reserve(ctx context.Context, in Input) (*Outcome, error) {
	key := statestore.IdempotencyKey(in.Request.StudentIdentity, in.IdempotencyKey)
	pending, err := json.Marshal(&schema.IdempotencyRecord{
		ProcessedAt:   r.now(),
		ResultSummary: pendingSummary,
	})
	if err != nil {
		return nil, faults.Internal(fmt.Errorf("marshal reservation: %w", err)).WithRequestID(in.RequestID)
	}

	err = r.store.CompareAndSwap(ctx, key, nil, pending, statestore.TTLIdempotency)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, statestore.ErrCASMismatch) {
		return nil, faults.Internal(fmt.Errorf("idempotency reservation: %w", err)).WithRequestID(in.RequestID)
	}

	value, err := r.store.Get(ctx, key)
	if err != nil {
		// The racing writer may have failed and released between our CAS
		// and this read. Treat it as in flight; the client retries.
		return nil, faults.Conflict("request with this idempotency key is still in flight", err).
			WithRequestID(in.RequestID)
	}
	return r.replayRecord(in, value)
}

// release drops a reservation after a failed invocation so the client may
// retry with the same key.
func (r *Router) release(ctx context.Context, in Input, reserved bool) {
	if !reserved {
		return
	}
	key := statestore.IdempotencyKey(in.Request.StudentIdentity, in.IdempotencyKey)
	if err := r.store.Delete(ctx, key); err != nil {
		r.logger.Warn("idempotency release failed, key stays reserved until TTL",
			"request_id", in.RequestID, "error", err)
	}
}

// complete overwrites the reservation with the serialized response. On
// failure the pending record stays: replays conflict until the TTL, which
// still guarantees the invocation cannot run twice.
func (r *Router) complete(ctx context.Context, in Input, target schema.AgentID, body []byte) {
	record, err := json.Marshal(&schema.IdempotencyRecord{
		ProcessedAt:   r.now(),
		ResultSummary: "routed to " + string(target),
		StatusCode:    200,
		Response:      body,
	})
	if err != nil {
		r.logger.Warn("idempotency record marshal failed", "request_id", in.RequestID, "error", err)
		return
	}
	key := statestore.IdempotencyKey(in.Request.StudentIdentity, in.IdempotencyKey)
	if err := r.store.Put(ctx, key, record, statestore.TTLIdempotency); err != nil {
		r.logger.Warn("idempotency record write failed, replays will conflict until TTL",
			"request_id", in.RequestID, "error", err)
	}
}

// =============================================================================
// Completion
// =============================================================================

// finish stamps timings, emits the audit record, and records the request
// metric. Called exactly once per audited exit path.
func (r *Router) finish(rec *schema.TriageAudit, start time.Time, err error) {
	end := r.now()
	rec.ProcessingTimeMillis = end.Sub(start).Milliseconds()
	rec.EmitTimestamp = end
	r.audit.Emit(rec)

	if r.metrics != nil {
		intent := rec.Classification.IntentTag
		if intent == "" {
			intent = "none"
		}
		r.metrics.RecordRequest(intent, err, end.Sub(start))
	}
}

// normalizeAgentBody keeps the response body well-formed when an agent
// replies with something other than JSON.
func normalizeAgentBody(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return payload
	}
	quoted, err := json.Marshal(string(payload))
	if err != nil {
		return json.RawMessage(`""`)
	}
	return quoted
}
