// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schema declares the wire and storage shapes shared by the triage
// router and the mastery engine, together with their validation rules.
//
// Everything here is plain data: no behavior beyond derived-value helpers.
// JSON field names are stable API; changing one is a breaking change for
// every stored record and every event in flight.
package schema

import (
	"encoding/json"
	"math"
	"time"
)

// =============================================================================
// Enumerations
// =============================================================================

// IntentTag is the classification label for a student query.
type IntentTag string

const (
	IntentSyntaxHelp         IntentTag = "syntax_help"
	IntentConceptExplanation IntentTag = "concept_explanation"
	IntentExerciseRequest    IntentTag = "exercise_request"
	IntentProgressCheck      IntentTag = "progress_check"

	// IntentReview is produced only by the low-confidence fallback path.
	// It never appears in inbound snapshots.
	IntentReview IntentTag = "review"
)

// ClassifiableIntents lists the four primary tags in classifier tie-break
// priority order: earlier entries win ties.
var ClassifiableIntents = [4]IntentTag{
	IntentSyntaxHelp,
	IntentProgressCheck,
	IntentExerciseRequest,
	IntentConceptExplanation,
}

// ValidIntent reports whether tag is one of the four primary intents.
func ValidIntent(tag IntentTag) bool {
	for _, t := range ClassifiableIntents {
		if t == tag {
			return true
		}
	}
	return false
}

// AgentID names a downstream tutor agent reachable through the sidecar.
// The same values appear as event agent_source.
type AgentID string

const (
	AgentConcepts AgentID = "concepts"
	AgentReview   AgentID = "review"
	AgentDebug    AgentID = "debug"
	AgentExercise AgentID = "exercise"
	AgentProgress AgentID = "progress"
)

// ValidAgent reports whether id names a known agent.
func ValidAgent(id AgentID) bool {
	switch id {
	case AgentConcepts, AgentReview, AgentDebug, AgentExercise, AgentProgress:
		return true
	}
	return false
}

// Component is one of the four mastery dimensions.
type Component string

const (
	ComponentCompletion  Component = "completion"
	ComponentQuiz        Component = "quiz"
	ComponentQuality     Component = "quality"
	ComponentConsistency Component = "consistency"
)

// Components lists the dimensions in weight order, heaviest first. Ranking
// ties and serialization both rely on this order being stable.
var Components = [4]Component{
	ComponentCompletion,
	ComponentQuiz,
	ComponentQuality,
	ComponentConsistency,
}

// ComponentWeights is the fixed weighting of the mastery formula.
var ComponentWeights = map[Component]float64{
	ComponentCompletion:  0.40,
	ComponentQuiz:        0.30,
	ComponentQuality:     0.20,
	ComponentConsistency: 0.10,
}

// Trend labels the direction of a fitted mastery slope.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// Action is a recommended study activity.
type Action string

const (
	ActionPractice Action = "practice"
	ActionReview   Action = "review"
	ActionRefactor Action = "refactor"
	ActionSchedule Action = "schedule"
)

// Priority buckets a routing decision or recommendation.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// BreakerState mirrors the invocation client's circuit state in audit and
// error payloads.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// =============================================================================
// Triage shapes
// =============================================================================

// ConversationContext carries optional multi-turn context on a triage
// request. The router audits it; the classifier does not use it yet.
type ConversationContext struct {
	ConversationID    string    `json:"conversation_id" validate:"required,max=64"`
	TurnIndex         int       `json:"turn_index" validate:"min=0"`
	PreviousIntentTag IntentTag `json:"previous_intent_tag,omitempty" validate:"omitempty,intenttag"`
}

// TriageRequest is the inbound routing request body. Never persisted
// directly; its contents survive only inside the audit record.
type TriageRequest struct {
	Query            string               `json:"query" validate:"required,min=1,max=5000"`
	StudentIdentity  string               `json:"student_identity" validate:"required,subject"`
	ProgressSnapshot *ProgressSnapshot    `json:"progress_snapshot,omitempty"`
	Conversation     *ConversationContext `json:"conversation,omitempty"`
	ClientTimestamp  time.Time            `json:"client_timestamp"`
}

// Classification is the classifier verdict for one query. Ephemeral.
type Classification struct {
	IntentTag         IntentTag `json:"intent_tag"`
	Confidence        float64   `json:"confidence"`
	ExtractedKeywords []string  `json:"extracted_keywords"`
	ClassifierVersion string    `json:"classifier_version"`
}

// DecisionMetadata annotates a routing decision for audit.
type DecisionMetadata struct {
	Priority     Priority     `json:"priority"`
	RetryCount   int          `json:"retry_count"`
	BreakerState BreakerState `json:"breaker_state"`
}

// RoutingDecision records where a request was sent and why.
type RoutingDecision struct {
	TargetAgentID     AgentID          `json:"target_agent_id"`
	IntentTag         IntentTag        `json:"intent_tag"`
	Confidence        float64          `json:"confidence"`
	StudentIdentity   string           `json:"student_identity"`
	DecisionMetadata  DecisionMetadata `json:"decision_metadata"`
	DecisionTimestamp time.Time        `json:"decision_timestamp"`
}

// ValidationResult summarizes the request checks for audit.
type ValidationResult struct {
	SchemaOK bool     `json:"schema_ok"`
	AuthOK   bool     `json:"auth_ok"`
	Errors   []string `json:"errors,omitempty"`
}

// InvocationResult summarizes the downstream call for audit.
type InvocationResult struct {
	Success        bool   `json:"success"`
	Attempts       int    `json:"attempts"`
	BreakerTripped bool   `json:"breaker_tripped"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// TriageAudit is the decision record published once per triage request.
// RequestID is usually a UUID minted by the ingress middleware, but gateways
// may supply their own correlation ids, so only length is enforced.
type TriageAudit struct {
	RequestID            string           `json:"request_id" validate:"required,max=128"`
	StudentIdentity      string           `json:"student_identity" validate:"required,subject"`
	OriginalQuery        string           `json:"original_query" validate:"required,max=5000"`
	Classification       Classification   `json:"classification"`
	Decision             RoutingDecision  `json:"decision"`
	ValidationResult     ValidationResult `json:"validation_result"`
	InvocationResult     InvocationResult `json:"invocation_result"`
	ProcessingTimeMillis int64            `json:"processing_time_millis"`
	EmitTimestamp        time.Time        `json:"emit_timestamp"`
}

// =============================================================================
// Learning events
// =============================================================================

// ProgressSnapshot is the canonical learning-progress event payload emitted
// by tutor agents. Score fields are pointers: an absent component leaves the
// stored mean untouched.
type ProgressSnapshot struct {
	StudentIdentity    string    `json:"student_identity" validate:"required,subject"`
	ExerciseIdentifier string    `json:"exercise_identifier" validate:"required,exerciseid"`
	CompletionScore    *float64  `json:"completion_score,omitempty" validate:"omitempty,score"`
	QuizScore          *float64  `json:"quiz_score,omitempty" validate:"omitempty,score"`
	QualityScore       *float64  `json:"quality_score,omitempty" validate:"omitempty,score"`
	ConsistencyScore   *float64  `json:"consistency_score,omitempty" validate:"omitempty,score"`
	ServerTimestamp    time.Time `json:"server_timestamp"`
	AgentSource        AgentID   `json:"agent_source" validate:"required,agentid"`
}

// ComponentValues returns the present component scores, rounded to the
// 3-decimal storage precision.
func (s *ProgressSnapshot) ComponentValues() map[Component]float64 {
	out := make(map[Component]float64, 4)
	if s.CompletionScore != nil {
		out[ComponentCompletion] = Round3(*s.CompletionScore)
	}
	if s.QuizScore != nil {
		out[ComponentQuiz] = Round3(*s.QuizScore)
	}
	if s.QualityScore != nil {
		out[ComponentQuality] = Round3(*s.QualityScore)
	}
	if s.ConsistencyScore != nil {
		out[ComponentConsistency] = Round3(*s.ConsistencyScore)
	}
	return out
}

// LearningEvent is the wire message on the learning.events partitions: a
// ProgressSnapshot plus the deduplication key.
type LearningEvent struct {
	ProgressSnapshot
	IdempotencyKey string `json:"idempotency_key" validate:"required,idemkey"`
}

// DeadLetter wraps an event the consumer gave up on.
type DeadLetter struct {
	OriginalPayload       json.RawMessage `json:"original_payload"`
	ErrorKind             string          `json:"error_kind"`
	ErrorDetails          []string        `json:"error_details"`
	FirstFailureTimestamp time.Time       `json:"first_failure_timestamp"`
	Attempts              int             `json:"attempts"`
}

// =============================================================================
// Mastery storage shapes
// =============================================================================

// MasteryComponentRecord is the per-(student, date, component) running mean.
type MasteryComponentRecord struct {
	Value       float64   `json:"value"`
	SampleCount int       `json:"sample_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// MasteryAggregate is the per-(student, date) record. Version is monotone
// non-decreasing; every component change recomputes FinalScore and bumps
// Version in the same atomic write.
type MasteryAggregate struct {
	StudentIdentity string                               `json:"student_identity"`
	Date            string                               `json:"date"`
	Components      map[Component]MasteryComponentRecord `json:"components"`
	FinalScore      float64                              `json:"final_score"`
	CalculatedAt    time.Time                            `json:"calculated_at"`
	Version         uint64                               `json:"version"`
}

// ComputeFinal derives the weighted final score from current component
// values. Absent components contribute zero.
func (a *MasteryAggregate) ComputeFinal() float64 {
	var sum float64
	for comp, weight := range ComponentWeights {
		if rec, ok := a.Components[comp]; ok {
			sum += weight * rec.Value
		}
	}
	return Round3(sum)
}

// ProfilePointer is the latest-aggregate pointer under
// student:{id}:profile:current. It names the most recent aggregate date so
// current-mastery reads resolve in two point lookups instead of a scan, and
// carries enough of the aggregate to serve the read without the second
// lookup when the pointer is fresh.
type ProfilePointer struct {
	Date       string    `json:"date"`
	FinalScore float64   `json:"final_score"`
	Version    uint64    `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ActivityRecord is the rolling recent-activity summary under
// student:{id}:activity:recent. It exists for compliance export and
// operational inspection; no scoring path reads it.
type ActivityRecord struct {
	LastEventAt    time.Time `json:"last_event_at"`
	LastExerciseID string    `json:"last_exercise_id"`
	LastAgent      AgentID   `json:"last_agent"`
	EventsApplied  uint64    `json:"events_applied"`
}

// IdempotencyRecord caches the outcome of a keyed write-path request so a
// replay inside the TTL returns the identical response with no side effects.
type IdempotencyRecord struct {
	ProcessedAt   time.Time       `json:"processed_at"`
	ResultSummary string          `json:"result_summary"`
	StatusCode    int             `json:"status_code,omitempty"`
	Response      json.RawMessage `json:"response,omitempty"`
}

// PredictionCacheEntry is the cached predictor output for one student.
type PredictionCacheEntry struct {
	PredictedScore   float64   `json:"predicted_score"`
	Confidence       float64   `json:"confidence"`
	Trend            Trend     `json:"trend"`
	InterventionFlag bool      `json:"intervention_flag"`
	HorizonDays      int       `json:"horizon_days"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// RecommendationItem is one ranked action.
type RecommendationItem struct {
	Action           Action    `json:"action"`
	TargetArea       Component `json:"target_area"`
	Priority         Priority  `json:"priority"`
	EstimatedMinutes int       `json:"estimated_minutes"`
	ResourceRefs     []string  `json:"resource_refs"`
}

// RecommendationSet is the ordered recommender output.
type RecommendationSet struct {
	StudentIdentity string               `json:"student_identity"`
	GeneratedAt     time.Time            `json:"generated_at"`
	Items           []RecommendationItem `json:"items"`
}

// =============================================================================
// Derivation helpers
// =============================================================================

// Round3 rounds to the 3-decimal precision used for all stored scores.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// DateOf formats a timestamp as the UTC day key used in store keys.
func DateOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
