// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability exposes the triage service's Prometheus metrics.
//
// All metrics live under namespace "kodiak", subsystem "triage". Construct
// one Metrics per process with the service's registry; Wire* methods attach
// the sampled sources (audit emitter counters, websocket hub gauge) that
// are read at scrape time instead of being incremented inline.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/KodiakLearn/pkg/faults"
	"github.com/AleutianAI/KodiakLearn/pkg/schema"
	"github.com/AleutianAI/KodiakLearn/services/triage/audit"
)

const (
	metricsNamespace = "kodiak"
	triageSubsystem  = "triage"
)

// =============================================================================
// Metric definitions
// =============================================================================

// Metrics holds every Prometheus metric the triage service emits.
type Metrics struct {
	reg prometheus.Registerer

	// RequestsTotal counts triage requests by classified intent and outcome.
	// Labels: intent, outcome (success or a fault code).
	RequestsTotal *prometheus.CounterVec

	// RequestDuration measures the full pipeline latency per intent.
	RequestDuration *prometheus.HistogramVec

	// InvokeAttempts counts transport attempts against agents.
	// Labels: target, outcome (success, error).
	InvokeAttempts *prometheus.CounterVec

	// InvokeAttemptDuration measures per-attempt upstream latency.
	InvokeAttemptDuration *prometheus.HistogramVec

	// BreakerState is the current circuit state per target:
	// 0 closed, 1 half_open, 2 open.
	BreakerState *prometheus.GaugeVec

	// BreakerTransitions counts state changes per target and destination.
	BreakerTransitions *prometheus.CounterVec

	// RateLimited counts requests rejected by the sliding window.
	RateLimited prometheus.Counter

	// IdempotentReplays counts responses served from stored idempotency
	// records without a downstream invocation.
	IdempotentReplays prometheus.Counter

	// ClassifierFallbacks counts queries that fell through to the review
	// intent.
	ClassifierFallbacks prometheus.Counter

	// LLMAssist counts fallback consultations by outcome
	// (adopted, rejected, error).
	LLMAssist *prometheus.CounterVec

	// RulePackSwaps counts live classifier rule reloads.
	RulePackSwaps prometheus.Counter
}

// NewMetrics registers the triage metric set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: triageSubsystem,
				Name:      "requests_total",
				Help:      "Triage requests by classified intent and outcome",
			},
			[]string{"intent", "outcome"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: triageSubsystem,
				Name:      "request_duration_seconds",
				Help:      "Full triage pipeline latency",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"intent"},
		),

		InvokeAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: triageSubsystem,
				Name:      "invoke_attempts_total",
				Help:      "Agent invocation transport attempts by target and outcome",
			},
			[]string{"target", "outcome"},
		),

		InvokeAttemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: triageSubsystem,
				Name:      "invoke_attempt_duration_seconds",
				Help:      "Per-attempt agent invocation latency",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"target"},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: triageSubsystem,
				Name:      "breaker_state",
				Help:      "Circuit state per target: 0 closed, 1 half_open, 2 open",
			},
			[]string{"target"},
		),

		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: triageSubsystem,
				Name:      "breaker_transitions_total",
				Help:      "Circuit state changes per target and destination state",
			},
			[]string{"target", "to"},
		),

		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: triageSubsystem,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the per-student sliding window",
			},
		),

		IdempotentReplays: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: triageSubsystem,
				Name:      "idempotent_replays_total",
				Help:      "Responses served from stored idempotency records",
			},
		),

		ClassifierFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: triageSubsystem,
				Name:      "classifier_fallbacks_total",
				Help:      "Queries classified below the confidence threshold",
			},
		),

		LLMAssist: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: triageSubsystem,
				Name:      "llm_assist_total",
				Help:      "LLM fallback consultations by outcome",
			},
			[]string{"outcome"},
		),

		RulePackSwaps: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: triageSubsystem,
				Name:      "rule_pack_swaps_total",
				Help:      "Live classifier rule pack reloads",
			},
		),
	}
}

// =============================================================================
// Sampled sources
// =============================================================================

// WireEmitter exposes the audit emitter's counters at scrape time.
func (m *Metrics) WireEmitter(e *audit.Emitter) {
	factory := promauto.With(m.reg)

	counter := func(name, help string, read func(audit.Stats) uint64) {
		factory.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: triageSubsystem,
				Name:      name,
				Help:      help,
			},
			func() float64 { return float64(read(e.Stats())) },
		)
	}

	counter("audits_emitted_total", "Audit records handed to the emitter",
		func(s audit.Stats) uint64 { return s.Emitted })
	counter("audits_published_total", "Audit records appended to the stream",
		func(s audit.Stats) uint64 { return s.Published })
	counter("audits_dropped_total", "Audit records lost to overflow or spill failure",
		func(s audit.Stats) uint64 { return s.Dropped })
	counter("audits_spilled_total", "Audit records written to the disk spill",
		func(s audit.Stats) uint64 { return s.Spilled })
	counter("audits_recovered_total", "Spilled audit records later republished",
		func(s audit.Stats) uint64 { return s.Recovered })

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: triageSubsystem,
			Name:      "audit_backlog",
			Help:      "Audit records waiting in the queue and overflow ring",
		},
		func() float64 { return float64(e.Backlog()) },
	)
}

// WireHub exposes the live audit stream's subscriber count.
func (m *Metrics) WireHub(h *audit.Hub) {
	promauto.With(m.reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: triageSubsystem,
			Name:      "audit_subscribers",
			Help:      "Connected websocket audit subscribers",
		},
		func() float64 { return float64(h.Subscribers()) },
	)
}

// =============================================================================
// Recording helpers
// =============================================================================

// Outcome renders err as a metric label: "success" for nil, otherwise the
// fault code.
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	return string(faults.CodeOf(err))
}

// RecordRequest records one finished triage request.
func (m *Metrics) RecordRequest(intent schema.IntentTag, err error, d time.Duration) {
	m.RequestsTotal.WithLabelValues(string(intent), Outcome(err)).Inc()
	m.RequestDuration.WithLabelValues(string(intent)).Observe(d.Seconds())
}

// RecordInvokeAttempt is wired as the invocation client's attempt hook.
func (m *Metrics) RecordInvokeAttempt(target schema.AgentID, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.InvokeAttempts.WithLabelValues(string(target), outcome).Inc()
	m.InvokeAttemptDuration.WithLabelValues(string(target)).Observe(d.Seconds())
}

// RecordBreakerTransition is wired as the breaker registry's transition
// hook. It updates both the gauge and the transition counter.
func (m *Metrics) RecordBreakerTransition(target schema.AgentID, from, to schema.BreakerState) {
	m.BreakerState.WithLabelValues(string(target)).Set(breakerStateValue(to))
	m.BreakerTransitions.WithLabelValues(string(target), string(to)).Inc()
}

// RecordLLMAssist is wired as the assisted classifier's outcome hook.
func (m *Metrics) RecordLLMAssist(outcome string) {
	m.LLMAssist.WithLabelValues(outcome).Inc()
}

func breakerStateValue(st schema.BreakerState) float64 {
	switch st {
	case schema.BreakerHalfOpen:
		return 1
	case schema.BreakerOpen:
		return 2
	default:
		return 0
	}
}
