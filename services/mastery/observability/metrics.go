// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability exposes the mastery engine's Prometheus metrics.
//
// All metrics live under namespace "kodiak", subsystem "mastery". Construct
// one Metrics per process with the service's registry; the store-operation
// histogram is wired into the badger adapter's observe hook and the cache
// counters are sampled at scrape time.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/KodiakLearn/pkg/faults"
	"github.com/AleutianAI/KodiakLearn/pkg/statestore"
)

const (
	metricsNamespace = "kodiak"
	masterySubsystem = "mastery"
)

// Consumed-event outcome labels.
const (
	OutcomeApplied    = "applied"
	OutcomeReplay     = "replay"
	OutcomeDeadLetter = "deadletter"
)

// Read-path endpoint labels.
const (
	EndpointCurrent        = "current"
	EndpointHistory        = "history"
	EndpointPrediction     = "prediction"
	EndpointRecommendation = "recommendation"
)

// Compliance operation labels.
const (
	OpExport = "export"
	OpErase  = "erase"
)

// =============================================================================
// Metric definitions
// =============================================================================

// Metrics holds every Prometheus metric the mastery engine emits.
type Metrics struct {
	reg prometheus.Registerer

	// EventsTotal counts consumed events by partition and outcome
	// (applied, replay, deadletter).
	EventsTotal *prometheus.CounterVec

	// ApplyDuration measures one aggregator apply, commit retries included.
	ApplyDuration prometheus.Histogram

	// ConsumerLag is the unconsumed entry count per partition.
	ConsumerLag *prometheus.GaugeVec

	// DeadLetters counts dead-lettered events by reason.
	DeadLetters *prometheus.CounterVec

	// Reclaimed counts entries taken over from dead consumers.
	Reclaimed prometheus.Counter

	// QueriesTotal counts read-path requests by endpoint and outcome.
	QueriesTotal *prometheus.CounterVec

	// QueryDuration measures read-path latency per endpoint.
	QueryDuration *prometheus.HistogramVec

	// PredictionCache counts predictor cache lookups by result (hit, miss).
	PredictionCache *prometheus.CounterVec

	// ComplianceOps counts export and erase operations by outcome.
	ComplianceOps *prometheus.CounterVec

	// StoreOpDuration measures store operations by kind. Wired into the
	// badger adapter's observe hook at the composition root.
	StoreOpDuration *prometheus.HistogramVec
}

// NewMetrics registers the mastery metric set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,

		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: masterySubsystem,
				Name:      "events_total",
				Help:      "Consumed learning events by partition and outcome",
			},
			[]string{"partition", "outcome"},
		),

		ApplyDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: masterySubsystem,
				Name:      "apply_duration_seconds",
				Help:      "Aggregator apply latency including commit retries",
				Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
			},
		),

		ConsumerLag: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: masterySubsystem,
				Name:      "consumer_lag",
				Help:      "Unconsumed learning events per partition",
			},
			[]string{"partition"},
		),

		DeadLetters: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: masterySubsystem,
				Name:      "dead_letters_total",
				Help:      "Events routed to the dead-letter topic by reason",
			},
			[]string{"reason"},
		),

		Reclaimed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: masterySubsystem,
				Name:      "reclaimed_total",
				Help:      "Pending entries taken over from dead consumers",
			},
		),

		QueriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: masterySubsystem,
				Name:      "queries_total",
				Help:      "Read-path requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),

		QueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: masterySubsystem,
				Name:      "query_duration_seconds",
				Help:      "Read-path latency per endpoint",
				Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"endpoint"},
		),

		PredictionCache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: masterySubsystem,
				Name:      "prediction_cache_total",
				Help:      "Predictor cache lookups by result",
			},
			[]string{"result"},
		),

		ComplianceOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: masterySubsystem,
				Name:      "compliance_ops_total",
				Help:      "Compliance export and erase operations by outcome",
			},
			[]string{"op", "outcome"},
		),

		StoreOpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: masterySubsystem,
				Name:      "store_op_duration_seconds",
				Help:      "State store operation latency by kind",
				Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.25},
			},
			[]string{"op"},
		),
	}
}

// WireCache exposes the hot cache's counters at scrape time.
func (m *Metrics) WireCache(cache *statestore.HotCache) {
	factory := promauto.With(m.reg)

	counter := func(name, help string, read func(statestore.CacheStats) int64) {
		factory.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: masterySubsystem,
				Name:      name,
				Help:      help,
			},
			func() float64 { return float64(read(cache.Stats())) },
		)
	}

	counter("cache_hits_total", "Hot cache hits",
		func(s statestore.CacheStats) int64 { return s.Hits })
	counter("cache_misses_total", "Hot cache misses",
		func(s statestore.CacheStats) int64 { return s.Misses })
	counter("cache_evictions_total", "Hot cache entries evicted under pressure",
		func(s statestore.CacheStats) int64 { return s.Evicted })

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: masterySubsystem,
			Name:      "cache_entries",
			Help:      "Live hot cache entries",
		},
		func() float64 { return float64(cache.Stats().Entries) },
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

// RecordEvent records one consumed event.
func (m *Metrics) RecordEvent(partition int, outcome string) {
	m.EventsTotal.WithLabelValues(strconv.Itoa(partition), outcome).Inc()
}

// RecordDeadLetter records one dead-lettered event.
func (m *Metrics) RecordDeadLetter(reason string) {
	m.DeadLetters.WithLabelValues(reason).Inc()
}

// SetConsumerLag updates one partition's lag gauge.
func (m *Metrics) SetConsumerLag(partition int, lag int64) {
	m.ConsumerLag.WithLabelValues(strconv.Itoa(partition)).Set(float64(lag))
}

// RecordQuery records one finished read-path request.
func (m *Metrics) RecordQuery(endpoint string, err error, d time.Duration) {
	m.QueriesTotal.WithLabelValues(endpoint, Outcome(err)).Inc()
	m.QueryDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// RecordPredictionCache records one predictor cache lookup.
func (m *Metrics) RecordPredictionCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.PredictionCache.WithLabelValues(result).Inc()
}

// RecordCompliance records one export or erase operation.
func (m *Metrics) RecordCompliance(op string, err error) {
	m.ComplianceOps.WithLabelValues(op, Outcome(err)).Inc()
}

// ObserveStoreOp matches the badger adapter's observe hook signature.
func (m *Metrics) ObserveStoreOp(op string, d time.Duration) {
	m.StoreOpDuration.WithLabelValues(op).Observe(d.Seconds())
}
