// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package integration runs the full control plane in one process: both
// services wired serve-mode style over a shared redis and state store, with
// a programmable agent fleet standing in for the invocation sidecar.
//
// Tests here drive only the surfaces production traffic uses: the two HTTP
// APIs and the event-log topics. Nothing reaches into package internals, so
// a passing suite means the deployed composition works end to end.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/KodiakLearn/pkg/config"
	"github.com/AleutianAI/KodiakLearn/pkg/eventlog"
	"github.com/AleutianAI/KodiakLearn/pkg/eventlog/redisstream"
	"github.com/AleutianAI/KodiakLearn/pkg/identity"
	"github.com/AleutianAI/KodiakLearn/pkg/logging"
	"github.com/AleutianAI/KodiakLearn/pkg/schema"
	"github.com/AleutianAI/KodiakLearn/pkg/statestore"
	"github.com/AleutianAI/KodiakLearn/services/mastery"
	"github.com/AleutianAI/KodiakLearn/services/triage"
)

const (
	studentAlice = "student_aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
	studentBob   = "student_bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"
	adminCarol   = "admin_cccccccc-cccc-cccc-cccc-cccccccccccc"

	// Budgets for the asynchronous paths: audit emission and event
	// consumption both cross goroutines and the stream.
	eventuallyBudget = 5 * time.Second
	eventuallyTick   = 20 * time.Millisecond
)

func quiet() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

func f64(v float64) *float64 { return &v }

// =============================================================================
// Agent fleet
// =============================================================================

// agentFleet fakes the sidecar's invocation plane for every tutor agent.
// The default reply is a small JSON ack; failNext forces the next n
// invocations to answer 500 regardless of target. The health route never
// consumes a forced failure.
type agentFleet struct {
	srv *httptest.Server

	mu       sync.Mutex
	hits     map[schema.AgentID]int
	failures int
}

func newAgentFleet(t *testing.T) *agentFleet {
	t.Helper()
	f := &agentFleet{hits: make(map[schema.AgentID]int)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *agentFleet) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v1.0/healthz" {
		w.WriteHeader(http.StatusOK)
		return
	}

	// /v1.0/invoke/{agent}/method/{method}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 5 || parts[1] != "invoke" || parts[3] != "method" {
		http.NotFound(w, r)
		return
	}
	agent := schema.AgentID(parts[2])

	f.mu.Lock()
	f.hits[agent]++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if fail {
		http.Error(w, "agent unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"agent":%q,"message":"ready to help"}`, agent)
}

// failNext arms n consecutive invocation failures.
func (f *agentFleet) failNext(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

// count reports how many invocations one agent has served.
func (f *agentFleet) count(agent schema.AgentID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[agent]
}

// total reports invocations across the whole fleet.
func (f *agentFleet) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, c := range f.hits {
		n += c
	}
	return n
}

// =============================================================================
// Stack
// =============================================================================

// stack is one complete in-process deployment. Both services share the
// store and the event log, exactly as serve mode wires them.
type stack struct {
	cfg     *config.Config
	client  *redis.Client
	log     *redisstream.Log
	store   statestore.Store
	fleet   *agentFleet
	triage  *triage.Service
	mastery *mastery.Service
}

// newStack builds and starts a deployment over fresh infrastructure. Tests
// adjust knobs through mutate before the services are built; the defaults
// keep retries single-attempt so one request maps to one breaker sample.
func newStack(t *testing.T, mutate ...func(*config.Config)) *stack {
	t.Helper()

	mr := miniredis.RunT(t)
	fleet := newAgentFleet(t)

	cfg := &config.Config{
		LogLevel:                "error",
		GinMode:                 "test",
		SidecarHTTPEndpoint:     fleet.srv.URL,
		EventLogAddr:            mr.Addr(),
		EventLogConsumerGroup:   "mastery-engine",
		EventLogPartitions:      4,
		StorePath:               config.StoreInMemory,
		CacheTTL:                time.Minute,
		CacheSweepInterval:      time.Minute,
		RateLimit:               100,
		RateWindow:              time.Minute,
		BreakerFailureThreshold: 5,
		BreakerOpenDuration:     30 * time.Second,
		InvokeMaxAttempts:       1,
		InvokeInitialBackoff:    5 * time.Millisecond,
		InvokeAttemptTimeout:    time.Second,
		LLMBudgetMS:             300,
		AuditQueueSize:          256,
		AuditRetention:          90 * 24 * time.Hour,
		EventRetention:          7 * 24 * time.Hour,
		DeadLetterRetention:     30 * 24 * time.Hour,
		RetentionSweepInterval:  time.Hour,
		ProbeBudget:             time.Second,
		StartupGrace:            5 * time.Second,
	}
	for _, m := range mutate {
		m(cfg)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := redisstream.Wrap(client, redisstream.Config{
		Group:    cfg.EventLogConsumerGroup,
		Consumer: "integration-worker",
		Logger:   quiet(),
	})
	t.Cleanup(func() { _ = log.Close() })

	store, err := statestore.Open(statestore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tri, err := triage.New(triage.Dependencies{
		Config: cfg,
		Logger: quiet(),
		Store:  store,
		Log:    log,
	})
	require.NoError(t, err)

	mas, err := mastery.New(mastery.Dependencies{
		Config: cfg,
		Logger: quiet(),
		Store:  store,
		Log:    log,
	})
	require.NoError(t, err)

	s := &stack{
		cfg:     cfg,
		client:  client,
		log:     log,
		store:   store,
		fleet:   fleet,
		triage:  tri,
		mastery: mas,
	}
	s.start(t)
	return s
}

// start runs both services and registers a cleanup that cancels them and
// waits for a clean exit.
func (s *stack) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 2)
	go func() { done <- s.triage.Run(ctx) }()
	go func() { done <- s.mastery.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		for i := 0; i < 2; i++ {
			select {
			case err := <-done:
				assert.NoError(t, err, "cancellation must stop both services cleanly")
			case <-time.After(10 * time.Second):
				t.Error("a service did not stop after cancel")
				return
			}
		}
	})
}

// =============================================================================
// Request helpers
// =============================================================================

// do drives one request through a service handler.
func do(h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			panic(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// identityHeaders builds the gateway headers for a subject; the role is the
// subject's prefix.
func identityHeaders(subject string) map[string]string {
	return map[string]string{
		identity.HeaderUsername: subject,
		identity.HeaderRole:     strings.SplitN(subject, "_", 2)[0],
	}
}

// triageQuery posts one routing request as the student.
func (s *stack) triageQuery(subject, query string, extra map[string]string) *httptest.ResponseRecorder {
	headers := identityHeaders(subject)
	for k, v := range extra {
		headers[k] = v
	}
	return do(s.triage.Handler(), http.MethodPost, "/api/v1/triage", map[string]any{
		"query":            query,
		"student_identity": subject,
		"client_timestamp": time.Now().UTC(),
	}, headers)
}

// currentView reads the current-mastery endpoint as the student; nil when
// the response is not a decodable 200. Poll-friendly.
func (s *stack) currentView(student string) *schema.MasteryAggregate {
	rec := do(s.mastery.Handler(), http.MethodPost, "/api/v1/mastery/query",
		map[string]any{"student_identity": student}, identityHeaders(student))
	if rec.Code != http.StatusOK {
		return nil
	}
	var view schema.MasteryAggregate
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		return nil
	}
	return &view
}

// currentVersion is the poll-friendly version read: zero on any miss.
func (s *stack) currentVersion(student string) uint64 {
	view := s.currentView(student)
	if view == nil {
		return 0
	}
	return view.Version
}

// currentMastery is the asserting read used once state is expected.
func (s *stack) currentMastery(t *testing.T, caller, student string) *schema.MasteryAggregate {
	t.Helper()
	rec := do(s.mastery.Handler(), http.MethodPost, "/api/v1/mastery/query",
		map[string]any{"student_identity": student}, identityHeaders(caller))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view schema.MasteryAggregate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return &view
}

// =============================================================================
// Event-log helpers
// =============================================================================

// progressEvent builds a learning event with no scores; tests set the
// components they need.
func progressEvent(student, idemKey string, ts time.Time) *schema.LearningEvent {
	return &schema.LearningEvent{
		ProgressSnapshot: schema.ProgressSnapshot{
			StudentIdentity:    student,
			ExerciseIdentifier: "ex_loops-101",
			ServerTimestamp:    ts,
			AgentSource:        schema.AgentExercise,
		},
		IdempotencyKey: idemKey,
	}
}

// publishEvent appends one learning event to its partition, the same way
// tutor agents do in production.
func (s *stack) publishEvent(t *testing.T, ev *schema.LearningEvent) {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	topic := eventlog.EventsTopic(eventlog.Partition(ev.StudentIdentity, s.cfg.EventLogPartitions))
	_, err = s.log.Publish(context.Background(), topic, body)
	require.NoError(t, err)
}

// audits reads every decision record on the audit topic, in emit order.
func (s *stack) audits(t *testing.T) []schema.TriageAudit {
	t.Helper()
	entries, err := s.client.XRange(context.Background(), eventlog.TopicAudits, "-", "+").Result()
	require.NoError(t, err)

	out := make([]schema.TriageAudit, 0, len(entries))
	for _, e := range entries {
		raw, ok := e.Values["payload"].(string)
		require.True(t, ok)
		var rec schema.TriageAudit
		require.NoError(t, json.Unmarshal([]byte(raw), &rec))
		out = append(out, rec)
	}
	return out
}

// deadLetterCount counts entries on the dead-letter topic.
func (s *stack) deadLetterCount(t *testing.T) int64 {
	t.Helper()
	n, err := s.client.XLen(context.Background(), eventlog.TopicDeadLetter).Result()
	require.NoError(t, err)
	return n
}

// pendingCount reports unacked deliveries on the student's partition, or -1
// before the consumer group exists.
func (s *stack) pendingCount(student string) int64 {
	topic := eventlog.EventsTopic(eventlog.Partition(student, s.cfg.EventLogPartitions))
	pending, err := s.client.XPending(context.Background(), topic, s.cfg.EventLogConsumerGroup).Result()
	if err != nil {
		return -1
	}
	return pending.Count
}

// partitionLen reports the raw entry count on the student's partition.
func (s *stack) partitionLen(t *testing.T, student string) int64 {
	t.Helper()
	topic := eventlog.EventsTopic(eventlog.Partition(student, s.cfg.EventLogPartitions))
	n, err := s.client.XLen(context.Background(), topic).Result()
	require.NoError(t, err)
	return n
}
