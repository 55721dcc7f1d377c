// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package integration

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/KodiakLearn/pkg/config"
	"github.com/AleutianAI/KodiakLearn/pkg/faults"
	"github.com/AleutianAI/KodiakLearn/pkg/schema"
	"github.com/AleutianAI/KodiakLearn/services/triage/router"
)

func TestRouting_SyntaxErrorReachesDebugAgent(t *testing.T) {
	s := newStack(t)

	const query = "I'm getting a TypeError on line 3"
	rec := s.triageQuery(studentAlice, query, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp router.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, schema.AgentDebug, resp.TargetAgentID)
	assert.Equal(t, schema.IntentSyntaxHelp, resp.IntentTag)
	assert.GreaterOrEqual(t, resp.Confidence, 0.66,
		"an error name plus a line number must clear the routing threshold")
	assert.NotEmpty(t, resp.RequestID)
	assert.JSONEq(t, `{"agent":"debug","message":"ready to help"}`, string(resp.AgentResponse))

	assert.Equal(t, 1, s.fleet.count(schema.AgentDebug), "exactly one invocation")
	assert.Equal(t, 1, s.fleet.total())

	require.Eventually(t, func() bool { return len(s.audits(t)) == 1 },
		eventuallyBudget, eventuallyTick, "one decision record must land on the audit topic")

	audit := s.audits(t)[0]
	assert.Equal(t, resp.RequestID, audit.RequestID)
	assert.Equal(t, studentAlice, audit.StudentIdentity)
	assert.Equal(t, query, audit.OriginalQuery)
	assert.Equal(t, schema.IntentSyntaxHelp, audit.Classification.IntentTag)
	assert.Equal(t, schema.AgentDebug, audit.Decision.TargetAgentID)
	assert.Equal(t, schema.PriorityHigh, audit.Decision.DecisionMetadata.Priority,
		"broken code right now is always high priority")
	assert.True(t, audit.ValidationResult.SchemaOK)
	assert.True(t, audit.ValidationResult.AuthOK)
	assert.True(t, audit.InvocationResult.Success)
	assert.Equal(t, 1, audit.InvocationResult.Attempts)
	assert.False(t, audit.EmitTimestamp.IsZero())
}

func TestRouting_AmbiguousQueryFallsBackToReview(t *testing.T) {
	s := newStack(t)

	rec := s.triageQuery(studentAlice, "maybe", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp router.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, schema.AgentReview, resp.TargetAgentID)
	assert.Equal(t, schema.IntentReview, resp.IntentTag)
	assert.InDelta(t, 0.4, resp.Confidence, 1e-9, "fallback confidence is fixed")

	assert.Equal(t, 1, s.fleet.count(schema.AgentReview))

	require.Eventually(t, func() bool { return len(s.audits(t)) == 1 },
		eventuallyBudget, eventuallyTick)
	audit := s.audits(t)[0]
	assert.Equal(t, schema.IntentReview, audit.Classification.IntentTag)
	assert.InDelta(t, 0.4, audit.Classification.Confidence, 1e-9)
}

func TestRouting_KeyedRetryReplaysStoredResponse(t *testing.T) {
	s := newStack(t)
	key := map[string]string{"Idempotency-Key": "00112233445566778899aabbccddeeff"}

	const query = "what is recursion? explain the concept"
	first := s.triageQuery(studentAlice, query, key)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	second := s.triageQuery(studentAlice, query, key)
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, first.Body.String(), second.Body.String(),
		"a keyed retry must replay the stored bytes")
	assert.Equal(t, 1, s.fleet.count(schema.AgentConcepts),
		"the agent must see the query once")

	// Only the original decision is audited; the replay made none.
	require.Eventually(t, func() bool { return len(s.audits(t)) == 1 },
		eventuallyBudget, eventuallyTick)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, s.audits(t), 1)
}

func TestRouting_BreakerTripsThenRecovers(t *testing.T) {
	s := newStack(t, func(c *config.Config) {
		c.BreakerOpenDuration = 250 * time.Millisecond
	})
	s.fleet.failNext(5)

	const query = "my program crashed with a traceback"

	// Five consecutive failures exhaust the threshold. Single-attempt
	// retry keeps one request equal to one breaker sample.
	for i := 0; i < 5; i++ {
		rec := s.triageQuery(studentAlice, query, nil)
		require.Equal(t, http.StatusBadGateway, rec.Code, "request %d: %s", i+1, rec.Body.String())
		assert.Contains(t, rec.Body.String(), string(faults.CodeUpstreamUnavailable))
	}
	require.Equal(t, 5, s.fleet.count(schema.AgentDebug))

	// Open circuit: the sixth request fails fast without an invocation.
	rec := s.triageQuery(studentAlice, query, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	var errBody struct {
		Error        string `json:"error"`
		BreakerState string `json:"breaker_state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	assert.Equal(t, string(faults.CodeBreakerOpen), errBody.Error)
	assert.Equal(t, string(schema.BreakerOpen), errBody.BreakerState)
	assert.Equal(t, 5, s.fleet.count(schema.AgentDebug), "an open breaker must not touch the agent")

	// After the open window one probe goes through; its success closes
	// the circuit for everyone.
	time.Sleep(s.cfg.BreakerOpenDuration + 50*time.Millisecond)
	rec = s.triageQuery(studentAlice, query, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 6, s.fleet.count(schema.AgentDebug))

	rec = s.triageQuery(studentAlice, query, nil)
	require.Equal(t, http.StatusOK, rec.Code, "circuit must stay closed after the probe")
}

func TestRouting_RateLimitIsPerStudent(t *testing.T) {
	s := newStack(t, func(c *config.Config) {
		c.RateLimit = 2
	})

	for i := 0; i < 2; i++ {
		rec := s.triageQuery(studentAlice, "maybe", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := s.triageQuery(studentAlice, "maybe", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), string(faults.CodeRateLimit))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Another student's window is untouched.
	rec = s.triageQuery(studentBob, "maybe", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}
