// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/KodiakLearn/pkg/faults"
	"github.com/AleutianAI/KodiakLearn/pkg/identity"
	"github.com/AleutianAI/KodiakLearn/pkg/logging"
	"github.com/AleutianAI/KodiakLearn/pkg/middleware"
	"github.com/AleutianAI/KodiakLearn/pkg/probe"
	"github.com/AleutianAI/KodiakLearn/pkg/schema"
	"github.com/AleutianAI/KodiakLearn/pkg/statestore"
	"github.com/AleutianAI/KodiakLearn/services/triage/audit"
	"github.com/AleutianAI/KodiakLearn/services/triage/classifier"
	"github.com/AleutianAI/KodiakLearn/services/triage/invoke"
	"github.com/AleutianAI/KodiakLearn/services/triage/ratelimit"
	"github.com/AleutianAI/KodiakLearn/services/triage/router"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	studentSubject = "student_aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
	adminSubject   = "admin_cccccccc-cccc-cccc-cccc-cccccccccccc"
)

func quiet() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

// stubInvoker answers every invocation with a fixed result.
type stubInvoker struct {
	result *invoke.Result
	err    error
}

func (s *stubInvoker) Invoke(context.Context, schema.AgentID, string, []byte) (*invoke.Result, error) {
	return s.result, s.err
}

// newEngine wires the handler under test behind the same middleware chain
// the service installs.
func newEngine(t *testing.T, inv router.Invoker) *gin.Engine {
	t.Helper()

	store, err := statestore.Open(statestore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rt := router.New(router.Options{
		Validator:  schema.NewValidator(schema.Config{}),
		Classifier: classifier.NewEngine(quiet()),
		Invoker:    inv,
		Limiter:    ratelimit.NewSlidingWindow(ratelimit.Config{}),
		Store:      store,
		Logger:     quiet(),
	})

	engine := gin.New()
	engine.Use(middleware.RequestID())
	v1 := engine.Group("/api/v1")
	v1.Use(middleware.Identity())
	v1.POST("/triage", Triage(rt))
	v1.GET("/audits/stream", AuditStream(audit.NewHub(quiet())))
	return engine
}

func healthyInvoker() *stubInvoker {
	return &stubInvoker{result: &invoke.Result{
		Payload:      []byte(`{"answer":"check the variable type on line 3"}`),
		Attempts:     1,
		BreakerState: schema.BreakerClosed,
	}}
}

func triageBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(schema.TriageRequest{
		Query:           "I'm getting a TypeError on line 3",
		StudentIdentity: studentSubject,
		ClientTimestamp: time.Now(),
	})
	require.NoError(t, err)
	return body
}

func postTriage(engine *gin.Engine, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/triage", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func studentHeaders() map[string]string {
	return map[string]string{
		identity.HeaderUsername: studentSubject,
		identity.HeaderRole:     "student",
	}
}

// =============================================================================
// Triage Handler
// =============================================================================

func TestTriage_Success(t *testing.T) {
	engine := newEngine(t, healthyInvoker())

	w := postTriage(engine, triageBody(t), studentHeaders())

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	var resp router.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, schema.AgentDebug, resp.TargetAgentID)
	assert.Equal(t, schema.IntentSyntaxHelp, resp.IntentTag)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, w.Header().Get(middleware.HeaderRequestID), resp.RequestID)
}

func TestTriage_MalformedBodyRejected(t *testing.T) {
	engine := newEngine(t, healthyInvoker())

	w := postTriage(engine, []byte(`{"query": "help`), studentHeaders())

	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "validation_error", body["error"])
	assert.NotEmpty(t, body["request_id"])
}

func TestTriage_MissingIdentityHeaders(t *testing.T) {
	engine := newEngine(t, healthyInvoker())

	w := postTriage(engine, triageBody(t), nil)

	require.Equal(t, http.StatusUnauthorized, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "authentication_error", body["error"])
}

func TestTriage_UpstreamFaultRendersDetails(t *testing.T) {
	engine := newEngine(t, &stubInvoker{
		result: &invoke.Result{Attempts: 3, BreakerState: schema.BreakerOpen},
		err:    faults.UpstreamUnavailable("debug", errors.New("agent unreachable")),
	})

	w := postTriage(engine, triageBody(t), studentHeaders())

	require.Equal(t, http.StatusBadGateway, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "upstream_unavailable", body["error"])
	assert.Equal(t, "open", body["breaker_state"])
	assert.Equal(t, "none", body["fallback"])
}

func TestTriage_IdempotentReplayIsByteIdentical(t *testing.T) {
	engine := newEngine(t, healthyInvoker())

	headers := studentHeaders()
	headers[HeaderIdempotencyKey] = "0123456789abcdef0123456789abcdef"
	body := triageBody(t)

	first := postTriage(engine, body, headers)
	require.Equal(t, http.StatusOK, first.Code)

	second := postTriage(engine, body, headers)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
}

// =============================================================================
// Audit Stream Gate
// =============================================================================

func TestAuditStream_RequiresAdmin(t *testing.T) {
	engine := newEngine(t, healthyInvoker())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audits/stream", nil)
	req.Header.Set(identity.HeaderUsername, studentSubject)
	req.Header.Set(identity.HeaderRole, "student")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "authorization_error", body["error"])
}

func TestAuditStream_AdminPassesGate(t *testing.T) {
	engine := newEngine(t, healthyInvoker())

	// No websocket handshake headers, so the upgrade fails after the gate;
	// anything but 401/403 means the admin got through.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audits/stream", nil)
	req.Header.Set(identity.HeaderUsername, adminSubject)
	req.Header.Set(identity.HeaderRole, "admin")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.NotEqual(t, http.StatusForbidden, w.Code)
	assert.NotEqual(t, http.StatusUnauthorized, w.Code)
}

// =============================================================================
// Health and Readiness
// =============================================================================

func TestHealthCheck(t *testing.T) {
	engine := gin.New()
	engine.GET("/health", HealthCheck)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "triage", body["service"])
}

func TestReady_AllDependenciesHealthy(t *testing.T) {
	engine := gin.New()
	engine.GET("/ready", Ready(time.Second,
		probe.NewChecker("store", func(context.Context) error { return nil }),
		probe.NewChecker("eventlog", func(context.Context) error { return nil }),
	))

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status       string                    `json:"status"`
		Dependencies map[string]map[string]any `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Len(t, body.Dependencies, 2)
	assert.Equal(t, true, body.Dependencies["store"]["healthy"])
}

func TestReady_ReportsUnhealthyDependency(t *testing.T) {
	engine := gin.New()
	engine.GET("/ready", Ready(time.Second,
		probe.NewChecker("store", func(context.Context) error { return nil }),
		probe.NewChecker("eventlog", func(context.Context) error { return errors.New("connection refused") }),
	))

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Status       string                    `json:"status"`
		Dependencies map[string]map[string]any `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, false, body.Dependencies["eventlog"]["healthy"])
	assert.Contains(t, body.Dependencies["eventlog"]["error"], "connection refused")
}
