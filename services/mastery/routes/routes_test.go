// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/KodiakLearn/pkg/logging"
	"github.com/AleutianAI/KodiakLearn/pkg/middleware"
	"github.com/AleutianAI/KodiakLearn/pkg/probe"
	"github.com/AleutianAI/KodiakLearn/pkg/statestore"
	"github.com/AleutianAI/KodiakLearn/services/mastery/compliance"
	"github.com/AleutianAI/KodiakLearn/services/mastery/predict"
	"github.com/AleutianAI/KodiakLearn/services/mastery/query"
	"github.com/AleutianAI/KodiakLearn/services/mastery/recommend"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testEngine(t *testing.T) *gin.Engine {
	t.Helper()
	quiet := logging.New(logging.Config{Quiet: true})

	store, err := statestore.Open(statestore.InMemoryConfig())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	qry, err := query.New(query.Options{Store: store, Logger: quiet})
	if err != nil {
		t.Fatalf("query service: %v", err)
	}
	prd, err := predict.New(predict.Options{Store: store, Logger: quiet})
	if err != nil {
		t.Fatalf("predict service: %v", err)
	}
	rec, err := recommend.New(recommend.Options{Store: store, Logger: quiet})
	if err != nil {
		t.Fatalf("recommend service: %v", err)
	}
	cmp, err := compliance.New(compliance.Options{Store: store, Logger: quiet})
	if err != nil {
		t.Fatalf("compliance service: %v", err)
	}

	engine := gin.New()
	engine.Use(middleware.RequestID())
	SetupRoutes(engine, Services{Query: qry, Predict: prd, Recommend: rec, Compliance: cmp},
		prometheus.NewRegistry(), time.Second,
		probe.NewChecker("store", func(context.Context) error { return nil }))
	return engine
}

func TestSetupRoutes_RegistersEndpoints(t *testing.T) {
	engine := testEngine(t)

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/ready"},
		{"GET", "/metrics"},
		{"POST", "/api/v1/mastery/query"},
		{"POST", "/api/v1/mastery/history"},
		{"POST", "/api/v1/predictions/next-week"},
		{"POST", "/api/v1/recommendations/adaptive"},
		{"GET", "/api/v1/compliance/student/:id/export"},
		{"DELETE", "/api/v1/compliance/student/:id"},
	}

	routes := engine.Routes()
	for _, want := range expected {
		found := false
		for _, r := range routes {
			if r.Method == want.method && r.Path == want.path {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected route %s %s not found", want.method, want.path)
		}
	}
}

func TestSetupRoutes_HealthOutsideIdentityGate(t *testing.T) {
	engine := testEngine(t)

	// No gateway headers on purpose.
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("health endpoint returned %d, want %d", w.Code, http.StatusOK)
	}
}

func TestSetupRoutes_ReadyOutsideIdentityGate(t *testing.T) {
	engine := testEngine(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/ready", nil)
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("ready endpoint returned %d, want %d", w.Code, http.StatusOK)
	}
}

func TestSetupRoutes_MetricsEndpoint(t *testing.T) {
	engine := testEngine(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/metrics", nil)
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("metrics endpoint returned %d, want %d", w.Code, http.StatusOK)
	}
}

func TestSetupRoutes_QueryBehindIdentityGate(t *testing.T) {
	engine := testEngine(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/v1/mastery/query", nil)
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("mastery query without identity headers returned %d, want %d",
			w.Code, http.StatusUnauthorized)
	}
}

func TestSetupRoutes_ComplianceBehindIdentityGate(t *testing.T) {
	engine := testEngine(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("DELETE", "/api/v1/compliance/student/student_aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa", nil)
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("compliance erase without identity headers returned %d, want %d",
			w.Code, http.StatusUnauthorized)
	}
}
