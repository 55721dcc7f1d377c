// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers adapts the triage components to gin. Handlers stay thin:
// bind the body, call the component, render the result. Routing policy lives
// in the router package, not here.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/KodiakLearn/pkg/faults"
	"github.com/AleutianAI/KodiakLearn/pkg/identity"
	"github.com/AleutianAI/KodiakLearn/pkg/middleware"
	"github.com/AleutianAI/KodiakLearn/pkg/probe"
	"github.com/AleutianAI/KodiakLearn/pkg/schema"
	"github.com/AleutianAI/KodiakLearn/services/triage/audit"
	"github.com/AleutianAI/KodiakLearn/services/triage/router"
)

// HeaderIdempotencyKey carries the optional 32-hex dedup key on POST
// requests.
const HeaderIdempotencyKey = "Idempotency-Key"

// jsonContentType is used for the raw Outcome bytes so replays are
// byte-identical, headers included.
const jsonContentType = "application/json; charset=utf-8"

// Triage handles POST /api/v1/triage. The response body is written verbatim
// from the router's Outcome, which is what makes idempotent replays
// byte-identical to the original response.
//
// A body that does not parse as JSON is rejected here and never reaches the
// router, so nothing attributable exists to audit.
func Triage(rt *router.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req schema.TriageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.RenderError(c, faults.Validation("malformed request body", err.Error()))
			return
		}

		out, err := rt.Route(c.Request.Context(), router.Input{
			Caller:         middleware.GetIdentity(c),
			RequestID:      middleware.GetRequestID(c),
			IdempotencyKey: c.GetHeader(HeaderIdempotencyKey),
			Request:        &req,
		})
		if err != nil {
			middleware.RenderError(c, err)
			return
		}
		c.Data(http.StatusOK, jsonContentType, out.Body)
	}
}

// AuditStream handles GET /api/v1/audits/stream: a websocket feed of live
// audit records for operator tooling. Admin only; the hub itself does no
// authorization.
func AuditStream(hub *audit.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := middleware.GetIdentity(c)
		if caller == nil || !caller.Has(identity.PermAuditStream) {
			middleware.RenderError(c, faults.Authorization("audit stream requires audit:stream"))
			return
		}
		hub.Serve(c)
	}
}

// HealthCheck reports process liveness. It deliberately checks nothing
// downstream; that is Ready's job.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "triage"})
}

// Ready runs one concurrent probe round over the service's dependencies and
// reports per-dependency detail. 503 until everything answers.
func Ready(budget time.Duration, checkers ...probe.Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		results := probe.Run(c.Request.Context(), budget, checkers...)

		deps := make(gin.H, len(results))
		for _, r := range results {
			detail := gin.H{
				"healthy":    r.Healthy,
				"latency_ms": r.Latency.Milliseconds(),
			}
			if r.Err != nil {
				detail["error"] = r.Err.Error()
			}
			deps[r.Name] = detail
		}

		if !probe.Healthy(results) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":       "unavailable",
				"dependencies": deps,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":       "ready",
			"dependencies": deps,
		})
	}
}
