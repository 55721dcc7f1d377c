// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers adapts the mastery components to gin. Handlers stay
// thin: bind the body or path, call the component, render the result.
// Authorization lives in the components, not here.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/KodiakLearn/pkg/faults"
	"github.com/AleutianAI/KodiakLearn/pkg/middleware"
	"github.com/AleutianAI/KodiakLearn/pkg/probe"
	"github.com/AleutianAI/KodiakLearn/services/mastery/compliance"
	"github.com/AleutianAI/KodiakLearn/services/mastery/predict"
	"github.com/AleutianAI/KodiakLearn/services/mastery/query"
	"github.com/AleutianAI/KodiakLearn/services/mastery/recommend"
)

// CurrentMastery handles POST /api/v1/mastery/query: the student's latest
// aggregate view.
func CurrentMastery(svc *query.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req query.CurrentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.RenderError(c, faults.Validation("malformed request body", err.Error()))
			return
		}
		view, err := svc.Current(c.Request.Context(), middleware.GetIdentity(c), req)
		if err != nil {
			middleware.RenderError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// MasteryHistory handles POST /api/v1/mastery/history: bucketed daily
// finals over a bounded date range.
func MasteryHistory(svc *query.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req query.HistoryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.RenderError(c, faults.Validation("malformed request body", err.Error()))
			return
		}
		view, err := svc.History(c.Request.Context(), middleware.GetIdentity(c), req)
		if err != nil {
			middleware.RenderError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// NextWeekPrediction handles POST /api/v1/predictions/next-week.
func NextWeekPrediction(svc *predict.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req predict.PredictRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.RenderError(c, faults.Validation("malformed request body", err.Error()))
			return
		}
		entry, err := svc.NextWeek(c.Request.Context(), middleware.GetIdentity(c), req)
		if err != nil {
			middleware.RenderError(c, err)
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}

// AdaptiveRecommendations handles POST /api/v1/recommendations/adaptive.
func AdaptiveRecommendations(svc *recommend.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req recommend.RecommendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.RenderError(c, faults.Validation("malformed request body", err.Error()))
			return
		}
		set, err := svc.Adaptive(c.Request.Context(), middleware.GetIdentity(c), req)
		if err != nil {
			middleware.RenderError(c, err)
			return
		}
		c.JSON(http.StatusOK, set)
	}
}

// ComplianceExport handles GET /api/v1/compliance/student/:id/export.
func ComplianceExport(svc *compliance.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		export, err := svc.ExportStudent(c.Request.Context(), middleware.GetIdentity(c), c.Param("id"))
		if err != nil {
			middleware.RenderError(c, err)
			return
		}
		c.JSON(http.StatusOK, export)
	}
}

// ComplianceErase handles DELETE /api/v1/compliance/student/:id. The
// summary body is the reason this is a 200 rather than a 204.
func ComplianceErase(svc *compliance.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := svc.EraseStudent(c.Request.Context(), middleware.GetIdentity(c), c.Param("id"))
		if err != nil {
			middleware.RenderError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

// HealthCheck reports process liveness. It deliberately checks nothing
// downstream; that is Ready's job.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "mastery"})
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
