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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/KodiakLearn/pkg/middleware"
	"github.com/AleutianAI/KodiakLearn/pkg/probe"
	"github.com/AleutianAI/KodiakLearn/services/mastery/compliance"
	"github.com/AleutianAI/KodiakLearn/services/mastery/handlers"
	"github.com/AleutianAI/KodiakLearn/services/mastery/predict"
	"github.com/AleutianAI/KodiakLearn/services/mastery/query"
	"github.com/AleutianAI/KodiakLearn/services/mastery/recommend"
)

// Services groups the request-serving components the route table dispatches
// to.
type Services struct {
	Query      *query.Service
	Predict    *predict.Service
	Recommend  *recommend.Service
	Compliance *compliance.Service
}

// SetupRoutes registers every mastery endpoint. Health, readiness, and
// metrics stay outside the identity gate so probes and the scraper reach
// them without gateway headers.
func SetupRoutes(engine *gin.Engine, svcs Services,
	gatherer prometheus.Gatherer, probeBudget time.Duration, checkers ...probe.Checker) {

	engine.GET("/health", handlers.HealthCheck)
	engine.GET("/ready", handlers.Ready(probeBudget, checkers...))
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// API version 1 group
	v1 := engine.Group("/api/v1")
	v1.Use(middleware.Identity())
	{
		v1.POST("/mastery/query", handlers.CurrentMastery(svcs.Query))
		v1.POST("/mastery/history", handlers.MasteryHistory(svcs.Query))
		v1.POST("/predictions/next-week", handlers.NextWeekPrediction(svcs.Predict))
		v1.POST("/recommendations/adaptive", handlers.AdaptiveRecommendations(svcs.Recommend))
		v1.GET("/compliance/student/:id/export", handlers.ComplianceExport(svcs.Compliance))
		v1.DELETE("/compliance/student/:id", handlers.ComplianceErase(svcs.Compliance))
	}
}
