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
	"github.com/AleutianAI/KodiakLearn/services/triage/audit"
	"github.com/AleutianAI/KodiakLearn/services/triage/handlers"
	"github.com/AleutianAI/KodiakLearn/services/triage/router"
)

// SetupRoutes registers every triage endpoint. Health, readiness, and
// metrics stay outside the identity gate so probes and the scraper reach
// them without gateway headers.
func SetupRoutes(engine *gin.Engine, rt *router.Router, hub *audit.Hub,
	gatherer prometheus.Gatherer, probeBudget time.Duration, checkers ...probe.Checker) {

	engine.GET("/health", handlers.HealthCheck)
	engine.GET("/ready", handlers.Ready(probeBudget, checkers...))
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// API version 1 group
	v1 := engine.Group("/api/v1")
	v1.Use(middleware.Identity())
	{
		v1.POST("/triage", handlers.Triage(rt))
		v1.GET("/audits/stream", handlers.AuditStream(hub))
	}
}
