// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the shared gin middleware chain for the
// triage and mastery services.
//
// Both services assemble the same explicit chain:
//
//	engine.Use(gin.Recovery())
//	engine.Use(otelgin.Middleware(serviceName))
//	engine.Use(middleware.RequestID())
//	engine.Use(middleware.AccessLog(logger))
//	v1.Use(middleware.Identity())
//
// RequestID runs before AccessLog so every access line carries the
// correlation id. Identity applies per route group; the health and metrics
// endpoints stay open for the probes that scrape them.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/KodiakLearn/pkg/faults"
	"github.com/AleutianAI/KodiakLearn/pkg/identity"
	"github.com/AleutianAI/KodiakLearn/pkg/logging"
)

// HeaderRequestID is honored when the gateway already assigned an id.
const HeaderRequestID = "X-Request-ID"

// Context keys. Typed string constants prevent collisions with other
// gin context users.
const (
	requestIDKey = "kodiak_request_id"
	identityKey  = "kodiak_identity"
)

// maxInboundRequestIDLen bounds gateway-supplied ids so a hostile client
// cannot inflate logs and audit records.
const maxInboundRequestIDLen = 128

// =============================================================================
// Context Helpers
// =============================================================================

// SetRequestID stores the correlation id in the gin context.
func SetRequestID(c *gin.Context, id string) {
	c.Set(requestIDKey, id)
}

// GetRequestID returns the correlation id, or "" when RequestID did not run.
func GetRequestID(c *gin.Context) string {
	if v, exists := c.Get(requestIDKey); exists {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// SetIdentity stores the authenticated caller in the gin context.
func SetIdentity(c *gin.Context, id *identity.Identity) {
	c.Set(identityKey, id)
}

// GetIdentity returns the authenticated caller, or nil on routes where the
// Identity middleware is not installed.
func GetIdentity(c *gin.Context) *identity.Identity {
	if v, exists := c.Get(identityKey); exists {
		if id, ok := v.(*identity.Identity); ok {
			return id
		}
	}
	return nil
}

// =============================================================================
// Middleware
// =============================================================================

// RequestID assigns a correlation id to every request. A well-formed
// inbound X-Request-ID is kept so gateway traces line up; otherwise a
// fresh UUID is generated. The id is echoed on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > maxInboundRequestIDLen {
			id = uuid.NewString()
		}
		SetRequestID(c, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// Identity authenticates the caller from the gateway headers
// (X-Consumer-Username, X-Consumer-Role) and stores the resulting
// identity for handlers. Missing or malformed headers abort with 401.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := identity.FromHeaders(
			c.GetHeader(identity.HeaderUsername),
			c.GetHeader(identity.HeaderRole),
		)
		if err != nil {
			RenderError(c, err)
			return
		}
		SetIdentity(c, caller)
		c.Next()
	}
}

// AccessLog emits one structured line per request after the handler chain
// completes. 5xx responses log at Error, 4xx at Warn, the rest at Info.
// Errors attached to the gin context (via RenderError) are included so
// internal failures stay correlated without leaking into response bodies.
func AccessLog(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		args := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"request_id", GetRequestID(c),
		}
		if caller := GetIdentity(c); caller != nil {
			args = append(args, "subject", caller.Subject)
		}
		if len(c.Errors) > 0 {
			args = append(args, "error", c.Errors.Last().Error())
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("request failed", args...)
		case status >= http.StatusBadRequest:
			logger.Warn("request rejected", args...)
		default:
			logger.Info("request completed", args...)
		}
	}
}

// =============================================================================
// Error Rendering
// =============================================================================

// reservedBodyKeys are set explicitly and must not be overwritten by a
// fault's detail map.
var reservedBodyKeys = map[string]bool{
	"error":       true,
	"message":     true,
	"request_id":  true,
	"retry_after": true,
	"violations":  true,
}

// RenderError writes the taxonomy-mapped JSON error response and aborts the
// chain. The body always carries the stable code, a safe message, and the
// request id:
//
//	{ "error": "rate_limit_error", "message": "...", "request_id": "..." }
//
// Rate-limit faults add retry_after (seconds) and the Retry-After header;
// validation faults add violations; detail fields such as breaker_state
// render flat in the body. Internal errors never expose the cause.
func RenderError(c *gin.Context, err error) {
	fault := faults.AsFault(err)
	status := faults.HTTPStatus(fault)
	requestID := GetRequestID(c)

	// Keep the cause in the gin context for the access log.
	_ = c.Error(err)

	body := gin.H{
		"error":      string(fault.Code),
		"message":    fault.Message,
		"request_id": requestID,
	}
	if fault.RetryAfter > 0 {
		seconds := int(fault.RetryAfter.Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		body["retry_after"] = seconds
		c.Header("Retry-After", strconv.Itoa(seconds))
	}
	if len(fault.Violations) > 0 {
		body["violations"] = fault.Violations
	}
	for k, v := range fault.Details {
		if !reservedBodyKeys[k] {
			body[k] = v
		}
	}

	c.AbortWithStatusJSON(status, body)
}
