// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package triage assembles the request-routing service: classifier,
// invocation client, rate limiter, audit pipeline, and the gin engine that
// fronts them.
//
// The package is a composition root. Every component is built in New from
// the immutable Config plus the shared infrastructure handed over in
// Dependencies; nothing here holds global state, so tests build as many
// instances as they like.
package triage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/KodiakLearn/pkg/config"
	"github.com/AleutianAI/KodiakLearn/pkg/eventlog"
	"github.com/AleutianAI/KodiakLearn/pkg/logging"
	"github.com/AleutianAI/KodiakLearn/pkg/middleware"
	"github.com/AleutianAI/KodiakLearn/pkg/probe"
	"github.com/AleutianAI/KodiakLearn/pkg/schema"
	"github.com/AleutianAI/KodiakLearn/pkg/statestore"
	"github.com/AleutianAI/KodiakLearn/services/triage/audit"
	"github.com/AleutianAI/KodiakLearn/services/triage/classifier"
	"github.com/AleutianAI/KodiakLearn/services/triage/invoke"
	"github.com/AleutianAI/KodiakLearn/services/triage/observability"
	"github.com/AleutianAI/KodiakLearn/services/triage/ratelimit"
	"github.com/AleutianAI/KodiakLearn/services/triage/router"
	"github.com/AleutianAI/KodiakLearn/services/triage/routes"
)

// ServiceName tags spans and access logs.
const ServiceName = "kodiak-triage"

// shutdownTimeout bounds the drain of in-flight requests once the run
// context ends.
const shutdownTimeout = 10 * time.Second

// Dependencies carries the shared infrastructure the service uses but does
// not own. In serve mode both services receive the same Store and Log; the
// caller opens and closes them.
type Dependencies struct {
	Config *config.Config
	Logger *logging.Logger

	// Store backs idempotency records. Nil is allowed: keyed requests are
	// then rejected, unkeyed ones route normally.
	Store statestore.Store

	// Log receives audit records and backs the eventlog readiness probe.
	Log eventlog.Log
}

// Service is the wired triage-routing service.
type Service struct {
	cfg      *config.Config
	logger   *logging.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics

	rules    *classifier.Engine
	limiter  *ratelimit.SlidingWindow
	emitter  *audit.Emitter
	hub      *audit.Hub
	checkers []probe.Checker

	engine *gin.Engine
	server *http.Server
}

// New builds every component and the route table. The returned service is
// inert until Run.
func New(deps Dependencies) (*Service, error) {
	cfg := deps.Config
	if cfg == nil {
		return nil, errors.New("triage: config is required")
	}
	if deps.Log == nil {
		return nil, errors.New("triage: event log is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	hub := audit.NewHub(logger)
	emitter, err := audit.NewEmitter(deps.Log, audit.EmitterConfig{
		QueueSize:     cfg.AuditQueueSize,
		SpillDir:      cfg.AuditSpillDir,
		SpillMaxBytes: cfg.AuditSpillMaxBytes,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("triage: build audit emitter: %w", err)
	}
	emitter.AttachHub(hub)
	metrics.WireEmitter(emitter)
	metrics.WireHub(hub)

	rules := classifier.NewEngine(logger)
	rules.SwapHook = func(string) { metrics.RulePackSwaps.Inc() }

	var cls classifier.Classifier = rules
	if cfg.LLMEndpoint != "" {
		assisted := classifier.NewAssisted(rules, classifier.AssistConfig{
			Endpoint: cfg.LLMEndpoint,
			Model:    cfg.LLMModel,
			Budget:   cfg.LLMBudget(),
			Key:      cfg.LLMKey(),
		}, logger)
		assisted.OutcomeHook = metrics.RecordLLMAssist
		cls = assisted
	}

	breakers := invoke.NewBreakerRegistry(invoke.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		OpenDuration:     cfg.BreakerOpenDuration,
	})
	breakers.OnTransition = func(target schema.AgentID, from, to schema.BreakerState) {
		metrics.RecordBreakerTransition(target, from, to)
		logger.Info("breaker transition", "target", target, "from", from, "to", to)
	}

	invoker := invoke.NewClient(invoke.Options{
		BaseURL:  cfg.SidecarHTTPEndpoint,
		Breakers: breakers,
		Retry: invoke.RetryConfig{
			MaxAttempts:    cfg.InvokeMaxAttempts,
			InitialBackoff: cfg.InvokeInitialBackoff,
			AttemptTimeout: cfg.InvokeAttemptTimeout,
		},
		Logger:         logger,
		ObserveAttempt: metrics.RecordInvokeAttempt,
	})

	limiter := ratelimit.NewSlidingWindow(ratelimit.Config{
		Limit:  cfg.RateLimit,
		Window: cfg.RateWindow,
	})

	rt := router.New(router.Options{
		Validator:  schema.NewValidator(schema.Config{EventMaxAge: cfg.EventRetention}),
		Classifier: cls,
		Invoker:    invoker,
		Limiter:    limiter,
		Store:      deps.Store,
		Audit:      emitter,
		Metrics:    metrics,
		Logger:     logger,
	})

	checkers := []probe.Checker{
		probe.NewChecker("eventlog", deps.Log.Ping),
		probe.HTTP("sidecar", sidecarHealthURL(cfg.SidecarHTTPEndpoint), nil),
	}
	if deps.Store != nil {
		checkers = append([]probe.Checker{probe.NewChecker("store", deps.Store.Ping)}, checkers...)
	}

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(ServiceName))
	engine.Use(middleware.RequestID())
	engine.Use(middleware.AccessLog(logger))
	routes.SetupRoutes(engine, rt, hub, registry, cfg.ProbeBudget, checkers...)

	return &Service{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics,
		rules:    rules,
		limiter:  limiter,
		emitter:  emitter,
		hub:      hub,
		checkers: checkers,
		engine:   engine,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.TriagePort),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Handler exposes the gin engine for httptest-driven tests.
func (s *Service) Handler() http.Handler { return s.engine }

// Run waits for dependencies, then serves until ctx is cancelled or any
// background loop fails. The audit emitter, rule-pack watcher, and limiter
// sweeper run under one errgroup with the HTTP listener; a clean shutdown
// drains in-flight requests and flushes the audit backlog.
//
// A probe.ErrUnready return means the startup grace expired.
func (s *Service) Run(ctx context.Context) error {
	if _, err := probe.Wait(ctx, s.logger, probe.WaitOptions{
		Budget: s.cfg.ProbeBudget,
		Grace:  s.cfg.StartupGrace,
	}, s.checkers...); err != nil {
		return fmt.Errorf("triage startup: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.emitter.Run(ctx) })

	if s.cfg.ClassifierRules != "" {
		g.Go(func() error {
			if err := s.rules.Watch(ctx, s.cfg.ClassifierRules); err != nil {
				return fmt.Errorf("triage classifier rules: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		s.sweepLimiter(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		s.logger.Info("triage service listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("triage server: %w", err)
		}
		return nil
	})

	err := g.Wait()
	s.logger.Info("triage service stopped")
	return err
}

// sweepLimiter trims idle rate-limit windows once per window so one-off
// callers do not pin map entries forever.
func (s *Service) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RateWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.limiter.Sweep(); removed > 0 {
				s.logger.Debug("rate limiter swept idle windows", "removed", removed)
			}
		}
	}
}

func sidecarHealthURL(base string) string {
	return strings.TrimRight(base, "/") + "/v1.0/healthz"
}
