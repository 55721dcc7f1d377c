// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mastery assembles the learning-state service: the partition
// consumer and aggregator on the write side, the query, prediction,
// recommendation, and compliance components on the read side, and the gin
// engine that fronts the read API.
//
// The package is a composition root. Every component is built in New from
// the immutable Config plus the shared infrastructure handed over in
// Dependencies; nothing here holds global state, so tests build as many
// instances as they like.
package mastery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
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
	"github.com/AleutianAI/KodiakLearn/services/mastery/aggregate"
	"github.com/AleutianAI/KodiakLearn/services/mastery/compliance"
	"github.com/AleutianAI/KodiakLearn/services/mastery/consumer"
	"github.com/AleutianAI/KodiakLearn/services/mastery/observability"
	"github.com/AleutianAI/KodiakLearn/services/mastery/predict"
	"github.com/AleutianAI/KodiakLearn/services/mastery/query"
	"github.com/AleutianAI/KodiakLearn/services/mastery/recommend"
	"github.com/AleutianAI/KodiakLearn/services/mastery/routes"
)

// ServiceName tags spans and access logs.
const ServiceName = "kodiak-mastery"

// shutdownTimeout bounds the drain of in-flight requests once the run
// context ends.
const shutdownTimeout = 10 * time.Second

// Sweeper runs a background retention loop until its context is cancelled.
// redisstream.RetentionSweeper satisfies it; nil disables trimming.
type Sweeper interface {
	Run(ctx context.Context) error
}

// Dependencies carries the shared infrastructure the service uses but does
// not own. In serve mode both services receive the same Store and Log; the
// caller opens and closes them.
type Dependencies struct {
	Config *config.Config
	Logger *logging.Logger

	// Store holds all mastery state. Required.
	Store statestore.Store

	// Log supplies the learning-event partitions and the dead-letter
	// topic. Required.
	Log eventlog.Log

	// Sweeper trims aged stream entries. Optional; the mastery service
	// owns retention, so serve mode passes it here rather than to triage.
	Sweeper Sweeper
}

// Service is the wired mastery engine.
type Service struct {
	cfg      *config.Config
	logger   *logging.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics

	cache    *statestore.HotCache
	consumer *consumer.Consumer
	sweeper  Sweeper
	checkers []probe.Checker

	engine *gin.Engine
	server *http.Server
}

// New builds every component and the route table. The returned service is
// inert until Run.
func New(deps Dependencies) (*Service, error) {
	cfg := deps.Config
	if cfg == nil {
		return nil, errors.New("mastery: config is required")
	}
	if deps.Store == nil {
		return nil, errors.New("mastery: state store is required")
	}
	if deps.Log == nil {
		return nil, errors.New("mastery: event log is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	cache := statestore.NewHotCache(deps.Store, cfg.CacheTTL)
	metrics.WireCache(cache)

	agg, err := aggregate.New(aggregate.Options{
		Store:  deps.Store,
		Cache:  cache,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("mastery: build aggregator: %w", err)
	}

	cons, err := consumer.New(consumer.Options{
		Log:        deps.Log,
		Aggregator: agg,
		Validator:  schema.NewValidator(schema.Config{EventMaxAge: cfg.EventRetention}),
		Partitions: cfg.EventLogPartitions,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("mastery: build consumer: %w", err)
	}

	qry, err := query.New(query.Options{Store: deps.Store, Cache: cache, Metrics: metrics, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("mastery: build query service: %w", err)
	}
	prd, err := predict.New(predict.Options{Store: deps.Store, Metrics: metrics, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("mastery: build prediction service: %w", err)
	}
	rec, err := recommend.New(recommend.Options{Store: deps.Store, Cache: cache, Metrics: metrics, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("mastery: build recommendation service: %w", err)
	}
	cmp, err := compliance.New(compliance.Options{Store: deps.Store, Cache: cache, Metrics: metrics, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("mastery: build compliance service: %w", err)
	}

	checkers := []probe.Checker{
		probe.NewChecker("store", deps.Store.Ping),
		probe.NewChecker("eventlog", deps.Log.Ping),
	}

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(ServiceName))
	engine.Use(middleware.RequestID())
	engine.Use(middleware.AccessLog(logger))
	routes.SetupRoutes(engine, routes.Services{
		Query:      qry,
		Predict:    prd,
		Recommend:  rec,
		Compliance: cmp,
	}, registry, cfg.ProbeBudget, checkers...)

	return &Service{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics,
		cache:    cache,
		consumer: cons,
		sweeper:  deps.Sweeper,
		checkers: checkers,
		engine:   engine,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MasteryPort),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Handler exposes the gin engine for httptest-driven tests.
func (s *Service) Handler() http.Handler { return s.engine }

// Run waits for dependencies, then consumes and serves until ctx is
// cancelled or any background loop fails. The partition workers, retention
// sweeper, and cache sweeper run under one errgroup with the HTTP listener;
// a clean shutdown drains in-flight requests before returning.
//
// A probe.ErrUnready return means the startup grace expired.
func (s *Service) Run(ctx context.Context) error {
	if _, err := probe.Wait(ctx, s.logger, probe.WaitOptions{
		Budget: s.cfg.ProbeBudget,
		Grace:  s.cfg.StartupGrace,
	}, s.checkers...); err != nil {
		return fmt.Errorf("mastery startup: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.consumer.Run(ctx); err != nil {
			return fmt.Errorf("mastery consumer: %w", err)
		}
		return nil
	})

	if s.sweeper != nil {
		g.Go(func() error { return s.sweeper.Run(ctx) })
	}

	g.Go(func() error {
		s.sweepCache(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		s.logger.Info("mastery service listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("mastery server: %w", err)
		}
		return nil
	})

	err := g.Wait()
	s.logger.Info("mastery service stopped")
	return err
}

// sweepCache evicts expired hot-cache slots on a ticker. Reads skip expired
// entries anyway, so this loop only reclaims memory.
func (s *Service) sweepCache(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CacheSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.cache.Sweep(); removed > 0 {
				s.logger.Debug("hot cache swept expired entries", "removed", removed)
			}
		}
	}
}
