// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/KodiakLearn/pkg/config"
	"github.com/AleutianAI/KodiakLearn/pkg/eventlog"
	"github.com/AleutianAI/KodiakLearn/pkg/eventlog/redisstream"
	"github.com/AleutianAI/KodiakLearn/pkg/logging"
	"github.com/AleutianAI/KodiakLearn/pkg/statestore"
	"github.com/AleutianAI/KodiakLearn/pkg/tracing"
	"github.com/AleutianAI/KodiakLearn/services/mastery"
	"github.com/AleutianAI/KodiakLearn/services/triage"
)

// Populated by the release build:
// -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

var (
	envFile string

	rootCmd = &cobra.Command{
		Use:   "kodiak",
		Short: "KodiakLearn tutoring backend",
		Long: `Kodiak runs the KodiakLearn backend: a stateless triage router that
classifies student queries and dispatches them to tutoring agents, and a
stateful mastery engine that folds learning events into per-student mastery
state, predictions, and recommendations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	triageCmd = &cobra.Command{
		Use:   "triage",
		Short: "Run the triage routing service",
		Args:  cobra.NoArgs,
		RunE:  runTriage,
	}

	masteryCmd = &cobra.Command{
		Use:   "mastery",
		Short: "Run the mastery engine",
		Args:  cobra.NoArgs,
		RunE:  runMastery,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run both services in one process",
		Long: `Serve starts the triage router and the mastery engine under one
supervisor, sharing a single state store and event log connection. Intended
for single-node installs and local development; production splits the
services so they scale independently.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kodiak %s (%s)\n", version, commit)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"optional .env file loaded before the environment is read")
	rootCmd.AddCommand(triageCmd, masteryCmd, serveCmd, versionCmd)
}

// bootstrap loads and validates the configuration and builds the process
// logger. Every service mode starts here; a returned error means exit code 1.
func bootstrap(service string) (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := logging.New(logging.Config{
		Level:   cfg.Level(),
		LogDir:  cfg.LogDir,
		Service: service,
		JSON:    true,
	})
	logger.Info("configuration loaded", cfg.LogFields()...)
	return cfg, logger, nil
}

// storeConfig maps the process config onto the badger adapter's settings.
func storeConfig(cfg *config.Config, logger *logging.Logger) statestore.Config {
	if cfg.StorePath == config.StoreInMemory {
		sc := statestore.InMemoryConfig()
		sc.Logger = logger
		return sc
	}
	sc := statestore.DefaultConfig(cfg.StorePath)
	sc.Logger = logger
	return sc
}

// retentionPolicies builds the trim table the mastery service sweeps on:
// every event partition at the event retention, plus the audit and
// dead-letter topics at theirs.
func retentionPolicies(cfg *config.Config) []redisstream.RetentionPolicy {
	policies := make([]redisstream.RetentionPolicy, 0, cfg.EventLogPartitions+2)
	for _, topic := range eventlog.EventsTopics(cfg.EventLogPartitions) {
		policies = append(policies, redisstream.RetentionPolicy{
			Topic: topic, MaxAge: cfg.EventRetention,
		})
	}
	return append(policies,
		redisstream.RetentionPolicy{Topic: eventlog.TopicAudits, MaxAge: cfg.AuditRetention},
		redisstream.RetentionPolicy{Topic: eventlog.TopicDeadLetter, MaxAge: cfg.DeadLetterRetention},
	)
}

func runTriage(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := bootstrap("triage")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleanup, err := tracing.Init(ctx, triage.ServiceName, cfg.OTELEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer cleanup(context.Background())

	// Publish-only event log: no consumer group.
	log, err := redisstream.Open(redisstream.Config{Addr: cfg.EventLogAddr, Logger: logger})
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	store, err := statestore.Open(storeConfig(cfg, logger))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	svc, err := triage.New(triage.Dependencies{
		Config: cfg,
		Logger: logger,
		Store:  store,
		Log:    log,
	})
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}

func runMastery(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := bootstrap("mastery")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleanup, err := tracing.Init(ctx, mastery.ServiceName, cfg.OTELEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer cleanup(context.Background())

	log, err := redisstream.Open(redisstream.Config{
		Addr:   cfg.EventLogAddr,
		Group:  cfg.EventLogConsumerGroup,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	store, err := statestore.Open(storeConfig(cfg, logger))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	svc, err := mastery.New(mastery.Dependencies{
		Config:  cfg,
		Logger:  logger,
		Store:   store,
		Log:     log,
		Sweeper: redisstream.NewRetentionSweeper(log, cfg.RetentionSweepInterval, retentionPolicies(cfg)),
	})
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := bootstrap("kodiak")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleanup, err := tracing.Init(ctx, "kodiak", cfg.OTELEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer cleanup(context.Background())

	// One connection pool and one store serve both services.
	log, err := redisstream.Open(redisstream.Config{
		Addr:   cfg.EventLogAddr,
		Group:  cfg.EventLogConsumerGroup,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	store, err := statestore.Open(storeConfig(cfg, logger))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	tri, err := triage.New(triage.Dependencies{
		Config: cfg,
		Logger: logger,
		Store:  store,
		Log:    log,
	})
	if err != nil {
		return err
	}
	mas, err := mastery.New(mastery.Dependencies{
		Config:  cfg,
		Logger:  logger,
		Store:   store,
		Log:     log,
		Sweeper: redisstream.NewRetentionSweeper(log, cfg.RetentionSweepInterval, retentionPolicies(cfg)),
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tri.Run(ctx) })
	g.Go(func() error { return mas.Run(ctx) })
	return g.Wait()
}
