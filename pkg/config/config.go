// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the process configuration for the
// Kodiak control plane.
//
// All settings come from the environment with the KODIAK_ prefix
// (KODIAK_TRIAGE_PORT, KODIAK_STORE_PATH, ...). A .env file, when present,
// is loaded first via godotenv so local development does not need exported
// shells. Defaults live in the struct tags; Load returns a fully populated
// Config and Validate rejects anything a service cannot start with.
//
// The Config is immutable after Load: services receive it by value or
// pointer and never write to it. The LLM API key never sits in the struct
// as plain text; Load moves it into a memguard enclave and scrubs the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/AleutianAI/KodiakLearn/pkg/logging"
)

// EnvPrefix is prepended to every variable name in the struct tags below.
const EnvPrefix = "KODIAK_"

// StoreInMemory is the STORE_PATH sentinel that selects badger's in-memory
// mode. Tests and CI use it to avoid touching disk.
const StoreInMemory = ":memory:"

// Config holds every tunable for both services. Field tags are the
// authoritative list of environment variables and their defaults.
type Config struct {
	// --- process ---

	// LogLevel is the minimum log level: debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// LogDir enables file logging when set (see pkg/logging).
	LogDir string `env:"LOG_DIR"`

	// GinMode selects gin's mode: release, debug, or test.
	GinMode string `env:"GIN_MODE" envDefault:"release"`

	// --- listeners ---

	TriagePort  int `env:"TRIAGE_PORT" envDefault:"12310"`
	MasteryPort int `env:"MASTERY_PORT" envDefault:"12320"`

	// --- sidecar invocation plane ---

	// SidecarHTTPEndpoint is the local sidecar base URL used by the
	// invocation client. Agents are never dialed directly.
	SidecarHTTPEndpoint string `env:"SIDECAR_HTTP_ENDPOINT" envDefault:"http://127.0.0.1:3500"`

	// SidecarGRPCEndpoint is reserved for the gRPC invocation path.
	SidecarGRPCEndpoint string `env:"SIDECAR_GRPC_ENDPOINT"`

	// --- event log (redis streams) ---

	EventLogAddr          string `env:"EVENTLOG_ADDR" envDefault:"127.0.0.1:6379"`
	EventLogConsumerGroup string `env:"EVENTLOG_CONSUMER_GROUP" envDefault:"mastery-engine"`

	// EventLogPartitions is the partition count for learning.events.p{N}.
	// Changing it on a live deployment re-shards students across
	// partitions; per-student ordering holds only within one value.
	EventLogPartitions int `env:"EVENTLOG_PARTITIONS" envDefault:"8"`

	// --- state store (badger) ---

	// StorePath is the badger directory, or ":memory:" for tests.
	StorePath string `env:"STORE_PATH" envDefault:"./data/kodiak"`

	// --- mastery: hot cache ---

	// CacheTTL bounds how stale a hot-path read may be between writes;
	// the aggregator invalidates on every commit, so the TTL only matters
	// when another process writes the store.
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	// CacheSweepInterval spaces eviction passes over expired cache slots.
	CacheSweepInterval time.Duration `env:"CACHE_SWEEP_INTERVAL" envDefault:"5m"`

	// --- triage: rate limiting ---

	// RateLimit is the per-student request budget per RateWindow.
	RateLimit  int           `env:"RATE_LIMIT" envDefault:"100"`
	RateWindow time.Duration `env:"RATE_WINDOW" envDefault:"1m"`

	// --- triage: circuit breaker ---

	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerOpenDuration     time.Duration `env:"BREAKER_OPEN_DURATION" envDefault:"30s"`

	// --- triage: invocation retry ladder ---

	InvokeMaxAttempts    int           `env:"INVOKE_MAX_ATTEMPTS" envDefault:"3"`
	InvokeInitialBackoff time.Duration `env:"INVOKE_INITIAL_BACKOFF" envDefault:"100ms"`
	InvokeAttemptTimeout time.Duration `env:"INVOKE_ATTEMPT_TIMEOUT" envDefault:"2s"`

	// --- triage: LLM classification assist ---

	// LLMEndpoint enables the assist when set (OpenAI-compatible base URL).
	LLMEndpoint string `env:"LLM_ENDPOINT"`
	LLMModel    string `env:"LLM_MODEL" envDefault:"qwen2.5-coder"`

	// LLMBudgetMS bounds one assist call; the rule verdict stands when
	// the budget is exceeded.
	LLMBudgetMS int `env:"LLM_BUDGET_MS" envDefault:"300"`

	// LLMAPIKey is consumed by Load: moved into an enclave, scrubbed
	// here, and unset from the process environment. Prefer
	// LLM_API_KEY_FILE in deployments with mounted secrets.
	LLMAPIKey     string `env:"LLM_API_KEY,unset"`
	LLMAPIKeyFile string `env:"LLM_API_KEY_FILE"`

	// --- triage: classifier rules ---

	// ClassifierRules points at a YAML rule pack; empty selects the
	// built-in pack. The file is watched and hot-reloaded.
	ClassifierRules string `env:"CLASSIFIER_RULES"`

	// --- triage: audit pipeline ---

	AuditQueueSize     int    `env:"AUDIT_QUEUE_SIZE" envDefault:"1024"`
	AuditSpillDir      string `env:"AUDIT_SPILL_DIR"`
	AuditSpillMaxBytes int64  `env:"AUDIT_SPILL_MAX_BYTES" envDefault:"67108864"`

	// --- observability ---

	// OTELEndpoint enables trace export when set (OTLP gRPC collector).
	OTELEndpoint string `env:"OTEL_ENDPOINT"`

	// --- retention ---

	AuditRetention      time.Duration `env:"AUDIT_RETENTION" envDefault:"2160h"`
	EventRetention      time.Duration `env:"EVENT_RETENTION" envDefault:"168h"`
	DeadLetterRetention time.Duration `env:"DEADLETTER_RETENTION" envDefault:"720h"`

	// RetentionSweepInterval spaces the stream-trim passes the mastery
	// service runs over events, audits, and the dead-letter topic.
	RetentionSweepInterval time.Duration `env:"RETENTION_SWEEP_INTERVAL" envDefault:"1h"`

	// --- startup probes ---

	ProbeBudget  time.Duration `env:"PROBE_BUDGET" envDefault:"2s"`
	StartupGrace time.Duration `env:"STARTUP_GRACE" envDefault:"30s"`

	// llmKey holds the API key after Load. Nil when no key was provided.
	llmKey *memguard.Enclave
}

// Load reads .env files (if any exist), parses the environment, and secures
// the LLM API key. Missing .env files are not errors; a malformed
// environment value is.
//
// Call Validate on the result before using it.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, statErr := os.Stat(f); statErr == nil {
			if err := godotenv.Load(f); err != nil {
				return nil, fmt.Errorf("load env file %s: %w", f, err)
			}
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.secureLLMKey(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// secureLLMKey moves the key out of plain fields into an enclave. A direct
// KODIAK_LLM_API_KEY wins over the file path when both are set.
func (c *Config) secureLLMKey() error {
	keyText := strings.TrimSpace(c.LLMAPIKey)
	c.LLMAPIKey = ""

	if keyText == "" && c.LLMAPIKeyFile != "" {
		data, err := os.ReadFile(c.LLMAPIKeyFile)
		if err != nil {
			return fmt.Errorf("read LLM API key file: %w", err)
		}
		keyText = strings.TrimSpace(string(data))
	}

	if keyText != "" {
		c.llmKey = memguard.NewEnclave([]byte(keyText))
	}
	return nil
}

// LLMKey returns the enclave holding the API key, or nil when none was
// configured. Callers open it per request and destroy the buffer promptly.
func (c *Config) LLMKey() *memguard.Enclave { return c.llmKey }

// HasLLMKey reports whether an API key was configured.
func (c *Config) HasLLMKey() bool { return c.llmKey != nil }

// LLMBudget returns the assist budget as a duration.
func (c *Config) LLMBudget() time.Duration {
	return time.Duration(c.LLMBudgetMS) * time.Millisecond
}

// Level parses LogLevel. Validate has already rejected bad values, so this
// never fails after a successful Validate.
func (c *Config) Level() logging.Level {
	level, _ := logging.ParseLevel(c.LogLevel)
	return level
}

// Validate checks every field a service needs to start. All problems are
// reported at once so operators fix a bad deployment in one pass.
func (c *Config) Validate() error {
	var problems []string

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, fmt.Sprintf("LOG_LEVEL: %v", err))
	}
	switch c.GinMode {
	case "release", "debug", "test":
	default:
		problems = append(problems, fmt.Sprintf("GIN_MODE: unknown mode %q", c.GinMode))
	}

	for name, port := range map[string]int{
		"TRIAGE_PORT":  c.TriagePort,
		"MASTERY_PORT": c.MasteryPort,
	} {
		if port < 1 || port > 65535 {
			problems = append(problems, fmt.Sprintf("%s: %d out of range [1, 65535]", name, port))
		}
	}
	if c.TriagePort == c.MasteryPort {
		problems = append(problems, "TRIAGE_PORT and MASTERY_PORT must differ")
	}

	if c.SidecarHTTPEndpoint == "" {
		problems = append(problems, "SIDECAR_HTTP_ENDPOINT: must not be empty")
	}
	if c.EventLogAddr == "" {
		problems = append(problems, "EVENTLOG_ADDR: must not be empty")
	}
	if c.EventLogConsumerGroup == "" {
		problems = append(problems, "EVENTLOG_CONSUMER_GROUP: must not be empty")
	}
	if c.EventLogPartitions < 1 || c.EventLogPartitions > 64 {
		problems = append(problems, fmt.Sprintf("EVENTLOG_PARTITIONS: %d out of range [1, 64]", c.EventLogPartitions))
	}
	if c.StorePath == "" {
		problems = append(problems, "STORE_PATH: must not be empty")
	}

	if c.RateLimit < 1 {
		problems = append(problems, fmt.Sprintf("RATE_LIMIT: %d must be positive", c.RateLimit))
	}
	if c.BreakerFailureThreshold < 1 {
		problems = append(problems, fmt.Sprintf("BREAKER_FAILURE_THRESHOLD: %d must be positive", c.BreakerFailureThreshold))
	}
	if c.InvokeMaxAttempts < 1 {
		problems = append(problems, fmt.Sprintf("INVOKE_MAX_ATTEMPTS: %d must be positive", c.InvokeMaxAttempts))
	}
	if c.AuditQueueSize < 1 {
		problems = append(problems, fmt.Sprintf("AUDIT_QUEUE_SIZE: %d must be positive", c.AuditQueueSize))
	}
	if c.AuditSpillMaxBytes < 0 {
		problems = append(problems, fmt.Sprintf("AUDIT_SPILL_MAX_BYTES: %d must not be negative", c.AuditSpillMaxBytes))
	}
	if c.LLMBudgetMS < 1 {
		problems = append(problems, fmt.Sprintf("LLM_BUDGET_MS: %d must be positive", c.LLMBudgetMS))
	}

	for name, d := range map[string]time.Duration{
		"RATE_WINDOW":              c.RateWindow,
		"BREAKER_OPEN_DURATION":    c.BreakerOpenDuration,
		"INVOKE_INITIAL_BACKOFF":   c.InvokeInitialBackoff,
		"INVOKE_ATTEMPT_TIMEOUT":   c.InvokeAttemptTimeout,
		"CACHE_TTL":                c.CacheTTL,
		"CACHE_SWEEP_INTERVAL":     c.CacheSweepInterval,
		"AUDIT_RETENTION":          c.AuditRetention,
		"EVENT_RETENTION":          c.EventRetention,
		"DEADLETTER_RETENTION":     c.DeadLetterRetention,
		"RETENTION_SWEEP_INTERVAL": c.RetentionSweepInterval,
		"PROBE_BUDGET":             c.ProbeBudget,
		"STARTUP_GRACE":            c.StartupGrace,
	} {
		if d <= 0 {
			problems = append(problems, fmt.Sprintf("%s: %s must be positive", name, d))
		}
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// LogFields returns startup-log attributes with secrets reduced to
// presence booleans.
func (c *Config) LogFields() []any {
	return []any{
		"log_level", c.LogLevel,
		"triage_port", c.TriagePort,
		"mastery_port", c.MasteryPort,
		"sidecar_http", c.SidecarHTTPEndpoint,
		"eventlog_addr", c.EventLogAddr,
		"eventlog_partitions", c.EventLogPartitions,
		"store_path", c.StorePath,
		"cache_ttl", c.CacheTTL.String(),
		"rate_limit", c.RateLimit,
		"rate_window", c.RateWindow.String(),
		"breaker_threshold", c.BreakerFailureThreshold,
		"breaker_open", c.BreakerOpenDuration.String(),
		"llm_assist", c.LLMEndpoint != "",
		"llm_key_present", c.HasLLMKey(),
		"otel_enabled", c.OTELEndpoint != "",
	}
}
