// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/KodiakLearn/pkg/faults"
	"github.com/AleutianAI/KodiakLearn/pkg/identity"
)

// Identifier patterns. Validated before any value reaches a store key or a
// sidecar URL, which keeps key construction injection-free.
var (
	exercisePattern = regexp.MustCompile(`^ex_[A-Za-z0-9_-]{1,64}$`)
	idemKeyPattern  = regexp.MustCompile(`^[0-9a-f]{32}$`)
)

// structValidate is the shared validator instance. Custom rules are
// registered once in init.
var structValidate *validator.Validate

func init() {
	structValidate = validator.New()

	// Report json field names in violations instead of Go field names.
	structValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	_ = structValidate.RegisterValidation("subject", validateSubjectField)
	_ = structValidate.RegisterValidation("exerciseid", validateExerciseField)
	_ = structValidate.RegisterValidation("idemkey", validateIdemKeyField)
	_ = structValidate.RegisterValidation("intenttag", validateIntentField)
	_ = structValidate.RegisterValidation("agentid", validateAgentField)
	_ = structValidate.RegisterValidation("score", validateScoreField)
}

func validateSubjectField(fl validator.FieldLevel) bool {
	return identity.ValidateSubject(fl.Field().String()) == nil
}

func validateExerciseField(fl validator.FieldLevel) bool {
	return exercisePattern.MatchString(fl.Field().String())
}

// ValidIdempotencyKey checks the 32-hex deduplication key shape. Exported
// for the router, which reads the key from a header rather than a body.
func ValidIdempotencyKey(key string) bool {
	return idemKeyPattern.MatchString(key)
}

func validateIdemKeyField(fl validator.FieldLevel) bool {
	return ValidIdempotencyKey(fl.Field().String())
}

func validateIntentField(fl validator.FieldLevel) bool {
	tag := IntentTag(fl.Field().String())
	return ValidIntent(tag) || tag == IntentReview
}

func validateAgentField(fl validator.FieldLevel) bool {
	return ValidAgent(AgentID(fl.Field().String()))
}

func validateScoreField(fl validator.FieldLevel) bool {
	v := fl.Field().Float()
	return v >= 0 && v <= 1
}

// =============================================================================
// Validator
// =============================================================================

// Config bounds the timestamp skew windows.
//
// EventFutureSkew only guards against clocks running ahead: consumer lag and
// replays legitimately deliver events with old timestamps, so the past bound
// is the log retention, not the skew window.
type Config struct {
	// IngressSkew is the tolerated client clock drift on triage requests.
	IngressSkew time.Duration

	// EventFutureSkew is the tolerated producer clock drift into the future
	// on learning events.
	EventFutureSkew time.Duration

	// EventMaxAge rejects events older than the log retention.
	EventMaxAge time.Duration
}

// DefaultConfig returns the deployment defaults: 5 minute ingress skew,
// 60 second event future skew, 7 day event age.
func DefaultConfig() Config {
	return Config{
		IngressSkew:     5 * time.Minute,
		EventFutureSkew: 60 * time.Second,
		EventMaxAge:     7 * 24 * time.Hour,
	}
}

// Validator checks request bodies and event payloads against the declared
// shapes. Safe for concurrent use.
type Validator struct {
	cfg Config
}

// NewValidator builds a Validator; zero-valued config fields fall back to
// the defaults.
func NewValidator(cfg Config) *Validator {
	def := DefaultConfig()
	if cfg.IngressSkew <= 0 {
		cfg.IngressSkew = def.IngressSkew
	}
	if cfg.EventFutureSkew <= 0 {
		cfg.EventFutureSkew = def.EventFutureSkew
	}
	if cfg.EventMaxAge <= 0 {
		cfg.EventMaxAge = def.EventMaxAge
	}
	return &Validator{cfg: cfg}
}

// ValidateTriageRequest checks an inbound routing request against the
// schema and the ingress skew window. receivedAt is the server receipt time.
// Violations come back inside a validation fault.
func (v *Validator) ValidateTriageRequest(req *TriageRequest, receivedAt time.Time) error {
	violations := structViolations(req)

	if req.ClientTimestamp.IsZero() {
		violations = append(violations, "client_timestamp: required")
	} else if drift := absDuration(receivedAt.Sub(req.ClientTimestamp)); drift > v.cfg.IngressSkew {
		violations = append(violations,
			fmt.Sprintf("client_timestamp: outside skew window (drift %s, allowed %s)", drift.Round(time.Second), v.cfg.IngressSkew))
	}
	if req.ProgressSnapshot != nil && req.ProgressSnapshot.ServerTimestamp.IsZero() {
		violations = append(violations, "progress_snapshot.server_timestamp: required")
	}

	if len(violations) > 0 {
		return faults.Validation("triage request failed validation", violations...)
	}
	return nil
}

// ValidateEvent checks a learning event pulled from the log. receivedAt is
// the consumer processing time. A violation means the event belongs on the
// dead-letter topic, not in the aggregate.
func (v *Validator) ValidateEvent(ev *LearningEvent, receivedAt time.Time) error {
	violations := structViolations(ev)

	switch ts := ev.ServerTimestamp; {
	case ts.IsZero():
		violations = append(violations, "server_timestamp: required")
	case ts.After(receivedAt.Add(v.cfg.EventFutureSkew)):
		violations = append(violations,
			fmt.Sprintf("server_timestamp: ahead of processing time by more than %s", v.cfg.EventFutureSkew))
	case receivedAt.Sub(ts) > v.cfg.EventMaxAge:
		violations = append(violations,
			fmt.Sprintf("server_timestamp: older than the %s retention window", v.cfg.EventMaxAge))
	}

	if len(violations) > 0 {
		return faults.Validation("learning event failed validation", violations...)
	}
	return nil
}

// ValidateAudit checks a decision record before publication.
func (v *Validator) ValidateAudit(a *TriageAudit) error {
	if violations := structViolations(a); len(violations) > 0 {
		return faults.Validation("audit record failed validation", violations...)
	}
	return nil
}

// structViolations runs tag validation and flattens the result into
// "field: rule" strings.
func structViolations(s any) []string {
	err := structValidate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		// Namespace begins with the Go type name; drop it. The embedded
		// snapshot inside LearningEvent is flattened on the wire, so its
		// type name is dropped too.
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		path = strings.TrimPrefix(path, "ProgressSnapshot.")
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out = append(out, fmt.Sprintf("%s: %s", path, rule))
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
