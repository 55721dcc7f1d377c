// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classifier

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/KodiakLearn/pkg/logging"
	"github.com/AleutianAI/KodiakLearn/pkg/schema"
)

func quietEngine() *Engine {
	return NewEngine(logging.New(logging.Config{Quiet: true}))
}

func TestClassify_BuiltinVerdicts(t *testing.T) {
	e := quietEngine()
	ctx := context.Background()

	tests := []struct {
		name          string
		query         string
		wantIntent    schema.IntentTag
		minConfidence float64
		wantKeyword   string
	}{
		{
			name:          "type error with line number",
			query:         "I'm getting a TypeError on line 3",
			wantIntent:    schema.IntentSyntaxHelp,
			minConfidence: 0.66,
			wantKeyword:   "typeerror",
		},
		{
			name:          "progress question",
			query:         "How am I doing with my progress?",
			wantIntent:    schema.IntentProgressCheck,
			minConfidence: 0.66,
			wantKeyword:   "progress",
		},
		{
			name:          "exercise request",
			query:         "Give me another exercise to practice",
			wantIntent:    schema.IntentExerciseRequest,
			minConfidence: 0.66,
			wantKeyword:   "exercise",
		},
		{
			name:          "concept question",
			query:         "What is a closure and why does it capture variables?",
			wantIntent:    schema.IntentConceptExplanation,
			minConfidence: 0.66,
			wantKeyword:   "what is",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Classify(ctx, tt.query)
			if got.IntentTag != tt.wantIntent {
				t.Errorf("intent = %q, want %q (keywords %v)", got.IntentTag, tt.wantIntent, got.ExtractedKeywords)
			}
			if got.Confidence < tt.minConfidence {
				t.Errorf("confidence = %.3f, want >= %.2f", got.Confidence, tt.minConfidence)
			}
			if !containsString(got.ExtractedKeywords, tt.wantKeyword) {
				t.Errorf("keywords %v missing %q", got.ExtractedKeywords, tt.wantKeyword)
			}
			if got.ClassifierVersion != BuiltinVersion {
				t.Errorf("version = %q, want %q", got.ClassifierVersion, BuiltinVersion)
			}
		})
	}
}

func TestClassify_AmbiguousFallsBackToReview(t *testing.T) {
	e := quietEngine()

	for _, query := range []string{"maybe", "ok thanks", "hello there"} {
		got := e.Classify(context.Background(), query)
		if got.IntentTag != schema.IntentReview {
			t.Errorf("Classify(%q) intent = %q, want review", query, got.IntentTag)
		}
		if got.Confidence != FallbackConfidence {
			t.Errorf("Classify(%q) confidence = %.2f, want %.2f", query, got.Confidence, FallbackConfidence)
		}
	}
}

func TestClassify_SingleWeakMatchFallsBack(t *testing.T) {
	e := quietEngine()

	// One firing rule is 1/3 confidence, below the threshold.
	got := e.Classify(context.Background(), "something about a bug I guess")
	if got.IntentTag != schema.IntentReview {
		t.Fatalf("intent = %q, want review", got.IntentTag)
	}
	if got.Confidence != FallbackConfidence {
		t.Errorf("confidence = %.2f, want %.2f", got.Confidence, FallbackConfidence)
	}
	if !containsString(got.ExtractedKeywords, "bug") {
		t.Errorf("fallback should keep the matched keywords, got %v", got.ExtractedKeywords)
	}
}

func TestClassify_ConfidenceCapsAtOne(t *testing.T) {
	e := quietEngine()

	got := e.Classify(context.Background(),
		"TypeError SyntaxError traceback exception bug broken")
	if got.IntentTag != schema.IntentSyntaxHelp {
		t.Fatalf("intent = %q, want syntax_help", got.IntentTag)
	}
	if got.Confidence != 1.0 {
		t.Errorf("confidence = %.3f, want exactly 1.0", got.Confidence)
	}
}

func TestClassify_WordBoundaries(t *testing.T) {
	e := quietEngine()

	// "error" must not fire inside "typeerror"; only the typeerror rule
	// does, leaving the score below the threshold.
	got := e.Classify(context.Background(), "typeerror happened")
	if got.IntentTag != schema.IntentReview {
		t.Errorf("substring matching suspected: intent %q, keywords %v",
			got.IntentTag, got.ExtractedKeywords)
	}
	if containsString(got.ExtractedKeywords, "error") {
		t.Errorf("\"error\" fired inside \"typeerror\": %v", got.ExtractedKeywords)
	}
}

func TestClassify_TieBreakPriorityOrder(t *testing.T) {
	// Both intents score 2 on the probe query; the earlier intent in
	// priority order must win.
	tests := []struct {
		name string
		a, b schema.IntentTag
		want schema.IntentTag
	}{
		{"syntax beats concept", schema.IntentSyntaxHelp, schema.IntentConceptExplanation, schema.IntentSyntaxHelp},
		{"progress beats exercise", schema.IntentProgressCheck, schema.IntentExerciseRequest, schema.IntentProgressCheck},
		{"progress beats concept", schema.IntentConceptExplanation, schema.IntentProgressCheck, schema.IntentProgressCheck},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := quietEngine()
			pack := &RulePack{
				Version: "tie-test",
				Intents: map[schema.IntentTag][]Rule{
					tt.a: {{Match: "alpha"}, {Match: "beta"}},
					tt.b: {{Match: "alpha"}, {Match: "beta"}},
				},
			}
			if err := e.LoadPack(pack); err != nil {
				t.Fatalf("LoadPack: %v", err)
			}
			got := e.Classify(context.Background(), "alpha beta")
			if got.IntentTag != tt.want {
				t.Errorf("tie went to %q, want %q", got.IntentTag, tt.want)
			}
		})
	}
}

func TestClassify_DeduplicatesKeywords(t *testing.T) {
	e := quietEngine()
	pack := &RulePack{
		Version: "dedup-test",
		Intents: map[schema.IntentTag][]Rule{
			schema.IntentSyntaxHelp: {
				{Match: "alpha", Keyword: "shared"},
				{Match: "beta", Keyword: "shared"},
				{Match: "gamma"},
			},
		},
	}
	if err := e.LoadPack(pack); err != nil {
		t.Fatalf("LoadPack: %v", err)
	}

	got := e.Classify(context.Background(), "alpha beta gamma")
	if got.Confidence != 1.0 {
		t.Errorf("all three rules should score: confidence %.3f", got.Confidence)
	}
	want := []string{"shared", "gamma"}
	if len(got.ExtractedKeywords) != len(want) {
		t.Fatalf("keywords = %v, want %v", got.ExtractedKeywords, want)
	}
	for i := range want {
		if got.ExtractedKeywords[i] != want[i] {
			t.Errorf("keywords = %v, want %v", got.ExtractedKeywords, want)
		}
	}
}

func TestClassify_KeywordCap(t *testing.T) {
	rules := make([]Rule, 0, 14)
	query := ""
	words := []string{"aa", "bb", "cc", "dd", "ee", "ff", "gg", "hh", "ii", "jj", "kk", "ll"}
	for _, w := range words {
		rules = append(rules, Rule{Match: w})
		query += w + " "
	}
	e := quietEngine()
	if err := e.LoadPack(&RulePack{
		Version: "cap-test",
		Intents: map[schema.IntentTag][]Rule{schema.IntentSyntaxHelp: rules},
	}); err != nil {
		t.Fatalf("LoadPack: %v", err)
	}

	got := e.Classify(context.Background(), query)
	if len(got.ExtractedKeywords) > maxKeywords {
		t.Errorf("keyword list length %d over cap %d", len(got.ExtractedKeywords), maxKeywords)
	}
}

func TestConfident_Boundary(t *testing.T) {
	if !Confident(0.6) {
		t.Error("confidence exactly at the threshold must route to the primary target")
	}
	if Confident(0.599) {
		t.Error("confidence just below the threshold must not be confident")
	}
	if !Confident(1.0) {
		t.Error("full confidence must be confident")
	}
}

func TestLoadPack_SwapsAtomically(t *testing.T) {
	e := quietEngine()
	var swapped []string
	e.SwapHook = func(version string) { swapped = append(swapped, version) }

	if e.Version() != BuiltinVersion {
		t.Fatalf("initial version = %q, want builtin", e.Version())
	}

	err := e.LoadPack(&RulePack{
		Version: "rules-team-2",
		Intents: map[schema.IntentTag][]Rule{
			schema.IntentProgressCheck: {{Match: "zzyzx"}, {Match: "qwerty"}},
		},
	})
	if err != nil {
		t.Fatalf("LoadPack: %v", err)
	}

	if e.Version() != "rules-team-2" {
		t.Errorf("version = %q, want rules-team-2", e.Version())
	}
	if len(swapped) != 1 || swapped[0] != "rules-team-2" {
		t.Errorf("swap hook calls = %v", swapped)
	}

	// New rules in effect: the builtin vocabulary no longer matches.
	got := e.Classify(context.Background(), "zzyzx qwerty")
	if got.IntentTag != schema.IntentProgressCheck {
		t.Errorf("new pack not active, intent = %q", got.IntentTag)
	}
}

func TestLoadPack_RejectionKeepsActivePack(t *testing.T) {
	e := quietEngine()

	err := e.LoadPack(&RulePack{
		Version: "bad",
		Intents: map[schema.IntentTag][]Rule{
			"not_an_intent": {{Match: "x"}},
		},
	})
	if err == nil {
		t.Fatal("expected compile error for unknown intent")
	}
	if e.Version() != BuiltinVersion {
		t.Errorf("version changed to %q after rejected pack", e.Version())
	}
}

func TestCompile_Problems(t *testing.T) {
	tests := []struct {
		name string
		pack RulePack
	}{
		{"missing version", RulePack{Intents: map[schema.IntentTag][]Rule{schema.IntentSyntaxHelp: {{Match: "x"}}}}},
		{"no intents", RulePack{Version: "v"}},
		{"unknown intent", RulePack{Version: "v", Intents: map[schema.IntentTag][]Rule{"bogus": {{Match: "x"}}}}},
		{"review not classifiable", RulePack{Version: "v", Intents: map[schema.IntentTag][]Rule{schema.IntentReview: {{Match: "x"}}}}},
		{"empty rule list", RulePack{Version: "v", Intents: map[schema.IntentTag][]Rule{schema.IntentSyntaxHelp: {}}}},
		{"empty match", RulePack{Version: "v", Intents: map[schema.IntentTag][]Rule{schema.IntentSyntaxHelp: {{Match: "  "}}}}},
		{"bad regex", RulePack{Version: "v", Intents: map[schema.IntentTag][]Rule{schema.IntentSyntaxHelp: {{Match: "([", Regex: true}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.pack.Compile(); err == nil {
				t.Error("expected compile error")
			}
		})
	}
}

func TestParsePack_YAML(t *testing.T) {
	doc := []byte(`
version: rules-yaml-1
intents:
  syntax_help:
    - match: typeerror
    - match: "line [0-9]+"
      regex: true
      keyword: line number
  progress_check:
    - match: progress
`)
	pack, err := ParsePack(doc)
	if err != nil {
		t.Fatalf("ParsePack: %v", err)
	}
	if pack.Version != "rules-yaml-1" {
		t.Errorf("version = %q", pack.Version)
	}
	if len(pack.Intents[schema.IntentSyntaxHelp]) != 2 {
		t.Errorf("syntax_help rules = %d, want 2", len(pack.Intents[schema.IntentSyntaxHelp]))
	}
	if pack.Intents[schema.IntentSyntaxHelp][1].Keyword != "line number" {
		t.Errorf("keyword = %q", pack.Intents[schema.IntentSyntaxHelp][1].Keyword)
	}
	if _, err := pack.Compile(); err != nil {
		t.Errorf("Compile: %v", err)
	}
}

func TestParsePack_BadYAML(t *testing.T) {
	if _, err := ParsePack([]byte("{{not yaml")); err == nil {
		t.Error("expected parse error")
	}
}

func TestBuiltinPack_Compiles(t *testing.T) {
	if _, err := BuiltinPack().Compile(); err != nil {
		t.Fatalf("builtin pack must always compile: %v", err)
	}
}

func TestWatch_ReloadsChangedPack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")

	writePack := func(version string) {
		t.Helper()
		doc := "version: " + version + "\nintents:\n  syntax_help:\n    - match: typeerror\n"
		if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
			t.Fatalf("write pack: %v", err)
		}
	}
	writePack("watch-v1")

	e := quietEngine()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Watch(ctx, path) }()

	waitForVersion(t, e, "watch-v1")

	writePack("watch-v2")
	waitForVersion(t, e, "watch-v2")

	// A broken pack must be rejected without losing the active one.
	if err := os.WriteFile(path, []byte("{{broken"), 0644); err != nil {
		t.Fatalf("write broken pack: %v", err)
	}
	time.Sleep(3 * reloadDebounce)
	if e.Version() != "watch-v2" {
		t.Errorf("broken pack replaced active rules: version %q", e.Version())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Watch did not return after cancel")
	}
}

func TestWatch_InitialLoadFailure(t *testing.T) {
	e := quietEngine()
	err := e.Watch(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing rules file")
	}
}

func waitForVersion(t *testing.T, e *Engine, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if e.Version() == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("engine never reached version %q (at %q)", want, e.Version())
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
