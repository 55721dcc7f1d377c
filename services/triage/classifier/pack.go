// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package classifier turns a raw student query into an intent verdict.
//
// Classification is deterministic rule scoring: each intent owns a list of
// match rules, every rule that fires scores one point, and the intent with
// the highest score wins. Confidence is score/3 capped at 1.0; below the
// 0.6 threshold the verdict falls back to the review path at a fixed 0.4.
//
// Rules ship built in, can be replaced at runtime from a YAML pack watched
// on disk, and can optionally be second-guessed by a local LLM when the
// deterministic confidence is low. The LLM is never authoritative: any
// failure or out-of-contract reply leaves the deterministic verdict in
// place.
package classifier

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/KodiakLearn/pkg/schema"
)

const (
	// ConfidenceThreshold is the minimum confidence for routing to the
	// intent's primary agent. Verdicts at or above it are trusted.
	ConfidenceThreshold = 0.6

	// FallbackConfidence is the fixed confidence reported on the review
	// fallback path.
	FallbackConfidence = 0.4

	// scoreCeiling is the match count that saturates confidence at 1.0.
	scoreCeiling = 3.0

	// Keyword output bounds.
	maxKeywords   = 10
	maxKeywordLen = 50
)

// =============================================================================
// Rule Packs
// =============================================================================

// Rule is one match pattern for an intent.
//
// By default Match is a literal word or phrase, matched case-insensitively
// on word boundaries ("error" does not fire inside "typeerror"). Setting
// Regex treats Match as a raw regular expression for patterns that need
// more, like "line [0-9]+".
type Rule struct {
	// Match is the literal phrase or, with Regex set, the expression.
	Match string `yaml:"match" json:"match"`

	// Regex switches Match from literal-phrase to regexp syntax.
	Regex bool `yaml:"regex,omitempty" json:"regex,omitempty"`

	// Keyword is the label reported in extracted_keywords when this rule
	// fires. Defaults to Match.
	Keyword string `yaml:"keyword,omitempty" json:"keyword,omitempty"`
}

// RulePack is the on-disk rule set: a version label plus rules per intent.
//
//	version: rules-team-2
//	intents:
//	  syntax_help:
//	    - match: typeerror
//	    - match: "line [0-9]+"
//	      regex: true
//	      keyword: line number
type RulePack struct {
	Version string                     `yaml:"version" json:"version"`
	Intents map[schema.IntentTag][]Rule `yaml:"intents" json:"intents"`
}

// ParsePack decodes and validates a YAML rule pack.
func ParsePack(data []byte) (*RulePack, error) {
	var pack RulePack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("classifier: parse rule pack: %w", err)
	}
	return &pack, nil
}

// LoadPackFile reads and parses a rule pack from disk.
func LoadPackFile(path string) (*RulePack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("classifier: read rule pack: %w", err)
	}
	return ParsePack(data)
}

// =============================================================================
// Compilation
// =============================================================================

// compiledRule is a ready-to-match rule.
type compiledRule struct {
	keyword string
	re      *regexp.Regexp
}

// compiledPack is an immutable compiled rule set. The engine swaps whole
// packs atomically, so a compiledPack is never mutated after Compile.
type compiledPack struct {
	version string
	rules   map[schema.IntentTag][]compiledRule
}

// Compile validates the pack and builds its matchers. Every error is
// collected so a bad pack reports all problems in one pass.
func (p *RulePack) Compile() (*compiledPack, error) {
	var problems []string
	if strings.TrimSpace(p.Version) == "" {
		problems = append(problems, "version is required")
	}
	if len(p.Intents) == 0 {
		problems = append(problems, "at least one intent rule list is required")
	}

	compiled := &compiledPack{
		version: p.Version,
		rules:   make(map[schema.IntentTag][]compiledRule, len(p.Intents)),
	}
	for intent, rules := range p.Intents {
		if !schema.ValidIntent(intent) {
			problems = append(problems, fmt.Sprintf("unknown intent %q", intent))
			continue
		}
		if len(rules) == 0 {
			problems = append(problems, fmt.Sprintf("intent %q has no rules", intent))
			continue
		}
		for _, rule := range rules {
			cr, err := rule.compile()
			if err != nil {
				problems = append(problems, fmt.Sprintf("intent %q: %v", intent, err))
				continue
			}
			compiled.rules[intent] = append(compiled.rules[intent], cr)
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("classifier: invalid rule pack: %s", strings.Join(problems, "; "))
	}
	return compiled, nil
}

func (r Rule) compile() (compiledRule, error) {
	match := strings.ToLower(strings.TrimSpace(r.Match))
	if match == "" {
		return compiledRule{}, fmt.Errorf("empty match")
	}

	expr := match
	if !r.Regex {
		expr = regexp.QuoteMeta(match)
	}
	re, err := regexp.Compile(`\b(?:` + expr + `)\b`)
	if err != nil {
		return compiledRule{}, fmt.Errorf("pattern %q: %w", r.Match, err)
	}

	keyword := r.Keyword
	if keyword == "" {
		keyword = match
	}
	if len(keyword) > maxKeywordLen {
		keyword = keyword[:maxKeywordLen]
	}
	return compiledRule{keyword: keyword, re: re}, nil
}
