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

import "github.com/AleutianAI/KodiakLearn/pkg/schema"

// BuiltinVersion tags verdicts produced by the compiled-in rules.
const BuiltinVersion = "rules-builtin-1"

// BuiltinPack returns the compiled-in rule set. It is the active pack until
// an operator ships a YAML pack through KODIAK_CLASSIFIER_RULES, and the
// pack the engine keeps when a shipped pack fails to compile.
func BuiltinPack() *RulePack {
	return &RulePack{
		Version: BuiltinVersion,
		Intents: map[schema.IntentTag][]Rule{
			schema.IntentSyntaxHelp: {
				{Match: "typeerror"},
				{Match: "syntaxerror"},
				{Match: "nameerror"},
				{Match: "indexerror"},
				{Match: "keyerror"},
				{Match: "traceback"},
				{Match: "exception"},
				{Match: "error"},
				{Match: "stack trace"},
				{Match: `line [0-9]+`, Regex: true, Keyword: "line number"},
				{Match: "bug"},
				{Match: "broken"},
				{Match: `crash(es|ed|ing)?`, Regex: true, Keyword: "crash"},
				{Match: `fail(s|ed|ing|ure)?`, Regex: true, Keyword: "failure"},
				{Match: "doesn't work"},
				{Match: "does not work"},
				{Match: "not working"},
				{Match: "fix"},
				{Match: "debug"},
				{Match: "undefined"},
			},
			schema.IntentConceptExplanation: {
				{Match: "what is"},
				{Match: "what are"},
				{Match: "what does"},
				{Match: "explain"},
				{Match: "how does"},
				{Match: "why"},
				{Match: `understand(ing)?`, Regex: true, Keyword: "understand"},
				{Match: "concept"},
				{Match: "difference between"},
				{Match: `mean(s|ing)?`, Regex: true, Keyword: "meaning"},
				{Match: `defin(e|ition)`, Regex: true, Keyword: "definition"},
			},
			schema.IntentExerciseRequest: {
				{Match: `exercises?`, Regex: true, Keyword: "exercise"},
				{Match: `practice|practicing`, Regex: true, Keyword: "practice"},
				{Match: `challenges?`, Regex: true, Keyword: "challenge"},
				{Match: "quiz me"},
				{Match: `drills?`, Regex: true, Keyword: "drill"},
				{Match: "problem to solve"},
				{Match: `(another|more|harder) (problem|question|exercise)s?`, Regex: true, Keyword: "more problems"},
				{Match: "something to work on"},
				{Match: `tasks?`, Regex: true, Keyword: "task"},
			},
			schema.IntentProgressCheck: {
				{Match: "progress"},
				{Match: "how am i doing"},
				{Match: "mastery"},
				{Match: `scores?`, Regex: true, Keyword: "score"},
				{Match: `stat(s|istics)`, Regex: true, Keyword: "stats"},
				{Match: "streak"},
				{Match: `improv(e|ed|ing|ement)`, Regex: true, Keyword: "improvement"},
				{Match: "how far"},
				{Match: "report"},
				{Match: `grades?`, Regex: true, Keyword: "grade"},
				{Match: `levels?`, Regex: true, Keyword: "level"},
			},
		},
	}
}
