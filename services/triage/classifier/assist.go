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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	openai "github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/KodiakLearn/pkg/logging"
	"github.com/AleutianAI/KodiakLearn/pkg/schema"
)

// assistSystemPrompt constrains the model to the verdict contract. Anything
// outside it is discarded, so there is no need to defend against prose.
const assistSystemPrompt = `You classify a programming student's question into exactly one intent.
Intents: syntax_help, concept_explanation, exercise_request, progress_check.
Reply with only a JSON object: {"intent": "<intent>", "confidence": <0.0-1.0>}.`

// AssistConfig configures the optional LLM second pass.
type AssistConfig struct {
	// Endpoint is the OpenAI-compatible base URL of the local model
	// server, e.g. "http://127.0.0.1:11434/v1".
	Endpoint string

	// Model is the model name passed through to the server.
	Model string

	// Budget bounds the whole consultation. When it expires the
	// deterministic verdict is used.
	Budget time.Duration

	// Key holds the API key sealed in a memguard enclave; nil when the
	// endpoint needs no key. The key is opened per consultation and wiped
	// after the call.
	Key *memguard.Enclave
}

// Assisted wraps the rule engine with an LLM consultation for queries the
// rules are unsure about.
//
// The consultation only runs when the deterministic confidence is below the
// routing threshold, and its answer is only adopted when it names a known
// intent with confidence at or above that threshold. Every other outcome,
// including timeouts and transport errors, leaves the deterministic verdict
// untouched.
type Assisted struct {
	rules  *Engine
	cfg    AssistConfig
	logger *logging.Logger

	// OutcomeHook, when set, observes each consultation: "adopted",
	// "rejected", or "error".
	OutcomeHook func(outcome string)
}

var _ Classifier = (*Assisted)(nil)

// NewAssisted wraps rules with the consultation configured by cfg.
func NewAssisted(rules *Engine, cfg AssistConfig, logger *logging.Logger) *Assisted {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 300 * time.Millisecond
	}
	return &Assisted{rules: rules, cfg: cfg, logger: logger}
}

// Classify runs the rule engine and, only for low-confidence verdicts,
// consults the model.
func (a *Assisted) Classify(ctx context.Context, query string) schema.Classification {
	base := a.rules.Classify(ctx, query)
	if Confident(base.Confidence) {
		return base
	}

	verdict, err := a.consult(ctx, query)
	if err != nil {
		a.observe("error")
		a.logger.Debug("classifier llm consultation failed, keeping rule verdict",
			"error", err)
		return base
	}
	if !schema.ValidIntent(verdict.Intent) || !Confident(verdict.Confidence) || verdict.Confidence > 1.0 {
		a.observe("rejected")
		return base
	}

	a.observe("adopted")
	return schema.Classification{
		IntentTag:         verdict.Intent,
		Confidence:        verdict.Confidence,
		ExtractedKeywords: base.ExtractedKeywords,
		ClassifierVersion: "llm/" + a.cfg.Model,
	}
}

func (a *Assisted) observe(outcome string) {
	if a.OutcomeHook != nil {
		a.OutcomeHook(outcome)
	}
}

// llmVerdict is the contract the model must reply with.
type llmVerdict struct {
	Intent     schema.IntentTag `json:"intent"`
	Confidence float64          `json:"confidence"`
}

// consult asks the model for a verdict within the budget.
func (a *Assisted) consult(ctx context.Context, query string) (llmVerdict, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Budget)
	defer cancel()

	clientCfg := openai.DefaultConfig(a.openKey())
	clientCfg.BaseURL = a.cfg.Endpoint
	client := openai.NewClientWithConfig(clientCfg)

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: assistSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: query},
		},
		MaxTokens:   64,
		Temperature: 0,
	})
	if err != nil {
		return llmVerdict{}, fmt.Errorf("classifier: llm call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return llmVerdict{}, fmt.Errorf("classifier: llm returned no choices")
	}
	return parseVerdict(resp.Choices[0].Message.Content)
}

// openKey materializes the enclave key for the duration of one call. The
// locked buffer is wiped before returning; the copy handed to go-openai
// lives only as long as the client building the Authorization header.
func (a *Assisted) openKey() string {
	if a.cfg.Key == nil {
		return ""
	}
	buf, err := a.cfg.Key.Open()
	if err != nil {
		a.logger.Warn("classifier llm key enclave failed to open", "error", err)
		return ""
	}
	defer buf.Destroy()
	// string([]byte) copies, so the key survives Destroy. buf.String()
	// would alias the locked region and be wiped with it.
	return string(buf.Bytes())
}

// parseVerdict extracts the JSON object from a model reply, tolerating
// surrounding prose or code fences.
func parseVerdict(content string) (llmVerdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return llmVerdict{}, fmt.Errorf("classifier: llm reply has no JSON object")
	}
	var v llmVerdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &v); err != nil {
		return llmVerdict{}, fmt.Errorf("classifier: llm reply not parseable: %w", err)
	}
	return v, nil
}
