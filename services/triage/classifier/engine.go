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
	"math"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/KodiakLearn/pkg/logging"
	"github.com/AleutianAI/KodiakLearn/pkg/schema"
)

// Classifier yields an intent verdict for a raw query. Implementations must
// never fail: whatever happens internally, a Classification comes back.
type Classifier interface {
	Classify(ctx context.Context, query string) schema.Classification
}

// Engine is the deterministic rule classifier.
//
// # Thread Safety
//
// Safe for concurrent use. The active pack sits behind an atomic pointer;
// Classify reads whatever pack is current when it starts, and pack swaps
// never disturb verdicts in flight.
type Engine struct {
	pack   atomic.Pointer[compiledPack]
	logger *logging.Logger

	// SwapHook, when set, is called with the new version after every
	// successful pack swap. Used for the reload metric.
	SwapHook func(version string)
}

var _ Classifier = (*Engine)(nil)

// NewEngine returns an engine running the builtin pack.
func NewEngine(logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	e := &Engine{logger: logger}
	compiled, err := BuiltinPack().Compile()
	if err != nil {
		// The builtin pack is covered by tests; failing to compile it is
		// a programming error, not a runtime condition.
		panic("classifier: builtin pack does not compile: " + err.Error())
	}
	e.pack.Store(compiled)
	return e
}

// Version reports the active pack version.
func (e *Engine) Version() string {
	return e.pack.Load().version
}

// Classify scores the query against every intent's rules and returns the
// winning verdict, or the review fallback when no intent is confident.
func (e *Engine) Classify(_ context.Context, query string) schema.Classification {
	pack := e.pack.Load()
	q := strings.ToLower(query)

	var (
		bestIntent   schema.IntentTag
		bestScore    int
		bestKeywords []string
	)

	// ClassifiableIntents is in tie-break priority order, and only a
	// strictly higher score displaces the current winner, so ties resolve
	// to the earlier intent.
	for _, intent := range schema.ClassifiableIntents {
		score, keywords := scoreIntent(pack.rules[intent], q)
		if score > bestScore {
			bestIntent, bestScore, bestKeywords = intent, score, keywords
		}
	}

	confidence := math.Min(float64(bestScore)/scoreCeiling, 1.0)
	if bestScore == 0 || confidence < ConfidenceThreshold {
		return schema.Classification{
			IntentTag:         schema.IntentReview,
			Confidence:        FallbackConfidence,
			ExtractedKeywords: bestKeywords,
			ClassifierVersion: pack.version,
		}
	}
	return schema.Classification{
		IntentTag:         bestIntent,
		Confidence:        confidence,
		ExtractedKeywords: bestKeywords,
		ClassifierVersion: pack.version,
	}
}

// scoreIntent counts firing rules and collects their keywords, deduplicated,
// in rule order.
func scoreIntent(rules []compiledRule, query string) (int, []string) {
	var score int
	var keywords []string
	seen := make(map[string]bool, len(rules))
	for _, rule := range rules {
		if !rule.re.MatchString(query) {
			continue
		}
		score++
		if !seen[rule.keyword] && len(keywords) < maxKeywords {
			seen[rule.keyword] = true
			keywords = append(keywords, rule.keyword)
		}
	}
	return score, keywords
}

// Confident reports whether a confidence value clears the routing threshold.
func Confident(confidence float64) bool {
	return confidence >= ConfidenceThreshold
}

// =============================================================================
// Pack Swapping
// =============================================================================

// LoadPack compiles and atomically activates a pack. On error the current
// pack stays active.
func (e *Engine) LoadPack(pack *RulePack) error {
	compiled, err := pack.Compile()
	if err != nil {
		return err
	}
	old := e.pack.Swap(compiled)
	e.logger.Info("classifier rules swapped",
		"old_version", old.version, "new_version", compiled.version)
	if e.SwapHook != nil {
		e.SwapHook(compiled.version)
	}
	return nil
}

// LoadFile reads, compiles, and activates a YAML pack from disk.
func (e *Engine) LoadFile(path string) error {
	pack, err := LoadPackFile(path)
	if err != nil {
		return err
	}
	return e.LoadPack(pack)
}

// =============================================================================
// Hot Reload
// =============================================================================

// reloadDebounce batches the create/write/rename bursts editors and deploy
// tooling produce into one reload.
const reloadDebounce = 200 * time.Millisecond

// Watch loads the pack at path, then reloads it on every change until ctx
// is cancelled. The watch is on the parent directory because most writers
// replace the file by rename, which drops a watch set on the file itself.
//
// A pack that fails to parse or compile is rejected with a warning and the
// previous pack stays active; the watcher keeps running so a corrected
// file is picked up.
func (e *Engine) Watch(ctx context.Context, path string) error {
	if err := e.LoadFile(path); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)
	e.logger.Info("watching classifier rules", "path", target)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if err := e.LoadFile(path); err != nil {
				e.logger.Warn("classifier rule reload rejected, keeping active pack",
					"path", target, "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn("classifier rule watcher error", "error", err)
		}
	}
}
