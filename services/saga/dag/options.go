// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"log/slog"
	"slices"
	"time"
)

// RetryPolicy re-invokes failed nodes before the run is failed.
//
// The zero value disables retries.
type RetryPolicy struct {
	// MaxAttempts is the total number of ExecuteNode calls per node, including the first.
	MaxAttempts int

	// Backoff is the pause between attempts. It doubles after each failure.
	Backoff time.Duration

	// Kinds restricts retries to these agent kinds. Empty means every kind.
	Kinds []NodeKind
}

func (p RetryPolicy) attemptsFor(kind NodeKind) int {
	if p.MaxAttempts <= 1 {
		return 1
	}
	if len(p.Kinds) > 0 && !slices.Contains(p.Kinds, kind) {
		return 1
	}
	return p.MaxAttempts
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithObserver adds an observer. May be given several times.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// WithStrategy sets the branch strategy. Nil keeps SequentialStrategy.
func WithStrategy(s BranchStrategy) Option {
	return func(e *Engine) {
		if s != nil {
			e.strategy = s
		}
	}
}

// WithMergePolicy sets how node outputs are merged into the context.
func WithMergePolicy(p MergePolicy) Option {
	return func(e *Engine) { e.mergePolicy = p }
}

// WithConditionMode selects typed or legacy success detection.
func WithConditionMode(m ConditionMode) Option {
	return func(e *Engine) { e.conditionMode = m }
}

// WithPredicate registers a named predicate for "predicate:<name>" conditions.
func WithPredicate(name string, p Predicate) Option {
	return func(e *Engine) { e.predicates[name] = p }
}

// WithNodeTimeout bounds each ExecuteNode call. Zero disables the bound.
func WithNodeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.nodeTimeout = d }
}

// WithRetry sets the retry policy.
func WithRetry(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithLivenessCheck enables or disables the post-walk liveness sweep. Enabled by default.
func WithLivenessCheck(enabled bool) Option {
	return func(e *Engine) { e.liveness = enabled }
}

// WithRunIDGenerator overrides how run ids are created.
func WithRunIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newRunID = gen
		}
	}
}
