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
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"
)

// Branch walks one fanned-out branch to its stopping point.
type Branch func(ctx context.Context) error

// BranchStrategy decides how the branches of a fan-out are run.
//
// Description:
//
//	Every strategy must return only after all branches it started have
//	finished, so convergence detection always sees their effects. The first
//	branch error is returned.
type BranchStrategy interface {
	Name() string
	Run(ctx context.Context, branches []Branch) error
}

// SequentialStrategy runs branches one at a time in source-edge order.
// It is the default because most LLM runtimes are not safe for concurrent calls.
type SequentialStrategy struct{}

// Name returns "sequential".
func (SequentialStrategy) Name() string { return "sequential" }

// Run executes branches in order and stops at the first error.
func (SequentialStrategy) Run(ctx context.Context, branches []Branch) error {
	for _, b := range branches {
		if err := b(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ConcurrentStrategy runs branches on goroutines using errgroup.
//
// The first failing branch cancels the context seen by the others.
type ConcurrentStrategy struct {
	// Limit bounds the number of branches in flight per fan-out. Zero means unbounded.
	Limit int
}

// Name returns "concurrent".
func (s ConcurrentStrategy) Name() string { return "concurrent" }

// Run executes all branches and waits for them.
func (s ConcurrentStrategy) Run(ctx context.Context, branches []Branch) error {
	g, gCtx := errgroup.WithContext(ctx)
	if s.Limit > 0 {
		g.SetLimit(s.Limit)
	}
	for _, b := range branches {
		b := b
		g.Go(func() error {
			return b(gCtx)
		})
	}
	return g.Wait()
}

// PooledStrategy runs branches on a shared ants worker pool.
//
// Description:
//
//	The pool is shared by every run of every engine that uses the strategy,
//	which caps total concurrent node executions across the process. The pool
//	is non-blocking: when it is saturated (for example by nested fan-outs
//	whose parents occupy workers) the branch runs on the caller's goroutine
//	instead of waiting for a worker.
//
// Thread Safety:
//
//	Safe for concurrent use. Call Close when the strategy is no longer needed.
type PooledStrategy struct {
	pool *ants.Pool
}

// NewPooledStrategy creates a strategy backed by a pool of size workers.
func NewPooledStrategy(size int) (*PooledStrategy, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	pool, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create branch worker pool: %w", err)
	}
	return &PooledStrategy{pool: pool}, nil
}

// Name returns "pooled".
func (s *PooledStrategy) Name() string { return "pooled" }

// Run submits every branch to the pool and waits for all of them.
func (s *PooledStrategy) Run(ctx context.Context, branches []Branch) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for _, b := range branches {
		b := b
		task := func() {
			defer wg.Done()
			if err := b(ctx); err != nil {
				fail(err)
			}
		}
		wg.Add(1)
		if err := s.pool.Submit(task); err != nil {
			if !errors.Is(err, ants.ErrPoolOverload) {
				wg.Done()
				fail(fmt.Errorf("submit branch: %w", err))
				continue
			}
			task()
		}
	}

	wg.Wait()
	return firstErr
}

// Running returns the number of busy workers.
func (s *PooledStrategy) Running() int { return s.pool.Running() }

// Close releases the pool's workers.
func (s *PooledStrategy) Close() {
	s.pool.Release()
}
