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
	"sync/atomic"
	"time"
)

// fakeExecutor is a scriptable NodeExecutor that records every call.
type fakeExecutor struct {
	mu        sync.Mutex
	outputs   map[string]any
	failures  map[string]error
	failTimes map[string]int
	panics    map[string]bool
	delays    map[string]time.Duration
	distErr   error

	calls []NodeRequest
	dists []Distribution

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		outputs:   make(map[string]any),
		failures:  make(map[string]error),
		failTimes: make(map[string]int),
		panics:    make(map[string]bool),
		delays:    make(map[string]time.Duration),
	}
}

func (f *fakeExecutor) ExecuteNode(ctx context.Context, req NodeRequest) (any, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, req)
	out, hasOut := f.outputs[req.NodeID]
	err := f.failures[req.NodeID]
	if f.failTimes[req.NodeID] > 0 {
		f.failTimes[req.NodeID]--
		err = errors.New("transient failure")
	}
	shouldPanic := f.panics[req.NodeID]
	delay := f.delays[req.NodeID]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if shouldPanic {
		panic(fmt.Sprintf("agent for %s exploded", req.NodeID))
	}
	if err != nil {
		return nil, err
	}
	if hasOut {
		return out, nil
	}
	return map[string]any{"node": req.NodeID, "success": true}, nil
}

func (f *fakeExecutor) DistributeResultsToTargets(_ context.Context, d Distribution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dists = append(f.dists, d)
	return f.distErr
}

func (f *fakeExecutor) request(nodeID string) (NodeRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.calls {
		if r.NodeID == nodeID {
			return r, true
		}
	}
	return NodeRequest{}, false
}

func (f *fakeExecutor) callCount(nodeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.calls {
		if r.NodeID == nodeID {
			n++
		}
	}
	return n
}

func (f *fakeExecutor) distributions() []Distribution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Distribution(nil), f.dists...)
}

// recordingObserver keeps every event it receives.
type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (o *recordingObserver) OnEvent(_ context.Context, evt Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, evt)
}

func (o *recordingObserver) types() []EventType {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]EventType, 0, len(o.events))
	for _, e := range o.events {
		out = append(out, e.Type)
	}
	return out
}

func (o *recordingObserver) ofType(t EventType) []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Event
	for _, e := range o.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// diamond builds entry -> {B, C} -> D -> exit.
func diamond() *Builder {
	return NewBuilder("diamond").
		Entry("A", "Start").
		Node("B", NodeKindAgent, "Left").
		Node("C", NodeKindAgent, "Right").
		Node("D", NodeKindComputeAgent, "Join").
		Exit("exit", "End").
		Edge("A", "B", FlowContextPass).
		Edge("A", "C", FlowContextPass).
		Edge("B", "D", FlowLLMCall).
		Edge("C", "D", FlowLLMCall).
		Edge("D", "exit", FlowLLMCall)
}

// reviewFlow is entry -> A -> B, B decides between C and D, both lead to exit.
func reviewFlow() *Builder {
	return NewBuilder("review").
		Name("Review flow").
		Entry("entry", "Start").
		Node("A", NodeKindAgent, "Planner").
		Node("B", NodeKindAgent, "Reviewer").
		Node("C", NodeKindAgent, "Publisher").
		Node("D", NodeKindAgent, "Fixer").
		Exit("exit", "End").
		Edge("entry", "A", FlowContextPass).
		Edge("A", "B", FlowLLMCall).
		Conditional("B", "C", NewCondition("result", "success===true")).
		Conditional("B", "D", NewCondition("result", "success===false")).
		Edge("C", "exit", FlowLLMCall).
		Edge("D", "exit", FlowLLMCall)
}
