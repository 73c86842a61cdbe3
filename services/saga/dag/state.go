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
	"sync"
)

// Reserved execution-context keys maintained by the engine.
const (
	// KeyLastNodeOutput holds the raw output of the most recently completed node.
	KeyLastNodeOutput = "lastNodeOutput"

	// KeyLastExecutedNode holds the id of the most recently completed node.
	KeyLastExecutedNode = "lastExecutedNode"
)

// metadataPromote is the node metadata key that opts outputs into top-level keys
// under MergeNamespaced. Its value is either true or a list of key names.
const metadataPromote = "promote"

// MergePolicy controls how node outputs are merged into the execution context.
type MergePolicy string

const (
	// MergeShallow stores the output under the node id and also copies a record
	// output's keys to the top level. Later outputs overwrite earlier keys of
	// the same name.
	MergeShallow MergePolicy = "shallow"

	// MergeNamespaced stores the output under the node id only. Nodes can opt
	// keys into the top level with the "promote" metadata entry.
	MergeNamespaced MergePolicy = "namespaced"
)

// promotion selects which record keys a namespaced merge copies to the top level.
type promotion struct {
	all  bool
	keys []string
}

func promotionFor(node *Node) promotion {
	if node == nil || node.Metadata == nil {
		return promotion{}
	}
	switch v := node.Metadata[metadataPromote].(type) {
	case bool:
		return promotion{all: v}
	case []string:
		return promotion{keys: v}
	case []any:
		keys := make([]string, 0, len(v))
		for _, k := range v {
			if s, ok := k.(string); ok {
				keys = append(keys, s)
			}
		}
		return promotion{keys: keys}
	default:
		return promotion{}
	}
}

// ExecutionState is the explicit, per-run state owned by the scheduler.
//
// Description:
//
//	It holds the execution context, the append-only executed set, node
//	claims that guarantee exactly-once execution, and the ordered log of
//	NodeExecutionResults. A fresh state is created for every Execute call.
//
// Thread Safety:
//
//	Safe for concurrent use. Concurrent branches serialise on its lock.
type ExecutionState struct {
	mu sync.RWMutex

	runID    string
	policy   MergePolicy
	values   map[string]any
	outputs  map[string]any
	executed map[string]bool
	order    []string
	claimed  map[string]bool
	results  []NodeExecutionResult
}

// NewExecutionState creates state seeded with a copy of initial.
func NewExecutionState(runID string, initial map[string]any, policy MergePolicy) *ExecutionState {
	if policy == "" {
		policy = MergeShallow
	}
	values := make(map[string]any, len(initial)+2)
	for k, v := range initial {
		values[k] = v
	}
	return &ExecutionState{
		runID:    runID,
		policy:   policy,
		values:   values,
		outputs:  make(map[string]any),
		executed: make(map[string]bool),
		claimed:  make(map[string]bool),
	}
}

// RunID returns the run identifier.
func (s *ExecutionState) RunID() string { return s.runID }

// Snapshot returns a shallow copy of the execution context.
func (s *ExecutionState) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Get returns one context value.
func (s *ExecutionState) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// merge records a node's output according to the merge policy and updates
// the reserved bookkeeping keys.
func (s *ExecutionState) merge(nodeID string, output any, promote promotion) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[nodeID] = output
	s.outputs[nodeID] = output
	if record, ok := output.(map[string]any); ok {
		switch {
		case s.policy == MergeShallow, promote.all:
			for k, v := range record {
				s.values[k] = v
			}
		default:
			for _, k := range promote.keys {
				if v, ok := record[k]; ok {
					s.values[k] = v
				}
			}
		}
	}
	s.values[KeyLastNodeOutput] = output
	s.values[KeyLastExecutedNode] = nodeID
}

// Output returns the raw output nodeID produced, unaffected by later merges.
func (s *ExecutionState) Output(nodeID string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.outputs[nodeID]
	return v, ok
}

// claim reserves nodeID for execution. It fails if the node already ran or
// another branch holds the claim.
func (s *ExecutionState) claim(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.executed[nodeID] || s.claimed[nodeID] {
		return false
	}
	s.claimed[nodeID] = true
	return true
}

// IsExecuted reports whether nodeID has completed, successfully or not.
func (s *ExecutionState) IsExecuted(nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.executed[nodeID]
}

// markExecuted appends nodeID to the executed set.
func (s *ExecutionState) markExecuted(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.executed[nodeID] {
		s.executed[nodeID] = true
		s.order = append(s.order, nodeID)
	}
}

// record appends an immutable result to the execution log.
func (s *ExecutionState) record(r NodeExecutionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

// Results returns the execution log in completion order.
func (s *ExecutionState) Results() []NodeExecutionResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]NodeExecutionResult(nil), s.results...)
}

// ExecutedOrder returns executed node ids in completion order.
func (s *ExecutionState) ExecutedOrder() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}
