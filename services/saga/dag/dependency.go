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
	"sort"
	"sync"
	"time"
)

// PruneMask records one pruning step taken when a decision node fired.
//
// Description:
//
//	Masks are immutable once returned and numbered in the order they were
//	applied, so the dependency mutations of a run can be audited afterwards.
type PruneMask struct {
	// Version is the 1-based sequence number of this mask within the run.
	Version int `json:"version"`

	// Source is the decision node whose conditions were evaluated.
	Source string `json:"source"`

	// Unselected lists targets of conditional edges that were not taken.
	Unselected []string `json:"unselected"`

	// Unreachable lists nodes that can no longer run: unselected targets
	// reachable only through the decision, plus their exclusive dependents.
	Unreachable []string `json:"unreachable"`

	// Released maps each affected node to the predecessor ids removed from its set.
	Released map[string][]string `json:"released,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// DependencyTracker holds, per node, the predecessors still required before it may run.
//
// Description:
//
//	Each set starts as the node's static predecessors. Sets only shrink:
//	when a predecessor executes (MarkExecuted) or when a conditional branch
//	is not taken (PruneUnreachable). Unselected conditional edges stay dead
//	for the rest of the run, so a target fed by several decisions is pruned
//	once the last of them rejects it. None of the operations fail.
//
// Thread Safety:
//
//	Safe for concurrent use.
type DependencyTracker struct {
	mu      sync.RWMutex
	graph   *Graph
	pending map[string]map[string]struct{}
	pruned  map[string]struct{}
	dead    map[*Edge]struct{}
	masks   []PruneMask
}

// NewDependencyTracker creates a tracker initialized from the graph.
func NewDependencyTracker(g *Graph) *DependencyTracker {
	t := &DependencyTracker{graph: g}
	t.Initialize()
	return t
}

// Initialize resets every node's set to its static predecessors. Predecessors
// the entry cannot reach are left out.
func (t *DependencyTracker) Initialize() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending = make(map[string]map[string]struct{}, t.graph.NodeCount())
	t.pruned = make(map[string]struct{})
	t.dead = make(map[*Edge]struct{})
	t.masks = nil
	for _, id := range t.graph.NodeIDs() {
		set := make(map[string]struct{})
		for _, e := range t.graph.IncomingEdges(id) {
			if t.graph.unreachable[e.From] {
				continue
			}
			set[e.From] = struct{}{}
		}
		t.pending[id] = set
	}
}

// CanExecute reports whether every remaining predecessor of id has executed.
// Pruned nodes can never execute.
func (t *DependencyTracker) CanExecute(id string, executed func(string) bool) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, dead := t.pruned[id]; dead {
		return false
	}
	for dep := range t.pending[id] {
		if executed == nil || !executed(dep) {
			return false
		}
	}
	return true
}

// MarkExecuted removes id from the set of every node waiting on it.
func (t *DependencyTracker) MarkExecuted(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.graph.outgoing[id] {
		delete(t.pending[e.To], id)
	}
}

// PruneUnreachable drops branches not taken at a decision node.
//
// Description:
//
//	Every conditional edge of source that is not in selected names a target
//	that is unreachable from this decision. Those edges are remembered as
//	dead. A target whose incoming edges are all dead, from any decision, or
//	leave unreachable nodes is marked unreachable, and so is every node whose incoming
//	edges now all come from unreachable nodes. Each unreachable id is removed
//	from every node's set across the whole graph, so a convergence node
//	several hops downstream does not wait forever on it. A target still fed
//	by another live edge stays in place and keeps its dependents waiting.
//
// Inputs:
//
//	source - The decision node.
//	conditional - All conditional edges leaving source.
//	selected - The conditional edges whose gate was open.
//	executed - Reports whether a node has already run.
//
// Outputs:
//
//	PruneMask - The applied mask. Version is zero when nothing was pruned.
func (t *DependencyTracker) PruneUnreachable(source string, conditional, selected []*Edge, executed func(string) bool) PruneMask {
	if executed == nil {
		executed = func(string) bool { return false }
	}

	selectedEdges := make(map[*Edge]bool, len(selected))
	selectedTargets := make(map[string]bool, len(selected))
	for _, e := range selected {
		selectedEdges[e] = true
		selectedTargets[e.To] = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var seeds []string
	seen := make(map[string]bool)
	for _, e := range conditional {
		if selectedEdges[e] {
			continue
		}
		t.dead[e] = struct{}{}
		if selectedTargets[e.To] || seen[e.To] || executed(e.To) {
			continue
		}
		seen[e.To] = true
		seeds = append(seeds, e.To)
	}
	if len(seeds) == 0 {
		return PruneMask{Source: source}
	}

	dropped := func(e *Edge) bool {
		if _, dead := t.pruned[e.From]; dead || t.graph.unreachable[e.From] {
			return true
		}
		_, dead := t.dead[e]
		return dead
	}

	dead := make(map[string]bool)
	for _, id := range seeds {
		if allIncoming(t.graph.incoming[id], dropped) {
			dead[id] = true
			t.pruned[id] = struct{}{}
		}
	}
	for changed := true; changed; {
		changed = false
		for _, id := range t.graph.order {
			if dead[id] || executed(id) || id == t.graph.entry {
				continue
			}
			if _, already := t.pruned[id]; already {
				continue
			}
			if allIncoming(t.graph.incoming[id], dropped) {
				dead[id] = true
				t.pruned[id] = struct{}{}
				changed = true
			}
		}
	}

	remove := make(map[string]bool, len(dead))
	for id := range dead {
		remove[id] = true
	}

	released := make(map[string][]string)
	for node, set := range t.pending {
		for id := range remove {
			if _, ok := set[id]; ok {
				delete(set, id)
				released[node] = append(released[node], id)
			}
		}
	}
	for node := range released {
		sort.Strings(released[node])
	}

	unreachable := make([]string, 0, len(dead))
	for _, id := range t.graph.order {
		if dead[id] {
			unreachable = append(unreachable, id)
		}
	}

	mask := PruneMask{
		Version:     len(t.masks) + 1,
		Source:      source,
		Unselected:  seeds,
		Unreachable: unreachable,
		Released:    released,
		CreatedAt:   time.Now(),
	}
	t.masks = append(t.masks, mask)
	return mask
}

func allIncoming(edges []*Edge, pred func(*Edge) bool) bool {
	if len(edges) == 0 {
		return false
	}
	for _, e := range edges {
		if !pred(e) {
			return false
		}
	}
	return true
}

// EdgeDropped reports whether e can no longer carry control: it was left
// unselected by its decision node or leaves a pruned node.
func (t *DependencyTracker) EdgeDropped(e *Edge) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.dead[e]; ok || t.graph.unreachable[e.From] {
		return true
	}
	_, ok := t.pruned[e.From]
	return ok
}

// Pending returns the predecessors id is still waiting on, sorted.
func (t *DependencyTracker) Pending(id string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.pending[id]))
	for dep := range t.pending[id] {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// IsPruned reports whether id was made unreachable by a decision.
func (t *DependencyTracker) IsPruned(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.pruned[id]
	return ok
}

// Pruned returns every unreachable node in declaration order.
func (t *DependencyTracker) Pruned() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.pruned))
	for _, id := range t.graph.order {
		if _, ok := t.pruned[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Masks returns the applied masks in order.
func (t *DependencyTracker) Masks() []PruneMask {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]PruneMask(nil), t.masks...)
}
