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
	"fmt"
)

// Graph is the static, validated DAG.
//
// Description:
//
//	Graph holds nodes and edges in declaration order plus adjacency indexes
//	and a reachability index computed once at build time. Construction fails
//	fast on any configuration error, so an engine can never be built around
//	an invalid graph.
//
// Thread Safety:
//
//	Graph is immutable after NewGraph returns and safe for concurrent reads.
type Graph struct {
	id          string
	name        string
	description string
	version     string

	nodes    map[string]*Node
	order    []string
	edges    []*Edge
	outgoing map[string][]*Edge
	incoming map[string][]*Edge

	entry     string
	exits     map[string]bool
	exitOrder []string

	// descendants[a] holds every node reachable from a by at least one edge.
	descendants map[string]map[string]struct{}

	// unreachable holds nodes no path from the entry leads to.
	unreachable map[string]bool

	warnings []string
}

// NewGraph validates a definition and builds the executable graph.
//
// Description:
//
//	Rejects, with a *ConfigError: a missing entry node, missing exit nodes,
//	duplicate node or edge ids, edges referencing unknown nodes and cycles
//	(as a *CycleError). Nodes unreachable from the entry are accepted with a
//	warning and never run.
//
// Inputs:
//
//	def - The definition document. Must not be nil.
//
// Outputs:
//
//	*Graph - The validated graph.
//	error - Non-nil if the definition is invalid.
func NewGraph(def *Definition) (*Graph, error) {
	if def == nil {
		return nil, ErrNilGraph
	}
	def.applyDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}

	g := &Graph{
		id:          def.ID,
		name:        def.Name,
		description: def.Description,
		version:     def.Version,
		nodes:       make(map[string]*Node, len(def.Nodes)),
		order:       make([]string, 0, len(def.Nodes)),
		edges:       make([]*Edge, 0, len(def.Edges)),
		outgoing:    make(map[string][]*Edge),
		incoming:    make(map[string][]*Edge),
		exits:       make(map[string]bool, len(def.ExitNodes)),
	}

	for i := range def.Nodes {
		n := def.Nodes[i]
		if _, exists := g.nodes[n.ID]; exists {
			return nil, newConfigError(fmt.Sprintf("nodes[%d]", i), fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID))
		}
		if n.Metadata != nil {
			meta := make(map[string]any, len(n.Metadata))
			for k, v := range n.Metadata {
				meta[k] = v
			}
			n.Metadata = meta
		}
		g.nodes[n.ID] = &n
		g.order = append(g.order, n.ID)
	}

	if _, ok := g.nodes[def.EntryNode]; !ok {
		return nil, newConfigError("entryNode", fmt.Errorf("%w: %s", ErrEntryNotFound, def.EntryNode))
	}
	g.entry = def.EntryNode

	for i, id := range def.ExitNodes {
		if _, ok := g.nodes[id]; !ok {
			return nil, newConfigError(fmt.Sprintf("exitNodes[%d]", i), fmt.Errorf("%w: %s", ErrExitNotFound, id))
		}
		if !g.exits[id] {
			g.exits[id] = true
			g.exitOrder = append(g.exitOrder, id)
		}
	}

	edgeIDs := make(map[string]bool, len(def.Edges))
	for i := range def.Edges {
		e := def.Edges[i]
		field := fmt.Sprintf("edges[%d]", i)
		if edgeIDs[e.ID] {
			return nil, newConfigError(field, fmt.Errorf("%w: %s", ErrDuplicateEdge, e.ID))
		}
		edgeIDs[e.ID] = true
		if _, ok := g.nodes[e.From]; !ok {
			return nil, newConfigError(field, fmt.Errorf("%w: from %q", ErrDanglingEdge, e.From))
		}
		if _, ok := g.nodes[e.To]; !ok {
			return nil, newConfigError(field, fmt.Errorf("%w: to %q", ErrDanglingEdge, e.To))
		}
		if e.Condition != nil && !e.IsConditional() {
			g.warnings = append(g.warnings,
				fmt.Sprintf("edge %s has a condition but flow %s; the condition is ignored", e.ID, e.Flow))
			e.Condition = nil
		}
		if e.Condition != nil {
			c := *e.Condition
			e.Condition = &c
		}
		g.edges = append(g.edges, &e)
		g.outgoing[e.From] = append(g.outgoing[e.From], &e)
		g.incoming[e.To] = append(g.incoming[e.To], &e)
	}

	if err := g.detectCycles(); err != nil {
		return nil, newConfigError("edges", err)
	}

	g.buildReachability()

	reachable := g.descendants[g.entry]
	g.unreachable = make(map[string]bool)
	for _, id := range g.order {
		if id == g.entry {
			continue
		}
		if _, ok := reachable[id]; !ok {
			g.unreachable[id] = true
			g.warnings = append(g.warnings, fmt.Sprintf("%v: %s; it never runs", ErrUnreachableNode, id))
		}
	}

	return g, nil
}

// detectCycles uses DFS over outgoing edges to find a cycle.
func (g *Graph) detectCycles() error {
	visited := make(map[string]bool, len(g.nodes))
	onStack := make(map[string]bool, len(g.nodes))
	path := make([]string, 0, len(g.nodes))

	var dfs func(id string) error
	dfs = func(id string) error {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, e := range g.outgoing[id] {
			if !visited[e.To] {
				if err := dfs(e.To); err != nil {
					return err
				}
			} else if onStack[e.To] {
				start := 0
				for i, n := range path {
					if n == e.To {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), e.To)
				return NewCycleError(cycle)
			}
		}

		path = path[:len(path)-1]
		onStack[id] = false
		return nil
	}

	for _, id := range g.order {
		if !visited[id] {
			if err := dfs(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildReachability computes the descendant set of every node with a BFS per node.
func (g *Graph) buildReachability() {
	g.descendants = make(map[string]map[string]struct{}, len(g.nodes))
	for _, id := range g.order {
		seen := make(map[string]struct{})
		queue := []string{id}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, e := range g.outgoing[cur] {
				if _, ok := seen[e.To]; ok {
					continue
				}
				seen[e.To] = struct{}{}
				queue = append(queue, e.To)
			}
		}
		g.descendants[id] = seen
	}
}

// ID returns the DAG id.
func (g *Graph) ID() string { return g.id }

// Name returns the DAG's display name.
func (g *Graph) Name() string { return g.name }

// Description returns the DAG description.
func (g *Graph) Description() string { return g.description }

// Version returns the DAG version string.
func (g *Graph) Version() string { return g.version }

// Entry returns the entry node id.
func (g *Graph) Entry() string { return g.entry }

// Exits returns the exit node ids in declaration order.
func (g *Graph) Exits() []string {
	return append([]string(nil), g.exitOrder...)
}

// IsExit reports whether id is a declared exit node.
func (g *Graph) IsExit(id string) bool { return g.exits[id] }

// Node returns a node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// NodeIDs returns node ids in declaration order.
func (g *Graph) NodeIDs() []string {
	return append([]string(nil), g.order...)
}

// Edges returns all edges in declaration order.
func (g *Graph) Edges() []*Edge {
	return append([]*Edge(nil), g.edges...)
}

// OutgoingEdges returns the edges leaving id, in declaration order.
func (g *Graph) OutgoingEdges(id string) []*Edge {
	return append([]*Edge(nil), g.outgoing[id]...)
}

// IncomingEdges returns the edges entering id, in declaration order.
func (g *Graph) IncomingEdges(id string) []*Edge {
	return append([]*Edge(nil), g.incoming[id]...)
}

// IsDecisionNode reports whether any outgoing edge of id is a conditional branch.
func (g *Graph) IsDecisionNode(id string) bool {
	for _, e := range g.outgoing[id] {
		if e.IsConditional() {
			return true
		}
	}
	return false
}

// IsAncestor reports whether there is any path from ancestor to node.
// A node is not its own ancestor.
func (g *Graph) IsAncestor(ancestor, node string) bool {
	desc, ok := g.descendants[ancestor]
	if !ok {
		return false
	}
	_, ok = desc[node]
	return ok
}

// Warnings returns non-fatal problems found while building the graph.
func (g *Graph) Warnings() []string {
	return append([]string(nil), g.warnings...)
}

// Definition rebuilds the document this graph was created from.
func (g *Graph) Definition() *Definition {
	def := &Definition{
		ID:          g.id,
		Name:        g.name,
		Description: g.description,
		Version:     g.version,
		EntryNode:   g.entry,
		ExitNodes:   g.Exits(),
		Nodes:       make([]Node, 0, len(g.order)),
		Edges:       make([]Edge, 0, len(g.edges)),
	}
	for _, id := range g.order {
		def.Nodes = append(def.Nodes, *g.nodes[id])
	}
	for _, e := range g.edges {
		def.Edges = append(def.Edges, *e)
	}
	return def
}

// Unreachable returns the nodes no path from the entry leads to, in declaration order.
func (g *Graph) Unreachable() []string {
	var out []string
	for _, id := range g.order {
		if g.unreachable[id] {
			out = append(out, id)
		}
	}
	return out
}

// beyondExits returns nodes whose every path from the entry passes through an
// exit node. Execution stops at exits, so these nodes never run.
func (g *Graph) beyondExits() map[string]bool {
	beyond := make(map[string]bool)
	for changed := true; changed; {
		changed = false
		for _, id := range g.order {
			if beyond[id] || id == g.entry {
				continue
			}
			in := g.incoming[id]
			if allIncoming(in, func(e *Edge) bool { return g.exits[e.From] || beyond[e.From] }) {
				beyond[id] = true
				changed = true
			}
		}
	}
	return beyond
}
