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

// Builder constructs a Graph with a fluent API.
//
// Description:
//
//	Builder assembles a Definition in code and hands it to NewGraph, so the
//	same validation applies as for documents loaded from disk.
//
// Thread Safety:
//
//	Builder is NOT safe for concurrent use. Build the DAG in a single goroutine.
//
// Example:
//
//	g, err := dag.NewBuilder("review").
//	    Entry("start", "Coordinator").
//	    Node("draft", dag.NodeKindComputeAgent, "Writer").
//	    Exit("done", "Publisher").
//	    Edge("start", "draft", dag.FlowContextPass).
//	    Edge("draft", "done", dag.FlowLLMCall).
//	    Build()
type Builder struct {
	def Definition
}

// NewBuilder creates a builder for a DAG with the given id.
func NewBuilder(id string) *Builder {
	return &Builder{def: Definition{ID: id, Name: id}}
}

// Name sets the display name.
func (b *Builder) Name(name string) *Builder {
	b.def.Name = name
	return b
}

// Description sets the description.
func (b *Builder) Description(desc string) *Builder {
	b.def.Description = desc
	return b
}

// Version sets the semantic version.
func (b *Builder) Version(v string) *Builder {
	b.def.Version = v
	return b
}

// Entry adds the entry node.
func (b *Builder) Entry(id, agentName string) *Builder {
	b.def.EntryNode = id
	return b.Node(id, NodeKindEntry, agentName)
}

// Exit adds an exit node.
func (b *Builder) Exit(id, agentName string) *Builder {
	b.def.ExitNodes = append(b.def.ExitNodes, id)
	return b.Node(id, NodeKindExit, agentName)
}

// Node adds a node.
func (b *Builder) Node(id string, kind NodeKind, agentName string) *Builder {
	b.def.Nodes = append(b.def.Nodes, Node{ID: id, Kind: kind, AgentName: agentName})
	return b
}

// NodeWithMetadata adds a node carrying metadata.
func (b *Builder) NodeWithMetadata(id string, kind NodeKind, agentName string, meta map[string]any) *Builder {
	b.def.Nodes = append(b.def.Nodes, Node{ID: id, Kind: kind, AgentName: agentName, Metadata: meta})
	return b
}

// Edge adds an unconditional edge.
func (b *Builder) Edge(from, to string, flow FlowKind) *Builder {
	b.def.Edges = append(b.def.Edges, Edge{From: from, To: to, Flow: flow})
	return b
}

// Conditional adds an autonomous-decision edge guarded by cond.
func (b *Builder) Conditional(from, to string, cond *Condition) *Builder {
	b.def.Edges = append(b.def.Edges, Edge{From: from, To: to, Flow: FlowAutonomousDecision, Condition: cond})
	return b
}

// Definition returns a copy of the document built so far.
func (b *Builder) Definition() *Definition {
	def := b.def
	def.Nodes = append([]Node(nil), b.def.Nodes...)
	def.Edges = append([]Edge(nil), b.def.Edges...)
	def.ExitNodes = append([]string(nil), b.def.ExitNodes...)
	return &def
}

// Build validates and constructs the Graph.
func (b *Builder) Build() (*Graph, error) {
	return NewGraph(b.Definition())
}
