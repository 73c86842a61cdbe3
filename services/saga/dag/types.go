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
	"sort"
)

// NodeKind classifies the agent bound to a node.
type NodeKind string

const (
	// NodeKindEntry marks the single entry node of a DAG.
	NodeKindEntry NodeKind = "entry"

	// NodeKindExit marks an exit node.
	NodeKindExit NodeKind = "exit"

	// NodeKindComputeAgent is an LLM-backed agent that transforms its inputs.
	NodeKindComputeAgent NodeKind = "compute_agent"

	// NodeKindServiceAgent is a tool or service executing agent.
	NodeKindServiceAgent NodeKind = "service_agent"

	// NodeKindAgent is a generic agent with no further classification.
	NodeKindAgent NodeKind = "agent"
)

// FlowKind classifies how output is handed across an edge.
type FlowKind string

const (
	// FlowContextPass hands the context through unchanged. Used for the entry node.
	FlowContextPass FlowKind = "context_pass"

	// FlowLLMCall is a sequential hand-off into an LLM invocation.
	FlowLLMCall FlowKind = "llm_call"

	// FlowServiceCall hands off to a service or tool invocation.
	FlowServiceCall FlowKind = "service_call"

	// FlowAutonomousDecision is a conditional branch evaluated after the source runs.
	FlowAutonomousDecision FlowKind = "autonomous_decision"
)

// IsConditional reports whether the flow kind is a conditional branch.
func (f FlowKind) IsConditional() bool {
	return f == FlowAutonomousDecision
}

// Node is a unit of work in the DAG, bound to one agent.
//
// Nodes are immutable once the Graph has been built.
type Node struct {
	ID        string         `json:"id" yaml:"id" validate:"required"`
	Kind      NodeKind       `json:"type" yaml:"type" validate:"required"`
	AgentName string         `json:"agentName" yaml:"agentName"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Edge is a directed transition between two nodes.
type Edge struct {
	ID        string     `json:"id" yaml:"id"`
	From      string     `json:"from" yaml:"from" validate:"required"`
	To        string     `json:"to" yaml:"to" validate:"required"`
	Flow      FlowKind   `json:"flowType" yaml:"flowType" validate:"omitempty,oneof=context_pass llm_call service_call autonomous_decision"`
	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// IsConditional reports whether the edge takes part in branch selection.
func (e *Edge) IsConditional() bool {
	return e.Flow.IsConditional()
}

// NodeRequest carries everything a NodeExecutor needs to run one node.
type NodeRequest struct {
	// RunID identifies the execution this node belongs to.
	RunID string

	NodeID    string
	AgentName string
	AgentKind NodeKind

	// IncomingFlow is the flow kind of the edge the node was reached through.
	IncomingFlow FlowKind

	// Context is a snapshot of the execution context at call time.
	// Executors may read it freely; writes are not seen by the engine.
	Context map[string]any

	// TargetAgents lists downstream agent names. Empty for decision nodes,
	// whose targets are only known after their output has been evaluated.
	TargetAgents []string

	// SourceAgentName is the agent that ran immediately before this node.
	SourceAgentName string
}

// Distribution carries a decision node's result to the branches that will run.
type Distribution struct {
	RunID           string
	NodeID          string
	SourceAgentName string
	AgentKind       NodeKind
	TargetAgents    []string
	Result          any
}

// NodeExecutor performs the actual agent work on the engine's behalf.
//
// Description:
//
//	The engine never contains agent logic. ExecuteNode runs the named agent
//	(LLM call, tool execution, or pass-through for entry/exit nodes) and
//	returns a JSON-serializable output. DistributeResultsToTargets is called
//	only for decision nodes, after conditions have selected which downstream
//	targets are reachable.
//
// Thread Safety:
//
//	Implementations used with a concurrent BranchStrategy must be safe for
//	concurrent use. The default sequential strategy never calls concurrently.
type NodeExecutor interface {
	// ExecuteNode runs one node. A non-nil error fails the whole run.
	ExecuteNode(ctx context.Context, req NodeRequest) (any, error)

	// DistributeResultsToTargets writes a decision node's result into whatever
	// store the selected target agents read from next.
	DistributeResultsToTargets(ctx context.Context, d Distribution) error
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
