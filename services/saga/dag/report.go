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
	"time"
)

// NodeExecutionResult is the immutable record of one node execution.
type NodeExecutionResult struct {
	NodeID    string   `json:"node_id"`
	AgentName string   `json:"agent_name"`
	AgentKind NodeKind `json:"agent_kind"`
	Success   bool     `json:"success"`
	Output    any      `json:"output,omitempty"`
	Error     string   `json:"error,omitempty"`

	// Timestamp is when the node finished.
	Timestamp time.Time `json:"timestamp"`

	// DurationMs is the wall-clock execution time in milliseconds.
	DurationMs int64 `json:"duration_ms"`

	// Attempts is the number of ExecuteNode calls made, including retries.
	Attempts int `json:"attempts"`
}

// ExecutionResult is the outcome of one Execute call.
//
// Description:
//
//	Success is false iff an error escaped the walk. A failed result still
//	contains every node that completed before the failure, with the failing
//	node itself marked Success=false.
type ExecutionResult struct {
	DAGID   string `json:"dag_id"`
	DAGName string `json:"dag_name"`
	RunID   string `json:"run_id"`
	Success bool   `json:"success"`

	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	DurationMs int64     `json:"duration_ms"`

	NodeResults  []NodeExecutionResult `json:"node_results"`
	FinalContext map[string]any        `json:"final_context"`

	// PrunedNodes lists nodes made unreachable by decision branches.
	PrunedNodes []string `json:"pruned_nodes,omitempty"`

	// Masks is the audit trail of pruning steps.
	Masks []PruneMask `json:"masks,omitempty"`

	Error      string `json:"error,omitempty"`
	FailedNode string `json:"failed_node,omitempty"`

	// Err is the error that aborted the run, for errors.Is/As checks.
	Err error `json:"-"`
}

// Path returns the ids of nodes that completed, in completion order.
func (r *ExecutionResult) Path() []string {
	out := make([]string, 0, len(r.NodeResults))
	for _, nr := range r.NodeResults {
		out = append(out, nr.NodeID)
	}
	return out
}

// Result returns the record for nodeID, if it ran.
func (r *ExecutionResult) Result(nodeID string) (NodeExecutionResult, bool) {
	for _, nr := range r.NodeResults {
		if nr.NodeID == nodeID {
			return nr, true
		}
	}
	return NodeExecutionResult{}, false
}

// Statistics computes summary statistics over the node results.
func (r *ExecutionResult) Statistics() Statistics {
	return ComputeStatistics(r.NodeResults)
}

// KindStatistics summarises results for one agent kind.
type KindStatistics struct {
	Total         int     `json:"total"`
	Succeeded     int     `json:"succeeded"`
	Failed        int     `json:"failed"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// Statistics summarises a set of node results.
type Statistics struct {
	Total         int                         `json:"total"`
	Succeeded     int                         `json:"succeeded"`
	Failed        int                         `json:"failed"`
	SuccessRate   float64                     `json:"success_rate"`
	AvgDurationMs float64                     `json:"avg_duration_ms"`
	ByAgentKind   map[NodeKind]KindStatistics `json:"by_agent_kind"`
}

// ComputeStatistics is a pure function over node results.
// An empty input yields zero counts and a zero success rate.
func ComputeStatistics(results []NodeExecutionResult) Statistics {
	stats := Statistics{ByAgentKind: make(map[NodeKind]KindStatistics)}
	if len(results) == 0 {
		return stats
	}

	var total int64
	kindTotals := make(map[NodeKind]int64)
	for _, r := range results {
		stats.Total++
		total += r.DurationMs

		ks := stats.ByAgentKind[r.AgentKind]
		ks.Total++
		if r.Success {
			stats.Succeeded++
			ks.Succeeded++
		} else {
			stats.Failed++
			ks.Failed++
		}
		kindTotals[r.AgentKind] += r.DurationMs
		stats.ByAgentKind[r.AgentKind] = ks
	}

	stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
	stats.AvgDurationMs = float64(total) / float64(stats.Total)
	for kind, ks := range stats.ByAgentKind {
		ks.AvgDurationMs = float64(kindTotals[kind]) / float64(ks.Total)
		stats.ByAgentKind[kind] = ks
	}
	return stats
}
