// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package dag provides the graph-walking engine for SAGA agent workflows.
//
// A workflow is a DAG of agent nodes joined by typed edges. The engine:
//   - Validates the graph once at load time (entry, exits, edges, cycles)
//   - Runs each node exactly once, after all of its remaining predecessors
//   - Evaluates conditional edges after decision nodes and prunes the
//     branches that were not taken
//   - Fans out to branches through a pluggable BranchStrategy and reunites
//     them at join nodes found by ancestry
//   - Fails fast on the first node error and reports every completed node
//
// All agent work is delegated to a NodeExecutor; the engine knows nothing
// about prompts or models.
//
// # Thread Safety
//
// Graph is immutable. Engine, ExecutionState and DependencyTracker are safe
// for concurrent use.
//
// # Example
//
//	g, err := dag.NewBuilder("review").
//	    Entry("entry", "Start").
//	    Node("draft", dag.NodeKindAgent, "Writer").
//	    Node("fix", dag.NodeKindAgent, "Editor").
//	    Exit("exit", "End").
//	    Edge("entry", "draft", dag.FlowContextPass).
//	    Conditional("draft", "exit", dag.PriorSucceeded()).
//	    Conditional("draft", "fix", dag.PriorFailed()).
//	    Edge("fix", "exit", dag.FlowLLMCall).
//	    Build()
//
//	engine, err := dag.NewEngine(g, executor, dag.WithLogger(logger))
//	result := engine.Execute(ctx, map[string]any{"topic": "otel"})
package dag
