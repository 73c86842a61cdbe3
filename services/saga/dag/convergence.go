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

// Convergence is a join node selected after a fan-out, with the flow kind
// used to drive it.
type Convergence struct {
	NodeID string
	Flow   FlowKind
}

// FindConvergence selects the join points of a fan-out.
//
// Description:
//
//	A candidate is a convergence point when every branch start is a strict
//	ancestor of it and ready reports that it can run now. The flow kind is
//	taken from the candidate's first incoming edge, or context_pass if it has
//	none. Results keep the order of candidates.
//
// Inputs:
//
//	g - The graph. Ancestry uses its precomputed reachability index.
//	branchStarts - The first node of each branch.
//	candidates - Nodes not yet executed.
//	ready - Reports whether a node's dependencies are satisfied. Nil means always.
func FindConvergence(g *Graph, branchStarts, candidates []string, ready func(string) bool) []Convergence {
	if g == nil || len(branchStarts) == 0 {
		return nil
	}

	var out []Convergence
	for _, id := range candidates {
		joined := true
		for _, b := range branchStarts {
			if !g.IsAncestor(b, id) {
				joined = false
				break
			}
		}
		if !joined || (ready != nil && !ready(id)) {
			continue
		}
		out = append(out, Convergence{NodeID: id, Flow: g.firstIncomingFlow(id)})
	}
	return out
}

func (g *Graph) firstIncomingFlow(id string) FlowKind {
	if in := g.incoming[id]; len(in) > 0 {
		return in[0].Flow
	}
	return FlowContextPass
}
