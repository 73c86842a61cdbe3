// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agents

import "context"

// Echo is an agent that reports what it was asked to do. It is the fallback
// for "saga run --echo" and useful for dry-running a definition.
func Echo() Agent {
	return AgentFunc(func(ctx context.Context, task Task) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := map[string]any{
			"agent":   task.AgentName,
			"node":    task.NodeID,
			"success": true,
		}
		if len(task.TargetAgents) > 0 {
			out["targets"] = task.TargetAgents
		}
		if len(task.Inbox) > 0 {
			out["inbox"] = len(task.Inbox)
		}
		return out, nil
	})
}
