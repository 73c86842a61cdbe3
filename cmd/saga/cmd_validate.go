// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/dag"
)

func newValidateCmd(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check that definitions build into valid DAGs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				g, err := loadGraph(path)
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "ok   %s: %s (%d nodes, %d edges)\n", path, g.ID(), g.NodeCount(), len(g.Edges()))
				for _, w := range g.Warnings() {
					fmt.Fprintf(out, "     warning: %s\n", w)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
			}
			return nil
		},
	}
}

func loadGraph(path string) (*dag.Graph, error) {
	def, err := dag.LoadDefinitionFile(path)
	if err != nil {
		return nil, err
	}
	return dag.NewGraph(def)
}
