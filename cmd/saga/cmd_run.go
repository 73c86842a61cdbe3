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
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/dag"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		input string
		echo  bool
		runID string
	)

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a definition once and print the result as JSON",
		Long: `Execute a definition once and print the result as JSON.

--input takes a JSON object, or @path to read one from a file.
--echo replaces every agent with one that reports what it was asked to do.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadGraph(args[0])
			if err != nil {
				return err
			}
			initial, err := parseInput(input)
			if err != nil {
				return err
			}

			reg, err := a.executor(echo)
			if err != nil {
				return err
			}
			strategy, release, err := a.cfg.Engine.NewStrategy()
			if err != nil {
				return err
			}
			defer release()

			opts := append(a.cfg.Engine.EngineOptions(strategy),
				dag.WithLogger(a.slog()),
				dag.WithObserver(dag.NewLoggingObserver(a.slog())),
			)
			engine, err := dag.NewEngine(g, reg, opts...)
			if err != nil {
				return err
			}

			var result *dag.ExecutionResult
			if runID != "" {
				result = engine.ExecuteRun(cmd.Context(), runID, initial)
			} else {
				result = engine.Execute(cmd.Context(), initial)
			}
			reg.Forget(result.RunID)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			if !result.Success {
				return fmt.Errorf("run %s failed: %s", result.RunID, result.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Initial context as a JSON object or @file")
	cmd.Flags().BoolVar(&echo, "echo", false, "Use echo agents instead of calling an LLM")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier (random when empty)")
	return cmd
}

func parseInput(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	data := []byte(raw)
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return out, nil
}
