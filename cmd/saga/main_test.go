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
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/dag"
)

const reviewYAML = `
id: review
name: Review flow
entryNode: entry
exitNodes: [exit]
nodes:
  - {id: entry, type: entry, agentName: Start}
  - {id: A, type: agent, agentName: Coder}
  - {id: B, type: agent, agentName: Reviewer}
  - {id: C, type: agent, agentName: Publisher}
  - {id: D, type: agent, agentName: Fixer}
  - {id: exit, type: exit, agentName: End}
edges:
  - {from: entry, to: A, flowType: context_pass}
  - {from: A, to: B}
  - from: B
    to: C
    flowType: autonomous_decision
    condition: {type: result, expression: "success===true"}
  - from: B
    to: D
    flowType: autonomous_decision
    condition: {type: result, expression: "success===false"}
  - {from: C, to: exit}
  - {from: D, to: exit}
`

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("OPENAI_API_KEY", "")

	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCmd(t *testing.T) {
	good := writeTemp(t, "review.yaml", reviewYAML)

	out, err := execute(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok   "+good+": review (6 nodes, 6 edges)")

	bad := writeTemp(t, "bad.json", `{"id": "bad", "entryNode": "entry", "exitNodes": ["exit"], "nodes": [], "edges": []}`)
	out, err = execute(t, "validate", good, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 definitions invalid")
	assert.Contains(t, out, "FAIL "+bad)
}

func TestRunCmd_Echo(t *testing.T) {
	path := writeTemp(t, "review.yaml", reviewYAML)

	out, err := execute(t, "run", path, "--echo", "--run-id", "cli-1", "--input", `{"topic": "dags"}`)
	require.NoError(t, err)

	var result dag.ExecutionResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.Success)
	assert.Equal(t, "cli-1", result.RunID)
	// Echo reports success, so the reviewer approves.
	assert.Equal(t, []string{"entry", "A", "B", "C", "exit"}, result.Path())
	assert.Equal(t, "dags", result.FinalContext["topic"])
}

func TestRunCmd_InputFile(t *testing.T) {
	path := writeTemp(t, "review.yaml", reviewYAML)
	input := writeTemp(t, "input.json", `{"topic": "files"}`)

	out, err := execute(t, "run", path, "--echo", "--input", "@"+input)
	require.NoError(t, err)

	var result dag.ExecutionResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "files", result.FinalContext["topic"])
}

func TestRunCmd_Errors(t *testing.T) {
	path := writeTemp(t, "review.yaml", reviewYAML)

	_, err := execute(t, "run", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")

	_, err = execute(t, "run", path, "--echo", "--input", "[1,2]")
	assert.Error(t, err)

	_, err = execute(t, "run", filepath.Join(t.TempDir(), "missing.yaml"), "--echo")
	assert.Error(t, err)
}

func TestParseInput(t *testing.T) {
	got, err := parseInput("")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = parseInput(`{"a": 1}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, got)

	_, err = parseInput("@" + filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
