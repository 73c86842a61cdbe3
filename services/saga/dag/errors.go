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
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the dag package.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilExecutor is returned when the engine is built without a NodeExecutor.
	ErrNilExecutor = errors.New("node executor must not be nil")

	// ErrNilGraph is returned when a nil graph or definition is supplied.
	ErrNilGraph = errors.New("graph must not be nil")

	// ErrInvalidGraph is the parent of every graph configuration error.
	ErrInvalidGraph = errors.New("invalid graph definition")

	// ErrEntryNotFound is returned when the entry node is not declared.
	ErrEntryNotFound = errors.New("entry node not found")

	// ErrExitNotFound is returned when a declared exit node is not declared.
	ErrExitNotFound = errors.New("exit node not found")

	// ErrDanglingEdge is returned when an edge references an unknown node.
	ErrDanglingEdge = errors.New("edge references unknown node")

	// ErrDuplicateNode is returned when two nodes share an id.
	ErrDuplicateNode = errors.New("node with this id already exists")

	// ErrDuplicateEdge is returned when two edges share an id.
	ErrDuplicateEdge = errors.New("edge with this id already exists")

	// ErrCycleDetected is returned when the graph contains a cycle.
	ErrCycleDetected = errors.New("cycle detected in DAG")

	// ErrUnreachableNode describes a node that cannot be reached from the entry.
	ErrUnreachableNode = errors.New("node is not reachable from the entry node")

	// ErrNoProgress is returned when nodes remain whose dependencies can never be met.
	ErrNoProgress = errors.New("no progress possible: deadlock or missing dependency")

	// ErrNodeFailed is returned when a node fails during execution.
	ErrNodeFailed = errors.New("node execution failed")

	// ErrNodeTimeout is returned when a node exceeds its configured timeout.
	ErrNodeTimeout = errors.New("node execution timed out")
)

// ConfigError reports an unrecoverable problem with a graph definition.
//
// ConfigError always unwraps to ErrInvalidGraph as well as its specific cause,
// so callers can test either with errors.Is.
type ConfigError struct {
	// Field names the offending part of the definition (e.g. "entryNode", "edges[3]").
	Field string
	Err   error
}

// Error returns the error message.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrInvalidGraph, e.Field, e.Err)
}

// Unwrap returns the cause together with ErrInvalidGraph.
func (e *ConfigError) Unwrap() []error {
	return []error{ErrInvalidGraph, e.Err}
}

func newConfigError(field string, err error) *ConfigError {
	return &ConfigError{Field: field, Err: err}
}

// NodeError wraps an error with the node that caused it.
type NodeError struct {
	NodeID    string
	AgentName string
	Err       error
}

// Error returns the error message.
func (e *NodeError) Error() string {
	if e.AgentName != "" {
		return fmt.Sprintf("node %q (agent %s): %v", e.NodeID, e.AgentName, e.Err)
	}
	return fmt.Sprintf("node %q: %v", e.NodeID, e.Err)
}

// Unwrap returns the underlying error.
func (e *NodeError) Unwrap() error {
	return e.Err
}

// NewNodeError creates a NodeError.
func NewNodeError(nodeID, agentName string, err error) *NodeError {
	return &NodeError{
		NodeID:    nodeID,
		AgentName: agentName,
		Err:       err,
	}
}

// CycleError provides details about a detected cycle.
type CycleError struct {
	Path []string
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Unwrap lets errors.Is match ErrCycleDetected.
func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// NewCycleError creates a CycleError.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}

// StallError lists the nodes left waiting when a run can make no further progress.
type StallError struct {
	// Blocked maps each stalled node to the predecessors it is still waiting on.
	Blocked map[string][]string
}

// Error returns the stall description.
func (e *StallError) Error() string {
	parts := make([]string, 0, len(e.Blocked))
	for _, id := range sortedKeys(e.Blocked) {
		parts = append(parts, fmt.Sprintf("%s waits on [%s]", id, strings.Join(e.Blocked[id], ", ")))
	}
	return fmt.Sprintf("%v: %s", ErrNoProgress, strings.Join(parts, "; "))
}

// Unwrap lets errors.Is match ErrNoProgress.
func (e *StallError) Unwrap() error {
	return ErrNoProgress
}
