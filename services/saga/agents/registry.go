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

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/dag"
)

var (
	// ErrUnknownAgent is returned when a node names an agent nobody registered.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrDuplicateAgent is returned when an agent name is registered twice.
	ErrDuplicateAgent = errors.New("agent already registered")

	// ErrEmptyAgentName is returned when registering an agent without a name.
	ErrEmptyAgentName = errors.New("agent name must not be empty")
)

// Task is what an agent receives for one node execution.
type Task struct {
	dag.NodeRequest

	// Inbox holds decision results distributed to this agent since it last ran.
	Inbox []Message
}

// Agent performs the work behind a DAG node.
type Agent interface {
	Run(ctx context.Context, task Task) (any, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, task Task) (any, error)

// Run calls f.
func (f AgentFunc) Run(ctx context.Context, task Task) (any, error) { return f(ctx, task) }

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithFallback sets the agent used for names with no registration.
func WithFallback(a Agent) RegistryOption {
	return func(r *Registry) { r.fallback = a }
}

// WithMailbox shares a mailbox between registries.
func WithMailbox(m *Mailbox) RegistryOption {
	return func(r *Registry) { r.mailbox = m }
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// Registry is a dag.NodeExecutor that dispatches nodes to agents by name.
//
// Description:
//
//	Entry and exit nodes are passed through without an agent: they return the
//	previous node's output so the exit node's entry in the context is the
//	run's final output. Every other node is looked up by AgentName. Decision
//	results are delivered to the Mailbox and handed to the target agent as
//	Task.Inbox the next time it runs in the same run.
//
// Thread Safety:
//
//	Safe for concurrent use. Agents themselves must be safe for concurrent
//	use when the engine runs branches concurrently.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]Agent
	fallback Agent
	mailbox  *Mailbox
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		agents: make(map[string]Agent),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.mailbox == nil {
		r.mailbox = NewMailbox()
	}
	return r
}

// Register binds an agent to a name.
func (r *Registry) Register(name string, a Agent) error {
	if name == "" {
		return ErrEmptyAgentName
	}
	if a == nil {
		return fmt.Errorf("register %s: agent is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, name)
	}
	r.agents[name] = a
	return nil
}

// RegisterFunc is Register for plain functions.
func (r *Registry) RegisterFunc(name string, fn func(ctx context.Context, task Task) (any, error)) error {
	return r.Register(name, AgentFunc(fn))
}

// Names returns the registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Mailbox returns the registry's mailbox.
func (r *Registry) Mailbox() *Mailbox { return r.mailbox }

// ExecuteNode implements dag.NodeExecutor.
func (r *Registry) ExecuteNode(ctx context.Context, req dag.NodeRequest) (any, error) {
	if req.AgentKind == dag.NodeKindEntry || req.AgentKind == dag.NodeKindExit {
		return req.Context[dag.KeyLastNodeOutput], nil
	}

	agent, err := r.lookup(req.AgentName)
	if err != nil {
		return nil, err
	}

	task := Task{NodeRequest: req, Inbox: r.mailbox.Drain(req.RunID, req.AgentName)}
	r.logger.Debug("dispatching node",
		slog.String("run_id", req.RunID),
		slog.String("node", req.NodeID),
		slog.String("agent", req.AgentName),
		slog.Int("inbox", len(task.Inbox)),
	)
	return agent.Run(ctx, task)
}

// DistributeResultsToTargets implements dag.NodeExecutor.
func (r *Registry) DistributeResultsToTargets(ctx context.Context, d dag.Distribution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mailbox.Deliver(d)
	return nil
}

// Forget drops undelivered messages for a finished run.
func (r *Registry) Forget(runID string) {
	r.mailbox.Forget(runID)
}

func (r *Registry) lookup(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[name]; ok {
		return a, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
}
