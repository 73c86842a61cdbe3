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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Engine walks a Graph and delegates the work of every node to a NodeExecutor.
//
// Description:
//
//	Execution starts at the entry node and follows outgoing edges. A node
//	runs only once all of its remaining predecessors have run. Decision
//	nodes evaluate their conditional edges after they complete and prune
//	the branches that were not taken. Fan-outs are handed to the configured
//	BranchStrategy, after which join nodes are found by ancestry and driven.
//	A final liveness sweep runs any node left deferred and reports nodes
//	that can never run as ErrNoProgress.
//
// Thread Safety:
//
//	Engine is safe for concurrent use. Every Execute call owns a fresh
//	ExecutionState and DependencyTracker.
type Engine struct {
	graph     *Graph
	executor  NodeExecutor
	logger    *slog.Logger
	observers []Observer
	strategy  BranchStrategy
	evaluator *ConditionEvaluator

	mergePolicy   MergePolicy
	conditionMode ConditionMode
	predicates    map[string]Predicate
	nodeTimeout   time.Duration
	retry         RetryPolicy
	liveness      bool
	newRunID      func() string

	// dormant holds nodes that never run: those reachable only through exit
	// nodes and those the entry cannot reach at all.
	dormant map[string]bool

	metrics engineMetrics
}

// NewEngine creates an engine for a validated graph.
//
// Inputs:
//
//	g - The graph to execute. Must not be nil.
//	executor - Performs node work. Must not be nil.
//	opts - Optional configuration.
//
// Outputs:
//
//	*Engine - The configured engine.
//	error - ErrNilGraph or ErrNilExecutor.
func NewEngine(g *Graph, executor NodeExecutor, opts ...Option) (*Engine, error) {
	if g == nil {
		return nil, ErrNilGraph
	}
	if executor == nil {
		return nil, ErrNilExecutor
	}

	e := &Engine{
		graph:         g,
		executor:      executor,
		logger:        slog.Default(),
		strategy:      SequentialStrategy{},
		mergePolicy:   MergeShallow,
		conditionMode: ConditionModeTyped,
		predicates:    make(map[string]Predicate),
		liveness:      true,
		newRunID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.evaluator = NewConditionEvaluator(e.conditionMode, e.predicates, e.logger)
	e.dormant = g.beyondExits()
	for _, id := range g.Unreachable() {
		e.dormant[id] = true
	}
	for _, w := range g.Warnings() {
		e.logger.Warn("graph definition warning",
			slog.String("dag", g.ID()),
			slog.String("warning", w),
		)
	}
	return e, nil
}

// Graph returns the graph the engine executes.
func (e *Engine) Graph() *Graph { return e.graph }

// Strategy returns the branch strategy in use.
func (e *Engine) Strategy() BranchStrategy { return e.strategy }

// Execute runs the graph with a generated run id.
//
// Execute never returns an error: failures are reported through
// ExecutionResult.Success, Error and Err, together with every node result
// recorded before the failure.
func (e *Engine) Execute(ctx context.Context, initial map[string]any) *ExecutionResult {
	return e.ExecuteRun(ctx, e.newRunID(), initial)
}

// ExecuteRun runs the graph under a caller-chosen run id, so observers can be
// attached to the id before the run starts. An empty id is generated.
func (e *Engine) ExecuteRun(ctx context.Context, runID string, initial map[string]any) *ExecutionResult {
	start := time.Now()
	if runID == "" {
		runID = e.newRunID()
	}
	if ctx == nil {
		r := newRun(e, runID, initial)
		return r.result(start, ErrNilContext)
	}

	e.metrics.init(e.logger)

	ctx, span := tracer.Start(ctx, "saga.Run",
		trace.WithAttributes(
			attribute.String("dag.id", e.graph.ID()),
			attribute.String("dag.run_id", runID),
			attribute.Int("dag.node_count", e.graph.NodeCount()),
			attribute.String("dag.strategy", e.strategy.Name()),
		),
	)
	defer span.End()

	r := newRun(e, runID, initial)
	r.logger.Info("run started",
		slog.Int("nodes", e.graph.NodeCount()),
		slog.String("strategy", e.strategy.Name()),
	)
	r.emit(ctx, Event{Type: EventExecutionStart})

	err := r.processNode(ctx, e.graph.Entry(), FlowContextPass)
	if err == nil && e.liveness {
		err = r.sweep(ctx)
	}

	result := r.result(start, err)
	if e.metrics.runLatency != nil {
		e.metrics.runLatency.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("dag", e.graph.ID()),
				attribute.Bool("success", result.Success),
			),
		)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.emit(ctx, Event{
			Type:       EventExecutionError,
			NodeID:     result.FailedNode,
			DurationMs: result.DurationMs,
			Error:      result.Error,
		})
		r.logger.Error("run failed",
			slog.String("failed_node", result.FailedNode),
			slog.String("error", result.Error),
			slog.Int("nodes_executed", len(result.NodeResults)),
		)
		return result
	}

	span.SetStatus(codes.Ok, "")
	r.emit(ctx, Event{
		Type:       EventExecutionComplete,
		DurationMs: result.DurationMs,
		Success:    true,
	})
	r.logger.Info("run completed",
		slog.Int64("duration_ms", result.DurationMs),
		slog.Int("nodes_executed", len(result.NodeResults)),
		slog.Int("nodes_pruned", len(result.PrunedNodes)),
	)
	return result
}

// run is the per-Execute walker.
type run struct {
	e       *Engine
	id      string
	logger  *slog.Logger
	state   *ExecutionState
	tracker *DependencyTracker

	memoMu sync.Mutex
	memo   map[string]*edgeMemo
}

// edgeMemo caches the next-edge decision of one node. Conditions are
// evaluated and pruning applied exactly once per node per run.
type edgeMemo struct {
	once  sync.Once
	edges []*Edge
}

func newRun(e *Engine, runID string, initial map[string]any) *run {
	return &run{
		e:       e,
		id:      runID,
		logger:  e.logger.With(slog.String("dag", e.graph.ID()), slog.String("run_id", runID)),
		state:   NewExecutionState(runID, initial, e.mergePolicy),
		tracker: NewDependencyTracker(e.graph),
		memo:    make(map[string]*edgeMemo),
	}
}

func (r *run) emit(ctx context.Context, evt Event) {
	if len(r.e.observers) == 0 {
		return
	}
	evt.RunID = r.id
	evt.DAGID = r.e.graph.ID()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	for _, o := range r.e.observers {
		o.OnEvent(ctx, evt)
	}
}

func (r *run) canExecute(id string) bool {
	return r.tracker.CanExecute(id, r.state.IsExecuted)
}

// reachedBy reports whether control actually arrived at id: some incoming
// edge leaves an executed node and was not dropped by a decision.
func (r *run) reachedBy(id string) bool {
	if id == r.e.graph.entry {
		return true
	}
	for _, e := range r.e.graph.incoming[id] {
		if r.state.IsExecuted(e.From) && !r.tracker.EdgeDropped(e) {
			return true
		}
	}
	return false
}

// ready is canExecute for nodes driven outside the walk.
func (r *run) ready(id string) bool {
	return r.canExecute(id) && r.reachedBy(id)
}

// processNode runs a node if it is ready and follows its next edges.
func (r *run) processNode(ctx context.Context, id string, flow FlowKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !r.canExecute(id) {
		return nil
	}
	if !r.state.claim(id) {
		return nil
	}
	if err := r.executeNodeInternal(ctx, id, flow); err != nil {
		return err
	}
	if r.e.graph.IsExit(id) {
		return nil
	}

	next := r.nextEdges(ctx, id)
	switch len(next) {
	case 0:
		return nil
	case 1:
		return r.processNode(ctx, next[0].To, next[0].Flow)
	default:
		return r.executeParallelBranches(ctx, id, next)
	}
}

// executeParallelBranches runs every branch of a fan-out, then drives the join nodes.
func (r *run) executeParallelBranches(ctx context.Context, source string, edges []*Edge) error {
	starts := make([]string, 0, len(edges))
	branches := make([]Branch, 0, len(edges))
	for _, edge := range edges {
		edge := edge
		starts = append(starts, edge.To)
		branches = append(branches, func(ctx context.Context) error {
			return r.executeBranch(ctx, edge.To, edge.Flow)
		})
	}

	r.emit(ctx, Event{Type: EventParallelStart, NodeID: source, Branches: starts})
	r.logger.Debug("fan-out",
		slog.String("node", source),
		slog.Any("branches", starts),
		slog.String("strategy", r.e.strategy.Name()),
	)

	start := time.Now()
	err := r.e.strategy.Run(ctx, branches)
	r.emit(ctx, Event{
		Type:       EventParallelComplete,
		NodeID:     source,
		Branches:   starts,
		DurationMs: time.Since(start).Milliseconds(),
		Success:    err == nil,
	})
	if err != nil {
		return err
	}
	return r.executeConvergencePoint(ctx, starts)
}

// executeBranch advances through a single-successor chain from start.
//
// It stops at a node that cannot run yet, a node already claimed, the end of
// the chain, an exit node, or a join node (more than one incoming edge)
// reached after the first step. A nested fan-out recurses.
func (r *run) executeBranch(ctx context.Context, start string, flow FlowKind) error {
	cur, curFlow := start, flow
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cur != start && len(r.e.graph.incoming[cur]) > 1 {
			return nil
		}
		if !r.canExecute(cur) || !r.state.claim(cur) {
			return nil
		}
		if err := r.executeNodeInternal(ctx, cur, curFlow); err != nil {
			return err
		}
		if r.e.graph.IsExit(cur) {
			return nil
		}

		next := r.nextEdges(ctx, cur)
		switch len(next) {
		case 0:
			return nil
		case 1:
			cur, curFlow = next[0].To, next[0].Flow
		default:
			return r.executeParallelBranches(ctx, cur, next)
		}
	}
}

// executeConvergencePoint drives every unexecuted node that all branch starts
// lead to and that can run now.
func (r *run) executeConvergencePoint(ctx context.Context, starts []string) error {
	candidates := make([]string, 0, len(r.e.graph.order))
	for _, id := range r.e.graph.order {
		if !r.state.IsExecuted(id) && !r.tracker.IsPruned(id) {
			candidates = append(candidates, id)
		}
	}

	for _, c := range FindConvergence(r.e.graph, starts, candidates, r.ready) {
		if err := r.processNode(ctx, c.NodeID, c.Flow); err != nil {
			return err
		}
	}
	return nil
}

// sweep re-drives deferred nodes until no more can run, then reports any
// node that is still waiting.
func (r *run) sweep(ctx context.Context) error {
	g := r.e.graph
	for {
		progressed := false
		for _, id := range g.order {
			if r.e.dormant[id] || r.state.IsExecuted(id) || !r.ready(id) {
				continue
			}
			r.logger.Debug("liveness sweep driving deferred node", slog.String("node", id))
			if err := r.processNode(ctx, id, g.firstIncomingFlow(id)); err != nil {
				return err
			}
			if r.state.IsExecuted(id) {
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	blocked := make(map[string][]string)
	for _, id := range g.order {
		if r.e.dormant[id] || r.state.IsExecuted(id) || r.tracker.IsPruned(id) {
			continue
		}
		var waiting []string
		for _, dep := range r.tracker.Pending(id) {
			if !r.state.IsExecuted(dep) {
				waiting = append(waiting, dep)
			}
		}
		blocked[id] = waiting
	}
	if len(blocked) > 0 {
		return &StallError{Blocked: blocked}
	}
	return nil
}

// nextEdges returns the edges to follow out of id, evaluating conditions and
// pruning unselected branches on first use.
func (r *run) nextEdges(ctx context.Context, id string) []*Edge {
	r.memoMu.Lock()
	m, ok := r.memo[id]
	if !ok {
		m = &edgeMemo{}
		r.memo[id] = m
	}
	r.memoMu.Unlock()

	m.once.Do(func() {
		m.edges = r.evaluateEdges(ctx, id)
	})
	return m.edges
}

func (r *run) evaluateEdges(ctx context.Context, id string) []*Edge {
	out := r.e.graph.outgoing[id]
	if len(out) == 0 {
		return nil
	}

	// Conditions judge this node's own output, even if a concurrent branch
	// merged after it.
	snapshot := r.state.Snapshot()
	if output, ok := r.state.Output(id); ok {
		snapshot[id] = output
		snapshot[KeyLastNodeOutput] = output
		snapshot[KeyLastExecutedNode] = id
	}
	var next, conditional, selected []*Edge
	for _, edge := range out {
		if !edge.IsConditional() {
			next = append(next, edge)
			continue
		}
		conditional = append(conditional, edge)

		v := r.e.evaluator.Check(ctx, edge, snapshot)
		if v.Warning != "" {
			if r.e.metrics.conditionWarnings != nil {
				r.e.metrics.conditionWarnings.Add(ctx, 1,
					metric.WithAttributes(attribute.String("dag", r.e.graph.ID())),
				)
			}
			r.emit(ctx, Event{
				Type:    EventConditionWarning,
				NodeID:  id,
				Message: fmt.Sprintf("edge %s: %s", edge.ID, v.Warning),
			})
		}
		if v.Pass {
			selected = append(selected, edge)
			next = append(next, edge)
		}
	}

	if len(conditional) > 0 {
		mask := r.tracker.PruneUnreachable(id, conditional, selected, r.state.IsExecuted)
		if mask.Version > 0 {
			if r.e.metrics.prunedNodes != nil {
				r.e.metrics.prunedNodes.Add(ctx, int64(len(mask.Unreachable)),
					metric.WithAttributes(attribute.String("dag", r.e.graph.ID())),
				)
			}
			r.emit(ctx, Event{
				Type:     EventBranchPruned,
				NodeID:   id,
				Branches: mask.Unreachable,
				Message:  fmt.Sprintf("mask v%d unselected %v", mask.Version, mask.Unselected),
			})
			r.logger.Debug("branches pruned",
				slog.String("node", id),
				slog.Int("mask_version", mask.Version),
				slog.Any("unselected", mask.Unselected),
				slog.Any("unreachable", mask.Unreachable),
			)
		}
	}
	return next
}

// executeNodeInternal runs one claimed node and records its result.
func (r *run) executeNodeInternal(ctx context.Context, id string, flow FlowKind) error {
	node, _ := r.e.graph.Node(id)
	snapshot := r.state.Snapshot()
	decision := r.e.graph.IsDecisionNode(id)

	var targets []string
	if !decision {
		targets = r.targetAgents(r.e.graph.outgoing[id])
	}

	req := NodeRequest{
		RunID:           r.id,
		NodeID:          id,
		AgentName:       node.AgentName,
		AgentKind:       node.Kind,
		IncomingFlow:    flow,
		Context:         snapshot,
		TargetAgents:    targets,
		SourceAgentName: r.sourceAgentName(snapshot, id),
	}

	ctx, span := tracer.Start(ctx, "saga.Node",
		trace.WithAttributes(
			attribute.String("dag.node", id),
			attribute.String("dag.agent", node.AgentName),
			attribute.String("dag.agent_kind", string(node.Kind)),
			attribute.String("dag.flow", string(flow)),
			attribute.Bool("dag.decision", decision),
		),
	)
	defer span.End()

	if r.e.metrics.activeNodes != nil {
		r.e.metrics.activeNodes.Add(ctx, 1)
		defer r.e.metrics.activeNodes.Add(ctx, -1)
	}

	r.emit(ctx, Event{Type: EventNodeStart, NodeID: id, AgentName: node.AgentName, AgentKind: node.Kind})
	r.logger.Debug("node starting",
		slog.String("node", id),
		slog.String("agent", node.AgentName),
		slog.String("flow", string(flow)),
	)

	start := time.Now()
	output, attempts, err := r.invoke(ctx, req)
	if err == nil {
		r.state.merge(id, output, promotionFor(node))
		if decision {
			err = r.distribute(ctx, node, output)
		}
	}
	duration := time.Since(start)

	attrs := metric.WithAttributes(
		attribute.String("agent", node.AgentName),
		attribute.String("agent_kind", string(node.Kind)),
	)
	if r.e.metrics.nodeLatency != nil {
		r.e.metrics.nodeLatency.Record(ctx, duration.Seconds(), attrs)
	}

	result := NodeExecutionResult{
		NodeID:     id,
		AgentName:  node.AgentName,
		AgentKind:  node.Kind,
		Success:    err == nil,
		Output:     output,
		Timestamp:  time.Now(),
		DurationMs: duration.Milliseconds(),
		Attempts:   attempts,
	}

	if err != nil {
		result.Error = err.Error()
		r.state.record(result)
		r.state.markExecuted(id)

		if r.e.metrics.nodeFailures != nil {
			r.e.metrics.nodeFailures.Add(ctx, 1, attrs)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.emit(ctx, Event{
			Type:       EventNodeError,
			NodeID:     id,
			AgentName:  node.AgentName,
			AgentKind:  node.Kind,
			DurationMs: result.DurationMs,
			Error:      result.Error,
		})
		r.logger.Error("node failed",
			slog.String("node", id),
			slog.String("agent", node.AgentName),
			slog.Int("attempts", attempts),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return NewNodeError(id, node.AgentName, fmt.Errorf("%w: %w", ErrNodeFailed, err))
	}

	r.state.record(result)
	r.state.markExecuted(id)
	r.tracker.MarkExecuted(id)

	if r.e.metrics.nodeSuccesses != nil {
		r.e.metrics.nodeSuccesses.Add(ctx, 1, attrs)
	}
	span.SetStatus(codes.Ok, "")
	r.emit(ctx, Event{
		Type:       EventNodeComplete,
		NodeID:     id,
		AgentName:  node.AgentName,
		AgentKind:  node.Kind,
		DurationMs: result.DurationMs,
		Success:    true,
	})
	r.logger.Debug("node completed",
		slog.String("node", id),
		slog.Duration("duration", duration),
	)
	return nil
}

// distribute hands a decision node's output to the agents of the selected branches.
func (r *run) distribute(ctx context.Context, node *Node, output any) error {
	targets := r.targetAgents(r.nextEdges(ctx, node.ID))
	err := r.e.executor.DistributeResultsToTargets(ctx, Distribution{
		RunID:           r.id,
		NodeID:          node.ID,
		SourceAgentName: node.AgentName,
		AgentKind:       node.Kind,
		TargetAgents:    targets,
		Result:          output,
	})
	if err != nil {
		return fmt.Errorf("distribute results to %v: %w", targets, err)
	}
	return nil
}

// invoke calls the executor, applying the retry policy.
func (r *run) invoke(ctx context.Context, req NodeRequest) (any, int, error) {
	maxAttempts := r.e.retry.attemptsFor(req.AgentKind)
	backoff := r.e.retry.Backoff

	for attempt := 1; ; attempt++ {
		out, err := r.callNode(ctx, req)
		if err == nil {
			return out, attempt, nil
		}
		if attempt >= maxAttempts || ctx.Err() != nil {
			return nil, attempt, err
		}

		r.logger.Warn("node attempt failed, retrying",
			slog.String("node", req.NodeID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.String("error", err.Error()),
		)
		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, attempt, err
			case <-timer.C:
			}
			backoff *= 2
		}
	}
}

// callNode makes one ExecuteNode call under the node timeout, converting a
// panic into an error.
func (r *run) callNode(ctx context.Context, req NodeRequest) (out any, err error) {
	nodeCtx := ctx
	if r.e.nodeTimeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, r.e.nodeTimeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("agent %s panicked: %v", req.AgentName, p)
		}
	}()

	out, err = r.e.executor.ExecuteNode(nodeCtx, req)
	if err != nil && errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w after %s: %w", ErrNodeTimeout, r.e.nodeTimeout, err)
	}
	return out, err
}

// sourceAgentName resolves the agent that ran before id. The entry node has
// none and gets its own id.
func (r *run) sourceAgentName(snapshot map[string]any, id string) string {
	last, ok := snapshot[KeyLastExecutedNode].(string)
	if !ok || last == "" {
		return id
	}
	if n, ok := r.e.graph.Node(last); ok && n.AgentName != "" {
		return n.AgentName
	}
	return last
}

// targetAgents returns the distinct agent names of the edges' targets.
func (r *run) targetAgents(edges []*Edge) []string {
	seen := make(map[string]bool, len(edges))
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		n, ok := r.e.graph.Node(e.To)
		if !ok || seen[n.AgentName] {
			continue
		}
		seen[n.AgentName] = true
		out = append(out, n.AgentName)
	}
	return out
}

func (r *run) result(start time.Time, err error) *ExecutionResult {
	end := time.Now()
	res := &ExecutionResult{
		DAGID:        r.e.graph.ID(),
		DAGName:      r.e.graph.Name(),
		RunID:        r.id,
		Success:      err == nil,
		StartTime:    start,
		EndTime:      end,
		DurationMs:   end.Sub(start).Milliseconds(),
		NodeResults:  r.state.Results(),
		FinalContext: r.state.Snapshot(),
		PrunedNodes:  r.tracker.Pruned(),
		Masks:        r.tracker.Masks(),
	}
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		var nodeErr *NodeError
		if errors.As(err, &nodeErr) {
			res.FailedNode = nodeErr.NodeID
		}
	}
	return res
}
