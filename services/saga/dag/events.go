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
	"log/slog"
	"time"
)

// EventType names an engine lifecycle event.
type EventType string

const (
	EventExecutionStart    EventType = "executionStart"
	EventNodeStart         EventType = "nodeStart"
	EventNodeComplete      EventType = "nodeComplete"
	EventNodeError         EventType = "nodeError"
	EventParallelStart     EventType = "parallelStart"
	EventParallelComplete  EventType = "parallelComplete"
	EventExecutionComplete EventType = "executionComplete"
	EventExecutionError    EventType = "executionError"

	// EventConditionWarning is emitted when a condition degraded to a permissive pass.
	EventConditionWarning EventType = "conditionWarning"

	// EventBranchPruned is emitted when a decision drops one or more branches.
	EventBranchPruned EventType = "branchPruned"
)

// Event is a side-channel notification for dashboards and log sinks.
// It is never part of the control-flow contract.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	DAGID     string    `json:"dag_id"`
	Timestamp time.Time `json:"timestamp"`

	NodeID    string   `json:"node_id,omitempty"`
	AgentName string   `json:"agent_name,omitempty"`
	AgentKind NodeKind `json:"agent_kind,omitempty"`

	// Branches lists branch start nodes for parallel events and pruned nodes
	// for branchPruned.
	Branches []string `json:"branches,omitempty"`

	DurationMs int64  `json:"duration_ms,omitempty"`
	Success    bool   `json:"success,omitempty"`
	Error      string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Observer receives engine events.
//
// Thread Safety:
//
//	With a concurrent BranchStrategy, OnEvent is called from several
//	goroutines. Ordering is causal per branch only.
type Observer interface {
	OnEvent(ctx context.Context, evt Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, evt Event)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(ctx context.Context, evt Event) { f(ctx, evt) }

// MultiObserver fans events out to several observers in order.
type MultiObserver []Observer

// OnEvent forwards the event to every non-nil observer.
func (m MultiObserver) OnEvent(ctx context.Context, evt Event) {
	for _, o := range m {
		if o != nil {
			o.OnEvent(ctx, evt)
		}
	}
}

// LoggingObserver writes events to a slog logger.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates a LoggingObserver. If logger is nil, uses slog.Default().
func NewLoggingObserver(logger *slog.Logger) *LoggingObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

// OnEvent logs the event at a level matching its type.
func (o *LoggingObserver) OnEvent(ctx context.Context, evt Event) {
	level := slog.LevelDebug
	switch evt.Type {
	case EventExecutionStart, EventExecutionComplete:
		level = slog.LevelInfo
	case EventConditionWarning:
		level = slog.LevelWarn
	case EventNodeError, EventExecutionError:
		level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.String("run_id", evt.RunID),
		slog.String("dag", evt.DAGID),
	}
	if evt.NodeID != "" {
		attrs = append(attrs, slog.String("node", evt.NodeID), slog.String("agent", evt.AgentName))
	}
	if len(evt.Branches) > 0 {
		attrs = append(attrs, slog.Any("branches", evt.Branches))
	}
	if evt.DurationMs > 0 {
		attrs = append(attrs, slog.Int64("duration_ms", evt.DurationMs))
	}
	if evt.Error != "" {
		attrs = append(attrs, slog.String("error", evt.Error))
	}
	if evt.Message != "" {
		attrs = append(attrs, slog.String("detail", evt.Message))
	}
	o.Logger.LogAttrs(ctx, level, string(evt.Type), attrs...)
}
