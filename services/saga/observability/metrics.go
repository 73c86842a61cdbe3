// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package observability exports DAG engine events as Prometheus metrics.
package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/KMIntelligentSystems/SAGAMiddleware/services/saga/dag"
)

const (
	metricsNamespace = "saga"
	engineSubsystem  = "engine"
)

// EngineMetrics turns engine events into Prometheus series.
//
// Description:
//
//	EngineMetrics implements dag.Observer. Pass it to dag.WithObserver and
//	every run of that engine is counted. Labels are bounded by the number of
//	DAGs and agent kinds, never by run id.
//
// Thread Safety:
//
//	Safe for concurrent use; Prometheus collectors are goroutine-safe.
type EngineMetrics struct {
	// RunsTotal counts finished runs.
	// Labels: dag, status (success, error)
	RunsTotal *prometheus.CounterVec

	// RunDurationSeconds measures wall-clock run time.
	// Labels: dag
	RunDurationSeconds *prometheus.HistogramVec

	// ActiveRuns is the number of runs in flight.
	// Labels: dag
	ActiveRuns *prometheus.GaugeVec

	// NodesTotal counts finished node executions.
	// Labels: dag, agent_kind, status
	NodesTotal *prometheus.CounterVec

	// NodeDurationSeconds measures node execution time.
	// Labels: dag, agent_kind
	NodeDurationSeconds *prometheus.HistogramVec

	// ParallelBranchesTotal counts branches started by fan-outs.
	// Labels: dag
	ParallelBranchesTotal *prometheus.CounterVec

	// PrunedNodesTotal counts nodes removed by decision branches.
	// Labels: dag
	PrunedNodesTotal *prometheus.CounterVec

	// ConditionWarningsTotal counts edge conditions that could not be evaluated.
	// Labels: dag
	ConditionWarningsTotal *prometheus.CounterVec
}

// NewEngineMetrics registers the engine collectors with reg. A nil reg uses
// prometheus.DefaultRegisterer.
//
// Registering twice against the same registry panics, as promauto does.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &EngineMetrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "runs_total",
				Help:      "Total DAG runs by status",
			},
			[]string{"dag", "status"},
		),
		RunDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "run_duration_seconds",
				Help:      "DAG run duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"dag"},
		),
		ActiveRuns: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "active_runs",
				Help:      "Number of DAG runs currently executing",
			},
			[]string{"dag"},
		),
		NodesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "nodes_total",
				Help:      "Total node executions by agent kind and status",
			},
			[]string{"dag", "agent_kind", "status"},
		),
		NodeDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "node_duration_seconds",
				Help:      "Node execution duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"dag", "agent_kind"},
		),
		ParallelBranchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "parallel_branches_total",
				Help:      "Total branches started by parallel fan-outs",
			},
			[]string{"dag"},
		),
		PrunedNodesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "pruned_nodes_total",
				Help:      "Total nodes made unreachable by decision branches",
			},
			[]string{"dag"},
		),
		ConditionWarningsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "condition_warnings_total",
				Help:      "Total edge conditions that failed to evaluate",
			},
			[]string{"dag"},
		),
	}
}

// OnEvent implements dag.Observer.
func (m *EngineMetrics) OnEvent(_ context.Context, evt dag.Event) {
	switch evt.Type {
	case dag.EventExecutionStart:
		m.ActiveRuns.WithLabelValues(evt.DAGID).Inc()
	case dag.EventExecutionComplete, dag.EventExecutionError:
		m.ActiveRuns.WithLabelValues(evt.DAGID).Dec()
		m.RunsTotal.WithLabelValues(evt.DAGID, status(evt.Type == dag.EventExecutionComplete)).Inc()
		m.RunDurationSeconds.WithLabelValues(evt.DAGID).Observe(seconds(evt.DurationMs))
	case dag.EventNodeComplete, dag.EventNodeError:
		kind := string(evt.AgentKind)
		m.NodesTotal.WithLabelValues(evt.DAGID, kind, status(evt.Type == dag.EventNodeComplete)).Inc()
		m.NodeDurationSeconds.WithLabelValues(evt.DAGID, kind).Observe(seconds(evt.DurationMs))
	case dag.EventParallelStart:
		m.ParallelBranchesTotal.WithLabelValues(evt.DAGID).Add(float64(len(evt.Branches)))
	case dag.EventBranchPruned:
		m.PrunedNodesTotal.WithLabelValues(evt.DAGID).Add(float64(len(evt.Branches)))
	case dag.EventConditionWarning:
		m.ConditionWarningsTotal.WithLabelValues(evt.DAGID).Inc()
	}
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func seconds(ms int64) float64 {
	return (time.Duration(ms) * time.Millisecond).Seconds()
}
