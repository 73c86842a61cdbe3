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
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("saga.dag")
	meter  = otel.Meter("saga.dag")
)

// engineMetrics holds the engine's otel instruments. Any instrument may be
// nil if creation failed; callers check before recording.
type engineMetrics struct {
	once sync.Once

	nodeLatency       metric.Float64Histogram
	nodeSuccesses     metric.Int64Counter
	nodeFailures      metric.Int64Counter
	activeNodes       metric.Int64UpDownCounter
	runLatency        metric.Float64Histogram
	prunedNodes       metric.Int64Counter
	conditionWarnings metric.Int64Counter
}

// init lazily creates the instruments.
// Logs errors if metric creation fails but continues execution (graceful degradation).
func (m *engineMetrics) init(logger *slog.Logger) {
	m.once.Do(func() {
		var initErrors []string

		var err error
		m.nodeLatency, err = meter.Float64Histogram("saga_node_duration_seconds",
			metric.WithDescription("Time spent executing each agent node"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_latency: "+err.Error())
		}

		m.nodeSuccesses, err = meter.Int64Counter("saga_node_success_total",
			metric.WithDescription("Number of successful node executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_successes: "+err.Error())
		}

		m.nodeFailures, err = meter.Int64Counter("saga_node_failure_total",
			metric.WithDescription("Number of failed node executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_failures: "+err.Error())
		}

		m.activeNodes, err = meter.Int64UpDownCounter("saga_active_nodes",
			metric.WithDescription("Number of currently executing nodes"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_nodes: "+err.Error())
		}

		m.runLatency, err = meter.Float64Histogram("saga_run_duration_seconds",
			metric.WithDescription("Total DAG run time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "run_latency: "+err.Error())
		}

		m.prunedNodes, err = meter.Int64Counter("saga_pruned_nodes_total",
			metric.WithDescription("Number of nodes made unreachable by decision branches"),
		)
		if err != nil {
			initErrors = append(initErrors, "pruned_nodes: "+err.Error())
		}

		m.conditionWarnings, err = meter.Int64Counter("saga_condition_warnings_total",
			metric.WithDescription("Number of conditions that degraded to a permissive pass"),
		)
		if err != nil {
			initErrors = append(initErrors, "condition_warnings: "+err.Error())
		}

		if len(initErrors) > 0 {
			logger.Error("failed to initialize some engine metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}
