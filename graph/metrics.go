// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for index operations.
var (
	tracer = otel.Tracer("arbor.graph")
	meter  = otel.Meter("arbor.graph")
)

// Metrics for index build operations.
var (
	buildLatency   metric.Float64Histogram
	buildTotal     metric.Int64Counter
	nodesIndexed   metric.Int64Histogram
	edgesIndexed   metric.Int64Histogram
	orphanRecovery metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		buildLatency, err = meter.Float64Histogram(
			"graph_build_duration_seconds",
			metric.WithDescription("Duration of index build operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		buildTotal, err = meter.Int64Counter(
			"graph_build_total",
			metric.WithDescription("Total number of index builds"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		nodesIndexed, err = meter.Int64Histogram(
			"graph_nodes_indexed",
			metric.WithDescription("Number of nodes indexed per build"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		edgesIndexed, err = meter.Int64Histogram(
			"graph_edges_indexed",
			metric.WithDescription("Number of edges indexed per build"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		orphanRecovery, err = meter.Int64Counter(
			"graph_orphans_recovered_total",
			metric.WithDescription("Unresolved parent references recovered as roots"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordBuild records one completed build. Metric errors are logged, never
// propagated; observability must not fail a build.
func recordBuild(ctx context.Context, elapsed time.Duration, nodes, edges, orphans int) {
	if err := initMetrics(); err != nil {
		slog.Debug("graph metrics unavailable", slog.String("error", err.Error()))
		return
	}
	attrs := metric.WithAttributes(attribute.Int("roots_promoted", orphans))
	buildLatency.Record(ctx, elapsed.Seconds(), attrs)
	buildTotal.Add(ctx, 1)
	nodesIndexed.Record(ctx, int64(nodes))
	edgesIndexed.Record(ctx, int64(edges))
	if orphans > 0 {
		orphanRecovery.Add(ctx, int64(orphans))
	}
}
