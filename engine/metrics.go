// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/arbor/lod"
)

// Package-level meter for evaluation operations.
var meter = otel.Meter("arbor.engine")

// Metrics for the evaluation loop.
var (
	evalLatency     metric.Float64Histogram
	visibleNodes    metric.Int64Histogram
	visibleEdges    metric.Int64Histogram
	capTruncations  metric.Int64Counter
	enrichApplied   metric.Int64Counter
	staleCompletion metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		evalLatency, err = meter.Float64Histogram(
			"engine_evaluate_duration_seconds",
			metric.WithDescription("Duration of viewport evaluations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		visibleNodes, err = meter.Int64Histogram(
			"engine_visible_nodes",
			metric.WithDescription("Visible node count per render plan"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		visibleEdges, err = meter.Int64Histogram(
			"engine_visible_edges",
			metric.WithDescription("Visible edge count per render plan"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		capTruncations, err = meter.Int64Counter(
			"engine_cap_truncations_total",
			metric.WithDescription("Evaluations whose spatial result exceeded the node cap"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		enrichApplied, err = meter.Int64Counter(
			"engine_enrichment_payloads_applied_total",
			metric.WithDescription("Enrichment payloads merged into the node store"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		staleCompletion, err = meter.Int64Counter(
			"engine_stale_completions_total",
			metric.WithDescription("Enrichment completions superseded before arrival"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordEvaluate records one evaluation. Metric errors never propagate.
func recordEvaluate(ctx context.Context, elapsed time.Duration, tier lod.Tier, nodes, edges int, truncated bool) {
	if err := initMetrics(); err != nil {
		slog.Debug("engine metrics unavailable", slog.String("error", err.Error()))
		return
	}
	attrs := metric.WithAttributes(attribute.String("tier", tier.String()))
	evalLatency.Record(ctx, elapsed.Seconds(), attrs)
	visibleNodes.Record(ctx, int64(nodes), attrs)
	visibleEdges.Record(ctx, int64(edges), attrs)
	if truncated {
		capTruncations.Add(ctx, 1)
	}
}

// recordEnrichApplied records one merged completion.
func recordEnrichApplied(ctx context.Context, payloads int, stale bool) {
	if err := initMetrics(); err != nil {
		return
	}
	enrichApplied.Add(ctx, int64(payloads))
	if stale {
		staleCompletion.Add(ctx, 1)
	}
}
