// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/datatypes"
)

// Package-level tracer and meter for cache operations.
var (
	tracer = otel.Tracer("aleutian.greenhouse.cache")
	meter  = otel.Meter("aleutian.greenhouse.cache")
)

// Metrics for cache operations.
var (
	cacheReads        metric.Int64Counter
	cacheSyncRefresh  metric.Int64Counter
	cacheDegraded     metric.Int64Counter
	cacheEnqueued     metric.Int64Counter
	cacheQueueDropped metric.Int64Counter
	cacheGetLatency   metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheReads, err = meter.Int64Counter(
			"greenhouse_cache_reads_total",
			metric.WithDescription("Cache reads by tier; missing entries count as HARD_EXPIRED"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheSyncRefresh, err = meter.Int64Counter(
			"greenhouse_cache_sync_refresh_total",
			metric.WithDescription("Blocking refreshes by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheDegraded, err = meter.Int64Counter(
			"greenhouse_cache_degraded_total",
			metric.WithDescription("Reads served degraded after a failed refresh"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheEnqueued, err = meter.Int64Counter(
			"greenhouse_cache_refresh_enqueued_total",
			metric.WithDescription("Background refreshes enqueued by stale reads"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheQueueDropped, err = meter.Int64Counter(
			"greenhouse_cache_refresh_dropped_total",
			metric.WithDescription("Background refreshes dropped because the queue was full"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheGetLatency, err = meter.Float64Histogram(
			"greenhouse_cache_get_duration_seconds",
			metric.WithDescription("Duration of cache get operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordRead(ctx context.Context, tier datatypes.Tier) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheReads.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier.String())))
}

func recordSyncRefresh(ctx context.Context, ok bool) {
	if err := initMetrics(); err != nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	cacheSyncRefresh.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func recordDegraded(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheDegraded.Add(ctx, 1)
}

func recordEnqueue(ctx context.Context, dropped bool) {
	if err := initMetrics(); err != nil {
		return
	}
	if dropped {
		cacheQueueDropped.Add(ctx, 1)
		return
	}
	cacheEnqueued.Add(ctx, 1)
}

func recordGetLatency(ctx context.Context, d time.Duration, tier datatypes.Tier) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheGetLatency.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("tier", tier.String())),
	)
}

// startCacheSpan creates a span for a cache operation.
func startCacheSpan(ctx context.Context, operation, sensorType string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "FreshnessCache."+operation,
		trace.WithAttributes(
			attribute.String("cache.operation", operation),
			attribute.String("cache.sensor_type", sensorType),
		),
	)
}
