// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fetcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.greenhouse.fetcher")

var (
	// fetchAttempts counts outbound attempts by outcome
	// (ok, timeout, transient, permanent).
	fetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greenhouse_fetch_attempts_total",
		Help: "Outbound sensor fetch attempts by outcome",
	}, []string{"outcome"})

	// fetchResults counts logical fetches by result.
	fetchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greenhouse_fetch_results_total",
		Help: "Logical sensor fetches by result (ok, exhausted, throttled)",
	}, []string{"result"})

	// fetchShared counts callers that joined an in-flight fetch.
	fetchShared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "greenhouse_fetch_shared_total",
		Help: "Fetch calls served by an already in-flight fetch",
	})

	// fetchDuration tracks logical fetch latency including retries.
	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "greenhouse_fetch_duration_seconds",
		Help:    "Logical sensor fetch duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	})
)
