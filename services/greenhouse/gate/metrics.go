// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.greenhouse.gate")

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greenhouse_gate_decisions_total",
		Help: "Recommendation decisions by outcome and reason",
	}, []string{"outcome", "reason"})

	queuedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "greenhouse_gate_queued",
		Help: "Recommendations awaiting confirmation",
	})
)
