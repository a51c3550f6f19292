// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package actuator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.greenhouse.actuator")

var (
	// commandsTotal counts finished commands by result (ok, failed, timed_out).
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greenhouse_actuator_commands_total",
		Help: "Actuator commands by final result",
	}, []string{"result"})

	// commandAttempts counts send+verify attempts by outcome.
	commandAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greenhouse_actuator_attempts_total",
		Help: "Actuator send and verify attempts by outcome (ok, send_failed, unconfirmed)",
	}, []string{"outcome"})

	// commandDuration tracks time from dequeue to final result.
	commandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "greenhouse_actuator_command_duration_seconds",
		Help:    "Actuator command duration including verification and retries",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	// queueDepth tracks commands waiting behind an in-flight command.
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "greenhouse_actuator_queue_depth",
		Help: "Commands waiting per device",
	}, []string{"device_id"})
)
