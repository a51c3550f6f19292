// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package refresher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// refreshCycles counts completed proactive scans.
	refreshCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "greenhouse_refresher_cycles_total",
		Help: "Completed proactive refresh cycles",
	})

	// refreshResults counts background refreshes by trigger and result.
	refreshResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greenhouse_refresher_refreshes_total",
		Help: "Background refreshes by trigger (scan, queue) and result (ok, failed)",
	}, []string{"trigger", "result"})
)
