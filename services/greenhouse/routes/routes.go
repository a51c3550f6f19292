// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/handlers"
)

// Services is everything the HTTP surface calls into. *greenhouse.Core
// satisfies it.
type Services interface {
	handlers.SensorService
	handlers.RecommendationService
	handlers.ActuatorService
}

// SetupRoutes registers the greenhouse API on router. metrics may be nil
// to leave /metrics unregistered.
func SetupRoutes(router *gin.Engine, svc Services, metrics http.Handler) {
	router.GET("/health", handlers.HealthCheck)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	// API version 1 group
	v1 := router.Group("/v1")
	{
		sensors := v1.Group("/sensors")
		{
			sensors.GET("/:type", handlers.GetSensorValue(svc))
			sensors.PUT("/:type", handlers.PushSensorValue(svc))
		}

		recommendations := v1.Group("/recommendations")
		{
			recommendations.POST("", handlers.SubmitRecommendation(svc))
			recommendations.GET("/queued", handlers.ListQueued(svc))
			recommendations.POST("/queued/:id/confirm", handlers.ConfirmQueued(svc))
			recommendations.DELETE("/queued/:id", handlers.DiscardQueued(svc))
		}

		v1.GET("/decisions/:id", handlers.GetDecision(svc))
		v1.GET("/actuators/:device/state", handlers.GetActuatorState(svc))
		v1.GET("/ratelimits/:key", handlers.GetRateLimit(svc))
	}
}
