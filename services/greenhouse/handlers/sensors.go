// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/cache"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/datatypes"
)

// SensorService reads and ingests sensor values.
type SensorService interface {
	GetSensorValue(ctx context.Context, sensorType string) (datatypes.CacheEntry, error)
	PushSensorValue(sensorType string, reading datatypes.SensorReading) (datatypes.CacheEntry, error)
}

// SensorResponse is the body of a sensor read.
type SensorResponse struct {
	SensorType string               `json:"sensor_type"`
	Entry      datatypes.CacheEntry `json:"entry"`
	AgeSeconds float64              `json:"age_seconds"`
}

func sensorResponse(sensorType string, entry datatypes.CacheEntry) SensorResponse {
	return SensorResponse{
		SensorType: sensorType,
		Entry:      entry,
		AgeSeconds: entry.Age(time.Now()).Seconds(),
	}
}

// GetSensorValue serves GET /v1/sensors/:type.
//
// # Description
//
// Returns the cached entry with its tier. Degraded entries are served with
// 200 and "degraded": true. When nothing usable exists the response is 503
// so callers can tell a cloud outage from a bad request.
//
// # Outputs
//
//   - 200: SensorResponse
//   - 400: malformed sensor type
//   - 503: cache.ErrNoFreshData
//   - 500: anything else
func GetSensorValue(svc SensorService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var ref datatypes.SensorRef
		if err := c.ShouldBindUri(&ref); err != nil {
			c.JSON(http.StatusBadRequest, errorBody("invalid sensor type", err))
			return
		}
		if err := ref.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, errorBody("invalid sensor type", err))
			return
		}

		entry, err := svc.GetSensorValue(c.Request.Context(), ref.SensorType)
		if err != nil {
			if errors.Is(err, cache.ErrNoFreshData) {
				c.JSON(http.StatusServiceUnavailable, errorBody("no fresh data", err))
				return
			}
			slog.Error("Sensor read failed",
				slog.String("sensor_type", ref.SensorType),
				slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, errorBody("sensor read failed", err))
			return
		}
		c.JSON(http.StatusOK, sensorResponse(ref.SensorType, entry))
	}
}

// PushSensorValue serves PUT /v1/sensors/:type with a datatypes.SensorPush
// body. The value becomes the FRESH cache entry.
func PushSensorValue(svc SensorService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var ref datatypes.SensorRef
		if err := c.ShouldBindUri(&ref); err != nil || ref.Validate() != nil {
			c.JSON(http.StatusBadRequest, errorBody("invalid sensor type", nil))
			return
		}

		var push datatypes.SensorPush
		if err := c.ShouldBindJSON(&push); err != nil {
			c.JSON(http.StatusBadRequest, errorBody("invalid request body", err))
			return
		}
		if err := push.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, errorBody("invalid request body", err))
			return
		}

		entry, err := svc.PushSensorValue(ref.SensorType, push.Reading(ref.SensorType, time.Now()))
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody("push rejected", err))
			return
		}
		c.JSON(http.StatusOK, sensorResponse(ref.SensorType, entry))
	}
}
