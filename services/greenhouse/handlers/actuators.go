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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/datatypes"
)

// ActuatorService exposes device state and throttle bookkeeping.
type ActuatorService interface {
	GetActuatorState(ctx context.Context, deviceID string) (datatypes.DeviceState, error)
	RateLimit(key string) (datatypes.RateLimiterState, bool)
}

// GetActuatorState serves GET /v1/actuators/:device/state. A device with no
// known state is reported as UNKNOWN with 200.
func GetActuatorState(svc ActuatorService) gin.HandlerFunc {
	return func(c *gin.Context) {
		state, err := svc.GetActuatorState(c.Request.Context(), c.Param("device"))
		if err != nil {
			c.JSON(http.StatusBadGateway, errorBody("state read failed", err))
			return
		}
		c.JSON(http.StatusOK, state)
	}
}

// GetRateLimit serves GET /v1/ratelimits/:key.
func GetRateLimit(svc ActuatorService) gin.HandlerFunc {
	return func(c *gin.Context) {
		state, ok := svc.RateLimit(c.Param("key"))
		if !ok {
			c.JSON(http.StatusNotFound, errorBody("no rate limiter state for key", nil))
			return
		}
		c.JSON(http.StatusOK, state)
	}
}
