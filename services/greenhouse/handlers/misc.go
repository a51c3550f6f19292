// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides HTTP request handlers for the greenhouse service.
//
// Handlers are factories returning gin.HandlerFunc. Each takes the narrow
// interface it needs so that it can be tested without a full Core.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// errorBody is the JSON shape of every error response.
func errorBody(msg string, err error) gin.H {
	body := gin.H{"error": msg}
	if err != nil {
		body["details"] = err.Error()
	}
	return body
}
