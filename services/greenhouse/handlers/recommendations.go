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

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/datatypes"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/gate"
)

// RecommendationService is the gate surface exposed over HTTP.
type RecommendationService interface {
	SubmitRecommendation(ctx context.Context, rec datatypes.Recommendation) (datatypes.Decision, error)
	QueuedRecommendations() []gate.QueuedRecommendation
	ConfirmRecommendation(ctx context.Context, id string) (datatypes.Decision, error)
	DiscardRecommendation(id string) (datatypes.Decision, error)
	Decision(id string) (datatypes.Decision, bool)
}

// DecisionResponse wraps a decision with the command error, if any.
type DecisionResponse struct {
	Decision datatypes.Decision `json:"decision"`
	Error    string             `json:"error,omitempty"`
}

// decisionStatus maps an outcome to its HTTP status.
//
//   - applied: 200
//   - queued: 202
//   - rejected: 422
//   - applied with a failed command: 502
//   - command never sent: 503
func decisionStatus(d datatypes.Decision, err error) int {
	if d.Reason == datatypes.ReasonNotIssued {
		return http.StatusServiceUnavailable
	}
	if err != nil {
		return http.StatusBadGateway
	}
	switch d.Outcome {
	case datatypes.OutcomeQueued:
		return http.StatusAccepted
	case datatypes.OutcomeRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusOK
	}
}

func writeDecision(c *gin.Context, d datatypes.Decision, err error) {
	resp := DecisionResponse{Decision: d}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(decisionStatus(d, err), resp)
}

// SubmitRecommendation serves POST /v1/recommendations.
//
// # Description
//
// Decodes a datatypes.Recommendation and runs it through the gate. Field
// validation happens inside the gate so that an invalid recommendation is
// still answered with a rejected Decision rather than a bare 400. Only a
// body that is not JSON at all is a 400.
func SubmitRecommendation(svc RecommendationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var rec datatypes.Recommendation
		if err := c.ShouldBindJSON(&rec); err != nil {
			c.JSON(http.StatusBadRequest, errorBody("invalid request body", err))
			return
		}

		decision, err := svc.SubmitRecommendation(c.Request.Context(), rec)
		if err != nil {
			slog.Warn("Recommendation command failed",
				slog.String("recommendation_id", decision.RecommendationID),
				slog.String("error", err.Error()))
		}
		writeDecision(c, decision, err)
	}
}

// ListQueued serves GET /v1/recommendations/queued.
func ListQueued(svc RecommendationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		queued := svc.QueuedRecommendations()
		if queued == nil {
			queued = []gate.QueuedRecommendation{}
		}
		c.JSON(http.StatusOK, gin.H{"queued": queued, "count": len(queued)})
	}
}

// ConfirmQueued serves POST /v1/recommendations/queued/:id/confirm.
func ConfirmQueued(svc RecommendationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		decision, err := svc.ConfirmRecommendation(c.Request.Context(), id)
		if errors.Is(err, gate.ErrNotQueued) {
			c.JSON(http.StatusNotFound, errorBody("recommendation is not queued", nil))
			return
		}
		writeDecision(c, decision, err)
	}
}

// DiscardQueued serves DELETE /v1/recommendations/queued/:id.
func DiscardQueued(svc RecommendationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision, err := svc.DiscardRecommendation(c.Param("id"))
		if errors.Is(err, gate.ErrNotQueued) {
			c.JSON(http.StatusNotFound, errorBody("recommendation is not queued", nil))
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody("discard failed", err))
			return
		}
		c.JSON(http.StatusOK, DecisionResponse{Decision: decision})
	}
}

// GetDecision serves GET /v1/decisions/:id.
func GetDecision(svc RecommendationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision, ok := svc.Decision(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, errorBody("decision not found", nil))
			return
		}
		c.JSON(http.StatusOK, DecisionResponse{Decision: decision})
	}
}
