// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// recValidate is the validator instance for greenhouse datatypes.
var recValidate *validator.Validate

func init() {
	recValidate = validator.New()
	_ = recValidate.RegisterValidation("sensortype", validateSensorType)
}

// validateSensorType accepts lower-case identifiers made of letters, digits,
// '_' and '-'. Sensor types double as storage keys and URL segments.
func validateSensorType(fl validator.FieldLevel) bool {
	return ValidSensorType(fl.Field().String())
}

// ValidSensorType reports whether s can be used as a sensor type key.
func ValidSensorType(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// Validate checks the structural fields of a recommendation.
//
// # Description
//
// Runs the validator tags on Recommendation and confirms that a feed
// command can be derived from the action or payload. Policy checks
// (source, confidence, priority threshold) are not performed here.
//
// # Outputs
//
//   - error: Non-nil describing the first invalid field.
//
// # Examples
//
//	if err := rec.Validate(); err != nil {
//	    return rejected(rec, ReasonInvalid, err)
//	}
func (r *Recommendation) Validate() error {
	if err := recValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid recommendation: %w", err)
	}
	if _, err := r.Command(); err != nil {
		return fmt.Errorf("invalid recommendation: %w", err)
	}
	return nil
}

// EnsureDefaults fills ID and CreatedAt when the producer omitted them and
// normalizes Priority to lower case.
func (r *Recommendation) EnsureDefaults(now time.Time) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.Priority = Priority(strings.ToLower(strings.TrimSpace(string(r.Priority))))
}

// SensorPush is the body of a pushed sensor value.
type SensorPush struct {
	Value      *float64  `json:"value" validate:"required"`
	Unit       string    `json:"unit,omitempty" validate:"max=16"`
	ObservedAt time.Time `json:"observed_at"`
}

// Validate checks the push body.
func (p *SensorPush) Validate() error {
	return recValidate.Struct(p)
}

// Reading converts the push into a SensorReading for sensorType.
func (p *SensorPush) Reading(sensorType string, now time.Time) SensorReading {
	observed := p.ObservedAt
	if observed.IsZero() {
		observed = now
	}
	return SensorReading{
		SensorType: sensorType,
		Value:      *p.Value,
		Unit:       p.Unit,
		ObservedAt: observed,
	}
}

// SensorRef names a sensor in API paths.
type SensorRef struct {
	SensorType string `uri:"type" validate:"required,sensortype"`
}

// Validate checks the sensor reference.
func (s *SensorRef) Validate() error {
	return recValidate.Struct(s)
}
