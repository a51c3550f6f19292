// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the shared records of the greenhouse core:
// sensor readings, cache entries, recommendations, decisions and actuator
// commands.
//
// All types are plain values. Readings, recommendations and decisions are
// treated as immutable once created; the owning component copies rather
// than mutates them.
package datatypes

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Sensor Data
// =============================================================================

// SensorReading is a single observation from a sensor feed.
type SensorReading struct {
	SensorType string    `json:"sensor_type"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Tier classifies a cached value by age. Tiers are ordered: a larger tier
// is always less usable than a smaller one.
type Tier int

const (
	// TierFresh values are served as-is.
	TierFresh Tier = iota

	// TierStale values are served immediately while a refresh runs in the
	// background.
	TierStale

	// TierSoftExpired values trigger a bounded synchronous refresh and are
	// served degraded if it fails.
	TierSoftExpired

	// TierHardExpired values (or missing entries) must be refetched; there
	// is no fallback.
	TierHardExpired
)

// String returns the tier name used in logs, metrics and the HTTP API.
func (t Tier) String() string {
	switch t {
	case TierFresh:
		return "FRESH"
	case TierStale:
		return "STALE"
	case TierSoftExpired:
		return "SOFT_EXPIRED"
	case TierHardExpired:
		return "HARD_EXPIRED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// MarshalText encodes the tier as its name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name produced by MarshalText.
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTier returns the tier with the given name.
func ParseTier(s string) (Tier, error) {
	for tier := TierFresh; tier <= TierHardExpired; tier++ {
		if tier.String() == s {
			return tier, nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// CacheEntry is what a cache read returns. Tier is computed at read time
// and Degraded is set only when a SOFT_EXPIRED refresh failed and the
// previous value is being served instead.
type CacheEntry struct {
	Reading   SensorReading `json:"reading"`
	FetchedAt time.Time     `json:"fetched_at"`
	Tier      Tier          `json:"tier"`
	Degraded  bool          `json:"degraded"`
}

// Age returns how old the entry is at now.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// StoredReading is the persisted form of a cached reading. It carries no
// tier; tiers are always recomputed from FetchedAt.
type StoredReading struct {
	Reading   SensorReading `json:"reading"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// =============================================================================
// Recommendations
// =============================================================================

// Priority is the urgency assigned by the recommendation producer.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Rank orders priorities low < medium < high. Unknown priorities rank 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	default:
		return 0
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// AtLeast reports whether p ranks at or above min.
func (p Priority) AtLeast(min Priority) bool {
	return p.Valid() && p.Rank() >= min.Rank()
}

// ParsePriority parses a case-insensitive priority name.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// Recommendation is an actuation suggestion from an external producer.
//
// Confidence is bounded above by validation; values below zero are left to
// the gate's confidence check so that they are reported as low confidence.
type Recommendation struct {
	ID             string         `json:"id" validate:"required,max=128"`
	Source         string         `json:"source" validate:"required,max=64"`
	Action         string         `json:"action" validate:"required,max=64"`
	TargetActuator string         `json:"target_actuator" validate:"required,max=128"`
	Confidence     float64        `json:"confidence" validate:"lte=1"`
	Priority       Priority       `json:"priority" validate:"required,oneof=low medium high"`
	Payload        map[string]any `json:"payload,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Actuator command values understood by the pump feeds.
const (
	CommandOn  = "ON"
	CommandOff = "OFF"
)

// actionCommands maps producer action verbs to feed commands.
var actionCommands = map[string]string{
	"irrigate":         CommandOn,
	"start_irrigation": CommandOn,
	"pump_on":          CommandOn,
	"turn_on":          CommandOn,
	"stop_irrigation":  CommandOff,
	"pump_off":         CommandOff,
	"turn_off":         CommandOff,
}

// Command resolves the feed command for the recommendation.
//
// An explicit string "command" in Payload wins; otherwise Action is mapped
// through the known action verbs.
func (r Recommendation) Command() (string, error) {
	if raw, ok := r.Payload["command"]; ok {
		if cmd, ok := raw.(string); ok && strings.TrimSpace(cmd) != "" {
			return strings.ToUpper(strings.TrimSpace(cmd)), nil
		}
		return "", fmt.Errorf("payload command must be a non-empty string")
	}
	if cmd, ok := actionCommands[strings.ToLower(strings.TrimSpace(r.Action))]; ok {
		return cmd, nil
	}
	return "", fmt.Errorf("unsupported action %q", r.Action)
}

// =============================================================================
// Decisions
// =============================================================================

// Outcome is the terminal state of a recommendation.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeQueued   Outcome = "queued"
	OutcomeRejected Outcome = "rejected"
)

// Reason explains an Outcome.
type Reason string

const (
	ReasonDisabled             Reason = "disabled"
	ReasonInvalid              Reason = "invalid_recommendation"
	ReasonUntrustedSource      Reason = "untrusted_source"
	ReasonLowConfidence        Reason = "low_confidence"
	ReasonAwaitingConfirmation Reason = "awaiting_confirmation"
	ReasonPriorityMet          Reason = "priority_met"
	ReasonCommandFailed        Reason = "command_failed"
	ReasonNotIssued            Reason = "not_issued"
	ReasonConfirmed            Reason = "confirmed"
	ReasonDiscarded            Reason = "discarded"
)

// Decision is the single, immutable verdict for one recommendation.
// Command is set only for applied decisions, and an applied decision
// always has a command that was sent to the device.
type Decision struct {
	RecommendationID string           `json:"recommendation_id"`
	Outcome          Outcome          `json:"outcome"`
	Reason           Reason           `json:"reason"`
	Detail           string           `json:"detail,omitempty"`
	DecidedAt        time.Time        `json:"decided_at"`
	Command          *ActuatorCommand `json:"command,omitempty"`
}

// =============================================================================
// Actuation
// =============================================================================

// CommandResult is the final status of an actuator command.
type CommandResult string

const (
	ResultOK       CommandResult = "ok"
	ResultFailed   CommandResult = "failed"
	ResultTimedOut CommandResult = "timed_out"
)

// ActuatorCommand records one command sent (or attempted) to a device.
type ActuatorCommand struct {
	ID               string        `json:"id"`
	RecommendationID string        `json:"recommendation_id,omitempty"`
	DeviceID         string        `json:"device_id"`
	Command          string        `json:"command"`
	IssuedAt         time.Time     `json:"issued_at"`
	CompletedAt      time.Time     `json:"completed_at"`
	ConfirmedState   string        `json:"confirmed_state,omitempty"`
	Result           CommandResult `json:"result"`
	Attempts         int           `json:"attempts"`
	Error            string        `json:"error,omitempty"`
}

// DeviceState is the last known state of an actuator.
type DeviceState struct {
	DeviceID   string    `json:"device_id"`
	State      string    `json:"state"`
	ObservedAt time.Time `json:"observed_at"`
	Source     string    `json:"source"`
}

// StateUnknown is reported when no state can be determined for a device.
const StateUnknown = "UNKNOWN"

// =============================================================================
// Rate Limiting
// =============================================================================

// RateLimiterState is the throttle bookkeeping for one resource key.
type RateLimiterState struct {
	ResourceKey        string    `json:"resource_key"`
	LastCallAt         time.Time `json:"last_call_at"`
	ConsecutiveRetries int       `json:"consecutive_retries"`
}
