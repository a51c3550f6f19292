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
	"fmt"
	"slices"
	"strings"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/config"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/datatypes"
)

// Policy is the rule set a recommendation is checked against.
//
// AllowedSources entries are matched literally; "all" names a producer
// called "all", it is not a wildcard.
type Policy struct {
	Enabled                 bool               `json:"enabled"`
	AllowedSources          []string           `json:"allowed_sources"`
	MinConfidence           float64            `json:"min_confidence"`
	MinPriorityForImmediate datatypes.Priority `json:"min_priority_for_immediate"`
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:                 true,
		AllowedSources:          []string{"ai_service"},
		MinConfidence:           0.7,
		MinPriorityForImmediate: datatypes.PriorityHigh,
	}
}

// PolicyFromConfig converts the configuration section into a Policy.
func PolicyFromConfig(cfg config.PolicyConfig) (Policy, error) {
	prio, err := datatypes.ParsePriority(cfg.MinPriorityForImmediate)
	if err != nil {
		return Policy{}, fmt.Errorf("min_priority_for_immediate: %w", err)
	}
	p := Policy{
		Enabled:                 cfg.Enabled,
		AllowedSources:          slices.Clone(cfg.AllowedSources),
		MinConfidence:           cfg.MinConfidence,
		MinPriorityForImmediate: prio,
	}
	return p, p.Validate()
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be within [0, 1], got %v", p.MinConfidence)
	}
	if !p.MinPriorityForImmediate.Valid() {
		return fmt.Errorf("min_priority_for_immediate: unknown priority %q", p.MinPriorityForImmediate)
	}
	return nil
}

// Trusts reports whether source is in the allow-list.
func (p Policy) Trusts(source string) bool {
	source = strings.TrimSpace(source)
	for _, s := range p.AllowedSources {
		if strings.TrimSpace(s) == source {
			return true
		}
	}
	return false
}
