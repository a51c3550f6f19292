// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/datatypes"
)

// Thresholds are the ascending age limits separating the tiers.
type Thresholds struct {
	Fresh   time.Duration
	Stale   time.Duration
	Expired time.Duration

	// DegradeAtExpiry classifies an age of exactly Expired as SOFT_EXPIRED.
	// When false that age is HARD_EXPIRED.
	DegradeAtExpiry bool
}

// DefaultThresholds returns fresh=300s, stale=600s, expired=900s.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Fresh:   300 * time.Second,
		Stale:   600 * time.Second,
		Expired: 900 * time.Second,
	}
}

// Validate checks 0 < Fresh < Stale < Expired.
func (t Thresholds) Validate() error {
	if t.Fresh <= 0 || !(t.Fresh < t.Stale && t.Stale < t.Expired) {
		return fmt.Errorf("thresholds must satisfy 0 < fresh < stale < expired, got %s/%s/%s",
			t.Fresh, t.Stale, t.Expired)
	}
	return nil
}

// Classify maps an age onto a tier.
//
// # Description
//
//	age < Fresh            FRESH
//	Fresh <= age < Stale   STALE
//	Stale <= age < Expired SOFT_EXPIRED
//	age >= Expired         HARD_EXPIRED (age == Expired is SOFT_EXPIRED
//	                       when DegradeAtExpiry is set)
//
// Negative ages (a reading timestamped in the future) are FRESH. The
// result depends only on age and t, and never decreases as age grows.
func (t Thresholds) Classify(age time.Duration) datatypes.Tier {
	switch {
	case age < t.Fresh:
		return datatypes.TierFresh
	case age < t.Stale:
		return datatypes.TierStale
	case age < t.Expired:
		return datatypes.TierSoftExpired
	case age == t.Expired && t.DegradeAtExpiry:
		return datatypes.TierSoftExpired
	default:
		return datatypes.TierHardExpired
	}
}
