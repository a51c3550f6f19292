// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fetcher

import (
	"errors"
	"fmt"
	"time"
)

// RetryPolicy describes how one logical fetch is attempted.
//
// # Description
//
// A fetch makes up to MaxRetries+1 attempts. Each attempt is bounded by
// Timeout. Between attempts the fetcher sleeps BackoffFor(n), which doubles
// from Backoff and is capped by MaxBackoff.
//
// The zero value is not useful; start from DefaultRetryPolicy.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Timeout bounds a single attempt.
	Timeout time.Duration

	// Backoff is the sleep before the first retry.
	Backoff time.Duration

	// MaxBackoff caps the doubled backoff. Zero means no cap.
	MaxBackoff time.Duration
}

// DefaultRetryPolicy returns 2 retries, 5s attempts and a 500ms backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		Timeout:    5 * time.Second,
		Backoff:    500 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
	}
}

// Validate checks the policy.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.Timeout <= 0 {
		return errors.New("attempt timeout must be positive")
	}
	if p.Backoff < 0 || p.MaxBackoff < 0 {
		return errors.New("backoff must not be negative")
	}
	return nil
}

// Attempts returns the total number of attempts, MaxRetries+1.
func (p RetryPolicy) Attempts() int {
	return p.MaxRetries + 1
}

// Budget is the attempt time a blocking reader waits for at most:
// Timeout × (MaxRetries+1).
func (p RetryPolicy) Budget() time.Duration {
	return p.Timeout * time.Duration(p.Attempts())
}

// BackoffFor returns the sleep before retry n (1-based).
func (p RetryPolicy) BackoffFor(n int) time.Duration {
	if n <= 0 || p.Backoff <= 0 {
		return 0
	}
	d := p.Backoff
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// MaxDuration is the worst case of a fetch that nobody cuts short: every
// attempt times out and every backoff is slept.
func (p RetryPolicy) MaxDuration() time.Duration {
	total := p.Budget()
	for n := 1; n <= p.MaxRetries; n++ {
		total += p.BackoffFor(n)
	}
	return total
}
