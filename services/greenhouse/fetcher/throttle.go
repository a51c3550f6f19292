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
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/datatypes"
)

// Throttle spaces calls per resource key.
//
// # Description
//
// Each key gets its own rate.Limiter with one token per MinInterval and a
// burst of one, so the first call for a key is immediate and subsequent
// calls wait until the interval has elapsed. Keys never share a limiter,
// so a busy sensor cannot delay a pump command and vice versa.
//
// The throttle also owns the RateLimiterState of every key; no other
// component mutates it.
//
// # Thread Safety
//
// Safe for concurrent use. The lock is held only for map access and state
// updates, never while waiting.
type Throttle struct {
	minInterval time.Duration
	now         func() time.Time

	mu   sync.Mutex
	keys map[string]*throttleKey
}

type throttleKey struct {
	limiter *rate.Limiter
	state   datatypes.RateLimiterState
}

// NewThrottle creates a throttle. minInterval <= 0 disables spacing while
// still tracking state.
func NewThrottle(minInterval time.Duration) *Throttle {
	return &Throttle{
		minInterval: minInterval,
		now:         time.Now,
		keys:        make(map[string]*throttleKey),
	}
}

// MinInterval returns the configured spacing.
func (t *Throttle) MinInterval() time.Duration {
	return t.minInterval
}

func (t *Throttle) entry(key string) *throttleKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.keys[key]
	if !ok {
		limit := rate.Inf
		if t.minInterval > 0 {
			limit = rate.Every(t.minInterval)
		}
		e = &throttleKey{
			limiter: rate.NewLimiter(limit, 1),
			state:   datatypes.RateLimiterState{ResourceKey: key},
		}
		t.keys[key] = e
	}
	return e
}

// Wait blocks until key is eligible for a call.
//
// # Outputs
//
//   - error: Non-nil if ctx ends first, or if ctx's deadline is earlier
//     than the key's next eligible time. In the latter case Wait returns
//     immediately without consuming the slot.
func (t *Throttle) Wait(ctx context.Context, key string) error {
	e := t.entry(key)
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("throttle %s: %w", key, err)
	}
	return nil
}

// Reserve reports how long a call for key would wait now, without
// consuming the slot.
func (t *Throttle) Reserve(key string) time.Duration {
	e := t.entry(key)
	r := e.limiter.Reserve()
	defer r.Cancel()
	return r.Delay()
}

// RecordAttempt updates the state of key after one outbound call.
// Failed calls increment ConsecutiveRetries; a success resets it.
func (t *Throttle) RecordAttempt(key string, ok bool) datatypes.RateLimiterState {
	e := t.entry(key)

	t.mu.Lock()
	defer t.mu.Unlock()
	e.state.LastCallAt = t.now()
	if ok {
		e.state.ConsecutiveRetries = 0
	} else {
		e.state.ConsecutiveRetries++
	}
	return e.state
}

// State returns a copy of the state of key.
func (t *Throttle) State(key string) (datatypes.RateLimiterState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.keys[key]
	if !ok {
		return datatypes.RateLimiterState{}, false
	}
	return e.state, true
}

// States returns a copy of every key's state sorted by key.
func (t *Throttle) States() []datatypes.RateLimiterState {
	t.mu.Lock()
	out := make([]datatypes.RateLimiterState, 0, len(t.keys))
	for _, e := range t.keys {
		out = append(out, e.state)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ResourceKey < out[j].ResourceKey })
	return out
}
