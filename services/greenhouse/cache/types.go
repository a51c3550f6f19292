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
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/datatypes"
)

// ErrNoFreshData is returned when no usable reading exists and the blocking
// refetch failed too.
var ErrNoFreshData = errors.New("no fresh data")

// Source fetches a fresh reading for a sensor type. *fetcher.Fetcher
// satisfies it.
type Source interface {
	Fetch(ctx context.Context, sensorType string) (datatypes.SensorReading, error)
}

// Store is optional durable backing for the cache. Loads happen on a cold
// miss; saves happen on every Put.
type Store interface {
	LoadReading(ctx context.Context, sensorType string) (datatypes.StoredReading, bool, error)
	SaveReading(ctx context.Context, sensorType string, rec datatypes.StoredReading) error
}

// PutObserver is notified after every Put with the stored reading.
type PutObserver func(rec datatypes.StoredReading)

// Default values for CacheOptions.
const (
	DefaultSyncBudget   = 15 * time.Second
	DefaultQueueDepth   = 256
	DefaultStoreTimeout = 2 * time.Second
)

// CacheOptions configures a Cache.
type CacheOptions struct {
	// Thresholds separate the tiers.
	Thresholds Thresholds

	// SyncBudget bounds a blocking refresh. Set it to the fetch policy's
	// Budget so SOFT_EXPIRED and HARD_EXPIRED reads wait at most
	// timeout × (retries+1).
	SyncBudget time.Duration

	// QueueDepth is the capacity of the stale-while-revalidate queue.
	// Requests beyond it are dropped; the next read re-enqueues.
	QueueDepth int

	// Store persists readings. Nil disables persistence.
	Store Store

	// StoreTimeout bounds a single Store call.
	StoreTimeout time.Duration

	// OnPut is called after every Put. It must not block.
	OnPut PutObserver

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultCacheOptions returns default options.
func DefaultCacheOptions() CacheOptions {
	return CacheOptions{
		Thresholds:   DefaultThresholds(),
		SyncBudget:   DefaultSyncBudget,
		QueueDepth:   DefaultQueueDepth,
		StoreTimeout: DefaultStoreTimeout,
		Now:          time.Now,
		Logger:       slog.Default(),
	}
}

// CacheOption is a functional option for configuring the cache.
type CacheOption func(*CacheOptions)

// WithThresholds sets the tier thresholds. Invalid thresholds are ignored.
func WithThresholds(t Thresholds) CacheOption {
	return func(o *CacheOptions) {
		if t.Validate() == nil {
			o.Thresholds = t
		}
	}
}

// WithSyncBudget sets the blocking refresh budget.
func WithSyncBudget(d time.Duration) CacheOption {
	return func(o *CacheOptions) {
		if d > 0 {
			o.SyncBudget = d
		}
	}
}

// WithQueueDepth sets the refresh queue capacity.
func WithQueueDepth(n int) CacheOption {
	return func(o *CacheOptions) {
		if n > 0 {
			o.QueueDepth = n
		}
	}
}

// WithStore enables persistence.
func WithStore(s Store) CacheOption {
	return func(o *CacheOptions) {
		o.Store = s
	}
}

// WithOnPut sets the put observer.
func WithOnPut(fn PutObserver) CacheOption {
	return func(o *CacheOptions) {
		o.OnPut = fn
	}
}

// WithClock sets the clock.
func WithClock(now func() time.Time) CacheOption {
	return func(o *CacheOptions) {
		if now != nil {
			o.Now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CacheOption {
	return func(o *CacheOptions) {
		if l != nil {
			o.Logger = l
		}
	}
}
