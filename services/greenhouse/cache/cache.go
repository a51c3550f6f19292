// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides the freshness-aware sensor cache.
//
// Every read classifies the cached value by age into one of four tiers and
// acts accordingly:
//
//	FRESH         serve, nothing else
//	STALE         serve, enqueue a background refresh
//	SOFT_EXPIRED  refresh synchronously within the budget; on failure
//	              serve the old value marked Degraded
//	HARD_EXPIRED  refresh synchronously within the budget; on failure
//	              return ErrNoFreshData
//
// Reads never block longer than the sync budget. FRESH and STALE reads
// never leave memory.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/datatypes"
)

// slot holds the current record for one sensor type. The record pointer
// is swapped atomically so readers never take a per-key lock.
type slot struct {
	rec atomic.Pointer[datatypes.StoredReading]
}

// Cache is the freshness-aware sensor cache.
//
// # Thread Safety
//
// Safe for concurrent use. The map lock is held only to find or create a
// slot; no lock is held while fetching or persisting.
type Cache struct {
	source Source
	opts   CacheOptions
	logger *slog.Logger

	mu    sync.RWMutex
	slots map[string]*slot

	queue  chan string
	queued sync.Map // sensor type → struct{}
}

// New creates a cache backed by source.
//
// # Inputs
//
//   - source: Fetches fresh readings. Usually a *fetcher.Fetcher.
//   - opts: Functional options.
//
// # Examples
//
//	c := cache.New(f,
//	    cache.WithThresholds(thresholds),
//	    cache.WithSyncBudget(f.Policy().Budget()),
//	    cache.WithStore(kv),
//	)
func New(source Source, opts ...CacheOption) *Cache {
	options := DefaultCacheOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Cache{
		source: source,
		opts:   options,
		logger: options.Logger.With(slog.String("component", "cache")),
		slots:  make(map[string]*slot),
		queue:  make(chan string, options.QueueDepth),
	}
}

// Thresholds returns the tier thresholds in use.
func (c *Cache) Thresholds() Thresholds {
	return c.opts.Thresholds
}

// Get returns the value for sensorType according to its tier.
//
// # Description
//
// Looks the entry up in memory, falling back to the store on a cold miss,
// classifies it and applies the tier's read behavior. A missing entry is
// treated as HARD_EXPIRED.
//
// # Outputs
//
//   - datatypes.CacheEntry: The served value with its tier at read time.
//     Degraded is set when a SOFT_EXPIRED refresh failed.
//   - error: ErrNoFreshData (wrapping the fetch error) for HARD_EXPIRED
//     or missing entries whose refresh failed.
func (c *Cache) Get(ctx context.Context, sensorType string) (datatypes.CacheEntry, error) {
	start := time.Now()
	ctx, span := startCacheSpan(ctx, "Get", sensorType)
	defer span.End()

	rec, ok := c.load(sensorType)
	if !ok {
		rec, ok = c.hydrate(ctx, sensorType)
	}

	tier := datatypes.TierHardExpired
	if ok {
		tier = c.opts.Thresholds.Classify(c.opts.Now().Sub(rec.FetchedAt))
	}
	span.SetAttributes(
		attribute.String("cache.tier", tier.String()),
		attribute.Bool("cache.present", ok),
	)
	recordRead(ctx, tier)
	defer func() { recordGetLatency(ctx, time.Since(start), tier) }()

	switch tier {
	case datatypes.TierFresh:
		c.logger.Debug("cache hit", slog.String("sensor_type", sensorType), slog.String("tier", tier.String()))
		return entryFor(rec, tier), nil

	case datatypes.TierStale:
		c.enqueue(ctx, sensorType)
		return entryFor(rec, tier), nil

	case datatypes.TierSoftExpired:
		fresh, err := c.refreshSync(ctx, sensorType)
		if err == nil {
			return fresh, nil
		}
		if latest, ok := c.newerThan(sensorType, rec); ok {
			return latest, nil
		}
		recordDegraded(ctx)
		span.SetAttributes(attribute.Bool("cache.degraded", true))
		c.logger.Warn("serving degraded value",
			slog.String("sensor_type", sensorType),
			slog.Duration("age", c.opts.Now().Sub(rec.FetchedAt)),
			slog.String("error", err.Error()),
		)
		entry := entryFor(rec, tier)
		entry.Degraded = true
		return entry, nil

	default:
		fresh, err := c.refreshSync(ctx, sensorType)
		if err != nil {
			if latest, ok := c.newerThan(sensorType, rec); ok {
				return latest, nil
			}
			span.RecordError(err)
			return datatypes.CacheEntry{}, fmt.Errorf("sensor %s: %w: %w", sensorType, ErrNoFreshData, err)
		}
		return fresh, nil
	}
}

// Peek returns the current entry without side effects: no refresh, no
// store access. ok is false when nothing is cached in memory.
func (c *Cache) Peek(sensorType string) (datatypes.CacheEntry, bool) {
	rec, ok := c.load(sensorType)
	if !ok {
		return datatypes.CacheEntry{}, false
	}
	return entryFor(rec, c.opts.Thresholds.Classify(c.opts.Now().Sub(rec.FetchedAt))), true
}

// Put stores reading as the current value of sensorType.
//
// # Description
//
// Last write wins: Put always overwrites and resets the fetch time to now,
// which returns the entry to FRESH. The record is written through to the
// store (failures are logged, not returned) and a pending background
// refresh for the key is released.
func (c *Cache) Put(sensorType string, reading datatypes.SensorReading) {
	if reading.SensorType == "" {
		reading.SensorType = sensorType
	}
	rec := &datatypes.StoredReading{Reading: reading, FetchedAt: c.opts.Now()}
	c.slotFor(sensorType).rec.Store(rec)
	c.queued.Delete(sensorType)

	if c.opts.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.StoreTimeout)
		if err := c.opts.Store.SaveReading(ctx, sensorType, *rec); err != nil {
			c.logger.Warn("persist reading failed",
				slog.String("sensor_type", sensorType),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
	if c.opts.OnPut != nil {
		c.opts.OnPut(*rec)
	}
}

// Refresh fetches sensorType within the sync budget and stores the result.
// It always releases a pending background refresh for the key, so a failed
// refresh can be re-enqueued by the next stale read.
func (c *Cache) Refresh(ctx context.Context, sensorType string) error {
	defer c.queued.Delete(sensorType)

	ctx, cancel := context.WithTimeout(ctx, c.opts.SyncBudget)
	defer cancel()

	reading, err := c.source.Fetch(ctx, sensorType)
	if err != nil {
		return err
	}
	c.Put(sensorType, reading)
	return nil
}

// RefreshRequests returns the stale-while-revalidate queue. Each key
// appears at most once until it is refreshed; consumers must call Refresh
// for every key they receive.
func (c *Cache) RefreshRequests() <-chan string {
	return c.queue
}

// Keys returns the tracked sensor types, sorted.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.slots))
	for k, s := range c.slots {
		if s.rec.Load() != nil {
			keys = append(keys, k)
		}
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// =============================================================================
// Internals
// =============================================================================

func entryFor(rec *datatypes.StoredReading, tier datatypes.Tier) datatypes.CacheEntry {
	return datatypes.CacheEntry{
		Reading:   rec.Reading,
		FetchedAt: rec.FetchedAt,
		Tier:      tier,
	}
}

func (c *Cache) load(sensorType string) (*datatypes.StoredReading, bool) {
	c.mu.RLock()
	s, ok := c.slots[sensorType]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	rec := s.rec.Load()
	return rec, rec != nil
}

func (c *Cache) slotFor(sensorType string) *slot {
	c.mu.RLock()
	s, ok := c.slots[sensorType]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.slots[sensorType]; !ok {
		s = &slot{}
		c.slots[sensorType] = s
	}
	return s
}

// hydrate loads a persisted record on a cold miss. A record that appeared
// in memory meanwhile wins over the stored one.
func (c *Cache) hydrate(ctx context.Context, sensorType string) (*datatypes.StoredReading, bool) {
	if c.opts.Store == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()

	stored, found, err := c.opts.Store.LoadReading(ctx, sensorType)
	if err != nil {
		c.logger.Warn("load persisted reading failed",
			slog.String("sensor_type", sensorType),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if !found {
		return nil, false
	}

	s := c.slotFor(sensorType)
	if s.rec.CompareAndSwap(nil, &stored) {
		c.logger.Debug("cache hydrated from store", slog.String("sensor_type", sensorType))
		return &stored, true
	}
	rec := s.rec.Load()
	return rec, rec != nil
}

func (c *Cache) refreshSync(ctx context.Context, sensorType string) (datatypes.CacheEntry, error) {
	if err := c.Refresh(ctx, sensorType); err != nil {
		recordSyncRefresh(ctx, false)
		return datatypes.CacheEntry{}, err
	}
	recordSyncRefresh(ctx, true)

	rec, ok := c.load(sensorType)
	if !ok {
		return datatypes.CacheEntry{}, fmt.Errorf("sensor %s: entry vanished after refresh", sensorType)
	}
	return entryFor(rec, c.opts.Thresholds.Classify(c.opts.Now().Sub(rec.FetchedAt))), nil
}

// newerThan returns the current entry when another refresh stored a newer
// record after seen was classified and that record is still usable
// without a refresh. seen may be nil.
func (c *Cache) newerThan(sensorType string, seen *datatypes.StoredReading) (datatypes.CacheEntry, bool) {
	latest, ok := c.load(sensorType)
	if !ok || (seen != nil && !latest.FetchedAt.After(seen.FetchedAt)) {
		return datatypes.CacheEntry{}, false
	}
	tier := c.opts.Thresholds.Classify(c.opts.Now().Sub(latest.FetchedAt))
	if tier >= datatypes.TierSoftExpired {
		return datatypes.CacheEntry{}, false
	}
	return entryFor(latest, tier), true
}

// enqueue requests a background refresh without blocking.
func (c *Cache) enqueue(ctx context.Context, sensorType string) {
	if _, pending := c.queued.LoadOrStore(sensorType, struct{}{}); pending {
		return
	}
	select {
	case c.queue <- sensorType:
		recordEnqueue(ctx, false)
		c.logger.Debug("background refresh enqueued", slog.String("sensor_type", sensorType))
	default:
		c.queued.Delete(sensorType)
		recordEnqueue(ctx, true)
		c.logger.Debug("refresh queue full, request dropped", slog.String("sensor_type", sensorType))
	}
}
