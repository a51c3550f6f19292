// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package refresher keeps cached sensor values ahead of expiry.
//
// The refresher has two inputs. A periodic scan revalidates every key that
// is already STALE or will cross into SOFT_EXPIRED before the next scan,
// plus configured sensors not yet cached. A drain loop serves the cache's
// stale-while-revalidate queue as requests arrive. Both funnel into
// Cache.Refresh, so fetches are coalesced and throttled by the fetcher.
package refresher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/cache"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/datatypes"
)

// Target is the cache surface the refresher drives. *cache.Cache
// satisfies it.
type Target interface {
	Peek(sensorType string) (datatypes.CacheEntry, bool)
	Keys() []string
	Refresh(ctx context.Context, sensorType string) error
	RefreshRequests() <-chan string
	Thresholds() cache.Thresholds
}

// Config holds refresher settings.
//
// # Fields
//
//   - Interval: Time between proactive scans. Default: 60s.
//   - Concurrency: Maximum refreshes in flight per scan, and for the
//     queue drain. Default: 4.
//   - Sensors: Sensor types fetched even before anyone reads them.
//   - Scan: When false only the queue is drained.
type Config struct {
	Interval    time.Duration
	Concurrency int
	Sensors     []string
	Scan        bool
	Logger      *slog.Logger
	Now         func() time.Time
}

// DefaultConfig returns the default refresher configuration.
func DefaultConfig() Config {
	return Config{
		Interval:    60 * time.Second,
		Concurrency: 4,
		Scan:        true,
		Logger:      slog.Default(),
		Now:         time.Now,
	}
}

// CycleResult summarizes one proactive scan.
type CycleResult struct {
	Scanned   int
	Refreshed int
	Failed    int
	Started   time.Time
	Finished  time.Time
}

// Duration returns how long the cycle took.
func (r CycleResult) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Refresher is the background revalidation loop.
//
// # Thread Safety
//
// Start, Stop and RunNow are safe for concurrent use.
type Refresher struct {
	target Target
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a refresher for target. Zero fields in cfg take defaults.
//
// # Examples
//
//	r := refresher.New(c, refresher.Config{Interval: time.Minute, Scan: true})
//	if err := r.Start(ctx); err != nil {
//	    return err
//	}
//	defer r.Stop()
func New(target Target, cfg Config) *Refresher {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return &Refresher{
		target: target,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "refresher")),
	}
}

// Start launches the scan loop and the queue drain.
//
// # Description
//
// The first scan runs immediately, which warms up configured sensors.
// Cancelling ctx has the same effect as Stop.
//
// # Outputs
//
//   - error: Non-nil if the refresher is already running.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("refresher is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.logger.Info("refresher starting",
		slog.Duration("interval", r.cfg.Interval),
		slog.Int("concurrency", r.cfg.Concurrency),
		slog.Bool("scan", r.cfg.Scan),
	)

	r.wg.Add(1)
	go r.drainLoop(runCtx)
	if r.cfg.Scan {
		r.wg.Add(1)
		go r.scanLoop(runCtx)
	}
	return nil
}

// Stop cancels in-flight refreshes, stops scheduling and waits for both
// loops to exit. Safe to call multiple times.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
	r.logger.Info("refresher stopped")
}

// Running reports whether the loops are active.
func (r *Refresher) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// RunNow performs one proactive scan immediately and waits for it.
func (r *Refresher) RunNow(ctx context.Context) CycleResult {
	return r.runCycle(ctx)
}

// =============================================================================
// Internal Methods
// =============================================================================

func (r *Refresher) scanLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.executeCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.executeCycle(ctx)
		}
	}
}

func (r *Refresher) executeCycle(ctx context.Context) {
	result := r.runCycle(ctx)
	if ctx.Err() != nil {
		return
	}
	refreshCycles.Inc()
	if result.Refreshed > 0 || result.Failed > 0 {
		r.logger.Info("refresh cycle completed",
			slog.Int("scanned", result.Scanned),
			slog.Int("refreshed", result.Refreshed),
			slog.Int("failed", result.Failed),
			slog.Duration("duration", result.Duration()),
		)
	} else {
		r.logger.Debug("refresh cycle completed (nothing due)", slog.Int("scanned", result.Scanned))
	}
}

// runCycle refreshes every due key with bounded fan-out.
func (r *Refresher) runCycle(ctx context.Context) CycleResult {
	result := CycleResult{Started: r.cfg.Now()}
	due := r.dueKeys()
	result.Scanned = len(r.target.Keys())

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, key := range due {
		g.Go(func() error {
			err := r.refresh(gctx, key, "scan")
			mu.Lock()
			if err != nil {
				result.Failed++
			} else {
				result.Refreshed++
			}
			mu.Unlock()
			// One key failing must not cancel the others.
			return nil
		})
	}
	_ = g.Wait()

	result.Finished = r.cfg.Now()
	return result
}

// dueKeys returns cached keys that are STALE or beyond, or that will reach
// SOFT_EXPIRED within one interval, followed by configured sensors that
// have no cached value.
func (r *Refresher) dueKeys() []string {
	now := r.cfg.Now()
	horizon := r.target.Thresholds().Stale

	seen := make(map[string]bool)
	var due []string
	for _, key := range r.target.Keys() {
		seen[key] = true
		entry, ok := r.target.Peek(key)
		if !ok {
			continue
		}
		if entry.Tier >= datatypes.TierStale || entry.Age(now)+r.cfg.Interval >= horizon {
			due = append(due, key)
		}
	}
	for _, key := range r.cfg.Sensors {
		if seen[key] {
			continue
		}
		seen[key] = true
		if _, ok := r.target.Peek(key); !ok {
			due = append(due, key)
		}
	}
	return due
}

// drainLoop serves the stale-while-revalidate queue.
func (r *Refresher) drainLoop(ctx context.Context) {
	defer r.wg.Done()

	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency)
	defer func() { _ = g.Wait() }()

	requests := r.target.RefreshRequests()
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-requests:
			g.Go(func() error {
				_ = r.refresh(ctx, key, "queue")
				return nil
			})
		}
	}
}

func (r *Refresher) refresh(ctx context.Context, key, trigger string) error {
	err := r.target.Refresh(ctx, key)
	if err != nil {
		refreshResults.WithLabelValues(trigger, "failed").Inc()
		if ctx.Err() == nil {
			r.logger.Warn("background refresh failed",
				slog.String("sensor_type", key),
				slog.String("trigger", trigger),
				slog.String("error", err.Error()),
			)
		}
		return fmt.Errorf("refresh %s: %w", key, err)
	}
	refreshResults.WithLabelValues(trigger, "ok").Inc()
	r.logger.Debug("background refresh ok", slog.String("sensor_type", key), slog.String("trigger", trigger))
	return nil
}
