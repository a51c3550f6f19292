// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package greenhouse wires the actuation core together.
//
// Core owns every long-lived component: the rate-limited fetcher, the
// freshness cache and its background refresher, the recommendation gate,
// the actuator gateway, key-value persistence and the history recorder.
// There are no package-level singletons; tests build as many Cores as they
// need.
//
// # Usage
//
//	cfg, err := config.Load("greenhouse.yaml")
//	if err != nil {
//	    return err
//	}
//	core, err := greenhouse.NewCore(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer core.Close(context.Background())
//
//	entry, err := core.GetSensorValue(ctx, "soil_moisture")
package greenhouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/actuator"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/cache"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/cloud"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/config"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/datatypes"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/fetcher"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/gate"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/history"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/refresher"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/storage/badger"
)

// ErrInvalidSensorType is returned for sensor types that cannot be keys.
var ErrInvalidSensorType = errors.New("invalid sensor type")

// =============================================================================
// Options
// =============================================================================

// Option configures NewCore.
type Option func(*coreOptions)

type coreOptions struct {
	client cloud.Client
	logger *slog.Logger
	sinks  []history.Sink
	now    func() time.Time
}

// WithCloudClient replaces the client selected by cloud.mode. The Core
// takes ownership and closes it.
func WithCloudClient(c cloud.Client) Option {
	return func(o *coreOptions) {
		o.client = c
	}
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *coreOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHistorySinks adds sinks next to the ones enabled in configuration.
func WithHistorySinks(sinks ...history.Sink) Option {
	return func(o *coreOptions) {
		o.sinks = append(o.sinks, sinks...)
	}
}

// WithClock sets the clock used by the cache and the gate.
func WithClock(now func() time.Time) Option {
	return func(o *coreOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// =============================================================================
// Core
// =============================================================================

// Core is the context object holding all greenhouse components.
//
// # Description
//
// Data flows fetcher → cache ← refresher for sensors, and gate → gateway →
// cloud for actuation. Every cache Put is written through to the KV store
// and recorded to history; every decision and command is recorded too.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Start and Close must not race
// each other.
type Core struct {
	cfg    config.Config
	logger *slog.Logger

	db      *badger.DB
	kv      *badger.KV
	client  cloud.Client
	history *history.Recorder

	fetcher   *fetcher.Fetcher
	cache     *cache.Cache
	refresher *refresher.Refresher
	gateway   *actuator.Gateway
	gate      *gate.Gate
}

// NewCore builds a Core from configuration.
//
// # Description
//
// Initialization order:
//  1. Opens the badger store (in-memory or at storage.path)
//  2. Creates the cloud client for cloud.mode unless one was injected
//  3. Starts the history recorder with the configured sinks
//  4. Builds fetcher, cache, refresher, gateway and gate
//
// Nothing runs in the background until Start is called, apart from the
// history recorder and badger value-log GC.
//
// # Inputs
//
//   - ctx: Bounds client connection (MQTT).
//   - cfg: Validated configuration.
//   - opts: Optional overrides.
//
// # Outputs
//
//   - *Core: Ready to serve. Call Close to release resources.
//   - error: Non-nil if any component cannot be created. Resources created
//     before the failure are released.
func NewCore(ctx context.Context, cfg config.Config, opts ...Option) (*Core, error) {
	o := coreOptions{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Core{cfg: cfg, logger: o.logger}

	if err := c.initStorage(); err != nil {
		return nil, err
	}

	if o.client != nil {
		c.client = o.client
	} else {
		client, err := newCloudClient(ctx, cfg, o.logger)
		if err != nil {
			c.release()
			return nil, fmt.Errorf("create cloud client: %w", err)
		}
		c.client = client
	}

	c.history = history.NewRecorder(cfg.History.Buffer, o.logger,
		append(historySinks(cfg.History), o.sinks...)...)

	c.fetcher = fetcher.New(c.client, retryPolicy(cfg.RateLimit), cfg.RateLimit.MinInterval,
		fetcher.WithFeedResolver(func(sensorType string) fetcher.Feed {
			feed := cfg.FeedFor(sensorType)
			return fetcher.Feed{ID: feed.FeedID, Unit: feed.Unit}
		}),
		fetcher.WithLogger(o.logger),
	)

	c.cache = cache.New(c.fetcher,
		cache.WithThresholds(thresholds(cfg.Freshness)),
		cache.WithSyncBudget(c.fetcher.Policy().Budget()),
		cache.WithStore(c.kv),
		cache.WithOnPut(c.history.RecordReading),
		cache.WithClock(o.now),
		cache.WithLogger(o.logger),
	)

	c.refresher = refresher.New(c.cache, refresher.Config{
		Interval:    cfg.Refresher.Interval,
		Concurrency: cfg.Refresher.Concurrency,
		Sensors:     cfg.Refresher.Sensors,
		Scan:        cfg.Refresher.Enabled,
		Logger:      o.logger,
		Now:         o.now,
	})

	c.gateway = actuator.New(c.client, gatewayConfig(cfg.Actuator),
		actuator.WithStateStore(c.kv),
		actuator.WithRecorder(c.history),
		actuator.WithLogger(o.logger),
	)

	policy, err := gate.PolicyFromConfig(cfg.Policy)
	if err != nil {
		c.release()
		return nil, fmt.Errorf("gate policy: %w", err)
	}
	c.gate, err = gate.New(c.gateway, policy,
		gate.WithRecorder(c.history),
		gate.WithLogger(o.logger),
		gate.WithClock(o.now),
	)
	if err != nil {
		c.release()
		return nil, fmt.Errorf("create gate: %w", err)
	}

	return c, nil
}

// Start launches background revalidation.
func (c *Core) Start(ctx context.Context) error {
	return c.refresher.Start(ctx)
}

// Close stops every component in dependency order.
//
// # Description
//
// The refresher stops first so nothing new is fetched, then the gateway
// finishes in-flight commands and times out queued ones, then history is
// flushed within ctx, then the cloud client and store are closed.
//
// # Outputs
//
//   - error: Joined errors from components that failed to close.
func (c *Core) Close(ctx context.Context) error {
	c.refresher.Stop()

	var errs []error
	if err := c.gateway.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close gateway: %w", err))
	}
	if err := c.history.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush history: %w", err))
	}
	if err := c.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// release closes the client and the store. Used by Close and by NewCore on
// partial initialization.
func (c *Core) release() error {
	var errs []error
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cloud client: %w", err))
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Sensors
// =============================================================================

// GetSensorValue returns the cached value for sensorType, refreshing it as
// its tier requires.
//
// # Outputs
//
//   - datatypes.CacheEntry: Value, fetch time, tier and degraded flag.
//   - error: cache.ErrNoFreshData when nothing usable exists and the
//     refetch failed; ErrInvalidSensorType for malformed keys.
func (c *Core) GetSensorValue(ctx context.Context, sensorType string) (datatypes.CacheEntry, error) {
	if !datatypes.ValidSensorType(sensorType) {
		return datatypes.CacheEntry{}, fmt.Errorf("%w: %q", ErrInvalidSensorType, sensorType)
	}
	return c.cache.Get(ctx, sensorType)
}

// PushSensorValue stores a reading delivered by the cloud instead of
// fetched from it.
func (c *Core) PushSensorValue(sensorType string, reading datatypes.SensorReading) (datatypes.CacheEntry, error) {
	if !datatypes.ValidSensorType(sensorType) {
		return datatypes.CacheEntry{}, fmt.Errorf("%w: %q", ErrInvalidSensorType, sensorType)
	}
	if reading.Unit == "" {
		reading.Unit = c.cfg.FeedFor(sensorType).Unit
	}
	c.cache.Put(sensorType, reading)
	entry, _ := c.cache.Peek(sensorType)
	return entry, nil
}

// RefreshNow runs one refresher cycle synchronously.
func (c *Core) RefreshNow(ctx context.Context) refresher.CycleResult {
	return c.refresher.RunNow(ctx)
}

// =============================================================================
// Recommendations
// =============================================================================

// SubmitRecommendation runs rec through the gate.
//
// # Outputs
//
//   - datatypes.Decision: Always set.
//   - error: Non-nil only when the command did not succeed. A command
//     that was sent and failed wraps actuator.ErrActuatorCommandFailed
//     and the decision is applied (command_failed). A command that was
//     never sent wraps actuator.ErrCommandNotIssued and the decision is
//     rejected (not_issued).
func (c *Core) SubmitRecommendation(ctx context.Context, rec datatypes.Recommendation) (datatypes.Decision, error) {
	return c.gate.Submit(ctx, rec)
}

// QueuedRecommendations lists recommendations awaiting confirmation.
func (c *Core) QueuedRecommendations() []gate.QueuedRecommendation {
	return c.gate.Queued()
}

// ConfirmRecommendation applies a queued recommendation.
func (c *Core) ConfirmRecommendation(ctx context.Context, id string) (datatypes.Decision, error) {
	return c.gate.Confirm(ctx, id)
}

// DiscardRecommendation drops a queued recommendation.
func (c *Core) DiscardRecommendation(id string) (datatypes.Decision, error) {
	return c.gate.Discard(id)
}

// Decision returns the most recent decision for a recommendation id.
func (c *Core) Decision(id string) (datatypes.Decision, bool) {
	return c.gate.Decision(id)
}

// UpdatePolicy swaps the gate policy.
func (c *Core) UpdatePolicy(cfg config.PolicyConfig) error {
	p, err := gate.PolicyFromConfig(cfg)
	if err != nil {
		return err
	}
	return c.gate.UpdatePolicy(p)
}

// Policy returns the active gate policy.
func (c *Core) Policy() gate.Policy {
	return c.gate.Policy()
}

// =============================================================================
// Actuators
// =============================================================================

// GetActuatorState returns the last confirmed or observed device state.
func (c *Core) GetActuatorState(ctx context.Context, deviceID string) (datatypes.DeviceState, error) {
	return c.gateway.GetState(ctx, deviceID)
}

// RateLimit returns the throttle state for a resource key. Sensor types
// are looked up in the fetch throttle, then device ids in the command
// throttle.
func (c *Core) RateLimit(key string) (datatypes.RateLimiterState, bool) {
	if st, ok := c.fetcher.Throttle().State(key); ok {
		return st, true
	}
	for _, st := range c.gateway.RateLimits() {
		if st.ResourceKey == key {
			return st, true
		}
	}
	return datatypes.RateLimiterState{}, false
}

// Config returns the configuration the Core was built from.
func (c *Core) Config() config.Config {
	return c.cfg
}

// =============================================================================
// Construction helpers
// =============================================================================

func (c *Core) initStorage() error {
	dbCfg := badger.DefaultConfig()
	dbCfg.Logger = c.logger
	if c.cfg.Storage.InMemory {
		dbCfg = badger.InMemoryConfig()
		dbCfg.Logger = c.logger
	} else {
		dbCfg.Path = c.cfg.Storage.Path
	}

	db, err := badger.OpenDB(dbCfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	c.db = db
	c.kv = badger.NewKV(db, c.cfg.Storage.DefaultTTL)
	return nil
}

func thresholds(cfg config.FreshnessConfig) cache.Thresholds {
	return cache.Thresholds{
		Fresh:           cfg.Fresh,
		Stale:           cfg.Stale,
		Expired:         cfg.Expired,
		DegradeAtExpiry: cfg.DegradeAtExpiry,
	}
}

func retryPolicy(cfg config.RateLimitConfig) fetcher.RetryPolicy {
	p := fetcher.DefaultRetryPolicy()
	p.MaxRetries = cfg.MaxRetries
	p.Timeout = cfg.Timeout
	p.Backoff = cfg.Backoff
	return p
}

func gatewayConfig(cfg config.ActuatorConfig) actuator.Config {
	g := actuator.DefaultConfig()
	g.MinInterval = cfg.MinInterval
	g.CommandTimeout = cfg.CommandTimeout
	g.ConfirmTimeout = cfg.ConfirmTimeout
	g.ConfirmPoll = cfg.ConfirmPoll
	g.MaxRetries = cfg.MaxRetries
	g.QueueDepth = cfg.QueueDepth
	return g
}

func historySinks(cfg config.HistoryConfig) []history.Sink {
	var sinks []history.Sink
	if cfg.Influx.URL != "" {
		sinks = append(sinks, history.NewInfluxSink(history.InfluxConfig{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		}))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		sinks = append(sinks, history.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix))
	}
	return sinks
}
