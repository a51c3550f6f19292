// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fetcher performs rate-limited, retried, de-duplicated reads of
// sensor feeds from the cloud API.
//
// # Guarantees
//
//   - Calls for one resource key are spaced by at least the throttle's
//     minimum interval.
//   - At most one fetch per key is in flight. Concurrent callers for the
//     same key share its result.
//   - Every attempt is bounded by the policy timeout and every fetch by
//     the first caller's deadline.
//   - Timeouts and transient failures are retried; permanent failures stop
//     the fetch early. Either way, a failed fetch returns a *FetchError
//     matching ErrFetchExhausted.
package fetcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/cloud"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/datatypes"
)

// Feed identifies the cloud feed behind a sensor type.
type Feed struct {
	ID   string
	Unit string
}

// FeedResolver maps a sensor type to its feed.
type FeedResolver func(sensorType string) Feed

// identityFeeds uses the sensor type as the feed id.
func identityFeeds(sensorType string) Feed {
	return Feed{ID: sensorType}
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithFeedResolver sets how sensor types map to feeds.
func WithFeedResolver(r FeedResolver) Option {
	return func(f *Fetcher) {
		if r != nil {
			f.feeds = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithThrottle shares an existing throttle instead of creating one.
func WithThrottle(t *Throttle) Option {
	return func(f *Fetcher) {
		if t != nil {
			f.throttle = t
		}
	}
}

// WithClock overrides time.Now for reading timestamps.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// Fetcher reads sensor values through the cloud client.
//
// # Thread Safety
//
// Safe for concurrent use.
type Fetcher struct {
	client   cloud.Client
	policy   RetryPolicy
	throttle *Throttle
	feeds    FeedResolver
	logger   *slog.Logger
	now      func() time.Time

	group singleflight.Group
}

// New creates a Fetcher.
//
// # Inputs
//
//   - client: Cloud API client. Must not be nil.
//   - policy: Retry policy. Invalid policies fall back to the default.
//   - minInterval: Spacing between calls for the same key.
//   - opts: Optional settings.
//
// # Examples
//
//	f := fetcher.New(client, fetcher.DefaultRetryPolicy(), 30*time.Second,
//	    fetcher.WithFeedResolver(resolve))
//	reading, err := f.Fetch(ctx, "soil_moisture")
func New(client cloud.Client, policy RetryPolicy, minInterval time.Duration, opts ...Option) *Fetcher {
	if policy.Validate() != nil {
		policy = DefaultRetryPolicy()
	}
	f := &Fetcher{
		client: client,
		policy: policy,
		feeds:  identityFeeds,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.throttle == nil {
		f.throttle = NewThrottle(minInterval)
	}
	f.logger = f.logger.With(slog.String("component", "fetcher"))
	return f
}

// Policy returns the retry policy.
func (f *Fetcher) Policy() RetryPolicy {
	return f.policy
}

// Throttle returns the throttle guarding this fetcher's keys.
func (f *Fetcher) Throttle() *Throttle {
	return f.throttle
}

// Fetch returns a fresh reading for key.
//
// # Description
//
// Joins the in-flight fetch for key if there is one; otherwise starts a
// new one. The fetch waits for the throttle, then makes up to
// policy.Attempts() attempts. The fetch runs under a context detached from
// the first caller's cancellation but bounded by its deadline (or by the
// policy's worst case when the caller has none), so one impatient caller
// cannot fail the fetch for the others. Each caller still returns as soon
// as its own context ends.
//
// # Inputs
//
//   - ctx: Caller context. Its deadline bounds the shared fetch.
//   - key: Sensor type.
//
// # Outputs
//
//   - datatypes.SensorReading: The reading.
//   - error: *FetchError (matching ErrFetchExhausted) when all attempts
//     failed, or ctx.Err() when the caller gave up first.
func (f *Fetcher) Fetch(ctx context.Context, key string) (datatypes.SensorReading, error) {
	ctx, span := tracer.Start(ctx, "Fetcher.Fetch",
		trace.WithAttributes(attribute.String("fetch.key", key)),
	)
	defer span.End()

	ch := f.group.DoChan(key, func() (any, error) {
		flightCtx, cancel := f.flightContext(ctx)
		defer cancel()
		return f.fetch(flightCtx, key)
	})

	select {
	case res := <-ch:
		span.SetAttributes(attribute.Bool("fetch.shared", res.Shared))
		if res.Shared {
			fetchShared.Inc()
		}
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
			return datatypes.SensorReading{}, res.Err
		}
		return res.Val.(datatypes.SensorReading), nil
	case <-ctx.Done():
		span.SetStatus(codes.Error, "caller gave up")
		return datatypes.SensorReading{}, ctx.Err()
	}
}

// flightContext detaches from the caller's cancellation, keeping its
// values and deadline.
func (f *Fetcher) flightContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(f.throttle.MinInterval() + f.policy.MaxDuration())
	}
	return context.WithDeadline(context.WithoutCancel(ctx), deadline)
}

func (f *Fetcher) fetch(ctx context.Context, key string) (datatypes.SensorReading, error) {
	start := time.Now()
	defer func() { fetchDuration.Observe(time.Since(start).Seconds()) }()

	if err := f.throttle.Wait(ctx, key); err != nil {
		fetchResults.WithLabelValues("throttled").Inc()
		return datatypes.SensorReading{}, &FetchError{Key: key, Attempts: 0, Err: errors.Join(ErrThrottled, err)}
	}

	feed := f.feeds(key)
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= f.policy.Attempts(); attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, f.policy.BackoffFor(attempt-1)); err != nil {
				break
			}
		}

		attempts = attempt
		value, err := f.attempt(ctx, feed.ID)
		f.throttle.RecordAttempt(key, err == nil)

		if err == nil {
			fetchAttempts.WithLabelValues("ok").Inc()
			fetchResults.WithLabelValues("ok").Inc()
			observed := value.ObservedAt
			if observed.IsZero() {
				observed = f.now()
			}
			return datatypes.SensorReading{
				SensorType: key,
				Value:      value.Value,
				Unit:       feed.Unit,
				ObservedAt: observed,
			}, nil
		}

		lastErr = err
		retryable := cloud.IsRetryable(err)
		fetchAttempts.WithLabelValues(attemptOutcome(err, retryable)).Inc()

		if !retryable {
			f.logger.Warn("fetch failed permanently",
				slog.String("sensor_type", key),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			break
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < f.policy.Attempts() {
			f.logger.Warn("fetch attempt failed, retrying",
				slog.String("sensor_type", key),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
	}

	if lastErr == nil {
		lastErr = ctx.Err()
	}
	fetchResults.WithLabelValues("exhausted").Inc()
	f.logger.Warn("fetch exhausted",
		slog.String("sensor_type", key),
		slog.Int("attempts", attempts),
		slog.String("error", lastErr.Error()),
	)
	return datatypes.SensorReading{}, &FetchError{Key: key, Attempts: attempts, Err: lastErr}
}

func (f *Fetcher) attempt(ctx context.Context, feedID string) (cloud.FeedValue, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.policy.Timeout)
	defer cancel()
	return f.client.FetchReading(attemptCtx, feedID)
}

func attemptOutcome(err error, retryable bool) string {
	switch {
	case cloud.IsTimeout(err):
		return "timeout"
	case retryable:
		return "transient"
	default:
		return "permanent"
	}
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
