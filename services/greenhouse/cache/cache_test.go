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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/cloud"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/datatypes"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/fetcher"
)

// =============================================================================
// Test Doubles
// =============================================================================

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newManualClock() *manualClock {
	return &manualClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeSource struct {
	mu    sync.Mutex
	value float64
	err   error
	block bool
	calls atomic.Int32
}

func (s *fakeSource) Fetch(ctx context.Context, sensorType string) (datatypes.SensorReading, error) {
	s.calls.Add(1)
	s.mu.Lock()
	value, err, block := s.value, s.err, s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return datatypes.SensorReading{}, ctx.Err()
	}
	if err != nil {
		return datatypes.SensorReading{}, err
	}
	return datatypes.SensorReading{SensorType: sensorType, Value: value}, nil
}

func (s *fakeSource) set(value float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value, s.err = value, err
}

type fakeStore struct {
	mu    sync.Mutex
	items map[string]datatypes.StoredReading
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: map[string]datatypes.StoredReading{}}
}

func (s *fakeStore) LoadReading(_ context.Context, key string) (datatypes.StoredReading, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[key]
	return rec, ok, nil
}

func (s *fakeStore) SaveReading(_ context.Context, key string, rec datatypes.StoredReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = rec
	return nil
}

var errUpstream = errors.New("upstream down")

func newTestCache(src Source, clock *manualClock, opts ...CacheOption) *Cache {
	base := []CacheOption{
		WithClock(clock.Now),
		WithThresholds(DefaultThresholds()),
		WithSyncBudget(200 * time.Millisecond),
	}
	return New(src, append(base, opts...)...)
}

func reading(v float64) datatypes.SensorReading {
	return datatypes.SensorReading{SensorType: "soil_moisture", Value: v}
}

// =============================================================================
// Classification
// =============================================================================

func TestClassify_Boundaries(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		age  time.Duration
		want datatypes.Tier
	}{
		{-time.Second, datatypes.TierFresh},
		{0, datatypes.TierFresh},
		{300*time.Second - time.Nanosecond, datatypes.TierFresh},
		{300 * time.Second, datatypes.TierStale},
		{600*time.Second - time.Nanosecond, datatypes.TierStale},
		{600 * time.Second, datatypes.TierSoftExpired},
		{900*time.Second - time.Nanosecond, datatypes.TierSoftExpired},
		{900 * time.Second, datatypes.TierHardExpired},
		{24 * time.Hour, datatypes.TierHardExpired},
	}
	for _, tt := range tests {
		t.Run(tt.age.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, th.Classify(tt.age))
		})
	}
}

func TestClassify_DegradeAtExpiry(t *testing.T) {
	th := DefaultThresholds()
	th.DegradeAtExpiry = true

	assert.Equal(t, datatypes.TierSoftExpired, th.Classify(900*time.Second))
	assert.Equal(t, datatypes.TierHardExpired, th.Classify(900*time.Second+time.Nanosecond))
}

func TestClassify_Monotonic(t *testing.T) {
	for _, degrade := range []bool{false, true} {
		th := DefaultThresholds()
		th.DegradeAtExpiry = degrade
		prev := datatypes.TierFresh
		for age := time.Duration(0); age <= 1000*time.Second; age += 250 * time.Millisecond {
			tier := th.Classify(age)
			require.GreaterOrEqual(t, tier, prev, "age %s", age)
			prev = tier
		}
	}
}

func TestThresholds_Validate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())
	assert.Error(t, Thresholds{Fresh: 10, Stale: 10, Expired: 20}.Validate())
	assert.Error(t, Thresholds{Fresh: 0, Stale: 10, Expired: 20}.Validate())
}

// =============================================================================
// Read Behavior
// =============================================================================

func TestGet_FreshDoesNotFetch(t *testing.T) {
	// Arrange
	clock := newManualClock()
	src := &fakeSource{value: 99}
	c := newTestCache(src, clock)
	c.Put("soil_moisture", reading(40))
	clock.Advance(299 * time.Second)

	// Act
	entry, err := c.Get(context.Background(), "soil_moisture")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, datatypes.TierFresh, entry.Tier)
	assert.Equal(t, 40.0, entry.Reading.Value)
	assert.False(t, entry.Degraded)
	assert.Equal(t, int32(0), src.calls.Load())
	assert.Empty(t, c.RefreshRequests())
}

// TestGet_StaleScenario: thresholds 300/600/900, entry fetched 450s ago.
func TestGet_StaleScenario(t *testing.T) {
	clock := newManualClock()
	src := &fakeSource{value: 99}
	c := newTestCache(src, clock)
	c.Put("soil_moisture", reading(40))
	clock.Advance(450 * time.Second)

	start := time.Now()
	entry, err := c.Get(context.Background(), "soil_moisture")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, datatypes.TierStale, entry.Tier)
	assert.Equal(t, 40.0, entry.Reading.Value)
	assert.Less(t, elapsed, 50*time.Millisecond)
	assert.Equal(t, int32(0), src.calls.Load())

	// A second stale read does not enqueue a duplicate.
	_, err = c.Get(context.Background(), "soil_moisture")
	require.NoError(t, err)

	require.Len(t, c.RefreshRequests(), 1)
	assert.Equal(t, "soil_moisture", <-c.RefreshRequests())
}

func TestGet_SoftExpiredRefreshSucceeds(t *testing.T) {
	clock := newManualClock()
	src := &fakeSource{value: 55}
	c := newTestCache(src, clock)
	c.Put("soil_moisture", reading(40))
	clock.Advance(700 * time.Second)

	entry, err := c.Get(context.Background(), "soil_moisture")

	require.NoError(t, err)
	assert.Equal(t, datatypes.TierFresh, entry.Tier)
	assert.Equal(t, 55.0, entry.Reading.Value)
	assert.Equal(t, clock.Now(), entry.FetchedAt)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestGet_SoftExpiredRefreshFailsServesDegraded(t *testing.T) {
	clock := newManualClock()
	src := &fakeSource{err: errUpstream}
	c := newTestCache(src, clock)
	c.Put("soil_moisture", reading(40))
	clock.Advance(700 * time.Second)

	entry, err := c.Get(context.Background(), "soil_moisture")

	require.NoError(t, err)
	assert.True(t, entry.Degraded)
	assert.Equal(t, datatypes.TierSoftExpired, entry.Tier)
	assert.Equal(t, 40.0, entry.Reading.Value)
}

func TestGet_HardExpiredRefreshFailsNoFreshData(t *testing.T) {
	clock := newManualClock()
	src := &fakeSource{err: errUpstream}
	c := newTestCache(src, clock)
	c.Put("soil_moisture", reading(40))
	clock.Advance(900 * time.Second)

	_, err := c.Get(context.Background(), "soil_moisture")

	assert.ErrorIs(t, err, ErrNoFreshData)
	assert.ErrorIs(t, err, errUpstream)
}

func TestGet_ExpiryBoundaryConfigurable(t *testing.T) {
	clock := newManualClock()
	src := &fakeSource{err: errUpstream}
	th := DefaultThresholds()
	th.DegradeAtExpiry = true
	c := newTestCache(src, clock, WithThresholds(th))
	c.Put("soil_moisture", reading(40))
	clock.Advance(900 * time.Second)

	entry, err := c.Get(context.Background(), "soil_moisture")

	require.NoError(t, err)
	assert.True(t, entry.Degraded)
}

func TestGet_MissingEntry(t *testing.T) {
	clock := newManualClock()
	src := &fakeSource{value: 12}
	c := newTestCache(src, clock)

	entry, err := c.Get(context.Background(), "soil_moisture")
	require.NoError(t, err)
	assert.Equal(t, 12.0, entry.Reading.Value)
	assert.Equal(t, []string{"soil_moisture"}, c.Keys())

	src.set(0, errUpstream)
	_, err = c.Get(context.Background(), "temperature")
	assert.ErrorIs(t, err, ErrNoFreshData)
}

func TestGet_BlockingReadBoundedBySyncBudget(t *testing.T) {
	clock := newManualClock()
	src := &fakeSource{block: true}
	c := newTestCache(src, clock, WithSyncBudget(50*time.Millisecond))
	c.Put("soil_moisture", reading(40))
	clock.Advance(700 * time.Second)

	start := time.Now()
	entry, err := c.Get(context.Background(), "soil_moisture")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, entry.Degraded)
	assert.Less(t, elapsed, 500*time.Millisecond)

	clock.Advance(300 * time.Second)
	start = time.Now()
	_, err = c.Get(context.Background(), "soil_moisture")
	assert.ErrorIs(t, err, ErrNoFreshData)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

// TestGet_SoftExpiredSingleFlight verifies concurrent SOFT_EXPIRED reads
// cause one outbound fetch when backed by the real fetcher.
func TestGet_SoftExpiredSingleFlight(t *testing.T) {
	client := cloud.NewMemoryClient()
	client.SetReading("soil_moisture", 47)
	client.SetLatency(60 * time.Millisecond)
	policy := fetcher.RetryPolicy{MaxRetries: 2, Timeout: 200 * time.Millisecond}
	f := fetcher.New(client, policy, 0)

	clock := newManualClock()
	c := newTestCache(f, clock, WithSyncBudget(policy.Budget()))
	c.Put("soil_moisture", reading(40))
	clock.Advance(700 * time.Second)

	const readers = 16
	var wg sync.WaitGroup
	entries := make([]datatypes.CacheEntry, readers)
	errs := make([]error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i], errs[i] = c.Get(context.Background(), "soil_moisture")
		}(i)
	}
	wg.Wait()

	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 47.0, entries[i].Reading.Value)
	}
	assert.Equal(t, 1, client.FetchCalls("soil_moisture"))
}

// orderedSource lets the first caller fetch only after a second caller has
// arrived, and holds the second caller until the first caller's value is
// in the cache. The second caller therefore classified the old record but
// reaches the fetcher after the first flight has finished.
type orderedSource struct {
	inner  Source
	cache  *Cache
	calls  atomic.Int32
	second chan struct{}
}

func (s *orderedSource) Fetch(ctx context.Context, sensorType string) (datatypes.SensorReading, error) {
	if s.calls.Add(1) == 1 {
		select {
		case <-s.second:
		case <-ctx.Done():
			return datatypes.SensorReading{}, ctx.Err()
		}
		return s.inner.Fetch(ctx, sensorType)
	}
	close(s.second)
	for {
		if e, ok := s.cache.Peek(sensorType); ok && e.Tier == datatypes.TierFresh {
			break
		}
		select {
		case <-ctx.Done():
			return datatypes.SensorReading{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return s.inner.Fetch(ctx, sensorType)
}

func TestGet_SoftExpiredLateReaderServesNewerValue(t *testing.T) {
	client := cloud.NewMemoryClient()
	client.SetReading("soil_moisture", 47)
	policy := fetcher.RetryPolicy{MaxRetries: 0, Timeout: 200 * time.Millisecond}
	f := fetcher.New(client, policy, 30*time.Second)

	src := &orderedSource{inner: f, second: make(chan struct{})}
	clock := newManualClock()
	c := newTestCache(src, clock, WithSyncBudget(time.Second))
	src.cache = c
	c.Put("soil_moisture", reading(40))
	clock.Advance(700 * time.Second)

	var wg sync.WaitGroup
	entries := make([]datatypes.CacheEntry, 2)
	errs := make([]error, 2)
	for i := range entries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i], errs[i] = c.Get(context.Background(), "soil_moisture")
		}(i)
	}
	wg.Wait()

	for i := range entries {
		require.NoError(t, errs[i])
		assert.Equal(t, 47.0, entries[i].Reading.Value, "reader %d", i)
		assert.Equal(t, datatypes.TierFresh, entries[i].Tier, "reader %d", i)
		assert.False(t, entries[i].Degraded, "reader %d", i)
	}
	assert.Equal(t, int32(2), src.calls.Load())
	assert.Equal(t, 1, client.FetchCalls("soil_moisture"), "the late reader was throttled")
}

// =============================================================================
// Writes, Queue, Store
// =============================================================================

func TestPut_LastWriteWins(t *testing.T) {
	clock := newManualClock()
	var observed []float64
	c := newTestCache(&fakeSource{}, clock, WithOnPut(func(rec datatypes.StoredReading) {
		observed = append(observed, rec.Reading.Value)
	}))

	c.Put("soil_moisture", reading(40))
	clock.Advance(450 * time.Second)
	c.Put("soil_moisture", reading(41))

	entry, ok := c.Peek("soil_moisture")
	require.True(t, ok)
	assert.Equal(t, 41.0, entry.Reading.Value)
	assert.Equal(t, datatypes.TierFresh, entry.Tier)
	assert.Equal(t, []float64{40, 41}, observed)
}

func TestRefresh_FailureReleasesQueueSlot(t *testing.T) {
	clock := newManualClock()
	src := &fakeSource{err: errUpstream}
	c := newTestCache(src, clock)
	c.Put("soil_moisture", reading(40))
	clock.Advance(400 * time.Second)

	_, _ = c.Get(context.Background(), "soil_moisture")
	key := <-c.RefreshRequests()
	assert.Error(t, c.Refresh(context.Background(), key))

	_, _ = c.Get(context.Background(), "soil_moisture")
	assert.Len(t, c.RefreshRequests(), 1)
}

func TestEnqueue_DropsWhenFull(t *testing.T) {
	clock := newManualClock()
	c := newTestCache(&fakeSource{}, clock, WithQueueDepth(1))
	c.Put("a", reading(1))
	c.Put("b", reading(2))
	clock.Advance(400 * time.Second)

	_, _ = c.Get(context.Background(), "a")
	_, _ = c.Get(context.Background(), "b")

	require.Len(t, c.RefreshRequests(), 1)
	assert.Equal(t, "a", <-c.RefreshRequests())

	// The dropped key is not stuck as pending.
	_, _ = c.Get(context.Background(), "b")
	assert.Equal(t, "b", <-c.RefreshRequests())
}

func TestStore_WriteThroughAndHydrate(t *testing.T) {
	clock := newManualClock()
	store := newFakeStore()
	src := &fakeSource{value: 99}

	first := newTestCache(src, clock, WithStore(store))
	first.Put("soil_moisture", reading(40))
	clock.Advance(100 * time.Second)

	// A new cache over the same store starts cold and hydrates.
	second := newTestCache(src, clock, WithStore(store))
	entry, err := second.Get(context.Background(), "soil_moisture")

	require.NoError(t, err)
	assert.Equal(t, 40.0, entry.Reading.Value)
	assert.Equal(t, datatypes.TierFresh, entry.Tier)
	assert.Equal(t, 100*time.Second, entry.Age(clock.Now()))
	assert.Equal(t, int32(0), src.calls.Load())
}

func TestPeek_NoSideEffects(t *testing.T) {
	clock := newManualClock()
	src := &fakeSource{value: 1}
	c := newTestCache(src, clock)

	_, ok := c.Peek("soil_moisture")
	assert.False(t, ok)

	c.Put("soil_moisture", reading(40))
	clock.Advance(400 * time.Second)
	entry, ok := c.Peek("soil_moisture")
	require.True(t, ok)
	assert.Equal(t, datatypes.TierStale, entry.Tier)
	assert.Empty(t, c.RefreshRequests())
	assert.Equal(t, int32(0), src.calls.Load())
}
