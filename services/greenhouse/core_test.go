// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package greenhouse

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/actuator"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/cache"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/cloud"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/config"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/datatypes"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/history"
)

// =============================================================================
// Test Setup
// =============================================================================

type captureSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *captureSink) Write(_ context.Context, ev history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) count(kind history.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.RateLimit.MinInterval = 0
	cfg.RateLimit.Timeout = time.Second
	cfg.RateLimit.Backoff = time.Millisecond
	cfg.Actuator.MinInterval = 0
	cfg.Actuator.CommandTimeout = time.Second
	cfg.Actuator.ConfirmTimeout = 200 * time.Millisecond
	cfg.Actuator.ConfirmPoll = 5 * time.Millisecond
	cfg.Refresher.Enabled = false
	cfg.Server.GinMode = "test"
	cfg.Server.ShutdownTimeout = 5 * time.Second
	return cfg
}

type testCore struct {
	*Core
	cloud *cloud.MemoryClient
	sink  *captureSink
}

func newTestCore(t *testing.T, cfg config.Config) *testCore {
	t.Helper()
	client := NewSimulator(cfg)
	sink := &captureSink{}
	core, err := NewCore(context.Background(), cfg,
		WithCloudClient(client),
		WithHistorySinks(sink),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = core.Close(context.Background())
	})
	return &testCore{Core: core, cloud: client, sink: sink}
}

func recommendation(id string, priority datatypes.Priority, confidence float64) datatypes.Recommendation {
	return datatypes.Recommendation{
		ID:             id,
		Source:         "ai_service",
		Action:         "irrigate",
		TargetActuator: "pump-1",
		Confidence:     confidence,
		Priority:       priority,
	}
}

// =============================================================================
// Construction
// =============================================================================

func TestNewCore_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Freshness.Stale = cfg.Freshness.Fresh

	_, err := NewCore(context.Background(), cfg, WithCloudClient(cloud.NewMemoryClient()))
	assert.Error(t, err)
}

func TestNewCore_DefaultsToSimulator(t *testing.T) {
	core, err := NewCore(context.Background(), testConfig())
	require.NoError(t, err)
	defer core.Close(context.Background())

	entry, err := core.GetSensorValue(context.Background(), "soil_moisture")
	require.NoError(t, err)
	assert.Equal(t, 42.0, entry.Reading.Value)
}

func TestNewSimulator_SeedsConfiguredFeeds(t *testing.T) {
	cfg := testConfig()
	cfg.Sensors["leaf_wetness"] = config.SensorConfig{FeedID: "leaf-wetness"}

	sim := NewSimulator(cfg)
	v, err := sim.FetchReading(context.Background(), "temperature")
	require.NoError(t, err)
	assert.Equal(t, 22.5, v.Value)

	_, err = sim.FetchReading(context.Background(), "leaf-wetness")
	assert.NoError(t, err)
}

// =============================================================================
// Sensors
// =============================================================================

func TestGetSensorValue_FetchesThenServesFresh(t *testing.T) {
	tc := newTestCore(t, testConfig())
	ctx := context.Background()

	entry, err := tc.GetSensorValue(ctx, "soil_moisture")
	require.NoError(t, err)
	assert.Equal(t, datatypes.TierFresh, entry.Tier)
	assert.Equal(t, "%", entry.Reading.Unit)
	assert.Equal(t, 1, tc.cloud.FetchCalls("soil-moisture"))

	_, err = tc.GetSensorValue(ctx, "soil_moisture")
	require.NoError(t, err)
	assert.Equal(t, 1, tc.cloud.FetchCalls("soil-moisture"), "fresh value is served from cache")

	require.Eventually(t, func() bool { return tc.sink.count(history.KindReading) == 1 },
		time.Second, 5*time.Millisecond)
}

func TestGetSensorValue_NoFreshData(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.MaxRetries = 0
	tc := newTestCore(t, cfg)
	tc.cloud.FailNext("humidity", cloud.ErrTransient)

	_, err := tc.GetSensorValue(context.Background(), "humidity")
	assert.ErrorIs(t, err, cache.ErrNoFreshData)
}

func TestGetSensorValue_InvalidType(t *testing.T) {
	tc := newTestCore(t, testConfig())

	_, err := tc.GetSensorValue(context.Background(), "../etc")
	assert.ErrorIs(t, err, ErrInvalidSensorType)
}

func TestPushSensorValue_BecomesFresh(t *testing.T) {
	tc := newTestCore(t, testConfig())

	entry, err := tc.PushSensorValue("temperature", datatypes.SensorReading{
		SensorType: "temperature",
		Value:      30,
		ObservedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, datatypes.TierFresh, entry.Tier)
	assert.Equal(t, "C", entry.Reading.Unit, "unit filled from sensor config")

	got, err := tc.GetSensorValue(context.Background(), "temperature")
	require.NoError(t, err)
	assert.Equal(t, 30.0, got.Reading.Value)
	assert.Equal(t, 0, tc.cloud.FetchCalls("temperature"))
}

func TestRefreshNow_WarmsConfiguredSensors(t *testing.T) {
	cfg := testConfig()
	cfg.Refresher.Sensors = []string{"humidity", "temperature"}
	tc := newTestCore(t, cfg)

	result := tc.RefreshNow(context.Background())
	assert.Equal(t, 2, result.Refreshed)
	assert.Equal(t, 1, tc.cloud.FetchCalls("humidity"))
}

// =============================================================================
// Recommendations
// =============================================================================

func TestSubmitRecommendation_HighPriorityApplied(t *testing.T) {
	tc := newTestCore(t, testConfig())
	ctx := context.Background()

	d, err := tc.SubmitRecommendation(ctx, recommendation("rec-1", datatypes.PriorityHigh, 0.9))
	require.NoError(t, err)
	assert.Equal(t, datatypes.OutcomeApplied, d.Outcome)
	require.NotNil(t, d.Command)
	assert.Equal(t, datatypes.ResultOK, d.Command.Result)
	assert.Equal(t, 1, tc.cloud.CommandCalls("pump-1"))

	state, err := tc.GetActuatorState(ctx, "pump-1")
	require.NoError(t, err)
	assert.Equal(t, "ON", state.State)
	assert.Equal(t, actuator.SourceConfirmed, state.Source)

	stored, found, err := tc.kv.LoadDeviceState(ctx, "pump-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ON", stored.State)

	got, ok := tc.Decision("rec-1")
	require.True(t, ok)
	assert.Equal(t, datatypes.OutcomeApplied, got.Outcome)

	require.Eventually(t, func() bool {
		return tc.sink.count(history.KindDecision) == 1 && tc.sink.count(history.KindCommand) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSubmitRecommendation_LowConfidenceNeverApplied(t *testing.T) {
	tc := newTestCore(t, testConfig())

	d, err := tc.SubmitRecommendation(context.Background(), recommendation("rec-2", datatypes.PriorityHigh, 0.4))
	require.NoError(t, err)
	assert.Equal(t, datatypes.OutcomeRejected, d.Outcome)
	assert.Equal(t, datatypes.ReasonLowConfidence, d.Reason)
	assert.Equal(t, 0, tc.cloud.CommandCalls("pump-1"))
}

func TestSubmitRecommendation_QueueConfirmDiscard(t *testing.T) {
	tc := newTestCore(t, testConfig())
	ctx := context.Background()

	d, err := tc.SubmitRecommendation(ctx, recommendation("rec-3", datatypes.PriorityMedium, 0.8))
	require.NoError(t, err)
	assert.Equal(t, datatypes.OutcomeQueued, d.Outcome)
	_, err = tc.SubmitRecommendation(ctx, recommendation("rec-4", datatypes.PriorityLow, 0.8))
	require.NoError(t, err)
	assert.Len(t, tc.QueuedRecommendations(), 2)

	d, err = tc.ConfirmRecommendation(ctx, "rec-3")
	require.NoError(t, err)
	assert.Equal(t, datatypes.OutcomeApplied, d.Outcome)
	assert.Equal(t, datatypes.ReasonConfirmed, d.Reason)

	d, err = tc.DiscardRecommendation("rec-4")
	require.NoError(t, err)
	assert.Equal(t, datatypes.OutcomeRejected, d.Outcome)

	assert.Empty(t, tc.QueuedRecommendations())
	assert.Equal(t, 1, tc.cloud.CommandCalls("pump-1"))
}

func TestSubmitRecommendation_CommandFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Actuator.MaxRetries = 0
	tc := newTestCore(t, cfg)
	tc.cloud.IgnoreCommands(true)

	d, err := tc.SubmitRecommendation(context.Background(), recommendation("rec-5", datatypes.PriorityHigh, 0.9))
	require.Error(t, err)
	assert.True(t, errors.Is(err, actuator.ErrActuatorCommandFailed))
	assert.Equal(t, datatypes.OutcomeApplied, d.Outcome)
	assert.Equal(t, datatypes.ReasonCommandFailed, d.Reason)
}

func TestSubmitRecommendation_ExpiredWhileDeviceBusyIsNotApplied(t *testing.T) {
	tc := newTestCore(t, testConfig())
	release := make(chan struct{})
	tc.cloud.SetHook(func(_ context.Context, op, _ string) error {
		if op == "command" {
			<-release
		}
		return nil
	})

	firstDone := make(chan datatypes.Decision, 1)
	go func() {
		d, _ := tc.SubmitRecommendation(context.Background(), recommendation("rec-a", datatypes.PriorityHigh, 0.9))
		firstDone <- d
	}()
	require.Eventually(t, func() bool { return tc.cloud.CommandCalls("pump-1") == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d, err := tc.SubmitRecommendation(ctx, recommendation("rec-b", datatypes.PriorityHigh, 0.9))
	require.ErrorIs(t, err, actuator.ErrCommandNotIssued)
	assert.Equal(t, datatypes.OutcomeRejected, d.Outcome)
	assert.Equal(t, datatypes.ReasonNotIssued, d.Reason)
	assert.Nil(t, d.Command)

	close(release)
	first := <-firstDone
	assert.Equal(t, datatypes.OutcomeApplied, first.Outcome)
	assert.Equal(t, datatypes.ReasonPriorityMet, first.Reason)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, tc.cloud.CommandCalls("pump-1"))
	stored, ok := tc.Decision("rec-b")
	require.True(t, ok)
	assert.Equal(t, datatypes.ReasonNotIssued, stored.Reason)
}

func TestUpdatePolicy(t *testing.T) {
	tc := newTestCore(t, testConfig())

	pc := tc.Config().Policy
	pc.MinConfidence = 0.95
	require.NoError(t, tc.UpdatePolicy(pc))
	assert.Equal(t, 0.95, tc.Policy().MinConfidence)

	pc.MinPriorityForImmediate = "urgent"
	assert.Error(t, tc.UpdatePolicy(pc))
	assert.Equal(t, 0.95, tc.Policy().MinConfidence)
}

// =============================================================================
// Rate limits and lifecycle
// =============================================================================

func TestRateLimit_SensorAndDevice(t *testing.T) {
	tc := newTestCore(t, testConfig())
	ctx := context.Background()

	_, ok := tc.RateLimit("soil_moisture")
	assert.False(t, ok)

	_, err := tc.GetSensorValue(ctx, "soil_moisture")
	require.NoError(t, err)
	st, ok := tc.RateLimit("soil_moisture")
	require.True(t, ok)
	assert.Equal(t, 0, st.ConsecutiveRetries)

	_, err = tc.SubmitRecommendation(ctx, recommendation("rec-6", datatypes.PriorityHigh, 0.9))
	require.NoError(t, err)
	_, ok = tc.RateLimit("pump-1")
	assert.True(t, ok)
}

func TestClose_StopsAcceptingCommands(t *testing.T) {
	cfg := testConfig()
	client := NewSimulator(cfg)
	core, err := NewCore(context.Background(), cfg, WithCloudClient(client))
	require.NoError(t, err)
	require.NoError(t, core.Start(context.Background()))

	require.NoError(t, core.Close(context.Background()))

	_, err = core.gateway.Execute(context.Background(), "pump-1", datatypes.CommandOn, "late")
	assert.ErrorIs(t, err, actuator.ErrGatewayClosed)
}
