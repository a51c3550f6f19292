// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package actuator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/cloud"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/datatypes"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/storage/badger"
)

func testConfig() Config {
	return Config{
		CommandTimeout: time.Second,
		ConfirmTimeout: 200 * time.Millisecond,
		ConfirmPoll:    5 * time.Millisecond,
		MaxRetries:     2,
		Backoff:        time.Millisecond,
		QueueDepth:     8,
	}
}

func irrigate(id, device string) datatypes.Recommendation {
	return datatypes.Recommendation{
		ID:             id,
		Source:         "ai_service",
		Action:         "irrigate",
		TargetActuator: device,
		Confidence:     0.9,
		Priority:       datatypes.PriorityHigh,
	}
}

type captureRecorder struct {
	mu   sync.Mutex
	cmds []datatypes.ActuatorCommand
}

func (r *captureRecorder) RecordCommand(cmd datatypes.ActuatorCommand) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
}

func (r *captureRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cmds)
}

func newKV(t *testing.T) *badger.KV {
	t.Helper()
	db, err := badger.OpenInMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return badger.NewKV(db, 0)
}

// =============================================================================
// Apply
// =============================================================================

func TestApply_ConfirmsState(t *testing.T) {
	client := cloud.NewMemoryClient()
	client.SetState("pump-1", "OFF")
	kv := newKV(t)
	rec := &captureRecorder{}
	g := New(client, testConfig(), WithStateStore(kv), WithRecorder(rec))
	defer g.Close()

	cmd, err := g.Apply(context.Background(), irrigate("r1", "pump-1"))
	require.NoError(t, err)

	assert.Equal(t, datatypes.ResultOK, cmd.Result)
	assert.Equal(t, "ON", cmd.ConfirmedState)
	assert.Equal(t, "r1", cmd.RecommendationID)
	assert.Equal(t, 1, cmd.Attempts)
	assert.NotEmpty(t, cmd.ID)
	assert.Equal(t, 1, client.CommandCalls("pump-1"))
	assert.Equal(t, 1, rec.Len())

	state, err := g.GetState(context.Background(), "pump-1")
	require.NoError(t, err)
	assert.Equal(t, "ON", state.State)
	assert.Equal(t, SourceConfirmed, state.Source)

	stored, found, err := kv.LoadDeviceState(context.Background(), "pump-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ON", stored.State)
}

func TestApply_WaitsForDelayedState(t *testing.T) {
	client := cloud.NewMemoryClient()
	client.SetState("pump-1", "OFF")
	client.SetStateDelay(3)
	g := New(client, testConfig())
	defer g.Close()

	cmd, err := g.Apply(context.Background(), irrigate("r1", "pump-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, cmd.Attempts)
	assert.Equal(t, "ON", cmd.ConfirmedState)
}

func TestApply_UnconfirmedExhaustsRetries(t *testing.T) {
	client := cloud.NewMemoryClient()
	client.SetState("pump-1", "OFF")
	client.IgnoreCommands(true)
	cfg := testConfig()
	cfg.ConfirmTimeout = 30 * time.Millisecond
	g := New(client, cfg)
	defer g.Close()

	cmd, err := g.Apply(context.Background(), irrigate("r1", "pump-1"))
	require.ErrorIs(t, err, ErrActuatorCommandFailed)
	assert.ErrorIs(t, err, ErrNotConfirmed)

	assert.Equal(t, datatypes.ResultFailed, cmd.Result)
	assert.Equal(t, 3, cmd.Attempts)
	assert.Equal(t, 3, client.CommandCalls("pump-1"))
	assert.NotEmpty(t, cmd.Error)
}

func TestApply_TransientSendRetried(t *testing.T) {
	client := cloud.NewMemoryClient()
	client.SetState("pump-1", "OFF")
	client.FailNext("pump-1", cloud.ErrTransient)
	g := New(client, testConfig())
	defer g.Close()

	cmd, err := g.Apply(context.Background(), irrigate("r1", "pump-1"))
	require.NoError(t, err)
	assert.Equal(t, 2, cmd.Attempts)
	assert.Equal(t, datatypes.ResultOK, cmd.Result)
}

func TestApply_PermanentSendErrorStopsEarly(t *testing.T) {
	client := cloud.NewMemoryClient()
	client.SetState("pump-1", "OFF")
	client.FailNext("pump-1", cloud.ErrUnauthorized)
	g := New(client, testConfig())
	defer g.Close()

	cmd, err := g.Apply(context.Background(), irrigate("r1", "pump-1"))
	require.ErrorIs(t, err, ErrActuatorCommandFailed)
	assert.ErrorIs(t, err, cloud.ErrUnauthorized)
	assert.Equal(t, 1, cmd.Attempts)
}

func TestApply_UnsupportedAction(t *testing.T) {
	client := cloud.NewMemoryClient()
	g := New(client, testConfig())
	defer g.Close()

	rec := irrigate("r1", "pump-1")
	rec.Action = "dance"
	cmd, err := g.Apply(context.Background(), rec)
	require.ErrorIs(t, err, ErrActuatorCommandFailed)
	assert.Equal(t, datatypes.ResultFailed, cmd.Result)
	assert.Zero(t, client.CommandCalls("pump-1"))
}

func TestApply_FailureDoesNotAffectOtherDevices(t *testing.T) {
	client := cloud.NewMemoryClient()
	client.SetState("pump-1", "OFF")
	client.SetState("pump-2", "OFF")
	client.SetHook(func(_ context.Context, op, key string) error {
		if op == "command" && key == "pump-1" {
			return cloud.ErrTransient
		}
		return nil
	})
	g := New(client, testConfig())
	defer g.Close()

	var wg sync.WaitGroup
	var err1, err2 error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err1 = g.Apply(context.Background(), irrigate("r1", "pump-1"))
	}()
	go func() {
		defer wg.Done()
		_, err2 = g.Apply(context.Background(), irrigate("r2", "pump-2"))
	}()
	wg.Wait()

	assert.ErrorIs(t, err1, ErrActuatorCommandFailed)
	assert.NoError(t, err2)
}

func TestExecute_CancelledBeforeStartIsNotSent(t *testing.T) {
	client := cloud.NewMemoryClient()
	client.SetState("pump-1", "OFF")
	g := New(client, testConfig())
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cmd, err := g.Execute(ctx, "pump-1", datatypes.CommandOn, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrCommandNotIssued)
	assert.Zero(t, cmd.Attempts)

	// Give the worker a chance to pick the job up if it was enqueued.
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, client.CommandCalls("pump-1"))
}

// =============================================================================
// Ordering
// =============================================================================

// blockingHook holds every SendCommand until released and tracks how many
// run at once.
func blockingHook(release <-chan struct{}, active, peak *atomic.Int32) cloud.FetchHook {
	return func(_ context.Context, op, _ string) error {
		if op != "command" {
			return nil
		}
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		active.Add(-1)
		return nil
	}
}

func queued(g *Gateway, deviceID string) int {
	g.workersMu.Lock()
	defer g.workersMu.Unlock()
	w, ok := g.workers[deviceID]
	if !ok {
		return 0
	}
	return len(w.jobs)
}

func TestExecute_SameDeviceSerializedInSubmissionOrder(t *testing.T) {
	client := cloud.NewMemoryClient()
	client.SetState("pump-1", "OFF")
	release := make(chan struct{})
	var active, peak atomic.Int32
	client.SetHook(blockingHook(release, &active, &peak))

	g := New(client, testConfig())
	defer g.Close()

	commands := []string{datatypes.CommandOn, datatypes.CommandOff, datatypes.CommandOn}
	results := make([]datatypes.ActuatorCommand, len(commands))
	var wg sync.WaitGroup

	submit := func(i int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd, err := g.Execute(context.Background(), "pump-1", commands[i], "")
			assert.NoError(t, err)
			results[i] = cmd
		}()
	}

	submit(0)
	require.Eventually(t, func() bool { return client.CommandCalls("pump-1") == 1 }, time.Second, time.Millisecond)
	submit(1)
	require.Eventually(t, func() bool { return queued(g, "pump-1") == 1 }, time.Second, time.Millisecond)
	submit(2)
	require.Eventually(t, func() bool { return queued(g, "pump-1") == 2 }, time.Second, time.Millisecond)

	close(release)
	wg.Wait()

	var sent []string
	for _, rec := range client.Commands() {
		sent = append(sent, rec.Command)
	}
	assert.Equal(t, commands, sent)
	assert.Equal(t, int32(1), peak.Load(), "commands for one device never overlap")
	for i, cmd := range results {
		assert.Equal(t, datatypes.ResultOK, cmd.Result, "command %d", i)
		assert.Equal(t, commands[i], cmd.ConfirmedState)
	}
}

func TestExecute_CallerGivesUpWhileQueued(t *testing.T) {
	client := cloud.NewMemoryClient()
	client.SetState("pump-1", "OFF")
	release := make(chan struct{})
	var active, peak atomic.Int32
	client.SetHook(blockingHook(release, &active, &peak))
	rec := &captureRecorder{}

	g := New(client, testConfig(), WithRecorder(rec))
	defer g.Close()

	firstDone := make(chan error, 1)
	go func() {
		_, err := g.Execute(context.Background(), "pump-1", datatypes.CommandOn, "r1")
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return client.CommandCalls("pump-1") == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	second, err := g.Execute(ctx, "pump-1", datatypes.CommandOn, "r2")
	require.ErrorIs(t, err, ErrCommandNotIssued)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, second.Attempts)
	assert.Equal(t, datatypes.ResultTimedOut, second.Result)

	close(release)
	require.NoError(t, <-firstDone)

	// The withdrawn command must not be picked up once the device is free.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, client.CommandCalls("pump-1"))
	assert.Equal(t, 2, rec.Len())
}

func TestExecute_StartedCommandReportsRealResult(t *testing.T) {
	client := cloud.NewMemoryClient()
	client.SetState("pump-1", "OFF")
	release := make(chan struct{})
	var active, peak atomic.Int32
	client.SetHook(blockingHook(release, &active, &peak))

	g := New(client, testConfig())
	defer g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()

	cmd, err := g.Execute(ctx, "pump-1", datatypes.CommandOn, "r1")
	require.NoError(t, err)
	assert.Error(t, ctx.Err(), "caller deadline passed while the command ran")
	assert.Equal(t, datatypes.ResultOK, cmd.Result)
	assert.Equal(t, 1, cmd.Attempts)
	assert.Equal(t, datatypes.CommandOn, cmd.ConfirmedState)
}

// =============================================================================
// Close
// =============================================================================

func TestClose_FinishesInFlightAndTimesOutQueued(t *testing.T) {
	client := cloud.NewMemoryClient()
	client.SetState("pump-1", "OFF")
	release := make(chan struct{})
	var active, peak atomic.Int32
	client.SetHook(blockingHook(release, &active, &peak))

	g := New(client, testConfig())

	var first, second datatypes.ActuatorCommand
	var firstErr, secondErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, firstErr = g.Execute(context.Background(), "pump-1", datatypes.CommandOn, "")
	}()
	require.Eventually(t, func() bool { return client.CommandCalls("pump-1") == 1 }, time.Second, time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		second, secondErr = g.Execute(context.Background(), "pump-1", datatypes.CommandOff, "")
	}()
	require.Eventually(t, func() bool { return queued(g, "pump-1") == 1 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = g.Close()
		close(closed)
	}()
	require.Eventually(t, func() bool {
		select {
		case <-g.stopping:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	close(release)
	wg.Wait()
	<-closed

	require.NoError(t, firstErr)
	assert.Equal(t, datatypes.ResultOK, first.Result)

	assert.ErrorIs(t, secondErr, ErrGatewayClosed)
	assert.ErrorIs(t, secondErr, ErrCommandNotIssued)
	assert.Equal(t, datatypes.ResultTimedOut, second.Result)
	assert.Equal(t, 1, client.CommandCalls("pump-1"))

	_, err := g.Execute(context.Background(), "pump-1", datatypes.CommandOn, "")
	assert.ErrorIs(t, err, ErrGatewayClosed)
	assert.NoError(t, g.Close())
}

// =============================================================================
// State
// =============================================================================

func TestGetState_Fallbacks(t *testing.T) {
	client := cloud.NewMemoryClient()
	client.SetState("pump-live", "on")
	kv := newKV(t)
	require.NoError(t, kv.SaveDeviceState(context.Background(), datatypes.DeviceState{
		DeviceID: "pump-stored",
		State:    "OFF",
		Source:   SourceConfirmed,
	}))
	g := New(client, testConfig(), WithStateStore(kv))
	defer g.Close()

	stored, err := g.GetState(context.Background(), "pump-stored")
	require.NoError(t, err)
	assert.Equal(t, "OFF", stored.State)
	assert.Equal(t, SourceStored, stored.Source)

	live, err := g.GetState(context.Background(), "pump-live")
	require.NoError(t, err)
	assert.Equal(t, "ON", live.State)
	assert.Equal(t, SourceLive, live.Source)

	unknown, err := g.GetState(context.Background(), "pump-absent")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StateUnknown, unknown.State)
}

func TestGetState_LiveReadsAreThrottled(t *testing.T) {
	client := cloud.NewMemoryClient()
	var reads atomic.Int32
	client.SetHook(func(_ context.Context, op, _ string) error {
		if op == "state" {
			reads.Add(1)
		}
		return nil
	})
	cfg := testConfig()
	cfg.ConfirmPoll = time.Hour
	g := New(client, cfg)
	defer g.Close()

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		state, err := g.GetState(ctx, "pump-absent")
		cancel()
		require.NoError(t, err)
		assert.Equal(t, datatypes.StateUnknown, state.State)
	}
	assert.Equal(t, int32(1), reads.Load())
}

func TestNew_Defaults(t *testing.T) {
	g := New(cloud.NewMemoryClient(), Config{MaxRetries: -1})
	defer g.Close()

	assert.Equal(t, 0, g.cfg.MaxRetries)
	assert.Equal(t, DefaultConfig().CommandTimeout, g.cfg.CommandTimeout)
	assert.Equal(t, DefaultConfig().QueueDepth, g.cfg.QueueDepth)
	assert.Equal(t, 1, g.retry.Attempts())
}
