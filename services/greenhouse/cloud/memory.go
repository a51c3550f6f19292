// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cloud

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FetchHook runs at the start of every MemoryClient call. A non-nil error
// is returned to the caller instead of performing the call.
type FetchHook func(ctx context.Context, op, key string) error

// CommandRecord is one command observed by a MemoryClient.
type CommandRecord struct {
	DeviceID string
	Command  string
	At       time.Time
}

// MemoryClient is an in-process Client with scripted behavior.
//
// # Description
//
// Feeds and device states live in maps. Tests script failures with
// FailNext, add latency with SetLatency, or take full control with
// SetHook. Commands update device state after SetStateDelay reads, which
// lets tests exercise the read-back verification loop.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryClient struct {
	mu         sync.Mutex
	feeds      map[string]FeedValue
	states     map[string]string
	pending    map[string]pendingState
	failures   map[string][]error
	latency    time.Duration
	stateDelay int
	ignoreCmds bool
	hook       FetchHook
	now        func() time.Time

	fetchCalls   map[string]int
	commandCalls map[string]int
	commands     []CommandRecord
}

type pendingState struct {
	state     string
	readsLeft int
}

// NewMemoryClient creates an empty client.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		feeds:        make(map[string]FeedValue),
		states:       make(map[string]string),
		pending:      make(map[string]pendingState),
		failures:     make(map[string][]error),
		fetchCalls:   make(map[string]int),
		commandCalls: make(map[string]int),
		now:          time.Now,
	}
}

// SetReading sets the latest value of feedID.
func (m *MemoryClient) SetReading(feedID string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeds[feedID] = FeedValue{FeedID: feedID, Value: value, ObservedAt: m.now()}
}

// SetState sets the reported state of deviceID.
func (m *MemoryClient) SetState(deviceID, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[deviceID] = state
	delete(m.pending, deviceID)
}

// FailNext queues errors returned by the next calls touching key (a feed
// or device id), one per call.
func (m *MemoryClient) FailNext(key string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[key] = append(m.failures[key], errs...)
}

// SetLatency delays every call by d, honoring context cancellation.
func (m *MemoryClient) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// SetStateDelay makes a commanded state visible only after n ReadState
// calls for the device.
func (m *MemoryClient) SetStateDelay(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateDelay = n
}

// IgnoreCommands makes commands succeed without changing device state.
func (m *MemoryClient) IgnoreCommands(ignore bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ignoreCmds = ignore
}

// SetHook installs a hook run before every call.
func (m *MemoryClient) SetHook(hook FetchHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// FetchCalls returns how many FetchReading calls reached feedID.
func (m *MemoryClient) FetchCalls(feedID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls[feedID]
}

// CommandCalls returns how many SendCommand calls reached deviceID.
func (m *MemoryClient) CommandCalls(deviceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commandCalls[deviceID]
}

// Commands returns the successfully applied commands in order.
func (m *MemoryClient) Commands() []CommandRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CommandRecord, len(m.commands))
	copy(out, m.commands)
	return out
}

// FetchReading implements Client.
func (m *MemoryClient) FetchReading(ctx context.Context, feedID string) (FeedValue, error) {
	m.mu.Lock()
	m.fetchCalls[feedID]++
	m.mu.Unlock()

	if err := m.enter(ctx, "fetch", feedID); err != nil {
		return FeedValue{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.feeds[feedID]
	if !ok {
		return FeedValue{}, fmt.Errorf("feed %s: %w", feedID, ErrNotFound)
	}
	return v, nil
}

// SendCommand implements Client.
func (m *MemoryClient) SendCommand(ctx context.Context, deviceID, command string) error {
	m.mu.Lock()
	m.commandCalls[deviceID]++
	m.mu.Unlock()

	if err := m.enter(ctx, "command", deviceID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, CommandRecord{DeviceID: deviceID, Command: command, At: m.now()})
	if m.ignoreCmds {
		return nil
	}
	state := strings.ToUpper(command)
	if m.stateDelay > 0 {
		m.pending[deviceID] = pendingState{state: state, readsLeft: m.stateDelay}
		return nil
	}
	m.states[deviceID] = state
	return nil
}

// ReadState implements Client.
func (m *MemoryClient) ReadState(ctx context.Context, deviceID string) (string, error) {
	if err := m.enter(ctx, "state", deviceID); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[deviceID]; ok {
		p.readsLeft--
		if p.readsLeft <= 0 {
			m.states[deviceID] = p.state
			delete(m.pending, deviceID)
		} else {
			m.pending[deviceID] = p
		}
	}
	state, ok := m.states[deviceID]
	if !ok {
		return "", fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	return state, nil
}

// Close implements Client.
func (m *MemoryClient) Close() error { return nil }

// enter applies hook, latency and scripted failures for one call.
func (m *MemoryClient) enter(ctx context.Context, op, key string) error {
	m.mu.Lock()
	hook := m.hook
	latency := m.latency
	var scripted error
	if queue := m.failures[key]; len(queue) > 0 {
		scripted = queue[0]
		m.failures[key] = queue[1:]
	}
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, op, key); err != nil {
			return err
		}
	}
	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if scripted != nil {
		return scripted
	}
	return ctx.Err()
}
