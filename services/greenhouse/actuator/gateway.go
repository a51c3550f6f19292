// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package actuator sends pump commands and verifies that they took effect.
//
// Each device has one worker goroutine consuming a FIFO queue, so commands
// for the same device never interleave and run in submission order while
// different devices proceed in parallel. A command is one unit of send
// followed by state read-back until the commanded state is observed; the
// whole unit is retried up to the configured bound.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/cloud"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/datatypes"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/fetcher"
)

var (
	// ErrActuatorCommandFailed is returned when a command could not be
	// confirmed after all attempts. It affects only that command.
	ErrActuatorCommandFailed = errors.New("actuator command failed")

	// ErrGatewayClosed is returned for commands submitted after Close and
	// for queued commands abandoned by Close.
	ErrGatewayClosed = errors.New("actuator gateway closed")

	// ErrCommandNotIssued wraps the cause when a command never reached the
	// device: the gateway was closed, or the caller gave up while the
	// command was still queued. The device state is unchanged.
	ErrCommandNotIssued = errors.New("actuator command not issued")

	// ErrNotConfirmed is the attempt error when the device did not report
	// the commanded state within the confirm timeout.
	ErrNotConfirmed = errors.New("commanded state not observed")
)

// State sources reported in DeviceState.Source.
const (
	SourceConfirmed = "confirmed"
	SourceStored    = "stored"
	SourceLive      = "live"
)

// StateStore persists confirmed device states. *badger.KV satisfies it.
type StateStore interface {
	LoadDeviceState(ctx context.Context, deviceID string) (datatypes.DeviceState, bool, error)
	SaveDeviceState(ctx context.Context, state datatypes.DeviceState) error
}

// CommandRecorder receives every finished command. It must not block.
type CommandRecorder interface {
	RecordCommand(cmd datatypes.ActuatorCommand)
}

// Config holds gateway settings.
//
// # Fields
//
//   - MinInterval: Minimum spacing of commands to one device.
//   - CommandTimeout: Bound on a single send or state read.
//   - ConfirmTimeout: How long read-back may take per attempt.
//   - ConfirmPoll: Minimum spacing of state reads during read-back.
//   - MaxRetries: Extra attempts after the first.
//   - Backoff: Sleep before the first retry, doubling up to 4×.
//   - QueueDepth: Commands that may wait per device.
type Config struct {
	MinInterval    time.Duration
	CommandTimeout time.Duration
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration
	MaxRetries     int
	Backoff        time.Duration
	QueueDepth     int
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		MinInterval:    2 * time.Second,
		CommandTimeout: 5 * time.Second,
		ConfirmTimeout: 10 * time.Second,
		ConfirmPoll:    time.Second,
		MaxRetries:     2,
		Backoff:        500 * time.Millisecond,
		QueueDepth:     16,
	}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithStateStore enables state persistence.
func WithStateStore(s StateStore) Option {
	return func(g *Gateway) {
		g.store = s
	}
}

// WithRecorder sets the command recorder.
func WithRecorder(r CommandRecorder) Option {
	return func(g *Gateway) {
		g.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

type result struct {
	cmd datatypes.ActuatorCommand
	err error
}

// Job states. Exactly one of start and cancel wins, and only the winner
// writes to done.
const (
	jobPending int32 = iota
	jobStarted
	jobCancelled
)

type job struct {
	ctx   context.Context
	cmd   datatypes.ActuatorCommand
	done  chan result
	state atomic.Int32
}

func (j *job) start() bool {
	return j.state.CompareAndSwap(jobPending, jobStarted)
}

func (j *job) cancel() bool {
	return j.state.CompareAndSwap(jobPending, jobCancelled)
}

type worker struct {
	deviceID string
	jobs     chan *job
}

// Gateway is the actuator gateway.
//
// # Thread Safety
//
// Safe for concurrent use. No lock is held during a cloud call.
type Gateway struct {
	client   cloud.Client
	cfg      Config
	retry    fetcher.RetryPolicy
	commands *fetcher.Throttle
	reads    *fetcher.Throttle
	store    StateStore
	recorder CommandRecorder
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex // guards closed against concurrent enqueues
	closed   bool
	stopping chan struct{}

	stopOnce sync.Once
	wg       sync.WaitGroup

	workersMu sync.Mutex
	workers   map[string]*worker

	stateMu sync.RWMutex
	states  map[string]datatypes.DeviceState
}

// New creates a gateway. Zero fields in cfg take defaults.
//
// # Examples
//
//	gw := actuator.New(client, actuator.Config{MaxRetries: 2},
//	    actuator.WithStateStore(kv))
//	defer gw.Close()
//	cmd, err := gw.Apply(ctx, rec)
func New(client cloud.Client, cfg Config, opts ...Option) *Gateway {
	def := DefaultConfig()
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if cfg.ConfirmPoll <= 0 {
		cfg.ConfirmPoll = def.ConfirmPoll
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}

	g := &Gateway{
		client: client,
		cfg:    cfg,
		retry: fetcher.RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			Timeout:    cfg.CommandTimeout,
			Backoff:    cfg.Backoff,
			MaxBackoff: 4 * cfg.Backoff,
		},
		commands: fetcher.NewThrottle(cfg.MinInterval),
		reads:    fetcher.NewThrottle(cfg.ConfirmPoll),
		logger:   slog.Default(),
		now:      time.Now,
		workers:  make(map[string]*worker),
		stopping: make(chan struct{}),
		states:   make(map[string]datatypes.DeviceState),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(slog.String("component", "actuator"))
	return g
}

// Apply executes the command a recommendation asks for on its target
// actuator.
func (g *Gateway) Apply(ctx context.Context, rec datatypes.Recommendation) (datatypes.ActuatorCommand, error) {
	command, err := rec.Command()
	if err != nil {
		return datatypes.ActuatorCommand{
			RecommendationID: rec.ID,
			DeviceID:         rec.TargetActuator,
			Result:           datatypes.ResultFailed,
			Error:            err.Error(),
		}, fmt.Errorf("%w: %w", ErrActuatorCommandFailed, err)
	}
	return g.Execute(ctx, rec.TargetActuator, command, rec.ID)
}

// Execute queues command for deviceID and waits for its result.
//
// # Description
//
// The command waits behind earlier commands for the same device. If ctx
// ends while it is still waiting, it is withdrawn and never sent. Once it
// has started it runs to a real result regardless of ctx, and Execute
// waits for that result so the caller never reports a command that is
// still moving the pump as failed.
//
// # Outputs
//
//   - datatypes.ActuatorCommand: Final record. Result is ok or failed for
//     a command that was sent; timed_out with Attempts 0 for one that was
//     not.
//   - error: ErrActuatorCommandFailed when the command was sent and not
//     confirmed. ErrCommandNotIssued, wrapping ErrGatewayClosed or
//     ctx.Err(), when it was never sent.
//
// # Thread Safety
//
// Safe for concurrent use.
func (g *Gateway) Execute(ctx context.Context, deviceID, command, recommendationID string) (datatypes.ActuatorCommand, error) {
	cmd := datatypes.ActuatorCommand{
		ID:               uuid.NewString(),
		RecommendationID: recommendationID,
		DeviceID:         deviceID,
		Command:          strings.ToUpper(command),
		IssuedAt:         g.now(),
	}
	j := &job{ctx: ctx, cmd: cmd, done: make(chan result, 1)}

	if err := g.enqueue(ctx, j); err != nil {
		err = fmt.Errorf("%w: %w", ErrCommandNotIssued, err)
		cmd.Result = datatypes.ResultTimedOut
		cmd.CompletedAt = g.now()
		cmd.Error = err.Error()
		return cmd, err
	}

	select {
	case r := <-j.done:
		return r.cmd, r.err
	case <-ctx.Done():
	}
	if j.cancel() {
		r := g.abandon(j, ctx.Err())
		return r.cmd, r.err
	}
	r := <-j.done
	return r.cmd, r.err
}

// GetState returns the last known state of deviceID.
//
// # Description
//
// Looks in memory, then the state store, then asks the device. When none
// of them knows, the state is UNKNOWN; that is not an error.
func (g *Gateway) GetState(ctx context.Context, deviceID string) (datatypes.DeviceState, error) {
	g.stateMu.RLock()
	state, ok := g.states[deviceID]
	g.stateMu.RUnlock()
	if ok {
		return state, nil
	}

	if g.store != nil {
		stored, found, err := g.store.LoadDeviceState(ctx, deviceID)
		if err != nil {
			g.logger.Warn("load device state failed",
				slog.String("device_id", deviceID),
				slog.String("error", err.Error()),
			)
		} else if found {
			stored.Source = SourceStored
			g.remember(stored)
			return stored, nil
		}
	}

	if err := g.reads.Wait(ctx, deviceID); err != nil {
		if ctx.Err() != nil {
			return datatypes.DeviceState{}, ctx.Err()
		}
		return datatypes.DeviceState{DeviceID: deviceID, State: datatypes.StateUnknown, ObservedAt: g.now()}, nil
	}
	readCtx, cancel := context.WithTimeout(ctx, g.cfg.CommandTimeout)
	defer cancel()
	live, err := g.client.ReadState(readCtx, deviceID)
	if err != nil {
		if ctx.Err() != nil {
			return datatypes.DeviceState{}, ctx.Err()
		}
		g.logger.Debug("live state read failed",
			slog.String("device_id", deviceID),
			slog.String("error", err.Error()),
		)
		return datatypes.DeviceState{DeviceID: deviceID, State: datatypes.StateUnknown, ObservedAt: g.now()}, nil
	}
	state = datatypes.DeviceState{
		DeviceID:   deviceID,
		State:      strings.ToUpper(live),
		ObservedAt: g.now(),
		Source:     SourceLive,
	}
	g.remember(state)
	return state, nil
}

// RateLimits returns the command throttle state of every device.
func (g *Gateway) RateLimits() []datatypes.RateLimiterState {
	return g.commands.States()
}

// Close stops accepting commands, lets in-flight commands finish and
// marks queued but unstarted commands timed_out. Safe to call more than
// once.
func (g *Gateway) Close() error {
	g.stopOnce.Do(func() {
		close(g.stopping)
	})

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.wg.Wait()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	g.workersMu.Lock()
	workers := make([]*worker, 0, len(g.workers))
	for _, w := range g.workers {
		workers = append(workers, w)
	}
	g.workersMu.Unlock()

	g.wg.Wait()
	for _, w := range workers {
		g.drain(w)
	}
	g.logger.Info("actuator gateway closed")
	return nil
}

// =============================================================================
// Internal Methods
// =============================================================================

func (g *Gateway) enqueue(ctx context.Context, j *job) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return ErrGatewayClosed
	}

	w := g.workerFor(j.cmd.DeviceID)
	select {
	case w.jobs <- j:
		queueDepth.WithLabelValues(w.deviceID).Set(float64(len(w.jobs)))
		return nil
	case <-g.stopping:
		return ErrGatewayClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// workerFor returns the device worker, starting it on first use.
func (g *Gateway) workerFor(deviceID string) *worker {
	g.workersMu.Lock()
	defer g.workersMu.Unlock()
	if w, ok := g.workers[deviceID]; ok {
		return w
	}
	w := &worker{deviceID: deviceID, jobs: make(chan *job, g.cfg.QueueDepth)}
	g.workers[deviceID] = w
	g.wg.Add(1)
	go g.run(w)
	return w
}

func (g *Gateway) run(w *worker) {
	defer g.wg.Done()
	for {
		select {
		case <-g.stopping:
			return
		case j := <-w.jobs:
			queueDepth.WithLabelValues(w.deviceID).Set(float64(len(w.jobs)))
			select {
			case <-g.stopping:
				if j.cancel() {
					g.abandon(j, ErrGatewayClosed)
				}
				return
			default:
			}
			if err := j.ctx.Err(); err != nil {
				if j.cancel() {
					g.abandon(j, err)
				}
				continue
			}
			if !j.start() {
				continue
			}
			g.finish(j, g.execute(j.ctx, j.cmd))
		}
	}
}

// drain abandons every command still queued for w.
func (g *Gateway) drain(w *worker) {
	for {
		select {
		case j := <-w.jobs:
			if j.cancel() {
				g.abandon(j, ErrGatewayClosed)
			}
		default:
			queueDepth.WithLabelValues(w.deviceID).Set(0)
			return
		}
	}
}

// abandon finishes a job that was never sent. The caller must have won
// j.cancel.
func (g *Gateway) abandon(j *job, cause error) result {
	err := fmt.Errorf("%w: %w", ErrCommandNotIssued, cause)
	cmd := j.cmd
	cmd.Result = datatypes.ResultTimedOut
	cmd.CompletedAt = g.now()
	cmd.Error = err.Error()
	r := result{cmd: cmd, err: err}
	g.finish(j, r)
	return r
}

func (g *Gateway) finish(j *job, r result) {
	commandsTotal.WithLabelValues(string(r.cmd.Result)).Inc()
	if g.recorder != nil {
		g.recorder.RecordCommand(r.cmd)
	}
	j.done <- r
}

// execute runs the send+verify unit with retries.
func (g *Gateway) execute(ctx context.Context, cmd datatypes.ActuatorCommand) result {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "ActuatorGateway.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("device.id", cmd.DeviceID),
		attribute.String("command", cmd.Command),
	)

	start := time.Now()
	defer func() { commandDuration.Observe(time.Since(start).Seconds()) }()

	var lastErr error
	for attempt := 1; attempt <= g.retry.Attempts(); attempt++ {
		if attempt > 1 {
			time.Sleep(g.retry.BackoffFor(attempt - 1))
		}
		cmd.Attempts = attempt

		state, err := g.sendAndConfirm(ctx, cmd)
		if err == nil {
			commandAttempts.WithLabelValues("ok").Inc()
			cmd.Result = datatypes.ResultOK
			cmd.ConfirmedState = state
			cmd.CompletedAt = g.now()
			g.confirmed(ctx, cmd)
			g.logger.Info("actuator command confirmed",
				slog.String("device_id", cmd.DeviceID),
				slog.String("command", cmd.Command),
				slog.Int("attempt", attempt),
			)
			return result{cmd: cmd}
		}

		lastErr = err
		if errors.Is(err, ErrNotConfirmed) {
			commandAttempts.WithLabelValues("unconfirmed").Inc()
		} else {
			commandAttempts.WithLabelValues("send_failed").Inc()
		}
		if !errors.Is(err, ErrNotConfirmed) && !cloud.IsRetryable(err) {
			break
		}
		g.logger.Warn("actuator attempt failed",
			slog.String("device_id", cmd.DeviceID),
			slog.String("command", cmd.Command),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	cmd.Result = datatypes.ResultFailed
	cmd.CompletedAt = g.now()
	cmd.Error = lastErr.Error()
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "command failed")
	g.logger.Error("actuator command failed",
		slog.String("device_id", cmd.DeviceID),
		slog.String("command", cmd.Command),
		slog.Int("attempts", cmd.Attempts),
		slog.String("error", lastErr.Error()),
	)
	return result{
		cmd: cmd,
		err: fmt.Errorf("device %s command %s after %d attempts: %w: %w",
			cmd.DeviceID, cmd.Command, cmd.Attempts, ErrActuatorCommandFailed, lastErr),
	}
}

// sendAndConfirm sends the command, then reads state until it matches or
// the confirm timeout elapses.
func (g *Gateway) sendAndConfirm(ctx context.Context, cmd datatypes.ActuatorCommand) (string, error) {
	if err := g.commands.Wait(ctx, cmd.DeviceID); err != nil {
		return "", err
	}
	sendCtx, cancel := context.WithTimeout(ctx, g.cfg.CommandTimeout)
	err := g.client.SendCommand(sendCtx, cmd.DeviceID, cmd.Command)
	cancel()
	g.commands.RecordAttempt(cmd.DeviceID, err == nil)
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, g.cfg.ConfirmTimeout)
	defer cancel()

	last := datatypes.StateUnknown
	for {
		if err := g.reads.Wait(confirmCtx, cmd.DeviceID); err != nil {
			return "", fmt.Errorf("%w: last state %s", ErrNotConfirmed, last)
		}
		readCtx, cancelRead := context.WithTimeout(confirmCtx, g.cfg.CommandTimeout)
		state, err := g.client.ReadState(readCtx, cmd.DeviceID)
		cancelRead()
		if err == nil {
			last = strings.ToUpper(state)
			if last == cmd.Command {
				return last, nil
			}
		}
		if confirmCtx.Err() != nil {
			return "", fmt.Errorf("%w: last state %s", ErrNotConfirmed, last)
		}
	}
}

func (g *Gateway) confirmed(ctx context.Context, cmd datatypes.ActuatorCommand) {
	state := datatypes.DeviceState{
		DeviceID:   cmd.DeviceID,
		State:      cmd.ConfirmedState,
		ObservedAt: cmd.CompletedAt,
		Source:     SourceConfirmed,
	}
	g.remember(state)
	if g.store == nil {
		return
	}
	storeCtx, cancel := context.WithTimeout(ctx, g.cfg.CommandTimeout)
	defer cancel()
	if err := g.store.SaveDeviceState(storeCtx, state); err != nil {
		g.logger.Warn("persist device state failed",
			slog.String("device_id", cmd.DeviceID),
			slog.String("error", err.Error()),
		)
	}
}

func (g *Gateway) remember(state datatypes.DeviceState) {
	g.stateMu.Lock()
	g.states[state.DeviceID] = state
	g.stateMu.Unlock()
}
