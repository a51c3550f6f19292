// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history ships readings, commands and decisions to long-term
// stores.
//
// Recording never blocks the caller: events go into a bounded buffer and a
// single goroutine fans them out to every Sink. When the buffer is full
// the event is dropped and counted.
package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/datatypes"
)

// Kind identifies the payload of an Event.
type Kind string

const (
	KindReading  Kind = "reading"
	KindCommand  Kind = "command"
	KindDecision Kind = "decision"
)

// Event is one historical record. Exactly one payload is set, matching
// Kind.
type Event struct {
	Kind     Kind
	At       time.Time
	Reading  *datatypes.StoredReading
	Command  *datatypes.ActuatorCommand
	Decision *datatypes.Decision
}

// Sink persists events.
type Sink interface {
	Write(ctx context.Context, ev Event) error
	Close() error
}

// DefaultWriteTimeout bounds one Sink.Write.
const DefaultWriteTimeout = 5 * time.Second

var (
	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greenhouse_history_dropped_total",
		Help: "History events dropped because the buffer was full or the recorder closed",
	}, []string{"kind"})

	sinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "greenhouse_history_sink_errors_total",
		Help: "History sink write failures by kind",
	}, []string{"kind"})
)

// Recorder buffers events for asynchronous delivery.
//
// # Thread Safety
//
// Record methods are safe for concurrent use and never block.
type Recorder struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	events chan Event
	done   chan struct{}
}

// NewRecorder starts a recorder delivering to sinks. With no sinks every
// event is accepted and discarded.
func NewRecorder(buffer int, logger *slog.Logger, sinks ...Sink) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		sinks:   sinks,
		logger:  logger.With(slog.String("component", "history")),
		timeout: DefaultWriteTimeout,
		events:  make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// RecordReading implements the cache put observer.
func (r *Recorder) RecordReading(rec datatypes.StoredReading) {
	r.record(Event{Kind: KindReading, At: rec.FetchedAt, Reading: &rec})
}

// RecordCommand implements actuator.CommandRecorder.
func (r *Recorder) RecordCommand(cmd datatypes.ActuatorCommand) {
	at := cmd.CompletedAt
	if at.IsZero() {
		at = time.Now()
	}
	r.record(Event{Kind: KindCommand, At: at, Command: &cmd})
}

// RecordDecision implements gate.DecisionRecorder.
func (r *Recorder) RecordDecision(d datatypes.Decision) {
	r.record(Event{Kind: KindDecision, At: d.DecidedAt, Decision: &d})
}

// Close stops accepting events, delivers what is buffered until ctx ends
// and closes the sinks.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()

	var errs []error
	select {
	case <-r.done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Recorder) record(ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		eventsDropped.WithLabelValues(string(ev.Kind)).Inc()
		return
	}
	select {
	case r.events <- ev:
	default:
		eventsDropped.WithLabelValues(string(ev.Kind)).Inc()
		r.logger.Debug("history buffer full, event dropped", slog.String("kind", string(ev.Kind)))
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for ev := range r.events {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			err := s.Write(ctx, ev)
			cancel()
			if err != nil {
				sinkErrors.WithLabelValues(string(ev.Kind)).Inc()
				r.logger.Warn("history write failed",
					slog.String("kind", string(ev.Kind)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
