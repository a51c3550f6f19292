// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gate decides what happens to an actuation recommendation.
//
// Checks run in order and stop at the first failure:
//
//  1. automation disabled          → rejected (disabled)
//  2. source not in allow-list     → rejected (untrusted_source)
//  3. malformed recommendation     → rejected (invalid_recommendation)
//  4. confidence < min_confidence  → rejected (low_confidence)
//  5. priority ≥ min for immediate → applied through the actuator gateway
//     otherwise                    → queued (awaiting_confirmation)
//
// Every submission yields exactly one Decision. Queued recommendations are
// held until an operator confirms or discards them.
//
// An applied Decision always has a command behind it. When the command
// never reached the device, a submission is rejected (not_issued) and a
// confirmation puts the recommendation back in the queue.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/datatypes"
)

// ErrNotQueued is returned when confirming or discarding an id that is not
// awaiting confirmation.
var ErrNotQueued = errors.New("recommendation is not queued")

// DefaultDecisionCapacity bounds the recent-decision index.
const DefaultDecisionCapacity = 1024

// Applier executes an accepted recommendation. *actuator.Gateway
// satisfies it.
type Applier interface {
	Apply(ctx context.Context, rec datatypes.Recommendation) (datatypes.ActuatorCommand, error)
}

// DecisionRecorder receives every decision. It must not block.
type DecisionRecorder interface {
	RecordDecision(d datatypes.Decision)
}

// QueuedRecommendation is a recommendation awaiting confirmation.
type QueuedRecommendation struct {
	Recommendation datatypes.Recommendation `json:"recommendation"`
	QueuedAt       time.Time                `json:"queued_at"`
}

// Option configures a Gate.
type Option func(*Gate)

// WithRecorder sets the decision recorder.
func WithRecorder(r DecisionRecorder) Option {
	return func(g *Gate) {
		g.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock sets the clock.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// WithDecisionCapacity sets how many recent decisions are retrievable by
// recommendation id.
func WithDecisionCapacity(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.capacity = n
		}
	}
}

// Gate is the recommendation gate.
//
// # Thread Safety
//
// Safe for concurrent use. The policy is swapped atomically; a submission
// sees one consistent policy from start to finish.
type Gate struct {
	applier  Applier
	recorder DecisionRecorder
	logger   *slog.Logger
	now      func() time.Time
	capacity int

	policy    atomic.Pointer[Policy]
	decisions *lru.Cache[string, datatypes.Decision]

	mu     sync.Mutex
	queued map[string]QueuedRecommendation
}

// New creates a gate.
//
// # Inputs
//
//   - applier: Executes accepted recommendations.
//   - policy: Initial policy. Must be valid.
//   - opts: Functional options.
//
// # Outputs
//
//   - *Gate: Ready to accept submissions.
//   - error: Non-nil if policy is invalid.
func New(applier Applier, policy Policy, opts ...Option) (*Gate, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	g := &Gate{
		applier:  applier,
		logger:   slog.Default(),
		now:      time.Now,
		capacity: DefaultDecisionCapacity,
		queued:   make(map[string]QueuedRecommendation),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(slog.String("component", "gate"))

	decisions, err := lru.New[string, datatypes.Decision](g.capacity)
	if err != nil {
		return nil, fmt.Errorf("create decision index: %w", err)
	}
	g.decisions = decisions
	g.policy.Store(&policy)
	return g, nil
}

// Policy returns the active policy.
func (g *Gate) Policy() Policy {
	return *g.policy.Load()
}

// UpdatePolicy replaces the active policy. Submissions already in progress
// finish under the old one. Invalid policies are refused.
func (g *Gate) UpdatePolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	g.policy.Store(&p)
	g.logger.Info("policy updated",
		slog.Bool("enabled", p.Enabled),
		slog.Any("allowed_sources", p.AllowedSources),
		slog.Float64("min_confidence", p.MinConfidence),
		slog.String("min_priority_for_immediate", string(p.MinPriorityForImmediate)),
	)
	return nil
}

// Submit evaluates rec and returns its Decision.
//
// # Description
//
// Rejections and queueing are outcomes, not errors. The error is non-nil
// only when an accepted recommendation's command did not succeed. If the
// command was sent, the Decision is applied with Reason command_failed and
// carries the failed command. If it was never sent, the Decision is
// rejected with Reason not_issued.
//
// # Examples
//
//	d, err := g.Submit(ctx, rec)
//	switch {
//	case err != nil:
//	    // command failed, d.Command.Result == "failed"
//	case d.Outcome == datatypes.OutcomeQueued:
//	    // awaiting confirmation
//	}
func (g *Gate) Submit(ctx context.Context, rec datatypes.Recommendation) (datatypes.Decision, error) {
	ctx, span := tracer.Start(ctx, "RecommendationGate.Submit")
	defer span.End()

	rec.EnsureDefaults(g.now())
	span.SetAttributes(
		attribute.String("recommendation.id", rec.ID),
		attribute.String("recommendation.source", rec.Source),
		attribute.String("recommendation.priority", string(rec.Priority)),
	)

	policy := g.Policy()
	outcome, reason, detail := evaluate(policy, rec)

	var (
		d   datatypes.Decision
		err error
	)
	switch outcome {
	case datatypes.OutcomeRejected:
		d = g.decide(rec.ID, outcome, reason, detail, nil)
	case datatypes.OutcomeQueued:
		g.mu.Lock()
		g.queued[rec.ID] = QueuedRecommendation{Recommendation: rec, QueuedAt: g.now()}
		queuedGauge.Set(float64(len(g.queued)))
		g.mu.Unlock()
		d = g.decide(rec.ID, outcome, reason, detail, nil)
	default:
		var issued bool
		d, issued, err = g.apply(ctx, rec, datatypes.ReasonPriorityMet)
		if !issued {
			d = g.decide(rec.ID, datatypes.OutcomeRejected, datatypes.ReasonNotIssued, err.Error(), nil)
		}
	}

	span.SetAttributes(
		attribute.String("decision.outcome", string(d.Outcome)),
		attribute.String("decision.reason", string(d.Reason)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "command failed")
	}
	return d, err
}

// Queued lists recommendations awaiting confirmation, oldest first.
func (g *Gate) Queued() []QueuedRecommendation {
	g.mu.Lock()
	out := make([]QueuedRecommendation, 0, len(g.queued))
	for _, q := range g.queued {
		out = append(out, q)
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].Recommendation.ID < out[j].Recommendation.ID
		}
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out
}

// Confirm applies a queued recommendation.
//
// # Description
//
// The recommendation leaves the queue before the command is sent, so two
// concurrent confirmations issue one command; the loser gets ErrNotQueued.
// The policy is not re-evaluated: confirmation is the operator's override
// of the priority check. If the command is never sent, the recommendation
// returns to the queue with its original QueuedAt and the Decision is
// queued with Reason not_issued.
func (g *Gate) Confirm(ctx context.Context, id string) (datatypes.Decision, error) {
	ctx, span := tracer.Start(ctx, "RecommendationGate.Confirm")
	defer span.End()
	span.SetAttributes(attribute.String("recommendation.id", id))

	q, ok := g.take(id)
	if !ok {
		return datatypes.Decision{}, fmt.Errorf("confirm %s: %w", id, ErrNotQueued)
	}
	d, issued, err := g.apply(ctx, q.Recommendation, datatypes.ReasonConfirmed)
	if !issued {
		g.requeue(q)
		d = g.decide(id, datatypes.OutcomeQueued, datatypes.ReasonNotIssued, err.Error(), nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "command failed")
	}
	return d, err
}

// Discard drops a queued recommendation and records it as rejected.
func (g *Gate) Discard(id string) (datatypes.Decision, error) {
	if _, ok := g.take(id); !ok {
		return datatypes.Decision{}, fmt.Errorf("discard %s: %w", id, ErrNotQueued)
	}
	return g.decide(id, datatypes.OutcomeRejected, datatypes.ReasonDiscarded, "discarded by operator", nil), nil
}

// Decision returns the most recent decision for a recommendation id.
func (g *Gate) Decision(id string) (datatypes.Decision, bool) {
	return g.decisions.Get(id)
}

// =============================================================================
// Internal Methods
// =============================================================================

// evaluate runs the ordered checks. It has no side effects.
func evaluate(p Policy, rec datatypes.Recommendation) (datatypes.Outcome, datatypes.Reason, string) {
	if !p.Enabled {
		return datatypes.OutcomeRejected, datatypes.ReasonDisabled, "automated application is disabled"
	}
	if !p.Trusts(rec.Source) {
		return datatypes.OutcomeRejected, datatypes.ReasonUntrustedSource,
			fmt.Sprintf("source %q is not allowed", rec.Source)
	}
	if err := rec.Validate(); err != nil {
		return datatypes.OutcomeRejected, datatypes.ReasonInvalid, err.Error()
	}
	if rec.Confidence < p.MinConfidence {
		return datatypes.OutcomeRejected, datatypes.ReasonLowConfidence,
			fmt.Sprintf("confidence %.2f below %.2f", rec.Confidence, p.MinConfidence)
	}
	if rec.Priority.AtLeast(p.MinPriorityForImmediate) {
		return datatypes.OutcomeApplied, datatypes.ReasonPriorityMet, ""
	}
	return datatypes.OutcomeQueued, datatypes.ReasonAwaitingConfirmation,
		fmt.Sprintf("priority %s below %s", rec.Priority, p.MinPriorityForImmediate)
}

// apply sends the command for rec and records the applied Decision.
// issued is false when no attempt reached the device; nothing is recorded
// then and the caller decides.
func (g *Gate) apply(ctx context.Context, rec datatypes.Recommendation, reason datatypes.Reason) (d datatypes.Decision, issued bool, err error) {
	cmd, err := g.applier.Apply(ctx, rec)
	if err != nil && cmd.Attempts == 0 {
		g.logger.Warn("recommendation command not issued",
			slog.String("recommendation_id", rec.ID),
			slog.String("device_id", rec.TargetActuator),
			slog.String("error", err.Error()),
		)
		return datatypes.Decision{}, false, err
	}
	if err != nil {
		g.logger.Error("recommendation command failed",
			slog.String("recommendation_id", rec.ID),
			slog.String("device_id", rec.TargetActuator),
			slog.String("error", err.Error()),
		)
		return g.decide(rec.ID, datatypes.OutcomeApplied, datatypes.ReasonCommandFailed, err.Error(), &cmd), true, err
	}
	return g.decide(rec.ID, datatypes.OutcomeApplied, reason, "", &cmd), true, nil
}

func (g *Gate) requeue(q QueuedRecommendation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queued[q.Recommendation.ID] = q
	queuedGauge.Set(float64(len(g.queued)))
}

func (g *Gate) take(id string) (QueuedRecommendation, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	q, ok := g.queued[id]
	if ok {
		delete(g.queued, id)
		queuedGauge.Set(float64(len(g.queued)))
	}
	return q, ok
}

func (g *Gate) decide(id string, outcome datatypes.Outcome, reason datatypes.Reason, detail string, cmd *datatypes.ActuatorCommand) datatypes.Decision {
	d := datatypes.Decision{
		RecommendationID: id,
		Outcome:          outcome,
		Reason:           reason,
		Detail:           detail,
		DecidedAt:        g.now(),
		Command:          cmd,
	}
	g.decisions.Add(id, d)
	decisionsTotal.WithLabelValues(string(outcome), string(reason)).Inc()
	if g.recorder != nil {
		g.recorder.RecordDecision(d)
	}

	g.logger.Info("recommendation decided",
		slog.String("recommendation_id", id),
		slog.String("outcome", string(outcome)),
		slog.String("reason", string(reason)),
	)
	return d
}
