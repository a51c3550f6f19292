// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON to one topic per kind:
// {prefix}.readings, {prefix}.commands and {prefix}.decisions.
type KafkaSink struct {
	writers map[Kind]messageWriter
}

// NewKafkaSink creates writers for brokers. Connections are opened lazily.
func NewKafkaSink(brokers []string, prefix string) *KafkaSink {
	return newKafkaSink(prefix, func(topic string) messageWriter {
		return &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		}
	})
}

func newKafkaSink(prefix string, newWriter func(topic string) messageWriter) *KafkaSink {
	return &KafkaSink{writers: map[Kind]messageWriter{
		KindReading:  newWriter(Topic(prefix, KindReading)),
		KindCommand:  newWriter(Topic(prefix, KindCommand)),
		KindDecision: newWriter(Topic(prefix, KindDecision)),
	}}
}

// Topic returns the topic name for kind.
func Topic(prefix string, kind Kind) string {
	return prefix + "." + string(kind) + "s"
}

// Write implements Sink. Messages are keyed by sensor type, device id or
// recommendation id so that one entity's events stay ordered.
func (s *KafkaSink) Write(ctx context.Context, ev Event) error {
	w, ok := s.writers[ev.Kind]
	if !ok {
		return fmt.Errorf("no topic for event kind %q", ev.Kind)
	}

	var (
		key     string
		payload any
	)
	switch {
	case ev.Reading != nil:
		key, payload = ev.Reading.Reading.SensorType, ev.Reading
	case ev.Command != nil:
		key, payload = ev.Command.DeviceID, ev.Command
	case ev.Decision != nil:
		key, payload = ev.Decision.RecommendationID, ev.Decision
	default:
		return fmt.Errorf("event %q has no payload", ev.Kind)
	}

	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Kind, err)
	}
	msg := kafka.Message{Key: []byte(key), Value: value, Time: ev.At}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", ev.Kind, err)
	}
	return nil
}

// Close implements Sink.
func (s *KafkaSink) Close() error {
	var errs []error
	for _, w := range s.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
