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
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written to InfluxDB.
const (
	MeasurementReading  = "sensor_reading"
	MeasurementCommand  = "actuator_command"
	MeasurementDecision = "gate_decision"
)

// InfluxConfig holds InfluxDB v2 connection settings.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxSink writes events as points through the blocking write API.
type InfluxSink struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
}

// NewInfluxSink connects to InfluxDB. No request is made until the first
// write.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client: client,
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

// newInfluxSinkWithWriter is used by tests to inject a writer.
func newInfluxSinkWithWriter(w api.WriteAPIBlocking) *InfluxSink {
	return &InfluxSink{writer: w}
}

// Write implements Sink.
func (s *InfluxSink) Write(ctx context.Context, ev Event) error {
	p, err := pointFor(ev)
	if err != nil {
		return err
	}
	if err := s.writer.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influx write %s: %w", ev.Kind, err)
	}
	return nil
}

// Close implements Sink.
func (s *InfluxSink) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

func pointFor(ev Event) (*write.Point, error) {
	switch {
	case ev.Kind == KindReading && ev.Reading != nil:
		r := ev.Reading.Reading
		return influxdb2.NewPoint(
			MeasurementReading,
			map[string]string{
				"sensor_type": r.SensorType,
				"unit":        r.Unit,
			},
			map[string]interface{}{
				"value": r.Value,
			},
			ev.At,
		), nil

	case ev.Kind == KindCommand && ev.Command != nil:
		c := ev.Command
		return influxdb2.NewPoint(
			MeasurementCommand,
			map[string]string{
				"device_id": c.DeviceID,
				"command":   c.Command,
				"result":    string(c.Result),
			},
			map[string]interface{}{
				"attempts":          c.Attempts,
				"duration_ms":       c.CompletedAt.Sub(c.IssuedAt).Milliseconds(),
				"recommendation_id": c.RecommendationID,
			},
			ev.At,
		), nil

	case ev.Kind == KindDecision && ev.Decision != nil:
		d := ev.Decision
		return influxdb2.NewPoint(
			MeasurementDecision,
			map[string]string{
				"outcome": string(d.Outcome),
				"reason":  string(d.Reason),
			},
			map[string]interface{}{
				"recommendation_id": d.RecommendationID,
			},
			ev.At,
		), nil
	}
	return nil, fmt.Errorf("event %q has no matching payload", ev.Kind)
}
