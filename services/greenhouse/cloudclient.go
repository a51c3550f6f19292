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
	"fmt"
	"log/slog"
	"sort"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/cloud"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/config"
)

// simulatedValues seeds the in-memory cloud for well-known sensor types.
var simulatedValues = map[string]float64{
	"soil_moisture": 42,
	"temperature":   22.5,
	"humidity":      60,
	"light":         850,
	"co2":           410,
}

// newCloudClient selects the client for cfg.Cloud.Mode.
//
// # Description
//
//   - memory: a MemoryClient seeded by NewSimulator.
//   - http: REST reads and commands.
//   - mqtt: commands over MQTT, reads over REST with the same credentials.
func newCloudClient(ctx context.Context, cfg config.Config, logger *slog.Logger) (cloud.Client, error) {
	switch cfg.Cloud.Mode {
	case config.CloudModeMemory:
		logger.Info("using simulated cloud", slog.Int("sensors", len(cfg.Sensors)))
		return NewSimulator(cfg), nil

	case config.CloudModeHTTP:
		return newHTTPClient(cfg.Cloud, logger)

	case config.CloudModeMQTT:
		reader, err := newHTTPClient(cfg.Cloud, logger)
		if err != nil {
			return nil, err
		}
		client, err := cloud.NewMQTTClient(ctx, cloud.MQTTConfig{
			Broker:         cfg.Cloud.MQTTBroker,
			ClientID:       cfg.Cloud.ClientID,
			Username:       cfg.Cloud.Username,
			Password:       cfg.Cloud.Key,
			ConnectTimeout: cfg.Cloud.Timeout,
			Logger:         logger,
		}, reader)
		if err != nil {
			_ = reader.Close()
			return nil, err
		}
		return client, nil

	default:
		return nil, fmt.Errorf("unknown cloud mode %q", cfg.Cloud.Mode)
	}
}

func newHTTPClient(cfg config.CloudConfig, logger *slog.Logger) (*cloud.HTTPClient, error) {
	return cloud.NewHTTPClient(cloud.HTTPConfig{
		BaseURL:  cfg.BaseURL,
		Username: cfg.Username,
		Key:      []byte(cfg.Key),
		Timeout:  cfg.Timeout,
		Logger:   logger,
	})
}

// NewSimulator returns a MemoryClient with a reading for every configured
// sensor feed. Devices start unknown and take whatever state they are
// commanded to.
func NewSimulator(cfg config.Config) *cloud.MemoryClient {
	m := cloud.NewMemoryClient()

	types := make([]string, 0, len(cfg.Sensors))
	for sensorType := range cfg.Sensors {
		types = append(types, sensorType)
	}
	sort.Strings(types)

	for i, sensorType := range types {
		value, ok := simulatedValues[sensorType]
		if !ok {
			value = float64(10 * (i + 1))
		}
		m.SetReading(cfg.Sensors[sensorType].FeedID, value)
	}
	return m
}
