// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "greenhouse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 300*time.Second, cfg.Freshness.Fresh)
	assert.Equal(t, 600*time.Second, cfg.Freshness.Stale)
	assert.Equal(t, 900*time.Second, cfg.Freshness.Expired)
	assert.False(t, cfg.Freshness.DegradeAtExpiry)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.MinInterval)
	assert.Equal(t, 5*time.Second, cfg.RateLimit.Timeout)
	assert.Equal(t, 2, cfg.RateLimit.MaxRetries)
	assert.Equal(t, 3600*time.Second, cfg.Storage.DefaultTTL)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
freshness:
  fresh: 10s
  stale: 20s
  expired: 30s
  degrade_at_expiry: true
policy:
  enabled: true
  allowed_sources: [ai_service, all]
  min_confidence: 0.8
  min_priority_for_immediate: medium
sensors:
  soil_moisture:
    feed_id: gh.soil
    unit: "%"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Freshness.Fresh)
	assert.True(t, cfg.Freshness.DegradeAtExpiry)
	assert.Equal(t, []string{"ai_service", "all"}, cfg.Policy.AllowedSources)
	assert.Equal(t, 0.8, cfg.Policy.MinConfidence)
	assert.Equal(t, "gh.soil", cfg.FeedFor("soil_moisture").FeedID)
	// Untouched sections keep defaults.
	assert.Equal(t, 5*time.Second, cfg.RateLimit.Timeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "rate_limit:\n  max_retries: 1\n")
	t.Setenv("GREENHOUSE_FETCH_MAX_RETRIES", "4")
	t.Setenv("GREENHOUSE_POLICY_ALLOWED_SOURCES", "ai_service, planner ,")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.RateLimit.MaxRetries)
	assert.Equal(t, []string{"ai_service", "planner"}, cfg.Policy.AllowedSources)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown key", body: "freshness:\n  freshh: 10s\n"},
		{name: "thresholds not ascending", body: "freshness:\n  fresh: 30s\n  stale: 20s\n  expired: 40s\n"},
		{name: "equal thresholds", body: "freshness:\n  fresh: 20s\n  stale: 20s\n  expired: 40s\n"},
		{name: "confidence out of range", body: "policy:\n  min_confidence: 1.5\n  min_priority_for_immediate: high\n"},
		{name: "bad priority", body: "policy:\n  min_priority_for_immediate: urgent\n"},
		{name: "http without key", body: "cloud:\n  mode: http\n  username: grower\n"},
		{name: "mqtt without broker", body: "cloud:\n  mode: mqtt\n  username: grower\n  key: k\n"},
		{name: "bad sensor key", body: "sensors:\n  Soil Moisture:\n    feed_id: x\n"},
		{name: "refresher sensor unknown", body: "refresher:\n  interval: 1m\n  concurrency: 1\n  sensors: [co2]\n"},
		{name: "persistent storage without path", body: "storage:\n  in_memory: false\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("GREENHOUSE_FRESH", "five minutes")
	_, err := Load("")
	assert.ErrorContains(t, err, "GREENHOUSE_FRESH")
}

func TestParse_Empty(t *testing.T) {
	cfg := Default()
	require.NoError(t, Parse(nil, &cfg))
	assert.Equal(t, Default().Freshness, cfg.Freshness)
}

func TestFeedFor_Fallback(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "co2", cfg.FeedFor("co2").FeedID)
}

func TestWatcher_ReloadsValidChanges(t *testing.T) {
	path := writeConfig(t, "policy:\n  min_confidence: 0.7\n  min_priority_for_immediate: high\n")

	reloaded := make(chan Config, 4)
	w, err := NewWatcher(path, func(c Config) { reloaded <- c }, nil)
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// Invalid change is ignored.
	require.NoError(t, os.WriteFile(path, []byte("policy:\n  min_confidence: 7\n"), 0600))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, reloaded)

	require.NoError(t, os.WriteFile(path, []byte("policy:\n  min_confidence: 0.9\n  min_priority_for_immediate: medium\n"), 0600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 0.9, cfg.Policy.MinConfidence)
		assert.Equal(t, "medium", cfg.Policy.MinPriorityForImmediate)
	case <-time.After(2 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestNewWatcher_Errors(t *testing.T) {
	_, err := NewWatcher("", func(Config) {}, nil)
	assert.Error(t, err)
	_, err = NewWatcher("x.yaml", nil, nil)
	assert.Error(t, err)
}
