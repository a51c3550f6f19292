// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the typed, validated configuration of the greenhouse
// service.
//
// Configuration is resolved in three layers, later layers winning:
//
//	defaults → YAML file → GREENHOUSE_* environment variables
//
// and is validated once at the end. A Config that passed Validate is safe to
// hand to every component without further checks.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/datatypes"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "GREENHOUSE_"

// Cloud client modes.
const (
	CloudModeHTTP   = "http"
	CloudModeMQTT   = "mqtt"
	CloudModeMemory = "memory"
)

// Config is the complete service configuration.
type Config struct {
	// Server contains HTTP listener settings.
	Server ServerConfig `json:"server" yaml:"server"`

	// Logging contains logger settings.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Freshness contains cache tier thresholds.
	Freshness FreshnessConfig `json:"freshness" yaml:"freshness"`

	// RateLimit contains sensor fetch throttling and retry settings.
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`

	// Policy contains recommendation gate settings. Hot reloadable.
	Policy PolicyConfig `json:"policy" yaml:"policy"`

	// Actuator contains pump command settings.
	Actuator ActuatorConfig `json:"actuator" yaml:"actuator"`

	// Refresher contains background revalidation settings.
	Refresher RefresherConfig `json:"refresher" yaml:"refresher"`

	// Sensors maps sensor types to cloud feeds.
	Sensors map[string]SensorConfig `json:"sensors" yaml:"sensors" validate:"dive,keys,sensortype,endkeys"`

	// Cloud contains IoT cloud client settings.
	Cloud CloudConfig `json:"cloud" yaml:"cloud"`

	// Storage contains key-value persistence settings.
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// History contains time-series and event stream settings.
	History HistoryConfig `json:"history" yaml:"history"`

	// Telemetry contains tracing and metrics exporter settings.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	Port            int           `json:"port" yaml:"port" validate:"gte=1,lte=65535"`
	GinMode         string        `json:"gin_mode" yaml:"gin_mode" validate:"oneof=debug release test"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `json:"dir" yaml:"dir"`
	JSON  bool   `json:"json" yaml:"json"`
}

// FreshnessConfig contains the ascending tier thresholds.
type FreshnessConfig struct {
	Fresh   time.Duration `json:"fresh" yaml:"fresh" validate:"gt=0"`
	Stale   time.Duration `json:"stale" yaml:"stale" validate:"gt=0"`
	Expired time.Duration `json:"expired" yaml:"expired" validate:"gt=0"`

	// DegradeAtExpiry classifies an age of exactly Expired as SOFT_EXPIRED
	// instead of HARD_EXPIRED.
	DegradeAtExpiry bool `json:"degrade_at_expiry" yaml:"degrade_at_expiry"`
}

// RateLimitConfig contains sensor fetch throttling and retry settings.
type RateLimitConfig struct {
	MinInterval time.Duration `json:"min_interval" yaml:"min_interval" validate:"gte=0"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout" validate:"gt=0"`
	MaxRetries  int           `json:"max_retries" yaml:"max_retries" validate:"gte=0,lte=10"`
	Backoff     time.Duration `json:"backoff" yaml:"backoff" validate:"gte=0"`
}

// PolicyConfig contains recommendation gate settings.
type PolicyConfig struct {
	Enabled                 bool     `json:"enabled" yaml:"enabled"`
	AllowedSources          []string `json:"allowed_sources" yaml:"allowed_sources" validate:"dive,required"`
	MinConfidence           float64  `json:"min_confidence" yaml:"min_confidence" validate:"gte=0,lte=1"`
	MinPriorityForImmediate string   `json:"min_priority_for_immediate" yaml:"min_priority_for_immediate" validate:"oneof=low medium high"`
}

// ActuatorConfig contains pump command settings.
type ActuatorConfig struct {
	MinInterval    time.Duration `json:"min_interval" yaml:"min_interval" validate:"gte=0"`
	CommandTimeout time.Duration `json:"command_timeout" yaml:"command_timeout" validate:"gt=0"`
	ConfirmTimeout time.Duration `json:"confirm_timeout" yaml:"confirm_timeout" validate:"gt=0"`
	ConfirmPoll    time.Duration `json:"confirm_poll" yaml:"confirm_poll" validate:"gt=0"`
	MaxRetries     int           `json:"max_retries" yaml:"max_retries" validate:"gte=0,lte=10"`
	QueueDepth     int           `json:"queue_depth" yaml:"queue_depth" validate:"gte=1"`
}

// RefresherConfig contains background revalidation settings.
type RefresherConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Interval    time.Duration `json:"interval" yaml:"interval" validate:"gt=0"`
	Concurrency int           `json:"concurrency" yaml:"concurrency" validate:"gte=1"`

	// Sensors are warmed on the first cycle even if nothing has read them.
	Sensors []string `json:"sensors" yaml:"sensors" validate:"dive,sensortype"`
}

// SensorConfig maps one sensor type to its cloud feed.
type SensorConfig struct {
	FeedID string `json:"feed_id" yaml:"feed_id" validate:"required"`
	Unit   string `json:"unit" yaml:"unit"`
}

// CloudConfig contains IoT cloud client settings.
type CloudConfig struct {
	Mode       string        `json:"mode" yaml:"mode" validate:"oneof=http mqtt memory"`
	BaseURL    string        `json:"base_url" yaml:"base_url" validate:"omitempty,url"`
	Username   string        `json:"username" yaml:"username" validate:"required_unless=Mode memory"`
	Key        string        `json:"-" yaml:"key"`
	MQTTBroker string        `json:"mqtt_broker" yaml:"mqtt_broker" validate:"required_if=Mode mqtt"`
	ClientID   string        `json:"client_id" yaml:"client_id"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout" validate:"gt=0"`
}

// StorageConfig contains key-value persistence settings.
type StorageConfig struct {
	Path       string        `json:"path" yaml:"path" validate:"required_without=InMemory"`
	InMemory   bool          `json:"in_memory" yaml:"in_memory"`
	DefaultTTL time.Duration `json:"default_ttl" yaml:"default_ttl" validate:"gt=0"`
}

// HistoryConfig contains time-series and event stream settings.
// Empty Influx URL or Kafka brokers disable the respective sink.
type HistoryConfig struct {
	Buffer int          `json:"buffer" yaml:"buffer" validate:"gte=1"`
	Influx InfluxConfig `json:"influx" yaml:"influx"`
	Kafka  KafkaConfig  `json:"kafka" yaml:"kafka"`
}

// InfluxConfig contains InfluxDB v2 settings.
type InfluxConfig struct {
	URL    string `json:"url" yaml:"url" validate:"omitempty,url"`
	Token  string `json:"-" yaml:"token"`
	Org    string `json:"org" yaml:"org" validate:"required_with=URL"`
	Bucket string `json:"bucket" yaml:"bucket" validate:"required_with=URL"`
}

// KafkaConfig contains event stream settings.
type KafkaConfig struct {
	Brokers     []string `json:"brokers" yaml:"brokers" validate:"dive,hostname_port"`
	TopicPrefix string   `json:"topic_prefix" yaml:"topic_prefix" validate:"required_with=Brokers"`
}

// TelemetryConfig contains tracing and metrics exporter settings.
type TelemetryConfig struct {
	ServiceName    string `json:"service_name" yaml:"service_name" validate:"required"`
	TraceExporter  string `json:"trace_exporter" yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `json:"metric_exporter" yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
}

// Default returns the configuration used when nothing is overridden.
//
// # Description
//
// Thresholds are fresh=300s, stale=600s, expired=900s. Fetches are spaced
// 30s apart per sensor with a 5s attempt timeout and 2 retries. The gate
// accepts "ai_service" recommendations with confidence ≥ 0.7 and applies
// high priority ones immediately. The cloud client is the in-memory
// simulator so that a default config is runnable without credentials.
//
// # Outputs
//
//   - Config: Ready-to-use configuration that passes Validate.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            12230,
			GinMode:         "release",
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Freshness: FreshnessConfig{
			Fresh:   300 * time.Second,
			Stale:   600 * time.Second,
			Expired: 900 * time.Second,
		},
		RateLimit: RateLimitConfig{
			MinInterval: 30 * time.Second,
			Timeout:     5 * time.Second,
			MaxRetries:  2,
			Backoff:     500 * time.Millisecond,
		},
		Policy: PolicyConfig{
			Enabled:                 true,
			AllowedSources:          []string{"ai_service"},
			MinConfidence:           0.7,
			MinPriorityForImmediate: string(datatypes.PriorityHigh),
		},
		Actuator: ActuatorConfig{
			MinInterval:    2 * time.Second,
			CommandTimeout: 5 * time.Second,
			ConfirmTimeout: 10 * time.Second,
			ConfirmPoll:    time.Second,
			MaxRetries:     2,
			QueueDepth:     16,
		},
		Refresher: RefresherConfig{
			Enabled:     true,
			Interval:    60 * time.Second,
			Concurrency: 4,
		},
		Sensors: map[string]SensorConfig{
			"soil_moisture": {FeedID: "soil-moisture", Unit: "%"},
			"temperature":   {FeedID: "temperature", Unit: "C"},
			"humidity":      {FeedID: "humidity", Unit: "%"},
		},
		Cloud: CloudConfig{
			Mode:    CloudModeMemory,
			BaseURL: "https://io.adafruit.com",
			Timeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			InMemory:   true,
			DefaultTTL: 3600 * time.Second,
		},
		History: HistoryConfig{Buffer: 1024},
		Telemetry: TelemetryConfig{
			ServiceName:    "greenhouse",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
		},
	}
}

// Load resolves configuration with priority: env > file > defaults.
//
// # Inputs
//
//   - path: YAML config file. Empty means defaults plus environment. A
//     missing file is an error when a path is given explicitly.
//
// # Outputs
//
//   - Config: Merged and validated configuration.
//   - error: Non-nil if the file cannot be parsed or validation fails.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := loadEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, fmt.Errorf("load config env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return Parse(data, cfg)
}

// Parse decodes YAML on top of cfg. Unknown keys are rejected so that a
// misspelled threshold does not silently fall back to its default.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// Validate checks field constraints and cross-field invariants.
//
// # Outputs
//
//   - error: Non-nil describing the first violation.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return err
	}
	if !(c.Freshness.Fresh < c.Freshness.Stale && c.Freshness.Stale < c.Freshness.Expired) {
		return fmt.Errorf("freshness thresholds must be strictly ascending: fresh=%s stale=%s expired=%s",
			c.Freshness.Fresh, c.Freshness.Stale, c.Freshness.Expired)
	}
	if c.Actuator.ConfirmPoll > c.Actuator.ConfirmTimeout {
		return fmt.Errorf("actuator.confirm_poll (%s) must not exceed confirm_timeout (%s)",
			c.Actuator.ConfirmPoll, c.Actuator.ConfirmTimeout)
	}
	for _, sensor := range c.Refresher.Sensors {
		if _, ok := c.Sensors[sensor]; !ok {
			return fmt.Errorf("refresher.sensors: %q has no entry in sensors", sensor)
		}
	}
	if c.Cloud.Mode != CloudModeMemory && c.Cloud.BaseURL == "" {
		return fmt.Errorf("cloud.base_url is required for mode %q", c.Cloud.Mode)
	}
	if c.Cloud.Mode != CloudModeMemory && c.Cloud.Key == "" {
		return fmt.Errorf("cloud.key is required for mode %q", c.Cloud.Mode)
	}
	return nil
}

// FeedFor returns the feed configured for sensorType. Unconfigured sensor
// types map to a feed of the same name.
func (c Config) FeedFor(sensorType string) SensorConfig {
	if s, ok := c.Sensors[sensorType]; ok {
		return s
	}
	return SensorConfig{FeedID: sensorType}
}

// =============================================================================
// Environment Overrides
// =============================================================================

type lookupFunc func(string) (string, bool)

// loadEnv applies GREENHOUSE_* overrides. Unlike file values, malformed
// environment values are reported rather than skipped.
func loadEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = i
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = splitList(v)
		}
	}

	// Server
	integer("PORT", &cfg.Server.Port)
	str("GIN_MODE", &cfg.Server.GinMode)

	// Logging
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_DIR", &cfg.Logging.Dir)

	// Freshness
	dur("FRESH", &cfg.Freshness.Fresh)
	dur("STALE", &cfg.Freshness.Stale)
	dur("EXPIRED", &cfg.Freshness.Expired)
	boolean("DEGRADE_AT_EXPIRY", &cfg.Freshness.DegradeAtExpiry)

	// Rate limit
	dur("FETCH_MIN_INTERVAL", &cfg.RateLimit.MinInterval)
	dur("FETCH_TIMEOUT", &cfg.RateLimit.Timeout)
	integer("FETCH_MAX_RETRIES", &cfg.RateLimit.MaxRetries)

	// Policy
	boolean("POLICY_ENABLED", &cfg.Policy.Enabled)
	list("POLICY_ALLOWED_SOURCES", &cfg.Policy.AllowedSources)
	float("POLICY_MIN_CONFIDENCE", &cfg.Policy.MinConfidence)
	str("POLICY_MIN_PRIORITY", &cfg.Policy.MinPriorityForImmediate)

	// Cloud
	str("CLOUD_MODE", &cfg.Cloud.Mode)
	str("CLOUD_BASE_URL", &cfg.Cloud.BaseURL)
	str("CLOUD_USERNAME", &cfg.Cloud.Username)
	str("CLOUD_KEY", &cfg.Cloud.Key)
	str("MQTT_BROKER", &cfg.Cloud.MQTTBroker)

	// Storage
	str("STORAGE_PATH", &cfg.Storage.Path)
	boolean("STORAGE_IN_MEMORY", &cfg.Storage.InMemory)

	// History
	str("INFLUX_URL", &cfg.History.Influx.URL)
	str("INFLUX_TOKEN", &cfg.History.Influx.Token)
	str("INFLUX_ORG", &cfg.History.Influx.Org)
	str("INFLUX_BUCKET", &cfg.History.Influx.Bucket)
	list("KAFKA_BROKERS", &cfg.History.Kafka.Brokers)
	str("KAFKA_TOPIC_PREFIX", &cfg.History.Kafka.TopicPrefix)

	// Telemetry
	str("TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	str("METRIC_EXPORTER", &cfg.Telemetry.MetricExporter)
	str("OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// Validator
// =============================================================================

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("sensortype", func(fl validator.FieldLevel) bool {
		return datatypes.ValidSensorType(fl.Field().String())
	})
}
