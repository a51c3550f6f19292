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
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures an MQTTClient.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. "tcps://io.adafruit.com:8883".
	Broker string

	// ClientID identifies this connection. Defaults to "greenhouse-core".
	ClientID string

	// Username and Password authenticate against the broker. For the feed
	// API these are the account name and API key.
	Username string
	Password string

	// ConnectTimeout bounds the initial connection.
	ConnectTimeout time.Duration

	// Logger is optional; defaults to slog.Default().
	Logger *slog.Logger
}

// mqttPublisher is the subset of mqtt.Client used for commands.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTClient publishes commands over MQTT and reads over REST.
//
// # Description
//
// Commands go to topic "{username}/feeds/{device}" at QoS 1, which the
// feed API turns into a data point exactly as a REST POST would. Reads and
// state verification are delegated to the wrapped HTTPClient because MQTT
// offers no request/response read of the last value.
//
// # Thread Safety
//
// Safe for concurrent use.
type MQTTClient struct {
	reader   *HTTPClient
	pub      mqttPublisher
	username string
	logger   *slog.Logger
}

// NewMQTTClient connects to the broker and wraps reader for reads.
//
// # Inputs
//
//   - ctx: Bounds the connection attempt together with ConnectTimeout.
//   - cfg: Broker and Username are required.
//   - reader: REST client used for FetchReading and ReadState.
//
// # Outputs
//
//   - *MQTTClient: Connected client. Close disconnects and closes reader.
//   - error: ErrTransient wrapped if the broker cannot be reached.
func NewMQTTClient(ctx context.Context, cfg MQTTConfig, reader *HTTPClient) (*MQTTClient, error) {
	if cfg.Broker == "" || cfg.Username == "" {
		return nil, errors.New("mqtt broker and username are required")
	}
	if reader == nil {
		return nil, errors.New("mqtt client requires a REST reader")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "greenhouse-core"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With(slog.String("component", "cloud_mqtt"))

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", slog.String("error", err.Error()))
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("mqtt connected", slog.String("broker", cfg.Broker))
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if err := waitToken(ctx, token, cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Broker, err)
	}

	return newMQTTClient(client, cfg.Username, reader, logger), nil
}

func newMQTTClient(pub mqttPublisher, username string, reader *HTTPClient, logger *slog.Logger) *MQTTClient {
	return &MQTTClient{
		reader:   reader,
		pub:      pub,
		username: username,
		logger:   logger,
	}
}

// FetchReading delegates to the REST reader.
func (c *MQTTClient) FetchReading(ctx context.Context, feedID string) (FeedValue, error) {
	return c.reader.FetchReading(ctx, feedID)
}

// SendCommand publishes command to the device feed topic.
func (c *MQTTClient) SendCommand(ctx context.Context, deviceID, command string) error {
	topic := fmt.Sprintf("%s/feeds/%s", c.username, deviceID)
	token := c.pub.Publish(topic, 1, false, command)
	if err := waitToken(ctx, token, 0); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	c.logger.Debug("command published",
		slog.String("device_id", deviceID),
		slog.String("command", command),
	)
	return nil
}

// ReadState delegates to the REST reader.
func (c *MQTTClient) ReadState(ctx context.Context, deviceID string) (string, error) {
	return c.reader.ReadState(ctx, deviceID)
}

// Close disconnects from the broker and closes the REST reader.
func (c *MQTTClient) Close() error {
	c.pub.Disconnect(250)
	return c.reader.Close()
}

// waitToken waits for token completion, the context, or timeout (if > 0).
// Broker-side failures are reported as transient.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("%v: %w", err, ErrTransient)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer:
		return context.DeadlineExceeded
	}
}
