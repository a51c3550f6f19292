// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cloud provides clients for the IoT cloud feed API that hosts the
// greenhouse sensor feeds and pump control feeds.
//
// Three implementations share the Client contract:
//
//   - HTTPClient: REST feed API (reads and commands)
//   - MQTTClient: commands over MQTT, reads over REST
//   - MemoryClient: deterministic in-process double for tests and simulation
//
// Errors are classified so that callers can decide whether to retry:
// ErrTransient and timeouts are retryable, everything else is permanent.
package cloud

import (
	"context"
	"errors"
	"net"
	"time"
)

// Sentinel errors returned by clients.
var (
	// ErrTransient marks failures worth retrying (throttling, 5xx, broker
	// hiccups).
	ErrTransient = errors.New("transient cloud error")

	// ErrNotFound is returned when a feed or device does not exist or has
	// no data yet.
	ErrNotFound = errors.New("feed not found")

	// ErrUnauthorized is returned when the API key is rejected.
	ErrUnauthorized = errors.New("cloud credentials rejected")
)

// FeedValue is the latest data point of a feed.
type FeedValue struct {
	FeedID     string
	Value      float64
	ObservedAt time.Time
}

// Client is the contract every cloud implementation satisfies.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Throttling is not the
// client's job; callers space calls per resource key.
type Client interface {
	// FetchReading returns the latest numeric value of a sensor feed.
	FetchReading(ctx context.Context, feedID string) (FeedValue, error)

	// SendCommand writes a command value to a device's control feed.
	SendCommand(ctx context.Context, deviceID, command string) error

	// ReadState returns the last value reported on a device's control feed.
	ReadState(ctx context.Context, deviceID string) (string, error)

	// Close releases connections and secrets held by the client.
	Close() error
}

// IsRetryable reports whether err is a timeout or a transient failure.
//
// Cancellation of the caller's own context is not retryable; a deadline
// hit by a single attempt is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
