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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// keyHeader carries the API key on every request.
const keyHeader = "X-AIO-Key"

// maxErrorBody bounds how much of an error response is read into messages.
const maxErrorBody = 512

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// BaseURL is the API root, e.g. "https://io.adafruit.com".
	BaseURL string

	// Username owns the feeds.
	Username string

	// Key is the API key. It is moved into a memguard enclave and the
	// caller's copy is wiped.
	Key []byte

	// Timeout bounds a single HTTP round trip. Callers usually impose a
	// tighter per-attempt deadline through the context.
	Timeout time.Duration

	// Logger is optional; defaults to slog.Default().
	Logger *slog.Logger

	// Transport overrides the base transport (tests).
	Transport http.RoundTripper
}

// HTTPClient talks to the REST feed API.
//
// # Description
//
// Sensor reads use GET /api/v2/{user}/feeds/{feed}/data/last. Commands are
// written as a new data point with POST /api/v2/{user}/feeds/{feed}/data,
// and device state is the value of the control feed's last data point.
//
// Status codes are classified as:
//
//   - 404: ErrNotFound
//   - 401, 403: ErrUnauthorized
//   - 408, 429, 5xx: ErrTransient
//   - any other non-2xx: permanent error
//
// # Thread Safety
//
// Safe for concurrent use.
type HTTPClient struct {
	base     *url.URL
	username string
	http     *http.Client
	logger   *slog.Logger

	mu  sync.RWMutex
	key *memguard.Enclave
}

// feedData is a feed data point on the wire. Values are strings.
type feedData struct {
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// NewHTTPClient creates a REST client.
//
// # Inputs
//
//   - cfg: BaseURL and Username are required. An empty Key is allowed for
//     public feeds.
//
// # Outputs
//
//   - *HTTPClient: Ready to use. Call Close to destroy the sealed key.
//   - error: Non-nil if BaseURL is not a valid URL.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" || cfg.Username == "" {
		return nil, errors.New("base url and username are required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	c := &HTTPClient{
		base:     base,
		username: cfg.Username,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		logger: cfg.Logger.With(slog.String("component", "cloud_http")),
	}
	if len(cfg.Key) > 0 {
		c.key = memguard.NewEnclave(cfg.Key)
	}
	return c, nil
}

// FetchReading returns the latest numeric value of feedID.
func (c *HTTPClient) FetchReading(ctx context.Context, feedID string) (FeedValue, error) {
	data, err := c.lastData(ctx, feedID)
	if err != nil {
		return FeedValue{}, err
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(data.Value), 64)
	if err != nil {
		return FeedValue{}, fmt.Errorf("feed %s: non-numeric value %q", feedID, data.Value)
	}
	observed := data.CreatedAt
	if observed.IsZero() {
		observed = time.Now()
	}
	return FeedValue{FeedID: feedID, Value: value, ObservedAt: observed}, nil
}

// SendCommand posts command as a new data point on deviceID's feed.
func (c *HTTPClient) SendCommand(ctx context.Context, deviceID, command string) error {
	body, err := json.Marshal(map[string]string{"value": command})
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.feedPath(deviceID, "data"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug("command posted",
		slog.String("device_id", deviceID),
		slog.String("command", command),
	)
	return nil
}

// ReadState returns the last value written to deviceID's feed.
func (c *HTTPClient) ReadState(ctx context.Context, deviceID string) (string, error) {
	data, err := c.lastData(ctx, deviceID)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(strings.TrimSpace(data.Value)), nil
}

// Close destroys the sealed key. Safe to call more than once.
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = nil
	c.http.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) lastData(ctx context.Context, feedID string) (feedData, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.feedPath(feedID, "data", "last"), nil)
	if err != nil {
		return feedData{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		return feedData{}, err
	}
	defer resp.Body.Close()

	var data feedData
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return feedData{}, fmt.Errorf("decode feed %s: %w", feedID, err)
	}
	return data, nil
}

func (c *HTTPClient) feedPath(feedID string, parts ...string) string {
	segments := append([]string{"api", "v2", url.PathEscape(c.username), "feeds", url.PathEscape(feedID)}, parts...)
	return c.base.String() + "/" + strings.Join(segments, "/")
}

func (c *HTTPClient) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.mu.RLock()
	key := c.key
	c.mu.RUnlock()
	if key != nil {
		buf, err := key.Open()
		if err != nil {
			return nil, fmt.Errorf("open api key: %w", err)
		}
		req.Header.Set(keyHeader, buf.String())
		buf.Destroy()
	}
	return req, nil
}

// do executes req and maps non-2xx responses onto the error taxonomy. On
// success the caller owns resp.Body.
func (c *HTTPClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if IsTimeout(err) {
			return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("%s %s: %v: %w", req.Method, req.URL.Path, err, ErrTransient)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := strings.TrimSpace(string(msg))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", req.URL.Path, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, ErrUnauthorized)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, fmt.Errorf("status %d %s: %w", resp.StatusCode, detail, ErrTransient)
	default:
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, detail)
	}
}
