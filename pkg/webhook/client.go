// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// DefaultTimeout bounds one delivery attempt.
const DefaultTimeout = 10 * time.Second

// maxDrainBytes limits how much of a response body is read before closing.
const maxDrainBytes = 4096

// Client posts signed deliveries to webhook endpoints.
type Client struct {
	httpClient *http.Client
	clock      func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the outbound HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithClock injects a clock for deterministic tests.
func WithClock(clock func() time.Time) ClientOption {
	return func(cl *Client) {
		cl.clock = clock
	}
}

// NewClient creates a delivery client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deliver posts the payload to the endpoint URL with signature headers and
// returns the response status. A transport failure returns status 0 and the
// error; a non-2xx response returns the status and an error.
func (c *Client) Deliver(ctx context.Context, url, secret string, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	ts := c.clock().Unix()
	req.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))
	if secret != "" {
		req.Header.Set(SignatureHeader, SignPayload([]byte(secret), ts, payload))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
