// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/tidwall/gjson"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/logging"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
)

// httpTransport POSTs each JSON-RPC request to the configured base URL and
// parses the response body as the correlated JSON-RPC response. There is no
// long-lived reader; reachability is proven by the handshake that follows
// connection establishment.
type httpTransport struct {
	base    string
	headers map[string]string
	client  *http.Client
	closed  atomic.Bool
}

func openHTTP(_ context.Context, cfg *model.HTTPConfig) (*httpTransport, error) {
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return &httpTransport{
		base:    cfg.BaseURL,
		headers: headers,
		client:  &http.Client{},
	}, nil
}

func (t *httpTransport) Kind() model.TransportKind {
	return model.TransportHTTP
}

func (t *httpTransport) RoundTrip(ctx context.Context, frame []byte) ([]byte, error) {
	if t.closed.Load() {
		return nil, fmt.Errorf("http transport is closed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base, bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http status %d from %s: %s", resp.StatusCode, t.base, snippet(body))
	}

	// Server-initiated notifications are not supported on this transport.
	if gjson.GetBytes(body, "method").Exists() && !gjson.GetBytes(body, "id").Exists() {
		logging.GetLogger().Warn("Ignoring notification received on http transport",
			"method", gjson.GetBytes(body, "method").String(), "url", t.base)
		return nil, fmt.Errorf("received notification instead of response")
	}
	return body, nil
}

func (t *httpTransport) Close(_ context.Context) error {
	t.closed.Store(true)
	t.client.CloseIdleConnections()
	return nil
}

func snippet(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
