// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
)

// Client is a typed facade over one Mux. It owns the handshake and the
// canonical method calls; arbitrary methods pass through Call.
type Client struct {
	mux     *Mux
	timeout time.Duration

	mu       sync.Mutex
	info     *model.ServerInfo
	noPing   bool
	initDone bool
}

// NewClient wraps a multiplexer. defaultTimeout bounds calls that do not
// carry their own.
func NewClient(mux *Mux, defaultTimeout time.Duration) *Client {
	return &Client{mux: mux, timeout: defaultTimeout}
}

// Mux exposes the underlying multiplexer for lifecycle wiring.
func (c *Client) Mux() *Mux {
	return c.mux
}

// Initialize performs the protocol handshake and records the server's
// advertised identity and capabilities. It must complete before any other
// call; the connection is not usable until it returns nil.
func (c *Client) Initialize(ctx context.Context) (*model.ServerInfo, error) {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ClientCapabilities{Tools: true, Resources: true, Prompts: true, Logging: true},
		ClientInfo:      Implementation{Name: ClientName, Version: ClientVersion},
	}
	raw, err := c.mux.Call(ctx, MethodInitialize, params, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: initialize failed: %s", model.ErrConnection, err)
	}
	var result InitializeResult
	if err := jsonAPI.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: invalid initialize result: %s", model.ErrConnection, err)
	}

	info := &model.ServerInfo{
		ProtocolVersion: result.ProtocolVersion,
		Capabilities:    result.Capabilities,
	}
	if result.ServerInfo != nil {
		info.Name = result.ServerInfo.Name
		info.Version = result.ServerInfo.Version
	}

	c.mu.Lock()
	c.info = info
	c.initDone = true
	c.mu.Unlock()
	return info, nil
}

// ServerInfo returns the identity captured during Initialize, nil before.
func (c *Client) ServerInfo() *model.ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Healthcheck probes liveness with ping, falling back to tools/list for
// servers that do not implement ping. The fallback choice is remembered so
// subsequent checks skip the doomed ping.
func (c *Client) Healthcheck(ctx context.Context) error {
	c.mu.Lock()
	noPing := c.noPing
	c.mu.Unlock()

	if !noPing {
		_, err := c.mux.Call(ctx, MethodPing, nil, c.timeout)
		if err == nil {
			return nil
		}
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) || rpcErr.Code != CodeMethodNotFound {
			return err
		}
		c.mu.Lock()
		c.noPing = true
		c.mu.Unlock()
	}
	_, err := c.mux.Call(ctx, MethodToolsList, nil, c.timeout)
	return err
}

// ListTools enumerates the server's tools.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	raw, err := c.mux.Call(ctx, MethodToolsList, nil, c.timeout)
	if err != nil {
		return nil, err
	}
	var result ListToolsResult
	if err := jsonAPI.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: invalid tools/list result: %s", model.ErrConnection, err)
	}
	return result.Tools, nil
}

// Call sends an arbitrary request with an explicit timeout. This is the
// execution path: method and params arrive verbatim from the caller.
func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	return c.mux.Call(ctx, method, params, timeout)
}

// Terminate announces a graceful close. It is fire-and-forget: the
// notification is sent with a short grace deadline and failures are ignored,
// since the transport is being torn down either way.
func (c *Client) Terminate(ctx context.Context, grace time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	_ = c.mux.Notify(ctx, MethodNotifyTerminated, nil)
}

// Close force-closes the multiplexer, failing anything still in flight.
func (c *Client) Close() {
	c.mux.Close()
}
