// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// scriptedServer plays an MCP server over a fakeStream: each recognised
// method gets a canned reply, everything else a method-not-found error.
type scriptedServer struct {
	stream *fakeStream

	mu      sync.Mutex
	calls   map[string]int
	pingOK  bool
	tools   string
	initRes string
}

func newScriptedServer() *scriptedServer {
	s := &scriptedServer{
		stream: newFakeStream(),
		calls:  map[string]int{},
		pingOK: true,
		tools:  `{"tools":[{"name":"echo","description":"echo a message","inputSchema":{"type":"object"}}]}`,
		initRes: `{"protocolVersion":"2024-11-05",` +
			`"capabilities":{"tools":{"listChanged":true}},` +
			`"serverInfo":{"name":"scripted","version":"0.1.0"}}`,
	}
	s.stream.onSend = s.handle
	return s
}

func (s *scriptedServer) handle(frame []byte) {
	method := gjson.GetBytes(frame, "method").String()
	id := gjson.GetBytes(frame, "id")
	s.mu.Lock()
	s.calls[method]++
	pingOK, tools, initRes := s.pingOK, s.tools, s.initRes
	s.mu.Unlock()

	if !id.Exists() {
		return // notification, nothing to answer
	}
	switch {
	case method == MethodInitialize:
		s.stream.respond(frame, initRes)
	case method == MethodPing && pingOK:
		s.stream.respond(frame, `{}`)
	case method == MethodToolsList:
		s.stream.respond(frame, tools)
	default:
		s.stream.in <- fmt.Appendf(nil, `{"jsonrpc":"2.0","id":%d,"error":{"code":%d,"message":"method not found"}}`, id.Uint(), CodeMethodNotFound)
	}
}

func (s *scriptedServer) callCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func newTestClient(t *testing.T) (*Client, *scriptedServer) {
	t.Helper()
	srv := newScriptedServer()
	mux := NewMux(srv.stream)
	t.Cleanup(mux.Close)
	return NewClient(mux, time.Second), srv
}

func TestClient_Initialize(t *testing.T) {
	client, srv := newTestClient(t)

	info, err := client.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024-11-05", info.ProtocolVersion)
	assert.Equal(t, "scripted", info.Name)
	assert.Equal(t, "0.1.0", info.Version)
	assert.Contains(t, info.Capabilities, "tools")
	assert.Same(t, info, client.ServerInfo())

	// The handshake request must carry the full client identity.
	frames := srv.stream.sentFrames()
	require.Len(t, frames, 1)
	sent := frames[0]
	assert.Equal(t, uint64(1), gjson.GetBytes(sent, "id").Uint(), "initialize is the first request")
	assert.Equal(t, "2024-11-05", gjson.GetBytes(sent, "params.protocolVersion").String())
	assert.True(t, gjson.GetBytes(sent, "params.capabilities.tools").Bool())
	assert.True(t, gjson.GetBytes(sent, "params.capabilities.resources").Bool())
	assert.True(t, gjson.GetBytes(sent, "params.capabilities.prompts").Bool())
	assert.True(t, gjson.GetBytes(sent, "params.capabilities.logging").Bool())
	assert.Equal(t, "mcp-integration", gjson.GetBytes(sent, "params.clientInfo.name").String())
	assert.Equal(t, "1", gjson.GetBytes(sent, "params.clientInfo.version").String())
}

func TestClient_ListTools(t *testing.T) {
	client, _ := newTestClient(t)

	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
	assert.Equal(t, "echo a message", tools[0].Description)
	assert.JSONEq(t, `{"type":"object"}`, string(tools[0].InputSchema))
}

func TestClient_Healthcheck(t *testing.T) {
	t.Run("ping supported", func(t *testing.T) {
		client, srv := newTestClient(t)

		require.NoError(t, client.Healthcheck(context.Background()))
		assert.Equal(t, 1, srv.callCount(MethodPing))
		assert.Equal(t, 0, srv.callCount(MethodToolsList))
	})

	t.Run("falls back to tools/list and remembers", func(t *testing.T) {
		client, srv := newTestClient(t)
		srv.mu.Lock()
		srv.pingOK = false
		srv.mu.Unlock()

		require.NoError(t, client.Healthcheck(context.Background()))
		assert.Equal(t, 1, srv.callCount(MethodPing))
		assert.Equal(t, 1, srv.callCount(MethodToolsList))

		require.NoError(t, client.Healthcheck(context.Background()))
		assert.Equal(t, 1, srv.callCount(MethodPing), "doomed ping is not retried")
		assert.Equal(t, 2, srv.callCount(MethodToolsList))
	})
}

func TestClient_Call(t *testing.T) {
	client, srv := newTestClient(t)
	srv.stream.onSend = func(frame []byte) {
		srv.stream.respond(frame, `{"content":[{"type":"text","text":"hi"}]}`)
	}

	raw, err := client.Call(context.Background(), MethodToolsCall, CallToolParams{Name: "echo", Arguments: map[string]any{"msg": "hi"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, "hi", gjson.GetBytes(raw, "content.0.text").String())
}

func TestClient_Terminate(t *testing.T) {
	client, srv := newTestClient(t)

	client.Terminate(context.Background(), 100*time.Millisecond)

	frames := srv.stream.sentFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, MethodNotifyTerminated, gjson.GetBytes(frames[0], "method").String())
	assert.False(t, gjson.GetBytes(frames[0], "id").Exists())
}
