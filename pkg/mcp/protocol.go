// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package mcp implements the client side of the Model Context Protocol:
// JSON-RPC 2.0 wire types, the per-connection request multiplexer, and a
// typed client for the canonical MCP methods.
package mcp

import (
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// jsonAPI is the codec for all wire marshalling. Messages are small and
// frequent, so the faster drop-in codec is used instead of encoding/json.
var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONRPCVersion is the fixed version string carried by every message.
const JSONRPCVersion = "2.0"

// ProtocolVersion is the MCP revision negotiated during initialize.
const ProtocolVersion = "2024-11-05"

// Client identity advertised during the initialize handshake.
const (
	ClientName    = "mcp-integration"
	ClientVersion = "1"
)

// Canonical MCP method names.
const (
	MethodInitialize       = "initialize"
	MethodPing             = "ping"
	MethodToolsList        = "tools/list"
	MethodToolsCall        = "tools/call"
	MethodNotifyMessage    = "notifications/message"
	MethodNotifyTerminated = "notifications/terminated"
)

// JSON-RPC error codes, standard and integration-specific. The integration
// codes are attached to executions when the failure happened on this side of
// the wire rather than inside the server.
const (
	CodeParseError        = -32700
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeInternalError     = -32603
	CodeTimeout           = -32000
	CodeServerUnavailable = -32001
	CodeStuckTimeout      = -32002
	CodeConnectionError   = -32603
	CodeCancelled         = -32800
)

// Request is an outgoing JSON-RPC request. IDs are uint64 counters assigned
// by the multiplexer; the protocol permits strings too, but servers echo
// whatever was sent.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification is an outgoing JSON-RPC notification: a request without an id
// and therefore without a response.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an incoming JSON-RPC response. Exactly one of Result/Error is
// set. The ID is kept raw to tolerate servers that echo numeric ids as
// strings.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object. It implements error so it can travel
// through ordinary error returns.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// InitializeParams is the payload of the initialize handshake request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// ClientCapabilities advertises which MCP feature groups this client speaks.
type ClientCapabilities struct {
	Tools     bool `json:"tools"`
	Resources bool `json:"resources"`
	Prompts   bool `json:"prompts"`
	Logging   bool `json:"logging"`
}

// Implementation names one side of the protocol exchange.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the server's half of the handshake. Capabilities is
// kept schemaless: servers advertise nested objects whose shape varies.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion,omitempty"`
	Capabilities    map[string]any  `json:"capabilities,omitempty"`
	ServerInfo      *Implementation `json:"serverInfo,omitempty"`
}

// ToolDescriptor is one entry of a tools/list result.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Version     string          `json:"version,omitempty"`
}

// ListToolsResult is the payload of a tools/list response.
type ListToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// CallToolParams is the payload of a tools/call request. Arguments may be
// any JSON-marshallable value; callers that already hold raw JSON pass a
// json.RawMessage through unchanged.
type CallToolParams struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments,omitempty"`
}

// LogMessageParams is the payload of an inbound notifications/message.
type LogMessageParams struct {
	Level string          `json:"level,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// marshalParams renders arbitrary params into the raw form embedded in a
// request. nil stays nil so the params key is omitted entirely.
func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := jsonAPI.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return b, nil
}
