// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package events defines the domain event envelope and the buffered sink
// that publishes events onto the message bus. Emission is best-effort and
// off the critical path: a full buffer drops the oldest event, publish
// failures are logged and never surfaced to callers.
package events

import (
	"encoding/json"
	"time"
)

// Type discriminates event payloads.
type Type string

// Domain event types.
const (
	TypeServerRegistered   Type = "server.registered"
	TypeServerUpdated      Type = "server.updated"
	TypeServerDeleted      Type = "server.deleted"
	TypeExecutionStarted   Type = "execution.started"
	TypeExecutionCompleted Type = "execution.completed"
	TypeExecutionFailed    Type = "execution.failed"
	TypeToolsDiscovered    Type = "tools.discovered"
)

// Envelope wraps every emitted event. Ordering across events is not
// preserved by the sink; the payload carries enough context (server id,
// execution id) for consumers to re-order if they need to.
type Envelope struct {
	EventID   string          `json:"eventId"`
	Timestamp time.Time       `json:"timestamp"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// ServerEvent is the payload of server lifecycle events.
type ServerEvent struct {
	ServerID         string `json:"serverId"`
	Name             string `json:"name,omitempty"`
	Transport        string `json:"transport,omitempty"`
	ConnectionStatus string `json:"connectionStatus,omitempty"`
}

// ExecutionEvent is the payload of execution lifecycle events. ErrorCode is
// set on execution.failed, including the sentinel -32800 for cancellations.
type ExecutionEvent struct {
	ExecutionID string `json:"executionId"`
	ServerID    string `json:"serverId"`
	Method      string `json:"method,omitempty"`
	Status      string `json:"status"`
	ErrorCode   int    `json:"errorCode,omitempty"`
	DurationMs  int64  `json:"durationMs,omitempty"`
}

// ToolsEvent is the payload of tools.discovered.
type ToolsEvent struct {
	ServerID string `json:"serverId"`
	Count    int    `json:"count"`
	Added    int    `json:"added,omitempty"`
	Removed  int    `json:"removed,omitempty"`
}
