// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package bus

const (
	// TopicServers carries server lifecycle events (registered, updated,
	// deleted, connection state changes).
	TopicServers = "mcp.servers"
	// TopicTools carries tool discovery events.
	TopicTools = "mcp.tools"
	// TopicExecutions carries execution lifecycle events.
	TopicExecutions = "mcp.executions"
)
