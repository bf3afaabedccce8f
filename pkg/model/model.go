// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package model defines the domain entities shared across the integration
// core: registered servers, their tools, and tool executions.
package model

import (
	"encoding/json"
	"time"
)

// TransportKind identifies the medium used to reach an MCP server.
type TransportKind string

// Supported transport kinds.
const (
	TransportStdio  TransportKind = "stdio"
	TransportSSH    TransportKind = "ssh"
	TransportDocker TransportKind = "docker"
	TransportHTTP   TransportKind = "http"
)

// Valid reports whether k is one of the supported transport kinds.
func (k TransportKind) Valid() bool {
	switch k {
	case TransportStdio, TransportSSH, TransportDocker, TransportHTTP:
		return true
	}
	return false
}

// ServerStatus is the administrative state of a registered server.
type ServerStatus string

// Administrative server states.
const (
	ServerActive   ServerStatus = "active"
	ServerInactive ServerStatus = "inactive"
	ServerError    ServerStatus = "error"
)

// ConnectionStatus is the live connection state of a server, owned by the
// connection pool and updated independently of the administrative status.
type ConnectionStatus string

// Connection states as projected onto the server record.
const (
	ConnDisconnected ConnectionStatus = "disconnected"
	ConnConnecting   ConnectionStatus = "connecting"
	ConnConnected    ConnectionStatus = "connected"
	ConnError        ConnectionStatus = "error"
)

// StdioConfig configures a local subprocess transport.
type StdioConfig struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"workingDir,omitempty"`
}

// SSHConfig configures a remote subprocess transport. Exactly one of
// Password or PrivateKey must be set.
type SSHConfig struct {
	Host       string   `json:"host"`
	Port       int      `json:"port,omitempty"`
	Username   string   `json:"username"`
	Password   string   `json:"password,omitempty"`
	PrivateKey string   `json:"privateKey,omitempty"`
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
}

// DockerConfig configures a container transport. Either ContainerName points
// at a pre-existing container to attach to, or Image names an image from
// which an ephemeral container is created and started.
type DockerConfig struct {
	Image         string            `json:"image,omitempty"`
	ContainerName string            `json:"containerName,omitempty"`
	Command       []string          `json:"command,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}

// HTTPConfig configures an HTTP transport: one POST per JSON-RPC request.
type HTTPConfig struct {
	BaseURL string            `json:"baseUrl"`
	Headers map[string]string `json:"headers,omitempty"`
}

// TransportConfig is a tagged union over the four transport configurations.
// Exactly the member matching Kind is set.
type TransportConfig struct {
	Kind   TransportKind `json:"kind"`
	Stdio  *StdioConfig  `json:"stdio,omitempty"`
	SSH    *SSHConfig    `json:"ssh,omitempty"`
	Docker *DockerConfig `json:"docker,omitempty"`
	HTTP   *HTTPConfig   `json:"http,omitempty"`
}

// ServerInfo holds what the server reported during the initialize handshake.
type ServerInfo struct {
	ProtocolVersion string         `json:"protocolVersion,omitempty"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	Name            string         `json:"name,omitempty"`
	Version         string         `json:"version,omitempty"`
}

// Server is a registered MCP endpoint.
type Server struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	Transport        TransportConfig   `json:"transport"`
	Status           ServerStatus      `json:"status"`
	ConnectionStatus ConnectionStatus  `json:"connectionStatus"`
	ServerInfo       *ServerInfo       `json:"serverInfo,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	LastHealthCheck  *time.Time        `json:"lastHealthCheck,omitempty"`
	LastError        string            `json:"lastError,omitempty"`
}

// Clone returns a deep copy so that callers can mutate the result without
// affecting cached or stored state.
func (s *Server) Clone() *Server {
	if s == nil {
		return nil
	}
	out := *s
	out.Transport = *cloneTransport(&s.Transport)
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.ServerInfo != nil {
		si := *s.ServerInfo
		if s.ServerInfo.Capabilities != nil {
			si.Capabilities = make(map[string]any, len(s.ServerInfo.Capabilities))
			for k, v := range s.ServerInfo.Capabilities {
				si.Capabilities[k] = v
			}
		}
		out.ServerInfo = &si
	}
	if s.LastHealthCheck != nil {
		t := *s.LastHealthCheck
		out.LastHealthCheck = &t
	}
	return &out
}

func cloneTransport(tc *TransportConfig) *TransportConfig {
	out := *tc
	if tc.Stdio != nil {
		c := *tc.Stdio
		c.Args = append([]string(nil), tc.Stdio.Args...)
		if tc.Stdio.Env != nil {
			c.Env = make(map[string]string, len(tc.Stdio.Env))
			for k, v := range tc.Stdio.Env {
				c.Env[k] = v
			}
		}
		out.Stdio = &c
	}
	if tc.SSH != nil {
		c := *tc.SSH
		c.Args = append([]string(nil), tc.SSH.Args...)
		out.SSH = &c
	}
	if tc.Docker != nil {
		c := *tc.Docker
		c.Command = append([]string(nil), tc.Docker.Command...)
		if tc.Docker.Env != nil {
			c.Env = make(map[string]string, len(tc.Docker.Env))
			for k, v := range tc.Docker.Env {
				c.Env[k] = v
			}
		}
		out.Docker = &c
	}
	if tc.HTTP != nil {
		c := *tc.HTTP
		if tc.HTTP.Headers != nil {
			c.Headers = make(map[string]string, len(tc.HTTP.Headers))
			for k, v := range tc.HTTP.Headers {
				c.Headers[k] = v
			}
		}
		out.HTTP = &c
	}
	return &out
}

// Tool is one tool advertised by a server. (ServerID, Name) is unique; a
// tool exists only while its server does.
type Tool struct {
	ServerID    string          `json:"serverId"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Version     string          `json:"version,omitempty"`
}

// Clone returns a deep copy of the tool.
func (t *Tool) Clone() *Tool {
	if t == nil {
		return nil
	}
	out := *t
	out.InputSchema = append(json.RawMessage(nil), t.InputSchema...)
	return &out
}

// ExecutionStatus is the lifecycle state of a tool invocation.
type ExecutionStatus string

// Execution lifecycle states. Pending and running are transient; the rest
// are terminal and frozen.
const (
	ExecPending   ExecutionStatus = "pending"
	ExecRunning   ExecutionStatus = "running"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is one of the frozen end states.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecCompleted, ExecFailed, ExecCancelled:
		return true
	}
	return false
}

// ExecutionError mirrors a JSON-RPC error object recorded on a failed
// execution.
type ExecutionError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Execution is one tool invocation. Exactly one of Result/Error is set for
// completed/failed executions; a cancelled execution carries neither.
type Execution struct {
	ID          string          `json:"id"`
	ServerID    string          `json:"serverId"`
	Method      string          `json:"method"`
	Params      json.RawMessage `json:"params,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ExecutionError `json:"error,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	DurationMs  int64           `json:"durationMs,omitempty"`
	ExecutedBy  string          `json:"executedBy,omitempty"`
}

// Clone returns a deep copy of the execution.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.Params = append(json.RawMessage(nil), e.Params...)
	out.Result = append(json.RawMessage(nil), e.Result...)
	if e.Error != nil {
		ee := *e.Error
		ee.Data = append(json.RawMessage(nil), e.Error.Data...)
		out.Error = &ee
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// ServerFilter narrows listServers queries.
type ServerFilter struct {
	Status    ServerStatus
	Transport TransportKind
	Name      string
	Limit     int
	Offset    int
}

// ExecutionFilter narrows listExecutions queries.
type ExecutionFilter struct {
	ServerID string
	Status   ExecutionStatus
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

// Page is a window over a filtered listing together with the total number of
// matches.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}
