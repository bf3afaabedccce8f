// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
)

func TestRemoteCommandLine(t *testing.T) {
	tests := []struct {
		name    string
		command string
		args    []string
		want    string
	}{
		{
			name:    "bare command",
			command: "mcp-server",
			want:    "mcp-server",
		},
		{
			name:    "args joined",
			command: "node",
			args:    []string{"server.js", "--port", "8080"},
			want:    "node server.js --port 8080",
		},
		{
			name:    "shell metacharacters quoted",
			command: "run me",
			args:    []string{"$(dangerous)", "a;b"},
			want:    "'run me' '$(dangerous)' 'a;b'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, remoteCommandLine(tt.command, tt.args))
		})
	}
}

func TestOpenSSH_BadPrivateKey(t *testing.T) {
	_, err := openSSH(context.Background(), &model.SSHConfig{
		Host:       "example.com",
		Username:   "deploy",
		Command:    "mcp-server",
		PrivateKey: "definitely not pem",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse private key")
}

func TestOpenSSH_DialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := openSSH(ctx, &model.SSHConfig{
		Host:     "127.0.0.1",
		Port:     1,
		Username: "deploy",
		Command:  "mcp-server",
		Password: "pw",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to dial ssh")
}
