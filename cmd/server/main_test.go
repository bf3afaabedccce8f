// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/config"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), appName+" version "+appVersion)
}

func TestServeRejectsMissingConfigFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "--config", filepath.Join(t.TempDir(), "nope.yaml")})

	assert.Error(t, cmd.Execute())
}

func TestServeRejectsMissingEnvFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "--env-file", filepath.Join(t.TempDir(), "nope.env")})

	assert.Error(t, cmd.Execute())
}

func TestServeStartsAndShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, "", "") }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not shut down")
	}
}

func TestOpenStoreDefaultsToMemory(t *testing.T) {
	cfg := config.Default()
	st, err := openStore(cfg)
	require.NoError(t, err)
	require.NoError(t, st.Close())
}

func TestOpenStoreSQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Storage = config.StorageSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "core.db")
	st, err := openStore(cfg)
	require.NoError(t, err)
	require.NoError(t, st.Close())
}
