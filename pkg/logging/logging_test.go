// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLogger(t *testing.T) {
	// The ResetLoggerForTests is crucial to ensure that the global logger can be
	// re-initialized for each test case, preventing state leakage between tests.
	ForTestsOnlyResetLogger()

	// Capture the output of the logger to verify its configuration.
	var buf bytes.Buffer
	Init(slog.LevelDebug, &buf)

	// Retrieve the logger instance.
	logger := GetLogger()
	require.NotNil(t, logger, "GetLogger should not return nil after Init")

	// Log a message and check if it's written to the buffer with the correct level.
	logger.Debug("test message")
	assert.Contains(t, buf.String(), "level=DEBUG", "Logger should be configured with the level from Init")
	assert.Contains(t, buf.String(), "msg=\"test message\"", "Logger should write the correct message")
}

func TestGetLogger_DefaultInitialization(t *testing.T) {
	// Reset the logger to simulate the initial state of the application.
	ForTestsOnlyResetLogger()

	// Directly call GetLogger without a prior Init to test its default behavior.
	logger := GetLogger()
	require.NotNil(t, logger, "GetLogger should self-initialize if not already initialized")

	// The default logger logs at INFO, so a DEBUG record must be filtered out.
	assert.False(t, logger.Enabled(t.Context(), slog.LevelDebug))
	assert.True(t, logger.Enabled(t.Context(), slog.LevelInfo))
}

func TestInit_Once(t *testing.T) {
	// Reset the logger to ensure a clean state for this test.
	ForTestsOnlyResetLogger()

	// The first Init call should configure the logger.
	var buf1 bytes.Buffer
	Init(slog.LevelDebug, &buf1)
	GetLogger().Debug("first init")
	assert.True(t, strings.Contains(buf1.String(), "first init"), "Logger should be initialized by the first call")

	// A second Init call should be ignored. The logger should continue to write
	// to the first buffer, not the second one.
	var buf2 bytes.Buffer
	Init(slog.LevelError, &buf2)
	GetLogger().Debug("second init")
	assert.True(t, strings.Contains(buf1.String(), "second init"), "Logger should not be re-initialized by the second call")
	assert.Empty(t, buf2.String(), "Second Init call should be a no-op")
}

func TestInit_JSONFormat(t *testing.T) {
	ForTestsOnlyResetLogger()

	var buf bytes.Buffer
	Init(slog.LevelInfo, &buf, "json")
	GetLogger().Info("structured")

	out := buf.String()
	assert.Contains(t, out, `"level":"INFO"`)
	assert.Contains(t, out, `"msg":"structured"`)
}

func TestToSlogLevel(t *testing.T) {
	testCases := []struct {
		name     string
		level    string
		expected slog.Level
	}{
		{name: "Debug Level", level: "debug", expected: slog.LevelDebug},
		{name: "Info Level", level: "info", expected: slog.LevelInfo},
		{name: "Warn Level", level: "warn", expected: slog.LevelWarn},
		{name: "Warning Alias", level: "WARNING", expected: slog.LevelWarn},
		{name: "Error Level", level: "error", expected: slog.LevelError},
		{name: "Default Level", level: "verbose", expected: slog.LevelInfo},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ToSlogLevel(tc.level))
		})
	}
}
