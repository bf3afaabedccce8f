// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/logging"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
)

// processStopGrace is how long Close waits for a child to exit after its
// stdin is closed before killing it.
const processStopGrace = 5 * time.Second

// stdioTransport runs an MCP server as a local child process and speaks
// newline-delimited JSON over its stdin/stdout. Stderr is forwarded to the
// log at warn level and never parsed as protocol.
type stdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stream *lineStream
	tail   *tailBuffer

	stderrDone chan struct{}
	exited     chan struct{}
	closeOnce  sync.Once
}

func openStdio(_ context.Context, cfg *model.StdioConfig) (*stdioTransport, error) {
	log := logging.GetLogger()

	// The child's lifetime is owned by Close, not by the opening context, so
	// the command is deliberately not context-bound.
	cmd := exec.Command(cfg.Command, cfg.Args...) //nolint:gosec // command comes from registered server config
	cmd.Dir = cfg.WorkingDir
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", cfg.Command, err)
	}
	log.Info("Spawned stdio server", "command", cfg.Command, "pid", cmd.Process.Pid)

	t := &stdioTransport{
		cmd:        cmd,
		stdin:      stdin,
		tail:       &tailBuffer{limit: 4096},
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}
	t.stream = newLineStream("stdio", stdin, stdout)

	lw := newLogWriter(log.With("command", cfg.Command), slog.LevelWarn)
	go func() {
		defer close(t.stderrDone)
		_, _ = io.Copy(io.MultiWriter(lw, t.tail), stderr)
		_ = lw.Close()
	}()
	go t.reap()

	return t, nil
}

// reap waits for both pipes to drain before collecting the exit status, as
// required by the exec pipe contract.
func (t *stdioTransport) reap() {
	<-t.stream.Done()
	<-t.stderrDone
	err := t.cmd.Wait()
	t.stream.markClosed()

	log := logging.GetLogger()
	if err != nil {
		if tail := t.tail.String(); tail != "" {
			log.Warn("Stdio server exited", "pid", t.cmd.Process.Pid, "error", err, "stderr", tail)
		} else {
			log.Warn("Stdio server exited", "pid", t.cmd.Process.Pid, "error", err)
		}
	} else {
		log.Info("Stdio server exited", "pid", t.cmd.Process.Pid)
	}
	close(t.exited)
}

func (t *stdioTransport) Kind() model.TransportKind {
	return model.TransportStdio
}

func (t *stdioTransport) Send(ctx context.Context, frame []byte) error {
	return t.stream.Send(ctx, frame)
}

func (t *stdioTransport) Recv() <-chan []byte {
	return t.stream.Recv()
}

// Close signals the child by closing its stdin, then kills it if it does
// not exit within the grace window. Idempotent.
func (t *stdioTransport) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		t.stream.markClosed()
		_ = t.stdin.Close()

		select {
		case <-t.exited:
		case <-time.After(processStopGrace):
			logging.GetLogger().Warn("Killing stdio server after close grace", "pid", t.cmd.Process.Pid)
			_ = t.cmd.Process.Kill()
			<-t.exited
		case <-ctx.Done():
			_ = t.cmd.Process.Kill()
			<-t.exited
		}
	})
	return nil
}
