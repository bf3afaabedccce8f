// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"al.essio.dev/pkg/shellescape"
	"golang.org/x/crypto/ssh"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/logging"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
)

const (
	sshDialTimeout       = 10 * time.Second
	sshKeepaliveInterval = 30 * time.Second
)

// sshTransport runs an MCP server as a remote command over an SSH session
// and frames over its remote stdio exactly like the stdio transport.
type sshTransport struct {
	client  *ssh.Client
	session *ssh.Session
	stream  *lineStream
	addr    string

	stderrDone chan struct{}
	exited     chan struct{}
	stop       chan struct{}
	closeOnce  sync.Once
}

func openSSH(ctx context.Context, cfg *model.SSHConfig) (*sshTransport, error) {
	log := logging.GetLogger()

	auths := []ssh.AuthMethod{}
	if cfg.Password != "" {
		auths = append(auths, ssh.Password(cfg.Password))
	}
	if cfg.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}

	timeout := sshDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	sshConfig := &ssh.ClientConfig{
		User: cfg.Username,
		Auth: auths,
		//nolint:gosec // server configuration allows connection to arbitrary hosts
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	client, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ssh %s: %w", addr, err)
	}

	success := false
	defer func() {
		if !success {
			_ = client.Close()
		}
	}()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer func() {
		if !success {
			_ = session.Close()
		}
	}()

	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open remote stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open remote stdout: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open remote stderr: %w", err)
	}

	cmdline := remoteCommandLine(cfg.Command, cfg.Args)
	if err := session.Start(cmdline); err != nil {
		return nil, fmt.Errorf("failed to start remote command: %w", err)
	}
	log.Info("Started remote MCP server over ssh", "addr", addr, "user", cfg.Username)

	t := &sshTransport{
		client:     client,
		session:    session,
		addr:       addr,
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
		stop:       make(chan struct{}),
	}
	t.stream = newLineStream("ssh", stdin, stdout)

	lw := newLogWriter(log.With("ssh", addr), slog.LevelWarn)
	tail := &tailBuffer{limit: 4096}
	go func() {
		defer close(t.stderrDone)
		_, _ = io.Copy(io.MultiWriter(lw, tail), stderr)
		_ = lw.Close()
	}()
	go t.keepalive()
	go t.reap()

	success = true
	return t, nil
}

// remoteCommandLine renders the remote argv as a single shell-safe string.
func remoteCommandLine(command string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellescape.Quote(command))
	for _, arg := range args {
		parts = append(parts, shellescape.Quote(arg))
	}
	return strings.Join(parts, " ")
}

// keepalive pings the server connection every interval. A failed keepalive
// means the session is gone and the transport closes.
func (t *sshTransport) keepalive() {
	ticker := time.NewTicker(sshKeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if _, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				logging.GetLogger().Warn("SSH keepalive failed, closing transport", "addr", t.addr, "error", err)
				_ = t.Close(context.Background())
				return
			}
		}
	}
}

func (t *sshTransport) reap() {
	<-t.stream.Done()
	<-t.stderrDone
	err := t.session.Wait()
	t.stream.markClosed()

	if err != nil {
		logging.GetLogger().Warn("Remote MCP server exited", "addr", t.addr, "error", err)
	} else {
		logging.GetLogger().Info("Remote MCP server exited", "addr", t.addr)
	}
	close(t.exited)
}

func (t *sshTransport) Kind() model.TransportKind {
	return model.TransportSSH
}

func (t *sshTransport) Send(ctx context.Context, frame []byte) error {
	return t.stream.Send(ctx, frame)
}

func (t *sshTransport) Recv() <-chan []byte {
	return t.stream.Recv()
}

// Close tears down the session and the client connection. Closing the
// session ends the remote stdio, which drains the stream and unblocks reap.
func (t *sshTransport) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		t.stream.markClosed()
		close(t.stop)
		_ = t.session.Close()
		_ = t.client.Close()

		select {
		case <-t.exited:
		case <-time.After(processStopGrace):
			logging.GetLogger().Warn("SSH session did not report exit within grace", "addr", t.addr)
		case <-ctx.Done():
		}
	})
	return nil
}
