// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package transport opens duplex JSON-RPC channels to MCP servers over
// stdio subprocesses, SSH remote commands, Docker containers and plain
// HTTP. The stream variants frame messages as newline-delimited JSON; the
// HTTP variant performs one POST per request.
package transport

import (
	"context"
	"fmt"
	"net/url"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/mcp"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
)

// Transport is one open channel to an MCP server. Close is idempotent and
// releases every backing resource (process, session, container, sockets).
type Transport interface {
	Kind() model.TransportKind
	Close(ctx context.Context) error
}

// StreamTransport is the long-lived duplex form used by stdio, SSH and
// Docker. It satisfies mcp.Stream so a Multiplexer can bind to it.
type StreamTransport interface {
	Transport
	mcp.Stream
}

// RoundTripTransport is the HTTP form: one synchronous exchange per call.
type RoundTripTransport interface {
	Transport
	mcp.RoundTripper
}

// Open establishes a transport for cfg. One attempt, no retries; callers
// own retry policy. On any failure no resources are left behind.
func Open(ctx context.Context, cfg model.TransportConfig) (Transport, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case model.TransportStdio:
		return openStdio(ctx, cfg.Stdio)
	case model.TransportSSH:
		return openSSH(ctx, cfg.SSH)
	case model.TransportDocker:
		return openDocker(ctx, cfg.Docker)
	case model.TransportHTTP:
		return openHTTP(ctx, cfg.HTTP)
	default:
		return nil, model.Validationf("unsupported transport kind %q", cfg.Kind)
	}
}

// BindMux attaches a fresh Multiplexer to an open transport, choosing the
// degenerate round-trip form for HTTP.
func BindMux(t Transport) (*mcp.Mux, error) {
	switch v := t.(type) {
	case StreamTransport:
		return mcp.NewMux(v), nil
	case RoundTripTransport:
		return mcp.NewRoundTripMux(v), nil
	default:
		return nil, fmt.Errorf("transport %T supports no multiplexer binding", t)
	}
}

// ValidateConfig checks that exactly the sub-config matching Kind is set
// and that its required fields are present. Errors wrap model.ErrValidation.
func ValidateConfig(cfg model.TransportConfig) error {
	if !cfg.Kind.Valid() {
		return model.Validationf("unknown transport kind %q", cfg.Kind)
	}
	if err := exactlyOneSubConfig(cfg); err != nil {
		return err
	}
	switch cfg.Kind {
	case model.TransportStdio:
		if cfg.Stdio.Command == "" {
			return model.Validationf("stdio transport requires command")
		}
	case model.TransportSSH:
		s := cfg.SSH
		if s.Host == "" {
			return model.Validationf("ssh transport requires host")
		}
		if s.Username == "" {
			return model.Validationf("ssh transport requires username")
		}
		if s.Command == "" {
			return model.Validationf("ssh transport requires a remote command")
		}
		hasPassword := s.Password != ""
		hasKey := s.PrivateKey != ""
		if hasPassword == hasKey {
			return model.Validationf("ssh transport requires exactly one of password or privateKey")
		}
		if s.Port < 0 || s.Port > 65535 {
			return model.Validationf("ssh port %d out of range", s.Port)
		}
	case model.TransportDocker:
		d := cfg.Docker
		if d.Image == "" && d.ContainerName == "" {
			return model.Validationf("docker transport requires image or containerName")
		}
	case model.TransportHTTP:
		u, err := url.Parse(cfg.HTTP.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return model.Validationf("http transport requires a valid baseUrl, got %q", cfg.HTTP.BaseURL)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return model.Validationf("http transport baseUrl scheme must be http or https, got %q", u.Scheme)
		}
	}
	return nil
}

func exactlyOneSubConfig(cfg model.TransportConfig) error {
	type sub struct {
		kind model.TransportKind
		set  bool
	}
	subs := []sub{
		{model.TransportStdio, cfg.Stdio != nil},
		{model.TransportSSH, cfg.SSH != nil},
		{model.TransportDocker, cfg.Docker != nil},
		{model.TransportHTTP, cfg.HTTP != nil},
	}
	for _, s := range subs {
		if s.kind == cfg.Kind && !s.set {
			return model.Validationf("transport kind %q requires a %s config block", cfg.Kind, s.kind)
		}
		if s.kind != cfg.Kind && s.set {
			return model.Validationf("transport kind %q must not carry a %s config block", cfg.Kind, s.kind)
		}
	}
	return nil
}
