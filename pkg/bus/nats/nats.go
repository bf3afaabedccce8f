// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package nats provides a NATS bus backend. With no server URL configured it
// starts an embedded server, which keeps single-binary deployments working.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"
)

// Bus publishes messages as JSON on NATS subjects.
type Bus[T any] struct {
	nc  *natsgo.Conn
	url string
	s   *server.Server
}

// New connects to the NATS server at serverURL. An empty URL starts an
// embedded server on a random port; ClientURL then reports where it listens
// so further buses can join it.
func New[T any](serverURL string) (*Bus[T], error) {
	var s *server.Server
	if serverURL == "" {
		var err error
		s, err = server.NewServer(&server.Options{Port: -1})
		if err != nil {
			return nil, err
		}
		go s.Start()
		if !s.ReadyForConnections(4 * time.Second) {
			s.Shutdown()
			return nil, errors.New("nats server failed to start")
		}
		serverURL = s.ClientURL()
	}
	nc, err := natsgo.Connect(serverURL)
	if err != nil {
		if s != nil {
			s.Shutdown()
		}
		return nil, err
	}
	return &Bus[T]{
		nc:  nc,
		url: serverURL,
		s:   s,
	}, nil
}

// ClientURL returns the URL this bus is connected to.
func (b *Bus[T]) ClientURL() string {
	return b.url
}

// Close closes the connection and shuts down the embedded server if one was
// started.
func (b *Bus[T]) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
	if b.s != nil {
		b.s.Shutdown()
	}
}

// Publish publishes msg to a NATS subject.
func (b *Bus[T]) Publish(_ context.Context, topic string, msg T) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.nc.Publish(topic, data)
}

// Subscribe subscribes to a NATS subject.
func (b *Bus[T]) Subscribe(_ context.Context, topic string, handler func(T)) (unsubscribe func()) {
	sub, _ := b.nc.Subscribe(topic, func(m *natsgo.Msg) {
		var msg T
		if err := json.Unmarshal(m.Data, &msg); err == nil {
			handler(msg)
		}
	})
	return func() {
		_ = sub.Unsubscribe()
	}
}

// SubscribeOnce subscribes to a NATS subject for a single message.
func (b *Bus[T]) SubscribeOnce(_ context.Context, topic string, handler func(T)) (unsubscribe func()) {
	sub, err := b.nc.Subscribe(topic, func(m *natsgo.Msg) {
		var msg T
		if err := json.Unmarshal(m.Data, &msg); err == nil {
			handler(msg)
		}
	})
	if err != nil {
		return func() {}
	}
	_ = sub.AutoUnsubscribe(1)
	return func() {
		_ = sub.Unsubscribe()
	}
}
