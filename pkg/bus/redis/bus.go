// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package redis provides a Redis pub/sub bus backend.
package redis

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/logging"
)

// Bus publishes messages as JSON on Redis channels.
type Bus[T any] struct {
	client *redis.Client
}

// New creates a bus connected to the Redis server at addr.
func New[T any](addr string, db int) *Bus[T] {
	options := redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   db,
	}
	if addr != "" {
		options.Addr = addr
	}
	return NewWithClient[T](redis.NewClient(&options))
}

// NewWithClient creates a bus over an existing Redis client. Tests use this
// with a miniredis-backed client.
func NewWithClient[T any](client *redis.Client) *Bus[T] {
	return &Bus[T]{client: client}
}

// Publish publishes msg to a Redis channel.
func (b *Bus[T]) Publish(ctx context.Context, topic string, msg T) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, topic, payload).Err()
}

// Subscribe subscribes to a Redis channel. The handler runs on the pump
// goroutine; panics are recovered so one bad handler does not kill the pump.
func (b *Bus[T]) Subscribe(ctx context.Context, topic string, handler func(T)) (unsubscribe func()) {
	if handler == nil {
		logging.GetLogger().Error("redis bus: handler cannot be nil")
		return func() {}
	}

	pubsub := b.client.Subscribe(ctx, topic)

	var unsubscribeOnce sync.Once
	unsubscribe = func() {
		unsubscribeOnce.Do(func() {
			_ = pubsub.Close()
		})
	}

	go func() {
		defer unsubscribe()
		log := logging.GetLogger()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-ch:
				if msg == nil {
					return
				}
				var message T
				if err := json.Unmarshal([]byte(msg.Payload), &message); err != nil {
					log.Error("Failed to unmarshal message", "error", err)
					continue
				}

				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Error("panic in handler", "error", r)
						}
					}()
					handler(message)
				}()
			}
		}
	}()

	return unsubscribe
}

// SubscribeOnce subscribes to a topic for a single message.
func (b *Bus[T]) SubscribeOnce(ctx context.Context, topic string, handler func(T)) (unsubscribe func()) {
	if handler == nil {
		logging.GetLogger().Error("redis bus: handler cannot be nil")
		return func() {}
	}
	var once sync.Once
	// The handler can fire before Subscribe returns, so the unsubscribe it
	// calls must wait until the real one exists.
	ready := make(chan struct{})
	var regularUnsub func()

	proxyUnsub := func() {
		<-ready
		if regularUnsub != nil {
			regularUnsub()
		}
	}

	regularUnsub = b.Subscribe(ctx, topic, func(msg T) {
		once.Do(func() {
			handler(msg)
			proxyUnsub()
		})
	})

	close(ready)

	return proxyUnsub
}

// Close closes the Redis client.
func (b *Bus[T]) Close() error {
	return b.client.Close()
}
