// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package memory provides the in-process bus backend.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/logging"
)

// defaultPublishTimeout bounds how long Publish waits on a full subscriber
// channel before dropping the message for that subscriber.
const defaultPublishTimeout = 1 * time.Second

// Bus delivers messages over per-subscriber buffered channels, each drained
// by a dedicated goroutine so subscribers cannot block one another.
type Bus[T any] struct {
	mu             sync.RWMutex
	subscribers    map[string]map[uintptr]chan T
	nextID         uintptr
	publishTimeout time.Duration
}

// New creates an empty in-memory bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{
		subscribers:    make(map[string]map[uintptr]chan T),
		publishTimeout: defaultPublishTimeout,
	}
}

// Publish sends msg to every subscriber of topic. A subscriber whose channel
// stays full past the publish timeout misses the message; a warning is
// logged so the loss is visible.
func (b *Bus[T]) Publish(_ context.Context, topic string, msg T) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if subs, ok := b.subscribers[topic]; ok {
		for id, ch := range subs {
			select {
			case ch <- msg:
			case <-time.After(b.publishTimeout):
				logging.GetLogger().Warn("Message dropped on topic",
					"topic", topic, "subscriber_id", id, "timeout", b.publishTimeout)
			}
		}
	}
	return nil
}

// Subscribe registers a handler for topic. Each subscription gets a buffered
// channel and its own goroutine; the returned function removes the
// subscription and stops that goroutine.
func (b *Bus[T]) Subscribe(_ context.Context, topic string, handler func(T)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[uintptr]chan T)
	}

	ch := make(chan T, 128)
	b.subscribers[topic][id] = ch

	go func() {
		for msg := range ch {
			handler(msg)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if subs, ok := b.subscribers[topic]; ok {
			if subCh, ok := subs[id]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.subscribers, topic)
				}
				close(subCh)
			}
		}
	}
}

// SubscribeOnce registers a handler that fires for at most one message.
func (b *Bus[T]) SubscribeOnce(ctx context.Context, topic string, handler func(T)) (unsubscribe func()) {
	var once sync.Once
	var unsub func()

	unsub = b.Subscribe(ctx, topic, func(msg T) {
		once.Do(func() {
			unsub()
			handler(msg)
		})
	})
	return unsub
}
