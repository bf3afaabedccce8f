// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package kafka provides a Kafka bus backend.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/logging"
)

// writerInterface allows mocking kafka.Writer.
type writerInterface interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// readerInterface allows mocking kafka.Reader.
type readerInterface interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
	Close() error
}

// Bus publishes messages as JSON onto prefixed Kafka topics.
type Bus[T any] struct {
	writer        writerInterface
	brokers       []string
	topicPrefix   string
	consumerGroup string
	readerCreator func(config kafkago.ReaderConfig) readerInterface
}

// New creates a bus for the given brokers. An empty consumerGroup gives
// broadcast behaviour: every subscriber gets every message.
func New[T any](brokers []string, topicPrefix, consumerGroup string) (*Bus[T], error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are missing")
	}

	writer := &kafkago.Writer{
		Addr:     kafkago.TCP(brokers...),
		Balancer: &kafkago.LeastBytes{},
	}

	return &Bus[T]{
		writer:        writer,
		brokers:       brokers,
		topicPrefix:   topicPrefix,
		consumerGroup: consumerGroup,
		readerCreator: func(c kafkago.ReaderConfig) readerInterface {
			return kafkago.NewReader(c)
		},
	}, nil
}

// Publish publishes msg to the prefixed Kafka topic.
func (b *Bus[T]) Publish(ctx context.Context, topic string, msg T) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return b.writer.WriteMessages(ctx, kafkago.Message{
		Topic: b.topicPrefix + topic,
		Value: payload,
	})
}

// Subscribe starts a reader for the prefixed topic and pumps messages into
// the handler until the context ends or unsubscribe is called.
func (b *Bus[T]) Subscribe(ctx context.Context, topic string, handler func(T)) (unsubscribe func()) {
	if handler == nil {
		logging.GetLogger().Error("kafka bus: handler cannot be nil")
		return func() {}
	}

	groupID := b.consumerGroup
	if groupID == "" {
		// Unique group per subscription so every instance sees every message.
		groupID = fmt.Sprintf("mcp-core-%s", uuid.New().String())
	}

	reader := b.readerCreator(kafkago.ReaderConfig{
		Brokers:  b.brokers,
		GroupID:  groupID,
		Topic:    b.topicPrefix + topic,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	ctx, cancel := context.WithCancel(ctx)
	var once sync.Once

	unsubscribe = func() {
		once.Do(func() {
			cancel()
			_ = reader.Close()
		})
	}

	go func() {
		defer unsubscribe()
		log := logging.GetLogger()

		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				// Cancelled, unsubscribed, or the reader was closed under
				// us; all of them end the pump.
				return
			}

			var message T
			if err := json.Unmarshal(m.Value, &message); err != nil {
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
	}()

	return unsubscribe
}

// SubscribeOnce subscribes to a topic for a single message.
func (b *Bus[T]) SubscribeOnce(ctx context.Context, topic string, handler func(T)) (unsubscribe func()) {
	if handler == nil {
		logging.GetLogger().Error("kafka bus: handler cannot be nil")
		return func() {}
	}
	var once sync.Once
	var unsub func()

	unsub = b.Subscribe(ctx, topic, func(msg T) {
		once.Do(func() {
			handler(msg)
			unsub()
		})
	})
	return unsub
}

// Close closes the Kafka writer.
func (b *Bus[T]) Close() error {
	return b.writer.Close()
}
