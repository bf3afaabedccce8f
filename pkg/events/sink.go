// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/bus"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/logging"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/metrics"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// publishTimeout bounds one bus publish so a stalled backend cannot wedge
// the pump goroutine forever.
const publishTimeout = 5 * time.Second

// Sink buffers event envelopes and publishes them onto the per-topic bus
// from a single pump goroutine. Emit never blocks: when the buffer is full
// the oldest queued event is dropped and counted.
type Sink struct {
	provider *bus.Provider
	buf      chan *Envelope

	mu     sync.Mutex
	closed bool

	done chan struct{}
}

// NewSink creates a sink with the given buffer capacity and starts its pump.
func NewSink(provider *bus.Provider, buffer int) *Sink {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &Sink{
		provider: provider,
		buf:      make(chan *Envelope, buffer),
		done:     make(chan struct{}),
	}
	go s.pump()
	return s
}

// Emit queues one event. It assigns the event id and timestamp, marshals the
// payload, and returns immediately. All failures are logged and swallowed.
func (s *Sink) Emit(t Type, payload any) {
	raw, err := jsonAPI.Marshal(payload)
	if err != nil {
		logging.GetLogger().Error("Failed to marshal event payload", "type", t, "error", err)
		return
	}
	env := &Envelope{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      t,
		Payload:   raw,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		logging.GetLogger().Debug("Dropping event emitted after sink close", "type", t)
		return
	}
	for {
		select {
		case s.buf <- env:
			return
		default:
		}
		// Full: drop the oldest queued event and retry.
		select {
		case dropped := <-s.buf:
			metrics.IncrCounter([]string{"events", "dropped"}, 1)
			logging.GetLogger().Warn("Event buffer full, dropping oldest event",
				"dropped_type", dropped.Type, "dropped_id", dropped.EventID)
		default:
		}
	}
}

// Close stops the sink after draining everything already queued. Emit calls
// racing with Close are dropped.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	close(s.buf)
	s.mu.Unlock()
	<-s.done
}

func (s *Sink) pump() {
	defer close(s.done)
	for env := range s.buf {
		s.publish(env)
	}
}

func (s *Sink) publish(env *Envelope) {
	log := logging.GetLogger()
	b, err := bus.GetBus[*Envelope](s.provider, topicFor(env.Type))
	if err != nil {
		log.Error("Failed to resolve event bus", "type", env.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.Publish(ctx, topicFor(env.Type), env); err != nil {
		log.Error("Failed to publish event", "type", env.Type, "event_id", env.EventID, "error", err)
	}
}

// topicFor maps an event type onto its bus topic.
func topicFor(t Type) string {
	switch t {
	case TypeServerRegistered, TypeServerUpdated, TypeServerDeleted:
		return bus.TopicServers
	case TypeToolsDiscovered:
		return bus.TopicTools
	default:
		return bus.TopicExecutions
	}
}
