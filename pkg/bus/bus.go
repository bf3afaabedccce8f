// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package bus defines the typed message bus used by the event sink and the
// provider that selects a backend (memory, kafka, redis, nats) per topic.
package bus

import (
	"context"
	"fmt"
	"sync"

	xsync "github.com/puzpuzpuz/xsync/v4"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/bus/kafka"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/bus/memory"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/bus/nats"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/bus/redis"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/config"
)

// Bus is a typed publish/subscribe channel. Handlers run on bus-owned
// goroutines; a slow handler never blocks Publish.
type Bus[T any] interface {
	// Publish sends a message to all subscribers of the topic.
	Publish(ctx context.Context, topic string, msg T) error

	// Subscribe registers a handler for the topic and returns a function
	// that removes the subscription.
	Subscribe(ctx context.Context, topic string, handler func(T)) (unsubscribe func())

	// SubscribeOnce registers a handler that fires for at most one message
	// before the subscription removes itself.
	SubscribeOnce(ctx context.Context, topic string, handler func(T)) (unsubscribe func())
}

// Provider hands out one bus instance per topic, creating backends lazily
// from the configured bus kind.
type Provider struct {
	buses *xsync.Map[string, any]
	cfg   *config.Config

	// natsMu guards natsURL: when the configured URL is empty the first
	// nats bus starts an embedded server and later buses must join it.
	natsMu  sync.Mutex
	natsURL string
}

// NewProviderHook is a test hook for overriding the NewProvider logic.
var NewProviderHook func(*config.Config) (*Provider, error)

// NewProvider creates a Provider for the configured backend.
func NewProvider(cfg *config.Config) (*Provider, error) {
	if NewProviderHook != nil {
		return NewProviderHook(cfg)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	switch cfg.Bus {
	case config.BusMemory, config.BusKafka, config.BusRedis, config.BusNATS:
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Bus)
	}
	return &Provider{
		buses:   xsync.NewMap[string, any](),
		cfg:     cfg,
		natsURL: cfg.NATSURL,
	}, nil
}

// GetBusHook is a test hook for overriding the bus retrieval logic.
var GetBusHook func(p *Provider, topic string) (any, error)

// GetBus returns the bus for the given topic, creating it on first use. The
// type parameter must be consistent per topic; mixing types on one topic
// panics on the interface assertion.
func GetBus[T any](p *Provider, topic string) (Bus[T], error) {
	if GetBusHook != nil {
		b, err := GetBusHook(p, topic)
		if err != nil {
			return nil, err
		}
		if b != nil {
			return b.(Bus[T]), nil
		}
	}

	if b, ok := p.buses.Load(topic); ok {
		return b.(Bus[T]), nil
	}

	var newBus Bus[T]
	var err error

	switch p.cfg.Bus {
	case config.BusMemory:
		newBus = memory.New[T]()
	case config.BusRedis:
		newBus = redis.New[T](p.cfg.RedisAddr, p.cfg.RedisDB)
	case config.BusNATS:
		p.natsMu.Lock()
		var nb *nats.Bus[T]
		nb, err = nats.New[T](p.natsURL)
		if err == nil {
			p.natsURL = nb.ClientURL()
		}
		p.natsMu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("failed to create nats bus: %w", err)
		}
		newBus = nb
	case config.BusKafka:
		newBus, err = kafka.New[T](p.cfg.KafkaBrokers, p.cfg.KafkaPrefix, p.cfg.KafkaGroup)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka bus: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown bus backend %q", p.cfg.Bus)
	}

	b, _ := p.buses.LoadOrStore(topic, newBus)
	return b.(Bus[T]), nil
}
