// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/bus"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/catalog"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/config"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/engine"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/events"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/health"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/logging"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/metrics"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/pool"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/registry"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/service"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/storage"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/storage/memory"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/storage/postgres"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/storage/sqlite"
)

// runServe wires the core together and blocks until ctx is cancelled, then
// shuts the pieces down in dependency order.
func runServe(ctx context.Context, configPath, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load() // a missing .env is fine
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logging.Init(logging.ToSlogLevel(cfg.LogLevel), os.Stderr, cfg.LogFormat)
	log := logging.GetLogger().With("service", appName)
	if err := metrics.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	provider, err := bus.NewProvider(cfg)
	if err != nil {
		return err
	}
	sink := events.NewSink(provider, cfg.EventSinkBuffer)

	reg := registry.New(store, sink)
	cat := catalog.New(store)

	connections := pool.New(cfg, reg, reg)
	connections.Start()

	eng := engine.New(cfg, store, reg, cat, service.EnginePool(connections), sink)
	eng.Start()

	monitor := health.New(cfg, reg, service.MonitorPool(connections), cat, sink)
	monitor.Start()

	core := service.New(reg, cat, eng, monitor, connections)

	checker := health.NewChecker(store, connections, cfg.MaxConnections)
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.StartServer(cfg.MetricsAddr, health.Handler(checker)); err != nil {
				log.Error("Metrics server stopped", "error", err)
			}
		}()
	}

	if page, err := core.ListServers(ctx, model.ServerFilter{}); err == nil {
		log.Info("Integration core started",
			"storage", cfg.Storage, "bus", cfg.Bus,
			"registered_servers", page.Total, "max_connections", cfg.MaxConnections)
	}

	<-ctx.Done()
	log.Info("Shutting down")

	monitor.Stop()
	eng.Stop()
	connections.Stop()
	sink.Close()
	checker.Stop()
	if err := store.Close(); err != nil {
		log.Error("Failed to close store", "error", err)
	}
	log.Info("Shutdown complete")
	return nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage {
	case config.StorageSQLite:
		db, err := sqlite.NewDB(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return sqlite.NewStore(db), nil
	case config.StoragePostgres:
		db, err := postgres.NewDB(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return postgres.NewStore(db), nil
	default:
		return memory.NewStore(), nil
	}
}
