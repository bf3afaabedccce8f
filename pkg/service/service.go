// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package service is the inbound API facade: one method per operation the
// core exposes to upstream callers, orchestrating registry, catalog, pool,
// engine and monitor.
package service

import (
	"context"
	"encoding/json"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/catalog"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/engine"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/health"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/logging"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/pool"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/registry"
)

// ConnectionDropper is the slice of the pool the facade needs for lifecycle
// orchestration: dropping a server's connection when its record changes.
type ConnectionDropper interface {
	Remove(ctx context.Context, serverID string)
}

// Prober serves the on-demand health operations; the monitor implements it.
type Prober interface {
	TestConnection(ctx context.Context, serverID string) (*health.ConnectionTest, error)
	Discover(ctx context.Context, serverID string) (*health.DiscoveryReport, error)
}

// Service is the inbound API facade.
type Service struct {
	registry *registry.Registry
	catalog  *catalog.Catalog
	engine   *engine.Engine
	prober   Prober
	pool     ConnectionDropper
}

// New wires the facade over its collaborators.
func New(reg *registry.Registry, cat *catalog.Catalog, eng *engine.Engine, prober Prober, dropper ConnectionDropper) *Service {
	return &Service{
		registry: reg,
		catalog:  cat,
		engine:   eng,
		prober:   prober,
		pool:     dropper,
	}
}

// ListServers lists registered servers.
func (s *Service) ListServers(ctx context.Context, filter model.ServerFilter) (model.Page[*model.Server], error) {
	return s.registry.List(ctx, filter)
}

// GetServer returns one server by id.
func (s *Service) GetServer(ctx context.Context, id string) (*model.Server, error) {
	return s.registry.Get(ctx, id)
}

// CreateServer registers a server. It starts inactive and disconnected.
func (s *Service) CreateServer(ctx context.Context, req registry.CreateRequest) (*model.Server, error) {
	return s.registry.Create(ctx, req)
}

// UpdateServer applies a partial update. A change to the transport config or
// a deactivation drops the pooled connection so the next acquire sees the new
// state.
func (s *Service) UpdateServer(ctx context.Context, id string, req registry.UpdateRequest) (*model.Server, error) {
	srv, err := s.registry.Update(ctx, id, req)
	if err != nil {
		return nil, err
	}
	if req.Transport != nil || (req.Status != nil && *req.Status != model.ServerActive) {
		s.pool.Remove(ctx, id)
	}
	return srv, nil
}

// DeleteServer removes a server: its connection is closed first, then the
// record (cascading its tools) and the cached tool listing go. Execution
// history older than the retention window is pruned along the way; recent
// records stay for audit.
func (s *Service) DeleteServer(ctx context.Context, id string) error {
	s.pool.Remove(ctx, id)
	if err := s.registry.Delete(ctx, id); err != nil {
		return err
	}
	s.catalog.Invalidate(id)
	if n, err := s.engine.PruneHistory(ctx); err != nil {
		logging.GetLogger().Error("Failed to prune execution history", "server_id", id, "error", err)
	} else if n > 0 {
		logging.GetLogger().Info("Pruned execution history", "removed", n)
	}
	logging.GetLogger().Info("Server deleted", "server_id", id)
	return nil
}

// TestConnection probes a server end to end.
func (s *Service) TestConnection(ctx context.Context, id string) (*health.ConnectionTest, error) {
	return s.prober.TestConnection(ctx, id)
}

// ListTools returns the server's discovered tools.
func (s *Service) ListTools(ctx context.Context, serverID string) ([]*model.Tool, error) {
	if _, err := s.registry.Get(ctx, serverID); err != nil {
		return nil, err
	}
	return s.catalog.ListByServer(ctx, serverID)
}

// Discover refreshes the tool catalog for one server, or for every active
// server when serverID is empty.
func (s *Service) Discover(ctx context.Context, serverID string) (*health.DiscoveryReport, error) {
	return s.prober.Discover(ctx, serverID)
}

// Execute runs a tool invocation. See engine.Options for sync/async and
// timeout behaviour.
func (s *Service) Execute(ctx context.Context, serverID, method string, params json.RawMessage, opts engine.Options) (*model.Execution, error) {
	return s.engine.Execute(ctx, serverID, method, params, opts)
}

// GetExecution returns an execution by id, in-flight or persisted.
func (s *Service) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	return s.engine.GetExecution(ctx, id)
}

// CancelExecution requests cancellation of an in-flight execution.
func (s *Service) CancelExecution(ctx context.Context, id string) error {
	return s.engine.Cancel(ctx, id)
}

// ListExecutions lists executions, merging the in-flight view per the
// engine's rules.
func (s *Service) ListExecutions(ctx context.Context, filter model.ExecutionFilter) (model.Page[*model.Execution], error) {
	return s.engine.ListExecutions(ctx, filter)
}

// EnginePool presents a *pool.Pool through the interface the engine consumes.
func EnginePool(p *pool.Pool) engine.Pool { return enginePool{p} }

// MonitorPool presents a *pool.Pool through the interface the monitor consumes.
func MonitorPool(p *pool.Pool) health.Pool { return monitorPool{p} }

type enginePool struct{ p *pool.Pool }

func (a enginePool) Acquire(ctx context.Context, serverID string) (engine.Connection, error) {
	conn, err := a.p.Acquire(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (a enginePool) Release(c engine.Connection) {
	if conn, ok := c.(*pool.Conn); ok {
		a.p.Release(conn)
	}
}

type monitorPool struct{ p *pool.Pool }

func (a monitorPool) Acquire(ctx context.Context, serverID string) (health.Connection, error) {
	conn, err := a.p.Acquire(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (a monitorPool) Release(c health.Connection) {
	if conn, ok := c.(*pool.Conn); ok {
		a.p.Release(conn)
	}
}
