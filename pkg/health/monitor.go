// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package health runs the background health and discovery loops and serves
// the on-demand probes (testConnection, discover).
package health

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/catalog"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/config"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/events"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/logging"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/mcp"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
)

// probeConcurrency caps how many servers a sweep touches at once.
const probeConcurrency = 8

// Connection is the slice of a pooled connection the monitor needs.
type Connection interface {
	Client() *mcp.Client
}

// Pool is the monitor's view of the connection pool. Acquire opens a
// connection when none is live; Release takes the acquired connection back.
type Pool interface {
	Acquire(ctx context.Context, serverID string) (Connection, error)
	Release(conn Connection)
}

// ServerDirectory resolves server records and receives health stamps; the
// registry implements it.
type ServerDirectory interface {
	Get(ctx context.Context, id string) (*model.Server, error)
	List(ctx context.Context, filter model.ServerFilter) (model.Page[*model.Server], error)
	RecordHealthCheck(ctx context.Context, id string, at time.Time, healthErr error)
}

// ToolWriter persists a discovered tool set; the catalog implements it.
type ToolWriter interface {
	Replace(ctx context.Context, serverID string, tools []*model.Tool) (catalog.Diff, error)
}

// DiscoveryError names one server whose scan failed.
type DiscoveryError struct {
	ServerID string `json:"serverId"`
	Error    string `json:"error"`
}

// DiscoveryReport summarises one discovery run.
type DiscoveryReport struct {
	ServersScanned  int              `json:"serversScanned"`
	ToolsDiscovered int              `json:"toolsDiscovered"`
	Errors          []DiscoveryError `json:"errors,omitempty"`
}

// ConnectionTest is the outcome of an on-demand connectivity probe.
type ConnectionTest struct {
	Success        bool           `json:"success"`
	ResponseTimeMs int64          `json:"responseTimeMs"`
	Capabilities   map[string]any `json:"capabilities,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Monitor owns the periodic health and discovery sweeps over active servers.
type Monitor struct {
	cfg     *config.Config
	servers ServerDirectory
	pool    Pool
	tools   ToolWriter
	sink    *events.Sink

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a monitor. Call Start to launch the loops.
func New(cfg *config.Config, servers ServerDirectory, pool Pool, tools ToolWriter, sink *events.Sink) *Monitor {
	return &Monitor{
		cfg:     cfg,
		servers: servers,
		pool:    pool,
		tools:   tools,
		sink:    sink,
		stop:    make(chan struct{}),
	}
}

// Start launches the health loop and the discovery loop.
func (m *Monitor) Start() {
	m.wg.Add(2)
	go m.loop(m.cfg.HealthInterval, m.checkServers)
	go m.loop(m.cfg.DiscoveryInterval, func(ctx context.Context) {
		if _, err := m.Discover(ctx, ""); err != nil {
			logging.GetLogger().Error("Periodic discovery failed", "error", err)
		}
	})
}

// Stop terminates both loops and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Monitor) loop(interval time.Duration, sweep func(context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			sweep(ctx)
			cancel()
		case <-m.stop:
			return
		}
	}
}

// checkServers pings every active server, opening a connection when none is
// live, and stamps the outcome on the server record.
func (m *Monitor) checkServers(ctx context.Context) {
	servers, err := m.activeServers(ctx)
	if err != nil {
		logging.GetLogger().Error("Health sweep could not list servers", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for _, srv := range servers {
		g.Go(func() error {
			m.checkOne(gctx, srv.ID)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) checkOne(ctx context.Context, serverID string) {
	now := time.Now().UTC()
	conn, err := m.pool.Acquire(ctx, serverID)
	if err != nil {
		m.servers.RecordHealthCheck(ctx, serverID, now, err)
		return
	}
	defer m.pool.Release(conn)

	err = conn.Client().Healthcheck(ctx)
	m.servers.RecordHealthCheck(ctx, serverID, time.Now().UTC(), err)
	if err != nil {
		logging.GetLogger().Warn("Health check failed", "server_id", serverID, "error", err)
	}
}

// Discover refreshes the tool catalog. With a serverID it scans that one
// server regardless of status; with an empty id it scans every active server.
func (m *Monitor) Discover(ctx context.Context, serverID string) (*DiscoveryReport, error) {
	var servers []*model.Server
	if serverID != "" {
		srv, err := m.servers.Get(ctx, serverID)
		if err != nil {
			return nil, err
		}
		servers = []*model.Server{srv}
	} else {
		var err error
		if servers, err = m.activeServers(ctx); err != nil {
			return nil, err
		}
	}

	report := &DiscoveryReport{ServersScanned: len(servers)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for _, srv := range servers {
		g.Go(func() error {
			count, err := m.discoverOne(gctx, srv.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors = append(report.Errors, DiscoveryError{ServerID: srv.ID, Error: err.Error()})
				return nil
			}
			report.ToolsDiscovered += count
			return nil
		})
	}
	_ = g.Wait() // per-server failures land in report.Errors

	sort.Slice(report.Errors, func(i, j int) bool {
		return report.Errors[i].ServerID < report.Errors[j].ServerID
	})
	return report, nil
}

// discoverOne lists the server's tools and replaces its catalog entry,
// reporting how many tools the server advertises.
func (m *Monitor) discoverOne(ctx context.Context, serverID string) (int, error) {
	conn, err := m.pool.Acquire(ctx, serverID)
	if err != nil {
		return 0, err
	}
	defer m.pool.Release(conn)

	descriptors, err := conn.Client().ListTools(ctx)
	if err != nil {
		return 0, err
	}

	tools := lo.Map(descriptors, func(d mcp.ToolDescriptor, _ int) *model.Tool {
		return &model.Tool{
			ServerID:    serverID,
			Name:        d.Name,
			Description: d.Description,
			InputSchema: append(json.RawMessage(nil), d.InputSchema...),
			Version:     d.Version,
		}
	})
	diff, err := m.tools.Replace(ctx, serverID, tools)
	if err != nil {
		return 0, err
	}

	if diff.Added > 0 || diff.Removed > 0 || diff.Changed > 0 {
		logging.GetLogger().Info("Tool catalog updated",
			"server_id", serverID, "total", diff.Total,
			"added", diff.Added, "removed", diff.Removed, "changed", diff.Changed)
	}
	m.sink.Emit(events.TypeToolsDiscovered, events.ToolsEvent{
		ServerID: serverID,
		Count:    diff.Total,
		Added:    diff.Added,
		Removed:  diff.Removed,
	})
	return diff.Total, nil
}

// TestConnection probes one server end to end: open (or reuse) a connection
// and ping it. Probe failures land in the result, not in the error return.
func (m *Monitor) TestConnection(ctx context.Context, serverID string) (*ConnectionTest, error) {
	if _, err := m.servers.Get(ctx, serverID); err != nil {
		return nil, err
	}

	start := time.Now()
	conn, err := m.pool.Acquire(ctx, serverID)
	if err != nil {
		return &ConnectionTest{
			ResponseTimeMs: time.Since(start).Milliseconds(),
			Error:          err.Error(),
		}, nil
	}
	defer m.pool.Release(conn)

	if err := conn.Client().Healthcheck(ctx); err != nil {
		return &ConnectionTest{
			ResponseTimeMs: time.Since(start).Milliseconds(),
			Error:          err.Error(),
		}, nil
	}

	test := &ConnectionTest{
		Success:        true,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
	if info := conn.Client().ServerInfo(); info != nil {
		test.Capabilities = info.Capabilities
	}
	return test, nil
}

func (m *Monitor) activeServers(ctx context.Context) ([]*model.Server, error) {
	page, err := m.servers.List(ctx, model.ServerFilter{Status: model.ServerActive})
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}
