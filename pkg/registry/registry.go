// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package registry owns the server records: validated CRUD, cached reads,
// lifecycle events, and the connection-state projection written by the pool.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	gocache_store "github.com/eko/gocache/store/go_cache/v4"
	"github.com/google/uuid"
	go_cache "github.com/patrickmn/go-cache"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/events"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/logging"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/metrics"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/storage"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/transport"
)

// Cache TTLs: single server entries live longer than list results, which go
// stale on any concurrent mutation of the filter space.
const (
	serverTTL = 5 * time.Minute
	listTTL   = 30 * time.Second
)

var (
	metricCacheHits   = []string{"cache", "hits"}
	metricCacheMisses = []string{"cache", "misses"}
)

// CreateRequest is the caller-supplied part of a new server.
type CreateRequest struct {
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Transport   model.TransportConfig `json:"transport"`
	Metadata    map[string]string     `json:"metadata,omitempty"`
}

// UpdateRequest patches an existing server. Nil fields are left unchanged.
// Transport may only adjust the sub-config of the existing kind; changing
// the kind fails with model.ErrTransportImmutable.
type UpdateRequest struct {
	Name        *string                `json:"name,omitempty"`
	Description *string                `json:"description,omitempty"`
	Status      *model.ServerStatus    `json:"status,omitempty"`
	Transport   *model.TransportConfig `json:"transport,omitempty"`
	Metadata    map[string]string      `json:"metadata,omitempty"`
}

// Registry is the server registry. Reads are served from an in-process
// cache; writes are serialised per server id and invalidate the affected
// cache keys.
type Registry struct {
	store storage.Store
	sink  *events.Sink
	cache *cache.Cache[any]

	// listMu guards the set of issued list cache keys so invalidation can
	// enumerate them without a wildcard scan.
	listMu   sync.Mutex
	listKeys map[string]struct{}

	locks sync.Map // serverID -> *sync.Mutex
}

// New creates a registry over the given store and event sink.
func New(st storage.Store, sink *events.Sink) *Registry {
	goCacheStore := gocache_store.NewGoCache(go_cache.New(serverTTL, 10*time.Minute))
	return &Registry{
		store:    st,
		sink:     sink,
		cache:    cache.New[any](goCacheStore),
		listKeys: make(map[string]struct{}),
	}
}

func (r *Registry) lockFor(id string) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Create validates and persists a new server. New servers start inactive and
// disconnected; activation is an explicit update.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*model.Server, error) {
	if req.Name == "" {
		return nil, model.Validationf("server name must not be empty")
	}
	if err := transport.ValidateConfig(req.Transport); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	srv := &model.Server{
		ID:               uuid.NewString(),
		Name:             req.Name,
		Description:      req.Description,
		Transport:        req.Transport,
		Status:           model.ServerInactive,
		ConnectionStatus: model.ConnDisconnected,
		Metadata:         req.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.CreateServer(ctx, srv); err != nil {
		return nil, err
	}

	r.invalidateLists(ctx)
	r.cacheServer(ctx, srv)
	r.sink.Emit(events.TypeServerRegistered, events.ServerEvent{
		ServerID:  srv.ID,
		Name:      srv.Name,
		Transport: string(srv.Transport.Kind),
	})
	logging.GetLogger().Info("Server registered", "server_id", srv.ID, "name", srv.Name, "transport", srv.Transport.Kind)
	return srv.Clone(), nil
}

// Get returns one server, from cache when fresh.
func (r *Registry) Get(ctx context.Context, id string) (*model.Server, error) {
	if v, err := r.cache.Get(ctx, serverKey(id)); err == nil {
		if srv, ok := v.(*model.Server); ok {
			metrics.IncrCounter(metricCacheHits, 1)
			return srv.Clone(), nil
		}
	}
	metrics.IncrCounter(metricCacheMisses, 1)

	srv, err := r.store.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cacheServer(ctx, srv)
	return srv, nil
}

// List returns servers matching the filter. Results are cached briefly per
// normalised filter tuple.
func (r *Registry) List(ctx context.Context, filter model.ServerFilter) (model.Page[*model.Server], error) {
	key := listKey(filter)
	if v, err := r.cache.Get(ctx, key); err == nil {
		if page, ok := v.(model.Page[*model.Server]); ok {
			metrics.IncrCounter(metricCacheHits, 1)
			return clonePage(page), nil
		}
	}
	metrics.IncrCounter(metricCacheMisses, 1)

	page, err := r.store.ListServers(ctx, filter)
	if err != nil {
		return model.Page[*model.Server]{}, err
	}

	if err := r.cache.Set(ctx, key, clonePage(page), store.WithExpiration(listTTL)); err == nil {
		r.listMu.Lock()
		r.listKeys[key] = struct{}{}
		r.listMu.Unlock()
	}
	return page, nil
}

// Update applies a patch. The transport kind is immutable for the lifetime
// of the server.
func (r *Registry) Update(ctx context.Context, id string, req UpdateRequest) (*model.Server, error) {
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	srv, err := r.store.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Transport != nil {
		if req.Transport.Kind != srv.Transport.Kind {
			return nil, fmt.Errorf("%w: cannot change transport from %q to %q",
				model.ErrTransportImmutable, srv.Transport.Kind, req.Transport.Kind)
		}
		if err := transport.ValidateConfig(*req.Transport); err != nil {
			return nil, err
		}
		srv.Transport = *req.Transport
	}
	if req.Name != nil {
		if *req.Name == "" {
			return nil, model.Validationf("server name must not be empty")
		}
		srv.Name = *req.Name
	}
	if req.Description != nil {
		srv.Description = *req.Description
	}
	if req.Status != nil {
		switch *req.Status {
		case model.ServerActive, model.ServerInactive, model.ServerError:
		default:
			return nil, model.Validationf("unknown server status %q", *req.Status)
		}
		srv.Status = *req.Status
	}
	if req.Metadata != nil {
		srv.Metadata = req.Metadata
	}
	srv.UpdatedAt = time.Now().UTC()

	if err := r.store.UpdateServer(ctx, srv); err != nil {
		return nil, err
	}

	r.invalidate(ctx, id)
	r.cacheServer(ctx, srv)
	r.sink.Emit(events.TypeServerUpdated, events.ServerEvent{
		ServerID:  srv.ID,
		Name:      srv.Name,
		Transport: string(srv.Transport.Kind),
	})
	return srv.Clone(), nil
}

// Delete removes the server and, through the store, its tools.
func (r *Registry) Delete(ctx context.Context, id string) error {
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	srv, err := r.store.GetServer(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.DeleteServer(ctx, id); err != nil {
		return err
	}

	r.invalidate(ctx, id)
	r.locks.Delete(id)
	r.sink.Emit(events.TypeServerDeleted, events.ServerEvent{
		ServerID: srv.ID,
		Name:     srv.Name,
	})
	logging.GetLogger().Info("Server deleted", "server_id", id, "name", srv.Name)
	return nil
}

// ResolveServer provides the pool with the transport config for a server.
func (r *Registry) ResolveServer(ctx context.Context, serverID string) (*model.Server, error) {
	return r.Get(ctx, serverID)
}

// SetConnectionStatus projects the pool's connection state onto the server
// record. Failures are logged: the connection itself is already in the
// reported state regardless of whether the projection persisted.
func (r *Registry) SetConnectionStatus(ctx context.Context, serverID string, status model.ConnectionStatus, lastError string) {
	r.project(ctx, serverID, func(srv *model.Server) {
		srv.ConnectionStatus = status
		srv.LastError = lastError
	})
}

// SetServerInfo records the handshake result on the server.
func (r *Registry) SetServerInfo(ctx context.Context, serverID string, info *model.ServerInfo) {
	r.project(ctx, serverID, func(srv *model.Server) {
		srv.ServerInfo = info
	})
}

// RecordHealthCheck stamps the latest probe outcome.
func (r *Registry) RecordHealthCheck(ctx context.Context, serverID string, at time.Time, healthErr error) {
	r.project(ctx, serverID, func(srv *model.Server) {
		srv.LastHealthCheck = &at
		if healthErr != nil {
			srv.LastError = healthErr.Error()
		}
	})
}

// project applies a mutation to the stored server under the per-server lock.
func (r *Registry) project(ctx context.Context, serverID string, apply func(*model.Server)) {
	mu := r.lockFor(serverID)
	mu.Lock()
	defer mu.Unlock()

	srv, err := r.store.GetServer(ctx, serverID)
	if err != nil {
		// Deleted servers race with late pool callbacks; nothing to project.
		logging.GetLogger().Debug("Skipping status projection", "server_id", serverID, "error", err)
		return
	}
	apply(srv)
	srv.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateServer(ctx, srv); err != nil {
		logging.GetLogger().Warn("Failed to persist status projection", "server_id", serverID, "error", err)
		return
	}
	r.invalidate(ctx, serverID)
	r.cacheServer(ctx, srv)
}

func (r *Registry) cacheServer(ctx context.Context, srv *model.Server) {
	_ = r.cache.Set(ctx, serverKey(srv.ID), srv.Clone(), store.WithExpiration(serverTTL))
}

// invalidate drops the single-server entry and every issued list key.
func (r *Registry) invalidate(ctx context.Context, id string) {
	_ = r.cache.Delete(ctx, serverKey(id))
	r.invalidateLists(ctx)
}

func (r *Registry) invalidateLists(ctx context.Context) {
	r.listMu.Lock()
	keys := make([]string, 0, len(r.listKeys))
	for k := range r.listKeys {
		keys = append(keys, k)
	}
	r.listKeys = make(map[string]struct{})
	r.listMu.Unlock()

	for _, k := range keys {
		_ = r.cache.Delete(ctx, k)
	}
}

func serverKey(id string) string {
	return "server:" + id
}

// listKey normalises a filter into a structured cache key.
func listKey(f model.ServerFilter) string {
	return fmt.Sprintf("servers:%s|%s|%s|%d|%d", f.Status, f.Transport, f.Name, f.Limit, f.Offset)
}

func clonePage(p model.Page[*model.Server]) model.Page[*model.Server] {
	out := p
	out.Items = make([]*model.Server, len(p.Items))
	for i, srv := range p.Items {
		out.Items[i] = srv.Clone()
	}
	return out
}
