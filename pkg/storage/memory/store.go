// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package memory provides the in-memory storage backend. It is the default
// backend and the one the test suites run against.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
)

// Store implements storage.Store with maps guarded by a single RWMutex.
type Store struct {
	mu         sync.RWMutex
	servers    map[string]*model.Server    // by id
	names      map[string]string           // name -> id
	tools      map[string][]*model.Tool    // server id -> tools, sorted by name
	executions map[string]*model.Execution // by id
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		servers:    make(map[string]*model.Server),
		names:      make(map[string]string),
		tools:      make(map[string][]*model.Tool),
		executions: make(map[string]*model.Execution),
	}
}

// CreateServer persists a new server.
func (s *Store) CreateServer(_ context.Context, srv *model.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[srv.ID]; ok {
		return model.Conflictf("server %s already exists", srv.ID)
	}
	if _, ok := s.names[srv.Name]; ok {
		return model.Conflictf("server name %q is already taken", srv.Name)
	}
	s.servers[srv.ID] = srv.Clone()
	s.names[srv.Name] = srv.ID
	return nil
}

// GetServer returns the server with the given id.
func (s *Store) GetServer(_ context.Context, id string) (*model.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	srv, ok := s.servers[id]
	if !ok {
		return nil, model.NotFoundf("server %s", id)
	}
	return srv.Clone(), nil
}

// GetServerByName returns the server with the given unique name.
func (s *Store) GetServerByName(_ context.Context, name string) (*model.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.names[name]
	if !ok {
		return nil, model.NotFoundf("server named %q", name)
	}
	return s.servers[id].Clone(), nil
}

// ListServers returns servers matching the filter, ordered by name.
func (s *Store) ListServers(_ context.Context, filter model.ServerFilter) (model.Page[*model.Server], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*model.Server, 0, len(s.servers))
	for _, srv := range s.servers {
		if !matchesServer(srv, filter) {
			continue
		}
		matched = append(matched, srv)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })

	page := model.Page[*model.Server]{
		Total:  len(matched),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}
	matched = window(matched, filter.Offset, filter.Limit)
	page.Items = make([]*model.Server, 0, len(matched))
	for _, srv := range matched {
		page.Items = append(page.Items, srv.Clone())
	}
	return page, nil
}

func matchesServer(srv *model.Server, filter model.ServerFilter) bool {
	if filter.Status != "" && srv.Status != filter.Status {
		return false
	}
	if filter.Transport != "" && srv.Transport.Kind != filter.Transport {
		return false
	}
	if filter.Name != "" && !strings.Contains(strings.ToLower(srv.Name), strings.ToLower(filter.Name)) {
		return false
	}
	return true
}

// window applies offset/limit to a sorted slice. A non-positive limit means
// everything past the offset.
func window[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// UpdateServer replaces the stored server with the same id.
func (s *Store) UpdateServer(_ context.Context, srv *model.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.servers[srv.ID]
	if !ok {
		return model.NotFoundf("server %s", srv.ID)
	}
	if srv.Name != prev.Name {
		if _, taken := s.names[srv.Name]; taken {
			return model.Conflictf("server name %q is already taken", srv.Name)
		}
		delete(s.names, prev.Name)
		s.names[srv.Name] = srv.ID
	}
	s.servers[srv.ID] = srv.Clone()
	return nil
}

// DeleteServer removes the server and its tools, keeping execution history.
func (s *Store) DeleteServer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.servers[id]
	if !ok {
		return model.NotFoundf("server %s", id)
	}
	delete(s.names, srv.Name)
	delete(s.servers, id)
	delete(s.tools, id)
	return nil
}

// ReplaceServerTools swaps the server's tool set for the given one.
func (s *Store) ReplaceServerTools(_ context.Context, serverID string, tools []*model.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[serverID]; !ok {
		return model.NotFoundf("server %s", serverID)
	}
	next := make([]*model.Tool, 0, len(tools))
	for _, t := range tools {
		c := t.Clone()
		c.ServerID = serverID
		next = append(next, c)
	}
	sort.Slice(next, func(i, j int) bool { return next[i].Name < next[j].Name })
	s.tools[serverID] = next
	return nil
}

// ListServerTools returns the server's tools ordered by name.
func (s *Store) ListServerTools(_ context.Context, serverID string) ([]*model.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Tool, 0, len(s.tools[serverID]))
	for _, t := range s.tools[serverID] {
		out = append(out, t.Clone())
	}
	return out, nil
}

// ListTools returns every stored tool ordered by server id, then name.
func (s *Store) ListTools(_ context.Context) ([]*model.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.tools))
	for id := range s.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*model.Tool
	for _, id := range ids {
		for _, t := range s.tools[id] {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

// SaveExecution inserts or updates an execution record by id.
func (s *Store) SaveExecution(_ context.Context, exec *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.executions[exec.ID] = exec.Clone()
	return nil
}

// GetExecution returns the execution with the given id.
func (s *Store) GetExecution(_ context.Context, id string) (*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, model.NotFoundf("execution %s", id)
	}
	return exec.Clone(), nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(_ context.Context, filter model.ExecutionFilter) (model.Page[*model.Execution], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*model.Execution, 0, len(s.executions))
	for _, exec := range s.executions {
		if !matchesExecution(exec, filter) {
			continue
		}
		matched = append(matched, exec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].StartedAt.After(matched[j].StartedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	page := model.Page[*model.Execution]{
		Total:  len(matched),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}
	matched = window(matched, filter.Offset, filter.Limit)
	page.Items = make([]*model.Execution, 0, len(matched))
	for _, exec := range matched {
		page.Items = append(page.Items, exec.Clone())
	}
	return page, nil
}

func matchesExecution(exec *model.Execution, filter model.ExecutionFilter) bool {
	if filter.ServerID != "" && exec.ServerID != filter.ServerID {
		return false
	}
	if filter.Status != "" && exec.Status != filter.Status {
		return false
	}
	if filter.Since != nil && exec.StartedAt.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && exec.StartedAt.After(*filter.Until) {
		return false
	}
	return true
}

// DeleteExecutionsBefore removes terminal executions started before cutoff.
func (s *Store) DeleteExecutionsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, exec := range s.executions {
		if exec.Status.Terminal() && exec.StartedAt.Before(cutoff) {
			delete(s.executions, id)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory backend.
func (s *Store) Close() error {
	return nil
}
