// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package catalog stores the tools advertised by each server. A discovery
// run replaces the full set for a server; reads are cached per server.
package catalog

import (
	"bytes"
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/metrics"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/storage"
)

// cacheTTL bounds how stale a per-server tool listing may get between
// discovery runs.
const cacheTTL = 15 * time.Minute

var (
	metricCacheHits   = []string{"cache", "hits"}
	metricCacheMisses = []string{"cache", "misses"}
)

// Diff summarises what one discovery run changed for a server.
type Diff struct {
	Total   int
	Added   int
	Removed int
	Changed int
}

// Catalog is the per-server tool catalog.
type Catalog struct {
	store storage.Store
	cache *ttlcache.Cache[string, []*model.Tool]
}

// New creates a catalog over the given store and starts the cache's expiry
// loop. Call Close when done.
func New(st storage.Store) *Catalog {
	c := ttlcache.New[string, []*model.Tool](
		ttlcache.WithTTL[string, []*model.Tool](cacheTTL),
	)
	go c.Start()
	return &Catalog{store: st, cache: c}
}

// Close stops the cache expiry loop.
func (c *Catalog) Close() {
	c.cache.Stop()
}

// Replace swaps the server's tool set for the discovered one and reports the
// diff. Replacing with an identical set is a no-op apart from the write, so
// repeated discovery is idempotent.
func (c *Catalog) Replace(ctx context.Context, serverID string, tools []*model.Tool) (Diff, error) {
	existing, err := c.store.ListServerTools(ctx, serverID)
	if err != nil {
		return Diff{}, err
	}

	diff := diffTools(existing, tools)
	if err := c.store.ReplaceServerTools(ctx, serverID, tools); err != nil {
		return Diff{}, err
	}
	c.cache.Delete(serverID)
	return diff, nil
}

// ListByServer returns the server's tools, cached for up to the TTL or until
// the next discovery write.
func (c *Catalog) ListByServer(ctx context.Context, serverID string) ([]*model.Tool, error) {
	if item := c.cache.Get(serverID); item != nil {
		metrics.IncrCounter(metricCacheHits, 1)
		return cloneTools(item.Value()), nil
	}
	metrics.IncrCounter(metricCacheMisses, 1)

	tools, err := c.store.ListServerTools(ctx, serverID)
	if err != nil {
		return nil, err
	}
	c.cache.Set(serverID, cloneTools(tools), ttlcache.DefaultTTL)
	return tools, nil
}

// Get returns one tool by (serverID, name).
func (c *Catalog) Get(ctx context.Context, serverID, name string) (*model.Tool, error) {
	tools, err := c.ListByServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	for _, tool := range tools {
		if tool.Name == name {
			return tool, nil
		}
	}
	return nil, model.NotFoundf("tool %q on server %s", name, serverID)
}

// Invalidate drops the cached listing, e.g. when the server is removed.
func (c *Catalog) Invalidate(serverID string) {
	c.cache.Delete(serverID)
}

func diffTools(existing, next []*model.Tool) Diff {
	prev := make(map[string]*model.Tool, len(existing))
	for _, tool := range existing {
		prev[tool.Name] = tool
	}

	diff := Diff{Total: len(next)}
	seen := make(map[string]struct{}, len(next))
	for _, tool := range next {
		seen[tool.Name] = struct{}{}
		old, ok := prev[tool.Name]
		switch {
		case !ok:
			diff.Added++
		case old.Description != tool.Description ||
			old.Version != tool.Version ||
			!bytes.Equal(old.InputSchema, tool.InputSchema):
			diff.Changed++
		}
	}
	for name := range prev {
		if _, ok := seen[name]; !ok {
			diff.Removed++
		}
	}
	return diff
}

func cloneTools(tools []*model.Tool) []*model.Tool {
	out := make([]*model.Tool, len(tools))
	for i, tool := range tools {
		out[i] = tool.Clone()
	}
	return out
}
