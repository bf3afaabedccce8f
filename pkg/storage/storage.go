// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistence contract for registered servers,
// their tool snapshots, and execution history. Three backends implement it:
// memory (default), sqlite, and postgres.
package storage

import (
	"context"
	"time"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
)

// Store is the persistence interface used by the registry, catalog and
// execution engine. Implementations map missing rows to model.ErrNotFound and
// uniqueness violations to model.ErrConflict; they never return (nil, nil).
//
// All methods are safe for concurrent use. Implementations store and return
// deep copies, so callers may mutate arguments and results freely.
type Store interface {
	// CreateServer persists a new server. It fails with model.ErrConflict
	// when the id or name is already taken.
	CreateServer(ctx context.Context, srv *model.Server) error

	// GetServer returns the server with the given id.
	GetServer(ctx context.Context, id string) (*model.Server, error)

	// GetServerByName returns the server with the given unique name.
	GetServerByName(ctx context.Context, name string) (*model.Server, error)

	// ListServers returns servers matching the filter, ordered by name.
	// A non-positive Limit returns all matches past Offset.
	ListServers(ctx context.Context, filter model.ServerFilter) (model.Page[*model.Server], error)

	// UpdateServer replaces the stored server with the same id. Renaming
	// onto a name held by another server fails with model.ErrConflict.
	UpdateServer(ctx context.Context, srv *model.Server) error

	// DeleteServer removes the server and its tools. Execution history is
	// retained; pruning old records is DeleteExecutionsBefore's job.
	DeleteServer(ctx context.Context, id string) error

	// ReplaceServerTools swaps the server's tool set for the given one.
	// Tools absent from the new set are gone afterwards.
	ReplaceServerTools(ctx context.Context, serverID string, tools []*model.Tool) error

	// ListServerTools returns the server's tools ordered by name.
	ListServerTools(ctx context.Context, serverID string) ([]*model.Tool, error)

	// ListTools returns every stored tool ordered by server id, then name.
	ListTools(ctx context.Context) ([]*model.Tool, error)

	// SaveExecution inserts or updates an execution record by id.
	SaveExecution(ctx context.Context, exec *model.Execution) error

	// GetExecution returns the execution with the given id.
	GetExecution(ctx context.Context, id string) (*model.Execution, error)

	// ListExecutions returns executions matching the filter, newest first.
	// Since and Until bound StartedAt inclusively.
	ListExecutions(ctx context.Context, filter model.ExecutionFilter) (model.Page[*model.Execution], error)

	// DeleteExecutionsBefore removes terminal executions that started
	// before the cutoff and reports how many were removed. Pending and
	// running records are never touched.
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases backend resources.
	Close() error
}
