// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Store implements storage.Store on PostgreSQL. Semantics match the sqlite
// backend; only the placeholder style and timestamp columns differ.
type Store struct {
	db *DB
}

// NewStore creates a new PostgreSQL store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateServer persists a new server, failing with model.ErrConflict when the
// id or name is taken.
func (s *Store) CreateServer(ctx context.Context, srv *model.Server) error {
	payload, err := jsonAPI.Marshal(srv)
	if err != nil {
		return fmt.Errorf("failed to marshal server: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id, name string
	err = tx.QueryRowContext(ctx,
		"SELECT id, name FROM servers WHERE id = $1 OR name = $2 LIMIT 1",
		srv.ID, srv.Name).Scan(&id, &name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to check for existing server: %w", err)
	case id == srv.ID:
		return model.Conflictf("server %s already exists", srv.ID)
	default:
		return model.Conflictf("server name %q is already taken", srv.Name)
	}

	query := `
	INSERT INTO servers (id, name, status, transport, payload)
	VALUES ($1, $2, $3, $4, $5)`
	_, err = tx.ExecContext(ctx, query,
		srv.ID, srv.Name, string(srv.Status), string(srv.Transport.Kind), string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert server: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// GetServer returns the server with the given id.
func (s *Store) GetServer(ctx context.Context, id string) (*model.Server, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM servers WHERE id = $1", id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundf("server %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query server: %w", err)
	}
	return unmarshalServer(payload)
}

// GetServerByName returns the server with the given unique name.
func (s *Store) GetServerByName(ctx context.Context, name string) (*model.Server, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM servers WHERE name = $1", name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundf("server named %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query server: %w", err)
	}
	return unmarshalServer(payload)
}

// ListServers returns servers matching the filter, ordered by name.
func (s *Store) ListServers(ctx context.Context, filter model.ServerFilter) (model.Page[*model.Server], error) {
	page := model.Page[*model.Server]{
		Items:  make([]*model.Server, 0),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}

	where := make([]string, 0, 3)
	args := make([]any, 0, 5)
	add := func(cond string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Transport != "" {
		add("transport = $%d", string(filter.Transport))
	}
	if filter.Name != "" {
		add("LOWER(name) LIKE $%d", "%"+strings.ToLower(filter.Name)+"%")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM servers"+clause, args...).Scan(&page.Total)
	if err != nil {
		return page, fmt.Errorf("failed to count servers: %w", err)
	}

	query := "SELECT payload FROM servers" + clause + " ORDER BY name ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return page, fmt.Errorf("failed to query servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return page, fmt.Errorf("failed to scan server payload: %w", err)
		}
		srv, err := unmarshalServer(payload)
		if err != nil {
			return page, err
		}
		page.Items = append(page.Items, srv)
	}
	if err := rows.Err(); err != nil {
		return page, fmt.Errorf("error iterating servers: %w", err)
	}
	return page, nil
}

// UpdateServer replaces the stored server with the same id.
func (s *Store) UpdateServer(ctx context.Context, srv *model.Server) error {
	payload, err := jsonAPI.Marshal(srv)
	if err != nil {
		return fmt.Errorf("failed to marshal server: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prevName string
	err = tx.QueryRowContext(ctx, "SELECT name FROM servers WHERE id = $1", srv.ID).Scan(&prevName)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NotFoundf("server %s", srv.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to query server: %w", err)
	}

	if srv.Name != prevName {
		var otherID string
		err = tx.QueryRowContext(ctx, "SELECT id FROM servers WHERE name = $1", srv.Name).Scan(&otherID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to check name uniqueness: %w", err)
		default:
			return model.Conflictf("server name %q is already taken", srv.Name)
		}
	}

	query := `
	UPDATE servers
	SET name = $1, status = $2, transport = $3, payload = $4, updated_at = CURRENT_TIMESTAMP
	WHERE id = $5`
	_, err = tx.ExecContext(ctx, query,
		srv.Name, string(srv.Status), string(srv.Transport.Kind), string(payload), srv.ID)
	if err != nil {
		return fmt.Errorf("failed to update server: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// DeleteServer removes the server and its tools. Execution history is kept.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "DELETE FROM servers WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return model.NotFoundf("server %s", id)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM tools WHERE server_id = $1", id); err != nil {
		return fmt.Errorf("failed to delete server tools: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ReplaceServerTools swaps the server's tool set inside one transaction.
func (s *Store) ReplaceServerTools(ctx context.Context, serverID string, tools []*model.Tool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM servers WHERE id = $1", serverID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NotFoundf("server %s", serverID)
	}
	if err != nil {
		return fmt.Errorf("failed to query server: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM tools WHERE server_id = $1", serverID); err != nil {
		return fmt.Errorf("failed to clear server tools: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO tools (server_id, name, payload) VALUES ($1, $2, $3)")
	if err != nil {
		return fmt.Errorf("failed to prepare tool insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, t := range tools {
		rec := t.Clone()
		rec.ServerID = serverID
		payload, err := jsonAPI.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal tool %q: %w", rec.Name, err)
		}
		if _, err := stmt.ExecContext(ctx, serverID, rec.Name, string(payload)); err != nil {
			return fmt.Errorf("failed to insert tool %q: %w", rec.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ListServerTools returns the server's tools ordered by name.
func (s *Store) ListServerTools(ctx context.Context, serverID string) ([]*model.Tool, error) {
	return s.queryTools(ctx, "SELECT payload FROM tools WHERE server_id = $1 ORDER BY name ASC", serverID)
}

// ListTools returns every stored tool ordered by server id, then name.
func (s *Store) ListTools(ctx context.Context) ([]*model.Tool, error) {
	return s.queryTools(ctx, "SELECT payload FROM tools ORDER BY server_id ASC, name ASC")
}

func (s *Store) queryTools(ctx context.Context, query string, args ...any) ([]*model.Tool, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tools: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tools := make([]*model.Tool, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan tool payload: %w", err)
		}
		var tool model.Tool
		if err := jsonAPI.UnmarshalFromString(payload, &tool); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool payload: %w", err)
		}
		tools = append(tools, &tool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tools: %w", err)
	}
	return tools, nil
}

// SaveExecution inserts or updates an execution record by id.
func (s *Store) SaveExecution(ctx context.Context, exec *model.Execution) error {
	payload, err := jsonAPI.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	query := `
	INSERT INTO executions (id, server_id, status, started_at, payload)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO UPDATE SET
		server_id = excluded.server_id,
		status = excluded.status,
		started_at = excluded.started_at,
		payload = excluded.payload;
	`
	_, err = s.db.ExecContext(ctx, query,
		exec.ID, exec.ServerID, string(exec.Status), exec.StartedAt.UnixNano(), string(payload))
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// GetExecution returns the execution with the given id.
func (s *Store) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM executions WHERE id = $1", id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundf("execution %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query execution: %w", err)
	}
	return unmarshalExecution(payload)
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, filter model.ExecutionFilter) (model.Page[*model.Execution], error) {
	page := model.Page[*model.Execution]{
		Items:  make([]*model.Execution, 0),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}

	where := make([]string, 0, 4)
	args := make([]any, 0, 6)
	add := func(cond string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.ServerID != "" {
		add("server_id = $%d", filter.ServerID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Since != nil {
		add("started_at >= $%d", filter.Since.UnixNano())
	}
	if filter.Until != nil {
		add("started_at <= $%d", filter.Until.UnixNano())
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions"+clause, args...).Scan(&page.Total)
	if err != nil {
		return page, fmt.Errorf("failed to count executions: %w", err)
	}

	query := "SELECT payload FROM executions" + clause + " ORDER BY started_at DESC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return page, fmt.Errorf("failed to query executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return page, fmt.Errorf("failed to scan execution payload: %w", err)
		}
		exec, err := unmarshalExecution(payload)
		if err != nil {
			return page, err
		}
		page.Items = append(page.Items, exec)
	}
	if err := rows.Err(); err != nil {
		return page, fmt.Errorf("error iterating executions: %w", err)
	}
	return page, nil
}

// DeleteExecutionsBefore removes terminal executions started before cutoff.
func (s *Store) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := "DELETE FROM executions WHERE started_at < $1 AND status IN ($2, $3, $4)"
	res, err := s.db.ExecContext(ctx, query, cutoff.UnixNano(),
		string(model.ExecCompleted), string(model.ExecFailed), string(model.ExecCancelled))
	if err != nil {
		return 0, fmt.Errorf("failed to delete executions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(affected), nil
}

func unmarshalServer(payload string) (*model.Server, error) {
	var srv model.Server
	if err := jsonAPI.UnmarshalFromString(payload, &srv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server payload: %w", err)
	}
	return &srv, nil
}

func unmarshalExecution(payload string) (*model.Execution, error) {
	var exec model.Execution
	if err := jsonAPI.UnmarshalFromString(payload, &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution payload: %w", err)
	}
	return &exec, nil
}
