// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package sqlite

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

// Store implements storage.Store using SQLite.
type Store struct {
	db *DB
}

// NewStore creates a new SQLite store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateServer persists a new server, failing with model.ErrConflict when the
// id or name is taken. The uniqueness check runs inside the insert
// transaction so the error does not depend on driver-specific constraint
// messages.
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
		"SELECT id, name FROM servers WHERE id = ? OR name = ? LIMIT 1",
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
	VALUES (?, ?, ?, ?, ?)`
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
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM servers WHERE id = ?", id).Scan(&payload)
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
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM servers WHERE name = ?", name).Scan(&payload)
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
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Transport != "" {
		where = append(where, "transport = ?")
		args = append(args, string(filter.Transport))
	}
	if filter.Name != "" {
		where = append(where, "LOWER(name) LIKE ?")
		args = append(args, "%"+strings.ToLower(filter.Name)+"%")
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
	if filter.Limit > 0 || filter.Offset > 0 {
		// SQLite needs a LIMIT before OFFSET; -1 means unbounded.
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filter.Offset)
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
	err = tx.QueryRowContext(ctx, "SELECT name FROM servers WHERE id = ?", srv.ID).Scan(&prevName)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NotFoundf("server %s", srv.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to query server: %w", err)
	}

	if srv.Name != prevName {
		var otherID string
		err = tx.QueryRowContext(ctx, "SELECT id FROM servers WHERE name = ?", srv.Name).Scan(&otherID)
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
	SET name = ?, status = ?, transport = ?, payload = ?, updated_at = CURRENT_TIMESTAMP
	WHERE id = ?`
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

	res, err := tx.ExecContext(ctx, "DELETE FROM servers WHERE id = ?", id)
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

	if _, err := tx.ExecContext(ctx, "DELETE FROM tools WHERE server_id = ?", id); err != nil {
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
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM servers WHERE id = ?", serverID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NotFoundf("server %s", serverID)
	}
	if err != nil {
		return fmt.Errorf("failed to query server: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM tools WHERE server_id = ?", serverID); err != nil {
		return fmt.Errorf("failed to clear server tools: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO tools (server_id, name, payload) VALUES (?, ?, ?)")
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
	return s.queryTools(ctx, "SELECT payload FROM tools WHERE server_id = ? ORDER BY name ASC", serverID)
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
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
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
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM executions WHERE id = ?", id).Scan(&payload)
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
	if filter.ServerID != "" {
		where = append(where, "server_id = ?")
		args = append(args, filter.ServerID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if filter.Until != nil {
		where = append(where, "started_at <= ?")
		args = append(args, filter.Until.UnixNano())
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
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filter.Offset)
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
	query := "DELETE FROM executions WHERE started_at < ? AND status IN (?, ?, ?)"
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
