// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package engine drives tool executions: resolve the server, acquire a
// connection, send the request, track the lifecycle, persist the terminal
// state, and emit events along the way.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/config"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/events"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/logging"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/mcp"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/metrics"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/storage"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// sweepInterval is how often the stuck-execution sweeper wakes up. The
// stuck threshold itself comes from config.
const sweepInterval = 30 * time.Second

// Connection is the slice of a pooled connection the engine needs.
type Connection interface {
	Client() *mcp.Client
}

// Pool is the engine's view of the connection pool. Release takes the
// connection Acquire returned so the use count lands on that connection even
// when the slot was reopened in between.
type Pool interface {
	Acquire(ctx context.Context, serverID string) (Connection, error)
	Release(conn Connection)
}

// ServerSource resolves server records; the registry implements it.
type ServerSource interface {
	Get(ctx context.Context, id string) (*model.Server, error)
}

// SchemaSource resolves tool records for argument validation; the catalog
// implements it.
type SchemaSource interface {
	Get(ctx context.Context, serverID, name string) (*model.Tool, error)
}

// Options tunes one execute call. The zero value means: default timeout,
// asynchronous, anonymous caller.
type Options struct {
	Timeout    time.Duration
	Sync       bool
	ExecutedBy string
}

// inflightExec is the live view of a not-yet-terminal execution.
type inflightExec struct {
	mu        sync.Mutex
	exec      *model.Execution
	cancel    context.CancelFunc
	cancelled bool
}

// Engine executes tool invocations. One logical task runs per in-flight
// execution; async submissions are bounded by the worker pool.
type Engine struct {
	cfg     *config.Config
	store   storage.Store
	servers ServerSource
	schemas SchemaSource
	pool    Pool
	sink    *events.Sink
	workers pond.Pool

	mu       sync.Mutex
	inflight map[string]*inflightExec

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an engine. Call Start to launch the stuck-execution sweeper
// and Stop to drain the worker pool on shutdown.
func New(cfg *config.Config, st storage.Store, servers ServerSource, schemas SchemaSource, pool Pool, sink *events.Sink) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    st,
		servers:  servers,
		schemas:  schemas,
		pool:     pool,
		sink:     sink,
		workers:  pond.NewPool(cfg.MaxWorkers, pond.WithQueueSize(cfg.MaxQueueSize)),
		inflight: make(map[string]*inflightExec),
		stop:     make(chan struct{}),
	}
}

// Start launches the sweeper that fails executions stuck in running.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.sweepLoop()
}

// Stop terminates the sweeper and waits for queued executions to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
	e.workers.StopAndWait()
}

// Execute runs one tool invocation against a server. In async mode (the
// default) it returns the pending execution immediately; in sync mode it
// returns the terminal record.
func (e *Engine) Execute(ctx context.Context, serverID, method string, params json.RawMessage, opts Options) (*model.Execution, error) {
	if serverID == "" {
		return nil, model.Validationf("serverId must not be empty")
	}
	if method == "" {
		return nil, model.Validationf("method must not be empty")
	}

	exec := &model.Execution{
		ID:         uuid.NewString(),
		ServerID:   serverID,
		Method:     method,
		Params:     append(json.RawMessage(nil), params...),
		Status:     model.ExecPending,
		StartedAt:  time.Now().UTC(),
		ExecutedBy: opts.ExecutedBy,
	}
	infl := &inflightExec{exec: exec}

	e.mu.Lock()
	e.inflight[exec.ID] = infl
	e.mu.Unlock()

	e.sink.Emit(events.TypeExecutionStarted, events.ExecutionEvent{
		ExecutionID: exec.ID,
		ServerID:    serverID,
		Method:      method,
		Status:      string(model.ExecPending),
	})

	timeout := e.cfg.ClampRequestTimeout(opts.Timeout)
	if opts.Sync {
		e.run(infl, timeout)
		return e.GetExecution(ctx, exec.ID)
	}

	snapshot := exec.Clone()
	e.workers.Submit(func() { e.run(infl, timeout) })
	return snapshot, nil
}

// run executes one invocation to its terminal state. It owns the execution's
// transitions; the only outside influence is Cancel and the sweeper.
func (e *Engine) run(infl *inflightExec, timeout time.Duration) {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	infl.mu.Lock()
	if infl.cancelled {
		infl.mu.Unlock()
		e.finishCancelled(infl)
		return
	}
	infl.cancel = cancel
	serverID := infl.exec.ServerID
	method := infl.exec.Method
	params := append(json.RawMessage(nil), infl.exec.Params...)
	infl.mu.Unlock()

	srv, err := e.servers.Get(runCtx, serverID)
	if err != nil || srv.Status != model.ServerActive {
		msg := "server is not active"
		if err != nil {
			msg = err.Error()
		}
		e.finishFailed(infl, &model.ExecutionError{Code: mcp.CodeServerUnavailable, Message: msg})
		return
	}

	if method == mcp.MethodToolsCall && e.schemas != nil {
		if err := e.validateToolArgs(runCtx, serverID, params); err != nil {
			e.finishFailed(infl, &model.ExecutionError{Code: mcp.CodeInvalidParams, Message: err.Error()})
			return
		}
	}

	conn, err := e.pool.Acquire(runCtx, serverID)
	if err != nil {
		if e.wasCancelled(infl) {
			e.finishCancelled(infl)
			return
		}
		e.finishFailed(infl, &model.ExecutionError{Code: mcp.CodeConnectionError, Message: err.Error()})
		return
	}
	defer e.pool.Release(conn)

	if !e.transitionRunning(infl) {
		return
	}

	result, err := conn.Client().Call(runCtx, method, params, timeout)
	switch {
	case e.wasCancelled(infl):
		e.finishCancelled(infl)
	case err == nil:
		e.finishCompleted(infl, result, method)
	default:
		e.finishFailed(infl, classifyError(err, timeout))
	}
}

// transitionRunning moves pending → running unless a cancel won the race.
func (e *Engine) transitionRunning(infl *inflightExec) bool {
	infl.mu.Lock()
	if infl.cancelled {
		infl.mu.Unlock()
		e.finishCancelled(infl)
		return false
	}
	infl.exec.Status = model.ExecRunning
	infl.mu.Unlock()
	return true
}

func (e *Engine) wasCancelled(infl *inflightExec) bool {
	infl.mu.Lock()
	defer infl.mu.Unlock()
	return infl.cancelled
}

// classifyError maps a call failure onto the execution error taxonomy.
func classifyError(err error, timeout time.Duration) *model.ExecutionError {
	var rpcErr *mcp.RPCError
	switch {
	case errors.As(err, &rpcErr):
		return &model.ExecutionError{
			Code:    rpcErr.Code,
			Message: rpcErr.Message,
			Data:    append(json.RawMessage(nil), rpcErr.Data...),
		}
	case errors.Is(err, model.ErrTimeout):
		return &model.ExecutionError{
			Code:    mcp.CodeTimeout,
			Message: fmt.Sprintf("request timed out after %s", timeout),
		}
	case errors.Is(err, model.ErrConnection):
		return &model.ExecutionError{Code: mcp.CodeConnectionError, Message: err.Error()}
	default:
		return &model.ExecutionError{Code: mcp.CodeInternalError, Message: err.Error()}
	}
}

// finishCompleted records the result. A tools/call result flagged isError is
// still a completed execution: the protocol exchange succeeded, the flag is
// for the tool's consumer.
func (e *Engine) finishCompleted(infl *inflightExec, result json.RawMessage, method string) {
	if method == mcp.MethodToolsCall && gjson.GetBytes(result, "isError").Bool() {
		metrics.IncrCounter([]string{"tool", "error"}, 1)
		logging.GetLogger().Warn("Tool reported an error result",
			"execution_id", infl.exec.ID, "server_id", infl.exec.ServerID)
	}
	e.finish(infl, func(exec *model.Execution) {
		exec.Status = model.ExecCompleted
		exec.Result = append(json.RawMessage(nil), result...)
	})
}

func (e *Engine) finishFailed(infl *inflightExec, execErr *model.ExecutionError) {
	e.finish(infl, func(exec *model.Execution) {
		exec.Status = model.ExecFailed
		exec.Error = execErr
	})
}

func (e *Engine) finishCancelled(infl *inflightExec) {
	e.finish(infl, func(exec *model.Execution) {
		exec.Status = model.ExecCancelled
	})
}

// finish applies the terminal transition exactly once: mutate under the
// lock, persist write-ahead, then clear the in-flight view and emit.
func (e *Engine) finish(infl *inflightExec, mutate func(*model.Execution)) {
	infl.mu.Lock()
	if infl.exec.Status.Terminal() {
		infl.mu.Unlock()
		return
	}
	mutate(infl.exec)
	now := time.Now().UTC()
	infl.exec.CompletedAt = &now
	infl.exec.DurationMs = now.Sub(infl.exec.StartedAt).Milliseconds()
	record := infl.exec.Clone()
	infl.mu.Unlock()

	ctx, cancelPersist := context.WithTimeout(context.Background(), 10*time.Second)
	if err := e.store.SaveExecution(ctx, record); err != nil {
		logging.GetLogger().Error("Failed to persist execution",
			"execution_id", record.ID, "status", record.Status, "error", err)
	}
	cancelPersist()

	e.mu.Lock()
	delete(e.inflight, record.ID)
	e.mu.Unlock()

	e.emitTerminal(record)
}

func (e *Engine) emitTerminal(record *model.Execution) {
	event := events.ExecutionEvent{
		ExecutionID: record.ID,
		ServerID:    record.ServerID,
		Method:      record.Method,
		Status:      string(record.Status),
		DurationMs:  record.DurationMs,
	}
	switch record.Status {
	case model.ExecCompleted:
		metrics.IncrCounter([]string{"exec", "completed"}, 1)
		e.sink.Emit(events.TypeExecutionCompleted, event)
	case model.ExecCancelled:
		metrics.IncrCounter([]string{"exec", "cancelled"}, 1)
		event.ErrorCode = mcp.CodeCancelled
		e.sink.Emit(events.TypeExecutionFailed, event)
	default:
		metrics.IncrCounter([]string{"exec", "failed"}, 1)
		if record.Error != nil {
			event.ErrorCode = record.Error.Code
		}
		e.sink.Emit(events.TypeExecutionFailed, event)
	}
	metrics.MeasureSince([]string{"exec", "duration"}, record.StartedAt)
}

// Cancel requests cancellation of an in-flight execution. It is idempotent
// and a no-op on executions that already reached a terminal state.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	infl, ok := e.inflight[id]
	e.mu.Unlock()
	if !ok {
		if _, err := e.store.GetExecution(ctx, id); err != nil {
			return err
		}
		return nil // already terminal
	}

	infl.mu.Lock()
	if infl.exec.Status.Terminal() {
		infl.mu.Unlock()
		return nil
	}
	infl.cancelled = true
	cancel := infl.cancel
	infl.mu.Unlock()

	if cancel != nil {
		// Interrupts the in-flight call; the multiplexer clears its pending
		// entry and a late response is discarded.
		cancel()
	}
	logging.GetLogger().Info("Execution cancellation requested", "execution_id", id)
	return nil
}

// PruneHistory deletes terminal executions that started before the configured
// retention window and reports how many were removed. In-flight executions
// are never touched.
func (e *Engine) PruneHistory(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-e.cfg.ExecutionRetention)
	return e.store.DeleteExecutionsBefore(ctx, cutoff)
}

// GetExecution returns the in-flight view when the execution is still
// running, the persisted record afterwards.
func (e *Engine) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	e.mu.Lock()
	infl, ok := e.inflight[id]
	e.mu.Unlock()
	if ok {
		infl.mu.Lock()
		defer infl.mu.Unlock()
		return infl.exec.Clone(), nil
	}
	return e.store.GetExecution(ctx, id)
}

// ListExecutions lists executions. Terminal records come from the store;
// pending and running ones live only in memory, so a status filter naming
// them is served from the in-flight view, and an unfiltered first page has
// the in-flight executions prepended.
func (e *Engine) ListExecutions(ctx context.Context, filter model.ExecutionFilter) (model.Page[*model.Execution], error) {
	if filter.Status == model.ExecPending || filter.Status == model.ExecRunning {
		items := e.inflightMatching(filter)
		return model.Page[*model.Execution]{
			Items:  window(items, filter.Offset, filter.Limit),
			Total:  len(items),
			Limit:  filter.Limit,
			Offset: filter.Offset,
		}, nil
	}

	page, err := e.store.ListExecutions(ctx, filter)
	if err != nil {
		return model.Page[*model.Execution]{}, err
	}
	if filter.Status == "" && filter.Offset == 0 {
		live := e.inflightMatching(filter)
		page.Items = append(live, page.Items...)
		page.Total += len(live)
		if filter.Limit > 0 && len(page.Items) > filter.Limit {
			page.Items = page.Items[:filter.Limit]
		}
	}
	return page, nil
}

func (e *Engine) inflightMatching(filter model.ExecutionFilter) []*model.Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*model.Execution
	for _, infl := range e.inflight {
		infl.mu.Lock()
		exec := infl.exec.Clone()
		infl.mu.Unlock()
		if filter.ServerID != "" && exec.ServerID != filter.ServerID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		if filter.Since != nil && exec.StartedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && exec.StartedAt.After(*filter.Until) {
			continue
		}
		out = append(out, exec)
	}
	return out
}

func window[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// validateToolArgs checks tools/call arguments against the advertised input
// schema before any wire traffic. Unknown tools and unusable schemas are the
// server's business, not a local rejection.
func (e *Engine) validateToolArgs(ctx context.Context, serverID string, params json.RawMessage) error {
	name := gjson.GetBytes(params, "name").String()
	if name == "" {
		return nil
	}
	tool, err := e.schemas.Get(ctx, serverID, name)
	if err != nil || len(tool.InputSchema) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(tool.InputSchema)); err != nil {
		logging.GetLogger().Debug("Skipping unusable tool schema", "tool", name, "error", err)
		return nil
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		logging.GetLogger().Debug("Skipping uncompilable tool schema", "tool", name, "error", err)
		return nil
	}

	var args any = map[string]any{}
	if raw := gjson.GetBytes(params, "arguments"); raw.Exists() {
		if err := jsonAPI.Unmarshal([]byte(raw.Raw), &args); err != nil {
			return model.Validationf("tool arguments are not valid JSON: %s", err)
		}
	}
	if err := schema.Validate(args); err != nil {
		return model.Validationf("arguments for tool %q rejected by schema: %s", name, err)
	}
	return nil
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweepStuck()
		case <-e.stop:
			return
		}
	}
}

// sweepStuck fails executions that sat in running beyond the configured
// threshold. This is the safety net for tasks that died between the running
// transition and their terminal one.
func (e *Engine) sweepStuck() {
	cutoff := time.Now().Add(-e.cfg.ExecutionStuck)

	e.mu.Lock()
	var stuck []*inflightExec
	for _, infl := range e.inflight {
		infl.mu.Lock()
		if infl.exec.Status == model.ExecRunning && infl.exec.StartedAt.Before(cutoff) {
			stuck = append(stuck, infl)
		}
		infl.mu.Unlock()
	}
	e.mu.Unlock()

	for _, infl := range stuck {
		infl.mu.Lock()
		id := infl.exec.ID
		startedAt := infl.exec.StartedAt
		cancel := infl.cancel
		infl.mu.Unlock()
		logging.GetLogger().Warn("Marking stuck execution as failed",
			"execution_id", id, "started_at", startedAt)
		// Finish first so the terminal transition carries the stuck code; the
		// interrupted task's own finish then becomes a no-op.
		e.finishFailed(infl, &model.ExecutionError{
			Code:    mcp.CodeStuckTimeout,
			Message: fmt.Sprintf("execution exceeded the stuck threshold of %s", e.cfg.ExecutionStuck),
		})
		if cancel != nil {
			cancel()
		}
	}
}
