// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/bus"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/config"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/events"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/mcp"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/storage/memory"
)

// fakeStream plays the MCP server side. handle receives every request and
// returns the frame to deliver, or nil to stay silent.
type fakeStream struct {
	mu     sync.Mutex
	sent   [][]byte
	handle func(method string, id uint64, params json.RawMessage) []byte
	in     chan []byte
}

func newFakeStream() *fakeStream {
	return &fakeStream{in: make(chan []byte, 256)}
}

func (f *fakeStream) Send(_ context.Context, frame []byte) error {
	cp := append([]byte(nil), frame...)
	f.mu.Lock()
	f.sent = append(f.sent, cp)
	handle := f.handle
	f.mu.Unlock()

	id := gjson.GetBytes(cp, "id")
	if !id.Exists() {
		return nil // notification
	}
	method := gjson.GetBytes(cp, "method").String()
	if handle != nil {
		if resp := handle(method, id.Uint(), json.RawMessage(gjson.GetBytes(cp, "params").Raw)); resp != nil {
			f.in <- resp
		}
	}
	return nil
}

func (f *fakeStream) Recv() <-chan []byte { return f.in }

func (f *fakeStream) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func resultFrame(id uint64, result string) []byte {
	return fmt.Appendf(nil, `{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result)
}

func errorFrame(id uint64, code int, message string) []byte {
	return fmt.Appendf(nil, `{"jsonrpc":"2.0","id":%d,"error":{"code":%d,"message":%q}}`, id, code, message)
}

type fakeConn struct{ client *mcp.Client }

func (c *fakeConn) Client() *mcp.Client { return c.client }

type fakePool struct {
	mu       sync.Mutex
	conns    map[string]*fakeConn
	err      error
	releases int
}

func (p *fakePool) Acquire(_ context.Context, serverID string) (Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	conn, ok := p.conns[serverID]
	if !ok {
		return nil, fmt.Errorf("%w: no fake connection for %s", model.ErrConnection, serverID)
	}
	return conn, nil
}

func (p *fakePool) Release(Connection) {
	p.mu.Lock()
	p.releases++
	p.mu.Unlock()
}

type fakeServers struct {
	mu      sync.Mutex
	servers map[string]*model.Server
}

func (s *fakeServers) Get(_ context.Context, id string) (*model.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return nil, model.NotFoundf("server %s", id)
	}
	return srv.Clone(), nil
}

type fakeSchemas struct {
	mu    sync.Mutex
	tools map[string]*model.Tool // serverID + "/" + name
}

func (s *fakeSchemas) Get(_ context.Context, serverID, name string) (*model.Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tool, ok := s.tools[serverID+"/"+name]
	if !ok {
		return nil, model.NotFoundf("tool %s", name)
	}
	return tool.Clone(), nil
}

type harness struct {
	engine  *Engine
	store   *memory.Store
	stream  *fakeStream
	pool    *fakePool
	servers *fakeServers
	schemas *fakeSchemas
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
		cfg.RequestTimeout = 2 * time.Second
	}
	provider, err := bus.NewProvider(config.Default())
	require.NoError(t, err)
	sink := events.NewSink(provider, 64)
	t.Cleanup(sink.Close)

	stream := newFakeStream()
	client := mcp.NewClient(mcp.NewMux(stream), cfg.RequestTimeout)
	t.Cleanup(client.Close)

	h := &harness{
		store:  memory.NewStore(),
		stream: stream,
		pool:   &fakePool{conns: map[string]*fakeConn{"srv": {client: client}}},
		servers: &fakeServers{servers: map[string]*model.Server{
			"srv": {ID: "srv", Name: "srv", Status: model.ServerActive,
				Transport: model.TransportConfig{Kind: model.TransportStdio, Stdio: &model.StdioConfig{Command: "x"}}},
		}},
		schemas: &fakeSchemas{tools: map[string]*model.Tool{}},
	}
	h.engine = New(cfg, h.store, h.servers, h.schemas, h.pool, sink)
	t.Cleanup(h.engine.Stop)
	return h
}

func TestEngine_SyncHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	h.stream.handle = func(method string, id uint64, params json.RawMessage) []byte {
		require.Equal(t, "tools/call", method)
		msg := gjson.GetBytes(params, "arguments.msg").String()
		return resultFrame(id, fmt.Sprintf(`{"content":[{"type":"text","text":%q}]}`, msg))
	}

	exec, err := h.engine.Execute(context.Background(), "srv", "tools/call",
		json.RawMessage(`{"name":"echo","arguments":{"msg":"hi"}}`), Options{Sync: true})
	require.NoError(t, err)

	assert.Equal(t, model.ExecCompleted, exec.Status)
	assert.Equal(t, "hi", gjson.GetBytes(exec.Result, "content.0.text").String())
	assert.Nil(t, exec.Error)
	require.NotNil(t, exec.CompletedAt)

	// The terminal record is persisted and the lookup round-trips.
	got, err := h.engine.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec, got)
}

func TestEngine_AsyncCompletes(t *testing.T) {
	h := newHarness(t, nil)
	h.stream.handle = func(_ string, id uint64, _ json.RawMessage) []byte {
		return resultFrame(id, `{"ok":true}`)
	}

	exec, err := h.engine.Execute(context.Background(), "srv", "tools/list", nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.ExecPending, exec.Status)

	require.Eventually(t, func() bool {
		got, err := h.engine.GetExecution(context.Background(), exec.ID)
		return err == nil && got.Status == model.ExecCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_Timeout(t *testing.T) {
	h := newHarness(t, nil)
	h.stream.handle = func(string, uint64, json.RawMessage) []byte { return nil } // never reply

	start := time.Now()
	exec, err := h.engine.Execute(context.Background(), "srv", "tools/call",
		json.RawMessage(`{"name":"slow"}`), Options{Sync: true, Timeout: time.Second})
	require.NoError(t, err)

	assert.Equal(t, model.ExecFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, mcp.CodeTimeout, exec.Error.Code)
	assert.Nil(t, exec.Result)
	assert.Less(t, time.Since(start), 2*time.Second, "timeout must fire promptly")

	// The connection survives a request timeout: the next call succeeds.
	h.stream.mu.Lock()
	h.stream.handle = func(_ string, id uint64, _ json.RawMessage) []byte {
		return resultFrame(id, `{"ok":true}`)
	}
	h.stream.mu.Unlock()
	exec2, err := h.engine.Execute(context.Background(), "srv", "ping", nil, Options{Sync: true})
	require.NoError(t, err)
	assert.Equal(t, model.ExecCompleted, exec2.Status)
}

func TestEngine_ConcurrentExecutionsCorrelate(t *testing.T) {
	h := newHarness(t, nil)
	h.stream.handle = func(_ string, id uint64, params json.RawMessage) []byte {
		n := gjson.GetBytes(params, "arguments.n").Int()
		return resultFrame(id, fmt.Sprintf(`{"n":%d}`, n))
	}

	const parallel = 100
	var wg sync.WaitGroup
	failures := make(chan string, parallel)
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			params := fmt.Appendf(nil, `{"name":"echo","arguments":{"n":%d}}`, n)
			exec, err := h.engine.Execute(context.Background(), "srv", "tools/call", params, Options{Sync: true})
			if err != nil || exec.Status != model.ExecCompleted {
				failures <- fmt.Sprintf("execution %d did not complete", n)
				return
			}
			if got := gjson.GetBytes(exec.Result, "n").Int(); got != int64(n) {
				failures <- fmt.Sprintf("execution %d received result %d", n, got)
			}
		}(i)
	}
	wg.Wait()
	close(failures)
	for f := range failures {
		t.Error(f)
	}
}

func TestEngine_ServerUnavailable(t *testing.T) {
	h := newHarness(t, nil)

	t.Run("unknown server", func(t *testing.T) {
		exec, err := h.engine.Execute(context.Background(), "ghost", "ping", nil, Options{Sync: true})
		require.NoError(t, err)
		assert.Equal(t, model.ExecFailed, exec.Status)
		assert.Equal(t, mcp.CodeServerUnavailable, exec.Error.Code)
	})

	t.Run("inactive server", func(t *testing.T) {
		h.servers.mu.Lock()
		h.servers.servers["srv"].Status = model.ServerInactive
		h.servers.mu.Unlock()
		exec, err := h.engine.Execute(context.Background(), "srv", "ping", nil, Options{Sync: true})
		require.NoError(t, err)
		assert.Equal(t, model.ExecFailed, exec.Status)
		assert.Equal(t, mcp.CodeServerUnavailable, exec.Error.Code)
	})
}

func TestEngine_ConnectionFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.pool.mu.Lock()
	h.pool.err = fmt.Errorf("%w: dial refused", model.ErrConnection)
	h.pool.mu.Unlock()

	exec, err := h.engine.Execute(context.Background(), "srv", "ping", nil, Options{Sync: true})
	require.NoError(t, err)
	assert.Equal(t, model.ExecFailed, exec.Status)
	assert.Equal(t, mcp.CodeConnectionError, exec.Error.Code)
}

func TestEngine_ToolErrorResponse(t *testing.T) {
	h := newHarness(t, nil)
	h.stream.handle = func(_ string, id uint64, _ json.RawMessage) []byte {
		return errorFrame(id, -32601, "method not found")
	}

	exec, err := h.engine.Execute(context.Background(), "srv", "nope", nil, Options{Sync: true})
	require.NoError(t, err)
	assert.Equal(t, model.ExecFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, -32601, exec.Error.Code)
	assert.Equal(t, "method not found", exec.Error.Message)
	assert.Nil(t, exec.Result, "failed executions carry no result")
}

func TestEngine_IsErrorResultStaysCompleted(t *testing.T) {
	h := newHarness(t, nil)
	h.stream.handle = func(_ string, id uint64, _ json.RawMessage) []byte {
		return resultFrame(id, `{"content":[{"type":"text","text":"boom"}],"isError":true}`)
	}

	exec, err := h.engine.Execute(context.Background(), "srv", "tools/call",
		json.RawMessage(`{"name":"x"}`), Options{Sync: true})
	require.NoError(t, err)
	assert.Equal(t, model.ExecCompleted, exec.Status)
	assert.True(t, gjson.GetBytes(exec.Result, "isError").Bool())
}

func TestEngine_Cancel(t *testing.T) {
	h := newHarness(t, nil)
	inCall := make(chan struct{}, 1)
	h.stream.handle = func(string, uint64, json.RawMessage) []byte {
		inCall <- struct{}{}
		return nil // hold the request open
	}

	exec, err := h.engine.Execute(context.Background(), "srv", "tools/call",
		json.RawMessage(`{"name":"slow"}`), Options{})
	require.NoError(t, err)

	select {
	case <-inCall:
	case <-time.After(2 * time.Second):
		t.Fatal("execution never reached the wire")
	}
	require.NoError(t, h.engine.Cancel(context.Background(), exec.ID))

	require.Eventually(t, func() bool {
		got, err := h.engine.GetExecution(context.Background(), exec.ID)
		return err == nil && got.Status == model.ExecCancelled
	}, 2*time.Second, 10*time.Millisecond)

	got, err := h.engine.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.Error, "cancelled executions carry neither result nor error")

	// Cancel is idempotent and a no-op on terminal executions.
	require.NoError(t, h.engine.Cancel(context.Background(), exec.ID))
	again, err := h.engine.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestEngine_CancelUnknownExecution(t *testing.T) {
	h := newHarness(t, nil)
	err := h.engine.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEngine_SchemaValidationFailsFast(t *testing.T) {
	h := newHarness(t, nil)
	h.schemas.tools["srv/echo"] = &model.Tool{
		ServerID:    "srv",
		Name:        "echo",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`),
	}

	exec, err := h.engine.Execute(context.Background(), "srv", "tools/call",
		json.RawMessage(`{"name":"echo","arguments":{}}`), Options{Sync: true})
	require.NoError(t, err)
	assert.Equal(t, model.ExecFailed, exec.Status)
	assert.Equal(t, mcp.CodeInvalidParams, exec.Error.Code)
	assert.Zero(t, h.stream.sentCount(), "rejected arguments must cause no wire traffic")

	// Valid arguments pass through.
	h.stream.handle = func(_ string, id uint64, _ json.RawMessage) []byte {
		return resultFrame(id, `{"content":[]}`)
	}
	exec2, err := h.engine.Execute(context.Background(), "srv", "tools/call",
		json.RawMessage(`{"name":"echo","arguments":{"msg":"hi"}}`), Options{Sync: true})
	require.NoError(t, err)
	assert.Equal(t, model.ExecCompleted, exec2.Status)
}

func TestEngine_TerminalStatesAreFrozen(t *testing.T) {
	h := newHarness(t, nil)
	h.stream.handle = func(_ string, id uint64, _ json.RawMessage) []byte {
		return resultFrame(id, `{"ok":true}`)
	}

	exec, err := h.engine.Execute(context.Background(), "srv", "ping", nil, Options{Sync: true})
	require.NoError(t, err)
	require.Equal(t, model.ExecCompleted, exec.Status)

	require.NoError(t, h.engine.Cancel(context.Background(), exec.ID))
	got, err := h.engine.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecCompleted, got.Status)
	assert.Equal(t, exec.Result, got.Result)
	assert.Equal(t, exec.CompletedAt, got.CompletedAt)
}

func TestEngine_SweeperFailsStuckExecutions(t *testing.T) {
	cfg := config.Default()
	cfg.RequestTimeout = 2 * time.Second
	cfg.ExecutionStuck = 50 * time.Millisecond
	h := newHarness(t, cfg)

	inCall := make(chan struct{}, 1)
	h.stream.handle = func(string, uint64, json.RawMessage) []byte {
		inCall <- struct{}{}
		return nil
	}

	exec, err := h.engine.Execute(context.Background(), "srv", "tools/call",
		json.RawMessage(`{"name":"wedge"}`), Options{})
	require.NoError(t, err)
	<-inCall

	time.Sleep(100 * time.Millisecond) // exceed the stuck threshold
	h.engine.sweepStuck()

	require.Eventually(t, func() bool {
		got, err := h.engine.GetExecution(context.Background(), exec.ID)
		return err == nil && got.Status == model.ExecFailed
	}, 2*time.Second, 10*time.Millisecond)

	got, err := h.engine.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, mcp.CodeStuckTimeout, got.Error.Code)
}

func TestEngine_ListExecutions(t *testing.T) {
	h := newHarness(t, nil)
	h.stream.handle = func(_ string, id uint64, _ json.RawMessage) []byte {
		return resultFrame(id, `{"ok":true}`)
	}

	for i := 0; i < 3; i++ {
		_, err := h.engine.Execute(context.Background(), "srv", "ping", nil, Options{Sync: true})
		require.NoError(t, err)
	}

	page, err := h.engine.ListExecutions(context.Background(), model.ExecutionFilter{ServerID: "srv"})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	page, err = h.engine.ListExecutions(context.Background(), model.ExecutionFilter{Status: model.ExecCompleted})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	page, err = h.engine.ListExecutions(context.Background(), model.ExecutionFilter{Status: model.ExecRunning})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestEngine_PruneHistoryHonoursRetention(t *testing.T) {
	cfg := config.Default()
	cfg.RequestTimeout = 2 * time.Second
	cfg.ExecutionRetention = 24 * time.Hour
	h := newHarness(t, cfg)
	ctx := context.Background()

	stale := &model.Execution{
		ID:        "stale",
		ServerID:  "srv",
		Method:    "ping",
		Status:    model.ExecCompleted,
		Result:    json.RawMessage(`{}`),
		StartedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	fresh := &model.Execution{
		ID:        "fresh",
		ServerID:  "srv",
		Method:    "ping",
		Status:    model.ExecCompleted,
		Result:    json.RawMessage(`{}`),
		StartedAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, h.store.SaveExecution(ctx, stale))
	require.NoError(t, h.store.SaveExecution(ctx, fresh))

	removed, err := h.engine.PruneHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = h.engine.GetExecution(ctx, "stale")
	assert.ErrorIs(t, err, model.ErrNotFound)
	got, err := h.engine.GetExecution(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, model.ExecCompleted, got.Status)
}

func TestEngine_ValidatesInput(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.Execute(context.Background(), "", "ping", nil, Options{Sync: true})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = h.engine.Execute(context.Background(), "srv", "", nil, Options{Sync: true})
	assert.ErrorIs(t, err, model.ErrValidation)
}
