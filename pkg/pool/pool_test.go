// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/config"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/transport"
)

// fakeTransport plays the server side of a stream transport: the handshake
// is answered automatically and custom methods through onCall.
type fakeTransport struct {
	in     chan []byte
	onCall func(method string, id uint64) []byte

	mu     sync.Mutex
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 64)}
}

func (f *fakeTransport) Kind() model.TransportKind { return model.TransportStdio }

func (f *fakeTransport) Send(_ context.Context, frame []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.New("transport closed")
	}
	f.mu.Unlock()

	id := gjson.GetBytes(frame, "id")
	method := gjson.GetBytes(frame, "method").String()
	if !id.Exists() {
		return nil // notification
	}
	switch {
	case method == "initialize":
		f.in <- fmt.Appendf(nil,
			`{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"fake","version":"1"}}}`,
			id.Uint())
	case f.onCall != nil:
		if resp := f.onCall(method, id.Uint()); resp != nil {
			f.in <- resp
		}
	default:
		f.in <- fmt.Appendf(nil, `{"jsonrpc":"2.0","id":%d,"result":{}}`, id.Uint())
	}
	return nil
}

func (f *fakeTransport) Recv() <-chan []byte { return f.in }

func (f *fakeTransport) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.in)
	}
	return nil
}

var _ transport.StreamTransport = (*fakeTransport)(nil)

type fakeSource struct {
	mu      sync.Mutex
	servers map[string]*model.Server
}

func (s *fakeSource) ResolveServer(_ context.Context, id string) (*model.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return nil, model.NotFoundf("server %s", id)
	}
	return srv.Clone(), nil
}

type statusRecorder struct {
	mu          sync.Mutex
	transitions map[string][]model.ConnectionStatus
	infos       map[string]*model.ServerInfo
	checks      map[string]int
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{
		transitions: make(map[string][]model.ConnectionStatus),
		infos:       make(map[string]*model.ServerInfo),
		checks:      make(map[string]int),
	}
}

func (r *statusRecorder) SetConnectionStatus(_ context.Context, id string, st model.ConnectionStatus, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions[id] = append(r.transitions[id], st)
}

func (r *statusRecorder) SetServerInfo(_ context.Context, id string, info *model.ServerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos[id] = info
}

func (r *statusRecorder) RecordHealthCheck(_ context.Context, id string, _ time.Time, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[id]++
}

func (r *statusRecorder) history(id string) []model.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ConnectionStatus(nil), r.transitions[id]...)
}

func (r *statusRecorder) info(id string) *model.ServerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.infos[id]
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MaxConnections = 50
	cfg.ConnectionTimeout = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	cfg.MaxRetries = 0
	cfg.RetryDelay = 10 * time.Millisecond
	return cfg
}

func stdioServer(id string) *model.Server {
	return &model.Server{
		ID:     id,
		Name:   id,
		Status: model.ServerActive,
		Transport: model.TransportConfig{
			Kind:  model.TransportStdio,
			Stdio: &model.StdioConfig{Command: "fake"},
		},
	}
}

// harness wires a pool whose transport opens are intercepted.
type harness struct {
	pool   *Pool
	source *fakeSource
	status *statusRecorder

	mu         sync.Mutex
	transports map[string]*fakeTransport
	opens      map[string]int
	openErr    func(serverID string, attempt int) error
}

func newHarness(t *testing.T, cfg *config.Config, serverIDs ...string) *harness {
	t.Helper()
	h := &harness{
		source:     &fakeSource{servers: make(map[string]*model.Server)},
		status:     newStatusRecorder(),
		transports: make(map[string]*fakeTransport),
		opens:      make(map[string]int),
	}
	for _, id := range serverIDs {
		h.source.servers[id] = stdioServer(id)
	}
	h.pool = New(cfg, h.source, h.status)
	h.pool.openTransport = func(_ context.Context, tc model.TransportConfig) (transport.Transport, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		id := tc.Stdio.Command // harness stores the server id in the command
		h.opens[id]++
		if h.openErr != nil {
			if err := h.openErr(id, h.opens[id]); err != nil {
				return nil, err
			}
		}
		ft := newFakeTransport()
		h.transports[id] = ft
		return ft, nil
	}
	// Make the command carry the server id so opens can be attributed.
	for id, srv := range h.source.servers {
		srv.Transport.Stdio.Command = id
	}
	t.Cleanup(h.pool.Stop)
	return h
}

func (h *harness) openCount(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opens[id]
}

func (h *harness) transport(id string) *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transports[id]
}

func TestPool_AcquireOpensAndReuses(t *testing.T) {
	h := newHarness(t, testConfig(), "a")
	ctx := context.Background()

	c1, err := h.pool.Acquire(ctx, "a")
	require.NoError(t, err)
	c2, err := h.pool.Acquire(ctx, "a")
	require.NoError(t, err)

	assert.Same(t, c1, c2, "one connection per server")
	assert.Equal(t, 1, h.openCount("a"))
	assert.Equal(t, 1, h.pool.Size())

	h.pool.Release(c1)
	h.pool.Release(c2)

	assert.Equal(t,
		[]model.ConnectionStatus{model.ConnConnecting, model.ConnConnected},
		h.status.history("a"))
	assert.Equal(t, "fake", h.status.info("a").Name)
}

func TestPool_ConcurrentAcquiresShareOneOpen(t *testing.T) {
	h := newHarness(t, testConfig(), "a")

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.pool.Acquire(context.Background(), "a"); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, 1, h.openCount("a"), "concurrent acquires must share one open")
}

func TestPool_AcquireUnknownServer(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.pool.Acquire(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPool_LRUEvictionAtCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 2
	h := newHarness(t, cfg, "a", "b", "c")
	ctx := context.Background()

	connA, err := h.pool.Acquire(ctx, "a")
	require.NoError(t, err)
	h.pool.Release(connA)

	time.Sleep(10 * time.Millisecond) // make a strictly older than b

	connB, err := h.pool.Acquire(ctx, "b")
	require.NoError(t, err)
	h.pool.Release(connB)

	connC, err := h.pool.Acquire(ctx, "c")
	require.NoError(t, err)
	h.pool.Release(connC)

	assert.Equal(t, 2, h.pool.Size())
	// a was least recently used and must be gone; re-acquiring reopens.
	_, err = h.pool.Acquire(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, h.openCount("a"))
}

func TestPool_ExhaustedWhenAllInUse(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 2
	h := newHarness(t, cfg, "a", "b", "c")
	ctx := context.Background()

	connA, err := h.pool.Acquire(ctx, "a")
	require.NoError(t, err)
	_, err = h.pool.Acquire(ctx, "b")
	require.NoError(t, err)

	_, err = h.pool.Acquire(ctx, "c")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrPoolExhausted)

	// Releasing a slot makes room again.
	h.pool.Release(connA)
	_, err = h.pool.Acquire(ctx, "c")
	require.NoError(t, err)
}

func TestPool_TransportCloseReapsSlot(t *testing.T) {
	h := newHarness(t, testConfig(), "a")
	ctx := context.Background()

	conn, err := h.pool.Acquire(ctx, "a")
	require.NoError(t, err)
	h.pool.Release(conn)

	require.NoError(t, h.transport("a").Close(ctx))

	require.Eventually(t, func() bool {
		return h.pool.Size() == 0
	}, 2*time.Second, 10*time.Millisecond, "slot must be reaped after transport close")
	assert.True(t, conn.Closed())

	// The next acquire opens a fresh connection.
	conn2, err := h.pool.Acquire(ctx, "a")
	require.NoError(t, err)
	assert.NotSame(t, conn, conn2)
	assert.Equal(t, 2, h.openCount("a"))
}

func TestPool_OpenRetriesWithBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3
	cfg.RetryDelay = time.Millisecond
	h := newHarness(t, cfg, "a")
	h.openErr = func(_ string, attempt int) error {
		if attempt <= 2 {
			return errors.New("transient dial failure")
		}
		return nil
	}

	_, err := h.pool.Acquire(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 3, h.openCount("a"))
}

func TestPool_OpenFailureSurfacesConnectionError(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, "a")
	h.openErr = func(string, int) error { return errors.New("dial refused") }

	_, err := h.pool.Acquire(context.Background(), "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConnection)
	assert.Zero(t, h.pool.Size(), "no partially initialised slot may remain")

	history := h.status.history("a")
	require.NotEmpty(t, history)
	assert.Equal(t, model.ConnError, history[len(history)-1])
}

func TestPool_RemoveDisconnects(t *testing.T) {
	h := newHarness(t, testConfig(), "a")
	ctx := context.Background()

	conn, err := h.pool.Acquire(ctx, "a")
	require.NoError(t, err)
	h.pool.Release(conn)

	h.pool.Remove(ctx, "a")
	assert.Zero(t, h.pool.Size())

	history := h.status.history("a")
	assert.Equal(t, model.ConnDisconnected, history[len(history)-1])
}

func TestPool_InUseCounting(t *testing.T) {
	h := newHarness(t, testConfig(), "a")
	ctx := context.Background()

	c1, err := h.pool.Acquire(ctx, "a")
	require.NoError(t, err)
	c2, err := h.pool.Acquire(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, h.pool.InUse())

	h.pool.Release(c1)
	assert.Equal(t, 1, h.pool.InUse(), "still held once")
	h.pool.Release(c2)
	assert.Zero(t, h.pool.InUse())
}

func TestPool_StaleReleaseLeavesReplacementHeld(t *testing.T) {
	h := newHarness(t, testConfig(), "a")
	ctx := context.Background()

	c1, err := h.pool.Acquire(ctx, "a")
	require.NoError(t, err)

	// The held connection dies and the slot is reaped while c1 is still out.
	require.NoError(t, h.transport("a").Close(ctx))
	require.Eventually(t, func() bool {
		return h.pool.Size() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Another caller reopens the slot before the first caller releases.
	c2, err := h.pool.Acquire(ctx, "a")
	require.NoError(t, err)
	require.NotSame(t, c1, c2)
	require.Equal(t, 1, h.pool.InUse())

	// The stale release must not touch the replacement's use count.
	h.pool.Release(c1)
	assert.Equal(t, 1, h.pool.InUse(), "replacement must stay held by its real user")
	assert.Equal(t, 1, h.pool.Size())

	h.pool.Release(c2)
	assert.Zero(t, h.pool.InUse())
}
