// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package pool maintains at most one live connection per registered server:
// open with retry and handshake, acquire/release with use counting, LRU
// eviction at capacity, periodic health probes and idle eviction.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/config"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/logging"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/mcp"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/metrics"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/transport"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// idleSweepInterval is how often the idle eviction pass runs. The idle TTL
// itself comes from config.
const idleSweepInterval = 5 * time.Minute

// terminateGrace bounds the fire-and-forget terminated notification sent
// before a connection is force-closed.
const terminateGrace = 2 * time.Second

// healthFailureLimit is the number of consecutive probe failures after which
// a connection is removed.
const healthFailureLimit = 3

// ConfigSource resolves a server id to its registered record. The registry
// implements it.
type ConfigSource interface {
	ResolveServer(ctx context.Context, serverID string) (*model.Server, error)
}

// StatusSink receives connection state projections. The registry implements
// it and persists the fields onto the server record.
type StatusSink interface {
	SetConnectionStatus(ctx context.Context, serverID string, status model.ConnectionStatus, lastError string)
	SetServerInfo(ctx context.Context, serverID string, info *model.ServerInfo)
	RecordHealthCheck(ctx context.Context, serverID string, at time.Time, healthErr error)
}

// Conn is one live, handshake-completed connection. Multiple executions may
// hold it at once; the multiplexer interleaves their requests on the wire.
type Conn struct {
	serverID  string
	transport transport.Transport
	client    *mcp.Client

	mu         sync.Mutex
	inUse      int
	lastUsed   time.Time
	errorCount int
}

// ServerID returns the owning server id.
func (c *Conn) ServerID() string { return c.serverID }

// Client returns the typed MCP client bound to this connection.
func (c *Conn) Client() *mcp.Client { return c.client }

// Closed reports whether the underlying multiplexer has terminated.
func (c *Conn) Closed() bool {
	select {
	case <-c.client.Mux().Done():
		return true
	default:
		return false
	}
}

func (c *Conn) hold() {
	c.mu.Lock()
	c.inUse++
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

func (c *Conn) drop() {
	c.mu.Lock()
	if c.inUse > 0 {
		c.inUse--
	}
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

func (c *Conn) holders() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse
}

func (c *Conn) idleSince() (int, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse, c.lastUsed
}

// entry tracks one server slot: either an open in flight (ready not yet
// closed) or a live connection.
type entry struct {
	serverID string
	ready    chan struct{}
	conn     *Conn
	err      error
}

// Pool holds the bounded set of live connections, keyed by server id.
type Pool struct {
	cfg    *config.Config
	source ConfigSource
	status StatusSink

	mu      sync.Mutex
	entries map[string]*entry

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// openTransport is a seam for tests; production uses transport.Open.
	openTransport func(ctx context.Context, cfg model.TransportConfig) (transport.Transport, error)
}

// New creates a pool. Call Start to launch the background loops.
func New(cfg *config.Config, source ConfigSource, status StatusSink) *Pool {
	return &Pool{
		cfg:           cfg,
		source:        source,
		status:        status,
		entries:       make(map[string]*entry),
		stop:          make(chan struct{}),
		openTransport: transport.Open,
	}
}

// Start launches the health check and idle eviction loops.
func (p *Pool) Start() {
	p.wg.Add(2)
	go p.healthLoop()
	go p.idleLoop()
}

// Stop terminates the loops and closes every connection.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), terminateGrace+time.Second)
	defer cancel()
	for _, e := range entries {
		<-e.ready
		if e.conn != nil {
			p.closeConn(ctx, e.conn, model.ConnDisconnected, "")
		}
	}
	p.wg.Wait()
}

// Acquire returns the live connection for serverID, opening one when needed.
// Concurrent acquires for the same server share a single open; acquires for
// an already-open connection share it, with the use count keeping it safe
// from eviction.
func (p *Pool) Acquire(ctx context.Context, serverID string) (*Conn, error) {
	for {
		p.mu.Lock()
		e, ok := p.entries[serverID]
		if !ok {
			e = &entry{serverID: serverID, ready: make(chan struct{})}
			p.entries[serverID] = e
			p.mu.Unlock()
			p.open(ctx, e)
		} else {
			p.mu.Unlock()
		}

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if e.err != nil {
			return nil, e.err
		}
		if e.conn.Closed() {
			// The transport died between opens; clear the stale slot and retry.
			p.removeEntry(serverID, e)
			continue
		}
		e.conn.hold()
		return e.conn, nil
	}
}

// Release returns a connection to the pool. The drop targets the exact
// connection the acquire handed out: when that connection died and the slot
// was reopened in the meantime, the replacement's use count is untouched. A
// closed transport is reaped here rather than handed to the next acquirer.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}
	conn.drop()
	if !conn.Closed() {
		return
	}
	p.mu.Lock()
	e, ok := p.entries[conn.serverID]
	p.mu.Unlock()
	if ok && isReady(e) && e.conn == conn {
		p.removeEntry(conn.serverID, e)
	}
}

// Remove disconnects and discards the server's connection, if any. A short
// terminated notification precedes the forced close; everything still in
// flight fails with a connection-closed error.
func (p *Pool) Remove(ctx context.Context, serverID string) {
	p.mu.Lock()
	e, ok := p.entries[serverID]
	if ok {
		delete(p.entries, serverID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	<-e.ready
	if e.conn != nil {
		p.closeConn(ctx, e.conn, model.ConnDisconnected, "")
	}
}

// Size reports the number of slots, live or opening.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// InUse reports the number of connections currently held by at least one
// caller.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.entries {
		if isReady(e) && e.conn != nil && e.conn.holders() > 0 {
			n++
		}
	}
	return n
}

// open resolves the server, enforces capacity, dials the transport with the
// configured retry policy, and completes the handshake. It owns e.ready.
func (p *Pool) open(ctx context.Context, e *entry) {
	defer close(e.ready)
	log := logging.GetLogger()

	srv, err := p.source.ResolveServer(ctx, e.serverID)
	if err != nil {
		e.err = err
		p.removeEntry(e.serverID, e)
		return
	}

	if err := p.ensureCapacity(e.serverID); err != nil {
		e.err = err
		p.removeEntry(e.serverID, e)
		return
	}

	p.status.SetConnectionStatus(ctx, e.serverID, model.ConnConnecting, "")

	tr, err := p.dial(ctx, srv.Transport)
	if err != nil {
		e.err = fmt.Errorf("%w: failed to open transport for server %s: %s", model.ErrConnection, e.serverID, err)
		p.removeEntry(e.serverID, e)
		p.status.SetConnectionStatus(ctx, e.serverID, model.ConnError, err.Error())
		return
	}

	mux, err := transport.BindMux(tr)
	if err != nil {
		_ = tr.Close(ctx)
		e.err = fmt.Errorf("%w: %s", model.ErrConnection, err)
		p.removeEntry(e.serverID, e)
		p.status.SetConnectionStatus(ctx, e.serverID, model.ConnError, err.Error())
		return
	}
	mux.OnNotification(logNotification(e.serverID))

	client := mcp.NewClient(mux, p.cfg.RequestTimeout)
	handshakeCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	info, err := client.Initialize(handshakeCtx)
	cancel()
	if err != nil {
		client.Close()
		_ = tr.Close(ctx)
		e.err = err
		p.removeEntry(e.serverID, e)
		p.status.SetConnectionStatus(ctx, e.serverID, model.ConnError, err.Error())
		return
	}

	conn := &Conn{serverID: e.serverID, transport: tr, client: client, lastUsed: time.Now()}
	e.conn = conn
	p.status.SetServerInfo(ctx, e.serverID, info)
	p.status.SetConnectionStatus(ctx, e.serverID, model.ConnConnected, "")
	metrics.IncrCounter([]string{"pool", "open"}, 1)
	log.Info("Connection established", "server_id", e.serverID, "transport", srv.Transport.Kind)

	p.wg.Add(1)
	go p.watch(e)
}

// dial opens the transport, retrying per the configured policy. Validation
// errors are permanent; everything else backs off exponentially from the
// configured delay.
func (p *Pool) dial(ctx context.Context, cfg model.TransportConfig) (transport.Transport, error) {
	var tr transport.Transport

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.RetryDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.cfg.MaxRetries)), ctx)

	err := backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
		defer cancel()
		var err error
		tr, err = p.openTransport(attemptCtx, cfg)
		if err != nil && errors.Is(err, model.ErrValidation) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// ensureCapacity evicts the least recently used idle connection when the
// pool is full. With every slot held the acquire fails instead.
func (p *Pool) ensureCapacity(serverID string) error {
	var victim *entry
	p.mu.Lock()
	if len(p.entries) > p.cfg.MaxConnections {
		var oldest time.Time
		for id, e := range p.entries {
			if id == serverID || !isReady(e) || e.conn == nil {
				continue
			}
			inUse, last := e.conn.idleSince()
			if inUse > 0 {
				continue
			}
			if victim == nil || last.Before(oldest) {
				victim = e
				oldest = last
			}
		}
		if victim == nil {
			p.mu.Unlock()
			metrics.IncrCounter([]string{"pool", "exhausted"}, 1)
			return fmt.Errorf("%w: all %d connections in use", model.ErrPoolExhausted, p.cfg.MaxConnections)
		}
		delete(p.entries, victim.serverID)
	}
	p.mu.Unlock()

	if victim != nil {
		metrics.IncrCounter([]string{"pool", "evict"}, 1)
		logging.GetLogger().Info("Evicting least recently used connection",
			"server_id", victim.serverID, "for", serverID)
		ctx, cancel := context.WithTimeout(context.Background(), terminateGrace+time.Second)
		defer cancel()
		p.closeConn(ctx, victim.conn, model.ConnDisconnected, "")
	}
	return nil
}

// watch reaps the slot when the connection's multiplexer terminates for any
// reason: process exit, SSH channel close, Docker stream end, forced close.
func (p *Pool) watch(e *entry) {
	defer p.wg.Done()
	mux := e.conn.client.Mux()
	select {
	case <-mux.Done():
	case <-p.stop:
		return
	}

	p.removeEntry(e.serverID, e)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = e.conn.transport.Close(ctx)
	p.status.SetConnectionStatus(ctx, e.serverID, model.ConnDisconnected, "connection closed")
	logging.GetLogger().Warn("Connection closed", "server_id", e.serverID)
}

// removeEntry deletes the slot only if it still holds this entry, so a
// concurrent re-open is never clobbered.
func (p *Pool) removeEntry(serverID string, e *entry) {
	p.mu.Lock()
	if cur, ok := p.entries[serverID]; ok && cur == e {
		delete(p.entries, serverID)
	}
	p.mu.Unlock()
}

// closeConn announces termination, closes the transport, and fails anything
// still in flight.
func (p *Pool) closeConn(ctx context.Context, conn *Conn, status model.ConnectionStatus, lastError string) {
	conn.client.Terminate(ctx, terminateGrace)
	_ = conn.transport.Close(ctx)
	conn.client.Close()
	p.status.SetConnectionStatus(ctx, conn.serverID, status, lastError)
}

func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.checkAll()
		case <-p.stop:
			return
		}
	}
}

// checkAll probes every live connection once. Probe failures accumulate per
// connection; the limit removes it so the next acquire reconnects.
func (p *Pool) checkAll() {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.entries))
	for _, e := range p.entries {
		if isReady(e) && e.conn != nil {
			conns = append(conns, e.conn)
		}
	}
	p.mu.Unlock()

	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RequestTimeout)
		err := conn.client.Healthcheck(ctx)
		cancel()
		now := time.Now()
		p.status.RecordHealthCheck(context.Background(), conn.serverID, now, err)

		conn.mu.Lock()
		if err != nil {
			conn.errorCount++
		} else {
			conn.errorCount = 0
		}
		failures := conn.errorCount
		conn.mu.Unlock()

		if err != nil {
			logging.GetLogger().Warn("Health check failed",
				"server_id", conn.serverID, "failures", failures, "error", err)
			p.status.SetConnectionStatus(context.Background(), conn.serverID, model.ConnError, err.Error())
			if failures >= healthFailureLimit {
				p.Remove(context.Background(), conn.serverID)
			}
		}
	}
}

func (p *Pool) idleLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.evictIdle()
		case <-p.stop:
			return
		}
	}
}

// evictIdle removes connections that nobody has touched within the idle TTL.
func (p *Pool) evictIdle() {
	cutoff := time.Now().Add(-p.cfg.IdleEvict)

	p.mu.Lock()
	var victims []*entry
	for _, e := range p.entries {
		if !isReady(e) || e.conn == nil {
			continue
		}
		inUse, last := e.conn.idleSince()
		if inUse == 0 && last.Before(cutoff) {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		delete(p.entries, e.serverID)
	}
	p.mu.Unlock()

	for _, e := range victims {
		metrics.IncrCounter([]string{"pool", "evict"}, 1)
		logging.GetLogger().Info("Evicting idle connection", "server_id", e.serverID)
		ctx, cancel := context.WithTimeout(context.Background(), terminateGrace+time.Second)
		p.closeConn(ctx, e.conn, model.ConnDisconnected, "")
		cancel()
	}
}

func isReady(e *entry) bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// logNotification forwards server-initiated notifications/message frames to
// the logger at the level the server asked for.
func logNotification(serverID string) mcp.NotificationHandler {
	return func(method string, params json.RawMessage) {
		if method != mcp.MethodNotifyMessage {
			logging.GetLogger().Debug("Ignoring server notification", "server_id", serverID, "method", method)
			return
		}
		var msg mcp.LogMessageParams
		if len(params) > 0 {
			if err := jsonAPI.Unmarshal(params, &msg); err != nil {
				logging.GetLogger().Debug("Undecodable log notification", "server_id", serverID, "error", err)
				return
			}
		}
		logging.GetLogger().Log(context.Background(), logging.ToSlogLevel(msg.Level),
			"Server log message", "server_id", serverID, "data", string(msg.Data))
	}
}
