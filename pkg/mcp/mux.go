// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/logging"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/metrics"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
)

// Errors surfaced by the multiplexer. All wrap model.ErrConnection or
// model.ErrTimeout so upper layers can classify with errors.Is.
var (
	// ErrConnectionClosed fails every request that was outstanding when the
	// underlying transport terminated.
	ErrConnectionClosed = fmt.Errorf("%w: connection closed", model.ErrConnection)
	// ErrSendFailed fails a request whose frame could not be written.
	ErrSendFailed = fmt.Errorf("%w: send failed", model.ErrConnection)
)

// Stream is a duplex framed-message channel as provided by the stdio, SSH
// and Docker transports. Recv returns one complete JSON message per element
// and is closed when the transport terminates for any reason.
type Stream interface {
	Send(ctx context.Context, frame []byte) error
	Recv() <-chan []byte
}

// RoundTripper is the degenerate carrier used by the HTTP transport: one
// synchronous request/response exchange per call, no long-lived stream.
type RoundTripper interface {
	RoundTrip(ctx context.Context, frame []byte) ([]byte, error)
}

// NotificationHandler receives server-initiated notifications.
type NotificationHandler func(method string, params json.RawMessage)

type completion struct {
	resp *Response
	err  error
}

// Mux correlates JSON-RPC responses to their requests on one connection. It
// assigns monotonically increasing uint64 ids, tracks one pending entry per
// in-flight request, enforces per-request deadlines, and fails everything
// outstanding when the transport closes.
//
// The mutex guards only id allocation and map insert/lookup/remove; it is
// never held across Send or channel operations on the completion handles.
type Mux struct {
	stream Stream
	rt     RoundTripper

	mu          sync.Mutex
	nextID      uint64
	pending     map[uint64]chan completion
	closed      bool
	closeReason error

	handlerMu sync.RWMutex
	handlers  []NotificationHandler

	done chan struct{}
}

// NewMux builds a multiplexer over a stream transport and starts its read
// loop.
func NewMux(stream Stream) *Mux {
	m := &Mux{
		stream:  stream,
		pending: make(map[uint64]chan completion),
		done:    make(chan struct{}),
	}
	go m.readLoop()
	return m
}

// NewRoundTripMux builds the degenerate multiplexer used for HTTP: ids are
// still allocated monotonically, but each call is a synchronous exchange and
// no reader goroutine exists.
func NewRoundTripMux(rt RoundTripper) *Mux {
	return &Mux{
		rt:      rt,
		pending: make(map[uint64]chan completion),
		done:    make(chan struct{}),
	}
}

// Done is closed once the multiplexer has terminated and every outstanding
// request has been failed.
func (m *Mux) Done() <-chan struct{} {
	return m.done
}

// Err returns the close reason after Done is closed, nil before.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeReason
}

// OnNotification registers a handler for server-initiated notifications.
// Handlers run on the read loop goroutine and must not block.
func (m *Mux) OnNotification(h NotificationHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Call sends one request and blocks until its correlated response arrives,
// the per-request timeout elapses, or the context is cancelled. A timeout
// fails only this request; the connection stays up and a late response is
// discarded as an orphan.
func (m *Mux) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	if m.rt != nil {
		return m.roundTrip(ctx, method, raw, timeout)
	}

	// Insert precedes write so a fast response cannot miss its entry.
	m.mu.Lock()
	if m.closed {
		reason := m.closeReason
		m.mu.Unlock()
		return nil, reason
	}
	m.nextID++
	id := m.nextID
	ch := make(chan completion, 1)
	m.pending[id] = ch
	m.mu.Unlock()

	frame, err := jsonAPI.Marshal(Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: raw})
	if err != nil {
		m.remove(id)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := m.stream.Send(ctx, frame); err != nil {
		m.remove(id)
		return nil, fmt.Errorf("%w: %s", ErrSendFailed, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c := <-ch:
		if c.err != nil {
			return nil, c.err
		}
		if c.resp.Error != nil {
			return nil, c.resp.Error
		}
		return c.resp.Result, nil
	case <-timer.C:
		m.remove(id)
		metrics.IncrCounter([]string{"mux", "timeout"}, 1)
		return nil, fmt.Errorf("%w after %s (method %s, id %d)", model.ErrTimeout, timeout, method, id)
	case <-ctx.Done():
		m.remove(id)
		return nil, ctx.Err()
	}
}

// Notify sends a notification: no id, no response, no correlation entry.
func (m *Mux) Notify(ctx context.Context, method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	frame, err := jsonAPI.Marshal(Notification{JSONRPC: JSONRPCVersion, Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if m.rt != nil {
		_, err := m.rt.RoundTrip(ctx, frame)
		return err
	}
	m.mu.Lock()
	if m.closed {
		reason := m.closeReason
		m.mu.Unlock()
		return reason
	}
	m.mu.Unlock()
	return m.stream.Send(ctx, frame)
}

// Close terminates the multiplexer explicitly, failing anything outstanding.
// Stream muxes normally terminate through transport close instead; this is
// the path for the HTTP mux and for forced shutdown.
func (m *Mux) Close() {
	m.failAll(ErrConnectionClosed)
}

// roundTrip is the HTTP degenerate path: one write-then-read per request.
func (m *Mux) roundTrip(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	m.mu.Lock()
	if m.closed {
		reason := m.closeReason
		m.mu.Unlock()
		return nil, reason
	}
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	frame, err := jsonAPI.Marshal(Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := m.rt.RoundTrip(callCtx, frame)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			metrics.IncrCounter([]string{"mux", "timeout"}, 1)
			return nil, fmt.Errorf("%w after %s (method %s, id %d)", model.ErrTimeout, timeout, method, id)
		}
		return nil, err
	}

	var resp Response
	if err := jsonAPI.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: invalid response body: %s", model.ErrConnection, err)
	}
	if got := gjson.GetBytes(body, "id"); got.Exists() && got.Uint() != id {
		logging.GetLogger().Debug("Response id does not match request", "want", id, "got", got.Raw)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// readLoop consumes frames until the transport closes its Recv channel, then
// fails everything still pending.
func (m *Mux) readLoop() {
	for frame := range m.stream.Recv() {
		m.dispatch(frame)
	}
	m.failAll(ErrConnectionClosed)
}

// dispatch classifies one inbound frame. A frame with an id and no method is
// a response; a method without an id is a notification; anything else is
// logged and discarded without closing the connection.
func (m *Mux) dispatch(frame []byte) {
	log := logging.GetLogger()
	if !gjson.ValidBytes(frame) {
		log.Warn("Discarding malformed frame", "size", len(frame))
		return
	}
	id := gjson.GetBytes(frame, "id")
	method := gjson.GetBytes(frame, "method")

	switch {
	case id.Exists() && !method.Exists():
		var resp Response
		if err := jsonAPI.Unmarshal(frame, &resp); err != nil {
			log.Warn("Discarding undecodable response", "error", err)
			return
		}
		m.resolve(id.Uint(), &resp)
	case method.Exists() && !id.Exists():
		m.notify(method.String(), json.RawMessage(gjson.GetBytes(frame, "params").Raw))
	case method.Exists() && id.Exists():
		// Server-initiated request. This client does not serve requests;
		// drop it rather than stall the server with silence forever.
		log.Debug("Ignoring server-initiated request", "method", method.String())
	default:
		log.Warn("Discarding frame with neither id nor method", "size", len(frame))
	}
}

func (m *Mux) resolve(id uint64, resp *Response) {
	m.mu.Lock()
	ch, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if !ok {
		// Late responses to timed-out or cancelled requests land here.
		logging.GetLogger().Debug("Discarding response with unknown id", "id", id)
		metrics.IncrCounter([]string{"mux", "orphan"}, 1)
		return
	}
	ch <- completion{resp: resp}
}

func (m *Mux) notify(method string, params json.RawMessage) {
	m.handlerMu.RLock()
	handlers := make([]NotificationHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.handlerMu.RUnlock()

	if len(handlers) == 0 {
		logging.GetLogger().Debug("Dropping notification with no handler", "method", method)
		return
	}
	for _, h := range handlers {
		h(method, params)
	}
}

func (m *Mux) remove(id uint64) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// failAll drains the pending map once, failing every handle with reason.
// Idempotent: only the first call closes the mux.
func (m *Mux) failAll(reason error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.closeReason = reason
	drained := m.pending
	m.pending = make(map[uint64]chan completion)
	m.mu.Unlock()

	for _, ch := range drained {
		ch <- completion{err: reason}
	}
	close(m.done)
}

// InFlight reports the number of pending requests, for tests and metrics.
func (m *Mux) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
