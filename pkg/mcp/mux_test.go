// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
)

// fakeStream is an in-process Stream. Tests feed inbound frames through in
// and inspect outbound frames through sent; onSend, when set, runs on every
// write and typically plays the server side.
type fakeStream struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	onSend  func(frame []byte)
	in      chan []byte
}

func newFakeStream() *fakeStream {
	return &fakeStream{in: make(chan []byte, 16)}
}

func (f *fakeStream) Send(_ context.Context, frame []byte) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.sent = append(f.sent, cp)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(cp)
	}
	return nil
}

func (f *fakeStream) Recv() <-chan []byte { return f.in }

func (f *fakeStream) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

// respond echoes a canned result for the request carried in frame.
func (f *fakeStream) respond(frame []byte, result string) {
	id := gjson.GetBytes(frame, "id").Uint()
	f.in <- fmt.Appendf(nil, `{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result)
}

func TestMux_Call(t *testing.T) {
	stream := newFakeStream()
	stream.onSend = func(frame []byte) { stream.respond(frame, `{"ok":true}`) }
	mux := NewMux(stream)
	defer mux.Close()

	result, err := mux.Call(context.Background(), "tools/list", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))

	frames := stream.sentFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, "2.0", gjson.GetBytes(frames[0], "jsonrpc").String())
	assert.Equal(t, uint64(1), gjson.GetBytes(frames[0], "id").Uint())
	assert.Equal(t, "tools/list", gjson.GetBytes(frames[0], "method").String())

	_, err = mux.Call(context.Background(), "ping", nil, time.Second)
	require.NoError(t, err)
	frames = stream.sentFrames()
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(2), gjson.GetBytes(frames[1], "id").Uint(), "ids must increase monotonically")
}

func TestMux_OutOfOrderResponses(t *testing.T) {
	stream := newFakeStream()
	mux := NewMux(stream)
	defer mux.Close()

	var wg sync.WaitGroup
	results := make([]string, 2)
	callErrs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := mux.Call(context.Background(), "tools/call", map[string]any{"slot": i}, time.Second)
			if err != nil {
				callErrs[i] = err
				return
			}
			results[i] = gjson.GetBytes(raw, "slot").String()
		}(i)
	}

	// Wait for both requests to hit the wire, then answer in reverse order.
	require.Eventually(t, func() bool { return len(stream.sentFrames()) == 2 }, time.Second, 5*time.Millisecond)
	frames := stream.sentFrames()
	for i := len(frames) - 1; i >= 0; i-- {
		id := gjson.GetBytes(frames[i], "id").Uint()
		slot := gjson.GetBytes(frames[i], "params.slot").String()
		stream.in <- fmt.Appendf(nil, `{"jsonrpc":"2.0","id":%d,"result":{"slot":%q}}`, id, slot)
	}
	wg.Wait()

	require.NoError(t, callErrs[0])
	require.NoError(t, callErrs[1])
	assert.Equal(t, "0", results[0])
	assert.Equal(t, "1", results[1])
}

func TestMux_Timeout(t *testing.T) {
	stream := newFakeStream()
	mux := NewMux(stream)
	defer mux.Close()

	_, err := mux.Call(context.Background(), "tools/call", nil, 20*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrTimeout)
	assert.Equal(t, 0, mux.InFlight(), "timed-out entry must be removed")

	// A late response for the abandoned id is discarded and does not disturb
	// the next call.
	frames := stream.sentFrames()
	require.Len(t, frames, 1)
	stream.respond(frames[0], `{"late":true}`)

	stream.onSend = func(frame []byte) { stream.respond(frame, `{"fresh":true}`) }
	raw, err := mux.Call(context.Background(), "ping", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"fresh":true}`, string(raw))
}

func TestMux_SendFailure(t *testing.T) {
	stream := newFakeStream()
	stream.sendErr = errors.New("broken pipe")
	mux := NewMux(stream)
	defer mux.Close()

	_, err := mux.Call(context.Background(), "ping", nil, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.ErrorIs(t, err, model.ErrConnection)
	assert.Equal(t, 0, mux.InFlight())
}

func TestMux_ConnectionClosed(t *testing.T) {
	stream := newFakeStream()
	mux := NewMux(stream)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := mux.Call(context.Background(), "tools/call", nil, time.Minute)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return mux.InFlight() == 3 }, time.Second, 5*time.Millisecond)

	close(stream.in)

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrConnectionClosed)
		case <-time.After(time.Second):
			t.Fatal("outstanding call not failed after close")
		}
	}

	select {
	case <-mux.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	assert.ErrorIs(t, mux.Err(), ErrConnectionClosed)

	// The mux stays closed: new calls fail fast without touching the stream.
	_, err := mux.Call(context.Background(), "ping", nil, time.Second)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestMux_Notifications(t *testing.T) {
	stream := newFakeStream()
	mux := NewMux(stream)
	defer mux.Close()

	got := make(chan string, 1)
	mux.OnNotification(func(method string, params json.RawMessage) {
		got <- method + ":" + gjson.GetBytes(params, "level").String()
	})

	stream.in <- []byte(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info","data":"hi"}}`)

	select {
	case v := <-got:
		assert.Equal(t, "notifications/message:info", v)
	case <-time.After(time.Second):
		t.Fatal("notification not dispatched")
	}
}

func TestMux_ToleratesJunkFrames(t *testing.T) {
	stream := newFakeStream()
	mux := NewMux(stream)
	defer mux.Close()

	stream.in <- []byte(`this is not json`)
	stream.in <- []byte(`{"jsonrpc":"2.0"}`)                                          // neither id nor method
	stream.in <- []byte(`{"jsonrpc":"2.0","id":99,"result":{}}`)                      // unknown id
	stream.in <- []byte(`{"jsonrpc":"2.0","id":7,"method":"roots/list","params":{}}`) // server-initiated request

	stream.onSend = func(frame []byte) { stream.respond(frame, `{}`) }
	_, err := mux.Call(context.Background(), "ping", nil, time.Second)
	assert.NoError(t, err, "junk frames must not close the connection")
}

func TestMux_ContextCancel(t *testing.T) {
	stream := newFakeStream()
	mux := NewMux(stream)
	defer mux.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := mux.Call(ctx, "tools/call", nil, time.Minute)
		done <- err
	}()
	require.Eventually(t, func() bool { return mux.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled call did not return")
	}
	assert.Equal(t, 0, mux.InFlight())
}

func TestMux_ErrorResponse(t *testing.T) {
	stream := newFakeStream()
	stream.onSend = func(frame []byte) {
		id := gjson.GetBytes(frame, "id").Uint()
		stream.in <- fmt.Appendf(nil, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, id)
	}
	mux := NewMux(stream)
	defer mux.Close()

	_, err := mux.Call(context.Background(), "nope", nil, time.Second)
	require.Error(t, err)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)
	assert.Equal(t, "method not found", rpcErr.Message)
}

func TestMux_Notify(t *testing.T) {
	stream := newFakeStream()
	mux := NewMux(stream)
	defer mux.Close()

	require.NoError(t, mux.Notify(context.Background(), "notifications/terminated", nil))

	frames := stream.sentFrames()
	require.Len(t, frames, 1)
	assert.False(t, gjson.GetBytes(frames[0], "id").Exists(), "notifications carry no id")
	assert.Equal(t, "notifications/terminated", gjson.GetBytes(frames[0], "method").String())
}

// fakeRoundTripper scripts the HTTP degenerate path.
type fakeRoundTripper struct {
	mu     sync.Mutex
	frames [][]byte
	reply  func(frame []byte) ([]byte, error)
}

func (f *fakeRoundTripper) RoundTrip(ctx context.Context, frame []byte) ([]byte, error) {
	f.mu.Lock()
	f.frames = append(f.frames, append([]byte(nil), frame...))
	reply := f.reply
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return reply(frame)
}

func TestRoundTripMux_Call(t *testing.T) {
	rt := &fakeRoundTripper{reply: func(frame []byte) ([]byte, error) {
		id := gjson.GetBytes(frame, "id").Uint()
		return fmt.Appendf(nil, `{"jsonrpc":"2.0","id":%d,"result":{"pong":true}}`, id), nil
	}}
	mux := NewRoundTripMux(rt)

	raw, err := mux.Call(context.Background(), "ping", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":true}`, string(raw))

	raw, err = mux.Call(context.Background(), "ping", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":true}`, string(raw))
	assert.Equal(t, uint64(2), gjson.GetBytes(rt.frames[1], "id").Uint(), "ids advance per request")
}

func TestRoundTripMux_ErrorResponse(t *testing.T) {
	rt := &fakeRoundTripper{reply: func(frame []byte) ([]byte, error) {
		id := gjson.GetBytes(frame, "id").Uint()
		return fmt.Appendf(nil, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32602,"message":"bad params"}}`, id), nil
	}}
	mux := NewRoundTripMux(rt)

	_, err := mux.Call(context.Background(), "tools/call", nil, time.Second)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)
}

func TestRoundTripMux_Timeout(t *testing.T) {
	rt := &fakeRoundTripper{reply: func(frame []byte) ([]byte, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, context.DeadlineExceeded
	}}
	mux := NewRoundTripMux(rt)

	_, err := mux.Call(context.Background(), "tools/call", nil, 20*time.Millisecond)
	assert.ErrorIs(t, err, model.ErrTimeout)
}
