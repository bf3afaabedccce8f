// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

// logWriter is an io.Writer that forwards each complete line to a
// slog.Logger at a fixed level. Server stderr is plumbed through it so
// diagnostics end up in our log instead of the protocol channel. Partial
// lines are buffered until their newline arrives.
type logWriter struct {
	log   *slog.Logger
	level slog.Level

	mu  sync.Mutex
	buf []byte
}

func newLogWriter(log *slog.Logger, level slog.Level) *logWriter {
	return &logWriter{log: log, level: level, buf: make([]byte, 0, 1024)}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx == -1 {
			break
		}
		line := strings.TrimSuffix(string(w.buf[:idx]), "\r")
		w.buf = w.buf[idx+1:]
		if line != "" {
			w.log.Log(context.Background(), w.level, line)
		}
	}
	return len(p), nil
}

// Close flushes a trailing unterminated line.
func (w *logWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		line := strings.TrimSuffix(string(w.buf), "\r")
		w.log.Log(context.Background(), w.level, line)
		w.buf = w.buf[:0]
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it. It captures the tail
// of a server's stderr so an early exit can be diagnosed.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
