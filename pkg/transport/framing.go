// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/logging"
)

const (
	// initialScanBuffer is the starting size of the line reassembly buffer.
	initialScanBuffer = 64 * 1024
	// maxFrameBytes bounds a single framed message. A line beyond this is a
	// framing failure and closes the stream.
	maxFrameBytes = 10 * 1024 * 1024
)

// lineStream frames newline-delimited JSON over a raw byte pipe. A partial
// trailing fragment stays in the scanner buffer until the terminating
// newline arrives. The reader goroutine owns the out channel and closes it
// exactly once when the pipe ends, which is how consumers observe
// transport death.
type lineStream struct {
	name string

	wMu    sync.Mutex
	w      io.Writer
	closed bool

	out  chan []byte
	done chan struct{}
}

func newLineStream(name string, w io.Writer, r io.Reader) *lineStream {
	s := &lineStream{
		name: name,
		w:    w,
		out:  make(chan []byte, 16),
		done: make(chan struct{}),
	}
	go s.readLoop(r)
	return s
}

// Send writes one frame followed by the newline separator. Writes are
// serialised so concurrent frames never interleave.
func (s *lineStream) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.wMu.Lock()
	defer s.wMu.Unlock()
	if s.closed {
		return fmt.Errorf("%s stream is closed", s.name)
	}
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	if _, err := s.w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Recv returns the inbound frame channel. It is closed when the underlying
// pipe ends.
func (s *lineStream) Recv() <-chan []byte {
	return s.out
}

// Done is closed once the read loop has finished draining the pipe.
func (s *lineStream) Done() <-chan struct{} {
	return s.done
}

// markClosed makes subsequent Sends fail fast. The out channel still closes
// through the read loop when the pipe itself ends.
func (s *lineStream) markClosed() {
	s.wMu.Lock()
	s.closed = true
	s.wMu.Unlock()
}

func (s *lineStream) readLoop(r io.Reader) {
	defer close(s.done)
	defer close(s.out)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialScanBuffer), maxFrameBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		s.out <- frame
	}
	if err := scanner.Err(); err != nil {
		logging.GetLogger().Warn("Stream read ended with error", "transport", s.name, "error", err)
	}
}
