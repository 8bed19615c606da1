// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package blockio

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/aibor/vmport/internal/errno"
	"github.com/aibor/vmport/internal/hv"
)

// ErrClosed is returned if a stream was closed while a caller used it.
var ErrClosed = fmt.Errorf("stream closed: %w", errno.ErrIO)

// Endpoint is one direction of a frame based channel.
type Endpoint interface {
	Direction() hv.Direction
	FrameSize() int
	// Available returns true if a frame can be transferred without blocking.
	Available() (bool, error)
	// Arm requests a wake up once the endpoint becomes available.
	Arm() error
	// Transfer receives or sends exactly one frame.
	Transfer(p []byte) (int, error)
	ClearReady()
}

// Stream runs the blocking I/O contract on an [Endpoint].
//
// The endpoint's interrupt handler must call [Stream.Wake].
type Stream struct {
	ep     Endpoint
	queue  WaitQueue
	closed atomic.Bool
}

var (
	_ Readable = (*Stream)(nil)
	_ Writable = (*Stream)(nil)
	_ Pollable = (*Stream)(nil)
)

// NewStream creates a new stream on the endpoint.
func NewStream(ep Endpoint) *Stream {
	return &Stream{ep: ep}
}

// Wake wakes all callers waiting on the stream.
func (s *Stream) Wake() {
	s.queue.Wake()
}

// Changed returns a channel that is closed the next time the stream is
// woken.
func (s *Stream) Changed() <-chan struct{} {
	return s.queue.Changed()
}

// Close invalidates the stream. Waiting and future callers fail with
// [ErrClosed].
func (s *Stream) Close() {
	s.closed.Store(true)
	s.queue.Wake()
}

// Closed returns true if the stream is closed.
func (s *Stream) Closed() bool {
	return s.closed.Load()
}

// Read receives one frame into p.
//
// A zero length p returns immediately. If no frame is queued, a non-blocking
// call fails with [errno.ErrWouldBlock], a blocking call waits. At most
// len(p) bytes of the frame are copied.
func (s *Stream) Read(ctx context.Context, p []byte, nonblock bool) (int, error) {
	if s.ep.Direction() != hv.Receive {
		return 0, fmt.Errorf("read on send endpoint: %w", errno.ErrInvalid)
	}

	return s.transfer(ctx, p, nonblock)
}

// Write sends p as one frame.
//
// A zero length p returns immediately. p larger than the frame size fails
// with [errno.ErrMessageTooLarge]. If the queue is full, a non-blocking call
// fails with [errno.ErrWouldBlock], a blocking call waits.
func (s *Stream) Write(ctx context.Context, p []byte, nonblock bool) (int, error) {
	if s.ep.Direction() != hv.Send {
		return 0, fmt.Errorf("write on receive endpoint: %w", errno.ErrInvalid)
	}

	if len(p) > s.ep.FrameSize() {
		return 0, fmt.Errorf("%d bytes exceed frame size %d: %w",
			len(p), s.ep.FrameSize(), errno.ErrMessageTooLarge)
	}

	return s.transfer(ctx, p, nonblock)
}

func (s *Stream) transfer(ctx context.Context, p []byte, nonblock bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if err := s.wait(ctx, nonblock); err != nil {
		return 0, err
	}

	n, err := s.ep.Transfer(p[:min(len(p), s.ep.FrameSize())])
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errno.ErrIO, err)
	}

	s.ep.ClearReady()

	if err := s.ep.Arm(); err != nil {
		return n, fmt.Errorf("re-arm: %w: %w", errno.ErrIO, err)
	}

	return n, nil
}

func (s *Stream) wait(ctx context.Context, nonblock bool) error {
	if s.closed.Load() {
		return ErrClosed
	}

	available, err := s.ep.Available()
	if err != nil {
		return fmt.Errorf("%w: %w", errno.ErrIO, err)
	}

	if available {
		return nil
	}

	if nonblock {
		return errno.ErrWouldBlock
	}

	err = s.queue.Wait(ctx, func() (bool, error) {
		if s.closed.Load() {
			return false, ErrClosed
		}

		if err := s.ep.Arm(); err != nil {
			return false, err
		}

		return s.ep.Available()
	})
	if err != nil && !errors.Is(err, ErrClosed) && ctx.Err() == nil {
		return fmt.Errorf("%w: %w", errno.ErrIO, err)
	}

	return err
}

// Poll reports whether the stream can transfer a frame without blocking. If
// not, the endpoint is armed so the stream is woken once it can.
func (s *Stream) Poll() PollEvents {
	if s.closed.Load() {
		return PollErr
	}

	available, err := s.ep.Available()
	if err != nil {
		return PollErr
	}

	if !available {
		if err := s.ep.Arm(); err != nil {
			return PollErr
		}

		return 0
	}

	if s.ep.Direction() == hv.Receive {
		return PollIn
	}

	return PollOut
}
