// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vfile

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/aibor/vmport/internal/blockio"
	"github.com/aibor/vmport/internal/errno"
	"github.com/aibor/vmport/internal/hv"
	"github.com/aibor/vmport/internal/ioctl"
	"github.com/aibor/vmport/internal/worker"
)

// NotifyFunc receives the result of each completed event wait of a session.
// It runs on the worker goroutine and must not block.
type NotifyFunc func(events uint32, err error)

// Session is an open virtual file.
type Session struct {
	dev    *Device
	handle hv.Handle
	flags  hv.OpenFlag
	size   int64

	mu       sync.Mutex
	mask     uint32
	notifyFn NotifyFunc

	closed atomic.Bool
}

var (
	_ blockio.Readable = (*Session)(nil)
	_ blockio.Writable = (*Session)(nil)
	_ blockio.Seekable = (*Session)(nil)
	_ ioctl.Controller = (*Session)(nil)
)

// Handle returns the hypervisor handle. It identifies the session.
func (s *Session) Handle() hv.Handle {
	return s.handle
}

// Size returns the file size reported on open, or [DefaultSize].
func (s *Session) Size() int64 {
	return s.size
}

func (s *Session) run(ctx context.Context, job *worker.Job) (worker.Result, error) {
	if s.closed.Load() {
		return worker.Result{}, ErrClosed
	}

	job.Owner = s.handle

	res, err := s.dev.do(ctx, job)
	if err != nil && s.closed.Load() {
		return res, ErrClosed
	}

	return res, err
}

// Read reads up to the device's frame size bytes at the current position.
// Non-blocking reads always fail with [errno.ErrWouldBlock].
func (s *Session) Read(ctx context.Context, p []byte, nonblock bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if nonblock {
		return 0, errno.ErrWouldBlock
	}

	buf := make([]byte, min(len(p), s.dev.frameSize))

	res, err := s.run(ctx, &worker.Job{Kind: worker.Read, Buf: buf})
	if err != nil {
		return 0, err
	}

	return copy(p, buf[:res.N]), nil
}

// Write writes up to the device's frame size bytes at the current position.
// It returns the number of bytes accepted by the hypervisor. Non-blocking
// writes always fail with [errno.ErrWouldBlock].
func (s *Session) Write(ctx context.Context, p []byte, nonblock bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if nonblock {
		return 0, errno.ErrWouldBlock
	}

	buf := append([]byte(nil), p[:min(len(p), s.dev.frameSize)]...)

	res, err := s.run(ctx, &worker.Job{Kind: worker.Write, Buf: buf})
	if err != nil {
		return 0, err
	}

	return int(res.N), nil
}

// Seek sets the position for the next read or write.
func (s *Session) Seek(ctx context.Context, offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart, io.SeekCurrent, io.SeekEnd:
	default:
		return 0, fmt.Errorf("whence %d: %w", whence, errno.ErrInvalid)
	}

	res, err := s.run(ctx, &worker.Job{Kind: worker.Seek, Offset: offset, Whence: whence})
	if err != nil {
		return 0, err
	}

	return res.N, nil
}

// FileIoctl passes the request to the hypervisor. On success, req.Data holds
// the output.
func (s *Session) FileIoctl(ctx context.Context, req *ioctl.FileRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	data := req.Data

	_, err := s.run(ctx, &worker.Job{
		Kind:    worker.Ioctl,
		Buf:     data[:],
		Cmd:     req.Cmd,
		InSize:  int(req.InSize),
		OutSize: int(req.OutSize),
	})
	if err != nil {
		return err
	}

	req.Data = data

	return nil
}

// EventMask returns the event mask last set. It defaults to all events.
func (s *Session) EventMask() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mask
}

// SetEventMask selects the events [Session.WaitEvent] waits for.
func (s *Session) SetEventMask(ctx context.Context, mask uint32) error {
	_, err := s.run(ctx, &worker.Job{Kind: worker.SetEventMask, Mask: mask})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.mask = mask
	s.mu.Unlock()

	return nil
}

// WaitEvent blocks until one of the masked events is pending and returns the
// pending events.
func (s *Session) WaitEvent(ctx context.Context, flags hv.WaitFlag) (uint32, error) {
	res, err := s.run(ctx, &worker.Job{Kind: worker.WaitEvent, WaitFlags: flags})
	if err != nil {
		return 0, err
	}

	return uint32(res.N), nil
}

// Notify subscribes fn to the results of completed event waits, including
// waits whose caller gave up. nil unsubscribes.
func (s *Session) Notify(fn NotifyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifyFn = fn
}

func (s *Session) notify(events uint32, err error) {
	s.mu.Lock()
	fn := s.notifyFn
	s.mu.Unlock()

	if fn != nil {
		fn(events, err)
	}
}

// Map maps length bytes at offset of the file. A writable mapping requires a
// session opened for writing.
func (s *Session) Map(ctx context.Context, offset, length int64, flags hv.OpenFlag) ([]byte, error) {
	if offset < 0 || length <= 0 || offset+length > s.size {
		return nil, fmt.Errorf("map %d bytes at %d of %d: %w", length, offset, s.size, errno.ErrInvalid)
	}

	if flags.Has(hv.FlagWrite) && !s.flags.Has(hv.FlagWrite) {
		return nil, fmt.Errorf("writable map of read-only session: %w", errno.ErrAccess)
	}

	res, err := s.run(ctx, &worker.Job{
		Kind:   worker.Map,
		Offset: offset,
		Length: length,
		Flags:  flags,
	})
	if err != nil {
		return nil, err
	}

	return res.Mem, nil
}

// Ioctl implements [ioctl.Controller]. It serves [ioctl.GetFileSize],
// [ioctl.GetEventMask], [ioctl.SetEventMask], [ioctl.EventWait] with the
// wait flags as argument and [ioctl.GetUID]. Use [Session.FileIoctl] for
// [ioctl.FileIoctl].
func (s *Session) Ioctl(ctx context.Context, cmd uint32, arg uint64) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	switch cmd {
	case ioctl.GetFileSize:
		return uint64(s.size), nil
	case ioctl.GetEventMask:
		return uint64(s.EventMask()), nil
	case ioctl.SetEventMask:
		return 0, s.SetEventMask(ctx, uint32(arg))
	case ioctl.EventWait:
		events, err := s.WaitEvent(ctx, hv.WaitFlag(arg))
		return uint64(events), err
	case ioctl.GetUID:
		return uint64(s.handle), nil
	default:
		return 0, ioctl.UnknownRequest(cmd)
	}
}

// Close closes the hypervisor handle. Calling Close more than once does
// nothing.
func (s *Session) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}

	defer s.dev.forget(s)

	_, err := s.dev.do(ctx, &worker.Job{Kind: worker.Close, Owner: s.handle})

	return err
}
