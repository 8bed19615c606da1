// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package vfile exposes a hypervisor file as a raw byte stream device.
//
// All hypervisor calls of a device run on one [worker.Worker], so at most one
// call is in flight per device. Sessions share that worker.
package vfile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aibor/vmport/internal/devreg"
	"github.com/aibor/vmport/internal/errno"
	"github.com/aibor/vmport/internal/hv"
	"github.com/aibor/vmport/internal/worker"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSize is the session size used if the hypervisor does not report
	// one.
	DefaultSize = 4096

	// DefaultFrameSize caps the bytes moved by a single read or write.
	DefaultFrameSize = 4096
)

var (
	// ErrClosed is returned for operations on closed sessions and sessions of
	// removed devices.
	ErrClosed = fmt.Errorf("session closed: %w", errno.ErrIO)

	// ErrDetached is returned when opening a removed device.
	ErrDetached = fmt.Errorf("device detached: %w", errno.ErrNotFound)
)

// Device is a virtual file device.
type Device struct {
	files     hv.Files
	name      string
	frameSize int

	worker *worker.Worker
	cancel context.CancelFunc
	group  errgroup.Group

	mu       sync.Mutex
	sessions map[hv.Handle]*Session
	detached bool
}

var _ devreg.Instance = (*Device)(nil)

// Option configures a [Device].
type Option func(d *Device)

// WithFrameSize sets the maximum number of bytes per read or write.
func WithFrameSize(size int) Option {
	return func(d *Device) {
		d.frameSize = size
	}
}

// New creates a device for the named file and starts its worker. The
// worker runs until the device is detached.
func New(files hv.Files, name string, opts ...Option) *Device {
	d := &Device{
		files:     files,
		name:      name,
		frameSize: DefaultFrameSize,
		sessions:  map[hv.Handle]*Session{},
	}

	for _, opt := range opts {
		opt(d)
	}

	d.worker = worker.New(files, worker.WithCompletionHandler(d.completed))

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.group.Go(func() error { return d.worker.Run(ctx) })

	return d
}

// Kind returns the device kind description for a [devreg.Registry].
func Kind(files hv.Files, opts ...Option) devreg.Kind {
	return devreg.Kind{
		Name:     "vfile",
		MinNames: 1,
		MaxNames: 1,
		Header:   "# <minor> <filename> <use_counter>",
		Policy:   devreg.Force,
		Factory: func(_ int, names []string) (devreg.Instance, error) {
			return New(files, names[0], opts...), nil
		},
	}
}

// Name returns the file name.
func (d *Device) Name() string {
	return d.name
}

// Busy reports whether a hypervisor call is in progress.
func (d *Device) Busy() bool {
	return d.worker.State() != worker.Idle
}

// Names implements [devreg.Instance].
func (d *Device) Names() []string {
	return []string{d.name}
}

// InUse implements [devreg.Instance]. It returns the number of open
// sessions.
func (d *Device) InUse() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.sessions)
}

// Detach implements [devreg.Instance]. It stops the worker. Open sessions
// fail with [ErrClosed] and their handles are closed.
func (d *Device) Detach(force bool) error {
	d.mu.Lock()

	if len(d.sessions) > 0 && !force {
		d.mu.Unlock()
		return errno.ErrBusy
	}

	d.detached = true
	sessions := d.sessions
	d.sessions = map[hv.Handle]*Session{}
	d.mu.Unlock()

	for _, s := range sessions {
		s.closed.Store(true)
	}

	d.cancel()
	_ = d.group.Wait()

	for handle := range sessions {
		if err := d.files.Close(handle); err != nil {
			slog.Warn("Failed to close file of detached device",
				slog.String("file", d.name),
				slog.Int("handle", int(handle)),
				slog.Any("error", err))
		}
	}

	return nil
}

// Open opens the file with the given flags and returns a new session.
func (d *Device) Open(ctx context.Context, flags hv.OpenFlag) (*Session, error) {
	d.mu.Lock()
	detached := d.detached
	d.mu.Unlock()

	if detached {
		return nil, ErrDetached
	}

	res, err := d.do(ctx, &worker.Job{Kind: worker.Open, Name: d.name, Flags: flags})
	if err != nil {
		return nil, err
	}

	size := res.N
	if size <= 0 {
		size = DefaultSize
	}

	s := &Session{
		dev:    d,
		handle: res.Handle,
		flags:  flags,
		size:   size,
		mask:   ^uint32(0),
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.detached {
		_ = d.files.Close(res.Handle)
		return nil, ErrDetached
	}

	d.sessions[s.handle] = s

	return s, nil
}

// do runs the job on the worker and waits for it. Result errors are
// translated into the error taxonomy.
func (d *Device) do(ctx context.Context, job *worker.Job) (worker.Result, error) {
	if err := d.worker.Submit(ctx, job); err != nil {
		return worker.Result{}, err
	}

	res, err := job.Wait(ctx)
	if err != nil {
		return res, errno.Translate(err)
	}

	return res, nil
}

func (d *Device) completed(job *worker.Job) {
	if job.Kind != worker.WaitEvent {
		return
	}

	d.mu.Lock()
	s := d.sessions[job.Owner]
	d.mu.Unlock()

	if s == nil {
		return
	}

	res := job.Result()
	s.notify(uint32(res.N), errno.Translate(res.Err))
}

func (d *Device) forget(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sessions[s.handle] == s {
		delete(d.sessions, s.handle)
	}
}
