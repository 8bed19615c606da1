// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package vport exposes a single virtual port as a character device.
//
// The port is acquired on open, so only one session can exist at a time.
// Receive ports can be read, send ports written. Each read or write moves
// exactly one frame.
package vport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aibor/vmport/internal/blockio"
	"github.com/aibor/vmport/internal/devreg"
	"github.com/aibor/vmport/internal/errno"
	"github.com/aibor/vmport/internal/hv"
	"github.com/aibor/vmport/internal/ioctl"
	"github.com/aibor/vmport/internal/port"
)

// Device is a port character device.
type Device struct {
	registry *port.Registry
	port     *port.Port

	mu       sync.Mutex
	session  *Session
	detached bool
}

var _ devreg.Instance = (*Device)(nil)

// New creates a device for the named port of either direction.
func New(registry *port.Registry, name string) (*Device, error) {
	p, err := registry.Lookup(name, hv.Receive)
	if errors.Is(err, errno.ErrNotFound) {
		p, err = registry.Lookup(name, hv.Send)
	}

	if err != nil {
		return nil, err
	}

	return &Device{registry: registry, port: p}, nil
}

// Kind returns the device kind description for a [devreg.Registry].
func Kind(registry *port.Registry) devreg.Kind {
	return devreg.Kind{
		Name:     "vport",
		MinNames: 1,
		MaxNames: 1,
		Header:   "# <minor> <portname> <use_counter>",
		Policy:   devreg.Refuse,
		Factory: func(_ int, names []string) (devreg.Instance, error) {
			return New(registry, names[0])
		},
	}
}

// Port returns the bound port.
func (d *Device) Port() *port.Port {
	return d.port
}

// Names implements [devreg.Instance].
func (d *Device) Names() []string {
	return []string{d.port.Name}
}

// InUse implements [devreg.Instance].
func (d *Device) InUse() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session != nil {
		return 1
	}

	return 0
}

// Detach implements [devreg.Instance].
func (d *Device) Detach(force bool) error {
	d.mu.Lock()
	session := d.session

	if session != nil && !force {
		d.mu.Unlock()
		return errno.ErrBusy
	}

	d.detached = true
	d.mu.Unlock()

	if session != nil {
		session.Close()
	}

	return nil
}

// Open acquires the port and returns a new session. It fails with
// [errno.ErrBusy] if the port is in use.
func (d *Device) Open() (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.detached {
		return nil, fmt.Errorf("device detached: %w", errno.ErrNotFound)
	}

	if err := d.registry.Acquire(d.port, port.OwnerPort, nil); err != nil {
		return nil, err
	}

	stream := blockio.NewStream(blockio.NewPortEndpoint(d.port))
	d.port.SetHandler(func(port.Event) error {
		stream.Wake()
		return nil
	})

	d.session = &Session{dev: d, stream: stream}

	return d.session, nil
}

// Session is an open port device.
type Session struct {
	dev    *Device
	stream *blockio.Stream
	once   sync.Once
}

var (
	_ blockio.Readable = (*Session)(nil)
	_ blockio.Writable = (*Session)(nil)
	_ blockio.Pollable = (*Session)(nil)
	_ ioctl.Controller = (*Session)(nil)
)

// Read receives one frame. See [blockio.Stream.Read].
func (s *Session) Read(ctx context.Context, p []byte, nonblock bool) (int, error) {
	return s.stream.Read(ctx, p, nonblock)
}

// Write sends one frame. See [blockio.Stream.Write].
func (s *Session) Write(ctx context.Context, p []byte, nonblock bool) (int, error) {
	return s.stream.Write(ctx, p, nonblock)
}

// Poll implements [blockio.Pollable].
func (s *Session) Poll() blockio.PollEvents {
	return s.stream.Poll()
}

// Changed returns a channel that is closed once the port's readiness may
// have changed.
func (s *Session) Changed() <-chan struct{} {
	return s.stream.Changed()
}

// Ioctl implements [ioctl.Controller]. It supports [ioctl.GetPortSize],
// [ioctl.GetPortDirection] and [ioctl.GetPortRemain].
func (s *Session) Ioctl(_ context.Context, cmd uint32, _ uint64) (uint64, error) {
	if s.stream.Closed() {
		return 0, blockio.ErrClosed
	}

	p := s.dev.port

	switch cmd {
	case ioctl.GetPortSize:
		return uint64(p.FrameSize), nil
	case ioctl.GetPortDirection:
		return uint64(p.Direction), nil
	case ioctl.GetPortRemain:
		remaining, err := p.Remaining()
		if err != nil {
			return 0, fmt.Errorf("%w: %w", errno.ErrIO, err)
		}

		return uint64(remaining), nil
	default:
		return 0, ioctl.UnknownRequest(cmd)
	}
}

// Close ends the session and releases the port. Waiting callers fail with
// [errno.ErrIO]. Calling Close more than once does nothing.
func (s *Session) Close() {
	s.once.Do(func() {
		s.stream.Close()

		d := s.dev
		d.registry.Release(d.port)

		d.mu.Lock()
		if d.session == s {
			d.session = nil
		}
		d.mu.Unlock()
	})
}
