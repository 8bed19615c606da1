// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package link binds a receive and a send port into one bidirectional
// character device.
package link

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/aibor/vmport/internal/blockio"
	"github.com/aibor/vmport/internal/devreg"
	"github.com/aibor/vmport/internal/errno"
	"github.com/aibor/vmport/internal/hv"
	"github.com/aibor/vmport/internal/ioctl"
	"github.com/aibor/vmport/internal/port"
)

// Device is a link device.
type Device struct {
	registry *port.Registry
	rx       *port.Port
	tx       *port.Port

	mu       sync.Mutex
	session  *Session
	detached bool
}

var (
	_ devreg.Instance  = (*Device)(nil)
	_ devreg.Describer = (*Device)(nil)
)

// New creates a link device for the given receive and send port names.
func New(registry *port.Registry, rxName, txName string) (*Device, error) {
	rx, err := registry.Lookup(rxName, hv.Receive)
	if err != nil {
		return nil, err
	}

	tx, err := registry.Lookup(txName, hv.Send)
	if err != nil {
		return nil, err
	}

	return &Device{registry: registry, rx: rx, tx: tx}, nil
}

// Kind returns the device kind description for a [devreg.Registry].
func Kind(registry *port.Registry) devreg.Kind {
	return devreg.Kind{
		Name:     "link",
		MinNames: 2,
		MaxNames: 2,
		Header:   "# <minor> <RX_port> <TX_port> <use_counter>",
		Policy:   devreg.Refuse,
		Factory: func(_ int, names []string) (devreg.Instance, error) {
			return New(registry, names[0], names[1])
		},
	}
}

// Names implements [devreg.Instance].
func (d *Device) Names() []string {
	return []string{d.rx.Name, d.tx.Name}
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

// Describe implements [devreg.Describer].
func (d *Device) Describe() string {
	return d.rx.Name + " " + d.tx.Name + " " + strconv.Itoa(d.InUse())
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

// Open acquires both ports and returns a new session.
func (d *Device) Open() (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.detached {
		return nil, fmt.Errorf("device detached: %w", errno.ErrNotFound)
	}

	if err := d.registry.Acquire(d.rx, port.OwnerLink, nil); err != nil {
		return nil, err
	}

	if err := d.registry.Acquire(d.tx, port.OwnerLink, nil); err != nil {
		d.registry.Release(d.rx)
		return nil, err
	}

	s := &Session{
		dev: d,
		rx:  blockio.NewStream(blockio.NewPortEndpoint(d.rx)),
		tx:  blockio.NewStream(blockio.NewPortEndpoint(d.tx)),
	}

	d.rx.SetHandler(func(port.Event) error {
		s.rx.Wake()
		return nil
	})
	d.tx.SetHandler(func(port.Event) error {
		s.tx.Wake()
		return nil
	})

	d.session = s

	return s, nil
}

// Session is an open link device.
type Session struct {
	dev  *Device
	rx   *blockio.Stream
	tx   *blockio.Stream
	once sync.Once
}

var (
	_ blockio.Readable = (*Session)(nil)
	_ blockio.Writable = (*Session)(nil)
	_ blockio.Pollable = (*Session)(nil)
	_ ioctl.Controller = (*Session)(nil)
)

// Read receives one frame from the receive port.
func (s *Session) Read(ctx context.Context, p []byte, nonblock bool) (int, error) {
	return s.rx.Read(ctx, p, nonblock)
}

// Write sends one frame to the send port.
func (s *Session) Write(ctx context.Context, p []byte, nonblock bool) (int, error) {
	return s.tx.Write(ctx, p, nonblock)
}

// Poll combines the readiness of both directions.
func (s *Session) Poll() blockio.PollEvents {
	return s.rx.Poll()&(blockio.PollIn|blockio.PollErr) |
		s.tx.Poll()&(blockio.PollOut|blockio.PollErr)
}

// Ioctl implements [ioctl.Controller]. [ioctl.GetPortSize] returns the
// receive port's frame size, [ioctl.GetPortSize2] the send port's.
func (s *Session) Ioctl(_ context.Context, cmd uint32, _ uint64) (uint64, error) {
	switch cmd {
	case ioctl.GetPortSize:
		return uint64(s.dev.rx.FrameSize), nil
	case ioctl.GetPortSize2:
		return uint64(s.dev.tx.FrameSize), nil
	default:
		return 0, ioctl.UnknownRequest(cmd)
	}
}

// Close ends the session and releases both ports.
func (s *Session) Close() {
	s.once.Do(func() {
		s.rx.Close()
		s.tx.Close()

		d := s.dev
		d.registry.Release(d.rx)
		d.registry.Release(d.tx)

		d.mu.Lock()
		if d.session == s {
			d.session = nil
		}
		d.mu.Unlock()
	})
}
