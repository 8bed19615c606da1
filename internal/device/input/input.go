// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package input decodes input events received on a port.
package input

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aibor/vmport/internal/devreg"
	"github.com/aibor/vmport/internal/errno"
	"github.com/aibor/vmport/internal/hv"
	"github.com/aibor/vmport/internal/port"
)

const (
	// DefaultPort is the receive port used if none is named.
	DefaultPort = "input_rx"

	// EventBuffer is the number of decoded events kept until they are
	// read. Further events are dropped.
	EventBuffer = 64
)

// ErrClosed is returned by [Device.ReadEvent] once the device is removed.
var ErrClosed = fmt.Errorf("input device closed: %w", errno.ErrIO)

// Device is an input device.
type Device struct {
	registry *port.Registry
	port     *port.Port
	buf      []byte

	mu      sync.Mutex
	events  chan Event
	dropped uint64
	closed  bool
}

var _ devreg.Instance = (*Device)(nil)

// New acquires the named receive port and starts decoding. An empty name
// selects [DefaultPort].
func New(registry *port.Registry, name string) (*Device, error) {
	if name == "" {
		name = DefaultPort
	}

	p, err := registry.Lookup(name, hv.Receive)
	if err != nil {
		return nil, err
	}

	d := &Device{
		registry: registry,
		port:     p,
		buf:      make([]byte, p.FrameSize),
		events:   make(chan Event, EventBuffer),
	}

	if err := registry.Acquire(p, port.OwnerInput, d.buf); err != nil {
		return nil, err
	}

	p.SetHandler(d.receive)

	if err := p.Arm(); err != nil {
		registry.Release(p)
		return nil, fmt.Errorf("arm %s: %w: %w", name, errno.ErrIO, err)
	}

	return d, nil
}

// Kind returns the device kind description for a [devreg.Registry].
func Kind(registry *port.Registry) devreg.Kind {
	return devreg.Kind{
		Name:     "input",
		MinNames: 0,
		MaxNames: 1,
		Header:   "# <id> <portname> <use_counter>",
		Policy:   devreg.Force,
		Factory: func(_ int, names []string) (devreg.Instance, error) {
			var name string
			if len(names) > 0 {
				name = names[0]
			}

			return New(registry, name)
		},
	}
}

// Names implements [devreg.Instance].
func (d *Device) Names() []string {
	return []string{d.port.Name}
}

// InUse implements [devreg.Instance]. Input devices have no sessions.
func (d *Device) InUse() int {
	return 0
}

// Detach implements [devreg.Instance]. It releases the port and closes the
// event channel.
func (d *Device) Detach(bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}

	d.closed = true
	d.registry.Release(d.port)
	close(d.events)

	return nil
}

// Events returns the channel decoded events are delivered on. It is closed
// when the device is removed.
func (d *Device) Events() <-chan Event {
	return d.events
}

// Dropped returns the number of events dropped because the buffer was full.
func (d *Device) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.dropped
}

// ReadEvent blocks until the next event is available.
func (d *Device) ReadEvent(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-d.events:
		if !ok {
			return Event{}, ErrClosed
		}

		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (d *Device) receive(ev port.Event) error {
	if ev.Err != nil {
		return fmt.Errorf("receive: %w", ev.Err)
	}

	events, skipped, rest := Decode(d.buf[:ev.N])

	if skipped > 0 {
		slog.Warn("Skipped bytes of unknown input records",
			slog.String("port", d.port.Name),
			slog.Int("bytes", skipped))
	}

	if rest > 0 {
		slog.Warn("Remaining input bytes incomplete",
			slog.String("port", d.port.Name),
			slog.Int("bytes", rest))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}

	for _, e := range events {
		select {
		case d.events <- e:
		default:
			d.dropped++
		}
	}

	return nil
}
