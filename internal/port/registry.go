// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package port

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/aibor/vmport/internal/errno"
	"github.com/aibor/vmport/internal/hv"
)

// Registry is the static catalog of virtual ports.
//
// The set of ports never changes after [Enumerate]. Ownership state is kept
// per port.
type Registry struct {
	ports []*Port
}

// Enumerate queries the hypervisor for all ports and builds the registry.
//
// It fails if any query fails or a port reports a non-positive frame size.
func Enumerate(h hv.Ports) (*Registry, error) {
	count, err := h.PortCount()
	if err != nil {
		return nil, fmt.Errorf("port count: %w", err)
	}

	reg := &Registry{
		ports: make([]*Port, 0, count),
	}

	for line := range count {
		info, err := h.PortInfo(line)
		if err != nil {
			return nil, &EnumerateError{Line: line, Err: err}
		}

		if info.FrameSize <= 0 {
			return nil, &EnumerateError{Line: line, Err: ErrFrameSizeInvalid}
		}

		reg.ports = append(reg.ports, &Port{
			Line:      line,
			Direction: info.Direction,
			FrameSize: info.FrameSize,
			Name:      info.Name,
			IRQ:       IRQBase + line,
			ports:     h,
		})

		slog.Debug("Port found",
			slog.Int("line", line),
			slog.String("name", info.Name),
			slog.String("direction", info.Direction.String()),
			slog.Int("frame_size", info.FrameSize))
	}

	return reg, nil
}

// Ports returns all ports ordered by line.
func (r *Registry) Ports() []*Port {
	return r.ports
}

// Port returns the port with the given line.
func (r *Registry) Port(line int) (*Port, error) {
	if line < 0 || line >= len(r.ports) {
		return nil, fmt.Errorf("line %d: %w", line, errno.ErrNotFound)
	}

	return r.ports[line], nil
}

// Lookup returns the first port with the given name and direction.
func (r *Registry) Lookup(name string, dir hv.Direction) (*Port, error) {
	for _, p := range r.ports {
		if p.Name == name && p.Direction == dir {
			return p, nil
		}
	}

	return nil, fmt.Errorf("%s port %s: %w", dir, name, errno.ErrNotFound)
}

// Acquire takes exclusive ownership of the port.
//
// It fails with [errno.ErrBusy] if the port is already owned. If external is
// nil, an [Owned] buffer of the port's frame size is allocated. Otherwise
// external is used as [Borrowed] buffer. It must be able to hold a frame.
func (r *Registry) Acquire(p *Port, owner Owner, external []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.owner != "" {
		return fmt.Errorf("port %s: %w", p.Name, errno.ErrBusy)
	}

	switch {
	case external == nil:
		p.buf = Buffer{Kind: Owned, Data: make([]byte, p.FrameSize)}
	case len(external) < p.FrameSize:
		return fmt.Errorf("port %s: external buffer too small: %w", p.Name, errno.ErrInvalid)
	default:
		p.buf = Buffer{Kind: Borrowed, Data: external}
	}

	if owner == "" || owner == OwnerNone {
		owner = OwnerPort
	}

	p.owner = owner
	p.ready.Store(false)
	p.count.Store(0)

	return nil
}

// Release gives up ownership of the port.
//
// Owned buffers are dropped, borrowed buffers are left alone. The handler is
// removed and the port disarmed. Releasing a free port does nothing. No
// operation may be in flight on the port.
func (r *Registry) Release(p *Port) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.owner == "" {
		return
	}

	if p.armed.Load() {
		if err := p.Disarm(); err != nil {
			slog.Warn("Failed to disarm released port",
				slog.String("port", p.Name),
				slog.Any("error", err))
		}
	}

	p.owner = ""
	p.buf = Buffer{}
	p.handler = nil
	p.ready.Store(false)
}

// WriteConfig writes a listing of all ports.
func (r *Registry) WriteConfig(w io.Writer) error {
	_, err := fmt.Fprintln(w, "# <id> <portname> <direction> <portsize> <use_counter> <type>")
	if err != nil {
		return err
	}

	for _, p := range r.ports {
		_, err := fmt.Fprintf(w, "%d %s %s %d %d %s\n",
			p.Line, p.Name, p.Direction, p.FrameSize, p.InUse(), p.Owner())
		if err != nil {
			return err
		}
	}

	return nil
}
