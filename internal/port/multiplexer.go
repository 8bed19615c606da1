// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package port

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aibor/vmport/internal/hv"
)

// Multiplexer waits for armed ports to become ready and raises their
// synthetic interrupts.
//
// There must be only one running multiplexer per hypervisor. Handlers of a
// single port are called strictly in order since all of them run on the
// multiplexer's goroutine. A blocking handler stalls all ports.
type Multiplexer struct {
	registry *Registry
	selector selector
}

type selector interface {
	Select(ctx context.Context) ([]int, error)
}

// NewMultiplexer creates a multiplexer for the ports of the given registry.
func NewMultiplexer(registry *Registry, ports hv.Ports) *Multiplexer {
	return &Multiplexer{
		registry: registry,
		selector: ports,
	}
}

// Run services ready ports until the context is done.
//
// It returns nil once ctx is done and an error if the hypervisor's select
// fails. Handler errors are logged and do not stop the loop.
func (m *Multiplexer) Run(ctx context.Context) error {
	for {
		lines, err := m.selector.Select(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("select: %w", err)
		}

		for _, line := range lines {
			p, err := m.registry.Port(line)
			if err != nil {
				slog.Warn("Select returned unknown line", slog.Int("line", line))
				continue
			}

			m.service(p)
		}
	}
}

func (m *Multiplexer) service(p *Port) {
	p.mu.Lock()
	buf := p.buf
	handler := p.handler
	owned := p.owner != ""
	p.mu.Unlock()

	if !owned {
		if err := p.Disarm(); err != nil {
			slog.Warn("Failed to disarm unowned port",
				slog.String("port", p.Name),
				slog.Any("error", err))
		}

		return
	}

	ev := Event{Port: p}

	if p.Direction == hv.Receive && buf.AutoReceive() {
		ev.N, ev.Err = p.Receive(buf.Data[:p.FrameSize])
		p.count.Store(int64(ev.N))
	} else {
		p.ready.Store(true)

		if err := p.Disarm(); err != nil {
			slog.Warn("Failed to disarm port",
				slog.String("port", p.Name),
				slog.Any("error", err))
		}
	}

	if handler == nil {
		return
	}

	if err := handler(ev); err != nil {
		slog.Warn("Interrupt handler failed",
			slog.Int("irq", p.IRQ),
			slog.String("port", p.Name),
			slog.Any("error", err))
	}
}
