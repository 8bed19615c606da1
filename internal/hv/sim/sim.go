// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/aibor/vmport/internal/hv"
)

// Hypervisor is a simulated hypervisor. It implements [hv.Hypervisor] and is
// safe for concurrent use.
type Hypervisor struct {
	mu      sync.Mutex
	changed chan struct{}

	ports       []*simPort
	portsByName map[string]int

	files      map[string]*simFile
	handles    map[hv.Handle]*openFile
	nextHandle hv.Handle
}

var _ hv.Hypervisor = (*Hypervisor)(nil)

// New creates a simulated hypervisor with the given topology.
//
// The returned hypervisor must be destroyed with [Hypervisor.Destroy] to release
// the memory of memory files.
func New(cfg Config) (*Hypervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h := &Hypervisor{
		changed:     make(chan struct{}),
		portsByName: make(map[string]int, len(cfg.Ports)),
		files:       make(map[string]*simFile, len(cfg.Files)),
		handles:     map[hv.Handle]*openFile{},
	}

	for line, pc := range cfg.Ports {
		depth := pc.Depth
		if depth == 0 {
			depth = DefaultDepth
		}

		h.ports = append(h.ports, &simPort{
			info: hv.PortInfo{
				Direction: pc.Direction,
				FrameSize: pc.FrameSize,
				Name:      pc.Name,
			},
			depth: depth,
		})
		h.portsByName[pc.Name] = line
	}

	for _, conn := range cfg.Connections {
		from := h.ports[h.portsByName[conn.From]]
		from.dest = h.ports[h.portsByName[conn.To]]
	}

	for _, fc := range cfg.Files {
		if err := h.addFile(fc); err != nil {
			_ = h.Destroy()
			return nil, fmt.Errorf("file %s: %w", fc.Name, err)
		}
	}

	return h, nil
}

// Destroy releases all file memory. Open handles become invalid.
func (h *Hypervisor) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error

	for _, f := range h.files {
		if err := f.release(); err != nil {
			errs = append(errs, fmt.Errorf("file %s: %w", f.cfg.Name, err))
		}
	}

	clear(h.files)
	clear(h.handles)
	h.notifyLocked()

	if len(errs) > 0 {
		return errs[0]
	}

	return nil
}

// notifyLocked wakes all waiters. Must be called with h.mu held.
func (h *Hypervisor) notifyLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
}

// waitLocked blocks until cond returns true or ctx is done. It must be called
// with h.mu held and returns with h.mu held.
func (h *Hypervisor) waitLocked(ctx context.Context, cond func() bool) error {
	for !cond() {
		changed := h.changed
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			h.mu.Lock()
			return ctx.Err()
		case <-changed:
		}

		h.mu.Lock()
	}

	return nil
}
