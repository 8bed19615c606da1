// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sim

import (
	"testing"

	"github.com/aibor/vmport/internal/hv"
)

// MustNew creates a new simulated hypervisor that is destroyed when the test
// finishes.
func MustNew(tb testing.TB, cfg Config) *Hypervisor {
	tb.Helper()

	h, err := New(cfg)
	if err != nil {
		tb.Fatalf("failed to create simulated hypervisor: %v", err)
	}

	tb.Cleanup(func() { _ = h.Destroy() })

	return h
}

// MustLine returns the line of the named port or fails the test.
func (h *Hypervisor) MustLine(tb testing.TB, name string) int {
	tb.Helper()

	line, exists := h.Line(name)
	if !exists {
		tb.Fatalf("port %s does not exist", name)
	}

	return line
}

// LoopbackConfig returns a topology with one send port named name+"tx"
// connected to one receive port named name+"rx".
func LoopbackConfig(name string, frameSize int) Config {
	return Config{
		Ports: []PortConfig{
			{Name: name + "rx", Direction: hv.Receive, FrameSize: frameSize},
			{Name: name + "tx", Direction: hv.Send, FrameSize: frameSize},
		},
		Connections: []ConnectionConfig{
			{From: name + "tx", To: name + "rx"},
		},
	}
}
