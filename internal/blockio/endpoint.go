// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package blockio

import (
	"github.com/aibor/vmport/internal/hv"
	"github.com/aibor/vmport/internal/port"
)

// PortEndpoint is an [Endpoint] on a virtual port.
type PortEndpoint struct {
	port *port.Port
}

var _ Endpoint = (*PortEndpoint)(nil)

// NewPortEndpoint creates an endpoint on the given port.
func NewPortEndpoint(p *port.Port) *PortEndpoint {
	return &PortEndpoint{port: p}
}

// Port returns the underlying port.
func (e *PortEndpoint) Port() *port.Port {
	return e.port
}

// Direction implements [Endpoint].
func (e *PortEndpoint) Direction() hv.Direction {
	return e.port.Direction
}

// FrameSize implements [Endpoint].
func (e *PortEndpoint) FrameSize() int {
	return e.port.FrameSize
}

// Available implements [Endpoint].
func (e *PortEndpoint) Available() (bool, error) {
	return e.port.Available()
}

// Arm implements [Endpoint].
func (e *PortEndpoint) Arm() error {
	return e.port.Arm()
}

// ClearReady implements [Endpoint].
func (e *PortEndpoint) ClearReady() {
	e.port.ClearReady()
}

// Transfer implements [Endpoint]. It uses the port's frame buffer as bounce
// buffer.
func (e *PortEndpoint) Transfer(p []byte) (int, error) {
	buf := e.port.Buffer().Data
	if len(buf) < len(p) {
		buf = make([]byte, len(p))
	}

	if e.port.Direction == hv.Receive {
		n, err := e.port.Receive(buf[:len(p)])
		if err != nil {
			return 0, err
		}

		return copy(p, buf[:n]), nil
	}

	n := copy(buf, p)

	return e.port.Send(buf[:n])
}
