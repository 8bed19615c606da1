// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package port

import (
	"sync"
	"sync/atomic"

	"github.com/aibor/vmport/internal/hv"
)

// IRQBase is the first synthetic interrupt number. Each port gets the
// interrupt IRQBase + line.
const IRQBase = 64

// Owner tags the kind of device that owns a port.
type Owner string

// Known owner tags.
const (
	OwnerNone  Owner = "NONE"
	OwnerPort  Owner = "PORT"
	OwnerFile  Owner = "FILE"
	OwnerTTY   Owner = "TTY"
	OwnerNet   Owner = "NET"
	OwnerLink  Owner = "LINK"
	OwnerInput Owner = "INPUT"
)

// Event is passed to a [Handler] when a port became ready.
//
// For ports with a [Borrowed] receive buffer, the multiplexer has already
// received one message into the buffer. N is its size and Err the receive
// error. For all other ports N is 0, Err is nil and the port's ready flag is
// set.
type Event struct {
	Port *Port
	N    int
	Err  error
}

// Handler is the synthetic interrupt handler of a port. It runs on the
// multiplexer goroutine and must not block. Returned errors are logged.
type Handler func(ev Event) error

// Port is the descriptor of a single virtual port.
type Port struct {
	Line      int
	Direction hv.Direction
	FrameSize int
	Name      string
	IRQ       int

	ports hv.Ports

	mu      sync.Mutex
	owner   Owner
	buf     Buffer
	handler Handler

	ready atomic.Bool
	armed atomic.Bool
	count atomic.Int64
}

// Owner returns the owner tag. It is [OwnerNone] if the port is free.
func (p *Port) Owner() Owner {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.owner == "" {
		return OwnerNone
	}

	return p.owner
}

// InUse returns 1 if the port is owned and 0 otherwise.
func (p *Port) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.owner == "" {
		return 0
	}

	return 1
}

// Buffer returns the frame buffer of the owned port.
func (p *Port) Buffer() Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.buf
}

// SetHandler registers the synthetic interrupt handler. nil removes it.
func (p *Port) SetHandler(handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.handler = handler
}

// Stat returns the number of queued messages and the queue capacity.
func (p *Port) Stat() (int, int, error) {
	return p.ports.PortStat(p.Line)
}

// Remaining returns the number of messages that can be received without
// blocking for receive ports and the free queue slots for send ports.
func (p *Port) Remaining() (int, error) {
	queued, capacity, err := p.Stat()
	if err != nil {
		return 0, err
	}

	if p.Direction == hv.Receive {
		return queued, nil
	}

	return capacity - queued, nil
}

// Available returns true if a message can be received from a receive port
// or sent on a send port without blocking.
func (p *Port) Available() (bool, error) {
	remaining, err := p.Remaining()
	return remaining > 0, err
}

// Arm requests a notification by the multiplexer once the port is ready.
func (p *Port) Arm() error {
	p.armed.Store(true)
	return p.ports.PortPollArm(p.Line)
}

// Disarm cancels a notification request.
func (p *Port) Disarm() error {
	p.armed.Store(false)
	return p.ports.PortPollDisarm(p.Line)
}

// Armed returns true if a notification is requested.
func (p *Port) Armed() bool {
	return p.armed.Load()
}

// Ready returns true if the multiplexer flagged the port as ready since the
// flag was last cleared.
func (p *Port) Ready() bool {
	return p.ready.Load()
}

// ClearReady clears the ready flag.
func (p *Port) ClearReady() {
	p.ready.Store(false)
}

// Count returns the size of the message last received into a [Borrowed]
// buffer.
func (p *Port) Count() int {
	return int(p.count.Load())
}

// Receive receives one message into buf.
func (p *Port) Receive(buf []byte) (int, error) {
	return p.ports.PortReceive(p.Line, buf)
}

// Send sends buf as one message.
func (p *Port) Send(buf []byte) (int, error) {
	return p.ports.PortSend(p.Line, buf)
}
