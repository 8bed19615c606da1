// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sim

import (
	"context"
	"fmt"

	"github.com/aibor/vmport/internal/hv"
)

type simPort struct {
	info  hv.PortInfo
	depth int
	queue [][]byte
	armed bool

	// receiveErr and disarmErr fail the next receive or disarm once.
	receiveErr error
	disarmErr  error

	// dest is the connected receive port of a send port. If nil, the send
	// port queues into its own outbox.
	dest *simPort
}

// target returns the queue messages sent on the port end up in.
func (p *simPort) target() *simPort {
	if p.dest != nil {
		return p.dest
	}

	return p
}

func (p *simPort) full() bool {
	return len(p.queue) >= p.depth
}

func (p *simPort) ready() bool {
	if !p.armed {
		return false
	}

	if p.info.Direction == hv.Receive {
		return len(p.queue) > 0
	}

	return !p.target().full()
}

func (h *Hypervisor) portLocked(line int, dir hv.Direction) (*simPort, error) {
	if line < 0 || line >= len(h.ports) {
		return nil, hv.EINVAL
	}

	p := h.ports[line]
	if p.info.Direction != dir {
		return nil, hv.EINVAL
	}

	return p, nil
}

// PortCount implements [hv.Ports].
func (h *Hypervisor) PortCount() (int, error) {
	return len(h.ports), nil
}

// PortInfo implements [hv.Ports].
func (h *Hypervisor) PortInfo(line int) (hv.PortInfo, error) {
	if line < 0 || line >= len(h.ports) {
		return hv.PortInfo{}, hv.EINVAL
	}

	return h.ports[line].info, nil
}

// PortSend implements [hv.Ports]. It fails with [hv.EAGAIN] if the
// destination queue is full.
func (h *Hypervisor) PortSend(line int, p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	port, err := h.portLocked(line, hv.Send)
	if err != nil {
		return 0, err
	}

	return h.enqueueLocked(port.target(), port.info.FrameSize, p)
}

func (h *Hypervisor) enqueueLocked(queue *simPort, frameSize int, p []byte) (int, error) {
	if len(p) > frameSize {
		return 0, hv.EMSGSIZE
	}

	if queue.full() {
		return 0, hv.EAGAIN
	}

	queue.queue = append(queue.queue, append([]byte(nil), p...))
	h.notifyLocked()

	return len(p), nil
}

// PortReceive implements [hv.Ports]. A message larger than p is truncated.
// It fails with [hv.EAGAIN] if no message is queued.
func (h *Hypervisor) PortReceive(line int, p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	port, err := h.portLocked(line, hv.Receive)
	if err != nil {
		return 0, err
	}

	if port.receiveErr != nil {
		err, port.receiveErr = port.receiveErr, nil
		return 0, err
	}

	if len(port.queue) == 0 {
		return 0, hv.EAGAIN
	}

	msg := port.queue[0]
	port.queue[0] = nil
	port.queue = port.queue[1:]
	h.notifyLocked()

	return copy(p, msg), nil
}

// PortStat implements [hv.Ports].
func (h *Hypervisor) PortStat(line int) (int, int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if line < 0 || line >= len(h.ports) {
		return 0, 0, hv.EINVAL
	}

	target := h.ports[line].target()

	return len(target.queue), target.depth, nil
}

// PortPollArm implements [hv.Ports].
func (h *Hypervisor) PortPollArm(line int) error {
	return h.setArmed(line, true)
}

// PortPollDisarm implements [hv.Ports].
func (h *Hypervisor) PortPollDisarm(line int) error {
	return h.setArmed(line, false)
}

func (h *Hypervisor) setArmed(line int, armed bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if line < 0 || line >= len(h.ports) {
		return hv.EINVAL
	}

	if port := h.ports[line]; !armed && port.disarmErr != nil {
		err := port.disarmErr
		port.disarmErr = nil

		return err
	}

	h.ports[line].armed = armed
	h.notifyLocked()

	return nil
}

// Select implements [hv.Ports].
func (h *Hypervisor) Select(ctx context.Context) ([]int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var ready []int

	err := h.waitLocked(ctx, func() bool {
		ready = ready[:0]

		for line, port := range h.ports {
			if port.ready() {
				ready = append(ready, line)
			}
		}

		return len(ready) > 0
	})
	if err != nil {
		return nil, err
	}

	return ready, nil
}

// Line returns the line of the named port.
func (h *Hypervisor) Line(name string) (int, bool) {
	line, exists := h.portsByName[name]
	return line, exists
}

// Inject queues a message on the named receive port as if a peer partition
// sent it.
func (h *Hypervisor) Inject(name string, msg []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	line, exists := h.portsByName[name]
	if !exists {
		return fmt.Errorf("port %s: %w", name, hv.ENOENT)
	}

	port, err := h.portLocked(line, hv.Receive)
	if err != nil {
		return fmt.Errorf("port %s: %w", name, err)
	}

	_, err = h.enqueueLocked(port, port.info.FrameSize, msg)

	return err
}

// FailReceive makes the next receive on the named port fail with err.
func (h *Hypervisor) FailReceive(name string, err error) error {
	return h.fail(name, func(port *simPort) { port.receiveErr = err })
}

// FailDisarm makes the next disarm of the named port fail with err. The port
// stays armed.
func (h *Hypervisor) FailDisarm(name string, err error) error {
	return h.fail(name, func(port *simPort) { port.disarmErr = err })
}

func (h *Hypervisor) fail(name string, set func(port *simPort)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	line, exists := h.portsByName[name]
	if !exists {
		return fmt.Errorf("port %s: %w", name, hv.ENOENT)
	}

	set(h.ports[line])

	return nil
}

// Collect removes and returns all messages from the outbox of the named send
// port. Connected send ports have no outbox and return nothing.
func (h *Hypervisor) Collect(name string) [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	line, exists := h.portsByName[name]
	if !exists {
		return nil
	}

	port := h.ports[line]
	if port.info.Direction != hv.Send || port.dest != nil {
		return nil
	}

	msgs := port.queue
	port.queue = nil

	if len(msgs) > 0 {
		h.notifyLocked()
	}

	return msgs
}
