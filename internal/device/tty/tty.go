// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package tty provides serial terminal devices on top of a receive and a
// send port.
//
// Received frames are appended to an input queue that readers drain byte
// wise. Written bytes go to an output ring which is sent in chunks of up to
// the send port's frame size.
package tty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aibor/vmport/internal/blockio"
	"github.com/aibor/vmport/internal/devreg"
	"github.com/aibor/vmport/internal/errno"
	"github.com/aibor/vmport/internal/hv"
	"github.com/aibor/vmport/internal/port"
	"github.com/eapache/queue"
)

const (
	// BootRX and BootTX are the port names of the boot console.
	BootRX = "console0rx"
	BootTX = "console0tx"

	// RingSize is the capacity of the output ring.
	RingSize = 4096
)

var (
	// ErrClosed is returned for operations on removed devices.
	ErrClosed = fmt.Errorf("terminal closed: %w", errno.ErrIO)

	// ErrBootConsole is returned when removing the boot console.
	ErrBootConsole = fmt.Errorf("boot console can not be removed: %w", errno.ErrBusy)
)

// Device is a terminal device. It owns its ports from creation until it is
// detached.
type Device struct {
	registry *port.Registry
	rx       *port.Port
	tx       *port.Port
	boot     bool

	rxWait blockio.WaitQueue
	txWait blockio.WaitQueue

	mu     sync.Mutex
	users  int
	input  *queue.Queue
	offset int
	output []byte
	closed bool
}

var (
	_ devreg.Instance  = (*Device)(nil)
	_ devreg.Describer = (*Device)(nil)
)

// New acquires the named ports and creates a terminal on them. It fails with
// [errno.ErrBusy] if a port is owned already. The device on [BootRX] and
// [BootTX] is the boot console.
func New(registry *port.Registry, rxName, txName string) (*Device, error) {
	rx, err := registry.Lookup(rxName, hv.Receive)
	if err != nil {
		return nil, err
	}

	tx, err := registry.Lookup(txName, hv.Send)
	if err != nil {
		return nil, err
	}

	if err := registry.Acquire(rx, port.OwnerTTY, nil); err != nil {
		return nil, err
	}

	if err := registry.Acquire(tx, port.OwnerTTY, nil); err != nil {
		registry.Release(rx)
		return nil, err
	}

	d := &Device{
		registry: registry,
		rx:       rx,
		tx:       tx,
		boot:     rxName == BootRX && txName == BootTX,
		input:    queue.New(),
	}

	rx.SetHandler(d.receive)
	tx.SetHandler(d.transmit)

	return d, nil
}

// Kind returns the device kind description for a [devreg.Registry].
func Kind(registry *port.Registry) devreg.Kind {
	return devreg.Kind{
		Name:     "tty",
		MinNames: 2,
		MaxNames: 2,
		Header:   "# <minor> <RX_port> <TX_port>",
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

// Describe implements [devreg.Describer].
func (d *Device) Describe() string {
	return d.rx.Name + " " + d.tx.Name
}

// InUse implements [devreg.Instance]. It returns the number of open
// sessions.
func (d *Device) InUse() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.users
}

// Boot reports whether the device is the boot console.
func (d *Device) Boot() bool {
	return d.boot
}

// FIFOSize is the smaller of both frame sizes.
func (d *Device) FIFOSize() int {
	return min(d.rx.FrameSize, d.tx.FrameSize)
}

// Detach implements [devreg.Instance]. Without force, the boot console and
// devices with open sessions are refused. Pending calls fail with
// [ErrClosed].
func (d *Device) Detach(force bool) error {
	d.mu.Lock()

	switch {
	case force:
	case d.boot:
		d.mu.Unlock()
		return ErrBootConsole
	case d.users > 0:
		d.mu.Unlock()
		return errno.ErrBusy
	}

	d.closed = true
	d.users = 0
	d.mu.Unlock()

	d.registry.Release(d.rx)
	d.registry.Release(d.tx)

	d.rxWait.Wake()
	d.txWait.Wake()

	return nil
}

// Open returns a new session. The first session starts reception.
func (d *Device) Open() (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	if d.users == 0 {
		if err := d.rx.Arm(); err != nil {
			return nil, fmt.Errorf("%w: %w", errno.ErrIO, err)
		}
	}

	d.users++

	return &Session{dev: d}, nil
}

func (d *Device) release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.users == 0 {
		return
	}

	d.users--

	if d.users == 0 {
		_ = d.rx.Disarm()
	}
}

// receive is the interrupt handler of the receive port. It moves one frame
// to the input queue.
func (d *Device) receive(port.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}

	d.rx.ClearReady()

	buf := d.rx.Buffer().Data

	n, err := d.rx.Receive(buf)
	if err != nil && !errors.Is(err, hv.EAGAIN) {
		if d.users > 0 {
			err = errors.Join(err, d.rx.Arm())
		}

		return fmt.Errorf("receive: %w", err)
	}

	if n > 0 {
		d.input.Add(append([]byte(nil), buf[:n]...))
		d.rxWait.Wake()
	}

	if d.users > 0 {
		return d.rx.Arm()
	}

	return nil
}

// transmit is the interrupt handler of the send port. It continues sending
// the output ring.
func (d *Device) transmit(port.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}

	d.tx.ClearReady()

	return d.drainLocked()
}

// drainLocked sends the output ring in chunks of up to the frame size. If the
// port is full, it is armed and sending continues from its interrupt.
func (d *Device) drainLocked() error {
	defer d.txWait.Wake()

	for len(d.output) > 0 {
		n := min(len(d.output), d.tx.FrameSize)

		_, err := d.tx.Send(d.output[:n])
		if errors.Is(err, hv.EAGAIN) {
			return d.tx.Arm()
		}

		if err != nil {
			return fmt.Errorf("send: %w", err)
		}

		d.output = d.output[n:]
	}

	return nil
}

func (d *Device) read(ctx context.Context, p []byte, nonblock bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	var n int

	take := func() (bool, error) {
		d.mu.Lock()
		defer d.mu.Unlock()

		for n < len(p) && d.input.Length() > 0 {
			chunk, _ := d.input.Peek().([]byte)
			c := copy(p[n:], chunk[d.offset:])
			n += c
			d.offset += c

			if d.offset == len(chunk) {
				d.input.Remove()
				d.offset = 0
			}
		}

		if n > 0 {
			return true, nil
		}

		if d.closed {
			return false, ErrClosed
		}

		return false, nil
	}

	done, err := take()
	if err != nil || done {
		return n, err
	}

	if nonblock {
		return 0, errno.ErrWouldBlock
	}

	if err := d.rxWait.Wait(ctx, take); err != nil {
		return 0, err
	}

	return n, nil
}

func (d *Device) write(ctx context.Context, p []byte, nonblock bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	var n int

	put := func() (bool, error) {
		d.mu.Lock()
		defer d.mu.Unlock()

		if d.closed {
			return false, ErrClosed
		}

		n = min(len(p), RingSize-len(d.output))
		if n == 0 {
			return false, nil
		}

		d.output = append(d.output, p[:n]...)

		if err := d.drainLocked(); err != nil {
			return false, fmt.Errorf("%w: %w", errno.ErrIO, err)
		}

		return true, nil
	}

	done, err := put()
	if err != nil || done {
		return n, err
	}

	if nonblock {
		return 0, errno.ErrWouldBlock
	}

	if err := d.txWait.Wait(ctx, put); err != nil {
		return 0, err
	}

	return n, nil
}

// TxEmpty reports whether all output left the ring and the send port queue.
func (d *Device) TxEmpty() bool {
	d.mu.Lock()
	pending := len(d.output)
	d.mu.Unlock()

	if pending > 0 {
		return false
	}

	queued, _, err := d.tx.Stat()

	return err == nil && queued == 0
}

// Flush blocks until the output ring is empty.
func (d *Device) Flush(ctx context.Context) error {
	return d.txWait.Wait(ctx, func() (bool, error) {
		d.mu.Lock()
		defer d.mu.Unlock()

		if d.closed {
			return false, ErrClosed
		}

		return len(d.output) == 0, nil
	})
}

// Session is an open terminal.
type Session struct {
	dev  *Device
	once sync.Once
}

var (
	_ blockio.Readable = (*Session)(nil)
	_ blockio.Writable = (*Session)(nil)
	_ blockio.Pollable = (*Session)(nil)
)

// Read drains up to len(p) bytes from the input queue.
func (s *Session) Read(ctx context.Context, p []byte, nonblock bool) (int, error) {
	return s.dev.read(ctx, p, nonblock)
}

// Write appends as much of p to the output ring as fits and starts sending.
// It returns the number of bytes accepted.
func (s *Session) Write(ctx context.Context, p []byte, nonblock bool) (int, error) {
	return s.dev.write(ctx, p, nonblock)
}

// Poll implements [blockio.Pollable].
func (s *Session) Poll() blockio.PollEvents {
	d := s.dev

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return blockio.PollErr
	}

	var events blockio.PollEvents

	if d.input.Length() > 0 {
		events |= blockio.PollIn
	}

	if len(d.output) < RingSize {
		events |= blockio.PollOut
	}

	return events
}

// Close ends the session. The last session stops reception.
func (s *Session) Close() {
	s.once.Do(s.dev.release)
}

// BootConsole writes directly to the send port of a terminal, bypassing the
// output ring. Line feeds are expanded to CR LF. Send errors are ignored.
type BootConsole struct {
	dev *Device
}

// Console returns the direct writer of the device.
func (d *Device) Console() *BootConsole {
	return &BootConsole{dev: d}
}

// Write implements [io.Writer]. It always reports success.
func (c *BootConsole) Write(p []byte) (int, error) {
	tx := c.dev.tx
	chunk := make([]byte, 0, tx.FrameSize)

	flush := func() {
		if len(chunk) == 0 {
			return
		}

		if _, err := tx.Send(chunk); err != nil {
			slog.Debug("Boot console output dropped",
				slog.String("port", tx.Name),
				slog.Any("error", err))
		}

		chunk = chunk[:0]
	}

	for _, b := range p {
		if len(chunk)+2 > tx.FrameSize {
			flush()
		}

		if b == '\n' {
			chunk = append(chunk, '\r')
		}

		chunk = append(chunk, b)
	}

	flush()

	return len(p), nil
}
