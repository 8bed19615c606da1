// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package vnet provides an ethernet-like packet device on top of a receive
// and a send port.
//
// Received packets are filled into the device's receive buffer by the
// multiplexer and queued in a backlog. Transmission has a single slot: one
// packet is handed to the transmit goroutine, which sends it with a blocking
// port send.
package vnet

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/aibor/vmport/internal/blockio"
	"github.com/aibor/vmport/internal/devreg"
	"github.com/aibor/vmport/internal/errno"
	"github.com/aibor/vmport/internal/hv"
	"github.com/aibor/vmport/internal/port"
	"github.com/eapache/queue"
	"golang.org/x/sync/errgroup"
)

const (
	// PacketSize is the required frame size of the receive port.
	PacketSize = 1536

	// DefaultBacklog is the number of received packets kept until they are
	// read.
	DefaultBacklog = 64
)

var (
	// ErrDown is returned by operations that require the device to be up.
	ErrDown = fmt.Errorf("device down: %w", errno.ErrIO)

	// ErrPacketSize is returned if the receive port's frame size is not
	// [PacketSize].
	ErrPacketSize = fmt.Errorf("receive frame size must be %d: %w", PacketSize, errno.ErrInvalid)
)

// Stats are the device's packet counters.
type Stats struct {
	RxPackets uint64
	RxBytes   uint64
	RxDropped uint64
	TxPackets uint64
	TxBytes   uint64
	TxErrors  uint64
}

// MAC returns the locally administered address 02:53:59:tt:tm:mm built from
// the 12 bit task number t and the 12 bit device minor m.
func MAC(task, minor uint) net.HardwareAddr {
	return net.HardwareAddr{
		0x02,
		0x53,
		0x59,
		byte(task >> 4),
		byte(task<<4)&0xf0 | byte(minor>>8)&0x0f,
		byte(minor),
	}
}

// Option configures a [Device].
type Option func(d *Device)

// WithTask sets the task number used for the default MAC address.
func WithTask(task uint) Option {
	return func(d *Device) {
		d.mac = MAC(task, d.minor)
	}
}

// WithBacklog sets the number of received packets kept until they are read.
func WithBacklog(size int) Option {
	return func(d *Device) {
		d.backlogSize = size
	}
}

// Device is a packet device.
type Device struct {
	registry *port.Registry
	rx       *port.Port
	tx       *port.Port
	minor    uint

	rxBuf       []byte
	backlogSize int
	rxQueue     blockio.WaitQueue

	txBusy  atomic.Bool
	txSlot  chan []byte
	txReady chan struct{}

	mu       sync.Mutex
	mac      net.HardwareAddr
	up       bool
	detached bool
	backlog  *queue.Queue
	stats    Stats
	txStream *blockio.Stream
	cancel   context.CancelFunc
	group    *errgroup.Group
}

var (
	_ devreg.Instance  = (*Device)(nil)
	_ devreg.Describer = (*Device)(nil)
)

// New creates a packet device with the given minor on the named ports.
func New(registry *port.Registry, minor int, rxName, txName string, opts ...Option) (*Device, error) {
	rx, err := registry.Lookup(rxName, hv.Receive)
	if err != nil {
		return nil, err
	}

	if rx.FrameSize != PacketSize {
		return nil, fmt.Errorf("port %s has frame size %d: %w", rx.Name, rx.FrameSize, ErrPacketSize)
	}

	tx, err := registry.Lookup(txName, hv.Send)
	if err != nil {
		return nil, err
	}

	d := &Device{
		registry:    registry,
		rx:          rx,
		tx:          tx,
		minor:       uint(minor),
		rxBuf:       make([]byte, PacketSize),
		backlogSize: DefaultBacklog,
		txSlot:      make(chan []byte, 1),
		txReady:     make(chan struct{}, 1),
		backlog:     queue.New(),
	}
	d.mac = MAC(0, d.minor)

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Kind returns the device kind description for a [devreg.Registry].
func Kind(registry *port.Registry, opts ...Option) devreg.Kind {
	return devreg.Kind{
		Name:     "net",
		MinNames: 2,
		MaxNames: 2,
		Header:   "# <id> <RX_port> <TX_port> <MAC> <use_counter>",
		Policy:   devreg.Refuse,
		Factory: func(id int, names []string) (devreg.Instance, error) {
			return New(registry, id, names[0], names[1], opts...)
		},
	}
}

// Names implements [devreg.Instance].
func (d *Device) Names() []string {
	return []string{d.rx.Name, d.tx.Name}
}

// InUse implements [devreg.Instance]. It is 1 while the device is up.
func (d *Device) InUse() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.up {
		return 1
	}

	return 0
}

// Describe implements [devreg.Describer].
func (d *Device) Describe() string {
	return d.rx.Name + " " + d.tx.Name + " " + d.HardwareAddr().String() + " " + strconv.Itoa(d.InUse())
}

// Detach implements [devreg.Instance].
func (d *Device) Detach(force bool) error {
	if d.InUse() > 0 {
		if !force {
			return errno.ErrBusy
		}

		d.Down()
	}

	d.mu.Lock()
	d.detached = true
	d.mu.Unlock()

	return nil
}

// HardwareAddr returns the MAC address.
func (d *Device) HardwareAddr() net.HardwareAddr {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.mac
}

// SetHardwareAddr changes the MAC address.
func (d *Device) SetHardwareAddr(mac net.HardwareAddr) error {
	if len(mac) != 6 {
		return fmt.Errorf("address %s: %w", mac, errno.ErrInvalid)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.mac = append(net.HardwareAddr(nil), mac...)

	return nil
}

// Stats returns a snapshot of the packet counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.stats
}

// TxReady returns a channel that receives a value each time the transmit
// slot becomes free.
func (d *Device) TxReady() <-chan struct{} {
	return d.txReady
}

// Up acquires both ports and starts the transmit goroutine. It fails with
// [errno.ErrBusy] if the device is already up or a port is owned and with
// [errno.ErrNotFound] once the device has been removed.
func (d *Device) Up() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.detached {
		return fmt.Errorf("device %d removed: %w", d.minor, errno.ErrNotFound)
	}

	if d.up {
		return fmt.Errorf("device already up: %w", errno.ErrBusy)
	}

	d.drainTxSlot()

	if err := d.registry.Acquire(d.rx, port.OwnerNet, d.rxBuf); err != nil {
		return err
	}

	if err := d.registry.Acquire(d.tx, port.OwnerNet, nil); err != nil {
		d.registry.Release(d.rx)
		return err
	}

	d.txStream = blockio.NewStream(blockio.NewPortEndpoint(d.tx))
	d.rx.SetHandler(d.receive)
	d.tx.SetHandler(func(port.Event) error {
		d.txStream.Wake()
		return nil
	})

	if err := d.rx.Arm(); err != nil {
		d.registry.Release(d.tx)
		d.registry.Release(d.rx)

		return fmt.Errorf("arm %s: %w: %w", d.rx.Name, errno.ErrIO, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.group = &errgroup.Group{}
	d.group.Go(func() error { return d.transmitLoop(ctx, d.txStream) })

	d.up = true

	slog.Info("Net device up",
		slog.String("rx", d.rx.Name),
		slog.String("tx", d.tx.Name),
		slog.String("mac", d.mac.String()))

	return nil
}

// Down stops the transmit goroutine and releases the ports. Packets in the
// backlog are dropped. Pending reads fail with [ErrDown].
func (d *Device) Down() {
	d.mu.Lock()

	if !d.up {
		d.mu.Unlock()
		return
	}

	d.up = false
	cancel, group, stream := d.cancel, d.group, d.txStream
	d.mu.Unlock()

	stream.Close()
	cancel()

	if err := group.Wait(); err != nil {
		slog.Warn("Transmit goroutine failed",
			slog.String("port", d.tx.Name),
			slog.Any("error", err))
	}

	d.registry.Release(d.rx)
	d.registry.Release(d.tx)

	d.mu.Lock()
	for d.backlog.Length() > 0 {
		d.backlog.Remove()
	}

	d.drainTxSlot()
	d.mu.Unlock()

	d.txBusy.Store(false)
	d.rxQueue.Wake()
}

// receive is the interrupt handler of the receive port. The multiplexer has
// already filled rxBuf.
func (d *Device) receive(ev port.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.up {
		return nil
	}

	if ev.Err != nil || ev.N <= 0 || ev.N > PacketSize {
		d.stats.RxDropped++

		return fmt.Errorf("discarding packet of size %d: %w", ev.N, ev.Err)
	}

	if d.backlog.Length() >= d.backlogSize {
		d.stats.RxDropped++

		return fmt.Errorf("backlog full, discarding packet: %w", errno.ErrNoMemory)
	}

	d.backlog.Add(append([]byte(nil), d.rxBuf[:ev.N]...))
	d.stats.RxPackets++
	d.stats.RxBytes += uint64(ev.N)

	d.rxQueue.Wake()

	return nil
}

// Receive returns the next received packet. If nonblock is set, it fails with
// [errno.ErrWouldBlock] instead of waiting.
func (d *Device) Receive(ctx context.Context, nonblock bool) ([]byte, error) {
	var packet []byte

	take := func() (bool, error) {
		d.mu.Lock()
		defer d.mu.Unlock()

		if !d.up {
			return false, ErrDown
		}

		if d.backlog.Length() == 0 {
			return false, nil
		}

		packet, _ = d.backlog.Remove().([]byte)

		return true, nil
	}

	taken, err := take()
	if err != nil || taken {
		return packet, err
	}

	if nonblock {
		return nil, errno.ErrWouldBlock
	}

	if err := d.rxQueue.Wait(ctx, take); err != nil {
		return nil, err
	}

	return packet, nil
}

// Transmit hands the packet to the transmit goroutine. It fails with
// [errno.ErrBusy] while the previous packet is still being sent.
func (d *Device) Transmit(packet []byte) error {
	if len(packet) > d.tx.FrameSize {
		return fmt.Errorf("%d bytes exceed frame size %d: %w",
			len(packet), d.tx.FrameSize, errno.ErrMessageTooLarge)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.up {
		return ErrDown
	}

	if !d.txBusy.CompareAndSwap(false, true) {
		return fmt.Errorf("transmit slot occupied: %w", errno.ErrBusy)
	}

	d.txSlot <- append([]byte(nil), packet...)

	return nil
}

// drainTxSlot drops a packet not yet taken by the transmit goroutine. d.mu
// must be held.
func (d *Device) drainTxSlot() {
	select {
	case <-d.txSlot:
	default:
	}
}

func (d *Device) transmitLoop(ctx context.Context, stream *blockio.Stream) error {
	for {
		var packet []byte

		select {
		case <-ctx.Done():
			return nil
		case packet = <-d.txSlot:
		}

		n, err := stream.Write(ctx, packet, false)

		d.mu.Lock()
		if err != nil {
			d.stats.TxErrors++
		} else {
			d.stats.TxPackets++
			d.stats.TxBytes += uint64(n)
		}
		d.mu.Unlock()

		if err != nil && ctx.Err() == nil {
			slog.Warn("Failed to transmit packet",
				slog.String("port", d.tx.Name),
				slog.Any("error", err))
		}

		d.txBusy.Store(false)

		select {
		case d.txReady <- struct{}{}:
		default:
		}
	}
}
