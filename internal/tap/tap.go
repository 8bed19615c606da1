// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package tap bridges packet devices to TAP interfaces of the host.
package tap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/aibor/vmport/internal/errno"
	"github.com/vishvananda/netlink"
	"golang.org/x/sync/errgroup"
)

// FrameSize is the read buffer size for frames from the interface.
const FrameSize = 1536

// PacketDevice is a device that exchanges whole packets.
type PacketDevice interface {
	Receive(ctx context.Context, nonblock bool) ([]byte, error)
	Transmit(packet []byte) error
	TxReady() <-chan struct{}
}

// Interface is a non-persistent TAP interface. It is removed by the kernel
// when it is closed.
type Interface struct {
	link netlink.Link
	file *os.File
}

// Create creates a TAP interface with the given name and MAC address and
// sets it up. Creation requires CAP_NET_ADMIN.
func Create(name string, mac net.HardwareAddr) (*Interface, error) {
	link := &netlink.Tuntap{
		LinkAttrs:  netlink.LinkAttrs{Name: name},
		Mode:       netlink.TUNTAP_MODE_TAP,
		Flags:      netlink.TUNTAP_NO_PI,
		NonPersist: true,
		Queues:     1,
	}

	if err := netlink.LinkAdd(link); err != nil {
		return nil, fmt.Errorf("add tap %s: %w", name, err)
	}

	iface := &Interface{link: link, file: link.Fds[0]}

	if mac != nil {
		if err := netlink.LinkSetHardwareAddr(link, mac); err != nil {
			_ = iface.Close()
			return nil, fmt.Errorf("set address of %s: %w", link.Name, err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		_ = iface.Close()
		return nil, fmt.Errorf("set %s up: %w", link.Name, err)
	}

	return iface, nil
}

// Name returns the interface name assigned by the kernel.
func (i *Interface) Name() string {
	return i.link.Attrs().Name
}

// Read reads one frame.
func (i *Interface) Read(p []byte) (int, error) {
	return i.file.Read(p)
}

// Write writes one frame.
func (i *Interface) Write(p []byte) (int, error) {
	return i.file.Write(p)
}

// Close closes the queue file. This removes the interface.
func (i *Interface) Close() error {
	return i.file.Close()
}

// Bridge forwards packets between the device and the interface until ctx is
// done or one direction fails. The interface is closed on return.
func Bridge(ctx context.Context, dev PacketDevice, iface io.ReadWriteCloser) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-ctx.Done()
		return iface.Close()
	})

	group.Go(func() error {
		return toDevice(ctx, dev, iface)
	})

	group.Go(func() error {
		return fromDevice(ctx, dev, iface)
	})

	err := group.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, os.ErrClosed) {
		return nil
	}

	return err
}

func toDevice(ctx context.Context, dev PacketDevice, r io.Reader) error {
	buf := make([]byte, FrameSize)

	for {
		n, err := r.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("read frame: %w", err)
		}

		if err := transmit(ctx, dev, buf[:n]); err != nil {
			return err
		}
	}
}

// transmit hands the frame to the device. If the transmit slot is occupied,
// it waits for it to become free.
func transmit(ctx context.Context, dev PacketDevice, frame []byte) error {
	for {
		err := dev.Transmit(frame)
		if !errors.Is(err, errno.ErrBusy) {
			if errors.Is(err, errno.ErrMessageTooLarge) {
				slog.Warn("Dropping oversized frame", slog.Int("size", len(frame)))
				return nil
			}

			return err
		}

		select {
		case <-dev.TxReady():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func fromDevice(ctx context.Context, dev PacketDevice, w io.Writer) error {
	for {
		packet, err := dev.Receive(ctx, false)
		if err != nil {
			return err
		}

		if _, err := w.Write(packet); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}
}
