// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package hv

import (
	"context"
)

// Handle identifies an open virtual file.
type Handle int

// InvalidHandle is the handle of a session that is not open.
const InvalidHandle Handle = -1

// OpenFlag defines the access mode of a virtual file.
type OpenFlag int

const (
	// FlagRead opens the file for reading.
	FlagRead OpenFlag = 1 << iota
	// FlagWrite opens the file for writing.
	FlagWrite
	// FlagMap allows mapping the file's backing memory.
	FlagMap
)

// Has returns true if all bits of other are set.
func (f OpenFlag) Has(other OpenFlag) bool {
	return f&other == other
}

// WaitFlag modifies the event wait behavior.
type WaitFlag int

const (
	// WaitPreClear clears the pending events of the mask before waiting.
	WaitPreClear WaitFlag = 1
	// WaitPostClear clears the returned events after the wait completed.
	WaitPostClear WaitFlag = 2
)

// PortInfo is the static information about a virtual port.
type PortInfo struct {
	Direction Direction
	FrameSize int
	Name      string
}

// Files is the virtual file part of the hypervisor call surface.
type Files interface {
	// Open opens the named file and returns its handle and its size. Size is
	// 0 if the provider can not report it.
	Open(name string, flags OpenFlag) (Handle, int64, error)
	Read(ctx context.Context, h Handle, p []byte) (int, error)
	Write(ctx context.Context, h Handle, p []byte) (int, error)
	Seek(h Handle, offset int64, whence int) (int64, error)
	// Ioctl sends a control request. The buffer holds insize input bytes and
	// receives up to outsize output bytes.
	Ioctl(h Handle, cmd uint32, buf []byte, insize, outsize int) error
	// Map returns the file's backing memory from offset with the given
	// length.
	Map(h Handle, offset, length int64, flags OpenFlag) ([]byte, error)
	SetEventMask(h Handle, mask uint32) error
	// WaitEvent blocks until one of the events in the handle's mask is
	// pending and returns the matching events.
	WaitEvent(ctx context.Context, h Handle, flags WaitFlag) (uint32, error)
	Close(h Handle) error
}

// Ports is the virtual port part of the hypervisor call surface.
type Ports interface {
	PortCount() (int, error)
	PortInfo(line int) (PortInfo, error)
	PortSend(line int, p []byte) (int, error)
	PortReceive(line int, p []byte) (int, error)
	// PortStat returns the number of queued messages and the queue capacity.
	// For send ports it describes the queue of the destination.
	PortStat(line int) (int, int, error)
	PortPollArm(line int) error
	PortPollDisarm(line int) error
	// Select blocks until at least one armed port is ready and returns the
	// lines of all ready armed ports in ascending order.
	Select(ctx context.Context) ([]int, error)
}

// Hypervisor is the complete call surface.
type Hypervisor interface {
	Files
	Ports
}
