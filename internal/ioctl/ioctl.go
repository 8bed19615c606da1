// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package ioctl defines the control requests understood by the port and file
// devices.
package ioctl

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aibor/vmport/internal/errno"
)

// Magic is the ioctl type of all device requests.
const Magic = 0x42

const (
	nrShift   = 0
	typeShift = 8
	sizeShift = 16
	dirShift  = 30

	dirNone  = 0
	dirWrite = 1
	dirRead  = 2

	intSize  = 4
	longSize = strconv.IntSize / 8
)

func encode(dir, nr, size uint32) uint32 {
	return dir<<dirShift | size<<sizeShift | Magic<<typeShift | nr<<nrShift
}

// IO returns the code of a request without argument.
func IO(nr uint32) uint32 { return encode(dirNone, nr, 0) }

// IOR returns the code of a request that returns size bytes.
func IOR(nr, size uint32) uint32 { return encode(dirRead, nr, size) }

// IOW returns the code of a request that takes size bytes.
func IOW(nr, size uint32) uint32 { return encode(dirWrite, nr, size) }

// IOWR returns the code of a request that takes and returns size bytes.
func IOWR(nr, size uint32) uint32 { return encode(dirRead|dirWrite, nr, size) }

// Request codes.
var (
	// GetPortSize returns the frame size of the (receive) port.
	GetPortSize = IOR(0, intSize)
	// GetPortDirection returns 0 for receive and 1 for send ports.
	GetPortDirection = IOR(1, intSize)
	// GetPortSize2 returns the frame size of the second (send) port.
	GetPortSize2 = IOR(2, intSize)
	// GetFileSize returns the size of a virtual file.
	GetFileSize = IOR(3, intSize)
	// GetEventMask returns the event mask of a file session.
	GetEventMask = IOR(4, longSize)
	// SetEventMask sets the event mask of a file session.
	SetEventMask = IOW(5, longSize)
	// EventWait waits for events of the mask. The argument holds
	// [hv.WaitFlag]s.
	EventWait = IOW(6, longSize)
	// GetUID returns the unique id of the device.
	GetUID = IOW(7, longSize)
	// GetPortRemain returns the number of queued messages.
	GetPortRemain = IOR(8, intSize)
	// FileIoctl passes a [FileRequest] to the file provider.
	FileIoctl = IOWR(0x12, FileRequestSize)
)

// Controller is implemented by devices that support scalar requests.
type Controller interface {
	Ioctl(ctx context.Context, cmd uint32, arg uint64) (uint64, error)
}

// UnknownRequest returns the error for an unsupported request code.
func UnknownRequest(cmd uint32) error {
	return fmt.Errorf("ioctl %#x: %w", cmd, errno.ErrInvalid)
}
