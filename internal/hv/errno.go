// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package hv

import (
	"strconv"

	"golang.org/x/sys/unix"
)

// Errno is a negative hypervisor result code.
type Errno int

// Common result codes.
const (
	EAGAIN   = Errno(-int(unix.EAGAIN))
	EACCES   = Errno(-int(unix.EACCES))
	EBADF    = Errno(-int(unix.EBADF))
	EFBIG    = Errno(-int(unix.EFBIG))
	EINVAL   = Errno(-int(unix.EINVAL))
	EMSGSIZE = Errno(-int(unix.EMSGSIZE))
	ENOENT   = Errno(-int(unix.ENOENT))
	ENOTTY   = Errno(-int(unix.ENOTTY))
	ESPIPE   = Errno(-int(unix.ESPIPE))
)

// Error implements the [error] interface.
func (e Errno) Error() string {
	if e > -1000 && e < 0 {
		return "hypervisor: " + unix.Errno(-e).Error()
	}

	return "hypervisor: code " + strconv.Itoa(int(e))
}

// Code returns the numeric result code.
func (e Errno) Code() int {
	return int(e)
}
