// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package errno

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrBusy is returned if a resource is already owned or an id is already
	// registered.
	ErrBusy = errors.New("resource busy")

	// ErrNotFound is returned if a named port, file or device id does not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrWouldBlock is returned if a non-blocking request can not complete
	// immediately.
	ErrWouldBlock = errors.New("operation would block")

	// ErrMessageTooLarge is returned if a write exceeds the frame size.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrIO is returned if the underlying hypervisor call failed or the
	// session is no longer valid.
	ErrIO = errors.New("input/output error")

	// ErrNoMemory is returned if a buffer could not be allocated.
	ErrNoMemory = errors.New("out of memory")

	// ErrInvalid is returned for invalid arguments.
	ErrInvalid = errors.New("invalid argument")

	// ErrAccess is returned if a write is requested on a read-only session.
	ErrAccess = errors.New("permission denied")

	// ErrTooBig is returned if a write goes beyond the end of a fixed size
	// window.
	ErrTooBig = errors.New("file too large")

	// ErrNoDevice is returned if a file name does not denote a device of the
	// requested kind.
	ErrNoDevice = errors.New("no such device or address")

	// ErrPermission is returned if the provider rejected an operation.
	ErrPermission = errors.New("operation not permitted")
)

// providerCodeLimit is the lowest code with a well known errno meaning. Codes
// below are private to the file provider.
const providerCodeLimit = -1000

var errnos = []struct {
	err   error
	errno unix.Errno
}{
	{ErrBusy, unix.EBUSY},
	{ErrNotFound, unix.ENOENT},
	{ErrWouldBlock, unix.EAGAIN},
	{ErrMessageTooLarge, unix.EMSGSIZE},
	{ErrIO, unix.EIO},
	{ErrNoMemory, unix.ENOMEM},
	{ErrInvalid, unix.EINVAL},
	{ErrAccess, unix.EACCES},
	{ErrTooBig, unix.EFBIG},
	{ErrNoDevice, unix.ENXIO},
	{ErrPermission, unix.EPERM},
}

// Errno returns the Linux errno for the given error. It returns 0 for nil
// errors and [unix.EIO] for errors not part of the taxonomy.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}

	for _, e := range errnos {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}

	return unix.EIO
}

// FromCode translates a negative result code into an error of the taxonomy.
//
// Non-negative codes are no error and return nil. Codes below -1000 are
// private to the provider and result in [ErrIO]. Unknown codes result in
// [ErrIO] as well.
func FromCode(code int) error {
	if code >= 0 {
		return nil
	}

	if code < providerCodeLimit {
		return ErrIO
	}

	for _, e := range errnos {
		if int(e.errno) == -code {
			return e.err
		}
	}

	return ErrIO
}

// Code returns the negative result code for the given error. It is the
// inverse of [FromCode] for errors of the taxonomy.
func Code(err error) int {
	return -int(Errno(err))
}

// Coder is implemented by errors that carry a numeric result code.
type Coder interface {
	Code() int
}

// Translate converts errors carrying a result code into the taxonomy. The
// returned error matches both the taxonomy error and the original one. Other
// errors are returned as is.
func Translate(err error) error {
	if err == nil {
		return nil
	}

	var coder Coder
	if !errors.As(err, &coder) {
		return err
	}

	return fmt.Errorf("%w: %w", FromCode(coder.Code()), err)
}
