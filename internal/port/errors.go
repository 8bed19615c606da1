// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package port

import (
	"errors"
	"strconv"
)

// ErrFrameSizeInvalid is returned if the hypervisor reports a non-positive
// frame size.
var ErrFrameSizeInvalid = errors.New("invalid frame size")

// EnumerateError wraps errors occurring while querying a port.
type EnumerateError struct {
	Line int
	Err  error
}

// Error implements the [error] interface.
func (e *EnumerateError) Error() string {
	return "enumerate port " + strconv.Itoa(e.Line) + ": " + e.Err.Error()
}

// Is implements the [errors.Is] interface.
func (*EnumerateError) Is(other error) bool {
	_, ok := other.(*EnumerateError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *EnumerateError) Unwrap() error {
	return e.Err
}
