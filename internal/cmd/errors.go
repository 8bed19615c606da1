// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"errors"
	"flag"
	"fmt"
)

var (
	// ErrHelp is returned when help or the version is requested.
	ErrHelp = flag.ErrHelp

	// ErrReadBuildInfo is returned if the build info can not be read.
	ErrReadBuildInfo = errors.New("failed to read build info")

	// ErrEmptyFilePath is returned if a file path flag is empty.
	ErrEmptyFilePath = errors.New("file path must not be empty")

	// ErrValueOutOfRange is returned if a bounded flag value is out of range.
	ErrValueOutOfRange = errors.New("value is outside of range")

	// ErrAttachInvalid is returned if an attach flag is malformed.
	ErrAttachInvalid = errors.New("attach value must be ID[:NAME[,NAME]]")

	// ErrUnknownKind is returned for commands naming an unknown device kind.
	ErrUnknownKind = errors.New("unknown device kind")

	// ErrWrongDevice is returned if a bridge refers to a device of another
	// kind.
	ErrWrongDevice = errors.New("wrong device type")
)

// ParseArgsError wraps errors that occur during argument parsing.
type ParseArgsError struct {
	err error
	msg string
}

func (e *ParseArgsError) Error() string {
	if e.err == nil {
		return e.msg
	}

	return fmt.Sprintf("%s: %v", e.msg, e.err)
}

func (e *ParseArgsError) Is(other error) bool {
	_, ok := other.(*ParseArgsError)
	return ok
}

func (e *ParseArgsError) Unwrap() error {
	return e.err
}
