// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package blockio

import (
	"context"
	"strings"
)

// PollEvents is a set of readiness conditions.
type PollEvents uint

const (
	// PollIn means data can be read without blocking.
	PollIn PollEvents = 1 << iota
	// PollOut means data can be written without blocking.
	PollOut
	// PollErr means the device is not usable anymore.
	PollErr
)

// String implements [fmt.Stringer].
func (e PollEvents) String() string {
	var names []string

	for _, ev := range []struct {
		bit  PollEvents
		name string
	}{
		{PollIn, "in"},
		{PollOut, "out"},
		{PollErr, "err"},
	} {
		if e&ev.bit != 0 {
			names = append(names, ev.name)
		}
	}

	return strings.Join(names, "|")
}

// Readable devices can be read from.
type Readable interface {
	Read(ctx context.Context, p []byte, nonblock bool) (int, error)
}

// Writable devices can be written to.
type Writable interface {
	Write(ctx context.Context, p []byte, nonblock bool) (int, error)
}

// Seekable devices have a position that can be changed.
type Seekable interface {
	Seek(ctx context.Context, offset int64, whence int) (int64, error)
}

// Pollable devices report their readiness.
//
// Poll must not block. If a device is not ready, Poll arranges for a
// notification on the device's wait queue once it becomes ready.
type Pollable interface {
	Poll() PollEvents
}
