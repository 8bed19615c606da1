// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package port

// BufferKind tells who owns the memory of a [Buffer].
type BufferKind int

const (
	// NoBuffer is the kind of the buffer of unowned ports.
	NoBuffer BufferKind = iota
	// Owned buffers are allocated by the registry and dropped on release.
	Owned
	// Borrowed buffers are supplied by the device and never touched on
	// release.
	Borrowed
)

// Buffer is the frame buffer of a port.
type Buffer struct {
	Kind BufferKind
	Data []byte
}

// AutoReceive returns true if the multiplexer receives directly into the
// buffer.
func (b Buffer) AutoReceive() bool {
	return b.Kind == Borrowed
}
