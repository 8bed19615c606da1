// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ftty

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aibor/vmport/internal/hv"
)

// BootConsole writes synchronously to the file of a terminal, bypassing the
// output ring. It has its own file handle, opened on the first write. Line
// feeds are expanded to CR LF. Errors are logged and ignored.
type BootConsole struct {
	dev *Device

	mu        sync.Mutex
	handle    hv.Handle
	frameSize int
	open      bool
}

// Console returns the direct writer of the device.
func (d *Device) Console() *BootConsole {
	return d.console
}

// Write implements [io.Writer]. It always reports success.
func (c *BootConsole) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.openLocked() {
		return len(p), nil
	}

	chunk := make([]byte, 0, c.frameSize)

	for _, b := range p {
		if len(chunk)+2 > c.frameSize {
			c.writeLocked(chunk)
			chunk = chunk[:0]
		}

		if b == '\n' {
			chunk = append(chunk, '\r')
		}

		chunk = append(chunk, b)
	}

	c.writeLocked(chunk)

	return len(p), nil
}

func (c *BootConsole) openLocked() bool {
	if c.open {
		return true
	}

	c.dev.mu.Lock()
	closed := c.dev.closed
	c.dev.mu.Unlock()

	if closed {
		return false
	}

	handle, size, err := c.dev.files.Open(c.dev.name, hv.FlagWrite)
	if err != nil {
		slog.Debug("Boot console unavailable",
			slog.String("file", c.dev.name),
			slog.Any("error", err))

		return false
	}

	c.handle = handle
	c.frameSize = MaxFrameSize
	c.open = true

	if size >= 2 && size < MaxFrameSize {
		c.frameSize = int(size)
	}

	return true
}

// writeLocked writes all of p, continuing after partial writes.
func (c *BootConsole) writeLocked(p []byte) {
	for len(p) > 0 {
		n, err := c.dev.files.Write(context.Background(), c.handle, p)
		if err != nil || n <= 0 {
			slog.Debug("Boot console output dropped",
				slog.String("file", c.dev.name),
				slog.Int("bytes", len(p)),
				slog.Any("error", err))

			return
		}

		p = p[n:]
	}
}

func (c *BootConsole) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return
	}

	c.open = false

	if err := c.dev.files.Close(c.handle); err != nil {
		slog.Debug("Failed to close boot console",
			slog.String("file", c.dev.name),
			slog.Any("error", err))
	}
}
