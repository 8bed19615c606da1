// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package shm exposes a shared memory file of the hypervisor as a seekable
// device.
//
// The first session opens the file, maps all of it and closes the handle
// again. Later sessions share that mapping. It is dropped when the last
// session closes. Whether the mapping is writable is decided by the first
// session.
package shm

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/aibor/vmport/internal/blockio"
	"github.com/aibor/vmport/internal/devreg"
	"github.com/aibor/vmport/internal/errno"
	"github.com/aibor/vmport/internal/hv"
	"github.com/aibor/vmport/internal/ioctl"
)

// Prefix is required for all shared memory file names.
const Prefix = "shm:"

var (
	// ErrClosed is returned for operations on closed sessions and sessions of
	// removed devices.
	ErrClosed = fmt.Errorf("session closed: %w", errno.ErrIO)

	// ErrDetached is returned when opening a removed device.
	ErrDetached = fmt.Errorf("device detached: %w", errno.ErrNotFound)
)

// Device is a shared memory device.
type Device struct {
	files hv.Files
	name  string

	mu       sync.RWMutex
	mem      []byte
	writable bool
	sessions map[*Session]struct{}
	detached bool
}

var (
	_ devreg.Instance  = (*Device)(nil)
	_ devreg.Describer = (*Device)(nil)
)

// New creates a device for the named file. The name must start with
// [Prefix], otherwise it fails with [errno.ErrNoDevice].
func New(files hv.Files, name string) (*Device, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}

	return &Device{
		files:    files,
		name:     name,
		sessions: map[*Session]struct{}{},
	}, nil
}

func checkName(name string) error {
	if !strings.HasPrefix(name, Prefix) {
		return fmt.Errorf("file name %q must start with %q: %w", name, Prefix, errno.ErrNoDevice)
	}

	return nil
}

// Kind returns the device kind description for a [devreg.Registry].
func Kind(files hv.Files) devreg.Kind {
	return devreg.Kind{
		Name:     "shm",
		MinNames: 1,
		MaxNames: 1,
		Header:   "# <minor> <filename> <size> <use_counter>",
		Policy:   devreg.Force,
		Check: func(op devreg.Op, _ int, names []string) error {
			if op == devreg.OpAdd {
				return checkName(names[0])
			}

			return nil
		},
		Factory: func(_ int, names []string) (devreg.Instance, error) {
			return New(files, names[0])
		},
	}
}

// Names implements [devreg.Instance].
func (d *Device) Names() []string {
	return []string{d.name}
}

// InUse implements [devreg.Instance].
func (d *Device) InUse() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.sessions)
}

// Size returns the size of the current mapping. It is 0 while the device is
// not open.
func (d *Device) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.mem)
}

// Describe implements [devreg.Describer].
func (d *Device) Describe() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.name + " " + strconv.Itoa(len(d.mem)) + " " + strconv.Itoa(len(d.sessions))
}

// Detach implements [devreg.Instance]. Open sessions fail with [ErrClosed]
// and the mapping is dropped.
func (d *Device) Detach(force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.sessions) > 0 && !force {
		return errno.ErrBusy
	}

	for s := range d.sessions {
		s.closed = true
	}

	d.sessions = map[*Session]struct{}{}
	d.mem = nil
	d.detached = true

	return nil
}

// Open returns a new session. The first session maps the file with the
// access given by flags. [hv.FlagMap] is always added.
func (d *Device) Open(flags hv.OpenFlag) (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.detached {
		return nil, ErrDetached
	}

	if len(d.sessions) == 0 {
		if err := d.mapLocked(flags); err != nil {
			return nil, err
		}
	}

	s := &Session{dev: d}
	d.sessions[s] = struct{}{}

	return s, nil
}

func (d *Device) mapLocked(flags hv.OpenFlag) error {
	if !flags.Has(hv.FlagRead) && !flags.Has(hv.FlagWrite) {
		return fmt.Errorf("no access mode: %w", errno.ErrInvalid)
	}

	flags |= hv.FlagMap

	handle, size, err := d.files.Open(d.name, flags)
	if err != nil {
		return errno.Translate(err)
	}

	if size <= 0 {
		err = fmt.Errorf("file %s is empty: %w", d.name, errno.ErrNoMemory)
	} else {
		d.mem, err = d.files.Map(handle, 0, size, flags)
		err = errno.Translate(err)
	}

	if closeErr := d.files.Close(handle); err == nil && closeErr != nil {
		d.mem = nil
		err = errno.Translate(closeErr)
	}

	if err != nil {
		return err
	}

	d.writable = flags.Has(hv.FlagWrite)

	return nil
}

func (d *Device) release(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s.closed = true

	if _, open := d.sessions[s]; !open {
		return
	}

	delete(d.sessions, s)

	if len(d.sessions) == 0 {
		d.mem = nil
	}
}

// Session is an open shared memory device with its own position.
type Session struct {
	dev *Device

	// pos and closed are guarded by dev.mu.
	pos    int64
	closed bool
}

var (
	_ blockio.Readable = (*Session)(nil)
	_ blockio.Writable = (*Session)(nil)
	_ blockio.Seekable = (*Session)(nil)
	_ ioctl.Controller = (*Session)(nil)
)

// Read copies from the current position. It returns 0 at the end.
func (s *Session) Read(_ context.Context, p []byte, _ bool) (int, error) {
	d := s.dev

	d.mu.Lock()
	defer d.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	if s.pos >= int64(len(d.mem)) {
		return 0, nil
	}

	n := copy(p, d.mem[s.pos:])
	s.pos += int64(n)

	return n, nil
}

// Write copies to the current position. It fails with [errno.ErrAccess] if
// the mapping is read-only and with [errno.ErrTooBig] at the end.
func (s *Session) Write(_ context.Context, p []byte, _ bool) (int, error) {
	d := s.dev

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case s.closed:
		return 0, ErrClosed
	case !d.writable:
		return 0, fmt.Errorf("read-only mapping: %w", errno.ErrAccess)
	case s.pos >= int64(len(d.mem)):
		return 0, fmt.Errorf("write at %d: %w", s.pos, errno.ErrTooBig)
	}

	n := copy(d.mem[s.pos:], p)
	s.pos += int64(n)

	return n, nil
}

// Seek sets the position. It must stay below the size.
func (s *Session) Seek(_ context.Context, offset int64, whence int) (int64, error) {
	d := s.dev

	d.mu.Lock()
	defer d.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	size := int64(len(d.mem))
	pos := s.pos

	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos += offset
	case io.SeekEnd:
		pos = size + offset
	default:
		return 0, fmt.Errorf("whence %d: %w", whence, errno.ErrInvalid)
	}

	if pos < 0 || pos >= size {
		return 0, fmt.Errorf("position %d outside [0, %d): %w", pos, size, errno.ErrInvalid)
	}

	s.pos = pos

	return pos, nil
}

// Map returns length bytes of the mapping at offset. A writable window
// requires a writable mapping.
func (s *Session) Map(offset, length int64, writable bool) ([]byte, error) {
	d := s.dev

	d.mu.RLock()
	defer d.mu.RUnlock()

	size := int64(len(d.mem))

	switch {
	case s.closed:
		return nil, ErrClosed
	case offset < 0 || length <= 0 || length > size || offset+length > size:
		return nil, fmt.Errorf("map %d bytes at %d of %d: %w", length, offset, size, errno.ErrInvalid)
	case writable && !d.writable:
		return nil, fmt.Errorf("writable map of read-only mapping: %w", errno.ErrAccess)
	}

	return d.mem[offset : offset+length : offset+length], nil
}

// Ioctl implements [ioctl.Controller]. Only [ioctl.GetFileSize] is
// supported.
func (s *Session) Ioctl(_ context.Context, cmd uint32, _ uint64) (uint64, error) {
	d := s.dev

	d.mu.RLock()
	defer d.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	if cmd != ioctl.GetFileSize {
		return 0, ioctl.UnknownRequest(cmd)
	}

	return uint64(len(d.mem)), nil
}

// Close ends the session. The last session drops the mapping.
func (s *Session) Close() {
	s.dev.release(s)
}
