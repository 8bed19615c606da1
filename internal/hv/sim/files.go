// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/aibor/vmport/internal/hv"
	"golang.org/x/sys/unix"
)

// Events raised by file operations.
const (
	// EventWritten is raised when data is written to a file.
	EventWritten uint32 = 1 << iota
	// EventRead is raised when data is consumed from a stream file.
	EventRead
)

// Ioctl commands understood by simulated files.
const (
	// IoctlSize writes the file size as little endian uint64 to the output.
	IoctlSize uint32 = 1
	// IoctlEcho copies the input to the output.
	IoctlEcho uint32 = 2
)

const allEvents = ^uint32(0)

type simFile struct {
	cfg     FileConfig
	data    []byte
	stream  []byte
	pending uint32
}

func (f *simFile) release() error {
	if f.data == nil {
		return nil
	}

	err := unix.Munmap(f.data)
	f.data = nil

	return err
}

type openFile struct {
	file   *simFile
	flags  hv.OpenFlag
	offset int64
	mask   uint32
}

// addFile must only be called during construction or with h.mu held.
func (h *Hypervisor) addFile(fc FileConfig) error {
	if fc.Kind == "" {
		fc.Kind = FileKindMemory
	}

	f := &simFile{cfg: fc}

	if fc.Kind == FileKindMemory && fc.Size > 0 {
		data, err := unix.Mmap(-1, 0, int(fc.Size),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
		if err != nil {
			return fmt.Errorf("mmap: %w", err)
		}

		f.data = data
	}

	h.files[fc.Name] = f

	return nil
}

func (h *Hypervisor) handleLocked(handle hv.Handle) (*openFile, error) {
	of, exists := h.handles[handle]
	if !exists {
		return nil, hv.EBADF
	}

	return of, nil
}

// Open implements [hv.Files].
func (h *Hypervisor) Open(name string, flags hv.OpenFlag) (hv.Handle, int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, exists := h.files[name]
	if !exists {
		return hv.InvalidHandle, 0, hv.ENOENT
	}

	if f.cfg.ReadOnly && flags.Has(hv.FlagWrite) {
		return hv.InvalidHandle, 0, hv.EACCES
	}

	handle := h.nextHandle
	h.nextHandle++
	h.handles[handle] = &openFile{
		file:  f,
		flags: flags,
		mask:  allEvents,
	}

	var size int64
	if f.cfg.Kind == FileKindMemory {
		size = f.cfg.Size
	}

	return handle, size, nil
}

// Read implements [hv.Files]. Reads from stream files block until data is
// available.
func (h *Hypervisor) Read(ctx context.Context, handle hv.Handle, p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	of, err := h.handleLocked(handle)
	if err != nil {
		return 0, err
	}

	if !of.flags.Has(hv.FlagRead) {
		return 0, hv.EBADF
	}

	f := of.file

	if f.cfg.Kind == FileKindStream {
		err := h.waitLocked(ctx, func() bool {
			_, open := h.handles[handle]
			return !open || len(f.stream) > 0
		})
		if err != nil {
			return 0, err
		}

		if _, open := h.handles[handle]; !open {
			return 0, hv.EBADF
		}

		n := copy(p, f.stream)
		f.stream = f.stream[n:]
		f.pending |= EventRead
		h.notifyLocked()

		return n, nil
	}

	if of.offset >= int64(len(f.data)) {
		return 0, nil
	}

	n := copy(p, f.data[of.offset:])
	of.offset += int64(n)

	return n, nil
}

// Write implements [hv.Files]. Writes to memory files beyond their size fail
// with [hv.EFBIG].
func (h *Hypervisor) Write(_ context.Context, handle hv.Handle, p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	of, err := h.handleLocked(handle)
	if err != nil {
		return 0, err
	}

	if !of.flags.Has(hv.FlagWrite) {
		return 0, hv.EBADF
	}

	f := of.file

	var n int

	if f.cfg.Kind == FileKindStream {
		f.stream = append(f.stream, p...)
		n = len(p)
	} else {
		if of.offset >= int64(len(f.data)) {
			return 0, hv.EFBIG
		}

		n = copy(f.data[of.offset:], p)
		of.offset += int64(n)
	}

	f.pending |= EventWritten
	h.notifyLocked()

	return n, nil
}

// Seek implements [hv.Files]. Stream files can not seek.
func (h *Hypervisor) Seek(handle hv.Handle, offset int64, whence int) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	of, err := h.handleLocked(handle)
	if err != nil {
		return 0, err
	}

	if of.file.cfg.Kind == FileKindStream {
		return 0, hv.ESPIPE
	}

	var base int64

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = of.offset
	case io.SeekEnd:
		base = of.file.cfg.Size
	default:
		return 0, hv.EINVAL
	}

	pos := base + offset
	if pos < 0 || pos > of.file.cfg.Size {
		return 0, hv.EINVAL
	}

	of.offset = pos

	return pos, nil
}

// Ioctl implements [hv.Files]. See [IoctlSize] and [IoctlEcho] for the
// supported commands.
func (h *Hypervisor) Ioctl(handle hv.Handle, cmd uint32, buf []byte, insize, outsize int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	of, err := h.handleLocked(handle)
	if err != nil {
		return err
	}

	if insize > len(buf) || outsize > len(buf) {
		return hv.EINVAL
	}

	switch cmd {
	case IoctlSize:
		if outsize < 8 {
			return hv.EINVAL
		}

		binary.LittleEndian.PutUint64(buf, uint64(of.file.cfg.Size))
	case IoctlEcho:
		if outsize < insize {
			return hv.EINVAL
		}
	default:
		return hv.ENOTTY
	}

	return nil
}

// Map implements [hv.Files]. Only memory files opened with [hv.FlagMap] can
// be mapped.
func (h *Hypervisor) Map(handle hv.Handle, offset, length int64, flags hv.OpenFlag) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	of, err := h.handleLocked(handle)
	if err != nil {
		return nil, err
	}

	f := of.file

	if f.cfg.Kind != FileKindMemory || !of.flags.Has(hv.FlagMap) {
		return nil, hv.EACCES
	}

	if flags.Has(hv.FlagWrite) && !of.flags.Has(hv.FlagWrite) {
		return nil, hv.EACCES
	}

	if offset < 0 || length <= 0 || offset+length > int64(len(f.data)) {
		return nil, hv.EINVAL
	}

	return f.data[offset : offset+length : offset+length], nil
}

// SetEventMask implements [hv.Files].
func (h *Hypervisor) SetEventMask(handle hv.Handle, mask uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	of, err := h.handleLocked(handle)
	if err != nil {
		return err
	}

	of.mask = mask
	h.notifyLocked()

	return nil
}

// WaitEvent implements [hv.Files].
func (h *Hypervisor) WaitEvent(ctx context.Context, handle hv.Handle, flags hv.WaitFlag) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	of, err := h.handleLocked(handle)
	if err != nil {
		return 0, err
	}

	f := of.file

	if flags&hv.WaitPreClear != 0 {
		f.pending &^= of.mask
	}

	err = h.waitLocked(ctx, func() bool {
		_, open := h.handles[handle]
		return !open || f.pending&of.mask != 0
	})
	if err != nil {
		return 0, err
	}

	if _, open := h.handles[handle]; !open {
		return 0, hv.EBADF
	}

	events := f.pending & of.mask
	if flags&hv.WaitPostClear != 0 {
		f.pending &^= events
	}

	return events, nil
}

// Close implements [hv.Files].
func (h *Hypervisor) Close(handle hv.Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.handleLocked(handle); err != nil {
		return err
	}

	delete(h.handles, handle)
	h.notifyLocked()

	return nil
}

// Post raises events on the named file as if the provider signalled them.
func (h *Hypervisor) Post(name string, events uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, exists := h.files[name]
	if !exists {
		return hv.ENOENT
	}

	f.pending |= events
	h.notifyLocked()

	return nil
}

// Contents returns a copy of the current contents of the named file. For
// stream files it is the unread data.
func (h *Hypervisor) Contents(name string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, exists := h.files[name]
	if !exists {
		return nil, hv.ENOENT
	}

	if f.cfg.Kind == FileKindStream {
		return append([]byte(nil), f.stream...), nil
	}

	return append([]byte(nil), f.data...), nil
}
