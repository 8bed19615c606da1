// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sim

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/aibor/vmport/internal/hv"
	"github.com/cavaliergopher/cpio"
)

// LoadArchive seeds file contents from a cpio archive.
//
// Each regular file of the archive is matched by name, with any leading "./"
// or "/" removed. Contents of existing memory files are overwritten from the
// start. Contents of stream files are queued for reading. Files not present
// in the topology are created as writable memory files of the content's
// size. Non-regular entries are ignored.
func (h *Hypervisor) LoadArchive(r io.Reader) error {
	reader := cpio.NewReader(r)

	for {
		hdr, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("next entry: %w", err)
		}

		if !hdr.Mode.IsRegular() {
			continue
		}

		name := strings.TrimLeft(strings.TrimPrefix(hdr.Name, "./"), "/")

		content, err := io.ReadAll(io.LimitReader(reader, hdr.Size))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}

		if err := h.seed(name, content); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}

		slog.Debug("Seeded file from archive",
			slog.String("name", name),
			slog.Int("size", len(content)))
	}
}

func (h *Hypervisor) seed(name string, content []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, exists := h.files[name]
	if !exists {
		err := h.addFile(FileConfig{
			Name: name,
			Kind: FileKindMemory,
			Size: int64(len(content)),
		})
		if err != nil {
			return err
		}

		f = h.files[name]
	}

	if f.cfg.Kind == FileKindStream {
		f.stream = append(f.stream, content...)
	} else {
		if len(content) > len(f.data) {
			return hv.EFBIG
		}

		copy(f.data, content)
	}

	h.notifyLocked()

	return nil
}

// WriteArchive writes the contents of all files as regular entries of a cpio
// archive, sorted by name. Memory files are written in full, stream files
// with their unread data. Read-only files get mode 0444, others 0644.
func (h *Hypervisor) WriteArchive(w io.Writer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.files))
	for name := range h.files {
		names = append(names, name)
	}

	slices.Sort(names)

	writer := cpio.NewWriter(w)

	for _, name := range names {
		f := h.files[name]

		content := f.data
		if f.cfg.Kind == FileKindStream {
			content = f.stream
		}

		mode := cpio.FileMode(0o644)
		if f.cfg.ReadOnly {
			mode = 0o444
		}

		hdr := &cpio.Header{
			Name: name,
			Mode: cpio.TypeReg | mode,
			Size: int64(len(content)),
		}

		if err := writer.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header for %s: %w", name, err)
		}

		if _, err := writer.Write(content); err != nil {
			return fmt.Errorf("write body for %s: %w", name, err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	return nil
}
