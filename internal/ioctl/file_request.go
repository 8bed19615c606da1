// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ioctl

import (
	"encoding/binary"
	"fmt"

	"github.com/aibor/vmport/internal/errno"
)

const (
	// FileRequestDataSize is the size of the payload of a [FileRequest].
	FileRequestDataSize = 128
	// FileRequestSize is the encoded size of a [FileRequest].
	FileRequestSize = 12 + FileRequestDataSize
)

// FileRequest is a control request passed through to a file provider.
type FileRequest struct {
	Cmd     uint32
	InSize  uint32
	OutSize uint32
	Data    [FileRequestDataSize]byte
}

// Validate checks the sizes against the payload capacity.
func (r *FileRequest) Validate() error {
	if r.InSize > FileRequestDataSize || r.OutSize > FileRequestDataSize {
		return fmt.Errorf("request size exceeds %d bytes: %w", FileRequestDataSize, errno.ErrInvalid)
	}

	return nil
}

// MarshalBinary implements [encoding.BinaryMarshaler].
func (r *FileRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, FileRequestSize)

	binary.LittleEndian.PutUint32(buf[0:], r.Cmd)
	binary.LittleEndian.PutUint32(buf[4:], r.InSize)
	binary.LittleEndian.PutUint32(buf[8:], r.OutSize)
	copy(buf[12:], r.Data[:])

	return buf, nil
}

// UnmarshalBinary implements [encoding.BinaryUnmarshaler].
func (r *FileRequest) UnmarshalBinary(data []byte) error {
	if len(data) != FileRequestSize {
		return fmt.Errorf("file request of %d bytes: %w", len(data), errno.ErrInvalid)
	}

	r.Cmd = binary.LittleEndian.Uint32(data[0:])
	r.InSize = binary.LittleEndian.Uint32(data[4:])
	r.OutSize = binary.LittleEndian.Uint32(data[8:])
	copy(r.Data[:], data[12:])

	return nil
}
