// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ioctl_test

import (
	"testing"

	"github.com/aibor/vmport/internal/errno"
	"github.com/aibor/vmport/internal/ioctl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestCodes(t *testing.T) {
	// Values as produced by the Linux _IOR/_IOWR macros.
	assert.Equal(t, uint32(0x80044200), ioctl.GetPortSize)
	assert.Equal(t, uint32(0x80044201), ioctl.GetPortDirection)
	assert.Equal(t, uint32(0x80044208), ioctl.GetPortRemain)
	assert.Equal(t, uint32(0xc08c4212), ioctl.FileIoctl)
	assert.Equal(t, uint32(0x4210), ioctl.IO(0x10))
}

func TestFileRequest(t *testing.T) {
	req := ioctl.FileRequest{Cmd: 7, InSize: 2, OutSize: 3}
	copy(req.Data[:], "hi")

	data, err := req.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, ioctl.FileRequestSize)
	assert.Equal(t, []byte{7, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0, 'h', 'i'}, data[:14])

	var decoded ioctl.FileRequest
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.Equal(t, req, decoded)

	require.ErrorIs(t, decoded.UnmarshalBinary(data[:10]), errno.ErrInvalid)

	decoded.OutSize = 129
	require.ErrorIs(t, decoded.Validate(), errno.ErrInvalid)
}
