// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package shm_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aibor/vmport/internal/devreg"
	"github.com/aibor/vmport/internal/device/shm"
	"github.com/aibor/vmport/internal/errno"
	"github.com/aibor/vmport/internal/hv"
	"github.com/aibor/vmport/internal/hv/sim"
	"github.com/aibor/vmport/internal/ioctl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) (*devreg.Registry, *sim.Hypervisor) {
	t.Helper()

	h := sim.MustNew(t, sim.Config{
		Files: []sim.FileConfig{
			{Name: "shm:/fb", Size: 32},
			{Name: "shm:/ro", Size: 32, ReadOnly: true},
			{Name: "shm:/empty"},
			{Name: "plain", Size: 32},
		},
	})

	return devreg.New(shm.Kind(h)), h
}

func open(t *testing.T, reg *devreg.Registry, id int, flags hv.OpenFlag) *shm.Session {
	t.Helper()

	inst, err := reg.Get(id)
	require.NoError(t, err)

	s, err := inst.(*shm.Device).Open(flags)
	require.NoError(t, err)

	return s
}

func TestAdd(t *testing.T) {
	tests := []struct {
		name        string
		file        string
		expectedErr error
	}{
		{name: "shm", file: "shm:/fb"},
		{name: "missing prefix", file: "plain", expectedErr: errno.ErrNoDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := newRegistry(t)

			err := reg.Add(7, tt.file)
			require.ErrorIs(t, err, tt.expectedErr)
		})
	}

	_, err := shm.New(nil, "plain")
	require.ErrorIs(t, err, errno.ErrNoDevice)
}

func TestOpen_Errors(t *testing.T) {
	reg, _ := newRegistry(t)

	require.NoError(t, reg.Add(0, "shm:/ro"))
	require.NoError(t, reg.Add(1, "shm:/empty"))
	require.NoError(t, reg.Add(2, "shm:/missing"))

	tests := []struct {
		name        string
		id          int
		flags       hv.OpenFlag
		expectedErr error
	}{
		{name: "read-only for write", id: 0, flags: hv.FlagRead | hv.FlagWrite, expectedErr: errno.ErrAccess},
		{name: "no access mode", id: 0, expectedErr: errno.ErrInvalid},
		{name: "empty", id: 1, flags: hv.FlagRead, expectedErr: errno.ErrNoMemory},
		{name: "missing", id: 2, flags: hv.FlagRead, expectedErr: errno.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := reg.Get(tt.id)
			require.NoError(t, err)

			_, err = inst.(*shm.Device).Open(tt.flags)
			require.ErrorIs(t, err, tt.expectedErr)
			assert.Zero(t, inst.InUse())
		})
	}
}

func TestSession_ReadWrite(t *testing.T) {
	reg, h := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Add(0, "shm:/fb"))

	rw := open(t, reg, 0, hv.FlagRead|hv.FlagWrite)
	r := open(t, reg, 0, hv.FlagRead)

	n, err := rw.Write(ctx, []byte("shared"), false)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	buf := make([]byte, 6)
	n, err = r.Read(ctx, buf, false)
	require.NoError(t, err)
	assert.Equal(t, "shared", string(buf[:n]))

	contents, err := h.Contents("shm:/fb")
	require.NoError(t, err)
	assert.Equal(t, "shared", string(contents[:6]))

	pos, err := rw.Seek(ctx, -2, io.SeekEnd)
	require.NoError(t, err)
	assert.EqualValues(t, 30, pos)

	n, err = rw.Write(ctx, []byte("abcd"), false)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "write truncated at the end")

	_, err = rw.Write(ctx, []byte("x"), false)
	require.ErrorIs(t, err, errno.ErrTooBig)

	_, err = r.Seek(ctx, 31, io.SeekStart)
	require.NoError(t, err)

	n, err = r.Read(ctx, buf, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = r.Read(ctx, buf, false)
	require.NoError(t, err)
	assert.Zero(t, n)

	size, err := r.Ioctl(ctx, ioctl.GetFileSize, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 32, size)

	_, err = r.Ioctl(ctx, ioctl.GetPortSize, 0)
	require.ErrorIs(t, err, errno.ErrInvalid)

	var listing bytes.Buffer
	require.NoError(t, reg.WriteConfig(&listing))
	assert.Equal(t, "# <minor> <filename> <size> <use_counter>\n0 shm:/fb 32 2\n", listing.String())

	r.Close()
	r.Close()
	rw.Close()

	inst, err := reg.Get(0)
	require.NoError(t, err)
	assert.Zero(t, inst.(*shm.Device).Size())
}

func TestSession_UseAfterClose(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Add(0, "shm:/fb"))

	closed := open(t, reg, 0, hv.FlagRead|hv.FlagWrite)
	other := open(t, reg, 0, hv.FlagRead)
	defer other.Close()

	closed.Close()

	_, err := closed.Read(ctx, make([]byte, 4), false)
	require.ErrorIs(t, err, shm.ErrClosed)

	_, err = closed.Write(ctx, []byte("x"), false)
	require.ErrorIs(t, err, shm.ErrClosed)

	n, err := other.Read(ctx, make([]byte, 4), false)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestSession_ReadOnly(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Add(0, "shm:/fb"))

	r := open(t, reg, 0, hv.FlagRead)
	defer r.Close()

	rw := open(t, reg, 0, hv.FlagRead|hv.FlagWrite)
	defer rw.Close()

	_, err := rw.Write(ctx, []byte("x"), false)
	require.ErrorIs(t, err, errno.ErrAccess, "first session decides access")

	_, err = rw.Map(0, 8, true)
	require.ErrorIs(t, err, errno.ErrAccess)
}

func TestSession_Seek(t *testing.T) {
	reg, _ := newRegistry(t)

	require.NoError(t, reg.Add(0, "shm:/fb"))

	s := open(t, reg, 0, hv.FlagRead)
	defer s.Close()

	tests := []struct {
		name        string
		offset      int64
		whence      int
		expected    int64
		expectedErr error
	}{
		{name: "start", offset: 4, whence: io.SeekStart, expected: 4},
		{name: "current", offset: 4, whence: io.SeekCurrent, expected: 8},
		{name: "end", offset: -1, whence: io.SeekEnd, expected: 31},
		{name: "at size", offset: 0, whence: io.SeekEnd, expectedErr: errno.ErrInvalid},
		{name: "negative", offset: -1, whence: io.SeekStart, expectedErr: errno.ErrInvalid},
		{name: "bad whence", offset: 0, whence: 3, expectedErr: errno.ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos, err := s.Seek(context.Background(), tt.offset, tt.whence)
			require.ErrorIs(t, err, tt.expectedErr)
			assert.Equal(t, tt.expected, pos)
		})
	}
}

func TestSession_Map(t *testing.T) {
	reg, _ := newRegistry(t)

	require.NoError(t, reg.Add(0, "shm:/fb"))

	s := open(t, reg, 0, hv.FlagRead|hv.FlagWrite)
	defer s.Close()

	mem, err := s.Map(8, 8, true)
	require.NoError(t, err)
	copy(mem, "window")

	buf := make([]byte, 6)
	_, err = s.Seek(context.Background(), 8, io.SeekStart)
	require.NoError(t, err)
	_, err = s.Read(context.Background(), buf, false)
	require.NoError(t, err)
	assert.Equal(t, "window", string(buf))

	_, err = s.Map(30, 8, false)
	require.ErrorIs(t, err, errno.ErrInvalid)

	_, err = s.Map(0, 64, false)
	require.ErrorIs(t, err, errno.ErrInvalid)
}

func TestRemove_ForcesSessionsClosed(t *testing.T) {
	reg, _ := newRegistry(t)

	require.NoError(t, reg.Add(0, "shm:/fb"))

	inst, err := reg.Get(0)
	require.NoError(t, err)

	dev := inst.(*shm.Device)

	s, err := dev.Open(hv.FlagRead)
	require.NoError(t, err)

	require.NoError(t, reg.Remove(0))

	_, err = s.Read(context.Background(), make([]byte, 4), false)
	require.ErrorIs(t, err, errno.ErrIO)

	_, err = dev.Open(hv.FlagRead)
	require.ErrorIs(t, err, shm.ErrDetached)

	s.Close()
}
