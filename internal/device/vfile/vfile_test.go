// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vfile_test

import (
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/aibor/vmport/internal/devreg"
	"github.com/aibor/vmport/internal/device/vfile"
	"github.com/aibor/vmport/internal/errno"
	"github.com/aibor/vmport/internal/hv"
	"github.com/aibor/vmport/internal/hv/sim"
	"github.com/aibor/vmport/internal/ioctl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newSim(t *testing.T) *sim.Hypervisor {
	t.Helper()

	return sim.MustNew(t, sim.Config{
		Files: []sim.FileConfig{
			{Name: "mem", Kind: sim.FileKindMemory, Size: 64},
			{Name: "ro", Kind: sim.FileKindMemory, Size: 64, ReadOnly: true},
			{Name: "pipe", Kind: sim.FileKindStream},
		},
	})
}

func newDevice(t *testing.T, files hv.Files, name string, opts ...vfile.Option) *vfile.Device {
	t.Helper()

	dev := vfile.New(files, name, opts...)
	t.Cleanup(func() { assert.NoError(t, dev.Detach(true)) })

	return dev
}

func open(t *testing.T, dev *vfile.Device, flags hv.OpenFlag) *vfile.Session {
	t.Helper()

	s, err := dev.Open(context.Background(), flags)
	require.NoError(t, err)

	return s
}

func TestOpen(t *testing.T) {
	h := newSim(t)

	tests := []struct {
		name         string
		file         string
		flags        hv.OpenFlag
		expectedSize int64
		expectedErr  error
	}{
		{name: "memory", file: "mem", flags: hv.FlagRead, expectedSize: 64},
		{name: "stream default size", file: "pipe", flags: hv.FlagRead, expectedSize: vfile.DefaultSize},
		{name: "read-only for write", file: "ro", flags: hv.FlagWrite, expectedErr: errno.ErrAccess},
		{name: "missing", file: "missing", flags: hv.FlagRead, expectedErr: errno.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newDevice(t, h, tt.file)

			s, err := dev.Open(context.Background(), tt.flags)
			require.ErrorIs(t, err, tt.expectedErr)

			if tt.expectedErr != nil {
				return
			}

			assert.Equal(t, tt.expectedSize, s.Size())
			assert.Equal(t, 1, dev.InUse())
			require.NoError(t, s.Close(context.Background()))
			assert.Equal(t, 0, dev.InUse())
		})
	}
}

func TestSession_ReadWriteSeek(t *testing.T) {
	h := newSim(t)
	dev := newDevice(t, h, "mem", vfile.WithFrameSize(8))
	s := open(t, dev, hv.FlagRead|hv.FlagWrite)
	ctx := context.Background()

	n, err := s.Write(ctx, []byte("0123456789"), false)
	require.NoError(t, err)
	assert.Equal(t, 8, n, "write capped at frame size")

	pos, err := s.Seek(ctx, 0, io.SeekStart)
	require.NoError(t, err)
	assert.Zero(t, pos)

	buf := make([]byte, 16)
	n, err = s.Read(ctx, buf, false)
	require.NoError(t, err)
	assert.Equal(t, "01234567", string(buf[:n]))

	_, err = s.Seek(ctx, 0, 7)
	require.ErrorIs(t, err, errno.ErrInvalid)

	pos, err = s.Seek(ctx, 0, io.SeekEnd)
	require.NoError(t, err)
	assert.EqualValues(t, 64, pos)

	_, err = s.Write(ctx, []byte("x"), false)
	require.ErrorIs(t, err, errno.ErrTooBig)

	n, err = s.Read(ctx, nil, false)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSession_NonBlockingWhileBusy(t *testing.T) {
	h := newSim(t)
	dev := newDevice(t, h, "pipe")
	reader := open(t, dev, hv.FlagRead)
	writer := open(t, dev, hv.FlagWrite)
	ctx := context.Background()

	result := make(chan string, 1)

	go func() {
		buf := make([]byte, 16)
		n, err := reader.Read(ctx, buf, false)
		assert.NoError(t, err)
		result <- string(buf[:n])
	}()

	require.Eventually(t, dev.Busy, time.Second, time.Millisecond)

	_, err := writer.Write(ctx, []byte("x"), true)
	require.ErrorIs(t, err, errno.ErrWouldBlock)

	feed, _, err := h.Open("pipe", hv.FlagWrite)
	require.NoError(t, err)

	_, err = h.Write(ctx, feed, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, h.Close(feed))

	assert.Equal(t, "hello", <-result)

	n, err := writer.Write(ctx, []byte("x"), false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSession_NonBlockingNeverWaits(t *testing.T) {
	h := newSim(t)
	dev := newDevice(t, h, "pipe")
	s := open(t, dev, hv.FlagRead|hv.FlagWrite)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	buf := make([]byte, 8)

	n, err := s.Read(ctx, buf, true)
	require.ErrorIs(t, err, errno.ErrWouldBlock)
	assert.Zero(t, n)

	n, err = s.Write(ctx, []byte("data"), true)
	require.ErrorIs(t, err, errno.ErrWouldBlock)
	assert.Zero(t, n)

	assert.False(t, dev.Busy())

	contents, err := h.Contents("pipe")
	require.NoError(t, err)
	assert.Empty(t, contents)

	n, err = s.Read(ctx, nil, true)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSession_Events(t *testing.T) {
	h := newSim(t)
	dev := newDevice(t, h, "pipe")
	s := open(t, dev, hv.FlagRead|hv.FlagWrite)
	ctx := context.Background()

	assert.Equal(t, ^uint32(0), s.EventMask())

	mask, err := s.Ioctl(ctx, ioctl.GetEventMask, 0)
	require.NoError(t, err)
	assert.EqualValues(t, ^uint32(0), mask)

	_, err = s.Ioctl(ctx, ioctl.SetEventMask, uint64(sim.EventWritten))
	require.NoError(t, err)
	assert.Equal(t, sim.EventWritten, s.EventMask())

	notified := make(chan uint32, 1)
	s.Notify(func(events uint32, err error) {
		assert.NoError(t, err)
		notified <- events
	})

	_, err = s.Write(ctx, []byte("x"), false)
	require.NoError(t, err)

	events, err := s.Ioctl(ctx, ioctl.EventWait, uint64(hv.WaitPostClear))
	require.NoError(t, err)
	assert.EqualValues(t, sim.EventWritten, events)
	assert.Equal(t, sim.EventWritten, <-notified)

	s.Notify(nil)

	require.NoError(t, h.Post("pipe", sim.EventWritten))

	events32, err := s.WaitEvent(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, sim.EventWritten, events32)
}

func TestSession_WaitEventPreClear(t *testing.T) {
	h := newSim(t)
	dev := newDevice(t, h, "mem")
	s := open(t, dev, hv.FlagRead)

	require.NoError(t, h.Post("mem", sim.EventWritten))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.WaitEvent(ctx, hv.WaitPreClear)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSession_FileIoctl(t *testing.T) {
	h := newSim(t)
	dev := newDevice(t, h, "mem")
	s := open(t, dev, hv.FlagRead)
	ctx := context.Background()

	req := &ioctl.FileRequest{Cmd: sim.IoctlSize, OutSize: 8}
	require.NoError(t, s.FileIoctl(ctx, req))
	assert.EqualValues(t, 64, binary.LittleEndian.Uint64(req.Data[:]))

	err := s.FileIoctl(ctx, &ioctl.FileRequest{Cmd: sim.IoctlSize, OutSize: 200})
	require.ErrorIs(t, err, errno.ErrInvalid)

	err = s.FileIoctl(ctx, &ioctl.FileRequest{Cmd: 99})
	require.Error(t, err)

	size, err := s.Ioctl(ctx, ioctl.GetFileSize, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 64, size)

	uid, err := s.Ioctl(ctx, ioctl.GetUID, 0)
	require.NoError(t, err)
	assert.EqualValues(t, s.Handle(), uid)
}

func TestSession_Map(t *testing.T) {
	h := newSim(t)
	dev := newDevice(t, h, "mem")
	ro := open(t, dev, hv.FlagRead|hv.FlagMap)
	rw := open(t, dev, hv.FlagRead|hv.FlagWrite|hv.FlagMap)
	ctx := context.Background()

	tests := []struct {
		name        string
		session     *vfile.Session
		offset      int64
		length      int64
		flags       hv.OpenFlag
		expectedErr error
	}{
		{name: "read-only", session: ro, offset: 0, length: 64, flags: hv.FlagRead},
		{name: "writable", session: rw, offset: 32, length: 32, flags: hv.FlagRead | hv.FlagWrite},
		{name: "writable on read-only", session: ro, offset: 0, length: 8, flags: hv.FlagWrite, expectedErr: errno.ErrAccess},
		{name: "beyond size", session: rw, offset: 60, length: 8, flags: hv.FlagRead, expectedErr: errno.ErrInvalid},
		{name: "negative offset", session: rw, offset: -1, length: 8, flags: hv.FlagRead, expectedErr: errno.ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem, err := tt.session.Map(ctx, tt.offset, tt.length, tt.flags)
			require.ErrorIs(t, err, tt.expectedErr)

			if tt.expectedErr == nil {
				assert.Len(t, mem, int(tt.length))
			}
		})
	}
}

type failingFiles struct {
	hv.Files
	code hv.Errno
}

func (f *failingFiles) Write(context.Context, hv.Handle, []byte) (int, error) {
	return 0, f.code
}

func TestSession_WriteErrorCodes(t *testing.T) {
	tests := []struct {
		name        string
		code        hv.Errno
		expectedErr error
	}{
		{name: "known", code: hv.EACCES, expectedErr: errno.ErrAccess},
		{name: "provider private", code: hv.Errno(-1234), expectedErr: errno.ErrIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := &failingFiles{Files: newSim(t), code: tt.code}
			dev := newDevice(t, files, "mem")
			s := open(t, dev, hv.FlagWrite)

			_, err := s.Write(context.Background(), []byte("x"), false)
			require.ErrorIs(t, err, tt.expectedErr)
			require.ErrorIs(t, err, tt.code)
		})
	}
}

func TestDetach(t *testing.T) {
	h := newSim(t)
	reg := devreg.New(vfile.Kind(h))

	require.NoError(t, reg.Add(0, "pipe"))

	inst, err := reg.Get(0)
	require.NoError(t, err)

	dev := inst.(*vfile.Device)
	s := open(t, dev, hv.FlagRead)

	errs := make(chan error, 1)

	go func() {
		_, err := s.Read(context.Background(), make([]byte, 8), false)
		errs <- err
	}()

	require.Eventually(t, dev.Busy, time.Second, time.Millisecond)

	require.NoError(t, reg.Remove(0))
	require.ErrorIs(t, <-errs, errno.ErrIO)

	_, err = s.Read(context.Background(), make([]byte, 8), false)
	require.ErrorIs(t, err, vfile.ErrClosed)

	_, err = dev.Open(context.Background(), hv.FlagRead)
	require.ErrorIs(t, err, vfile.ErrDetached)

	require.NoError(t, s.Close(context.Background()))
}
