// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tty_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/aibor/vmport/internal/blockio"
	"github.com/aibor/vmport/internal/devreg"
	"github.com/aibor/vmport/internal/device/tty"
	"github.com/aibor/vmport/internal/errno"
	"github.com/aibor/vmport/internal/hv"
	"github.com/aibor/vmport/internal/hv/sim"
	"github.com/aibor/vmport/internal/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	hv    *sim.Hypervisor
	ports *port.Registry
	reg   *devreg.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	h := sim.MustNew(t, sim.Config{
		Ports: []sim.PortConfig{
			{Name: tty.BootRX, Direction: hv.Receive, FrameSize: 8},
			{Name: tty.BootTX, Direction: hv.Send, FrameSize: 4, Depth: 2},
			{Name: "ttyrx", Direction: hv.Receive, FrameSize: 8},
			{Name: "ttytx", Direction: hv.Send, FrameSize: 4, Depth: 2},
		},
	})

	ports := port.MustEnumerate(t, h)
	port.MustRunMultiplexer(t, ports, h)

	reg := devreg.New(tty.Kind(ports))
	t.Cleanup(reg.Close)

	return &fixture{hv: h, ports: ports, reg: reg}
}

func (f *fixture) device(t *testing.T, id int, rx, tx string) *tty.Device {
	t.Helper()

	require.NoError(t, f.reg.Add(id, rx, tx))

	inst, err := f.reg.Get(id)
	require.NoError(t, err)

	return inst.(*tty.Device)
}

func (f *fixture) collect(t *testing.T, name string, count int) [][]byte {
	t.Helper()

	var msgs [][]byte

	require.Eventually(t, func() bool {
		msgs = append(msgs, f.hv.Collect(name)...)
		return len(msgs) >= count
	}, time.Second, time.Millisecond)

	return msgs
}

func TestAdd_PortsOwned(t *testing.T) {
	f := newFixture(t)

	rx, err := f.ports.Lookup("ttyrx", hv.Receive)
	require.NoError(t, err)
	require.NoError(t, f.ports.Acquire(rx, port.OwnerLink, nil))

	err = f.reg.Add(1, "ttyrx", "ttytx")
	require.ErrorIs(t, err, errno.ErrBusy)

	tx, err := f.ports.Lookup("ttytx", hv.Send)
	require.NoError(t, err)
	assert.Equal(t, port.OwnerNone, tx.Owner())
}

func TestSession_Read(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t, 1, "ttyrx", "ttytx")
	ctx := context.Background()

	assert.Equal(t, 4, dev.FIFOSize())
	assert.False(t, dev.Boot())

	require.NoError(t, f.hv.Inject("ttyrx", []byte("abcdef")))

	s, err := dev.Open()
	require.NoError(t, err)
	defer s.Close()

	buf := make([]byte, 4)

	n, err := s.Read(ctx, buf, false)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf[:n]))

	n, err = s.Read(ctx, buf, false)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(buf[:n]))

	_, err = s.Read(ctx, buf, true)
	require.ErrorIs(t, err, errno.ErrWouldBlock)

	require.NoError(t, f.hv.Inject("ttyrx", []byte("g")))
	require.NoError(t, f.hv.Inject("ttyrx", []byte("hi")))

	require.Eventually(t, func() bool {
		return s.Poll()&blockio.PollIn != 0
	}, time.Second, time.Millisecond)

	var all []byte

	for len(all) < 3 {
		n, err = s.Read(ctx, buf, false)
		require.NoError(t, err)

		all = append(all, buf[:n]...)
	}

	assert.Equal(t, "ghi", string(all))
}

func TestSession_ReadAfterReceiveError(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t, 1, "ttyrx", "ttytx")

	s, err := dev.Open()
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, f.hv.FailReceive("ttyrx", hv.EBADF))
	require.NoError(t, f.hv.Inject("ttyrx", []byte("ab")))

	require.Eventually(t, func() bool {
		return s.Poll()&blockio.PollIn != 0
	}, time.Second, time.Millisecond, "receive port must be armed again")

	buf := make([]byte, 4)

	n, err := s.Read(context.Background(), buf, true)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(buf[:n]))
}

func TestSession_Write(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t, 1, "ttyrx", "ttytx")
	ctx := context.Background()

	s, err := dev.Open()
	require.NoError(t, err)
	defer s.Close()

	n, err := s.Write(ctx, []byte("0123456789"), false)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.False(t, dev.TxEmpty())

	msgs := f.collect(t, "ttytx", 3)
	assert.Equal(t, [][]byte{[]byte("0123"), []byte("4567"), []byte("89")}, msgs)

	require.NoError(t, dev.Flush(ctx))
	assert.True(t, dev.TxEmpty())
}

func TestSession_WriteRingFull(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t, 1, "ttyrx", "ttytx")
	ctx := context.Background()

	s, err := dev.Open()
	require.NoError(t, err)
	defer s.Close()

	n, err := s.Write(ctx, make([]byte, tty.RingSize+16), false)
	require.NoError(t, err)
	assert.Equal(t, tty.RingSize, n)

	// Two frames left the ring before the send port was full.
	n, err = s.Write(ctx, make([]byte, 16), true)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	_, err = s.Write(ctx, make([]byte, 16), true)
	require.ErrorIs(t, err, errno.ErrWouldBlock)
	assert.Zero(t, s.Poll()&blockio.PollOut)
}

func TestBootConsole(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t, 0, tty.BootRX, tty.BootTX)

	assert.True(t, dev.Boot())

	n, err := dev.Console().Write([]byte("a\nb"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	msgs := f.collect(t, tty.BootTX, 2)
	assert.Equal(t, [][]byte{[]byte("a\r\n"), []byte("b")}, msgs)

	err = f.reg.Remove(0)
	require.ErrorIs(t, err, tty.ErrBootConsole)
	require.ErrorIs(t, err, errno.ErrBusy)
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t, 3, "ttyrx", "ttytx")

	s, err := dev.Open()
	require.NoError(t, err)

	require.ErrorIs(t, f.reg.Remove(3), errno.ErrBusy)

	var listing bytes.Buffer
	require.NoError(t, f.reg.WriteConfig(&listing))
	assert.Equal(t, "# <minor> <RX_port> <TX_port>\n3 ttyrx ttytx\n", listing.String())

	s.Close()
	s.Close()

	require.NoError(t, f.reg.Remove(3))

	rx, err := f.ports.Lookup("ttyrx", hv.Receive)
	require.NoError(t, err)
	assert.Equal(t, port.OwnerNone, rx.Owner())

	_, err = dev.Open()
	require.ErrorIs(t, err, tty.ErrClosed)
}

func TestDetach_WakesReaders(t *testing.T) {
	f := newFixture(t)
	dev := f.device(t, 1, "ttyrx", "ttytx")

	s, err := dev.Open()
	require.NoError(t, err)

	errs := make(chan error, 1)

	go func() {
		_, err := s.Read(context.Background(), make([]byte, 4), false)
		errs <- err
	}()

	require.NoError(t, dev.Detach(true))
	require.ErrorIs(t, <-errs, errno.ErrIO)
}
