// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package port_test

import (
	"bytes"
	"testing"

	"github.com/aibor/vmport/internal/errno"
	"github.com/aibor/vmport/internal/hv"
	"github.com/aibor/vmport/internal/hv/sim"
	"github.com/aibor/vmport/internal/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePorts struct {
	hv.Ports

	infos []hv.PortInfo
	err   error
}

func (f *fakePorts) PortCount() (int, error) {
	return len(f.infos), nil
}

func (f *fakePorts) PortInfo(line int) (hv.PortInfo, error) {
	return f.infos[line], f.err
}

func TestEnumerate(t *testing.T) {
	tests := []struct {
		name        string
		ports       *fakePorts
		expectedErr error
	}{
		{
			name: "valid",
			ports: &fakePorts{infos: []hv.PortInfo{
				{Direction: hv.Receive, FrameSize: 16, Name: "a"},
				{Direction: hv.Send, FrameSize: 32, Name: "b"},
			}},
		},
		{
			name: "zero frame size",
			ports: &fakePorts{infos: []hv.PortInfo{
				{Direction: hv.Receive, FrameSize: 0, Name: "a"},
			}},
			expectedErr: port.ErrFrameSizeInvalid,
		},
		{
			name: "query fails",
			ports: &fakePorts{
				infos: []hv.PortInfo{{}},
				err:   hv.EINVAL,
			},
			expectedErr: &port.EnumerateError{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := port.Enumerate(tt.ports)
			require.ErrorIs(t, err, tt.expectedErr)

			if tt.expectedErr != nil {
				return
			}

			require.Len(t, reg.Ports(), len(tt.ports.infos))

			for line, info := range tt.ports.infos {
				p := reg.Ports()[line]
				assert.Equal(t, line, p.Line)
				assert.Equal(t, info.Name, p.Name)
				assert.Equal(t, info.Direction, p.Direction)
				assert.Equal(t, info.FrameSize, p.FrameSize)
				assert.Equal(t, port.IRQBase+line, p.IRQ)
			}
		})
	}
}

func newRegistry(t *testing.T, frameSize int) (*port.Registry, *sim.Hypervisor) {
	t.Helper()

	h := sim.MustNew(t, sim.LoopbackConfig("a", frameSize))

	reg, err := port.Enumerate(h)
	require.NoError(t, err)

	return reg, h
}

func TestRegistry_Lookup(t *testing.T) {
	reg, _ := newRegistry(t, 8)

	p, err := reg.Lookup("atx", hv.Send)
	require.NoError(t, err)
	assert.Equal(t, "atx", p.Name)

	_, err = reg.Lookup("atx", hv.Receive)
	require.ErrorIs(t, err, errno.ErrNotFound)

	_, err = reg.Port(5)
	require.ErrorIs(t, err, errno.ErrNotFound)
}

func TestRegistry_AcquireTwiceIsBusy(t *testing.T) {
	reg, _ := newRegistry(t, 8)

	for _, p := range reg.Ports() {
		require.NoError(t, reg.Acquire(p, port.OwnerLink, nil))

		err := reg.Acquire(p, port.OwnerLink, nil)
		require.ErrorIs(t, err, errno.ErrBusy)
	}
}

func TestRegistry_Buffers(t *testing.T) {
	reg, _ := newRegistry(t, 8)
	p := reg.Ports()[0]

	require.NoError(t, reg.Acquire(p, "", nil))
	assert.Equal(t, port.Owned, p.Buffer().Kind)
	assert.Len(t, p.Buffer().Data, 8)
	assert.Equal(t, port.OwnerPort, p.Owner())

	reg.Release(p)
	assert.Equal(t, port.NoBuffer, p.Buffer().Kind)

	err := reg.Acquire(p, port.OwnerNet, make([]byte, 4))
	require.ErrorIs(t, err, errno.ErrInvalid)
	assert.Equal(t, port.OwnerNone, p.Owner(), "failed acquire must not own")

	external := []byte("external")
	require.NoError(t, reg.Acquire(p, port.OwnerNet, external))
	assert.Equal(t, port.Buffer{Kind: port.Borrowed, Data: external}, p.Buffer())

	reg.Release(p)
	assert.Equal(t, "external", string(external), "borrowed buffer must be untouched")
}

func TestRegistry_ReleaseTwice(t *testing.T) {
	reg, _ := newRegistry(t, 8)
	p := reg.Ports()[1]

	require.NoError(t, reg.Acquire(p, port.OwnerTTY, nil))
	require.NoError(t, p.Arm())

	reg.Release(p)
	assert.False(t, p.Armed())
	assert.Equal(t, 0, p.InUse())

	assert.NotPanics(t, func() { reg.Release(p) })
	assert.Equal(t, 0, p.InUse())

	require.NoError(t, reg.Acquire(p, port.OwnerTTY, nil))
}

func TestPort_Remaining(t *testing.T) {
	reg, h := newRegistry(t, 8)
	rx, tx := reg.Ports()[0], reg.Ports()[1]

	available, err := rx.Available()
	require.NoError(t, err)
	assert.False(t, available)

	_, err = tx.Send([]byte("x"))
	require.NoError(t, err)

	remaining, err := rx.Remaining()
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	remaining, err = tx.Remaining()
	require.NoError(t, err)
	assert.Equal(t, sim.DefaultDepth-1, remaining)

	require.NoError(t, h.Inject("arx", []byte("y")))

	remaining, err = rx.Remaining()
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}

func TestRegistry_WriteConfig(t *testing.T) {
	reg, _ := newRegistry(t, 8)
	require.NoError(t, reg.Acquire(reg.Ports()[1], port.OwnerLink, nil))

	var buf bytes.Buffer
	require.NoError(t, reg.WriteConfig(&buf))

	expected := "# <id> <portname> <direction> <portsize> <use_counter> <type>\n" +
		"0 arx RX 8 0 NONE\n" +
		"1 atx TX 8 1 LINK\n"
	assert.Equal(t, expected, buf.String())
}
