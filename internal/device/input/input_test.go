// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package input_test

import (
	"context"
	"testing"
	"time"

	"github.com/aibor/vmport/internal/devreg"
	"github.com/aibor/vmport/internal/device/input"
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

func record(t *testing.T, ev input.Event) []byte {
	t.Helper()

	data, err := ev.MarshalBinary()
	require.NoError(t, err)

	return data
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}

	return out
}

func TestDecode(t *testing.T) {
	stamp := time.Unix(1700000000, 250000000)
	key := input.Event{Time: stamp, Type: input.TypeKey, Code: 30, Value: 1}
	syn := input.Event{Time: stamp, Type: input.TypeSyn}
	abs := input.Event{Time: stamp, Type: input.TypeAbs, Code: 1, Value: -5}
	unknown := input.Event{Time: stamp, Type: 0x17}

	tests := []struct {
		name            string
		frame           []byte
		expected        []input.Event
		expectedSkipped int
		expectedRest    int
	}{
		{
			name:     "records",
			frame:    concat(record(t, key), record(t, syn)),
			expected: []input.Event{key, syn},
		},
		{
			name:         "incomplete tail",
			frame:        concat(record(t, abs), []byte{1, 2, 3}),
			expected:     []input.Event{abs},
			expectedRest: 3,
		},
		{
			name:         "too short",
			frame:        []byte{1, 2},
			expectedRest: 2,
		},
		{
			// Type 0x17 makes the decoder skip byte by byte. None of the
			// shifted records has a known type before the tail is too short.
			name:            "unknown type",
			frame:           record(t, unknown),
			expectedSkipped: 1,
			expectedRest:    15,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, skipped, rest := input.Decode(tt.frame)

			require.Len(t, events, len(tt.expected))

			for i := range tt.expected {
				assert.True(t, tt.expected[i].Time.Equal(events[i].Time))
				assert.Equal(t, tt.expected[i].Type, events[i].Type)
				assert.Equal(t, tt.expected[i].Code, events[i].Code)
				assert.Equal(t, tt.expected[i].Value, events[i].Value)
			}

			assert.Equal(t, tt.expectedSkipped, skipped)
			assert.Equal(t, tt.expectedRest, rest)
		})
	}
}

func TestType_String(t *testing.T) {
	assert.Equal(t, "EV_KEY", input.TypeKey.String())
	assert.Equal(t, "EV_0x17", input.Type(0x17).String())
}

func newRegistry(t *testing.T) (*devreg.Registry, *sim.Hypervisor, *port.Registry) {
	t.Helper()

	h := sim.MustNew(t, sim.Config{
		Ports: []sim.PortConfig{
			{Name: input.DefaultPort, Direction: hv.Receive, FrameSize: 4 * input.RecordSize},
		},
	})

	ports := port.MustEnumerate(t, h)
	port.MustRunMultiplexer(t, ports, h)

	reg := devreg.New(input.Kind(ports))
	t.Cleanup(reg.Close)

	return reg, h, ports
}

func TestDevice(t *testing.T) {
	reg, h, ports := newRegistry(t)

	require.NoError(t, reg.Add(0))
	require.ErrorIs(t, reg.Add(1, input.DefaultPort), errno.ErrBusy)

	inst, err := reg.Get(0)
	require.NoError(t, err)

	dev := inst.(*input.Device)

	p, err := ports.Lookup(input.DefaultPort, hv.Receive)
	require.NoError(t, err)
	assert.Equal(t, port.OwnerInput, p.Owner())

	stamp := time.Unix(10, 0)
	frame := concat(
		record(t, input.Event{Time: stamp, Type: input.TypeRel, Code: 0, Value: 3}),
		record(t, input.Event{Time: stamp, Type: input.TypeSyn}),
	)
	require.NoError(t, h.Inject(input.DefaultPort, frame))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := dev.ReadEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, input.TypeRel, ev.Type)
	assert.EqualValues(t, 3, ev.Value)

	select {
	case ev := <-dev.Events():
		assert.Equal(t, input.TypeSyn, ev.Type)
	case <-ctx.Done():
		t.Fatal("no event")
	}

	require.NoError(t, reg.Remove(0))

	_, err = dev.ReadEvent(ctx)
	require.ErrorIs(t, err, input.ErrClosed)
	require.ErrorIs(t, err, errno.ErrIO)
	assert.Equal(t, port.OwnerNone, p.Owner())
}
