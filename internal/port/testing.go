// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package port

import (
	"context"
	"testing"

	"github.com/aibor/vmport/internal/hv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// MustEnumerate enumerates the ports of h and fails the test on error.
func MustEnumerate(tb testing.TB, h hv.Ports) *Registry {
	tb.Helper()

	registry, err := Enumerate(h)
	require.NoError(tb, err)

	return registry
}

// MustRunMultiplexer runs a [Multiplexer] for the test's lifetime. It is
// stopped on test cleanup.
func MustRunMultiplexer(tb testing.TB, registry *Registry, h hv.Ports) {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	var group errgroup.Group

	group.Go(func() error { return NewMultiplexer(registry, h).Run(ctx) })

	tb.Cleanup(func() {
		cancel()
		assert.NoError(tb, group.Wait())
	})
}
