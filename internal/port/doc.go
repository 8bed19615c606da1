// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package port provides the registry of the hypervisor's virtual ports and
// the multiplexer that turns port readiness into synthetic interrupts.
//
// The [Registry] is populated once with [Enumerate]. Devices take exclusive
// ownership of ports with [Registry.Acquire] and give it back with
// [Registry.Release]. While owned, a port may have a [Handler] that is called
// by the [Multiplexer] whenever the port became ready after it was armed.
package port
