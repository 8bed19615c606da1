// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package hv describes the hypervisor call surface consumed by the port and
// file devices.
//
// All calls are synchronous. Calls that may block for an unbounded time take
// a [context.Context] so the calling worker can be torn down. Errors returned
// by implementations are of type [Errno], carrying the negative result code
// of the hypervisor.
package hv
