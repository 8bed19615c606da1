// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package blockio implements the blocking and non-blocking read and write
// algorithm shared by all port based devices.
//
// A [Stream] transfers whole frames on an [Endpoint]. If nothing can be
// transferred, a non-blocking request fails with [errno.ErrWouldBlock] and a
// blocking request arms the endpoint and sleeps on the stream's [WaitQueue]
// until the endpoint's interrupt handler wakes it. Devices express what they
// support with the capability interfaces [Readable], [Writable], [Seekable]
// and [Pollable].
package blockio
