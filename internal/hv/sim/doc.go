// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package sim provides an in-process implementation of the hypervisor call
// surface.
//
// Ports are message queues of fixed depth. Send ports are either connected to
// a receive port, so messages sent on one can be received on the other, or
// collect their messages in an outbox that can be drained with
// [Hypervisor.Collect]. Messages can be queued on receive ports with
// [Hypervisor.Inject].
//
// Files are either memory files backed by anonymous shared memory, which can
// be mapped, or stream files that behave like a loopback pipe: bytes written
// can be read back in order.
//
// The topology is described by a [Config], usually read from YAML with
// [LoadConfig]. Memory file contents may be seeded from a cpio archive with
// [Hypervisor.LoadArchive].
package sim
