// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package worker runs blocking hypervisor file calls on a dedicated
// goroutine.
//
// A [Worker] has a single job slot. A caller submits a [Job], the worker
// performs exactly one blocking call for it, stores the result and signals
// completion back to the caller and to an optional completion handler. This
// turns synchronous hypervisor calls into operations the caller can wait on
// with a context.
package worker
