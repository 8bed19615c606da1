// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package errno defines the error taxonomy shared by all port and file
// devices and maps it to and from numeric error codes.
//
// Device operations return the sentinel errors of this package, possibly
// wrapped, so callers can use [errors.Is]. Callers that need a Linux errno,
// like a character device frontend, use [Errno]. Hypervisor result codes are
// translated with [FromCode].
package errno
