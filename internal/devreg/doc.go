// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package devreg provides the runtime attach and detach surface shared by all
// device kinds.
//
// Each device kind has one [Registry]. Instances are added and removed with
// textual commands: "<id> <name1> [name2]" adds the device id bound to the
// named ports or file, "<id>" removes it. [Registry.WriteConfig] lists the
// active instances.
package devreg
