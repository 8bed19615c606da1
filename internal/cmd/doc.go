// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cmd provides the CLI command entry point for vmport. It handles flag
// parsing, device setup, the configuration surface on stdin and the host
// bridges.
package cmd
