// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package devreg

import "strconv"

// ConfigError wraps errors of a single configuration command.
type ConfigError struct {
	Kind    string
	Command string
	Err     error
}

// Error implements the [error] interface.
func (e *ConfigError) Error() string {
	return e.Kind + " config " + strconv.Quote(e.Command) + ": " + e.Err.Error()
}

// Is implements the [errors.Is] interface.
func (*ConfigError) Is(other error) bool {
	_, ok := other.(*ConfigError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *ConfigError) Unwrap() error {
	return e.Err
}
