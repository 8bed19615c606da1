// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package hv

import (
	"errors"
	"slices"
)

// ErrDirectionInvalid is returned if a port direction is invalid.
var ErrDirectionInvalid = errors.New("unknown port direction")

const (
	// Receive ports deliver messages to the guest.
	Receive Direction = iota
	// Send ports take messages from the guest.
	Send
)

// Direction is the direction of a virtual port.
type Direction int

var directionNames = []string{
	Receive: "RX",
	Send:    "TX",
}

func (d Direction) isKnown() bool {
	return d == Receive || d == Send
}

// String implements [fmt.Stringer].
func (d Direction) String() string {
	if !d.isKnown() {
		return ""
	}

	return directionNames[d]
}

// MarshalText implements [encoding.TextMarshaler].
func (d Direction) MarshalText() ([]byte, error) {
	s := d.String()
	if s == "" {
		return nil, ErrDirectionInvalid
	}

	return []byte(s), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
//
// Besides the short names "RX" and "TX", the long forms "receive" and "send"
// are accepted.
func (d *Direction) UnmarshalText(text []byte) error {
	switch s := string(text); {
	case s == "receive":
		*d = Receive
	case s == "send":
		*d = Send
	default:
		idx := slices.Index(directionNames, s)
		if idx < 0 {
			return ErrDirectionInvalid
		}

		*d = Direction(idx)
	}

	return nil
}
