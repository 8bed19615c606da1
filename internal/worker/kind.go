// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package worker

// Kind is the kind of a [Job] and, at the same time, the state of a [Worker]
// that is processing a job of that kind.
type Kind int

// Job kinds. Idle is only used as worker state.
const (
	Idle Kind = iota
	Open
	Read
	Write
	Seek
	SetEventMask
	WaitEvent
	Ioctl
	Map
	Close
)

var kindNames = [...]string{
	Idle:         "idle",
	Open:         "open",
	Read:         "read",
	Write:        "write",
	Seek:         "seek",
	SetEventMask: "set-event-mask",
	WaitEvent:    "wait-event",
	Ioctl:        "ioctl",
	Map:          "map",
	Close:        "close",
}

// String implements [fmt.Stringer].
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}

	return kindNames[k]
}
