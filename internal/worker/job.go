// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package worker

import (
	"context"

	"github.com/aibor/vmport/internal/hv"
)

// Job is a single blocking operation.
//
// Only the fields relevant for the Kind need to be set. A Job must not be
// submitted more than once.
type Job struct {
	Kind Kind

	// Owner is the handle of the session that issued the job. Unused for
	// [Open].
	Owner hv.Handle

	// Name is the file name for [Open].
	Name string

	// Flags are the open flags for [Open] and the access flags for [Map].
	Flags hv.OpenFlag

	// Buf is the data buffer for [Read], [Write] and [Ioctl].
	Buf []byte

	// Offset is used by [Seek] and [Map], Whence by [Seek] and Length by
	// [Map].
	Offset int64
	Whence int
	Length int64

	// Cmd, InSize and OutSize are used by [Ioctl].
	Cmd     uint32
	InSize  int
	OutSize int

	// Mask is the event mask for [SetEventMask].
	Mask uint32

	// WaitFlags modify [WaitEvent].
	WaitFlags hv.WaitFlag

	result Result
	done   chan struct{}
}

// Result is the outcome of a [Job].
type Result struct {
	// N is the byte count of [Read] and [Write], the position after [Seek],
	// the size after [Open] and the events of [WaitEvent].
	N int64

	// Handle is the handle returned by [Open].
	Handle hv.Handle

	// Mem is the memory returned by [Map].
	Mem []byte

	// Err is the error returned by the hypervisor call, unmodified.
	Err error
}

// Wait blocks until the job is completed or ctx is done.
//
// The returned error is the job's error or the context's error. If the
// context is done first, the job still runs to completion.
func (j *Job) Wait(ctx context.Context) (Result, error) {
	select {
	case <-j.done:
		return j.result, j.result.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done returns a channel that is closed once the job is completed.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Result returns the result of a completed job. It must only be called after
// [Job.Done] is closed.
func (j *Job) Result() Result {
	return j.result
}
