// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/aibor/vmport/internal/errno"
	"github.com/aibor/vmport/internal/hv"
)

// ErrStopped is returned when submitting to a worker that is not running
// anymore.
var ErrStopped = fmt.Errorf("worker stopped: %w", errno.ErrIO)

// CompletionHandler is called on the worker goroutine after a job completed.
// It must not block.
type CompletionHandler func(job *Job)

// Option configures a [Worker].
type Option func(w *Worker)

// WithCompletionHandler sets the handler called after each completed job.
func WithCompletionHandler(handler CompletionHandler) Option {
	return func(w *Worker) {
		w.onComplete = handler
	}
}

// Worker performs one blocking file call at a time.
type Worker struct {
	files      hv.Files
	onComplete CompletionHandler

	jobs    chan *Job
	slot    chan struct{}
	stopped chan struct{}
	state   atomic.Int64
}

// New creates a new worker for the given file call surface. It does nothing
// until [Worker.Run] is called.
func New(files hv.Files, opts ...Option) *Worker {
	w := &Worker{
		files:   files,
		jobs:    make(chan *Job),
		slot:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// State returns the kind of the job in progress or [Idle].
func (w *Worker) State() Kind {
	return Kind(w.state.Load())
}

// Run processes jobs until ctx is done. It must be called exactly once.
//
// Blocking calls in progress get ctx passed, so they return once ctx is
// done. Jobs submitted after Run returned fail with [ErrStopped].
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stopped)

	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-w.jobs:
			w.process(ctx, job)
		}
	}
}

// Stopped returns a channel that is closed once [Worker.Run] returned.
func (w *Worker) Stopped() <-chan struct{} {
	return w.stopped
}

// Submit hands the job to the worker.
//
// If a job is in progress, it blocks until the slot is free, ctx is done or
// the worker stopped. Jobs waiting for the slot are served in submission
// order.
func (w *Worker) Submit(ctx context.Context, job *Job) error {
	select {
	case w.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopped:
		return ErrStopped
	}

	return w.handOver(job)
}

// TrySubmit hands the job to the worker if no job is in progress. Otherwise
// it fails with [errno.ErrBusy].
func (w *Worker) TrySubmit(job *Job) error {
	select {
	case <-w.stopped:
		return ErrStopped
	default:
	}

	select {
	case w.slot <- struct{}{}:
	default:
		return fmt.Errorf("%s job in progress: %w", w.State(), errno.ErrBusy)
	}

	return w.handOver(job)
}

func (w *Worker) handOver(job *Job) error {
	job.done = make(chan struct{})

	select {
	case w.jobs <- job:
		return nil
	case <-w.stopped:
		<-w.slot
		return ErrStopped
	}
}

// Do submits the job and waits for its completion.
func (w *Worker) Do(ctx context.Context, job *Job) (Result, error) {
	if err := w.Submit(ctx, job); err != nil {
		return Result{}, err
	}

	return job.Wait(ctx)
}

func (w *Worker) process(ctx context.Context, job *Job) {
	w.state.Store(int64(job.Kind))

	job.result = w.call(ctx, job)

	slog.Debug("Job completed",
		slog.String("kind", job.Kind.String()),
		slog.Int("owner", int(job.Owner)),
		slog.Int64("result", job.result.N),
		slog.Any("error", job.result.Err))

	w.state.Store(int64(Idle))
	<-w.slot
	close(job.done)

	if w.onComplete != nil {
		w.onComplete(job)
	}
}

func (w *Worker) call(ctx context.Context, job *Job) Result {
	var (
		res Result
		n   int
	)

	switch job.Kind {
	case Open:
		res.Handle, res.N, res.Err = w.files.Open(job.Name, job.Flags)
	case Read:
		n, res.Err = w.files.Read(ctx, job.Owner, job.Buf)
		res.N = int64(n)
	case Write:
		n, res.Err = w.files.Write(ctx, job.Owner, job.Buf)
		res.N = int64(n)
	case Seek:
		res.N, res.Err = w.files.Seek(job.Owner, job.Offset, job.Whence)
	case SetEventMask:
		res.Err = w.files.SetEventMask(job.Owner, job.Mask)
	case WaitEvent:
		var events uint32
		events, res.Err = w.files.WaitEvent(ctx, job.Owner, job.WaitFlags)
		res.N = int64(events)
	case Ioctl:
		res.Err = w.files.Ioctl(job.Owner, job.Cmd, job.Buf, job.InSize, job.OutSize)
	case Map:
		res.Mem, res.Err = w.files.Map(job.Owner, job.Offset, job.Length, job.Flags)
	case Close:
		res.Err = w.files.Close(job.Owner)
	default:
		res.Err = fmt.Errorf("job kind %d: %w", job.Kind, errno.ErrInvalid)
	}

	return res
}
