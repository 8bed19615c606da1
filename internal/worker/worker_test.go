// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/aibor/vmport/internal/errno"
	"github.com/aibor/vmport/internal/hv"
	"github.com/aibor/vmport/internal/hv/sim"
	"github.com/aibor/vmport/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startWorker(t *testing.T, opts ...worker.Option) (*worker.Worker, *sim.Hypervisor) {
	t.Helper()

	h := sim.MustNew(t, sim.Config{
		Files: []sim.FileConfig{
			{Name: "mem", Size: 32},
			{Name: "pipe", Kind: sim.FileKindStream},
		},
	})

	w := worker.New(h, opts...)

	ctx, cancel := context.WithCancel(context.Background())

	var group errgroup.Group

	group.Go(func() error { return w.Run(ctx) })

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, group.Wait())
	})

	return w, h
}

func open(t *testing.T, w *worker.Worker, name string) hv.Handle {
	t.Helper()

	res, err := w.Do(context.Background(), &worker.Job{
		Kind:  worker.Open,
		Name:  name,
		Flags: hv.FlagRead | hv.FlagWrite,
	})
	require.NoError(t, err)

	return res.Handle
}

func TestWorker_Jobs(t *testing.T) {
	w, _ := startWorker(t)
	ctx := context.Background()

	res, err := w.Do(ctx, &worker.Job{
		Kind:  worker.Open,
		Name:  "mem",
		Flags: hv.FlagRead | hv.FlagWrite,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(32), res.N)

	handle := res.Handle

	res, err = w.Do(ctx, &worker.Job{Kind: worker.Write, Owner: handle, Buf: []byte("abc")})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.N)

	res, err = w.Do(ctx, &worker.Job{Kind: worker.Seek, Owner: handle, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.N)

	buf := make([]byte, 2)
	res, err = w.Do(ctx, &worker.Job{Kind: worker.Read, Owner: handle, Buf: buf})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.N)
	assert.Equal(t, "bc", string(buf))

	res, err = w.Do(ctx, &worker.Job{Kind: worker.Read, Owner: handle, Buf: nil})
	require.NoError(t, err, "zero length read is no error")
	assert.Zero(t, res.N)

	_, err = w.Do(ctx, &worker.Job{Kind: worker.Close, Owner: handle})
	require.NoError(t, err)

	assert.Equal(t, worker.Idle, w.State())
}

func TestWorker_ErrorStoredVerbatim(t *testing.T) {
	w, _ := startWorker(t)

	job := &worker.Job{Kind: worker.Open, Name: "missing"}
	require.NoError(t, w.Submit(context.Background(), job))

	res, err := job.Wait(context.Background())
	assert.Equal(t, hv.ENOENT, err)
	assert.Equal(t, hv.ENOENT, res.Err)

	_, err = w.Do(context.Background(), &worker.Job{Kind: worker.Idle})
	require.ErrorIs(t, err, errno.ErrInvalid)
}

func TestWorker_SecondJobQueuedOrRejected(t *testing.T) {
	w, h := startWorker(t)
	ctx := context.Background()
	handle := open(t, w, "pipe")

	blocking := &worker.Job{Kind: worker.Read, Owner: handle, Buf: make([]byte, 4)}
	require.NoError(t, w.Submit(ctx, blocking))

	rejected := &worker.Job{Kind: worker.Seek, Owner: handle}
	err := w.TrySubmit(rejected)
	require.ErrorIs(t, err, errno.ErrBusy)

	queued := &worker.Job{Kind: worker.Write, Owner: handle, Buf: []byte("late")}
	submitted := make(chan error, 1)

	go func() {
		submitted <- w.Submit(ctx, queued)
	}()

	select {
	case <-submitted:
		t.Fatal("second job must wait for the slot")
	case <-time.After(20 * time.Millisecond):
	}

	pipe, _, err := h.Open("pipe", hv.FlagWrite)
	require.NoError(t, err)
	_, err = h.Write(ctx, pipe, []byte("data"))
	require.NoError(t, err)

	res, err := blocking.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.N)

	require.NoError(t, <-submitted)

	res, err = queued.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.N)
}

func TestWorker_CompletionHandler(t *testing.T) {
	completed := make(chan worker.Kind, 2)
	w, _ := startWorker(t, worker.WithCompletionHandler(func(job *worker.Job) {
		completed <- job.Kind
	}))

	handle := open(t, w, "mem")

	_, err := w.Do(context.Background(), &worker.Job{Kind: worker.SetEventMask, Owner: handle, Mask: 1})
	require.NoError(t, err)

	assert.Equal(t, worker.Open, <-completed)
	assert.Equal(t, worker.SetEventMask, <-completed)
}

func TestWorker_Stopped(t *testing.T) {
	h := sim.MustNew(t, sim.Config{})
	w := worker.New(h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, w.Run(ctx))
	<-w.Stopped()

	err := w.Submit(context.Background(), &worker.Job{Kind: worker.Open})
	require.ErrorIs(t, err, worker.ErrStopped)
	require.ErrorIs(t, err, errno.ErrIO)

	err = w.TrySubmit(&worker.Job{Kind: worker.Open})
	require.ErrorIs(t, err, worker.ErrStopped)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "wait-event", worker.WaitEvent.String())
	assert.Equal(t, "unknown", worker.Kind(42).String())
}
