// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package blockio

import (
	"context"
	"sync"
)

// WaitQueue lets goroutines sleep until a condition may have changed.
//
// The zero value is ready to use.
type WaitQueue struct {
	mu sync.Mutex
	ch chan struct{}
}

// Changed returns a channel that is closed on the next [WaitQueue.Wake].
func (q *WaitQueue) Changed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ch == nil {
		q.ch = make(chan struct{})
	}

	return q.ch
}

// Wake wakes all current waiters. It never blocks.
func (q *WaitQueue) Wake() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ch != nil {
		close(q.ch)
		q.ch = nil
	}
}

// Wait blocks until cond returns true, cond fails or ctx is done.
//
// cond is evaluated first and again after every wake up. A wake up that
// happens while cond is evaluated is not lost.
func (q *WaitQueue) Wait(ctx context.Context, cond func() (bool, error)) error {
	for {
		changed := q.Changed()

		done, err := cond()
		if err != nil {
			return err
		}

		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
