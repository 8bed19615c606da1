// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package ftty provides serial terminal devices on top of a hypervisor file.
//
// While a terminal is open, a blocking read of the file is kept in flight and
// received bytes are appended to an input queue. Written bytes go to an
// output ring which is written to the file in chunks of up to the frame
// size. Reads and writes each run on their own [worker.Worker].
package ftty

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/aibor/vmport/internal/blockio"
	"github.com/aibor/vmport/internal/devreg"
	"github.com/aibor/vmport/internal/errno"
	"github.com/aibor/vmport/internal/hv"
	"github.com/aibor/vmport/internal/worker"
	"github.com/eapache/queue"
	"golang.org/x/sync/errgroup"
)

const (
	// BootFile is the file name of the boot console.
	BootFile = "console"

	// MaxFrameSize caps the bytes moved by a single file call. It is also
	// the frame size of files that do not report a size.
	MaxFrameSize = 4096

	// RingSize is the capacity of the output ring.
	RingSize = 4096
)

var (
	// ErrClosed is returned for operations on removed devices.
	ErrClosed = fmt.Errorf("terminal closed: %w", errno.ErrIO)

	// ErrBootConsole is returned when removing the boot console.
	ErrBootConsole = fmt.Errorf("boot console can not be removed: %w", errno.ErrBusy)
)

// Device is a terminal device on a file. The file is open while the device
// has sessions.
type Device struct {
	files   hv.Files
	name    string
	boot    bool
	console *BootConsole

	rxWait blockio.WaitQueue
	txWait blockio.WaitQueue

	mu        sync.Mutex
	users     int
	handle    hv.Handle
	frameSize int
	input     *queue.Queue
	offset    int
	output    []byte
	hangup    bool
	err       error
	closed    bool
	cancel    context.CancelFunc
	group     *errgroup.Group
	kick      chan struct{}
}

var (
	_ devreg.Instance  = (*Device)(nil)
	_ devreg.Describer = (*Device)(nil)
)

// New creates a terminal on the named file. The device on [BootFile] is the
// boot console.
func New(files hv.Files, name string) *Device {
	d := &Device{
		files: files,
		name:  name,
		boot:  name == BootFile,
		input: queue.New(),
	}
	d.console = &BootConsole{dev: d}

	return d
}

// Kind returns the device kind description for a [devreg.Registry].
func Kind(files hv.Files) devreg.Kind {
	return devreg.Kind{
		Name:     "ftty",
		MinNames: 1,
		MaxNames: 1,
		Header:   "# <minor> <filename>",
		Policy:   devreg.Force,
		Factory: func(_ int, names []string) (devreg.Instance, error) {
			return New(files, names[0]), nil
		},
		Check: func(op devreg.Op, _ int, names []string) error {
			if op == devreg.OpRemove && names[0] == BootFile {
				return ErrBootConsole
			}

			return nil
		},
	}
}

// Names implements [devreg.Instance].
func (d *Device) Names() []string {
	return []string{d.name}
}

// Describe implements [devreg.Describer].
func (d *Device) Describe() string {
	return d.name
}

// InUse implements [devreg.Instance]. It returns the number of open
// sessions.
func (d *Device) InUse() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.users
}

// Boot reports whether the device is the boot console.
func (d *Device) Boot() bool {
	return d.boot
}

// FrameSize returns the frame size of the open file. It is 0 while the
// device has no sessions.
func (d *Device) FrameSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.frameSize
}

// Detach implements [devreg.Instance]. Pending calls fail with [ErrClosed]
// and the file is closed.
func (d *Device) Detach(force bool) error {
	d.mu.Lock()

	if d.users > 0 && !force {
		d.mu.Unlock()
		return errno.ErrBusy
	}

	d.closed = true
	d.users = 0
	stop := d.stopLocked()
	d.mu.Unlock()

	stop()
	d.console.close()

	d.rxWait.Wake()
	d.txWait.Wake()

	return nil
}

// Open returns a new session. The first session opens the file and starts
// reception.
func (d *Device) Open() (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	if d.users == 0 {
		if err := d.startLocked(); err != nil {
			return nil, err
		}
	}

	d.users++

	return &Session{dev: d}, nil
}

func (d *Device) release() {
	d.mu.Lock()

	if d.closed || d.users == 0 {
		d.mu.Unlock()
		return
	}

	d.users--

	if d.users > 0 {
		d.mu.Unlock()
		return
	}

	stop := d.stopLocked()
	d.mu.Unlock()

	stop()
}

func (d *Device) startLocked() error {
	handle, size, err := d.files.Open(d.name, hv.FlagRead|hv.FlagWrite)
	if err != nil {
		return fmt.Errorf("open %s: %w", d.name, errno.Translate(err))
	}

	frameSize := MaxFrameSize
	if size > 0 && size < MaxFrameSize {
		frameSize = int(size)
	}

	rx := worker.New(d.files)
	tx := worker.New(d.files)
	kick := make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	group := &errgroup.Group{}

	group.Go(func() error { return rx.Run(ctx) })
	group.Go(func() error { return tx.Run(ctx) })
	group.Go(func() error { return d.receiveLoop(ctx, rx, handle, frameSize) })
	group.Go(func() error { return d.transmitLoop(ctx, tx, handle, frameSize, kick) })

	d.handle = handle
	d.frameSize = frameSize
	d.cancel = cancel
	d.group = group
	d.kick = kick
	d.input = queue.New()
	d.offset = 0
	d.output = nil
	d.hangup = false
	d.err = nil

	slog.Debug("Terminal file opened",
		slog.String("file", d.name),
		slog.Int("frame_size", frameSize))

	return nil
}

// stopLocked cancels the running goroutines. The returned function waits
// for them and closes the file. It must be called without d.mu held.
func (d *Device) stopLocked() func() {
	cancel, group, handle := d.cancel, d.group, d.handle
	if cancel == nil {
		return func() {}
	}

	cancel()

	d.cancel = nil
	d.group = nil
	d.frameSize = 0

	return func() {
		if err := group.Wait(); err != nil {
			slog.Warn("Terminal goroutine failed",
				slog.String("file", d.name),
				slog.Any("error", err))
		}

		if err := d.files.Close(handle); err != nil {
			slog.Warn("Failed to close terminal file",
				slog.String("file", d.name),
				slog.Any("error", err))
		}
	}
}

// receiveLoop keeps a read in flight until ctx is done, the file reports
// the end of input or the read fails.
func (d *Device) receiveLoop(ctx context.Context, w *worker.Worker, handle hv.Handle, frameSize int) error {
	buf := make([]byte, frameSize)

	for {
		res, err := w.Do(ctx, &worker.Job{Kind: worker.Read, Owner: handle, Buf: buf})
		if ctx.Err() != nil {
			return nil
		}

		d.mu.Lock()

		if ctx.Err() != nil {
			d.mu.Unlock()
			return nil
		}

		switch {
		case err != nil:
			d.err = fmt.Errorf("read %s: %w", d.name, errno.Translate(err))
		case res.N == 0:
			d.hangup = true
		default:
			d.input.Add(append([]byte(nil), buf[:res.N]...))
		}

		d.mu.Unlock()
		d.rxWait.Wake()

		if err != nil {
			slog.Warn("Terminal read failed",
				slog.String("file", d.name),
				slog.Any("error", err))
		}

		if err != nil || res.N == 0 {
			return nil
		}
	}
}

// transmitLoop writes the output ring to the file each time it is kicked.
// A failed write drops the ring and ends the loop.
func (d *Device) transmitLoop(ctx context.Context, w *worker.Worker, handle hv.Handle, frameSize int, kick <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-kick:
		}

		for {
			var chunk []byte

			d.mu.Lock()
			if ctx.Err() == nil {
				chunk = append(chunk, d.output[:min(len(d.output), frameSize)]...)
			}
			d.mu.Unlock()

			if len(chunk) == 0 {
				break
			}

			res, err := w.Do(ctx, &worker.Job{Kind: worker.Write, Owner: handle, Buf: chunk})
			if ctx.Err() != nil {
				return nil
			}

			if err == nil && res.N == 0 {
				err = io.ErrShortWrite
			}

			d.mu.Lock()
			if ctx.Err() != nil {
				d.mu.Unlock()
				return nil
			}

			if err != nil {
				d.err = fmt.Errorf("write %s: %w", d.name, errno.Translate(err))
				d.output = d.output[:0]
			} else {
				d.output = append(d.output[:0], d.output[res.N:]...)
			}
			d.mu.Unlock()
			d.txWait.Wake()

			if err != nil {
				slog.Warn("Terminal write failed",
					slog.String("file", d.name),
					slog.Any("error", err))

				return nil
			}
		}
	}
}

func (d *Device) failedLocked() error {
	if d.closed {
		return ErrClosed
	}

	if d.err != nil {
		return fmt.Errorf("%w: %w", errno.ErrIO, d.err)
	}

	return nil
}

func (d *Device) read(ctx context.Context, p []byte, nonblock bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	var n int

	take := func() (bool, error) {
		d.mu.Lock()
		defer d.mu.Unlock()

		for n < len(p) && d.input.Length() > 0 {
			chunk, _ := d.input.Peek().([]byte)
			c := copy(p[n:], chunk[d.offset:])
			n += c
			d.offset += c

			if d.offset == len(chunk) {
				d.input.Remove()
				d.offset = 0
			}
		}

		if n > 0 {
			return true, nil
		}

		if err := d.failedLocked(); err != nil {
			return false, err
		}

		return d.hangup, nil
	}

	done, err := take()
	if err != nil || done {
		return n, err
	}

	if nonblock {
		return 0, errno.ErrWouldBlock
	}

	if err := d.rxWait.Wait(ctx, take); err != nil {
		return 0, err
	}

	return n, nil
}

func (d *Device) write(ctx context.Context, p []byte, nonblock bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	var n int

	put := func() (bool, error) {
		d.mu.Lock()
		defer d.mu.Unlock()

		if err := d.failedLocked(); err != nil {
			return false, err
		}

		n = min(len(p), RingSize-len(d.output))
		if n == 0 {
			return false, nil
		}

		d.output = append(d.output, p[:n]...)

		select {
		case d.kick <- struct{}{}:
		default:
		}

		return true, nil
	}

	done, err := put()
	if err != nil || done {
		return n, err
	}

	if nonblock {
		return 0, errno.ErrWouldBlock
	}

	if err := d.txWait.Wait(ctx, put); err != nil {
		return 0, err
	}

	return n, nil
}

// TxEmpty reports whether all output has been written to the file.
func (d *Device) TxEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.output) == 0
}

// Flush blocks until the output ring is empty.
func (d *Device) Flush(ctx context.Context) error {
	return d.txWait.Wait(ctx, func() (bool, error) {
		d.mu.Lock()
		defer d.mu.Unlock()

		if err := d.failedLocked(); err != nil {
			return false, err
		}

		return len(d.output) == 0, nil
	})
}

// Session is an open terminal.
type Session struct {
	dev  *Device
	once sync.Once
}

var (
	_ blockio.Readable = (*Session)(nil)
	_ blockio.Writable = (*Session)(nil)
	_ blockio.Pollable = (*Session)(nil)
)

// Read drains up to len(p) bytes from the input queue. Once the file
// reported the end of input and the queue is empty, it returns 0.
func (s *Session) Read(ctx context.Context, p []byte, nonblock bool) (int, error) {
	return s.dev.read(ctx, p, nonblock)
}

// Write appends as much of p to the output ring as fits. It returns the
// number of bytes accepted.
func (s *Session) Write(ctx context.Context, p []byte, nonblock bool) (int, error) {
	return s.dev.write(ctx, p, nonblock)
}

// Poll implements [blockio.Pollable].
func (s *Session) Poll() blockio.PollEvents {
	d := s.dev

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failedLocked() != nil {
		return blockio.PollErr
	}

	var events blockio.PollEvents

	if d.input.Length() > 0 || d.hangup {
		events |= blockio.PollIn
	}

	if len(d.output) < RingSize {
		events |= blockio.PollOut
	}

	return events
}

// Close ends the session. The last session closes the file.
func (s *Session) Close() {
	s.once.Do(s.dev.release)
}
