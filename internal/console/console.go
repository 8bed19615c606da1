// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package console attaches a host terminal to a terminal device.
package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// EscapeByte detaches the console when typed (Ctrl-]).
const EscapeByte = 0x1d

const bufferSize = 256

// ErrDetached is returned when the escape byte was read.
var ErrDetached = errors.New("console detached")

// Terminal is the device side of a console.
type Terminal interface {
	Read(ctx context.Context, p []byte, nonblock bool) (int, error)
	Write(ctx context.Context, p []byte, nonblock bool) (int, error)
}

// Attach forwards in to the terminal and the terminal's output to out until
// ctx is done, in reaches EOF or [EscapeByte] is read.
//
// If in is a terminal, it is put into raw mode for the duration of the call.
// A read from in that is in progress when Attach returns is only finished by
// the next input or EOF.
func Attach(ctx context.Context, tty Terminal, in io.Reader, out io.Writer) error {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		state, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}

		defer term.Restore(int(f.Fd()), state) //nolint:errcheck
	}

	input := make(chan []byte)
	inputErr := make(chan error, 1)
	stop := make(chan struct{})

	defer close(stop)

	go readInput(in, input, inputErr, stop)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return forwardInput(ctx, tty, input, inputErr)
	})

	group.Go(func() error {
		return forwardOutput(ctx, tty, out)
	})

	err := group.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}

	return err
}

func readInput(in io.Reader, input chan<- []byte, inputErr chan<- error, stop <-chan struct{}) {
	for {
		buf := make([]byte, bufferSize)

		n, err := in.Read(buf)
		if n > 0 {
			select {
			case input <- buf[:n]:
			case <-stop:
				return
			}
		}

		if err != nil {
			inputErr <- err
			close(input)

			return
		}
	}
}

func forwardInput(ctx context.Context, tty Terminal, input <-chan []byte, inputErr <-chan error) error {
	for {
		var data []byte

		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-input:
			if !ok {
				return <-inputErr
			}

			data = chunk
		}

		escaped := false
		if i := bytes.IndexByte(data, EscapeByte); i >= 0 {
			data = data[:i]
			escaped = true
		}

		for len(data) > 0 {
			n, err := tty.Write(ctx, data, false)
			if err != nil {
				return fmt.Errorf("write terminal: %w", err)
			}

			data = data[n:]
		}

		if escaped {
			return ErrDetached
		}
	}
}

func forwardOutput(ctx context.Context, tty Terminal, out io.Writer) error {
	buf := make([]byte, bufferSize)

	for {
		n, err := tty.Read(ctx, buf, false)
		if err != nil {
			return err
		}

		if _, err := out.Write(buf[:n]); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
}
