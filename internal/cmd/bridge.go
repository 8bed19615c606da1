// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aibor/vmport/internal/console"
	"github.com/aibor/vmport/internal/device/tty"
	"github.com/aibor/vmport/internal/device/vnet"
	"github.com/aibor/vmport/internal/tap"
)

func runConsole(ctx context.Context, devs *devices, id int, cfg IO) error {
	inst, err := devs.get("tty", id)
	if err != nil {
		return err
	}

	dev, ok := inst.(*tty.Device)
	if !ok {
		return fmt.Errorf("tty %d: %w", id, ErrWrongDevice)
	}

	session, err := dev.Open()
	if err != nil {
		return fmt.Errorf("open tty %d: %w", id, err)
	}
	defer session.Close()

	slog.Info("Console attached", slog.Int("id", id))

	err = console.Attach(ctx, session, cfg.Stdin, cfg.Stdout)
	if errors.Is(err, console.ErrDetached) {
		slog.Info("Console detached", slog.Int("id", id))
		return nil
	}

	return err //nolint:wrapcheck
}

func runTap(ctx context.Context, devs *devices, id int, ifaceName string) error {
	inst, err := devs.get("net", id)
	if err != nil {
		return err
	}

	dev, ok := inst.(*vnet.Device)
	if !ok {
		return fmt.Errorf("net %d: %w", id, ErrWrongDevice)
	}

	if err := dev.Up(); err != nil {
		return fmt.Errorf("net %d up: %w", id, err)
	}
	defer dev.Down()

	iface, err := tap.Create(ifaceName, dev.HardwareAddr())
	if err != nil {
		return fmt.Errorf("net %d: %w", id, err)
	}

	slog.Info("TAP interface created",
		slog.Int("id", id),
		slog.String("interface", iface.Name()),
		slog.String("mac", dev.HardwareAddr().String()))

	err = tap.Bridge(ctx, dev, iface)
	if err != nil {
		return fmt.Errorf("net %d bridge: %w", id, err)
	}

	return nil
}

// serveConfig runs configuration commands read line by line from in until in
// reaches EOF or ctx is done. Failing commands are reported on out and do not
// stop serving.
//
// A read from in that is in progress when serveConfig returns is only finished
// by the next input or EOF.
func serveConfig(ctx context.Context, devs *devices, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	stop := make(chan struct{})

	defer close(stop)

	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}

		readErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					return fmt.Errorf("read commands: %w", err)
				}

				return nil
			}

			if err := devs.exec(line, out); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}
