// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aibor/vmport/internal/hv/sim"
	"github.com/aibor/vmport/internal/port"
	"golang.org/x/sync/errgroup"
)

const localConfigFile = ".vmport"

// IO provides input and output details for the command.
type IO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func mergedFlags(args []string, cfg IO) (*flags, error) {
	args, err := MergedArgs(args, os.DirFS("."), localConfigFile)
	if err != nil {
		return nil, err
	}

	flags, err := parseArgs(args, cfg.Stderr)
	if err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}

	return flags, nil
}

func newHypervisor(flags *flags) (*sim.Hypervisor, error) {
	configFile, err := os.Open(string(flags.configFile))
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer configFile.Close()

	topology, err := sim.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	h, err := sim.New(topology)
	if err != nil {
		return nil, fmt.Errorf("new hypervisor: %w", err)
	}

	if flags.archiveFile == "" {
		return h, nil
	}

	archive, err := os.Open(string(flags.archiveFile))
	if err != nil {
		_ = h.Destroy()
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer archive.Close()

	err = h.LoadArchive(archive)
	if err != nil {
		_ = h.Destroy()
		return nil, fmt.Errorf("load archive: %w", err)
	}

	return h, nil
}

func destroyHypervisor(h *sim.Hypervisor) {
	err := h.Destroy()
	if err != nil {
		slog.Error("Failed to destroy hypervisor", slog.Any("error", err))
	}
}

func dumpArchive(h *sim.Hypervisor, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dump: %w", err)
	}

	err = h.WriteArchive(file)
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("write dump: %w", err)
	}

	err = file.Close()
	if err != nil {
		return fmt.Errorf("close dump: %w", err)
	}

	slog.Debug("Wrote file dump", slog.String("path", path))

	return nil
}

func run(ctx context.Context, flags *flags, cfg IO) error {
	h, err := newHypervisor(flags)
	if err != nil {
		return err
	}
	defer destroyHypervisor(h)

	ports, err := port.Enumerate(h)
	if err != nil {
		return fmt.Errorf("enumerate ports: %w", err)
	}

	slog.Debug("Ports enumerated", slog.Int("count", len(ports.Ports())))

	devs := newDevices(ports, h, flags)
	defer devs.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return port.NewMultiplexer(ports, h).Run(ctx)
	})

	group.Go(func() error {
		// The command ends when the foreground task is done.
		defer cancel()

		err := devs.attach(flags.attach)
		if err != nil {
			return err
		}

		if flags.tap >= 0 {
			group.Go(func() error {
				return runTap(ctx, devs, flags.tap, flags.tapName)
			})
		}

		if flags.console >= 0 {
			return runConsole(ctx, devs, flags.console, cfg)
		}

		return serveConfig(ctx, devs, cfg.Stdin, cfg.Stdout)
	})

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err //nolint:wrapcheck
	}

	if flags.dumpFile != "" {
		return dumpArchive(h, string(flags.dumpFile))
	}

	return nil
}

func handleParseArgsError(err error) int {
	// [ErrHelp] is returned when help is requested. So exit without error
	// in this case.
	if errors.Is(err, ErrHelp) {
		return 0
	}

	// ParseArgs already prints errors, so we just exit without an error.
	if !errors.Is(err, &ParseArgsError{}) {
		slog.Error(err.Error())
	}

	return -1
}

// Run is the main entry point for the CLI command.
func Run(ctx context.Context, args []string, cfg IO) int {
	setupLogging(cfg.Stderr, false)

	flags, err := mergedFlags(args, cfg)
	if err != nil {
		return handleParseArgsError(err)
	}

	setupLogging(cfg.Stderr, flags.debug)

	err = run(ctx, flags, cfg)
	if err != nil {
		slog.Error(err.Error())
		return -1
	}

	return 0
}
