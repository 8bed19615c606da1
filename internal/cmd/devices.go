// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aibor/vmport/internal/device/ftty"
	"github.com/aibor/vmport/internal/device/input"
	"github.com/aibor/vmport/internal/device/link"
	"github.com/aibor/vmport/internal/device/shm"
	"github.com/aibor/vmport/internal/device/tty"
	"github.com/aibor/vmport/internal/device/vfile"
	"github.com/aibor/vmport/internal/device/vnet"
	"github.com/aibor/vmport/internal/device/vport"
	"github.com/aibor/vmport/internal/devreg"
	"github.com/aibor/vmport/internal/hv"
	"github.com/aibor/vmport/internal/port"
)

// devices holds the attach/detach registries of all device kinds.
type devices struct {
	ports      *port.Registry
	registries map[string]*devreg.Registry
}

func newDevices(ports *port.Registry, files hv.Files, flags *flags) *devices {
	netOpts := []vnet.Option{
		vnet.WithTask(uint(flags.task)),
		vnet.WithBacklog(int(flags.backlog)),
	}

	d := &devices{
		ports:      ports,
		registries: make(map[string]*devreg.Registry, len(kinds)),
	}

	for _, kind := range []devreg.Kind{
		vport.Kind(ports),
		vfile.Kind(files, vfile.WithFrameSize(int(flags.frameSize))),
		shm.Kind(files),
		vnet.Kind(ports, netOpts...),
		tty.Kind(ports),
		ftty.Kind(files),
		link.Kind(ports),
		input.Kind(ports),
	} {
		d.registries[kind.Name] = devreg.New(kind)
	}

	return d
}

// Close detaches all devices. Kinds are closed in reverse setup order.
func (d *devices) Close() {
	for i := len(kinds) - 1; i >= 0; i-- {
		d.registries[kinds[i]].Close()
	}
}

func (d *devices) registry(kind string) (*devreg.Registry, error) {
	reg, exists := d.registries[kind]
	if !exists {
		return nil, fmt.Errorf("%s: %w", kind, ErrUnknownKind)
	}

	return reg, nil
}

// get returns the instance id of the given kind.
func (d *devices) get(kind string, id int) (devreg.Instance, error) {
	reg, err := d.registry(kind)
	if err != nil {
		return nil, err
	}

	inst, err := reg.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}

	return inst, nil
}

// attach runs the attach requests given by flags.
func (d *devices) attach(requests map[string]*AttachList) error {
	for _, kind := range kinds {
		list := requests[kind]
		if list == nil {
			continue
		}

		for _, command := range *list {
			err := d.registries[kind].Exec(command)
			if err != nil {
				return fmt.Errorf("attach: %w", err)
			}

			slog.Debug("Attached device",
				slog.String("kind", kind),
				slog.String("command", command))
		}
	}

	return nil
}

// exec runs one line of the configuration surface and writes its output to
// w.
//
// "list" writes the port listing and the listings of all kinds, "list
// <kind|ports>" a single one. "<kind> <command>" passes command to the kind's
// registry.
func (d *devices) exec(line string, w io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	if fields[0] == "list" {
		return d.list(w, fields[1:])
	}

	reg, err := d.registry(fields[0])
	if err != nil {
		return err
	}

	return reg.Exec(strings.Join(fields[1:], " ")) //nolint:wrapcheck
}

func (d *devices) list(w io.Writer, selection []string) error {
	if len(selection) == 0 {
		selection = append([]string{"ports"}, kinds...)
	}

	var errs []error

	for _, kind := range selection {
		if kind == "ports" {
			errs = append(errs, d.ports.WriteConfig(w))
			continue
		}

		reg, err := d.registry(kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		errs = append(errs, reg.WriteConfig(w))
	}

	return errors.Join(errs...)
}
