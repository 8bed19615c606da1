// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package devreg

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/aibor/vmport/internal/errno"
)

// DefaultCapacity is the number of instance slots of a registry without
// explicit capacity.
const DefaultCapacity = 16

// RemovePolicy decides what happens on removal of an instance that is in
// use.
type RemovePolicy int

const (
	// Refuse fails the removal with [errno.ErrBusy].
	Refuse RemovePolicy = iota
	// Force detaches the instance. Its open sessions fail with [errno.ErrIO].
	Force
)

// String implements [fmt.Stringer].
func (p RemovePolicy) String() string {
	if p == Force {
		return "force"
	}

	return "refuse"
}

// Op is the kind of a configuration change.
type Op int

// Configuration changes passed to a [CheckFunc].
const (
	OpAdd Op = iota
	OpRemove
)

// Instance is a device bound by a registry.
type Instance interface {
	// Names returns the port or file names the instance is bound to.
	Names() []string
	// InUse returns the number of open sessions.
	InUse() int
	// Detach releases everything the instance holds. With force set, open
	// sessions are failed. An instance may refuse with [errno.ErrBusy].
	Detach(force bool) error
}

// Describer is implemented by instances with a custom listing line. The
// returned string follows the id.
type Describer interface {
	Describe() string
}

// Factory creates a new instance bound to the given names.
type Factory func(id int, names []string) (Instance, error)

// CheckFunc may veto a configuration change by returning an error.
type CheckFunc func(op Op, id int, names []string) error

// Kind describes a device kind.
type Kind struct {
	// Name of the kind used in logs and errors.
	Name string

	// Capacity is the number of id slots. Valid ids are 0 to Capacity-1.
	Capacity int

	// MinNames and MaxNames bound the number of names an add command takes.
	MinNames int
	MaxNames int

	// Header is the first line of the listing, without trailing newline.
	Header string

	// Policy is applied on removal of instances in use.
	Policy RemovePolicy

	Factory Factory
	Check   CheckFunc
}

// Registry holds the instances of one device kind.
type Registry struct {
	kind Kind

	mu    sync.Mutex
	slots []Instance
}

// New creates a new registry for the given kind.
func New(kind Kind) *Registry {
	if kind.Capacity <= 0 {
		kind.Capacity = DefaultCapacity
	}

	if kind.MinNames <= 0 {
		kind.MinNames = 1
	}

	if kind.MaxNames < kind.MinNames {
		kind.MaxNames = kind.MinNames
	}

	return &Registry{
		kind:  kind,
		slots: make([]Instance, kind.Capacity),
	}
}

// Kind returns the kind description.
func (r *Registry) Kind() Kind {
	return r.kind
}

func (r *Registry) checkID(id int) error {
	if id < 0 || id >= len(r.slots) {
		return fmt.Errorf("id %d out of range [0, %d): %w", id, len(r.slots), errno.ErrInvalid)
	}

	return nil
}

// Add creates a new instance with the given id.
//
// It fails with [errno.ErrBusy] if the id is taken. If the factory fails,
// the registry is left unchanged.
func (r *Registry) Add(id int, names ...string) error {
	if err := r.checkID(id); err != nil {
		return err
	}

	if len(names) < r.kind.MinNames || len(names) > r.kind.MaxNames {
		return fmt.Errorf("%d names given, %d to %d required: %w",
			len(names), r.kind.MinNames, r.kind.MaxNames, errno.ErrInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.slots[id] != nil {
		return fmt.Errorf("id %d: %w", id, errno.ErrBusy)
	}

	if r.kind.Check != nil {
		if err := r.kind.Check(OpAdd, id, names); err != nil {
			return fmt.Errorf("check: %w", err)
		}
	}

	inst, err := r.kind.Factory(id, names)
	if err != nil {
		return err
	}

	r.slots[id] = inst

	slog.Info("Device added",
		slog.String("kind", r.kind.Name),
		slog.Int("id", id),
		slog.String("names", strings.Join(names, " ")))

	return nil
}

// Remove detaches and removes the instance with the given id according to
// the kind's [RemovePolicy].
func (r *Registry) Remove(id int) error {
	if err := r.checkID(id); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.slots[id]
	if inst == nil {
		return fmt.Errorf("id %d: %w", id, errno.ErrNotFound)
	}

	if r.kind.Check != nil {
		if err := r.kind.Check(OpRemove, id, inst.Names()); err != nil {
			return fmt.Errorf("check: %w", err)
		}
	}

	if inUse := inst.InUse(); inUse > 0 && r.kind.Policy == Refuse {
		return fmt.Errorf("id %d has %d open sessions: %w", id, inUse, errno.ErrBusy)
	}

	if err := inst.Detach(r.kind.Policy == Force); err != nil {
		return fmt.Errorf("detach %d: %w", id, err)
	}

	r.slots[id] = nil

	slog.Info("Device removed",
		slog.String("kind", r.kind.Name),
		slog.Int("id", id))

	return nil
}

// Get returns the instance with the given id.
func (r *Registry) Get(id int) (Instance, error) {
	if err := r.checkID(id); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.slots[id]
	if inst == nil {
		return nil, fmt.Errorf("id %d: %w", id, errno.ErrNotFound)
	}

	return inst, nil
}

// Exec runs a textual configuration command.
//
// "<id>" removes the instance id, "<id> <name>..." adds it. Malformed
// commands fail with [errno.ErrInvalid]. All errors are of type
// [ConfigError].
func (r *Registry) Exec(command string) error {
	err := r.exec(command)
	if err != nil {
		err = &ConfigError{Kind: r.kind.Name, Command: command, Err: err}
		slog.Warn("Config command failed", slog.Any("error", err))
	}

	return err
}

func (r *Registry) exec(command string) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return fmt.Errorf("empty command: %w", errno.ErrInvalid)
	}

	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return fmt.Errorf("parse id: %w", errno.ErrInvalid)
	}

	if len(fields) == 1 {
		return r.Remove(id)
	}

	return r.Add(id, fields[1:]...)
}

// WriteConfig writes the listing of all instances.
func (r *Registry) WriteConfig(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	header := r.kind.Header
	if header == "" {
		header = "# <id> <names> <use_counter>"
	}

	if _, err := fmt.Fprintln(w, header); err != nil {
		return err
	}

	for id, inst := range r.slots {
		if inst == nil {
			continue
		}

		var line string
		if d, ok := inst.(Describer); ok {
			line = d.Describe()
		} else {
			line = strings.Join(inst.Names(), " ") + " " + strconv.Itoa(inst.InUse())
		}

		if _, err := fmt.Fprintf(w, "%d %s\n", id, line); err != nil {
			return err
		}
	}

	return nil
}

// Close forcibly detaches all instances regardless of the policy. Instances
// that refuse are logged and dropped.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, inst := range r.slots {
		if inst == nil {
			continue
		}

		if err := inst.Detach(true); err != nil {
			slog.Warn("Failed to detach device",
				slog.String("kind", r.kind.Name),
				slog.Int("id", id),
				slog.Any("error", err))
		}

		r.slots[id] = nil
	}
}
