// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sim

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/aibor/vmport/internal/hv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultDepth is the queue depth of ports without explicit depth.
	DefaultDepth = 8

	// FileKindMemory is a fixed size file backed by shared memory.
	FileKindMemory FileKind = "memory"
	// FileKindStream is a loopback byte stream without size.
	FileKindStream FileKind = "stream"
)

var (
	// ErrConfigInvalid is returned if a [Config] is inconsistent.
	ErrConfigInvalid = errors.New("invalid config")

	// ErrFileKindInvalid is returned if a file kind is unknown.
	ErrFileKindInvalid = errors.New("unknown file kind")
)

// FileKind is the behavior of a simulated file.
type FileKind string

func (k FileKind) isKnown() bool {
	return slices.Contains([]FileKind{FileKindMemory, FileKindStream}, k)
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (k *FileKind) UnmarshalText(text []byte) error {
	kind := FileKind(text)
	if !kind.isKnown() {
		return ErrFileKindInvalid
	}

	*k = kind

	return nil
}

// PortConfig describes one virtual port.
type PortConfig struct {
	Name      string       `yaml:"name"`
	Direction hv.Direction `yaml:"direction"`
	FrameSize int          `yaml:"frame_size"`
	Depth     int          `yaml:"depth"`
}

// ConnectionConfig connects a send port to a receive port.
type ConnectionConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// FileConfig describes one virtual file.
type FileConfig struct {
	Name     string   `yaml:"name"`
	Kind     FileKind `yaml:"kind"`
	Size     int64    `yaml:"size"`
	ReadOnly bool     `yaml:"read_only"`
}

// Config is the topology of a simulated hypervisor.
type Config struct {
	Ports       []PortConfig       `yaml:"ports"`
	Connections []ConnectionConfig `yaml:"connections"`
	Files       []FileConfig       `yaml:"files"`
}

// LoadConfig decodes a YAML topology. Unknown fields are rejected.
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for consistency.
func (c *Config) Validate() error {
	ports := make(map[string]hv.Direction, len(c.Ports))

	for _, port := range c.Ports {
		if port.Name == "" {
			return fmt.Errorf("%w: port without name", ErrConfigInvalid)
		}

		if _, exists := ports[port.Name]; exists {
			return fmt.Errorf("%w: duplicate port %s", ErrConfigInvalid, port.Name)
		}

		if port.FrameSize <= 0 {
			return fmt.Errorf("%w: port %s: frame size must be positive", ErrConfigInvalid, port.Name)
		}

		if port.Depth < 0 {
			return fmt.Errorf("%w: port %s: negative depth", ErrConfigInvalid, port.Name)
		}

		ports[port.Name] = port.Direction
	}

	connected := map[string]bool{}

	for _, conn := range c.Connections {
		from, fromExists := ports[conn.From]
		to, toExists := ports[conn.To]

		switch {
		case !fromExists || !toExists:
			return fmt.Errorf("%w: connection %s -> %s: unknown port", ErrConfigInvalid, conn.From, conn.To)
		case from != hv.Send || to != hv.Receive:
			return fmt.Errorf("%w: connection %s -> %s: wrong direction", ErrConfigInvalid, conn.From, conn.To)
		case connected[conn.From]:
			return fmt.Errorf("%w: port %s connected twice", ErrConfigInvalid, conn.From)
		}

		connected[conn.From] = true
	}

	files := map[string]bool{}

	for _, file := range c.Files {
		if file.Name == "" {
			return fmt.Errorf("%w: file without name", ErrConfigInvalid)
		}

		if files[file.Name] {
			return fmt.Errorf("%w: duplicate file %s", ErrConfigInvalid, file.Name)
		}

		if file.Kind == "" {
			file.Kind = FileKindMemory
		}

		if !file.Kind.isKnown() {
			return fmt.Errorf("%w: file %s: %w", ErrConfigInvalid, file.Name, ErrFileKindInvalid)
		}

		if file.Size < 0 {
			return fmt.Errorf("%w: file %s: negative size", ErrConfigInvalid, file.Name)
		}

		files[file.Name] = true
	}

	return nil
}
