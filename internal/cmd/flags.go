// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"flag"
	"fmt"
	"io"
	"runtime/debug"
	"strings"

	"github.com/aibor/vmport/internal/device/vfile"
	"github.com/aibor/vmport/internal/device/vnet"
)

const (
	name = "vmport"

	frameSizeMin = 1
	frameSizeMax = vfile.DefaultFrameSize

	backlogMax = 4096

	taskMax = 255

	tapNameDefault = "vmport%d"

	usageMessage = `Usage of 'vmport':
    vmport -config=topology.yaml [flags...]

Attach devices on start:
	vmport -config=topology.yaml -tty=0:ttyrx,ttytx -shm=1:shm:data
	vmport -config=topology.yaml -ftty=0:serial

Bridge a terminal device to the controlling terminal:
	vmport -config=topology.yaml -tty=0:ttyrx,ttytx -console=0

Bridge a network device to a new TAP interface:
	vmport -config=topology.yaml -net=0:netrx,nettx -tap=0

Without -console, device configuration commands are read from stdin, one per
line: "<kind> <id> [names...]" attaches, "<kind> <id>" detaches, "list
[kind|ports]" prints listings.

All vmport flags can also be provided via environment variable VMPORT_ARGS:
	VMPORT_ARGS="-config=topology.yaml -debug" vmport

All vmport flags can also be provided via file ./.vmport, with one argument
per line.
`
)

// kinds lists the device kinds in the order they are set up.
var kinds = []string{"vport", "vfile", "shm", "net", "tty", "ftty", "link", "input"}

type flags struct {
	configFile  FilePath
	archiveFile FilePath
	dumpFile    FilePath

	frameSize uint64
	backlog   uint64
	task      uint64

	attach map[string]*AttachList

	console int
	tap     int
	tapName string

	version bool
	debug   bool

	flagSet *flag.FlagSet
}

func newFlags(output io.Writer) *flags {
	flags := &flags{
		frameSize: vfile.DefaultFrameSize,
		backlog:   vnet.DefaultBacklog,
		attach:    make(map[string]*AttachList, len(kinds)),
		console:   -1,
		tap:       -1,
		tapName:   tapNameDefault,
	}

	flags.initFlagset(output)

	return flags
}

func parseArgs(args []string, output io.Writer) (*flags, error) {
	flags := newFlags(output)

	err := flags.ParseArgs(args)
	if err != nil {
		return nil, err
	}

	return flags, nil
}

func (f *flags) ParseArgs(args []string) error {
	err := f.flagSet.Parse(args)
	if err != nil {
		return &ParseArgsError{msg: "flag parse", err: err}
	}

	// With version flag, just print the version and exit. Using [ErrHelp]
	// the main binary is supposed to return with a non error exit code.
	if f.version {
		err := f.printVersionInformation()
		return &ParseArgsError{msg: "version requested", err: err}
	}

	if f.configFile == "" {
		return f.fail("no topology given (use -config)", nil)
	}

	if f.flagSet.NArg() > 0 {
		return f.fail("unexpected arguments: "+strings.Join(f.flagSet.Args(), " "), nil)
	}

	return nil
}

func (f *flags) initFlagset(output io.Writer) {
	flagSet := flag.NewFlagSet(name, flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = f.usage

	flagSet.Var(
		&f.configFile,
		"config",
		"YAML file describing ports and files of the hypervisor",
	)

	flagSet.Var(
		&f.archiveFile,
		"files",
		"cpio archive with initial contents of virtual files",
	)

	flagSet.Var(
		&f.dumpFile,
		"dump",
		"write the contents of all virtual files as cpio archive on exit",
	)

	flagSet.Var(
		&LimitedUintValue{
			Value: &f.frameSize,
			Lower: frameSizeMin,
			Upper: frameSizeMax,
		},
		"frameSize",
		"maximum transfer size of raw file devices",
	)

	flagSet.Var(
		&LimitedUintValue{
			Value: &f.backlog,
			Lower: 1,
			Upper: backlogMax,
		},
		"backlog",
		"received packets queued per network device",
	)

	flagSet.Var(
		&LimitedUintValue{
			Value: &f.task,
			Upper: taskMax,
		},
		"task",
		"task number used in default MAC addresses of network devices",
	)

	for _, kind := range kinds {
		list := &AttachList{}
		f.attach[kind] = list

		flagSet.Var(
			list,
			kind,
			"attach "+kind+" device ID:NAME[,NAME] on start. Flag may be "+
				"used more than once. Empty value clears the list.",
		)
	}

	flagSet.IntVar(
		&f.console,
		"console",
		f.console,
		"attach the controlling terminal to the tty device with this ID",
	)

	flagSet.IntVar(
		&f.tap,
		"tap",
		f.tap,
		"bridge the net device with this ID to a new TAP interface",
	)

	flagSet.StringVar(
		&f.tapName,
		"tapName",
		f.tapName,
		"name of the TAP interface, %d is replaced by the kernel",
	)

	flagSet.BoolVar(
		&f.debug,
		"debug",
		f.debug,
		"enable debug output",
	)

	flagSet.BoolVar(
		&f.version,
		"version",
		f.version,
		"show version and exit",
	)

	f.flagSet = flagSet
}

// fail fails like flag does. It prints the error first and then usage.
func (f *flags) fail(msg string, err error) error {
	err = &ParseArgsError{msg: msg, err: err}
	fmt.Fprintln(f.flagSet.Output(), err.Error())

	f.flagSet.Usage()

	return err
}

func (f *flags) printVersionInformation() error {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return ErrReadBuildInfo
	}

	fmt.Fprintf(f.flagSet.Output(), "Version: %s\n", buildInfo.Main.Version)

	return ErrHelp
}

func (f *flags) usage() {
	fmt.Fprint(f.flagSet.Output(), usageMessage)
	fmt.Fprintln(f.flagSet.Output(), "\nFlags:")
	f.flagSet.PrintDefaults()
}
