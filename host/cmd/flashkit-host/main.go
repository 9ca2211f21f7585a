// Command flashkit-host programs flash through a flashkit bootloader, or
// through an in-process engine for a simulated array or a chip on a host
// SPI port.
package main

import (
	goflag "flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"flashkit/bootloader"
	"flashkit/core"
)

var (
	port    = flag.String("port", "", "Serial port of the bootloader, e.g. /dev/ttyACM0")
	baud    = flag.Int("baud", 250000, "Baud rate (ignored for USB CDC)")
	timeout = flag.Duration("timeout", 5*time.Second, "Timeout for each device response")
	retries = flag.Int("retries", 2, "Resends after a link timeout or a busy device")
	verbose = flag.Bool("verbose", false, "Verbose output")

	simFlag    = flag.Bool("sim", false, "Program a simulated array in this process instead of a device")
	simFile    = flag.String("sim-file", "", "Backing file for --sim, loaded before and saved after the command")
	spiPort    = flag.String("spidev", "", "Program a SPI NOR chip on this host SPI port, e.g. /dev/spidev0.0")
	spiCS      = flag.String("spi-cs", "", "GPIO used as chip select for --spidev")
	spiClock   = flag.String("spi-clock", "8MHz", "SPI clock for --spidev")
	spiFlags   = flag.Bool("spi-flag-status", false, "Read the flag status register after program and erase")
	profileArg = flag.String("profile", "", "JSON device profile for --sim or --spidev")

	devFlag  = flag.Uint8("dev", 0, "Device id")
	addr     = flag.Uint32("addr", 0, "Start address")
	length   = flag.Int("len", 0, "Length in bytes")
	start    = flag.Uint32("start", 0, "First sector")
	end      = flag.Uint32("end", 0, "Last sector")
	erase    = flag.String("erase", "sectors", "Erase before write: sectors, bank or none")
	verify   = flag.Bool("verify", true, "Compare checksums after writing")
	stream   = flag.Int("stream", 0, "Queue up to this many chunks on the device; 0 writes one at a time")
	out      = flag.String("out", "", "Output file for read; stdout if empty")
	withInfo = flag.Bool("info-block", false, "Also erase the info block with erase-bank")

	versionFlag = flag.Bool("version", false, "Print version and exit")
	helpFull    = flag.Bool("helpfull", false, "Show full help, including advanced flags")
)

var hiddenFlags = []string{
	"alsologtostderr",
	"log_backtrace_at",
	"log_dir",
	"logtostderr",
	"stderrthreshold",
	"v",
	"vmodule",
}

type handler func() error

type command struct {
	name     string
	handler  handler
	short    string
	args     string
	required []string
	optional []string
}

var commands = []command{
	{"info", cmdInfo, "Show the array layout and execute mode", "", nil, []string{"dev"}},
	{"dict", cmdDict, "Print the bootloader dictionary", "", nil, nil},
	{"write", cmdWrite, "Erase, write and verify an image", "FILE", []string{"addr"}, []string{"dev", "erase", "verify", "stream"}},
	{"read", cmdRead, "Read a range of the array", "", []string{"addr", "len"}, []string{"dev", "out"}},
	{"verify", cmdVerify, "Compare an image with the array", "FILE", []string{"addr"}, []string{"dev"}},
	{"erase", cmdErase, "Erase sectors start through end", "", []string{"start", "end"}, []string{"dev"}},
	{"erase-bank", cmdEraseBank, "Erase the whole array", "", nil, []string{"dev", "info-block"}},
	{"plan", cmdPlan, "Run a YAML programming plan", "FILE", nil, nil},
	{"stats", cmdStats, "Show the device counters", "", nil, []string{"dev"}},
}

func initFlags() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	for _, f := range hiddenFlags {
		flag.CommandLine.MarkHidden(f)
	}
	flag.Usage = usage
}

func checkFlags(names []string) error {
	for _, name := range names {
		f := flag.Lookup(name)
		if f == nil || !f.Changed {
			return errors.Errorf("--%s is required", name)
		}
	}
	return nil
}

func usage() {
	w := tabwriter.NewWriter(os.Stderr, 0, 0, 1, ' ', 0)
	fmt.Fprintf(w, "flashkit host tool %s\n\n", bootloader.Version)
	fmt.Fprintf(w, "Usage:\n  %s [flags] <command> [args]\n\nCommands:\n", os.Args[0])
	for _, c := range commands {
		fmt.Fprintf(w, "  %s %s\t\t%s\n", c.name, c.args, c.short)
	}
	fmt.Fprintf(w, "\nFlags:\n")
	if *helpFull {
		for _, f := range hiddenFlags {
			if fl := flag.Lookup(f); fl != nil {
				fl.Hidden = false
			}
		}
	}
	fmt.Fprint(w, flag.CommandLine.FlagUsages())
	w.Flush()
}

func run() error {
	for _, c := range commands {
		if c.name != flag.Arg(0) {
			continue
		}
		if err := checkFlags(c.required); err != nil {
			return errors.Trace(err)
		}
		if c.args != "" && flag.NArg() < 2 {
			return errors.Errorf("%s needs %s", c.name, c.args)
		}
		return errors.Trace(c.handler())
	}
	usage()
	return nil
}

func main() {
	initFlags()
	flag.Parse()

	if *versionFlag {
		fmt.Printf("flashkit host tool\nVersion: %s\n", bootloader.Version)
		return
	}
	if *helpFull {
		usage()
		return
	}
	if *verbose {
		core.SetDebugEnabled(true)
	}
	core.SetDebugWriter(func(msg string) { glog.V(1).Info(msg) })

	if err := run(); err != nil {
		glog.Infof("Error: %+v", err)
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
