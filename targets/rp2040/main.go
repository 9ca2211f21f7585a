//go:build rp2040

// Command rp2040 is the flashkit bootloader for RP2040 boards. Device 0 is
// the data region of the boot flash after this image; device 1 is an
// optional SPI NOR chip.
package main

import (
	"errors"
	"machine"
	"time"

	"flashkit/bootloader"
	"flashkit/core"
	"flashkit/targets/rp2040/romflash"
	"flashkit/targets/spinor"
)

// extNOR is the board wiring of the external chip. Set Bus to "" on
// boards without one.
var extNOR = externalNOR{
	Bus:       "spi1a",
	CS:        machine.GPIO9,
	Frequency: 16000000,
}

// maxWriteFailures is how many failed USB writes in a row mean the host
// went away.
const maxWriteFailures = 10

var errStalled = errors.New("usb write stalled")

func main() {
	// Disable a watchdog left running by a previous image.
	if err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0}); err != nil {
		return
	}
	usb := initUSB()

	cfg := core.Config{Now: engineNow}
	devs := core.NewRegistry(2)
	if err := devs.Register(0, core.DeviceSpec{Controller: romflash.New(machine.Flash), Config: cfg}); err == nil {
		devs.Open(0)
	}
	if extNOR.Bus != "" {
		// A missing chip leaves device 1 unregistered; the host sees
		// invalid handle for it.
		registerExternal(devs, cfg)
	}

	srv := bootloader.NewServer(devs, usb)
	srv.Dictionary().AddConstant("MCU", "rp2040")
	srv.Dictionary().AddConstant("CLOCK_FREQ", ClockFreq)
	srv.Dictionary().AddConstant("FLASH_DATA_START", uint32(machine.FlashDataStart()))

	buf := make([]byte, 64)
	disconnected := false
	for {
		func() {
			// A panicking command must not take the bootloader down.
			defer func() {
				if r := recover(); r != nil {
					srv.Reset()
				}
			}()

			n, _ := usb.Read(buf)
			if n == 0 {
				return
			}
			if disconnected {
				srv.Reset()
				disconnected = false
			}
			if err := srv.Feed(buf[:n]); err != nil && usb.failures > maxWriteFailures {
				disconnected = true
				usb.failures = 0
			}
		}()
		time.Sleep(100 * time.Microsecond)
	}
}

func registerExternal(devs *core.Registry, cfg core.Config) error {
	bus, err := openBus(extNOR)
	if err != nil {
		return err
	}
	ctrl := spinor.New(bus, chipSelect(extNOR.CS), spinor.Config{})
	if _, err := ctrl.Probe(); err != nil {
		return err
	}
	if err := devs.Register(1, core.DeviceSpec{Controller: ctrl, Config: cfg}); err != nil {
		return err
	}
	_, err = devs.Open(1)
	return err
}
