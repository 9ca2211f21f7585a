//go:build rp2040

package main

import (
	"errors"
	"machine"

	"tinygo.org/x/drivers"

	"flashkit/targets/pio"
)

// spiBusConfig is one hardware SPI pin set. Names are the controller
// number followed by a letter per pin option, lowest GPIOs first.
type spiBusConfig struct {
	spi  *machine.SPI
	sck  machine.Pin
	mosi machine.Pin
	miso machine.Pin
}

var spiBuses = map[string]spiBusConfig{
	"spi0a": {spi: machine.SPI0, sck: machine.GPIO2, mosi: machine.GPIO3, miso: machine.GPIO0},
	"spi0b": {spi: machine.SPI0, sck: machine.GPIO6, mosi: machine.GPIO7, miso: machine.GPIO4},
	"spi0c": {spi: machine.SPI0, sck: machine.GPIO18, mosi: machine.GPIO19, miso: machine.GPIO16},
	"spi0d": {spi: machine.SPI0, sck: machine.GPIO22, mosi: machine.GPIO23, miso: machine.GPIO20},
	"spi1a": {spi: machine.SPI1, sck: machine.GPIO10, mosi: machine.GPIO11, miso: machine.GPIO8},
	"spi1b": {spi: machine.SPI1, sck: machine.GPIO14, mosi: machine.GPIO15, miso: machine.GPIO12},
	"spi1c": {spi: machine.SPI1, sck: machine.GPIO26, mosi: machine.GPIO27, miso: machine.GPIO24},
}

// externalNOR wires an optional SPI NOR chip. Bus is a name from
// spiBuses, "pio" for a PIO master on SCK/SDO/SDI, or empty for none.
type externalNOR struct {
	Bus       string
	SCK       machine.Pin
	SDO       machine.Pin
	SDI       machine.Pin
	CS        machine.Pin
	Frequency uint32
}

var errUnknownBus = errors.New("unknown SPI bus")

// openBus configures the bus the chip hangs off.
func openBus(cfg externalNOR) (drivers.SPI, error) {
	if cfg.Bus == "pio" {
		return pio.NewSPI(pio.SPIConfig{SCK: cfg.SCK, SDO: cfg.SDO, SDI: cfg.SDI, Frequency: cfg.Frequency})
	}
	bus, ok := spiBuses[cfg.Bus]
	if !ok {
		return nil, errUnknownBus
	}
	err := bus.spi.Configure(machine.SPIConfig{
		Frequency: cfg.Frequency,
		SCK:       bus.sck,
		SDO:       bus.mosi,
		SDI:       bus.miso,
		Mode:      0,
	})
	if err != nil {
		return nil, err
	}
	return bus.spi, nil
}

// chipSelect drives cs low while selected.
func chipSelect(cs machine.Pin) func(bool) {
	cs.Configure(machine.PinConfig{Mode: machine.PinOutput})
	cs.High()
	return func(selected bool) {
		cs.Set(!selected)
	}
}
