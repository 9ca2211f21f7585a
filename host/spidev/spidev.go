// Package spidev drives an external SPI NOR chip straight from a Linux
// host through periph.io, so the flash engine and targets/spinor can
// program a chip on a bench without any firmware in between.
package spidev

import (
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Config selects the SPI port and how chip select is driven.
type Config struct {
	// Port is a spireg name such as "/dev/spidev0.0"; empty picks the
	// first port found.
	Port string `yaml:"port"`
	// CSPin names a GPIO used as chip select. Empty leaves chip select to
	// the port, which deasserts it after every transfer.
	CSPin string           `yaml:"cs_pin"`
	Clock physic.Frequency `yaml:"-"`
	Mode  spi.Mode         `yaml:"-"`
}

// DefaultClock is slow enough for flying leads.
const DefaultClock = 8 * physic.MegaHertz

// OutPin is the part of gpio.PinOut a chip select needs.
type OutPin interface {
	Out(l gpio.Level) error
}

// Bus adapts a periph spi.Conn to the tinygo drivers.SPI interface plus
// the Select hook spinor uses to frame transactions.
//
// Without a GPIO chip select, writes made while selected are held back and
// sent with the next read or at deselect, so one Select frame becomes one
// port transfer. A read followed by more writes in the same frame is not
// supported in that mode.
type Bus struct {
	mu       sync.Mutex
	conn     spi.Conn
	closer   spi.PortCloser
	cs       OutPin
	selected bool
	pending  []byte
	err      error
}

var (
	initOnce sync.Once
	initErr  error
)

// Open initializes periph host drivers and connects to the port.
func Open(cfg Config) (*Bus, error) {
	initOnce.Do(func() {
		_, initErr = host.Init()
	})
	if initErr != nil {
		return nil, errors.Annotate(initErr, "periph host init")
	}

	port, err := spireg.Open(cfg.Port)
	if err != nil {
		return nil, errors.Annotatef(err, "open spi port %q", cfg.Port)
	}
	clock := cfg.Clock
	if clock == 0 {
		clock = DefaultClock
	}
	c, err := port.Connect(clock, cfg.Mode, 8)
	if err != nil {
		port.Close()
		return nil, errors.Annotatef(err, "connect %s", port)
	}

	var cs OutPin
	if cfg.CSPin != "" {
		pin := gpioreg.ByName(cfg.CSPin)
		if pin == nil {
			port.Close()
			return nil, errors.NotFoundf("gpio %s", cfg.CSPin)
		}
		cs = pin
	}
	b := NewBus(c, cs)
	b.closer = port
	glog.V(1).Infof("spidev: %s at %s", c, clock)
	return b, nil
}

// NewBus wraps an existing connection. cs may be nil.
func NewBus(c spi.Conn, cs OutPin) *Bus {
	b := &Bus{conn: c, cs: cs}
	if cs != nil {
		b.setErr(cs.Out(gpio.High))
	}
	return b
}

// Select asserts or releases chip select. Errors are kept and returned by
// the next Tx.
func (b *Bus) Select(selected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if selected == b.selected {
		return
	}
	b.selected = selected
	if b.cs != nil {
		level := gpio.High
		if selected {
			level = gpio.Low
		}
		b.setErr(b.cs.Out(level))
		return
	}
	if !selected && len(b.pending) > 0 {
		b.setErr(b.conn.Tx(b.pending, nil))
		b.pending = b.pending[:0]
	}
}

// Tx writes w while reading into r. Either may be nil; the shorter is
// padded with zeros.
func (b *Bus) Tx(w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeErr(); err != nil {
		return err
	}
	if b.selected && b.cs == nil {
		if r == nil {
			b.pending = append(b.pending, w...)
			return nil
		}
		head := len(b.pending)
		frame := append(b.pending, padded(w, len(r))...)
		rx := make([]byte, len(frame))
		err := b.conn.Tx(frame, rx)
		b.pending = b.pending[:0]
		copy(r, rx[head:])
		return errors.Trace(err)
	}
	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	if r == nil {
		return errors.Trace(b.conn.Tx(w, nil))
	}
	rx := r
	if len(r) < n {
		rx = make([]byte, n)
	}
	err := b.conn.Tx(padded(w, n), rx)
	if len(r) < n {
		copy(r, rx)
	}
	return errors.Trace(err)
}

// Transfer exchanges one byte.
func (b *Bus) Transfer(c byte) (byte, error) {
	var r [1]byte
	err := b.Tx([]byte{c}, r[:])
	return r[0], err
}

// Close releases the port if Open created it.
func (b *Bus) Close() error {
	if b.closer == nil {
		return nil
	}
	return errors.Trace(b.closer.Close())
}

func (b *Bus) setErr(err error) {
	if err != nil && b.err == nil {
		glog.Warningf("spidev: %v", err)
		b.err = err
	}
}

func (b *Bus) takeErr() error {
	err := b.err
	b.err = nil
	return err
}

func padded(w []byte, n int) []byte {
	if len(w) >= n {
		return w
	}
	out := make([]byte, n)
	copy(out, w)
	return out
}
