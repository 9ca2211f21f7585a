// Package rza1 drives the SPI multi-I/O bus controller (SPIBSC) of the
// Renesas RZ/A1. The controller serves execute-in-place reads in external
// address space mode and runs manual SPI transfers in SPI operating mode;
// programming happens through a spinor.Controller on top of the SPI mode
// bus.
package rza1

import (
	"io"

	"flashkit/core"
	"flashkit/targets/spinor"
)

// SPIBSC register offsets
const (
	RegCMNCR  uintptr = 0x00
	RegSSLDR  uintptr = 0x04
	RegSPBCR  uintptr = 0x08
	RegDRCR   uintptr = 0x0C
	RegDRCMR  uintptr = 0x10
	RegDREAR  uintptr = 0x14
	RegDROPR  uintptr = 0x18
	RegDRENR  uintptr = 0x1C
	RegSMCR   uintptr = 0x20
	RegSMCMR  uintptr = 0x24
	RegSMADR  uintptr = 0x28
	RegSMOPR  uintptr = 0x2C
	RegSMENR  uintptr = 0x30
	RegSMRDR0 uintptr = 0x38
	RegSMRDR1 uintptr = 0x3C
	RegSMWDR0 uintptr = 0x40
	RegSMWDR1 uintptr = 0x44
	RegCMNSR  uintptr = 0x48
)

// CMNCR bits
const (
	// CMNCRMD selects SPI operating mode; clear is external address mode.
	CMNCRMD uint32 = 1 << 31
)

// DRCR bits
const (
	DRCRSSLN uint32 = 1 << 24
	DRCRRBE  uint32 = 1 << 8
	DRCRRCF  uint32 = 1 << 9
)

// SMCR bits
const (
	SMCRSPIE  uint32 = 1 << 0
	SMCRSPIWE uint32 = 1 << 1
	SMCRSPIRE uint32 = 1 << 2
	SMCRSSLKP uint32 = 1 << 8
)

// SMENRSPIDE enables the data phase and sets its width.
var SMENRSPIDE = core.Field[uint32]{Shift: 0, Width: 4}

// SPIDE value for an 8-bit data phase
const spide8 = 0x8

// CMNSR bits
const (
	CMNSRTEND uint32 = 1 << 0
	CMNSRSSLF uint32 = 1 << 1
)

// DefaultPollLimit bounds the wait for a single byte transfer.
const DefaultPollLimit = 10000

// Geometry of the 64 MiB serial flash on the RZ/A1 boards.
var Geometry = core.Geometry{
	Size:        64 << 20,
	WordSize:    1,
	PageSize:    256,
	SectorSize:  64 * 1024,
	EraseValue:  0xFF,
	PageProgram: true,
}

// Bus runs single byte transfers in SPI operating mode. It satisfies the
// tinygo.org/x/drivers SPI interface. Chip select is asserted by the first
// transfer and held until Select(false).
type Bus struct {
	regs      core.Registers
	pollLimit int
}

// Tx shifts w out and r in, one byte per transfer. A nil w sends zeros.
func (b *Bus) Tx(w, r []byte) error {
	if b.regs.Load(RegCMNCR)&CMNCRMD == 0 {
		return core.ErrDeviceBusy
	}
	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	for i := 0; i < n; i++ {
		var out byte
		if i < len(w) {
			out = w[i]
		}
		in, err := b.transfer(out)
		if err != nil {
			return err
		}
		if i < len(r) {
			r[i] = in
		}
	}
	return nil
}

func (b *Bus) Transfer(w byte) (byte, error) {
	if b.regs.Load(RegCMNCR)&CMNCRMD == 0 {
		return 0, core.ErrDeviceBusy
	}
	return b.transfer(w)
}

func (b *Bus) transfer(w byte) (byte, error) {
	b.regs.Store(RegSMENR, SMENRSPIDE.Set(0, spide8))
	b.regs.Store(RegSMWDR0, uint32(w))
	b.regs.Store(RegSMCR, SMCRSSLKP|SMCRSPIRE|SMCRSPIWE|SMCRSPIE)
	for i := 0; b.regs.Load(RegCMNSR)&CMNSRTEND == 0; i++ {
		if i >= b.pollLimit {
			return 0, core.ErrHardwareTimeout
		}
	}
	return byte(b.regs.Load(RegSMRDR0)), nil
}

// Select negates SSL when selected is false. Assertion happens with the
// next transfer.
func (b *Bus) Select(selected bool) {
	if !selected {
		b.regs.Store(RegDRCR, b.regs.Load(RegDRCR)|DRCRSSLN)
	}
}

// Controller is one SPIBSC channel and the serial flash behind it. It
// starts in external address mode.
type Controller struct {
	*spinor.Controller
	regs core.Registers
	bus  *Bus
	mem  io.ReaderAt
}

// New binds a controller to its register block. mem reads the external
// address space window; it may be nil. A zero geometry uses Geometry.
func New(regs core.Registers, mem io.ReaderAt, geo core.Geometry) *Controller {
	if geo.Size == 0 {
		geo = Geometry
	}
	bus := &Bus{regs: regs, pollLimit: DefaultPollLimit}
	return &Controller{
		Controller: spinor.New(bus, bus.Select, spinor.Config{Geometry: geo}),
		regs:       regs,
		bus:        bus,
		mem:        mem,
	}
}

// Bus returns the SPI mode bus, for sharing with other drivers.
func (c *Controller) Bus() *Bus {
	return c.bus
}

// SetPollLimit bounds the per-byte transfer wait.
func (c *Controller) SetPollLimit(n int) {
	c.bus.pollLimit = n
}

func (c *Controller) spiMode() bool {
	return c.regs.Load(RegCMNCR)&CMNCRMD != 0
}

// CommandMode switches to SPI operating mode. A read burst still on the
// bus makes it fail with ErrDeviceBusy.
func (c *Controller) CommandMode() error {
	if c.regs.Load(RegCMNSR)&CMNSRTEND == 0 {
		return core.ErrDeviceBusy
	}
	c.regs.Store(RegDRCR, c.regs.Load(RegDRCR)|DRCRSSLN)
	c.regs.Store(RegCMNCR, c.regs.Load(RegCMNCR)|CMNCRMD)
	return nil
}

// MemoryMode returns to external address space mode.
func (c *Controller) MemoryMode() error {
	if c.regs.Load(RegCMNSR)&CMNSRTEND == 0 {
		return core.ErrDeviceBusy
	}
	c.regs.Store(RegCMNCR, c.regs.Load(RegCMNCR)&^CMNCRMD)
	return nil
}

// FlushReadCache drops the external address mode read cache.
func (c *Controller) FlushReadCache() {
	c.regs.Store(RegDRCR, c.regs.Load(RegDRCR)|DRCRRCF)
}

// Start refuses commands in external address mode.
func (c *Controller) Start(cmd core.Command) error {
	if !c.spiMode() {
		return core.ErrDeviceBusy
	}
	return c.Controller.Start(cmd)
}

// Status reports idle in external address mode so a device can enter
// programming.
func (c *Controller) Status() (bool, uint32) {
	if !c.spiMode() {
		return false, spinor.CodeOK
	}
	return c.Controller.Status()
}

// ClearInterrupt is a no-op outside SPI mode.
func (c *Controller) ClearInterrupt() {
	if c.spiMode() {
		c.Controller.ClearInterrupt()
	}
}

// ReadAt reads through the window in external address mode and with SPI
// read commands otherwise.
func (c *Controller) ReadAt(p []byte, off uint32) error {
	if c.spiMode() || c.mem == nil {
		return c.Controller.ReadAt(p, off)
	}
	if uint64(off)+uint64(len(p)) > uint64(c.Geometry().Size) {
		return core.ErrInvalidParameter
	}
	_, err := c.mem.ReadAt(p, int64(off))
	return err
}
