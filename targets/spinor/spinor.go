// Package spinor drives a JEDEC serial NOR flash over any
// tinygo.org/x/drivers SPI bus. It has no interrupt line, so devices built
// on it run the engine in polling mode.
package spinor

import (
	"tinygo.org/x/drivers"

	"flashkit/core"
)

// Opcodes
const (
	opWriteEnable  = 0x06
	opReadStatus   = 0x05
	opReadFlags    = 0x70
	opClearFlags   = 0x50
	opReadID       = 0x9F
	opRead         = 0x03
	opRead4        = 0x13
	opPageProgram  = 0x02
	opPageProgram4 = 0x12
	opErase4K      = 0x20
	opErase4K4     = 0x21
	opErase64K     = 0xD8
	opErase64K4    = 0xDC
	opChipErase    = 0xC7
	opResetEnable  = 0x66
	opReset        = 0x99
)

const (
	statusWIP = 1 << 0

	flagProtection = 1 << 1
	flagProgramErr = 1 << 4
	flagEraseErr   = 1 << 5
)

// Completion codes
const (
	CodeOK uint32 = iota
	CodeProtected
	CodeFailed
	CodeAborted
)

var outcomes = core.OutcomeTable{
	CodeOK:        core.OutcomeSuccess,
	CodeProtected: core.OutcomeWriteProtected,
	CodeFailed:    core.OutcomeVerifyError,
	CodeAborted:   core.OutcomeAborted,
}

// Geometry is a 16 MiB part with 256 byte pages and 4 KiB sectors.
var Geometry = core.Geometry{
	Size:        16 << 20,
	WordSize:    1,
	PageSize:    256,
	SectorSize:  4096,
	EraseValue:  0xFF,
	PageProgram: true,
}

// ChipSelect drives the chip select line; true selects the chip.
type ChipSelect func(selected bool)

// Config selects part features.
type Config struct {
	Geometry core.Geometry
	// FlagStatus reads the flag status register to detect program and
	// erase failures. Parts without one only report success.
	FlagStatus bool
}

// Controller is one SPI NOR chip.
type Controller struct {
	bus drivers.SPI
	cs  ChipSelect
	geo core.Geometry

	flagStatus bool
	addr4      bool
	aborted    bool

	cmd [5]byte
	rx  [2]byte
}

// New binds a chip on bus. A zero Config.Geometry uses Geometry.
func New(bus drivers.SPI, cs ChipSelect, cfg Config) *Controller {
	c := &Controller{bus: bus, cs: cs, flagStatus: cfg.FlagStatus}
	c.SetGeometry(cfg.Geometry)
	return c
}

// SetGeometry changes the layout. Arrays past 16 MiB use the 4-byte
// address opcodes.
func (c *Controller) SetGeometry(g core.Geometry) {
	if g.Size == 0 {
		g = Geometry
	}
	c.geo = g
	c.addr4 = g.Size > 16<<20
}

func (c *Controller) Geometry() core.Geometry {
	return c.geo
}

func (c *Controller) Outcomes() core.OutcomeTable {
	return outcomes
}

// transact runs one chip-select framed transaction: the header, then
// data out or data in.
func (c *Controller) transact(header, out, in []byte) error {
	c.cs(true)
	defer c.cs(false)
	if err := c.bus.Tx(header, nil); err != nil {
		return err
	}
	if len(out) > 0 {
		if err := c.bus.Tx(out, nil); err != nil {
			return err
		}
	}
	if len(in) > 0 {
		if err := c.bus.Tx(nil, in); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) header(op byte, addr uint32) []byte {
	c.cmd[0] = op
	if c.addr4 {
		c.cmd[1] = byte(addr >> 24)
		c.cmd[2] = byte(addr >> 16)
		c.cmd[3] = byte(addr >> 8)
		c.cmd[4] = byte(addr)
		return c.cmd[:5]
	}
	c.cmd[1] = byte(addr >> 16)
	c.cmd[2] = byte(addr >> 8)
	c.cmd[3] = byte(addr)
	return c.cmd[:4]
}

func (c *Controller) simple(op byte) error {
	c.cmd[0] = op
	return c.transact(c.cmd[:1], nil, nil)
}

func (c *Controller) pick(op3, op4 byte) byte {
	if c.addr4 {
		return op4
	}
	return op3
}

// ReadID returns the JEDEC manufacturer, type and capacity bytes.
func (c *Controller) ReadID() ([3]byte, error) {
	var id [3]byte
	c.cmd[0] = opReadID
	err := c.transact(c.cmd[:1], nil, id[:])
	return id, err
}

// Probe reads the JEDEC ID and sizes the array from its capacity byte.
func (c *Controller) Probe() ([3]byte, error) {
	id, err := c.ReadID()
	if err != nil {
		return id, err
	}
	if id[2] < 16 || id[2] > 31 {
		return id, core.ErrInvalidParameter
	}
	g := c.geo
	g.Size = 1 << id[2]
	c.SetGeometry(g)
	return id, nil
}

func (c *Controller) Start(cmd core.Command) error {
	var header []byte
	var payload []byte
	switch cmd.Kind {
	case core.CmdWriteWord, core.CmdWritePage:
		if len(cmd.Payload) == 0 || len(cmd.Payload) > int(c.geo.PageSize) {
			return core.ErrInvalidParameter
		}
		header = c.header(c.pick(opPageProgram, opPageProgram4), cmd.Address)
		payload = cmd.Payload
	case core.CmdEraseSector:
		if c.geo.SectorSize == 64*1024 {
			header = c.header(c.pick(opErase64K, opErase64K4), cmd.Address)
		} else {
			header = c.header(c.pick(opErase4K, opErase4K4), cmd.Address)
		}
	case core.CmdEraseBank:
		header = c.header(opChipErase, 0)[:1]
	default:
		return core.ErrInvalidParameter
	}

	c.aborted = false
	// header shares c.cmd with the write-enable opcode
	op := [1]byte{opWriteEnable}
	c.cs(true)
	err := c.bus.Tx(op[:], nil)
	c.cs(false)
	if err != nil {
		return err
	}
	return c.transact(header, payload, nil)
}

// Status reads the status register. A bus error reads as busy so the
// sequencer's timeout handles a dead chip.
func (c *Controller) Status() (bool, uint32) {
	c.cmd[0] = opReadStatus
	if err := c.transact(c.cmd[:1], nil, c.rx[:1]); err != nil {
		return true, 0
	}
	if c.rx[0]&statusWIP != 0 {
		return true, 0
	}
	if c.aborted {
		return false, CodeAborted
	}
	if !c.flagStatus {
		return false, CodeOK
	}
	c.cmd[0] = opReadFlags
	if err := c.transact(c.cmd[:1], nil, c.rx[1:2]); err != nil {
		return true, 0
	}
	switch f := c.rx[1]; {
	case f&flagProtection != 0:
		return false, CodeProtected
	case f&(flagProgramErr|flagEraseErr) != 0:
		return false, CodeFailed
	}
	return false, CodeOK
}

// ClearInterrupt clears sticky flag status errors.
func (c *Controller) ClearInterrupt() {
	if c.flagStatus {
		c.simple(opClearFlags)
	}
}

// Abort resets the chip, which stops a program or erase in progress.
func (c *Controller) Abort() error {
	if err := c.simple(opResetEnable); err != nil {
		return err
	}
	if err := c.simple(opReset); err != nil {
		return err
	}
	c.aborted = true
	return nil
}

func (c *Controller) ReadAt(p []byte, off uint32) error {
	if uint64(off)+uint64(len(p)) > uint64(c.geo.Size) {
		return core.ErrInvalidParameter
	}
	return c.transact(c.header(c.pick(opRead, opRead4), off), nil, p)
}
