// Package aducm302x drives the on-chip flash cache controller (FLCC) of
// the ADI ADuCM302x. It only touches registers through core.Registers,
// so it runs against MMIO on the chip and a RegisterFile on a host.
package aducm302x

import (
	"io"

	"flashkit/core"
)

// FLCC register offsets
const (
	RegStat     uintptr = 0x00
	RegIEN      uintptr = 0x04
	RegCmd      uintptr = 0x08
	RegKHAddr   uintptr = 0x0C
	RegKHData0  uintptr = 0x10
	RegKHData1  uintptr = 0x14
	RegPageAddr uintptr = 0x18
	RegKey      uintptr = 0x20
	RegWrProt   uintptr = 0x28
)

// STAT bits
const (
	StatCmdBusy  uint32 = 1 << 0
	StatWrClose  uint32 = 1 << 1
	StatCmdComp  uint32 = 1 << 2
	StatWrAlComp uint32 = 1 << 3
)

// StatCmdFail is the completion code of the last command.
var StatCmdFail = core.Field[uint32]{Shift: 4, Width: 2}

// IEN bits
const (
	IENCmdCmplt  uint32 = 1 << 0
	IENWrAlCmplt uint32 = 1 << 1
	IENCmdFail   uint32 = 1 << 2
)

// CMD values
const (
	CmdIdle       uint32 = 0
	CmdAbort      uint32 = 1
	CmdSleep      uint32 = 2
	CmdSign       uint32 = 3
	CmdWrite      uint32 = 4
	CmdBlankCheck uint32 = 5
	CmdErasePage  uint32 = 6
	CmdMassErase  uint32 = 7
)

// UserKey unlocks one keyed command.
const UserKey uint32 = 0x676C7565

// Geometry of the 256 KiB part: 64-bit program unit, 2 KiB pages.
var Geometry = core.Geometry{
	Size:       256 * 1024,
	WordSize:   8,
	PageSize:   8,
	SectorSize: 2048,
	EraseValue: 0xFF,
}

// outcomes decodes STAT.CMDFAIL.
var outcomes = core.OutcomeTable{
	core.OutcomeSuccess,
	core.OutcomeWriteProtected,
	core.OutcomeVerifyError,
	core.OutcomeAborted,
}

// Controller is an FLCC instance.
type Controller struct {
	regs    core.Registers
	mem     io.ReaderAt
	geo     core.Geometry
	handler func()
}

// New binds a controller to its register block. mem reads the
// memory-mapped array; it may be nil if readback is not needed.
func New(regs core.Registers, mem io.ReaderAt) *Controller {
	return &Controller{regs: regs, mem: mem, geo: Geometry}
}

// SetGeometry replaces the default layout, for parts with smaller arrays.
func (c *Controller) SetGeometry(g core.Geometry) {
	c.geo = g
}

func (c *Controller) Geometry() core.Geometry {
	return c.geo
}

func (c *Controller) Outcomes() core.OutcomeTable {
	return outcomes
}

func (c *Controller) Start(cmd core.Command) error {
	switch cmd.Kind {
	case core.CmdWriteWord:
		if len(cmd.Payload) != 8 {
			return core.ErrInvalidParameter
		}
		p := cmd.Payload
		c.regs.Store(RegKHAddr, cmd.Address)
		c.regs.Store(RegKHData0, uint32(p[0])|uint32(p[1])<<8|uint32(p[2])<<16|uint32(p[3])<<24)
		c.regs.Store(RegKHData1, uint32(p[4])|uint32(p[5])<<8|uint32(p[6])<<16|uint32(p[7])<<24)
		c.keyed(CmdWrite)
	case core.CmdEraseSector:
		c.regs.Store(RegPageAddr, cmd.Address)
		c.keyed(CmdErasePage)
	case core.CmdEraseBank:
		c.keyed(CmdMassErase)
	default:
		// No page program and no keyed access to the info space.
		return core.ErrInvalidParameter
	}
	return nil
}

func (c *Controller) keyed(cmd uint32) {
	c.regs.Store(RegKey, UserKey)
	c.regs.Store(RegCmd, cmd)
}

func (c *Controller) Status() (bool, uint32) {
	stat := c.regs.Load(RegStat)
	return stat&StatCmdBusy != 0, StatCmdFail.Get(stat)
}

// ClearInterrupt acknowledges the completion flags (write one to clear).
func (c *Controller) ClearInterrupt() {
	c.regs.Store(RegStat, StatCmdComp|StatWrAlComp|StatCmdFail.Mask())
}

func (c *Controller) Abort() error {
	c.regs.Store(RegCmd, CmdAbort)
	return nil
}

func (c *Controller) ReadAt(p []byte, off uint32) error {
	if c.mem == nil {
		return core.ErrInvalidParameter
	}
	_, err := c.mem.ReadAt(p, int64(off))
	return err
}

// EnableInterrupt arms the command-complete and command-fail interrupts.
// The platform vector for the flash IRQ must call HandleIRQ.
func (c *Controller) EnableInterrupt(enabled bool, handler func()) {
	c.handler = handler
	if enabled {
		c.regs.Store(RegIEN, IENCmdCmplt|IENCmdFail)
	} else {
		c.regs.Store(RegIEN, 0)
	}
}

// HandleIRQ runs the installed completion handler.
func (c *Controller) HandleIRQ() {
	if c.handler != nil {
		c.handler()
	}
}

// Protect sets the write-protect bits; each bit guards 1/32 of the array
// and can only be cleared by a reset.
func (c *Controller) Protect(mask uint32) {
	c.regs.Store(RegWrProt, c.regs.Load(RegWrProt)&^mask)
}
