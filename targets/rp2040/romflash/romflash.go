// Package romflash drives the RP2040 on-board QSPI flash through the boot
// ROM routines TinyGo wraps as machine.Flash. The ROM calls leave and
// re-enter execute-in-place themselves and return only when the operation
// is done, so every command completes inside Start.
package romflash

import "flashkit/core"

// BlockDevice is the part of machine.Flash the controller uses. Offsets
// are relative to the first byte after the firmware image.
type BlockDevice interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
	WriteBlockSize() int64
	EraseBlockSize() int64
	EraseBlocks(start, length int64) error
}

// Completion codes
const (
	CodeOK uint32 = iota
	CodeVerify
	CodeFailed
	CodeAborted
)

var outcomes = core.OutcomeTable{
	CodeOK:      core.OutcomeSuccess,
	CodeVerify:  core.OutcomeVerifyError,
	CodeFailed:  core.OutcomeVerifyError,
	CodeAborted: core.OutcomeAborted,
}

// Controller programs the data region of the boot flash.
type Controller struct {
	dev  BlockDevice
	geo  core.Geometry
	code uint32

	check []byte
}

// New binds dev. The array is the whole sectors dev reports.
func New(dev BlockDevice) *Controller {
	page := uint32(dev.WriteBlockSize())
	sector := uint32(dev.EraseBlockSize())
	size := uint32(dev.Size())
	if sector > 0 {
		size -= size % sector
	}
	return &Controller{
		dev: dev,
		geo: core.Geometry{
			Size:        size,
			WordSize:    page,
			PageSize:    page,
			SectorSize:  sector,
			EraseValue:  0xFF,
			PageProgram: true,
		},
		check: make([]byte, page),
	}
}

func (c *Controller) Geometry() core.Geometry {
	return c.geo
}

func (c *Controller) Outcomes() core.OutcomeTable {
	return outcomes
}

func (c *Controller) Start(cmd core.Command) error {
	switch cmd.Kind {
	case core.CmdWriteWord, core.CmdWritePage:
		c.code = c.program(cmd.Address, cmd.Payload)
	case core.CmdEraseSector:
		c.code = c.erase(int64(cmd.Address/c.geo.SectorSize), 1)
	case core.CmdEraseBank:
		c.code = c.erase(0, int64(c.geo.Sectors()))
	default:
		// No information block on this part.
		return core.ErrInvalidParameter
	}
	return nil
}

func (c *Controller) program(addr uint32, data []byte) uint32 {
	if _, err := c.dev.WriteAt(data, int64(addr)); err != nil {
		return CodeFailed
	}
	// The ROM does not report program failures; read the page back.
	check := c.check[:len(data)]
	if _, err := c.dev.ReadAt(check, int64(addr)); err != nil {
		return CodeFailed
	}
	for i := range data {
		if check[i] != data[i] {
			return CodeVerify
		}
	}
	return CodeOK
}

func (c *Controller) erase(start, count int64) uint32 {
	if err := c.dev.EraseBlocks(start, count); err != nil {
		return CodeFailed
	}
	return CodeOK
}

// Status never reports busy: the ROM routines block until done.
func (c *Controller) Status() (bool, uint32) {
	return false, c.code
}

func (c *Controller) ClearInterrupt() {}

// Abort has nothing to stop.
func (c *Controller) Abort() error {
	return nil
}

func (c *Controller) ReadAt(p []byte, off uint32) error {
	_, err := c.dev.ReadAt(p, int64(off))
	return err
}
