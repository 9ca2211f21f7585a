package sim

import (
	"sync"

	"flashkit/core"
)

// XIPController adds a memory-mapped read mode to Controller.
type XIPController struct {
	*Controller

	xmu          sync.Mutex
	memoryMapped bool
	// RefuseCommandMode makes CommandMode fail with ErrDeviceBusy.
	RefuseCommandMode bool
	// RefuseMemoryMode makes MemoryMode fail with ErrDeviceBusy.
	RefuseMemoryMode bool
	// OnMode runs on every mode change with the new state.
	OnMode func(memoryMapped bool)

	cacheFlushes int
}

// NewXIPController wraps nor, starting in memory-mapped mode.
func NewXIPController(nor *NOR) *XIPController {
	return &XIPController{Controller: NewController(nor), memoryMapped: true}
}

func (x *XIPController) CommandMode() error {
	x.xmu.Lock()
	if x.RefuseCommandMode {
		x.xmu.Unlock()
		return core.ErrDeviceBusy
	}
	x.memoryMapped = false
	hook := x.OnMode
	x.xmu.Unlock()
	if hook != nil {
		hook(false)
	}
	return nil
}

func (x *XIPController) MemoryMode() error {
	x.xmu.Lock()
	if x.RefuseMemoryMode {
		x.xmu.Unlock()
		return core.ErrDeviceBusy
	}
	x.memoryMapped = true
	hook := x.OnMode
	x.xmu.Unlock()
	if hook != nil {
		hook(true)
	}
	return nil
}

func (x *XIPController) FlushReadCache() {
	x.xmu.Lock()
	x.cacheFlushes++
	x.xmu.Unlock()
}

// Start refuses commands while the controller serves memory-mapped reads.
func (x *XIPController) Start(cmd core.Command) error {
	x.xmu.Lock()
	mapped := x.memoryMapped
	x.xmu.Unlock()
	if mapped {
		return core.ErrDeviceBusy
	}
	return x.Controller.Start(cmd)
}

// MemoryMapped reports the current mode.
func (x *XIPController) MemoryMapped() bool {
	x.xmu.Lock()
	defer x.xmu.Unlock()
	return x.memoryMapped
}

// CacheFlushes returns the number of read cache flushes.
func (x *XIPController) CacheFlushes() int {
	x.xmu.Lock()
	defer x.xmu.Unlock()
	return x.cacheFlushes
}
