//go:build tinygo

package core

import (
	"runtime/volatile"
	"unsafe"
)

// MMIO is a memory-mapped register block at a fixed address.
type MMIO uintptr

func (m MMIO) reg(off uintptr) *volatile.Register32 {
	return (*volatile.Register32)(unsafe.Pointer(uintptr(m) + off))
}

func (m MMIO) Load(off uintptr) uint32 {
	return m.reg(off).Get()
}

func (m MMIO) Store(off uintptr, v uint32) {
	m.reg(off).Set(v)
}
