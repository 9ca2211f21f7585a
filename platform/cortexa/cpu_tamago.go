//go:build tamago && arm

package cortexa

import (
	"sync/atomic"
	"unsafe"

	"github.com/usbarmory/tamago/arm"
)

// defined in cpu_arm.s
func readTTBR0() uint32
func flushTLB()

// l1Table is the live table TTBR0 points at.
type l1Table uintptr

func (t l1Table) entry(index uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(uintptr(t) + uintptr(index)*4))
}

func (t l1Table) Load(index uint32) uint32 {
	return atomic.LoadUint32(t.entry(index))
}

func (t l1Table) Store(index uint32, v uint32) {
	atomic.StoreUint32(t.entry(index), v)
}

// NewCPU binds the table the CPU is running on and its cache operations.
func NewCPU(cpu *arm.CPU) *MMU {
	// TTBR0 bits 13:0 hold walk attributes for a 16 KiB table.
	base := readTTBR0() &^ 0x3FFF
	return New(l1Table(base), cpu, flushTLB)
}
