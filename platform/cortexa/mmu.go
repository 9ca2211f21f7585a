// Package cortexa is the MemoryManager for ARMv7-A parts with a flat
// short-descriptor translation table of 1 MiB sections, the layout tamago
// sets up.
package cortexa

// SectionSize is the span of one first-level section descriptor.
const SectionSize = 1 << 20

// Short-descriptor section bits
const (
	typeMask    = 0x3
	typeSection = 0x2
	bitXN       = 1 << 4
	apMask      = 3<<10 | 1<<15
	// bit 18 marks a 16 MiB supersection; revoking one is out of scope.
	bitSuper = 1 << 18
)

// Table is the first-level translation table, one word per MiB of
// virtual address space.
type Table interface {
	Load(index uint32) uint32
	Store(index uint32, v uint32)
}

// Cache is the cache maintenance the switch needs. *arm.CPU provides it.
type Cache interface {
	FlushDataCache()
	FlushInstructionCache()
}

// MMU implements core.MemoryManager.
type MMU struct {
	table    Table
	cache    Cache
	flushTLB func()
}

// New builds an MMU over table. flushTLB invalidates the unified TLB.
func New(table Table, cache Cache, flushTLB func()) *MMU {
	return &MMU{table: table, cache: cache, flushTLB: flushTLB}
}

func (m *MMU) Granularity() uint32 {
	return SectionSize
}

func (m *MMU) Descriptor(addr uint32) uint32 {
	return m.table.Load(addr / SectionSize)
}

func (m *MMU) SetDescriptor(addr uint32, desc uint32) {
	m.table.Store(addr/SectionSize, desc)
}

// Revoke clears the access permissions and sets execute-never. Entries
// that are not plain sections come back unchanged.
func (m *MMU) Revoke(desc uint32) uint32 {
	if desc&typeMask != typeSection || desc&bitSuper != 0 {
		return desc
	}
	return desc&^apMask | bitXN
}

// InvalidateCaches cleans the data cache and drops the instruction cache
// so no line fetched from the window survives.
func (m *MMU) InvalidateCaches() {
	if m.cache == nil {
		return
	}
	m.cache.FlushDataCache()
	m.cache.FlushInstructionCache()
}

func (m *MMU) FlushTLB() {
	if m.flushTLB != nil {
		m.flushTLB()
	}
}

// SliceTable is a Table in ordinary memory, for tests and for building a
// table before it is installed.
type SliceTable []uint32

func (t SliceTable) Load(index uint32) uint32 {
	return t[index]
}

func (t SliceTable) Store(index uint32, v uint32) {
	t[index] = v
}
