package sim

import "sync"

// Descriptor access bits used by MMU.
const (
	DescRead  uint32 = 1 << 0
	DescWrite uint32 = 1 << 1
	DescExec  uint32 = 1 << 2
)

// MMU is a flat protection table with a fixed granule. Unset entries
// grant read, write and execute.
type MMU struct {
	mu      sync.Mutex
	granule uint32
	table   map[uint32]uint32

	invalidations int
	tlbFlushes    int

	// OnCall sees "invalidate", "tlb", "revoke" and "restore" in order.
	OnCall func(op string)
}

// NewMMU returns an MMU with granule-sized descriptors.
func NewMMU(granule uint32) *MMU {
	return &MMU{granule: granule, table: make(map[uint32]uint32)}
}

func (m *MMU) call(op string) {
	if m.OnCall != nil {
		m.OnCall(op)
	}
}

func (m *MMU) Granularity() uint32 {
	return m.granule
}

func (m *MMU) Descriptor(addr uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.table[addr/m.granule]; ok {
		return d
	}
	return DescRead | DescWrite | DescExec
}

func (m *MMU) SetDescriptor(addr uint32, desc uint32) {
	m.mu.Lock()
	m.table[addr/m.granule] = desc
	m.mu.Unlock()
	if desc&(DescRead|DescExec) == 0 {
		m.call("revoke")
	} else {
		m.call("restore")
	}
}

func (m *MMU) Revoke(desc uint32) uint32 {
	return desc &^ (DescRead | DescExec)
}

func (m *MMU) InvalidateCaches() {
	m.mu.Lock()
	m.invalidations++
	m.mu.Unlock()
	m.call("invalidate")
}

func (m *MMU) FlushTLB() {
	m.mu.Lock()
	m.tlbFlushes++
	m.mu.Unlock()
	m.call("tlb")
}

// Executable reports whether the CPU may fetch from addr.
func (m *MMU) Executable(addr uint32) bool {
	return m.Descriptor(addr)&DescExec != 0
}

// Invalidations returns the number of cache invalidations.
func (m *MMU) Invalidations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invalidations
}

// TLBFlushes returns the number of TLB flushes.
func (m *MMU) TLBFlushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tlbFlushes
}
