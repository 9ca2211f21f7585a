package core

// Mode is the execute-mode state of a device's flash window.
type Mode uint8

const (
	ModeIdle Mode = iota
	ModeProgrammingPending
	ModeProgramming
	ModeExecute
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeProgrammingPending:
		return "programming-pending"
	case ModeProgramming:
		return "programming"
	case ModeExecute:
		return "execute"
	}
	return "unknown"
}

// MemoryManager is the CPU side of an execute-mode switch: cache and TLB
// maintenance plus access to the protection descriptor covering an
// address. Descriptor granularity is platform defined.
type MemoryManager interface {
	// Granularity is the size in bytes covered by one descriptor.
	Granularity() uint32
	Descriptor(addr uint32) uint32
	SetDescriptor(addr uint32, desc uint32)
	// Revoke returns desc with read and execute access removed.
	Revoke(desc uint32) uint32
	InvalidateCaches()
	FlushTLB()
}

// Window is the CPU address range the flash is mapped at for
// execute-in-place reads.
type Window struct {
	Start uint32
	Size  uint32
}

// ExecuteSwitch moves a flash window between execute-in-place reads and
// command-mode programming. While programming, the CPU must not fetch from
// the window, so the code driving the switch has to run from RAM.
type ExecuteSwitch struct {
	mmu    MemoryManager
	ms     ModeSwitcher
	window Window
	saved  []uint32
	mode   Mode
}

// NewExecuteSwitch builds a switch. mmu and ms may each be nil when the
// platform has no MMU or the controller has no memory-mapped mode.
func NewExecuteSwitch(mmu MemoryManager, ms ModeSwitcher, window Window) *ExecuteSwitch {
	x := &ExecuteSwitch{mmu: mmu, ms: ms, window: window}
	if mmu != nil && window.Size > 0 {
		g := mmu.Granularity()
		first := window.Start / g
		last := (window.Start + window.Size - 1) / g
		x.saved = make([]uint32, last-first+1)
	}
	return x
}

// Mode returns the current state.
func (x *ExecuteSwitch) Mode() Mode {
	return x.mode
}

func (x *ExecuteSwitch) setMode(m Mode) {
	x.mode = m
}

// Enter switches to programming. It is a no-op when already programming.
// If the controller refuses to leave memory-mapped mode the protections
// are put back and the previous mode is kept.
func (x *ExecuteSwitch) Enter() error {
	if x.mode == ModeProgramming {
		return nil
	}
	prev := x.mode
	x.mode = ModeProgrammingPending
	x.revoke()
	x.flush()
	if x.ms != nil {
		if err := x.ms.CommandMode(); err != nil {
			x.restore()
			x.flush()
			x.mode = prev
			return err
		}
	}
	x.mode = ModeProgramming
	return nil
}

// Leave returns the window to execute-in-place reads. If the controller
// cannot re-enter memory-mapped mode the protections stay revoked and the
// call may be retried.
func (x *ExecuteSwitch) Leave() error {
	if x.mode != ModeProgramming {
		return nil
	}
	if x.ms != nil {
		if err := x.ms.MemoryMode(); err != nil {
			return err
		}
		x.ms.FlushReadCache()
	}
	x.restore()
	x.flush()
	x.mode = ModeExecute
	return nil
}

func (x *ExecuteSwitch) granules(fn func(i int, addr uint32)) {
	if x.mmu == nil || len(x.saved) == 0 {
		return
	}
	g := x.mmu.Granularity()
	addr := x.window.Start / g * g
	for i := range x.saved {
		fn(i, addr)
		addr += g
	}
}

func (x *ExecuteSwitch) revoke() {
	x.granules(func(i int, addr uint32) {
		x.saved[i] = x.mmu.Descriptor(addr)
		x.mmu.SetDescriptor(addr, x.mmu.Revoke(x.saved[i]))
	})
}

func (x *ExecuteSwitch) restore() {
	x.granules(func(i int, addr uint32) {
		x.mmu.SetDescriptor(addr, x.saved[i])
	})
}

func (x *ExecuteSwitch) flush() {
	if x.mmu == nil {
		return
	}
	x.mmu.InvalidateCaches()
	x.mmu.FlushTLB()
}
