package core

// DeviceSpec is everything the registry needs to bring a device up.
type DeviceSpec struct {
	Controller Controller
	// MMU is optional; without it the execute window is not protected.
	MMU MemoryManager
	// Window is where the array is mapped for execute-in-place reads.
	Window Window
	Config Config
	// Pool optionally supplies buffer storage instead of allocating it.
	Pool []TransferBuffer
}

// Stats counts device activity since open.
type Stats struct {
	Commands      uint32
	BytesWritten  uint32
	SectorsErased uint32
	Buffers       uint32
	Errors        uint32
	Timeouts      uint32
	Aborts        uint32
}

// Device is an open flash device. Mainline methods are not safe for
// concurrent use; HandleInterrupt may run concurrently with any of them.
type Device struct {
	id   uint8
	reg  *Registry
	spec DeviceSpec
	open bool

	ctrl Controller
	geo  Geometry
	cfg  Config
	pool *BufferPool
	seq  *Sequencer
	xip  *ExecuteSwitch
	done CompletionChannel

	// chunk is the length of the write command in flight.
	chunk uint32
	// cmdPending marks a standalone (erase) command awaiting its interrupt.
	cmdPending bool
	cmdResult  ErrorKind
	// leaveErr is the last failed switch back to execute mode, reported
	// with the next retrieved buffer.
	leaveErr error

	callback func(BufferHandle, error)
	stats    Stats
	trace    traceRing
}

func (d *Device) init() error {
	cfg := d.spec.Config
	cfg.applyDefaults()

	var pool *BufferPool
	var err error
	if d.spec.Pool != nil {
		pool, err = NewBufferPoolFrom(d.spec.Pool)
	} else {
		pool, err = NewBufferPool(cfg.PoolSize)
	}
	if err != nil {
		return err
	}

	ms, _ := d.spec.Controller.(ModeSwitcher)
	d.ctrl = d.spec.Controller
	d.geo = d.ctrl.Geometry()
	d.cfg = cfg
	d.pool = pool
	d.seq = NewSequencer(d.ctrl, cfg.Timeout, cfg.PollLimit, cfg.Now)
	d.xip = NewExecuteSwitch(d.spec.MMU, ms, d.spec.Window)
	d.done = cfg.newCompletion()
	d.chunk = 0
	d.cmdPending = false
	d.stats = Stats{}
	d.trace.clear()
	return nil
}

func (d *Device) check() error {
	if d == nil || !d.open {
		return ErrInvalidHandle
	}
	return nil
}

// ID returns the registry slot of the device.
func (d *Device) ID() int {
	return int(d.id)
}

// Geometry returns the array layout reported by the controller.
func (d *Device) Geometry() Geometry {
	return d.geo
}

// SectorSize returns the erase unit containing addr, or 0 when addr is
// outside the array.
func (d *Device) SectorSize(addr uint32) uint32 {
	if d.check() != nil || addr >= d.geo.Size {
		return 0
	}
	return d.geo.SectorSize
}

// PageSize returns the program page size.
func (d *Device) PageSize() uint32 {
	if d.check() != nil {
		return 0
	}
	return d.geo.PageSize
}

// EraseValue returns the value erased cells read back as.
func (d *Device) EraseValue() byte {
	return d.geo.EraseValue
}

// Mode returns the execute-mode state.
func (d *Device) Mode() Mode {
	if d.xip == nil {
		return ModeIdle
	}
	return d.xip.Mode()
}

// SetCallback installs fn to be told about every completed buffer. With
// interrupts enabled fn runs in interrupt context.
func (d *Device) SetCallback(fn func(BufferHandle, error)) {
	state := disableInterrupts()
	d.callback = fn
	restoreInterrupts(state)
}

// Stats returns a copy of the activity counters.
func (d *Device) Stats() Stats {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return d.stats
}

// Pool exposes the buffer pool for inspection.
func (d *Device) Pool() *BufferPool {
	return d.pool
}

// TraceSnapshot returns the retained trace events, oldest first.
func (d *Device) TraceSnapshot() []TraceEvent {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return d.trace.snapshot()
}

func (d *Device) traceLocked(kind TraceKind, addr, value uint32) {
	d.trace.record(TraceEvent{Kind: kind, Device: d.id, Addr: addr, Value: value})
}

func (d *Device) traceEvent(kind TraceKind, addr, value uint32) {
	state := disableInterrupts()
	d.traceLocked(kind, addr, value)
	restoreInterrupts(state)
}

// ReadAt reads array contents through the controller.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if err := d.check(); err != nil {
		return 0, err
	}
	if off < 0 || off > int64(d.geo.Size) || int64(len(p)) > int64(d.geo.Size)-off {
		return 0, ErrInvalidParameter
	}
	if d.busy() {
		return 0, ErrTransferInProgress
	}
	if err := d.ctrl.ReadAt(p, uint32(off)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Verify reads back the array at addr and compares it with want.
func (d *Device) Verify(addr uint32, want []byte) error {
	var buf [64]byte
	for len(want) > 0 {
		n := len(want)
		if n > len(buf) {
			n = len(buf)
		}
		if _, err := d.ReadAt(buf[:n], int64(addr)); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if buf[i] != want[i] {
				return ErrReadVerifyError
			}
		}
		want = want[n:]
		addr += uint32(n)
	}
	return nil
}

// busy reports whether any write or command is queued or in flight.
func (d *Device) busy() bool {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return d.pool.active != NoBuffer || d.pool.pending.n > 0 || d.cmdPending
}

func (d *Device) enter() error {
	if d.xip.Mode() == ModeProgramming {
		return nil
	}
	d.traceEvent(EvtEnterProgramming, d.spec.Window.Start, d.spec.Window.Size)
	DebugPrintln("[FLASH] dev " + itoa(int(d.id)) + " enter programming")
	return d.xip.Enter()
}

func (d *Device) leave() error {
	if d.xip.Mode() != ModeProgramming {
		return nil
	}
	d.traceEvent(EvtLeaveProgramming, d.spec.Window.Start, d.spec.Window.Size)
	DebugPrintln("[FLASH] dev " + itoa(int(d.id)) + " leave programming")
	return d.xip.Leave()
}
