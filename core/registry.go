package core

import "sync"

// DefaultMaxDevices is the registry size used by NewRegistry(0).
const DefaultMaxDevices = 4

// Registry owns the fixed set of flash devices a firmware image knows
// about. Devices are registered once at startup and then opened and
// closed by id.
type Registry struct {
	mu      sync.RWMutex
	devices []*Device
}

// NewRegistry creates a registry with room for maxDevices devices.
func NewRegistry(maxDevices int) *Registry {
	if maxDevices <= 0 {
		maxDevices = DefaultMaxDevices
	}
	if maxDevices > 256 {
		maxDevices = 256
	}
	return &Registry{devices: make([]*Device, maxDevices)}
}

// MaxDevices returns the number of slots.
func (r *Registry) MaxDevices() int {
	return len(r.devices)
}

// Register binds spec to slot id.
func (r *Registry) Register(id int, spec DeviceSpec) error {
	if spec.Controller == nil {
		return ErrInvalidParameter
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || id >= len(r.devices) {
		return ErrInvalidHandle
	}
	if r.devices[id] != nil {
		return ErrAlreadyInitialized
	}
	r.devices[id] = &Device{id: uint8(id), reg: r, spec: spec}
	return nil
}

// Open initializes device id and returns its handle.
func (r *Registry) Open(id int) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || id >= len(r.devices) || r.devices[id] == nil {
		return nil, ErrInvalidHandle
	}
	d := r.devices[id]
	if d.open {
		return nil, ErrAlreadyInitialized
	}
	if err := d.init(); err != nil {
		return nil, err
	}
	if d.cfg.Interrupts {
		src, ok := d.ctrl.(InterruptSource)
		if !ok {
			return nil, ErrInvalidParameter
		}
		src.EnableInterrupt(true, d.HandleInterrupt)
	}
	d.xip.setMode(ModeExecute)
	d.open = true
	DebugPrintln("[FLASH] dev " + itoa(id) + " open")
	return d, nil
}

// Close shuts d down. Completed buffers that were never retrieved are
// dropped; queued or in-flight work makes Close fail.
func (r *Registry) Close(d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d == nil || d.reg != r {
		return ErrInvalidHandle
	}
	if !d.open {
		return ErrNotInitialized
	}
	if d.busy() {
		return ErrTransferInProgress
	}
	if err := d.leave(); err != nil {
		return err
	}
	if src, ok := d.ctrl.(InterruptSource); ok && d.cfg.Interrupts {
		src.EnableInterrupt(false, nil)
	}
	d.xip.setMode(ModeIdle)
	d.open = false
	DebugPrintln("[FLASH] dev " + itoa(int(d.id)) + " close")
	return nil
}

// Lookup returns the open device in slot id.
func (r *Registry) Lookup(id int) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id < 0 || id >= len(r.devices) || r.devices[id] == nil {
		return nil, ErrInvalidHandle
	}
	d := r.devices[id]
	if !d.open {
		return nil, ErrNotInitialized
	}
	return d, nil
}
