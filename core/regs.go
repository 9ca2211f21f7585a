package core

import (
	"sync"

	"golang.org/x/exp/constraints"
)

// Registers is word-wide access to a block of peripheral registers.
// Offsets are in bytes from the block base. Implementations perform no
// retries and no validation; every call is exactly one bus access.
type Registers interface {
	Load(off uintptr) uint32
	Store(off uintptr, v uint32)
}

// Field describes a bit field inside a register word.
type Field[T constraints.Unsigned] struct {
	Shift uint8
	Width uint8
}

// Mask returns the field mask in place.
func (f Field[T]) Mask() T {
	return (T(1)<<f.Width - 1) << f.Shift
}

// Get extracts the field from v.
func (f Field[T]) Get(v T) T {
	return (v & f.Mask()) >> f.Shift
}

// Set returns v with the field replaced by x.
func (f Field[T]) Set(v, x T) T {
	return v&^f.Mask() | (x<<f.Shift)&f.Mask()
}

// Bit returns a one-bit field at position n.
func Bit[T constraints.Unsigned](n uint8) Field[T] {
	return Field[T]{Shift: n, Width: 1}
}

// RegisterFile backs Registers with plain memory so peripheral models can
// run on a host. Load and Store count accesses; Peek and Poke are the
// peripheral side and are not counted.
type RegisterFile struct {
	mu     sync.Mutex
	words  []uint32
	loads  int
	stores int

	// OnStore runs after every counted Store, outside the file's lock,
	// so the hook may Peek and Poke freely.
	OnStore func(off uintptr, v uint32)
	// OnLoad may override the value returned by a counted Load.
	OnLoad func(off uintptr, v uint32) uint32
}

// NewRegisterFile allocates a register block of size bytes.
func NewRegisterFile(size uintptr) *RegisterFile {
	return &RegisterFile{words: make([]uint32, (size+3)/4)}
}

func (r *RegisterFile) Load(off uintptr) uint32 {
	r.mu.Lock()
	r.loads++
	v := r.words[off/4]
	hook := r.OnLoad
	r.mu.Unlock()
	if hook != nil {
		v = hook(off, v)
	}
	return v
}

func (r *RegisterFile) Store(off uintptr, v uint32) {
	r.mu.Lock()
	r.stores++
	r.words[off/4] = v
	hook := r.OnStore
	r.mu.Unlock()
	if hook != nil {
		hook(off, v)
	}
}

// Peek reads a register without counting the access.
func (r *RegisterFile) Peek(off uintptr) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.words[off/4]
}

// Poke writes a register without counting the access or running hooks.
func (r *RegisterFile) Poke(off uintptr, v uint32) {
	r.mu.Lock()
	r.words[off/4] = v
	r.mu.Unlock()
}

// Loads returns the number of counted reads.
func (r *RegisterFile) Loads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads
}

// Stores returns the number of counted writes.
func (r *RegisterFile) Stores() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stores
}

// ResetCounters zeroes the access counters.
func (r *RegisterFile) ResetCounters() {
	r.mu.Lock()
	r.loads, r.stores = 0, 0
	r.mu.Unlock()
}
