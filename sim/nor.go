// Package sim models flash hardware on a host: a NOR array, a controller
// that drives it, a JEDEC SPI chip and an MMU, so the engine and the
// targets can be exercised without silicon.
package sim

import (
	"io"
	"sync"

	"flashkit/core"
)

// Completion codes reported by the simulated controller.
const (
	CodeOK uint32 = iota
	CodeProtected
	CodeVerify
	CodeAborted
)

// Outcomes decodes the Code* values.
var Outcomes = core.OutcomeTable{
	CodeOK:        core.OutcomeSuccess,
	CodeProtected: core.OutcomeWriteProtected,
	CodeVerify:    core.OutcomeVerifyError,
	CodeAborted:   core.OutcomeAborted,
}

type region struct {
	start, end uint32
}

// NOR is a flash array with NOR semantics: programming can only clear
// bits, erasing sets a whole sector to the erase value.
type NOR struct {
	mu      sync.Mutex
	geo     core.Geometry
	mem     []byte
	info    []byte
	protect []region
	faults  map[uint32]uint32

	programs int
	erases   int
}

// NewNOR returns an erased array with the given layout.
func NewNOR(geo core.Geometry) *NOR {
	n := &NOR{
		geo:    geo,
		mem:    make([]byte, geo.Size),
		info:   make([]byte, geo.SectorSize),
		faults: make(map[uint32]uint32),
	}
	fill(n.mem, geo.EraseValue)
	fill(n.info, geo.EraseValue)
	return n
}

func fill(p []byte, v byte) {
	for i := range p {
		p[i] = v
	}
}

// Geometry returns the array layout.
func (n *NOR) Geometry() core.Geometry {
	return n.geo
}

// Protect write-protects [start, end).
func (n *NOR) Protect(start, end uint32) {
	n.mu.Lock()
	n.protect = append(n.protect, region{start, end})
	n.mu.Unlock()
}

// Unprotect removes every protected range.
func (n *NOR) Unprotect() {
	n.mu.Lock()
	n.protect = nil
	n.mu.Unlock()
}

// InjectFault makes any program or erase touching addr finish with code.
func (n *NOR) InjectFault(addr, code uint32) {
	n.mu.Lock()
	n.faults[addr] = code
	n.mu.Unlock()
}

// ClearFaults drops every injected fault.
func (n *NOR) ClearFaults() {
	n.mu.Lock()
	n.faults = make(map[uint32]uint32)
	n.mu.Unlock()
}

// Programs returns the number of program operations performed.
func (n *NOR) Programs() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.programs
}

// Erases returns the number of erase operations performed.
func (n *NOR) Erases() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.erases
}

func (n *NOR) protectedLocked(start, end uint32) bool {
	for _, r := range n.protect {
		if start < r.end && r.start < end {
			return true
		}
	}
	return false
}

func (n *NOR) faultLocked(start, end uint32) (uint32, bool) {
	for addr, code := range n.faults {
		if addr >= start && addr < end {
			return code, true
		}
	}
	return CodeOK, false
}

// Program ANDs data into the array at addr and returns a completion code.
// Cells that would need a 0 to 1 transition report CodeVerify.
func (n *NOR) Program(addr uint32, data []byte) uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	end := addr + uint32(len(data))
	if end > uint32(len(n.mem)) || end < addr {
		return CodeVerify
	}
	if n.protectedLocked(addr, end) {
		return CodeProtected
	}
	if code, ok := n.faultLocked(addr, end); ok {
		return code
	}
	n.programs++
	code := CodeOK
	for i, b := range data {
		n.mem[addr+uint32(i)] &= b
		if n.mem[addr+uint32(i)] != b {
			code = CodeVerify
		}
	}
	return code
}

// EraseSector erases the sector containing addr.
func (n *NOR) EraseSector(addr uint32) uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	size := n.geo.SectorSize
	start := addr / size * size
	if start >= uint32(len(n.mem)) {
		return CodeVerify
	}
	if n.protectedLocked(start, start+size) {
		return CodeProtected
	}
	if code, ok := n.faultLocked(start, start+size); ok {
		return code
	}
	n.erases++
	fill(n.mem[start:start+size], n.geo.EraseValue)
	return CodeOK
}

// EraseBank erases the whole array, and the information area with info.
func (n *NOR) EraseBank(info bool) uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.protect) > 0 {
		return CodeProtected
	}
	if code, ok := n.faultLocked(0, uint32(len(n.mem))); ok {
		return code
	}
	n.erases++
	fill(n.mem, n.geo.EraseValue)
	if info {
		fill(n.info, n.geo.EraseValue)
	}
	return CodeOK
}

// ReadAt copies array contents into p.
func (n *NOR) ReadAt(p []byte, off uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if uint64(off)+uint64(len(p)) > uint64(len(n.mem)) {
		return core.ErrInvalidParameter
	}
	copy(p, n.mem[off:])
	return nil
}

// Bytes returns a copy of the whole array.
func (n *NOR) Bytes() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]byte, len(n.mem))
	copy(out, n.mem)
	return out
}

// Info returns a copy of the information area.
func (n *NOR) Info() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]byte, len(n.info))
	copy(out, n.info)
	return out
}

// WriteInfo fills the information area, bypassing NOR rules.
func (n *NOR) WriteInfo(p []byte) {
	n.mu.Lock()
	copy(n.info, p)
	n.mu.Unlock()
}

// Reader adapts the array to io.ReaderAt, as a memory-mapped view.
func (n *NOR) Reader() io.ReaderAt {
	return norReader{n}
}

type norReader struct {
	n *NOR
}

func (r norReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(r.n.geo.Size) {
		return 0, io.EOF
	}
	if err := r.n.ReadAt(p, uint32(off)); err != nil {
		return 0, err
	}
	return len(p), nil
}
