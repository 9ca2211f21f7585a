package sim

import "sync"

// JEDEC opcodes understood by NORChip.
const (
	OpWriteEnable  byte = 0x06
	OpWriteDisable byte = 0x04
	OpReadStatus   byte = 0x05
	OpReadFlags    byte = 0x70
	OpClearFlags   byte = 0x50
	OpReadID       byte = 0x9F
	OpRead         byte = 0x03
	OpRead4        byte = 0x13
	OpPageProgram  byte = 0x02
	OpPageProgram4 byte = 0x12
	OpErase4K      byte = 0x20
	OpErase4K4     byte = 0x21
	OpErase64K     byte = 0xD8
	OpErase64K4    byte = 0xDC
	OpChipErase    byte = 0xC7
	OpChipErase2   byte = 0x60
	OpResetEnable  byte = 0x66
	OpReset        byte = 0x99
)

// Status register bits
const (
	StatusWIP byte = 1 << 0
	StatusWEL byte = 1 << 1
)

// Flag status register bits
const (
	FlagProtection   byte = 1 << 1
	FlagProgramError byte = 1 << 4
	FlagEraseError   byte = 1 << 5
	FlagReady        byte = 1 << 7
)

// NORChip is a serial NOR flash on an SPI bus. It implements the
// tinygo.org/x/drivers SPI interface; Select frames each transaction the
// way the chip-select line does. Program and erase run when the chip is
// deselected and keep WIP set for BusyPolls status reads.
type NORChip struct {
	mu  sync.Mutex
	nor *NOR

	// ID is returned by OpReadID.
	ID [3]byte
	// BusyPolls is how many status reads see WIP after a program or erase.
	BusyPolls int

	selected bool
	n        int
	op       byte
	addr     uint32
	data     []byte

	wel       bool
	resetArm  bool
	pollsLeft int
	flags     byte

	ops []byte
}

// NewNORChip puts nor behind an SPI interface. The ID reports the array
// capacity as a power of two.
func NewNORChip(nor *NOR) *NORChip {
	size := nor.Geometry().Size
	var capacity byte
	for uint32(1)<<capacity < size {
		capacity++
	}
	return &NORChip{nor: nor, ID: [3]byte{0xEF, 0x40, capacity}}
}

// NOR returns the array behind the chip.
func (c *NORChip) NOR() *NOR {
	return c.nor
}

// Select drives chip select. Deselecting ends the transaction and starts
// any program or erase it carried.
func (c *NORChip) Select(selected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if selected == c.selected {
		return
	}
	c.selected = selected
	if selected {
		c.n = 0
		c.data = c.data[:0]
		return
	}
	if c.n > 0 {
		c.execute()
	}
}

func (c *NORChip) Tx(w, r []byte) error {
	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	for i := 0; i < n; i++ {
		var out byte
		if i < len(w) {
			out = w[i]
		}
		in, err := c.Transfer(out)
		if err != nil {
			return err
		}
		if i < len(r) {
			r[i] = in
		}
	}
	return nil
}

func (c *NORChip) Transfer(b byte) (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.selected {
		return 0xFF, nil
	}
	i := c.n
	c.n++
	if i == 0 {
		c.op = b
		c.addr = 0
		c.ops = append(c.ops, b)
		return 0xFF, nil
	}
	if c.busyLocked() && c.op != OpReadStatus && c.op != OpReadFlags {
		return 0xFF, nil
	}

	switch c.op {
	case OpReadStatus:
		return c.statusLocked(), nil
	case OpReadFlags:
		if c.pollsLeft > 0 {
			return c.flags, nil
		}
		return c.flags | FlagReady, nil
	case OpReadID:
		if i <= len(c.ID) {
			return c.ID[i-1], nil
		}
		return 0xFF, nil
	}

	width := addrWidth(c.op)
	if i <= width {
		c.addr = c.addr<<8 | uint32(b)
		return 0xFF, nil
	}
	switch c.op {
	case OpRead, OpRead4:
		var p [1]byte
		if err := c.nor.ReadAt(p[:], c.addr+uint32(i-width-1)); err != nil {
			return 0xFF, nil
		}
		return p[0], nil
	case OpPageProgram, OpPageProgram4:
		c.data = append(c.data, b)
	}
	return 0xFF, nil
}

func addrWidth(op byte) int {
	switch op {
	case OpRead, OpPageProgram, OpErase4K, OpErase64K:
		return 3
	case OpRead4, OpPageProgram4, OpErase4K4, OpErase64K4:
		return 4
	}
	return 0
}

func (c *NORChip) busyLocked() bool {
	return c.pollsLeft > 0
}

func (c *NORChip) statusLocked() byte {
	var s byte
	if c.wel {
		s |= StatusWEL
	}
	if c.pollsLeft > 0 {
		c.pollsLeft--
		s |= StatusWIP
	}
	return s
}

// execute runs with c.mu held at the end of a transaction.
func (c *NORChip) execute() {
	op := c.op
	if op == OpReset && c.resetArm {
		c.resetArm = false
		c.pollsLeft = 0
		c.wel = false
		return
	}
	c.resetArm = op == OpResetEnable
	if c.busyLocked() {
		return
	}

	switch op {
	case OpWriteEnable:
		c.wel = true
		return
	case OpWriteDisable:
		c.wel = false
		return
	case OpClearFlags:
		c.flags = 0
		return
	}

	width := addrWidth(op)
	if c.n <= width {
		// Address phase cut short.
		return
	}

	var code uint32
	var failFlag byte
	switch op {
	case OpPageProgram, OpPageProgram4:
		code = c.program()
		failFlag = FlagProgramError
	case OpErase4K, OpErase4K4, OpErase64K, OpErase64K4:
		code = c.erase(op)
		failFlag = FlagEraseError
	case OpChipErase, OpChipErase2:
		code = CodeOK
		if c.wel {
			code = c.nor.EraseBank(false)
		}
		failFlag = FlagEraseError
	default:
		return
	}
	if !c.wel {
		return
	}
	c.wel = false
	c.pollsLeft = c.BusyPolls
	switch code {
	case CodeOK:
	case CodeProtected:
		c.flags |= FlagProtection | failFlag
	default:
		c.flags |= failFlag
	}
}

// program wraps within the page like a real part.
func (c *NORChip) program() uint32 {
	if !c.wel || len(c.data) == 0 {
		return CodeOK
	}
	page := c.nor.Geometry().PageSize
	if page == 0 {
		return c.nor.Program(c.addr, c.data)
	}
	base := c.addr / page * page
	off := c.addr - base
	code := CodeOK
	for len(c.data) > 0 {
		n := page - off
		if n > uint32(len(c.data)) {
			n = uint32(len(c.data))
		}
		if r := c.nor.Program(base+off, c.data[:n]); r != CodeOK {
			code = r
		}
		c.data = c.data[n:]
		off = 0
	}
	return code
}

func (c *NORChip) erase(op byte) uint32 {
	if !c.wel {
		return CodeOK
	}
	size := uint32(4096)
	if op == OpErase64K || op == OpErase64K4 {
		size = 64 * 1024
	}
	sector := c.nor.Geometry().SectorSize
	start := c.addr / size * size
	for a := start; a < start+size && a < c.nor.Geometry().Size; a += sector {
		if r := c.nor.EraseSector(a); r != CodeOK {
			return r
		}
	}
	return CodeOK
}

// Opcodes returns every opcode received so far.
func (c *NORChip) Opcodes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.ops...)
}

// Busy reports whether a program or erase is in progress.
func (c *NORChip) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pollsLeft > 0
}

// Hold keeps the chip busy for n more status reads.
func (c *NORChip) Hold(n int) {
	c.mu.Lock()
	c.pollsLeft = n
	c.mu.Unlock()
}
