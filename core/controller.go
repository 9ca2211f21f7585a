package core

// CommandKind selects the hardware operation a Command performs.
type CommandKind uint8

const (
	CmdWriteWord CommandKind = iota
	CmdWritePage
	CmdEraseSector
	CmdEraseBank
	// CmdEraseBankInfo erases the bank together with its information
	// (option/config) area where the controller has one.
	CmdEraseBankInfo
	CmdAbort
)

func (k CommandKind) String() string {
	switch k {
	case CmdWriteWord:
		return "write-word"
	case CmdWritePage:
		return "write-page"
	case CmdEraseSector:
		return "erase-sector"
	case CmdEraseBank:
		return "erase-bank"
	case CmdEraseBankInfo:
		return "erase-bank-info"
	case CmdAbort:
		return "abort"
	}
	return "unknown"
}

// Command is one unit of work handed to a Controller. Address is an
// offset into the flash array; Payload is the data for write kinds.
type Command struct {
	Kind    CommandKind
	Address uint32
	Payload []byte
}

// BankMode selects what EraseBank clears.
type BankMode uint8

const (
	BankOnly BankMode = iota
	BankWithInfo
)

// Outcome is the decoded result of a finished command.
type Outcome uint8

const (
	OutcomeSuccess Outcome = iota
	OutcomeWriteProtected
	OutcomeVerifyError
	OutcomeAborted
)

// Kind maps an outcome onto the error taxonomy.
func (o Outcome) Kind() ErrorKind {
	switch o {
	case OutcomeSuccess:
		return NoError
	case OutcomeWriteProtected:
		return ErrWriteProtected
	case OutcomeAborted:
		return ErrAborted
	}
	return ErrReadVerifyError
}

// Err returns nil on success and the matching ErrorKind otherwise.
func (o Outcome) Err() error {
	return o.Kind().Err()
}

// OutcomeTable decodes raw controller status codes. The code indexes the
// table; codes past its end decode as a verify error.
type OutcomeTable []Outcome

// Decode looks up code.
func (t OutcomeTable) Decode(code uint32) Outcome {
	if code < uint32(len(t)) {
		return t[code]
	}
	return OutcomeVerifyError
}

// Geometry describes the flash array behind a controller.
type Geometry struct {
	// Size of the array in bytes.
	Size uint32
	// WordSize is the minimum program unit; addresses and lengths must be
	// multiples of it.
	WordSize uint32
	// PageSize is the largest program unit; a chunk never crosses a page.
	PageSize uint32
	// SectorSize is the erase unit.
	SectorSize uint32
	// EraseValue is the byte an erased cell reads back as.
	EraseValue byte
	// PageProgram selects CmdWritePage chunks instead of CmdWriteWord.
	PageProgram bool
}

// Sectors returns the number of erase sectors.
func (g Geometry) Sectors() uint32 {
	if g.SectorSize == 0 {
		return 0
	}
	return g.Size / g.SectorSize
}

// Aligned reports whether addr and length are program-unit aligned and
// inside the array.
func (g Geometry) Aligned(addr, length uint32) bool {
	if g.WordSize == 0 || addr%g.WordSize != 0 || length%g.WordSize != 0 {
		return false
	}
	return addr <= g.Size && length <= g.Size-addr
}

// ChunkAt returns the size of the next program chunk at addr given the
// bytes still to write.
func (g Geometry) ChunkAt(addr, remaining uint32) uint32 {
	unit := g.WordSize
	if g.PageProgram && g.PageSize > 0 {
		unit = g.PageSize - addr%g.PageSize
	}
	if remaining < unit {
		return remaining
	}
	return unit
}

// Controller is the hardware abstraction each flash target implements.
// All methods are single register sequences and must not block.
type Controller interface {
	Geometry() Geometry
	// Start writes the command registers. It must not wait for completion.
	Start(cmd Command) error
	// Status reads the busy bit and the raw completion code.
	Status() (busy bool, code uint32)
	Outcomes() OutcomeTable
	// ClearInterrupt acknowledges the completion interrupt.
	ClearInterrupt()
	// Abort terminates the command in flight. The controller then reports
	// not busy with an aborted completion code.
	Abort() error
	// ReadAt copies array contents at off into p.
	ReadAt(p []byte, off uint32) error
}

// InterruptSource is implemented by controllers that can raise a
// completion interrupt.
type InterruptSource interface {
	// EnableInterrupt arms or disarms the completion interrupt and installs
	// the handler the platform ISR should call.
	EnableInterrupt(enabled bool, handler func())
}

// ModeSwitcher is implemented by controllers that serve execute-in-place
// reads and must be flipped into command mode before programming.
type ModeSwitcher interface {
	// CommandMode leaves memory-mapped mode. It returns ErrDeviceBusy if a
	// read transaction is still in progress.
	CommandMode() error
	// MemoryMode returns to memory-mapped mode.
	MemoryMode() error
	// FlushReadCache drops any prefetched read data.
	FlushReadCache()
}
