package core

// DebugWriter is a function that writes debug messages
type DebugWriter func(string)

// TraceKind identifies an entry in a device trace ring
type TraceKind uint8

const (
	EvtEnterProgramming TraceKind = iota + 1
	EvtLeaveProgramming
	EvtIssue
	EvtComplete
	EvtBufferDone
	EvtInterrupt
	EvtAbort
	EvtTimeout
)

func (k TraceKind) String() string {
	switch k {
	case EvtEnterProgramming:
		return "ENTER_PROG"
	case EvtLeaveProgramming:
		return "LEAVE_PROG"
	case EvtIssue:
		return "ISSUE"
	case EvtComplete:
		return "COMPLETE"
	case EvtBufferDone:
		return "BUFFER_DONE"
	case EvtInterrupt:
		return "IRQ"
	case EvtAbort:
		return "ABORT"
	case EvtTimeout:
		return "TIMEOUT!"
	}
	return "UNKNOWN"
}

// TraceEvent is one trace ring entry
type TraceEvent struct {
	Kind   TraceKind
	Device uint8
	Addr   uint32
	Value  uint32
}

// TraceRingSize must be a power of 2
const TraceRingSize = 32

// traceRing keeps the last TraceRingSize events. Writers hold the
// device critical section.
type traceRing struct {
	events [TraceRingSize]TraceEvent
	head   uint32
	total  uint32
}

func (r *traceRing) record(evt TraceEvent) {
	r.events[r.head] = evt
	r.head = (r.head + 1) % TraceRingSize
	r.total++
}

// snapshot returns the retained events, oldest first
func (r *traceRing) snapshot() []TraceEvent {
	n := r.total
	if n > TraceRingSize {
		n = TraceRingSize
	}
	out := make([]TraceEvent, 0, n)
	start := (r.head + TraceRingSize - n) % TraceRingSize
	for i := uint32(0); i < n; i++ {
		out = append(out, r.events[(start+i)%TraceRingSize])
	}
	return out
}

func (r *traceRing) clear() {
	*r = traceRing{}
}

var (
	debugPrintln DebugWriter = func(string) {}
	debugEnabled bool

	// Async debug output channel
	debugChan chan string
)

// SetDebugWriter sets the platform-specific debug output function
// This allows platforms to redirect debug output to UART, USB, etc.
func SetDebugWriter(writer DebugWriter) {
	if writer == nil {
		writer = func(string) {}
	}
	debugPrintln = writer
}

// SetDebugEnabled enables or disables debug output
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// IsDebugEnabled returns whether debug output is enabled
func IsDebugEnabled() bool {
	return debugEnabled
}

// InitAsyncDebug starts the async debug output goroutine
// Call this from main() after SetDebugWriter
func InitAsyncDebug() {
	debugChan = make(chan string, 16)
	go debugOutputWorker()
}

func debugOutputWorker() {
	for msg := range debugChan {
		debugPrintln(msg)
	}
}

// DebugPrintln writes a debug message using the platform-specific writer
func DebugPrintln(msg string) {
	if debugEnabled {
		debugPrintln(msg)
	}
}

// DebugAsync queues a debug message for async output (non-blocking)
// Drops the message when the channel is full
func DebugAsync(msg string) {
	if !debugEnabled || debugChan == nil {
		return
	}
	select {
	case debugChan <- msg:
	default:
	}
}

// DumpTrace writes the trace ring of d through the debug writer
func DumpTrace(d *Device) {
	debugPrintln("[TRACE] === dev " + itoa(int(d.id)) + " ===")
	for _, evt := range d.TraceSnapshot() {
		debugPrintln("[TRACE] " + evt.Kind.String() +
			" addr=0x" + hex32(evt.Addr) +
			" v=" + utoa(evt.Value))
	}
	debugPrintln("[TRACE] === end ===")
}
