package core

import "errors"

// ErrorKind is the engine's error taxonomy. It doubles as the status byte
// reported by the bootloader link, so values must stay stable.
type ErrorKind uint8

const (
	// NoError is the zero value stored in a buffer that has not failed.
	NoError ErrorKind = iota
	// ErrInvalidHandle: handle not issued by this engine or already closed.
	ErrInvalidHandle
	// ErrInvalidParameter: misaligned address/length, out-of-range sector,
	// null source.
	ErrInvalidParameter
	ErrAlreadyInitialized
	ErrNotInitialized
	// ErrInsufficientMemory: caller-supplied pool storage too small.
	ErrInsufficientMemory
	// ErrNoFreeBuffers: async submit while the pool is exhausted.
	ErrNoFreeBuffers
	// ErrTransferInProgress: an operation conflicts with queued work.
	ErrTransferInProgress
	// ErrWriteProtected: hardware reported a protected target region.
	ErrWriteProtected
	// ErrReadVerifyError: hardware (or readback) reported a verify mismatch.
	ErrReadVerifyError
	// ErrAborted: the active command was terminated by Abort.
	ErrAborted
	// ErrHardwareTimeout: the controller did not clear its busy bit in time.
	ErrHardwareTimeout
	// ErrDeviceBusy: a command was issued while another was in flight.
	ErrDeviceBusy
)

var errorNames = [...]string{
	NoError:               "ok",
	ErrInvalidHandle:      "invalid handle",
	ErrInvalidParameter:   "invalid parameter",
	ErrAlreadyInitialized: "already initialized",
	ErrNotInitialized:     "not initialized",
	ErrInsufficientMemory: "insufficient memory",
	ErrNoFreeBuffers:      "no free buffers",
	ErrTransferInProgress: "transfer in progress",
	ErrWriteProtected:     "write protected",
	ErrReadVerifyError:    "read verify error",
	ErrAborted:            "aborted",
	ErrHardwareTimeout:    "hardware timeout",
	ErrDeviceBusy:         "device busy",
}

func (k ErrorKind) Error() string {
	if int(k) < len(errorNames) {
		return "flash: " + errorNames[k]
	}
	return "flash: error " + utoa(uint32(k))
}

// Err converts a stored kind back to a Go error, nil for NoError.
func (k ErrorKind) Err() error {
	if k == NoError {
		return nil
	}
	return k
}

// KindOf extracts the ErrorKind carried by err. Errors that did not
// originate in the engine report ErrInvalidParameter.
func KindOf(err error) ErrorKind {
	if err == nil {
		return NoError
	}
	var k ErrorKind
	if errors.As(err, &k) {
		return k
	}
	return ErrInvalidParameter
}
