//go:build rp2040

package main

import (
	"runtime/volatile"
	"time"
	"unsafe"
)

// RP2040 timer peripheral
const (
	timerBase     = 0x40054000
	timerTIMERAWH = timerBase + 0x24 // Raw timer high word
	timerTIMERAWL = timerBase + 0x28 // Raw timer low word
)

var (
	timerRAWH = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTIMERAWH)))
	timerRAWL = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTIMERAWL)))
)

// ClockFreq is the timer rate.
const ClockFreq = 1000000

// hardwareUptime reads the 64-bit microsecond counter.
func hardwareUptime() uint64 {
	// High, low, high again to catch a carry between the reads.
	for {
		high1 := timerRAWH.Get()
		low := timerRAWL.Get()
		high2 := timerRAWH.Get()
		if high1 == high2 {
			return (uint64(high1) << 32) | uint64(low)
		}
	}
}

// engineNow is the flash engine clock. It keeps running with interrupts
// masked, which the scheduler clock does not.
func engineNow() time.Time {
	return time.Unix(0, int64(hardwareUptime())*1000)
}
