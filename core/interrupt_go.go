//go:build !tinygo

package core

import "sync"

// State is a placeholder for interrupt state on regular Go
type State uintptr

// irqLock stands in for the interrupt mask on a host. Simulated interrupt
// handlers run on their own goroutines and take the same lock, so a
// critical section excludes them just as masking does on hardware.
// Critical sections must not nest.
var irqLock sync.Mutex

// disableInterrupts enters the critical section
func disableInterrupts() State {
	irqLock.Lock()
	return 0
}

// restoreInterrupts leaves the critical section
func restoreInterrupts(state State) {
	irqLock.Unlock()
}
