package pio

import "flashkit/core"

// DefaultPollLimit bounds the wait on a FIFO for one byte.
const DefaultPollLimit = 100000

// waitWhile spins while cond holds, giving up after limit checks.
func waitWhile(cond func() bool, limit int) error {
	for i := 0; cond(); i++ {
		if i >= limit {
			return core.ErrHardwareTimeout
		}
	}
	return nil
}
