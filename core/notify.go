package core

import (
	"runtime"
	"sync/atomic"
	"time"
)

// CompletionChannel carries "something finished" from the interrupt
// handler to the mainline. Signals coalesce into a single slot, so a
// waiter must re-check the state it is waiting on after every wake.
type CompletionChannel interface {
	// Signal never blocks; it is safe from interrupt context.
	Signal()
	// Wait returns true once signalled, false after timeout. A zero
	// timeout waits forever.
	Wait(timeout time.Duration) bool
	// Pending reports whether a signal is waiting, without consuming it.
	Pending() bool
}

// FlagCompletion is a polled flag for builds without a scheduler.
type FlagCompletion struct {
	flag uint32
}

func NewFlagCompletion() *FlagCompletion {
	return &FlagCompletion{}
}

func (f *FlagCompletion) Signal() {
	atomic.StoreUint32(&f.flag, 1)
}

func (f *FlagCompletion) Pending() bool {
	return atomic.LoadUint32(&f.flag) != 0
}

func (f *FlagCompletion) Wait(timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if atomic.SwapUint32(&f.flag, 0) != 0 {
			return true
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			return false
		}
		runtime.Gosched()
	}
}

// BlockingCompletion parks the waiter on a one-slot channel.
type BlockingCompletion struct {
	ch chan struct{}
}

func NewBlockingCompletion() *BlockingCompletion {
	return &BlockingCompletion{ch: make(chan struct{}, 1)}
}

func (b *BlockingCompletion) Signal() {
	select {
	case b.ch <- struct{}{}:
	default:
	}
}

func (b *BlockingCompletion) Pending() bool {
	return len(b.ch) > 0
}

func (b *BlockingCompletion) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-b.ch
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.ch:
		return true
	case <-timer.C:
		return false
	}
}
