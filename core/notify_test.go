package core

import (
	"testing"
	"time"
)

func testCompletion(t *testing.T, c CompletionChannel) {
	if c.Wait(5 * time.Millisecond) {
		t.Error("Expected Wait to time out without a signal")
	}

	c.Signal()
	c.Signal()
	if !c.Pending() {
		t.Error("Expected a pending signal")
	}
	if !c.Wait(time.Second) {
		t.Error("Expected Wait to see the signal")
	}
	if c.Pending() {
		t.Error("Expected signals to coalesce into one")
	}

	go func() {
		time.Sleep(time.Millisecond)
		c.Signal()
	}()
	if !c.Wait(time.Second) {
		t.Error("Expected Wait to wake on a signal from another goroutine")
	}
}

func TestFlagCompletion(t *testing.T) {
	testCompletion(t, NewFlagCompletion())
}

func TestBlockingCompletion(t *testing.T) {
	testCompletion(t, NewBlockingCompletion())
}
