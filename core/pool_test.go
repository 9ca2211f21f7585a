package core

import (
	"math/rand"
	"testing"
)

func TestBufferPoolCapacity(t *testing.T) {
	if _, err := NewBufferPool(0); err != ErrInsufficientMemory {
		t.Errorf("Expected ErrInsufficientMemory for empty pool, got %v", err)
	}
	if _, err := NewBufferPool(MaxPoolSize + 1); err != ErrInsufficientMemory {
		t.Errorf("Expected ErrInsufficientMemory for oversized pool, got %v", err)
	}

	storage := make([]TransferBuffer, 3)
	pool, err := NewBufferPoolFrom(storage)
	if err != nil {
		t.Fatalf("NewBufferPoolFrom failed: %v", err)
	}
	if pool.Capacity() != 3 {
		t.Errorf("Expected capacity 3, got %d", pool.Capacity())
	}
	free, pending, completed := pool.Counts()
	if free != 3 || pending != 0 || completed != 0 {
		t.Errorf("Expected 3/0/0, got %d/%d/%d", free, pending, completed)
	}
}

func TestBufferPoolExhaustion(t *testing.T) {
	pool, _ := NewBufferPool(2)

	a, ok := pool.AcquireFree()
	if !ok {
		t.Fatal("First acquire failed")
	}
	b, ok := pool.AcquireFree()
	if !ok {
		t.Fatal("Second acquire failed")
	}
	if a == b {
		t.Errorf("Expected distinct handles, got %d twice", a)
	}
	if _, ok := pool.AcquireFree(); ok {
		t.Error("Expected exhausted pool to refuse a third acquire")
	}

	if err := pool.Release(a, ListFree); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, ok := pool.AcquireFree(); !ok {
		t.Error("Expected acquire to succeed after release")
	}
}

func TestBufferPoolFIFO(t *testing.T) {
	pool, _ := NewBufferPool(4)

	var order []BufferHandle
	for i := 0; i < 4; i++ {
		h, _ := pool.AcquireFree()
		pool.Release(h, ListPending)
		order = append(order, h)
	}

	for i, want := range order {
		state := disableInterrupts()
		got := pool.popPending()
		restoreInterrupts(state)
		if got != want {
			t.Errorf("Pop %d: expected handle %d, got %d", i, want, got)
		}
		if err := pool.Release(got, ListCompleted); err != nil {
			t.Fatalf("Release to completed failed: %v", err)
		}
	}

	if _, _, completed := pool.Counts(); completed != 4 {
		t.Errorf("Expected 4 completed buffers, got %d", completed)
	}
}

func TestBufferPoolSingleActive(t *testing.T) {
	pool, _ := NewBufferPool(2)
	a, _ := pool.AcquireFree()
	b, _ := pool.AcquireFree()

	if err := pool.Release(a, ListActive); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if err := pool.Release(b, ListActive); err != ErrTransferInProgress {
		t.Errorf("Expected ErrTransferInProgress for second active buffer, got %v", err)
	}
	if where := pool.Where(b); where != listHeld {
		t.Errorf("Expected refused buffer to stay held, got %s", where)
	}
	if h, ok := pool.Active(); !ok || h != a {
		t.Errorf("Expected active %d, got %d (%v)", a, h, ok)
	}
}

func TestBufferPoolUnlinkMiddle(t *testing.T) {
	pool, _ := NewBufferPool(3)
	var hs []BufferHandle
	for i := 0; i < 3; i++ {
		h, _ := pool.AcquireFree()
		pool.Release(h, ListCompleted)
		hs = append(hs, h)
	}

	if err := pool.Release(hs[1], ListFree); err != nil {
		t.Fatalf("Release from middle failed: %v", err)
	}
	free, _, completed := pool.Counts()
	if free != 1 || completed != 2 {
		t.Errorf("Expected 1 free and 2 completed, got %d and %d", free, completed)
	}

	state := disableInterrupts()
	first := pool.pop(&pool.completed)
	second := pool.pop(&pool.completed)
	restoreInterrupts(state)
	if first != hs[0] || second != hs[2] {
		t.Errorf("Expected completed order %d,%d, got %d,%d", hs[0], hs[2], first, second)
	}
}

// Every slot stays in exactly one list whatever sequence of moves runs.
func TestBufferPoolPartitionInvariant(t *testing.T) {
	const capacity = 5
	pool, _ := NewBufferPool(capacity)
	rng := rand.New(rand.NewSource(1))
	held := map[BufferHandle]bool{}

	for step := 0; step < 2000; step++ {
		switch rng.Intn(4) {
		case 0:
			if h, ok := pool.AcquireFree(); ok {
				held[h] = true
			}
		case 1:
			for h := range held {
				pool.Release(h, ListPending)
				delete(held, h)
				break
			}
		case 2:
			state := disableInterrupts()
			if h := pool.popPending(); h != NoBuffer {
				pool.move(h, ListCompleted)
			}
			restoreInterrupts(state)
		case 3:
			state := disableInterrupts()
			if h := pool.completed.head; h != NoBuffer {
				pool.move(h, ListFree)
			}
			restoreInterrupts(state)
		}

		free, pending, completed := pool.Counts()
		active := 0
		if _, ok := pool.Active(); ok {
			active = 1
		}
		if total := free + pending + completed + active + len(held); total != capacity {
			t.Fatalf("Step %d: lists hold %d buffers, expected %d", step, total, capacity)
		}
	}
}
