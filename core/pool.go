package core

// BufferHandle indexes a slot in a BufferPool.
type BufferHandle uint8

// NoBuffer is the null handle.
const NoBuffer BufferHandle = 0xFF

// MaxPoolSize is the largest pool a handle can address.
const MaxPoolSize = int(NoBuffer)

// ListID names the list a buffer lives on.
type ListID uint8

const (
	ListFree ListID = iota
	ListPending
	ListActive
	ListCompleted

	// listHeld marks a buffer acquired but not yet queued.
	listHeld
)

func (l ListID) String() string {
	switch l {
	case ListFree:
		return "free"
	case ListPending:
		return "pending"
	case ListActive:
		return "active"
	case ListCompleted:
		return "completed"
	case listHeld:
		return "held"
	}
	return "unknown"
}

// TransferBuffer describes one write transfer. Source is borrowed from the
// caller and must stay untouched until the buffer is retrieved.
type TransferBuffer struct {
	Handle    BufferHandle
	Address   uint32
	Source    []byte
	Total     uint32
	Remaining uint32
	// Err is set once when the transfer fails and never cleared while the
	// buffer is in flight.
	Err ErrorKind
	// Tag is an opaque caller cookie carried through the queue.
	Tag uint32

	next BufferHandle
	list ListID
}

// Done returns the number of bytes programmed so far.
func (b *TransferBuffer) Done() uint32 {
	return b.Total - b.Remaining
}

type queue struct {
	head, tail BufferHandle
	n          int
}

func (q *queue) init() {
	q.head, q.tail, q.n = NoBuffer, NoBuffer, 0
}

// BufferPool partitions a fixed arena of TransferBuffers into free,
// pending, active and completed. Every slot is in exactly one state.
// Exported methods take the critical section; the lower-case helpers
// assume the caller already holds it.
type BufferPool struct {
	slots     []TransferBuffer
	free      queue
	pending   queue
	completed queue
	active    BufferHandle
}

// NewBufferPool allocates a pool with capacity slots.
func NewBufferPool(capacity int) (*BufferPool, error) {
	if capacity <= 0 || capacity > MaxPoolSize {
		return nil, ErrInsufficientMemory
	}
	return NewBufferPoolFrom(make([]TransferBuffer, capacity))
}

// NewBufferPoolFrom builds a pool on caller-supplied storage.
func NewBufferPoolFrom(storage []TransferBuffer) (*BufferPool, error) {
	if len(storage) == 0 || len(storage) > MaxPoolSize {
		return nil, ErrInsufficientMemory
	}
	p := &BufferPool{slots: storage}
	p.reset()
	return p, nil
}

func (p *BufferPool) reset() {
	p.free.init()
	p.pending.init()
	p.completed.init()
	p.active = NoBuffer
	for i := range p.slots {
		p.slots[i] = TransferBuffer{Handle: BufferHandle(i), next: NoBuffer}
		p.push(&p.free, BufferHandle(i), ListFree)
	}
}

// Capacity returns the number of slots.
func (p *BufferPool) Capacity() int {
	return len(p.slots)
}

// AcquireFree takes a buffer off the free list. The second result is
// false when the pool is exhausted, which is backpressure and not an
// error.
func (p *BufferPool) AcquireFree() (BufferHandle, bool) {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	h := p.pop(&p.free)
	if h == NoBuffer {
		return NoBuffer, false
	}
	p.slots[h].list = listHeld
	return h, true
}

// Release moves h onto list to.
func (p *BufferPool) Release(h BufferHandle, to ListID) error {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return p.move(h, to)
}

// Counts returns the sizes of the free, pending and completed lists.
func (p *BufferPool) Counts() (free, pending, completed int) {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return p.free.n, p.pending.n, p.completed.n
}

// Active returns the handle currently being programmed.
func (p *BufferPool) Active() (BufferHandle, bool) {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	return p.active, p.active != NoBuffer
}

// Buffer returns a snapshot of slot h.
func (p *BufferPool) Buffer(h BufferHandle) (TransferBuffer, bool) {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	if !p.valid(h) {
		return TransferBuffer{}, false
	}
	return p.slots[h], true
}

// Where reports which list h is on.
func (p *BufferPool) Where(h BufferHandle) ListID {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	if !p.valid(h) {
		return ListFree
	}
	return p.slots[h].list
}

func (p *BufferPool) valid(h BufferHandle) bool {
	return int(h) < len(p.slots)
}

func (p *BufferPool) slot(h BufferHandle) *TransferBuffer {
	return &p.slots[h]
}

func (p *BufferPool) queueFor(l ListID) *queue {
	switch l {
	case ListFree:
		return &p.free
	case ListPending:
		return &p.pending
	case ListCompleted:
		return &p.completed
	}
	return nil
}

func (p *BufferPool) push(q *queue, h BufferHandle, l ListID) {
	b := &p.slots[h]
	b.next = NoBuffer
	b.list = l
	if q.tail == NoBuffer {
		q.head = h
	} else {
		p.slots[q.tail].next = h
	}
	q.tail = h
	q.n++
}

func (p *BufferPool) pop(q *queue) BufferHandle {
	h := q.head
	if h == NoBuffer {
		return NoBuffer
	}
	q.head = p.slots[h].next
	if q.head == NoBuffer {
		q.tail = NoBuffer
	}
	p.slots[h].next = NoBuffer
	q.n--
	return h
}

// unlink removes h from q. Removal at the head is O(1); anywhere else it
// walks the list.
func (p *BufferPool) unlink(q *queue, h BufferHandle) bool {
	if q.head == h {
		p.pop(q)
		return true
	}
	prev := q.head
	for prev != NoBuffer {
		next := p.slots[prev].next
		if next == h {
			p.slots[prev].next = p.slots[h].next
			if q.tail == h {
				q.tail = prev
			}
			p.slots[h].next = NoBuffer
			q.n--
			return true
		}
		prev = next
	}
	return false
}

func (p *BufferPool) move(h BufferHandle, to ListID) error {
	if !p.valid(h) {
		return ErrInvalidHandle
	}
	if to > ListCompleted {
		return ErrInvalidParameter
	}
	b := &p.slots[h]
	if b.list == to {
		return nil
	}
	if to == ListActive && p.active != NoBuffer {
		return ErrTransferInProgress
	}
	switch b.list {
	case ListActive:
		p.active = NoBuffer
	case listHeld:
	default:
		if !p.unlink(p.queueFor(b.list), h) {
			return ErrInvalidHandle
		}
	}
	if to == ListActive {
		p.active = h
		b.list = ListActive
		return nil
	}
	if to == ListFree {
		*b = TransferBuffer{Handle: h, next: NoBuffer}
	}
	p.push(p.queueFor(to), h, to)
	return nil
}

// popPending promotes the oldest pending buffer to active.
func (p *BufferPool) popPending() BufferHandle {
	if p.active != NoBuffer {
		return NoBuffer
	}
	h := p.pop(&p.pending)
	if h == NoBuffer {
		return NoBuffer
	}
	p.active = h
	p.slots[h].list = ListActive
	return h
}
