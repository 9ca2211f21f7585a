package protocol

import "sync/atomic"

// CommandHandler handles one decoded command. data is positioned just
// after the command id and the handler consumes its own arguments.
type CommandHandler func(cmdID uint16, data *[]byte) error

// Transport is the device end of the link. It validates and acknowledges
// host frames, dispatches the commands inside them and frames responses.
type Transport struct {
	synced  uint32 // atomic bool
	nextSeq uint32 // atomic; sequence expected from the host

	output  OutputBuffer
	handler CommandHandler

	resetCallback func()
	flushCallback func()
}

// NewTransport starts synchronized and expecting sequence 0x10.
func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	return &Transport{
		synced:  1,
		nextSeq: MessageDest,
		output:  output,
		handler: handler,
	}
}

// Receive parses every complete frame in input and pops what it used.
// A partial frame is left for the next call.
func (t *Transport) Receive(input InputBuffer) {
	data := input.Data()
	for len(data) > 0 {
		if !t.synchronized() {
			var found bool
			data, found = skipToSync(data)
			if found {
				t.setSynchronized(true)
				t.sendAck()
			}
			continue
		}
		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}

		f, res := scanFrame(data)
		if res == scanShort {
			break
		}
		if res == scanBad {
			t.setSynchronized(false)
			continue
		}
		data = data[f.length:]

		expected := uint8(atomic.LoadUint32(&t.nextSeq))
		if f.seq == MessageDest && expected != MessageDest {
			// The host restarted its sequence.
			atomic.StoreUint32(&t.nextSeq, MessageDest)
			expected = MessageDest
			if t.resetCallback != nil {
				t.resetCallback()
			}
		}
		if f.seq == expected {
			atomic.StoreUint32(&t.nextSeq, uint32(nextSeq(f.seq)))
			t.dispatch(f.payload)
		}
		// A stale sequence still gets an ack, which the host reads as a
		// nak carrying the sequence we want.
		t.sendAck()
	}

	if used := input.Available() - len(data); used > 0 {
		input.Pop(used)
	}
}

// dispatch runs every command in a frame body. A panicking handler
// drops the link out of sync instead of taking the firmware down.
func (t *Transport) dispatch(body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.setSynchronized(false)
		}
	}()

	for len(body) > 0 {
		id, err := DecodeVLQUint(&body)
		if err != nil {
			t.setSynchronized(false)
			return err
		}
		if t.handler == nil {
			continue
		}
		if err := t.handler(uint16(id), &body); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) sendAck() {
	t.output.Output(AckFrame(uint8(atomic.LoadUint32(&t.nextSeq))))
	if t.flushCallback != nil {
		t.flushCallback()
	}
}

// EncodeFrame writes one frame whose body is produced by body. Responses
// carry the sequence the device expects next.
func (t *Transport) EncodeFrame(body func(output OutputBuffer)) {
	start := t.output.CurPosition()
	t.output.Output([]byte{0, uint8(atomic.LoadUint32(&t.nextSeq))})
	body(t.output)
	appendTrailer(t.output, start)
}

// SendCommand frames a response: its id followed by args.
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) {
	t.EncodeFrame(func(output OutputBuffer) {
		EncodeVLQUint(output, uint32(cmdID))
		if args != nil {
			args(output)
		}
	})
}

// Reset returns to the power-on state, for a reconnect.
func (t *Transport) Reset() {
	atomic.StoreUint32(&t.synced, 1)
	atomic.StoreUint32(&t.nextSeq, MessageDest)
	if t.resetCallback != nil {
		t.resetCallback()
	}
}

// SetResetCallback installs a hook run when the host restarts its
// sequence.
func (t *Transport) SetResetCallback(callback func()) {
	t.resetCallback = callback
}

// SetFlushCallback installs a hook run after every ack so it goes out
// ahead of queued responses.
func (t *Transport) SetFlushCallback(callback func()) {
	t.flushCallback = callback
}

func (t *Transport) synchronized() bool {
	return atomic.LoadUint32(&t.synced) != 0
}

func (t *Transport) setSynchronized(v bool) {
	var n uint32
	if v {
		n = 1
	}
	atomic.StoreUint32(&t.synced, n)
}
