//go:build !tinygo

package protocol

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// DefaultAckTimeout bounds SendCommand.
const DefaultAckTimeout = 2 * time.Second

// ResponseHandler sees every response as it arrives, before it is queued
// for ReceiveResponse.
type ResponseHandler func(cmdID uint16, data *[]byte) error

// Message is one frame received by the host.
type Message struct {
	Length   uint8
	Sequence uint8
	// Payload is the frame body: command id and arguments.
	Payload []byte
	CRC     uint16
}

// HostTransport is the host end of the link. It sends one command frame
// at a time, waits for its ack and queues responses.
type HostTransport struct {
	port io.ReadWriteCloser

	seq    uint32 // atomic; sequence of the next command
	synced uint32 // atomic bool

	input *FifoBuffer

	acks      chan *Message
	responses chan *Message
	onResp    ResponseHandler

	writeMu sync.Mutex
	readMu  sync.Mutex

	stop chan struct{}
	done chan struct{}
}

// NewHostTransport takes ownership of port and starts reading it.
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:      port,
		seq:       MessageDest,
		synced:    1,
		input:     NewFifoBuffer(1024),
		acks:      make(chan *Message, 1),
		responses: make(chan *Message, 16),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// SendCommand sends one command and waits for the ack.
func (t *HostTransport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	return t.SendCommandWithTimeout(cmdID, args, DefaultAckTimeout)
}

// SendCommandWithTimeout is SendCommand with an explicit ack timeout.
func (t *HostTransport) SendCommandWithTimeout(cmdID uint16, args func(output OutputBuffer), timeout time.Duration) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	seq := uint8(atomic.LoadUint32(&t.seq))
	msg, err := BuildFrame(seq, cmdID, args)
	if err != nil {
		return errors.Trace(err)
	}
	glog.V(3).Infof("tx seq=%#02x % x", seq, msg)
	n, err := t.port.Write(msg)
	if err != nil {
		return errors.Annotate(err, "write frame")
	}
	if n != len(msg) {
		return errors.Errorf("short write: %d of %d bytes", n, len(msg))
	}
	return errors.Trace(t.waitForAck(seq, timeout))
}

// BuildFrame encodes a single-command frame with sequence seq.
func BuildFrame(seq uint8, cmdID uint16, args func(output OutputBuffer)) ([]byte, error) {
	out := NewScratchOutput()
	out.Output([]byte{0, seq})
	EncodeVLQUint(out, uint32(cmdID))
	if args != nil {
		args(out)
	}
	if out.CurPosition()+MessageTrailerSize > MessageLengthMax {
		return nil, errors.Errorf("frame too long: %d bytes (max %d)", out.CurPosition()+MessageTrailerSize, MessageLengthMax)
	}
	appendTrailer(out, 0)
	return append([]byte(nil), out.Result()...), nil
}

func (t *HostTransport) waitForAck(seq uint8, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ack := <-t.acks:
		want := nextSeq(seq)
		if ack.Sequence != want {
			return errors.Errorf("nak: expected sequence %#02x, device wants %#02x", want, ack.Sequence)
		}
		atomic.StoreUint32(&t.seq, uint32(want))
		return nil
	case <-timer.C:
		return errors.Timeoutf("ack after %v", timeout)
	case <-t.stop:
		return errors.New("transport stopped")
	}
}

// ReceiveResponse returns the oldest queued response.
func (t *HostTransport) ReceiveResponse(timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-t.responses:
		return resp, nil
	case <-timer.C:
		return nil, errors.Timeoutf("response after %v", timeout)
	case <-t.stop:
		return nil, errors.New("transport stopped")
	}
}

// SetResponseHandler installs a callback for every response.
func (t *HostTransport) SetResponseHandler(handler ResponseHandler) {
	t.readMu.Lock()
	t.onResp = handler
	t.readMu.Unlock()
}

func (t *HostTransport) readLoop() {
	defer close(t.done)
	buf := make([]byte, 256)
	for {
		select {
		case <-t.stop:
			return
		default:
		}
		n, err := t.port.Read(buf)
		if n > 0 {
			t.feed(buf[:n])
		}
		if err == io.EOF || err == io.ErrClosedPipe {
			return
		}
		if err != nil {
			glog.V(2).Infof("read: %v", err)
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (t *HostTransport) feed(p []byte) {
	t.readMu.Lock()
	defer t.readMu.Unlock()

	for len(p) > 0 {
		n := t.input.Write(p)
		p = p[n:]
		t.parse()
		if n == 0 && len(p) > 0 {
			// Nothing parseable in a full buffer.
			t.input.Reset()
		}
	}
}

// parse runs with readMu held.
func (t *HostTransport) parse() {
	data := t.input.Data()
	for len(data) > 0 {
		if atomic.LoadUint32(&t.synced) == 0 {
			var found bool
			data, found = skipToSync(data)
			if found {
				atomic.StoreUint32(&t.synced, 1)
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
			glog.V(2).Infof("bad frame, resynchronizing")
			atomic.StoreUint32(&t.synced, 0)
			continue
		}
		n := f.length
		msg := &Message{
			Length:   uint8(n),
			Sequence: f.seq,
			Payload:  append([]byte(nil), f.payload...),
			CRC:      uint16(data[n-MessageTrailerCRC])<<8 | uint16(data[n-MessageTrailerCRC+1]),
		}
		data = data[n:]
		t.deliver(msg)
	}
	if used := t.input.Available() - len(data); used > 0 {
		t.input.Pop(used)
	}
}

func (t *HostTransport) deliver(msg *Message) {
	if len(msg.Payload) == 0 {
		select {
		case t.acks <- msg:
		default:
			glog.V(2).Infof("dropping duplicate ack seq=%#02x", msg.Sequence)
		}
		return
	}
	glog.V(3).Infof("rx % x", msg.Payload)

	if t.onResp != nil {
		body := append([]byte(nil), msg.Payload...)
		if id, err := DecodeVLQUint(&body); err == nil {
			t.onResp(uint16(id), &body)
		}
	}
	select {
	case t.responses <- msg:
	default:
		// Keep the newest responses.
		select {
		case <-t.responses:
		default:
		}
		t.responses <- msg
	}
}

// Close stops the reader and closes the port.
func (t *HostTransport) Close() error {
	close(t.stop)
	err := t.port.Close()
	<-t.done
	return errors.Trace(err)
}

// Reset drops queued acks, responses and buffered input and restarts
// the sequence.
func (t *HostTransport) Reset() {
	t.readMu.Lock()
	defer t.readMu.Unlock()
	atomic.StoreUint32(&t.synced, 1)
	atomic.StoreUint32(&t.seq, MessageDest)
	for len(t.acks) > 0 {
		<-t.acks
	}
	for len(t.responses) > 0 {
		<-t.responses
	}
	t.input.Reset()
}

// Sequence returns the sequence of the next command.
func (t *HostTransport) Sequence() uint8 {
	return uint8(atomic.LoadUint32(&t.seq))
}
