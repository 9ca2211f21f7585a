package bootloader

import (
	"io"
	"sync"

	"flashkit/core"
	"flashkit/protocol"
)

// Version is reported in the dictionary.
const Version = "flashkit-0.3.0"

// Server runs the link for one host connection: it frames input, runs
// commands against the devices and writes acks and responses to out.
type Server struct {
	mu    sync.Mutex
	reg   *Registry
	dict  *Dictionary
	devs  *core.Registry
	tr    *protocol.Transport
	input *protocol.FifoBuffer
	out   *protocol.ScratchOutput
	w     io.Writer
	werr  error
}

// NewServer builds the message set for devs and writes output to w.
func NewServer(devs *core.Registry, w io.Writer) *Server {
	s := &Server{
		reg:   NewRegistry(),
		devs:  devs,
		input: protocol.NewFifoBuffer(256),
		out:   protocol.NewScratchOutput(),
		w:     w,
	}
	s.dict = NewDictionary(s.reg, Version)
	s.dict.AddConstant("DEVICES", devs.MaxDevices())
	s.dict.AddConstant("MAX_PAYLOAD", protocol.MaxPayload)

	s.reg.Register("identify", "offset=%u count=%c", s.handleIdentify)
	s.registerFlash()

	s.tr = protocol.NewTransport(s.out, s.reg.Dispatch)
	s.tr.SetFlushCallback(s.flush)
	return s
}

// Registry returns the message set, for adding target specific commands
// before the host connects.
func (s *Server) Registry() *Registry {
	return s.reg
}

func (s *Server) Dictionary() *Dictionary {
	return s.dict
}

// Feed processes bytes received from the host. It returns the first error
// writing output, if any.
func (s *Server) Feed(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(p) > 0 {
		n := s.input.Write(p)
		p = p[n:]
		s.tr.Receive(s.input)
		if n == 0 && s.input.Free() == 0 {
			s.input.Reset()
		}
	}
	s.flush()
	err := s.werr
	s.werr = nil
	return err
}

// Reset drops buffered input and output and restarts the link sequence,
// for a host that reconnected.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input.Reset()
	s.out.Reset()
	s.tr.Reset()
	s.werr = nil
}

// Serve reads from r until it fails and feeds everything it gets.
func (s *Server) Serve(r io.Reader) error {
	buf := make([]byte, 64)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if ferr := s.Feed(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// SendResponse frames response name with args. It runs from handlers, so
// the server lock is already held.
func (s *Server) SendResponse(name string, args func(output protocol.OutputBuffer)) {
	cmd, ok := s.reg.Lookup(name)
	if !ok || !cmd.Response {
		return
	}
	if s.out.CurPosition()+protocol.MessageLengthMax > protocol.MessageMax {
		s.flush()
	}
	s.tr.SendCommand(cmd.ID, args)
}

func (s *Server) flush() {
	if s.out.CurPosition() == 0 {
		return
	}
	if _, err := s.w.Write(s.out.Result()); err != nil && s.werr == nil {
		s.werr = err
	}
	s.out.Reset()
}

func (s *Server) handleIdentify(data *[]byte) error {
	offset, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	count, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	// Leave room for the id, offset and length prefix.
	if max := uint32(protocol.MaxPayload - 8); count > max {
		count = max
	}
	chunk := s.dict.Chunk(offset, uint8(count))
	s.SendResponse("identify_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQBytes(output, chunk)
	})
	return nil
}
