package bootloader

import (
	"flashkit/core"
	"flashkit/protocol"
)

// MaxReadChunk is the most flash_read returns per request; a flash_data
// frame must still fit in MessageLengthMax.
const MaxReadChunk = 48

func (s *Server) registerFlash() {
	r := s.reg
	r.Response("flash_status", "dev=%c status=%c remaining=%u")
	r.Response("flash_info_response", "dev=%c status=%c size=%u page=%u sector=%u word=%u erase=%c mode=%c")
	r.Response("flash_submit_response", "dev=%c status=%c handle=%c")
	r.Response("flash_poll_response", "dev=%c ready=%c tag=%u status=%c remaining=%u")
	r.Response("flash_data", "dev=%c status=%c addr=%u data=%*s")
	r.Response("flash_crc_response", "dev=%c status=%c crc=%c")
	r.Response("flash_stats_response", "dev=%c status=%c commands=%u written=%u erased=%u errors=%u timeouts=%u aborts=%u")

	r.Register("flash_open", "dev=%c", s.handleOpen)
	r.Register("flash_close", "dev=%c", s.handleClose)
	r.Register("flash_info", "dev=%c", s.handleInfo)
	r.Register("flash_write", "dev=%c addr=%u data=%*s", s.handleWrite)
	r.Register("flash_submit", "dev=%c tag=%u addr=%u data=%*s", s.handleSubmit)
	r.Register("flash_poll", "dev=%c", s.handlePoll)
	r.Register("flash_erase", "dev=%c start=%u end=%u", s.handleErase)
	r.Register("flash_erase_bank", "dev=%c mode=%c", s.handleEraseBank)
	r.Register("flash_abort", "dev=%c", s.handleAbort)
	r.Register("flash_read", "dev=%c addr=%u count=%c", s.handleRead)
	r.Register("flash_crc", "dev=%c addr=%u count=%u", s.handleCRC)
	r.Register("flash_stats", "dev=%c", s.handleStats)
}

// decode reads n unsigned arguments.
func decode(data *[]byte, out ...*uint32) error {
	for _, p := range out {
		v, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}

func (s *Server) device(id uint32) (*core.Device, core.ErrorKind) {
	dev, err := s.devs.Lookup(int(id))
	return dev, core.KindOf(err)
}

func (s *Server) sendStatus(dev uint32, err error, remaining uint32) {
	s.SendResponse("flash_status", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, dev)
		protocol.EncodeVLQUint(output, uint32(core.KindOf(err)))
		protocol.EncodeVLQUint(output, remaining)
	})
}

func (s *Server) handleOpen(data *[]byte) error {
	var id uint32
	if err := decode(data, &id); err != nil {
		return err
	}
	_, err := s.devs.Open(int(id))
	s.sendStatus(id, err, 0)
	return nil
}

func (s *Server) handleClose(data *[]byte) error {
	var id uint32
	if err := decode(data, &id); err != nil {
		return err
	}
	dev, kind := s.device(id)
	var err error = kind.Err()
	if dev != nil {
		err = s.devs.Close(dev)
	}
	s.sendStatus(id, err, 0)
	return nil
}

func (s *Server) handleInfo(data *[]byte) error {
	var id uint32
	if err := decode(data, &id); err != nil {
		return err
	}
	var geo core.Geometry
	var mode core.Mode
	dev, kind := s.device(id)
	if dev != nil {
		geo = dev.Geometry()
		mode = dev.Mode()
	}
	s.SendResponse("flash_info_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, id)
		protocol.EncodeVLQUint(output, uint32(kind))
		protocol.EncodeVLQUint(output, geo.Size)
		protocol.EncodeVLQUint(output, geo.PageSize)
		protocol.EncodeVLQUint(output, geo.SectorSize)
		protocol.EncodeVLQUint(output, geo.WordSize)
		protocol.EncodeVLQUint(output, uint32(geo.EraseValue))
		protocol.EncodeVLQUint(output, uint32(mode))
	})
	return nil
}

func (s *Server) handleWrite(data *[]byte) error {
	var id, addr uint32
	if err := decode(data, &id, &addr); err != nil {
		return err
	}
	payload, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}
	dev, kind := s.device(id)
	if dev == nil {
		s.sendStatus(id, kind.Err(), uint32(len(payload)))
		return nil
	}
	b, werr := dev.WriteTransfer(addr, payload, uint32(len(payload)))
	s.sendStatus(id, werr, b.Remaining)
	return nil
}

func (s *Server) handleSubmit(data *[]byte) error {
	var id, tag, addr uint32
	if err := decode(data, &id, &tag, &addr); err != nil {
		return err
	}
	payload, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}
	h := core.NoBuffer
	dev, kind := s.device(id)
	serr := kind.Err()
	if dev != nil {
		// The frame is reused once this handler returns.
		src := append([]byte(nil), payload...)
		h, serr = dev.SubmitTagged(addr, src, uint32(len(src)), tag)
	}
	s.SendResponse("flash_submit_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, id)
		protocol.EncodeVLQUint(output, uint32(core.KindOf(serr)))
		protocol.EncodeVLQUint(output, uint32(h))
	})
	return nil
}

func (s *Server) handlePoll(data *[]byte) error {
	var id uint32
	if err := decode(data, &id); err != nil {
		return err
	}
	var ready uint32
	var b core.TransferBuffer
	dev, kind := s.device(id)
	if dev != nil && dev.IsReady() {
		var err error
		b, err = dev.RetrieveTransfer()
		kind = core.KindOf(err)
		ready = 1
	}
	s.SendResponse("flash_poll_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, id)
		protocol.EncodeVLQUint(output, ready)
		protocol.EncodeVLQUint(output, b.Tag)
		protocol.EncodeVLQUint(output, uint32(kind))
		protocol.EncodeVLQUint(output, b.Remaining)
	})
	return nil
}

func (s *Server) handleErase(data *[]byte) error {
	var id, start, end uint32
	if err := decode(data, &id, &start, &end); err != nil {
		return err
	}
	dev, kind := s.device(id)
	err := kind.Err()
	if dev != nil {
		err = dev.EraseSectors(start, end)
	}
	s.sendStatus(id, err, 0)
	return nil
}

func (s *Server) handleEraseBank(data *[]byte) error {
	var id, mode uint32
	if err := decode(data, &id, &mode); err != nil {
		return err
	}
	dev, kind := s.device(id)
	err := kind.Err()
	if dev != nil {
		err = dev.EraseBank(core.BankMode(mode))
	}
	s.sendStatus(id, err, 0)
	return nil
}

func (s *Server) handleAbort(data *[]byte) error {
	var id uint32
	if err := decode(data, &id); err != nil {
		return err
	}
	dev, kind := s.device(id)
	err := kind.Err()
	if dev != nil {
		err = dev.Abort()
	}
	s.sendStatus(id, err, 0)
	return nil
}

func (s *Server) handleRead(data *[]byte) error {
	var id, addr, count uint32
	if err := decode(data, &id, &addr, &count); err != nil {
		return err
	}
	if count > MaxReadChunk {
		count = MaxReadChunk
	}
	var buf [MaxReadChunk]byte
	out := buf[:count]
	dev, kind := s.device(id)
	if dev != nil {
		_, err := dev.ReadAt(out, int64(addr))
		kind = core.KindOf(err)
	}
	if kind != core.NoError {
		out = nil
	}
	s.SendResponse("flash_data", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, id)
		protocol.EncodeVLQUint(output, uint32(kind))
		protocol.EncodeVLQUint(output, addr)
		protocol.EncodeVLQBytes(output, out)
	})
	return nil
}

func (s *Server) handleCRC(data *[]byte) error {
	var id, addr, count uint32
	if err := decode(data, &id, &addr, &count); err != nil {
		return err
	}
	var crc uint8
	dev, kind := s.device(id)
	if dev != nil {
		var err error
		crc, err = dev.Checksum(addr, count)
		kind = core.KindOf(err)
	}
	s.SendResponse("flash_crc_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, id)
		protocol.EncodeVLQUint(output, uint32(kind))
		protocol.EncodeVLQUint(output, uint32(crc))
	})
	return nil
}

func (s *Server) handleStats(data *[]byte) error {
	var id uint32
	if err := decode(data, &id); err != nil {
		return err
	}
	var st core.Stats
	dev, kind := s.device(id)
	if dev != nil {
		st = dev.Stats()
	}
	s.SendResponse("flash_stats_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, id)
		protocol.EncodeVLQUint(output, uint32(kind))
		for _, v := range []uint32{st.Commands, st.BytesWritten, st.SectorsErased, st.Errors, st.Timeouts, st.Aborts} {
			protocol.EncodeVLQUint(output, v)
		}
	})
	return nil
}
