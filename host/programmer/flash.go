package programmer

import (
	"github.com/golang/glog"
	"github.com/juju/errors"

	"flashkit/core"
)

// WriteChunk is the data carried by one flash_write. It keeps the frame
// under the link limit and is a multiple of every word size in use.
const WriteChunk = 48

// ReadChunk matches the bootloader's flash_read limit.
const ReadChunk = 48

// Info is what flash_info reports.
type Info struct {
	core.Geometry
	Mode core.Mode
}

func (p *Programmer) Info(id uint8) (Info, error) {
	v, err := p.call("flash_info", dev(id, nil), "flash_info_response")
	if err != nil {
		return Info{}, errors.Annotatef(err, "info dev %d", id)
	}
	return Info{
		Geometry: core.Geometry{
			Size:       v.Uint("size"),
			WordSize:   v.Uint("word"),
			PageSize:   v.Uint("page"),
			SectorSize: v.Uint("sector"),
			EraseValue: byte(v.Uint("erase")),
		},
		Mode: core.Mode(v.Uint("mode")),
	}, nil
}

func (p *Programmer) status(op string, id uint8, ints map[string]uint32) error {
	_, err := p.call(op, dev(id, ints), "flash_status")
	return errors.Annotatef(err, "%s dev %d", op, id)
}

// OpenDevice opens a device the firmware registered but left closed.
func (p *Programmer) OpenDevice(id uint8) error {
	return p.status("flash_open", id, nil)
}

func (p *Programmer) CloseDevice(id uint8) error {
	return p.status("flash_close", id, nil)
}

// Erase erases sectors start through end inclusive.
func (p *Programmer) Erase(id uint8, start, end uint32) error {
	return p.status("flash_erase", id, map[string]uint32{"start": start, "end": end})
}

// EraseRange erases every sector touched by length bytes at addr.
func (p *Programmer) EraseRange(id uint8, info Info, addr, length uint32) error {
	if length == 0 {
		return nil
	}
	if info.SectorSize == 0 {
		return errors.NotValidf("sector size 0")
	}
	return p.Erase(id, addr/info.SectorSize, (addr+length-1)/info.SectorSize)
}

func (p *Programmer) EraseBank(id uint8, mode core.BankMode) error {
	return p.status("flash_erase_bank", id, map[string]uint32{"mode": uint32(mode)})
}

func (p *Programmer) Abort(id uint8) error {
	return p.status("flash_abort", id, nil)
}

// Pad extends image with the erase value to a whole number of words.
func Pad(image []byte, info Info) []byte {
	word := int(info.WordSize)
	if word <= 1 || len(image)%word == 0 {
		return image
	}
	out := make([]byte, len(image), len(image)+word-len(image)%word)
	copy(out, image)
	for len(out)%word != 0 {
		out = append(out, info.EraseValue)
	}
	return out
}

// Write programs image at addr in WriteChunk pieces. A chunk that fails
// with a transient status resumes from where the device stopped.
func (p *Programmer) Write(id uint8, info Info, addr uint32, image []byte, progress func(done, total int)) error {
	image = Pad(image, info)
	chunk := WriteChunk
	if w := int(info.WordSize); w > 1 {
		chunk -= chunk % w
	}
	for off := 0; off < len(image); {
		n := chunk
		if n > len(image)-off {
			n = len(image) - off
		}
		done, err := p.writeChunk(id, addr+uint32(off), image[off:off+n])
		off += done
		if err != nil {
			return errors.Annotatef(err, "write dev %d at %#x", id, addr+uint32(off))
		}
		if progress != nil {
			progress(off, len(image))
		}
	}
	return nil
}

func (p *Programmer) writeChunk(id uint8, addr uint32, data []byte) (int, error) {
	done := 0
	var err error
	for attempt := 0; attempt <= p.Retries && done < len(data); attempt++ {
		args := dev(id, map[string]uint32{"addr": addr + uint32(done)})
		args.Data = map[string][]byte{"data": data[done:]}
		v, cerr := p.Call("flash_write", args, "flash_status")
		if cerr != nil {
			err = cerr
			if errors.Is(cerr, errors.Timeout) {
				continue
			}
			return done, err
		}
		left := int(v.Uint("remaining"))
		if left > len(data)-done {
			left = len(data) - done
		}
		done = len(data) - left
		err = statusErr(v)
		if err == nil {
			return len(data), nil
		}
		if !transient(err) {
			return done, err
		}
		glog.Warningf("write at %#x: %v, %d bytes left", addr, err, left)
	}
	return done, err
}

// Read returns n bytes from addr.
func (p *Programmer) Read(id uint8, addr uint32, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		count := n - len(out)
		if count > ReadChunk {
			count = ReadChunk
		}
		a := addr + uint32(len(out))
		v, err := p.call("flash_read", dev(id, map[string]uint32{"addr": a, "count": uint32(count)}), "flash_data")
		if err != nil {
			return out, errors.Annotatef(err, "read dev %d at %#x", id, a)
		}
		data := v.Data("data")
		if len(data) == 0 {
			return out, errors.Errorf("read dev %d at %#x: empty reply", id, a)
		}
		out = append(out, data...)
	}
	return out, nil
}

// Checksum returns the device CRC-8 of n bytes at addr.
func (p *Programmer) Checksum(id uint8, addr, n uint32) (uint8, error) {
	v, err := p.call("flash_crc", dev(id, map[string]uint32{"addr": addr, "count": n}), "flash_crc_response")
	if err != nil {
		return 0, errors.Annotatef(err, "crc dev %d", id)
	}
	return uint8(v.Uint("crc")), nil
}

// Verify compares the device checksum of the image range with the local
// one.
func (p *Programmer) Verify(id uint8, info Info, addr uint32, image []byte) error {
	image = Pad(image, info)
	got, err := p.Checksum(id, addr, uint32(len(image)))
	if err != nil {
		return err
	}
	if want := core.Checksum8(image); got != want {
		return errors.Errorf("verify dev %d at %#x: crc %#02x, want %#02x", id, addr, got, want)
	}
	return nil
}

// Stats reads the device counters.
func (p *Programmer) Stats(id uint8) (core.Stats, error) {
	v, err := p.call("flash_stats", dev(id, nil), "flash_stats_response")
	if err != nil {
		return core.Stats{}, errors.Annotatef(err, "stats dev %d", id)
	}
	return core.Stats{
		Commands:      v.Uint("commands"),
		BytesWritten:  v.Uint("written"),
		SectorsErased: v.Uint("erased"),
		Errors:        v.Uint("errors"),
		Timeouts:      v.Uint("timeouts"),
		Aborts:        v.Uint("aborts"),
	}, nil
}

// Stream writes image with flash_submit, keeping up to depth chunks queued
// on the device and collecting completions with flash_poll. Each chunk is
// tagged with its offset so a failure names where it happened.
func (p *Programmer) Stream(id uint8, info Info, addr uint32, image []byte, depth int) error {
	image = Pad(image, info)
	if depth <= 0 {
		depth = 1
	}
	chunk := WriteChunk
	if w := int(info.WordSize); w > 1 {
		chunk -= chunk % w
	}

	queued := 0
	for off := 0; off < len(image) || queued > 0; {
		if off < len(image) && queued < depth {
			n := chunk
			if n > len(image)-off {
				n = len(image) - off
			}
			args := dev(id, map[string]uint32{"tag": uint32(off), "addr": addr + uint32(off)})
			args.Data = map[string][]byte{"data": image[off : off+n]}
			v, err := p.Call("flash_submit", args, "flash_submit_response")
			if err != nil {
				return errors.Annotatef(err, "submit at %#x", addr+uint32(off))
			}
			switch err := statusErr(v); core.KindOf(err) {
			case core.NoError:
				queued++
				off += n
				continue
			case core.ErrNoFreeBuffers:
				// Fall through to polling.
			default:
				return errors.Annotatef(err, "submit at %#x", addr+uint32(off))
			}
		}

		v, err := p.Call("flash_poll", dev(id, nil), "flash_poll_response")
		if err != nil {
			return errors.Annotate(err, "poll")
		}
		if v.Uint("ready") == 0 {
			if queued == 0 {
				// Submit refused with nothing of ours queued.
				return errors.Errorf("dev %d has no free buffers", id)
			}
			continue
		}
		queued--
		if err := statusErr(v); err != nil {
			return errors.Annotatef(err, "write at %#x, %d bytes left", addr+v.Uint("tag"), v.Uint("remaining"))
		}
	}
	return nil
}
