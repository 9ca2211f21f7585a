package protocol

// scanResult says what scanFrame found at the head of the input.
type scanResult uint8

const (
	scanFrameOK scanResult = iota
	// scanShort means more bytes are needed.
	scanShort
	// scanBad means the head is not a valid frame and the reader must
	// resynchronize on the next sync byte.
	scanBad
)

// frame is one validated frame.
type frame struct {
	seq     uint8
	payload []byte
	length  int
}

// scanFrame validates the frame at the start of data. Leading sync bytes
// must already have been skipped.
func scanFrame(data []byte) (frame, scanResult) {
	if len(data) < MessageLengthMin {
		return frame{}, scanShort
	}
	n := int(data[MessagePositionLen])
	if n < MessageLengthMin || n > MessageLengthMax {
		return frame{}, scanBad
	}
	seq := data[MessagePositionSeq]
	if seq&^MessageSeqMask != MessageDest {
		return frame{}, scanBad
	}
	if len(data) < n {
		return frame{}, scanShort
	}
	if data[n-MessageTrailerSync] != MessageValueSync {
		return frame{}, scanBad
	}
	want := uint16(data[n-MessageTrailerCRC])<<8 | uint16(data[n-MessageTrailerCRC+1])
	if CRC16(data[:n-MessageTrailerSize]) != want {
		return frame{}, scanBad
	}
	return frame{
		seq:     seq,
		payload: data[MessageHeaderSize : n-MessageTrailerSize],
		length:  n,
	}, scanFrameOK
}

// skipToSync drops everything up to and including the next sync byte. It
// reports false if there is none.
func skipToSync(data []byte) ([]byte, bool) {
	for i, b := range data {
		if b == MessageValueSync {
			return data[i+1:], true
		}
	}
	return nil, false
}

// appendTrailer fills in the length byte at start and appends the CRC and
// sync byte.
func appendTrailer(out OutputBuffer, start int) {
	body := len(out.DataSince(start))
	out.Update(start+MessagePositionLen, uint8(body+MessageTrailerSize))
	crc := CRC16(out.DataSince(start))
	out.Output([]byte{uint8(crc >> 8), uint8(crc), MessageValueSync})
}

// AckFrame returns the empty frame that acknowledges everything before
// seq.
func AckFrame(seq uint8) []byte {
	crc := CRC16([]byte{MessageLengthMin, seq})
	return []byte{MessageLengthMin, seq, uint8(crc >> 8), uint8(crc), MessageValueSync}
}
