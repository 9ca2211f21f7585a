// Package protocol implements the framed serial link between the flash
// bootloader and the host programmer: VLQ-encoded command frames with a
// sequence byte, a CRC16 trailer and a sync byte.
package protocol

// Version of the link protocol
const Version = "flashkit-link-1"

// Frame layout
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10
	MessageSeqMask     = 0x0F
)

// MessageMax is the size of the device output scratch buffer; it holds
// several frames between flushes.
const MessageMax = 512

// MaxPayload is the largest frame body, command id included.
const MaxPayload = MessageLengthMax - MessageLengthMin

// nextSeq advances a sequence byte, keeping the destination bits.
func nextSeq(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}
