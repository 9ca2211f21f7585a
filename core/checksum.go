package core

import "github.com/sigurn/crc8"

// crcTable is CRC-8 with polynomial 0x07, the checksum the bootloader
// reports for a range so the host can confirm an image without reading
// it back.
var crcTable = crc8.MakeTable(crc8.CRC8)

// Checksum8 returns the CRC-8 of data.
func Checksum8(data []byte) uint8 {
	return crc8.Checksum(data, crcTable)
}

// Checksum returns the CRC-8 of length bytes of the array at addr.
func (d *Device) Checksum(addr, length uint32) (uint8, error) {
	var buf [64]byte
	crc := crc8.Init(crcTable)
	for length > 0 {
		n := uint32(len(buf))
		if n > length {
			n = length
		}
		if _, err := d.ReadAt(buf[:n], int64(addr)); err != nil {
			return 0, err
		}
		crc = crc8.Update(crc, buf[:n], crcTable)
		addr += n
		length -= n
	}
	return crc8.Complete(crc, crcTable), nil
}
