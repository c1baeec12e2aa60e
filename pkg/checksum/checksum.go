// Package checksum computes the CRC32C values stored in log records
// and table blocks. Stored checksums are masked so that computing a
// CRC over data that already embeds CRCs stays well distributed.
package checksum

import "hash/crc32"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

const maskDelta = 0xa282ead8

// Value returns the unmasked CRC32C of data.
func Value(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// Extend returns the CRC32C of the concatenation of the data whose CRC
// is crc and the additional bytes in data.
func Extend(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, castagnoli, data)
}

// Mask makes a CRC safe for embedding in checked payloads by rotating
// it right 15 bits and adding a constant.
func Mask(crc uint32) uint32 {
	return (crc>>15 | crc<<17) + maskDelta
}

// Unmask inverts Mask.
func Unmask(masked uint32) uint32 {
	rot := masked - maskDelta
	return rot<<15 | rot>>17
}
