// File: internal/checksum/crc32c.go
package checksum

import (
	"encoding/binary"
	"hash/crc32"
)

// XFS V5 metadata integrity uses CRC32C (Castagnoli, polynomial 0x1EDC6F41,
// reflected), the same variant used by iSCSI and SCTP. The checksum is
// stored big-endian at a per-type offset inside the block and computed over
// the block with that 4-byte field skipped.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Compute returns the finalized CRC32C of buf with the 4-byte window at
// cksumOffset skipped: the stream is buf[:cksumOffset] followed by
// buf[cksumOffset+4:].
func Compute(buf []byte, cksumOffset int) uint32 {
	crc := crc32.Update(0, castagnoli, buf[:cksumOffset])
	return crc32.Update(crc, castagnoli, buf[cksumOffset+4:])
}

// Verify compares the stored checksum against a fresh computation.
func Verify(buf []byte, cksumOffset int) bool {
	stored := binary.BigEndian.Uint32(buf[cksumOffset:])
	return stored == Compute(buf, cksumOffset)
}

// Update recomputes the checksum and stores it big-endian in place.
func Update(buf []byte, cksumOffset int) {
	binary.BigEndian.PutUint32(buf[cksumOffset:], Compute(buf, cksumOffset))
}
