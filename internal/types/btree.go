// File: internal/types/btree.go
package types

import "syscall"

// Short-form btree blocks carry 32-bit AG-relative sibling pointers; the
// free-space and inode btrees use them. Long-form blocks (64-bit pointers)
// appear only in bmap btrees rooted in an inode fork.

const (
	ABTBMagic  = 0x41425442 // "ABTB" free space, keyed by block number
	ABTB3Magic = 0x41423342 // "AB3B"
	ABTCMagic  = 0x41425443 // "ABTC" free space, keyed by extent size
	ABTC3Magic = 0x41423343 // "AB3C"
	IBTMagic   = 0x49414254 // "IABT" inode allocation
	IBT3Magic  = 0x49414233 // "IAB3"
	BMapMagic  = 0x424d4150 // "BMAP" bmap btree (long form)
	BMap3Magic = 0x424d4133 // "BMA3"

	// Short-form header sizes and CRC offset.
	BtreeShortHdrSize   = 16
	BtreeShortHdrSizeV5 = 56
	BtreeShortCRCOffset = 52

	// Long-form header sizes and CRC offset.
	BtreeLongHdrSize   = 24
	BtreeLongHdrSizeV5 = 72
	BtreeLongCRCOffset = 64

	// Record sizes.
	AllocRecSize = 8
	InobtRecSize = 16
	BmbtRecSize  = 16
	BmbtKeySize  = 8
	BmbtPtrSize  = 8

	// Inode chunk shape.
	InodesPerChunk = 64
)

// BtreeShortHdr is the common header of an AG btree block. The V5 tail
// (blkno, lsn, uuid, owner, crc) follows when the geometry says CRC.
type BtreeShortHdr struct {
	Magic    uint32
	Level    uint16
	Numrecs  uint16
	Leftsib  uint32
	Rightsib uint32
}

// DecodeBtreeShortHdr decodes the header of a short-form btree block and
// returns the byte offset where records begin.
func DecodeBtreeShortHdr(data []byte, hasCRC bool) (*BtreeShortHdr, int, error) {
	hdr := &BtreeShortHdr{}
	if err := NewBinaryReader(data).Read(hdr); err != nil {
		return nil, 0, NewXFSError(syscall.EIO, "DecodeBtreeShortHdr", err.Error())
	}
	if hasCRC {
		return hdr, BtreeShortHdrSizeV5, nil
	}
	return hdr, BtreeShortHdrSize, nil
}

// EncodeBtreeShortHdr writes the header back into the block image.
func EncodeBtreeShortHdr(data []byte, hdr *BtreeShortHdr) {
	PutUint32(data, 0, hdr.Magic)
	PutUint16(data, 4, hdr.Level)
	PutUint16(data, 6, hdr.Numrecs)
	PutUint32(data, 8, hdr.Leftsib)
	PutUint32(data, 12, hdr.Rightsib)
}

// AllocRec is a free-space btree record: a free extent within the AG.
type AllocRec struct {
	Startblock AGBlock
	Blockcount uint32
}

// DecodeAllocRec reads the i'th record of a free-space leaf block.
func DecodeAllocRec(data []byte, recBase, i int) AllocRec {
	off := recBase + i*AllocRecSize
	return AllocRec{
		Startblock: AGBlock(GetUint32(data, off)),
		Blockcount: GetUint32(data, off+4),
	}
}

// EncodeAllocRec writes the i'th record of a free-space leaf block.
func EncodeAllocRec(data []byte, recBase, i int, rec AllocRec) {
	off := recBase + i*AllocRecSize
	PutUint32(data, off, uint32(rec.Startblock))
	PutUint32(data, off+4, rec.Blockcount)
}

// InobtRec is an inode btree record: one 64-inode chunk with its free mask.
type InobtRec struct {
	Startino  uint32
	Freecount uint32
	Free      uint64
}

// DecodeInobtRec reads the i'th record of an inode btree leaf block.
func DecodeInobtRec(data []byte, recBase, i int) InobtRec {
	off := recBase + i*InobtRecSize
	return InobtRec{
		Startino:  GetUint32(data, off),
		Freecount: GetUint32(data, off+4),
		Free:      GetUint64(data, off+8),
	}
}

// EncodeInobtRec writes the i'th record of an inode btree leaf block.
func EncodeInobtRec(data []byte, recBase, i int, rec InobtRec) {
	off := recBase + i*InobtRecSize
	PutUint32(data, off, rec.Startino)
	PutUint32(data, off+4, rec.Freecount)
	PutUint64(data, off+8, rec.Free)
}

// MaxShortRecs computes how many records fit in a short-form leaf block.
func MaxShortRecs(blockSize uint32, hasCRC bool, recSize int) int {
	hdr := BtreeShortHdrSize
	if hasCRC {
		hdr = BtreeShortHdrSizeV5
	}
	return (int(blockSize) - hdr) / recSize
}
