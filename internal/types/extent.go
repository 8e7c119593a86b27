// File: internal/types/extent.go
package types

import "syscall"

// ExtentState distinguishes written extents from preallocated ones that must
// read back as zeroes.
type ExtentState uint8

const (
	ExtentNormal ExtentState = iota
	ExtentUnwritten
)

// Extent is an unpacked bmap record: a contiguous run of file blocks mapped
// onto disk blocks.
type Extent struct {
	FileOff    FileOff
	StartBlock FSBlock
	BlockCount uint32
	State      ExtentState
}

// End is the first file block past the extent.
func (e Extent) End() FileOff {
	return e.FileOff + FileOff(e.BlockCount)
}

// The packed on-disk form is two big-endian 64-bit words:
//
//	l0: bit 63 unwritten flag, bits 62..9 file offset, bits 8..0 high bits
//	    of the start block
//	l1: bits 63..21 low bits of the start block, bits 20..0 block count

// UnpackExtent decodes a 128-bit bmap record at the given offset.
func UnpackExtent(data []byte, off int) Extent {
	l0 := GetUint64(data, off)
	l1 := GetUint64(data, off+8)
	e := Extent{
		FileOff:    FileOff((l0 >> 9) & ((1 << 54) - 1)),
		StartBlock: FSBlock((l0&0x1ff)<<43 | l1>>21),
		BlockCount: uint32(l1 & ((1 << 21) - 1)),
	}
	if l0>>63 != 0 {
		e.State = ExtentUnwritten
	}
	return e
}

// PackExtent encodes a bmap record at the given offset.
func PackExtent(data []byte, off int, e Extent) {
	var l0, l1 uint64
	if e.State == ExtentUnwritten {
		l0 = 1 << 63
	}
	l0 |= (uint64(e.FileOff) & ((1 << 54) - 1)) << 9
	l0 |= uint64(e.StartBlock) >> 43
	l1 = (uint64(e.StartBlock)&((1<<43)-1))<<21 | uint64(e.BlockCount)&((1<<21)-1)
	PutUint64(data, off, l0)
	PutUint64(data, off+8, l1)
}

// BmbtRootHdr is the inline bmap btree root stored in an inode fork
// (xfs_bmdr_block): a level and record count followed by packed keys and
// 64-bit child pointers.
type BmbtRootHdr struct {
	Level   uint16
	Numrecs uint16
}

const BmbtRootHdrSize = 4

// DecodeBmbtRootHdr decodes the inline btree root header.
func DecodeBmbtRootHdr(data []byte) (BmbtRootHdr, error) {
	if len(data) < BmbtRootHdrSize {
		return BmbtRootHdr{}, NewXFSError(syscall.EIO, "DecodeBmbtRootHdr", "short fork")
	}
	return BmbtRootHdr{
		Level:   GetUint16(data, 0),
		Numrecs: GetUint16(data, 2),
	}, nil
}

// BmbtRootPtr reads the i'th child pointer of an inline root. Pointers sit
// in the second half of the root area so keys and pointers can grow toward
// each other; forkSize is the byte capacity of the fork.
func BmbtRootPtr(data []byte, forkSize int, i int) FSBlock {
	maxrecs := (forkSize - BmbtRootHdrSize) / (BmbtKeySize + BmbtPtrSize)
	ptrBase := BmbtRootHdrSize + maxrecs*BmbtKeySize
	return FSBlock(GetUint64(data, ptrBase+i*BmbtPtrSize))
}

// BmbtBlockHdr is the header of an on-disk bmap btree block (long form).
type BmbtBlockHdr struct {
	Magic    uint32
	Level    uint16
	Numrecs  uint16
	Leftsib  uint64
	Rightsib uint64
}

// DecodeBmbtBlockHdr decodes a long-form btree block header and returns the
// offset where keys/records begin.
func DecodeBmbtBlockHdr(data []byte, hasCRC bool) (BmbtBlockHdr, int, error) {
	const op = "DecodeBmbtBlockHdr"
	hdr := BmbtBlockHdr{
		Magic:    GetUint32(data, 0),
		Level:    GetUint16(data, 4),
		Numrecs:  GetUint16(data, 6),
		Leftsib:  GetUint64(data, 8),
		Rightsib: GetUint64(data, 16),
	}
	want := uint32(BMapMagic)
	size := BtreeLongHdrSize
	if hasCRC {
		want = BMap3Magic
		size = BtreeLongHdrSizeV5
	}
	if hdr.Magic != want {
		return hdr, 0, Errorf(syscall.EIO, op, "bad bmap btree magic 0x%08x", hdr.Magic)
	}
	return hdr, size, nil
}

// BmbtNodePtr reads the i'th child pointer of an on-disk interior block.
func BmbtNodePtr(data []byte, recBase int, blockSize uint32, i int) FSBlock {
	maxrecs := (int(blockSize) - recBase) / (BmbtKeySize + BmbtPtrSize)
	ptrBase := recBase + maxrecs*BmbtKeySize
	return FSBlock(GetUint64(data, ptrBase+i*BmbtPtrSize))
}
