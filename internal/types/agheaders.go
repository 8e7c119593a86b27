// File: internal/types/agheaders.go
package types

import "syscall"

// Per-AG header sectors. The AGF (sector 1) owns the free-space btrees, the
// AGI (sector 2) owns the inode btree, the AGFL (sector 3) is the small
// reserve of blocks the btrees draw on.

const (
	AGFMagic  = 0x58414746 // "XAGF"
	AGIMagic  = 0x58414749 // "XAGI"
	AGFLMagic = 0x5841464c // "XAFL"

	AGFDaddrOffset  = 1 // sectors from the start of the AG
	AGIDaddrOffset  = 2
	AGFLDaddrOffset = 3

	AGFCRCOffset = 216
	AGICRCOffset = 312

	AGIUnlinkedBuckets = 64
)

// DAGF mirrors the on-disk free-space header (xfs_agf).
type DAGF struct {
	Magicnum   uint32
	Versionnum uint32
	Seqno      uint32
	Length     uint32
	BnoRoot    uint32
	CntRoot    uint32
	RmapRoot   uint32
	BnoLevel   uint32
	CntLevel   uint32
	RmapLevel  uint32
	Flfirst    uint32
	Fllast     uint32
	Flcount    uint32
	Freeblks   uint32
	Longest    uint32
	Btreeblks  uint32

	// V5 fields
	UUID           [16]byte
	RmapBlocks     uint32
	RefcountBlocks uint32
	RefcountRoot   uint32
	RefcountLevel  uint32
	Spare64        [14]uint64
	LSN            int64
	CRC            uint32
	Spare2         uint32
}

// DAGI mirrors the on-disk inode-allocation header (xfs_agi).
type DAGI struct {
	Magicnum   uint32
	Versionnum uint32
	Seqno      uint32
	Length     uint32
	Count      uint32
	Root       uint32
	Level      uint32
	Freecount  uint32
	Newino     uint32
	Dirino     uint32
	Unlinked   [AGIUnlinkedBuckets]uint32

	// V5 fields
	UUID      [16]byte
	CRC       uint32
	Pad32     uint32
	LSN       int64
	FreeRoot  uint32
	FreeLevel uint32
}

// DeserializeAGF decodes an AGF sector.
func DeserializeAGF(data []byte) (*DAGF, error) {
	agf := &DAGF{}
	if err := NewBinaryReader(data).Read(agf); err != nil {
		return nil, NewXFSError(syscall.EIO, "DeserializeAGF", err.Error())
	}
	if agf.Magicnum != AGFMagic {
		return nil, Errorf(syscall.EIO, "DeserializeAGF", "bad magic 0x%08x", agf.Magicnum)
	}
	return agf, nil
}

// SerializeAGF re-encodes the AGF into the front of dst.
func SerializeAGF(agf *DAGF, dst []byte) error {
	bw := NewBinaryWriter()
	if err := bw.Write(agf); err != nil {
		return NewXFSError(syscall.EIO, "SerializeAGF", err.Error())
	}
	copy(dst, bw.Bytes())
	return nil
}

// DeserializeAGI decodes an AGI sector.
func DeserializeAGI(data []byte) (*DAGI, error) {
	agi := &DAGI{}
	if err := NewBinaryReader(data).Read(agi); err != nil {
		return nil, NewXFSError(syscall.EIO, "DeserializeAGI", err.Error())
	}
	if agi.Magicnum != AGIMagic {
		return nil, Errorf(syscall.EIO, "DeserializeAGI", "bad magic 0x%08x", agi.Magicnum)
	}
	return agi, nil
}

// SerializeAGI re-encodes the AGI into the front of dst.
func SerializeAGI(agi *DAGI, dst []byte) error {
	bw := NewBinaryWriter()
	if err := bw.Write(agi); err != nil {
		return NewXFSError(syscall.EIO, "SerializeAGI", err.Error())
	}
	copy(dst, bw.Bytes())
	return nil
}
