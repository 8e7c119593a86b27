// File: internal/types/superblock.go
package types

import (
	"syscall"

	"github.com/google/uuid"
)

// Core identifier types. An Ino packs the allocation group number and the
// within-AG inode index; an FSBlock packs the AG number and AG-relative
// block; a Daddr is a 512-byte sector address on the backing store.
type (
	Ino      uint64
	FSBlock  uint64
	FileOff  uint64
	Daddr    int64
	AGNumber uint32
	AGBlock  uint32
)

const (
	SuperblockMagic = 0x58465342 // "XFSB"

	// sb_versionnum low nibble
	SBVersion4 = 4
	SBVersion5 = 5

	SBVersionNumBits = 0x000f

	// sb_versionnum feature bits (V4)
	SBVersionAlignBit    = 0x0080
	SBVersionLogV2Bit    = 0x0400
	SBVersionExtFlgBit   = 0x1000
	SBVersionMoreBitsBit = 0x8000

	// sb_features2 bits (V4)
	SBVersion2LazySBCount = 0x00000002
	SBVersion2Attr2       = 0x00000008
	SBVersion2ProjID32    = 0x00000080
	SBVersion2CRC         = 0x00000100
	SBVersion2Ftype       = 0x00000200

	// sb_features_incompat bits (V5)
	SBFeatIncompatFtype   = 0x00000001
	SBFeatIncompatSpinode = 0x00000002
	SBFeatIncompatMetaUUID = 0x00000004
	SBFeatIncompatBigtime = 0x00000008
	SBFeatIncompatNeedsRepair = 0x00000010
	SBFeatIncompatNrext64 = 0x00000020

	// Incompat features this engine understands.
	SBFeatIncompatSupported = SBFeatIncompatFtype | SBFeatIncompatBigtime

	// Offset of sb_crc within the superblock sector.
	SuperblockCRCOffset = 224

	// On-disk superblock size (through sb_meta_uuid).
	SuperblockSize = 264

	NullFSBlock = FSBlock(^uint64(0))
	NullAGBlock = AGBlock(^uint32(0))
	NullAGIno   = uint32(0xffffffff)
	NullIno     = Ino(^uint64(0))

	// BBShift converts between bytes and 512-byte basic blocks.
	BBShift = 9
	BBSize  = 1 << BBShift
)

// DSuperblock mirrors the on-disk superblock record at daddr 0. Field order
// and widths are those of xfs_dsb; V5 fields trail the V4 set and are only
// meaningful when the version nibble says 5.
type DSuperblock struct {
	Magicnum   uint32
	Blocksize  uint32
	Dblocks    uint64
	Rblocks    uint64
	Rextents   uint64
	UUID       [16]byte
	Logstart   uint64
	Rootino    uint64
	Rbmino     uint64
	Rsumino    uint64
	Rextsize   uint32
	Agblocks   uint32
	Agcount    uint32
	Rbmblocks  uint32
	Logblocks  uint32
	Versionnum uint16
	Sectsize   uint16
	Inodesize  uint16
	Inopblock  uint16
	Fname      [12]byte
	Blocklog   uint8
	Sectlog    uint8
	Inodelog   uint8
	Inopblog   uint8
	Agblklog   uint8
	Rextslog   uint8
	Inprogress uint8
	ImaxPct    uint8
	Icount     uint64
	Ifree      uint64
	Fdblocks   uint64
	Frextents  uint64
	Uquotino   uint64
	Gquotino   uint64
	Qflags     uint16
	Flags      uint8
	SharedVn   uint8
	Inoalignmt uint32
	Unit       uint32
	Width      uint32
	Dirblklog  uint8
	Logsectlog uint8
	Logsectsize uint16
	Logsunit   uint32
	Features2  uint32

	// V5 fields
	BadFeatures2        uint32
	FeaturesCompat      uint32
	FeaturesRoCompat    uint32
	FeaturesIncompat    uint32
	FeaturesLogIncompat uint32
	CRC                 uint32
	SpinoAlign          uint32
	Pquotino            uint64
	LSN                 int64
	MetaUUID            [16]byte
}

// DeserializeSuperblock decodes the superblock record from the first sector
// of the volume. It validates nothing beyond length; use Validate.
func DeserializeSuperblock(data []byte) (*DSuperblock, error) {
	if len(data) < SuperblockSize {
		return nil, Errorf(syscall.EIO, "DeserializeSuperblock",
			"short superblock: %d bytes", len(data))
	}
	sb := &DSuperblock{}
	if err := NewBinaryReader(data).Read(sb); err != nil {
		return nil, NewXFSError(syscall.EIO, "DeserializeSuperblock", err.Error())
	}
	return sb, nil
}

// SerializeSuperblock re-encodes the superblock into dst, which must be at
// least SuperblockSize bytes (the remainder of the sector is left as-is).
func SerializeSuperblock(sb *DSuperblock, dst []byte) error {
	bw := NewBinaryWriter()
	if err := bw.Write(sb); err != nil {
		return NewXFSError(syscall.EIO, "SerializeSuperblock", err.Error())
	}
	if len(dst) < SuperblockSize {
		return Errorf(syscall.EIO, "SerializeSuperblock", "short buffer: %d", len(dst))
	}
	copy(dst, bw.Bytes())
	return nil
}

// Version returns the format generation (4 or 5) from the version nibble.
func (sb *DSuperblock) Version() int {
	return int(sb.Versionnum & SBVersionNumBits)
}

// HasCRC reports whether metadata blocks carry CRC32C checksums.
func (sb *DSuperblock) HasCRC() bool {
	return sb.Version() == SBVersion5
}

// HasFtype reports whether directory entries carry a file-type byte.
func (sb *DSuperblock) HasFtype() bool {
	if sb.Version() == SBVersion5 {
		return sb.FeaturesIncompat&SBFeatIncompatFtype != 0
	}
	return sb.Versionnum&SBVersionMoreBitsBit != 0 &&
		sb.Features2&SBVersion2Ftype != 0
}

// Validate refuses configurations the engine does not support. Each check
// mirrors a mount precondition; the returned error names the failure.
func (sb *DSuperblock) Validate() error {
	const op = "Superblock.Validate"
	if sb.Magicnum != SuperblockMagic {
		return Errorf(syscall.EIO, op, "bad magic 0x%08x", sb.Magicnum)
	}
	switch sb.Version() {
	case SBVersion4, SBVersion5:
	default:
		return Errorf(syscall.EIO, op, "unsupported version %d", sb.Version())
	}
	if sb.Inprogress != 0 {
		return Errorf(syscall.EIO, op, "filesystem creation in progress")
	}
	if sb.Logstart == 0 {
		return Errorf(syscall.EIO, op, "external log devices are not supported")
	}
	if sb.Rextents != 0 {
		return Errorf(syscall.EIO, op, "real-time sections are not supported")
	}
	if sb.Blocksize < 512 || sb.Blocksize > 65536 ||
		sb.Blocksize != 1<<sb.Blocklog {
		return Errorf(syscall.EIO, op, "implausible block size %d", sb.Blocksize)
	}
	if sb.Agcount == 0 || sb.Agblocks == 0 {
		return Errorf(syscall.EIO, op, "no allocation groups")
	}
	if sb.Version() == SBVersion5 {
		if unknown := sb.FeaturesIncompat &^ SBFeatIncompatSupported; unknown != 0 {
			return Errorf(syscall.EIO, op,
				"unsupported incompatible features 0x%08x", unknown)
		}
	}
	return nil
}

// Geometry is the derived, immutable shape of a mounted volume. It is shared
// by every engine package; only the superblock counters change after mount.
type Geometry struct {
	BlockSize    uint32
	BlockLog     uint8
	SectSize     uint32
	InodeSize    uint32
	InodeLog     uint8
	InodesPerBlk uint32
	InopbLog     uint8
	AGBlocks     uint32
	AGBlkLog     uint8
	AGCount      uint32
	DirBlockSize uint32
	DirBlkFSBs   uint32
	RootIno      Ino
	Version      int
	HasCRC       bool
	HasFtype     bool
	UUID         uuid.UUID
}

// NewGeometry derives the mount geometry from a validated superblock.
func NewGeometry(sb *DSuperblock) *Geometry {
	g := &Geometry{
		BlockSize:    sb.Blocksize,
		BlockLog:     sb.Blocklog,
		SectSize:     uint32(sb.Sectsize),
		InodeSize:    uint32(sb.Inodesize),
		InodeLog:     sb.Inodelog,
		InodesPerBlk: uint32(sb.Inopblock),
		InopbLog:     sb.Inopblog,
		AGBlocks:     sb.Agblocks,
		AGBlkLog:     sb.Agblklog,
		AGCount:      sb.Agcount,
		DirBlockSize: sb.Blocksize << sb.Dirblklog,
		DirBlkFSBs:   1 << sb.Dirblklog,
		RootIno:      Ino(sb.Rootino),
		Version:      sb.Version(),
		HasCRC:       sb.HasCRC(),
		HasFtype:     sb.HasFtype(),
	}
	g.UUID, _ = uuid.FromBytes(sb.UUID[:])
	return g
}

// InoToAG splits an inode number into its allocation group.
func (g *Geometry) InoToAG(ino Ino) AGNumber {
	return AGNumber(uint64(ino) >> (g.AGBlkLog + g.InopbLog))
}

// InoToAGBlock yields the AG-relative block holding the inode.
func (g *Geometry) InoToAGBlock(ino Ino) AGBlock {
	agino := uint64(ino) & ((1 << (g.AGBlkLog + g.InopbLog)) - 1)
	return AGBlock(agino >> g.InopbLog)
}

// InoToOffset yields the inode's index within its block.
func (g *Geometry) InoToOffset(ino Ino) uint32 {
	return uint32(uint64(ino) & ((1 << g.InopbLog) - 1))
}

// InoToAGIno yields the AG-relative inode number.
func (g *Geometry) InoToAGIno(ino Ino) uint32 {
	return uint32(uint64(ino) & ((1 << (g.AGBlkLog + g.InopbLog)) - 1))
}

// MakeIno composes an inode number from AG and AG-relative inode number.
func (g *Geometry) MakeIno(agno AGNumber, agino uint32) Ino {
	return Ino(uint64(agno)<<(g.AGBlkLog+g.InopbLog) | uint64(agino))
}

// AGInoOf composes an AG-relative inode number from block and offset.
func (g *Geometry) AGInoOf(agbno AGBlock, offset uint32) uint32 {
	return uint32(agbno)<<g.InopbLog | offset
}

// FSBToAG splits a filesystem block number into its allocation group.
func (g *Geometry) FSBToAG(fsb FSBlock) AGNumber {
	return AGNumber(uint64(fsb) >> g.AGBlkLog)
}

// FSBToAGBlock yields the AG-relative block number.
func (g *Geometry) FSBToAGBlock(fsb FSBlock) AGBlock {
	return AGBlock(uint64(fsb) & ((1 << g.AGBlkLog) - 1))
}

// MakeFSB composes a filesystem block number.
func (g *Geometry) MakeFSB(agno AGNumber, agbno AGBlock) FSBlock {
	return FSBlock(uint64(agno)<<g.AGBlkLog | uint64(agbno))
}

// FSBToDaddr converts a filesystem block number to a sector address. The AG
// component is positional (agno * agblocks), not the packed encoding.
func (g *Geometry) FSBToDaddr(fsb FSBlock) Daddr {
	agno := g.FSBToAG(fsb)
	agbno := g.FSBToAGBlock(fsb)
	blocks := uint64(agno)*uint64(g.AGBlocks) + uint64(agbno)
	return Daddr(blocks << (g.BlockLog - BBShift))
}

// AGDaddr yields the sector address of an AG-relative block.
func (g *Geometry) AGDaddr(agno AGNumber, agbno AGBlock) Daddr {
	return g.FSBToDaddr(g.MakeFSB(agno, agbno))
}

// BToFSB converts a byte count to the number of blocks covering it.
func (g *Geometry) BToFSB(bytes uint64) uint64 {
	return (bytes + uint64(g.BlockSize) - 1) >> g.BlockLog
}

// BToFSBT truncates a byte offset to its containing block.
func (g *Geometry) BToFSBT(bytes uint64) uint64 {
	return bytes >> g.BlockLog
}

// FSBToB converts a block count to bytes.
func (g *Geometry) FSBToB(blocks uint64) uint64 {
	return blocks << g.BlockLog
}

// BBForBlocks converts filesystem blocks to 512-byte sectors.
func (g *Geometry) BBForBlocks(blocks uint32) int {
	return int(uint64(blocks) << (g.BlockLog - BBShift))
}

// InodeDaddr locates an inode's cluster-relative sector address and the byte
// offset of the inode within that block.
func (g *Geometry) InodeDaddr(ino Ino) (Daddr, int) {
	agno := g.InoToAG(ino)
	agbno := g.InoToAGBlock(ino)
	off := g.InoToOffset(ino)
	return g.AGDaddr(agno, agbno), int(off * g.InodeSize)
}
