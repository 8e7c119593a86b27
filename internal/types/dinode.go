// File: internal/types/dinode.go
package types

import "syscall"

const (
	DInodeMagic = 0x494e // "IN"

	DInodeVersion1 = 1
	DInodeVersion2 = 2
	DInodeVersion3 = 3 // V5 filesystems

	// Literal-area offsets: V1/V2 inodes place the forks after the 96-byte
	// core plus di_next_unlinked; V3 inodes after the 176-byte extended core.
	DInodeCoreSizeV2 = 100
	DInodeCoreSizeV3 = 176

	// Offset of di_crc within a V3 inode; the CRC covers the whole inode.
	DInodeCRCOffset = 100

	// di_flags2 bits relevant to decoding.
	DIFlag2Bigtime = 1 << 3

	// Seconds between the Unix epoch and the bigtime epoch.
	BigtimeEpochOffset = int64(1) << 31

	MaxLink = (1 << 31) - 1

	MaxNameLen = 255
	MaxPathLen = 1024
)

// Fork formats (di_format / di_aformat).
type DInodeFmt uint8

const (
	DInodeFmtDev DInodeFmt = iota
	DInodeFmtLocal
	DInodeFmtExtents
	DInodeFmtBtree
	DInodeFmtUUID
)

func (f DInodeFmt) String() string {
	switch f {
	case DInodeFmtDev:
		return "dev"
	case DInodeFmtLocal:
		return "local"
	case DInodeFmtExtents:
		return "extents"
	case DInodeFmtBtree:
		return "btree"
	case DInodeFmtUUID:
		return "uuid"
	}
	return "unknown"
}

// File type bits of di_mode, matching the POSIX S_IF* values.
const (
	ModeFmt    = 0xf000
	ModeFIFO   = 0x1000
	ModeChar   = 0x2000
	ModeDir    = 0x4000
	ModeBlock  = 0x6000
	ModeReg    = 0x8000
	ModeLink   = 0xa000
	ModeSocket = 0xc000

	ModeSetUID = 0o4000
	ModeSetGID = 0o2000
)

// Timestamp is the classic on-disk second/nanosecond pair. Bigtime inodes
// store a single 64-bit nanosecond counter instead; conversion happens at
// decode/encode so in-core timestamps are always split.
type Timestamp struct {
	Sec  int32
	Nsec int32
}

// DInodeCore is the decoded inode core, the V3 superset. V2 inodes leave the
// trailing fields zero.
type DInodeCore struct {
	Magic        uint16
	Mode         uint16
	Version      uint8
	Format       DInodeFmt
	Onlink       uint16
	UID          uint32
	GID          uint32
	Nlink        uint32
	ProjIDLo     uint16
	ProjIDHi     uint16
	Flushiter    uint16
	Atime        Timestamp
	Mtime        Timestamp
	Ctime        Timestamp
	Size         int64
	Nblocks      uint64
	Extsize      uint32
	Nextents     uint32
	Anextents    uint16
	Forkoff      uint8
	Aformat      DInodeFmt
	Flags        uint16
	Gen          uint32
	NextUnlinked uint32

	// V3 fields
	Changecount uint64
	LSN         uint64
	Flags2      uint64
	Cowextsize  uint32
	Crtime      Timestamp
	Ino         uint64
	UUID        [16]byte
}

// IsDir reports whether the inode is a directory.
func (c *DInodeCore) IsDir() bool { return c.Mode&ModeFmt == ModeDir }

// IsReg reports whether the inode is a regular file.
func (c *DInodeCore) IsReg() bool { return c.Mode&ModeFmt == ModeReg }

// IsLink reports whether the inode is a symbolic link.
func (c *DInodeCore) IsLink() bool { return c.Mode&ModeFmt == ModeLink }

// IsDev reports whether the inode is a character or block device.
func (c *DInodeCore) IsDev() bool {
	fmt := c.Mode & ModeFmt
	return fmt == ModeChar || fmt == ModeBlock
}

func (c *DInodeCore) bigtime() bool {
	return c.Version == DInodeVersion3 && c.Flags2&DIFlag2Bigtime != 0
}

// LiteralOffset is where the data fork begins within the inode buffer.
func (c *DInodeCore) LiteralOffset() int {
	if c.Version == DInodeVersion3 {
		return DInodeCoreSizeV3
	}
	return DInodeCoreSizeV2
}

// LiteralSize is the number of literal-area bytes shared by the two forks.
func (c *DInodeCore) LiteralSize(inodeSize uint32) int {
	return int(inodeSize) - c.LiteralOffset()
}

// DataForkSize is the byte capacity of the data fork's inline region.
func (c *DInodeCore) DataForkSize(inodeSize uint32) int {
	if c.Forkoff != 0 {
		return int(c.Forkoff) << 3
	}
	return c.LiteralSize(inodeSize)
}

// AttrForkOffset is the byte offset of the attribute fork within the inode,
// or -1 when the inode has no attribute fork.
func (c *DInodeCore) AttrForkOffset() int {
	if c.Forkoff == 0 {
		return -1
	}
	return c.LiteralOffset() + int(c.Forkoff)<<3
}

// AttrForkSize is the byte capacity of the attribute fork's inline region.
func (c *DInodeCore) AttrForkSize(inodeSize uint32) int {
	if c.Forkoff == 0 {
		return 0
	}
	return c.LiteralSize(inodeSize) - int(c.Forkoff)<<3
}

func decodeTimestamp(data []byte, off int, bigtime bool) Timestamp {
	if bigtime {
		ns := GetUint64(data, off)
		return Timestamp{
			Sec:  int32(int64(ns/1e9) - BigtimeEpochOffset),
			Nsec: int32(ns % 1e9),
		}
	}
	return Timestamp{
		Sec:  int32(GetUint32(data, off)),
		Nsec: int32(GetUint32(data, off+4)),
	}
}

func encodeTimestamp(data []byte, off int, ts Timestamp, bigtime bool) {
	if bigtime {
		ns := uint64(int64(ts.Sec)+BigtimeEpochOffset)*1e9 + uint64(ts.Nsec)
		PutUint64(data, off, ns)
		return
	}
	PutUint32(data, off, uint32(ts.Sec))
	PutUint32(data, off+4, uint32(ts.Nsec))
}

// DeserializeDInodeCore decodes an inode core from its position within an
// inode buffer. data must span the whole inode record.
func DeserializeDInodeCore(data []byte) (*DInodeCore, error) {
	const op = "DeserializeDInodeCore"
	if len(data) < DInodeCoreSizeV2 {
		return nil, Errorf(syscall.EIO, op, "short inode record: %d bytes", len(data))
	}
	c := &DInodeCore{
		Magic:    GetUint16(data, 0),
		Mode:     GetUint16(data, 2),
		Version:  data[4],
		Format:   DInodeFmt(data[5]),
		Onlink:   GetUint16(data, 6),
		UID:      GetUint32(data, 8),
		GID:      GetUint32(data, 12),
		Nlink:    GetUint32(data, 16),
		ProjIDLo: GetUint16(data, 20),
		ProjIDHi: GetUint16(data, 22),
		// 24..30 pad
		Flushiter: GetUint16(data, 30),
		Size:      int64(GetUint64(data, 56)),
		Nblocks:   GetUint64(data, 64),
		Extsize:   GetUint32(data, 72),
		Nextents:  GetUint32(data, 76),
		Anextents: GetUint16(data, 80),
		Forkoff:   data[82],
		Aformat:   DInodeFmt(data[83]),
		// 84 dmevmask, 88 dmstate
		Flags:        GetUint16(data, 90),
		Gen:          GetUint32(data, 92),
		NextUnlinked: GetUint32(data, 96),
	}
	if c.Magic != DInodeMagic {
		return nil, Errorf(syscall.EIO, op, "bad inode magic 0x%04x", c.Magic)
	}
	switch c.Version {
	case DInodeVersion1, DInodeVersion2:
		// V1 carried the link count in di_onlink.
		if c.Version == DInodeVersion1 {
			c.Nlink = uint32(c.Onlink)
		}
	case DInodeVersion3:
		if len(data) < DInodeCoreSizeV3 {
			return nil, Errorf(syscall.EIO, op, "short V3 inode record: %d bytes", len(data))
		}
		c.Changecount = GetUint64(data, 104)
		c.LSN = GetUint64(data, 112)
		c.Flags2 = GetUint64(data, 120)
		c.Cowextsize = GetUint32(data, 128)
		c.Crtime = decodeTimestamp(data, 144, c.bigtime())
		c.Ino = GetUint64(data, 152)
		copy(c.UUID[:], data[160:176])
	default:
		return nil, Errorf(syscall.EIO, op, "unsupported inode version %d", c.Version)
	}
	bt := c.bigtime()
	c.Atime = decodeTimestamp(data, 32, bt)
	c.Mtime = decodeTimestamp(data, 40, bt)
	c.Ctime = decodeTimestamp(data, 48, bt)
	return c, nil
}

// SerializeDInodeCore encodes the core back into an inode record. Bytes of
// the literal area are untouched; the caller owns fork encoding.
func SerializeDInodeCore(c *DInodeCore, data []byte) {
	PutUint16(data, 0, c.Magic)
	PutUint16(data, 2, c.Mode)
	data[4] = c.Version
	data[5] = uint8(c.Format)
	PutUint16(data, 6, c.Onlink)
	PutUint32(data, 8, c.UID)
	PutUint32(data, 12, c.GID)
	PutUint32(data, 16, c.Nlink)
	PutUint16(data, 20, c.ProjIDLo)
	PutUint16(data, 22, c.ProjIDHi)
	PutUint16(data, 30, c.Flushiter)
	bt := c.bigtime()
	encodeTimestamp(data, 32, c.Atime, bt)
	encodeTimestamp(data, 40, c.Mtime, bt)
	encodeTimestamp(data, 48, c.Ctime, bt)
	PutUint64(data, 56, uint64(c.Size))
	PutUint64(data, 64, c.Nblocks)
	PutUint32(data, 72, c.Extsize)
	PutUint32(data, 76, c.Nextents)
	PutUint16(data, 80, c.Anextents)
	data[82] = c.Forkoff
	data[83] = uint8(c.Aformat)
	PutUint16(data, 90, c.Flags)
	PutUint32(data, 92, c.Gen)
	PutUint32(data, 96, c.NextUnlinked)
	if c.Version == DInodeVersion3 {
		PutUint64(data, 104, c.Changecount)
		PutUint64(data, 112, c.LSN)
		PutUint64(data, 120, c.Flags2)
		PutUint32(data, 128, c.Cowextsize)
		encodeTimestamp(data, 144, c.Crtime, bt)
		PutUint64(data, 152, c.Ino)
		copy(data[160:176], c.UUID[:])
	}
}
