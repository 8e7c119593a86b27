// File: internal/types/dir.go
package types

// Directory on-disk constants shared by the shortform, block, and leaf
// layouts.

const (
	Dir2BlockMagic = 0x58443242 // "XD2B" single-block directory
	Dir3BlockMagic = 0x58444233 // "XDB3"
	Dir2DataMagic  = 0x58443244 // "XD2D" leaf-form data block
	Dir3DataMagic  = 0x58444433 // "XDD3"

	Dir2Leaf1Magic = 0xd2f1 // leaf block with bests tail (leaf form)
	Dir3Leaf1Magic = 0x3df1
	Dir2LeafNMagic = 0xd2ff // leaf block within a node-form tree
	Dir3LeafNMagic = 0x3dff
	DaNodeMagic    = 0xfebe // interior node of a da btree
	Da3NodeMagic   = 0x3ebe

	// Entries and free spans are 8-byte aligned within data blocks.
	Dir2DataAlign = 8

	// Tag marking an unused span; occupies the inumber position.
	Dir2DataFreeTag = 0xffff

	// Number of best-free slots tracked in a data block header.
	Dir2DataFDCount = 3

	// Data block header sizes (magic + bestfree table, plus the V5
	// integrity header).
	Dir2DataHdrSize = 16
	Dir3DataHdrSize = 64
	Dir3DataCRCOff  = 4

	// Leaf block header sizes.
	Dir2LeafHdrSize = 16
	Dir3LeafHdrSize = 64
	Dir3LeafCRCOff  = 12

	// Each leaf entry is a (hashval, address) pair.
	Dir2LeafEntrySize = 8

	// Block-form tail: count and stale.
	Dir2BlockTailSize = 8

	// Leaf-form tail: bestcount.
	Dir2LeafTailSize = 4

	// The directory file is split into three 32 GiB address spaces.
	Dir2SpaceSize  = uint64(1) << (32 + Dir2DataAlignLog)
	Dir2LeafOffset = Dir2SpaceSize
	Dir2FreeOffset = 2 * Dir2SpaceSize

	// Cookies are directory byte offsets shifted by the 8-byte alignment.
	Dir2DataAlignLog = 3
	Dir2MaxDataptr   = uint64(0xffffffff)

	// Offsets of the mandatory first two entries in a data block, relative
	// to the start of the entry region.
	Dir2DataDotOffset    = 0
	Dir2DataDotDotOffset = 16

	// V5 remote symlink block header.
	SymlinkMagic   = 0x58534c4d // "XSLM"
	SymlinkHdrSize = 56
	SymlinkCRCOff  = 12
)

// DirEntSize returns the byte size of a data-block entry for a name of the
// given length: 8-byte inumber, 1-byte namelen, the name, an optional ftype
// byte, a 2-byte tag, rounded up to 8-byte alignment.
func DirEntSize(namelen int, ftype bool) int {
	size := 8 + 1 + namelen + 2
	if ftype {
		size++
	}
	return (size + Dir2DataAlign - 1) &^ (Dir2DataAlign - 1)
}

// SfEntSize returns the byte size of a shortform entry: namelen, offset,
// name, optional ftype, and a 4- or 8-byte inumber.
func SfEntSize(namelen int, ftype bool, i8 bool) int {
	size := 1 + 2 + namelen + 4
	if ftype {
		size++
	}
	if i8 {
		size += 4
	}
	return size
}

// SfHdrSize returns the byte size of the shortform header.
func SfHdrSize(i8 bool) int {
	if i8 {
		return 2 + 8
	}
	return 2 + 4
}

// ByteToDataptr converts a directory byte offset to a readdir cookie.
func ByteToDataptr(by uint64) uint64 {
	return by >> Dir2DataAlignLog
}

// DataptrToByte converts a readdir cookie back to a directory byte offset.
func DataptrToByte(dp uint64) uint64 {
	return dp << Dir2DataAlignLog
}

// rol32 rotates left, the primitive of the da btree name hash.
func rol32(x uint32, r uint) uint32 {
	return x<<r | x>>(32-r)
}

// HashName computes the da btree hash of a directory entry name.
func HashName(name []byte) uint32 {
	var hash uint32
	for len(name) >= 4 {
		hash = uint32(name[0])<<21 ^ uint32(name[1])<<14 ^
			uint32(name[2])<<7 ^ uint32(name[3]) ^ rol32(hash, 7*4)
		name = name[4:]
	}
	switch len(name) {
	case 3:
		return uint32(name[0])<<14 ^ uint32(name[1])<<7 ^
			uint32(name[2]) ^ rol32(hash, 7*3)
	case 2:
		return uint32(name[0])<<7 ^ uint32(name[1]) ^ rol32(hash, 7*2)
	case 1:
		return uint32(name[0]) ^ rol32(hash, 7)
	}
	return hash
}

// File types carried by FTYPE-enabled directory entries.
type FileType uint8

const (
	FileTypeUnknown FileType = iota
	FileTypeReg
	FileTypeDir
	FileTypeChar
	FileTypeBlock
	FileTypeFIFO
	FileTypeSocket
	FileTypeSymlink
	FileTypeWhiteout
)

func (ft FileType) String() string {
	switch ft {
	case FileTypeReg:
		return "file"
	case FileTypeDir:
		return "dir"
	case FileTypeChar:
		return "chardev"
	case FileTypeBlock:
		return "blockdev"
	case FileTypeFIFO:
		return "fifo"
	case FileTypeSocket:
		return "socket"
	case FileTypeSymlink:
		return "symlink"
	case FileTypeWhiteout:
		return "whiteout"
	}
	return "unknown"
}

// FileTypeFromMode derives the directory-entry tag from inode mode bits.
func FileTypeFromMode(mode uint16) FileType {
	switch mode & ModeFmt {
	case ModeReg:
		return FileTypeReg
	case ModeDir:
		return FileTypeDir
	case ModeChar:
		return FileTypeChar
	case ModeBlock:
		return FileTypeBlock
	case ModeFIFO:
		return FileTypeFIFO
	case ModeSocket:
		return FileTypeSocket
	case ModeLink:
		return FileTypeSymlink
	}
	return FileTypeUnknown
}
