package xfs

import (
	"testing"
	"time"

	"github.com/deploymenttheory/go-xfs/internal/checksum"
	"github.com/deploymenttheory/go-xfs/internal/device"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

// Test volumes are built in memory rather than shipped as fixtures: a single
// AG, 4 KiB blocks, 512-byte V3 inodes, CRC and FTYPE enabled.
const (
	tBlockSize = 4096
	tBlockLog  = 12
	tSectSize  = 512
	tInodeSize = 512
	tInopb     = 8
	tInopbLog  = 3
	tAGBlocks  = 1024
	tAGBlkLog  = 10

	// AG block layout
	tBnoRoot    = 1
	tCntRoot    = 2
	tInobtRoot  = 3
	tChunkStart = 8 // first block of the 64-inode chunk
	tLogStart   = 900
	tLogBlocks  = 64

	tRootIno = tChunkStart << tInopbLog // 64
)

var testUUID = [16]byte{
	0x9e, 0x5a, 0x2f, 0x31, 0x1c, 0x08, 0x4d, 0xea,
	0xb2, 0x6e, 0x7a, 0x54, 0x03, 0x99, 0xc4, 0x10,
}

func blockOff(agbno int) int { return agbno * tBlockSize }

// mkTestImage assembles a freshly made, empty V5 volume.
func mkTestImage(t *testing.T) *device.MemDevice {
	t.Helper()
	img := make([]byte, tAGBlocks*tBlockSize)

	// Free space after the fixed metadata:
	//   [4,8)       between the btree roots and the inode chunk
	//   [16,900)    the bulk of the AG
	//   [964,1024)  past the internal log
	freeRuns := []types.AllocRec{
		{Startblock: 4, Blockcount: 4},
		{Startblock: 16, Blockcount: tLogStart - 16},
		{Startblock: tLogStart + tLogBlocks, Blockcount: tAGBlocks - tLogStart - tLogBlocks},
	}
	var freeBlks uint32
	var longest uint32
	for _, r := range freeRuns {
		freeBlks += r.Blockcount
		if r.Blockcount > longest {
			longest = r.Blockcount
		}
	}

	// Superblock.
	sb := &types.DSuperblock{
		Magicnum:   types.SuperblockMagic,
		Blocksize:  tBlockSize,
		Dblocks:    tAGBlocks,
		UUID:       testUUID,
		Logstart:   tLogStart,
		Rootino:    tRootIno,
		Agblocks:   tAGBlocks,
		Agcount:    1,
		Logblocks:  tLogBlocks,
		Versionnum: types.SBVersion5,
		Sectsize:   tSectSize,
		Inodesize:  tInodeSize,
		Inopblock:  tInopb,
		Blocklog:   tBlockLog,
		Sectlog:    9,
		Inodelog:   9,
		Inopblog:   tInopbLog,
		Agblklog:   tAGBlkLog,
		ImaxPct:    25,
		Icount:     types.InodesPerChunk,
		Ifree:      types.InodesPerChunk - 1,
		Fdblocks:   uint64(freeBlks),
		Inoalignmt: 4,
		FeaturesIncompat: types.SBFeatIncompatFtype,
	}
	if err := types.SerializeSuperblock(sb, img[:tSectSize]); err != nil {
		t.Fatalf("serialize superblock: %v", err)
	}
	checksum.Update(img[:tSectSize], types.SuperblockCRCOffset)

	// AGF.
	agf := &types.DAGF{
		Magicnum:   types.AGFMagic,
		Versionnum: 1,
		Length:     tAGBlocks,
		BnoRoot:    tBnoRoot,
		CntRoot:    tCntRoot,
		BnoLevel:   1,
		CntLevel:   1,
		Freeblks:   freeBlks,
		Longest:    longest,
		UUID:       testUUID,
	}
	agfSec := img[tSectSize : 2*tSectSize]
	if err := types.SerializeAGF(agf, agfSec); err != nil {
		t.Fatalf("serialize AGF: %v", err)
	}
	checksum.Update(agfSec, types.AGFCRCOffset)

	// AGI.
	agi := &types.DAGI{
		Magicnum:   types.AGIMagic,
		Versionnum: 1,
		Length:     tAGBlocks,
		Count:      types.InodesPerChunk,
		Root:       tInobtRoot,
		Level:      1,
		Freecount:  types.InodesPerChunk - 1,
		Newino:     tRootIno,
		Dirino:     types.NullAGIno,
		UUID:       testUUID,
	}
	for i := range agi.Unlinked {
		agi.Unlinked[i] = types.NullAGIno
	}
	agiSec := img[2*tSectSize : 3*tSectSize]
	if err := types.SerializeAGI(agi, agiSec); err != nil {
		t.Fatalf("serialize AGI: %v", err)
	}
	checksum.Update(agiSec, types.AGICRCOffset)

	// Free-space btrees, single leaf each.
	writeShortLeaf(img, tBnoRoot, types.ABTB3Magic, len(freeRuns), func(data []byte, base int) {
		for i, r := range freeRuns {
			types.EncodeAllocRec(data, base, i, r)
		}
	})
	bySize := []types.AllocRec{freeRuns[0], freeRuns[2], freeRuns[1]}
	writeShortLeaf(img, tCntRoot, types.ABTC3Magic, len(bySize), func(data []byte, base int) {
		for i, r := range bySize {
			types.EncodeAllocRec(data, base, i, r)
		}
	})

	// Inode btree: one chunk, slot 0 (the root) in use.
	writeShortLeaf(img, tInobtRoot, types.IBT3Magic, 1, func(data []byte, base int) {
		types.EncodeInobtRec(data, base, 0, types.InobtRec{
			Startino:  tRootIno,
			Freecount: types.InodesPerChunk - 1,
			Free:      ^uint64(1),
		})
	})

	// Inode chunk with every slot initialized free, then the root inode.
	chunkBlocks := types.InodesPerChunk / tInopb
	for blk := 0; blk < chunkBlocks; blk++ {
		for slot := 0; slot < tInopb; slot++ {
			agino := uint32((tChunkStart+blk)<<tInopbLog | slot)
			off := blockOff(tChunkStart+blk) + slot*tInodeSize
			writeFreeInode(img[off:off+tInodeSize], uint64(agino))
		}
	}
	writeRootInode(t, img[blockOff(tChunkStart):blockOff(tChunkStart)+tInodeSize])

	return device.NewMemDeviceFrom(img, false)
}

// writeShortLeaf lays down a single-level btree block with the V5 tail.
func writeShortLeaf(img []byte, agbno int, magic uint32, numrecs int, fill func(data []byte, recBase int)) {
	data := img[blockOff(agbno) : blockOff(agbno)+tBlockSize]
	types.EncodeBtreeShortHdr(data, &types.BtreeShortHdr{
		Magic:    magic,
		Level:    0,
		Numrecs:  uint16(numrecs),
		Leftsib:  uint32(types.NullAGBlock),
		Rightsib: uint32(types.NullAGBlock),
	})
	types.PutUint64(data, 16, uint64(agbno)<<(tBlockLog-types.BBShift))
	copy(data[32:48], testUUID[:])
	fill(data, types.BtreeShortHdrSizeV5)
	checksum.Update(data, types.BtreeShortCRCOffset)
}

// writeFreeInode initializes one unallocated V3 inode record.
func writeFreeInode(rec []byte, ino uint64) {
	types.PutUint16(rec, 0, types.DInodeMagic)
	rec[4] = types.DInodeVersion3
	rec[5] = uint8(types.DInodeFmtExtents)
	types.PutUint32(rec, 96, types.NullAGIno)
	types.PutUint64(rec, 152, ino)
	copy(rec[160:176], testUUID[:])
	checksum.Update(rec, types.DInodeCRCOffset)
}

// writeRootInode initializes the root directory: shortform, empty, parented
// to itself.
func writeRootInode(t *testing.T, rec []byte) {
	t.Helper()
	now := time.Now()
	ts := types.Timestamp{Sec: int32(now.Unix()), Nsec: int32(now.Nanosecond())}
	core := &types.DInodeCore{
		Magic:        types.DInodeMagic,
		Mode:         types.ModeDir | 0o755,
		Version:      types.DInodeVersion3,
		Format:       types.DInodeFmtLocal,
		Nlink:        2,
		Atime:        ts,
		Mtime:        ts,
		Ctime:        ts,
		Size:         6, // shortform header with a 4-byte parent
		Gen:          1,
		NextUnlinked: types.NullAGIno,
		Crtime:       ts,
		Ino:          tRootIno,
		UUID:         testUUID,
	}
	types.SerializeDInodeCore(core, rec)
	lit := core.LiteralOffset()
	rec[lit] = 0   // count
	rec[lit+1] = 0 // i8count
	types.PutUint32(rec, lit+2, tRootIno)
	checksum.Update(rec, types.DInodeCRCOffset)
}

// mountTest mounts a fresh image read-write.
func mountTest(t *testing.T) *Mount {
	t.Helper()
	m, err := MountDevice(mkTestImage(t), MountOptions{ReadWrite: true})
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	return m
}
