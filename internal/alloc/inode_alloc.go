// File: internal/alloc/inode_alloc.go
package alloc

import (
	"math/bits"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-xfs/internal/buffer"
	"github.com/deploymenttheory/go-xfs/internal/checksum"
	"github.com/deploymenttheory/go-xfs/internal/trans"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

// Inode allocation: the AGI header points at the inode btree, whose records
// describe 64-inode chunks with a free bitmap. Allocation picks a free slot
// from an existing chunk, or carves a new aligned chunk out of the
// free-space btrees and initializes its cluster buffers.

// agi reads and pins an AG's inode-allocation header.
func (a *Allocator) agi(tx *trans.Transaction, agno types.AGNumber) (*buffer.Buf, *types.DAGI, error) {
	daddr := a.geo.AGDaddr(agno, 0) + types.AGIDaddrOffset
	buf, err := tx.GetBuf(daddr, int(a.geo.SectSize), types.AGICRCOffset,
		verifySector(a.geo, types.AGICRCOffset, "AGI"))
	if err != nil {
		return nil, nil, err
	}
	agi, err := types.DeserializeAGI(buf.Data)
	if err != nil {
		return nil, nil, err
	}
	return buf, agi, nil
}

// inobtLeaf loads the inode btree leaf for mutation; the tree must be
// single-level.
func (a *Allocator) inobtLeaf(tx *trans.Transaction, agno types.AGNumber, agi *types.DAGI) (*shortLeaf, error) {
	if agi.Level != 1 {
		return nil, types.Errorf(syscall.EIO, "inobtLeaf",
			"inode btree in AG %d has depth %d; mutation supports depth 1", agno, agi.Level)
	}
	buf, err := a.agBlockBuf(tx, agno, types.AGBlock(agi.Root))
	if err != nil {
		return nil, err
	}
	return loadShortLeaf(a.geo, buf, types.InobtRecSize, types.IBTMagic, types.IBT3Magic)
}

// AllocInodeNum claims a free inode slot near the parent and returns its
// number. The on-disk record for the slot is left for the inode layer to
// initialize; the chunk's cluster buffers exist and carry valid free-inode
// records either way.
func (a *Allocator) AllocInodeNum(tx *trans.Transaction, parent types.Ino) (types.Ino, error) {
	startAG := a.geo.InoToAG(parent)
	if uint32(startAG) >= a.geo.AGCount {
		startAG = 0
	}
	for i := uint32(0); i < a.geo.AGCount; i++ {
		agno := types.AGNumber((uint32(startAG) + i) % a.geo.AGCount)
		ino, err := a.allocInodeFromAG(tx, agno)
		if err == nil {
			return ino, nil
		}
		if types.ErrnoOf(err) != syscall.ENOSPC {
			return types.NullIno, err
		}
	}
	return types.NullIno, types.NewXFSError(syscall.ENOSPC, "AllocInodeNum",
		"no allocation group can hold a new inode")
}

func (a *Allocator) allocInodeFromAG(tx *trans.Transaction, agno types.AGNumber) (types.Ino, error) {
	agiBuf, agi, err := a.agi(tx, agno)
	if err != nil {
		return types.NullIno, err
	}
	leaf, err := a.inobtLeaf(tx, agno, agi)
	if err != nil {
		return types.NullIno, err
	}

	idx := -1
	for i := 0; i < leaf.numRecs(); i++ {
		rec := types.DecodeInobtRec(leaf.buf.Data, leaf.recBase, i)
		if rec.Freecount > 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		if idx, err = a.newInodeChunk(tx, agno, agi, leaf); err != nil {
			return types.NullIno, err
		}
	}

	rec := types.DecodeInobtRec(leaf.buf.Data, leaf.recBase, idx)
	bit := bits.TrailingZeros64(rec.Free)
	if bit >= types.InodesPerChunk {
		return types.NullIno, types.Errorf(syscall.EIO, "allocInodeFromAG",
			"chunk %d freecount/bitmap disagree", rec.Startino)
	}
	rec.Free &^= uint64(1) << bit
	rec.Freecount--
	types.EncodeInobtRec(leaf.buf.Data, leaf.recBase, idx, rec)
	leaf.flush(tx)

	agi.Freecount--
	if err := types.SerializeAGI(agi, agiBuf.Data); err != nil {
		return types.NullIno, err
	}
	tx.LogBuf(agiBuf, 0, len(agiBuf.Data)-1)

	a.sb.Ifree--
	tx.LogSB()

	agino := rec.Startino + uint32(bit)
	ino := a.geo.MakeIno(agno, agino)
	a.log.WithFields(logrus.Fields{"ag": agno, "ino": ino}).Debug("allocated inode")
	return ino, nil
}

// newInodeChunk carves an aligned 64-inode chunk out of the AG's free space,
// initializes its cluster buffers, and inserts the btree record. Returns the
// index of the new record in the leaf.
func (a *Allocator) newInodeChunk(tx *trans.Transaction, agno types.AGNumber, agi *types.DAGI, leaf *shortLeaf) (int, error) {
	chunkBlocks := uint32(types.InodesPerChunk) / a.geo.InodesPerBlk
	if chunkBlocks == 0 {
		chunkBlocks = 1
	}
	align := a.sb.Inoalignmt
	if align == 0 {
		align = 1
	}

	agbno, err := a.allocAligned(tx, agno, chunkBlocks, align)
	if err != nil {
		return -1, err
	}
	agino := a.geo.AGInoOf(agbno, 0)

	// Initialize every inode record in the chunk's cluster blocks.
	for blk := uint32(0); blk < chunkBlocks; blk++ {
		daddr := a.geo.AGDaddr(agno, agbno+types.AGBlock(blk))
		buf, err := tx.GetFreshBuf(daddr, int(a.geo.BlockSize), -1)
		if err != nil {
			return -1, err
		}
		for slot := uint32(0); slot < a.geo.InodesPerBlk; slot++ {
			off := int(slot * a.geo.InodeSize)
			ino := a.geo.MakeIno(agno, agino+blk*a.geo.InodesPerBlk+slot)
			a.initInodeRecord(buf.Data[off:off+int(a.geo.InodeSize)], ino)
		}
		tx.LogBuf(buf, 0, len(buf.Data)-1)
	}

	// Insert the chunk record keeping startino order.
	pos := leaf.numRecs()
	for i := 0; i < leaf.numRecs(); i++ {
		rec := types.DecodeInobtRec(leaf.buf.Data, leaf.recBase, i)
		if rec.Startino > agino {
			pos = i
			break
		}
	}
	if err := leaf.insertAt(pos); err != nil {
		return -1, err
	}
	types.EncodeInobtRec(leaf.buf.Data, leaf.recBase, pos, types.InobtRec{
		Startino:  agino,
		Freecount: types.InodesPerChunk,
		Free:      ^uint64(0),
	})

	agi.Count += types.InodesPerChunk
	agi.Freecount += types.InodesPerChunk
	agi.Newino = agino
	a.sb.Icount += types.InodesPerChunk
	a.sb.Ifree += types.InodesPerChunk
	tx.LogSB()

	a.log.WithFields(logrus.Fields{"ag": agno, "startino": agino}).
		Debug("initialized inode chunk")
	return pos, nil
}

// allocAligned takes an aligned run of exactly count blocks from the AG's
// free space.
func (a *Allocator) allocAligned(tx *trans.Transaction, agno types.AGNumber, count, align uint32) (types.AGBlock, error) {
	agfBuf, agf, err := a.agf(tx, agno)
	if err != nil {
		return 0, err
	}
	bno, err := a.mutableFreeLeaf(tx, agno, agf.BnoRoot, agf.BnoLevel,
		types.ABTBMagic, types.ABTB3Magic)
	if err != nil {
		return 0, err
	}
	for i := 0; i < bno.numRecs(); i++ {
		rec := types.DecodeAllocRec(bno.buf.Data, bno.recBase, i)
		start := (uint32(rec.Startblock) + align - 1) / align * align
		if start+count <= uint32(rec.Startblock)+rec.Blockcount {
			if err := a.takeFromRun(tx, agno, agf, agfBuf, bno, i,
				types.AGBlock(start), count); err != nil {
				return 0, err
			}
			return types.AGBlock(start), nil
		}
	}
	return 0, types.NewXFSError(syscall.ENOSPC, "allocAligned", "no aligned run")
}

// initInodeRecord writes a free inode record: magic, version, an empty
// extents-format data fork, and the V3 identity plus CRC on V5 volumes.
func (a *Allocator) initInodeRecord(data []byte, ino types.Ino) {
	for i := range data {
		data[i] = 0
	}
	types.PutUint16(data, 0, types.DInodeMagic)
	version := uint8(types.DInodeVersion2)
	if a.geo.Version == types.SBVersion5 {
		version = types.DInodeVersion3
	}
	data[4] = version
	data[5] = uint8(types.DInodeFmtExtents)
	types.PutUint32(data, 96, types.NullAGIno)
	if version == types.DInodeVersion3 {
		types.PutUint64(data, 152, uint64(ino))
		u := a.geo.UUID
		copy(data[160:176], u[:])
		checksum.Update(data[:], types.DInodeCRCOffset)
	}
}

// FreeInodeNum returns an inode slot to its chunk's free bitmap. The chunk
// itself is retained.
func (a *Allocator) FreeInodeNum(tx *trans.Transaction, ino types.Ino) error {
	agno := a.geo.InoToAG(ino)
	agino := a.geo.InoToAGIno(ino)

	agiBuf, agi, err := a.agi(tx, agno)
	if err != nil {
		return err
	}
	leaf, err := a.inobtLeaf(tx, agno, agi)
	if err != nil {
		return err
	}
	for i := 0; i < leaf.numRecs(); i++ {
		rec := types.DecodeInobtRec(leaf.buf.Data, leaf.recBase, i)
		if agino < rec.Startino || agino >= rec.Startino+types.InodesPerChunk {
			continue
		}
		bit := agino - rec.Startino
		if rec.Free&(1<<bit) != 0 {
			return types.Errorf(syscall.EIO, "FreeInodeNum", "inode %d already free", ino)
		}
		rec.Free |= 1 << bit
		rec.Freecount++
		types.EncodeInobtRec(leaf.buf.Data, leaf.recBase, i, rec)
		leaf.flush(tx)

		agi.Freecount++
		if err := types.SerializeAGI(agi, agiBuf.Data); err != nil {
			return err
		}
		tx.LogBuf(agiBuf, 0, len(agiBuf.Data)-1)

		a.sb.Ifree++
		tx.LogSB()
		a.log.WithFields(logrus.Fields{"ino": ino}).Debug("freed inode")
		return nil
	}
	return types.Errorf(syscall.EIO, "FreeInodeNum", "inode %d has no chunk record", ino)
}
