// File: internal/alloc/alloc.go
package alloc

import (
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-xfs/internal/buffer"
	"github.com/deploymenttheory/go-xfs/internal/trans"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

// Allocator satisfies extent and inode allocation requests inside a
// transaction. Frees are deferred to commit through the transaction's
// deferral queue so that ordering constraints across sub-operations hold.
//
// The free-space and inode btrees are maintained in the single-level shape
// mkfs produces for the supported volume sizes; a tree that has grown a
// level is readable but structural splits are not generated — a full root
// reports ENOSPC instead.
type Allocator struct {
	cache *buffer.Cache
	geo   *types.Geometry
	sb    *types.DSuperblock
	log   *logrus.Entry
}

// New creates the allocator over a mounted volume's cache, geometry and
// in-core superblock.
func New(cache *buffer.Cache, geo *types.Geometry, sb *types.DSuperblock) *Allocator {
	return &Allocator{
		cache: cache,
		geo:   geo,
		sb:    sb,
		log:   logrus.WithField("component", "alloc"),
	}
}

// agf reads and pins an AG's free-space header.
func (a *Allocator) agf(tx *trans.Transaction, agno types.AGNumber) (*buffer.Buf, *types.DAGF, error) {
	daddr := a.geo.AGDaddr(agno, 0) + types.AGFDaddrOffset
	buf, err := tx.GetBuf(daddr, int(a.geo.SectSize), types.AGFCRCOffset,
		verifySector(a.geo, types.AGFCRCOffset, "AGF"))
	if err != nil {
		return nil, nil, err
	}
	agf, err := types.DeserializeAGF(buf.Data)
	if err != nil {
		return nil, nil, err
	}
	return buf, agf, nil
}

// agBlockBuf reads and pins an AG-relative btree block.
func (a *Allocator) agBlockBuf(tx *trans.Transaction, agno types.AGNumber, agbno types.AGBlock) (*buffer.Buf, error) {
	return tx.GetBuf(a.geo.AGDaddr(agno, agbno), int(a.geo.BlockSize),
		types.BtreeShortCRCOffset, verifyShortBlock(a.geo))
}

// freeLeaf walks from the given root to the leftmost leaf of a free-space
// btree. Single-level trees return the root itself.
func (a *Allocator) freeLeaf(tx *trans.Transaction, agno types.AGNumber, root uint32, magics ...uint32) (*shortLeaf, error) {
	agbno := types.AGBlock(root)
	for {
		buf, err := a.agBlockBuf(tx, agno, agbno)
		if err != nil {
			return nil, err
		}
		leaf, err := loadShortLeaf(a.geo, buf, types.AllocRecSize, magics...)
		if err != nil {
			return nil, err
		}
		if leaf.hdr.Level == 0 {
			return leaf, nil
		}
		// Interior block: descend through the first pointer. Keys are
		// 8 bytes, pointers 4, packed keys-then-pointers.
		maxrecs := (len(buf.Data) - leaf.recBase) / (types.AllocRecSize + 4)
		ptrBase := leaf.recBase + maxrecs*types.AllocRecSize
		agbno = types.AGBlock(types.GetUint32(buf.Data, ptrBase))
	}
}

// mutableFreeLeaf returns the leaf for mutation, which requires the tree to
// be single-level.
func (a *Allocator) mutableFreeLeaf(tx *trans.Transaction, agno types.AGNumber, root, level uint32, magics ...uint32) (*shortLeaf, error) {
	if level != 1 {
		return nil, types.Errorf(syscall.EIO, "Allocator",
			"free-space btree in AG %d has depth %d; mutation supports depth 1", agno, level)
	}
	return a.freeLeaf(tx, agno, root, magics...)
}

// AllocExtent yields a contiguous extent of at most maxlen and at least
// minlen blocks, near the hint when possible. The extent comes from the
// first free run at or after the hint that holds minlen blocks, so it is
// shorter than maxlen whenever that run is, even if a longer run exists
// elsewhere; the largest run serves only when no run past the hint fits.
// The caller loops. Out of space reports ENOSPC.
func (a *Allocator) AllocExtent(tx *trans.Transaction, hint types.FSBlock, minlen, maxlen uint32) (types.FSBlock, uint32, error) {
	if maxlen == 0 {
		return 0, 0, types.NewXFSError(syscall.EINVAL, "AllocExtent", "zero-length allocation")
	}
	if minlen == 0 {
		minlen = 1
	}
	startAG := a.geo.FSBToAG(hint)
	if uint32(startAG) >= a.geo.AGCount {
		startAG = 0
	}
	for i := uint32(0); i < a.geo.AGCount; i++ {
		agno := types.AGNumber((uint32(startAG) + i) % a.geo.AGCount)
		fsb, got, err := a.allocFromAG(tx, agno, hint, minlen, maxlen)
		if err == nil {
			return fsb, got, nil
		}
		if types.ErrnoOf(err) != syscall.ENOSPC {
			return 0, 0, err
		}
	}
	return 0, 0, types.NewXFSError(syscall.ENOSPC, "AllocExtent", "no allocation group has space")
}

// allocFromAG attempts the allocation within one AG: first fit at or after
// the hint, falling back to the best available run.
func (a *Allocator) allocFromAG(tx *trans.Transaction, agno types.AGNumber, hint types.FSBlock, minlen, maxlen uint32) (types.FSBlock, uint32, error) {
	agfBuf, agf, err := a.agf(tx, agno)
	if err != nil {
		return 0, 0, err
	}
	if agf.Freeblks < minlen {
		return 0, 0, types.NewXFSError(syscall.ENOSPC, "allocFromAG", "AG exhausted")
	}
	bno, err := a.mutableFreeLeaf(tx, agno, agf.BnoRoot, agf.BnoLevel,
		types.ABTBMagic, types.ABTB3Magic)
	if err != nil {
		return 0, 0, err
	}

	hintBlock := types.AGBlock(0)
	if a.geo.FSBToAG(hint) == agno {
		hintBlock = a.geo.FSBToAGBlock(hint)
	}

	// First fit: prefer the first run at or after the hint that satisfies
	// minlen; remember the largest run as fallback.
	best, bestIdx := uint32(0), -1
	pick := -1
	for i := 0; i < bno.numRecs(); i++ {
		rec := types.DecodeAllocRec(bno.buf.Data, bno.recBase, i)
		if rec.Blockcount > best {
			best, bestIdx = rec.Blockcount, i
		}
		if pick < 0 && rec.Blockcount >= minlen &&
			rec.Startblock+types.AGBlock(rec.Blockcount) > hintBlock {
			pick = i
		}
	}
	if pick < 0 {
		if bestIdx < 0 || best < minlen {
			return 0, 0, types.NewXFSError(syscall.ENOSPC, "allocFromAG", "no run fits")
		}
		pick = bestIdx
	}
	rec := types.DecodeAllocRec(bno.buf.Data, bno.recBase, pick)
	got := rec.Blockcount
	if got > maxlen {
		got = maxlen
	}
	start := rec.Startblock

	if err := a.takeFromRun(tx, agno, agf, agfBuf, bno, pick, start, got); err != nil {
		return 0, 0, err
	}
	return a.geo.MakeFSB(agno, start), got, nil
}

// takeFromRun removes [start,start+count) from the free run at index i of
// the by-bno leaf, updates the by-size tree, the AGF and the superblock.
func (a *Allocator) takeFromRun(tx *trans.Transaction, agno types.AGNumber, agf *types.DAGF, agfBuf *buffer.Buf, bno *shortLeaf, i int, start types.AGBlock, count uint32) error {
	rec := types.DecodeAllocRec(bno.buf.Data, bno.recBase, i)
	if start < rec.Startblock ||
		uint32(start-rec.Startblock)+count > rec.Blockcount {
		return types.Errorf(syscall.EIO, "takeFromRun", "allocation outside free run")
	}

	cnt, err := a.mutableFreeLeaf(tx, agno, agf.CntRoot, agf.CntLevel,
		types.ABTCMagic, types.ABTC3Magic)
	if err != nil {
		return err
	}
	if err := cntRemove(cnt, rec); err != nil {
		return err
	}

	head := uint32(start - rec.Startblock)
	tail := rec.Blockcount - head - count
	switch {
	case head == 0 && tail == 0:
		bno.removeAt(i)
	case head == 0:
		rec.Startblock += types.AGBlock(count)
		rec.Blockcount = tail
		types.EncodeAllocRec(bno.buf.Data, bno.recBase, i, rec)
	case tail == 0:
		rec.Blockcount = head
		types.EncodeAllocRec(bno.buf.Data, bno.recBase, i, rec)
	default:
		// Allocation out of the middle splits the run in two.
		rec.Blockcount = head
		types.EncodeAllocRec(bno.buf.Data, bno.recBase, i, rec)
		if err := bno.insertAt(i + 1); err != nil {
			return err
		}
		types.EncodeAllocRec(bno.buf.Data, bno.recBase, i+1, types.AllocRec{
			Startblock: start + types.AGBlock(count),
			Blockcount: tail,
		})
	}
	if head > 0 {
		if err := cntInsert(cnt, types.AllocRec{Startblock: rec.Startblock, Blockcount: head}); err != nil {
			return err
		}
	}
	if tail > 0 {
		if err := cntInsert(cnt, types.AllocRec{
			Startblock: start + types.AGBlock(count), Blockcount: tail,
		}); err != nil {
			return err
		}
	}

	bno.flush(tx)
	cnt.flush(tx)

	agf.Freeblks -= count
	agf.Longest = cntLongest(cnt)
	if err := types.SerializeAGF(agf, agfBuf.Data); err != nil {
		return err
	}
	tx.LogBuf(agfBuf, 0, len(agfBuf.Data)-1)

	a.sb.Fdblocks -= uint64(count)
	tx.LogSB()
	a.log.WithFields(logrus.Fields{
		"ag": agno, "agbno": start, "count": count,
	}).Debug("allocated extent")
	return nil
}

// FreeExtent queues the release of an extent; the blocks return to the
// free-space btrees when the transaction commits.
func (a *Allocator) FreeExtent(tx *trans.Transaction, start types.FSBlock, count uint32) {
	tx.Defer(func(tx *trans.Transaction) error {
		return a.freeExtent(tx, start, count)
	})
}

func (a *Allocator) freeExtent(tx *trans.Transaction, start types.FSBlock, count uint32) error {
	agno := a.geo.FSBToAG(start)
	agbno := a.geo.FSBToAGBlock(start)

	agfBuf, agf, err := a.agf(tx, agno)
	if err != nil {
		return err
	}
	bno, err := a.mutableFreeLeaf(tx, agno, agf.BnoRoot, agf.BnoLevel,
		types.ABTBMagic, types.ABTB3Magic)
	if err != nil {
		return err
	}
	cnt, err := a.mutableFreeLeaf(tx, agno, agf.CntRoot, agf.CntLevel,
		types.ABTCMagic, types.ABTC3Magic)
	if err != nil {
		return err
	}

	// Locate the insertion point in the by-bno leaf and coalesce with the
	// left and right neighbours where they touch.
	n := bno.numRecs()
	pos := n
	for i := 0; i < n; i++ {
		rec := types.DecodeAllocRec(bno.buf.Data, bno.recBase, i)
		if rec.Startblock > agbno {
			pos = i
			break
		}
	}
	newRec := types.AllocRec{Startblock: agbno, Blockcount: count}

	if pos > 0 {
		left := types.DecodeAllocRec(bno.buf.Data, bno.recBase, pos-1)
		if left.Startblock+types.AGBlock(left.Blockcount) == agbno {
			if err := cntRemove(cnt, left); err != nil {
				return err
			}
			newRec.Startblock = left.Startblock
			newRec.Blockcount += left.Blockcount
			bno.removeAt(pos - 1)
			pos--
			n--
		}
	}
	if pos < n {
		right := types.DecodeAllocRec(bno.buf.Data, bno.recBase, pos)
		if newRec.Startblock+types.AGBlock(newRec.Blockcount) == right.Startblock {
			if err := cntRemove(cnt, right); err != nil {
				return err
			}
			newRec.Blockcount += right.Blockcount
			bno.removeAt(pos)
		}
	}
	if err := bno.insertAt(pos); err != nil {
		return err
	}
	types.EncodeAllocRec(bno.buf.Data, bno.recBase, pos, newRec)
	if err := cntInsert(cnt, newRec); err != nil {
		return err
	}

	bno.flush(tx)
	cnt.flush(tx)

	agf.Freeblks += count
	agf.Longest = cntLongest(cnt)
	if err := types.SerializeAGF(agf, agfBuf.Data); err != nil {
		return err
	}
	tx.LogBuf(agfBuf, 0, len(agfBuf.Data)-1)

	a.sb.Fdblocks += uint64(count)
	tx.LogSB()
	a.log.WithFields(logrus.Fields{
		"ag": agno, "agbno": agbno, "count": count,
	}).Debug("freed extent")
	return nil
}

// cntRemove deletes the (blockcount, startblock) record from the by-size
// leaf.
func cntRemove(cnt *shortLeaf, rec types.AllocRec) error {
	for i := 0; i < cnt.numRecs(); i++ {
		r := types.DecodeAllocRec(cnt.buf.Data, cnt.recBase, i)
		if r == rec {
			cnt.removeAt(i)
			return nil
		}
	}
	return types.Errorf(syscall.EIO, "cntRemove",
		"free run %d+%d missing from by-size btree", rec.Startblock, rec.Blockcount)
}

// cntInsert adds a record to the by-size leaf keeping (blockcount,
// startblock) order.
func cntInsert(cnt *shortLeaf, rec types.AllocRec) error {
	pos := cnt.numRecs()
	for i := 0; i < cnt.numRecs(); i++ {
		r := types.DecodeAllocRec(cnt.buf.Data, cnt.recBase, i)
		if r.Blockcount > rec.Blockcount ||
			(r.Blockcount == rec.Blockcount && r.Startblock > rec.Startblock) {
			pos = i
			break
		}
	}
	if err := cnt.insertAt(pos); err != nil {
		return err
	}
	types.EncodeAllocRec(cnt.buf.Data, cnt.recBase, pos, rec)
	return nil
}

// cntLongest is the largest free run, the last record of the by-size leaf.
func cntLongest(cnt *shortLeaf) uint32 {
	n := cnt.numRecs()
	if n == 0 {
		return 0
	}
	return types.DecodeAllocRec(cnt.buf.Data, cnt.recBase, n-1).Blockcount
}

// Superblock exposes the in-core superblock for counter reporting.
func (a *Allocator) Superblock() *types.DSuperblock { return a.sb }
