// File: internal/dir/leaf.go
package dir

import (
	"bytes"
	"sort"
	"syscall"

	"github.com/deploymenttheory/go-xfs/internal/buffer"
	"github.com/deploymenttheory/go-xfs/internal/checksum"
	"github.com/deploymenttheory/go-xfs/internal/trans"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

// Leaf-form directories spread entries over multiple data blocks and keep a
// hash-sorted index in a single leaf block at the start of the leaf address
// space, with a best-free table at its tail. Node form replaces that block
// with a btree of leaves; this engine reads node directories (lookup falls
// back to scanning the data blocks) but only grows directories up to leaf
// form.

func (d *Directory) leafHdrSize() int {
	if d.geo.HasCRC {
		return types.Dir3LeafHdrSize
	}
	return types.Dir2LeafHdrSize
}

func (d *Directory) leafCountOff() int {
	if d.geo.HasCRC {
		return 56
	}
	return 12
}

func (d *Directory) leaf1Magic() uint16 {
	if d.geo.HasCRC {
		return types.Dir3Leaf1Magic
	}
	return types.Dir2Leaf1Magic
}

// leafBlockBuf reads the leaf block, pinning it to tx when non-nil.
func (d *Directory) leafBlockBuf(tx txBufGetter) (*buffer.Buf, error) {
	ext, ok := d.ip.DataFork.LookupExtent(d.leafFileOff())
	if !ok {
		return nil, types.NewXFSError(syscall.EIO, "dir.leafBlockBuf",
			"leaf block unmapped")
	}
	fsb := ext.StartBlock + types.FSBlock(d.leafFileOff()-ext.FileOff)
	daddr := d.geo.FSBToDaddr(fsb)
	verify := func([]byte) error { return nil }
	if d.geo.HasCRC {
		verify = func(data []byte) error {
			if !checksum.Verify(data, types.Dir3LeafCRCOff) {
				return types.NewXFSError(syscall.EIO, "dir.leafBlockBuf",
					"leaf block checksum mismatch")
			}
			return nil
		}
	}
	if tx != nil {
		return tx.GetBuf(daddr, int(d.geo.DirBlockSize), types.Dir3LeafCRCOff, verify)
	}
	return d.bufs.Get(daddr, int(d.geo.DirBlockSize), types.Dir3LeafCRCOff, verify)
}

// leafEnt is one (hashval, address) pair of a leaf1 block; readLeafEnts
// decodes them.
type leafEnt struct {
	Hash uint32
	Addr uint32
}

func (d *Directory) readLeafEnts(data []byte) ([]leafEnt, error) {
	magic := types.GetUint16(data, 8)
	if magic != d.leaf1Magic() {
		// A node-form tree sits here instead; callers fall back to scans.
		return nil, types.NewXFSError(syscall.ENOTSUP, "dir.readLeafEnts", "node form")
	}
	count := int(types.GetUint16(data, d.leafCountOff()))
	stale := int(types.GetUint16(data, d.leafCountOff()+2))
	base := d.leafHdrSize()
	ents := make([]leafEnt, 0, count-stale)
	for i := 0; i < count; i++ {
		addr := types.GetUint32(data, base+i*types.Dir2LeafEntrySize+4)
		if addr == 0 {
			continue // stale entry
		}
		ents = append(ents, leafEnt{
			Hash: types.GetUint32(data, base+i*types.Dir2LeafEntrySize),
			Addr: addr,
		})
	}
	return ents, nil
}

// writeLeafEnts rewrites the leaf1 block's entry table and best-free tail.
func (d *Directory) writeLeafEnts(buf *buffer.Buf, ents []leafEnt, bests []uint16) error {
	data := buf.Data
	base := d.leafHdrSize()
	bestsBase := len(data) - types.Dir2LeafTailSize - len(bests)*2
	if base+len(ents)*types.Dir2LeafEntrySize > bestsBase {
		return types.NewXFSError(syscall.ENOSPC, "dir.writeLeafEnts",
			"leaf block full; node form is not generated")
	}
	sort.Slice(ents, func(i, j int) bool {
		if ents[i].Hash != ents[j].Hash {
			return ents[i].Hash < ents[j].Hash
		}
		return ents[i].Addr < ents[j].Addr
	})
	// Clear the variable region between the header and the tail.
	for i := base; i < len(data)-types.Dir2LeafTailSize; i++ {
		data[i] = 0
	}
	for i, e := range ents {
		types.PutUint32(data, base+i*types.Dir2LeafEntrySize, e.Hash)
		types.PutUint32(data, base+i*types.Dir2LeafEntrySize+4, e.Addr)
	}
	types.PutUint16(data, d.leafCountOff(), uint16(len(ents)))
	types.PutUint16(data, d.leafCountOff()+2, 0)
	for i, b := range bests {
		types.PutUint16(data, bestsBase+i*2, b)
	}
	types.PutUint32(data, len(data)-types.Dir2LeafTailSize, uint32(len(bests)))
	return nil
}

// readBests returns the per-data-block best-free table from the leaf tail.
func (d *Directory) readBests(data []byte) []uint16 {
	bestcount := int(types.GetUint32(data, len(data)-types.Dir2LeafTailSize))
	base := len(data) - types.Dir2LeafTailSize - bestcount*2
	bests := make([]uint16, bestcount)
	for i := range bests {
		bests[i] = types.GetUint16(data, base+i*2)
	}
	return bests
}

// dataBlockCount is how many directory data blocks the directory spans.
func (d *Directory) dataBlockCount() int {
	return int(uint64(d.ip.Core.Size) / uint64(d.geo.DirBlockSize))
}

// dataIterate walks the data blocks in file order; it serves the block,
// leaf, and node layouts alike.
func (d *Directory) dataIterate(fromCookie uint64, emit EmitFunc) error {
	if err := d.ip.LoadExtents(); err != nil {
		return err
	}
	fromByte := types.DataptrToByte(fromCookie)
	blocks := d.dataBlockCount()
	for db := 0; db < blocks; db++ {
		blockBase := uint64(db) * uint64(d.geo.DirBlockSize)
		if fromByte >= blockBase+uint64(d.geo.DirBlockSize) {
			continue
		}
		buf, err := d.dirBlockBuf(nil, types.FileOff(uint64(db)*uint64(d.geo.DirBlkFSBs)))
		if err != nil {
			return err
		}
		end, err := d.entryRegionEnd(buf.Data)
		if err != nil {
			d.bufs.Release(buf)
			return err
		}
		stopped := false
		err = d.walkEntries(buf.Data, d.dataHdrSize(), end, func(e dataEntry) bool {
			cookie := types.ByteToDataptr(blockBase + uint64(e.Offset))
			if fromCookie > cookie {
				return true
			}
			ft := e.Ftype
			if !d.geo.HasFtype {
				ft = types.FileTypeUnknown
			}
			if !emit(e.Name, e.Ino, ft, cookie) {
				stopped = true
				return false
			}
			return true
		})
		d.bufs.Release(buf)
		if err != nil || stopped {
			return err
		}
	}
	return nil
}

// findEntry locates a name by scanning the data blocks, returning the data
// block index and decoded entry.
func (d *Directory) findEntry(tx txBufGetter, name []byte) (*buffer.Buf, int, dataEntry, error) {
	blocks := d.dataBlockCount()
	for db := 0; db < blocks; db++ {
		buf, err := d.dirBlockBuf(tx, types.FileOff(uint64(db)*uint64(d.geo.DirBlkFSBs)))
		if err != nil {
			return nil, 0, dataEntry{}, err
		}
		end, err := d.entryRegionEnd(buf.Data)
		if err != nil {
			d.release(tx, buf)
			return nil, 0, dataEntry{}, err
		}
		var found *dataEntry
		err = d.walkEntries(buf.Data, d.dataHdrSize(), end, func(e dataEntry) bool {
			if bytes.Equal(e.Name, name) {
				cp := e
				cp.Name = append([]byte(nil), e.Name...)
				found = &cp
				return false
			}
			return true
		})
		if err != nil {
			d.release(tx, buf)
			return nil, 0, dataEntry{}, err
		}
		if found != nil {
			return buf, db, *found, nil
		}
		d.release(tx, buf)
	}
	return nil, 0, dataEntry{}, types.NewXFSError(syscall.ENOENT, "dir.findEntry", string(name))
}

// release drops a read reference; transaction-pinned buffers are released at
// commit instead.
func (d *Directory) release(tx txBufGetter, buf *buffer.Buf) {
	if tx == nil {
		d.bufs.Release(buf)
	}
}

func (d *Directory) leafLookup(name []byte) (types.Ino, error) {
	leafBuf, err := d.leafBlockBuf(nil)
	if err == nil {
		defer d.bufs.Release(leafBuf)
		ents, lerr := d.readLeafEnts(leafBuf.Data)
		if lerr == nil {
			return d.leafHashLookup(ents, name)
		}
	}
	// Node form or missing index: scan the data blocks.
	buf, _, e, err := d.findEntry(nil, name)
	if err != nil {
		return types.NullIno, err
	}
	d.bufs.Release(buf)
	return e.Ino, nil
}

// leafHashLookup probes the hash index, then confirms the name in the data
// block (equal hashes collide).
func (d *Directory) leafHashLookup(ents []leafEnt, name []byte) (types.Ino, error) {
	want := types.HashName(name)
	i := sort.Search(len(ents), func(i int) bool { return ents[i].Hash >= want })
	for ; i < len(ents) && ents[i].Hash == want; i++ {
		byteOff := types.DataptrToByte(uint64(ents[i].Addr))
		db := int(byteOff / uint64(d.geo.DirBlockSize))
		off := int(byteOff % uint64(d.geo.DirBlockSize))
		buf, err := d.dirBlockBuf(nil, types.FileOff(uint64(db)*uint64(d.geo.DirBlkFSBs)))
		if err != nil {
			return types.NullIno, err
		}
		namelen := int(buf.Data[off+8])
		match := bytes.Equal(buf.Data[off+9:off+9+namelen], name)
		ino := types.Ino(types.GetUint64(buf.Data, off))
		d.bufs.Release(buf)
		if match {
			return ino, nil
		}
	}
	return types.NullIno, types.NewXFSError(syscall.ENOENT, "dir.Lookup", string(name))
}

// blockToLeaf promotes a block-form directory: the block becomes a plain
// data block and the hash index moves to a fresh leaf block.
func (d *Directory) blockToLeaf(tx *trans.Transaction, blockBuf *buffer.Buf, entries []dataEntry) error {
	hint := d.ip.DataFork.Extents[0].StartBlock
	fsb, _, err := d.allocDirBlock(tx, hint)
	if err != nil {
		return err
	}
	leafDaddr := d.geo.FSBToDaddr(fsb)

	// Rewrite the directory block as a leaf-form data block.
	types.PutUint32(blockBuf.Data, 0, d.dataMagic(false))
	d.rebuildRegion(blockBuf.Data, entries, d.dataHdrSize(), len(blockBuf.Data))
	tx.LogBuf(blockBuf, 0, len(blockBuf.Data)-1)

	// Build the leaf block.
	leafBuf, err := tx.GetFreshBuf(leafDaddr, int(d.geo.DirBlockSize), types.Dir3LeafCRCOff)
	if err != nil {
		return err
	}
	types.PutUint16(leafBuf.Data, 8, d.leaf1Magic())
	if d.geo.HasCRC {
		types.PutUint64(leafBuf.Data, 16, uint64(leafDaddr))
		u := d.geo.UUID
		copy(leafBuf.Data[32:48], u[:])
		types.PutUint64(leafBuf.Data, 48, uint64(d.ip.Num))
	}
	ents := make([]leafEnt, 0, len(entries))
	for _, e := range entries {
		ents = append(ents, leafEnt{
			Hash: types.HashName(e.Name),
			Addr: uint32(types.ByteToDataptr(uint64(e.Offset))),
		})
	}
	spans := d.layoutSpans(sortedByOffset(entries), d.dataHdrSize(), len(blockBuf.Data))
	if err := d.writeLeafEnts(leafBuf, ents, []uint16{uint16(longestSpan(spans))}); err != nil {
		return err
	}
	tx.LogBuf(leafBuf, 0, len(leafBuf.Data)-1)

	d.ip.DataFork.AddExtent(types.Extent{
		FileOff:    d.leafFileOff(),
		StartBlock: fsb,
		BlockCount: d.geo.DirBlkFSBs,
	})
	d.ip.Core.Nblocks += uint64(d.geo.DirBlkFSBs)
	tx.LogItem(d.ip, trans.LogCore|trans.LogDExt)
	d.log.Debug("promoted block directory to leaf form")
	return nil
}

func sortedByOffset(entries []dataEntry) []dataEntry {
	s := make([]dataEntry, len(entries))
	copy(s, entries)
	sort.Slice(s, func(i, j int) bool { return s[i].Offset < s[j].Offset })
	return s
}

// leafInsert places the entry in the first data block with room, growing the
// data space by one block when none has.
func (d *Directory) leafInsert(tx *trans.Transaction, name []byte, ino types.Ino, ftype types.FileType) error {
	if _, err := d.Lookup(name); err == nil {
		return types.NewXFSError(syscall.EEXIST, "dir.Insert", string(name))
	} else if types.ErrnoOf(err) != syscall.ENOENT {
		return err
	}

	leafBuf, err := d.leafBlockBuf(tx)
	if err != nil {
		return err
	}
	ents, err := d.readLeafEnts(leafBuf.Data)
	if err != nil {
		return types.NewXFSError(syscall.ENOSPC, "dir.Insert",
			"node-form directory growth is not supported")
	}
	bests := d.readBests(leafBuf.Data)

	need := types.DirEntSize(len(name), d.geo.HasFtype)
	blocks := d.dataBlockCount()
	target := -1
	var targetBuf *buffer.Buf
	var targetEntries []dataEntry
	for db := 0; db < blocks; db++ {
		buf, err := d.dirBlockBuf(tx, types.FileOff(uint64(db)*uint64(d.geo.DirBlkFSBs)))
		if err != nil {
			return err
		}
		var entries []dataEntry
		walkErr := d.walkEntries(buf.Data, d.dataHdrSize(), len(buf.Data), func(e dataEntry) bool {
			e.Name = append([]byte(nil), e.Name...)
			entries = append(entries, e)
			return true
		})
		if walkErr != nil {
			return walkErr
		}
		spans := d.layoutSpans(sortedByOffset(entries), d.dataHdrSize(), len(buf.Data))
		if _, ok := findGap(spans, need); ok {
			target, targetBuf, targetEntries = db, buf, entries
			break
		}
	}

	if target < 0 {
		// Grow the data space by one directory block.
		db := blocks
		hint := d.ip.DataFork.Extents[0].StartBlock
		fsb, _, err := d.allocDirBlock(tx, hint)
		if err != nil {
			return err
		}
		daddr := d.geo.FSBToDaddr(fsb)
		buf, err := tx.GetFreshBuf(daddr, int(d.geo.DirBlockSize), types.Dir3DataCRCOff)
		if err != nil {
			return err
		}
		d.initDataHdr(buf.Data, false, daddr)
		d.ip.DataFork.AddExtent(types.Extent{
			FileOff:    types.FileOff(uint64(db) * uint64(d.geo.DirBlkFSBs)),
			StartBlock: fsb,
			BlockCount: d.geo.DirBlkFSBs,
		})
		d.ip.Core.Size = int64(uint64(db+1) * uint64(d.geo.DirBlockSize))
		d.ip.Core.Nblocks += uint64(d.geo.DirBlkFSBs)
		bests = append(bests, 0)
		target, targetBuf, targetEntries = db, buf, nil
	}

	spans := d.layoutSpans(sortedByOffset(targetEntries), d.dataHdrSize(), len(targetBuf.Data))
	gap, ok := findGap(spans, need)
	if !ok {
		return types.NewXFSError(syscall.EIO, "dir.Insert", "free span vanished")
	}
	targetEntries = append(targetEntries, dataEntry{
		Offset: gap.off,
		Ino:    ino,
		Name:   append([]byte(nil), name...),
		Ftype:  ftype,
	})
	d.rebuildRegion(targetBuf.Data, targetEntries, d.dataHdrSize(), len(targetBuf.Data))
	tx.LogBuf(targetBuf, 0, len(targetBuf.Data)-1)

	blockBase := uint64(target) * uint64(d.geo.DirBlockSize)
	ents = append(ents, leafEnt{
		Hash: types.HashName(name),
		Addr: uint32(types.ByteToDataptr(blockBase + uint64(gap.off))),
	})
	newSpans := d.layoutSpans(sortedByOffset(targetEntries), d.dataHdrSize(), len(targetBuf.Data))
	for len(bests) <= target {
		bests = append(bests, 0)
	}
	bests[target] = uint16(longestSpan(newSpans))
	if err := d.writeLeafEnts(leafBuf, ents, bests); err != nil {
		return err
	}
	tx.LogBuf(leafBuf, 0, len(leafBuf.Data)-1)

	d.ip.TouchTimes(true)
	tx.LogItem(d.ip, trans.LogCore|trans.LogDExt)
	return nil
}

// leafRemove deletes the entry and refreshes the index and best-free table.
func (d *Directory) leafRemove(tx *trans.Transaction, name []byte) error {
	leafCheck, err := d.leafBlockBuf(tx)
	if err != nil {
		return err
	}
	if _, lerr := d.readLeafEnts(leafCheck.Data); lerr != nil {
		return types.NewXFSError(syscall.EIO, "dir.Remove",
			"node-form directory mutation is not supported")
	}
	buf, db, entry, err := d.findEntry(tx, name)
	if err != nil {
		return err
	}
	var entries []dataEntry
	end, err := d.entryRegionEnd(buf.Data)
	if err != nil {
		return err
	}
	err = d.walkEntries(buf.Data, d.dataHdrSize(), end, func(e dataEntry) bool {
		if e.Offset != entry.Offset {
			cp := e
			cp.Name = append([]byte(nil), e.Name...)
			entries = append(entries, cp)
		}
		return true
	})
	if err != nil {
		return err
	}
	d.rebuildRegion(buf.Data, entries, d.dataHdrSize(), len(buf.Data))
	tx.LogBuf(buf, 0, len(buf.Data)-1)

	leafBuf, err := d.leafBlockBuf(tx)
	if err != nil {
		return err
	}
	if ents, lerr := d.readLeafEnts(leafBuf.Data); lerr == nil {
		blockBase := uint64(db) * uint64(d.geo.DirBlockSize)
		addr := uint32(types.ByteToDataptr(blockBase + uint64(entry.Offset)))
		for i, e := range ents {
			if e.Addr == addr {
				ents = append(ents[:i], ents[i+1:]...)
				break
			}
		}
		bests := d.readBests(leafBuf.Data)
		spans := d.layoutSpans(sortedByOffset(entries), d.dataHdrSize(), len(buf.Data))
		for len(bests) <= db {
			bests = append(bests, 0)
		}
		bests[db] = uint16(longestSpan(spans))
		if err := d.writeLeafEnts(leafBuf, ents, bests); err != nil {
			return err
		}
		tx.LogBuf(leafBuf, 0, len(leafBuf.Data)-1)
	}

	d.ip.TouchTimes(true)
	tx.LogItem(d.ip, trans.LogCore)
	return nil
}

// leafReplace retargets an entry in place.
func (d *Directory) leafReplace(tx *trans.Transaction, name []byte, ino types.Ino) error {
	buf, _, entry, err := d.findEntry(tx, name)
	if err != nil {
		return err
	}
	d.writeEntry(buf.Data, entry.Offset, ino, entry.Name, entry.Ftype)
	tx.LogBuf(buf, 0, len(buf.Data)-1)
	d.ip.TouchTimes(true)
	tx.LogItem(d.ip, trans.LogCore)
	return nil
}
