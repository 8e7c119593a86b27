// File: internal/dir/block.go
package dir

import (
	"bytes"
	"sort"
	"syscall"

	"github.com/deploymenttheory/go-xfs/internal/buffer"
	"github.com/deploymenttheory/go-xfs/internal/trans"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

// Block-form directories hold everything in one directory block: the data
// header, the entry stream, and a trailing hash index (leaf entries plus a
// count/stale tail).

// entryRegionEnd derives where live entries stop, from the block's magic: a
// block-form block reserves its tail for the hash index, a leaf-form data
// block runs to the end.
func (d *Directory) entryRegionEnd(data []byte) (int, error) {
	switch types.GetUint32(data, 0) {
	case types.Dir2BlockMagic, types.Dir3BlockMagic:
		count := int(types.GetUint32(data, len(data)-types.Dir2BlockTailSize))
		end := len(data) - types.Dir2BlockTailSize - count*types.Dir2LeafEntrySize
		if end < d.dataHdrSize() {
			return 0, types.NewXFSError(syscall.EIO, "dir.entryRegionEnd",
				"leaf tail overruns data header")
		}
		return end, nil
	case types.Dir2DataMagic, types.Dir3DataMagic:
		return len(data), nil
	}
	return 0, types.Errorf(syscall.EIO, "dir.entryRegionEnd",
		"bad directory block magic 0x%08x", types.GetUint32(data, 0))
}

// readBlockEntries decodes every live entry of the directory block held in
// buf.
func (d *Directory) readBlockEntries(buf *buffer.Buf) ([]dataEntry, int, error) {
	end, err := d.entryRegionEnd(buf.Data)
	if err != nil {
		return nil, 0, err
	}
	var entries []dataEntry
	err = d.walkEntries(buf.Data, d.dataHdrSize(), end, func(e dataEntry) bool {
		e.Name = append([]byte(nil), e.Name...)
		entries = append(entries, e)
		return true
	})
	return entries, end, err
}

// writeBlockTail rebuilds the hash index for a block-form block: leaf
// entries sorted by hash directly below the tail.
func (d *Directory) writeBlockTail(data []byte, entries []dataEntry) {
	sorted := make([]dataEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return types.HashName(sorted[i].Name) < types.HashName(sorted[j].Name)
	})
	base := len(data) - types.Dir2BlockTailSize - len(sorted)*types.Dir2LeafEntrySize
	for i, e := range sorted {
		types.PutUint32(data, base+i*types.Dir2LeafEntrySize, types.HashName(e.Name))
		types.PutUint32(data, base+i*types.Dir2LeafEntrySize+4,
			uint32(types.ByteToDataptr(uint64(e.Offset))))
	}
	types.PutUint32(data, len(data)-8, uint32(len(sorted)))
	types.PutUint32(data, len(data)-4, 0) // stale
}

// rebuildBlock re-encodes a block-form image around the given entries.
func (d *Directory) rebuildBlock(buf *buffer.Buf, entries []dataEntry) {
	end := len(buf.Data) - types.Dir2BlockTailSize - len(entries)*types.Dir2LeafEntrySize
	d.rebuildRegion(buf.Data, entries, d.dataHdrSize(), end)
	d.writeBlockTail(buf.Data, entries)
}

func (d *Directory) blockLookup(name []byte) (types.Ino, error) {
	buf, err := d.dirBlockBuf(nil, 0)
	if err != nil {
		return types.NullIno, err
	}
	defer d.bufs.Release(buf)
	entries, _, err := d.readBlockEntries(buf)
	if err != nil {
		return types.NullIno, err
	}
	for _, e := range entries {
		if bytes.Equal(e.Name, name) {
			return e.Ino, nil
		}
	}
	return types.NullIno, types.NewXFSError(syscall.ENOENT, "dir.Lookup", string(name))
}

func (d *Directory) blockReplace(tx *trans.Transaction, name []byte, ino types.Ino) error {
	buf, err := d.dirBlockBuf(tx, 0)
	if err != nil {
		return err
	}
	entries, _, err := d.readBlockEntries(buf)
	if err != nil {
		return err
	}
	for i := range entries {
		if bytes.Equal(entries[i].Name, name) {
			entries[i].Ino = ino
			d.writeEntry(buf.Data, entries[i].Offset, ino, entries[i].Name, entries[i].Ftype)
			tx.LogBuf(buf, 0, len(buf.Data)-1)
			d.ip.TouchTimes(true)
			tx.LogItem(d.ip, trans.LogCore)
			return nil
		}
	}
	return types.NewXFSError(syscall.ENOENT, "dir.Replace", string(name))
}

func (d *Directory) blockInsert(tx *trans.Transaction, name []byte, ino types.Ino, ftype types.FileType) error {
	buf, err := d.dirBlockBuf(tx, 0)
	if err != nil {
		return err
	}
	entries, _, err := d.readBlockEntries(buf)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if bytes.Equal(e.Name, name) {
			return types.NewXFSError(syscall.EEXIST, "dir.Insert", string(name))
		}
	}

	// The hash index grows by one pair, so the entry region shrinks.
	newEnd := len(buf.Data) - types.Dir2BlockTailSize -
		(len(entries)+1)*types.Dir2LeafEntrySize
	need := types.DirEntSize(len(name), d.geo.HasFtype)
	fit := true
	for _, e := range entries {
		if e.Offset+types.DirEntSize(len(e.Name), d.geo.HasFtype) > newEnd {
			fit = false
			break
		}
	}
	var gap span
	if fit {
		spans := d.layoutSpans(entries, d.dataHdrSize(), newEnd)
		gap, fit = findGap(spans, need)
	}
	if !fit {
		// Promote to leaf form, then insert through the leaf path.
		if err := d.blockToLeaf(tx, buf, entries); err != nil {
			return err
		}
		return d.leafInsert(tx, name, ino, ftype)
	}

	entries = append(entries, dataEntry{
		Offset: gap.off,
		Ino:    ino,
		Name:   append([]byte(nil), name...),
		Ftype:  ftype,
	})
	d.rebuildBlock(buf, entries)
	tx.LogBuf(buf, 0, len(buf.Data)-1)
	d.ip.TouchTimes(true)
	tx.LogItem(d.ip, trans.LogCore)
	return nil
}

func (d *Directory) blockRemove(tx *trans.Transaction, name []byte) error {
	buf, err := d.dirBlockBuf(tx, 0)
	if err != nil {
		return err
	}
	entries, _, err := d.readBlockEntries(buf)
	if err != nil {
		return err
	}
	idx := -1
	for i, e := range entries {
		if bytes.Equal(e.Name, name) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return types.NewXFSError(syscall.ENOENT, "dir.Remove", string(name))
	}
	entries = append(entries[:idx], entries[idx+1:]...)

	if d.fitsShortform(entries) {
		return d.blockToShortform(tx, entries)
	}

	d.rebuildBlock(buf, entries)
	tx.LogBuf(buf, 0, len(buf.Data)-1)
	d.ip.TouchTimes(true)
	tx.LogItem(d.ip, trans.LogCore)
	return nil
}

// fitsShortform checks whether the remaining entries (excluding "." and
// "..") pack into the inode's inline capacity.
func (d *Directory) fitsShortform(entries []dataEntry) bool {
	i8 := false
	for _, e := range entries {
		if uint64(e.Ino) > 0xffffffff {
			i8 = true
		}
	}
	size := types.SfHdrSize(i8)
	for _, e := range entries {
		if bytes.Equal(e.Name, dotName) || bytes.Equal(e.Name, dotdotName) {
			continue
		}
		size += types.SfEntSize(len(e.Name), d.geo.HasFtype, i8)
	}
	return size <= d.ip.Core.DataForkSize(d.geo.InodeSize)
}

// blockToShortform demotes a one-block directory back into the inode.
func (d *Directory) blockToShortform(tx *trans.Transaction, entries []dataEntry) error {
	sf := &sfDir{Parent: d.ip.Num}
	for _, e := range entries {
		if bytes.Equal(e.Name, dotName) {
			continue
		}
		if bytes.Equal(e.Name, dotdotName) {
			sf.Parent = e.Ino
			continue
		}
		sf.Entries = append(sf.Entries, sfEntry{
			Name:   e.Name,
			Offset: uint16(e.Offset),
			Ino:    e.Ino,
			Ftype:  e.Ftype,
		})
	}

	// Release the directory block back to the allocator.
	ext := d.ip.DataFork.Extents[0]
	d.alloc.FreeExtent(tx, ext.StartBlock, ext.BlockCount)
	d.ip.Core.Nblocks -= uint64(ext.BlockCount)
	d.ip.DataFork.Extents = nil

	d.encodeShortform(sf)
	d.ip.TouchTimes(true)
	tx.LogItem(d.ip, trans.LogCore|trans.LogDDdata)
	d.log.Debug("demoted block directory to shortform")
	return nil
}

// sfToBlock promotes a shortform directory into the single-block layout,
// carrying the pending entry set sf already contains.
func (d *Directory) sfToBlock(tx *trans.Transaction, sf *sfDir) error {
	hint := d.geo.MakeFSB(d.geo.InoToAG(d.ip.Num), d.geo.InoToAGBlock(d.ip.Num))
	fsb, _, err := d.allocDirBlock(tx, hint)
	if err != nil {
		return err
	}

	daddr := d.geo.FSBToDaddr(fsb)
	buf, err := tx.GetFreshBuf(daddr, int(d.geo.DirBlockSize), types.Dir3DataCRCOff)
	if err != nil {
		return err
	}
	d.initDataHdr(buf.Data, true, daddr)

	entries := []dataEntry{
		{Offset: d.dataHdrSize(), Ino: d.ip.Num, Name: dotName, Ftype: types.FileTypeDir},
		{
			Offset: d.dataHdrSize() + types.DirEntSize(1, d.geo.HasFtype),
			Ino:    sf.Parent, Name: dotdotName, Ftype: types.FileTypeDir,
		},
	}
	for _, e := range sf.Entries {
		entries = append(entries, dataEntry{
			Offset: int(e.Offset),
			Ino:    e.Ino,
			Name:   e.Name,
			Ftype:  e.Ftype,
		})
	}
	d.rebuildBlock(buf, entries)
	tx.LogBuf(buf, 0, len(buf.Data)-1)

	d.ip.DataFork.Format = types.DInodeFmtExtents
	d.ip.DataFork.Data = nil
	d.ip.DataFork.Extents = []types.Extent{{
		FileOff: 0, StartBlock: fsb, BlockCount: d.geo.DirBlkFSBs,
	}}
	d.ip.Core.Format = types.DInodeFmtExtents
	d.ip.Core.Size = int64(d.geo.DirBlockSize)
	d.ip.Core.Nblocks += uint64(d.geo.DirBlkFSBs)
	d.ip.TouchTimes(true)
	tx.LogItem(d.ip, trans.LogCore|trans.LogDExt)
	d.log.Debug("promoted shortform directory to block form")
	return nil
}

// allocDirBlock takes one directory block's worth of contiguous space.
func (d *Directory) allocDirBlock(tx *trans.Transaction, hint types.FSBlock) (types.FSBlock, uint32, error) {
	fsb, got, err := d.alloc.AllocExtent(tx, hint, d.geo.DirBlkFSBs, d.geo.DirBlkFSBs)
	if err != nil {
		return 0, 0, err
	}
	if got < d.geo.DirBlkFSBs {
		return 0, 0, types.NewXFSError(syscall.ENOSPC, "dir.allocDirBlock",
			"no contiguous run for a directory block")
	}
	return fsb, got, nil
}
