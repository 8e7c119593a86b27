// File: internal/dir/data.go
package dir

import (
	"sort"
	"syscall"

	"github.com/deploymenttheory/go-xfs/internal/buffer"
	"github.com/deploymenttheory/go-xfs/internal/checksum"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

// Helpers shared by the block and leaf layouts: both store entries in
// directory data blocks as a byte stream of live entries and tagged unused
// spans, 8-byte aligned.

// dataEntry is a decoded live entry together with its offset in the block.
type dataEntry struct {
	Offset int // byte offset within the directory block
	Ino    types.Ino
	Name   []byte
	Ftype  types.FileType
}

func (d *Directory) dataHdrSize() int {
	if d.geo.HasCRC {
		return types.Dir3DataHdrSize
	}
	return types.Dir2DataHdrSize
}

// dataMagic returns the expected magic for a directory block of the given
// role (block form carries the tail, data form does not).
func (d *Directory) dataMagic(blockForm bool) uint32 {
	switch {
	case blockForm && d.geo.HasCRC:
		return types.Dir3BlockMagic
	case blockForm:
		return types.Dir2BlockMagic
	case d.geo.HasCRC:
		return types.Dir3DataMagic
	}
	return types.Dir2DataMagic
}

// verifyData returns the cache verifier for directory blocks.
func (d *Directory) verifyData() func([]byte) error {
	if !d.geo.HasCRC {
		return nil
	}
	return func(data []byte) error {
		if !checksum.Verify(data, types.Dir3DataCRCOff) {
			return types.NewXFSError(syscall.EIO, "dir.verifyData",
				"directory block checksum mismatch")
		}
		return nil
	}
}

// walkEntries calls fn for every live entry in the region [start,end) of a
// directory block image. fn returning false stops the walk.
func (d *Directory) walkEntries(data []byte, start, end int, fn func(dataEntry) bool) error {
	off := start
	for off < end {
		if off+8 > end {
			return types.NewXFSError(syscall.EIO, "dir.walkEntries", "entry overruns block")
		}
		if types.GetUint16(data, off) == types.Dir2DataFreeTag {
			length := int(types.GetUint16(data, off+2))
			if length < types.Dir2DataAlign || off+length > end {
				return types.NewXFSError(syscall.EIO, "dir.walkEntries", "bad unused span")
			}
			off += length
			continue
		}
		ino := types.Ino(types.GetUint64(data, off))
		namelen := int(data[off+8])
		entSize := types.DirEntSize(namelen, d.geo.HasFtype)
		if namelen == 0 || off+entSize > end {
			return types.NewXFSError(syscall.EIO, "dir.walkEntries", "bad entry size")
		}
		e := dataEntry{
			Offset: off,
			Ino:    ino,
			Name:   data[off+9 : off+9+namelen],
		}
		if d.geo.HasFtype {
			e.Ftype = types.FileType(data[off+9+namelen])
		}
		if !fn(e) {
			return nil
		}
		off += entSize
	}
	return nil
}

// writeEntry encodes a live entry at off, returning the entry size.
func (d *Directory) writeEntry(data []byte, off int, ino types.Ino, name []byte, ftype types.FileType) int {
	entSize := types.DirEntSize(len(name), d.geo.HasFtype)
	for i := off; i < off+entSize; i++ {
		data[i] = 0
	}
	types.PutUint64(data, off, uint64(ino))
	data[off+8] = uint8(len(name))
	copy(data[off+9:], name)
	if d.geo.HasFtype {
		data[off+9+len(name)] = uint8(ftype)
	}
	types.PutUint16(data, off+entSize-2, uint16(off))
	return entSize
}

// writeUnused encodes an unused span covering [off,off+length).
func writeUnused(data []byte, off, length int) {
	for i := off; i < off+length; i++ {
		data[i] = 0
	}
	types.PutUint16(data, off, types.Dir2DataFreeTag)
	types.PutUint16(data, off+2, uint16(length))
	types.PutUint16(data, off+length-2, uint16(off))
}

// span is a free gap within the entry region.
type span struct {
	off    int
	length int
}

// layoutSpans computes the gaps left between the given entries within
// [start,end). Entries must be sorted by offset.
func (d *Directory) layoutSpans(entries []dataEntry, start, end int) []span {
	var spans []span
	off := start
	for _, e := range entries {
		if e.Offset > off {
			spans = append(spans, span{off: off, length: e.Offset - off})
		}
		off = e.Offset + types.DirEntSize(len(e.Name), d.geo.HasFtype)
	}
	if off < end {
		spans = append(spans, span{off: off, length: end - off})
	}
	return spans
}

// rebuildRegion re-encodes the entry region [start,end): entries at their
// offsets, gaps as unused spans. The header's best-free table is refreshed.
func (d *Directory) rebuildRegion(data []byte, entries []dataEntry, start, end int) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })
	for _, e := range entries {
		d.writeEntry(data, e.Offset, e.Ino, e.Name, e.Ftype)
	}
	spans := d.layoutSpans(entries, start, end)
	for _, s := range spans {
		writeUnused(data, s.off, s.length)
	}
	d.writeBestfree(data, spans)
}

// writeBestfree stores the three longest gaps, largest first, in the data
// header's best-free table.
func (d *Directory) writeBestfree(data []byte, spans []span) {
	best := make([]span, len(spans))
	copy(best, spans)
	sort.Slice(best, func(i, j int) bool { return best[i].length > best[j].length })
	base := d.dataHdrSize() - types.Dir2DataFDCount*4
	for i := 0; i < types.Dir2DataFDCount; i++ {
		var s span
		if i < len(best) {
			s = best[i]
		}
		types.PutUint16(data, base+i*4, uint16(s.off))
		types.PutUint16(data, base+i*4+2, uint16(s.length))
	}
}

// longestSpan is the best-free figure a leaf-form bests entry tracks.
func longestSpan(spans []span) int {
	max := 0
	for _, s := range spans {
		if s.length > max {
			max = s.length
		}
	}
	return max
}

// initDataHdr writes a fresh data-block header (magic, zeroed best-free,
// and the V5 identity fields).
func (d *Directory) initDataHdr(data []byte, blockForm bool, daddr types.Daddr) {
	magic := d.dataMagic(blockForm)
	types.PutUint32(data, 0, magic)
	if d.geo.HasCRC {
		types.PutUint64(data, 8, uint64(daddr))
		u := d.geo.UUID
		copy(data[24:40], u[:])
		types.PutUint64(data, 40, uint64(d.ip.Num))
	}
}

// findGap picks the first gap large enough for need bytes, preferring the
// front of the block.
func findGap(spans []span, need int) (span, bool) {
	for _, s := range spans {
		if s.length >= need {
			return s, true
		}
	}
	return span{}, false
}

// dirBlockBuf reads and pins (via tx when non-nil) the directory block at
// the given file block offset.
func (d *Directory) dirBlockBuf(tx txBufGetter, fileoff types.FileOff) (*buffer.Buf, error) {
	ext, ok := d.ip.DataFork.LookupExtent(fileoff)
	if !ok {
		return nil, types.Errorf(syscall.EIO, "dir.dirBlockBuf",
			"directory block at file offset %d unmapped", fileoff)
	}
	fsb := ext.StartBlock + types.FSBlock(fileoff-ext.FileOff)
	daddr := d.geo.FSBToDaddr(fsb)
	length := int(d.geo.DirBlockSize)
	if tx != nil {
		return tx.GetBuf(daddr, length, types.Dir3DataCRCOff, d.verifyData())
	}
	return d.bufs.Get(daddr, length, types.Dir3DataCRCOff, d.verifyData())
}

// txBufGetter abstracts transaction-pinned reads so read paths can pass nil.
type txBufGetter interface {
	GetBuf(daddr types.Daddr, length int, crcOffset int, verify func([]byte) error) (*buffer.Buf, error)
}
