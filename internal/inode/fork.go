// File: internal/inode/fork.go
package inode

import (
	"syscall"

	"github.com/deploymenttheory/go-xfs/internal/buffer"
	"github.com/deploymenttheory/go-xfs/internal/checksum"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

// Fork is the in-core image of one inode fork. Exactly one representation is
// live, selected by Format:
//
//	dev     — Dev holds the device number
//	local   — Data holds the inline bytes
//	extents — Extents holds the decoded record list
//	btree   — Root holds the raw inline root; Extents carries the decoded
//	          leaf records once loaded
type Fork struct {
	Format  types.DInodeFmt
	Data    []byte
	Extents []types.Extent
	Dev     uint32
	Root    []byte
	loaded  bool
}

// decodeFork extracts a fork from the inode's literal area. region is the
// fork's slice of the inode record; nextents the on-disk extent count.
func decodeFork(format types.DInodeFmt, region []byte, inlineBytes int, nextents uint32) (Fork, error) {
	f := Fork{Format: format}
	switch format {
	case types.DInodeFmtDev:
		f.Dev = types.GetUint32(region, 0)
	case types.DInodeFmtLocal:
		if inlineBytes > len(region) {
			return f, types.Errorf(syscall.EIO, "decodeFork",
				"local fork of %d bytes exceeds region %d", inlineBytes, len(region))
		}
		f.Data = make([]byte, inlineBytes)
		copy(f.Data, region[:inlineBytes])
	case types.DInodeFmtExtents:
		if int(nextents)*types.BmbtRecSize > len(region) {
			return f, types.Errorf(syscall.EIO, "decodeFork",
				"%d extents exceed fork region %d", nextents, len(region))
		}
		f.Extents = make([]types.Extent, nextents)
		for i := uint32(0); i < nextents; i++ {
			f.Extents[i] = types.UnpackExtent(region, int(i)*types.BmbtRecSize)
		}
		f.loaded = true
	case types.DInodeFmtBtree:
		f.Root = make([]byte, len(region))
		copy(f.Root, region)
	default:
		return f, types.Errorf(syscall.EIO, "decodeFork", "unknown fork format %d", format)
	}
	return f, nil
}

// loadBtreeExtents walks the bmap btree rooted inline and fills f.Extents
// from the leaf records, in file-offset order.
func (f *Fork) loadBtreeExtents(cache *buffer.Cache, geo *types.Geometry) error {
	if f.loaded || f.Format != types.DInodeFmtBtree {
		f.loaded = true
		return nil
	}
	hdr, err := types.DecodeBmbtRootHdr(f.Root)
	if err != nil {
		return err
	}
	for i := 0; i < int(hdr.Numrecs); i++ {
		child := types.BmbtRootPtr(f.Root, len(f.Root), i)
		if err := f.walkBmbt(cache, geo, child, int(hdr.Level)); err != nil {
			return err
		}
	}
	f.loaded = true
	return nil
}

func (f *Fork) walkBmbt(cache *buffer.Cache, geo *types.Geometry, fsb types.FSBlock, level int) error {
	verify := func([]byte) error { return nil }
	if geo.HasCRC {
		verify = func(data []byte) error {
			if !checksum.Verify(data, types.BtreeLongCRCOffset) {
				return types.NewXFSError(syscall.EIO, "walkBmbt", "bmap block checksum mismatch")
			}
			return nil
		}
	}
	buf, err := cache.Get(geo.FSBToDaddr(fsb), int(geo.BlockSize),
		types.BtreeLongCRCOffset, verify)
	if err != nil {
		return err
	}
	defer cache.Release(buf)

	hdr, recBase, err := types.DecodeBmbtBlockHdr(buf.Data, geo.HasCRC)
	if err != nil {
		return err
	}
	if int(hdr.Level) != level-1 {
		return types.Errorf(syscall.EIO, "walkBmbt",
			"bmap level mismatch: block %d, expected %d", hdr.Level, level-1)
	}
	if hdr.Level == 0 {
		for i := 0; i < int(hdr.Numrecs); i++ {
			f.Extents = append(f.Extents,
				types.UnpackExtent(buf.Data, recBase+i*types.BmbtRecSize))
		}
		return nil
	}
	for i := 0; i < int(hdr.Numrecs); i++ {
		child := types.BmbtNodePtr(buf.Data, recBase, geo.BlockSize, i)
		if err := f.walkBmbt(cache, geo, child, int(hdr.Level)); err != nil {
			return err
		}
	}
	return nil
}

// LookupExtent finds the extent containing the file block, if any.
func (f *Fork) LookupExtent(off types.FileOff) (types.Extent, bool) {
	for _, e := range f.Extents {
		if off >= e.FileOff && off < e.End() {
			return e, true
		}
		if e.FileOff > off {
			break
		}
	}
	return types.Extent{}, false
}

// AddExtent inserts a mapping keeping file-offset order and merging with a
// contiguous left neighbour.
func (f *Fork) AddExtent(e types.Extent) {
	pos := len(f.Extents)
	for i, cur := range f.Extents {
		if cur.FileOff > e.FileOff {
			pos = i
			break
		}
	}
	if pos > 0 {
		left := &f.Extents[pos-1]
		if left.End() == e.FileOff &&
			left.StartBlock+types.FSBlock(left.BlockCount) == e.StartBlock &&
			left.State == e.State {
			left.BlockCount += e.BlockCount
			return
		}
	}
	f.Extents = append(f.Extents, types.Extent{})
	copy(f.Extents[pos+1:], f.Extents[pos:])
	f.Extents[pos] = e
}

// TruncateExtents removes every mapping at or beyond the file block and
// returns the removed disk runs. An extent straddling the cut is split.
func (f *Fork) TruncateExtents(from types.FileOff) []types.Extent {
	var removed []types.Extent
	kept := f.Extents[:0]
	for _, e := range f.Extents {
		switch {
		case e.End() <= from:
			kept = append(kept, e)
		case e.FileOff >= from:
			removed = append(removed, e)
		default:
			head := uint32(from - e.FileOff)
			kept = append(kept, types.Extent{
				FileOff:    e.FileOff,
				StartBlock: e.StartBlock,
				BlockCount: head,
				State:      e.State,
			})
			removed = append(removed, types.Extent{
				FileOff:    from,
				StartBlock: e.StartBlock + types.FSBlock(head),
				BlockCount: e.BlockCount - head,
				State:      e.State,
			})
		}
	}
	f.Extents = kept
	return removed
}

// BlockCount sums the mapped blocks.
func (f *Fork) BlockCount() uint64 {
	var n uint64
	for _, e := range f.Extents {
		n += uint64(e.BlockCount)
	}
	return n
}

// clone deep-copies the fork for snapshots.
func (f *Fork) clone() Fork {
	c := Fork{Format: f.Format, Dev: f.Dev, loaded: f.loaded}
	if f.Data != nil {
		c.Data = append([]byte(nil), f.Data...)
	}
	if f.Extents != nil {
		c.Extents = append([]types.Extent(nil), f.Extents...)
	}
	if f.Root != nil {
		c.Root = append([]byte(nil), f.Root...)
	}
	return c
}
