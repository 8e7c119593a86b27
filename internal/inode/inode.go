// File: internal/inode/inode.go
package inode

import (
	"syscall"
	"time"

	"github.com/deploymenttheory/go-xfs/internal/checksum"
	"github.com/deploymenttheory/go-xfs/internal/trans"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

// Inode is the in-core image of an on-disk inode: the decoded core plus both
// forks. Instances are shared through the cache and reference counted;
// mutation happens only under an open transaction with the inode joined.
type Inode struct {
	Num      types.Ino
	Core     types.DInodeCore
	DataFork Fork
	AttrFork Fork

	cache *Cache
	refs  int

	saved *inodeState
}

type inodeState struct {
	core types.DInodeCore
	data Fork
	attr Fork
}

// Ino returns the inode number.
func (ip *Inode) Ino() types.Ino { return ip.Num }

// IsDir reports whether the inode is a directory.
func (ip *Inode) IsDir() bool { return ip.Core.IsDir() }

// IsReg reports whether the inode is a regular file.
func (ip *Inode) IsReg() bool { return ip.Core.IsReg() }

// IsLink reports whether the inode is a symbolic link.
func (ip *Inode) IsLink() bool { return ip.Core.IsLink() }

// Size returns the file size in bytes.
func (ip *Inode) Size() int64 { return ip.Core.Size }

// Snapshot captures the pre-transaction state; part of trans.Item.
func (ip *Inode) Snapshot() {
	ip.saved = &inodeState{
		core: ip.Core,
		data: ip.DataFork.clone(),
		attr: ip.AttrFork.clone(),
	}
}

// Restore reverts to the snapshot; part of trans.Item.
func (ip *Inode) Restore() {
	if ip.saved == nil {
		return
	}
	ip.Core = ip.saved.core
	ip.DataFork = ip.saved.data
	ip.AttrFork = ip.saved.attr
	ip.saved = nil
}

// TouchTimes refreshes timestamps the way every mutation must: ctime always,
// mtime when content changed.
func (ip *Inode) TouchTimes(contentChanged bool) {
	now := time.Now()
	ts := types.Timestamp{Sec: int32(now.Unix()), Nsec: int32(now.Nanosecond())}
	ip.Core.Ctime = ts
	if contentChanged {
		ip.Core.Mtime = ts
	}
}

// WriteBack encodes the logged state into the inode's cluster buffer; part
// of trans.Item. The buffer is pinned to the transaction, so the bytes reach
// the device with the commit.
func (ip *Inode) WriteBack(tx *trans.Transaction, fields uint32) error {
	geo := tx.Geometry()
	daddr, off := geo.InodeDaddr(ip.Num)
	buf, err := tx.GetBuf(daddr, int(geo.BlockSize), -1, nil)
	if err != nil {
		return err
	}
	rec := buf.Data[off : off+int(geo.InodeSize)]

	if ip.Core.Version == types.DInodeVersion3 {
		ip.Core.Changecount++
	}
	types.SerializeDInodeCore(&ip.Core, rec)

	if fields&(trans.LogDDdata|trans.LogDev|trans.LogDExt|trans.LogDBroot) != 0 {
		if err := ip.encodeDataFork(rec, geo); err != nil {
			return err
		}
	}
	if fields&(trans.LogAData|trans.LogAExt|trans.LogABroot) != 0 {
		if err := ip.encodeAttrFork(rec, geo); err != nil {
			return err
		}
	}

	if geo.HasCRC {
		checksum.Update(rec, types.DInodeCRCOffset)
	}
	tx.LogBuf(buf, off, off+int(geo.InodeSize)-1)
	return nil
}

func (ip *Inode) encodeDataFork(rec []byte, geo *types.Geometry) error {
	lit := ip.Core.LiteralOffset()
	size := ip.Core.DataForkSize(geo.InodeSize)
	region := rec[lit : lit+size]
	for i := range region {
		region[i] = 0
	}
	switch ip.DataFork.Format {
	case types.DInodeFmtDev:
		types.PutUint32(region, 0, ip.DataFork.Dev)
	case types.DInodeFmtLocal:
		if len(ip.DataFork.Data) > size {
			return types.Errorf(syscall.EIO, "encodeDataFork",
				"inline data of %d bytes exceeds fork size %d", len(ip.DataFork.Data), size)
		}
		copy(region, ip.DataFork.Data)
	case types.DInodeFmtExtents:
		if len(ip.DataFork.Extents)*types.BmbtRecSize > size {
			return types.NewXFSError(syscall.ENOSPC, "encodeDataFork",
				"extent list no longer fits inline; btree conversion is not supported")
		}
		for i, e := range ip.DataFork.Extents {
			types.PackExtent(region, i*types.BmbtRecSize, e)
		}
		ip.Core.Nextents = uint32(len(ip.DataFork.Extents))
		types.SerializeDInodeCore(&ip.Core, rec)
	case types.DInodeFmtBtree:
		copy(region, ip.DataFork.Root)
	}
	return nil
}

func (ip *Inode) encodeAttrFork(rec []byte, geo *types.Geometry) error {
	aoff := ip.Core.AttrForkOffset()
	if aoff < 0 {
		return nil
	}
	size := ip.Core.AttrForkSize(geo.InodeSize)
	region := rec[aoff : aoff+size]
	switch ip.AttrFork.Format {
	case types.DInodeFmtLocal:
		copy(region, ip.AttrFork.Data)
	case types.DInodeFmtExtents:
		for i, e := range ip.AttrFork.Extents {
			types.PackExtent(region, i*types.BmbtRecSize, e)
		}
	case types.DInodeFmtBtree:
		copy(region, ip.AttrFork.Root)
	}
	return nil
}

// LoadExtents materializes the data fork's extent list when the fork is in
// btree format; extents-format forks are decoded at inode read.
func (ip *Inode) LoadExtents() error {
	return ip.DataFork.loadBtreeExtents(ip.cache.bufs, ip.cache.geo)
}

// MaxInlineExtents is how many records the data fork can hold inline.
func (ip *Inode) MaxInlineExtents(geo *types.Geometry) int {
	return ip.Core.DataForkSize(geo.InodeSize) / types.BmbtRecSize
}
