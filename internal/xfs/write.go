// File: internal/xfs/write.go
package xfs

import (
	"syscall"

	"github.com/deploymenttheory/go-xfs/internal/buffer"
	"github.com/deploymenttheory/go-xfs/internal/checksum"
	"github.com/deploymenttheory/go-xfs/internal/dir"
	"github.com/deploymenttheory/go-xfs/internal/inode"
	"github.com/deploymenttheory/go-xfs/internal/trans"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

// File-content mutation: write, truncate, symlink creation, fsync.

// writeChunkBlocks bounds one write transaction, the shape of the original
// chunked write loop.
const writeChunkBlocks = 16

// WriteFile writes p at offset into the regular file at path, returning the
// bytes written. Chunks commit independently: a failure after earlier chunks
// succeeded reports the running count instead.
func (m *Mount) WriteFile(path string, p []byte, offset int64) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.IsReadOnly() {
		m.mets.Operation("write", true)
		return 0, types.NewXFSError(syscall.EROFS, "WriteFile", "")
	}
	ip, err := m.resolve(path)
	if err != nil {
		m.mets.Operation("write", true)
		return 0, err
	}
	defer m.inodes.Release(ip)

	n, err := m.writeAt(ip, p, offset)
	m.mets.Operation("write", err != nil)
	return n, err
}

func (m *Mount) writeAt(ip *inode.Inode, p []byte, offset int64) (int, error) {
	if !ip.IsReg() {
		return 0, types.NewXFSError(syscall.EINVAL, "WriteFile", "not a regular file")
	}
	if err := ip.LoadExtents(); err != nil {
		return 0, err
	}

	bs := int64(m.geo.BlockSize)
	written := 0
	for written < len(p) {
		cur := offset + int64(written)
		chunk := len(p) - written
		// Bound the transaction and end chunks at block boundaries so each
		// commit rewrites whole-block state.
		maxChunk := int(writeChunkBlocks*bs - cur%bs)
		if chunk > maxChunk {
			chunk = maxChunk
		}
		n, err := m.writeChunk(ip, p[written:written+chunk], cur)
		written += n
		if err != nil {
			if written > 0 {
				return written, nil
			}
			return 0, err
		}
	}
	return written, nil
}

// writeChunk runs one transaction: map the block range (allocating holes),
// copy the bytes in, extend the size, refresh times.
func (m *Mount) writeChunk(ip *inode.Inode, p []byte, offset int64) (int, error) {
	bs := int64(m.geo.BlockSize)
	startFSB := types.FileOff(offset / bs)
	endFSB := types.FileOff((offset + int64(len(p)) + bs - 1) / bs)

	tx := m.beginTx(trans.KindWrite)
	if err := tx.Reserve(uint64(endFSB - startFSB)); err != nil {
		return 0, err
	}
	tx.Join(ip)

	fresh, err := m.mapBlocks(tx, ip, startFSB, endFSB)
	if err != nil {
		tx.Cancel()
		return 0, err
	}

	for fb := startFSB; fb < endFSB; fb++ {
		ext, ok := ip.DataFork.LookupExtent(fb)
		if !ok {
			tx.Cancel()
			return 0, types.Errorf(syscall.EIO, "WriteFile",
				"file block %d unmapped after allocation", fb)
		}
		fsb := ext.StartBlock + types.FSBlock(fb-ext.FileOff)
		daddr := m.geo.FSBToDaddr(fsb)

		var buf *buffer.Buf
		if fresh[fb] {
			buf, err = tx.GetFreshBuf(daddr, int(bs), -1)
		} else {
			buf, err = tx.GetBuf(daddr, int(bs), -1, nil)
		}
		if err != nil {
			tx.Cancel()
			return 0, err
		}

		blockStart := int64(fb) * bs
		from := int64(0)
		if blockStart < offset {
			from = offset - blockStart
		}
		to := bs
		if blockStart+bs > offset+int64(len(p)) {
			to = offset + int64(len(p)) - blockStart
		}
		copy(buf.Data[from:to], p[blockStart+from-offset:])
		tx.LogBuf(buf, int(from), int(to)-1)
	}

	if offset+int64(len(p)) > ip.Core.Size {
		ip.Core.Size = offset + int64(len(p))
	}
	ip.TouchTimes(true)
	tx.LogItem(ip, trans.LogCore|trans.LogDExt)

	if err := m.commit(tx); err != nil {
		return 0, err
	}
	return len(p), nil
}

// mapBlocks ensures every file block of [start,end) is backed by a real
// extent, allocating with the previous mapping as the hint. Newly allocated
// blocks are reported so the writer zero-fills instead of reading garbage.
func (m *Mount) mapBlocks(tx *trans.Transaction, ip *inode.Inode, start, end types.FileOff) (map[types.FileOff]bool, error) {
	fresh := make(map[types.FileOff]bool)
	hint := m.geo.MakeFSB(m.geo.InoToAG(ip.Num), m.geo.InoToAGBlock(ip.Num))
	if n := len(ip.DataFork.Extents); n > 0 {
		last := ip.DataFork.Extents[n-1]
		hint = last.StartBlock + types.FSBlock(last.BlockCount)
	}

	fb := start
	for fb < end {
		if ext, ok := ip.DataFork.LookupExtent(fb); ok {
			fb = ext.End()
			continue
		}
		// Hole: allocate up to the next mapped extent or the range end.
		runEnd := end
		for _, e := range ip.DataFork.Extents {
			if e.FileOff > fb && e.FileOff < runEnd {
				runEnd = e.FileOff
			}
		}
		need := uint32(runEnd - fb)
		for need > 0 {
			fsb, got, err := m.alloc.AllocExtent(tx, hint, 1, need)
			if err != nil {
				return nil, err
			}
			if len(ip.DataFork.Extents) >= ip.MaxInlineExtents(m.geo) {
				return nil, types.NewXFSError(syscall.ENOSPC, "WriteFile",
					"extent list exceeds the inline fork; btree growth is not supported")
			}
			ip.DataFork.AddExtent(types.Extent{
				FileOff:    fb,
				StartBlock: fsb,
				BlockCount: got,
			})
			ip.Core.Nblocks += uint64(got)
			for i := uint32(0); i < got; i++ {
				fresh[fb+types.FileOff(i)] = true
			}
			hint = fsb + types.FSBlock(got)
			fb += types.FileOff(got)
			need -= got
		}
	}
	return fresh, nil
}

// Truncate changes a regular file's size; shrinking frees every wholly
// truncated extent, growth is sparse.
func (m *Mount) Truncate(path string, newSize int64) error {
	return m.writeOp("truncate", func() error {
		ip, err := m.resolve(path)
		if err != nil {
			return err
		}
		defer m.inodes.Release(ip)
		if !ip.IsReg() {
			return types.NewXFSError(syscall.EINVAL, "Truncate", "not a regular file")
		}
		if err := ip.LoadExtents(); err != nil {
			return err
		}

		tx := m.beginTx(trans.KindTruncate)
		if err := tx.Reserve(0); err != nil {
			return err
		}
		tx.Join(ip)

		if newSize < ip.Core.Size {
			cut := types.FileOff(m.geo.BToFSB(uint64(newSize)))
			for _, ext := range ip.DataFork.TruncateExtents(cut) {
				m.alloc.FreeExtent(tx, ext.StartBlock, ext.BlockCount)
				ip.Core.Nblocks -= uint64(ext.BlockCount)
			}
		}
		ip.Core.Size = newSize
		ip.TouchTimes(true)
		tx.LogItem(ip, trans.LogCore|trans.LogDExt)
		return m.commit(tx)
	})
}

// Symlink creates a symbolic link holding target: inline in the fork when it
// fits, otherwise in allocated blocks (with the V5 header on CRC volumes).
func (m *Mount) Symlink(path, target string) error {
	return m.writeOp("symlink", func() error {
		if len(target) == 0 || len(target) >= types.MaxPathLen {
			return types.NewXFSError(syscall.ENAMETOOLONG, "Symlink", "target length")
		}
		parent, name, err := m.lookupParent(path)
		if err != nil {
			return err
		}
		defer m.inodes.Release(parent)

		pd := dir.New(parent, m.geo, m.bufs, m.alloc)
		if _, err := pd.Lookup([]byte(name)); err == nil {
			return types.NewXFSError(syscall.EEXIST, "Symlink", name)
		} else if types.ErrnoOf(err) != syscall.ENOENT {
			return err
		}

		tx := m.beginTx(trans.KindSymlink)
		if err := tx.Reserve(m.geo.BToFSB(uint64(len(target))) + uint64(m.geo.DirBlkFSBs)); err != nil {
			return err
		}
		ino, err := m.alloc.AllocInodeNum(tx, parent.Num)
		if err != nil {
			tx.Cancel()
			return err
		}
		uid, gid := creds()
		ip := m.inodes.InitNew(ino, types.ModeLink|0o777, 1, uid, gid, 0)
		defer m.inodes.Release(ip)

		fields := trans.LogCore
		if len(target) <= ip.Core.DataForkSize(m.geo.InodeSize) {
			ip.DataFork = inode.Fork{
				Format: types.DInodeFmtLocal,
				Data:   []byte(target),
			}
			ip.Core.Format = types.DInodeFmtLocal
			fields |= trans.LogDDdata
		} else {
			if err := m.writeRemoteLink(tx, ip, []byte(target)); err != nil {
				tx.Cancel()
				m.inodes.Forget(ino)
				return err
			}
			fields |= trans.LogDExt
		}
		ip.Core.Size = int64(len(target))
		tx.LogItem(ip, fields)

		if err := pd.Insert(tx, []byte(name), ino, types.FileTypeSymlink); err != nil {
			tx.Cancel()
			m.inodes.Forget(ino)
			return err
		}
		if err := m.commit(tx); err != nil {
			m.inodes.Forget(ino)
			return err
		}
		return nil
	})
}

// writeRemoteLink stores the target in fresh blocks; each V5 block carries
// the symlink header with its payload window.
func (m *Mount) writeRemoteLink(tx *trans.Transaction, ip *inode.Inode, target []byte) error {
	hdr := 0
	if m.geo.HasCRC {
		hdr = types.SymlinkHdrSize
	}
	payload := int(m.geo.BlockSize) - hdr
	blocks := (len(target) + payload - 1) / payload

	hint := m.geo.MakeFSB(m.geo.InoToAG(ip.Num), m.geo.InoToAGBlock(ip.Num))
	done := 0
	fileOff := types.FileOff(0)
	for done < len(target) {
		need := uint32(blocks - int(fileOff))
		fsb, got, err := m.alloc.AllocExtent(tx, hint, 1, need)
		if err != nil {
			return err
		}
		for b := uint32(0); b < got && done < len(target); b++ {
			daddr := m.geo.FSBToDaddr(fsb + types.FSBlock(b))
			buf, err := tx.GetFreshBuf(daddr, int(m.geo.BlockSize), types.SymlinkCRCOff)
			if err != nil {
				return err
			}
			take := len(target) - done
			if take > payload {
				take = payload
			}
			if m.geo.HasCRC {
				types.PutUint32(buf.Data, 0, types.SymlinkMagic)
				types.PutUint32(buf.Data, 4, uint32(done))
				types.PutUint32(buf.Data, 8, uint32(take))
				u := m.geo.UUID
				copy(buf.Data[16:32], u[:])
				types.PutUint64(buf.Data, 32, uint64(ip.Num))
				types.PutUint64(buf.Data, 40, uint64(daddr))
				checksum.Update(buf.Data, types.SymlinkCRCOff)
			}
			copy(buf.Data[hdr:], target[done:done+take])
			done += take
			tx.LogBuf(buf, 0, len(buf.Data)-1)
		}
		ip.DataFork.AddExtent(types.Extent{
			FileOff:    fileOff,
			StartBlock: fsb,
			BlockCount: got,
		})
		ip.Core.Nblocks += uint64(got)
		fileOff += types.FileOff(got)
		hint = fsb + types.FSBlock(got)
	}
	return nil
}

// Fsync persists anything still buffered for the file's mount; commits
// already wrote their buffers, so this flushes the device.
func (m *Mount) Fsync(path string) error {
	m.lock.RLock()
	defer m.lock.RUnlock()
	ip, err := m.resolve(path)
	if err != nil {
		return err
	}
	m.inodes.Release(ip)
	if m.IsReadOnly() {
		return nil
	}
	return m.bufs.Flush()
}
