// File: internal/xfs/ops.go
package xfs

import (
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/deploymenttheory/go-xfs/internal/dir"
	"github.com/deploymenttheory/go-xfs/internal/inode"
	"github.com/deploymenttheory/go-xfs/internal/trans"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

// Mutating namespace operations. Every one takes the writer lock, refuses a
// read-only mount first, and brackets its mutation in a single transaction;
// failure after begin aborts with no persistent change.

func (m *Mount) writeOp(op string, fn func() error) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.IsReadOnly() {
		m.mets.Operation(op, true)
		return types.NewXFSError(syscall.EROFS, op, "")
	}
	err := fn()
	m.mets.Operation(op, err != nil)
	return err
}

func creds() (uint32, uint32) {
	return uint32(os.Getuid()), uint32(os.Getgid())
}

func (m *Mount) fileType(mode uint16) types.FileType {
	return types.FileTypeFromMode(mode)
}

// Create makes a regular file.
func (m *Mount) Create(path string, perm uint16) error {
	return m.writeOp("create", func() error {
		return m.createNode(path, types.ModeReg|perm&^types.ModeFmt, 0)
	})
}

// Mknod makes a file of any kind; rdev is stored for char/block devices.
func (m *Mount) Mknod(path string, mode uint16, rdev uint32) error {
	return m.writeOp("mknod", func() error {
		if mode&types.ModeFmt == types.ModeDir {
			return types.NewXFSError(syscall.EINVAL, "Mknod", "use Mkdir for directories")
		}
		if mode&types.ModeFmt == 0 {
			mode |= types.ModeReg
		}
		return m.createNode(path, mode, rdev)
	})
}

func (m *Mount) createNode(path string, mode uint16, rdev uint32) error {
	parent, name, err := m.lookupParent(path)
	if err != nil {
		return err
	}
	defer m.inodes.Release(parent)

	pd := dir.New(parent, m.geo, m.bufs, m.alloc)
	if _, err := pd.Lookup([]byte(name)); err == nil {
		return types.NewXFSError(syscall.EEXIST, "Create", name)
	} else if types.ErrnoOf(err) != syscall.ENOENT {
		return err
	}

	tx := m.beginTx(trans.KindCreate)
	if err := tx.Reserve(uint64(m.geo.DirBlkFSBs) + 8); err != nil {
		return err
	}
	ino, err := m.alloc.AllocInodeNum(tx, parent.Num)
	if err != nil {
		tx.Cancel()
		return err
	}
	uid, gid := creds()
	ip := m.inodes.InitNew(ino, mode, 1, uid, gid, rdev)
	defer m.inodes.Release(ip)

	fields := trans.LogCore
	if ip.Core.IsDev() {
		fields |= trans.LogDev
	} else {
		fields |= trans.LogDExt
	}
	tx.LogItem(ip, fields)

	if err := pd.Insert(tx, []byte(name), ino, m.fileType(mode)); err != nil {
		tx.Cancel()
		m.inodes.Forget(ino)
		return err
	}
	if err := m.commit(tx); err != nil {
		m.inodes.Forget(ino)
		return err
	}
	return nil
}

// Mkdir makes a directory, initialized shortform with ".." to the parent.
func (m *Mount) Mkdir(path string, perm uint16) error {
	return m.writeOp("mkdir", func() error {
		parent, name, err := m.lookupParent(path)
		if err != nil {
			return err
		}
		defer m.inodes.Release(parent)

		if parent.Core.Nlink >= types.MaxLink {
			return types.NewXFSError(syscall.EMLINK, "Mkdir", name)
		}
		pd := dir.New(parent, m.geo, m.bufs, m.alloc)
		if _, err := pd.Lookup([]byte(name)); err == nil {
			return types.NewXFSError(syscall.EEXIST, "Mkdir", name)
		} else if types.ErrnoOf(err) != syscall.ENOENT {
			return err
		}

		tx := m.beginTx(trans.KindMkdir)
		if err := tx.Reserve(uint64(m.geo.DirBlkFSBs) + 8); err != nil {
			return err
		}
		ino, err := m.alloc.AllocInodeNum(tx, parent.Num)
		if err != nil {
			tx.Cancel()
			return err
		}
		uid, gid := creds()
		ip := m.inodes.InitNew(ino, types.ModeDir|perm&^types.ModeFmt, 2, uid, gid, 0)
		defer m.inodes.Release(ip)

		nd := dir.New(ip, m.geo, m.bufs, m.alloc)
		nd.InitEmpty(tx, parent.Num)

		if err := pd.Insert(tx, []byte(name), ino, types.FileTypeDir); err != nil {
			tx.Cancel()
			m.inodes.Forget(ino)
			return err
		}
		// The child's ".." contributes one link to the parent.
		parent.Core.Nlink++
		tx.LogItem(parent, trans.LogCore)

		if err := m.commit(tx); err != nil {
			m.inodes.Forget(ino)
			return err
		}
		return nil
	})
}

// freeInode releases an inode's data and attribute extents and its slot;
// called under the removing transaction once the link count hits zero.
func (m *Mount) freeInode(tx *trans.Transaction, ip *inode.Inode) error {
	if err := ip.LoadExtents(); err != nil {
		return err
	}
	for _, ext := range ip.DataFork.Extents {
		m.alloc.FreeExtent(tx, ext.StartBlock, ext.BlockCount)
	}
	for _, ext := range ip.AttrFork.Extents {
		m.alloc.FreeExtent(tx, ext.StartBlock, ext.BlockCount)
	}
	if err := m.alloc.FreeInodeNum(tx, ip.Num); err != nil {
		return err
	}
	ip.Core.Mode = 0
	ip.Core.Size = 0
	ip.Core.Nblocks = 0
	ip.Core.Format = types.DInodeFmtExtents
	ip.Core.Nextents = 0
	ip.Core.Anextents = 0
	ip.Core.Forkoff = 0
	ip.DataFork = inode.Fork{Format: types.DInodeFmtExtents}
	ip.AttrFork = inode.Fork{}
	tx.LogItem(ip, trans.LogCore|trans.LogDExt)
	return nil
}

// Unlink removes a non-directory entry; at link count zero the inode's
// space is released in the same transaction chain.
func (m *Mount) Unlink(path string) error {
	return m.writeOp("unlink", func() error {
		parent, name, err := m.lookupParent(path)
		if err != nil {
			return err
		}
		defer m.inodes.Release(parent)

		pd := dir.New(parent, m.geo, m.bufs, m.alloc)
		target, err := pd.Lookup([]byte(name))
		if err != nil {
			return err
		}
		ip, err := m.inodes.Get(target)
		if err != nil {
			return err
		}
		defer m.inodes.Release(ip)
		if ip.IsDir() {
			return types.NewXFSError(syscall.EISDIR, "Unlink", name)
		}

		tx := m.beginTx(trans.KindRemove)
		if err := tx.Reserve(4); err != nil {
			return err
		}
		joinByIno(tx, parent, ip)
		if err := pd.Remove(tx, []byte(name)); err != nil {
			tx.Cancel()
			return err
		}
		ip.Core.Nlink--
		ip.TouchTimes(false)
		tx.LogItem(ip, trans.LogCore)

		freed := ip.Core.Nlink == 0
		if freed {
			if err := m.freeInode(tx, ip); err != nil {
				tx.Cancel()
				return err
			}
		}
		if err := m.commit(tx); err != nil {
			return err
		}
		if freed {
			m.inodes.Forget(target)
		}
		return nil
	})
}

// Rmdir removes an empty directory.
func (m *Mount) Rmdir(path string) error {
	return m.writeOp("rmdir", func() error {
		parent, name, err := m.lookupParent(path)
		if err != nil {
			return err
		}
		defer m.inodes.Release(parent)

		pd := dir.New(parent, m.geo, m.bufs, m.alloc)
		target, err := pd.Lookup([]byte(name))
		if err != nil {
			return err
		}
		ip, err := m.inodes.Get(target)
		if err != nil {
			return err
		}
		defer m.inodes.Release(ip)
		if !ip.IsDir() {
			return types.NewXFSError(syscall.ENOTDIR, "Rmdir", name)
		}
		td := dir.New(ip, m.geo, m.bufs, m.alloc)
		if ip.Core.Nlink > 2 {
			return types.NewXFSError(syscall.ENOTEMPTY, "Rmdir", name)
		}
		empty, err := td.IsEmpty()
		if err != nil {
			return err
		}
		if !empty {
			return types.NewXFSError(syscall.ENOTEMPTY, "Rmdir", name)
		}

		tx := m.beginTx(trans.KindRemove)
		if err := tx.Reserve(4); err != nil {
			return err
		}
		joinByIno(tx, parent, ip)
		if err := pd.Remove(tx, []byte(name)); err != nil {
			tx.Cancel()
			return err
		}
		// The removed ".." drops one link from the parent.
		parent.Core.Nlink--
		parent.TouchTimes(true)
		tx.LogItem(parent, trans.LogCore)

		ip.Core.Nlink = 0
		ip.TouchTimes(false)
		if err := m.freeInode(tx, ip); err != nil {
			tx.Cancel()
			return err
		}
		if err := m.commit(tx); err != nil {
			return err
		}
		m.inodes.Forget(target)
		return nil
	})
}

// Link makes a hard link to a non-directory.
func (m *Mount) Link(srcPath, dstPath string) error {
	return m.writeOp("link", func() error {
		src, err := m.resolve(srcPath)
		if err != nil {
			return err
		}
		defer m.inodes.Release(src)
		if src.IsDir() {
			return types.NewXFSError(syscall.EPERM, "Link", "hard link to directory")
		}
		if src.Core.Nlink >= types.MaxLink {
			return types.NewXFSError(syscall.EMLINK, "Link", srcPath)
		}

		parent, name, err := m.lookupParent(dstPath)
		if err != nil {
			return err
		}
		defer m.inodes.Release(parent)
		pd := dir.New(parent, m.geo, m.bufs, m.alloc)
		if _, err := pd.Lookup([]byte(name)); err == nil {
			return types.NewXFSError(syscall.EEXIST, "Link", name)
		} else if types.ErrnoOf(err) != syscall.ENOENT {
			return err
		}

		tx := m.beginTx(trans.KindLink)
		if err := tx.Reserve(uint64(m.geo.DirBlkFSBs)); err != nil {
			return err
		}
		joinByIno(tx, parent, src)
		src.Core.Nlink++
		src.TouchTimes(false)
		tx.LogItem(src, trans.LogCore)
		if err := pd.Insert(tx, []byte(name), src.Num, m.fileType(src.Core.Mode)); err != nil {
			tx.Cancel()
			return err
		}
		return m.commit(tx)
	})
}

// Rename moves src over dst, replacing a compatible existing destination.
func (m *Mount) Rename(srcPath, dstPath string) error {
	return m.writeOp("rename", func() error {
		sp, sname, err := m.lookupParent(srcPath)
		if err != nil {
			return err
		}
		defer m.inodes.Release(sp)
		dp, dname, err := m.lookupParent(dstPath)
		if err != nil {
			return err
		}
		defer m.inodes.Release(dp)

		sd := dir.New(sp, m.geo, m.bufs, m.alloc)
		dd := dir.New(dp, m.geo, m.bufs, m.alloc)
		sameDir := sp.Num == dp.Num

		srcIno, err := sd.Lookup([]byte(sname))
		if err != nil {
			return err
		}
		if sameDir && sname == dname {
			return nil // renaming a name onto itself succeeds unchanged
		}
		src, err := m.inodes.Get(srcIno)
		if err != nil {
			return err
		}
		defer m.inodes.Release(src)

		if src.IsDir() {
			loop, err := m.isDescendantOf(dp.Num, srcIno)
			if err != nil {
				return err
			}
			if loop {
				return types.NewXFSError(syscall.EINVAL, "Rename",
					"destination inside the moved directory")
			}
		}

		var dst *inode.Inode
		dstIno, err := dd.Lookup([]byte(dname))
		switch {
		case err == nil:
			if dst, err = m.inodes.Get(dstIno); err != nil {
				return err
			}
			defer m.inodes.Release(dst)
			if src.IsDir() != dst.IsDir() {
				if dst.IsDir() {
					return types.NewXFSError(syscall.EISDIR, "Rename", dname)
				}
				return types.NewXFSError(syscall.ENOTDIR, "Rename", dname)
			}
			if dst.IsDir() {
				empty, err := dir.New(dst, m.geo, m.bufs, m.alloc).IsEmpty()
				if err != nil {
					return err
				}
				if !empty {
					return types.NewXFSError(syscall.ENOTEMPTY, "Rename", dname)
				}
			}
		case types.ErrnoOf(err) == syscall.ENOENT:
		default:
			return err
		}

		tx := m.beginTx(trans.KindRename)
		if err := tx.Reserve(uint64(m.geo.DirBlkFSBs) * 2); err != nil {
			return err
		}
		if dst != nil {
			joinByIno(tx, sp, dp, src, dst)
		} else {
			joinByIno(tx, sp, dp, src)
		}

		freedDst := types.NullIno
		if dst != nil {
			if err := dd.Remove(tx, []byte(dname)); err != nil {
				tx.Cancel()
				return err
			}
			if dst.IsDir() {
				dp.Core.Nlink--
				dst.Core.Nlink = 0
			} else {
				dst.Core.Nlink--
			}
			dst.TouchTimes(false)
			tx.LogItem(dst, trans.LogCore)
			if dst.Core.Nlink == 0 {
				if err := m.freeInode(tx, dst); err != nil {
					tx.Cancel()
					return err
				}
				freedDst = dst.Num
			}
		}

		if err := dd.Insert(tx, []byte(dname), srcIno, m.fileType(src.Core.Mode)); err != nil {
			tx.Cancel()
			return err
		}
		if err := sd.Remove(tx, []byte(sname)); err != nil {
			tx.Cancel()
			return err
		}
		if src.IsDir() && !sameDir {
			sp.Core.Nlink--
			dp.Core.Nlink++
			td := dir.New(src, m.geo, m.bufs, m.alloc)
			if err := td.Replace(tx, []byte(".."), dp.Num); err != nil {
				tx.Cancel()
				return err
			}
		}
		src.TouchTimes(false)
		tx.LogItem(src, trans.LogCore)
		tx.LogItem(sp, trans.LogCore)
		if !sameDir {
			tx.LogItem(dp, trans.LogCore)
		}

		if err := m.commit(tx); err != nil {
			return err
		}
		if freedDst != types.NullIno {
			m.inodes.Forget(freedDst)
		}
		return nil
	})
}

// Chmod changes permission bits, preserving the file type.
func (m *Mount) Chmod(path string, perm uint16) error {
	return m.writeOp("chmod", func() error {
		return m.setattr(path, func(ip *inode.Inode) {
			ip.Core.Mode = ip.Core.Mode&types.ModeFmt | perm&^types.ModeFmt
		})
	})
}

// Chown changes ownership; -1 (as ^uint32(0)) leaves a field unchanged.
// Changing either id clears the setuid and setgid bits.
func (m *Mount) Chown(path string, uid, gid uint32) error {
	return m.writeOp("chown", func() error {
		return m.setattr(path, func(ip *inode.Inode) {
			changed := false
			if uid != ^uint32(0) && uid != ip.Core.UID {
				ip.Core.UID = uid
				changed = true
			}
			if gid != ^uint32(0) && gid != ip.Core.GID {
				ip.Core.GID = gid
				changed = true
			}
			if changed {
				ip.Core.Mode &^= types.ModeSetUID | types.ModeSetGID
			}
		})
	})
}

// TimeSpec names one timestamp update: a concrete time, "now", or "omit".
type TimeSpec struct {
	Time time.Time
	Now  bool
	Omit bool
}

func (t TimeSpec) apply(dst *types.Timestamp) {
	switch {
	case t.Omit:
	case t.Now:
		now := time.Now()
		*dst = types.Timestamp{Sec: int32(now.Unix()), Nsec: int32(now.Nanosecond())}
	default:
		*dst = types.Timestamp{Sec: int32(t.Time.Unix()), Nsec: int32(t.Time.Nanosecond())}
	}
}

// Utimens updates access and modification times; ctime always refreshes.
func (m *Mount) Utimens(path string, atime, mtime TimeSpec) error {
	return m.writeOp("utimens", func() error {
		return m.setattr(path, func(ip *inode.Inode) {
			atime.apply(&ip.Core.Atime)
			mtime.apply(&ip.Core.Mtime)
		})
	})
}

// setattr brackets a core-field mutation in a transaction.
func (m *Mount) setattr(path string, mutate func(*inode.Inode)) error {
	ip, err := m.resolve(path)
	if err != nil {
		return err
	}
	defer m.inodes.Release(ip)

	tx := m.beginTx(trans.KindSetattr)
	if err := tx.Reserve(0); err != nil {
		return err
	}
	tx.Join(ip)
	mutate(ip)
	ip.TouchTimes(false)
	tx.LogItem(ip, trans.LogCore)
	return m.commit(tx)
}

// joinByIno joins inodes to the transaction in increasing inode-number
// order, the multi-inode locking discipline of the on-disk format.
func joinByIno(tx *trans.Transaction, ips ...*inode.Inode) {
	sorted := append([]*inode.Inode(nil), ips...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Num < sorted[j].Num })
	for _, ip := range sorted {
		tx.Join(ip)
	}
}
