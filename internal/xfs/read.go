// File: internal/xfs/read.go
package xfs

import (
	"syscall"
	"time"

	"github.com/deploymenttheory/go-xfs/internal/dir"
	"github.com/deploymenttheory/go-xfs/internal/inode"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

// Read-side namespace operations: stat, readdir, readlink, read. Readers
// share the mount lock.

// StatInfo mirrors the inode core fields a stat caller needs.
type StatInfo struct {
	Ino     types.Ino
	Mode    uint16
	Nlink   uint32
	UID     uint32
	GID     uint32
	Size    int64
	Blocks  uint64
	Rdev    uint32
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
	Crtime  time.Time
	Gen     uint32
	BlkSize uint32
}

func tsTime(ts types.Timestamp) time.Time {
	return time.Unix(int64(ts.Sec), int64(ts.Nsec))
}

func statOf(ip *inode.Inode, blockSize uint32) StatInfo {
	st := StatInfo{
		Ino:     ip.Num,
		Mode:    ip.Core.Mode,
		Nlink:   ip.Core.Nlink,
		UID:     ip.Core.UID,
		GID:     ip.Core.GID,
		Size:    ip.Core.Size,
		Blocks:  ip.Core.Nblocks,
		Atime:   tsTime(ip.Core.Atime),
		Mtime:   tsTime(ip.Core.Mtime),
		Ctime:   tsTime(ip.Core.Ctime),
		Gen:     ip.Core.Gen,
		BlkSize: blockSize,
	}
	if ip.Core.Version == types.DInodeVersion3 {
		st.Crtime = tsTime(ip.Core.Crtime)
	}
	if ip.DataFork.Format == types.DInodeFmtDev {
		st.Rdev = ip.DataFork.Dev
	}
	return st
}

// Stat returns the attributes stored in the inode core.
func (m *Mount) Stat(path string) (StatInfo, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	ip, err := m.resolve(path)
	if err != nil {
		m.mets.Operation("stat", true)
		return StatInfo{}, err
	}
	defer m.inodes.Release(ip)
	m.mets.Operation("stat", false)
	return statOf(ip, m.geo.BlockSize), nil
}

// LookupPath resolves a path to its inode number.
func (m *Mount) LookupPath(path string) (types.Ino, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	ip, err := m.resolve(path)
	if err != nil {
		return types.NullIno, err
	}
	defer m.inodes.Release(ip)
	return ip.Num, nil
}

// DirEntry is one readdir result.
type DirEntry struct {
	Name  string
	Ino   types.Ino
	Type  types.FileType
	// Cookie resumes iteration exactly behind this entry when passed back
	// as fromCookie+1.
	Cookie uint64
}

// ReadDir streams the directory at path starting from cookie. fn returning
// false stops the walk.
func (m *Mount) ReadDir(path string, fromCookie uint64, fn func(DirEntry) bool) error {
	m.lock.RLock()
	defer m.lock.RUnlock()
	ip, err := m.resolve(path)
	if err != nil {
		m.mets.Operation("readdir", true)
		return err
	}
	defer m.inodes.Release(ip)
	if !ip.IsDir() {
		m.mets.Operation("readdir", true)
		return types.NewXFSError(syscall.ENOTDIR, "ReadDir", path)
	}
	d := dir.New(ip, m.geo, m.bufs, m.alloc)
	err = d.Iterate(fromCookie, func(name []byte, ino types.Ino, ft types.FileType, cookie uint64) bool {
		return fn(DirEntry{Name: string(name), Ino: ino, Type: ft, Cookie: cookie})
	})
	m.mets.Operation("readdir", err != nil)
	return err
}

// ReadLink returns a symlink's target bytes.
func (m *Mount) ReadLink(path string) (string, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	ip, err := m.resolve(path)
	if err != nil {
		return "", err
	}
	defer m.inodes.Release(ip)
	if !ip.IsLink() {
		return "", types.NewXFSError(syscall.EINVAL, "ReadLink", path)
	}
	target, err := m.readLinkTarget(ip)
	m.mets.Operation("readlink", err != nil)
	return string(target), err
}

func (m *Mount) readLinkTarget(ip *inode.Inode) ([]byte, error) {
	size := int(ip.Core.Size)
	switch ip.DataFork.Format {
	case types.DInodeFmtLocal:
		if size > len(ip.DataFork.Data) {
			size = len(ip.DataFork.Data)
		}
		return append([]byte(nil), ip.DataFork.Data[:size]...), nil
	case types.DInodeFmtExtents:
		return m.readRemoteLink(ip, size)
	}
	return nil, types.Errorf(syscall.EIO, "ReadLink",
		"symlink fork in %s format", ip.DataFork.Format)
}

// readRemoteLink gathers the target from data blocks; V5 blocks carry a
// symlink header before the payload.
func (m *Mount) readRemoteLink(ip *inode.Inode, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	hdr := 0
	if m.geo.HasCRC {
		hdr = types.SymlinkHdrSize
	}
	for _, ext := range ip.DataFork.Extents {
		for b := uint32(0); b < ext.BlockCount && len(out) < size; b++ {
			daddr := m.geo.FSBToDaddr(ext.StartBlock + types.FSBlock(b))
			buf, err := m.bufs.Get(daddr, int(m.geo.BlockSize), types.SymlinkCRCOff, nil)
			if err != nil {
				return nil, err
			}
			payload := buf.Data[hdr:]
			take := size - len(out)
			if take > len(payload) {
				take = len(payload)
			}
			out = append(out, payload[:take]...)
			m.bufs.Release(buf)
		}
	}
	if len(out) != size {
		return nil, types.Errorf(syscall.EIO, "ReadLink",
			"symlink body short: %d of %d bytes", len(out), size)
	}
	return out, nil
}

// ReadFile reads up to len(p) bytes at offset from the regular file at path,
// returning the byte count; holes and unwritten extents read as zeroes.
func (m *Mount) ReadFile(path string, p []byte, offset int64) (int, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	ip, err := m.resolve(path)
	if err != nil {
		m.mets.Operation("read", true)
		return 0, err
	}
	defer m.inodes.Release(ip)
	n, err := m.readAt(ip, p, offset)
	m.mets.Operation("read", err != nil)
	return n, err
}

func (m *Mount) readAt(ip *inode.Inode, p []byte, offset int64) (int, error) {
	if !ip.IsReg() {
		return 0, types.NewXFSError(syscall.EINVAL, "ReadFile", "not a regular file")
	}
	size := ip.Core.Size
	if offset >= size {
		return 0, nil
	}
	if offset+int64(len(p)) > size {
		p = p[:size-offset]
	}
	for i := range p {
		p[i] = 0
	}
	if err := ip.LoadExtents(); err != nil {
		return 0, err
	}

	bs := int64(m.geo.BlockSize)
	for _, ext := range ip.DataFork.Extents {
		extStart := int64(ext.FileOff) * bs
		extLen := int64(ext.BlockCount) * bs
		if extStart+extLen <= offset || extStart >= offset+int64(len(p)) {
			continue
		}
		if ext.State == types.ExtentUnwritten {
			continue // reads as zero
		}
		// Clip the extent to the request window.
		from := offset - extStart
		if from < 0 {
			from = 0
		}
		to := offset + int64(len(p)) - extStart
		if to > extLen {
			to = extLen
		}
		firstBlk := from / bs
		lastBlk := (to - 1) / bs
		for blk := firstBlk; blk <= lastBlk; blk++ {
			daddr := m.geo.FSBToDaddr(ext.StartBlock + types.FSBlock(blk))
			buf, err := m.bufs.Get(daddr, int(bs), -1, nil)
			if err != nil {
				return 0, err
			}
			blockStart := extStart + blk*bs
			cs := int64(0)
			if blockStart < offset {
				cs = offset - blockStart
			}
			ce := bs
			if blockStart+bs > offset+int64(len(p)) {
				ce = offset + int64(len(p)) - blockStart
			}
			copy(p[blockStart+cs-offset:], buf.Data[cs:ce])
			m.bufs.Release(buf)
		}
	}
	return len(p), nil
}

// ListXattr returns the extended-attribute names of the file at path.
func (m *Mount) ListXattr(path string) ([]string, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	ip, err := m.resolve(path)
	if err != nil {
		return nil, err
	}
	defer m.inodes.Release(ip)
	return ip.ListAttrs()
}

// GetXattr returns the value of one extended attribute.
func (m *Mount) GetXattr(path, name string) ([]byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	ip, err := m.resolve(path)
	if err != nil {
		return nil, err
	}
	defer m.inodes.Release(ip)
	return ip.GetAttr(name)
}
