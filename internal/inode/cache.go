// File: internal/inode/cache.go
package inode

import (
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-xfs/internal/buffer"
	"github.com/deploymenttheory/go-xfs/internal/checksum"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

// Cache maps inode numbers to in-core inodes. Callers own references; at
// zero references the inode stays in the map as a weak entry and is simply
// rebuilt from disk if it has been dropped. Identity is stable: the same
// number always yields the same *Inode while any reference lives.
type Cache struct {
	geo  *types.Geometry
	bufs *buffer.Cache
	log  *logrus.Entry

	mu     sync.Mutex
	inodes map[types.Ino]*Inode
}

// NewCache creates the inode cache over a mounted volume.
func NewCache(geo *types.Geometry, bufs *buffer.Cache) *Cache {
	return &Cache{
		geo:    geo,
		bufs:   bufs,
		log:    logrus.WithField("component", "inode-cache"),
		inodes: make(map[types.Ino]*Inode),
	}
}

// Get returns the in-core inode, reading and decoding it on a miss. The
// returned reference must be balanced with Release.
func (c *Cache) Get(ino types.Ino) (*Inode, error) {
	c.mu.Lock()
	if ip, ok := c.inodes[ino]; ok {
		ip.refs++
		c.mu.Unlock()
		return ip, nil
	}
	c.mu.Unlock()

	ip, err := c.read(ino)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.inodes[ino]; ok {
		existing.refs++
		return existing, nil
	}
	ip.refs = 1
	c.inodes[ino] = ip
	return ip, nil
}

// read decodes the inode record and both forks from its cluster buffer.
func (c *Cache) read(ino types.Ino) (*Inode, error) {
	const op = "InodeCache.Get"
	if c.geo.InoToAG(ino) >= types.AGNumber(c.geo.AGCount) {
		return nil, types.Errorf(syscall.EIO, op, "inode %d outside any AG", ino)
	}
	daddr, off := c.geo.InodeDaddr(ino)
	buf, err := c.bufs.Get(daddr, int(c.geo.BlockSize), -1, nil)
	if err != nil {
		return nil, err
	}
	defer c.bufs.Release(buf)

	rec := buf.Data[off : off+int(c.geo.InodeSize)]
	if c.geo.HasCRC && !checksum.Verify(rec, types.DInodeCRCOffset) {
		return nil, types.Errorf(syscall.EIO, op, "inode %d checksum mismatch", ino)
	}
	core, err := types.DeserializeDInodeCore(rec)
	if err != nil {
		return nil, err
	}
	if core.Version == types.DInodeVersion3 && core.Ino != uint64(ino) {
		return nil, types.Errorf(syscall.EIO, op,
			"inode %d record claims number %d", ino, core.Ino)
	}

	ip := &Inode{Num: ino, Core: *core, cache: c}

	lit := core.LiteralOffset()
	dsize := core.DataForkSize(c.geo.InodeSize)
	inlineBytes := 0
	if core.Format == types.DInodeFmtLocal {
		inlineBytes = int(core.Size)
		if core.IsDir() {
			// Shortform directories track their byte size in di_size.
			inlineBytes = int(core.Size)
		}
	}
	ip.DataFork, err = decodeFork(core.Format, rec[lit:lit+dsize], inlineBytes, core.Nextents)
	if err != nil {
		return nil, err
	}

	if aoff := core.AttrForkOffset(); aoff >= 0 {
		asize := core.AttrForkSize(c.geo.InodeSize)
		ip.AttrFork, err = decodeFork(core.Aformat, rec[aoff:aoff+asize],
			attrInlineSize(core.Aformat, rec[aoff:aoff+asize]), uint32(core.Anextents))
		if err != nil {
			return nil, err
		}
	}
	return ip, nil
}

// attrInlineSize reads the shortform attribute header's totsize so local
// attribute forks copy exactly their used bytes.
func attrInlineSize(format types.DInodeFmt, region []byte) int {
	if format != types.DInodeFmtLocal || len(region) < 2 {
		return 0
	}
	size := int(types.GetUint16(region, 0))
	if size > len(region) {
		size = len(region)
	}
	return size
}

// Release drops one reference. The in-core object is retained as cache
// state; identity never changes before a commit that frees the inode.
func (c *Cache) Release(ip *Inode) {
	if ip == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ip.refs > 0 {
		ip.refs--
	}
}

// Forget evicts a freed inode's identity after the freeing transaction has
// committed.
func (c *Cache) Forget(ino types.Ino) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inodes, ino)
}

// InitNew installs a freshly allocated inode in the cache with the given
// identity and returns it referenced. The caller logs it under the creating
// transaction; nothing is read from disk.
func (c *Cache) InitNew(ino types.Ino, mode uint16, nlink uint32, uid, gid uint32, rdev uint32) *Inode {
	now := time.Now()
	ts := types.Timestamp{Sec: int32(now.Unix()), Nsec: int32(now.Nanosecond())}

	core := types.DInodeCore{
		Magic:        types.DInodeMagic,
		Mode:         mode,
		Version:      types.DInodeVersion2,
		Format:       types.DInodeFmtExtents,
		UID:          uid,
		GID:          gid,
		Nlink:        nlink,
		Atime:        ts,
		Mtime:        ts,
		Ctime:        ts,
		NextUnlinked: types.NullAGIno,
		Gen:          uint32(now.UnixNano()),
	}
	if c.geo.Version == types.SBVersion5 {
		core.Version = types.DInodeVersion3
		core.Crtime = ts
		core.Ino = uint64(ino)
		u := c.geo.UUID
		copy(core.UUID[:], u[:])
	}

	ip := &Inode{Num: ino, Core: core, cache: c}
	switch mode & types.ModeFmt {
	case types.ModeChar, types.ModeBlock:
		core.Format = types.DInodeFmtDev
		ip.Core.Format = types.DInodeFmtDev
		ip.DataFork = Fork{Format: types.DInodeFmtDev, Dev: rdev}
	default:
		ip.DataFork = Fork{Format: types.DInodeFmtExtents, loaded: true}
	}

	c.mu.Lock()
	ip.refs = 1
	c.inodes[ino] = ip
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"ino": ino, "mode": mode}).Debug("new inode")
	return ip
}

// Geometry exposes the mount geometry.
func (c *Cache) Geometry() *types.Geometry { return c.geo }

// Buffers exposes the buffer cache for fork readers.
func (c *Cache) Buffers() *buffer.Cache { return c.bufs }
