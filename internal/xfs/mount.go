// File: internal/xfs/mount.go
package xfs

import (
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-xfs/internal/alloc"
	"github.com/deploymenttheory/go-xfs/internal/buffer"
	"github.com/deploymenttheory/go-xfs/internal/checksum"
	"github.com/deploymenttheory/go-xfs/internal/device"
	"github.com/deploymenttheory/go-xfs/internal/inode"
	"github.com/deploymenttheory/go-xfs/internal/metrics"
	"github.com/deploymenttheory/go-xfs/internal/trans"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

// MountOptions configures a mount. The zero value mounts read-only, the
// safe default.
type MountOptions struct {
	// ReadWrite enables mutation; mounts default to read-only.
	ReadWrite bool

	// CacheCapacity bounds the buffer cache's clean LRU (0 = default).
	CacheCapacity int

	// Metrics receives engine counters; nil disables collection.
	Metrics *metrics.Collector
}

// Mount is a mounted XFS volume: the decoded superblock and geometry, the
// buffer and inode caches, and the allocator, behind a readers-writer lock
// that serializes mutators.
type Mount struct {
	dev    device.Device
	bufs   *buffer.Cache
	inodes *inode.Cache
	alloc  *alloc.Allocator
	geo    *types.Geometry
	sb     *types.DSuperblock
	mets   *metrics.Collector
	log    *logrus.Entry

	readOnly bool

	// lock: readers share, each mutating namespace operation is exclusive.
	lock sync.RWMutex

	// Repeated superblock/log write failures push the mount into
	// read-only-degraded mode: all subsequent writes return EROFS.
	writeFailures int
	degraded      bool

	unmounted bool
}

const degradeThreshold = 3

// MountPath opens the backing store at source, verifies the superblock, and
// builds the caches.
func MountPath(source string, opts MountOptions) (*Mount, error) {
	dev, err := device.Open(source, !opts.ReadWrite)
	if err != nil {
		return nil, types.NewXFSError(syscall.EIO, "Mount", err.Error())
	}
	m, err := MountDevice(dev, opts)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return m, nil
}

// MountDevice mounts an already-open device; tests use it with in-memory
// images.
func MountDevice(dev device.Device, opts MountOptions) (*Mount, error) {
	const op = "Mount"

	bufs, err := buffer.NewCache(dev, opts.CacheCapacity, opts.Metrics)
	if err != nil {
		return nil, types.NewXFSError(syscall.ENOMEM, op, err.Error())
	}

	// The superblock sector size is itself a superblock field; read the
	// minimum sector first, then the full sector for checksum coverage.
	probe := make([]byte, 512)
	if err := dev.ReadAt(probe, 0); err != nil {
		return nil, err
	}
	sb, err := types.DeserializeSuperblock(probe)
	if err != nil {
		return nil, err
	}
	sectSize := int(sb.Sectsize)
	if sectSize > 512 {
		full := make([]byte, sectSize)
		if err := dev.ReadAt(full, 0); err != nil {
			return nil, err
		}
		if sb, err = types.DeserializeSuperblock(full); err != nil {
			return nil, err
		}
		probe = full
	}
	if err := sb.Validate(); err != nil {
		return nil, err
	}
	if sb.HasCRC() && !checksum.Verify(probe, types.SuperblockCRCOffset) {
		return nil, types.NewXFSError(syscall.EIO, op, "superblock checksum mismatch")
	}

	geo := types.NewGeometry(sb)
	m := &Mount{
		dev:      dev,
		bufs:     bufs,
		geo:      geo,
		sb:       sb,
		mets:     opts.Metrics,
		readOnly: !opts.ReadWrite,
		log: logrus.WithFields(logrus.Fields{
			"component": "mount",
			"source":    dev.Path(),
		}),
	}
	m.inodes = inode.NewCache(geo, bufs)
	m.alloc = alloc.New(bufs, geo, sb)

	m.log.WithFields(logrus.Fields{
		"version":  geo.Version,
		"blocksz":  geo.BlockSize,
		"agcount":  geo.AGCount,
		"ftype":    geo.HasFtype,
		"readonly": m.readOnly,
	}).Debug("mounted")
	return m, nil
}

// IsReadOnly reports whether mutation is refused.
func (m *Mount) IsReadOnly() bool {
	return m.readOnly || m.degraded
}

// Geometry exposes the derived volume shape.
func (m *Mount) Geometry() *types.Geometry { return m.geo }

// sbItem lets the in-core superblock participate in transaction abort: the
// allocator mutates its counters in place, so they must snapshot and revert
// with everything else. Write-back happens through the LogSB hook instead.
type sbItem struct {
	m     *Mount
	saved types.DSuperblock
}

func (s *sbItem) Snapshot() { s.saved = *s.m.sb }
func (s *sbItem) Restore()  { *s.m.sb = s.saved }
func (s *sbItem) WriteBack(*trans.Transaction, uint32) error { return nil }

// beginTx allocates a transaction with the superblock joined and its
// write-back hook installed.
func (m *Mount) beginTx(kind trans.Kind) *trans.Transaction {
	tx := trans.Begin(m.bufs, m.geo, kind)
	tx.SetSBWriter(m.writeSuper)
	tx.Join(&sbItem{m: m})
	return tx
}

// writeSuper encodes the in-core superblock into its sector under the
// committing transaction.
func (m *Mount) writeSuper(tx *trans.Transaction) error {
	buf, err := tx.GetBuf(0, int(m.geo.SectSize), types.SuperblockCRCOffset, nil)
	if err != nil {
		return err
	}
	if err := types.SerializeSuperblock(m.sb, buf.Data); err != nil {
		return err
	}
	tx.LogBuf(buf, 0, len(buf.Data)-1)
	return nil
}

// commit finalizes a transaction, tracking repeated I/O failures for the
// degraded-mode policy.
func (m *Mount) commit(tx *trans.Transaction) error {
	err := tx.Commit()
	if err == nil {
		m.writeFailures = 0
		return nil
	}
	if types.ErrnoOf(err) == syscall.EIO {
		m.writeFailures++
		if m.writeFailures >= degradeThreshold {
			m.degraded = true
			m.log.Warn("repeated write failures; mount degraded to read-only")
		}
	}
	return err
}

// Sync makes every committed transaction durable on the backing store.
// Commits write back immediately, so this flushes stragglers and the
// device.
func (m *Mount) Sync() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.IsReadOnly() {
		return nil
	}
	return m.bufs.Flush()
}

// Unmount flushes, persists the superblock counters, and closes the source.
// It is idempotent and best-effort: a read-only mount has nothing to write.
func (m *Mount) Unmount() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.unmounted {
		return nil
	}
	m.unmounted = true

	var firstErr error
	if !m.readOnly && !m.degraded {
		if err := m.flushSuper(); err != nil {
			firstErr = err
		}
		if err := m.bufs.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.dev.Close(); err != nil && firstErr == nil {
		firstErr = types.NewXFSError(syscall.EIO, "Unmount", err.Error())
	}
	m.log.Debug("unmounted")
	return firstErr
}

// flushSuper writes the superblock sector outside any transaction; unmount
// is the only caller and runs with the writer lock held.
func (m *Mount) flushSuper() error {
	data := make([]byte, m.geo.SectSize)
	if err := m.dev.ReadAt(data, 0); err != nil {
		return err
	}
	if err := types.SerializeSuperblock(m.sb, data); err != nil {
		return err
	}
	if m.geo.HasCRC {
		checksum.Update(data, types.SuperblockCRCOffset)
	}
	return m.dev.WriteAt(data, 0)
}

// StatVFS summarizes volume capacity.
type StatVFS struct {
	BlockSize  uint32
	Blocks     uint64
	BlocksFree uint64
	Files      uint64
	FilesFree  uint64
	NameMax    uint32
}

// StatVFS reports capacity from the superblock counters.
func (m *Mount) StatVFS() StatVFS {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return StatVFS{
		BlockSize:  m.sb.Blocksize,
		Blocks:     m.sb.Dblocks,
		BlocksFree: m.sb.Fdblocks,
		Files:      m.sb.Icount,
		FilesFree:  m.sb.Ifree,
		NameMax:    types.MaxNameLen,
	}
}
