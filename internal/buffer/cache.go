// File: internal/buffer/cache.go
package buffer

import (
	"sync"
	"syscall"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-xfs/internal/device"
	"github.com/deploymenttheory/go-xfs/internal/metrics"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

// DefaultCapacity bounds the clean-buffer LRU when the caller does not
// configure one.
const DefaultCapacity = 1024

// Key identifies a cached disk extent.
type Key struct {
	Daddr  types.Daddr
	Length int
}

// Buf is the canonical in-memory image of a disk extent. A buffer is either
// referenced (tracked in the active map), or clean and unreferenced (parked
// in the LRU awaiting eviction). Dirty or pinned buffers never leave the
// active map.
type Buf struct {
	key      Key
	Data     []byte
	refs     int
	dirty    bool
	pinned   bool
	verified bool

	// Dirtied byte range accumulated by LogRange.
	logFirst int
	logLast  int

	// CRC window offset for V5 metadata, -1 for unchecksummed data.
	crcOffset int

	// Pre-join image for transaction abort.
	snapshot []byte
}

// Daddr returns the buffer's sector address.
func (b *Buf) Daddr() types.Daddr { return b.key.Daddr }

// Length returns the buffer's byte length.
func (b *Buf) Length() int { return b.key.Length }

// Dirty reports whether the buffer holds unwritten modifications.
func (b *Buf) Dirty() bool { return b.dirty }

// Pinned reports whether a transaction owns the buffer.
func (b *Buf) Pinned() bool { return b.pinned }

// CRCOffset returns the buffer's checksum window, -1 when none applies.
func (b *Buf) CRCOffset() int { return b.crcOffset }

// Cache owns every in-memory disk extent image. Read-through on miss, dirty
// tracking under transactions, write-back on commit or flush.
type Cache struct {
	dev  device.Device
	mets *metrics.Collector
	log  *logrus.Entry

	mu    sync.Mutex
	bufs  map[Key]*Buf
	clean *lru.Cache[Key, *Buf]

	// Distinguishes capacity evictions from deliberate removals in the
	// LRU's eviction callback.
	reclaiming bool
}

// NewCache creates a cache over the device. capacity bounds the clean LRU;
// zero selects DefaultCapacity.
func NewCache(dev device.Device, capacity int, mets *metrics.Collector) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		dev:  dev,
		mets: mets,
		log:  logrus.WithField("component", "buffer-cache"),
		bufs: make(map[Key]*Buf),
	}
	clean, err := lru.NewWithEvict[Key, *Buf](capacity, func(Key, *Buf) {
		if !c.reclaiming {
			mets.CacheEviction()
		}
	})
	if err != nil {
		return nil, err
	}
	c.clean = clean
	return c, nil
}

// Get returns a referenced buffer for the extent, reading through on a miss.
// crcOffset names the V5 checksum window to verify on a fresh read; pass a
// negative value for unchecksummed extents. Verification failures surface as
// EIO and the buffer is not installed.
func (c *Cache) Get(daddr types.Daddr, length int, crcOffset int, verify func([]byte) error) (*Buf, error) {
	key := Key{Daddr: daddr, Length: length}
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.bufs[key]; ok {
		b.refs++
		c.mets.CacheHit()
		return b, nil
	}
	if b, ok := c.clean.Get(key); ok {
		c.reclaim(key)
		b.refs = 1
		c.bufs[key] = b
		c.mets.CacheHit()
		return b, nil
	}

	c.mets.CacheMiss()
	data := make([]byte, length)
	if err := c.dev.ReadAt(data, daddr); err != nil {
		return nil, err
	}
	c.mets.DeviceRead(length)
	b := &Buf{key: key, Data: data, refs: 1, crcOffset: crcOffset}
	if verify != nil {
		if err := verify(data); err != nil {
			return nil, err
		}
		b.verified = true
	}
	c.bufs[key] = b
	return b, nil
}

// GetFresh returns a referenced buffer for an extent about to be fully
// initialized: no device read occurs and the contents start zeroed. An
// existing cached image is reused so aliasing stays coherent.
func (c *Cache) GetFresh(daddr types.Daddr, length int, crcOffset int) *Buf {
	key := Key{Daddr: daddr, Length: length}
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.bufs[key]; ok {
		b.refs++
		b.crcOffset = crcOffset
		return b
	}
	if b, ok := c.clean.Get(key); ok {
		c.reclaim(key)
		b.refs = 1
		b.crcOffset = crcOffset
		c.bufs[key] = b
		return b
	}
	b := &Buf{key: key, Data: make([]byte, length), refs: 1, crcOffset: crcOffset}
	c.bufs[key] = b
	return b
}

// reclaim pulls a buffer out of the clean LRU without it counting as a
// capacity eviction.
func (c *Cache) reclaim(key Key) {
	c.reclaiming = true
	c.clean.Remove(key)
	c.reclaiming = false
}

// Release drops one reference. A buffer at zero references that is clean and
// unpinned parks in the LRU; dirty or pinned buffers stay active.
func (c *Cache) Release(b *Buf) {
	if b == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.refs > 0 {
		b.refs--
	}
	if b.refs == 0 && !b.dirty && !b.pinned {
		delete(c.bufs, b.key)
		c.clean.Add(b.key, b)
	}
}

// Pin marks the buffer as owned by a transaction and captures the pre-join
// snapshot used on abort. Pinning an already pinned buffer is an error the
// single-writer discipline should make impossible.
func (c *Cache) Pin(b *Buf) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.pinned {
		return types.Errorf(syscall.EIO, "Cache.Pin",
			"buffer at daddr %d already pinned", b.key.Daddr)
	}
	b.pinned = true
	b.snapshot = make([]byte, len(b.Data))
	copy(b.snapshot, b.Data)
	b.logFirst = -1
	b.logLast = -1
	return nil
}

// LogRange records that bytes [first,last] were dirtied under the pinning
// transaction.
func (c *Cache) LogRange(b *Buf, first, last int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b.dirty = true
	if b.logFirst < 0 || first < b.logFirst {
		b.logFirst = first
	}
	if last > b.logLast {
		b.logLast = last
	}
}

// Unpin releases transaction ownership. With revert set the snapshot is
// restored and the dirty state discarded (abort); otherwise the dirty state
// survives for write-back (commit).
func (c *Cache) Unpin(b *Buf, revert bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !b.pinned {
		return
	}
	if revert {
		copy(b.Data, b.snapshot)
		b.dirty = false
		b.logFirst, b.logLast = -1, -1
	}
	b.pinned = false
	b.snapshot = nil
	if b.refs == 0 && !b.dirty {
		delete(c.bufs, b.key)
		c.clean.Add(b.key, b)
	}
}

// WriteBack writes a dirty buffer to the device and clears its dirty state.
// The caller is responsible for having refreshed the CRC.
func (c *Cache) WriteBack(b *Buf) error {
	c.mu.Lock()
	if !b.dirty {
		c.mu.Unlock()
		return nil
	}
	data := b.Data
	daddr := b.key.Daddr
	c.mu.Unlock()

	if err := c.dev.WriteAt(data, daddr); err != nil {
		return err
	}
	c.mets.DeviceWrite(len(data))

	c.mu.Lock()
	b.dirty = false
	b.logFirst, b.logLast = -1, -1
	if b.refs == 0 && !b.pinned {
		delete(c.bufs, b.key)
		c.clean.Add(b.key, b)
	}
	c.mu.Unlock()
	return nil
}

// Flush writes every dirty unpinned buffer back to the device and syncs it.
// Buffers pinned by an open transaction are skipped; they write at commit.
func (c *Cache) Flush() error {
	c.mu.Lock()
	var pending []*Buf
	for _, b := range c.bufs {
		if b.dirty && !b.pinned {
			pending = append(pending, b)
		}
	}
	c.mu.Unlock()

	for _, b := range pending {
		if err := c.WriteBack(b); err != nil {
			return err
		}
	}
	return c.dev.Flush()
}

// Device exposes the backing store for direct reads of file data.
func (c *Cache) Device() device.Device { return c.dev }

// Metrics exposes the collector for sibling components.
func (c *Cache) Metrics() *metrics.Collector { return c.mets }
