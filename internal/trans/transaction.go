// File: internal/trans/transaction.go
package trans

import (
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-xfs/internal/buffer"
	"github.com/deploymenttheory/go-xfs/internal/checksum"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

// State is the transaction lifecycle position. Any path that leaves a
// transaction in StateReserved without reaching committed or aborted is a
// bug in the caller.
type State int

const (
	StateAllocated State = iota
	StateReserved
	StateCommitting
	StateCommitted
	StateAborted
)

// Kind names the operation a transaction brackets; it selects the
// reservation from the per-operation table.
type Kind int

const (
	KindCreate Kind = iota
	KindMkdir
	KindRemove
	KindRename
	KindLink
	KindSymlink
	KindWrite
	KindTruncate
	KindSetattr
	KindGrowth
)

var kindNames = map[Kind]string{
	KindCreate:   "create",
	KindMkdir:    "mkdir",
	KindRemove:   "remove",
	KindRename:   "rename",
	KindLink:     "link",
	KindSymlink:  "symlink",
	KindWrite:    "write",
	KindTruncate: "truncate",
	KindSetattr:  "setattr",
	KindGrowth:   "growth",
}

func (k Kind) String() string { return kindNames[k] }

// Logged field classes for inode items.
const (
	LogCore   uint32 = 1 << 0
	LogDDdata uint32 = 1 << 1
	LogDev    uint32 = 1 << 2
	LogDExt   uint32 = 1 << 3
	LogDBroot uint32 = 1 << 4
	LogAData  uint32 = 1 << 5
	LogAExt   uint32 = 1 << 6
	LogABroot uint32 = 1 << 7
)

// Item is an object (in practice an in-core inode) that can be joined to a
// transaction. Snapshot/Restore bound abort; WriteBack re-encodes the
// object's logged state into pinned buffers at commit.
type Item interface {
	Snapshot()
	Restore()
	WriteBack(tx *Transaction, fields uint32) error
}

// Transaction brackets one metadata mutation. It pins buffers and items,
// accumulates logged deltas and deferred allocator work, and either writes
// everything back atomically (from the caller's perspective) or reverts all
// touched state.
type Transaction struct {
	cache *buffer.Cache
	geo   *types.Geometry
	log   *logrus.Entry

	state State
	kind  Kind

	blockRes uint64
	logRes   uint64

	bufs   []*buffer.Buf
	held   map[*buffer.Buf]bool
	items  []Item
	logged map[Item]uint32

	deferred []func(*Transaction) error

	// Superblock write hook, installed by the mount so counter changes made
	// by the allocator persist with the transaction that made them.
	sbDirty bool
	writeSB func(*Transaction) error
}

// Begin allocates a transaction of the given kind.
func Begin(cache *buffer.Cache, geo *types.Geometry, kind Kind) *Transaction {
	return &Transaction{
		cache:  cache,
		geo:    geo,
		log:    logrus.WithFields(logrus.Fields{"component": "trans", "kind": kind.String()}),
		state:  StateAllocated,
		kind:   kind,
		held:   make(map[*buffer.Buf]bool),
		logged: make(map[Item]uint32),
	}
}

// State returns the lifecycle position.
func (tx *Transaction) State() State { return tx.state }

// Kind returns the operation the transaction brackets.
func (tx *Transaction) Kind() Kind { return tx.kind }

// Geometry exposes the mount geometry to components running under the
// transaction.
func (tx *Transaction) Geometry() *types.Geometry { return tx.geo }

// Cache exposes the buffer cache.
func (tx *Transaction) Cache() *buffer.Cache { return tx.cache }

// Reserve transitions to StateReserved, recording the block and log-space
// reservation from the per-operation table. blocks is the worst-case number
// of data blocks the operation may allocate.
func (tx *Transaction) Reserve(blocks uint64) error {
	if tx.state != StateAllocated {
		return types.Errorf(syscall.EIO, "Transaction.Reserve",
			"reserve in state %d", tx.state)
	}
	tx.blockRes = blocks
	tx.logRes = logReservation(tx.geo, tx.kind)
	tx.state = StateReserved
	return nil
}

// logReservation computes the per-operation log reservation in bytes. The
// table follows the shape of the libxfs reservation macros: a multiple of
// the metadata blocks an operation can dirty.
func logReservation(geo *types.Geometry, kind Kind) uint64 {
	bs := uint64(geo.BlockSize)
	inode := uint64(geo.InodeSize)
	dirblk := uint64(geo.DirBlockSize)
	switch kind {
	case KindCreate, KindMkdir, KindSymlink:
		return 2*inode + 2*dirblk + 4*bs
	case KindRemove:
		return 2*inode + dirblk + 4*bs
	case KindRename:
		return 4*inode + 2*dirblk + 4*bs
	case KindLink:
		return 2*inode + dirblk + 2*bs
	case KindWrite, KindTruncate:
		return inode + 4*bs
	case KindSetattr:
		return inode
	case KindGrowth:
		return 4 * bs
	}
	return 4 * bs
}

// GetBuf reads an extent through the cache and pins it to the transaction.
// crcOffset and verify behave as in buffer.Cache.Get.
func (tx *Transaction) GetBuf(daddr types.Daddr, length int, crcOffset int, verify func([]byte) error) (*buffer.Buf, error) {
	if tx.state != StateReserved && tx.state != StateCommitting {
		return nil, types.Errorf(syscall.EIO, "Transaction.GetBuf",
			"buffer access in state %d", tx.state)
	}
	b, err := tx.cache.Get(daddr, length, crcOffset, verify)
	if err != nil {
		return nil, err
	}
	return tx.adopt(b)
}

// GetFreshBuf pins a zero-initialized buffer for an extent the transaction
// is about to fully rewrite.
func (tx *Transaction) GetFreshBuf(daddr types.Daddr, length int, crcOffset int) (*buffer.Buf, error) {
	b := tx.cache.GetFresh(daddr, length, crcOffset)
	return tx.adopt(b)
}

func (tx *Transaction) adopt(b *buffer.Buf) (*buffer.Buf, error) {
	if b.Pinned() {
		// Already joined to this transaction (no other writer can exist
		// under the single-writer discipline); drop the extra reference.
		tx.cache.Release(b)
		return b, nil
	}
	if err := tx.cache.Pin(b); err != nil {
		tx.cache.Release(b)
		return nil, err
	}
	tx.bufs = append(tx.bufs, b)
	return b, nil
}

// LogBuf records bytes [first,last] of the buffer as dirtied by this
// transaction.
func (tx *Transaction) LogBuf(b *buffer.Buf, first, last int) {
	tx.cache.LogRange(b, first, last)
}

// Hold keeps the buffer referenced past commit so the caller can continue
// using the handle without re-reading.
func (tx *Transaction) Hold(b *buffer.Buf) {
	tx.held[b] = true
}

// Join pins an item (inode) to the transaction, capturing its snapshot.
// Joining twice is a no-op.
func (tx *Transaction) Join(item Item) {
	for _, it := range tx.items {
		if it == item {
			return
		}
	}
	item.Snapshot()
	tx.items = append(tx.items, item)
}

// LogItem records the field classes of a joined item dirtied by this
// transaction. The item is joined implicitly if the caller has not done so.
func (tx *Transaction) LogItem(item Item, fields uint32) {
	tx.Join(item)
	tx.logged[item] |= fields
}

// Defer queues allocator work to run at commit, in submission order.
func (tx *Transaction) Defer(fn func(*Transaction) error) {
	tx.deferred = append(tx.deferred, fn)
}

// LogSB marks the in-core superblock counters dirty; the hook installed by
// the mount encodes and pins the superblock sector during commit.
func (tx *Transaction) LogSB() {
	tx.sbDirty = true
}

// SetSBWriter installs the superblock write-back hook.
func (tx *Transaction) SetSBWriter(fn func(*Transaction) error) {
	tx.writeSB = fn
}

// Commit finalizes deferrals, writes logged items into their buffers,
// refreshes V5 CRCs, writes every dirty pinned buffer back, and releases
// all pins. On any failure the transaction aborts and the error reports the
// failing step; no partial mutation survives.
func (tx *Transaction) Commit() error {
	if tx.state != StateReserved {
		return types.Errorf(syscall.EIO, "Transaction.Commit",
			"commit in state %d", tx.state)
	}
	tx.state = StateCommitting

	for _, fn := range tx.deferred {
		if err := fn(tx); err != nil {
			tx.abort()
			return err
		}
	}
	for _, item := range tx.items {
		fields := tx.logged[item]
		if fields == 0 {
			continue
		}
		if err := item.WriteBack(tx, fields); err != nil {
			tx.abort()
			return err
		}
	}
	if tx.sbDirty && tx.writeSB != nil {
		if err := tx.writeSB(tx); err != nil {
			tx.abort()
			return err
		}
	}

	// Write-back happens immediately: the commit is durable once every
	// dirtied buffer reaches the device. Refresh checksums first.
	for _, b := range tx.bufs {
		if !b.Dirty() {
			continue
		}
		if tx.geo.HasCRC && b.CRCOffset() >= 0 {
			checksum.Update(b.Data, b.CRCOffset())
		}
		if err := tx.cache.WriteBack(b); err != nil {
			tx.abort()
			return err
		}
	}
	for _, b := range tx.bufs {
		tx.cache.Unpin(b, false)
		if !tx.held[b] {
			tx.cache.Release(b)
		}
	}
	tx.state = StateCommitted
	tx.cache.Metrics().TxCommit()
	tx.log.Debug("transaction committed")
	return nil
}

// Cancel aborts the transaction: every joined item and pinned buffer is
// reverted to its pre-join snapshot. Cancel after commit or a second cancel
// is a no-op, making error paths free to call it unconditionally.
func (tx *Transaction) Cancel() {
	if tx.state == StateCommitted || tx.state == StateAborted {
		return
	}
	tx.abort()
}

func (tx *Transaction) abort() {
	for _, item := range tx.items {
		item.Restore()
	}
	for _, b := range tx.bufs {
		tx.cache.Unpin(b, true)
		tx.cache.Release(b)
	}
	tx.state = StateAborted
	tx.cache.Metrics().TxAbort()
	tx.log.Debug("transaction aborted")
}
