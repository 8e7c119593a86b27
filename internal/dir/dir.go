// File: internal/dir/dir.go
package dir

import (
	"bytes"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-xfs/internal/alloc"
	"github.com/deploymenttheory/go-xfs/internal/buffer"
	"github.com/deploymenttheory/go-xfs/internal/inode"
	"github.com/deploymenttheory/go-xfs/internal/trans"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

var (
	dotName    = []byte(".")
	dotdotName = []byte("..")
)

// EmitFunc receives one entry per call during iteration, together with the
// entry's cookie. Returning false stops the walk; resuming with a cookie one
// past the last received value continues exactly behind it.
type EmitFunc func(name []byte, ino types.Ino, ftype types.FileType, cookie uint64) bool

// Directory layers name operations over a directory inode's data fork,
// dispatching on the shortform, block, and leaf/node layouts.
type Directory struct {
	ip    *inode.Inode
	geo   *types.Geometry
	bufs  *buffer.Cache
	alloc *alloc.Allocator
	log   *logrus.Entry
}

// New wraps a directory inode.
func New(ip *inode.Inode, geo *types.Geometry, bufs *buffer.Cache, al *alloc.Allocator) *Directory {
	return &Directory{
		ip:    ip,
		geo:   geo,
		bufs:  bufs,
		alloc: al,
		log:   logrus.WithFields(logrus.Fields{"component": "dir", "ino": ip.Num}),
	}
}

// Inode returns the underlying directory inode.
func (d *Directory) Inode() *inode.Inode { return d.ip }

func (d *Directory) checkName(op string, name []byte) error {
	if len(name) == 0 {
		return types.NewXFSError(syscall.EINVAL, op, "empty name")
	}
	if len(name) > types.MaxNameLen {
		return types.NewXFSError(syscall.ENAMETOOLONG, op, string(name[:32])+"...")
	}
	if bytes.IndexByte(name, '/') >= 0 {
		return types.NewXFSError(syscall.EINVAL, op, "name contains '/'")
	}
	return nil
}

// isBlockForm distinguishes the single-block layout from leaf/node: a block
// directory maps exactly the one directory block of the data space and
// nothing in the leaf space.
func (d *Directory) isBlockForm() (bool, error) {
	if err := d.ip.LoadExtents(); err != nil {
		return false, err
	}
	leafOff := d.leafFileOff()
	for _, e := range d.ip.DataFork.Extents {
		if e.End() > leafOff {
			return false, nil
		}
	}
	return uint64(d.ip.Core.Size) == uint64(d.geo.DirBlockSize), nil
}

// leafFileOff is the file-block offset where the leaf address space begins.
func (d *Directory) leafFileOff() types.FileOff {
	return types.FileOff(types.Dir2LeafOffset >> d.geo.BlockLog)
}

// Lookup resolves a name to an inode number.
func (d *Directory) Lookup(name []byte) (types.Ino, error) {
	const op = "dir.Lookup"
	if !d.ip.IsDir() {
		return types.NullIno, types.NewXFSError(syscall.ENOTDIR, op, "")
	}
	if err := d.checkName(op, name); err != nil {
		return types.NullIno, err
	}
	switch d.ip.DataFork.Format {
	case types.DInodeFmtLocal:
		return d.sfLookup(name)
	case types.DInodeFmtExtents, types.DInodeFmtBtree:
		block, err := d.isBlockForm()
		if err != nil {
			return types.NullIno, err
		}
		if block {
			return d.blockLookup(name)
		}
		return d.leafLookup(name)
	}
	return types.NullIno, types.Errorf(syscall.EIO, op,
		"directory fork in %s format", d.ip.DataFork.Format)
}

// Iterate streams entries starting at fromCookie. "." and ".." always come
// first; cookies increase monotonically.
func (d *Directory) Iterate(fromCookie uint64, emit EmitFunc) error {
	const op = "dir.Iterate"
	if !d.ip.IsDir() {
		return types.NewXFSError(syscall.ENOTDIR, op, "")
	}
	if fromCookie > types.Dir2MaxDataptr {
		return nil
	}
	switch d.ip.DataFork.Format {
	case types.DInodeFmtLocal:
		return d.sfIterate(fromCookie, emit)
	case types.DInodeFmtExtents, types.DInodeFmtBtree:
		return d.dataIterate(fromCookie, emit)
	}
	return types.Errorf(syscall.EIO, op, "directory fork in %s format", d.ip.DataFork.Format)
}

// Insert adds an entry, promoting the layout as needed. The file-type tag is
// stored only on FTYPE volumes.
func (d *Directory) Insert(tx *trans.Transaction, name []byte, ino types.Ino, ftype types.FileType) error {
	const op = "dir.Insert"
	if err := d.checkName(op, name); err != nil {
		return err
	}
	tx.Join(d.ip)
	switch d.ip.DataFork.Format {
	case types.DInodeFmtLocal:
		return d.sfInsert(tx, name, ino, ftype)
	case types.DInodeFmtExtents:
		block, err := d.isBlockForm()
		if err != nil {
			return err
		}
		if block {
			return d.blockInsert(tx, name, ino, ftype)
		}
		return d.leafInsert(tx, name, ino, ftype)
	}
	return types.Errorf(syscall.EIO, op, "directory fork in %s format", d.ip.DataFork.Format)
}

// Remove deletes an entry. A block directory whose remaining entries fit
// inline is demoted to shortform; leaf directories are not demoted.
func (d *Directory) Remove(tx *trans.Transaction, name []byte) error {
	const op = "dir.Remove"
	if err := d.checkName(op, name); err != nil {
		return err
	}
	tx.Join(d.ip)
	switch d.ip.DataFork.Format {
	case types.DInodeFmtLocal:
		return d.sfRemove(tx, name)
	case types.DInodeFmtExtents:
		block, err := d.isBlockForm()
		if err != nil {
			return err
		}
		if block {
			return d.blockRemove(tx, name)
		}
		return d.leafRemove(tx, name)
	}
	return types.Errorf(syscall.EIO, op, "directory fork in %s format", d.ip.DataFork.Format)
}

// Replace retargets an existing entry; rename uses it to repoint "..".
func (d *Directory) Replace(tx *trans.Transaction, name []byte, ino types.Ino) error {
	const op = "dir.Replace"
	if err := d.checkName(op, name); err != nil {
		return err
	}
	tx.Join(d.ip)
	switch d.ip.DataFork.Format {
	case types.DInodeFmtLocal:
		return d.sfReplace(tx, name, ino)
	case types.DInodeFmtExtents:
		block, err := d.isBlockForm()
		if err != nil {
			return err
		}
		if block {
			return d.blockReplace(tx, name, ino)
		}
		return d.leafReplace(tx, name, ino)
	}
	return types.Errorf(syscall.EIO, op, "directory fork in %s format", d.ip.DataFork.Format)
}

// IsEmpty reports whether the directory holds only "." and "..".
func (d *Directory) IsEmpty() (bool, error) {
	empty := true
	err := d.Iterate(0, func(name []byte, _ types.Ino, _ types.FileType, _ uint64) bool {
		if bytes.Equal(name, dotName) || bytes.Equal(name, dotdotName) {
			return true
		}
		empty = false
		return false
	})
	return empty, err
}

// ParentIno returns the inode number ".." points at.
func (d *Directory) ParentIno() (types.Ino, error) {
	return d.Lookup(dotdotName)
}
