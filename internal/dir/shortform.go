// File: internal/dir/shortform.go
package dir

import (
	"bytes"
	"syscall"

	"github.com/deploymenttheory/go-xfs/internal/trans"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

// Shortform directories pack their entries directly in the inode's data
// fork: a small header (count, 8-byte-inumber count, parent) followed by
// entries carrying a name, the offset the entry would occupy in a data
// block (which keeps readdir cookies stable across format conversions), an
// optional file-type byte, and a 4- or 8-byte inumber.

type sfEntry struct {
	Name   []byte
	Offset uint16
	Ino    types.Ino
	Ftype  types.FileType
}

type sfDir struct {
	Parent  types.Ino
	Entries []sfEntry
}

// parseShortform decodes the inline directory from the fork bytes.
func (d *Directory) parseShortform() (*sfDir, error) {
	const op = "dir.parseShortform"
	data := d.ip.DataFork.Data
	if len(data) < types.SfHdrSize(false) {
		return nil, types.Errorf(syscall.EIO, op, "shortform header truncated: %d bytes", len(data))
	}
	count := int(data[0])
	i8count := int(data[1])
	i8 := i8count > 0
	inoSize := 4
	if i8 {
		inoSize = 8
	}
	readIno := func(off int) types.Ino {
		if i8 {
			return types.Ino(types.GetUint64(data, off))
		}
		return types.Ino(types.GetUint32(data, off))
	}

	sf := &sfDir{Parent: readIno(2)}
	off := 2 + inoSize
	for i := 0; i < count; i++ {
		if off+3 > len(data) {
			return nil, types.NewXFSError(syscall.EIO, op, "entry header truncated")
		}
		namelen := int(data[off])
		entOff := types.GetUint16(data, off+1)
		off += 3
		if off+namelen > len(data) {
			return nil, types.NewXFSError(syscall.EIO, op, "entry name truncated")
		}
		name := make([]byte, namelen)
		copy(name, data[off:])
		off += namelen
		ft := types.FileTypeUnknown
		if d.geo.HasFtype {
			if off >= len(data) {
				return nil, types.NewXFSError(syscall.EIO, op, "entry ftype truncated")
			}
			ft = types.FileType(data[off])
			off++
		}
		if off+inoSize > len(data) {
			return nil, types.NewXFSError(syscall.EIO, op, "entry inumber truncated")
		}
		ino := readIno(off)
		off += inoSize
		sf.Entries = append(sf.Entries, sfEntry{Name: name, Offset: entOff, Ino: ino, Ftype: ft})
	}
	return sf, nil
}

// encodeShortform writes the inline directory back into the fork and
// refreshes the inode's size bookkeeping. The caller logs LogDDdata.
func (d *Directory) encodeShortform(sf *sfDir) {
	i8count := 0
	if uint64(sf.Parent) > 0xffffffff {
		i8count++
	}
	for _, e := range sf.Entries {
		if uint64(e.Ino) > 0xffffffff {
			i8count++
		}
	}
	i8 := i8count > 0
	inoSize := 4
	if i8 {
		inoSize = 8
	}

	size := 2 + inoSize
	for _, e := range sf.Entries {
		size += types.SfEntSize(len(e.Name), d.geo.HasFtype, i8)
	}
	data := make([]byte, size)
	data[0] = uint8(len(sf.Entries))
	data[1] = uint8(i8count)
	writeIno := func(off int, ino types.Ino) {
		if i8 {
			types.PutUint64(data, off, uint64(ino))
		} else {
			types.PutUint32(data, off, uint32(ino))
		}
	}
	writeIno(2, sf.Parent)
	off := 2 + inoSize
	for _, e := range sf.Entries {
		data[off] = uint8(len(e.Name))
		types.PutUint16(data, off+1, e.Offset)
		off += 3
		copy(data[off:], e.Name)
		off += len(e.Name)
		if d.geo.HasFtype {
			data[off] = uint8(e.Ftype)
			off++
		}
		writeIno(off, e.Ino)
		off += inoSize
	}

	d.ip.DataFork.Format = types.DInodeFmtLocal
	d.ip.DataFork.Data = data
	d.ip.Core.Format = types.DInodeFmtLocal
	d.ip.Core.Size = int64(len(data))
	d.ip.Core.Nextents = 0
}

// sfLookup finds the named entry.
func (d *Directory) sfLookup(name []byte) (types.Ino, error) {
	sf, err := d.parseShortform()
	if err != nil {
		return types.NullIno, err
	}
	if bytes.Equal(name, dotName) {
		return d.ip.Num, nil
	}
	if bytes.Equal(name, dotdotName) {
		return sf.Parent, nil
	}
	for _, e := range sf.Entries {
		if bytes.Equal(e.Name, name) {
			return e.Ino, nil
		}
	}
	return types.NullIno, types.NewXFSError(syscall.ENOENT, "dir.Lookup", string(name))
}

// sfNextOffset picks a data-block offset for a new entry, past every
// existing one; offsets start where a data block's entries would.
func (d *Directory) sfNextOffset(sf *sfDir, namelen int) uint16 {
	next := d.dataHdrSize() + types.DirEntSize(1, d.geo.HasFtype) +
		types.DirEntSize(2, d.geo.HasFtype)
	for _, e := range sf.Entries {
		end := int(e.Offset) + types.DirEntSize(len(e.Name), d.geo.HasFtype)
		if end > next {
			next = end
		}
	}
	return uint16(next)
}

// sfInsert adds an entry, promoting to block form when the inline capacity
// overflows.
func (d *Directory) sfInsert(tx *trans.Transaction, name []byte, ino types.Ino, ft types.FileType) error {
	sf, err := d.parseShortform()
	if err != nil {
		return err
	}
	for _, e := range sf.Entries {
		if bytes.Equal(e.Name, name) {
			return types.NewXFSError(syscall.EEXIST, "dir.Insert", string(name))
		}
	}
	entry := sfEntry{
		Name:   append([]byte(nil), name...),
		Offset: d.sfNextOffset(sf, len(name)),
		Ino:    ino,
		Ftype:  ft,
	}
	sf.Entries = append(sf.Entries, entry)

	i8 := uint64(sf.Parent) > 0xffffffff
	for _, e := range sf.Entries {
		if uint64(e.Ino) > 0xffffffff {
			i8 = true
		}
	}
	size := types.SfHdrSize(i8)
	for _, e := range sf.Entries {
		size += types.SfEntSize(len(e.Name), d.geo.HasFtype, i8)
	}
	if size > d.ip.Core.DataForkSize(d.geo.InodeSize) {
		// Promote: build the single-block layout holding every entry.
		return d.sfToBlock(tx, sf)
	}

	d.encodeShortform(sf)
	d.ip.TouchTimes(true)
	tx.LogItem(d.ip, trans.LogCore|trans.LogDDdata)
	return nil
}

// sfRemove deletes an entry.
func (d *Directory) sfRemove(tx *trans.Transaction, name []byte) error {
	sf, err := d.parseShortform()
	if err != nil {
		return err
	}
	for i, e := range sf.Entries {
		if bytes.Equal(e.Name, name) {
			sf.Entries = append(sf.Entries[:i], sf.Entries[i+1:]...)
			d.encodeShortform(sf)
			d.ip.TouchTimes(true)
			tx.LogItem(d.ip, trans.LogCore|trans.LogDDdata)
			return nil
		}
	}
	return types.NewXFSError(syscall.ENOENT, "dir.Remove", string(name))
}

// sfReplace retargets an entry (or the parent pointer for "..").
func (d *Directory) sfReplace(tx *trans.Transaction, name []byte, ino types.Ino) error {
	sf, err := d.parseShortform()
	if err != nil {
		return err
	}
	if bytes.Equal(name, dotdotName) {
		sf.Parent = ino
	} else {
		found := false
		for i := range sf.Entries {
			if bytes.Equal(sf.Entries[i].Name, name) {
				sf.Entries[i].Ino = ino
				found = true
				break
			}
		}
		if !found {
			return types.NewXFSError(syscall.ENOENT, "dir.Replace", string(name))
		}
	}
	d.encodeShortform(sf)
	d.ip.TouchTimes(true)
	tx.LogItem(d.ip, trans.LogCore|trans.LogDDdata)
	return nil
}

// sfIterate emits ".", "..", then the packed entries in insertion order.
func (d *Directory) sfIterate(fromCookie uint64, emit EmitFunc) error {
	sf, err := d.parseShortform()
	if err != nil {
		return err
	}
	dotCookie := types.ByteToDataptr(uint64(d.dataHdrSize()))
	dotdotCookie := types.ByteToDataptr(uint64(d.dataHdrSize() +
		types.DirEntSize(1, d.geo.HasFtype)))
	if fromCookie <= dotCookie {
		if !emit(dotName, d.ip.Num, types.FileTypeDir, dotCookie) {
			return nil
		}
	}
	if fromCookie <= dotdotCookie {
		if !emit(dotdotName, sf.Parent, types.FileTypeDir, dotdotCookie) {
			return nil
		}
	}
	for _, e := range sf.Entries {
		cookie := types.ByteToDataptr(uint64(e.Offset))
		if fromCookie > cookie {
			continue
		}
		ft := e.Ftype
		if !d.geo.HasFtype {
			ft = types.FileTypeUnknown
		}
		if !emit(e.Name, e.Ino, ft, cookie) {
			return nil
		}
	}
	return nil
}

// InitEmpty initializes a freshly created directory inode as a shortform
// directory holding only the parent pointer.
func (d *Directory) InitEmpty(tx *trans.Transaction, parent types.Ino) {
	tx.Join(d.ip)
	sf := &sfDir{Parent: parent}
	d.encodeShortform(sf)
	tx.LogItem(d.ip, trans.LogCore|trans.LogDDdata)
}
