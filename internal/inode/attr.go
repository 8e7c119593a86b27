// File: internal/inode/attr.go
package inode

import (
	"bytes"
	"syscall"

	"github.com/deploymenttheory/go-xfs/internal/checksum"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

// Extended-attribute read support: shortform forks inline in the inode, and
// single-leaf extent forks with locally stored values. Attribute writes are
// not offered.

const (
	attrLeafMagic  = 0xfbee
	attr3LeafMagic = 0x3bee

	attrSfHdrSize   = 4 // totsize u16, count u8, pad u8
	attrLeafHdrV4   = 32
	attrLeafHdrV5   = 80
	attrLeafEntSize = 8

	attrFlagLocal      = 0x01
	attrFlagIncomplete = 0x80
)

// ListAttrs returns the attribute names stored on the inode.
func (ip *Inode) ListAttrs() ([]string, error) {
	switch ip.AttrFork.Format {
	case types.DInodeFmtLocal:
		return ip.listShortform()
	case types.DInodeFmtExtents:
		names, _, err := ip.scanAttrLeaf(nil)
		return names, err
	}
	if ip.Core.AttrForkOffset() < 0 {
		return nil, nil
	}
	return nil, types.Errorf(syscall.EIO, "ListAttrs",
		"attribute fork format %s not readable", ip.AttrFork.Format)
}

// GetAttr returns the value of the named attribute, or ENODATA.
func (ip *Inode) GetAttr(name string) ([]byte, error) {
	switch ip.AttrFork.Format {
	case types.DInodeFmtLocal:
		return ip.getShortform(name)
	case types.DInodeFmtExtents:
		_, val, err := ip.scanAttrLeaf([]byte(name))
		if err != nil {
			return nil, err
		}
		if val == nil {
			return nil, types.NewXFSError(syscall.ENODATA, "GetAttr", name)
		}
		return val, nil
	}
	return nil, types.NewXFSError(syscall.ENODATA, "GetAttr", name)
}

func (ip *Inode) listShortform() ([]string, error) {
	data := ip.AttrFork.Data
	if len(data) < attrSfHdrSize {
		return nil, nil
	}
	count := int(data[2])
	off := attrSfHdrSize
	var names []string
	for i := 0; i < count; i++ {
		if off+3 > len(data) {
			return nil, types.NewXFSError(syscall.EIO, "ListAttrs", "truncated shortform entry")
		}
		namelen := int(data[off])
		valuelen := int(data[off+1])
		if off+3+namelen+valuelen > len(data) {
			return nil, types.NewXFSError(syscall.EIO, "ListAttrs", "shortform entry overflow")
		}
		names = append(names, string(data[off+3:off+3+namelen]))
		off += 3 + namelen + valuelen
	}
	return names, nil
}

func (ip *Inode) getShortform(name string) ([]byte, error) {
	data := ip.AttrFork.Data
	if len(data) < attrSfHdrSize {
		return nil, types.NewXFSError(syscall.ENODATA, "GetAttr", name)
	}
	count := int(data[2])
	off := attrSfHdrSize
	for i := 0; i < count; i++ {
		if off+3 > len(data) {
			return nil, types.NewXFSError(syscall.EIO, "GetAttr", "truncated shortform entry")
		}
		namelen := int(data[off])
		valuelen := int(data[off+1])
		if off+3+namelen+valuelen > len(data) {
			return nil, types.NewXFSError(syscall.EIO, "GetAttr", "shortform entry overflow")
		}
		if string(data[off+3:off+3+namelen]) == name {
			val := make([]byte, valuelen)
			copy(val, data[off+3+namelen:])
			return val, nil
		}
		off += 3 + namelen + valuelen
	}
	return nil, types.NewXFSError(syscall.ENODATA, "GetAttr", name)
}

// scanAttrLeaf walks the first attribute leaf block. With want nil it
// collects names; otherwise it returns the matching local value.
func (ip *Inode) scanAttrLeaf(want []byte) ([]string, []byte, error) {
	const op = "Inode.scanAttrLeaf"
	geo := ip.cache.geo
	ext, ok := ip.AttrFork.LookupExtent(0)
	if !ok {
		return nil, nil, nil
	}
	buf, err := ip.cache.bufs.Get(geo.FSBToDaddr(ext.StartBlock), int(geo.DirBlockSize),
		types.Dir3LeafCRCOff, nil)
	if err != nil {
		return nil, nil, err
	}
	defer ip.cache.bufs.Release(buf)

	data := buf.Data
	magic := types.GetUint16(data, 8)
	hdrSize := attrLeafHdrV4
	countOff := 12
	if geo.HasCRC {
		if magic != attr3LeafMagic {
			return nil, nil, types.Errorf(syscall.EIO, op, "bad attr leaf magic 0x%04x", magic)
		}
		if !checksum.Verify(data, types.Dir3LeafCRCOff) {
			return nil, nil, types.NewXFSError(syscall.EIO, op, "attr leaf checksum mismatch")
		}
		hdrSize = attrLeafHdrV5
		countOff = 56
	} else if magic != attrLeafMagic {
		return nil, nil, types.Errorf(syscall.EIO, op, "bad attr leaf magic 0x%04x", magic)
	}

	count := int(types.GetUint16(data, countOff))
	var names []string
	for i := 0; i < count; i++ {
		ent := hdrSize + i*attrLeafEntSize
		nameidx := int(types.GetUint16(data, ent+4))
		flags := data[ent+6]
		if flags&attrFlagIncomplete != 0 {
			continue
		}
		if flags&attrFlagLocal == 0 {
			// Remote values live in dedicated blocks; name is still
			// reported, lookup is refused.
			namelen := int(data[nameidx+8])
			name := data[nameidx+9 : nameidx+9+namelen]
			if want == nil {
				names = append(names, string(name))
			} else if bytes.Equal(name, want) {
				return nil, nil, types.NewXFSError(syscall.EIO, op,
					"remote attribute values are not supported")
			}
			continue
		}
		valuelen := int(types.GetUint16(data, nameidx))
		namelen := int(data[nameidx+2])
		name := data[nameidx+3 : nameidx+3+namelen]
		if want == nil {
			names = append(names, string(name))
			continue
		}
		if bytes.Equal(name, want) {
			val := make([]byte, valuelen)
			copy(val, data[nameidx+3+namelen:])
			return nil, val, nil
		}
	}
	return names, nil, nil
}
