// File: internal/alloc/btleaf.go
package alloc

import (
	"syscall"

	"github.com/deploymenttheory/go-xfs/internal/buffer"
	"github.com/deploymenttheory/go-xfs/internal/checksum"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

// shortLeaf is a decoded view over a short-form btree leaf block held in a
// pinned buffer. The free-space and inode btrees are maintained through it.
type shortLeaf struct {
	buf     *buffer.Buf
	hdr     *types.BtreeShortHdr
	recBase int
	recSize int
	maxRecs int
}

// loadShortLeaf decodes the leaf block in buf and checks its magic against
// the accepted set.
func loadShortLeaf(geo *types.Geometry, buf *buffer.Buf, recSize int, magics ...uint32) (*shortLeaf, error) {
	hdr, recBase, err := types.DecodeBtreeShortHdr(buf.Data, geo.HasCRC)
	if err != nil {
		return nil, err
	}
	ok := false
	for _, m := range magics {
		if hdr.Magic == m {
			ok = true
			break
		}
	}
	if !ok {
		return nil, types.Errorf(syscall.EIO, "loadShortLeaf",
			"unexpected btree magic 0x%08x", hdr.Magic)
	}
	return &shortLeaf{
		buf:     buf,
		hdr:     hdr,
		recBase: recBase,
		recSize: recSize,
		maxRecs: (len(buf.Data) - recBase) / recSize,
	}, nil
}

func (l *shortLeaf) numRecs() int { return int(l.hdr.Numrecs) }

// insertAt shifts records right and opens a slot at index i. The caller
// encodes the record into the slot.
func (l *shortLeaf) insertAt(i int) error {
	n := l.numRecs()
	if n >= l.maxRecs {
		return types.NewXFSError(syscall.ENOSPC, "shortLeaf.insertAt",
			"btree leaf full; growing the tree is not supported")
	}
	start := l.recBase + i*l.recSize
	end := l.recBase + n*l.recSize
	copy(l.buf.Data[start+l.recSize:end+l.recSize], l.buf.Data[start:end])
	l.hdr.Numrecs++
	return nil
}

// removeAt deletes the record at index i, shifting the tail left.
func (l *shortLeaf) removeAt(i int) {
	n := l.numRecs()
	start := l.recBase + i*l.recSize
	end := l.recBase + n*l.recSize
	copy(l.buf.Data[start:], l.buf.Data[start+l.recSize:end])
	// Zero the vacated slot so the block image stays deterministic.
	for b := end - l.recSize; b < end; b++ {
		l.buf.Data[b] = 0
	}
	l.hdr.Numrecs--
}

// flush re-encodes the header and logs the whole record region.
func (l *shortLeaf) flush(tx txLogger) {
	types.EncodeBtreeShortHdr(l.buf.Data, l.hdr)
	tx.LogBuf(l.buf, 0, len(l.buf.Data)-1)
}

// txLogger is the slice of the transaction the leaf helpers need.
type txLogger interface {
	LogBuf(b *buffer.Buf, first, last int)
}

// verifyShortBlock returns a buffer-cache verifier for a V5 short-form btree
// block; on V4 volumes it only checks that the block is readable.
func verifyShortBlock(geo *types.Geometry) func([]byte) error {
	if !geo.HasCRC {
		return nil
	}
	return func(data []byte) error {
		if !checksum.Verify(data, types.BtreeShortCRCOffset) {
			return types.NewXFSError(syscall.EIO, "verifyShortBlock", "checksum mismatch")
		}
		return nil
	}
}

// verifySector returns a verifier for a V5 AG header sector with the given
// CRC offset.
func verifySector(geo *types.Geometry, crcOff int, name string) func([]byte) error {
	if !geo.HasCRC {
		return nil
	}
	return func(data []byte) error {
		if !checksum.Verify(data, crcOff) {
			return types.Errorf(syscall.EIO, "verifySector", "%s checksum mismatch", name)
		}
		return nil
	}
}
