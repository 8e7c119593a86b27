// File: internal/types/binary.go
package types

import (
	"bytes"
	"encoding/binary"
	"io"
)

// All multi-byte integers on an XFS volume are big-endian. The helpers here
// are the only place byte order appears; every decoder goes through them.

// BinaryReader reads big-endian on-disk structures from a byte slice.
type BinaryReader struct {
	r *bytes.Reader
}

// NewBinaryReader creates a reader positioned at the start of data.
func NewBinaryReader(data []byte) *BinaryReader {
	return &BinaryReader{r: bytes.NewReader(data)}
}

// Read decodes structured data. Data must be a pointer to a fixed-size value.
func (br *BinaryReader) Read(data interface{}) error {
	return binary.Read(br.r, binary.BigEndian, data)
}

// ReadBytes reads exactly length bytes.
func (br *BinaryReader) ReadBytes(length int) ([]byte, error) {
	buf := make([]byte, length)
	_, err := io.ReadFull(br.r, buf)
	return buf, err
}

// Seek repositions the reader to an absolute offset.
func (br *BinaryReader) Seek(offset int64) error {
	_, err := br.r.Seek(offset, io.SeekStart)
	return err
}

// BinaryWriter encodes big-endian on-disk structures into a buffer.
type BinaryWriter struct {
	buf bytes.Buffer
}

// NewBinaryWriter creates an empty writer.
func NewBinaryWriter() *BinaryWriter {
	return &BinaryWriter{}
}

// Write encodes data. Data must be a fixed-size value or pointer to one.
func (bw *BinaryWriter) Write(data interface{}) error {
	return binary.Write(&bw.buf, binary.BigEndian, data)
}

// WriteBytes appends raw bytes.
func (bw *BinaryWriter) WriteBytes(data []byte) error {
	_, err := bw.buf.Write(data)
	return err
}

// Bytes returns the encoded buffer.
func (bw *BinaryWriter) Bytes() []byte {
	return bw.buf.Bytes()
}

// In-place accessors for mutating directory and btree blocks without a full
// decode/re-encode cycle.

func GetUint16(b []byte, off int) uint16 { return binary.BigEndian.Uint16(b[off:]) }
func GetUint32(b []byte, off int) uint32 { return binary.BigEndian.Uint32(b[off:]) }
func GetUint64(b []byte, off int) uint64 { return binary.BigEndian.Uint64(b[off:]) }

func PutUint16(b []byte, off int, v uint16) { binary.BigEndian.PutUint16(b[off:], v) }
func PutUint32(b []byte, off int, v uint32) { binary.BigEndian.PutUint32(b[off:], v) }
func PutUint64(b []byte, off int, v uint64) { binary.BigEndian.PutUint64(b[off:], v) }
