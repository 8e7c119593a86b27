// File: internal/device/memory.go
package device

import (
	"syscall"

	"github.com/deploymenttheory/go-xfs/internal/types"
)

// MemDevice is an in-memory backing store. Tests build synthetic volumes on
// it instead of shipping image fixtures.
type MemDevice struct {
	data     []byte
	readOnly bool
}

// NewMemDevice creates a zero-filled in-memory device of the given size.
func NewMemDevice(size int64) *MemDevice {
	return &MemDevice{data: make([]byte, size)}
}

// NewMemDeviceFrom wraps an existing image; the device aliases the slice.
func NewMemDeviceFrom(data []byte, readOnly bool) *MemDevice {
	return &MemDevice{data: data, readOnly: readOnly}
}

func (d *MemDevice) ReadAt(p []byte, daddr types.Daddr) error {
	off := int64(daddr) << types.BBShift
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return types.Errorf(syscall.EIO, "MemDevice.ReadAt",
			"read [%d,%d) beyond device size %d", off, off+int64(len(p)), len(d.data))
	}
	copy(p, d.data[off:])
	return nil
}

func (d *MemDevice) WriteAt(p []byte, daddr types.Daddr) error {
	if d.readOnly {
		return types.NewXFSError(syscall.EROFS, "MemDevice.WriteAt", "memory device")
	}
	off := int64(daddr) << types.BBShift
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return types.Errorf(syscall.EIO, "MemDevice.WriteAt",
			"write [%d,%d) beyond device size %d", off, off+int64(len(p)), len(d.data))
	}
	copy(d.data[off:], p)
	return nil
}

func (d *MemDevice) Size() int64    { return int64(len(d.data)) }
func (d *MemDevice) Path() string   { return "<memory>" }
func (d *MemDevice) ReadOnly() bool { return d.readOnly }
func (d *MemDevice) Flush() error   { return nil }
func (d *MemDevice) Close() error   { return nil }

// Bytes exposes the raw image, letting tests inspect on-disk state directly.
func (d *MemDevice) Bytes() []byte { return d.data }
