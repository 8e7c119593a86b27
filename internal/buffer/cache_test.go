package buffer

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-xfs/internal/device"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

func testCache(t *testing.T, size int64) (*Cache, *device.MemDevice) {
	t.Helper()
	dev := device.NewMemDevice(size)
	c, err := NewCache(dev, 8, nil)
	require.NoError(t, err)
	return c, dev
}

func TestReadThrough(t *testing.T) {
	c, dev := testCache(t, 1<<20)
	copy(dev.Bytes()[4096:], []byte("on-disk"))

	b, err := c.Get(8, 4096, -1, nil) // sector 8 = byte 4096
	require.NoError(t, err)
	assert.Equal(t, []byte("on-disk"), b.Data[:7])
	c.Release(b)

	// Same extent comes back from cache with the same backing image.
	b2, err := c.Get(8, 4096, -1, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("on-disk"), b2.Data[:7])
	c.Release(b2)
}

func TestVerifierRejectsBadBlock(t *testing.T) {
	c, _ := testCache(t, 1<<20)
	_, err := c.Get(0, 4096, 0, func([]byte) error {
		return types.NewXFSError(syscall.EIO, "test", "checksum mismatch")
	})
	require.Error(t, err)
	assert.Equal(t, syscall.EIO, types.ErrnoOf(err))
}

func TestPinLogRevert(t *testing.T) {
	c, _ := testCache(t, 1<<20)
	b, err := c.Get(0, 4096, -1, nil)
	require.NoError(t, err)

	require.NoError(t, c.Pin(b))
	b.Data[10] = 0xaa
	c.LogRange(b, 10, 10)
	assert.True(t, b.Dirty())

	// Abort path: the pre-pin image comes back.
	c.Unpin(b, true)
	assert.False(t, b.Dirty())
	assert.Equal(t, byte(0), b.Data[10])
	c.Release(b)
}

func TestPinCommitWriteBack(t *testing.T) {
	c, dev := testCache(t, 1<<20)
	b, err := c.Get(16, 4096, -1, nil)
	require.NoError(t, err)

	require.NoError(t, c.Pin(b))
	copy(b.Data, []byte("committed"))
	c.LogRange(b, 0, 8)
	require.NoError(t, c.WriteBack(b))
	c.Unpin(b, false)
	c.Release(b)

	assert.Equal(t, []byte("committed"), dev.Bytes()[16*512:16*512+9])
}

func TestDoublePinRefused(t *testing.T) {
	c, _ := testCache(t, 1<<20)
	b, err := c.Get(0, 4096, -1, nil)
	require.NoError(t, err)
	require.NoError(t, c.Pin(b))
	assert.Error(t, c.Pin(b))
	c.Unpin(b, false)
	c.Release(b)
}

func TestFlushSkipsPinned(t *testing.T) {
	c, dev := testCache(t, 1<<20)

	pinned, err := c.Get(0, 4096, -1, nil)
	require.NoError(t, err)
	require.NoError(t, c.Pin(pinned))
	pinned.Data[0] = 0x11
	c.LogRange(pinned, 0, 0)

	loose, err := c.Get(8, 4096, -1, nil)
	require.NoError(t, err)
	require.NoError(t, c.Pin(loose))
	loose.Data[0] = 0x22
	c.LogRange(loose, 0, 0)
	c.Unpin(loose, false) // commit kept it dirty but unpinned
	c.Release(loose)

	require.NoError(t, c.Flush())
	assert.Equal(t, byte(0x22), dev.Bytes()[4096])
	assert.Equal(t, byte(0), dev.Bytes()[0], "pinned buffer must not flush")

	c.Unpin(pinned, true)
	c.Release(pinned)
}

func TestGetFreshZeroed(t *testing.T) {
	c, dev := testCache(t, 1<<20)
	copy(dev.Bytes()[0:], []byte("stale-on-disk"))

	b := c.GetFresh(0, 4096, -1)
	assert.Equal(t, make([]byte, 13), b.Data[:13], "fresh buffer ignores disk contents")
	c.Release(b)
}
