package checksum

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeSkipsWindow(t *testing.T) {
	buf := make([]byte, 128)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	const off = 24

	// Reference: drop the 4 window bytes from the stream entirely.
	ref := append(buf[:off:off], buf[off+4:]...)
	want := crc32.Checksum(ref, crc32.MakeTable(crc32.Castagnoli))

	assert.Equal(t, want, Compute(buf, off))
}

func TestComputeKnownAnswer(t *testing.T) {
	// With the window dropped, the stream is the canonical CRC32C check
	// input "123456789", whose checksum is 0xE3069283.
	buf := []byte("1234\xde\xad\xbe\xef56789")
	assert.Equal(t, uint32(0xE3069283), Compute(buf, 4))
}

func TestComputeIgnoresStoredValue(t *testing.T) {
	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = byte(i)
	}
	const off = 8
	before := Compute(buf, off)
	binary.BigEndian.PutUint32(buf[off:], 0xdeadbeef)
	assert.Equal(t, before, Compute(buf, off),
		"checksum must not depend on the bytes inside the window")
}

func TestUpdateVerifyRoundTrip(t *testing.T) {
	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = byte(i * 31)
	}
	const off = 224 // superblock CRC offset

	require.False(t, Verify(buf, off), "random contents should not verify")
	Update(buf, off)
	assert.True(t, Verify(buf, off))

	// Any corruption outside the window must fail verification.
	buf[5] ^= 0x80
	assert.False(t, Verify(buf, off))
}

func TestKnownVector(t *testing.T) {
	// CRC32C("123456789") = 0xE3069283, the canonical check value.
	got := crc32.Checksum([]byte("123456789"), crc32.MakeTable(crc32.Castagnoli))
	assert.Equal(t, uint32(0xE3069283), got)
}
