package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirEntSize(t *testing.T) {
	// 8 inumber + 1 namelen + name + 2 tag, 8-aligned; FTYPE adds a byte.
	assert.Equal(t, 16, DirEntSize(1, false))
	assert.Equal(t, 16, DirEntSize(4, false))
	assert.Equal(t, 24, DirEntSize(5, false))
	assert.Equal(t, 16, DirEntSize(1, true))
	assert.Equal(t, 16, DirEntSize(4, true))
	assert.Equal(t, 24, DirEntSize(5, true))
	assert.Equal(t, 272, DirEntSize(255, true))
}

func TestSfEntSize(t *testing.T) {
	assert.Equal(t, 1+2+3+4, SfEntSize(3, false, false))
	assert.Equal(t, 1+2+3+1+4, SfEntSize(3, true, false))
	assert.Equal(t, 1+2+3+1+8, SfEntSize(3, true, true))
	assert.Equal(t, 6, SfHdrSize(false))
	assert.Equal(t, 10, SfHdrSize(true))
}

func TestHashName(t *testing.T) {
	// The hash must be deterministic and spread nearby names.
	a := HashName([]byte("file-a"))
	b := HashName([]byte("file-b"))
	assert.Equal(t, a, HashName([]byte("file-a")))
	assert.NotEqual(t, a, b)

	// Short names exercise every tail branch.
	seen := map[uint32]string{}
	for _, name := range []string{"a", "ab", "abc", "abcd", "abcde"} {
		h := HashName([]byte(name))
		if prev, ok := seen[h]; ok {
			t.Fatalf("hash collision between %q and %q", prev, name)
		}
		seen[h] = name
	}
}

func TestDataptrConversion(t *testing.T) {
	for _, by := range []uint64{0, 8, 64, 4096, 1 << 32} {
		assert.Equal(t, by, DataptrToByte(ByteToDataptr(by)))
	}
}

func TestFileTypeFromMode(t *testing.T) {
	assert.Equal(t, FileTypeReg, FileTypeFromMode(ModeReg|0o644))
	assert.Equal(t, FileTypeDir, FileTypeFromMode(ModeDir|0o755))
	assert.Equal(t, FileTypeSymlink, FileTypeFromMode(ModeLink|0o777))
	assert.Equal(t, FileTypeChar, FileTypeFromMode(ModeChar))
	assert.Equal(t, FileTypeBlock, FileTypeFromMode(ModeBlock))
	assert.Equal(t, FileTypeFIFO, FileTypeFromMode(ModeFIFO))
	assert.Equal(t, FileTypeSocket, FileTypeFromMode(ModeSocket))
}
