package dir

import (
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-xfs/internal/buffer"
	"github.com/deploymenttheory/go-xfs/internal/device"
	"github.com/deploymenttheory/go-xfs/internal/inode"
	"github.com/deploymenttheory/go-xfs/internal/trans"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

// Shortform operations run entirely in the inode fork, so these tests drive
// the engine against a hand-built directory inode without a full volume.

func sfTestEnv(t *testing.T) (*Directory, *trans.Transaction) {
	t.Helper()
	geo := &types.Geometry{
		BlockSize:    4096,
		BlockLog:     12,
		SectSize:     512,
		InodeSize:    512,
		InodesPerBlk: 8,
		InopbLog:     3,
		AGBlocks:     1024,
		AGBlkLog:     10,
		AGCount:      1,
		DirBlockSize: 4096,
		DirBlkFSBs:   1,
		RootIno:      64,
		Version:      types.SBVersion4,
		HasFtype:     true,
	}
	cache, err := buffer.NewCache(device.NewMemDevice(1<<22), 16, nil)
	require.NoError(t, err)

	sfData := make([]byte, 6)
	types.PutUint32(sfData, 2, 64) // parent: the root itself
	ip := &inode.Inode{
		Num: 64,
		Core: types.DInodeCore{
			Magic:        types.DInodeMagic,
			Mode:         types.ModeDir | 0o755,
			Version:      types.DInodeVersion2,
			Format:       types.DInodeFmtLocal,
			Nlink:        2,
			Size:         6,
			NextUnlinked: types.NullAGIno,
		},
		DataFork: inode.Fork{Format: types.DInodeFmtLocal, Data: sfData},
	}
	d := New(ip, geo, cache, nil)
	tx := trans.Begin(cache, geo, trans.KindCreate)
	require.NoError(t, tx.Reserve(1))
	return d, tx
}

func TestShortformInsertLookup(t *testing.T) {
	d, tx := sfTestEnv(t)

	require.NoError(t, d.Insert(tx, []byte("alpha"), 100, types.FileTypeReg))
	require.NoError(t, d.Insert(tx, []byte("beta"), 101, types.FileTypeDir))

	ino, err := d.Lookup([]byte("alpha"))
	require.NoError(t, err)
	assert.Equal(t, types.Ino(100), ino)

	ino, err = d.Lookup([]byte("beta"))
	require.NoError(t, err)
	assert.Equal(t, types.Ino(101), ino)

	_, err = d.Lookup([]byte("gamma"))
	assert.Equal(t, syscall.ENOENT, types.ErrnoOf(err))

	// "." and ".." resolve without stored entries.
	self, err := d.Lookup([]byte("."))
	require.NoError(t, err)
	assert.Equal(t, types.Ino(64), self)
	parent, err := d.Lookup([]byte(".."))
	require.NoError(t, err)
	assert.Equal(t, types.Ino(64), parent)
}

func TestShortformDuplicateInsert(t *testing.T) {
	d, tx := sfTestEnv(t)
	require.NoError(t, d.Insert(tx, []byte("dup"), 100, types.FileTypeReg))
	err := d.Insert(tx, []byte("dup"), 101, types.FileTypeReg)
	assert.Equal(t, syscall.EEXIST, types.ErrnoOf(err))
}

func TestShortformRemove(t *testing.T) {
	d, tx := sfTestEnv(t)
	require.NoError(t, d.Insert(tx, []byte("victim"), 100, types.FileTypeReg))
	require.NoError(t, d.Insert(tx, []byte("keeper"), 101, types.FileTypeReg))

	require.NoError(t, d.Remove(tx, []byte("victim")))
	_, err := d.Lookup([]byte("victim"))
	assert.Equal(t, syscall.ENOENT, types.ErrnoOf(err))
	_, err = d.Lookup([]byte("keeper"))
	assert.NoError(t, err)

	err = d.Remove(tx, []byte("victim"))
	assert.Equal(t, syscall.ENOENT, types.ErrnoOf(err))
}

func TestShortformReplace(t *testing.T) {
	d, tx := sfTestEnv(t)
	require.NoError(t, d.Insert(tx, []byte("entry"), 100, types.FileTypeReg))

	require.NoError(t, d.Replace(tx, []byte("entry"), 200))
	ino, err := d.Lookup([]byte("entry"))
	require.NoError(t, err)
	assert.Equal(t, types.Ino(200), ino)

	// Replacing ".." retargets the parent pointer.
	require.NoError(t, d.Replace(tx, []byte(".."), 300))
	parent, err := d.ParentIno()
	require.NoError(t, err)
	assert.Equal(t, types.Ino(300), parent)
}

func TestShortformIterateOrderAndCookies(t *testing.T) {
	d, tx := sfTestEnv(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Insert(tx, []byte(fmt.Sprintf("e%d", i)),
			types.Ino(100+i), types.FileTypeReg))
	}

	var names []string
	var cookies []uint64
	require.NoError(t, d.Iterate(0, func(name []byte, _ types.Ino, _ types.FileType, cookie uint64) bool {
		names = append(names, string(name))
		cookies = append(cookies, cookie)
		return true
	}))

	require.GreaterOrEqual(t, len(names), 7)
	assert.Equal(t, ".", names[0])
	assert.Equal(t, "..", names[1])
	for i := 1; i < len(cookies); i++ {
		assert.Greater(t, cookies[i], cookies[i-1], "cookies must increase")
	}

	// Resuming one past a cookie continues exactly behind the entry.
	var resumed []string
	require.NoError(t, d.Iterate(cookies[3]+1, func(name []byte, _ types.Ino, _ types.FileType, _ uint64) bool {
		resumed = append(resumed, string(name))
		return true
	}))
	assert.Equal(t, names[4:], resumed)
}

func TestShortformEmptyCheck(t *testing.T) {
	d, tx := sfTestEnv(t)
	empty, err := d.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, d.Insert(tx, []byte("something"), 100, types.FileTypeReg))
	empty, err = d.IsEmpty()
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestShortformEncodingRoundTrip(t *testing.T) {
	d, tx := sfTestEnv(t)
	require.NoError(t, d.Insert(tx, []byte("persist"), 123, types.FileTypeSymlink))

	// Decode what encodeShortform wrote through a fresh parse.
	sf, err := d.parseShortform()
	require.NoError(t, err)
	require.Len(t, sf.Entries, 1)
	assert.Equal(t, []byte("persist"), sf.Entries[0].Name)
	assert.Equal(t, types.Ino(123), sf.Entries[0].Ino)
	assert.Equal(t, types.FileTypeSymlink, sf.Entries[0].Ftype)
	assert.Equal(t, int64(len(d.ip.DataFork.Data)), d.ip.Core.Size)
}

func TestShortformLargeInumberWidens(t *testing.T) {
	d, tx := sfTestEnv(t)
	big := types.Ino(1) << 40
	require.NoError(t, d.Insert(tx, []byte("wide"), big, types.FileTypeReg))
	require.NoError(t, d.Insert(tx, []byte("narrow"), 99, types.FileTypeReg))

	ino, err := d.Lookup([]byte("wide"))
	require.NoError(t, err)
	assert.Equal(t, big, ino)
	ino, err = d.Lookup([]byte("narrow"))
	require.NoError(t, err)
	assert.Equal(t, types.Ino(99), ino)
}
