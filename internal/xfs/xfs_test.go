package xfs

import (
	"bytes"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-xfs/internal/device"
	"github.com/deploymenttheory/go-xfs/internal/types"
)

func TestMountStatRoot(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	st, err := m.Stat("/")
	require.NoError(t, err)
	assert.Equal(t, types.Ino(tRootIno), st.Ino)
	assert.Equal(t, uint16(types.ModeDir|0o755), st.Mode)
	assert.Equal(t, uint32(2), st.Nlink)
	assert.False(t, m.IsReadOnly())
}

func TestMountValidation(t *testing.T) {
	img := mkTestImage(t)
	// Corrupt the superblock magic.
	copy(img.Bytes()[0:4], []byte{0, 1, 2, 3})
	_, err := MountDevice(img, MountOptions{ReadWrite: true})
	require.Error(t, err)
	assert.Equal(t, syscall.EIO, types.ErrnoOf(err))
}

func TestMountChecksumMismatch(t *testing.T) {
	img := mkTestImage(t)
	// Flip a label byte: validation ignores it, the checksum must not.
	img.Bytes()[110] ^= 0xff
	_, err := MountDevice(img, MountOptions{ReadWrite: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

func TestCreateWriteRead(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	require.NoError(t, m.Create("/a.txt", 0o644))
	n, err := m.WriteFile("/a.txt", []byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = m.ReadFile("/a.txt", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), buf)

	st, err := m.Stat("/a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Size)
	assert.Equal(t, uint16(types.ModeReg|0o644), st.Mode)
	assert.Equal(t, uint32(1), st.Nlink)
}

func TestCreateExisting(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	require.NoError(t, m.Create("/dup", 0o644))
	err := m.Create("/dup", 0o644)
	assert.Equal(t, syscall.EEXIST, types.ErrnoOf(err))
}

func TestWriteIntoHoleReadsZeroesAround(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	require.NoError(t, m.Create("/sparse", 0o644))
	// Extend to two blocks, then write into the middle of the first.
	_, err := m.WriteFile("/sparse", []byte("end"), 2*tBlockSize)
	require.NoError(t, err)
	_, err = m.WriteFile("/sparse", []byte("mid"), 100)
	require.NoError(t, err)

	buf := make([]byte, 200)
	_, err = m.ReadFile("/sparse", buf, 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(buf[:100], make([]byte, 100)), "hole before the write reads zero")
	assert.Equal(t, []byte("mid"), buf[100:103])
	assert.True(t, bytes.Equal(buf[103:], make([]byte, 97)))
}

func TestMkdirRenameLookup(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	require.NoError(t, m.Mkdir("/d", 0o755))
	require.NoError(t, m.Create("/d/f", 0o600))
	before, err := m.LookupPath("/d/f")
	require.NoError(t, err)

	require.NoError(t, m.Rename("/d/f", "/d/g"))
	after, err := m.LookupPath("/d/g")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = m.LookupPath("/d/f")
	assert.Equal(t, syscall.ENOENT, types.ErrnoOf(err))
}

func TestRenameSameNameNoop(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	require.NoError(t, m.Create("/same", 0o644))
	require.NoError(t, m.Rename("/same", "/same"))
	_, err := m.LookupPath("/same")
	assert.NoError(t, err)
}

func TestRenameDirAcrossParents(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	require.NoError(t, m.Mkdir("/src", 0o755))
	require.NoError(t, m.Mkdir("/dst", 0o755))
	require.NoError(t, m.Mkdir("/src/sub", 0o755))

	stRoot, _ := m.Stat("/")
	assert.Equal(t, uint32(4), stRoot.Nlink) // ., .., src, dst

	require.NoError(t, m.Rename("/src/sub", "/dst/sub"))

	stSrc, err := m.Stat("/src")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), stSrc.Nlink)
	stDst, err := m.Stat("/dst")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), stDst.Nlink)

	// ".." of the moved directory follows the new parent.
	dstIno, _ := m.LookupPath("/dst")
	subDotdot, err := m.LookupPath("/dst/sub/..")
	require.NoError(t, err)
	assert.Equal(t, dstIno, subDotdot)
}

func TestRenameIntoOwnSubtree(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	require.NoError(t, m.Mkdir("/a", 0o755))
	require.NoError(t, m.Mkdir("/a/b", 0o755))
	err := m.Rename("/a", "/a/b/c")
	assert.Equal(t, syscall.EINVAL, types.ErrnoOf(err))
}

func TestRmdirSemantics(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	require.NoError(t, m.Mkdir("/x", 0o755))
	require.NoError(t, m.Mkdir("/x/y", 0o755))

	err := m.Rmdir("/x")
	assert.Equal(t, syscall.ENOTEMPTY, types.ErrnoOf(err))

	require.NoError(t, m.Rmdir("/x/y"))
	require.NoError(t, m.Rmdir("/x"))
	_, err = m.LookupPath("/x")
	assert.Equal(t, syscall.ENOENT, types.ErrnoOf(err))
}

func TestHardLink(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	require.NoError(t, m.Create("/orig", 0o644))
	payload := bytes.Repeat([]byte("A"), 10)
	_, err := m.WriteFile("/orig", payload, 0)
	require.NoError(t, err)

	require.NoError(t, m.Link("/orig", "/hard"))
	st, err := m.Stat("/hard")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), st.Nlink)

	require.NoError(t, m.Unlink("/orig"))
	buf := make([]byte, 10)
	_, err = m.ReadFile("/hard", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)

	st, err = m.Stat("/hard")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), st.Nlink)
}

func TestLinkToDirectoryRefused(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	require.NoError(t, m.Mkdir("/d", 0o755))
	err := m.Link("/d", "/d2")
	assert.Equal(t, syscall.EPERM, types.ErrnoOf(err))
}

func TestSymlinkShort(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	require.NoError(t, m.Symlink("/sym", "../somewhere"))
	target, err := m.ReadLink("/sym")
	require.NoError(t, err)
	assert.Equal(t, "../somewhere", target)

	st, err := m.Stat("/sym")
	require.NoError(t, err)
	assert.Equal(t, int64(12), st.Size)
	assert.Equal(t, uint16(types.ModeLink|0o777), st.Mode)
}

func TestSymlinkRemote(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	// A target past the inline fork capacity lands in allocated blocks.
	target := "/very/long/" + string(bytes.Repeat([]byte("x"), 400))
	require.NoError(t, m.Symlink("/far", target))
	got, err := m.ReadLink("/far")
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestTruncateToZero(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	require.NoError(t, m.Create("/t", 0o644))
	_, err := m.WriteFile("/t", bytes.Repeat([]byte("z"), 3*tBlockSize), 0)
	require.NoError(t, err)

	require.NoError(t, m.Truncate("/t", 0))
	st, err := m.Stat("/t")
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Size)
	assert.Equal(t, uint64(0), st.Blocks)
}

func TestTruncateSparseExtension(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	require.NoError(t, m.Create("/grow", 0o644))
	require.NoError(t, m.Truncate("/grow", 1<<20))
	st, err := m.Stat("/grow")
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), st.Size)
	assert.Equal(t, uint64(0), st.Blocks)
}

func TestSetattr(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	require.NoError(t, m.Create("/attrs", 0o600))
	require.NoError(t, m.Chmod("/attrs", 0o750))
	st, _ := m.Stat("/attrs")
	assert.Equal(t, uint16(types.ModeReg|0o750), st.Mode)

	require.NoError(t, m.Chown("/attrs", 1000, 1000))
	st, _ = m.Stat("/attrs")
	assert.Equal(t, uint32(1000), st.UID)
	assert.Equal(t, uint32(1000), st.GID)

	// Changing the owner clears setuid/setgid.
	require.NoError(t, m.Chmod("/attrs", 0o4755))
	require.NoError(t, m.Chown("/attrs", 1001, ^uint32(0)))
	st, _ = m.Stat("/attrs")
	assert.Equal(t, uint16(types.ModeReg|0o755), st.Mode)
}

func TestReaddirPaginated(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	require.NoError(t, m.Mkdir("/big", 0o755))
	want := make(map[string]types.Ino)
	const count = 300
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("f%03d", i)
		require.NoError(t, m.Create("/big/"+name, 0o644), "create %s", name)
		ino, err := m.LookupPath("/big/" + name)
		require.NoError(t, err)
		want[name] = ino
	}

	got := make(map[string]types.Ino)
	var order []string
	cookie := uint64(0)
	for {
		n := 0
		err := m.ReadDir("/big", cookie, func(e DirEntry) bool {
			got[e.Name] = e.Ino
			order = append(order, e.Name)
			cookie = e.Cookie + 1
			n++
			return n < 50 // force pagination
		})
		require.NoError(t, err)
		if n < 50 {
			break
		}
	}

	require.GreaterOrEqual(t, len(order), 2)
	assert.Equal(t, ".", order[0])
	assert.Equal(t, "..", order[1])

	delete(got, ".")
	delete(got, "..")
	assert.Equal(t, want, got)

	// Every name must still resolve through lookup.
	for name, ino := range want {
		found, err := m.LookupPath("/big/" + name)
		require.NoError(t, err, name)
		assert.Equal(t, ino, found, name)
	}
}

func TestReadonlyMount(t *testing.T) {
	img := mkTestImage(t)
	m, err := MountDevice(img, MountOptions{})
	require.NoError(t, err)
	defer m.Unmount()

	assert.True(t, m.IsReadOnly())
	err = m.Create("/z", 0o644)
	assert.Equal(t, syscall.EROFS, types.ErrnoOf(err))

	_, err = m.Stat("/")
	assert.NoError(t, err)
}

func TestRemountSeesCommittedState(t *testing.T) {
	img := mkTestImage(t)
	m, err := MountDevice(img, MountOptions{ReadWrite: true})
	require.NoError(t, err)

	require.NoError(t, m.Mkdir("/persist", 0o755))
	require.NoError(t, m.Create("/persist/file", 0o644))
	_, err = m.WriteFile("/persist/file", []byte("durable"), 0)
	require.NoError(t, err)
	require.NoError(t, m.Unmount())

	// Remount the same image cold, as after a restart.
	m2, err := MountDevice(device.NewMemDeviceFrom(img.Bytes(), false),
		MountOptions{ReadWrite: true})
	require.NoError(t, err)
	defer m2.Unmount()

	buf := make([]byte, 7)
	_, err = m2.ReadFile("/persist/file", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), buf)

	st, err := m2.Stat("/persist")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), st.Nlink)
}

func TestFreeSpaceAccounting(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	before := m.StatVFS()
	require.NoError(t, m.Create("/space", 0o644))
	_, err := m.WriteFile("/space", bytes.Repeat([]byte("b"), 4*tBlockSize), 0)
	require.NoError(t, err)

	mid := m.StatVFS()
	assert.Equal(t, before.BlocksFree-4, mid.BlocksFree)

	require.NoError(t, m.Unlink("/space"))
	after := m.StatVFS()
	assert.Equal(t, before.BlocksFree, after.BlocksFree)
	assert.Equal(t, before.FilesFree, after.FilesFree)
}

func TestNameLengthLimits(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	longest := string(bytes.Repeat([]byte("n"), types.MaxNameLen))
	require.NoError(t, m.Create("/"+longest, 0o644))
	_, err := m.LookupPath("/" + longest)
	assert.NoError(t, err)

	tooLong := longest + "n"
	err = m.Create("/"+tooLong, 0o644)
	assert.Equal(t, syscall.ENAMETOOLONG, types.ErrnoOf(err))
}

func TestEmptyName(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	err := m.Create("/", 0o644)
	assert.Equal(t, syscall.EINVAL, types.ErrnoOf(err))
}

func TestMknodDevice(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	require.NoError(t, m.Mknod("/dev0", types.ModeChar|0o600, 0x0501))
	st, err := m.Stat("/dev0")
	require.NoError(t, err)
	assert.Equal(t, uint16(types.ModeChar|0o600), st.Mode)
	assert.Equal(t, uint32(0x0501), st.Rdev)
}

func TestUnlinkDirectoryRefused(t *testing.T) {
	m := mountTest(t)
	defer m.Unmount()

	require.NoError(t, m.Mkdir("/d", 0o755))
	err := m.Unlink("/d")
	assert.Equal(t, syscall.EISDIR, types.ErrnoOf(err))
}

func TestUnmountIdempotent(t *testing.T) {
	m := mountTest(t)
	require.NoError(t, m.Unmount())
	require.NoError(t, m.Unmount())
}
