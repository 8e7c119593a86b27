package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDInodeCoreRoundTripV3(t *testing.T) {
	core := &DInodeCore{
		Magic:        DInodeMagic,
		Mode:         ModeReg | 0o644,
		Version:      DInodeVersion3,
		Format:       DInodeFmtExtents,
		UID:          1000,
		GID:          100,
		Nlink:        2,
		Atime:        Timestamp{Sec: 1700000000, Nsec: 123},
		Mtime:        Timestamp{Sec: 1700000100, Nsec: 456},
		Ctime:        Timestamp{Sec: 1700000200, Nsec: 789},
		Size:         123456,
		Nblocks:      31,
		Nextents:     3,
		Gen:          42,
		NextUnlinked: NullAGIno,
		Changecount:  7,
		Crtime:       Timestamp{Sec: 1600000000, Nsec: 1},
		Ino:          64,
	}
	rec := make([]byte, 512)
	SerializeDInodeCore(core, rec)

	got, err := DeserializeDInodeCore(rec)
	require.NoError(t, err)
	assert.Equal(t, core, got)
}

func TestDInodeCoreRoundTripBigtime(t *testing.T) {
	core := &DInodeCore{
		Magic:        DInodeMagic,
		Mode:         ModeDir | 0o755,
		Version:      DInodeVersion3,
		Format:       DInodeFmtLocal,
		Nlink:        2,
		Flags2:       DIFlag2Bigtime,
		Atime:        Timestamp{Sec: 1700000000, Nsec: 999999999},
		Mtime:        Timestamp{Sec: -10, Nsec: 5},
		Ctime:        Timestamp{Sec: 0, Nsec: 0},
		Crtime:       Timestamp{Sec: 1700000001, Nsec: 1},
		NextUnlinked: NullAGIno,
		Ino:          128,
	}
	rec := make([]byte, 512)
	SerializeDInodeCore(core, rec)

	got, err := DeserializeDInodeCore(rec)
	require.NoError(t, err)
	assert.Equal(t, core.Atime, got.Atime)
	assert.Equal(t, core.Mtime, got.Mtime)
	assert.Equal(t, core.Ctime, got.Ctime)
	assert.Equal(t, core.Crtime, got.Crtime)
}

func TestDInodeCoreRoundTripV2(t *testing.T) {
	core := &DInodeCore{
		Magic:        DInodeMagic,
		Mode:         ModeLink | 0o777,
		Version:      DInodeVersion2,
		Format:       DInodeFmtLocal,
		Nlink:        1,
		Size:         12,
		NextUnlinked: NullAGIno,
	}
	rec := make([]byte, 256)
	SerializeDInodeCore(core, rec)

	got, err := DeserializeDInodeCore(rec)
	require.NoError(t, err)
	assert.Equal(t, core, got)
	assert.Equal(t, DInodeCoreSizeV2, got.LiteralOffset())
}

func TestDInodeBadMagic(t *testing.T) {
	rec := make([]byte, 256)
	_, err := DeserializeDInodeCore(rec)
	assert.Error(t, err)
}

func TestForkGeometry(t *testing.T) {
	core := &DInodeCore{Version: DInodeVersion3}
	assert.Equal(t, DInodeCoreSizeV3, core.LiteralOffset())
	assert.Equal(t, 512-DInodeCoreSizeV3, core.DataForkSize(512))
	assert.Equal(t, -1, core.AttrForkOffset())
	assert.Equal(t, 0, core.AttrForkSize(512))

	// A fork offset of 15 (8-byte units) splits the literal area.
	core.Forkoff = 15
	assert.Equal(t, 120, core.DataForkSize(512))
	assert.Equal(t, DInodeCoreSizeV3+120, core.AttrForkOffset())
	assert.Equal(t, 512-DInodeCoreSizeV3-120, core.AttrForkSize(512))
}

func TestModeHelpers(t *testing.T) {
	assert.True(t, (&DInodeCore{Mode: ModeDir | 0o755}).IsDir())
	assert.True(t, (&DInodeCore{Mode: ModeReg | 0o644}).IsReg())
	assert.True(t, (&DInodeCore{Mode: ModeLink | 0o777}).IsLink())
	assert.True(t, (&DInodeCore{Mode: ModeChar | 0o600}).IsDev())
	assert.True(t, (&DInodeCore{Mode: ModeBlock | 0o600}).IsDev())
	assert.False(t, (&DInodeCore{Mode: ModeReg}).IsDev())
}
