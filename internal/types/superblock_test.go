package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSB() *DSuperblock {
	return &DSuperblock{
		Magicnum:   SuperblockMagic,
		Blocksize:  4096,
		Dblocks:    4096,
		Logstart:   900,
		Rootino:    64,
		Agblocks:   1024,
		Agcount:    4,
		Logblocks:  64,
		Versionnum: SBVersion5,
		Sectsize:   512,
		Inodesize:  512,
		Inopblock:  8,
		Blocklog:   12,
		Sectlog:    9,
		Inodelog:   9,
		Inopblog:   3,
		Agblklog:   10,
		Icount:     64,
		Ifree:      63,
		Fdblocks:   3000,
		FeaturesIncompat: SBFeatIncompatFtype,
	}
}

func TestSuperblockRoundTrip(t *testing.T) {
	sb := sampleSB()
	buf := make([]byte, 512)
	require.NoError(t, SerializeSuperblock(sb, buf))

	got, err := DeserializeSuperblock(buf)
	require.NoError(t, err)
	assert.Equal(t, sb, got)
}

func TestSuperblockValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*DSuperblock)
	}{
		{"bad magic", func(sb *DSuperblock) { sb.Magicnum = 0x12345678 }},
		{"bad version", func(sb *DSuperblock) { sb.Versionnum = 3 }},
		{"in progress", func(sb *DSuperblock) { sb.Inprogress = 1 }},
		{"external log", func(sb *DSuperblock) { sb.Logstart = 0 }},
		{"realtime section", func(sb *DSuperblock) { sb.Rextents = 10 }},
		{"block size mismatch", func(sb *DSuperblock) { sb.Blocksize = 5000 }},
		{"no AGs", func(sb *DSuperblock) { sb.Agcount = 0 }},
		{"unknown incompat", func(sb *DSuperblock) {
			sb.FeaturesIncompat |= SBFeatIncompatNeedsRepair
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sb := sampleSB()
			tc.mutate(sb)
			assert.Error(t, sb.Validate())
		})
	}
	assert.NoError(t, sampleSB().Validate())
}

func TestFeatureBits(t *testing.T) {
	sb := sampleSB()
	assert.True(t, sb.HasCRC())
	assert.True(t, sb.HasFtype())

	v4 := sampleSB()
	v4.Versionnum = SBVersion4 | SBVersionMoreBitsBit
	v4.FeaturesIncompat = 0
	assert.False(t, v4.HasCRC())
	assert.False(t, v4.HasFtype())
	v4.Features2 = SBVersion2Ftype
	assert.True(t, v4.HasFtype())
}

func TestGeometryInodeMath(t *testing.T) {
	g := NewGeometry(sampleSB())

	for _, ino := range []Ino{64, 65, 127, 8192 + 64} {
		agno := g.InoToAG(ino)
		agino := g.InoToAGIno(ino)
		assert.Equal(t, ino, g.MakeIno(agno, agino), "ino %d", ino)
	}

	// Inode 64 sits at AG block 8, slot 0.
	assert.Equal(t, AGNumber(0), g.InoToAG(64))
	assert.Equal(t, AGBlock(8), g.InoToAGBlock(64))
	assert.Equal(t, uint32(0), g.InoToOffset(64))
	assert.Equal(t, uint32(1), g.InoToOffset(65))

	daddr, off := g.InodeDaddr(65)
	assert.Equal(t, Daddr(8*8), daddr) // block 8 in 512-byte sectors
	assert.Equal(t, int(g.InodeSize), off)
}

func TestGeometryBlockMath(t *testing.T) {
	g := NewGeometry(sampleSB())

	// Second AG starts 1024 blocks in; the packed FSB encoding carries the
	// AG in the high bits.
	fsb := g.MakeFSB(1, 5)
	assert.Equal(t, AGNumber(1), g.FSBToAG(fsb))
	assert.Equal(t, AGBlock(5), g.FSBToAGBlock(fsb))
	assert.Equal(t, Daddr((1024+5)*8), g.FSBToDaddr(fsb))

	assert.Equal(t, uint64(0), g.BToFSB(0))
	assert.Equal(t, uint64(1), g.BToFSB(1))
	assert.Equal(t, uint64(1), g.BToFSB(4096))
	assert.Equal(t, uint64(2), g.BToFSB(4097))
	assert.Equal(t, uint64(0), g.BToFSBT(4095))
	assert.Equal(t, uint64(1), g.BToFSBT(4096))
}
