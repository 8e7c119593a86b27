package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtentPackUnpack(t *testing.T) {
	cases := []Extent{
		{FileOff: 0, StartBlock: 16, BlockCount: 1},
		{FileOff: 12345, StartBlock: 1 << 40, BlockCount: (1 << 21) - 1},
		{FileOff: (1 << 54) - 1, StartBlock: (1 << 52) - 1, BlockCount: 7, State: ExtentUnwritten},
		{FileOff: 1, StartBlock: 0x1ff<<43 | 42, BlockCount: 100},
	}
	buf := make([]byte, BmbtRecSize)
	for _, e := range cases {
		PackExtent(buf, 0, e)
		got := UnpackExtent(buf, 0)
		assert.Equal(t, e, got)
	}
}

func TestExtentEnd(t *testing.T) {
	e := Extent{FileOff: 10, BlockCount: 5}
	assert.Equal(t, FileOff(15), e.End())
}

func TestUnwrittenBitIsolated(t *testing.T) {
	buf := make([]byte, BmbtRecSize)
	PackExtent(buf, 0, Extent{FileOff: 3, StartBlock: 9, BlockCount: 2})
	normal := UnpackExtent(buf, 0)
	PackExtent(buf, 0, Extent{FileOff: 3, StartBlock: 9, BlockCount: 2, State: ExtentUnwritten})
	unwritten := UnpackExtent(buf, 0)

	assert.Equal(t, normal.FileOff, unwritten.FileOff)
	assert.Equal(t, normal.StartBlock, unwritten.StartBlock)
	assert.Equal(t, normal.BlockCount, unwritten.BlockCount)
	assert.Equal(t, ExtentNormal, normal.State)
	assert.Equal(t, ExtentUnwritten, unwritten.State)
}
