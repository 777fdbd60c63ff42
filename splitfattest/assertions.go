package splitfattest

import (
	"testing"

	"github.com/dargueta/splitfat/fatengine"
	"github.com/dargueta/splitfat/layout"
	"github.com/stretchr/testify/assert"
)

// AssertChainCell asserts that cell has exactly the expected chain-state
// flags and links, the way spec §8's "acceptance scenarios" describe
// expected FAT cell shapes ("the first cell is START, the last is END,
// both encode the record location").
func AssertChainCell(
	t *testing.T,
	cell fatengine.Cell,
	wantStart, wantEnd bool,
	wantPrev, wantNext layout.ClusterIndex,
) {
	t.Helper()
	assert.Equal(t, wantStart, cell.IsStartOfChain(), "start-of-chain flag mismatch")
	assert.Equal(t, wantEnd, cell.IsEndOfChain(), "end-of-chain flag mismatch")
	assert.False(t, cell.IsFree(), "cell should not be free")
	if !wantStart {
		assert.Equal(t, wantPrev, cell.Prev(), "prev link mismatch")
	}
	if !wantEnd {
		assert.Equal(t, wantNext, cell.Next(), "next link mismatch")
	}
}

// AssertDescriptorLocation asserts that a start or end cell encodes
// descriptorCluster as its owning directory cluster.
func AssertDescriptorLocation(t *testing.T, cell fatengine.Cell, wantCluster layout.ClusterIndex) {
	t.Helper()
	got, ok := cell.DescriptorCluster()
	assert.True(t, ok, "cell does not encode a descriptor location")
	assert.Equal(t, wantCluster, got)
}
