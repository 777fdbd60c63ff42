package fatengine_test

import (
	"testing"

	"github.com/dargueta/splitfat/fatengine"
	"github.com/dargueta/splitfat/layout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBlock_AllFreeInitially(t *testing.T) {
	block := fatengine.NewBlock(0, 16)
	assert.Equal(t, uint32(16), block.CountFreeClusters())
	assert.False(t, block.IsCacheInSync())

	first, ok := block.TryFindFreeCluster()
	require.True(t, ok)
	assert.Equal(t, layout.ClusterIndex(0), first)
}

func TestBlock_SetUpdatesFreeCountAndDirtiness(t *testing.T) {
	block := fatengine.NewBlock(2, 8) // clusters 16..23
	block.MarkClean()

	cell := fatengine.NewChainCell(
		layout.InvalidCluster, layout.InvalidCluster,
		true, true, layout.ClusterIndex(5), 0, true,
	)
	err := block.Set(layout.ClusterIndex(18), cell)
	require.Nil(t, err)

	assert.Equal(t, uint32(7), block.CountFreeClusters())
	assert.False(t, block.IsCacheInSync())

	got, err := block.Get(layout.ClusterIndex(18))
	require.Nil(t, err)
	assert.Equal(t, cell, got)
}

func TestBlock_SetOutOfRange(t *testing.T) {
	block := fatengine.NewBlock(0, 4)
	err := block.Set(layout.ClusterIndex(99), fatengine.FreeCell())
	require.NotNil(t, err)
}

func TestBlock_EncodeDecodeRoundTrip(t *testing.T) {
	block := fatengine.NewBlock(0, 4)
	cell := fatengine.NewChainCell(
		layout.InvalidCluster, layout.ClusterIndex(1),
		true, false, layout.ClusterIndex(9), 0xBEEF, true,
	)
	require.Nil(t, block.Set(layout.ClusterIndex(0), cell))

	encoded := block.Encode()
	assert.Len(t, encoded, 4*8)

	decoded := fatengine.NewBlock(0, 4)
	require.Nil(t, decoded.Decode(encoded))
	assert.True(t, decoded.IsCacheInSync())

	got, err := decoded.Get(layout.ClusterIndex(0))
	require.Nil(t, err)
	assert.Equal(t, cell, got)
	assert.Equal(t, uint32(3), decoded.CountFreeClusters())
}
