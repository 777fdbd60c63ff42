package fatengine_test

import (
	"testing"

	"github.com/dargueta/splitfat/errors"
	"github.com/dargueta/splitfat/fatengine"
	"github.com/dargueta/splitfat/layout"
	"github.com/dargueta/splitfat/splitfattest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGeometry() *layout.Descriptor {
	d := layout.NewDefault()
	d.ClusterSize = 64
	d.BytesPerBlock = 64 * 8 // 8 clusters per block
	d.MaxBlocksCount = 4
	return &d
}

func TestManager_AllocateAndFindFreeCluster(t *testing.T) {
	geometry := newTestGeometry()
	file := splitfattest.NewMemoryFile(0)
	mgr := fatengine.New(geometry, file, 0)

	require.Nil(t, mgr.AllocateFATBlock(0))
	assert.Equal(t, uint32(1), mgr.CountAllocatedBlocks())

	cluster, err := mgr.TryFindFreeClusterInBlock(0)
	require.Nil(t, err)
	assert.Equal(t, layout.ClusterIndex(0), cluster)
}

func TestManager_SetAndGetRoundTripsThroughDisk(t *testing.T) {
	geometry := newTestGeometry()
	file := splitfattest.NewMemoryFile(0)
	mgr := fatengine.New(geometry, file, 0)
	require.Nil(t, mgr.AllocateFATBlock(0))

	cell := fatengine.NewChainCell(
		layout.InvalidCluster, layout.InvalidCluster,
		true, true, layout.ClusterIndex(1), 0xCAFE, true,
	)
	require.Nil(t, mgr.Set(layout.ClusterIndex(3), cell))
	require.Nil(t, mgr.Flush())

	// A brand-new manager over the same file must see the persisted cell.
	reopened := fatengine.New(geometry, file, 1)
	got, err := reopened.Get(layout.ClusterIndex(3))
	require.Nil(t, err)
	assert.Equal(t, cell, got)
}

func TestManager_PreImageLoggedOnlyOnFirstModification(t *testing.T) {
	geometry := newTestGeometry()
	file := splitfattest.NewMemoryFile(0)
	mgr := fatengine.New(geometry, file, 0)
	require.Nil(t, mgr.AllocateFATBlock(0))

	var logCalls int
	mgr.BeginTransaction(func(blockIndex uint32, preImage []byte) errors.Error {
		logCalls++
		return nil
	})

	cellA := fatengine.NewChainCell(layout.InvalidCluster, layout.InvalidCluster, true, true, 1, 0, true)
	cellB := fatengine.NewChainCell(layout.InvalidCluster, layout.InvalidCluster, true, true, 2, 0, true)

	require.Nil(t, mgr.Set(layout.ClusterIndex(0), cellA))
	require.Nil(t, mgr.Set(layout.ClusterIndex(1), cellB))

	assert.Equal(t, 1, logCalls, "pre-image should only be logged once per block per transaction")
}

func TestManager_GetMaxCountFreeClustersInABlock_PrefersEmptiestBlock(t *testing.T) {
	geometry := newTestGeometry()
	geometry.FirstFileDataBlockIndex = 0
	file := splitfattest.NewMemoryFile(0)
	mgr := fatengine.New(geometry, file, 0)

	require.Nil(t, mgr.AllocateFATBlock(0))
	require.Nil(t, mgr.AllocateFATBlock(1))

	// Fill most of block 0, leave block 1 empty.
	for i := uint32(0); i < 7; i++ {
		cell := fatengine.NewChainCell(layout.InvalidCluster, layout.InvalidCluster, true, true, 0, 0, true)
		require.Nil(t, mgr.Set(layout.ClusterIndex(i), cell))
	}

	maxFree, blockIndex, err := mgr.GetMaxCountFreeClustersInABlock(^uint32(0))
	require.Nil(t, err)
	assert.Equal(t, uint32(1), blockIndex)
	assert.Equal(t, uint32(8), maxFree)
}
