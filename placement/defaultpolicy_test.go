package placement_test

import (
	"testing"

	"github.com/dargueta/splitfat/errors"
	"github.com/dargueta/splitfat/fatengine"
	"github.com/dargueta/splitfat/layout"
	"github.com/dargueta/splitfat/placement"
	"github.com/dargueta/splitfat/splitfattest"
	"github.com/dargueta/splitfat/volmanager"
	"github.com/stretchr/testify/require"
)

// fillBlock marks every cluster in blockIndex as an occupied, single-cluster
// chain, simulating a block with no free space left.
func fillBlock(t *testing.T, vm *volmanager.Manager, blockIndex uint32) {
	t.Helper()
	clustersPerBlock := vm.Geometry().ClustersPerBlock()
	start := layout.ClusterIndex(blockIndex * clustersPerBlock)
	for i := uint32(0); i < clustersPerBlock; i++ {
		cluster := start + layout.ClusterIndex(i)
		cell := fatengine.NewChainCell(layout.InvalidCluster, layout.InvalidCluster, true, true, 0, 0, true)
		require.Nil(t, vm.SetFATCell(cluster, cell))
	}
}

func newTestManager(t *testing.T) *volmanager.Manager {
	t.Helper()
	geometry := layout.NewDefault()
	geometry.ClusterSize = 16
	geometry.BytesPerBlock = 16 * 4 // 4 clusters per block
	geometry.MaxBlocksCount = 8
	geometry.FirstFileDataBlockIndex = 1

	vm := volmanager.New(splitfattest.NewMemoryOpener(), &geometry)
	require.Nil(t, vm.CreateIfDoesNotExist())
	require.Nil(t, vm.AllocateBlockByIndex(1))
	require.Nil(t, vm.AllocateBlockByIndex(2))
	return vm
}

// recordingMover performs a minimal cluster relocation (content + FAT cell,
// no owning-chain patchup) so DefaultPolicy's defragmentation path can be
// exercised without depending on package vfs.
func recordingMover(t *testing.T, vm *volmanager.Manager, calls *[][2]layout.ClusterIndex) placement.ClusterMover {
	return func(source, dest layout.ClusterIndex) errors.Error {
		*calls = append(*calls, [2]layout.ClusterIndex{source, dest})

		buf := make([]byte, vm.Geometry().ClusterSize)
		if err := vm.ReadCluster(source, buf); err != nil {
			return err
		}
		if err := vm.WriteCluster(dest, buf); err != nil {
			return err
		}

		srcCell, err := vm.GetFATCell(source)
		if err != nil {
			return err
		}
		if err := vm.SetFATCell(dest, srcCell); err != nil {
			return err
		}
		return vm.SetFATCell(source, fatengine.FreeCell())
	}
}

func TestDefaultPolicy_PrefersBlockWithMostFreeClusters(t *testing.T) {
	vm := newTestManager(t)
	fillBlock(t, vm, 1) // block 1 is full, block 2 is untouched (all free)

	var calls [][2]layout.ClusterIndex
	policy := placement.NewDefaultPolicy(vm, recordingMover(t, vm, &calls))

	require.Nil(t, policy.PrepareForWriteTransaction())
	require.True(t, policy.IsActive())
	require.Equal(t, uint32(2), policy.SelectedBlockIndex())

	cluster, err := policy.FindFreeCluster(true)
	require.Nil(t, err)
	require.GreaterOrEqual(t, uint32(cluster), uint32(2)*vm.Geometry().ClustersPerBlock())
}

func TestDefaultPolicy_DefragmentsDegradedBlockAtTransactionEnd(t *testing.T) {
	vm := newTestManager(t)
	fillBlock(t, vm, 1) // degraded: 0 free out of 4

	var calls [][2]layout.ClusterIndex
	policy := placement.NewDefaultPolicy(vm, recordingMover(t, vm, &calls))

	require.Nil(t, policy.PrepareForWriteTransaction())
	require.Equal(t, uint32(2), policy.SelectedBlockIndex())

	// Simulate one cluster actually being allocated from the preferred
	// block during the transaction, so fixDegradedBlock has a budget.
	cluster, err := policy.FindFreeCluster(true)
	require.Nil(t, err)
	require.Nil(t, vm.SetFATCell(cluster, fatengine.NewChainCell(layout.InvalidCluster, layout.InvalidCluster, true, true, 0, 0, true)))

	require.Nil(t, policy.PerformDefragmentationOnTransactionEnd())
	require.Len(t, calls, 1)
	require.Equal(t, uint32(1), uint32(calls[0][0])/vm.Geometry().ClustersPerBlock())
	require.Equal(t, uint32(2), uint32(calls[0][1])/vm.Geometry().ClustersPerBlock())
}

func TestDefaultPolicy_NoErrorsWhenNothingDegraded(t *testing.T) {
	vm := newTestManager(t)
	// Neither block is full; nothing should need defragmenting, but the
	// allocator should still pick the roomiest block.
	policy := placement.NewDefaultPolicy(vm, recordingMover(t, vm, &[][2]layout.ClusterIndex{}))

	require.Nil(t, policy.PrepareForWriteTransaction())
	require.Nil(t, policy.PerformDefragmentationOnTransactionEnd())
}
