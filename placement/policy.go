// Package placement decides which file-data block new clusters are carved
// from and relocates clusters out of fragmented blocks (spec §4.11, C11).
//
// Grounded on original_source/SplitFAT/src/SplitFAT/DataPlacementStrategyBase.cpp
// (the moveCluster/getScratchBlockIndex/swapScratchBlockWithVirtualBlock
// delegations to VolumeManager and VirtualFileSystem) and
// original_source/SplitFAT/test/src/WindowsDataPlacementStrategy.cpp, the
// only concrete DataPlacementStrategyBase subclass present in the retrieved
// source and the basis for DefaultPolicy's block-selection and
// defragmentation logic.
package placement

import (
	"github.com/dargueta/splitfat/errors"
	"github.com/dargueta/splitfat/layout"
)

// ClusterMover relocates one cluster's content and FAT cell to another, free
// cluster, patching the owning chain's neighbor links and directory record.
// DefaultPolicy calls this instead of importing package vfs directly
// (vfs.FileSystem.MoveCluster satisfies it), so the two packages never form
// an import cycle: whatever wires a FileSystem to a Policy supplies the
// callback.
type ClusterMover func(source, dest layout.ClusterIndex) errors.Error

// Policy decides where new clusters land and when existing ones should be
// relocated to counteract fragmentation.
type Policy interface {
	// PrepareForWriteTransaction re-evaluates which file-data block new
	// clusters should be carved from this transaction, and picks (or keeps)
	// a degraded block to defragment once the transaction ends.
	PrepareForWriteTransaction() errors.Error

	// IsActive reports whether PrepareForWriteTransaction found a block
	// worth preferring. When false, FindFreeCluster defers entirely to the
	// volume manager's own allocation order.
	IsActive() bool

	// FindFreeCluster returns a cluster to allocate, preferring the block
	// selected by PrepareForWriteTransaction when useFileDataStorage is set.
	FindFreeCluster(useFileDataStorage bool) (layout.ClusterIndex, errors.Error)

	// PerformDefragmentationOnTransactionEnd moves clusters out of whatever
	// block was identified as degraded this transaction, if any, making
	// room there for future allocations.
	PerformDefragmentationOnTransactionEnd() errors.Error
}
