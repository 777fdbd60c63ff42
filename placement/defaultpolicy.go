package placement

import (
	"encoding/binary"

	"github.com/dargueta/splitfat/errors"
	"github.com/dargueta/splitfat/layout"
	"github.com/dargueta/splitfat/volmanager"
)

// invalidBlockIndex mirrors BlockIndexValues::INVALID_VALUE: no block index
// ever legitimately reaches this value, since MaxBlocksCount is always far
// smaller.
const invalidBlockIndex = ^uint32(0)

// DefaultPolicy is the stock placement policy: prefer allocating from the
// file-data block with the most free clusters, quantized (via
// volmanager.Manager.GetMaxCountFreeClustersInABlock) so that two
// nearly-full blocks don't keep trading preference back and forth; and once
// a block drops below half-free, track it as a defragmentation candidate
// and, at transaction end, move live clusters from it into the preferred
// block: no more than the preferred block gave up to allocations during the
// transaction, and no more than it takes to bring the degraded block back
// to half-free.
//
// Grounded on WindowsDataPlacementStrategy::prepareForWriteTransaction /
// findBlockForOptimization / fixDegradedBlock / calculateDegradationScore
// (original_source/SplitFAT/test/src/WindowsDataPlacementStrategy.cpp).
// defragmentFullBlock is a no-op in that source ("TODO: Implement it") and
// stays unimplemented here too.
type DefaultPolicy struct {
	vm   *volmanager.Manager
	move ClusterMover

	isActive        bool
	maxFreeClusters uint32
	blockFound      uint32

	hasJob        bool
	jobBlockIndex uint32
}

// NewDefaultPolicy binds the policy to vm, using mover to relocate cluster
// content during defragmentation.
func NewDefaultPolicy(vm *volmanager.Manager, mover ClusterMover) *DefaultPolicy {
	return &DefaultPolicy{
		vm:            vm,
		move:          mover,
		blockFound:    invalidBlockIndex,
		jobBlockIndex: invalidBlockIndex,
	}
}

func (p *DefaultPolicy) IsActive() bool { return p.isActive }

// SelectedBlockIndex returns the block PrepareForWriteTransaction last
// preferred for new allocations, or invalidBlockIndex if none qualified.
func (p *DefaultPolicy) SelectedBlockIndex() uint32 { return p.blockFound }

// PrepareForWriteTransaction implements Policy.
func (p *DefaultPolicy) PrepareForWriteTransaction() errors.Error {
	p.isActive = false

	blockToOptimize, err := p.findBlockForOptimization()
	if err != nil {
		return err
	}

	maxFree, blockFound, err := p.vm.GetMaxCountFreeClustersInABlock(blockToOptimize)
	if err != nil {
		return err
	}
	p.maxFreeClusters = maxFree
	p.blockFound = blockFound
	p.isActive = blockFound != invalidBlockIndex && maxFree > 0

	if p.hasJob && blockToOptimize == blockFound {
		// The block we'd defragment is also the block we'd allocate from;
		// there's nothing to gain from moving clusters into itself.
		p.hasJob = false
	}
	return nil
}

// findBlockForOptimization keeps re-checking an in-progress defragmentation
// job until the target block is no longer degraded, otherwise scans all
// allocated file-data blocks for the most fragmented one under half-free.
func (p *DefaultPolicy) findBlockForOptimization() (uint32, errors.Error) {
	if p.hasJob {
		halfBlock := p.vm.Geometry().ClustersPerBlock() / 2
		free, err := p.vm.GetCountFreeClustersInBlock(p.jobBlockIndex)
		if err != nil || free >= halfBlock {
			p.hasJob = false
		}
		return p.jobBlockIndex, nil
	}

	best, err := p.scanForDegradedBlock()
	if err != nil {
		return invalidBlockIndex, err
	}
	if best != invalidBlockIndex {
		p.hasJob = true
		p.jobBlockIndex = best
	}
	return best, nil
}

// scanForDegradedBlock finds the file-data block with the highest normalized
// degradation score among those under half-free, skipping anything already
// roomy enough for other placement to sort itself out.
func (p *DefaultPolicy) scanForDegradedBlock() (uint32, errors.Error) {
	clustersPerBlock := p.vm.Geometry().ClustersPerBlock()
	halfBlock := clustersPerBlock / 2
	countBlocks := p.vm.CountAllocatedFATBlocks()

	best := invalidBlockIndex
	var bestScore float64

	for blockIndex := p.vm.FirstFileDataBlockIndex(); blockIndex < countBlocks; blockIndex++ {
		free, err := p.vm.GetCountFreeClustersInBlock(blockIndex)
		if err != nil {
			return invalidBlockIndex, err
		}
		if free >= halfBlock {
			continue
		}

		var score float64
		readErr := p.vm.ExecuteOnFATBlock(blockIndex, func(buf []byte) (bool, errors.Error) {
			score = degradationScore(buf)
			return false, nil
		})
		if readErr != nil {
			return invalidBlockIndex, readErr
		}
		if halfBlock > 0 {
			score /= float64(halfBlock)
		}
		if best == invalidBlockIndex || score > bestScore {
			bestScore = score
			best = blockIndex
		}
	}
	return best, nil
}

const cellByteSize = 8

// degradationScore averages the starting index of every occupied-to-free
// transition in a block's raw cell array: a block with free space scattered
// near the end scores higher than one with a single trailing free run
// (WindowsDataPlacementStrategy::calculateDegradationScore). Only the
// free-flag bit (bit 0 of each 8-byte cell, matching fatengine.Cell's
// flagFree) is inspected, so this stays decoupled from fatengine's Cell
// type.
func degradationScore(buf []byte) float64 {
	count := len(buf) / cellByteSize
	var sum uint64
	var intervals uint64
	lastWasOccupied := false

	for i := 0; i < count; i++ {
		raw := binary.LittleEndian.Uint64(buf[i*cellByteSize : (i+1)*cellByteSize])
		isFree := raw&1 != 0
		if lastWasOccupied && isFree {
			sum += uint64(i)
			intervals++
		}
		lastWasOccupied = !isFree
	}
	if intervals == 0 {
		return 0
	}
	return float64(sum) / float64(intervals)
}

// FindFreeCluster implements Policy.
func (p *DefaultPolicy) FindFreeCluster(useFileDataStorage bool) (layout.ClusterIndex, errors.Error) {
	if p.isActive && useFileDataStorage {
		cluster, err := p.vm.TryFindFreeClusterInBlock(p.blockFound)
		if err != nil {
			return layout.InvalidCluster, err
		}
		if cluster != layout.InvalidCluster {
			return cluster, nil
		}
		// The selected block just filled up; nothing more to offer from it
		// this transaction.
		p.isActive = false
	}
	return p.vm.TryFindFreeCluster(useFileDataStorage)
}

// PerformDefragmentationOnTransactionEnd implements Policy.
func (p *DefaultPolicy) PerformDefragmentationOnTransactionEnd() errors.Error {
	if !p.hasJob {
		return nil
	}
	return p.fixDegradedBlock(p.jobBlockIndex)
}

// fixDegradedBlock moves live clusters from blockIndex into the preferred
// block until either the preferred block's free-cluster headroom is spent
// or blockIndex reaches half-free, whichever comes first
// (WindowsDataPlacementStrategy::fixDegradedBlock).
func (p *DefaultPolicy) fixDegradedBlock(blockIndex uint32) errors.Error {
	if p.blockFound == invalidBlockIndex || blockIndex == p.blockFound {
		return nil
	}

	destFree, err := p.vm.GetCountFreeClustersInBlock(p.blockFound)
	if err != nil {
		return err
	}
	if destFree >= p.maxFreeClusters {
		// More free space appeared in the preferred block since it was
		// selected; nothing was written there, so there's no reason to
		// defragment.
		return nil
	}
	budget := p.maxFreeClusters - destFree

	clustersPerBlock := p.vm.Geometry().ClustersPerBlock()
	halfBlock := clustersPerBlock / 2
	srcFree, err := p.vm.GetCountFreeClustersInBlock(blockIndex)
	if err != nil {
		return err
	}
	if srcFree >= halfBlock {
		return nil
	}

	toMove := budget
	if need := halfBlock - srcFree; need < toMove {
		toMove = need
	}

	srcStart := layout.ClusterIndex(blockIndex * clustersPerBlock)
	destStart := layout.ClusterIndex(p.blockFound * clustersPerBlock)
	var srcLocal, destLocal uint32

	for moved := uint32(0); moved < toMove; moved++ {
		srcCluster, ok := p.findClusterInBlock(srcStart, clustersPerBlock, &srcLocal, false)
		if !ok {
			break
		}
		destCluster, ok := p.findClusterInBlock(destStart, clustersPerBlock, &destLocal, true)
		if !ok {
			break
		}
		if err := p.move(srcCluster, destCluster); err != nil {
			return err
		}
	}
	return nil
}

// findClusterInBlock scans forward from *local for the next cluster in the
// block starting at blockStart whose FAT cell is free (wantFree) or
// occupied (!wantFree), advancing *local past it so the next call resumes
// where this one left off.
func (p *DefaultPolicy) findClusterInBlock(blockStart layout.ClusterIndex, clustersPerBlock uint32, local *uint32, wantFree bool) (layout.ClusterIndex, bool) {
	for ; *local < clustersPerBlock; *local++ {
		cluster := blockStart + layout.ClusterIndex(*local)
		cell, err := p.vm.GetFATCell(cluster)
		if err == nil && cell.IsFree() == wantFree {
			*local++
			return cluster, true
		}
	}
	return layout.InvalidCluster, false
}
