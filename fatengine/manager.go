package fatengine

import (
	"sync"

	"github.com/dargueta/splitfat/bytefile"
	"github.com/dargueta/splitfat/errors"
	"github.com/dargueta/splitfat/layout"
)

// PreImageLogger receives the encoded pre-image of a whole FAT block's cell
// array the first time it's modified inside an open transaction (spec §5.2,
// "FAT_BLOCK_CHANGED" event).
type PreImageLogger func(blockIndex uint32, preImage []byte) errors.Error

// Manager owns the complete array of FAT blocks for a volume: the
// allocated-block count, the per-block cache, and free-cluster search.
// Grounded on FATDataManager in FAT.h/FAT.cpp; mFATBlockReadWriteMutex
// becomes blockMutex below.
type Manager struct {
	geometry *layout.Descriptor
	fatFile  bytefile.ByteFile

	blockMutex sync.RWMutex
	blocks     []*Block // nil entries are not yet cached
	allocated  uint32

	inTransaction bool
	logger        PreImageLogger
}

// New creates a Manager bound to geometry and the host file holding the FAT
// region. allocatedBlocks is the volume's current VolumeControlData count.
func New(geometry *layout.Descriptor, fatFile bytefile.ByteFile, allocatedBlocks uint32) *Manager {
	return &Manager{
		geometry:  geometry,
		fatFile:   fatFile,
		blocks:    make([]*Block, allocatedBlocks),
		allocated: allocatedBlocks,
	}
}

// CountAllocatedBlocks returns how many FAT blocks currently exist on disk.
func (m *Manager) CountAllocatedBlocks() uint32 {
	return m.allocated
}

// CanExpand reports whether another FAT block may still be allocated.
func (m *Manager) CanExpand() bool {
	return m.allocated < m.geometry.MaxBlocksCount
}

// BeginTransaction arms pre-image logging: the first Set on any given block
// after this call (until EndTransaction) logs that block's pre-modification
// cell array via logger.
func (m *Manager) BeginTransaction(logger PreImageLogger) {
	m.inTransaction = true
	m.logger = logger
}

// EndTransaction disarms pre-image logging.
func (m *Manager) EndTransaction() {
	m.inTransaction = false
	m.logger = nil
}

func (m *Manager) blockIndexForCluster(cluster layout.ClusterIndex) uint32 {
	return uint32(m.geometry.BlockIndexForCluster(cluster))
}

// updateCache ensures blockIndex is present in the cache, loading it from
// disk if necessary (FATDataManager::_updateCache).
func (m *Manager) updateCache(blockIndex uint32) errors.Error {
	if blockIndex >= m.allocated {
		return errors.ErrNotFound.WithMessage("FAT block is not allocated")
	}
	m.blockMutex.RLock()
	if blockIndex < uint32(len(m.blocks)) && m.blocks[blockIndex] != nil {
		m.blockMutex.RUnlock()
		return nil
	}
	m.blockMutex.RUnlock()

	m.blockMutex.Lock()
	defer m.blockMutex.Unlock()
	if blockIndex < uint32(len(m.blocks)) && m.blocks[blockIndex] != nil {
		return nil
	}
	if blockIndex >= uint32(len(m.blocks)) {
		grown := make([]*Block, blockIndex+1)
		copy(grown, m.blocks)
		m.blocks = grown
	}

	block := NewBlock(blockIndex, m.geometry.ClustersPerBlock())
	buf := make([]byte, block.byteSize())
	offset := m.geometry.FATCellsOffset(blockIndex)
	if err := bytefile.ReadFull(m.fatFile, buf, offset); err != nil {
		return err
	}
	if err := block.Decode(buf); err != nil {
		return err
	}
	m.blocks[blockIndex] = block
	return nil
}

// Get returns the FAT cell for cluster.
func (m *Manager) Get(cluster layout.ClusterIndex) (Cell, errors.Error) {
	blockIndex := m.blockIndexForCluster(cluster)
	if blockIndex >= m.allocated {
		return FreeCell(), errors.ErrNotFound.WithMessage("cluster belongs to an unallocated FAT block")
	}
	if err := m.updateCache(blockIndex); err != nil {
		return 0, err
	}
	return m.blocks[blockIndex].Get(cluster)
}

// Set stores value for cluster, logging the block's pre-image first if this
// is the first modification of that block inside an open transaction.
func (m *Manager) Set(cluster layout.ClusterIndex, value Cell) errors.Error {
	blockIndex := m.blockIndexForCluster(cluster)
	if err := m.updateCache(blockIndex); err != nil {
		return err
	}

	block := m.blocks[blockIndex]
	if m.inTransaction && block.IsCacheInSync() && m.logger != nil {
		if err := m.logger(blockIndex, block.Encode()); err != nil {
			return err
		}
	}
	return block.Set(cluster, value)
}

// AllocateFATBlock creates and persists a fresh FAT block at blockIndex.
// blockIndex must equal the current allocated-block count: the FAT can only
// expand one block at a time (FATDataManager::allocateFATBlock).
func (m *Manager) AllocateFATBlock(blockIndex uint32) errors.Error {
	if blockIndex >= m.geometry.MaxBlocksCount {
		return errors.ErrNoSpace.WithMessage("volume cannot expand past its maximum block count")
	}
	if blockIndex < m.allocated {
		return nil
	}
	if blockIndex != m.allocated {
		return errors.ErrInvalidState.WithMessage("FAT can only expand one block at a time")
	}

	m.blockMutex.Lock()
	defer m.blockMutex.Unlock()

	block := NewBlock(blockIndex, m.geometry.ClustersPerBlock())
	var header layout.BlockControlHeader
	buf := append(header.Encode(), block.Encode()...)

	offset := m.geometry.FATBlockOffset(blockIndex)
	if err := bytefile.WriteFull(m.fatFile, buf, offset); err != nil {
		return err
	}
	block.MarkClean()

	if blockIndex >= uint32(len(m.blocks)) {
		grown := make([]*Block, blockIndex+1)
		copy(grown, m.blocks)
		m.blocks = grown
	}
	m.blocks[blockIndex] = block
	m.allocated = blockIndex + 1
	return nil
}

// TryFindFreeClusterInAllocatedBlocks scans allocated blocks for a free
// cluster, starting at block 0 for directory allocations or at
// FirstFileDataBlockIndex for file-data allocations (FATDataManager's
// "reserve block 0 for directories" correction).
func (m *Manager) TryFindFreeClusterInAllocatedBlocks(useFileDataStorage bool) (layout.ClusterIndex, errors.Error) {
	startBlock := uint32(0)
	endBlock := m.allocated
	if useFileDataStorage {
		startBlock = m.geometry.FirstFileDataBlockIndex
	} else if m.allocated > 0 {
		endBlock = m.geometry.FirstFileDataBlockIndex
	}

	for blockIndex := startBlock; blockIndex < endBlock; blockIndex++ {
		if err := m.updateCache(blockIndex); err != nil {
			return layout.InvalidCluster, err
		}
		if cluster, ok := m.blocks[blockIndex].TryFindFreeCluster(); ok {
			return cluster, nil
		}
	}
	return layout.InvalidCluster, nil
}

// TryFindFreeClusterInBlock looks for a free cluster in one specific block,
// allocating it first if it doesn't exist yet.
func (m *Manager) TryFindFreeClusterInBlock(blockIndex uint32) (layout.ClusterIndex, errors.Error) {
	if blockIndex >= m.geometry.MaxBlocksCount {
		return layout.InvalidCluster, errors.ErrInvalidArgument.WithMessage("FAT block index out of range")
	}
	if blockIndex >= m.allocated {
		if err := m.AllocateFATBlock(blockIndex); err != nil {
			return layout.InvalidCluster, err
		}
	} else if err := m.updateCache(blockIndex); err != nil {
		return layout.InvalidCluster, err
	}

	if cluster, ok := m.blocks[blockIndex].TryFindFreeCluster(); ok {
		return cluster, nil
	}
	return layout.InvalidCluster, nil
}

// GetCountFreeClusters returns the total free clusters across all allocated
// file-data blocks (block 0, the directory block, is excluded).
func (m *Manager) GetCountFreeClusters() (uint32, errors.Error) {
	var total uint32
	for blockIndex := m.geometry.FirstFileDataBlockIndex; blockIndex < m.allocated; blockIndex++ {
		if err := m.updateCache(blockIndex); err != nil {
			return 0, err
		}
		total += m.blocks[blockIndex].CountFreeClusters()
	}
	return total, nil
}

// GetCountFreeClustersInBlock returns the free-cluster count of one specific
// allocated block, used by the placement policy to re-check a candidate
// block's occupancy before and after moving clusters into it
// (FATDataManager::getCountFreeClusters(block)).
func (m *Manager) GetCountFreeClustersInBlock(blockIndex uint32) (uint32, errors.Error) {
	if blockIndex >= m.allocated {
		return 0, errors.ErrNotFound.WithMessage("FAT block is not allocated")
	}
	if err := m.updateCache(blockIndex); err != nil {
		return 0, err
	}
	return m.blocks[blockIndex].CountFreeClusters(), nil
}

// GetMaxCountFreeClustersInABlock finds the file-data block (other than
// blockIndexToSkip) with the most free clusters, quantized by
// clusters_per_block/4 so nearly-full blocks aren't repeatedly preferred
// over each other (spec §4.2). If the volume can still expand, a phantom
// "next block" with a full complement of free clusters is considered too.
// If nothing else qualifies, blockIndexToSkip itself is returned as a last
// resort (mirrors FATDataManager::getMaxCountFreeClustersInABlock).
func (m *Manager) GetMaxCountFreeClustersInABlock(blockIndexToSkip uint32) (maxFree uint32, blockIndexFound uint32, err errors.Error) {
	clustersPerBlock := m.geometry.ClustersPerBlock()
	granularity := clustersPerBlock / 4
	if granularity == 0 {
		granularity = 1
	}
	maxPossibleValue := (clustersPerBlock + granularity - 1) / granularity

	const invalidBlock = ^uint32(0)
	blockIndexFound = invalidBlock
	currentMaxValue := uint32(0)

	for blockIndex := m.geometry.FirstFileDataBlockIndex; blockIndex < m.allocated; blockIndex++ {
		if blockIndex == blockIndexToSkip {
			continue
		}
		if e := m.updateCache(blockIndex); e != nil {
			return 0, 0, e
		}
		free := m.blocks[blockIndex].CountFreeClusters()
		value := (free + granularity - 1) / granularity
		if value > currentMaxValue {
			maxFree = free
			currentMaxValue = value
			blockIndexFound = blockIndex
			if currentMaxValue == maxPossibleValue {
				break
			}
		}
	}

	if m.CanExpand() && maxFree < clustersPerBlock {
		maxFree = clustersPerBlock
		blockIndexFound = m.allocated
	}

	if maxFree == 0 && blockIndexToSkip != invalidBlock {
		if e := m.updateCache(blockIndexToSkip); e == nil {
			maxFree = m.blocks[blockIndexToSkip].CountFreeClusters()
			blockIndexFound = blockIndexToSkip
		}
	}

	return maxFree, blockIndexFound, nil
}

// Flush writes every dirty cached block back to the FAT file.
func (m *Manager) Flush() errors.Error {
	m.blockMutex.Lock()
	defer m.blockMutex.Unlock()

	for blockIndex, block := range m.blocks {
		if block == nil || block.IsCacheInSync() {
			continue
		}
		offset := m.geometry.FATCellsOffset(uint32(blockIndex))
		if err := bytefile.WriteFull(m.fatFile, block.Encode(), offset); err != nil {
			return err
		}
		block.MarkClean()
	}
	return m.fatFile.Flush()
}

// DiscardCachedChanges reloads every cached block from disk, discarding
// in-memory changes. Used by crash-injection tests to simulate losing
// unflushed writes (FATDataManager::discardCachedChanges).
func (m *Manager) DiscardCachedChanges() errors.Error {
	m.blockMutex.Lock()
	defer m.blockMutex.Unlock()

	for blockIndex, block := range m.blocks {
		if block == nil {
			continue
		}
		buf := make([]byte, block.byteSize())
		offset := m.geometry.FATCellsOffset(uint32(blockIndex))
		if err := bytefile.ReadFull(m.fatFile, buf, offset); err != nil {
			return err
		}
		if err := block.Decode(buf); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteOnBlock hands a block's raw cell array to callback for in-place
// recovery edits (translog restore), marking it dirty when callback reports
// a change (FATDataManager::executeOnBlock).
func (m *Manager) ExecuteOnBlock(blockIndex uint32, callback func([]byte) (bool, errors.Error)) errors.Error {
	if err := m.updateCache(blockIndex); err != nil {
		return err
	}
	block := m.blocks[blockIndex]
	buf := block.Encode()
	changed, err := callback(buf)
	if err != nil {
		return err
	}
	if changed {
		if err := block.Decode(buf); err != nil {
			return err
		}
		block.MarkOutOfSync()
	}
	return nil
}
