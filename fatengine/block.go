package fatengine

import (
	"encoding/binary"

	"github.com/dargueta/splitfat/bitset"
	"github.com/dargueta/splitfat/errors"
	"github.com/dargueta/splitfat/layout"
)

// Block is the in-memory cache of one FAT block: an array of
// clusters_per_block cells plus a free-clusters BitSet kept in sync with
// them (spec §4.2). Grounded on FATBlock in FAT.h/FAT.cpp.
type Block struct {
	blockIndex   uint32
	startCluster layout.ClusterIndex
	cells        []Cell
	free         *bitset.BitSet
	inSync       bool
}

// NewBlock creates a brand-new, fully-free Block for blockIndex.
func NewBlock(blockIndex uint32, clustersPerBlock uint32) *Block {
	b := &Block{
		blockIndex:   blockIndex,
		startCluster: layout.ClusterIndex(blockIndex * clustersPerBlock),
		cells:        make([]Cell, clustersPerBlock),
		free:         bitset.New(uint(clustersPerBlock)),
	}
	for i := range b.cells {
		b.cells[i] = FreeCell()
	}
	b.free.SetAll(true)
	b.inSync = false
	return b
}

// localIndex converts an absolute cluster index to this block's local cell
// index, the way FATBlock::getValue/setValue subtract mStartClusterIndex.
func (b *Block) localIndex(cluster layout.ClusterIndex) (uint32, errors.Error) {
	if cluster < b.startCluster || uint32(cluster) >= uint32(b.startCluster)+uint32(len(b.cells)) {
		return 0, errors.ErrInvalidArgument.WithMessage("cluster index out of range for this FAT block")
	}
	return uint32(cluster) - uint32(b.startCluster), nil
}

// Get returns the cell for cluster.
func (b *Block) Get(cluster layout.ClusterIndex) (Cell, errors.Error) {
	local, err := b.localIndex(cluster)
	if err != nil {
		return 0, err
	}
	return b.cells[local], nil
}

// Set stores value for cluster and updates the free bitset and dirty state.
func (b *Block) Set(cluster layout.ClusterIndex, value Cell) errors.Error {
	local, err := b.localIndex(cluster)
	if err != nil {
		return err
	}
	b.cells[local] = value
	b.free.Set(uint(local), value.IsFree())
	b.inSync = false
	return nil
}

// IsCacheInSync reports whether the in-memory cells match what's on disk.
func (b *Block) IsCacheInSync() bool { return b.inSync }

// MarkOutOfSync forces the block to be considered dirty, used by recovery
// restore paths that overwrite cells directly.
func (b *Block) MarkOutOfSync() { b.inSync = false }

// CountFreeClusters returns the number of free cells in this block.
func (b *Block) CountFreeClusters() uint32 {
	return uint32(b.free.CountOnes())
}

// TryFindFreeCluster returns the first free cluster in this block, if any.
func (b *Block) TryFindFreeCluster() (layout.ClusterIndex, bool) {
	local, ok := b.free.FindFirst(0, true)
	if !ok {
		return layout.InvalidCluster, false
	}
	return b.startCluster + layout.ClusterIndex(local), true
}

const cellByteSize = 8

// byteSize returns the on-disk size of this block's cell array.
func (b *Block) byteSize() int {
	return len(b.cells) * cellByteSize
}

// Decode populates the block's cells from its on-disk encoding (the cell
// array only; the caller reads/discards the BlockControlHeader) and rebuilds
// the free-clusters bitset, mirroring FATBlock::read.
func (b *Block) Decode(buf []byte) errors.Error {
	if len(buf) < b.byteSize() {
		return errors.ErrCorruption.WithMessage("FAT block buffer too short")
	}
	b.free.SetAll(false)
	for i := range b.cells {
		raw := binary.LittleEndian.Uint64(buf[i*cellByteSize : (i+1)*cellByteSize])
		cell := Cell(raw)
		b.cells[i] = cell
		if cell.IsFree() {
			b.free.Set(uint(i), true)
		}
	}
	b.inSync = true
	return nil
}

// Encode serializes the block's cell array (spec §6: FAT_BLOCK_CHANGED /
// FAT region layout both use this raw cell array).
func (b *Block) Encode() []byte {
	buf := make([]byte, b.byteSize())
	for i, cell := range b.cells {
		binary.LittleEndian.PutUint64(buf[i*cellByteSize:(i+1)*cellByteSize], uint64(cell))
	}
	return buf
}

// MarkClean records that the in-memory cells now match what's on disk.
func (b *Block) MarkClean() { b.inSync = true }
