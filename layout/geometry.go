package layout

// FATCellSize is the fixed width of one packed FAT cell (4 flag bits, 22-bit
// prev and next half-cells, and a 16-bit CRC tag; see fatengine.Cell), spec
// §3 "64-bit value with two packed half-cells".
const FATCellSize = 8

// FATRegionStart is the offset of the first FAT block's BlockControlHeader,
// immediately after the VolumeDescriptor and VolumeControlData (spec §6).
func FATRegionStart() int64 {
	return int64(EncodedSize + ControlDataEncodedSize)
}

// FATBlockByteSize returns the total on-disk size of one FAT block: its
// (currently always-zero) control header plus its cell array.
func (d *Descriptor) FATBlockByteSize() int64 {
	return int64(BlockControlHeaderSize) + int64(d.ClustersPerBlock())*FATCellSize
}

// FATBlockOffset returns the byte offset of FAT block blockIndex within the
// FAT file (spec §6: "repeated max_blocks times: BlockControlHeader + FAT
// cells array").
func (d *Descriptor) FATBlockOffset(blockIndex uint32) int64 {
	return FATRegionStart() + int64(blockIndex)*d.FATBlockByteSize()
}

// FATCellsOffset returns the byte offset of the first FAT cell of
// blockIndex, i.e. past its BlockControlHeader.
func (d *Descriptor) FATCellsOffset(blockIndex uint32) int64 {
	return d.FATBlockOffset(blockIndex) + int64(BlockControlHeaderSize)
}

// DataBlockOffset returns the byte offset of data block blockIndex within
// the cluster-data file (spec §6: "Block i starts at i * bytesPerVolumeBlock").
func (d *Descriptor) DataBlockOffset(blockIndex uint32) int64 {
	return int64(blockIndex) * int64(d.BytesPerBlock)
}

// ClusterOffsetInBlock returns the byte offset of clusterIndex's data
// relative to the start of the data block that owns it.
func (d *Descriptor) ClusterOffsetInBlock(clusterIndex ClusterIndex) int64 {
	clustersPerBlock := int64(d.ClustersPerBlock())
	posInBlock := int64(clusterIndex) % clustersPerBlock
	return posInBlock * int64(d.ClusterSize)
}

// BlockIndexForCluster returns which block owns clusterIndex.
func (d *Descriptor) BlockIndexForCluster(clusterIndex ClusterIndex) BlockIndex {
	return BlockIndex(uint32(clusterIndex) / d.ClustersPerBlock())
}

// ClusterOffsetAbsolute returns the absolute byte offset of clusterIndex
// within the (non-virtualized) cluster-data file.
func (d *Descriptor) ClusterOffsetAbsolute(clusterIndex ClusterIndex) int64 {
	blockIdx := uint32(d.BlockIndexForCluster(clusterIndex))
	return d.DataBlockOffset(blockIdx) + d.ClusterOffsetInBlock(clusterIndex)
}
