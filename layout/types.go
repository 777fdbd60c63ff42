// Package layout defines the persistent, fixed-offset structures of a
// SplitFAT volume: the VolumeDescriptor and VolumeControlData (spec §3, C4),
// plus the primitive index types every other package in the module builds
// on. Keeping these in one leaf package (with no imports from the rest of
// the engine) is what lets fatengine, clusterstore, virtualization,
// translog, volmanager, vfs, and placement all depend on it without cycles.
package layout

// ClusterIndex identifies a cluster within the volume's single flat cluster
// address space (directory-block clusters and file-data-block clusters
// share this numbering).
type ClusterIndex uint32

// InvalidCluster is the sentinel meaning "no cluster" (empty chain, free
// cell half that isn't a sibling pointer, etc).
const InvalidCluster ClusterIndex = 0xFFFFFFFF

// BlockIndex identifies a FAT block / data block pair. Block 0 is always
// the directory block.
type BlockIndex uint32

// FilePosition is a byte offset into a file's logical content, or into one
// of the host ByteFiles backing the volume.
type FilePosition int64

// FileSize is the logical size of a file's content, in bytes.
type FileSize int64

// DescriptorLocation pins down where a FileDescriptorRecord lives: which
// directory cluster chain it's in, which cluster of that chain holds it,
// and which record slot within that cluster (spec §3, "FileDescriptorLocation").
type DescriptorLocation struct {
	DirectoryStartCluster ClusterIndex
	DescriptorCluster     ClusterIndex
	RecordIndex           uint32
}

// IsValid reports whether the location names a real record slot.
func (loc DescriptorLocation) IsValid() bool {
	return loc.DescriptorCluster != InvalidCluster
}
