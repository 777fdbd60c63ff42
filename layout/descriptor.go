package layout

import (
	"bytes"
	"encoding/binary"

	"github.com/dargueta/splitfat/errors"
	"github.com/noxer/bytewriter"
)

// Flags is the VolumeDescriptor's bitfield of volume-wide options.
type Flags uint32

const (
	FlagDefault Flags = 0
	// FlagSingleFileVolume indicates the FAT region and cluster-data region
	// are interleaved in a single host file rather than two.
	FlagSingleFileVolume Flags = 1 << 0
	// FlagScratchBlockSupport indicates block virtualization (C7) is
	// active for this volume.
	FlagScratchBlockSupport Flags = 1 << 1
)

func (f Flags) IsSingleFile() bool       { return f&FlagSingleFileVolume != 0 }
func (f Flags) HasScratchBlock() bool    { return f&FlagScratchBlockSupport != 0 }

const (
	// Magic is the fixed verification code at offset 0 of the FAT file.
	Magic uint32 = 0x5FA7C0DE
	// CurrentVersion is the on-disk format version this package writes.
	CurrentVersion uint32 = 7
	// MinSupportedUpgradeVersion is the oldest version Open will still
	// recognize well enough to run the 6->7 upgrade path on (spec §4.4).
	MinSupportedUpgradeVersion uint32 = 6

	// DefaultClusterSize is 8 KiB, the default cluster size (spec §3).
	DefaultClusterSize uint32 = 8 * 1024
	// DefaultBytesPerBlock is 256 MiB, the default block size (spec §3).
	DefaultBytesPerBlock uint32 = 256 * 1024 * 1024
	// DefaultFileDataBlocks is the number of file-data blocks a version-7
	// volume is created with (TOTAL_BLOCKS_COUNT_VERSION_7 in the original).
	DefaultFileDataBlocks uint32 = 24
	// DirectoryBlockIndex is always block 0.
	DirectoryBlockIndex uint32 = 0
	// DefaultFirstFileDataBlockIndex is the first block index usable for
	// file data; block 0 is reserved for the root directory chain.
	DefaultFirstFileDataBlockIndex uint32 = 1

	// ExtraParametersSize is the fixed size of the reserved region overlaying
	// the two block-virtualization descriptors (spec §3).
	ExtraParametersSize = 512

	// FileDescriptorRecordSize is the fixed size of one on-disk directory
	// record (spec §3).
	FileDescriptorRecordSize uint32 = 256
	// MaxFileNameLength is the number of bytes reserved for an entity name.
	MaxFileNameLength uint32 = 128
)

// Descriptor is the fixed VolumeDescriptor stored at offset 0 of the FAT
// file (spec §3/§4.4). Most fields are immutable for the life of the
// volume; ExtraParameters is the one field updated in place (by the block
// virtualization swap).
type Descriptor struct {
	Magic                   uint32
	Version                 uint32
	ClusterSize             uint32
	BytesPerBlock           uint32
	MaxBlocksCount          uint32
	FirstFileDataBlockIndex uint32
	Flags                   Flags
	FileDescriptorRecordSize uint32
	MaxFileNameLength       uint32

	// ExtraParameters holds the raw bytes of the 512-byte reserved region.
	// Package virtualization encodes/decodes its two Descriptor values into
	// and out of this buffer; layout doesn't interpret the bytes itself, to
	// avoid an import cycle (virtualization needs no knowledge of the
	// volume descriptor, and layout needs no knowledge of the
	// block-virtualization wire format).
	ExtraParameters [ExtraParametersSize]byte
}

// NewDefault returns a Descriptor initialized with the documented defaults:
// 8 KiB clusters, 256 MiB blocks, 24 file-data blocks plus the directory
// block (spec §3, "End-to-end scenarios").
func NewDefault() Descriptor {
	return Descriptor{
		Magic:                    Magic,
		Version:                  CurrentVersion,
		ClusterSize:              DefaultClusterSize,
		BytesPerBlock:            DefaultBytesPerBlock,
		MaxBlocksCount:           DefaultFileDataBlocks + 1,
		FirstFileDataBlockIndex:  DefaultFirstFileDataBlockIndex,
		Flags:                    FlagScratchBlockSupport,
		FileDescriptorRecordSize: FileDescriptorRecordSize,
		MaxFileNameLength:        MaxFileNameLength,
	}
}

// ClustersPerBlock returns clusters_per_block = bytes_per_block / cluster_size.
func (d *Descriptor) ClustersPerBlock() uint32 {
	return d.BytesPerBlock / d.ClusterSize
}

// VerifyConsistency checks only the magic number; deeper checks (chain
// walking, CRC verification) are deferred to the recovery path per spec §4.4.
func (d *Descriptor) VerifyConsistency() bool {
	return d.Magic == Magic
}

// descriptorEncodedSize is the fixed byte size of everything in Descriptor
// except ExtraParameters: nine 4-byte fields (Magic, Version, ClusterSize,
// BytesPerBlock, MaxBlocksCount, FirstFileDataBlockIndex, Flags,
// FileDescriptorRecordSize, MaxFileNameLength).
const descriptorEncodedSize = 4 * 9

// Encode serializes the descriptor, including the raw ExtraParameters
// bytes, the way file_systems/unixv1/format.go builds a fixed-layout image:
// a bytewriter over a preallocated slice fed through binary.Write field by
// field.
func (d *Descriptor) Encode() ([]byte, error) {
	buf := make([]byte, descriptorEncodedSize+ExtraParametersSize)
	writer := bytewriter.New(buf)

	fields := []any{
		d.Magic,
		d.Version,
		d.ClusterSize,
		d.BytesPerBlock,
		d.MaxBlocksCount,
		d.FirstFileDataBlockIndex,
		uint32(d.Flags),
		d.FileDescriptorRecordSize,
		d.MaxFileNameLength,
	}
	for _, f := range fields {
		if err := binary.Write(writer, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	if _, err := writer.Write(d.ExtraParameters[:]); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode populates the descriptor from its on-disk encoding.
func (d *Descriptor) Decode(buf []byte) errors.Error {
	if len(buf) < descriptorEncodedSize+ExtraParametersSize {
		return errors.ErrCorruption.WithMessage("volume descriptor buffer too short")
	}
	reader := bytes.NewReader(buf)

	targets := []any{
		&d.Magic,
		&d.Version,
		&d.ClusterSize,
		&d.BytesPerBlock,
		&d.MaxBlocksCount,
		&d.FirstFileDataBlockIndex,
	}
	for _, t := range targets {
		if err := binary.Read(reader, binary.LittleEndian, t); err != nil {
			return errors.ErrIO.WrapError(err)
		}
	}
	var flags uint32
	if err := binary.Read(reader, binary.LittleEndian, &flags); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	d.Flags = Flags(flags)

	if err := binary.Read(reader, binary.LittleEndian, &d.FileDescriptorRecordSize); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	if err := binary.Read(reader, binary.LittleEndian, &d.MaxFileNameLength); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	if _, err := reader.Read(d.ExtraParameters[:]); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	return nil
}

// EncodedSize is the total fixed size of a Descriptor's on-disk encoding.
const EncodedSize = descriptorEncodedSize + ExtraParametersSize

// UpgradeFrom6To7 rewrites MaxBlocksCount and clamps the allocated counts
// for a version-6 volume being upgraded in place (spec §4.4).
func UpgradeFrom6To7(d *Descriptor, cd *ControlData) {
	d.Version = CurrentVersion
	d.MaxBlocksCount = DefaultFileDataBlocks + 1
	d.Flags |= FlagScratchBlockSupport
	if cd.CountAllocatedFATBlocks > d.MaxBlocksCount {
		cd.CountAllocatedFATBlocks = d.MaxBlocksCount
	}
	if cd.CountAllocatedDataBlocks > d.MaxBlocksCount {
		cd.CountAllocatedDataBlocks = d.MaxBlocksCount
	}
}
