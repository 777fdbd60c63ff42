// Package vfs implements the virtual file system layer of a SplitFAT volume
// (spec §4.10, C10): directory entries, path resolution, cluster-chain
// growth/shrink/move, and the read/write/seek semantics a FileManipulator
// exposes to callers.
//
// Grounded on original_source/SplitFAT/include/SplitFAT/FileDescriptorRecord.h
// (the on-disk record this package's Record mirrors) and
// VirtualFileSystem.h/.cpp (directory iteration, cluster-chain algorithms,
// move_cluster). The encode/decode style follows layout.Descriptor's
// bytewriter-over-a-fixed-buffer approach.
package vfs

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/dargueta/splitfat/errors"
	"github.com/dargueta/splitfat/layout"
	"github.com/noxer/bytewriter"
)

// Attribute is the FileDescriptorRecord attribute bitmask (spec §4.10,
// "FileAttributes").
type Attribute uint32

const (
	AttrFile    Attribute = 1 << 0
	AttrBinary  Attribute = 1 << 1
	AttrDeleted Attribute = 1 << 2
	AttrHidden  Attribute = 1 << 3
)

func (a Attribute) IsFile() bool      { return a&AttrFile != 0 }
func (a Attribute) IsDirectory() bool { return a&AttrFile == 0 }
func (a Attribute) IsDeleted() bool   { return a&AttrDeleted != 0 }
func (a Attribute) IsHidden() bool    { return a&AttrHidden != 0 }
func (a Attribute) IsBinary() bool    { return a&AttrBinary != 0 }

// recordEncodedSize is the portion of Record actually serialized; the
// remainder up to layout.FileDescriptorRecordSize is reserved padding, kept
// so a future field can be added without changing the directory cluster's
// record-per-cluster arithmetic.
const recordEncodedSize = int(layout.MaxFileNameLength) + 4 + 4 + 8 + 4 + 4 + 8 + 8 + 4 + 4

// Record is one directory entry (spec §3, "FileDescriptorRecord"): a file or
// subdirectory's name, attributes, size, and its cluster chain's endpoints.
type Record struct {
	Name            string
	Attributes      Attribute
	UniqueID        uint32 // reserved, not yet used
	FileSize        layout.FileSize
	StartCluster    layout.ClusterIndex
	CRC             uint32 // reserved, not yet used
	TimeCreated     int64  // unix seconds
	TimeModified    int64  // unix seconds
	LastCluster     layout.ClusterIndex
	OldClusterTrace layout.ClusterIndex // debugging/recovery: cluster a move_cluster call vacated
}

// IsEmpty reports whether this record slot has never held an entry (an
// all-zero name), the sentinel directory iteration stops at (spec §4.10).
func (r *Record) IsEmpty() bool {
	return r.Name == ""
}

// SameName reports whether name matches this record's name, case-insensitive
// (spec §6, "case-insensitive name comparison").
func (r *Record) SameName(name string) bool {
	return strings.EqualFold(r.Name, name)
}

// Encode serializes the record into exactly layout.FileDescriptorRecordSize
// bytes.
func (r *Record) Encode() []byte {
	buf := make([]byte, layout.FileDescriptorRecordSize)
	writer := bytewriter.New(buf)

	nameBuf := make([]byte, layout.MaxFileNameLength)
	copy(nameBuf, r.Name)
	writer.Write(nameBuf)

	fields := []any{
		uint32(r.Attributes),
		r.UniqueID,
		int64(r.FileSize),
		uint32(r.StartCluster),
		r.CRC,
		r.TimeCreated,
		r.TimeModified,
		uint32(r.LastCluster),
		uint32(r.OldClusterTrace),
	}
	for _, f := range fields {
		binary.Write(writer, binary.LittleEndian, f)
	}
	return buf
}

// Decode populates the record from its on-disk encoding.
func (r *Record) Decode(buf []byte) errors.Error {
	if len(buf) < int(layout.FileDescriptorRecordSize) {
		return errors.ErrCorruption.WithMessage("file descriptor record buffer too short")
	}

	nameBuf := buf[:layout.MaxFileNameLength]
	end := bytes.IndexByte(nameBuf, 0)
	if end < 0 {
		end = len(nameBuf)
	}
	r.Name = string(nameBuf[:end])

	reader := bytes.NewReader(buf[layout.MaxFileNameLength:])
	var attrs uint32
	var startCluster, lastCluster, oldClusterTrace uint32
	var fileSize int64

	if err := binary.Read(reader, binary.LittleEndian, &attrs); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	r.Attributes = Attribute(attrs)
	if err := binary.Read(reader, binary.LittleEndian, &r.UniqueID); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	if err := binary.Read(reader, binary.LittleEndian, &fileSize); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	r.FileSize = layout.FileSize(fileSize)
	if err := binary.Read(reader, binary.LittleEndian, &startCluster); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	r.StartCluster = layout.ClusterIndex(startCluster)
	if err := binary.Read(reader, binary.LittleEndian, &r.CRC); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	if err := binary.Read(reader, binary.LittleEndian, &r.TimeCreated); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	if err := binary.Read(reader, binary.LittleEndian, &r.TimeModified); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	if err := binary.Read(reader, binary.LittleEndian, &lastCluster); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	r.LastCluster = layout.ClusterIndex(lastCluster)
	if err := binary.Read(reader, binary.LittleEndian, &oldClusterTrace); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	r.OldClusterTrace = layout.ClusterIndex(oldClusterTrace)
	return nil
}
