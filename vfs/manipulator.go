package vfs

import (
	"io"

	"github.com/dargueta/splitfat/errors"
	"github.com/dargueta/splitfat/layout"
)

// FileManipulator is a cursor over one open file: its cached directory
// record, where that record lives, the mode it was opened with, and the
// current read/write position (spec §4.10, "open -> FileManipulator").
type FileManipulator struct {
	fs       *FileSystem
	record   Record
	location layout.DescriptorLocation
	mode     AccessMode
	position layout.FilePosition
}

// Record returns a copy of the manipulator's current directory record.
func (fm *FileManipulator) Record() Record { return fm.record }

// Position returns the manipulator's current read/write offset.
func (fm *FileManipulator) Position() layout.FilePosition { return fm.position }

// Seek repositions the cursor, validating that the resulting offset is
// non-negative (spec §4.10, "seek validates non-negative final position").
func (fm *FileManipulator) Seek(offset int64, whence int) (layout.FilePosition, errors.Error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(fm.position)
	case io.SeekEnd:
		base = int64(fm.record.FileSize)
	default:
		return 0, errors.ErrInvalidArgument.WithMessage("unrecognized seek whence")
	}

	newPos := base + offset
	if newPos < 0 {
		return 0, errors.ErrInvalidArgument.WithMessage("seek would move before the start of the file")
	}
	fm.position = layout.FilePosition(newPos)
	return fm.position, nil
}

// Read fills buf from the file's content at the current position, clamping
// at end-of-file (spec §4.10, "read clamps at EOF, walks clusters").
func (fm *FileManipulator) Read(buf []byte) (int, errors.Error) {
	if !fm.mode.CanRead() {
		return 0, errors.ErrInvalidArgument.WithMessage("file was not opened for reading")
	}

	remaining := int64(fm.record.FileSize) - int64(fm.position)
	if remaining <= 0 {
		return 0, nil
	}
	toRead := int64(len(buf))
	if toRead > remaining {
		toRead = remaining
	}

	clusterSize := int64(fm.fs.vm.Geometry().ClusterSize)
	clusterBuf := make([]byte, clusterSize)
	var read int64

	for read < toRead {
		pos := int64(fm.position) + read
		cluster, err := fm.fs.getClusterForPosition(fm.record.StartCluster, layout.FilePosition(pos))
		if err != nil {
			return int(read), err
		}
		if err := fm.fs.vm.ReadCluster(cluster, clusterBuf); err != nil {
			return int(read), err
		}

		offsetInCluster := pos % clusterSize
		chunk := clusterSize - offsetInCluster
		if chunk > toRead-read {
			chunk = toRead - read
		}
		copy(buf[read:read+chunk], clusterBuf[offsetInCluster:offsetInCluster+chunk])
		read += chunk
	}

	fm.position += layout.FilePosition(read)
	return int(read), nil
}

// Write stores buf at the current position, expanding the file first if the
// write extends past its current size, and only read-modify-writes a
// cluster when the write doesn't span the whole cluster and that cluster
// has been written before; otherwise it writes outright (spec §4.10,
// "write" semantics).
func (fm *FileManipulator) Write(buf []byte) (int, errors.Error) {
	if !fm.mode.CanWrite() {
		return 0, errors.ErrInvalidArgument.WithMessage("file was not opened for writing")
	}
	if len(buf) == 0 {
		return 0, nil
	}

	if fm.mode&ModeAppend != 0 {
		fm.position = layout.FilePosition(fm.record.FileSize)
	}

	endPos := int64(fm.position) + int64(len(buf))
	if layout.FileSize(endPos) > fm.record.FileSize {
		if err := fm.fs.expandFile(&fm.record, layout.FileSize(endPos), fm.location.DescriptorCluster, true); err != nil {
			return 0, err
		}
	}

	clusterSize := int64(fm.fs.vm.Geometry().ClusterSize)
	clusterBuf := make([]byte, clusterSize)
	var written int64

	for written < int64(len(buf)) {
		pos := int64(fm.position) + written
		cluster, err := fm.fs.getClusterForPosition(fm.record.StartCluster, layout.FilePosition(pos))
		if err != nil {
			return int(written), err
		}

		offsetInCluster := pos % clusterSize
		chunk := clusterSize - offsetInCluster
		if remaining := int64(len(buf)) - written; chunk > remaining {
			chunk = remaining
		}
		spansWholeCluster := offsetInCluster == 0 && chunk == clusterSize

		if spansWholeCluster {
			copy(clusterBuf, buf[written:written+chunk])
		} else {
			cell, cerr := fm.fs.vm.GetFATCell(cluster)
			if cerr != nil {
				return int(written), cerr
			}
			if cell.IsInitialized() {
				if rerr := fm.fs.vm.ReadCluster(cluster, clusterBuf); rerr != nil {
					return int(written), rerr
				}
			} else {
				for i := range clusterBuf {
					clusterBuf[i] = 0
				}
			}
			copy(clusterBuf[offsetInCluster:offsetInCluster+chunk], buf[written:written+chunk])
		}

		if err := fm.fs.vm.WriteCluster(cluster, clusterBuf); err != nil {
			return int(written), err
		}
		written += chunk
	}

	fm.position += layout.FilePosition(written)
	return int(written), nil
}

// Truncate resizes the file to newSize, freeing clusters past the new end
// when shrinking (spec §4.10 "truncate").
func (fm *FileManipulator) Truncate(newSize layout.FileSize) errors.Error {
	if !fm.mode.CanWrite() {
		return errors.ErrInvalidArgument.WithMessage("file was not opened for writing")
	}
	if newSize > fm.record.FileSize {
		if err := fm.fs.expandFile(&fm.record, newSize, fm.location.DescriptorCluster, true); err != nil {
			return err
		}
	} else if err := fm.fs.truncate(&fm.record, newSize, false); err != nil {
		return err
	}
	if int64(fm.position) > int64(newSize) {
		fm.position = layout.FilePosition(newSize)
	}
	return fm.fs.writeRecordAt(fm.location, fm.record)
}

// Close persists the manipulator's cached record back to its directory
// entry. SplitFAT has no separate host file descriptor to release, so Close
// is purely a metadata flush.
func (fm *FileManipulator) Close() errors.Error {
	return fm.fs.writeRecordAt(fm.location, fm.record)
}
