package vfs

import (
	"github.com/dargueta/splitfat/errors"
	"github.com/dargueta/splitfat/layout"
)

// recordsPerCluster returns how many fixed-size FileDescriptorRecord slots
// fit in one cluster.
func (fs *FileSystem) recordsPerCluster() int {
	return int(fs.vm.Geometry().ClusterSize / layout.FileDescriptorRecordSize)
}

// readDirectoryRecords decodes every record slot in one directory cluster.
func (fs *FileSystem) readDirectoryRecords(cluster layout.ClusterIndex) ([]Record, errors.Error) {
	buf := make([]byte, fs.vm.Geometry().ClusterSize)
	if err := fs.vm.ReadCluster(cluster, buf); err != nil {
		return nil, err
	}

	perCluster := fs.recordsPerCluster()
	records := make([]Record, perCluster)
	recSize := int(layout.FileDescriptorRecordSize)
	for i := 0; i < perCluster; i++ {
		start := i * recSize
		if err := records[i].Decode(buf[start : start+recSize]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// writeDirectoryRecords re-encodes every record slot in one directory
// cluster and writes the cluster back.
func (fs *FileSystem) writeDirectoryRecords(cluster layout.ClusterIndex, records []Record) errors.Error {
	buf := make([]byte, fs.vm.Geometry().ClusterSize)
	recSize := int(layout.FileDescriptorRecordSize)
	for i, rec := range records {
		copy(buf[i*recSize:(i+1)*recSize], rec.Encode())
	}
	return fs.vm.WriteCluster(cluster, buf)
}

// findRecordInChain scans a directory's cluster chain for a record named
// name, skipping soft-deleted slots and stopping at the first truly-empty
// slot (spec §4.10: "stops at first empty record in a directory").
func (fs *FileSystem) findRecordInChain(startCluster layout.ClusterIndex, name string) (Record, layout.DescriptorLocation, bool, errors.Error) {
	current := startCluster
	for current != layout.InvalidCluster {
		records, err := fs.readDirectoryRecords(current)
		if err != nil {
			return Record{}, layout.DescriptorLocation{}, false, err
		}
		for i, rec := range records {
			if rec.IsEmpty() {
				return Record{}, layout.DescriptorLocation{}, false, nil
			}
			if !rec.Attributes.IsDeleted() && rec.SameName(name) {
				loc := layout.DescriptorLocation{
					DirectoryStartCluster: startCluster,
					DescriptorCluster:     current,
					RecordIndex:           uint32(i),
				}
				return rec, loc, true, nil
			}
		}

		cell, err := fs.vm.GetFATCell(current)
		if err != nil {
			return Record{}, layout.DescriptorLocation{}, false, err
		}
		current = cell.Next()
	}
	return Record{}, layout.DescriptorLocation{}, false, nil
}

// insertRecordInChain writes rec into the first empty-or-deleted slot of
// the directory chain starting at startCluster, growing the chain by one
// cluster if every existing slot is occupied (spec §4.10: "directory size
// is always a multiple of cluster size, extended by one cluster when no
// empty record is found").
func (fs *FileSystem) insertRecordInChain(startCluster layout.ClusterIndex, rec Record) (layout.DescriptorLocation, errors.Error) {
	current := startCluster
	var lastCluster layout.ClusterIndex
	entityCount := 0

	for current != layout.InvalidCluster {
		lastCluster = current
		records, err := fs.readDirectoryRecords(current)
		if err != nil {
			return layout.DescriptorLocation{}, err
		}
		for i, existing := range records {
			if existing.IsEmpty() || existing.Attributes.IsDeleted() {
				records[i] = rec
				if err := fs.writeDirectoryRecords(current, records); err != nil {
					return layout.DescriptorLocation{}, err
				}
				return layout.DescriptorLocation{
					DirectoryStartCluster: startCluster,
					DescriptorCluster:     current,
					RecordIndex:           uint32(i),
				}, nil
			}
			entityCount++
		}

		cell, err := fs.vm.GetFATCell(current)
		if err != nil {
			return layout.DescriptorLocation{}, err
		}
		current = cell.Next()
	}

	if entityCount >= MaxEntitiesInDirectory {
		return layout.DescriptorLocation{}, errors.ErrNoSpace.WithMessage("directory is at its maximum entity count")
	}

	newCluster, err := fs.appendClusterToEndOfChain(lastCluster, false)
	if err != nil {
		return layout.DescriptorLocation{}, err
	}
	records := make([]Record, fs.recordsPerCluster())
	records[0] = rec
	if err := fs.writeDirectoryRecords(newCluster, records); err != nil {
		return layout.DescriptorLocation{}, err
	}
	return layout.DescriptorLocation{
		DirectoryStartCluster: startCluster,
		DescriptorCluster:     newCluster,
		RecordIndex:           0,
	}, nil
}

// IterateFlags selects which entities IterateDirectory visits.
type IterateFlags uint32

const (
	IterateFiles IterateFlags = 1 << iota
	IterateDirectories
	IterateRecursive
)

// DirectoryEntry is one visited record, paired with that entry's own full
// path, for IterateDirectory's callback.
type DirectoryEntry struct {
	Path   string
	Record Record
}

// IterateDirectory walks a directory's cluster chain, invoking callback for
// each non-hidden, non-deleted entry matching flags, recursing into
// subdirectories when IterateRecursive is set (spec §4.10 "iterate_directory").
func (fs *FileSystem) IterateDirectory(path string, flags IterateFlags, callback func(DirectoryEntry) errors.Error) errors.Error {
	startCluster, err := fs.resolveDirectoryStartCluster(path)
	if err != nil {
		return err
	}
	return fs.iterateChain(path, startCluster, flags, callback)
}

func (fs *FileSystem) iterateChain(dirPath string, startCluster layout.ClusterIndex, flags IterateFlags, callback func(DirectoryEntry) errors.Error) errors.Error {
	current := startCluster
	for current != layout.InvalidCluster {
		records, err := fs.readDirectoryRecords(current)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if rec.IsEmpty() {
				return nil
			}
			if rec.Attributes.IsDeleted() || rec.Attributes.IsHidden() {
				continue
			}

			isMatch := (rec.Attributes.IsFile() && flags&IterateFiles != 0) ||
				(rec.Attributes.IsDirectory() && flags&IterateDirectories != 0)
			entryPath := joinPath(dirPath, rec.Name)
			if isMatch {
				if err := callback(DirectoryEntry{Path: entryPath, Record: rec}); err != nil {
					return err
				}
			}
			if rec.Attributes.IsDirectory() && flags&IterateRecursive != 0 {
				if err := fs.iterateChain(entryPath, rec.StartCluster, flags, callback); err != nil {
					return err
				}
			}
		}

		cell, err := fs.vm.GetFATCell(current)
		if err != nil {
			return err
		}
		current = cell.Next()
	}
	return nil
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
