// Package vfs sits atop volmanager (C9): FileSystem resolves paths to
// directory records and drives the cluster-chain algorithms; FileManipulator
// is the per-open-file cursor those records back. Grounded on
// original_source/SplitFAT/include/SplitFAT/VirtualFileSystem.h/.cpp for the
// operation set and original_source/SplitFAT/include/SplitFAT/
// FileDescriptorRecord.h for the on-disk record this package's Record type
// mirrors.
package vfs

import (
	"time"

	"github.com/dargueta/splitfat/errors"
	"github.com/dargueta/splitfat/fatengine"
	"github.com/dargueta/splitfat/layout"
	"github.com/dargueta/splitfat/volmanager"
)

// FileSystem is the root of the virtual file system: path resolution,
// directory manipulation, and free-space accounting layered over a
// volmanager.Manager.
type FileSystem struct {
	vm          *volmanager.Manager
	rootCluster layout.ClusterIndex
}

// NewFileSystem binds fs to vm, formatting a fresh root directory the first
// time it runs over a newly created volume (vm.State() == StateCreated).
func NewFileSystem(vm *volmanager.Manager) (*FileSystem, errors.Error) {
	fs := &FileSystem{vm: vm, rootCluster: layout.ClusterIndex(0)}
	if vm.State() == volmanager.StateCreated {
		if err := fs.formatRoot(); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

func (fs *FileSystem) formatRoot() errors.Error {
	cell := fatengine.NewChainCell(layout.InvalidCluster, layout.InvalidCluster, true, true, fs.rootCluster, 0, false)
	if err := fs.vm.SetFATCell(fs.rootCluster, cell); err != nil {
		return err
	}
	return fs.zeroDirectoryCluster(fs.rootCluster)
}

func (fs *FileSystem) zeroDirectoryCluster(cluster layout.ClusterIndex) errors.Error {
	buf := make([]byte, fs.vm.Geometry().ClusterSize)
	return fs.vm.WriteCluster(cluster, buf)
}

// resolveDirectoryStartCluster walks path's components from the root,
// requiring every one (including the final one) to be a directory.
func (fs *FileSystem) resolveDirectoryStartCluster(path string) (layout.ClusterIndex, errors.Error) {
	parts := SplitPath(path)
	if len(parts) > MaxNestedDirectories {
		return layout.InvalidCluster, errors.ErrInvalidArgument.WithMessage("path exceeds max nested directories")
	}

	current := fs.rootCluster
	for _, part := range parts {
		rec, _, found, err := fs.findRecordInChain(current, part)
		if err != nil {
			return layout.InvalidCluster, err
		}
		if !found {
			return layout.InvalidCluster, errors.ErrNotFound.WithMessage("directory component not found: " + part)
		}
		if !rec.Attributes.IsDirectory() {
			return layout.InvalidCluster, errors.ErrNotADirectory.WithMessage(part)
		}
		current = rec.StartCluster
	}
	return current, nil
}

// resolveEntity looks up path's final component in its parent directory.
// The root path resolves to a synthetic directory record with no backing
// DescriptorLocation.
func (fs *FileSystem) resolveEntity(path string) (Record, layout.DescriptorLocation, bool, errors.Error) {
	parent, name := ParentAndName(path)
	if name == "" {
		root := Record{StartCluster: fs.rootCluster, LastCluster: fs.rootCluster}
		return root, layout.DescriptorLocation{}, true, nil
	}
	parentCluster, err := fs.resolveDirectoryStartCluster(parent)
	if err != nil {
		return Record{}, layout.DescriptorLocation{}, false, err
	}
	return fs.findRecordInChain(parentCluster, name)
}

// existsSwallowingNotFound adapts resolveEntity's hard errors for the
// existence-check family of operations, which report "doesn't exist" as
// false rather than as an error, per spec §4.10.
func (fs *FileSystem) existsSwallowingNotFound(path string) (Record, bool, errors.Error) {
	rec, _, found, err := fs.resolveEntity(path)
	if err != nil {
		switch err.Kind() {
		case errors.KindNotFound, errors.KindInvalidArgument:
			return Record{}, false, nil
		default:
			return Record{}, false, err
		}
	}
	return rec, found, nil
}

// FileExists reports whether path names an existing file.
func (fs *FileSystem) FileExists(path string) (bool, errors.Error) {
	rec, found, err := fs.existsSwallowingNotFound(path)
	if err != nil || !found {
		return false, err
	}
	return rec.Attributes.IsFile(), nil
}

// DirectoryExists reports whether path names an existing directory.
func (fs *FileSystem) DirectoryExists(path string) (bool, errors.Error) {
	rec, found, err := fs.existsSwallowingNotFound(path)
	if err != nil || !found {
		return false, err
	}
	return rec.Attributes.IsDirectory(), nil
}

// FileOrDirectoryExists reports whether path names anything at all.
func (fs *FileSystem) FileOrDirectoryExists(path string) (bool, errors.Error) {
	_, found, err := fs.existsSwallowingNotFound(path)
	return found, err
}

// CreateDirectory creates an empty directory at path. The parent must
// already exist; path itself must not.
func (fs *FileSystem) CreateDirectory(path string) errors.Error {
	parent, name := ParentAndName(path)
	if name == "" {
		return errors.ErrExists.WithMessage("the root directory always exists")
	}
	if len(SplitPath(path)) > MaxNestedDirectories {
		return errors.ErrInvalidArgument.WithMessage("path exceeds max nested directories")
	}

	parentCluster, err := fs.resolveDirectoryStartCluster(parent)
	if err != nil {
		return err
	}
	if _, _, found, err := fs.findRecordInChain(parentCluster, name); err != nil {
		return err
	} else if found {
		return errors.ErrExists.WithMessage(path)
	}

	newStart, _, err := fs.expandChain(layout.InvalidCluster, layout.InvalidCluster, 1, layout.InvalidCluster, false)
	if err != nil {
		return err
	}
	if err := fs.zeroDirectoryCluster(newStart); err != nil {
		return err
	}

	now := time.Now().Unix()
	rec := Record{
		Name:         name,
		Attributes:   0,
		StartCluster: newStart,
		LastCluster:  newStart,
		TimeCreated:  now,
		TimeModified: now,
	}
	loc, err := fs.insertRecordInChain(parentCluster, rec)
	if err != nil {
		return err
	}
	return fs.retagChainDescriptor(newStart, loc.DescriptorCluster)
}

// CreateFile creates an empty file at path and opens it. mode is validated
// to request write access; binary sets the BINARY attribute.
func (fs *FileSystem) CreateFile(path string, mode AccessMode, binary bool) (*FileManipulator, errors.Error) {
	if !mode.CanWrite() {
		return nil, errors.ErrInvalidArgument.WithMessage("a file can only be created with write access")
	}
	parent, name := ParentAndName(path)
	if name == "" {
		return nil, errors.ErrInvalidArgument.WithMessage("path names the root directory")
	}
	parentCluster, err := fs.resolveDirectoryStartCluster(parent)
	if err != nil {
		return nil, err
	}
	if _, _, found, err := fs.findRecordInChain(parentCluster, name); err != nil {
		return nil, err
	} else if found {
		return nil, errors.ErrExists.WithMessage(path)
	}

	attrs := AttrFile
	if binary {
		attrs |= AttrBinary
	}
	now := time.Now().Unix()
	rec := Record{
		Name:         name,
		Attributes:   attrs,
		StartCluster: layout.InvalidCluster,
		LastCluster:  layout.InvalidCluster,
		TimeCreated:  now,
		TimeModified: now,
	}
	loc, err := fs.insertRecordInChain(parentCluster, rec)
	if err != nil {
		return nil, err
	}
	return &FileManipulator{fs: fs, record: rec, location: loc, mode: mode}, nil
}

// Open resolves path to a FileManipulator, creating it first if it's
// missing and mode requests that, applying TRUNCATE and APPEND per mode
// (spec §4.10 "open").
func (fs *FileSystem) Open(path string, mode AccessMode) (*FileManipulator, errors.Error) {
	rec, loc, found, err := fs.resolveEntity(path)
	if err != nil {
		return nil, err
	}
	if !found {
		if mode&ModeCreateIfMissing == 0 {
			return nil, errors.ErrNotFound.WithMessage(path)
		}
		return fs.CreateFile(path, mode, mode&ModeBinary != 0)
	}
	if rec.Attributes.IsDirectory() {
		return nil, errors.ErrIsADirectory.WithMessage(path)
	}

	fm := &FileManipulator{fs: fs, record: rec, location: loc, mode: mode}
	if mode&ModeTruncate != 0 {
		if err := fm.Truncate(0); err != nil {
			return nil, err
		}
	}
	if mode&ModeAppend != 0 {
		fm.position = layout.FilePosition(rec.FileSize)
	}
	return fm, nil
}

func (fs *FileSystem) writeRecordAt(loc layout.DescriptorLocation, rec Record) errors.Error {
	if !loc.IsValid() {
		return errors.ErrInvalidState.WithMessage("record has no backing directory slot")
	}
	records, err := fs.readDirectoryRecords(loc.DescriptorCluster)
	if err != nil {
		return err
	}
	records[loc.RecordIndex] = rec
	return fs.writeDirectoryRecords(loc.DescriptorCluster, records)
}

// retagChainDescriptor updates the endpoints of the chain starting (and, if
// it's a single-cluster chain, ending) at chainCluster to reference
// descriptorCluster, the directory cluster that now actually holds the
// owning FileDescriptorRecord.
func (fs *FileSystem) retagChainDescriptor(chainCluster, descriptorCluster layout.ClusterIndex) errors.Error {
	cell, err := fs.vm.GetFATCell(chainCluster)
	if err != nil {
		return err
	}
	if cell.IsStartOfChain() {
		cell = cell.AsStartOfChain(descriptorCluster)
	}
	if cell.IsEndOfChain() {
		cell = cell.AsEndOfChain(descriptorCluster)
	}
	return fs.vm.SetFATCell(chainCluster, cell)
}

func (fs *FileSystem) isDirectoryEmpty(startCluster layout.ClusterIndex) (bool, errors.Error) {
	current := startCluster
	for current != layout.InvalidCluster {
		records, err := fs.readDirectoryRecords(current)
		if err != nil {
			return false, err
		}
		for _, rec := range records {
			if rec.IsEmpty() {
				return true, nil
			}
			if !rec.Attributes.IsDeleted() {
				return false, nil
			}
		}
		cell, err := fs.vm.GetFATCell(current)
		if err != nil {
			return false, err
		}
		current = cell.Next()
	}
	return true, nil
}

// DeleteFile removes a file's directory entry and frees its cluster chain.
func (fs *FileSystem) DeleteFile(path string) errors.Error {
	rec, loc, found, err := fs.resolveEntity(path)
	if err != nil {
		return err
	}
	if !found {
		return errors.ErrNotFound.WithMessage(path)
	}
	if rec.Attributes.IsDirectory() {
		return errors.ErrIsADirectory.WithMessage(path)
	}
	if rec.StartCluster != layout.InvalidCluster {
		if err := fs.freeChain(rec.StartCluster); err != nil {
			return err
		}
	}
	rec.Attributes |= AttrDeleted
	rec.StartCluster = layout.InvalidCluster
	rec.LastCluster = layout.InvalidCluster
	rec.FileSize = 0
	return fs.writeRecordAt(loc, rec)
}

// RemoveDirectory removes an empty directory's entry and frees its chain
// (spec §4.10: "must be empty").
func (fs *FileSystem) RemoveDirectory(path string) errors.Error {
	rec, loc, found, err := fs.resolveEntity(path)
	if err != nil {
		return err
	}
	if !found {
		return errors.ErrNotFound.WithMessage(path)
	}
	if rec.Attributes.IsFile() {
		return errors.ErrNotADirectory.WithMessage(path)
	}
	empty, err := fs.isDirectoryEmpty(rec.StartCluster)
	if err != nil {
		return err
	}
	if !empty {
		return errors.ErrDirectoryNotEmpty.WithMessage(path)
	}
	if err := fs.freeChain(rec.StartCluster); err != nil {
		return err
	}
	rec.Attributes |= AttrDeleted
	rec.StartCluster = layout.InvalidCluster
	rec.LastCluster = layout.InvalidCluster
	return fs.writeRecordAt(loc, rec)
}

func (fs *FileSystem) renameEntity(oldPath, newPath string, requireFile bool) errors.Error {
	rec, loc, found, err := fs.resolveEntity(oldPath)
	if err != nil {
		return err
	}
	if !found {
		return errors.ErrNotFound.WithMessage(oldPath)
	}
	if requireFile && rec.Attributes.IsDirectory() {
		return errors.ErrIsADirectory.WithMessage(oldPath)
	}
	if !requireFile && rec.Attributes.IsFile() {
		return errors.ErrNotADirectory.WithMessage(oldPath)
	}

	newParentPath, newName := ParentAndName(newPath)
	newParentCluster, err := fs.resolveDirectoryStartCluster(newParentPath)
	if err != nil {
		return err
	}
	if _, _, exists, err := fs.findRecordInChain(newParentCluster, newName); err != nil {
		return err
	} else if exists {
		return errors.ErrExists.WithMessage(newPath)
	}

	tombstone := rec
	tombstone.Attributes |= AttrDeleted
	if err := fs.writeRecordAt(loc, tombstone); err != nil {
		return err
	}

	rec.Name = newName
	rec.TimeModified = time.Now().Unix()
	newLoc, err := fs.insertRecordInChain(newParentCluster, rec)
	if err != nil {
		return err
	}
	if rec.StartCluster == layout.InvalidCluster {
		return nil
	}
	return fs.retagChainDescriptor(rec.StartCluster, newLoc.DescriptorCluster)
}

// RenameFile moves a file's directory entry from oldPath to newPath.
func (fs *FileSystem) RenameFile(oldPath, newPath string) errors.Error {
	return fs.renameEntity(oldPath, newPath, true)
}

// RenameDirectory moves a directory's entry from oldPath to newPath.
func (fs *FileSystem) RenameDirectory(oldPath, newPath string) errors.Error {
	return fs.renameEntity(oldPath, newPath, false)
}

// FindFileFromCluster recovers the directory record owning cluster, by
// walking to its chain's start and reading the descriptor-cluster tag
// carried there (spec §4.10 "find_file_from_cluster").
func (fs *FileSystem) FindFileFromCluster(cluster layout.ClusterIndex) (Record, layout.DescriptorLocation, errors.Error) {
	chainStart, err := fs.chainStartCluster(cluster)
	if err != nil {
		return Record{}, layout.DescriptorLocation{}, err
	}
	cell, err := fs.vm.GetFATCell(chainStart)
	if err != nil {
		return Record{}, layout.DescriptorLocation{}, err
	}
	descCluster, ok := cell.DescriptorCluster()
	if !ok {
		return Record{}, layout.DescriptorLocation{}, errors.ErrCorruption.WithMessage("chain start cell carries no descriptor-cluster tag")
	}

	records, err := fs.readDirectoryRecords(descCluster)
	if err != nil {
		return Record{}, layout.DescriptorLocation{}, err
	}
	for i, rec := range records {
		if rec.IsEmpty() {
			break
		}
		if rec.StartCluster == chainStart {
			return rec, layout.DescriptorLocation{DescriptorCluster: descCluster, RecordIndex: uint32(i)}, nil
		}
	}
	return Record{}, layout.DescriptorLocation{}, errors.ErrNotFound.WithMessage("no directory record references this cluster chain")
}

// RecoverPathFromCluster rebuilds the full path of the entity that owns
// cluster by walking descriptor-cluster tags up through parent directories
// (createFullFilePathFromCluster in the original), used by fsck-style
// recovery tooling that only has a raw cluster index to start from.
func (fs *FileSystem) RecoverPathFromCluster(cluster layout.ClusterIndex) (string, errors.Error) {
	rec, loc, err := fs.FindFileFromCluster(cluster)
	if err != nil {
		return "", err
	}

	parentChainStart, err := fs.chainStartCluster(loc.DescriptorCluster)
	if err != nil {
		return "", err
	}
	if parentChainStart == fs.rootCluster {
		return "/" + rec.Name, nil
	}

	parentPath, err := fs.RecoverPathFromCluster(parentChainStart)
	if err != nil {
		return "", err
	}
	return parentPath + "/" + rec.Name, nil
}

// MoveCluster relocates sourceCluster's content and FAT cell to
// destCluster, patching chain links and the owning record (spec §4.10
// "move_cluster"). Exposed for package placement's defragmentation pass.
func (fs *FileSystem) MoveCluster(sourceCluster, destCluster layout.ClusterIndex) errors.Error {
	return fs.moveCluster(sourceCluster, destCluster)
}

// GetFreeSpace returns the volume's free space in bytes.
func (fs *FileSystem) GetFreeSpace() (layout.FileSize, errors.Error) {
	return fs.vm.GetFreeSpace()
}

// Flush persists every pending change to disk.
func (fs *FileSystem) Flush() errors.Error {
	return fs.vm.Flush()
}

// StartTransaction opens a write transaction on the underlying volume.
func (fs *FileSystem) StartTransaction() errors.Error {
	return fs.vm.StartTransaction()
}

// CommitTransaction closes the current write transaction.
func (fs *FileSystem) CommitTransaction() errors.Error {
	return fs.vm.CommitTransaction()
}

// Manager exposes the underlying volmanager.Manager for callers (such as
// cmd/splitfatctl) that need geometry or free-space queries without a full
// FileSystem round trip.
func (fs *FileSystem) Manager() *volmanager.Manager {
	return fs.vm
}
