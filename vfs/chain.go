package vfs

import (
	"github.com/dargueta/splitfat/errors"
	"github.com/dargueta/splitfat/fatengine"
	"github.com/dargueta/splitfat/layout"
)

// chainStartCluster walks Prev() links back to the cluster that carries the
// start-of-chain flag, the way FindFileFromCluster has to recover a chain's
// identity from an arbitrary cluster inside it.
func (fs *FileSystem) chainStartCluster(cluster layout.ClusterIndex) (layout.ClusterIndex, errors.Error) {
	current := cluster
	for {
		cell, err := fs.vm.GetFATCell(current)
		if err != nil {
			return layout.InvalidCluster, err
		}
		if cell.IsStartOfChain() {
			return current, nil
		}
		prev := cell.Prev()
		if prev == layout.InvalidCluster {
			return current, nil
		}
		current = prev
	}
}

// appendClusterToEndOfChain allocates a free cluster and links it after
// lastCluster, preserving the end-of-chain descriptor tag so recovery can
// still find the owning directory record (spec §4.10,
// "append_cluster_to_end_of_chain").
func (fs *FileSystem) appendClusterToEndOfChain(lastCluster layout.ClusterIndex, useFileData bool) (layout.ClusterIndex, errors.Error) {
	oldCell, err := fs.vm.GetFATCell(lastCluster)
	if err != nil {
		return layout.InvalidCluster, err
	}
	descriptorCluster, _ := oldCell.DescriptorCluster()

	newCluster, err := fs.vm.TryFindFreeCluster(useFileData)
	if err != nil {
		return layout.InvalidCluster, err
	}
	if newCluster == layout.InvalidCluster {
		return layout.InvalidCluster, errors.ErrNoSpace.WithMessage("no free cluster available to extend chain")
	}

	newCell := fatengine.NewChainCell(lastCluster, layout.InvalidCluster, false, true, descriptorCluster, 0, false)
	if err := fs.vm.SetFATCell(newCluster, newCell); err != nil {
		return layout.InvalidCluster, err
	}
	if err := fs.vm.SetFATCell(lastCluster, oldCell.WithNext(newCluster)); err != nil {
		return layout.InvalidCluster, err
	}
	return newCluster, nil
}

// expandChain grows a possibly-empty chain by count clusters, returning the
// (possibly newly created) start and last cluster. descriptorCluster is the
// directory cluster the new chain's endpoints should tag for recovery.
func (fs *FileSystem) expandChain(
	startCluster, lastCluster layout.ClusterIndex,
	count int,
	descriptorCluster layout.ClusterIndex,
	useFileData bool,
) (newStart, newLast layout.ClusterIndex, err errors.Error) {
	newStart = startCluster
	newLast = lastCluster

	for i := 0; i < count; i++ {
		if newStart == layout.InvalidCluster {
			cluster, ferr := fs.vm.TryFindFreeCluster(useFileData)
			if ferr != nil {
				return newStart, newLast, ferr
			}
			if cluster == layout.InvalidCluster {
				return newStart, newLast, errors.ErrNoSpace.WithMessage("no free cluster available to start chain")
			}
			cell := fatengine.NewChainCell(layout.InvalidCluster, layout.InvalidCluster, true, true, descriptorCluster, 0, false)
			if serr := fs.vm.SetFATCell(cluster, cell); serr != nil {
				return newStart, newLast, serr
			}
			newStart = cluster
			newLast = cluster
			continue
		}

		next, aerr := fs.appendClusterToEndOfChain(newLast, useFileData)
		if aerr != nil {
			return newStart, newLast, aerr
		}
		newLast = next
	}
	return newStart, newLast, nil
}

// clusterCountForSize returns how many clusters are needed to hold size
// bytes of content.
func (fs *FileSystem) clusterCountForSize(size layout.FileSize) int {
	clusterSize := layout.FileSize(fs.vm.Geometry().ClusterSize)
	if size <= 0 {
		return 0
	}
	return int((size + clusterSize - 1) / clusterSize)
}

// expandFile grows record's cluster chain (never shrinks) so it can hold
// newSize bytes, allocating clusters as needed (spec §4.10, "expand_file":
// idempotent, never shrinks). descriptorCluster is the directory cluster
// holding record, tagged on the endpoints of a newly started chain.
func (fs *FileSystem) expandFile(record *Record, newSize layout.FileSize, descriptorCluster layout.ClusterIndex, useFileData bool) errors.Error {
	if newSize <= record.FileSize {
		return nil
	}
	currentClusters := fs.clusterCountForSize(record.FileSize)
	neededClusters := fs.clusterCountForSize(newSize)
	grow := neededClusters - currentClusters
	if grow <= 0 {
		record.FileSize = newSize
		return nil
	}

	newStart, newLast, err := fs.expandChain(record.StartCluster, record.LastCluster, grow, descriptorCluster, useFileData)
	if err != nil {
		return err
	}
	record.StartCluster = newStart
	record.LastCluster = newLast
	record.FileSize = newSize
	return nil
}

// getClusterForPosition walks the chain starting at startCluster to the
// cluster holding byte offset pos, per spec §4.10 "get_cluster_for_position".
func (fs *FileSystem) getClusterForPosition(startCluster layout.ClusterIndex, pos layout.FilePosition) (layout.ClusterIndex, errors.Error) {
	if startCluster == layout.InvalidCluster {
		return layout.InvalidCluster, errors.ErrInvalidArgument.WithMessage("position requested in an empty chain")
	}
	clusterSize := int64(fs.vm.Geometry().ClusterSize)
	steps := int64(pos) / clusterSize

	current := startCluster
	for i := int64(0); i < steps; i++ {
		cell, err := fs.vm.GetFATCell(current)
		if err != nil {
			return layout.InvalidCluster, err
		}
		next := cell.Next()
		if next == layout.InvalidCluster {
			return layout.InvalidCluster, errors.ErrInvalidArgument.WithMessage("position is past the end of the cluster chain")
		}
		current = next
	}
	return current, nil
}

// truncate shortens record's cluster chain to hold newSize bytes, freeing
// every cluster past the new end (spec §4.10 "truncate"). If newSize is 0,
// the whole chain is freed and the record's endpoints reset to invalid;
// deleteIfEmpty has no effect on this.
func (fs *FileSystem) truncate(record *Record, newSize layout.FileSize, deleteIfEmpty bool) errors.Error {
	if newSize >= record.FileSize {
		record.FileSize = newSize
		return nil
	}

	keepClusters := fs.clusterCountForSize(newSize)
	if keepClusters == 0 {
		if err := fs.freeChain(record.StartCluster); err != nil {
			return err
		}
		record.FileSize = 0
		record.StartCluster = layout.InvalidCluster
		record.LastCluster = layout.InvalidCluster
		return nil
	}

	current := record.StartCluster
	for i := 1; i < keepClusters; i++ {
		cell, err := fs.vm.GetFATCell(current)
		if err != nil {
			return err
		}
		current = cell.Next()
	}

	newLastCell, err := fs.vm.GetFATCell(current)
	if err != nil {
		return err
	}
	toFree := newLastCell.Next()

	descriptorCluster, _ := newLastCell.DescriptorCluster()
	if err := fs.vm.SetFATCell(current, newLastCell.AsEndOfChain(descriptorCluster)); err != nil {
		return err
	}
	if toFree != layout.InvalidCluster {
		if err := fs.freeChain(toFree); err != nil {
			return err
		}
	}

	record.LastCluster = current
	record.FileSize = newSize
	return nil
}

// freeChain marks every cluster from startCluster to the end of its chain
// as free.
func (fs *FileSystem) freeChain(startCluster layout.ClusterIndex) errors.Error {
	current := startCluster
	for current != layout.InvalidCluster {
		cell, err := fs.vm.GetFATCell(current)
		if err != nil {
			return err
		}
		next := cell.Next()
		if err := fs.vm.SetFATCell(current, fatengine.FreeCell()); err != nil {
			return err
		}
		current = next
	}
	return nil
}

// moveCluster relocates the content and FAT cell of sourceCluster to
// destCluster, which must currently be free, patching the chain's neighbor
// links and the owning record's start/last cluster so the chain's identity
// is preserved (spec §4.10 "move_cluster", grounded on
// DataPlacementStrategyBase::moveCluster delegating into the VFS).
func (fs *FileSystem) moveCluster(sourceCluster, destCluster layout.ClusterIndex) errors.Error {
	destCell, err := fs.vm.GetFATCell(destCluster)
	if err != nil {
		return err
	}
	if !destCell.IsFree() {
		return errors.ErrInvalidState.WithMessage("move_cluster destination is not free")
	}
	sourceCell, err := fs.vm.GetFATCell(sourceCluster)
	if err != nil {
		return err
	}
	if sourceCell.IsFree() {
		return errors.ErrInvalidState.WithMessage("move_cluster source is already free")
	}

	clusterSize := fs.vm.Geometry().ClusterSize
	buf := make([]byte, clusterSize)
	if err := fs.vm.ReadCluster(sourceCluster, buf); err != nil {
		return err
	}
	if err := fs.vm.WriteCluster(destCluster, buf); err != nil {
		return err
	}
	if err := fs.vm.SetFATCell(destCluster, sourceCell); err != nil {
		return err
	}

	if !sourceCell.IsStartOfChain() {
		prev := sourceCell.Prev()
		prevCell, err := fs.vm.GetFATCell(prev)
		if err != nil {
			return err
		}
		if err := fs.vm.SetFATCell(prev, prevCell.WithNext(destCluster)); err != nil {
			return err
		}
	}
	if !sourceCell.IsEndOfChain() {
		next := sourceCell.Next()
		nextCell, err := fs.vm.GetFATCell(next)
		if err != nil {
			return err
		}
		if err := fs.vm.SetFATCell(next, nextCell.WithPrev(destCluster)); err != nil {
			return err
		}
	}

	if sourceCell.IsStartOfChain() || sourceCell.IsEndOfChain() {
		if err := fs.fixupRecordAfterMove(sourceCell, sourceCluster, destCluster); err != nil {
			return err
		}
	}

	return fs.vm.SetFATCell(sourceCluster, fatengine.FreeCell())
}

// fixupRecordAfterMove updates the FileDescriptorRecord referencing a chain
// endpoint that just moved, recording the vacated cluster in
// OldClusterTrace for debugging and recovery (spec §3,
// "mOldClusterTrace... used for debugging").
func (fs *FileSystem) fixupRecordAfterMove(sourceCell fatengine.Cell, sourceCluster, destCluster layout.ClusterIndex) errors.Error {
	descriptorCluster, ok := sourceCell.DescriptorCluster()
	if !ok {
		return nil
	}
	records, err := fs.readDirectoryRecords(descriptorCluster)
	if err != nil {
		return err
	}
	changed := false
	for i := range records {
		rec := &records[i]
		if rec.IsEmpty() {
			break
		}
		if rec.StartCluster == sourceCluster {
			rec.StartCluster = destCluster
			rec.OldClusterTrace = sourceCluster
			changed = true
		}
		if rec.LastCluster == sourceCluster {
			rec.LastCluster = destCluster
			rec.OldClusterTrace = sourceCluster
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return fs.writeDirectoryRecords(descriptorCluster, records)
}
