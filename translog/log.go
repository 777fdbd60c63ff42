// Package translog implements the write-ahead transaction log (spec §4.8,
// C8): an all-or-nothing wrapper around a batch of FAT-block, directory-
// cluster, and block-virtualization changes, recorded as pre-images in a
// temporary file that is atomically renamed into place as the commit's
// linearization point.
//
// Grounded on original_source/SplitFAT/include/SplitFAT/Transaction.h and
// Transaction.cpp's TransactionEventsLog: start/commit/restore protocol,
// the three event kinds, and "log the pre-image on first touch, replay
// pre-images in file order to undo" recovery strategy are carried over
// directly; the C++ class's three std::unordered_map<..., TransactionEvent>
// de-dup sets become the fatSeen/dirSeen maps below. File-cluster writes are
// deliberately never logged here (spec §4.8: "File data itself is not
// logged"); they're made durable by block virtualization's scratch-block
// swap instead, which *is* logged as BlockVirtualizationChanged.
package translog

import (
	"sync"

	"github.com/dargueta/splitfat/bytefile"
	"github.com/dargueta/splitfat/clusterstore"
	"github.com/dargueta/splitfat/crc"
	"github.com/dargueta/splitfat/errors"
	"github.com/dargueta/splitfat/fatengine"
	"github.com/dargueta/splitfat/layout"
	"github.com/dargueta/splitfat/virtualization"
	"github.com/hashicorp/go-multierror"
)

// Log drives one volume's transaction protocol: starting a transaction,
// logging pre-images the first time each FAT block or directory cluster is
// touched, committing (rename = linearization point, then immediate flush),
// and restoring from a leftover _trans file at open.
type Log struct {
	opener    bytefile.Opener
	tempName  string
	finalName string

	geometry     *layout.Descriptor
	fatManager   *fatengine.Manager
	clusterStore *clusterstore.Store
	table        *virtualization.Table // nil if the volume has virtualization disabled

	mu            sync.Mutex
	file          bytefile.ByteFile
	position      int64
	fatSeen       map[uint32]bool
	dirSeen       map[layout.ClusterIndex]bool
	inTransaction bool
}

// New creates a Log using the default _trans_temp/_trans file names. table
// may be nil for volumes that don't use block virtualization; in that case
// BlockVirtualizationChanged events are never logged or replayed.
func New(
	opener bytefile.Opener,
	geometry *layout.Descriptor,
	fatManager *fatengine.Manager,
	clusterStore *clusterstore.Store,
	table *virtualization.Table,
) *Log {
	return &Log{
		opener:       opener,
		tempName:     DefaultTempName,
		finalName:    DefaultFinalName,
		geometry:     geometry,
		fatManager:   fatManager,
		clusterStore: clusterStore,
		table:        table,
	}
}

// IsInTransaction reports whether a transaction is currently open.
func (l *Log) IsInTransaction() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inTransaction
}

// Start puts the volume in a consistent resting state, opens a fresh
// _trans_temp, and arms FAT pre-image logging (spec §4.8 step 1). Calling
// Start while already in a transaction is a no-op: the caller's
// re-entrant transaction lock (spec §5) is expected to prevent a second,
// concurrent one from starting.
func (l *Log) Start() errors.Error {
	l.mu.Lock()
	if l.inTransaction {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.fatManager.Flush(); err != nil {
		return err
	}
	if err := l.clusterStore.Flush(); err != nil {
		return err
	}

	file, err := l.opener.Create(l.tempName)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.file = file
	l.position = 0
	l.fatSeen = make(map[uint32]bool)
	l.dirSeen = make(map[layout.ClusterIndex]bool)
	l.inTransaction = true
	l.mu.Unlock()

	l.fatManager.BeginTransaction(l.logFATBlockChange)
	return nil
}

// logFATBlockChange is the fatengine.PreImageLogger this Log arms via
// BeginTransaction: it logs blockIndex's pre-image the first time Set
// touches it in this transaction (spec §4.8 step 2).
func (l *Log) logFATBlockChange(blockIndex uint32, preImage []byte) errors.Error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fatSeen[blockIndex] {
		return nil
	}
	l.fatSeen[blockIndex] = true
	return l.writeEventLocked(FATBlockChanged, blockIndex, preImage)
}

// LogDirectoryClusterChange logs cluster's current on-disk content the
// first time it's modified inside this transaction (spec §4.8 step 3).
// Callers (vfs, volmanager) must call this before mutating a directory
// cluster's cached copy.
func (l *Log) LogDirectoryClusterChange(cluster layout.ClusterIndex) errors.Error {
	l.mu.Lock()
	if !l.inTransaction {
		l.mu.Unlock()
		return errors.ErrTransaction.WithMessage("no transaction is open")
	}
	if l.dirSeen[cluster] {
		l.mu.Unlock()
		return nil
	}
	l.dirSeen[cluster] = true
	l.mu.Unlock()

	buf := make([]byte, l.geometry.ClusterSize)
	if err := l.clusterStore.Read(cluster, buf); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeEventLocked(DirectoryClusterChanged, uint32(cluster), buf)
}

// LogVirtualizationChange appends the current state of both double-buffered
// virtualization descriptors (spec §4.8 step 4). Commit always calls this
// once more just before finalizing, per step 5a, so a crash mid-commit can
// undo a scratch-block swap on replay.
func (l *Log) LogVirtualizationChange() errors.Error {
	if l.table == nil {
		return nil
	}
	d0, d1 := l.table.Descriptors()
	payload := make([]byte, 0, 2*virtualization.EncodedSize)
	payload = append(payload, d0.Encode()...)
	payload = append(payload, d1.Encode()...)

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.inTransaction {
		return nil
	}
	return l.writeEventLocked(BlockVirtualizationChanged, uint32(l.table.ActiveIndex()), payload)
}

// writeEventLocked appends one event and its payload to _trans_temp. Must
// be called with l.mu held.
func (l *Log) writeEventLocked(evtType EventType, index uint32, payload []byte) errors.Error {
	header := eventHeader{EventType: evtType, Index: index, CRC: crc.Update32(0, payload)}
	buf := make([]byte, eventHeaderSize+len(payload))
	encodeEventHeaderInto(buf, header)
	copy(buf[eventHeaderSize:], payload)

	if err := bytefile.WriteFull(l.file, buf, l.position); err != nil {
		return err
	}
	l.position += int64(len(buf))
	return nil
}

// Commit finalizes the open transaction (spec §4.8 step 5): logs the final
// virtualization event, flushes and closes _trans_temp, renames it to
// _trans (the commit's linearization point), then immediately flushes all
// dirty FAT blocks and directory clusters. If that last flush fails, the
// volume is restored from _trans before _trans is deleted, so the caller
// always ends up with either a fully-applied or fully-reverted transaction.
func (l *Log) Commit() errors.Error {
	l.mu.Lock()
	if !l.inTransaction {
		l.mu.Unlock()
		return errors.ErrTransaction.WithMessage("commit without a started transaction")
	}
	file := l.file
	l.mu.Unlock()

	if err := l.LogVirtualizationChange(); err != nil {
		return err
	}
	if err := file.Flush(); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := l.opener.Rename(l.tempName, l.finalName); err != nil {
		return err
	}

	// Past this point the transaction is durable as logged; any failure
	// below is undone by replaying _trans rather than returned raw.
	flushErr := l.immediateFlush()
	l.fatManager.EndTransaction()

	l.mu.Lock()
	l.inTransaction = false
	l.file = nil
	l.mu.Unlock()

	if flushErr != nil {
		if restoreErr := l.replayEvents(); restoreErr != nil {
			return restoreErr
		}
	}
	if err := l.opener.Remove(l.finalName); err != nil {
		return err
	}
	return flushErr
}

func (l *Log) immediateFlush() errors.Error {
	if err := l.fatManager.Flush(); err != nil {
		return err
	}
	return l.clusterStore.Flush()
}

// TryRestoreFromTransactionFile replays a leftover _trans at volume open
// (spec §4.8 step 6). Absence of _trans is success.
func (l *Log) TryRestoreFromTransactionFile() errors.Error {
	if !l.opener.Exists(l.finalName) {
		return nil
	}
	if err := l.replayEvents(); err != nil {
		return err
	}
	return l.opener.Remove(l.finalName)
}

// replayEvents writes every logged pre-image back into its home in file
// order, undoing anything the interrupted transaction had started to
// apply in place (spec §4.8: "the pre-images win").
func (l *Log) replayEvents() errors.Error {
	file, err := l.opener.Open(l.finalName, false)
	if err != nil {
		return err
	}
	defer file.Close()

	size, err := file.GetSize()
	if err != nil {
		return err
	}

	fatBlockSize := int64(l.geometry.ClustersPerBlock()) * layout.FATCellSize
	clusterSize := int64(l.geometry.ClusterSize)
	descriptorsSize := int64(2 * virtualization.EncodedSize)

	var merr *multierror.Error
	var pos int64
	for pos < size {
		headerBuf := make([]byte, eventHeaderSize)
		if err := bytefile.ReadFull(file, headerBuf, pos); err != nil {
			return err
		}
		header := decodeEventHeader(headerBuf)
		pos += eventHeaderSize

		switch header.EventType {
		case FATBlockChanged:
			payload := make([]byte, fatBlockSize)
			if err := bytefile.ReadFull(file, payload, pos); err != nil {
				return err
			}
			pos += fatBlockSize

			execErr := l.fatManager.ExecuteOnBlock(header.Index, func(buf []byte) (bool, errors.Error) {
				copy(buf, payload)
				return true, nil
			})
			merr = errors.Append(merr, execErr)

		case DirectoryClusterChanged:
			payload := make([]byte, clusterSize)
			if err := bytefile.ReadFull(file, payload, pos); err != nil {
				return err
			}
			pos += clusterSize

			cluster := layout.ClusterIndex(header.Index)
			l.clusterStore.InvalidateDirectoryCluster(cluster)
			merr = errors.Append(merr, l.clusterStore.Write(cluster, payload))

		case BlockVirtualizationChanged:
			payload := make([]byte, descriptorsSize)
			if err := bytefile.ReadFull(file, payload, pos); err != nil {
				return err
			}
			pos += descriptorsSize

			if l.table != nil {
				var d0, d1 virtualization.Descriptor
				d0.Decode(payload[:virtualization.EncodedSize])
				d1.Decode(payload[virtualization.EncodedSize:])
				merr = errors.Append(merr, l.table.Restore(d0, d1))
			}

		default:
			return errors.ErrCorruption.WithMessage("unrecognized transaction event type")
		}
	}

	if merr != nil {
		return errors.ErrTransaction.WrapError(merr)
	}
	return l.immediateFlush()
}
