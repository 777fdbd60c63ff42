// Package clusterstore implements the cluster-data half of a SplitFAT
// volume (spec §4.3, C6): a small cache of directory clusters (the only
// clusters read and rewritten often enough to be worth caching), CRC-16
// tagging and verification for every cluster, and the write-side hook that
// lets callers redirect a write through block virtualization's scratch
// block instead of its cluster's normal physical location.
//
// The directory-cache bookkeeping (loaded/dirty bitmaps alongside a flat
// byte arena) is grounded on drivers/common/blockcache/blockcache.go, using
// its same github.com/boljen/go-bitmap dependency; everything about what
// counts as a "directory cluster" and how writes get CRC-tagged is specific
// to SplitFAT (spec §4.3) and has no teacher analogue.
package clusterstore

import (
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/splitfat/bytefile"
	"github.com/dargueta/splitfat/crc"
	"github.com/dargueta/splitfat/errors"
	"github.com/dargueta/splitfat/layout"
)

// CRCTagFunc is called after every cluster write with the cluster's new
// CRC-16, so the caller (fatengine) can stamp it into the owning FAT cell's
// tag bits and flip cluster_initialized (spec §4.3, "after any write").
type CRCTagFunc func(cluster layout.ClusterIndex, crc16 uint16) errors.Error

// CRCLookupFunc returns the CRC-16 a cluster's content is expected to carry
// and whether it has ever been initialized, both as recorded in its FAT
// cell's tag bits. Uninitialized clusters skip verification entirely (spec
// §4.3: "'Uninitialized' clusters skip read-before-write merging").
type CRCLookupFunc func(cluster layout.ClusterIndex) (crc16 uint16, initialized bool, err errors.Error)

// PhysicalBlockResolver translates a cluster's virtual block index to the
// physical block index its bytes should actually be read from or written
// to. Block virtualization (package virtualization, orchestrated by
// volmanager) plugs in here for file-data blocks; a nil resolver means
// identity mapping (used for volumes with scratch-block support disabled,
// and in unit tests that don't exercise virtualization).
type PhysicalBlockResolver func(virtualBlock uint8, forWrite bool) (physicalBlock uint8, err errors.Error)

// Store owns cluster-level reads and writes for a volume's cluster-data
// file: the directory cluster cache, CRC-16 integrity checks, and block
// virtualization redirection.
type Store struct {
	geometry *layout.Descriptor
	dataFile bytefile.ByteFile
	resolve  PhysicalBlockResolver
	tagCRC   CRCTagFunc
	lookup   CRCLookupFunc

	mu          sync.RWMutex
	loaded      bitmap.Bitmap
	dirty       bitmap.Bitmap
	dirCache    []byte // flat arena, one cluster_size slot per directory cluster
	clusterSize uint32
	dirClusters uint32 // capacity of the directory cache = clusters_per_block
}

// New creates a Store over dataFile. resolve may be nil (identity mapping).
func New(
	geometry *layout.Descriptor,
	dataFile bytefile.ByteFile,
	resolve PhysicalBlockResolver,
	tagCRC CRCTagFunc,
	lookup CRCLookupFunc,
) *Store {
	clustersPerBlock := geometry.ClustersPerBlock()
	return &Store{
		geometry:    geometry,
		dataFile:    dataFile,
		resolve:     resolve,
		tagCRC:      tagCRC,
		lookup:      lookup,
		loaded:      bitmap.NewSlice(int(clustersPerBlock)),
		dirty:       bitmap.NewSlice(int(clustersPerBlock)),
		dirCache:    make([]byte, int(clustersPerBlock)*int(geometry.ClusterSize)),
		clusterSize: geometry.ClusterSize,
		dirClusters: clustersPerBlock,
	}
}

// isDirectoryCluster reports whether cluster lives in the directory block
// (block 0), the only clusters this Store caches.
func (s *Store) isDirectoryCluster(cluster layout.ClusterIndex) bool {
	return uint32(cluster) < s.dirClusters
}

func (s *Store) physicalOffset(cluster layout.ClusterIndex, forWrite bool) (int64, errors.Error) {
	blockIdx := uint8(s.geometry.BlockIndexForCluster(cluster))
	physicalBlock := blockIdx
	if s.resolve != nil {
		resolved, err := s.resolve(blockIdx, forWrite)
		if err != nil {
			return 0, err
		}
		physicalBlock = resolved
	}
	return int64(physicalBlock)*int64(s.geometry.BytesPerBlock) +
		s.geometry.ClusterOffsetInBlock(cluster), nil
}

// Read fills buf (exactly one cluster_size worth of bytes) with cluster's
// content, serving it from the directory cache when possible and verifying
// its CRC-16 whenever the cluster has been initialized (spec §4.3).
func (s *Store) Read(cluster layout.ClusterIndex, buf []byte) errors.Error {
	if s.isDirectoryCluster(cluster) {
		return s.readDirectoryCluster(cluster, buf)
	}
	return s.readThrough(cluster, buf)
}

func (s *Store) readDirectoryCluster(cluster layout.ClusterIndex, buf []byte) errors.Error {
	local := int(cluster)

	s.mu.RLock()
	if s.loaded.Get(local) {
		copy(buf, s.slot(local))
		s.mu.RUnlock()
		return nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded.Get(local) {
		copy(buf, s.slot(local))
		return nil
	}

	offset, err := s.physicalOffset(cluster, false)
	if err != nil {
		return err
	}
	if err := bytefile.ReadFull(s.dataFile, s.slot(local), offset); err != nil {
		return err
	}
	if err := s.verifyCRC(cluster, s.slot(local)); err != nil {
		return err
	}
	s.loaded.Set(local, true)
	s.dirty.Set(local, false)
	copy(buf, s.slot(local))
	return nil
}

func (s *Store) readThrough(cluster layout.ClusterIndex, buf []byte) errors.Error {
	offset, err := s.physicalOffset(cluster, false)
	if err != nil {
		return err
	}
	if err := bytefile.ReadFull(s.dataFile, buf, offset); err != nil {
		return err
	}
	return s.verifyCRC(cluster, buf)
}

func (s *Store) verifyCRC(cluster layout.ClusterIndex, buf []byte) errors.Error {
	if s.lookup == nil {
		return nil
	}
	expected, initialized, err := s.lookup(cluster)
	if err != nil {
		return err
	}
	if !initialized {
		return nil
	}
	if crc.Update16(0, buf) != expected {
		return errors.ErrCorruption.WithMessage("cluster CRC-16 mismatch")
	}
	return nil
}

// Write stores buf as cluster's content and reports its new CRC-16 to
// tagCRC so the owning FAT cell can be updated. Directory clusters are
// write-back: the new content only lands in the cache here, and reaches
// disk on the next Flush. That mirrors fatengine.Manager's own cached FAT
// blocks and is what makes the transaction log's pre-image replay
// meaningful (spec §4.8 step 5c, "write-out all dirty FAT blocks and
// directory clusters" as a distinct commit step, not something already
// done by the time commit runs). File-data clusters bypass the cache
// entirely and are written straight through, through block virtualization's
// scratch-block redirection when forWrite resolution applies.
func (s *Store) Write(cluster layout.ClusterIndex, buf []byte) errors.Error {
	if uint32(len(buf)) != s.clusterSize {
		return errors.ErrInvalidArgument.WithMessage("buffer is not exactly one cluster in size")
	}

	if s.isDirectoryCluster(cluster) {
		s.mu.Lock()
		local := int(cluster)
		copy(s.slot(local), buf)
		s.loaded.Set(local, true)
		s.dirty.Set(local, true)
		s.mu.Unlock()
	} else {
		offset, err := s.physicalOffset(cluster, true)
		if err != nil {
			return err
		}
		if err := bytefile.WriteFull(s.dataFile, buf, offset); err != nil {
			return err
		}
	}

	if s.tagCRC != nil {
		return s.tagCRC(cluster, crc.Update16(0, buf))
	}
	return nil
}

func (s *Store) slot(local int) []byte {
	start := local * int(s.clusterSize)
	return s.dirCache[start : start+int(s.clusterSize)]
}

// Flush writes every dirty cached directory cluster back to the data file
// and fsyncs it (spec §4.8 step 5c's "immediate flush").
func (s *Store) Flush() errors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for local := 0; local < int(s.dirClusters); local++ {
		if !s.loaded.Get(local) || !s.dirty.Get(local) {
			continue
		}
		cluster := layout.ClusterIndex(local)
		offset, err := s.physicalOffset(cluster, true)
		if err != nil {
			return err
		}
		if err := bytefile.WriteFull(s.dataFile, s.slot(local), offset); err != nil {
			return err
		}
		s.dirty.Set(local, false)
	}
	return s.dataFile.Flush()
}

// InvalidateDirectoryCluster drops a cached directory cluster without
// flushing it, used by the transaction log's restore path when an
// in-memory cache copy must be discarded in favor of a recovered pre-image.
func (s *Store) InvalidateDirectoryCluster(cluster layout.ClusterIndex) {
	if !s.isDirectoryCluster(cluster) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded.Set(int(cluster), false)
	s.dirty.Set(int(cluster), false)
}
