// Package volmanager implements the VolumeManager of a SplitFAT volume
// (spec §4.4, C9): the component that owns the VolumeDescriptor/ControlData,
// the FAT engine, the cluster-data store, block virtualization, and the
// transaction log, and presents them to the layer above (vfs) as one
// coherent, lifecycle-managed unit.
//
// Grounded on
// original_source/SplitFAT/include/SplitFAT/VolumeManager.h and
// VolumeManager.cpp: the FileSystemState machine
// (FSS_UNKNOWN/FSS_STORAGE_SETUP/FSS_CREATED/FSS_READY/FSS_ERROR),
// createIfDoesNotExist's open-or-create decision, allocateBlockByIndex,
// fastConsistencyCheck, and the setFATCell/getFATCell/readCluster/
// writeCluster façade that hides FATDataManager and DataBlockManager (here,
// fatengine.Manager and clusterstore.Store) from the virtual file system
// layer above. blockSwitch here becomes BlockSwitch, explicit about which
// virtual block is being promoted out of the scratch block, since Go has no
// implicit "the one block currently redirected" global the C++ original
// tracked as a single mutable field.
package volmanager

import (
	"sync"

	"github.com/dargueta/splitfat/bytefile"
	"github.com/dargueta/splitfat/clusterstore"
	"github.com/dargueta/splitfat/errors"
	"github.com/dargueta/splitfat/fatengine"
	"github.com/dargueta/splitfat/layout"
	"github.com/dargueta/splitfat/translog"
	"github.com/dargueta/splitfat/virtualization"
	"github.com/hashicorp/go-multierror"
)

const (
	// DefaultFATFileName and DefaultDataFileName are the two host files a
	// two-file volume is built from (spec §3, "two-fork" layout). A
	// single-file volume (layout.FlagSingleFileVolume) instead opens one
	// name for both roles; that mode is not yet wired here.
	DefaultFATFileName  = "volume.fat"
	DefaultDataFileName = "volume.dat"
)

// Manager owns every C4-C8 component for one volume and the lifecycle state
// machine coordinating them.
type Manager struct {
	opener   bytefile.Opener
	geometry *layout.Descriptor

	mu          sync.Mutex
	state       State
	controlData layout.ControlData

	fatFile  bytefile.ByteFile
	dataFile bytefile.ByteFile

	fatManager   *fatengine.Manager
	clusterStore *clusterstore.Store
	vtable       *virtualization.Table
	txlog        *translog.Log

	// touchedBlocks records which virtual file-data blocks this open
	// transaction has redirected through the scratch block, so Commit
	// knows which ones to promote with BlockSwitch once the transaction
	// log's rename has linearized the commit.
	touchedBlocks map[uint8]bool
}

// New binds opener and geometry without touching storage yet
// (VolumeManager::setup).
func New(opener bytefile.Opener, geometry *layout.Descriptor) *Manager {
	return &Manager{
		opener:        opener,
		geometry:      geometry,
		state:         StateStorageSetup,
		touchedBlocks: make(map[uint8]bool),
	}
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) fail(err errors.Error) errors.Error {
	m.state = StateError
	return err
}

// CreateIfDoesNotExist opens an existing volume if both host files are
// present, or creates a brand-new one otherwise
// (VolumeManager::createIfDoesNotExist: "should not create a new volume if
// there is an existing one").
func (m *Manager) CreateIfDoesNotExist() errors.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opener.Exists(DefaultFATFileName) && m.opener.Exists(DefaultDataFileName) {
		return m.openVolumeLocked()
	}
	return m.createVolumeLocked()
}

func (m *Manager) createVolumeLocked() errors.Error {
	fatFile, err := m.opener.Create(DefaultFATFileName)
	if err != nil {
		return m.fail(err)
	}
	dataFile, err := m.opener.Create(DefaultDataFileName)
	if err != nil {
		return m.fail(err)
	}
	m.fatFile = fatFile
	m.dataFile = dataFile

	m.controlData = layout.ControlData{}
	if err := m.writeDescriptorAndControlDataLocked(); err != nil {
		return m.fail(err)
	}

	m.fatManager = fatengine.New(m.geometry, m.fatFile, 0)
	if err := m.fatManager.AllocateFATBlock(layout.DirectoryBlockIndex); err != nil {
		return m.fail(err)
	}
	m.controlData.CountAllocatedFATBlocks = 1

	if err := m.setupVirtualizationLocked(true); err != nil {
		return m.fail(err)
	}
	m.clusterStore = clusterstore.New(m.geometry, m.dataFile, m.resolvePhysicalBlock, m.tagFATCellCRC, m.lookupFATCellCRC)
	m.txlog = translog.New(m.opener, m.geometry, m.fatManager, m.clusterStore, m.vtable)

	if err := m.allocateBlockByIndexLocked(layout.DirectoryBlockIndex); err != nil {
		return m.fail(err)
	}

	m.state = StateCreated
	return nil
}

func (m *Manager) openVolumeLocked() errors.Error {
	fatFile, err := m.opener.Open(DefaultFATFileName, true)
	if err != nil {
		return m.fail(err)
	}
	dataFile, err := m.opener.Open(DefaultDataFileName, true)
	if err != nil {
		return m.fail(err)
	}
	m.fatFile = fatFile
	m.dataFile = dataFile

	header := make([]byte, layout.EncodedSize)
	if err := bytefile.ReadFull(m.fatFile, header, 0); err != nil {
		return m.fail(err)
	}
	if err := m.geometry.Decode(header); err != nil {
		return m.fail(err)
	}
	if !m.geometry.VerifyConsistency() {
		return m.fail(errors.ErrCorruption.WithMessage("volume descriptor magic mismatch"))
	}
	if m.geometry.Version == layout.MinSupportedUpgradeVersion {
		layout.UpgradeFrom6To7(m.geometry, &m.controlData)
	}

	cdBuf := make([]byte, layout.ControlDataEncodedSize)
	if err := bytefile.ReadFull(m.fatFile, cdBuf, int64(layout.EncodedSize)); err != nil {
		return m.fail(err)
	}
	if err := m.controlData.Decode(cdBuf); err != nil {
		return m.fail(err)
	}

	m.fatManager = fatengine.New(m.geometry, m.fatFile, m.controlData.CountAllocatedFATBlocks)
	if err := m.setupVirtualizationLocked(false); err != nil {
		return m.fail(err)
	}
	m.clusterStore = clusterstore.New(m.geometry, m.dataFile, m.resolvePhysicalBlock, m.tagFATCellCRC, m.lookupFATCellCRC)
	m.txlog = translog.New(m.opener, m.geometry, m.fatManager, m.clusterStore, m.vtable)

	if err := m.txlog.TryRestoreFromTransactionFile(); err != nil {
		return m.fail(err)
	}
	if err := m.fastConsistencyCheckLocked(); err != nil {
		return m.fail(err)
	}

	m.state = StateReady
	return nil
}

// setupVirtualizationLocked builds m.vtable from the geometry's reserved
// region, or creates a fresh one when initial is true. Volumes without
// FlagScratchBlockSupport leave m.vtable nil; resolvePhysicalBlock then
// falls back to an identity mapping.
func (m *Manager) setupVirtualizationLocked(initial bool) errors.Error {
	if !m.geometry.Flags.HasScratchBlock() {
		return nil
	}

	persist := func(slot int, d *virtualization.Descriptor) errors.Error {
		encoded := d.Encode()
		start := slot * virtualization.EncodedSize
		copy(m.geometry.ExtraParameters[start:start+virtualization.EncodedSize], encoded)
		return m.writeDescriptorAndControlDataLocked()
	}

	if initial {
		// BlockIndices and ScratchBlockIndex inside Table are local to the
		// file-data block range (0-based, excluding the directory block);
		// resolvePhysicalBlock adds FirstFileDataBlockIndex back on to get
		// an absolute physical block in the data file. The scratch block
		// therefore lives one block past the last FAT-governed block,
		// entirely outside the FAT's own address space.
		virtualBlocksCount := uint8(m.geometry.MaxBlocksCount - m.geometry.FirstFileDataBlockIndex)
		scratchBlockIndex := virtualBlocksCount
		vtable, err := virtualization.CreateInitial(virtualBlocksCount, scratchBlockIndex, persist)
		if err != nil {
			return err
		}
		m.vtable = vtable
		return nil
	}

	var d0, d1 virtualization.Descriptor
	d0.Decode(m.geometry.ExtraParameters[0:virtualization.EncodedSize])
	d1.Decode(m.geometry.ExtraParameters[virtualization.EncodedSize : 2*virtualization.EncodedSize])
	vtable, err := virtualization.New(d0, d1, persist)
	if err != nil {
		return err
	}
	m.vtable = vtable
	return nil
}

func (m *Manager) writeDescriptorAndControlDataLocked() errors.Error {
	encoded, err := m.geometry.Encode()
	if err != nil {
		return errors.ErrIO.WrapError(err)
	}
	if err := bytefile.WriteFull(m.fatFile, encoded, 0); err != nil {
		return err
	}
	if err := bytefile.WriteFull(m.fatFile, m.controlData.Encode(), int64(layout.EncodedSize)); err != nil {
		return err
	}
	return m.fatFile.Flush()
}

// resolvePhysicalBlock is the clusterstore.PhysicalBlockResolver this
// manager supplies: the directory block (and any volume with virtualization
// disabled) maps virtual to physical one-to-one; file-data blocks resolve
// reads through the active descriptor and redirect writes to the scratch
// block, recording which virtual block was touched so Commit knows what to
// promote with BlockSwitch.
func (m *Manager) resolvePhysicalBlock(virtualBlock uint8, forWrite bool) (uint8, errors.Error) {
	if m.vtable == nil || uint32(virtualBlock) < m.geometry.FirstFileDataBlockIndex {
		return virtualBlock, nil
	}
	local := virtualBlock - uint8(m.geometry.FirstFileDataBlockIndex)

	if forWrite {
		m.mu.Lock()
		m.touchedBlocks[local] = true
		m.mu.Unlock()
		return m.vtable.PhysicalForWrite() + uint8(m.geometry.FirstFileDataBlockIndex), nil
	}

	// A block already redirected through the scratch block this transaction
	// must keep reading from scratch too, or a caller reading back what it
	// just wrote (a routine thing to do before the transaction commits)
	// would see the stale pre-write content: PhysicalForRead only ever
	// resolves through the active descriptor, which isn't updated until
	// BlockSwitch runs at commit.
	m.mu.Lock()
	touched := m.touchedBlocks[local]
	m.mu.Unlock()
	if touched {
		return m.vtable.PhysicalForWrite() + uint8(m.geometry.FirstFileDataBlockIndex), nil
	}

	phys, err := m.vtable.PhysicalForRead(local)
	if err != nil {
		return 0, err
	}
	return phys + uint8(m.geometry.FirstFileDataBlockIndex), nil
}

func (m *Manager) tagFATCellCRC(cluster layout.ClusterIndex, crc16 uint16) errors.Error {
	cell, err := m.fatManager.Get(cluster)
	if err != nil {
		return err
	}
	return m.fatManager.Set(cluster, cell.WithCRC16(crc16))
}

func (m *Manager) lookupFATCellCRC(cluster layout.ClusterIndex) (uint16, bool, errors.Error) {
	cell, err := m.fatManager.Get(cluster)
	if err != nil {
		return 0, false, err
	}
	return cell.CRC16(), cell.IsInitialized(), nil
}

// AllocateBlockByIndex allocates both the FAT block and the cluster-data
// block at blockIndex (VolumeManager::allocateBlockByIndex).
func (m *Manager) AllocateBlockByIndex(blockIndex uint32) errors.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateBlockByIndexLocked(blockIndex)
}

func (m *Manager) allocateBlockByIndexLocked(blockIndex uint32) errors.Error {
	if err := m.fatManager.AllocateFATBlock(blockIndex); err != nil {
		return err
	}

	// Grow the cluster-data file enough to hold the new block; writing a
	// single zero byte at its last offset is enough for a host file system
	// to treat the rest as a sparse, implicitly-zeroed hole.
	lastByte := m.geometry.DataBlockOffset(blockIndex) + int64(m.geometry.BytesPerBlock) - 1
	if err := bytefile.WriteFull(m.dataFile, []byte{0}, lastByte); err != nil {
		return err
	}

	if blockIndex+1 > m.controlData.CountAllocatedDataBlocks {
		m.controlData.CountAllocatedDataBlocks = blockIndex + 1
	}
	if blockIndex+1 > m.controlData.CountAllocatedFATBlocks {
		m.controlData.CountAllocatedFATBlocks = blockIndex + 1
	}
	m.controlData.CountTotalDataClusters = m.controlData.CountAllocatedDataBlocks * m.geometry.ClustersPerBlock()
	return m.writeDescriptorAndControlDataLocked()
}

// FastConsistencyCheck is the cheap check run at every Open: the volume
// descriptor's magic and, when block virtualization is enabled, the active
// virtualization descriptor's own CRCs (VolumeManager::fastConsistencyCheck
// checks "magic + descriptor CRC"; layout.Descriptor itself carries no CRC
// field in this port, so the virtualization descriptor's CRC stands in as
// the cheap integrity signal beyond the magic number).
func (m *Manager) FastConsistencyCheck() errors.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fastConsistencyCheckLocked()
}

func (m *Manager) fastConsistencyCheckLocked() errors.Error {
	if !m.geometry.VerifyConsistency() {
		return errors.ErrCorruption.WithMessage("volume descriptor magic mismatch")
	}
	if m.vtable != nil && !m.vtable.ActiveDescriptor().Verify() {
		return errors.ErrCorruption.WithMessage("active block virtualization descriptor failed verification")
	}
	return nil
}

// IsInTransaction reports whether a transaction is currently open.
func (m *Manager) IsInTransaction() bool {
	return m.txlog.IsInTransaction()
}

// StartTransaction opens a new transaction (VolumeManager::startTransaction).
func (m *Manager) StartTransaction() errors.Error {
	return m.txlog.Start()
}

// CommitTransaction closes the current transaction and, once it has
// linearized successfully, promotes every virtual block that was redirected
// through the scratch block during the transaction back to a stable
// physical slot via BlockSwitch (VolumeManager::endTransaction followed by
// blockSwitch for each touched block).
func (m *Manager) CommitTransaction() errors.Error {
	if err := m.txlog.Commit(); err != nil {
		return err
	}

	m.mu.Lock()
	touched := m.touchedBlocks
	m.touchedBlocks = make(map[uint8]bool)
	m.mu.Unlock()

	var merr *multierror.Error
	for vb := range touched {
		if err := m.BlockSwitch(vb); err != nil {
			merr = errors.Append(merr, err)
		}
	}
	if merr != nil {
		return errors.ErrIO.WrapError(merr)
	}
	return nil
}

// BlockSwitch promotes localVirtualBlock (0-based among file-data blocks)
// out of the scratch block by swapping block virtualization's descriptors
// (VolumeManager::blockSwitch). A no-op when virtualization is disabled.
func (m *Manager) BlockSwitch(localVirtualBlock uint8) errors.Error {
	if m.vtable == nil {
		return nil
	}
	return m.vtable.SwapScratch(localVirtualBlock)
}

// TryRestoreFromTransactionFile replays a leftover _trans file, if any
// (VolumeManager::tryRestoreFromTransactionFile). Called by openVolumeLocked
// during Open; exposed for callers (tests, fsck tooling) that want to force
// a recovery pass explicitly.
func (m *Manager) TryRestoreFromTransactionFile() errors.Error {
	return m.txlog.TryRestoreFromTransactionFile()
}

// GetFATCell reads the FAT cell for cluster.
func (m *Manager) GetFATCell(cluster layout.ClusterIndex) (fatengine.Cell, errors.Error) {
	return m.fatManager.Get(cluster)
}

// SetFATCell writes the FAT cell for cluster. fatManager logs the block's
// pre-image itself the first time it's touched inside an open transaction
// (spec §4.8); the manager does not need to intervene here.
func (m *Manager) SetFATCell(cluster layout.ClusterIndex, value fatengine.Cell) errors.Error {
	return m.fatManager.Set(cluster, value)
}

// TryFindFreeCluster looks for a free cluster, preferring directory-block
// clusters when useFileDataStorage is false (VolumeManager::findFreeCluster).
func (m *Manager) TryFindFreeCluster(useFileDataStorage bool) (layout.ClusterIndex, errors.Error) {
	return m.fatManager.TryFindFreeClusterInAllocatedBlocks(useFileDataStorage)
}

// TryFindFreeClusterInBlock looks for a free cluster in one specific block,
// allocating the block first if it doesn't exist yet. Used by placement to
// try its selected block before falling back to TryFindFreeCluster.
func (m *Manager) TryFindFreeClusterInBlock(blockIndex uint32) (layout.ClusterIndex, errors.Error) {
	return m.fatManager.TryFindFreeClusterInBlock(blockIndex)
}

// GetMaxCountFreeClustersInABlock returns the file-data block (other than
// blockIndexToSkip) with the most free clusters, the way placement's default
// policy picks where new allocations should land.
func (m *Manager) GetMaxCountFreeClustersInABlock(blockIndexToSkip uint32) (uint32, uint32, errors.Error) {
	return m.fatManager.GetMaxCountFreeClustersInABlock(blockIndexToSkip)
}

// GetCountFreeClustersInBlock returns one specific block's free-cluster
// count, used by placement to tell whether a degraded block's content
// actually needs defragmenting.
func (m *Manager) GetCountFreeClustersInBlock(blockIndex uint32) (uint32, errors.Error) {
	return m.fatManager.GetCountFreeClustersInBlock(blockIndex)
}

// ExecuteOnFATBlock hands one FAT block's raw cell array to callback,
// re-encoding the block only if callback reports a change. Placement uses
// the read-only path to score a block's fragmentation without needing its
// own copy of the FAT cell layout.
func (m *Manager) ExecuteOnFATBlock(blockIndex uint32, callback func([]byte) (bool, errors.Error)) errors.Error {
	return m.fatManager.ExecuteOnBlock(blockIndex, callback)
}

// FirstFileDataBlockIndex returns the lowest block index placement may use
// for file-data clusters (block 0 is reserved for the root directory chain).
func (m *Manager) FirstFileDataBlockIndex() uint32 {
	return m.geometry.FirstFileDataBlockIndex
}

// ReadCluster fills buf with cluster's content.
func (m *Manager) ReadCluster(cluster layout.ClusterIndex, buf []byte) errors.Error {
	return m.clusterStore.Read(cluster, buf)
}

// WriteCluster stores buf as cluster's content. Directory-cluster writes
// made inside an open transaction are pre-image logged first, since
// clusterstore.Store's write-back cache only knows how to hold the new
// content, not how to remember what it's replacing (spec §4.8).
func (m *Manager) WriteCluster(cluster layout.ClusterIndex, buf []byte) errors.Error {
	if m.txlog.IsInTransaction() && uint32(cluster) < m.geometry.ClustersPerBlock() {
		if err := m.txlog.LogDirectoryClusterChange(cluster); err != nil {
			return err
		}
	}
	return m.clusterStore.Write(cluster, buf)
}

// GetFreeSpace returns the total free space across allocated file-data
// blocks, in bytes (VolumeManager::getFreeSpace).
func (m *Manager) GetFreeSpace() (layout.FileSize, errors.Error) {
	free, err := m.fatManager.GetCountFreeClusters()
	if err != nil {
		return 0, err
	}
	return layout.FileSize(free) * layout.FileSize(m.geometry.ClusterSize), nil
}

// Flush persists every dirty FAT block, directory cluster, and the
// descriptor/control-data pair, collecting every failure instead of
// stopping at the first (VolumeManager::flush, using go-multierror the way
// translog's replay and CommitTransaction do).
func (m *Manager) Flush() errors.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var merr *multierror.Error
	merr = errors.Append(merr, m.fatManager.Flush())
	merr = errors.Append(merr, m.clusterStore.Flush())
	merr = errors.Append(merr, m.writeDescriptorAndControlDataLocked())
	if merr != nil {
		return errors.ErrIO.WrapError(merr)
	}
	return nil
}

// Geometry exposes the bound volume descriptor for callers (vfs, profiles,
// cmd/splitfatctl) that need geometry arithmetic without reaching past this
// package into layout directly.
func (m *Manager) Geometry() *layout.Descriptor {
	return m.geometry
}

// CountAllocatedFATBlocks returns the current VolumeControlData counter.
func (m *Manager) CountAllocatedFATBlocks() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controlData.CountAllocatedFATBlocks
}
