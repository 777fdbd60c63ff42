package translog_test

import (
	"testing"

	"github.com/dargueta/splitfat/bytefile"
	"github.com/dargueta/splitfat/clusterstore"
	"github.com/dargueta/splitfat/errors"
	"github.com/dargueta/splitfat/fatengine"
	"github.com/dargueta/splitfat/layout"
	"github.com/dargueta/splitfat/splitfattest"
	"github.com/dargueta/splitfat/translog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGeometry() *layout.Descriptor {
	d := layout.NewDefault()
	d.ClusterSize = 32
	d.BytesPerBlock = 32 * 4 // 4 clusters per block
	d.MaxBlocksCount = 4
	return &d
}

type fakeTagStore struct {
	tags map[layout.ClusterIndex]uint16
	init map[layout.ClusterIndex]bool
}

func newFakeTagStore() *fakeTagStore {
	return &fakeTagStore{tags: map[layout.ClusterIndex]uint16{}, init: map[layout.ClusterIndex]bool{}}
}

func (f *fakeTagStore) tag(cluster layout.ClusterIndex, crc16 uint16) errors.Error {
	f.tags[cluster] = crc16
	f.init[cluster] = true
	return nil
}

func (f *fakeTagStore) lookup(cluster layout.ClusterIndex) (uint16, bool, errors.Error) {
	return f.tags[cluster], f.init[cluster], nil
}

// flakyFlushFile fails its first N Flush calls, as if an fsync silently
// failed, while every WriteAt still lands normally; it proves the
// difference between "bytes reached the host file" and "durably synced",
// which is the gap translog's restore path exists to close.
type flakyFlushFile struct {
	bytefile.ByteFile
	failFlushes int
}

func (f *flakyFlushFile) Flush() errors.Error {
	if f.failFlushes > 0 {
		f.failFlushes--
		return errors.ErrIO.WithMessage("simulated fsync failure")
	}
	return f.ByteFile.Flush()
}

func newFixture(t *testing.T) (*layout.Descriptor, *fatengine.Manager, *clusterstore.Store, *splitfattest.MemoryOpener) {
	t.Helper()
	geometry := newTestGeometry()
	fatFile := splitfattest.NewMemoryFile(int(geometry.FATBlockOffset(2)))
	fatManager := fatengine.New(geometry, fatFile, 0)
	require.Nil(t, fatManager.AllocateFATBlock(0))

	dataFile := splitfattest.NewMemoryFile(int(geometry.BytesPerBlock) * 2)
	tags := newFakeTagStore()
	store := clusterstore.New(geometry, dataFile, nil, tags.tag, tags.lookup)

	opener := splitfattest.NewMemoryOpener()
	return geometry, fatManager, store, opener
}

func TestLog_StartCommit_HappyPath(t *testing.T) {
	geometry, fatManager, store, opener := newFixture(t)
	log := translog.New(opener, geometry, fatManager, store, nil)

	require.Nil(t, log.Start())
	assert.True(t, log.IsInTransaction())

	cell := fatengine.FreeCell().AsEndOfChain(5).AsStartOfChain(5)
	require.Nil(t, fatManager.Set(layout.ClusterIndex(1), cell))

	content := splitfattest.RepeatingPattern(int(geometry.ClusterSize))
	require.Nil(t, store.Write(layout.ClusterIndex(0), content))

	require.Nil(t, log.Commit())
	assert.False(t, log.IsInTransaction())
	assert.False(t, opener.Exists(translog.DefaultTempName))
	assert.False(t, opener.Exists(translog.DefaultFinalName))

	buf := make([]byte, geometry.ClusterSize)
	require.Nil(t, store.Read(layout.ClusterIndex(0), buf))
	assert.Equal(t, content, buf)

	got, err := fatManager.Get(layout.ClusterIndex(1))
	require.Nil(t, err)
	assert.Equal(t, cell, got)
}

func TestLog_Commit_WithoutStartIsTransactionError(t *testing.T) {
	geometry, fatManager, store, opener := newFixture(t)
	log := translog.New(opener, geometry, fatManager, store, nil)

	err := log.Commit()
	require.NotNil(t, err)
	assert.Equal(t, errors.KindTransaction, err.Kind())
}

func TestLog_LogDirectoryClusterChange_DedupesToFirstOnly(t *testing.T) {
	geometry, fatManager, store, opener := newFixture(t)
	log := translog.New(opener, geometry, fatManager, store, nil)

	require.Nil(t, log.Start())
	require.Nil(t, log.LogDirectoryClusterChange(layout.ClusterIndex(0)))

	tempFile, err := opener.Open(translog.DefaultTempName, false)
	require.Nil(t, err)
	sizeAfterFirst, err := tempFile.GetSize()
	require.Nil(t, err)
	assert.Greater(t, sizeAfterFirst, int64(0))

	// A second log call for the same cluster in the same transaction must
	// not append another event.
	require.Nil(t, log.LogDirectoryClusterChange(layout.ClusterIndex(0)))
	sizeAfterSecond, err := tempFile.GetSize()
	require.Nil(t, err)
	assert.Equal(t, sizeAfterFirst, sizeAfterSecond)
}

func TestLog_TryRestoreFromTransactionFile_NoOpWhenAbsent(t *testing.T) {
	geometry, fatManager, store, opener := newFixture(t)
	log := translog.New(opener, geometry, fatManager, store, nil)

	assert.False(t, opener.Exists(translog.DefaultFinalName))
	require.Nil(t, log.TryRestoreFromTransactionFile())
}

func TestLog_Commit_RestoresPreImageWhenImmediateFlushFails(t *testing.T) {
	geometry := newTestGeometry()
	fatFile := splitfattest.NewMemoryFile(int(geometry.FATBlockOffset(2)))
	fatManager := fatengine.New(geometry, fatFile, 0)
	require.Nil(t, fatManager.AllocateFATBlock(0))

	flaky := &flakyFlushFile{ByteFile: splitfattest.NewMemoryFile(int(geometry.BytesPerBlock) * 2)}
	tags := newFakeTagStore()
	store := clusterstore.New(geometry, flaky, nil, tags.tag, tags.lookup)

	before := splitfattest.RepeatingPattern(int(geometry.ClusterSize))
	require.Nil(t, store.Write(layout.ClusterIndex(0), before))
	require.Nil(t, store.Flush())

	opener := splitfattest.NewMemoryOpener()
	log := translog.New(opener, geometry, fatManager, store, nil)

	// Start() flushes as part of putting the volume in a resting state
	// (spec §4.8 step 1); only after that succeeds do we arm the simulated
	// fsync failure that the commit below must recover from.
	require.Nil(t, log.Start())
	flaky.failFlushes = 1
	require.Nil(t, log.LogDirectoryClusterChange(layout.ClusterIndex(0)))

	after := make([]byte, geometry.ClusterSize)
	for i := range after {
		after[i] = 0xAA
	}
	require.Nil(t, store.Write(layout.ClusterIndex(0), after))

	commitErr := log.Commit()
	require.NotNil(t, commitErr, "the simulated fsync failure must surface as a commit error")
	assert.Equal(t, errors.KindIO, commitErr.Kind())

	buf := make([]byte, geometry.ClusterSize)
	store.InvalidateDirectoryCluster(layout.ClusterIndex(0))
	require.Nil(t, store.Read(layout.ClusterIndex(0), buf))
	assert.Equal(t, before, buf, "a failed commit must leave the cluster at its pre-transaction content")
}
