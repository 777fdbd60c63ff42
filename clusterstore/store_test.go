package clusterstore_test

import (
	"testing"

	"github.com/dargueta/splitfat/clusterstore"
	"github.com/dargueta/splitfat/crc"
	"github.com/dargueta/splitfat/errors"
	"github.com/dargueta/splitfat/layout"
	"github.com/dargueta/splitfat/splitfattest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGeometry() *layout.Descriptor {
	d := layout.NewDefault()
	d.ClusterSize = 32
	d.BytesPerBlock = 32 * 4 // 4 clusters per block
	return &d
}

// fakeTagStore records CRC tags the way fatengine's FAT cells would.
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

func TestStore_WriteThenReadDirectoryCluster(t *testing.T) {
	geometry := newTestGeometry()
	file := splitfattest.NewMemoryFile(int(geometry.BytesPerBlock))
	tags := newFakeTagStore()
	store := clusterstore.New(geometry, file, nil, tags.tag, tags.lookup)

	content := splitfattest.RepeatingPattern(int(geometry.ClusterSize))
	require.Nil(t, store.Write(layout.ClusterIndex(1), content))

	buf := make([]byte, geometry.ClusterSize)
	require.Nil(t, store.Read(layout.ClusterIndex(1), buf))
	assert.Equal(t, content, buf)
	assert.Equal(t, crc.Update16(0, content), tags.tags[layout.ClusterIndex(1)])
}

func TestStore_ReadDetectsCorruption(t *testing.T) {
	geometry := newTestGeometry()
	file := splitfattest.NewMemoryFile(int(geometry.BytesPerBlock))
	tags := newFakeTagStore()
	store := clusterstore.New(geometry, file, nil, tags.tag, tags.lookup)

	content := splitfattest.RepeatingPattern(int(geometry.ClusterSize))
	require.Nil(t, store.Write(layout.ClusterIndex(0), content))
	require.Nil(t, store.Flush())

	// Corrupt the on-disk bytes directly, bypassing the cache.
	raw := file.Snapshot()
	raw[0] ^= 0xFF
	_, werr := file.WriteAt(raw[0:1], 0)
	require.Nil(t, werr)

	// Force a fresh read by invalidating the cached copy.
	store.InvalidateDirectoryCluster(layout.ClusterIndex(0))

	buf := make([]byte, geometry.ClusterSize)
	err := store.Read(layout.ClusterIndex(0), buf)
	require.NotNil(t, err)
	assert.Equal(t, errors.KindCorruption, err.Kind())
}

func TestStore_DirectoryWriteIsDeferredUntilFlush(t *testing.T) {
	geometry := newTestGeometry()
	file := splitfattest.NewMemoryFile(int(geometry.BytesPerBlock))
	tags := newFakeTagStore()
	store := clusterstore.New(geometry, file, nil, tags.tag, tags.lookup)

	content := splitfattest.RepeatingPattern(int(geometry.ClusterSize))
	require.Nil(t, store.Write(layout.ClusterIndex(2), content))

	raw := file.Snapshot()
	offset := geometry.ClusterOffsetInBlock(layout.ClusterIndex(2))
	assert.NotEqual(t, content, raw[offset:offset+int64(geometry.ClusterSize)],
		"an unflushed directory-cluster write must not be visible on disk yet")

	require.Nil(t, store.Flush())
	raw = file.Snapshot()
	assert.Equal(t, content, raw[offset:offset+int64(geometry.ClusterSize)])
}

func TestStore_ResolverRedirectsFileDataWrites(t *testing.T) {
	geometry := newTestGeometry()
	geometry.FirstFileDataBlockIndex = 1
	// Two blocks worth of space plus a scratch block at index 2.
	file := splitfattest.NewMemoryFile(int(geometry.BytesPerBlock) * 3)

	var resolvedWriteBlock uint8
	resolver := func(virtualBlock uint8, forWrite bool) (uint8, errors.Error) {
		if forWrite {
			resolvedWriteBlock = 2 // scratch block
			return 2, nil
		}
		return virtualBlock, nil
	}

	tags := newFakeTagStore()
	store := clusterstore.New(geometry, file, resolver, tags.tag, tags.lookup)

	content := splitfattest.RepeatingPattern(int(geometry.ClusterSize))
	// Cluster 4 lives in block 1 (clusters_per_block=4: block1 covers 4..7).
	require.Nil(t, store.Write(layout.ClusterIndex(4), content))
	assert.Equal(t, uint8(2), resolvedWriteBlock)

	scratchOffset := int64(2)*int64(geometry.BytesPerBlock) + geometry.ClusterOffsetInBlock(layout.ClusterIndex(4))
	raw := file.Snapshot()
	assert.Equal(t, content, raw[scratchOffset:scratchOffset+int64(geometry.ClusterSize)])
}
