package vfs_test

import (
	"io"
	"testing"

	"github.com/dargueta/splitfat/bytefile"
	"github.com/dargueta/splitfat/errors"
	"github.com/dargueta/splitfat/layout"
	"github.com/dargueta/splitfat/splitfattest"
	"github.com/dargueta/splitfat/vfs"
	"github.com/dargueta/splitfat/volmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// crashingOpener wraps a bytefile.Opener so every file it hands out drops
// all writes past budget bytes, via splitfattest.CrashingFile. Used to
// simulate a process that dies partway through an uncommitted transaction:
// the files it was writing to never actually receive the bytes, exactly as
// if the host had crashed before flushing its page cache.
type crashingOpener struct {
	inner  bytefile.Opener
	budget int
}

func (o *crashingOpener) Open(name string, writable bool) (bytefile.ByteFile, errors.Error) {
	f, err := o.inner.Open(name, writable)
	if err != nil {
		return nil, err
	}
	return splitfattest.NewCrashingFile(f, o.budget), nil
}

func (o *crashingOpener) Create(name string) (bytefile.ByteFile, errors.Error) {
	f, err := o.inner.Create(name)
	if err != nil {
		return nil, err
	}
	return splitfattest.NewCrashingFile(f, o.budget), nil
}

func (o *crashingOpener) Exists(name string) bool {
	return o.inner.Exists(name)
}

func (o *crashingOpener) Rename(oldName, newName string) errors.Error {
	return o.inner.Rename(oldName, newName)
}

func (o *crashingOpener) Remove(name string) errors.Error {
	return o.inner.Remove(name)
}

func newTestFileSystem(t *testing.T) *vfs.FileSystem {
	t.Helper()
	geometry := layout.NewDefault()
	geometry.ClusterSize = 32
	geometry.BytesPerBlock = 32 * 4 // 4 clusters per block
	geometry.MaxBlocksCount = 4
	geometry.FirstFileDataBlockIndex = 1

	opener := splitfattest.NewMemoryOpener()
	mgr := volmanager.New(opener, &geometry)
	require.Nil(t, mgr.CreateIfDoesNotExist())
	require.Nil(t, mgr.AllocateBlockByIndex(1))

	fs, err := vfs.NewFileSystem(mgr)
	require.Nil(t, err)
	return fs
}

func TestFileSystem_CreateWriteReadRoundTrip(t *testing.T) {
	fs := newTestFileSystem(t)

	fm, err := fs.CreateFile("/hello.txt", vfs.ModeWrite|vfs.ModeRead, false)
	require.Nil(t, err)

	content := splitfattest.RepeatingPattern(50) // spans more than one 32-byte cluster
	n, werr := fm.Write(content)
	require.Nil(t, werr)
	assert.Equal(t, len(content), n)
	require.Nil(t, fm.Close())

	fm2, err := fs.Open("/hello.txt", vfs.ModeRead)
	require.Nil(t, err)
	assert.Equal(t, layout.FileSize(50), fm2.Record().FileSize)

	buf := make([]byte, 50)
	read, rerr := fm2.Read(buf)
	require.Nil(t, rerr)
	assert.Equal(t, 50, read)
	assert.Equal(t, content, buf)
}

func TestFileSystem_Read_ClampsAtEOF(t *testing.T) {
	fs := newTestFileSystem(t)
	fm, err := fs.CreateFile("/a.bin", vfs.ModeWrite|vfs.ModeRead, true)
	require.Nil(t, err)

	content := splitfattest.RepeatingPattern(10)
	_, werr := fm.Write(content)
	require.Nil(t, werr)

	_, serr := fm.Seek(0, io.SeekStart)
	require.Nil(t, serr)

	buf := make([]byte, 100)
	n, rerr := fm.Read(buf)
	require.Nil(t, rerr)
	assert.Equal(t, 10, n)
}

func TestFileSystem_CreateDirectory_AndExists(t *testing.T) {
	fs := newTestFileSystem(t)

	require.Nil(t, fs.CreateDirectory("/docs"))
	exists, err := fs.DirectoryExists("/docs")
	require.Nil(t, err)
	assert.True(t, exists)

	exists, err = fs.FileExists("/docs")
	require.Nil(t, err)
	assert.False(t, exists)

	dupErr := fs.CreateDirectory("/docs")
	require.NotNil(t, dupErr, "creating the same directory twice must fail")
}

func TestFileSystem_IterateDirectory_SkipsDeleted(t *testing.T) {
	fs := newTestFileSystem(t)
	require.Nil(t, fs.CreateDirectory("/docs"))

	_, err := fs.CreateFile("/docs/a.txt", vfs.ModeWrite, false)
	require.Nil(t, err)
	_, err = fs.CreateFile("/docs/b.txt", vfs.ModeWrite, false)
	require.Nil(t, err)
	require.Nil(t, fs.DeleteFile("/docs/b.txt"))

	var seen []string
	iterErr := fs.IterateDirectory("/docs", vfs.IterateFiles, func(entry vfs.DirectoryEntry) errors.Error {
		seen = append(seen, entry.Path)
		return nil
	})
	require.Nil(t, iterErr)
	assert.Equal(t, []string{"/docs/a.txt"}, seen)
}

func TestFileSystem_RenameFile(t *testing.T) {
	fs := newTestFileSystem(t)
	fm, err := fs.CreateFile("/old.txt", vfs.ModeWrite, false)
	require.Nil(t, err)
	_, werr := fm.Write(splitfattest.RepeatingPattern(32))
	require.Nil(t, werr)
	require.Nil(t, fm.Close())

	require.Nil(t, fs.RenameFile("/old.txt", "/new.txt"))

	exists, err := fs.FileExists("/old.txt")
	require.Nil(t, err)
	assert.False(t, exists)

	exists, err = fs.FileExists("/new.txt")
	require.Nil(t, err)
	assert.True(t, exists)
}

func TestFileSystem_RemoveDirectory_FailsWhenNotEmpty(t *testing.T) {
	fs := newTestFileSystem(t)
	require.Nil(t, fs.CreateDirectory("/docs"))
	_, err := fs.CreateFile("/docs/a.txt", vfs.ModeWrite, false)
	require.Nil(t, err)

	removeErr := fs.RemoveDirectory("/docs")
	require.NotNil(t, removeErr)

	require.Nil(t, fs.DeleteFile("/docs/a.txt"))
	require.Nil(t, fs.RemoveDirectory("/docs"))
}

func TestFileSystem_FindFileFromCluster(t *testing.T) {
	fs := newTestFileSystem(t)
	fm, err := fs.CreateFile("/traced.bin", vfs.ModeWrite, true)
	require.Nil(t, err)
	_, werr := fm.Write(splitfattest.RepeatingPattern(32))
	require.Nil(t, werr)
	require.Nil(t, fm.Close())

	rec, _, ferr := fs.FindFileFromCluster(fm.Record().StartCluster)
	require.Nil(t, ferr)
	assert.Equal(t, "traced.bin", rec.Name)
}

func TestFileSystem_RecoverPathFromCluster(t *testing.T) {
	fs := newTestFileSystem(t)
	require.Nil(t, fs.CreateDirectory("/docs"))

	fm, err := fs.CreateFile("/docs/report.txt", vfs.ModeWrite, true)
	require.Nil(t, err)
	_, werr := fm.Write(splitfattest.RepeatingPattern(8))
	require.Nil(t, werr)
	require.Nil(t, fm.Close())

	path, rerr := fs.RecoverPathFromCluster(fm.Record().StartCluster)
	require.Nil(t, rerr)
	assert.Equal(t, "/docs/report.txt", path)
}

func TestFileSystem_MoveCluster(t *testing.T) {
	fs := newTestFileSystem(t)
	fm, err := fs.CreateFile("/moved.bin", vfs.ModeWrite, true)
	require.Nil(t, err)
	content := splitfattest.RepeatingPattern(32)
	_, werr := fm.Write(content)
	require.Nil(t, werr)
	require.Nil(t, fm.Close())

	source := fm.Record().StartCluster
	dest := layout.ClusterIndex(uint32(source) + 1)
	require.Nil(t, fs.MoveCluster(source, dest))

	rec, _, ferr := fs.FindFileFromCluster(dest)
	require.Nil(t, ferr)
	assert.Equal(t, dest, rec.StartCluster)
}

// TestFileSystem_AbandonedTransaction_NotVisibleAfterReopen covers spec
// §8 crash-safety scenario 1: a transaction that writes a new file but is
// never committed must leave no trace once the volume is reopened, and
// free space must read exactly as it did before the transaction started.
func TestFileSystem_AbandonedTransaction_NotVisibleAfterReopen(t *testing.T) {
	setupGeometry := layout.NewDefault()
	setupGeometry.ClusterSize = 4096 // 4 clusters/block holds the 16 KiB write exactly
	setupGeometry.BytesPerBlock = 4096 * 4
	setupGeometry.MaxBlocksCount = 4
	setupGeometry.FirstFileDataBlockIndex = 1

	opener := splitfattest.NewMemoryOpener()
	setupMgr := volmanager.New(opener, &setupGeometry)
	require.Nil(t, setupMgr.CreateIfDoesNotExist())
	require.Nil(t, setupMgr.AllocateBlockByIndex(1))
	require.Nil(t, setupMgr.AllocateBlockByIndex(2))

	setupFS, err := vfs.NewFileSystem(setupMgr)
	require.Nil(t, err)
	freeSpaceBefore, ferr := setupFS.GetFreeSpace()
	require.Nil(t, ferr)

	// A second session opens the same volume through an Opener that drops
	// every byte it's asked to write (budget 0): it starts a transaction,
	// creates a file, writes its content, and then "crashes" by simply
	// never calling CommitTransaction. Nothing it wrote ever reaches the
	// shared memory files underneath.
	crashing := &crashingOpener{inner: opener, budget: 0}
	abandonedGeometry := layout.NewDefault()
	abandonedMgr := volmanager.New(crashing, &abandonedGeometry)
	require.Nil(t, abandonedMgr.CreateIfDoesNotExist())

	abandonedFS, err := vfs.NewFileSystem(abandonedMgr)
	require.Nil(t, err)
	require.Nil(t, abandonedFS.StartTransaction())

	fm, err := abandonedFS.CreateFile("/a.bin", vfs.ModeWrite, true)
	require.Nil(t, err)
	_, werr := fm.Write(splitfattest.RepeatingPattern(16 * 1024))
	require.Nil(t, werr)
	// Deliberately no Close, no CommitTransaction: this is where the
	// process dies.

	// A fresh session reopens the real, uncorrupted files directly.
	reopenGeometry := layout.NewDefault()
	reopenMgr := volmanager.New(opener, &reopenGeometry)
	require.Nil(t, reopenMgr.CreateIfDoesNotExist())

	reopenFS, err := vfs.NewFileSystem(reopenMgr)
	require.Nil(t, err)

	exists, eerr := reopenFS.FileExists("/a.bin")
	require.Nil(t, eerr)
	assert.False(t, exists, "an abandoned transaction's file must not survive a reopen")

	freeSpaceAfter, ferr := reopenFS.GetFreeSpace()
	require.Nil(t, ferr)
	assert.Equal(t, freeSpaceBefore, freeSpaceAfter)
}

// TestFileSystem_ThreeClusterChain_Shape covers spec §8's three-cluster
// FAT chain acceptance scenario: the start cell is tagged START and the
// end cell is tagged END, the middle cell is tagged neither, and both the
// start and end cells still encode the owning directory record's location.
func TestFileSystem_ThreeClusterChain_Shape(t *testing.T) {
	fs := newTestFileSystem(t)

	fm, err := fs.CreateFile("/chain.bin", vfs.ModeWrite, true)
	require.Nil(t, err)
	// Cluster size is 32 bytes; 70 bytes needs ceil(70/32) = 3 clusters.
	_, werr := fm.Write(splitfattest.RepeatingPattern(70))
	require.Nil(t, werr)
	require.Nil(t, fm.Close())

	record := fm.Record()
	start := record.StartCluster
	end := record.LastCluster

	_, loc, ferr := fs.FindFileFromCluster(start)
	require.Nil(t, ferr)

	startCell, cerr := fs.Manager().GetFATCell(start)
	require.Nil(t, cerr)
	endCell, cerr := fs.Manager().GetFATCell(end)
	require.Nil(t, cerr)

	middle := startCell.Next()
	require.NotEqual(t, layout.InvalidCluster, middle, "a 70-byte file must span three clusters")
	middleCell, cerr := fs.Manager().GetFATCell(middle)
	require.Nil(t, cerr)

	splitfattest.AssertChainCell(t, startCell, true, false, layout.InvalidCluster, middle)
	splitfattest.AssertChainCell(t, middleCell, false, false, start, end)
	splitfattest.AssertChainCell(t, endCell, false, true, middle, layout.InvalidCluster)

	splitfattest.AssertDescriptorLocation(t, startCell, loc.DescriptorCluster)
	splitfattest.AssertDescriptorLocation(t, endCell, loc.DescriptorCluster)
}

// TestFileSystem_RenameFile_ToExistingNameFails covers spec §8's
// rename-to-existing-name scenario: renaming over a path that's already
// occupied must fail with EXISTS rather than silently overwriting it.
func TestFileSystem_RenameFile_ToExistingNameFails(t *testing.T) {
	fs := newTestFileSystem(t)

	fm1, err := fs.CreateFile("/first.txt", vfs.ModeWrite, false)
	require.Nil(t, err)
	require.Nil(t, fm1.Close())

	fm2, err := fs.CreateFile("/second.txt", vfs.ModeWrite, false)
	require.Nil(t, err)
	require.Nil(t, fm2.Close())

	renameErr := fs.RenameFile("/first.txt", "/second.txt")
	require.NotNil(t, renameErr, "renaming onto an existing path must fail")
	assert.Equal(t, errors.KindExists, renameErr.Kind())

	exists, eerr := fs.FileExists("/first.txt")
	require.Nil(t, eerr)
	assert.True(t, exists, "the source file must still exist after a failed rename")
}
