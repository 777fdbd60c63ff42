// Package splitfattest provides the in-memory fixtures and assertion
// helpers the rest of the module's test suites build on: a ByteFile backed
// by memory instead of a real file, random and repeating-pattern content
// generators, and crash-injection wrappers for exercising the transaction
// log's recovery path without touching a disk.
//
// Grounded on testing/images.go (in-memory disk images via
// github.com/xaionaro-go/bytesextra) and testing/blockcache.go, generalized
// from "load one fixed-size compressed image" to "create/grow an
// arbitrarily-sized in-memory volume host file."
package splitfattest

import (
	"io"
	"sync"

	"github.com/dargueta/splitfat/bytefile"
	"github.com/dargueta/splitfat/errors"
	"github.com/xaionaro-go/bytesextra"
)

// MemoryFile is a bytefile.ByteFile backed entirely by memory. Writes past
// the current end grow the backing buffer, unlike bytesextra's
// fixed-size ReadWriteSeeker alone, by re-wrapping a larger slice.
type MemoryFile struct {
	mu   sync.Mutex
	buf  []byte
	rws  io.ReadWriteSeeker
	open bool
}

// NewMemoryFile creates a MemoryFile with initialSize bytes, all zero.
func NewMemoryFile(initialSize int) *MemoryFile {
	buf := make([]byte, initialSize)
	return &MemoryFile{
		buf:  buf,
		rws:  bytesextra.NewReadWriteSeeker(buf),
		open: true,
	}
}

func (f *MemoryFile) ensureCapacity(end int) {
	if end <= len(f.buf) {
		return
	}
	grown := make([]byte, end)
	copy(grown, f.buf)
	f.buf = grown
	f.rws = bytesextra.NewReadWriteSeeker(f.buf)
}

func (f *MemoryFile) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *MemoryFile) ReadAt(buf []byte, pos int64) (int, errors.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return 0, errors.ErrInvalidState.WithMessage("memory file is closed")
	}
	if _, err := f.rws.Seek(pos, io.SeekStart); err != nil {
		return 0, errors.ErrIO.WrapError(err)
	}
	n, err := io.ReadFull(f.rws, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return n, errors.ErrIO.WrapError(err)
	}
	return n, nil
}

func (f *MemoryFile) WriteAt(buf []byte, pos int64) (int, errors.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return 0, errors.ErrInvalidState.WithMessage("memory file is closed")
	}
	f.ensureCapacity(int(pos) + len(buf))
	if _, err := f.rws.Seek(pos, io.SeekStart); err != nil {
		return 0, errors.ErrIO.WrapError(err)
	}
	n, err := f.rws.Write(buf)
	if err != nil {
		return n, errors.ErrIO.WrapError(err)
	}
	return n, nil
}

func (f *MemoryFile) Flush() errors.Error {
	return nil
}

func (f *MemoryFile) Seek(offset int64, whence int) (int64, errors.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos, err := f.rws.Seek(offset, whence)
	if err != nil {
		return 0, errors.ErrIO.WrapError(err)
	}
	return pos, nil
}

func (f *MemoryFile) GetPosition() (int64, errors.Error) {
	return f.Seek(0, io.SeekCurrent)
}

func (f *MemoryFile) GetSize() (int64, errors.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.buf)), nil
}

func (f *MemoryFile) Close() errors.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return errors.ErrInvalidState.WithMessage("memory file already closed")
	}
	f.open = false
	return nil
}

// Snapshot returns a copy of the file's current raw contents, for
// assertions and for seeding a second MemoryFile that simulates "what's on
// disk after a crash".
func (f *MemoryFile) Snapshot() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, len(f.buf))
	copy(out, f.buf)
	return out
}

// MemoryOpener is a bytefile.Opener over a fixed set of named MemoryFiles,
// for tests that exercise VolumeManager's multi-file layout (FAT file,
// cluster data file, transaction log) without touching a real filesystem.
type MemoryOpener struct {
	mu    sync.Mutex
	files map[string]*MemoryFile
}

// NewMemoryOpener creates an empty MemoryOpener.
func NewMemoryOpener() *MemoryOpener {
	return &MemoryOpener{files: make(map[string]*MemoryFile)}
}

func (o *MemoryOpener) Open(name string, writable bool) (bytefile.ByteFile, errors.Error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.files[name]
	if !ok {
		return nil, errors.ErrNotFound.WithMessage("no such memory file: " + name)
	}
	f.mu.Lock()
	f.open = true
	f.mu.Unlock()
	return f, nil
}

func (o *MemoryOpener) Create(name string) (bytefile.ByteFile, errors.Error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f := NewMemoryFile(0)
	o.files[name] = f
	return f, nil
}

func (o *MemoryOpener) Exists(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.files[name]
	return ok
}

func (o *MemoryOpener) Rename(oldName, newName string) errors.Error {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.files[oldName]
	if !ok {
		return errors.ErrNotFound.WithMessage("no such memory file: " + oldName)
	}
	delete(o.files, oldName)
	o.files[newName] = f
	return nil
}

func (o *MemoryOpener) Remove(name string) errors.Error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.files, name)
	return nil
}
