package bytefile

import (
	"io"
	"os"

	"github.com/dargueta/splitfat/errors"
)

// osFile adapts *os.File to the ByteFile port. It is the default, host-file
// implementation; drivers under splitfattest substitute an in-memory one for
// unit tests.
type osFile struct {
	file *os.File
	open bool
}

// NewOSFile wraps an already-opened *os.File as a ByteFile.
func NewOSFile(f *os.File) ByteFile {
	return &osFile{file: f, open: true}
}

func (f *osFile) IsOpen() bool {
	return f.open
}

func (f *osFile) ReadAt(buf []byte, pos int64) (int, errors.Error) {
	if !f.open {
		return 0, errors.ErrInvalidState.WithMessage("file is closed")
	}
	n, err := f.file.ReadAt(buf, pos)
	if err != nil && err != io.EOF {
		return n, errors.ErrIO.WrapError(err)
	}
	return n, nil
}

func (f *osFile) WriteAt(buf []byte, pos int64) (int, errors.Error) {
	if !f.open {
		return 0, errors.ErrInvalidState.WithMessage("file is closed")
	}
	n, err := f.file.WriteAt(buf, pos)
	if err != nil {
		return n, errors.ErrIO.WrapError(err)
	}
	return n, nil
}

func (f *osFile) Flush() errors.Error {
	if !f.open {
		return errors.ErrInvalidState.WithMessage("file is closed")
	}
	if err := f.file.Sync(); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	return nil
}

func (f *osFile) Seek(offset int64, whence int) (int64, errors.Error) {
	pos, err := f.file.Seek(offset, whence)
	if err != nil {
		return 0, errors.ErrIO.WrapError(err)
	}
	return pos, nil
}

func (f *osFile) GetPosition() (int64, errors.Error) {
	return f.Seek(0, io.SeekCurrent)
}

func (f *osFile) GetSize() (int64, errors.Error) {
	info, err := f.file.Stat()
	if err != nil {
		return 0, errors.ErrIO.WrapError(err)
	}
	return info.Size(), nil
}

func (f *osFile) Close() errors.Error {
	if !f.open {
		return errors.ErrInvalidState.WithMessage("file already closed")
	}
	f.open = false
	if err := f.file.Close(); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	return nil
}

// OSOpener implements Opener against the real host file system rooted at a
// base directory. The two (or one, in single-file mode) volume files and the
// transaction log all live as named files under that directory.
type OSOpener struct {
	BaseDir string
}

func NewOSOpener(baseDir string) *OSOpener {
	return &OSOpener{BaseDir: baseDir}
}

func (o *OSOpener) path(name string) string {
	return o.BaseDir + string(os.PathSeparator) + name
}

func (o *OSOpener) Open(name string, writable bool) (ByteFile, errors.Error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(o.path(name), flag, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrNotFound.WrapError(err)
		}
		return nil, errors.ErrIO.WrapError(err)
	}
	return NewOSFile(f), nil
}

func (o *OSOpener) Create(name string) (ByteFile, errors.Error) {
	f, err := os.OpenFile(o.path(name), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.ErrIO.WrapError(err)
	}
	return NewOSFile(f), nil
}

func (o *OSOpener) Exists(name string) bool {
	_, err := os.Stat(o.path(name))
	return err == nil
}

func (o *OSOpener) Rename(oldName, newName string) errors.Error {
	if err := os.Rename(o.path(oldName), o.path(newName)); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	return nil
}

func (o *OSOpener) Remove(name string) errors.Error {
	err := os.Remove(o.path(name))
	if err != nil && !os.IsNotExist(err) {
		return errors.ErrIO.WrapError(err)
	}
	return nil
}
