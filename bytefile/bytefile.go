// Package bytefile defines the ByteFile port the SplitFAT core consumes: a
// positioned read/write/flush capability over a host file. The core never
// assumes the host file system is durable below Flush; the transaction
// design in package translog compensates for that (spec §4.3).
package bytefile

import (
	"github.com/dargueta/splitfat/errors"
)

// ByteFile is the capability the core requires from a host file. It is
// intentionally narrow: positioned I/O plus the handful of whole-file
// operations (flush, rename, delete) the transaction log and volume
// manager need. Nothing in the core ever assumes *os.File directly.
type ByteFile interface {
	// IsOpen reports whether the file is currently usable.
	IsOpen() bool

	// ReadAt reads len(buf) bytes starting at pos, returning the number of
	// bytes actually read. Short reads that aren't EOF are an IO error.
	ReadAt(buf []byte, pos int64) (int, errors.Error)

	// WriteAt writes buf starting at pos, returning the number of bytes
	// actually written. size < len(buf) without an error means the host
	// ran out of room (maps to NoSpace by the caller).
	WriteAt(buf []byte, pos int64) (int, errors.Error)

	// Flush pushes any host-side buffering to stable storage.
	Flush() errors.Error

	// Seek repositions the file's implicit cursor (used by callers that
	// want sequential access instead of ReadAt/WriteAt).
	Seek(offset int64, whence int) (int64, errors.Error)

	// GetPosition returns the file's current implicit cursor.
	GetPosition() (int64, errors.Error)

	// GetSize returns the total size of the file, in bytes.
	GetSize() (int64, errors.Error)

	// Close releases the underlying OS resource. Double-close is an
	// InvalidState error.
	Close() errors.Error
}

// Opener is the capability to open, create, rename, and delete named
// ByteFiles. VolumeManager uses this to manage the FAT file, the cluster
// data file, and the transaction log file as a set of named host objects.
type Opener interface {
	// Open opens an existing file. If it does not exist, returns a
	// NotFound error.
	Open(name string, writable bool) (ByteFile, errors.Error)

	// Create creates a new file, truncating it if it already exists.
	Create(name string) (ByteFile, errors.Error)

	// Exists reports whether the named file exists.
	Exists(name string) bool

	// Rename atomically renames oldName to newName. This is the
	// linearization point for transaction commit (spec §4.8); the
	// Opener must guarantee the host file system's rename is atomic with
	// respect to crashes (true of POSIX rename(2) and of Windows
	// MoveFileEx with MOVEFILE_REPLACE_EXISTING).
	Rename(oldName, newName string) errors.Error

	// Remove deletes a named file. Removing a file that does not exist is
	// not an error.
	Remove(name string) errors.Error
}

// ReadFull reads exactly len(buf) bytes from f starting at pos, mapping a
// short read to an IO error. It is the read-at-exact-size helper every
// layer above bytefile uses instead of hand-rolling the loop.
func ReadFull(f ByteFile, buf []byte, pos int64) errors.Error {
	n, err := f.ReadAt(buf, pos)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return errors.ErrIO.WithMessage(
			"short read: expected " + itoa(len(buf)) + " bytes, got " + itoa(n))
	}
	return nil
}

// WriteFull writes all of buf to f starting at pos, mapping a short write
// to a NoSpace error (per spec §7, partial writes report size_written <
// size_requested together with a NoSpace code).
func WriteFull(f ByteFile, buf []byte, pos int64) errors.Error {
	n, err := f.WriteAt(buf, pos)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return errors.ErrNoSpace.WithMessage(
			"short write: expected " + itoa(len(buf)) + " bytes, wrote " + itoa(n))
	}
	return nil
}

func itoa(n int) string {
	// Avoids pulling in strconv just for error-path formatting; fmt.Sprintf
	// would do but this keeps the hot, allocation-free ReadFull/WriteFull
	// calls free of fmt overhead on the success path (this helper only
	// runs on the error path).
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
