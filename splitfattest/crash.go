package splitfattest

import (
	"github.com/dargueta/splitfat/bytefile"
	"github.com/dargueta/splitfat/errors"
)

// CrashingFile wraps a ByteFile and drops every WriteAt once the configured
// byte budget has been spent, silently acting as if it succeeded (mirroring
// a process crashing after the host OS accepted the write into its page
// cache but before it reached the underlying medium). Tests use this to
// drop the writes of a session whose transaction never commits and check
// that a reopened volume does not show them (spec §4.8, §8 crash-injection
// scenarios).
type CrashingFile struct {
	bytefile.ByteFile
	Budget int
	spent  int
}

// NewCrashingFile wraps inner so that only the first budget bytes written
// across all WriteAt calls actually land; everything after that is
// discarded but reported as written successfully.
func NewCrashingFile(inner bytefile.ByteFile, budget int) *CrashingFile {
	return &CrashingFile{ByteFile: inner, Budget: budget}
}

func (f *CrashingFile) WriteAt(buf []byte, pos int64) (int, errors.Error) {
	remaining := f.Budget - f.spent
	if remaining <= 0 {
		f.spent += len(buf)
		return len(buf), nil
	}
	if remaining >= len(buf) {
		f.spent += len(buf)
		return f.ByteFile.WriteAt(buf, pos)
	}

	f.spent = f.Budget
	n, err := f.ByteFile.WriteAt(buf[:remaining], pos)
	if err != nil {
		return n, err
	}
	return len(buf), nil
}

// HasCrashed reports whether the write budget has been exhausted.
func (f *CrashingFile) HasCrashed() bool {
	return f.spent >= f.Budget
}
