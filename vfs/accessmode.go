package vfs

import (
	"strings"

	"github.com/dargueta/splitfat/errors"
)

// AccessMode is the bitmask a FileManipulator is opened with (spec §6,
// "File API access-mode bitmask mapping").
type AccessMode uint32

const (
	ModeRead AccessMode = 1 << iota
	ModeWrite
	ModeAppend
	ModeTruncate
	ModeCreateIfMissing
	ModeBinary
	ModeText
)

func (m AccessMode) CanRead() bool  { return m&ModeRead != 0 }
func (m AccessMode) CanWrite() bool { return m&ModeWrite != 0 }

// ParseAccessMode translates a POSIX-fopen-style mode string ("r", "w",
// "a", "r+", "wb", "wx", ...) into an AccessMode bitmask, per spec §6:
// r=READ, w=WRITE|TRUNCATE|CREATE_IF_MISSING, a=WRITE|APPEND|
// CREATE_IF_MISSING, +=READ|WRITE, b=BINARY, t=TEXT,
// x=suppress CREATE_IF_MISSING.
func ParseAccessMode(mode string) (AccessMode, errors.Error) {
	if mode == "" {
		return 0, errors.ErrInvalidArgument.WithMessage("access mode string is empty")
	}

	var result AccessMode
	var suppressCreate bool
	var sawBase bool

	for _, c := range mode {
		switch c {
		case 'r':
			result |= ModeRead
			sawBase = true
		case 'w':
			result |= ModeWrite | ModeTruncate | ModeCreateIfMissing
			sawBase = true
		case 'a':
			result |= ModeWrite | ModeAppend | ModeCreateIfMissing
			sawBase = true
		case '+':
			result |= ModeRead | ModeWrite
		case 'b':
			result |= ModeBinary
		case 't':
			result |= ModeText
		case 'x':
			suppressCreate = true
		default:
			return 0, errors.ErrInvalidArgument.WithMessage("unrecognized access mode character: " + strings.TrimSpace(string(c)))
		}
	}
	if !sawBase {
		return 0, errors.ErrInvalidArgument.WithMessage("access mode string must contain one of r, w, a")
	}
	if suppressCreate {
		result &^= ModeCreateIfMissing
	}
	return result, nil
}
