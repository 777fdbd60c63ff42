// This package defines the SplitFAT error taxonomy described in spec §7: a
// small, closed set of error kinds that every layer of the engine maps its
// failures onto. Callers should switch on Kind, never on the error string.

package errors

import (
	"fmt"
)

type SplitFATError string

const ErrIO = SplitFATError("input/output error")
const ErrNotFound = SplitFATError("no such file or directory")
const ErrExists = SplitFATError("file exists")
const ErrInvalidArgument = SplitFATError("invalid argument")
const ErrNoSpace = SplitFATError("no space left on volume")
const ErrInvalidState = SplitFATError("invalid state")
const ErrCorruption = SplitFATError("structure needs cleaning")
const ErrTransaction = SplitFATError("transaction error")
const ErrUnsupported = SplitFATError("operation not supported")

// Directory-specific and chain-specific conditions that don't warrant their
// own Kind but are distinguished by message for diagnostics.
const ErrDirectoryNotEmpty = SplitFATError("directory not empty")
const ErrNotADirectory = SplitFATError("not a directory")
const ErrIsADirectory = SplitFATError("is a directory")

func (e SplitFATError) Error() string {
	return string(e)
}

func (e SplitFATError) WithMessage(message string) Error {
	return customError{
		message: fmt.Sprintf("%s: %s", e.Error(), message),
		kind:    e,
	}
}

func (e SplitFATError) WrapError(err error) Error {
	return customError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		kind:          e,
		originalError: err,
	}
}

// Kind maps a sentinel SplitFATError onto the Kind it belongs to, for
// callers that received an Error via an interface and need to branch on
// category.
func (e SplitFATError) Kind() Kind {
	switch e {
	case ErrIO:
		return KindIO
	case ErrNotFound:
		return KindNotFound
	case ErrExists:
		return KindExists
	case ErrNoSpace:
		return KindNoSpace
	case ErrInvalidState:
		return KindInvalidState
	case ErrCorruption:
		return KindCorruption
	case ErrTransaction:
		return KindTransaction
	case ErrUnsupported:
		return KindUnsupported
	default:
		return KindInvalidArgument
	}
}

// Kind classifies an Error into one of the categories spec §7 names.
type Kind int

const (
	KindIO Kind = iota
	KindNotFound
	KindExists
	KindInvalidArgument
	KindNoSpace
	KindInvalidState
	KindCorruption
	KindTransaction
	KindUnsupported
)
