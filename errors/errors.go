package errors

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

type Error interface {
	error
	WithMessage(message string) Error
	WrapError(err error) Error
	Kind() Kind
}

// -----------------------------------------------------------------------------

type customError struct {
	message       string
	kind          SplitFATError
	originalError error
}

func (e customError) Error() string {
	return e.message
}

func (e customError) WithMessage(message string) Error {
	return customError{
		message: fmt.Sprintf("%s: %s", e.message, message),
		kind:    e.kind,
	}
}

func (e customError) WrapError(err error) Error {
	return customError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		kind:          e.kind,
		originalError: err,
	}
}

func (e customError) Unwrap() error {
	return e.originalError
}

func (e customError) Kind() Kind {
	return e.kind.Kind()
}

// New returns an Error of the given kind with a formatted message.
func New(kind SplitFATError, format string, args ...any) Error {
	return kind.WithMessage(fmt.Sprintf(format, args...))
}

// Append accumulates err into an existing *multierror.Error, creating a new
// one if errs is nil. Used by callers that must attempt several independent
// operations (flushing several dirty FAT blocks, replaying several
// transaction log events) and report every failure rather than stopping at
// the first one.
func Append(errs *multierror.Error, err error) *multierror.Error {
	if err == nil {
		return errs
	}
	return multierror.Append(errs, err)
}
