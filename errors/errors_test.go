package errors_test

import (
	"fmt"
	"testing"

	"github.com/dargueta/splitfat/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FormatsMessage(t *testing.T) {
	err := errors.New(errors.ErrNotFound, "path %q", "/missing")
	assert.Equal(t, "no such file or directory: path \"/missing\"", err.Error())
	assert.Equal(t, errors.KindNotFound, err.Kind())
}

func TestWithMessage_PreservesKind(t *testing.T) {
	base := errors.New(errors.ErrCorruption, "bad CRC")
	wrapped := base.WithMessage("block 4")
	assert.Equal(t, errors.KindCorruption, wrapped.Kind())
	assert.Contains(t, wrapped.Error(), "block 4")
}

func TestWrapError_UnwrapsToOriginal(t *testing.T) {
	original := fmt.Errorf("disk full")
	wrapped := errors.ErrNoSpace.WrapError(original)

	assert.Equal(t, errors.KindNoSpace, wrapped.Kind())
	unwrapper, ok := wrapped.(interface{ Unwrap() error })
	require.True(t, ok, "wrapped error must implement Unwrap")
	assert.Equal(t, original, unwrapper.Unwrap())
}

func TestAppend_AccumulatesIntoMultierror(t *testing.T) {
	var errs *multierror.Error
	errs = errors.Append(errs, errors.New(errors.ErrIO, "read failed"))
	errs = errors.Append(errs, nil)
	errs = errors.Append(errs, errors.New(errors.ErrIO, "write failed"))

	require.NotNil(t, errs)
	assert.Len(t, errs.Errors, 2)
}

func TestSentinelKind_DefaultsToInvalidArgument(t *testing.T) {
	custom := errors.SplitFATError("something unmapped")
	assert.Equal(t, errors.KindInvalidArgument, custom.Kind())
}
