package blockaioerrors

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewBuildsPlainError(t *testing.T) {
	err := New("engine.Submit", KindValidation, "bad offset")
	require.Equal(t, KindValidation, err.Kind)
	require.Contains(t, err.Error(), "bad offset")
	require.Contains(t, err.Error(), "engine.Submit")
	require.Nil(t, err.Unwrap())
}

func TestWrapNilReturnsNil(t *testing.T) {
	require.Nil(t, Wrap("op", KindIO, nil))
}

func TestWrapPlainErrorKeepsKind(t *testing.T) {
	inner := errors.New("disk on fire")
	err := Wrap("filedriver.Reap", KindIO, inner)
	require.Equal(t, KindIO, err.Kind)
	require.Equal(t, inner, err.Unwrap())
}

func TestWrapErrnoAutoMapsKindWhenUnset(t *testing.T) {
	err := Wrap("backend.Submit", "", syscall.ENOSPC)
	require.Equal(t, KindResource, err.Kind)
	require.Equal(t, syscall.ENOSPC, err.Errno)
}

func TestWrapErrnoHonorsExplicitKind(t *testing.T) {
	err := Wrap("backend.Submit", KindTransient, syscall.ENOSPC)
	require.Equal(t, KindTransient, err.Kind)
}

func TestWrapAnotherErrorPreservesItsKind(t *testing.T) {
	inner := New("raw.Pread", KindIO, "short read")
	err := Wrap("engine.Reap", KindValidation, inner)
	require.Equal(t, KindIO, err.Kind, "wrapping an existing *Error keeps its own kind")
}

func TestIsMatchesByKindThroughWrapping(t *testing.T) {
	base := New("raw.Pwrite", KindHost, "mmap failed")
	wrapped := errorsJoin(base)
	require.True(t, Is(wrapped, KindHost))
	require.False(t, Is(wrapped, KindIO))
}

func TestMapErrnoToKindCoversKnownErrnos(t *testing.T) {
	cases := map[syscall.Errno]Kind{
		syscall.EINVAL: KindValidation,
		syscall.E2BIG:  KindValidation,
		syscall.ENOMEM: KindResource,
		syscall.ENOSPC: KindResource,
		syscall.EAGAIN: KindTransient,
		syscall.EINTR:  KindTransient,
		syscall.EBUSY:  KindTransient,
		syscall.EIO:    KindIO,
		syscall.EPERM:  KindHost,
	}
	for errno, want := range cases {
		require.Equal(t, want, mapErrnoToKind(errno), "errno=%v", errno)
	}
}

// errorsJoin wraps err one level deeper inside an outer *Error, the way
// calling code typically ends up with a chain rather than a bare *Error.
func errorsJoin(err error) error {
	return &Error{Op: "outer", Kind: err.(*Error).Kind, Inner: err}
}
