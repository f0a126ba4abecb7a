// Package backend implements the three interchangeable submission/reaping
// contexts the engine dispatches through: off (synchronous, no queue),
// native (Linux kernel AIO), and uring (io_uring). Each carries the single
// completion event descriptor the owning event loop polls.
package backend

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind selects a submission backend. Immutable once an engine is built.
type Kind int

const (
	KindOff Kind = iota
	KindNative
	KindUring
)

func (k Kind) String() string {
	switch k {
	case KindOff:
		return "off"
	case KindNative:
		return "native"
	case KindUring:
		return "uring"
	default:
		return "unknown"
	}
}

// SubmissionOp is the subset of opcodes a backend ever receives. Discard,
// write-zeroes and noop never reach a backend — those are always
// serviced synchronously by the engine.
type SubmissionOp int

const (
	SubmissionRead SubmissionOp = iota
	SubmissionWrite
	SubmissionFsync
)

// Submission is one request handed to a backend's Submit call.
type Submission struct {
	UserTag uint64
	Op      SubmissionOp
	FD      int
	Iov     [][]byte
	Offset  int64
	Nbytes  int64
}

// Event is one completion reported by Reap.
type Event struct {
	UserTag uint64
	Status  int64
	Bytes   int64
}

// Context is the contract every backend implements. A backend MUST either
// accept a submission and guarantee a completion event for it, or reject
// it outright (engine recovers by failing the Cb).
type Context interface {
	// Submit tries to push up to len(batch) submissions; returns how many
	// the kernel accepted. Partial acceptance is normal. An error means
	// none were accepted.
	Submit(batch []Submission) (accepted int, err error)

	// Reap drains all completions that are ready without blocking.
	Reap() ([]Event, error)

	// NotifyFD is the single host event descriptor signalled when at
	// least one completion is available.
	NotifyFD() int

	// Close releases the backend's resources.
	Close() error
}

// Probe constructs and immediately destroys a backend context to validate
// availability at startup without committing to a runtime instance.
func Probe(kind Kind) error {
	switch kind {
	case KindOff:
		return nil
	case KindNative:
		ctx, err := newNativeContext(1)
		if err != nil {
			return err
		}
		return ctx.Close()
	case KindUring:
		ctx, err := newUringContext(1)
		if err != nil {
			return err
		}
		return ctx.Close()
	default:
		return fmt.Errorf("backend: unknown kind %d", int(kind))
	}
}

// New constructs a Context for kind. KindOff returns a nil Context: there
// is no backend to submit to, and the engine performs every operation
// synchronously instead.
func New(kind Kind, maxEvents int) (Context, error) {
	switch kind {
	case KindOff:
		return nil, nil
	case KindNative:
		return newNativeContext(maxEvents)
	case KindUring:
		return newUringContext(maxEvents)
	default:
		return nil, fmt.Errorf("backend: unknown kind %d", int(kind))
	}
}

// rawIovecs builds a raw struct iovec array (base pointer, length) from
// bufs, for backends whose submission ABI expects one. The caller is
// responsible for keeping both bufs and the returned slice alive until
// the kernel has consumed them.
func rawIovecs(bufs [][]byte) []unix.Iovec {
	iov := make([]unix.Iovec, len(bufs))
	for i, b := range bufs {
		if len(b) == 0 {
			continue
		}
		iov[i] = unix.Iovec{Base: &b[0]}
		iov[i].SetLen(len(b))
	}
	return iov
}
