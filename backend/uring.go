package backend

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/pawelgaczynski/giouring"
)

// uringContext submits requests through io_uring. Completions are
// signalled on an eventfd registered against the ring via
// RegisterEventFd, so the owning event loop polls one descriptor
// regardless of which backend kind is active.
type uringContext struct {
	mu       sync.Mutex
	ring     *giouring.Ring
	notifyFD int
	pinned   map[uint64]*uringInflight // keeps the raw iovec array and its backing slices alive until reaped
}

// uringInflight pins both the raw struct iovec array handed to the
// kernel by address and the []byte buffers it points into; a uintptr
// alone does not keep either alive against the garbage collector
// between submission and completion.
type uringInflight struct {
	iov  []unix.Iovec
	bufs [][]byte
}

func newUringContext(maxEvents int) (Context, error) {
	entries := uint32(maxEvents)
	if entries < 8 {
		entries = 8
	}
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("backend: io_uring_setup: %w", err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		ring.QueueExit()
		return nil, fmt.Errorf("backend: eventfd: %w", err)
	}
	if err := ring.RegisterEventFd(efd); err != nil {
		_ = unix.Close(efd)
		ring.QueueExit()
		return nil, fmt.Errorf("backend: io_uring_register(eventfd): %w", err)
	}

	return &uringContext{
		ring:     ring,
		notifyFD: efd,
		pinned:   make(map[uint64]*uringInflight),
	}, nil
}

func (u *uringContext) Submit(batch []Submission) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	u.mu.Lock()
	accepted := 0
	for _, s := range batch {
		sqe := u.ring.GetSQE()
		if sqe == nil {
			break
		}
		switch s.Op {
		case SubmissionRead:
			iov := rawIovecs(s.Iov)
			sqe.PrepareReadv(s.FD, uintptr(unsafe.Pointer(&iov[0])), uint32(len(iov)), uint64(s.Offset))
			u.pinned[s.UserTag] = &uringInflight{iov: iov, bufs: s.Iov}
		case SubmissionWrite:
			iov := rawIovecs(s.Iov)
			sqe.PrepareWritev(s.FD, uintptr(unsafe.Pointer(&iov[0])), uint32(len(iov)), uint64(s.Offset))
			u.pinned[s.UserTag] = &uringInflight{iov: iov, bufs: s.Iov}
		case SubmissionFsync:
			sqe.PrepareFsync(s.FD, 0)
		}
		sqe.UserData = s.UserTag
		accepted++
	}
	u.mu.Unlock()

	if accepted == 0 {
		return 0, nil
	}
	if _, err := u.ring.Submit(); err != nil {
		return 0, fmt.Errorf("backend: io_uring_enter: %w", err)
	}
	return accepted, nil
}

func (u *uringContext) Reap() ([]Event, error) {
	var buf [8]byte
	if _, err := unix.Read(u.notifyFD, buf[:]); err != nil && err != unix.EAGAIN {
		return nil, fmt.Errorf("backend: eventfd read: %w", err)
	}

	var cqes [MaxReapBatch]*giouring.CompletionQueueEvent
	out := make([]Event, 0, MaxReapBatch)
	u.mu.Lock()
	defer u.mu.Unlock()
	for {
		peeked := u.ring.PeekBatchCQE(cqes[:])
		for _, cqe := range cqes[:peeked] {
			res := int64(cqe.Res)
			status := int64(0)
			bytes := res
			if res < 0 {
				status = res
				bytes = 0
			}
			out = append(out, Event{UserTag: cqe.UserData, Status: status, Bytes: bytes})
			delete(u.pinned, cqe.UserData)
		}
		u.ring.CQAdvance(peeked)
		if peeked < uint32(len(cqes)) {
			break
		}
	}
	return out, nil
}

func (u *uringContext) NotifyFD() int { return u.notifyFD }

func (u *uringContext) Close() error {
	u.ring.QueueExit()
	return unix.Close(u.notifyFD)
}

// MaxReapBatch bounds how many completions Reap pulls from the ring per
// PeekBatchCQE call.
const MaxReapBatch = 128
