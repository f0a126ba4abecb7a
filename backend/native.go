package backend

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux AIO syscall numbers (x86_64). golang.org/x/sys/unix exposes no
// helpers for this interface, so the calls are made directly through
// syscall.Syscall.
const (
	sysIoSetup    = 206
	sysIoDestroy  = 207
	sysIoSubmit   = 209
	sysIoGetevents = 208
)

const (
	iocbCmdPread     = 0
	iocbCmdPwrite    = 1
	iocbCmdFsync     = 2
	iocbCmdPreadv    = 7
	iocbCmdPwritev   = 8
	iocbFlagResfd    = 1 << 0
)

// aioContextT mirrors the kernel's opaque aio_context_t handle.
type aioContextT uint64

// iocb mirrors struct iocb from linux/aio_abi.h.
type iocb struct {
	data       uint64
	key        uint32
	rwFlags    uint32
	lioOpcode  uint16
	reqPrio    int16
	fd         int32
	buf        uint64
	nbytes     uint64
	offset     int64
	reserved2  uint64
	flags      uint32
	resfd      uint32
}

// ioEvent mirrors struct io_event.
type ioEvent struct {
	data uint64
	obj  uint64
	res  int64
	res2 int64
}

func ioSetup(maxEvents uint32) (aioContextT, error) {
	var ctx aioContextT
	_, _, errno := syscall.Syscall(sysIoSetup, uintptr(maxEvents), uintptr(unsafe.Pointer(&ctx)), 0)
	if errno != 0 {
		return 0, errno
	}
	return ctx, nil
}

func ioDestroy(ctx aioContextT) error {
	_, _, errno := syscall.Syscall(sysIoDestroy, uintptr(ctx), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ioSubmit(ctx aioContextT, cbs []*iocb) (int, error) {
	if len(cbs) == 0 {
		return 0, nil
	}
	ptrs := make([]uintptr, len(cbs))
	for i, cb := range cbs {
		ptrs[i] = uintptr(unsafe.Pointer(cb))
	}
	n, _, errno := syscall.Syscall(sysIoSubmit, uintptr(ctx), uintptr(len(ptrs)), uintptr(unsafe.Pointer(&ptrs[0])))
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}

func ioGetevents(ctx aioContextT, minNr, maxNr int, events []ioEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	n, _, errno := syscall.Syscall6(sysIoGetevents, uintptr(ctx), uintptr(minNr), uintptr(maxNr),
		uintptr(unsafe.Pointer(&events[0])), 0, 0)
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}

// nativeContext submits requests through the Linux kernel AIO interface.
// Completions are signalled on an eventfd registered against the AIO
// context via IOCB_FLAG_RESFD, so the owning event loop can poll a single
// descriptor instead of calling io_getevents blind.
type nativeContext struct {
	mu        sync.Mutex
	ctx       aioContextT
	notifyFD  int
	maxEvents int
	keepalive map[uint64]*nativeInflight // pins iocb+iovec until reaped
}

// nativeInflight pins the iocb and its backing iovec array so the Go
// garbage collector cannot reclaim them between submission and reap; the
// kernel holds only raw addresses (via uintptr), not GC-visible pointers.
type nativeInflight struct {
	cb  *iocb
	iov []unix.Iovec
}

func newNativeContext(maxEvents int) (Context, error) {
	if maxEvents <= 0 {
		maxEvents = 1
	}
	ctx, err := ioSetup(uint32(maxEvents))
	if err != nil {
		return nil, fmt.Errorf("backend: io_setup: %w", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = ioDestroy(ctx)
		return nil, fmt.Errorf("backend: eventfd: %w", err)
	}
	return &nativeContext{
		ctx:       ctx,
		notifyFD:  efd,
		maxEvents: maxEvents,
		keepalive: make(map[uint64]*nativeInflight),
	}, nil
}

func (n *nativeContext) Submit(batch []Submission) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	n.mu.Lock()
	cbs := make([]*iocb, len(batch))
	for i, s := range batch {
		cb := &iocb{
			data:      s.UserTag,
			fd:        int32(s.FD),
			offset:    s.Offset,
			flags:     iocbFlagResfd,
			resfd:     uint32(n.notifyFD),
			lioOpcode: opcodeFor(s),
		}
		inflight := &nativeInflight{cb: cb}
		switch s.Op {
		case SubmissionFsync:
			cb.nbytes = 0
		default:
			iov := iovecFor(s.Iov)
			cb.buf = uint64(uintptr(unsafe.Pointer(&iov[0])))
			cb.nbytes = uint64(len(iov))
			inflight.iov = iov
		}
		cbs[i] = cb
		n.keepalive[s.UserTag] = inflight
	}
	n.mu.Unlock()

	accepted, err := ioSubmit(n.ctx, cbs)
	if accepted < len(cbs) {
		n.mu.Lock()
		for _, cb := range cbs[accepted:] {
			delete(n.keepalive, cb.data)
		}
		n.mu.Unlock()
	}
	if accepted == 0 && err != nil {
		return 0, err
	}
	return accepted, nil
}

func (n *nativeContext) Reap() ([]Event, error) {
	var buf [8]byte
	if _, err := unix.Read(n.notifyFD, buf[:]); err != nil && err != unix.EAGAIN {
		return nil, fmt.Errorf("backend: eventfd read: %w", err)
	}

	events := make([]ioEvent, n.maxEvents)
	count, err := ioGetevents(n.ctx, 0, len(events), events)
	if err != nil {
		return nil, fmt.Errorf("backend: io_getevents: %w", err)
	}

	out := make([]Event, 0, count)
	n.mu.Lock()
	for i := 0; i < count; i++ {
		ev := events[i]
		delete(n.keepalive, ev.data)
		out = append(out, Event{UserTag: ev.data, Status: ev.res2, Bytes: ev.res})
	}
	n.mu.Unlock()
	return out, nil
}

func (n *nativeContext) NotifyFD() int { return n.notifyFD }

func (n *nativeContext) Close() error {
	err := ioDestroy(n.ctx)
	if cerr := unix.Close(n.notifyFD); err == nil {
		err = cerr
	}
	return err
}

func opcodeFor(s Submission) uint16 {
	switch s.Op {
	case SubmissionRead:
		return iocbCmdPreadv
	case SubmissionWrite:
		return iocbCmdPwritev
	case SubmissionFsync:
		return iocbCmdFsync
	default:
		return iocbCmdPreadv
	}
}

// iovecFor builds the raw iovec array the kernel AIO ABI expects in
// cb.buf/cb.nbytes for the vectored opcodes, matching struct iovec's
// layout (base pointer then length, both machine words).
func iovecFor(bufs [][]byte) []unix.Iovec { return rawIovecs(bufs) }
