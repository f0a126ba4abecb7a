// Package filedriver wraps one open file descriptor and an engine.Engine
// together into the guest-visible block device operations: vectored
// read/write, flush, discard, write-zeroes, and combined multi-part
// requests, plus disk-size and alignment queries.
package filedriver

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/behrlich/blockaio/backend"
	"github.com/behrlich/blockaio/blockaioerrors"
	"github.com/behrlich/blockaio/config"
	"github.com/behrlich/blockaio/engine"
	"github.com/behrlich/blockaio/internal/bufpool"
	"github.com/behrlich/blockaio/iothread"
	"github.com/behrlich/blockaio/metrics"
)

// Driver is the request surface a VMM device model calls into. One
// Driver owns one backing file descriptor and one Engine.
type Driver struct {
	fd       int
	diskSize int64
	params   config.EngineParams
	eng      *engine.Engine
	metrics  *metrics.Metrics
	observer metrics.Observer

	broken atomic.Bool
	loop   *iothread.Loop
}

// Open builds a Driver over an already-opened file descriptor. The
// caller retains ownership of fd's lifecycle up to Close.
func Open(fd int, params config.EngineParams, observer metrics.Observer) (*Driver, error) {
	if err := params.Validate(); err != nil {
		return nil, blockaioerrors.Wrap("filedriver.Open", blockaioerrors.KindValidation, err)
	}
	size, err := diskSizeOf(fd)
	if err != nil {
		return nil, blockaioerrors.Wrap("filedriver.Open", blockaioerrors.KindHost, err)
	}
	d := &Driver{
		fd:       fd,
		diskSize: size,
		params:   params,
		metrics:  metrics.New(),
	}
	if observer == nil {
		observer = metrics.NewObserver(d.metrics)
	}
	d.observer = observer
	eng, err := engine.New(params.Backend, params.MaxBatch, d.onComplete)
	if err != nil {
		return nil, blockaioerrors.Wrap("filedriver.Open", blockaioerrors.KindHost, err)
	}
	d.eng = eng
	return d, nil
}

func diskSizeOf(fd int) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, err
	}
	if st.Mode&unix.S_IFMT == unix.S_IFBLK {
		var size uint64
		if err := ioctlBlkGetSize64(fd, &size); err != nil {
			return 0, err
		}
		return int64(size), nil
	}
	return st.Size, nil
}

const blkGetSize64 = 0x80081272

// ioctlBlkGetSize64 issues BLKGETSIZE64 to recover a block device's byte
// size; regular files are sized via fstat instead.
func ioctlBlkGetSize64(fd int, size *uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), blkGetSize64, uintptr(unsafe.Pointer(size)))
	if errno != 0 {
		return errno
	}
	return nil
}

// DiskSize is the backing file's current size in bytes.
func (d *Driver) DiskSize() int64 { return d.diskSize }

// Metrics returns a point-in-time snapshot of the Driver's own counters,
// independent of whatever Observer the caller passed to Open.
func (d *Driver) Metrics() metrics.Snapshot { return d.metrics.Snapshot() }

// EventFD is the descriptor an event loop should register for
// readability to know when Reap has completions to process.
func (d *Driver) EventFD() int { return d.eng.EventFD() }

// Reap services one round of completions; see engine.Engine.Reap.
func (d *Driver) Reap() (bool, error) {
	ok, err := d.eng.Reap()
	if err != nil {
		return ok, blockaioerrors.Wrap("filedriver.Reap", blockaioerrors.KindIO, err)
	}
	return ok, nil
}

// MarkBroken flags the device as broken; the ready handler installed by
// RegisterIOEvent stops reaping once this is set, matching higher-level
// error policy taking the device out of service.
func (d *Driver) MarkBroken() { d.broken.Store(true) }

// Broken reports whether MarkBroken has been called.
func (d *Driver) Broken() bool { return d.broken.Load() }

// RegisterIOEvent binds the engine's completion descriptor to loop with
// a ready handler (reads the descriptor and reaps, skipping once the
// device is marked broken) and a poll handler (reaps once per call,
// reporting whether it observed a completion; skipped entirely when the
// engine has no backend context to poll). onReapErr, if non-nil, runs
// before a reap error is returned to the caller.
func (d *Driver) RegisterIOEvent(loop *iothread.Loop, onReapErr func(error)) error {
	d.loop = loop
	return loop.Register(d.EventFD(), func() error {
		if d.broken.Load() {
			return nil
		}
		if _, err := d.Reap(); err != nil {
			if onReapErr != nil {
				onReapErr(err)
			}
			return err
		}
		return nil
	}, func() (bool, error) {
		if d.broken.Load() {
			return false, nil
		}
		return d.PollOnce()
	})
}

// UnregisterIOEvent removes the completion descriptor from the loop it
// was registered with. Safe to call even if RegisterIOEvent was never
// called.
func (d *Driver) UnregisterIOEvent() error {
	if d.loop == nil {
		return nil
	}
	return d.loop.Unregister(d.EventFD())
}

// PollOnce runs the event loop's busy-poll-mode handler: it reaps once
// and reports whether a completion was observed. It is a no-op (idle,
// no error) when the engine has no backend context to poll, since a
// KindOff engine never has anything queued to reap.
func (d *Driver) PollOnce() (bool, error) {
	if d.eng.Kind() == backend.KindOff {
		return false, nil
	}
	return d.Reap()
}

// completionContext carries the bookkeeping onComplete needs to record
// metrics and run the caller's own completion function, keeping the Cb
// itself free of filedriver-specific fields.
type completionContext struct {
	op         engine.OpCode
	nbytes     uint64
	combineLen int // >0 for the completing part of a Combine request
	callback   func(err error)
}

func (d *Driver) onComplete(cb *engine.Cb, result int64) error {
	cc, _ := cb.UserTag.(*completionContext)
	success := result == 0
	var err error
	if !success {
		err = blockaioerrors.New("filedriver", blockaioerrors.KindIO, fmt.Sprintf("request failed, status=%d", result))
	}

	if cc != nil {
		switch cc.op {
		case engine.OpReadVectored:
			d.observer.ObserveRead(cc.nbytes, 0, success)
		case engine.OpWriteVectored:
			d.observer.ObserveWrite(cc.nbytes, 0, success)
		case engine.OpDiscard:
			d.observer.ObserveDiscard(cc.nbytes, 0, success)
		case engine.OpWriteZeroes, engine.OpWriteZeroesUnmap:
			d.observer.ObserveWriteZeroes(cc.nbytes, 0, success)
		case engine.OpFlush:
			d.observer.ObserveFlush(0, success)
		}
		if cc.combineLen > 0 {
			d.observer.ObserveCombine(cc.combineLen)
		}
		if cc.callback != nil {
			cc.callback(err)
		}
	}
	return nil
}

func (d *Driver) submit(op engine.OpCode, offset, nbytes uint64, iov []engine.Iov, cb func(error)) error {
	reqAlign := d.params.ReqAlign
	bufAlign := d.params.BufAlign
	return d.eng.Submit(&engine.Cb{
		Direct:         d.params.Direct,
		ReqAlign:       reqAlign,
		BufAlign:       bufAlign,
		DiscardEnabled: d.params.BlockProperty.DiscardEnabled,
		WriteZeroes:    writeZeroesPolicy(d.params.BlockProperty),
		FD:             d.fd,
		Op:             op,
		Iov:            iov,
		Offset:         offset,
		Nbytes:         nbytes,
		UserTag: &completionContext{
			op:       op,
			nbytes:   nbytes,
			callback: cb,
		},
	})
}

func writeZeroesPolicy(bp config.BlockProperty) engine.WriteZeroesPolicy {
	if !bp.WriteZeroesEnabled {
		return engine.WriteZeroesOff
	}
	if bp.UnmapOnWriteZeroes {
		return engine.WriteZeroesUnmap
	}
	return engine.WriteZeroesOn
}

// ReadVectored reads nbytes starting at offset into iov, invoking cb
// once the request (or its last combined part) has completed.
func (d *Driver) ReadVectored(offset uint64, iov []engine.Iov, cb func(error)) error {
	return d.submit(engine.OpReadVectored, offset, engine.IovSize(iov), iov, cb)
}

// WriteVectored writes iov to offset, invoking cb on completion. An
// all-zero iov may be transparently promoted to write-zeroes.
func (d *Driver) WriteVectored(offset uint64, iov []engine.Iov, cb func(error)) error {
	return d.submit(engine.OpWriteVectored, offset, engine.IovSize(iov), iov, cb)
}

// ReadAtSync reads length bytes at offset into a pooled buffer and
// blocks until the request completes, for callers (the CLI demo, most
// tests) that don't need the async callback surface. The returned buffer
// should be released with bufpool.Put when the caller is done with it.
func (d *Driver) ReadAtSync(offset uint64, length uint32) ([]byte, error) {
	buf := bufpool.Get(length)
	done := make(chan error, 1)
	iov := []engine.Iov{bufToIov(buf)}
	if err := d.ReadVectored(offset, iov, func(err error) { done <- err }); err != nil {
		bufpool.Put(buf)
		return nil, err
	}
	if err := d.waitSync(done); err != nil {
		bufpool.Put(buf)
		return nil, err
	}
	return buf, nil
}

// WriteAtSync writes buf to offset and blocks until the request
// completes.
func (d *Driver) WriteAtSync(offset uint64, buf []byte) error {
	done := make(chan error, 1)
	iov := []engine.Iov{bufToIov(buf)}
	if err := d.WriteVectored(offset, iov, func(err error) { done <- err }); err != nil {
		return err
	}
	return d.waitSync(done)
}

// waitSync busy-polls Reap until done fires. Fine for a convenience
// wrapper and tests; a production event loop drives Reap from epoll
// instead and never calls this.
func (d *Driver) waitSync(done chan error) error {
	for {
		select {
		case err := <-done:
			return err
		default:
		}
		if _, err := d.eng.Reap(); err != nil {
			return err
		}
	}
}

func bufToIov(buf []byte) engine.Iov {
	if len(buf) == 0 {
		return engine.Iov{}
	}
	return engine.Iov{Base: uint64(uintptr(unsafe.Pointer(&buf[0]))), Len: uint64(len(buf))}
}

// WriteZeroes zeroes [offset, offset+length). If unmap is true and the
// backing file supports it, the range is also deallocated.
func (d *Driver) WriteZeroes(offset, length uint64, unmap bool, cb func(error)) error {
	op := engine.OpWriteZeroes
	if unmap {
		op = engine.OpWriteZeroesUnmap
	}
	return d.submit(op, offset, length, nil, cb)
}

// Discard deallocates [offset, offset+length) without guaranteeing its
// contents become zero.
func (d *Driver) Discard(offset, length uint64, cb func(error)) error {
	return d.submit(engine.OpDiscard, offset, length, nil, cb)
}

// FlushRequest drains every pending and in-flight request, then issues
// an fdatasync.
func (d *Driver) FlushRequest(cb func(error)) error {
	return d.submit(engine.OpFlush, 0, 0, nil, cb)
}

// Datasync issues an fdatasync without first draining outstanding
// requests, for callers that only need the file's own write barrier and
// not a full queue drain.
func (d *Driver) Datasync(cb func(error)) error {
	return d.submit(engine.OpDatasync, 0, 0, nil, cb)
}

// DrainRequest blocks until every request submitted so far has
// completed, without itself issuing an fdatasync.
func (d *Driver) DrainRequest() error {
	if err := d.eng.DrainRequest(); err != nil {
		return blockaioerrors.Wrap("filedriver.DrainRequest", blockaioerrors.KindIO, err)
	}
	return nil
}

// Combine submits k independently-addressed parts as one logical
// request: the caller-visible callback runs exactly once, with the first
// non-zero status observed across every part, when the last part
// completes.
func (d *Driver) Combine(parts []CombinePart, cb func(error)) error {
	if len(parts) == 0 {
		return blockaioerrors.New("filedriver.Combine", blockaioerrors.KindValidation, "no parts")
	}
	record := engine.NewCombineRecord(uint32(len(parts)))
	// Every part carries the same callback: whichever part's completion
	// brings the shared remaining-count to zero is the one whose Cb the
	// engine hands back to onComplete, and that is not necessarily the
	// part submitted last.
	for _, part := range parts {
		partReqAlign := d.params.ReqAlign
		partBufAlign := d.params.BufAlign
		if err := d.eng.Submit(&engine.Cb{
			Direct:         d.params.Direct,
			ReqAlign:       partReqAlign,
			BufAlign:       partBufAlign,
			DiscardEnabled: d.params.BlockProperty.DiscardEnabled,
			WriteZeroes:    writeZeroesPolicy(d.params.BlockProperty),
			FD:             d.fd,
			Op:             part.Op,
			Iov:            part.Iov,
			Offset:         part.Offset,
			Nbytes:         engine.IovSize(part.Iov),
			Combine:        record,
			UserTag: &completionContext{
				op:         part.Op,
				nbytes:     engine.IovSize(part.Iov),
				combineLen: len(parts),
				callback:   cb,
			},
		}); err != nil {
			return blockaioerrors.Wrap("filedriver.Combine", blockaioerrors.KindIO, err)
		}
	}
	return nil
}

// CombinePart is one piece of a Combine request: its own opcode, iov,
// and offset, sharing the logical request's completion callback.
type CombinePart struct {
	Op     engine.OpCode
	Offset uint64
	Iov    []engine.Iov
}

// Close drains outstanding work, unregisters from the event loop if
// RegisterIOEvent was called, and releases the engine's backend
// context. The caller still owns and must close the file descriptor
// itself.
func (d *Driver) Close() error {
	_ = d.eng.DrainRequest()
	_ = d.UnregisterIOEvent()
	if err := d.eng.Close(); err != nil {
		return blockaioerrors.Wrap("filedriver.Close", blockaioerrors.KindHost, err)
	}
	return nil
}

// Probe checks whether kind is usable on this host without committing to
// a long-lived backend.
func Probe(kind backend.Kind) error {
	return backend.Probe(kind)
}
