// Package engine dispatches read/write/flush/discard/write-zeroes
// requests either straight through to a host file descriptor or through
// a pluggable backend.Context, handling direct-I/O alignment and request
// batching along the way. Callers build a Cb describing one request,
// hand it to Submit, and are notified of completion through a
// CompleteFunc once the engine (or the backend it drives) finishes it.
package engine

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/behrlich/blockaio/backend"
	"github.com/behrlich/blockaio/raw"
)

// Engine owns one backend context and the pending/inflight queues that
// feed it. It is safe for concurrent Submit calls; Reap is expected to be
// driven by a single event-loop goroutine.
type Engine struct {
	mu         sync.Mutex
	ctx        backend.Context
	kind       backend.Kind
	maxBatch   int
	pending    *list.List // of *Cb, FIFO: push back, submit from front
	inflight   map[uint64]*Cb
	slab       *slab
	incomplete atomic.Uint64
	complete   CompleteFunc
	eventFD    int
	ownEventFD bool
}

// New builds an Engine bound to a backend.Context of the given kind.
// complete is invoked exactly once per Cb whenever that Cb's request
// finishes (successfully or not); the parts of a combined request share
// a single invocation, made by the part that completes last. maxBatch bounds how many Cbs
// are handed to the backend per submission round; it is clamped to
// MaxEvents.
func New(kind backend.Kind, maxBatch int, complete CompleteFunc) (*Engine, error) {
	if maxBatch <= 0 || maxBatch > MaxEvents {
		maxBatch = MaxEvents
	}
	ctx, err := backend.New(kind, MaxEvents)
	if err != nil {
		return nil, fmt.Errorf("engine: backend.New(%s): %w", kind, err)
	}

	e := &Engine{
		ctx:      ctx,
		kind:     kind,
		maxBatch: maxBatch,
		pending:  list.New(),
		inflight: make(map[uint64]*Cb),
		slab:     newSlab(maxBatch * 2),
		complete: complete,
	}

	if ctx != nil {
		e.eventFD = ctx.NotifyFD()
	} else {
		fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
		if err != nil {
			return nil, fmt.Errorf("engine: eventfd: %w", err)
		}
		e.eventFD = fd
		e.ownEventFD = true
	}
	return e, nil
}

// Kind reports which backend this engine drives.
func (e *Engine) Kind() backend.Kind { return e.kind }

// EventFD is the descriptor an event loop should poll for readability;
// a ready read means Reap has work to do.
func (e *Engine) EventFD() int { return e.eventFD }

// Close tears down the backend context and, if the engine is running in
// synchronous (Off) mode, the eventfd it created for its own bookkeeping.
func (e *Engine) Close() error {
	var err error
	if e.ctx != nil {
		err = e.ctx.Close()
	}
	if e.ownEventFD {
		if cerr := unix.Close(e.eventFD); err == nil {
			err = cerr
		}
	}
	return err
}

// Submit queues cb for processing. Discard, write-zeroes and flush are
// always serviced synchronously by the engine itself; reads and writes
// go through the backend unless direct I/O alignment forces the bounce
// path, or there is no backend at all (KindOff).
func (e *Engine) Submit(cb *Cb) error {
	e.incomplete.Add(1)

	if promoted := e.maybePromoteWriteZeroes(cb); promoted {
		return e.submitRawSync(cb)
	}

	switch cb.Op {
	case OpDiscard, OpWriteZeroes, OpWriteZeroesUnmap, OpDatasync:
		return e.submitRawSync(cb)
	case OpFlush:
		return e.submitFlush(cb)
	case OpReadVectored, OpWriteVectored:
		if cb.Direct && misaligned(cb) {
			return e.handleMisaligned(cb)
		}
		if e.ctx == nil {
			return e.submitSync(cb)
		}
		return e.submitAsync(cb)
	default:
		return e.completeCb(cb, -1)
	}
}

// maybePromoteWriteZeroes rewrites an all-zero vectored write into a
// WriteZeroes (or WriteZeroesUnmap, if discard is enabled) request, which
// a backing filesystem can usually service without touching the data at
// all.
func (e *Engine) maybePromoteWriteZeroes(cb *Cb) bool {
	if cb.Op != OpWriteVectored || cb.WriteZeroes == WriteZeroesOff {
		return false
	}
	if !iovIsZero(cb.Iov) {
		return false
	}
	if cb.WriteZeroes == WriteZeroesUnmap && cb.DiscardEnabled {
		cb.Op = OpWriteZeroesUnmap
	} else {
		cb.Op = OpWriteZeroes
	}
	return true
}

// submitRawSync services discard/write-zeroes requests directly against
// the file descriptor; no backend ever sees these opcodes.
func (e *Engine) submitRawSync(cb *Cb) error {
	var (
		n   int64
		err error
	)
	switch cb.Op {
	case OpDiscard:
		n, err = raw.Discard(cb.FD, int64(cb.Offset), int64(cb.Nbytes))
	case OpWriteZeroes:
		n, err = raw.WriteZeroes(cb.FD, int64(cb.Offset), int64(cb.Nbytes))
	case OpWriteZeroesUnmap:
		n, err = raw.Discard(cb.FD, int64(cb.Offset), int64(cb.Nbytes))
		if err != nil {
			n, err = raw.WriteZeroes(cb.FD, int64(cb.Offset), int64(cb.Nbytes))
		}
	case OpDatasync:
		n, err = raw.Datasync(cb.FD)
	}
	if err != nil || n < 0 {
		return e.completeCb(cb, -1)
	}
	return e.completeCb(cb, 0)
}

// submitFlush drains every queued request and then fsyncs the file
// descriptor; flush never overlaps with requests still in flight.
func (e *Engine) submitFlush(cb *Cb) error {
	if err := e.FlushRequest(); err != nil {
		return e.completeCb(cb, -1)
	}
	if _, err := raw.Datasync(cb.FD); err != nil {
		return e.completeCb(cb, -1)
	}
	return e.completeCb(cb, 0)
}

// submitSync services a read/write directly, for KindOff engines.
func (e *Engine) submitSync(cb *Cb) error {
	n, err := rawReadOrWrite(cb)
	if err != nil {
		return e.completeCb(cb, -1)
	}
	if uint64(n) != cb.Nbytes {
		return e.completeCb(cb, -1)
	}
	return e.completeCb(cb, 0)
}

func rawReadOrWrite(cb *Cb) (int64, error) {
	bufs := toByteSlices(cb.Iov)
	switch cb.Op {
	case OpReadVectored:
		return raw.Preadv(cb.FD, bufs, int64(cb.Offset))
	case OpWriteVectored:
		return raw.Pwritev(cb.FD, bufs, int64(cb.Offset))
	default:
		return 0, fmt.Errorf("engine: unsupported sync opcode %s", cb.Op)
	}
}

// submitAsync enqueues cb for batched submission to the backend.
func (e *Engine) submitAsync(cb *Cb) error {
	e.mu.Lock()
	e.pending.PushBack(cb)
	e.mu.Unlock()
	return e.processPending()
}

// processPending moves Cbs from the pending queue into the backend in
// FIFO batches of at most maxBatch, until either the pending queue is
// empty, the backend stops accepting, or a submission attempt fails
// outright (in which case the Cb at the front of that batch is failed so
// the queue always makes progress).
func (e *Engine) processPending() error {
	for {
		e.mu.Lock()
		if e.pending.Len() == 0 {
			e.mu.Unlock()
			return nil
		}
		n := e.pending.Len()
		if n > e.maxBatch {
			n = e.maxBatch
		}
		batchCbs := make([]*Cb, 0, n)
		for i := 0; i < n; i++ {
			front := e.pending.Front()
			batchCbs = append(batchCbs, e.pending.Remove(front).(*Cb))
		}
		e.mu.Unlock()

		submissions := make([]backend.Submission, len(batchCbs))
		for i, cb := range batchCbs {
			tag := e.slab.insert(cb)
			cb.tag = tag
			submissions[i] = backend.Submission{
				UserTag: tag,
				Op:      submissionOpFor(cb.Op),
				FD:      cb.FD,
				Iov:     toByteSlices(cb.Iov),
				Offset:  int64(cb.Offset),
				Nbytes:  int64(cb.Nbytes),
			}
		}

		accepted, err := e.ctx.Submit(submissions)
		if accepted > 0 {
			e.mu.Lock()
			for _, cb := range batchCbs[:accepted] {
				e.inflight[cb.tag] = cb
			}
			e.mu.Unlock()
		}

		if accepted < len(batchCbs) {
			rejected := batchCbs[accepted:]
			for _, cb := range rejected {
				e.slab.release(cb.tag)
			}
			// A zero-accept round with no error (e.g. the backend's
			// submission queue is momentarily full) is not a failure of
			// any Cb; every rejected Cb goes back onto pending to retry
			// on the next call. Only a genuine submission error fails the
			// batch's lead Cb.
			if accepted == 0 && err != nil {
				if failErr := e.completeCb(rejected[0], -1); failErr != nil {
					return failErr
				}
				e.mu.Lock()
				for _, cb := range rejected[1:] {
					e.pending.PushFront(cb)
				}
				e.mu.Unlock()
				return nil
			}
			e.mu.Lock()
			for i := len(rejected) - 1; i >= 0; i-- {
				e.pending.PushFront(rejected[i])
			}
			e.mu.Unlock()
			return nil
		}
	}
}

func submissionOpFor(op OpCode) backend.SubmissionOp {
	if op == OpWriteVectored {
		return backend.SubmissionWrite
	}
	return backend.SubmissionRead
}

// Reap services the completion descriptor once: it asks the backend for
// every ready completion, resolves each back to its Cb, invokes the
// completion callback, and then tries to push more pending work into the
// backend. It reports whether any completion was observed.
func (e *Engine) Reap() (bool, error) {
	if e.ctx == nil {
		return false, nil
	}
	events, err := e.ctx.Reap()
	if err != nil {
		return false, fmt.Errorf("engine: reap: %w", err)
	}
	if len(events) == 0 {
		return false, nil
	}

	for _, ev := range events {
		cb, ok := e.slab.lookup(ev.UserTag)
		if !ok {
			continue
		}
		e.mu.Lock()
		delete(e.inflight, ev.UserTag)
		e.mu.Unlock()
		e.slab.release(ev.UserTag)

		status := int64(-1)
		if ev.Status == 0 && uint64(ev.Bytes) == cb.Nbytes {
			status = 0
		}
		if err := e.completeCb(cb, status); err != nil {
			return true, err
		}
	}

	if err := e.processPending(); err != nil {
		return true, err
	}
	return true, nil
}

// FlushRequest drains the pending queue, repeatedly submitting and
// reaping until nothing remains pending or in flight.
func (e *Engine) FlushRequest() error {
	for {
		e.mu.Lock()
		empty := e.pending.Len() == 0 && len(e.inflight) == 0
		e.mu.Unlock()
		if empty {
			return nil
		}
		if err := e.processPending(); err != nil {
			return err
		}
		if e.ctx != nil {
			if _, err := e.Reap(); err != nil {
				return err
			}
		}
	}
}

// DrainRequest blocks until every request submitted so far has
// completed.
func (e *Engine) DrainRequest() error {
	for e.incomplete.Load() != 0 {
		if e.ctx == nil {
			break
		}
		if _, err := e.Reap(); err != nil {
			return err
		}
	}
	return nil
}

// completeCb runs the request's completion, honoring combine bookkeeping
// when the Cb is one part of a multi-part logical request: only the part
// whose contribution brings the shared remaining-count to zero invokes
// the caller-visible completion, using the combined status.
func (e *Engine) completeCb(cb *Cb, result int64) error {
	e.incomplete.Add(^uint64(0))

	if cb.Combine != nil {
		isLast, final := cb.Combine.contribute(result)
		if !isLast {
			return nil
		}
		result = final
	}
	if e.complete == nil {
		return nil
	}
	return e.complete(cb, result)
}
