package engine

import "sync/atomic"

// CombineRecord is shared by every Cb that is one part of a single
// logical request split into k parts. Engine-internal queueing treats
// each Cb independently; only the completion path consults this record.
//
// Whichever completion brings the remaining count to zero is the one
// that finalises the logical request, whether or not its part was
// submitted last. Callers that need last-submitter semantics must build
// it on top, e.g. by holding back submission of the final part until
// every earlier part's completion has been observed.
type CombineRecord struct {
	remaining    atomic.Uint32
	sharedStatus atomic.Int64
}

// NewCombineRecord creates a record shared by parts Cbs.
func NewCombineRecord(parts uint32) *CombineRecord {
	r := &CombineRecord{}
	r.remaining.Store(parts)
	return r
}

// contribute publishes result (if negative, and only if no earlier part
// already published a negative result) and decrements the remaining
// count. It reports whether this call observed the count reach zero, and
// if so, the final status the caller should use to finalise the logical
// request.
func (r *CombineRecord) contribute(result int64) (isLast bool, final int64) {
	if result < 0 {
		r.sharedStatus.CompareAndSwap(0, result)
	}
	if r.remaining.Add(^uint32(0)) != 0 { // fetch_sub(1)
		return false, 0
	}
	final = r.sharedStatus.Load()
	return true, final
}
