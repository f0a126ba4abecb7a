package engine

// MaxEvents is the fixed backend queue depth, per engine instance,
// regardless of backend kind.
const MaxEvents = 128

// OpCode is the closed set of operations a control block may carry.
type OpCode int

const (
	OpNoop OpCode = iota
	OpReadVectored
	OpWriteVectored
	OpFlush
	OpDatasync
	OpDiscard
	OpWriteZeroes
	OpWriteZeroesUnmap
)

func (o OpCode) String() string {
	switch o {
	case OpNoop:
		return "noop"
	case OpReadVectored:
		return "read_vectored"
	case OpWriteVectored:
		return "write_vectored"
	case OpFlush:
		return "flush"
	case OpDatasync:
		return "datasync"
	case OpDiscard:
		return "discard"
	case OpWriteZeroes:
		return "write_zeroes"
	case OpWriteZeroesUnmap:
		return "write_zeroes_unmap"
	default:
		return "unknown"
	}
}

// WriteZeroesPolicy governs whether an all-zero write is rewritten into a
// zeroing/unmap call instead of going through the normal write path.
type WriteZeroesPolicy int

const (
	WriteZeroesOff WriteZeroesPolicy = iota
	WriteZeroesOn
	WriteZeroesUnmap
)

// Iov is one scatter/gather entry: a host virtual address and length.
// The engine assumes the address range lies inside memory it is
// permitted to touch; it never re-validates this.
type Iov struct {
	Base uint64
	Len  uint64
}

// IovSize returns the total length of an iovec list.
func IovSize(iovs []Iov) uint64 {
	var sum uint64
	for _, iov := range iovs {
		sum += iov.Len
	}
	return sum
}

// CompleteFunc is invoked exactly once per submitted Cb with the final
// result: >= 0 is success (byte count for data ops, 0 otherwise), < 0 is
// failure. Cbs that share a CombineRecord get one invocation between
// them, for the part that completes last, carrying the combined status.
// A non-nil error return is surfaced to the event-loop handler that
// drove the completion.
type CompleteFunc func(cb *Cb, result int64) error

// Cb is the control block threaded through the engine: pending -> inflight
// -> completion callback -> freed. A Cb is never shared across threads
// except via the single-threaded engine that owns it.
type Cb struct {
	Direct         bool
	ReqAlign       uint32
	BufAlign       uint32
	DiscardEnabled bool
	WriteZeroes    WriteZeroesPolicy

	FD     int
	Op     OpCode
	Iov    []Iov
	Offset uint64
	Nbytes uint64

	// UserTag is returned verbatim to the completion callback. It carries
	// caller state such as the originating virtio descriptor chain.
	UserTag any

	// Combine is set when this Cb is one of several parts of one logical
	// request. Opaque to queueing; only the completion path consults it.
	Combine *CombineRecord

	// tag is the slab-allocated, generation-stamped handle the backend
	// stores as its user-data slot. See slab.go.
	tag uint64
}
