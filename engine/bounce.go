package engine

import (
	"golang.org/x/sys/unix"

	"github.com/behrlich/blockaio/raw"
)

const maxBounceBufferLen = 1 << 20 // 1 MiB

func roundDown(v, align uint64) uint64 { return v &^ (align - 1) }
func roundUp(v, align uint64) uint64   { return roundDown(v+align-1, align) }

// misaligned reports whether direct I/O would violate req_align/buf_align.
func misaligned(cb *Cb) bool {
	if !cb.Direct || (cb.Op != OpReadVectored && cb.Op != OpWriteVectored) {
		return false
	}
	reqAlign := uint64(cb.ReqAlign)
	bufAlign := uint64(cb.BufAlign)
	if cb.Offset%reqAlign != 0 {
		return true
	}
	for _, iov := range cb.Iov {
		if iov.Base%bufAlign != 0 {
			return true
		}
		if iov.Len%reqAlign != 0 {
			return true
		}
	}
	return false
}

// allocBounceBuffer allocates a page-aligned scratch buffer via anonymous
// mmap, following the same raw-mmap technique the teacher uses for its
// own I/O buffers rather than a general-purpose allocator (mmap'd memory
// is page-aligned by construction, which is exactly what O_DIRECT needs).
func allocBounceBuffer(length uint64) ([]byte, error) {
	buf, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func freeBounceBuffer(buf []byte) {
	_ = unix.Munmap(buf)
}

// handleMisaligned services a misaligned direct-I/O Cb entirely
// synchronously by reading or writing an aligned superset window through
// a bounce buffer, then invokes the completion callback with 0 on
// success or -1 on failure.
func (e *Engine) handleMisaligned(cb *Cb) error {
	reqAlign := uint64(cb.ReqAlign)
	maxLen := roundDown(cb.Nbytes+2*reqAlign, reqAlign)
	bufferLen := maxLen
	if bufferLen > maxBounceBufferLen {
		bufferLen = maxBounceBufferLen
	}

	buf, err := allocBounceBuffer(bufferLen)
	if err != nil {
		return e.completeCb(cb, -1)
	}
	defer freeBounceBuffer(buf)

	var res int64
	if bounceErr := runBounce(cb, buf, bufferLen); bounceErr != nil {
		res = -1
	} else {
		res = 0
	}
	return e.completeCb(cb, res)
}

func runBounce(cb *Cb, buf []byte, bufferLen uint64) error {
	switch cb.Op {
	case OpReadVectored:
		return bounceRead(cb, buf, bufferLen)
	case OpWriteVectored:
		return bounceWrite(cb, buf, bufferLen)
	default:
		return errUnknownBounceOp
	}
}

var errUnknownBounceOp = &bounceError{"misaligned bounce path used for non-rw opcode"}

type bounceError struct{ msg string }

func (e *bounceError) Error() string { return e.msg }

func bounceRead(cb *Cb, buf []byte, bufferLen uint64) error {
	reqAlign := uint64(cb.ReqAlign)
	lo := cb.Offset
	hi := lo + cb.Nbytes
	loA := roundDown(lo, reqAlign)
	hiA := roundUp(hi, reqAlign)

	iovs := cb.Iov
	offset := loA
	for {
		window := minU64(hiA-offset, bufferLen)
		n, err := raw.Pread(cb.FD, buf[:window], int64(offset))
		if err != nil || n < 0 {
			return &bounceError{"raw read failed for misaligned read"}
		}

		realOffset := maxU64(offset, lo)
		realHigh := minU64(offset+window, hi)
		realLen := realHigh - realOffset

		if uint64(n) < realHigh-offset {
			return &bounceError{"misaligned read returned fewer bytes than required"}
		}

		src := buf[realOffset-offset : realOffset-offset+realLen]
		copyBufToIov(iovs, src)

		offset += window
		if offset >= hiA {
			break
		}
		iovs = iovDiscardFront(iovs, realLen)
	}
	return nil
}

func bounceWrite(cb *Cb, buf []byte, bufferLen uint64) error {
	reqAlign := uint64(cb.ReqAlign)
	lo := cb.Offset
	hi := lo + cb.Nbytes
	loA := roundDown(lo, reqAlign)
	hiA := roundUp(hi, reqAlign)

	headLoaded := false
	if lo > loA {
		n, err := raw.Pread(cb.FD, buf[:reqAlign], int64(loA))
		if err != nil || uint64(n) != reqAlign {
			return &bounceError{"failed to load head for misaligned write"}
		}
		headLoaded = true
	}

	sameSection := (loA + reqAlign) >= hi
	needTail := !(sameSection && headLoaded) && (hiA > hi)

	iovs := cb.Iov
	offset := loA
	for {
		window := minU64(hiA-offset, bufferLen)
		realOffset := maxU64(offset, lo)
		realHigh := minU64(offset+window, hi)
		realLen := realHigh - realOffset

		if realHigh == hi && needTail {
			n, err := raw.Pread(cb.FD, buf[window-reqAlign:window], int64(offset+window-reqAlign))
			if err != nil || uint64(n) != reqAlign {
				return &bounceError{"failed to load tail for misaligned write"}
			}
		}

		dst := buf[realOffset-offset : realOffset-offset+realLen]
		copyIovToBuf(iovs, dst)

		n, err := raw.Pwrite(cb.FD, buf[:window], int64(offset))
		if err != nil || uint64(n) != window {
			return &bounceError{"raw write failed for misaligned write"}
		}

		offset += window
		if offset >= hiA {
			break
		}
		iovs = iovDiscardFront(iovs, realLen)
	}
	return nil
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
