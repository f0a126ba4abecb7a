package engine

import "unsafe"

// bytesOf views an Iov as a []byte over host memory. The caller is
// trusted to have validated that Base/Len lie inside memory the engine
// is permitted to touch; the engine itself never re-checks this.
func bytesOf(iov Iov) []byte {
	if iov.Len == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(iov.Base))), int(iov.Len))
}

// toByteSlices converts an Iov list into [][]byte for raw.Preadv/Pwritev.
func toByteSlices(iovs []Iov) [][]byte {
	out := make([][]byte, len(iovs))
	for i, iov := range iovs {
		out[i] = bytesOf(iov)
	}
	return out
}

// iovIsZero reports whether every byte across iovs is zero, scanned as
// 64-bit words. Any iov whose length is not a multiple of 8 aborts the
// scan and reports non-zero, treating the request as not eligible for
// write-zeroes promotion rather than as an error.
func iovIsZero(iovs []Iov) bool {
	for _, iov := range iovs {
		if iov.Len%8 != 0 {
			return false
		}
		words := unsafe.Slice((*uint64)(unsafe.Pointer(uintptr(iov.Base))), int(iov.Len/8))
		for _, w := range words {
			if w != 0 {
				return false
			}
		}
	}
	return true
}

// iovSplit splits iovs at the given byte offset, returning the bytes
// before size and the remainder, splitting a single Iov if size falls
// inside it.
func iovSplit(iovs []Iov, size uint64) (head, tail []Iov) {
	for _, iov := range iovs {
		if size == 0 {
			tail = append(tail, iov)
			continue
		}
		if iov.Len > size {
			head = append(head, Iov{Base: iov.Base, Len: size})
			tail = append(tail, Iov{Base: iov.Base + size, Len: iov.Len - size})
			size = 0
		} else {
			size -= iov.Len
			head = append(head, iov)
		}
	}
	return head, tail
}

// iovDiscardFront drops size bytes from the front of iovs, returning the
// remaining slice (which may start with a shortened Iov). Returns nil if
// size consumes the whole list.
func iovDiscardFront(iovs []Iov, size uint64) []Iov {
	for i, iov := range iovs {
		if iov.Len > size {
			out := append([]Iov(nil), iovs[i:]...)
			out[0].Base += size
			out[0].Len -= size
			return out
		}
		size -= iov.Len
	}
	return nil
}

// copyIovToBuf copies min(iov total, len(dst)) bytes from iovs into dst,
// returning the number of bytes copied.
func copyIovToBuf(iovs []Iov, dst []byte) int {
	pos := 0
	for _, iov := range iovs {
		if pos >= len(dst) {
			break
		}
		n := copy(dst[pos:], bytesOf(iov))
		pos += n
	}
	return pos
}

// copyBufToIov copies min(len(src), iov total) bytes from src into iovs.
func copyBufToIov(iovs []Iov, src []byte) int {
	pos := 0
	for _, iov := range iovs {
		if pos >= len(src) {
			break
		}
		n := copy(bytesOf(iov), src[pos:])
		pos += n
	}
	return pos
}
