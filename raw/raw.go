// Package raw provides blocking, stateless wrappers over the host
// positional I/O syscalls the engine builds on: read, write, vectored
// read/write, datasync, discard (hole punch) and write-zeroes.
//
// Every function here is free of hidden state: it operates on a bare
// file descriptor and never retains anything between calls. Short reads
// and short writes are returned to the caller unmodified — callers in
// the engine package decide what a short transfer means for a given
// opcode.
package raw

import (
	"golang.org/x/sys/unix"
)

// Pread performs a positional read. It may return fewer bytes than
// len(buf); callers must not assume a full read.
func Pread(fd int, buf []byte, offset int64) (int64, error) {
	n, err := unix.Pread(fd, buf, offset)
	return int64(n), err
}

// Pwrite performs a positional write.
func Pwrite(fd int, buf []byte, offset int64) (int64, error) {
	n, err := unix.Pwrite(fd, buf, offset)
	return int64(n), err
}

// Preadv performs a vectored positional read.
func Preadv(fd int, iovs [][]byte, offset int64) (int64, error) {
	n, err := unix.Preadv(fd, iovs, offset)
	return int64(n), err
}

// Pwritev performs a vectored positional write.
func Pwritev(fd int, iovs [][]byte, offset int64) (int64, error) {
	n, err := unix.Pwritev(fd, iovs, offset)
	return int64(n), err
}

// Datasync issues a host-level data barrier (fdatasync).
func Datasync(fd int) (int64, error) {
	if err := unix.Fdatasync(fd); err != nil {
		return -1, err
	}
	return 0, nil
}

// Discard releases backing storage in [offset, offset+length) via a
// hole-punch fallocate call. The file's apparent size is unaffected.
func Discard(fd int, offset, length int64) (int64, error) {
	err := unix.Fallocate(fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
	if err != nil {
		return -1, err
	}
	return 0, nil
}

// WriteZeroes zeroes [offset, offset+length), preferring the fast
// fallocate(ZERO_RANGE) path and falling back to a hole punch, then
// finally to an explicit zero-write loop on hosts/filesystems that
// support neither fallocate mode.
func WriteZeroes(fd int, offset, length int64) (int64, error) {
	err := unix.Fallocate(fd, unix.FALLOC_FL_ZERO_RANGE, offset, length)
	if err == nil {
		return 0, nil
	}
	if err == unix.EOPNOTSUPP || err == unix.ENOSYS {
		err = unix.Fallocate(fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
		if err == nil {
			return 0, nil
		}
	}
	if err == unix.EOPNOTSUPP || err == unix.ENOSYS {
		return writeZeroesManual(fd, offset, length)
	}
	return -1, err
}

const zeroChunkSize = 1 << 20

func writeZeroesManual(fd int, offset, length int64) (int64, error) {
	zeros := make([]byte, zeroChunkSize)
	for length > 0 {
		chunk := int64(len(zeros))
		if chunk > length {
			chunk = length
		}
		n, err := unix.Pwrite(fd, zeros[:chunk], offset)
		if err != nil {
			return -1, err
		}
		if int64(n) != chunk {
			return -1, unix.EIO
		}
		offset += chunk
		length -= chunk
	}
	return 0, nil
}
