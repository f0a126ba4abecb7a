// Package testingsupport provides anonymous-memory-backed test files and
// a scriptable backend.Context, so engine and file-driver tests can
// exercise real file descriptors and real alignment behavior without
// touching disk.
package testingsupport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MemFile is a real file descriptor backed by anonymous memory
// (memfd_create), so it supports pread/pwrite/fallocate/fdatasync like
// any other file while never touching a real block device.
type MemFile struct {
	fd   int
	size int64
}

// NewMemFile creates a memfd-backed file of the given size.
func NewMemFile(name string, size int64) (*MemFile, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("testingsupport: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("testingsupport: ftruncate: %w", err)
	}
	return &MemFile{fd: fd, size: size}, nil
}

// FD is the underlying file descriptor, for use as a Cb.FD value.
func (f *MemFile) FD() int { return f.fd }

// Size is the length the file was created with; later writes past it
// are not reflected.
func (f *MemFile) Size() int64 { return f.size }

// ReadAt reads directly from the memfd, for test assertions.
func (f *MemFile) ReadAt(p []byte, off int64) (int, error) {
	return unix.Pread(f.fd, p, off)
}

// WriteAt writes directly to the memfd, for test fixture setup.
func (f *MemFile) WriteAt(p []byte, off int64) (int, error) {
	return unix.Pwrite(f.fd, p, off)
}

// Close releases the descriptor.
func (f *MemFile) Close() error {
	return unix.Close(f.fd)
}
