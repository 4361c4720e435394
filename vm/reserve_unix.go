//go:build linux || darwin

package vm

import (
	"errors"

	"golang.org/x/sys/unix"
)

// reserve maps size bytes of anonymous, lazily committed memory.
func reserve(size int) ([]byte, func([]byte) error, error) {
	data, err := unix.Mmap(
		-1,
		0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE,
	)
	if err != nil {
		return nil, nil, err
	}
	release := func(b []byte) error {
		err := unix.Munmap(b)
		if errors.Is(err, unix.EINVAL) {
			// Treat double-unmap as no-op for callers.
			return nil
		}
		return err
	}
	return data, release, nil
}

// discard drops the resident pages behind b. The next access reads zeros.
func discard(b []byte) error {
	return unix.Madvise(b, unix.MADV_DONTNEED)
}
