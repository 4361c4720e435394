//go:build !linux && !darwin

package vm

// reserve allocates the range from the Go heap when mmap is not available.
func reserve(size int) ([]byte, func([]byte) error, error) {
	return make([]byte, size), func([]byte) error { return nil }, nil
}

// discard zeroes b so a later mapping reads fresh memory.
func discard(b []byte) error {
	clear(b)
	return nil
}
