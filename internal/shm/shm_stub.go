//go:build !linux

package shm

// Open is unavailable off linux; the agent runs statistics-only.
func Open(name string, size int) (*Region, error) {
	return nil, ErrNotSupported
}

// OpenReadOnly is unavailable off linux.
func OpenReadOnly(name string, size int) (*Region, error) {
	return nil, ErrNotSupported
}

// Close is a no-op on platforms without shared memory
func (r *Region) Close() error {
	return nil
}

// Unlink is a no-op on platforms without shared memory
func Unlink(name string) error {
	return ErrNotSupported
}
