//go:build linux

package shm

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

const shmDir = "/dev/shm"

// path translates a shm_open style "/name" into its tmpfs path
func path(name string) (string, error) {
	if len(name) < 2 || name[0] != '/' || strings.Contains(name[1:], "/") {
		return "", ErrBadName
	}
	return shmDir + name, nil
}

// Open creates (if absent) and maps the named region read-write shared,
// sized to exactly size bytes. A fresh region is zero-filled by the kernel.
func Open(name string, size int) (*Region, error) {
	return open(name, size, false)
}

// OpenReadOnly maps an existing named region read-only for a consumer.
func OpenReadOnly(name string, size int) (*Region, error) {
	return open(name, size, true)
}

func open(name string, size int, readonly bool) (*Region, error) {
	p, err := path(name)
	if err != nil {
		return nil, err
	}

	flags := unix.O_RDWR | unix.O_CREAT
	prot := unix.PROT_READ | unix.PROT_WRITE
	if readonly {
		flags = unix.O_RDONLY
		prot = unix.PROT_READ
	}

	fd, err := unix.Open(p, flags|unix.O_CLOEXEC, 0o666)
	if err != nil {
		return nil, fmt.Errorf("opening shared memory %s: %w", name, err)
	}
	defer unix.Close(fd)

	if !readonly {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			return nil, fmt.Errorf("sizing shared memory %s to %d bytes: %w", name, size, err)
		}
	}

	data, err := unix.Mmap(fd, 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping shared memory %s: %w", name, err)
	}

	return &Region{name: name, data: data}, nil
}

// Close unmaps the region. The named segment itself survives until Unlink.
func (r *Region) Close() error {
	if r == nil || r.data == nil {
		return nil
	}
	data := r.data
	r.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("unmapping shared memory %s: %w", r.name, err)
	}
	return nil
}

// Unlink removes the named segment. Existing mappings stay valid.
func Unlink(name string) error {
	p, err := path(name)
	if err != nil {
		return err
	}
	if err := unix.Unlink(p); err != nil {
		return fmt.Errorf("unlinking shared memory %s: %w", name, err)
	}
	return nil
}
