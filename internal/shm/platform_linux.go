//go:build linux

package shm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// openBacking creates the shared object behind the mirror (Linux implementation).
// BackingAuto falls back to a file when the kernel lacks memfd_create.
func openBacking(opts MapOptions) (backingObject, error) {
	switch opts.Backing {
	case BackingMemfd:
		return openMemfd(opts)
	case BackingFile:
		return openFileBacking(opts)
	case BackingAuto:
		b, err := openMemfd(opts)
		if errors.Is(err, unix.ENOSYS) {
			return openFileBacking(opts)
		}
		return b, err
	}
	return backingObject{}, fmt.Errorf("%w: %s", ErrBackingUnsupported, opts.Backing)
}

func openMemfd(opts MapOptions) (backingObject, error) {
	name := opts.Name
	if name == "" {
		name = "ringbuf"
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return backingObject{}, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
		_ = unix.Close(fd)
		return backingObject{}, fmt.Errorf("ftruncate: %w", err)
	}
	return backingObject{
		fd:    fd,
		kind:  BackingMemfd,
		close: func() error { return unix.Close(fd) },
	}, nil
}
