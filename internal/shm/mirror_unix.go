//go:build unix

package shm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func pageSize() int {
	return unix.Getpagesize()
}

// mapMirror reserves an inaccessible range twice the requested size and maps
// the backing object over each half with MAP_FIXED. Because both fixed maps
// land inside our own reservation they cannot collide with unrelated
// allocations, so unix never reports ErrPlacementRace.
func mapMirror(opts MapOptions) (*MirrorRegion, error) {
	size := uintptr(opts.Size)
	backing, err := openBacking(opts)
	if err != nil {
		return nil, err
	}

	base, err := unix.MmapPtr(-1, 0, nil, 2*size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		_ = backing.close()
		return nil, fmt.Errorf("reserve address space: %w", err)
	}

	for _, off := range []uintptr{0, size} {
		want := unsafe.Add(base, off)
		got, err := unix.MmapPtr(backing.fd, 0, want, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED)
		if err == nil && got != want {
			err = fmt.Errorf("mapped at %p, want %p", got, want)
		}
		if err != nil {
			_ = unix.MunmapPtr(base, 2*size)
			_ = backing.close()
			return nil, fmt.Errorf("mmap fixed at +%d: %w", off, err)
		}
	}

	// the two mappings keep the storage alive on their own
	if err := backing.close(); err != nil {
		_ = unix.MunmapPtr(base, 2*size)
		return nil, fmt.Errorf("close backing: %w", err)
	}

	return &MirrorRegion{
		Size:    opts.Size,
		Name:    opts.Name,
		Backing: backing.kind,
		mem:     unsafe.Slice((*byte)(base), 2*opts.Size),
	}, nil
}

func unmapMirror(r *MirrorRegion) error {
	if err := unix.MunmapPtr(unsafe.Pointer(unsafe.SliceData(r.mem)), uintptr(len(r.mem))); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

type backingObject struct {
	fd    int
	kind  Backing
	close func() error
}
