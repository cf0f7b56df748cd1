//go:build windows

package shm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Views must start on an allocation-granularity boundary, not a page boundary.
const allocationGranularity = 64 << 10

var (
	modkernel32         = windows.NewLazySystemDLL("kernel32.dll")
	procMapViewOfFileEx = modkernel32.NewProc("MapViewOfFileEx")
)

func pageSize() int {
	return allocationGranularity
}

// mapMirror maps a pagefile section twice (Windows implementation). The
// reserved range has to be freed before MapViewOfFileEx can use it, so another
// thread may grab part of it in between; that case returns ErrPlacementRace
// and ReserveMirror tries again at a fresh address.
func mapMirror(opts MapOptions) (*MirrorRegion, error) {
	switch opts.Backing {
	case BackingAuto, BackingSection:
	default:
		return nil, fmt.Errorf("%w: %s", ErrBackingUnsupported, opts.Backing)
	}
	size := uintptr(opts.Size)

	section, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE,
		uint32(uint64(size)>>32), uint32(size), nil)
	if err != nil {
		return nil, fmt.Errorf("CreateFileMapping: %w", err)
	}
	defer windows.CloseHandle(section) //nolint:errcheck // views keep the section alive

	base, err := windows.VirtualAlloc(0, 2*size, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return nil, fmt.Errorf("VirtualAlloc: %w", err)
	}
	if err := windows.VirtualFree(base, 0, windows.MEM_RELEASE); err != nil {
		return nil, fmt.Errorf("VirtualFree: %w", err)
	}

	if err := mapViewAt(section, size, base); err != nil {
		return nil, err
	}
	if err := mapViewAt(section, size, base+size); err != nil {
		_ = windows.UnmapViewOfFile(base)
		return nil, err
	}

	return &MirrorRegion{
		Size:    opts.Size,
		Name:    opts.Name,
		Backing: BackingSection,
		mem:     unsafe.Slice((*byte)(unsafe.Pointer(base)), 2*opts.Size),
	}, nil
}

func mapViewAt(section windows.Handle, size, addr uintptr) error {
	r, _, callErr := procMapViewOfFileEx.Call(uintptr(section), windows.FILE_MAP_WRITE, 0, 0, size, addr)
	if r == 0 {
		return fmt.Errorf("%w: MapViewOfFileEx at %#x: %v", ErrPlacementRace, addr, callErr)
	}
	if r != addr {
		_ = windows.UnmapViewOfFile(r)
		return fmt.Errorf("%w: view landed at %#x, want %#x", ErrPlacementRace, r, addr)
	}
	return nil
}

func unmapMirror(r *MirrorRegion) error {
	base := uintptr(unsafe.Pointer(unsafe.SliceData(r.mem)))
	errLo := windows.UnmapViewOfFile(base)
	errHi := windows.UnmapViewOfFile(base + uintptr(r.Size))
	if errLo != nil {
		return fmt.Errorf("UnmapViewOfFile: %w", errLo)
	}
	if errHi != nil {
		return fmt.Errorf("UnmapViewOfFile: %w", errHi)
	}
	return nil
}
