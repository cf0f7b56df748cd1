// Package shm contains the platform-specific helpers that build a mirrored
// mapping: one shared backing object mapped twice into adjacent halves of a
// virtual range, so that a span crossing the midpoint is contiguous memory.
//
// The mapping primitives live in per-platform files (mirror_unix.go,
// platform_linux.go, platform_unix.go, platform_windows.go); the code in this
// file only validates options and drives the retry loop.
package shm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultMaxAttempts bounds how often a lost placement race is retried.
const DefaultMaxAttempts = 8

var (
	// ErrInvalidSize is returned when the mirror size is not a power of two
	// multiple of the page size.
	ErrInvalidSize = errors.New("mirror size must be a power of two no smaller than the page size")
	// ErrAllocation wraps every failure to reserve or map the mirror.
	ErrAllocation = errors.New("mirror allocation failed")
	// ErrPlacementRace reports that an unrelated mapping landed inside the
	// range between reserving it and placing the fixed views. It is retried.
	ErrPlacementRace = errors.New("mirror placement lost to a concurrent mapping")
	// ErrBackingUnsupported is returned for a backing kind the platform cannot provide.
	ErrBackingUnsupported = errors.New("backing not supported on this platform")
)

// Backing selects the kind of shared object that backs both halves of the mirror.
type Backing int

const (
	// BackingAuto lets the platform pick: memfd on Linux, an unlinked file
	// on other unix systems, a pagefile section on Windows.
	BackingAuto Backing = iota
	// BackingMemfd uses memfd_create (Linux only).
	BackingMemfd
	// BackingFile uses an unlinked file under /dev/shm or the temp dir.
	BackingFile
	// BackingSection is a pagefile-backed section object (Windows only).
	BackingSection
)

func (b Backing) String() string {
	switch b {
	case BackingAuto:
		return "auto"
	case BackingMemfd:
		return "memfd"
	case BackingFile:
		return "file"
	case BackingSection:
		return "section"
	}
	return fmt.Sprintf("backing(%d)", int(b))
}

// ParseBacking converts a flag value into a Backing.
func ParseBacking(s string) (Backing, error) {
	switch s {
	case "", "auto":
		return BackingAuto, nil
	case "memfd":
		return BackingMemfd, nil
	case "file":
		return BackingFile, nil
	case "section":
		return BackingSection, nil
	}
	return BackingAuto, fmt.Errorf("unknown backing %q", s)
}

// MirrorRegion is a virtual range of 2*Size bytes whose two halves alias the
// same storage. It is exclusively owned by whoever called ReserveMirror.
type MirrorRegion struct {
	Size    int
	Name    string
	Backing Backing
	mem     []byte
}

// MapOptions defines options for building a mirror.
type MapOptions struct {
	Name        string
	Size        int
	Backing     Backing
	MaxAttempts int
}

// PageSize returns the granularity that mirror halves must be aligned to.
func PageSize() int {
	return pageSize()
}

// ReserveMirror reserves 2*opts.Size bytes of address space and maps one
// backing object into both halves. A partially built mirror is always torn
// down before an error is returned.
func ReserveMirror(ctx context.Context, opts MapOptions) (*MirrorRegion, error) {
	if !validSize(opts.Size) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, opts.Size)
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	var region *MirrorRegion
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		r, err := mapMirror(opts)
		if err != nil {
			if errors.Is(err, ErrPlacementRace) {
				return err
			}
			return backoff.Permanent(err)
		}
		region = r
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Millisecond
	eb.MaxInterval = 50 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	return region, nil
}

// Bytes returns the 2*Size view over the mirror; nil once released.
func (r *MirrorRegion) Bytes() []byte {
	if r == nil {
		return nil
	}
	return r.mem
}

// Released reports whether Release has been called.
func (r *MirrorRegion) Released() bool {
	return r == nil || r.mem == nil
}

// Release unmaps the full 2*Size range. It is a no-op on a nil or already
// released region.
func (r *MirrorRegion) Release() error {
	if r.Released() {
		return nil
	}
	err := unmapMirror(r)
	r.mem = nil
	return err
}

func validSize(size int) bool {
	page := pageSize()
	return size >= page && size&(size-1) == 0 && size%page == 0
}
