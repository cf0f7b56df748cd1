//go:build unix && !linux

package shm

import "fmt"

// openBacking creates the shared object behind the mirror. Without memfd the
// only option is an unlinked file.
func openBacking(opts MapOptions) (backingObject, error) {
	switch opts.Backing {
	case BackingAuto, BackingFile:
		return openFileBacking(opts)
	}
	return backingObject{}, fmt.Errorf("%w: %s", ErrBackingUnsupported, opts.Backing)
}
