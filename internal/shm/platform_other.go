//go:build !unix && !windows

package shm

func pageSize() int {
	return 4096
}

func mapMirror(opts MapOptions) (*MirrorRegion, error) {
	return nil, ErrBackingUnsupported
}

func unmapMirror(r *MirrorRegion) error {
	return nil
}
