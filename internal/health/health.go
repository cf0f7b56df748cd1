// Package health evaluates buffer snapshots for liveness and readiness probes.
package health

import (
	"errors"
	"fmt"

	"github.com/srediag/ringbuf/pkg/shm"
)

var (
	// ErrReleased means the mapping behind a registered source is gone.
	ErrReleased = errors.New("buffer released")
	// ErrCorrupt means the offsets in a snapshot break the buffer invariants.
	ErrCorrupt = errors.New("buffer offsets out of range")
	// ErrNotAccepting means the producer side has closed.
	ErrNotAccepting = errors.New("buffer closed for writing")
)

// CheckLive fails when the snapshot shows a buffer that can no longer move data.
func CheckLive(st shm.Stats) error {
	if st.Released {
		return ErrReleased
	}
	capacity := uint64(st.Capacity)
	if st.ReadOffset > st.WriteOffset || st.WriteOffset-st.ReadOffset > capacity ||
		st.ReadOffset >= capacity || st.WriteOffset >= 2*capacity {
		return fmt.Errorf("%w: read=%d write=%d capacity=%d", ErrCorrupt, st.ReadOffset, st.WriteOffset, capacity)
	}
	return nil
}

// CheckReady fails when the buffer is not live or no longer takes writes.
func CheckReady(st shm.Stats) error {
	if err := CheckLive(st); err != nil {
		return err
	}
	if st.Closed {
		return ErrNotAccepting
	}
	return nil
}
