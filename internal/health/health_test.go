package health

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srediag/ringbuf/pkg/shm"
)

func TestChecks(t *testing.T) {
	ok := shm.Stats{Capacity: 4096, ReadOffset: 100, WriteOffset: 4196}
	assert.NoError(t, CheckLive(ok))
	assert.NoError(t, CheckReady(ok))

	closed := ok
	closed.Closed = true
	assert.NoError(t, CheckLive(closed))
	assert.ErrorIs(t, CheckReady(closed), ErrNotAccepting)

	released := shm.Stats{Capacity: 4096, Released: true}
	assert.ErrorIs(t, CheckLive(released), ErrReleased)
	assert.ErrorIs(t, CheckReady(released), ErrReleased)

	for _, st := range []shm.Stats{
		{Capacity: 4096, ReadOffset: 10, WriteOffset: 5},
		{Capacity: 4096, ReadOffset: 0, WriteOffset: 4097},
		{Capacity: 4096, ReadOffset: 4096, WriteOffset: 4096},
	} {
		assert.ErrorIs(t, CheckLive(st), ErrCorrupt, "%+v", st)
	}
}
