// Package shm provides a fixed-capacity, zero-copy circular byte buffer for
// single-producer/single-consumer streaming.
//
// The buffer maps one shared memory object twice into adjacent halves of a
// virtual range. A read or write that crosses the physical end of the storage
// is therefore a plain contiguous copy, and the zero-copy views returned by
// Reserve and PeekSlice are never split in two.
//
// Example usage:
//
//	buf, err := shm.New(16) // 64 KiB
//	if err != nil {
//		return err
//	}
//	defer buf.Release()
//
//	if _, err := buf.Write([]byte("hello")); errors.Is(err, shm.ErrFull) {
//		// back off and retry
//	}
//	out := make([]byte, 5)
//	_, err = buf.Read(out)
//
// Buffers are instrumented with OpenTelemetry (Config.Meter, Config.Tracer)
// and Prometheus (Config.Registerer). Platform-specific mapping code lives in
// internal/shm.
package shm
