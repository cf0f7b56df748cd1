/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	internalshm "github.com/srediag/ringbuf/internal/shm"
)

var (
	_ io.Writer     = (*Buffer)(nil)
	_ io.Reader     = (*Buffer)(nil)
	_ io.WriterTo   = (*Buffer)(nil)
	_ io.ReaderFrom = (*Buffer)(nil)
	_ io.Closer     = (*Buffer)(nil)
)

// Buffer is a fixed-capacity circular byte buffer over a mirrored mapping.
//
// The mapping holds the same storage twice, back to back, so the bytes
// between the read and write offsets are always one contiguous slice even
// when they cross the physical end of the storage. Offsets are kept inside
// the doubled range by folding both of them back by the capacity as soon as
// the read offset passes it.
//
// A Buffer is not safe for concurrent use; see package pipe for a
// synchronised producer/consumer pair.
type Buffer struct {
	region   *internalshm.MirrorRegion
	mem      []byte
	name     string
	order    int
	capacity uint64
	pageSize int

	write uint64
	read  uint64
	end   uint64

	closed  bool
	folds   uint64
	metrics *instruments
}

// Stats is a snapshot of a Buffer.
type Stats struct {
	Name        string
	Order       int
	Capacity    int
	ReadOffset  uint64
	WriteOffset uint64
	EndOffset   uint64
	Buffered    int
	Free        int
	Closed      bool
	Released    bool
	Folds       uint64
}

// New creates a buffer of 1<<order bytes with the default config.
// An order of zero selects DefaultOrder.
func New(order int) (*Buffer, error) {
	config := DefaultConfig()
	config.Order = order
	return Open(context.Background(), config)
}

// Open reserves and maps a mirrored buffer described by config. Either a
// fully mapped Buffer or an error is returned, never both.
func Open(ctx context.Context, config *Config) (b *Buffer, err error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	order := config.Order
	if order == 0 {
		order = DefaultOrder
	}

	tracer := config.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(instrumentation)
	}
	ctx, span := tracer.Start(ctx, "ringbuf.Open", trace.WithAttributes(
		attribute.String("ringbuf.name", config.Name),
		attribute.Int("ringbuf.order", order),
		attribute.String("ringbuf.backing", config.Backing.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	metrics, err := newInstruments(config)
	if err != nil {
		return nil, err
	}

	size := 1 << order
	region, err := internalshm.ReserveMirror(ctx, internalshm.MapOptions{
		Name:        config.Name,
		Size:        size,
		Backing:     config.Backing,
		MaxAttempts: config.MaxPlacementAttempts,
	})
	if err != nil {
		metrics.released()
		internalLogger.errorf("buffer %q: mapping %d bytes failed: %v", config.Name, size, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("ringbuf.backing.used", region.Backing.String()))
	internalLogger.infof("buffer %q mapped: capacity=%d backing=%s", config.Name, size, region.Backing)

	return &Buffer{
		region:   region,
		mem:      region.Bytes(),
		name:     config.Name,
		order:    order,
		capacity: uint64(size),
		pageSize: internalshm.PageSize(),
		metrics:  metrics,
	}, nil
}

// Name returns the name given in Config.
func (b *Buffer) Name() string { return b.name }

// Order returns the capacity order the buffer was created with.
func (b *Buffer) Order() int { return b.order }

// Cap returns the capacity in bytes.
func (b *Buffer) Cap() int { return int(b.capacity) }

// PageSize returns the page granularity cached at creation.
func (b *Buffer) PageSize() int { return b.pageSize }

// Len returns the number of bytes available to read.
func (b *Buffer) Len() int { return int(b.write - b.read) }

// Free returns the number of bytes available to write.
func (b *Buffer) Free() int { return int(b.capacity - (b.write - b.read)) }

// Closed reports whether CloseWrite has been called.
func (b *Buffer) Closed() bool { return b.closed }

// Released reports whether the mapping has been released.
func (b *Buffer) Released() bool { return b.mem == nil }

// EndOffset returns the write offset recorded by CloseWrite.
func (b *Buffer) EndOffset() uint64 { return b.end }

// AtEnd reports that no unread bytes are buffered. It says nothing about
// whether the producer is done; use EOF for that.
func (b *Buffer) AtEnd() bool { return b.write == b.read }

// EOF reports true end of stream: the producer closed and every byte was read.
func (b *Buffer) EOF() bool { return b.closed && b.AtEnd() }

// Write appends all of p or nothing. It fails with ErrFull when p does not
// fit in Free bytes and with ErrWriteClosed after CloseWrite.
func (b *Buffer) Write(p []byte) (int, error) {
	if err := b.writable(len(p)); err != nil {
		return 0, err
	}
	n := copy(b.mem[b.write:], p)
	b.write += uint64(n)
	b.metrics.wrote(n, b.Len())
	b.checkInvariants()
	return n, nil
}

// Read consumes exactly len(p) bytes into p. It fails with
// ErrInsufficientData, consuming nothing, when fewer bytes are buffered.
func (b *Buffer) Read(p []byte) (int, error) {
	if err := b.readable(len(p)); err != nil {
		return 0, err
	}
	n := copy(p, b.mem[b.read:b.write])
	b.advance(n)
	return n, nil
}

// Peek copies exactly len(p) upcoming bytes into p without consuming them.
func (b *Buffer) Peek(p []byte) (int, error) {
	if err := b.readable(len(p)); err != nil {
		return 0, err
	}
	return copy(p, b.mem[b.read:b.write]), nil
}

// ReadPiece consumes up to one page of buffered bytes. On an empty buffer
// it returns io.EOF once the producer closed, ErrInsufficientData before.
func (b *Buffer) ReadPiece() ([]byte, error) {
	if b.Released() {
		return nil, ErrReleased
	}
	if b.AtEnd() {
		if b.closed {
			return nil, io.EOF
		}
		b.metrics.rejected(reasonInsufficient)
		return nil, ErrInsufficientData
	}
	p := make([]byte, min(b.Len(), b.pageSize))
	copy(p, b.mem[b.read:])
	b.advance(len(p))
	return p, nil
}

// Reserve returns the next n writable bytes as one contiguous slice without
// moving any offset. Fill it, then Commit the number of bytes written. The
// slice stays valid across folds until the buffer is released.
func (b *Buffer) Reserve(n int) ([]byte, error) {
	if err := b.writable(n); err != nil {
		return nil, err
	}
	return b.mem[b.write : b.write+uint64(n) : b.write+uint64(n)], nil
}

// Commit publishes n bytes previously filled through Reserve.
func (b *Buffer) Commit(n int) error {
	if err := b.writable(n); err != nil {
		return err
	}
	b.write += uint64(n)
	b.metrics.wrote(n, b.Len())
	b.checkInvariants()
	return nil
}

// PeekSlice returns the next n readable bytes as one contiguous slice into
// the mapping. The slice is only valid until the bytes are overwritten,
// so consume it before handing the space back with Discard.
func (b *Buffer) PeekSlice(n int) ([]byte, error) {
	if err := b.readable(n); err != nil {
		return nil, err
	}
	return b.mem[b.read : b.read+uint64(n) : b.read+uint64(n)], nil
}

// Discard consumes n buffered bytes without copying them.
func (b *Buffer) Discard(n int) (int, error) {
	if err := b.readable(n); err != nil {
		return 0, err
	}
	b.advance(n)
	return n, nil
}

// WriteTo drains every buffered byte into w.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	if b.Released() {
		return 0, ErrReleased
	}
	var total int64
	for !b.AtEnd() {
		chunk := b.mem[b.read:b.write]
		n, err := w.Write(chunk)
		if n < 0 || n > len(chunk) {
			n = 0
			if err == nil {
				err = io.ErrShortWrite
			}
		}
		b.advance(n)
		total += int64(n)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// ReadFrom fills the buffer from r until r returns io.EOF. It fails with
// ErrFull if the buffer fills up first; bytes read so far stay buffered.
// A reader that keeps returning no data and no error yields io.ErrNoProgress.
func (b *Buffer) ReadFrom(r io.Reader) (int64, error) {
	var total int64
	empty := 0
	for {
		if err := b.writable(1); err != nil {
			return total, err
		}
		free := b.mem[b.write : b.write+uint64(b.Free())]
		n, err := r.Read(free)
		if n > 0 {
			b.write += uint64(n)
			b.metrics.wrote(n, b.Len())
			total += int64(n)
			empty = 0
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			if empty++; empty >= MaxConsecutiveEmptyReads {
				return total, io.ErrNoProgress
			}
		}
	}
}

// Clear drops every buffered byte. The end offset is kept.
func (b *Buffer) Clear() {
	if b.Released() {
		return
	}
	b.write = 0
	b.read = 0
	b.metrics.reset()
}

// CloseWrite records that the producer will write no more. It does not
// release the mapping; the consumer can still drain the buffer.
func (b *Buffer) CloseWrite() {
	b.end = b.write
	b.closed = true
}

// Release unmaps the mirror. Every later operation fails with ErrReleased;
// a second Release is a no-op.
func (b *Buffer) Release() error {
	if b == nil || b.region == nil {
		return nil
	}
	region := b.region
	b.region, b.mem = nil, nil
	b.write, b.read, b.end = 0, 0, 0
	b.metrics.released()
	if err := region.Release(); err != nil {
		internalLogger.warnf("buffer %q: release failed: %v", b.name, err)
		return err
	}
	internalLogger.infof("buffer %q released", b.name)
	return nil
}

// Close implements io.Closer by releasing the mapping. To signal the end of
// the stream to the consumer use CloseWrite.
func (b *Buffer) Close() error {
	return b.Release()
}

// Stats returns a snapshot of the buffer state.
func (b *Buffer) Stats() Stats {
	return Stats{
		Name:        b.name,
		Order:       b.order,
		Capacity:    int(b.capacity),
		ReadOffset:  b.read,
		WriteOffset: b.write,
		EndOffset:   b.end,
		Buffered:    b.Len(),
		Free:        b.Free(),
		Closed:      b.closed,
		Released:    b.Released(),
		Folds:       b.folds,
	}
}

func (b *Buffer) writable(n int) error {
	if n < 0 {
		panic(fmt.Sprintf("ringbuf: negative length %d", n))
	}
	switch {
	case b.Released():
		return ErrReleased
	case b.closed:
		b.metrics.rejected(reasonClosed)
		return ErrWriteClosed
	case n > b.Free():
		b.metrics.rejected(reasonFull)
		internalLogger.debugf("buffer %q: write of %d rejected, free=%d", b.name, n, b.Free())
		return ErrFull
	}
	return nil
}

func (b *Buffer) readable(n int) error {
	if n < 0 {
		panic(fmt.Sprintf("ringbuf: negative length %d", n))
	}
	switch {
	case b.Released():
		return ErrReleased
	case n > b.Len():
		b.metrics.rejected(reasonInsufficient)
		return ErrInsufficientData
	}
	return nil
}

// advance consumes n bytes and folds both offsets back into the first half
// once the read offset crosses the capacity. Writes never fold, so a slice
// handed out by Reserve before the fold still aliases the right bytes.
func (b *Buffer) advance(n int) {
	b.read += uint64(n)
	if b.read >= b.capacity {
		b.read -= b.capacity
		b.write -= b.capacity
		if b.end >= b.capacity {
			b.end -= b.capacity
		}
		b.folds++
		b.metrics.folded()
		internalLogger.tracef("buffer %q folded: read=%d write=%d", b.name, b.read, b.write)
	}
	b.metrics.consumed(n, b.Len())
	b.checkInvariants()
}

func (b *Buffer) checkInvariants() {
	if !debugMode {
		return
	}
	if b.read > b.write || b.write-b.read > b.capacity || b.read >= b.capacity || b.write >= 2*b.capacity {
		panic(fmt.Sprintf("ringbuf: offsets out of range: read=%d write=%d capacity=%d", b.read, b.write, b.capacity))
	}
}
