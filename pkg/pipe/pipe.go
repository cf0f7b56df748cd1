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

// Package pipe connects one producer goroutine and one consumer goroutine
// through a mirrored shm.Buffer. Writes block while the buffer is full and
// reads block while it is empty; ReadFrom and WriteTo move data through the
// mapping without an intermediate copy.
package pipe

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/srediag/ringbuf/pkg/shm"
)

var (
	_ io.Reader     = (*Reader)(nil)
	_ io.WriterTo   = (*Reader)(nil)
	_ io.Closer     = (*Reader)(nil)
	_ io.Writer     = (*Writer)(nil)
	_ io.ReaderFrom = (*Writer)(nil)
	_ io.Closer     = (*Writer)(nil)
)

var errInvalidRead = errors.New("pipe: source returned invalid count from Read")

type pipe struct {
	mu         sync.Mutex
	readerWait sync.Cond
	writerWait sync.Cond

	buf *shm.Buffer
	// views counts slices of the mapping handed to a source or sink with
	// the lock dropped. The buffer is not released while any is out.
	views int

	readerClosed bool
	writerClosed bool
	// readErr is reported to reads once the writer closed and the buffer drained.
	readErr error
	// writeErr is reported to writes once the reader closed.
	writeErr error
}

// New wraps buf in a pipe. The pipe owns buf from now on and releases it
// once both halves are closed.
func New(buf *shm.Buffer) (*Reader, *Writer) {
	p := &pipe{buf: buf}
	p.readerWait.L = &p.mu
	p.writerWait.L = &p.mu
	return &Reader{p}, &Writer{p}
}

// Open creates a buffer from config and wraps it in a pipe.
func Open(ctx context.Context, config *shm.Config) (*Reader, *Writer, error) {
	buf, err := shm.Open(ctx, config)
	if err != nil {
		return nil, nil, err
	}
	r, w := New(buf)
	return r, w, nil
}

func (p *pipe) read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.waitForReadableLocked(); err != nil {
		return 0, err
	}
	wasFull := p.buf.Free() == 0
	n, err := p.buf.Read(b[:min(len(b), p.buf.Len())])
	if err != nil {
		return n, err
	}
	if wasFull {
		p.writerWait.Signal()
	}
	return n, nil
}

func (p *pipe) write(b []byte) (n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(b) > 0 {
		if err := p.waitForWritableLocked(); err != nil {
			return n, err
		}
		wasEmpty := p.buf.AtEnd()
		wrote, err := p.buf.Write(b[:min(len(b), p.buf.Free())])
		n += wrote
		b = b[wrote:]
		if err != nil {
			return n, err
		}
		if wasEmpty {
			p.readerWait.Signal()
		}
	}
	return n, nil
}

// readFrom reads from r straight into the free region of the mapping.
func (p *pipe) readFrom(r io.Reader) (int64, error) {
	var total int64
	empty := 0
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if err := p.waitForWritableLocked(); err != nil {
			return total, err
		}
		view, err := p.buf.Reserve(p.buf.Free())
		if err != nil {
			return total, err
		}

		p.views++
		p.mu.Unlock()
		n, rErr := r.Read(view)
		p.mu.Lock()
		p.views--

		if n < 0 || n > len(view) {
			n = 0
			if rErr == nil {
				rErr = errInvalidRead
			}
		}
		if n > 0 && !p.writerClosed {
			wasEmpty := p.buf.AtEnd()
			if err := p.buf.Commit(n); err != nil {
				return total, err
			}
			total += int64(n)
			if wasEmpty {
				p.readerWait.Signal()
			}
		}
		if err := p.releaseIfDoneLocked(); err != nil {
			return total, err
		}
		if rErr == io.EOF {
			return total, nil
		}
		if rErr != nil {
			return total, rErr
		}
		if n > 0 {
			empty = 0
		} else if empty++; empty >= shm.MaxConsecutiveEmptyReads {
			return total, io.ErrNoProgress
		}
	}
}

// writeTo hands the buffered region of the mapping straight to w.
func (p *pipe) writeTo(w io.Writer) (int64, error) {
	var total int64
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		err := p.waitForReadableLocked()
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		view, err := p.buf.PeekSlice(p.buf.Len())
		if err != nil {
			return total, err
		}

		p.views++
		p.mu.Unlock()
		n, wErr := w.Write(view)
		p.mu.Lock()
		p.views--

		if n < 0 || n > len(view) {
			n = 0
			if wErr == nil {
				wErr = io.ErrShortWrite
			}
		}
		if n > 0 {
			wasFull := p.buf.Free() == 0
			if _, err := p.buf.Discard(n); err != nil {
				return total, err
			}
			total += int64(n)
			if wasFull {
				p.writerWait.Signal()
			}
		}
		if err := p.releaseIfDoneLocked(); err != nil {
			return total, err
		}
		if wErr != nil {
			return total, wErr
		}
		if n != len(view) {
			return total, io.ErrShortWrite
		}
	}
}

func (p *pipe) waitForReadableLocked() error {
	for {
		if p.readerClosed {
			return io.ErrClosedPipe
		}
		if p.buf.Len() > 0 {
			return nil
		}
		if p.writerClosed {
			if p.readErr != nil {
				return p.readErr
			}
			return io.EOF
		}
		p.readerWait.Wait()
	}
}

func (p *pipe) waitForWritableLocked() error {
	for {
		if p.writerClosed {
			return io.ErrClosedPipe
		}
		if p.readerClosed {
			if p.writeErr != nil {
				return p.writeErr
			}
			return io.ErrClosedPipe
		}
		if p.buf.Free() > 0 {
			return nil
		}
		p.writerWait.Wait()
	}
}

func (p *pipe) closeReader(err error, withErr bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.readerClosed {
		p.readerClosed = true
		if withErr && p.writeErr == nil {
			if err == nil {
				err = io.ErrClosedPipe
			}
			p.writeErr = err
		}
	}
	p.readerWait.Broadcast()
	p.writerWait.Broadcast()
	return p.releaseIfDoneLocked()
}

func (p *pipe) closeWriter(err error, withErr bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.writerClosed {
		p.writerClosed = true
		if withErr && p.readErr == nil {
			if err == nil {
				err = io.EOF
			}
			p.readErr = err
		}
		if !p.buf.Released() {
			p.buf.CloseWrite()
		}
	}
	p.readerWait.Broadcast()
	p.writerWait.Broadcast()
	return p.releaseIfDoneLocked()
}

func (p *pipe) releaseIfDoneLocked() error {
	if !p.readerClosed || !p.writerClosed || p.views > 0 || p.buf.Released() {
		return nil
	}
	return p.buf.Release()
}

func (p *pipe) stats() shm.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Stats()
}

// Reader is the consuming half of a pipe.
type Reader struct {
	p *pipe
}

// Read reads up to len(b) bytes, blocking until at least one is buffered.
// It returns io.EOF once the writer closed and every byte was read.
func (r *Reader) Read(b []byte) (int, error) {
	return r.p.read(b)
}

// WriteTo implements io.WriterTo. Buffered bytes are passed to w directly
// from the mapping until the writer closes.
func (r *Reader) WriteTo(w io.Writer) (int64, error) {
	return r.p.writeTo(w)
}

// Close closes the reader side. Later writes fail with io.ErrClosedPipe.
func (r *Reader) Close() error {
	return r.p.closeReader(nil, false)
}

// CloseWithError closes the reader side; later writes return err.
func (r *Reader) CloseWithError(err error) error {
	return r.p.closeReader(err, true)
}

// Stats returns a snapshot of the underlying buffer.
func (r *Reader) Stats() shm.Stats {
	return r.p.stats()
}

// Writer is the producing half of a pipe.
type Writer struct {
	p *pipe
}

// Write writes all of b, blocking while the buffer is full.
func (w *Writer) Write(b []byte) (int, error) {
	return w.p.write(b)
}

// ReadFrom implements io.ReaderFrom. r reads directly into the free region
// of the mapping until it returns io.EOF.
func (w *Writer) ReadFrom(r io.Reader) (int64, error) {
	return w.p.readFrom(r)
}

// Close closes the writer side; the reader sees io.EOF after draining.
func (w *Writer) Close() error {
	return w.p.closeWriter(nil, false)
}

// CloseWithError closes the writer side; the reader sees err after draining.
func (w *Writer) CloseWithError(err error) error {
	return w.p.closeWriter(err, true)
}

// Stats returns a snapshot of the underlying buffer.
func (w *Writer) Stats() shm.Stats {
	return w.p.stats()
}
