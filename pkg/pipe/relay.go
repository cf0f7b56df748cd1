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

package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"

	"github.com/srediag/ringbuf/pkg/shm"
)

// relayTasks is the number of pool workers one Run occupies.
const relayTasks = 2

// RelayOptions configures a Relay. The zero value relays through a
// default-sized buffer on a private pool without a rate limit.
type RelayOptions struct {
	// Config describes the buffer; nil means shm.DefaultConfig().
	Config *shm.Config
	// Pool runs the producer and the consumer. It must be able to run both
	// at once. nil creates a private pool released by Close.
	Pool *ants.Pool
	// Limiter caps the producer in bytes per second. nil means unlimited.
	Limiter *rate.Limiter
}

// Relay moves a byte stream from a source to a sink through a pipe, with
// the producer and the consumer running as tasks on an ants pool.
type Relay struct {
	r       *Reader
	w       *Writer
	pool    *ants.Pool
	ownPool bool
	limiter *rate.Limiter
}

// NewRelay allocates the buffer and the pool for a relay.
func NewRelay(ctx context.Context, opts *RelayOptions) (*Relay, error) {
	if opts == nil {
		opts = &RelayOptions{}
	}
	if lim := opts.Limiter; lim != nil && lim.Limit() != rate.Inf && lim.Burst() < 1 {
		return nil, fmt.Errorf("%w: rate limiter burst %d", shm.ErrInvalidConfig, lim.Burst())
	}
	if pool := opts.Pool; pool != nil && pool.Cap() > 0 && pool.Cap() < relayTasks {
		return nil, fmt.Errorf("%w: pool capacity %d, need %d", shm.ErrInvalidConfig, pool.Cap(), relayTasks)
	}

	rl := &Relay{pool: opts.Pool, limiter: opts.Limiter}
	if rl.pool == nil {
		pool, err := ants.NewPool(relayTasks)
		if err != nil {
			return nil, fmt.Errorf("relay pool: %w", err)
		}
		rl.pool, rl.ownPool = pool, true
	}

	r, w, err := Open(ctx, opts.Config)
	if err != nil {
		if rl.ownPool {
			rl.pool.Release()
		}
		return nil, err
	}
	rl.r, rl.w = r, w
	return rl, nil
}

// Run copies src to dst until src returns io.EOF, an error occurs or ctx
// is done, and returns the number of bytes written to dst. A relay runs
// once; the writer is closed when Run returns.
//
// Run returns as soon as ctx is done, even when the source or the sink is
// blocked in a call that ignores ctx. Such a task keeps its pool worker and
// its view of the mapping until the call returns; the buffer is released
// after that.
func (rl *Relay) Run(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	stop := context.AfterFunc(ctx, func() {
		cause := context.Cause(ctx)
		_ = rl.w.CloseWithError(cause)
		_ = rl.r.CloseWithError(cause)
	})
	defer stop()

	type result struct {
		n   int64
		err error
	}
	produced := make(chan error, 1)
	consumed := make(chan result, 1)

	if err := rl.pool.Submit(func() {
		produced <- rl.produce(ctx, src)
	}); err != nil {
		_ = rl.w.CloseWithError(err)
		return 0, fmt.Errorf("submit producer: %w", err)
	}
	if err := rl.pool.Submit(func() {
		n, err := rl.consume(dst)
		consumed <- result{n, err}
	}); err != nil {
		_ = rl.r.CloseWithError(err)
		return 0, fmt.Errorf("submit consumer: %w", err)
	}

	var (
		produceErr error
		consumeErr error
		written    int64
	)
	for pending := relayTasks; pending > 0; pending-- {
		select {
		case produceErr = <-produced:
			produced = nil
		case res := <-consumed:
			written, consumeErr = res.n, res.err
			consumed = nil
		case <-ctx.Done():
			if consumed != nil {
				select {
				case res := <-consumed:
					written = res.n
				default:
				}
			}
			return written, context.Cause(ctx)
		}
	}

	if produceErr == nil && consumeErr == nil {
		return written, nil
	}
	if cause := context.Cause(ctx); cause != nil {
		return written, cause
	}
	if produceErr != nil {
		return written, produceErr
	}
	return written, consumeErr
}

func (rl *Relay) produce(ctx context.Context, src io.Reader) error {
	if rl.limiter != nil {
		src = &rateLimitedReader{ctx: ctx, r: src, limiter: rl.limiter}
	}
	if _, err := rl.w.ReadFrom(src); err != nil {
		_ = rl.w.CloseWithError(err)
		return err
	}
	return rl.w.Close()
}

func (rl *Relay) consume(dst io.Writer) (int64, error) {
	n, err := rl.r.WriteTo(dst)
	if err != nil {
		_ = rl.r.CloseWithError(err)
	}
	return n, err
}

// Stats returns a snapshot of the relay buffer.
func (rl *Relay) Stats() shm.Stats {
	return rl.r.Stats()
}

// Close closes both halves, which releases the buffer, and the private pool.
func (rl *Relay) Close() error {
	err := errors.Join(rl.w.Close(), rl.r.Close())
	if rl.ownPool {
		rl.pool.Release()
	}
	return err
}

// Copy relays src to dst through a freshly allocated mirrored buffer.
func Copy(ctx context.Context, dst io.Writer, src io.Reader, opts *RelayOptions) (int64, error) {
	rl, err := NewRelay(ctx, opts)
	if err != nil {
		return 0, err
	}
	n, err := rl.Run(ctx, dst, src)
	if cerr := rl.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// rateLimitedReader charges the limiter for every read before the bytes
// are published to the consumer.
type rateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (l *rateLimitedReader) Read(p []byte) (int, error) {
	if burst := l.limiter.Burst(); l.limiter.Limit() != rate.Inf && len(p) > burst {
		p = p[:burst]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return 0, werr
		}
	}
	return n, err
}
