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

// Command ringcat copies stdin to stdout through a mirrored ring buffer,
// optionally compressing the output and capping the throughput.
//
//	tar c dir | ringcat -order 20 -compress zstd -debug-addr :2112 > dir.tar.zst
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/srediag/ringbuf/pkg/health"
	"github.com/srediag/ringbuf/pkg/pipe"
	"github.com/srediag/ringbuf/pkg/shm"
)

var (
	order     = flag.Int("order", 20, "log2 of the buffer capacity in bytes")
	backing   = flag.String("backing", "auto", "backing object: auto, memfd, file or section")
	name      = flag.String("name", "ringcat", "buffer name used in metrics and health checks")
	compress  = flag.String("compress", "none", "output encoding: none, zstd or lz4")
	limit     = flag.Int("rate", 0, "input limit in bytes per second, 0 for unlimited")
	debugAddr = flag.String("debug-addr", "", "serve /metrics, /live, /ready and /status on this address")
	logLevel  = flag.Int("log-level", shm.LevelWarn, "buffer log level, 0 (trace) to 5 (silent)")
	verbose   = flag.Bool("v", false, "print a transfer summary to stderr")
)

func main() {
	flag.Parse()
	log.SetFlags(0)
	log.SetPrefix("ringcat: ")
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	shm.SetLogLevel(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// After the first signal the default handlers are restored, so a second
	// one kills the process.
	context.AfterFunc(ctx, stop)

	b, err := shm.ParseBacking(*backing)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	config := shm.DefaultConfig()
	config.Order = *order
	config.Name = *name
	config.Backing = b
	config.Registerer = reg

	var limiter *rate.Limiter
	if *limit > 0 {
		limiter = rate.NewLimiter(rate.Limit(*limit), *limit)
	}
	relay, err := pipe.NewRelay(ctx, &pipe.RelayOptions{Config: config, Limiter: limiter})
	if err != nil {
		return err
	}
	defer relay.Close()

	monitor := health.NewMonitor(reg)
	if err := monitor.Register(*name, relay); err != nil {
		return err
	}

	out, err := newEncoder(*compress, os.Stdout)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	var srv *http.Server
	if *debugAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		mux.Handle("/", monitor.Handler())
		srv = &http.Server{Addr: *debugAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		if srv != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}
		// Wake a read parked on an idle terminal or pipe.
		unblock := context.AfterFunc(gctx, func() { _ = os.Stdin.SetReadDeadline(time.Now()) })
		defer unblock()
		start := time.Now()
		n, err := relay.Run(gctx, out, os.Stdin)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if *verbose {
			st := relay.Stats()
			log.Printf("%d bytes in %s, capacity=%d folds=%d", n, time.Since(start).Round(time.Millisecond), st.Capacity, st.Folds)
		}
		return err
	})
	return g.Wait()
}
