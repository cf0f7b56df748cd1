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
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	metricsNamespace = "ringbuf"
	instrumentation  = "github.com/srediag/ringbuf/pkg/shm"

	reasonFull         = "full"
	reasonInsufficient = "insufficient_data"
	reasonClosed       = "write_closed"
)

// Prometheus collectors are shared by every buffer on a registerer and
// partitioned by the "buffer" label.
type promVecs struct {
	written  *prometheus.CounterVec
	read     *prometheus.CounterVec
	rejected *prometheus.CounterVec
	folds    *prometheus.CounterVec
	buffered *prometheus.GaugeVec
}

func newPromVecs(reg prometheus.Registerer) (*promVecs, error) {
	v := &promVecs{
		written: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "written_bytes_total",
			Help:      "Total number of bytes written into the buffer.",
		}, []string{"buffer"}),
		read: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "read_bytes_total",
			Help:      "Total number of bytes consumed from the buffer.",
		}, []string{"buffer"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rejected_operations_total",
			Help:      "Operations rejected without changing the buffer, by reason.",
		}, []string{"buffer", "reason"}),
		folds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "folds_total",
			Help:      "Times the read offset crossed the capacity and both offsets were folded.",
		}, []string{"buffer"}),
		buffered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "buffered_bytes",
			Help:      "Bytes currently available to read.",
		}, []string{"buffer"}),
	}
	var err error
	if v.written, err = register(reg, v.written); err != nil {
		return nil, err
	}
	if v.read, err = register(reg, v.read); err != nil {
		return nil, err
	}
	if v.rejected, err = register(reg, v.rejected); err != nil {
		return nil, err
	}
	if v.folds, err = register(reg, v.folds); err != nil {
		return nil, err
	}
	if v.buffered, err = register(reg, v.buffered); err != nil {
		return nil, err
	}
	return v, nil
}

// register returns the collector already on reg when one with the same
// descriptor exists, so several buffers can share a registerer.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register metrics: %w", err)
	}
	return c, nil
}

// gaugeHolders counts the open buffers behind each buffered_bytes series.
// Buffers with the same name on one registerer share a series, which is
// deleted when the last of them is released.
var gaugeHolders = struct {
	sync.Mutex
	refs map[*prometheus.GaugeVec]map[string]int
}{refs: make(map[*prometheus.GaugeVec]map[string]int)}

func acquireGauge(vec *prometheus.GaugeVec, name string) prometheus.Gauge {
	gaugeHolders.Lock()
	defer gaugeHolders.Unlock()
	names := gaugeHolders.refs[vec]
	if names == nil {
		names = make(map[string]int)
		gaugeHolders.refs[vec] = names
	}
	names[name]++
	return vec.WithLabelValues(name)
}

func releaseGauge(vec *prometheus.GaugeVec, name string) {
	gaugeHolders.Lock()
	defer gaugeHolders.Unlock()
	names := gaugeHolders.refs[vec]
	if names[name] == 0 {
		return
	}
	if names[name]--; names[name] > 0 {
		return
	}
	delete(names, name)
	if len(names) == 0 {
		delete(gaugeHolders.refs, vec)
	}
	vec.DeleteLabelValues(name)
}

// instruments records per-buffer metrics. A nil *instruments records nothing.
type instruments struct {
	name  string
	vecs  *promVecs
	attrs metric.MeasurementOption

	written  prometheus.Counter
	read     prometheus.Counter
	folds    prometheus.Counter
	buffered prometheus.Gauge
	held     bool

	otelWritten  metric.Int64Counter
	otelRead     metric.Int64Counter
	otelRejected metric.Int64Counter
	otelFolds    metric.Int64Counter
}

func newInstruments(config *Config) (*instruments, error) {
	ins := &instruments{
		name:  config.Name,
		attrs: metric.WithAttributeSet(attribute.NewSet(attribute.String("buffer", config.Name))),
	}

	if config.Registerer != nil {
		vecs, err := newPromVecs(config.Registerer)
		if err != nil {
			return nil, err
		}
		ins.vecs = vecs
		ins.written = vecs.written.WithLabelValues(config.Name)
		ins.read = vecs.read.WithLabelValues(config.Name)
		ins.folds = vecs.folds.WithLabelValues(config.Name)
		ins.buffered = acquireGauge(vecs.buffered, config.Name)
		ins.held = true
	}

	meter := config.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(instrumentation)
	}
	var err error
	if ins.otelWritten, err = meter.Int64Counter("ringbuf.written",
		metric.WithDescription("Bytes written into the buffer."), metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if ins.otelRead, err = meter.Int64Counter("ringbuf.read",
		metric.WithDescription("Bytes consumed from the buffer."), metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if ins.otelRejected, err = meter.Int64Counter("ringbuf.rejected",
		metric.WithDescription("Operations rejected without changing the buffer.")); err != nil {
		return nil, err
	}
	if ins.otelFolds, err = meter.Int64Counter("ringbuf.folds",
		metric.WithDescription("Offset folds after the read offset crossed the capacity.")); err != nil {
		return nil, err
	}
	return ins, nil
}

func (ins *instruments) wrote(n, buffered int) {
	if ins == nil || n == 0 {
		return
	}
	if ins.vecs != nil {
		ins.written.Add(float64(n))
		ins.buffered.Set(float64(buffered))
	}
	ins.otelWritten.Add(context.Background(), int64(n), ins.attrs)
}

func (ins *instruments) consumed(n, buffered int) {
	if ins == nil || n == 0 {
		return
	}
	if ins.vecs != nil {
		ins.read.Add(float64(n))
		ins.buffered.Set(float64(buffered))
	}
	ins.otelRead.Add(context.Background(), int64(n), ins.attrs)
}

func (ins *instruments) folded() {
	if ins == nil {
		return
	}
	if ins.vecs != nil {
		ins.folds.Inc()
	}
	ins.otelFolds.Add(context.Background(), 1, ins.attrs)
}

func (ins *instruments) rejected(reason string) {
	if ins == nil {
		return
	}
	if ins.vecs != nil {
		ins.vecs.rejected.WithLabelValues(ins.name, reason).Inc()
	}
	ins.otelRejected.Add(context.Background(), 1, ins.attrs,
		metric.WithAttributes(attribute.String("reason", reason)))
}

func (ins *instruments) reset() {
	if ins == nil || ins.vecs == nil {
		return
	}
	ins.buffered.Set(0)
}

// released gives up the buffered_bytes series; the last holder of a name
// removes it from the scrape.
func (ins *instruments) released() {
	if ins == nil || !ins.held {
		return
	}
	ins.held = false
	releaseGauge(ins.vecs.buffered, ins.name)
}
