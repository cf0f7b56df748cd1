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
	"fmt"
	"math/bits"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	internalshm "github.com/srediag/ringbuf/internal/shm"
)

const (
	// DefaultOrder gives a 4 KiB buffer.
	DefaultOrder = 12
	// MaxOrder caps the buffer at 1 TiB (2 TiB of address space).
	MaxOrder = 40
	// MaxConsecutiveEmptyReads is how many (0, nil) reads ReadFrom accepts
	// in a row before failing with io.ErrNoProgress.
	MaxConsecutiveEmptyReads = 100
)

// Backing selects the shared object behind the mirror.
type Backing = internalshm.Backing

const (
	BackingAuto    = internalshm.BackingAuto
	BackingMemfd   = internalshm.BackingMemfd
	BackingFile    = internalshm.BackingFile
	BackingSection = internalshm.BackingSection
)

// ParseBacking converts "auto", "memfd", "file" or "section" into a Backing.
func ParseBacking(s string) (Backing, error) {
	return internalshm.ParseBacking(s)
}

// Config holds buffer creation parameters.
type Config struct {
	// Order is log2 of the capacity in bytes. Zero means DefaultOrder.
	Order int
	// Name labels the backing object, log lines and metrics.
	Name string
	// Backing selects the shared object; BackingAuto lets the platform choose.
	Backing Backing
	// MaxPlacementAttempts bounds retries of a lost mirror placement race.
	MaxPlacementAttempts int

	Meter      metric.Meter
	Tracer     trace.Tracer
	Registerer prometheus.Registerer
}

// DefaultConfig returns a config for a 4 KiB buffer with platform backing.
func DefaultConfig() *Config {
	return &Config{
		Order:                DefaultOrder,
		Backing:              BackingAuto,
		MaxPlacementAttempts: internalshm.DefaultMaxAttempts,
	}
}

// MinOrder is the smallest order whose capacity covers one page.
func MinOrder() int {
	return bits.TrailingZeros(uint(internalshm.PageSize()))
}

// VerifyConfig checks config before any mapping is attempted.
func VerifyConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	order := config.Order
	if order == 0 {
		order = DefaultOrder
	}
	if order < MinOrder() {
		return fmt.Errorf("%w: order %d, minimum %d", ErrCapacityTooSmall, order, MinOrder())
	}
	if order > MaxOrder || order >= bits.UintSize-2 {
		return fmt.Errorf("%w: order %d exceeds %d", ErrInvalidConfig, order, min(MaxOrder, bits.UintSize-3))
	}
	if config.MaxPlacementAttempts < 0 {
		return fmt.Errorf("%w: negative MaxPlacementAttempts %d", ErrInvalidConfig, config.MaxPlacementAttempts)
	}
	switch config.Backing {
	case BackingAuto, BackingMemfd, BackingFile, BackingSection:
	default:
		return fmt.Errorf("%w: unknown backing %s", ErrInvalidConfig, config.Backing)
	}
	return nil
}
