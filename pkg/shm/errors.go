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
	"errors"

	internalshm "github.com/srediag/ringbuf/internal/shm"
)

var (
	// ErrCapacityTooSmall is returned when the capacity order is below the
	// page order. No OS resource has been touched when it is returned.
	ErrCapacityTooSmall = errors.New("capacity order is too small, which has to be at least the page order")
	// ErrAllocation wraps every failure to reserve or map the mirror.
	ErrAllocation = internalshm.ErrAllocation
	// ErrFull is returned when a write needs more than the free bytes. The
	// buffer is left untouched so the producer can back off and retry.
	ErrFull = errors.New("not enough free bytes to write")
	// ErrInsufficientData is returned when a read or peek asks for more than
	// the buffered bytes.
	ErrInsufficientData = errors.New("not enough data to read from")
	// ErrWriteClosed is returned by writes after CloseWrite.
	ErrWriteClosed = errors.New("write on closed buffer")
	// ErrReleased is returned by every operation after Release.
	ErrReleased = errors.New("buffer has been released")
	// ErrInvalidConfig is returned by VerifyConfig.
	ErrInvalidConfig = errors.New("invalid buffer config")
)
