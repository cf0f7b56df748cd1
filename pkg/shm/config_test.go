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
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"default", func(*Config) {}, nil},
		{"zero order", func(c *Config) { c.Order = 0 }, nil},
		{"below page", func(c *Config) { c.Order = MinOrder() - 1 }, ErrCapacityTooSmall},
		{"negative order", func(c *Config) { c.Order = -3 }, ErrCapacityTooSmall},
		{"too large", func(c *Config) { c.Order = MaxOrder + 1 }, ErrInvalidConfig},
		{"negative attempts", func(c *Config) { c.MaxPlacementAttempts = -1 }, ErrInvalidConfig},
		{"unknown backing", func(c *Config) { c.Backing = Backing(42) }, ErrInvalidConfig},
		{"explicit file", func(c *Config) { c.Backing = BackingFile }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			config.Order = max(DefaultOrder, MinOrder())
			tt.mutate(config)
			err := VerifyConfig(config)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.ErrorIs(t, VerifyConfig(nil), ErrInvalidConfig)
}

func TestOpenRejectsBeforeMapping(t *testing.T) {
	config := DefaultConfig()
	config.Order = MinOrder() - 1
	buf, err := Open(context.Background(), config)
	require.ErrorIs(t, err, ErrCapacityTooSmall)
	assert.Nil(t, buf)
}

func TestOpenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	config := DefaultConfig()
	config.Order = MinOrder()
	buf, err := Open(ctx, config)
	require.ErrorIs(t, err, ErrAllocation)
	assert.Nil(t, buf)
}

func TestParseBacking(t *testing.T) {
	b, err := ParseBacking("file")
	require.NoError(t, err)
	assert.Equal(t, BackingFile, b)
	_, err = ParseBacking("tmpfs")
	assert.Error(t, err)
}

func TestLogger(t *testing.T) {
	var out bytes.Buffer
	SetLogOutput(&out)
	defer SetLogOutput(nil)
	prev := int(level.Load())
	defer SetLogLevel(prev)

	SetLogLevel(LevelInfo)
	internalLogger.debugf("hidden %d", 1)
	internalLogger.infof("shown %d", 2)
	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), "shown 2")
	assert.Contains(t, out.String(), "Info")

	SetLogLevel(99)
	assert.Equal(t, int32(LevelInfo), level.Load())

	out.Reset()
	buf, err := New(MinOrder())
	require.NoError(t, err)
	defer buf.Release()
	_, err = buf.Write([]byte("abc"))
	require.NoError(t, err)
	DebugBufferDetail(&out, buf)
	line := out.String()
	for _, field := range []string{"len:3", "read:0", "write:3", "closed:false"} {
		assert.True(t, strings.Contains(line, field), "missing %q in %q", field, line)
	}
}

func TestLoggerOutputSwap(t *testing.T) {
	prev := int(level.Load())
	defer SetLogLevel(prev)
	defer SetLogOutput(nil)
	SetLogLevel(LevelInfo)

	var first, second bytes.Buffer
	SetLogOutput(&first)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				internalLogger.infof("line %d-%d", i, j)
			}
		}(i)
	}
	SetLogOutput(&second)
	wg.Wait()

	lines := strings.Count(first.String(), "\n") + strings.Count(second.String(), "\n")
	assert.Equal(t, 8*50, lines, "every line lands whole in one of the writers")
}
