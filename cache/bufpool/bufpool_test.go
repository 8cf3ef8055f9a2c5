/*
 * Copyright 2024 CloudWeGo Authors
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

package bufpool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagealloc/segheap/internal/segprovider"
	"github.com/pagealloc/segheap/malloc"
)

func newTestPool(t *testing.T) *Pool {
	p, err := segprovider.NewFixedArenaProvider(4096, 16*1024*1024)
	require.NoError(t, err)
	a := malloc.New(p, malloc.FitFirst)
	require.NoError(t, a.Init())
	return New(a)
}

func TestMallocFree(t *testing.T) {
	pool := newTestPool(t)
	for i := 1; i < 1<<16; i += 997 {
		b, err := pool.Malloc(i)
		require.NoError(t, err)
		require.Len(t, b, i)
		pool.Free(b)
	}
}

func TestMallocZero(t *testing.T) {
	pool := newTestPool(t)
	b, err := pool.Malloc(0)
	require.NoError(t, err)
	require.Empty(t, b)
}

func TestCap(t *testing.T) {
	pool := newTestPool(t)
	b, err := pool.Malloc(100)
	require.NoError(t, err)
	c, err := pool.Cap(b)
	require.NoError(t, err)
	require.GreaterOrEqual(t, c, 100)
	pool.Free(b)
}

func TestAppendGrows(t *testing.T) {
	pool := newTestPool(t)
	b, err := pool.Malloc(0)
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		b, err = pool.Append(b, []byte("hello")...)
		require.NoError(t, err)
	}
	require.Equal(t, 2500, len(b))
	pool.Free(b)
}

func TestFreeForeignBufferIsNoop(t *testing.T) {
	pool := newTestPool(t)
	require.NotPanics(t, func() {
		pool.Free(nil)
		pool.Free([]byte{})
		pool.Free(make([]byte, 4))
		pool.Free(make([]byte, 100))
	})
}

func TestRoundTripContent(t *testing.T) {
	pool := newTestPool(t)
	b, err := pool.Malloc(64)
	require.NoError(t, err)
	for i := range b {
		b[i] = byte(i)
	}
	for i := range b {
		require.Equal(t, byte(i), b[i])
	}
	pool.Free(b)
}
