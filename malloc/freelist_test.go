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

package malloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestBucketOf(t *testing.T) {
	cases := []struct {
		size int64
		want int
	}{
		{12, 0},
		{20, 1},
		{64, 3},
		{1 << 20, 17},
		{1 << 30, 27},
	}
	for _, c := range cases {
		got := bucketOf(c.size)
		require.GreaterOrEqual(t, got, 0)
		require.Less(t, got, numBuckets)
		require.Equal(t, c.want, got, "bucketOf(%d)", c.size)
	}
}

func TestBucketOfMonotonic(t *testing.T) {
	prev := bucketOf(16)
	for sz := int64(16); sz < 1<<24; sz *= 2 {
		b := bucketOf(sz)
		require.GreaterOrEqual(t, b, prev)
		prev = b
	}
}

func newFreeListArena(t *testing.T, size int64) *arena {
	buf := make([]byte, size)
	a := &arena{}
	a.reset(unsafe.Pointer(&buf[0]), size)
	t.Cleanup(func() { _ = buf })
	return a
}

func formatFreeBlock(a *arena, payload, size int64) BlockRef {
	a.writeHeader(payload, size, false, true)
	a.writeFooter(payload)
	return BlockRef(payload)
}

func TestFreeListInsertUnlinkSingle(t *testing.T) {
	a := newFreeListArena(t, 4096)
	fl := &freeList{}
	for i := range fl.heads {
		fl.heads[i] = refNil
	}

	b := formatFreeBlock(a, 16, 64)
	fl.insert(a, b)
	require.Equal(t, b, fl.heads[bucketOf(64)])

	fl.unlink(a, b)
	require.Equal(t, refNil, fl.heads[bucketOf(64)])
}

func TestFreeListLIFOOrder(t *testing.T) {
	a := newFreeListArena(t, 4096)
	fl := &freeList{}
	for i := range fl.heads {
		fl.heads[i] = refNil
	}

	b1 := formatFreeBlock(a, 16, 64)
	b2 := formatFreeBlock(a, 16+64+hdrSize, 64)
	b3 := formatFreeBlock(a, 16+2*(64+hdrSize), 64)

	fl.insert(a, b1)
	fl.insert(a, b2)
	fl.insert(a, b3)

	require.Equal(t, b3, fl.heads[bucketOf(64)])
	require.Equal(t, b2, a.linkNext(int64(b3)))
	require.Equal(t, b1, a.linkNext(int64(b2)))
	require.Equal(t, refNil, a.linkNext(int64(b1)))
}

func TestFreeListUnlinkMiddle(t *testing.T) {
	a := newFreeListArena(t, 4096)
	fl := &freeList{}
	for i := range fl.heads {
		fl.heads[i] = refNil
	}
	b1 := formatFreeBlock(a, 16, 64)
	b2 := formatFreeBlock(a, 16+64+hdrSize, 64)
	b3 := formatFreeBlock(a, 16+2*(64+hdrSize), 64)
	fl.insert(a, b1)
	fl.insert(a, b2)
	fl.insert(a, b3)

	fl.unlink(a, b2)

	require.Equal(t, b3, fl.heads[bucketOf(64)])
	require.Equal(t, b1, a.linkNext(int64(b3)))
	require.Equal(t, b3, a.linkPrev(int64(b1)))
}

func TestFreeListFirstFit(t *testing.T) {
	a := newFreeListArena(t, 4096)
	fl := &freeList{}
	for i := range fl.heads {
		fl.heads[i] = refNil
	}
	small := formatFreeBlock(a, 16, 20)
	big := formatFreeBlock(a, 16+20+hdrSize, 200)
	fl.insert(a, small)
	fl.insert(a, big)

	got, ok := fl.firstFit(a, 100)
	require.True(t, ok)
	require.Equal(t, big, got)

	got, ok = fl.firstFit(a, 20)
	require.True(t, ok)
	require.Equal(t, small, got)

	_, ok = fl.firstFit(a, 1<<20)
	require.False(t, ok)
}

func TestFreeListBestFit(t *testing.T) {
	a := newFreeListArena(t, 8192)
	fl := &freeList{}
	for i := range fl.heads {
		fl.heads[i] = refNil
	}
	// Free blocks of sizes 300 and 500 (bucket 5) and 1000 (bucket 6);
	// 250 maps to the empty bucket 4, so the search reaches bucket 5
	// and best fit should pick 300 over 500.
	b300 := formatFreeBlock(a, 16, 300)
	b500 := formatFreeBlock(a, 16+300+hdrSize, 500)
	b1000 := formatFreeBlock(a, 16+300+hdrSize+500+hdrSize, 1000)
	fl.insert(a, b300)
	fl.insert(a, b500)
	fl.insert(a, b1000)

	got, ok := fl.bestFit(a, 250)
	require.True(t, ok)
	require.Equal(t, b300, got)
}

func TestFreeListMigrate(t *testing.T) {
	a := newFreeListArena(t, 8192)
	fl := &freeList{}
	for i := range fl.heads {
		fl.heads[i] = refNil
	}
	b := formatFreeBlock(a, 16, 20)
	fl.insert(a, b)
	require.Equal(t, b, fl.heads[bucketOf(20)])

	a.setSize(int64(b), 5000)
	fl.migrate(a, b, 20, 5000)

	require.Equal(t, refNil, fl.heads[bucketOf(20)])
	require.Equal(t, b, fl.heads[bucketOf(5000)])
}

func TestFreeListCounts(t *testing.T) {
	a := newFreeListArena(t, 8192)
	fl := &freeList{}
	for i := range fl.heads {
		fl.heads[i] = refNil
	}
	b1 := formatFreeBlock(a, 16, 64)
	b2 := formatFreeBlock(a, 16+64+hdrSize, 64)
	fl.insert(a, b1)
	fl.insert(a, b2)

	counts := fl.counts(a)
	require.Equal(t, 2, counts[bucketOf(64)])
}
