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
	"fmt"
	"io"

	"github.com/pagealloc/segheap/hash/xfnv"
)

// BlockInfo describes one block as walked in heap order, for
// diagnostics and tests.
type BlockInfo struct {
	Offset    BlockRef
	Size      int64
	Allocated bool
	PrevAlloc bool
}

// Walk visits every block from the prologue's free block (or whatever
// it has become) up to, but not including, the epilogue sentinel, in
// heap order.
func (a *Allocator) Walk() []BlockInfo {
	var out []BlockInfo
	off := int64(alignment)
	for off < a.arena.size-hdrSize {
		size := a.arena.blockSize(hdrOffset(off))
		if size == 0 {
			break // epilogue
		}
		out = append(out, BlockInfo{
			Offset:    BlockRef(off),
			Size:      size,
			Allocated: a.arena.currAlloc(off),
			PrevAlloc: a.arena.prevAlloc(off),
		})
		off = nextBlockOffset(off, size)
	}
	return out
}

// BucketCounts reports the number of free blocks linked in each of the
// freeList's size-class buckets, in ascending size order.
func (a *Allocator) BucketCounts() [numBuckets]int {
	return a.free.counts(&a.arena)
}

// DumpHeap writes a human-readable block-by-block description of the
// heap to w, one line per block in heap order.
func (a *Allocator) DumpHeap(w io.Writer) error {
	for i, b := range a.Walk() {
		status := "alloc"
		if !b.Allocated {
			status = "free"
		}
		prev := "alloc"
		if !b.PrevAlloc {
			prev = "free"
		}
		if _, err := fmt.Fprintf(w, "block #%d off=%d size=%d %s (prev %s)\n", i, b.Offset, b.Size, status, prev); err != nil {
			return err
		}
	}
	return nil
}

// ValidateHeap walks the heap checking invariants a correct allocator
// must never violate: block sizes that lead exactly to the epilogue
// sentinel at the end of the segment,
// prev-alloc bits agreeing with the actual predecessor's status, free
// blocks present in exactly the bucket their size maps to, and no two
// adjacent free blocks (which coalesce should have merged). It returns
// the first violation found, or nil if the heap is consistent.
func (a *Allocator) ValidateHeap() error {
	blocks := a.Walk()
	linked := make(map[BlockRef]bool)
	for b := 0; b < numBuckets; b++ {
		for cur := a.free.heads[b]; cur != refNil; cur = a.arena.linkNext(int64(cur)) {
			size := a.arena.blockSize(hdrOffset(int64(cur)))
			if bucketOf(size) != b {
				return fmt.Errorf("malloc: validate: block at %d of size %d linked in bucket %d, belongs in %d", cur, size, b, bucketOf(size))
			}
			linked[cur] = true
		}
	}

	prevFree := false
	for i, b := range blocks {
		if b.PrevAlloc == prevFree && i > 0 {
			return fmt.Errorf("malloc: validate: block at %d has prev-alloc=%v but predecessor allocated=%v", b.Offset, b.PrevAlloc, !prevFree)
		}
		if !b.Allocated {
			if prevFree {
				return fmt.Errorf("malloc: validate: two adjacent free blocks at/before offset %d were not coalesced", b.Offset)
			}
			if !linked[b.Offset] {
				return fmt.Errorf("malloc: validate: free block at %d is not linked in any bucket", b.Offset)
			}
		} else if linked[b.Offset] {
			return fmt.Errorf("malloc: validate: allocated block at %d is still linked in a bucket", b.Offset)
		}
		prevFree = !b.Allocated
	}

	end := int64(alignment)
	if n := len(blocks); n > 0 {
		end = nextBlockOffset(int64(blocks[n-1].Offset), blocks[n-1].Size)
	}
	if end != a.arena.size || a.arena.blockSize(hdrOffset(end)) != 0 || !a.arena.currAlloc(end) {
		return fmt.Errorf("malloc: validate: block sizes do not end at the epilogue (walk ended at %d, segment is %d bytes)", end, a.arena.size)
	}
	return nil
}

// Fingerprint hashes the heap in heap order into a single value: every
// block's header word (size and both allocation bits) and the payload
// bytes of every allocated block. The contents of free blocks (links,
// footer and leftover bytes) are not hashed, so two heaps with the same
// block boundaries and the same live data get the same value whatever
// their free-list order.
func (a *Allocator) Fingerprint() uint64 {
	h := uint64(fingerprintSeed)
	for _, b := range a.Walk() {
		h ^= uint64(a.arena.word(hdrOffset(int64(b.Offset))))
		h *= fingerprintMix
		if b.Allocated {
			h ^= xfnv.Hash(a.Bytes(b.Offset))
			h *= fingerprintMix
		}
	}
	return h
}

const (
	fingerprintSeed = 14695981039346656037
	fingerprintMix  = 1099511628211
)
