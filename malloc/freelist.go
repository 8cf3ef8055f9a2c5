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

import "math/bits"

// BlockRef is the arena-relative addressing scheme this allocator uses in
// place of raw pointers, isolating the unsafe core behind a typed
// offset into the arena rather than a bare pointer. It is stored
// in-payload as a 4-byte field, so the arena is limited to 2^31 bytes
// of addressable block offsets.
//
//   - BlockRef >= 0  addresses a live block's payload offset in the arena.
//   - BlockRef == NilRef        the empty link.
//   - BlockRef < NilRef encodes the head slot of bucket -(BlockRef+2), so the
//     "prev" of a bucket's first element can point at the bucket head
//     itself and unlink() never needs a special case for the head.
type BlockRef int32

// NilRef is the empty BlockRef: the value Free ignores, Realloc treats
// as "no existing block", and Malloc/Calloc never return on success.
const NilRef BlockRef = -1

const refNil = NilRef

func headRef(bucket int) BlockRef { return BlockRef(-(int32(bucket) + 2)) }

func (r BlockRef) isHead() bool { return r < refNil }

func (r BlockRef) bucket() int { return int(-(int32(r) + 2)) }

const numBuckets = 30

// bucketCutoff bounds first-fit's per-bucket scan.
const bucketCutoff = 5

// bestFitCutoff bounds best-fit's per-bucket scan.
const bestFitCutoff = 15

// FitPolicy selects the search strategy Malloc uses to satisfy a
// request from the segregated free list. An implementation commits to
// one policy; this allocator exposes it as a runtime field so tests can
// exercise both without separate builds.
type FitPolicy int

const (
	// FitFirst returns the first block in bucket order large enough to
	// satisfy the request.
	FitFirst FitPolicy = iota
	// FitBest returns, within the first bucket containing any fit, the
	// block whose size is closest to (but not below) the request.
	FitBest
)

// freeList is the segregated explicit free list: 30 buckets, each a
// LIFO doubly-linked chain of free block offsets.
type freeList struct {
	heads [numBuckets]BlockRef
}

// bucketOf maps a block size to its bucket index: 30 - clz(s) - 2,
// saturated to [0, 29].
func bucketOf(size int64) int {
	b := numBuckets - bits.LeadingZeros32(uint32(size)) - 2
	if b < 0 {
		return 0
	}
	if b > numBuckets-1 {
		return numBuckets - 1
	}
	return b
}

// insert pushes a free block onto the front of its bucket's list.
func (fl *freeList) insert(a *arena, block BlockRef) {
	size := a.blockSize(hdrOffset(int64(block)))
	b := bucketOf(size)
	head := fl.heads[b]
	a.setLinkNext(int64(block), head)
	a.setLinkPrev(int64(block), headRef(b))
	if head != refNil {
		a.setLinkPrev(int64(head), block)
	}
	fl.heads[b] = block
}

// unlink removes a free block from whichever bucket currently holds it.
// The prev link always dereferences safely: either to another block or
// to a bucket head slot, both valid link targets.
func (fl *freeList) unlink(a *arena, block BlockRef) {
	prev := a.linkPrev(int64(block))
	next := a.linkNext(int64(block))
	if prev.isHead() {
		fl.heads[prev.bucket()] = next
	} else {
		a.setLinkNext(int64(prev), next)
	}
	if next != refNil {
		a.setLinkPrev(int64(next), prev)
	}
}

// migrate re-buckets a free block whose size changed (e.g. after
// coalescing with a predecessor), if the new size maps to a different
// bucket than the old one.
func (fl *freeList) migrate(a *arena, block BlockRef, oldSize, newSize int64) {
	if bucketOf(oldSize) != bucketOf(newSize) {
		fl.unlink(a, block)
		fl.insert(a, block)
	}
}

// firstFit scans buckets from bucketOf(s) upward, up to bucketCutoff
// blocks per bucket, returning the first block whose size is >= s.
func (fl *freeList) firstFit(a *arena, s int64) (BlockRef, bool) {
	for b := bucketOf(s); b < numBuckets; b++ {
		n := 0
		for cur := fl.heads[b]; cur != refNil && n < bucketCutoff; cur, n = a.linkNext(int64(cur)), n+1 {
			if a.blockSize(hdrOffset(int64(cur))) >= s {
				return cur, true
			}
		}
	}
	return refNil, false
}

// bestFit scans buckets from bucketOf(s) upward; within each bucket
// (up to bestFitCutoff blocks), it tracks the block minimizing
// size-s >= 0 and stops at the first bucket producing any fit.
func (fl *freeList) bestFit(a *arena, s int64) (BlockRef, bool) {
	for b := bucketOf(s); b < numBuckets; b++ {
		n := 0
		best := refNil
		bestDiff := int64(-1)
		for cur := fl.heads[b]; cur != refNil && n < bestFitCutoff; cur, n = a.linkNext(int64(cur)), n+1 {
			size := a.blockSize(hdrOffset(int64(cur)))
			diff := size - s
			if diff >= 0 && (bestDiff < 0 || diff < bestDiff) {
				bestDiff = diff
				best = cur
			}
		}
		if best != refNil {
			return best, true
		}
	}
	return refNil, false
}

// find dispatches to the configured fit policy.
func (fl *freeList) find(a *arena, policy FitPolicy, s int64) (BlockRef, bool) {
	if policy == FitBest {
		return fl.bestFit(a, s)
	}
	return fl.firstFit(a, s)
}

// counts returns the number of free blocks currently linked in each
// bucket, for diagnostics.
func (fl *freeList) counts(a *arena) [numBuckets]int {
	var out [numBuckets]int
	for b := 0; b < numBuckets; b++ {
		n := 0
		for cur := fl.heads[b]; cur != refNil; cur = a.linkNext(int64(cur)) {
			n++
		}
		out[b] = n
	}
	return out
}
