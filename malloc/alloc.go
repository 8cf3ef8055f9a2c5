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
	"os"

	"github.com/pagealloc/segheap/unsafex"
)

const initPages = 3

// Allocator is a single-threaded dynamic memory allocator backed by a
// PageProvider. Zero value is not usable; construct with New.
type Allocator struct {
	provider PageProvider
	arena    arena
	free     freeList
	policy   FitPolicy

	// Trace, when true, writes one line to Stderr per Init, Malloc, Free
	// and extend, and per Realloc that absorbs a successor or moves the
	// block (an in-place Realloc writes none). Off by default; cheap
	// enough to leave wired for tests.
	Trace bool

	inited bool
}

// New constructs an Allocator over provider. The allocator is not usable
// until Init is called.
func New(provider PageProvider, policy FitPolicy) *Allocator {
	return &Allocator{provider: provider, policy: policy}
}

func (a *Allocator) tracef(format string, args ...interface{}) {
	if a.Trace {
		fmt.Fprintf(os.Stderr, "malloc: "+format+"\n", args...)
	}
}

// Init (re)establishes the heap: initPages pages are requested from the
// provider, formatted as one prologue pad, one free block spanning the
// whole segment, and an epilogue header sentinel. Init may be called
// again to reset an allocator to a fresh empty heap.
func (a *Allocator) Init() error {
	base, err := a.provider.InitSegment(initPages)
	if err != nil {
		return fmt.Errorf("malloc: init: %w", err)
	}
	pageSize := a.provider.PageSize()
	a.arena.reset(base, initPages*pageSize)
	a.free = freeList{}
	for i := range a.free.heads {
		a.free.heads[i] = refNil
	}

	// Prologue: an 8-byte pad before the first real header, matching
	// alignment's 8-byte granularity. The first free block's payload
	// starts right after it.
	payload := BlockRef(alignment)
	size := initPages*pageSize - alignment - hdrSize
	a.arena.writeHeader(int64(payload), size, false, true)
	a.arena.writeFooter(int64(payload))
	a.free.insert(&a.arena, payload)

	epilogue := nextBlockOffset(int64(payload), size)
	a.arena.writeHeader(epilogue, 0, true, false)

	a.inited = true
	a.tracef("init: %d pages, %d bytes, free block size %d", initPages, a.arena.size, size)
	return nil
}

// Malloc allocates a block of at least n usable bytes and returns the
// offset of its payload, or NilRef if n <= 0 or the heap cannot grow
// further. The returned BlockRef stays valid until the corresponding Free.
func (a *Allocator) Malloc(n int64) BlockRef {
	if n <= 0 {
		return refNil
	}
	adjusted := adjustRequest(n)

	block, ok := a.free.find(&a.arena, a.policy, adjusted)
	if !ok {
		var err error
		block, err = a.extend(adjusted)
		if err != nil {
			a.tracef("malloc(%d): %v", n, err)
			return refNil
		}
	}

	totalSize := a.arena.blockSize(hdrOffset(int64(block)))
	freeBytes := totalSize - adjusted - hdrSize
	if freeBytes < minPayload {
		// Whole-block allocation: the remainder is too small to host
		// another block, so it is handed out along with the request.
		a.free.unlink(&a.arena, block)
		a.arena.setCurrAlloc(int64(block), true)
		next := nextBlockOffset(int64(block), totalSize)
		a.arena.setPrevAlloc(next, true)
	} else {
		a.free.unlink(&a.arena, block)
		block = a.split(block, adjusted, freeBytes)
	}

	a.tracef("malloc(%d) -> off=%d size=%d", n, block, a.arena.blockSize(hdrOffset(int64(block))))
	return block
}

// extend grows the heap by enough pages to satisfy a request of size
// need, coalescing the new region with a free predecessor when the old
// epilogue's prev-alloc bit says one exists, and returns the resulting
// free block (still in the free list).
func (a *Allocator) extend(need int64) (BlockRef, error) {
	pageSize := a.provider.PageSize()
	// Page sizes need only be multiples of 8, so round by division
	// rather than with roundup's power-of-two mask.
	nbytes := (need + pageSize - 1) / pageSize * pageSize
	npages := nbytes / pageSize

	// The epilogue header sits at the very end of the committed
	// segment; its payload offset (size 0) is the base ExtendSegment
	// will return, since the new pages are appended directly after it.
	epiloguePayload := a.arena.size
	base, err := a.provider.ExtendSegment(npages)
	if err != nil {
		return refNil, fmt.Errorf("malloc: heap exhausted: %w", err)
	}
	if base != a.arena.ptr(epiloguePayload) {
		return refNil, fmt.Errorf("malloc: page provider returned non-contiguous region")
	}
	a.arena.size += nbytes
	a.tracef("extend: +%d pages (%d bytes), segment now %d bytes", npages, nbytes, a.arena.size)

	block := BlockRef(epiloguePayload)
	if a.arena.prevAlloc(int64(block)) {
		// Predecessor allocated: the old epilogue slot becomes a new
		// free block in its own right.
		a.arena.writeHeader(int64(block), nbytes-hdrSize, false, true)
		a.arena.writeFooter(int64(block))
		a.free.insert(&a.arena, block)
	} else {
		prev := BlockRef(a.arena.prevBlockOffset(int64(block)))
		prevSize := a.arena.blockSize(hdrOffset(int64(prev)))
		newSize := prevSize + nbytes
		a.arena.setSize(int64(prev), newSize)
		a.arena.writeFooter(int64(prev))
		a.free.migrate(&a.arena, prev, prevSize, newSize)
		block = prev
	}

	newEpilogue := nextBlockOffset(int64(block), a.arena.blockSize(hdrOffset(int64(block))))
	a.arena.writeHeader(newEpilogue, 0, true, false)
	return block, nil
}

// split carves block (of payload size free+malloc+hdrSize) into a free
// remainder of freeBytes followed by an allocated block of mallocBytes.
// The free remainder keeps block's offset; the allocated block sits
// after it. insert_free_list ordering means the remainder, not the
// allocation, occupies the original offset.
func (a *Allocator) split(block BlockRef, mallocBytes, freeBytes int64) BlockRef {
	a.arena.setSize(int64(block), freeBytes)
	a.arena.setCurrAlloc(int64(block), false)
	a.arena.writeFooter(int64(block))
	a.free.insert(&a.arena, block)

	mallocBlock := BlockRef(nextBlockOffset(int64(block), freeBytes))
	a.arena.writeHeader(int64(mallocBlock), mallocBytes, true, false)

	next := nextBlockOffset(int64(mallocBlock), mallocBytes)
	a.arena.setPrevAlloc(next, true)
	return mallocBlock
}

// Free releases the block at payload offset off, coalescing with
// whichever free neighbors exist. off must be a value previously
// returned by Malloc (or the non-zero-copy branch of Realloc) and not
// already freed; a block whose current-allocated bit is already clear
// can only mean a double free, since the bit is cleared by this same
// method and never by anything else.
func (a *Allocator) Free(off BlockRef) {
	if off == refNil {
		return
	}
	a.checkLive(off, "free")
	a.tracef("free: off=%d size=%d", off, a.arena.blockSize(hdrOffset(int64(off))))
	a.coalesce(off)
}

// checkLive panics if off does not address a currently-allocated block,
// i.e. the caller handed this allocator an out-of-range offset or one
// that has already been freed.
func (a *Allocator) checkLive(off BlockRef, op string) {
	if !a.arena.contains(int64(off)) {
		panic(fmt.Sprintf("malloc: %s of offset outside the heap segment", op))
	}
	if !a.arena.currAlloc(int64(off)) {
		panic(fmt.Sprintf("malloc: double %s of offset %d", op, off))
	}
}

// coalesce implements the four boundary-tag merge cases and returns the
// offset of the resulting free block.
func (a *Allocator) coalesce(curr BlockRef) BlockRef {
	currSize := a.arena.blockSize(hdrOffset(int64(curr)))
	next := BlockRef(nextBlockOffset(int64(curr), currSize))

	prevAlloc := a.arena.prevAlloc(int64(curr))
	nextAlloc := a.arena.currAlloc(int64(next))

	switch {
	case prevAlloc && nextAlloc:
		a.arena.setCurrAlloc(int64(curr), false)
		a.arena.writeFooter(int64(curr))
		a.arena.setPrevAlloc(int64(next), false)
		a.free.insert(&a.arena, curr)
		return curr

	case prevAlloc && !nextAlloc:
		nextSize := a.arena.blockSize(hdrOffset(int64(next)))
		newSize := currSize + nextSize + hdrSize
		a.arena.setSize(int64(curr), newSize)
		a.arena.setCurrAlloc(int64(curr), false)
		a.arena.writeFooter(int64(curr))
		a.free.unlink(&a.arena, next)
		a.free.insert(&a.arena, curr)
		return curr

	case !prevAlloc && nextAlloc:
		// curr's header becomes interior bytes of prev; clear its bit so
		// a repeated Free of curr is still caught by checkLive.
		a.arena.setCurrAlloc(int64(curr), false)
		prev := BlockRef(a.arena.prevBlockOffset(int64(curr)))
		prevSize := a.arena.blockSize(hdrOffset(int64(prev)))
		newSize := prevSize + currSize + hdrSize
		a.arena.setSize(int64(prev), newSize)
		a.arena.writeFooter(int64(prev))
		a.free.migrate(&a.arena, prev, prevSize, newSize)
		a.arena.setPrevAlloc(int64(next), false)
		return prev

	default: // !prevAlloc && !nextAlloc
		a.arena.setCurrAlloc(int64(curr), false)
		prev := BlockRef(a.arena.prevBlockOffset(int64(curr)))
		prevSize := a.arena.blockSize(hdrOffset(int64(prev)))
		nextSize := a.arena.blockSize(hdrOffset(int64(next)))
		newSize := prevSize + currSize + nextSize + 2*hdrSize
		a.arena.setSize(int64(prev), newSize)
		a.arena.writeFooter(int64(prev))
		a.free.migrate(&a.arena, prev, prevSize, newSize)
		a.free.unlink(&a.arena, next)
		return prev
	}
}

// Realloc resizes the block at off to hold at least n bytes, reusing
// the block in place when it already fits or absorbing a free
// successor when that is enough; otherwise it allocates a new block,
// copies the overlap, and frees the old one. off == refNil behaves
// like Malloc(n). n == 0 frees off through this package's own Free and
// returns refNil. off must address a currently-allocated block; like
// Free, an out-of-range or already-freed off panics.
func (a *Allocator) Realloc(off BlockRef, n int64) BlockRef {
	if off == refNil {
		return a.Malloc(n)
	}
	a.checkLive(off, "realloc")
	if n == 0 {
		a.Free(off)
		return refNil
	}

	oldSize := a.arena.blockSize(hdrOffset(int64(off)))
	adjusted := adjustRequest(n)
	if adjusted <= oldSize {
		return off
	}

	next := BlockRef(nextBlockOffset(int64(off), oldSize))
	if !a.arena.currAlloc(int64(next)) {
		nextSize := a.arena.blockSize(hdrOffset(int64(next)))
		combined := oldSize + nextSize + hdrSize
		if adjusted <= combined {
			afterNext := nextBlockOffset(int64(next), nextSize)
			a.arena.setPrevAlloc(afterNext, true)
			a.arena.setSize(int64(off), combined)
			a.free.unlink(&a.arena, next)
			a.tracef("realloc(off=%d, %d): absorbed successor, new size %d", off, n, combined)
			return off
		}
	}

	newOff := a.Malloc(n)
	if newOff == refNil {
		return refNil
	}
	copySize := oldSize
	if n < copySize {
		copySize = n
	}
	src := a.arena.ptr(int64(off))
	dst := a.arena.ptr(int64(newOff))
	copy(unsafeSlice(dst, int(copySize)), unsafeSlice(src, int(copySize)))
	a.Free(off)
	a.tracef("realloc(off=%d, %d): moved to off=%d", off, n, newOff)
	return newOff
}

// Calloc allocates a block for nmemb elements of size bytes each,
// zero-initialized, returning NilRef if either argument is
// non-positive, nmemb*size overflows, or the heap cannot grow further.
func (a *Allocator) Calloc(nmemb, size int64) BlockRef {
	if nmemb <= 0 || size <= 0 {
		return refNil
	}
	total := nmemb * size
	if total/size != nmemb {
		a.tracef("calloc(%d, %d): overflow", nmemb, size)
		return refNil
	}
	off := a.Malloc(total)
	if off == refNil {
		return refNil
	}
	// Zero the whole usable block, not just nmemb*size bytes, so the
	// view Bytes returns is all zeros.
	clear(a.Bytes(off))
	return off
}

// UsableSize reports the number of payload bytes actually reserved for
// the block at off, which may exceed the size last requested.
func (a *Allocator) UsableSize(off BlockRef) int64 {
	return a.arena.blockSize(hdrOffset(int64(off)))
}

// Bytes returns a byte slice viewing the payload at off. Growing the
// segment never moves it, so the view stays valid while the block is
// allocated; after the block is freed, or moved by Realloc, the same
// bytes may belong to other blocks.
func (a *Allocator) Bytes(off BlockRef) []byte {
	n := a.arena.blockSize(hdrOffset(int64(off)))
	return unsafeSlice(a.arena.ptr(int64(off)), int(n))
}

// SegmentSize reports the total number of bytes currently committed to
// the heap, including headers, footers, and the epilogue sentinel.
func (a *Allocator) SegmentSize() int64 { return a.arena.size }

// String returns a zero-copy read-only view of the block at off, for
// tracing text payloads without a copy. The view shares the rule Bytes
// documents: it stays valid only while the block is allocated.
func (a *Allocator) String(off BlockRef) string {
	return unsafex.BinaryToString(a.Bytes(off))
}
