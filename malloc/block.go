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

// Package malloc implements a single-threaded dynamic memory allocator
// over a contiguous byte arena, using boundary-tag coalescing and a
// segregated explicit free list keyed by size class.
package malloc

import "unsafe"

// Block layout:
//
//	[header:4][payload >= 12]
//
// header bits, little-endian word:
//
//	bit 0      current-allocated
//	bit 1      previous-allocated
//	bits 2..31 payload size in bytes, right-shifted by 2
//
// A free block's payload holds two 4-byte link fields (next, prev) in
// its first 8 bytes and a footer (a copy of the header) in its last 4
// bytes. An allocated block's payload has no footer; the previous block
// can only be located from a header's prev-alloc bit, which is why
// prevBlockOffset must never be called when that bit is set.
const (
	hdrSize    = 4
	ftrSize    = 4
	linkSize   = 8 // next + prev, 4 bytes each, inside the payload
	minPayload = 12
	alignment  = 8
)

const (
	curAllocBit  = 1 << 0
	prevAllocBit = 1 << 1
)

// arena is the live backing storage for every block address in an
// Allocator. start never changes once Init has run: the PageProvider
// contract guarantees ExtendSegment only ever appends contiguously, so
// every BlockRef handed out earlier stays valid for the arena's lifetime.
type arena struct {
	start unsafe.Pointer
	size  int64 // bytes currently committed, growing monotonically
}

func (a *arena) reset(start unsafe.Pointer, size int64) {
	a.start = start
	a.size = size
}

// contains reports whether the byte offset off falls within the
// committed segment.
func (a *arena) contains(off int64) bool {
	return off >= 0 && off < a.size
}

func (a *arena) ptr(off int64) unsafe.Pointer {
	return unsafe.Add(a.start, off)
}

// unsafeSlice views n bytes starting at p as a []byte without copying.
func unsafeSlice(p unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(p), n)
}

func (a *arena) word(off int64) uint32 {
	return *(*uint32)(a.ptr(off))
}

func (a *arena) setWord(off int64, v uint32) {
	*(*uint32)(a.ptr(off)) = v
}

// hdrOffset returns the offset of a block's header given its payload
// offset.
func hdrOffset(payload int64) int64 { return payload - hdrSize }

// blockSize reads the payload size recorded in the header at hdrOff.
func (a *arena) blockSize(hdrOff int64) int64 {
	return int64(a.word(hdrOff) >> 2)
}

// currAlloc reports the current-allocated bit of the block whose
// payload starts at payload.
func (a *arena) currAlloc(payload int64) bool {
	return a.word(hdrOffset(payload))&curAllocBit != 0
}

// prevAlloc reports the previous-allocated bit of the block whose
// payload starts at payload.
func (a *arena) prevAlloc(payload int64) bool {
	return a.word(hdrOffset(payload))&prevAllocBit != 0
}

// writeHeader packs size/curr/prev into the header word at payload's
// header offset.
func (a *arena) writeHeader(payload int64, size int64, currAlloc, prevAlloc bool) {
	w := uint32(size) << 2
	if currAlloc {
		w |= curAllocBit
	}
	if prevAlloc {
		w |= prevAllocBit
	}
	a.setWord(hdrOffset(payload), w)
}

func (a *arena) setCurrAlloc(payload int64, v bool) {
	off := hdrOffset(payload)
	w := a.word(off)
	if v {
		w |= curAllocBit
	} else {
		w &^= curAllocBit
	}
	a.setWord(off, w)
}

func (a *arena) setPrevAlloc(payload int64, v bool) {
	off := hdrOffset(payload)
	w := a.word(off)
	if v {
		w |= prevAllocBit
	} else {
		w &^= prevAllocBit
	}
	a.setWord(off, w)
}

func (a *arena) setSize(payload int64, size int64) {
	off := hdrOffset(payload)
	w := a.word(off)
	a.setWord(off, (w&0x3)|uint32(size<<2))
}

// ftrOffset returns the offset of a block's footer given its payload
// offset and size. Only meaningful for free blocks.
func ftrOffset(payload, size int64) int64 { return payload + size - ftrSize }

// writeFooter copies the header word to the footer slot. Must only be
// called for free blocks, which are the only ones carrying a footer.
func (a *arena) writeFooter(payload int64) {
	size := a.blockSize(hdrOffset(payload))
	a.setWord(ftrOffset(payload, size), a.word(hdrOffset(payload)))
}

// nextBlockOffset returns the payload offset of the block immediately
// following payload in heap order.
func nextBlockOffset(payload, size int64) int64 { return payload + size + hdrSize }

// prevBlockOffset returns the payload offset of the block immediately
// preceding payload. Only legal when payload's prev-alloc bit is
// clear: only free blocks carry a footer to read the size from.
func (a *arena) prevBlockOffset(payload int64) int64 {
	ftrOff := payload - linkSize // footer of the previous (free) block
	prevSize := a.blockSize(ftrOff)
	return payload - hdrSize - prevSize
}

// next/prev free-list link accessors. Only valid on free blocks: the
// fields alias the first 8 bytes of the payload, which hold user data
// once the block is allocated. Links are stored as BlockRef (a 4-byte
// arena-relative offset or bucket-head sentinel, see freelist.go).
func (a *arena) linkNext(payload int64) BlockRef { return BlockRef(a.word(payload)) }
func (a *arena) linkPrev(payload int64) BlockRef { return BlockRef(a.word(payload + 4)) }

func (a *arena) setLinkNext(payload int64, v BlockRef) { a.setWord(payload, uint32(v)) }
func (a *arena) setLinkPrev(payload int64, v BlockRef) { a.setWord(payload+4, uint32(v)) }

// roundup rounds n up to the nearest multiple of m, m a power of two.
func roundup(n, m int64) int64 { return (n + m - 1) &^ (m - 1) }

// adjustRequest converts a user-requested byte count into the payload
// size a block must carry: at least minPayload, otherwise 8-byte
// aligned with the 4 bytes the header already accounts for subtracted
// before rounding.
func adjustRequest(n int64) int64 {
	if n <= minPayload {
		return minPayload
	}
	return roundup(n-4, alignment) + 4
}
