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

// Package bufpool hands out []byte buffers backed by a malloc.Allocator
// instead of the Go heap. Like the pool it is adapted from, it appends
// a small footer past the requested length so that Free can validate a
// buffer without the caller tracking anything extra; here the footer
// carries the owning BlockRef instead of a sync.Pool size-class index,
// since reclaiming the bytes means handing them back to the allocator
// rather than to a free list.
package bufpool

import (
	"encoding/binary"
	"fmt"

	"github.com/pagealloc/segheap/malloc"
)

const (
	// footerLen is appended past every buffer's requested length: 4
	// magic bytes checked by Free, 4 bytes holding the BlockRef.
	footerLen = 8

	footerMagic uint32 = 0xBADC0DE0
)

// Pool hands out and reclaims []byte buffers from a single
// malloc.Allocator. It is not safe for concurrent use, matching the
// Allocator it wraps.
type Pool struct {
	a *malloc.Allocator
}

// New wraps an already-initialized Allocator.
func New(a *malloc.Allocator) *Pool {
	return &Pool{a: a}
}

// Malloc returns a buffer of exactly size usable bytes. The buffer may
// have extra capacity; use Cap to discover how much without corrupting
// the footer Free relies on.
//
// The buffer's bytes are not zeroed. Call Free when done; do not reuse
// the slice afterward.
func (p *Pool) Malloc(size int) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	off := p.a.Malloc(int64(size) + footerLen)
	if off == malloc.NilRef {
		return nil, fmt.Errorf("bufpool: malloc %d: allocator out of memory", size)
	}
	full := p.a.Bytes(off)
	n := len(full)
	binary.LittleEndian.PutUint32(full[n-8:n-4], footerMagic)
	binary.LittleEndian.PutUint32(full[n-4:n], uint32(off))
	return full[:size:n], nil
}

// Cap reports the number of bytes buf can grow to via Append before a
// reallocation is needed, i.e. its usable size minus the footer.
func (p *Pool) Cap(buf []byte) (int, error) {
	c := cap(buf)
	if c < footerLen {
		return 0, fmt.Errorf("bufpool: buffer too small to carry a footer")
	}
	if _, ok := footerOf(buf); !ok {
		return 0, fmt.Errorf("bufpool: buffer was not allocated by this pool")
	}
	return c - footerLen, nil
}

// Append appends b to a, growing into an allocator-backed block when
// a's existing capacity is exhausted, and freeing the old block in
// that case. Mirrors the append-or-reallocate pattern of the pool this
// package is adapted from.
func (p *Pool) Append(a []byte, b ...byte) ([]byte, error) {
	if cap(a)-len(a)-footerLen >= len(b) && cap(a) > 0 {
		return append(a, b...), nil
	}
	out, err := p.Malloc(len(a) + len(b))
	if err != nil {
		return nil, err
	}
	copy(out, a)
	copy(out[len(a):], b)
	if len(a) > 0 {
		p.Free(a)
	}
	return out, nil
}

// Free returns buf's backing block to the allocator. Free is a no-op
// for buffers bufpool did not hand out, silently ignoring foreign
// buffers rather than panicking.
func (p *Pool) Free(buf []byte) {
	off, ok := footerOf(buf)
	if !ok {
		return
	}
	p.a.Free(off)
}

func footerOf(buf []byte) (malloc.BlockRef, bool) {
	c := cap(buf)
	if c < footerLen {
		return malloc.NilRef, false
	}
	full := buf[:c:c]
	magic := binary.LittleEndian.Uint32(full[c-8 : c-4])
	if magic != footerMagic {
		return malloc.NilRef, false
	}
	return malloc.BlockRef(binary.LittleEndian.Uint32(full[c-4 : c])), true
}
