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

import "unsafe"

// PageProvider is the allocator's only external collaborator: a
// monotonic, sbrk-style source of page-aligned memory. Implementations
// must hand back a base address that never moves and that stays valid
// (and contiguous with every later ExtendSegment) for the provider's
// lifetime. See internal/segprovider for the concrete implementations
// this module ships.
type PageProvider interface {
	// PageSize is the fixed page granularity this provider grants in.
	// Must be >= 16 and a multiple of 8.
	PageSize() int64
	// InitSegment (re)establishes the segment, discarding any prior
	// state, and returns the base address of npages freshly committed
	// pages, or an error if the provider refuses.
	InitSegment(npages int64) (unsafe.Pointer, error)
	// ExtendSegment appends npages contiguous to the current segment
	// end and returns the base address of the newly appended region,
	// or an error if the provider refuses (treated as OOM by callers).
	ExtendSegment(npages int64) (unsafe.Pointer, error)
	// SegmentSize reports the total size, in bytes, committed so far.
	SegmentSize() int64
}
