// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

// Modifications (c) 2024 segheap Authors.

//go:build darwin || dragonfly || freebsd || linux || openbsd || solaris || netbsd

package segprovider

import (
	"fmt"
	"syscall"
	"unsafe"
)

// MmapProvider reserves a single large anonymous mapping up front with
// mmap and hands out prefixes of it, exactly the "reserve once, commit
// by watermark" trick FixedArenaProvider uses in pure Go. Adapted from
// cznic-memory's mmap_unix.go, which mmaps per-size-class pages; this
// provider instead mmaps one reservation and grows a single segment
// inside it so ExtendSegment never has to move the base address.
type MmapProvider struct {
	pageSize int64
	region   []byte // the full reservation, PROT_READ|PROT_WRITE from the start
	used     int64  // bytes of region currently part of the segment
}

// NewMmapProvider reserves maxBytes (rounded up to a page) of anonymous
// memory via mmap. pageSize must be >= 16 and a multiple of 8.
func NewMmapProvider(pageSize, maxBytes int64) (*MmapProvider, error) {
	if pageSize < 16 || pageSize%8 != 0 {
		return nil, fmt.Errorf("segprovider: page size must be >= 16 and a multiple of 8, got %d", pageSize)
	}
	size := roundup(maxBytes, pageSize)
	b, err := syscall.Mmap(-1, 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("segprovider: mmap %d bytes: %w", size, err)
	}
	return &MmapProvider{pageSize: pageSize, region: b}, nil
}

// Close releases the mapping. Not required before process exit.
func (p *MmapProvider) Close() error {
	if p.region == nil {
		return nil
	}
	err := syscall.Munmap(p.region)
	p.region = nil
	return err
}

func (p *MmapProvider) PageSize() int64 { return p.pageSize }

func (p *MmapProvider) InitSegment(npages int64) (unsafe.Pointer, error) {
	n := npages * p.pageSize
	if n <= 0 || n > int64(len(p.region)) {
		return nil, fmt.Errorf("segprovider: init of %d bytes exceeds reservation of %d", n, len(p.region))
	}
	p.used = n
	return unsafe.Pointer(&p.region[0]), nil
}

func (p *MmapProvider) ExtendSegment(npages int64) (unsafe.Pointer, error) {
	grow := npages * p.pageSize
	if grow <= 0 || p.used+grow > int64(len(p.region)) {
		return nil, fmt.Errorf("segprovider: extend of %d bytes exceeds reservation of %d (currently %d)", grow, len(p.region), p.used)
	}
	base := unsafe.Pointer(&p.region[p.used])
	p.used += grow
	return base, nil
}

func (p *MmapProvider) SegmentSize() int64 { return p.used }
