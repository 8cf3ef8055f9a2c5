// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

// Modifications (c) 2024 segheap Authors.

//go:build windows

package segprovider

import (
	"fmt"
	"reflect"
	"syscall"
	"unsafe"
)

// MmapProvider reserves a single file mapping up front and hands out
// prefixes of it, the Windows counterpart to segprovider_unix.go's
// mmap-based provider. Adapted from cznic-memory's mmap_windows.go,
// which maps per-size-class pages via CreateFileMapping/MapViewOfFile;
// this provider instead maps one reservation and grows a single
// segment inside it.
type MmapProvider struct {
	pageSize int64
	handle   syscall.Handle
	addr     uintptr
	region   []byte
	used     int64
}

// NewMmapProvider reserves maxBytes (rounded up to a page) via
// CreateFileMapping/MapViewOfFile. pageSize must be >= 16 and a
// multiple of 8.
func NewMmapProvider(pageSize, maxBytes int64) (*MmapProvider, error) {
	if pageSize < 16 || pageSize%8 != 0 {
		return nil, fmt.Errorf("segprovider: page size must be >= 16 and a multiple of 8, got %d", pageSize)
	}
	size := roundup(maxBytes, pageSize)

	maxSizeHigh := uint32(size >> 32)
	maxSizeLow := uint32(size & 0xFFFFFFFF)
	h, err := syscall.CreateFileMapping(syscall.InvalidHandle, nil, syscall.PAGE_READWRITE, maxSizeHigh, maxSizeLow, nil)
	if h == 0 {
		return nil, fmt.Errorf("segprovider: CreateFileMapping: %w", err)
	}

	addr, err := syscall.MapViewOfFile(h, syscall.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if addr == 0 {
		syscall.CloseHandle(h)
		return nil, fmt.Errorf("segprovider: MapViewOfFile: %w", err)
	}

	var b []byte
	sh := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	sh.Data = addr
	sh.Len = int(size)
	sh.Cap = int(size)

	return &MmapProvider{pageSize: pageSize, handle: h, addr: addr, region: b}, nil
}

// Close unmaps the view and closes the mapping handle.
func (p *MmapProvider) Close() error {
	if p.addr == 0 {
		return nil
	}
	if err := syscall.UnmapViewOfFile(p.addr); err != nil {
		return err
	}
	p.addr = 0
	return syscall.CloseHandle(p.handle)
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
