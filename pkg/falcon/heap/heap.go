// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package heap implements the allocator the host uses to carve payload and
// FB-queue heap space out of the window of falcon DMEM the firmware reserves
// for it.
//
// Free space is kept as an ordered set of extents. Allocation is first fit in
// address order; freeing coalesces with both neighbours.
package heap

import (
	"fmt"

	"github.com/google/btree"
	"github.com/gpufw/gpufw/pkg/abi/falcon"
	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
	"github.com/gpufw/gpufw/pkg/log"
	"github.com/gpufw/gpufw/pkg/sync"
)

// extent is a free range [start, start+length).
type extent struct {
	start  uint32
	length uint32
}

func (e extent) end() uint32 {
	return e.start + e.length
}

func lessExtent(a, b extent) bool {
	return a.start < b.start
}

// Allocator manages a window of falcon DMEM.
//
// Offset zero is never handed out: it is the legacy wire value for "no
// allocation", so a window starting at zero loses its first block.
type Allocator struct {
	mu sync.Mutex

	base  uint32
	size  uint32
	align uint32

	// +checklocks:mu
	free *btree.BTreeG[extent]

	// allocs maps an allocated offset to its rounded length.
	// +checklocks:mu
	allocs map[uint32]uint32

	// +checklocks:mu
	inUse uint32
}

// New returns an allocator over [base, base+size). align must be a power of
// two; every allocation is rounded up to and aligned on it.
func New(base, size, align uint32) (*Allocator, error) {
	if align == 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("alignment %d is not a power of two: %w", align, linuxerr.EINVAL)
	}
	start := falcon.AlignUp(base, align)
	if start < base {
		return nil, fmt.Errorf("window base %#x wraps when aligned to %d: %w", base, align, linuxerr.EINVAL)
	}
	if start == falcon.NullDmemOffset {
		start = align
	}
	end := uint64(base) + uint64(size)
	if end > 1<<32 || uint64(start) >= end {
		return nil, fmt.Errorf("window [%#x, %#x) is empty after alignment: %w", base, end, linuxerr.EINVAL)
	}
	a := &Allocator{
		base:   base,
		size:   size,
		align:  align,
		free:   btree.NewG(8, lessExtent),
		allocs: make(map[uint32]uint32),
	}
	usable := (uint32(end-uint64(start)) / align) * align
	a.free.ReplaceOrInsert(extent{start: start, length: usable})
	log.Debugf("DMEM heap: base %#x size %#x align %d, usable [%#x, %#x)", base, size, align, start, start+usable)
	return a, nil
}

// Alloc returns the offset of a new allocation of at least size bytes. It
// returns ENOMEM when no extent is large enough. The returned offset is never
// zero.
func (a *Allocator) Alloc(size uint32) (uint32, error) {
	if size == 0 {
		return 0, fmt.Errorf("zero-sized allocation: %w", linuxerr.EINVAL)
	}
	if uint64(size)+uint64(a.align) > 1<<32 {
		return 0, linuxerr.ENOMEM
	}
	length := falcon.AlignUp(size, a.align)

	a.mu.Lock()
	defer a.mu.Unlock()
	var found extent
	ok := false
	a.free.Ascend(func(e extent) bool {
		if e.length >= length {
			found, ok = e, true
			return false
		}
		return true
	})
	if !ok {
		return 0, linuxerr.ENOMEM
	}
	a.free.Delete(found)
	if found.length > length {
		a.free.ReplaceOrInsert(extent{start: found.start + length, length: found.length - length})
	}
	a.allocs[found.start] = length
	a.inUse += length
	return found.start, nil
}

// Free releases the allocation at off.
func (a *Allocator) Free(off uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	length, ok := a.allocs[off]
	if !ok {
		return fmt.Errorf("free of unallocated offset %#x: %w", off, linuxerr.EINVAL)
	}
	delete(a.allocs, off)
	a.inUse -= length

	e := extent{start: off, length: length}
	// Merge with the extent that ends at off.
	var prev extent
	havePrev := false
	a.free.DescendLessOrEqual(extent{start: off}, func(p extent) bool {
		prev, havePrev = p, true
		return false
	})
	if havePrev && prev.end() == e.start {
		a.free.Delete(prev)
		e.start = prev.start
		e.length += prev.length
	}
	// Merge with the extent that starts at our end.
	if next, ok := a.free.Get(extent{start: e.end()}); ok {
		a.free.Delete(next)
		e.length += next.length
	}
	a.free.ReplaceOrInsert(e)
	return nil
}

// SizeOf returns the rounded length of the allocation at off, or zero.
func (a *Allocator) SizeOf(off uint32) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocs[off]
}

// InUse returns the number of bytes currently allocated.
func (a *Allocator) InUse() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Extents returns the number of free extents.
func (a *Allocator) Extents() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free.Len()
}

// Base returns the start of the managed window.
func (a *Allocator) Base() uint32 {
	return a.base
}

// Size returns the length of the managed window.
func (a *Allocator) Size() uint32 {
	return a.size
}
