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

// Package surface provides the memory regions the host shares with firmware:
// the super surface backing FB queues and the falcon's data memory.
//
// A region is accessed only through copies. Writers must call Barrier after
// staging data and before publishing it through a queue register, so a peer
// that observes the register never observes a partially written element.
package surface

import (
	"fmt"
	"sync/atomic"

	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
	"github.com/gpufw/gpufw/pkg/sync"
)

// Mem is a region of shared memory.
type Mem interface {
	// ReadAt copies len(p) bytes starting at off into p.
	ReadAt(p []byte, off int64) (int, error)

	// WriteAt copies p into the region starting at off.
	WriteAt(p []byte, off int64) (int, error)

	// Barrier orders all preceding writes before any following write.
	Barrier()

	// Size returns the size of the region in bytes.
	Size() int64
}

// region implements Mem over a byte slice.
type region struct {
	mu       sync.RWMutex
	b        []byte
	barriers atomic.Uint64
}

func (r *region) check(n int, off int64) error {
	if off < 0 || off > int64(len(r.b)) || int64(n) > int64(len(r.b))-off {
		return fmt.Errorf("access [%#x, %#x) outside region of %#x bytes: %w", off, off+int64(n), len(r.b), linuxerr.EINVAL)
	}
	return nil
}

// ReadAt implements Mem.ReadAt.
func (r *region) ReadAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(len(p), off); err != nil {
		return 0, err
	}
	return copy(p, r.b[off:]), nil
}

// WriteAt implements Mem.WriteAt.
func (r *region) WriteAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(len(p), off); err != nil {
		return 0, err
	}
	return copy(r.b[off:], p), nil
}

// Barrier implements Mem.Barrier.
func (r *region) Barrier() {
	// Lock/Unlock orders the copies for Go readers; the atomic add is a
	// full fence for peers outside the Go memory model.
	r.mu.Lock()
	r.barriers.Add(1)
	r.mu.Unlock()
}

// Size implements Mem.Size.
func (r *region) Size() int64 {
	return int64(len(r.b))
}

// Barriers returns the number of Barrier calls so far.
func (r *region) Barriers() uint64 {
	return r.barriers.Load()
}

// Heap is a region backed by ordinary process memory.
type Heap struct {
	region
}

// NewHeap returns a zeroed Heap of size bytes.
func NewHeap(size int) *Heap {
	return &Heap{region: region{b: make([]byte, size)}}
}

// ReadUint32 is a helper for register-like words at off.
func ReadUint32(m Mem, off int64) (uint32, error) {
	var b [4]byte
	if _, err := m.ReadAt(b[:], off); err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// Zero clears n bytes of m at off.
func Zero(m Mem, off int64, n int) error {
	_, err := m.WriteAt(make([]byte, n), off)
	return err
}
