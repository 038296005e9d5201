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

package heap

import (
	"math/rand"
	"testing"

	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
)

func TestNeverReturnsZero(t *testing.T) {
	a, err := New(0, 1024, 32)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	var offs []uint32
	for {
		off, err := a.Alloc(1)
		if err != nil {
			if !linuxerr.Equals(linuxerr.ENOMEM, err) {
				t.Fatalf("Alloc() = %v, want ENOMEM once exhausted", err)
			}
			break
		}
		if off == 0 {
			t.Fatalf("Alloc() returned offset 0")
		}
		offs = append(offs, off)
	}
	// The first block is sacrificed.
	if got, want := len(offs), 1024/32-1; got != want {
		t.Errorf("got %d allocations, want %d", got, want)
	}
	for _, off := range offs {
		if err := a.Free(off); err != nil {
			t.Fatalf("Free(%#x) failed: %v", off, err)
		}
	}
	if got := a.Extents(); got != 1 {
		t.Errorf("Extents() after freeing all = %d, want 1", got)
	}
}

func TestAlignmentAndFirstFit(t *testing.T) {
	a, err := New(0x1010, 0x200, 32)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	x, _ := a.Alloc(10)
	y, _ := a.Alloc(33)
	z, _ := a.Alloc(32)
	if x != 0x1020 || y != 0x1040 || z != 0x1080 {
		t.Fatalf("Alloc() = %#x, %#x, %#x, want 0x1020, 0x1040, 0x1080", x, y, z)
	}
	if got := a.SizeOf(y); got != 64 {
		t.Errorf("SizeOf(%#x) = %d, want 64", y, got)
	}
	if err := a.Free(y); err != nil {
		t.Fatalf("Free() failed: %v", err)
	}
	// The hole left by y is reused before the tail.
	w, _ := a.Alloc(40)
	if w != y {
		t.Errorf("Alloc(40) = %#x, want %#x", w, y)
	}
	if err := a.Free(0x1234); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Free(unallocated) = %v, want EINVAL", err)
	}
}

func TestBadParameters(t *testing.T) {
	if _, err := New(0, 100, 3); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("New(align 3) = %v, want EINVAL", err)
	}
	if _, err := New(0, 16, 32); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("New(window smaller than a block) = %v, want EINVAL", err)
	}
	if a, err := New(0xffffff01, 0xff, 0x100); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("New(base wrapping on alignment) = %v, %v, want EINVAL", a, err)
	}
	a, _ := New(0x100, 0x100, 4)
	if _, err := a.Alloc(0); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Alloc(0) = %v, want EINVAL", err)
	}
}

func TestRandomCoalesce(t *testing.T) {
	a, err := New(0x400, 0x4000, 4)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	r := rand.New(rand.NewSource(1))
	live := map[uint32]bool{}
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && r.Intn(2) == 0 {
			for off := range live {
				if err := a.Free(off); err != nil {
					t.Fatalf("Free(%#x) failed: %v", off, err)
				}
				delete(live, off)
				break
			}
			continue
		}
		off, err := a.Alloc(uint32(1 + r.Intn(200)))
		if err != nil {
			continue
		}
		if off == 0 || live[off] {
			t.Fatalf("Alloc() returned %#x, which is zero or live", off)
		}
		live[off] = true
	}
	for off := range live {
		a.Free(off)
	}
	if a.InUse() != 0 || a.Extents() != 1 {
		t.Errorf("after freeing all: InUse() = %d, Extents() = %d, want 0, 1", a.InUse(), a.Extents())
	}
}
