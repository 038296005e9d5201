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
package sim

import (
	"bytes"
	"context"
	"testing"
	"time"

	abi "github.com/gpufw/gpufw/pkg/abi/ce"
	"github.com/gpufw/gpufw/pkg/ce"
	"github.com/gpufw/gpufw/pkg/config"
	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
	"github.com/gpufw/gpufw/pkg/fence"
	"github.com/gpufw/gpufw/pkg/surface"
)

const memSize = 1 << 20

func newGPU(t *testing.T, vidmem bool) (*GPU, *ce.App, uint32) {
	t.Helper()
	var vm surface.Mem
	if vidmem {
		vm = surface.NewHeap(memSize)
	}
	g := NewGPU(abi.HopperDMACopyA, surface.NewHeap(memSize), vm, 2*abi.MaxInflightJobs)
	cfg := config.Default().CE
	a := ce.NewApp(g, &cfg)
	a.InitSupport()
	id, err := a.CreateContext(0, ce.DefaultValue, ce.DefaultValue)
	if err != nil {
		t.Fatalf("CreateContext() failed: %v", err)
	}
	t.Cleanup(func() {
		if err := a.Destroy(); err != nil {
			t.Errorf("Destroy() failed: %v", err)
		}
		if tsgs, channels, buffers := g.Open(); tsgs != 0 || channels != 0 || buffers != 0 {
			t.Errorf("leaked %d TSGs, %d channels, %d buffers", tsgs, channels, buffers)
		}
	})
	return g, a, id
}

func runGPU(t *testing.T, g *GPU) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func wait(t *testing.T, f *fence.Fence) {
	t.Helper()
	defer f.DecRef()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.Wait(ctx); err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
}

func read(t *testing.T, m surface.Mem, off int64, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := m.ReadAt(b, off); err != nil {
		t.Fatalf("ReadAt() failed: %v", err)
	}
	return b
}

func TestMemsetAndCopy(t *testing.T) {
	g, a, id := newGPU(t, true)
	runGPU(t, g)
	ctx := context.Background()

	f, err := a.ExecuteOps(ctx, id, &ce.Request{
		Dst:       0x1000,
		Size:      5000,
		Payload:   0xab,
		Launch:    abi.DstCoherent,
		Op:        abi.OpMemset,
		WantFence: true,
	})
	if err != nil {
		t.Fatalf("memset failed: %v", err)
	}
	wait(t, f)
	if got, want := read(t, g.sysmem, 0x1000, 5000), bytes.Repeat([]byte{0xab}, 5000); !bytes.Equal(got, want) {
		t.Errorf("memset did not fill the range")
	}
	if got := read(t, g.sysmem, 0x1000+5000, 1); got[0] != 0 {
		t.Errorf("memset overran its range")
	}

	f, err = a.ExecuteOps(ctx, id, &ce.Request{
		Src:       0x1000,
		Dst:       0x8000,
		Size:      5000,
		Launch:    abi.SrcCoherent | abi.DstLocalFB,
		Op:        abi.OpPhysModeTransfer,
		WantFence: true,
	})
	if err != nil {
		t.Fatalf("copy failed: %v", err)
	}
	wait(t, f)
	if got := read(t, g.vidmem, 0x8000, 5000); !bytes.Equal(got, bytes.Repeat([]byte{0xab}, 5000)) {
		t.Errorf("copy to vidmem did not land")
	}
	if got := g.Executed.Load(); got != 10000 {
		t.Errorf("Executed = %d, want 10000", got)
	}
}

// TestSlotReuseOrdering queues a full ring while the GPU is stopped. The
// GPU reads each command buffer slot when it runs the job, so a slot
// rewritten before its job ran would make that job fill the wrong range.
func TestSlotReuseOrdering(t *testing.T) {
	g, a, id := newGPU(t, false)
	ctx := context.Background()
	const n = abi.MaxInflightJobs + 1
	const stride = 256

	fences := make([]*fence.Fence, 0, n)
	for i := 0; i < abi.MaxInflightJobs; i++ {
		f, err := a.ExecuteOps(ctx, id, &ce.Request{
			Dst:       uint64(i * stride),
			Size:      stride,
			Payload:   uint32(i + 1),
			Op:        abi.OpMemset,
			WantFence: true,
		})
		if err != nil {
			t.Fatalf("ExecuteOps(%d) failed: %v", i, err)
		}
		fences = append(fences, f)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(20 * time.Millisecond)
		g.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	f, err := a.ExecuteOps(ctx, id, &ce.Request{
		Dst:       uint64(abi.MaxInflightJobs * stride),
		Size:      stride,
		Payload:   n,
		Op:        abi.OpMemset,
		WantFence: true,
	})
	if err != nil {
		t.Fatalf("ExecuteOps(%d) failed: %v", n-1, err)
	}
	if !fences[0].Signaled() {
		t.Errorf("slot 0 reused before its fence signaled")
	}
	fences = append(fences, f)
	for _, f := range fences {
		wait(t, f)
	}
	for i := 0; i < n; i++ {
		if got, want := read(t, g.sysmem, int64(i*stride), stride), bytes.Repeat([]byte{byte(i + 1)}, stride); !bytes.Equal(got, want) {
			t.Errorf("range %d not filled with %#x", i, i+1)
		}
	}
}

func TestFaultSignalsFence(t *testing.T) {
	g, a, id := newGPU(t, false)
	runGPU(t, g)

	f, err := a.ExecuteOps(context.Background(), id, &ce.Request{
		Dst:       memSize - 16,
		Size:      64,
		Op:        abi.OpMemset,
		WantFence: true,
	})
	if err != nil {
		t.Fatalf("ExecuteOps() failed: %v", err)
	}
	defer f.DecRef()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.Wait(ctx); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Wait() = %v, want the out of range access", err)
	}
	if got := g.Faults.Load(); got != 1 {
		t.Errorf("Faults = %d, want 1", got)
	}
}

func TestDecodeMethodsRejects(t *testing.T) {
	for _, tc := range []struct {
		name  string
		words []uint32
	}{
		{"non-incrementing", []uint32{0x60018000, 1}},
		{"truncated", []uint32{0x20068102, 0, 0}},
		{"launch without object", []uint32{0x200181c2, 4, 0x200180c0, 0x2585}},
		{"launch without op", []uint32{0x20018000, 1, 0x200180c0, 0x2185}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeMethods(tc.words); !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("DecodeMethods() = %v, want EINVAL", err)
			}
		})
	}
}
