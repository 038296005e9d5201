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
package ce_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	abi "github.com/gpufw/gpufw/pkg/abi/ce"
	"github.com/gpufw/gpufw/pkg/ce"
	"github.com/gpufw/gpufw/pkg/config"
	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
	"github.com/gpufw/gpufw/pkg/fence"
	"github.com/gpufw/gpufw/pkg/sim"
	"github.com/gpufw/gpufw/pkg/sync"
)

const testClass = abi.AmpereDMACopyA

var errInjected = errors.New("injected failure")

// mockDevice records everything a CE context does to it. Fences it hands out
// are signaled at submit time unless hold is set.
type mockDevice struct {
	vidmem bool
	failAt string
	hold   bool

	mu       sync.Mutex
	tsgs     int
	channels int
	buffers  int
	buf      *mockBuffer
	fences   []*fence.Fence
	entries  []ce.GPFIFOEntry

	// slot0 is a copy of the first command buffer slot at each submit.
	slot0 [][]byte
}

func (d *mockDevice) fail(step string) error {
	if d.failAt == step {
		return fmt.Errorf("%s: %w", step, errInjected)
	}
	return nil
}

func (d *mockDevice) OpenTSG() (ce.TSG, error) {
	if err := d.fail("tsg"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tsgs++
	return &mockTSG{d: d}, nil
}

func (d *mockDevice) OpenChannel(runlist uint32, privileged bool) (ce.Channel, error) {
	if err := d.fail("channel"); err != nil {
		return nil, err
	}
	if !privileged {
		return nil, fmt.Errorf("CE channels must be privileged: %w", linuxerr.EINVAL)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels++
	return &mockChannel{d: d}, nil
}

func (d *mockDevice) AllocSysmem(size uint64) (ce.Buffer, error) {
	if err := d.fail("alloc"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffers++
	b := make([]byte, size)
	for i := range b {
		b[i] = 0x5a
	}
	d.buf = &mockBuffer{d: d, va: 0x10000, b: b}
	return d.buf, nil
}

func (d *mockDevice) DMACopyClass() uint32 { return testClass }

func (d *mockDevice) HasVidmem() bool { return d.vidmem }

func (d *mockDevice) open() (tsgs, channels, buffers int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tsgs, d.channels, d.buffers
}

func (d *mockDevice) submits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *mockDevice) fence(i int) *fence.Fence {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fences[i]
}

type mockTSG struct {
	d         *mockDevice
	abortable bool
}

func (t *mockTSG) Bind(ce.Channel) error       { return t.d.fail("bind") }
func (t *mockTSG) SetAbortable(abortable bool) { t.abortable = abortable }
func (t *mockTSG) SetTimeslice(uint32) error   { return t.d.fail("timeslice") }
func (t *mockTSG) SetInterleave(uint32) error  { return t.d.fail("interleave") }

func (t *mockTSG) DecRef() {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	t.d.tsgs--
}

type mockChannel struct {
	d *mockDevice
}

func (c *mockChannel) SetupBind(entries uint32) error {
	return c.d.fail("setup")
}

func (c *mockChannel) Submit(e ce.GPFIFOEntry, flags uint32) (*fence.Fence, error) {
	if flags&abi.SubmitFlagsFenceGet == 0 {
		return nil, fmt.Errorf("no post fence requested: %w", linuxerr.EINVAL)
	}
	d := c.d
	d.mu.Lock()
	defer d.mu.Unlock()
	f := fence.New(uint64(len(d.fences)), nil)
	if !d.hold {
		f.Signal(nil)
	}
	d.fences = append(d.fences, f)
	d.entries = append(d.entries, e)
	d.slot0 = append(d.slot0, append([]byte(nil), d.buf.b[:abi.MaxCommandBuffBytesPerSubmit]...))
	return f, nil
}

func (c *mockChannel) Close() error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.channels--
	return nil
}

type mockBuffer struct {
	d  *mockDevice
	va uint64
	b  []byte
}

func (b *mockBuffer) Bytes() []byte { return b.b }
func (b *mockBuffer) GPUVA() uint64 { return b.va }

func (b *mockBuffer) Free() error {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	b.d.buffers--
	return nil
}

func newApp(t *testing.T, d *mockDevice, pollTimeout time.Duration) *ce.App {
	t.Helper()
	cfg := config.Default().CE
	if pollTimeout != 0 {
		cfg.PollTimeout = config.Duration(pollTimeout)
	}
	a := ce.NewApp(d, &cfg)
	a.InitSupport()
	t.Cleanup(func() {
		if err := a.Destroy(); err != nil {
			t.Errorf("Destroy() failed: %v", err)
		}
	})
	return a
}

func createContext(t *testing.T, a *ce.App) uint32 {
	t.Helper()
	id, err := a.CreateContext(0, ce.DefaultValue, ce.DefaultValue)
	if err != nil {
		t.Fatalf("CreateContext() failed: %v", err)
	}
	return id
}

func memset(dst uint64, payload uint32) *ce.Request {
	return &ce.Request{
		Dst:     dst,
		Size:    4096,
		Payload: payload,
		Launch:  abi.DstCoherent | abi.DstPitch,
		Op:      abi.OpMemset,
	}
}

func TestSlotReuseWaitsForFence(t *testing.T) {
	d := &mockDevice{hold: true}
	a := newApp(t, d, 0)
	id := createContext(t, a)
	ctx := context.Background()

	for i := 0; i < abi.MaxInflightJobs; i++ {
		if _, err := a.ExecuteOps(ctx, id, memset(0, uint32(i))); err != nil {
			t.Fatalf("ExecuteOps(%d) failed: %v", i, err)
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := a.ExecuteOps(ctx, id, memset(0, 0xff))
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("ExecuteOps() into a busy slot returned %v before its fence was signaled", err)
	case <-time.After(20 * time.Millisecond):
	}
	if got := d.submits(); got != abi.MaxInflightJobs {
		t.Fatalf("%d submits while slot 0 is busy, want %d", got, abi.MaxInflightJobs)
	}
	first := d.fence(0)
	first.Signal(nil)
	if err := <-done; err != nil {
		t.Fatalf("ExecuteOps() after the fence signaled failed: %v", err)
	}
	if !first.Released() {
		t.Errorf("fence of the reused slot was not released")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.entries {
		want := d.buf.va + uint64(i%abi.MaxInflightJobs)*abi.MaxCommandBuffBytesPerSubmit
		if e.GPUVA != want {
			t.Errorf("submit %d at %#x, want %#x", i, e.GPUVA, want)
		}
	}
	// Slot 0 is written by the first submit and not again until the
	// last one.
	for i := 1; i < abi.MaxInflightJobs; i++ {
		if diff := cmp.Diff(d.slot0[0], d.slot0[i]); diff != "" {
			t.Errorf("slot 0 changed by submit %d (-first +got):\n%s", i, diff)
		}
	}
	if cmp.Equal(d.slot0[0], d.slot0[abi.MaxInflightJobs]) {
		t.Errorf("slot 0 not rewritten by submit %d", abi.MaxInflightJobs)
	}
}

func TestFenceWaitTimeout(t *testing.T) {
	d := &mockDevice{hold: true}
	a := newApp(t, d, 10*time.Millisecond)
	id := createContext(t, a)
	ctx := context.Background()

	for i := 0; i < abi.MaxInflightJobs; i++ {
		if _, err := a.ExecuteOps(ctx, id, memset(0, 0)); err != nil {
			t.Fatalf("ExecuteOps(%d) failed: %v", i, err)
		}
	}
	if _, err := a.ExecuteOps(ctx, id, memset(0, 0)); !linuxerr.Equals(linuxerr.ETIMEDOUT, err) {
		t.Fatalf("ExecuteOps() into a stuck slot = %v, want ETIMEDOUT", err)
	}
	if got := d.submits(); got != abi.MaxInflightJobs {
		t.Errorf("%d submits, want %d", got, abi.MaxInflightJobs)
	}
	if !d.fence(0).Released() {
		t.Errorf("stale fence not released after a failed wait")
	}
	// The slot no longer holds a fence.
	if _, err := a.ExecuteOps(ctx, id, memset(0, 0)); err != nil {
		t.Errorf("ExecuteOps() after the timeout failed: %v", err)
	}
}

func TestFenceOut(t *testing.T) {
	d := &mockDevice{}
	a := newApp(t, d, 0)
	id := createContext(t, a)

	req := memset(0x1000, 7)
	req.WantFence = true
	f, err := a.ExecuteOps(context.Background(), id, req)
	if err != nil {
		t.Fatalf("ExecuteOps() failed: %v", err)
	}
	if f == nil {
		t.Fatalf("ExecuteOps() returned no fence")
	}
	if got := f.ReadRefs(); got != 2 {
		t.Errorf("ReadRefs() = %d, want 2", got)
	}
	if err := a.DeleteContext(id); err != nil {
		t.Fatalf("DeleteContext() failed: %v", err)
	}
	if f.Released() {
		t.Fatalf("fence released while the caller holds it")
	}
	f.DecRef()
	if !f.Released() {
		t.Errorf("fence not released after the last DecRef")
	}
}

func TestPrepareSubmitEncoding(t *testing.T) {
	buf := make([]uint32, ce.MaxSubmitWords)
	flags := abi.SrcLocalFB | abi.SrcBlockLinear | abi.DstNonCoherent | abi.DstPitch
	n, err := ce.PrepareSubmit(buf, 0x12_3456_7890, 0xab_cdef_0000, 0x100, 0, flags, abi.OpPhysModeTransfer, testClass)
	if err != nil {
		t.Fatalf("PrepareSubmit() failed: %v", err)
	}
	want := []uint32{
		0x20018000, testClass,
		0x20028100, 0x12, 0x34567890,
		0x20018098, 0,
		0x20068102, 0xab, 0xcdef0000, 0x100, 0x100, 0x100, 1,
		0x20018099, 2,
		0x200180c0, 0x3105,
	}
	if diff := cmp.Diff(want, buf[:n]); diff != "" {
		t.Errorf("method stream mismatch (-want +got):\n%s", diff)
	}

	n, err = ce.PrepareSubmit(buf, 0, 0x2000, 0x10, 0xee, abi.DstCoherent, abi.OpMemset, testClass)
	if err != nil {
		t.Fatalf("PrepareSubmit() failed: %v", err)
	}
	want = []uint32{
		0x20018000, testClass,
		0x200181c2, 4,
		0x200181c0, 0xee,
		0x20068102, 0, 0x2000, 0x10, 0x10, 0x10, 1,
		0x20018099, 1,
		0x200180c0, 0x2585,
	}
	if diff := cmp.Diff(want, buf[:n]); diff != "" {
		t.Errorf("memset method stream mismatch (-want +got):\n%s", diff)
	}
}

func TestLargeTransferSplit(t *testing.T) {
	for _, tc := range []struct {
		name string
		size uint64
	}{
		{"3x2GiB", 3 << 31},
		{"3x2GiB+tail", 3<<31 + 12345},
		{"below 2GiB", 0x7fffffff},
		{"max", 0xffffffff<<31 | 0x7fffffff},
	} {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]uint32, ce.MaxSubmitWords)
			const dst = 0x40_0000_0000
			n, err := ce.PrepareSubmit(buf, 0, dst, tc.size, 0, abi.DstLocalFB, abi.OpMemset, testClass)
			if err != nil {
				t.Fatalf("PrepareSubmit(%#x) failed: %v", tc.size, err)
			}
			ts, err := sim.DecodeMethods(buf[:n])
			if err != nil {
				t.Fatalf("DecodeMethods() failed: %v", err)
			}
			low, hi := tc.size&0x7fffffff, tc.size>>31
			var want []sim.Transfer
			if low != 0 {
				want = append(want, sim.Transfer{Dst: dst, LineLength: uint32(low), LineCount: 1})
			}
			if hi != 0 {
				want = append(want, sim.Transfer{Dst: dst + low, LineLength: 0x80000000, LineCount: uint32(hi)})
			}
			got := make([]sim.Transfer, len(ts))
			var total uint64
			for i, tr := range ts {
				got[i] = sim.Transfer{Dst: tr.Dst, LineLength: tr.LineLength, LineCount: tr.LineCount}
				total += tr.Bytes()
				if tr.Op != abi.OpMemset || tr.Class != testClass {
					t.Errorf("transfer %d: op %v class %#x, want memset %#x", i, tr.Op, tr.Class, testClass)
				}
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("transfers mismatch (-want +got):\n%s", diff)
			}
			if total != tc.size {
				t.Errorf("transfers move %#x bytes, want %#x", total, tc.size)
			}
		})
	}
}

func TestPrepareSubmitRejects(t *testing.T) {
	buf := make([]uint32, ce.MaxSubmitWords)
	if _, err := ce.PrepareSubmit(buf, 0, 0, 1<<63, 0, 0, abi.OpMemset, testClass); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("PrepareSubmit(1<<63) = %v, want EINVAL", err)
	}
	if _, err := ce.PrepareSubmit(buf[:10], 0, 0, 16, 0, 0, abi.OpMemset, testClass); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("PrepareSubmit() into a short buffer = %v, want EINVAL", err)
	}
}

func TestLocalFBWithoutVidmem(t *testing.T) {
	d := &mockDevice{}
	a := newApp(t, d, 0)
	id := createContext(t, a)
	req := &ce.Request{
		Src:    0x1000,
		Dst:    0x2000,
		Size:   64,
		Launch: abi.SrcLocalFB | abi.DstLocalFB,
		Op:     abi.OpPhysModeTransfer,
	}
	if _, err := a.ExecuteOps(context.Background(), id, req); err != nil {
		t.Fatalf("ExecuteOps() failed: %v", err)
	}
	d.mu.Lock()
	e := d.entries[0]
	words := make([]uint32, e.Words)
	for i := range words {
		off := e.GPUVA - d.buf.va + uint64(4*i)
		b := d.buf.b[off : off+4]
		words[i] = uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	}
	d.mu.Unlock()
	ts, err := sim.DecodeMethods(words)
	if err != nil {
		t.Fatalf("DecodeMethods() failed: %v", err)
	}
	if len(ts) != 1 {
		t.Fatalf("got %d transfers, want 1", len(ts))
	}
	if ts[0].SrcTarget != abi.TargetCoherentSysmem || ts[0].DstTarget != abi.TargetCoherentSysmem {
		t.Errorf("targets = %d, %d, want sysmem on a GPU without vidmem", ts[0].SrcTarget, ts[0].DstTarget)
	}
}

func TestContextIDsMonotonic(t *testing.T) {
	d := &mockDevice{}
	a := newApp(t, d, 0)

	seen := make(map[uint32]bool)
	var last uint32
	live := []uint32{}
	for i := 0; i < 10; i++ {
		id := createContext(t, a)
		if seen[id] {
			t.Fatalf("id %d reused", id)
		}
		if i > 0 && id <= last {
			t.Fatalf("id %d after %d", id, last)
		}
		seen[id] = true
		last = id
		live = append(live, id)
		if i%3 == 2 {
			if err := a.DeleteContext(live[0]); err != nil {
				t.Fatalf("DeleteContext(%d) failed: %v", live[0], err)
			}
			live = live[1:]
		}
	}
	if got := a.ContextCount(); got != len(live) {
		t.Errorf("ContextCount() = %d, want %d", got, len(live))
	}
}

func TestExecuteOpsValidation(t *testing.T) {
	d := &mockDevice{}
	a := newApp(t, d, 0)
	id := createContext(t, a)
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		id   uint32
		mut  func(*ce.Request)
	}{
		{"empty", id, func(r *ce.Request) { r.Size = 0 }},
		{"bad op", id, func(r *ce.Request) { r.Op = 0 }},
		{"both ops", id, func(r *ce.Request) { r.Op = abi.OpMemset | abi.OpPhysModeTransfer }},
		{"src out of range", id, func(r *ce.Request) { r.Src = abi.MaxAddress + 1 }},
		{"dst out of range", id, func(r *ce.Request) { r.Dst = abi.MaxAddress + 1 }},
		{"unknown context", id + 1, func(*ce.Request) {}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := memset(0, 0)
			tc.mut(req)
			if _, err := a.ExecuteOps(ctx, tc.id, req); !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("ExecuteOps() = %v, want EINVAL", err)
			}
		})
	}
	if got := d.submits(); got != 0 {
		t.Errorf("%d submits for invalid requests", got)
	}
}

func TestCreateContextRollback(t *testing.T) {
	for _, step := range []string{"tsg", "channel", "bind", "setup", "alloc", "timeslice", "interleave"} {
		t.Run(step, func(t *testing.T) {
			d := &mockDevice{failAt: step}
			a := newApp(t, d, 0)
			if _, err := a.CreateContext(0, 1000, 1); !errors.Is(err, errInjected) {
				t.Fatalf("CreateContext() = %v, want the injected failure", err)
			}
			tsgs, channels, buffers := d.open()
			if tsgs != 0 || channels != 0 || buffers != 0 {
				t.Errorf("leaked %d TSGs, %d channels, %d buffers", tsgs, channels, buffers)
			}
			if got := a.ContextCount(); got != 0 {
				t.Errorf("ContextCount() = %d, want 0", got)
			}
			d.failAt = ""
			if id := createContext(t, a); id != 0 {
				t.Errorf("first successful CreateContext() = %d, want 0", id)
			}
		})
	}
}

func TestCommandBufferZeroed(t *testing.T) {
	d := &mockDevice{}
	a := newApp(t, d, 0)
	createContext(t, a)
	want := make([]byte, abi.MaxInflightJobs*abi.MaxCommandBuffBytesPerSubmit)
	if diff := cmp.Diff(want, d.buf.b); diff != "" {
		t.Errorf("command buffer not zeroed (-want +got):\n%s", diff)
	}
}

func TestSuspendAndDestroy(t *testing.T) {
	d := &mockDevice{}
	cfg := config.Default().CE
	a := ce.NewApp(d, &cfg)
	ctx := context.Background()

	if _, err := a.CreateContext(0, ce.DefaultValue, ce.DefaultValue); !linuxerr.Equals(linuxerr.EPERM, err) {
		t.Fatalf("CreateContext() before InitSupport = %v, want EPERM", err)
	}
	a.InitSupport()
	id := createContext(t, a)
	createContext(t, a)

	a.Suspend()
	if _, err := a.ExecuteOps(ctx, id, memset(0, 0)); !linuxerr.Equals(linuxerr.EPERM, err) {
		t.Errorf("ExecuteOps() while suspended = %v, want EPERM", err)
	}
	if _, err := a.CreateContext(0, ce.DefaultValue, ce.DefaultValue); !linuxerr.Equals(linuxerr.EPERM, err) {
		t.Errorf("CreateContext() while suspended = %v, want EPERM", err)
	}

	// Resuming keeps the contexts.
	a.InitSupport()
	if _, err := a.ExecuteOps(ctx, id, memset(0, 0)); err != nil {
		t.Errorf("ExecuteOps() after resume failed: %v", err)
	}

	if err := a.Destroy(); err != nil {
		t.Fatalf("Destroy() failed: %v", err)
	}
	if tsgs, channels, buffers := d.open(); tsgs != 0 || channels != 0 || buffers != 0 {
		t.Errorf("leaked %d TSGs, %d channels, %d buffers", tsgs, channels, buffers)
	}
	if !d.fence(0).Released() {
		t.Errorf("fence still referenced after Destroy")
	}
	if _, err := a.ExecuteOps(ctx, id, memset(0, 0)); !linuxerr.Equals(linuxerr.EPERM, err) {
		t.Errorf("ExecuteOps() after Destroy = %v, want EPERM", err)
	}

	a.InitSupport()
	if id := createContext(t, a); id != 0 {
		t.Errorf("CreateContext() after re-init = %d, want 0", id)
	}
	if err := a.Destroy(); err != nil {
		t.Errorf("Destroy() failed: %v", err)
	}
}
