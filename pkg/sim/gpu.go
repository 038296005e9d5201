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
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/btree"
	abi "github.com/gpufw/gpufw/pkg/abi/ce"
	"github.com/gpufw/gpufw/pkg/binary"
	"github.com/gpufw/gpufw/pkg/ce"
	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
	"github.com/gpufw/gpufw/pkg/fence"
	"github.com/gpufw/gpufw/pkg/log"
	"github.com/gpufw/gpufw/pkg/refs"
	"github.com/gpufw/gpufw/pkg/surface"
	"github.com/gpufw/gpufw/pkg/sync"
)

const (
	// sysmemVABase is the first GPU virtual address handed out for
	// system memory buffers.
	sysmemVABase = 0x1_0000_0000

	pageSize = 4096

	// copyChunk bounds the bytes moved by one surface access.
	copyChunk = 64 << 10
)

// GPU is a GPU with one copy engine. Physical addresses in copy engine
// methods select Sysmem or, for local FB targets, Vidmem. Command buffers
// live in a separate GPU virtual address space.
type GPU struct {
	class  uint32
	sysmem surface.Mem
	vidmem surface.Mem

	mu sync.Mutex
	// +checklocks:mu
	buffers *btree.BTreeG[*sysBuf]
	// +checklocks:mu
	nextVA uint64
	// +checklocks:mu
	tsgs int
	// +checklocks:mu
	channels int

	jobs      chan job
	nextFence atomic.Uint64

	// Executed counts the bytes moved by completed transfers.
	Executed atomic.Uint64
	// Faults counts jobs that ended in an error.
	Faults atomic.Uint64
}

var _ ce.Device = (*GPU)(nil)

// NewGPU returns a GPU of the given copy class. vidmem may be nil for a GPU
// without local memory. At most depth jobs may be queued.
func NewGPU(class uint32, sysmem, vidmem surface.Mem, depth int) *GPU {
	return &GPU{
		class:   class,
		sysmem:  sysmem,
		vidmem:  vidmem,
		buffers: btree.NewG(8, func(a, b *sysBuf) bool { return a.va < b.va }),
		nextVA:  sysmemVABase,
		jobs:    make(chan job, depth),
	}
}

// DMACopyClass implements ce.Device.DMACopyClass.
func (g *GPU) DMACopyClass() uint32 {
	return g.class
}

// HasVidmem implements ce.Device.HasVidmem.
func (g *GPU) HasVidmem() bool {
	return g.vidmem != nil
}

// OpenTSG implements ce.Device.OpenTSG.
func (g *GPU) OpenTSG() (ce.TSG, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tsgs++
	t := &tsg{gpu: g, abortable: true}
	t.refs.InitRefs()
	return t, nil
}

// OpenChannel implements ce.Device.OpenChannel.
func (g *GPU) OpenChannel(runlist uint32, privileged bool) (ce.Channel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channels++
	return &channel{gpu: g, runlist: runlist, privileged: privileged}, nil
}

// AllocSysmem implements ce.Device.AllocSysmem.
func (g *GPU) AllocSysmem(size uint64) (ce.Buffer, error) {
	if size == 0 {
		return nil, linuxerr.EINVAL
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	b := &sysBuf{gpu: g, va: g.nextVA, b: make([]byte, size)}
	g.nextVA += (size + pageSize - 1) &^ (pageSize - 1)
	g.buffers.ReplaceOrInsert(b)
	return b, nil
}

// Open returns the number of open TSGs, channels and sysmem buffers.
func (g *GPU) Open() (tsgs, channels, buffers int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tsgs, g.channels, g.buffers.Len()
}

// readWords reads the method stream of e.
func (g *GPU) readWords(e ce.GPFIFOEntry) ([]uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var buf *sysBuf
	g.buffers.DescendLessOrEqual(&sysBuf{va: e.GPUVA}, func(b *sysBuf) bool {
		buf = b
		return false
	})
	n := uint64(e.Words) * 4
	if buf == nil || e.GPUVA+n > buf.va+uint64(len(buf.b)) {
		return nil, fmt.Errorf("GPFIFO entry [%#x, +%#x) is not mapped: %w", e.GPUVA, n, linuxerr.ERANGE)
	}
	off := e.GPUVA - buf.va
	words := make([]uint32, e.Words)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(buf.b[off+uint64(4*i):])
	}
	return words, nil
}

// job is a submitted GPFIFO entry. It holds a reference on f.
type job struct {
	ch    *channel
	entry ce.GPFIFOEntry
	f     *fence.Fence
}

// Run executes queued jobs until ctx is done.
func (g *GPU) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-g.jobs:
			err := g.execute(j)
			if err != nil {
				g.Faults.Add(1)
				log.Warningf("gpu: job on runlist %d faulted: %v", j.ch.runlist, err)
			}
			j.f.Signal(err)
			j.f.DecRef()
		}
	}
}

func (g *GPU) execute(j job) error {
	// The command buffer is read when the job runs, not when it was
	// submitted.
	words, err := g.readWords(j.entry)
	if err != nil {
		return err
	}
	ts, err := DecodeMethods(words)
	if err != nil {
		return err
	}
	for i := range ts {
		if err := g.transfer(&ts[i]); err != nil {
			return err
		}
		g.Executed.Add(ts[i].Bytes())
	}
	return nil
}

func (g *GPU) mem(target uint32) (surface.Mem, error) {
	switch target {
	case abi.TargetLocalFB:
		if g.vidmem == nil {
			return nil, fmt.Errorf("local FB access on a GPU without vidmem: %w", linuxerr.ENODEV)
		}
		return g.vidmem, nil
	case abi.TargetCoherentSysmem, abi.TargetNonCoherent:
		return g.sysmem, nil
	default:
		return nil, fmt.Errorf("unknown aperture %d: %w", target, linuxerr.EINVAL)
	}
}

// transfer runs t line by line.
func (g *GPU) transfer(t *Transfer) error {
	dst, err := g.mem(t.DstTarget)
	if err != nil {
		return err
	}
	var src surface.Mem
	if t.Op == abi.OpPhysModeTransfer {
		if src, err = g.mem(t.SrcTarget); err != nil {
			return err
		}
	}
	chunk := make([]byte, min(uint64(copyChunk), uint64(t.LineLength)))
	if t.Op == abi.OpMemset {
		for i := range chunk {
			chunk[i] = byte(t.Payload)
		}
	}
	for line := uint64(0); line < uint64(t.LineCount); line++ {
		for done := uint64(0); done < uint64(t.LineLength); {
			n := min(uint64(len(chunk)), uint64(t.LineLength)-done)
			p := chunk[:n]
			if src != nil {
				if _, err := src.ReadAt(p, int64(t.Src+line*uint64(t.PitchIn)+done)); err != nil {
					return err
				}
			}
			if _, err := dst.WriteAt(p, int64(t.Dst+line*uint64(t.PitchOut)+done)); err != nil {
				return err
			}
			done += n
		}
	}
	return nil
}

// tsg implements ce.TSG.
type tsg struct {
	gpu  *GPU
	refs refs.Refs

	mu sync.Mutex
	// +checklocks:mu
	abortable bool
	// +checklocks:mu
	timeslice uint32
	// +checklocks:mu
	interleave uint32
	// +checklocks:mu
	bound map[*channel]struct{}
}

// Bind implements ce.TSG.Bind.
func (t *tsg) Bind(c ce.Channel) error {
	ch, ok := c.(*channel)
	if !ok || ch.gpu != t.gpu {
		return fmt.Errorf("channel of another device: %w", linuxerr.EINVAL)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bound == nil {
		t.bound = make(map[*channel]struct{})
	}
	t.bound[ch] = struct{}{}
	t.refs.IncRef()
	ch.mu.Lock()
	ch.tsg = t
	ch.mu.Unlock()
	return nil
}

func (t *tsg) unbind(ch *channel) {
	t.mu.Lock()
	delete(t.bound, ch)
	t.mu.Unlock()
	t.DecRef()
}

// SetAbortable implements ce.TSG.SetAbortable.
func (t *tsg) SetAbortable(abortable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abortable = abortable
}

// SetTimeslice implements ce.TSG.SetTimeslice.
func (t *tsg) SetTimeslice(us uint32) error {
	if us == 0 {
		return linuxerr.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeslice = us
	return nil
}

// SetInterleave implements ce.TSG.SetInterleave.
func (t *tsg) SetInterleave(level uint32) error {
	if level > 2 {
		return fmt.Errorf("interleave level %d: %w", level, linuxerr.EINVAL)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interleave = level
	return nil
}

// DecRef implements ce.TSG.DecRef.
func (t *tsg) DecRef() {
	t.refs.DecRef(func() {
		t.gpu.mu.Lock()
		t.gpu.tsgs--
		t.gpu.mu.Unlock()
	})
}

// channel implements ce.Channel.
type channel struct {
	gpu        *GPU
	runlist    uint32
	privileged bool

	mu sync.Mutex
	// +checklocks:mu
	tsg *tsg
	// +checklocks:mu
	entries uint32
	// +checklocks:mu
	closed bool
}

// SetupBind implements ce.Channel.SetupBind.
func (c *channel) SetupBind(entries uint32) error {
	if entries == 0 || entries&(entries-1) != 0 {
		return fmt.Errorf("GPFIFO of %d entries: %w", entries, linuxerr.EINVAL)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tsg == nil {
		return fmt.Errorf("channel is not in a TSG: %w", linuxerr.EINVAL)
	}
	c.entries = entries
	return nil
}

// Submit implements ce.Channel.Submit.
func (c *channel) Submit(e ce.GPFIFOEntry, flags uint32) (*fence.Fence, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, linuxerr.ENODEV
	}
	if c.entries == 0 {
		return nil, fmt.Errorf("channel is not set up: %w", linuxerr.EINVAL)
	}
	f := fence.New(c.gpu.nextFence.Add(1), nil)
	f.IncRef() // For the job.
	select {
	case c.gpu.jobs <- job{ch: c, entry: e, f: f}:
	default:
		f.DecRef()
		f.DecRef()
		return nil, linuxerr.EAGAIN
	}
	if flags&abi.SubmitFlagsFenceGet == 0 {
		f.DecRef()
		return nil, nil
	}
	return f, nil
}

// Close implements ce.Channel.Close.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return linuxerr.EINVAL
	}
	c.closed = true
	t := c.tsg
	c.tsg = nil
	c.mu.Unlock()

	if t != nil {
		t.unbind(c)
	}
	c.gpu.mu.Lock()
	c.gpu.channels--
	c.gpu.mu.Unlock()
	return nil
}

// sysBuf implements ce.Buffer.
type sysBuf struct {
	gpu *GPU
	va  uint64
	b   []byte
}

// Bytes implements ce.Buffer.Bytes.
func (b *sysBuf) Bytes() []byte {
	return b.b
}

// GPUVA implements ce.Buffer.GPUVA.
func (b *sysBuf) GPUVA() uint64 {
	return b.va
}

// Free implements ce.Buffer.Free.
func (b *sysBuf) Free() error {
	b.gpu.mu.Lock()
	defer b.gpu.mu.Unlock()
	if _, ok := b.gpu.buffers.Delete(b); !ok {
		return fmt.Errorf("buffer at %#x already freed: %w", b.va, linuxerr.EINVAL)
	}
	return nil
}
