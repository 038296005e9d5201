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
// Package ce implements the copy-engine application: kernel-owned CE
// contexts that memset and copy GPU memory through a ring of command
// buffer slots, each slot protected by the post fence of its last
// submission.
package ce

import (
	"context"
	"fmt"
	"sync/atomic"

	abi "github.com/gpufw/gpufw/pkg/abi/ce"
	"github.com/gpufw/gpufw/pkg/cleanup"
	"github.com/gpufw/gpufw/pkg/config"
	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
	"github.com/gpufw/gpufw/pkg/fence"
	"github.com/gpufw/gpufw/pkg/log"
	"github.com/gpufw/gpufw/pkg/sync"
	"go.uber.org/multierr"
)

// DefaultValue asks CreateContext to keep the device default for timeslice
// or interleave level.
const DefaultValue = -1

// App owns the CE contexts of a device.
type App struct {
	dev Device
	cfg config.CE

	// state is AppStateActive or AppStateSuspend. It is read without mu.
	state atomic.Uint32

	mu sync.Mutex
	// +checklocks:mu
	initialized bool
	// +checklocks:mu
	contexts map[uint32]*gpuCtx
	// +checklocks:mu
	nextID uint32
}

// NewApp returns a suspended, uninitialized app for dev.
func NewApp(dev Device, cfg *config.CE) *App {
	return &App{
		dev:      dev,
		cfg:      *cfg,
		contexts: make(map[uint32]*gpuCtx),
	}
}

// InitSupport initializes the app and makes it active. Calling it on an
// initialized app, as happens across GPU power cycles, only reactivates it.
func (a *App) InitSupport() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		a.state.Store(abi.AppStateActive)
		return
	}
	log.Debugf("ce: init")
	a.contexts = make(map[uint32]*gpuCtx)
	a.nextID = 0
	a.initialized = true
	a.state.Store(abi.AppStateActive)
}

// Suspend stops new work from being accepted. Contexts stay allocated.
func (a *App) Suspend() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return
	}
	a.state.Store(abi.AppStateSuspend)
}

// Active returns true if the app accepts work.
func (a *App) Active() bool {
	return a.state.Load() == abi.AppStateActive
}

// Destroy suspends the app and deletes every context. The app must be
// initialized again before further use.
func (a *App) Destroy() error {
	a.state.Store(abi.AppStateSuspend)

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return nil
	}
	a.initialized = false
	var errs error
	for id, c := range a.contexts {
		errs = multierr.Append(errs, c.destroy())
		delete(a.contexts, id)
	}
	a.nextID = 0
	return errs
}

// ContextCount returns the number of live contexts.
func (a *App) ContextCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.contexts)
}

// CreateContext opens a CE context on runlist and returns its id. timeslice
// (in microseconds) and interleave level are applied unless DefaultValue.
func (a *App) CreateContext(runlist uint32, timeslice, interleave int) (uint32, error) {
	if !a.Active() {
		return abi.InvalCtxID, linuxerr.EPERM
	}

	c := &gpuCtx{}
	cu := cleanup.Make(func() {
		if err := c.destroy(); err != nil {
			log.Warningf("ce: releasing partially created context: %v", err)
		}
	})
	defer cu.Clean()

	var err error
	if c.tsg, err = a.dev.OpenTSG(); err != nil {
		return abi.InvalCtxID, fmt.Errorf("ce: TSG not available: %w", err)
	}
	// Engine recovery of client contexts must not take this one down.
	c.tsg.SetAbortable(false)

	// A kernel client always gets a privileged channel.
	if c.ch, err = a.dev.OpenChannel(runlist, true); err != nil {
		return abi.InvalCtxID, fmt.Errorf("ce: channel not available: %w", err)
	}
	if err := c.tsg.Bind(c.ch); err != nil {
		return abi.InvalCtxID, fmt.Errorf("ce: unable to bind to TSG: %w", err)
	}
	if err := c.ch.SetupBind(a.cfg.GPFIFOEntries); err != nil {
		return abi.InvalCtxID, fmt.Errorf("ce: unable to set up channel: %w", err)
	}

	if c.buf, err = a.dev.AllocSysmem(abi.MaxInflightJobs * abi.MaxCommandBuffBytesPerSubmit); err != nil {
		return abi.InvalCtxID, fmt.Errorf("ce: command buffer allocation: %w", err)
	}
	clear(c.buf.Bytes())

	if timeslice != DefaultValue {
		if timeslice < 0 {
			return abi.InvalCtxID, fmt.Errorf("ce: timeslice %d: %w", timeslice, linuxerr.EINVAL)
		}
		if err := c.tsg.SetTimeslice(uint32(timeslice)); err != nil {
			return abi.InvalCtxID, fmt.Errorf("ce: set timeslice: %w", err)
		}
	}
	if interleave != DefaultValue {
		if interleave < 0 {
			return abi.InvalCtxID, fmt.Errorf("ce: interleave level %d: %w", interleave, linuxerr.EINVAL)
		}
		if err := c.tsg.SetInterleave(uint32(interleave)); err != nil {
			return abi.InvalCtxID, fmt.Errorf("ce: set interleave: %w", err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return abi.InvalCtxID, linuxerr.EPERM
	}
	c.id = a.nextID
	a.nextID++
	c.state.Store(abi.ContextAllocated)
	a.contexts[c.id] = c
	cu.Release()
	log.Debugf("ce: created context %d on runlist %d", c.id, runlist)
	return c.id, nil
}

// DeleteContext tears down context id. Its outstanding fences are dropped
// without waiting.
func (a *App) DeleteContext(id uint32) error {
	if !a.Active() {
		return linuxerr.EPERM
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.contexts[id]
	if !ok {
		return fmt.Errorf("ce: no context %d: %w", id, linuxerr.EINVAL)
	}
	delete(a.contexts, id)
	return c.destroy()
}

// Request is one memset or physical-mode copy.
type Request struct {
	// Src is the source address of a copy. It is ignored by a memset.
	Src uint64

	// Dst is the destination address.
	Dst uint64

	// Size is the number of bytes to set or copy.
	Size uint64

	// Payload is the byte value of a memset.
	Payload uint32

	// Launch describes the source and destination memory.
	Launch abi.LaunchFlags

	// Op selects memset or copy.
	Op abi.Op

	// SubmitFlags are passed to the channel. SubmitFlagsFenceGet is
	// always added.
	SubmitFlags uint32

	// WantFence asks ExecuteOps to return the post fence.
	WantFence bool
}

func (a *App) lookup(id uint32) (*gpuCtx, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.contexts[id]
	return c, ok
}

// validLaunchFlags drops local memory locations on a device without video
// memory.
func (a *App) validLaunchFlags(f abi.LaunchFlags) abi.LaunchFlags {
	if !a.dev.HasVidmem() {
		f &^= abi.SrcLocalFB | abi.DstLocalFB
	}
	return f
}

// ExecuteOps submits req on context id. If req.WantFence is set, the
// returned fence carries a reference the caller must drop.
//
// Before a command buffer slot is reused, the fence of its previous
// submission is waited on for at most the poll timeout.
func (a *App) ExecuteOps(ctx context.Context, id uint32, req *Request) (*fence.Fence, error) {
	if !a.Active() {
		return nil, linuxerr.EPERM
	}
	if req.Size == 0 {
		return nil, fmt.Errorf("ce: empty request: %w", linuxerr.EINVAL)
	}
	if req.Op != abi.OpPhysModeTransfer && req.Op != abi.OpMemset {
		return nil, fmt.Errorf("ce: unsupported op %#x: %w", uint32(req.Op), linuxerr.EINVAL)
	}
	if req.Src > abi.MaxAddress || req.Dst > abi.MaxAddress {
		return nil, fmt.Errorf("ce: address out of range (src %#x, dst %#x): %w", req.Src, req.Dst, linuxerr.EINVAL)
	}

	c, ok := a.lookup(id)
	if !ok {
		return nil, fmt.Errorf("ce: no context %d: %w", id, linuxerr.EINVAL)
	}
	if c.state.Load() != abi.ContextAllocated {
		return nil, linuxerr.ENODEV
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Load() != abi.ContextAllocated {
		return nil, linuxerr.ENODEV
	}
	c.readQueueOffset %= abi.MaxInflightJobs
	slot := c.readQueueOffset

	if prev := c.postfences[slot]; prev != nil {
		wctx, cancel := context.WithTimeout(ctx, a.cfg.PollTimeout.D())
		err := prev.Wait(wctx)
		cancel()
		prev.DecRef()
		c.postfences[slot] = nil
		if err != nil {
			return nil, fmt.Errorf("ce: context %d slot %d still busy: %w", c.id, slot, err)
		}
	}

	var words [MaxSubmitWords]uint32
	n, err := PrepareSubmit(words[:], req.Src, req.Dst, req.Size, req.Payload, a.validLaunchFlags(req.Launch), req.Op, a.dev.DMACopyClass())
	if err != nil {
		return nil, err
	}
	off := slot * abi.MaxCommandBuffBytesPerSubmit
	putWords(c.buf.Bytes()[off:off+abi.MaxCommandBuffBytesPerSubmit], words[:n])

	// The slot needs the post fence whether or not the caller does.
	f, err := c.ch.Submit(GPFIFOEntry{GPUVA: c.buf.GPUVA() + uint64(off), Words: n}, req.SubmitFlags|abi.SubmitFlagsFenceGet)
	if err != nil {
		return nil, err
	}
	c.postfences[slot] = f
	c.readQueueOffset++
	if req.WantFence {
		f.IncRef()
		return f, nil
	}
	return nil, nil
}

// gpuCtx is one CE context: a channel in its own TSG and a command buffer
// of MaxInflightJobs slots.
type gpuCtx struct {
	id    uint32
	state atomic.Uint32

	// tsg, ch and buf are set before the context is published and cleared
	// by destroy under mu.
	tsg TSG
	ch  Channel
	buf Buffer

	mu sync.Mutex
	// +checklocks:mu
	postfences [abi.MaxInflightJobs]*fence.Fence
	// readQueueOffset counts submissions. It is reduced modulo
	// MaxInflightJobs when used.
	// +checklocks:mu
	readQueueOffset uint32
}

// destroy releases everything c holds. It may be called on a partially
// created context.
func (c *gpuCtx) destroy() error {
	c.state.Store(abi.ContextDeleted)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tsg != nil {
		c.tsg.SetAbortable(true)
	}
	var errs error
	if c.buf != nil {
		for i, f := range c.postfences {
			if f != nil {
				f.DecRef()
				c.postfences[i] = nil
			}
		}
		errs = multierr.Append(errs, c.buf.Free())
		c.buf = nil
	}
	if c.ch != nil {
		// Closing the channel also unbinds it from the TSG.
		errs = multierr.Append(errs, c.ch.Close())
		c.ch = nil
	}
	if c.tsg != nil {
		c.tsg.DecRef()
		c.tsg = nil
	}
	return errs
}
