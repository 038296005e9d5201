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

// Package pmu is the host side of the PMU command interface. It posts
// commands to the PMU falcon's command queues, tracks each one with a
// sequence until its response arrives on the message queue, and dispatches
// responses and unsolicited events.
//
// Commands travel either through FB queues in the super surface, with their
// payloads carried in the same element, or through DMEM queues with payloads
// placed in a DMEM heap. The mode is fixed at construction.
package pmu

import (
	"fmt"
	"sync/atomic"
	"time"

	abi "github.com/gpufw/gpufw/pkg/abi/falcon"
	"github.com/gpufw/gpufw/pkg/config"
	"github.com/gpufw/gpufw/pkg/engine"
	"github.com/gpufw/gpufw/pkg/engine/fbqueue"
	"github.com/gpufw/gpufw/pkg/engine/memqueue"
	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
	"github.com/gpufw/gpufw/pkg/falcon"
	"github.com/gpufw/gpufw/pkg/falcon/heap"
	"github.com/gpufw/gpufw/pkg/log"
	"github.com/gpufw/gpufw/pkg/pmu/seq"
	"github.com/gpufw/gpufw/pkg/surface"
	"github.com/gpufw/gpufw/pkg/sync"
)

// FlcnID identifies the PMU falcon in logs.
const FlcnID = 0

// EventHandler handles an unsolicited message from unit.
type EventHandler func(msg *abi.Msg) error

// RPCHandler handles a successful RPC response for a unit. buf holds the RPC
// as returned by the firmware.
type RPCHandler func(hdr abi.RPCHeader, buf []byte)

// PMU is the host side of the PMU command interface.
type PMU struct {
	cfg  config.PMU
	flcn falcon.Falcon
	ss   surface.Mem

	fbq bool

	// Exactly one set of queues is populated, according to fbq. Command
	// queues are indexed by queue id.
	fbCmd   [2]*fbqueue.Queue
	fbMsg   *fbqueue.Queue
	dmemCmd [2]*memqueue.Queue
	dmemMsg *memqueue.Queue

	seqs *seq.Table

	// dmem is set by the INIT message.
	dmem atomic.Pointer[heap.Allocator]

	fwReady atomic.Bool

	// msgMu serializes message processing.
	msgMu sync.Mutex

	// reclaimMu serializes ReclaimPending.
	reclaimMu sync.Mutex

	handlersMu sync.RWMutex
	// +checklocks:handlersMu
	events map[uint8]EventHandler
	// +checklocks:handlersMu
	rpcs map[uint8]RPCHandler

	// now is the clock, replaced in tests.
	now func() time.Time
}

// New creates the PMU interface over flcn. ss is the super surface and is
// only used in FB-queue mode.
func New(cfg *config.PMU, flcn falcon.Falcon, ss surface.Mem) (*PMU, error) {
	seqs, err := seq.NewTable(cfg.Sequences)
	if err != nil {
		return nil, err
	}
	p := &PMU{
		cfg:    *cfg,
		flcn:   flcn,
		ss:     ss,
		fbq:    cfg.FBQueue,
		seqs:   seqs,
		events: make(map[uint8]EventHandler),
		rpcs:   make(map[uint8]RPCHandler),
		now:    time.Now,
	}
	if p.fbq {
		if ss == nil {
			return nil, fmt.Errorf("FB-queue mode needs a super surface: %w", linuxerr.EINVAL)
		}
		if err := p.initFBQueues(); err != nil {
			return nil, err
		}
	} else if err := p.initDmemQueues(); err != nil {
		return nil, err
	}
	log.Infof("PMU queues ready: fb_queue=%t, %d sequences", p.fbq, seqs.Len())
	return p, nil
}

func (p *PMU) initFBQueues() error {
	for _, id := range []uint32{abi.CommandQueueHPQ, abi.CommandQueueLPQ, abi.MessageQueue} {
		flag := engine.Write
		if id == abi.MessageQueue {
			flag = engine.Read
		}
		q, err := fbqueue.New(fbqueue.Params{
			FlcnID:      FlcnID,
			ID:          id,
			Index:       config.QueueSlot(id),
			Size:        p.cfg.QueueLength,
			Flag:        flag,
			Surface:     p.ss,
			Offset:      p.cfg.FBQueueOffset(id),
			ElementSize: p.cfg.ElementSize,
			Registers:   p.flcn,
		})
		if err != nil {
			return err
		}
		if id == abi.MessageQueue {
			p.fbMsg = q
		} else {
			p.fbCmd[id] = q
		}
	}
	return nil
}

func (p *PMU) initDmemQueues() error {
	for _, id := range []uint32{abi.CommandQueueHPQ, abi.CommandQueueLPQ, abi.MessageQueue} {
		flag := engine.Write
		if id == abi.MessageQueue {
			flag = engine.Read
		}
		q, err := memqueue.New(memqueue.Params{
			FlcnID: FlcnID,
			ID:     id,
			Index:  config.QueueSlot(id),
			Offset: p.cfg.DmemQueueOffset(id),
			Size:   p.cfg.DmemQueueSize,
			Flag:   flag,
			Falcon: p.flcn,
		})
		if err != nil {
			return err
		}
		if id == abi.MessageQueue {
			p.dmemMsg = q
		} else {
			p.dmemCmd[id] = q
		}
	}
	return nil
}

// FBQueueEnabled reports whether commands travel through FB queues.
func (p *PMU) FBQueueEnabled() bool {
	return p.fbq
}

// FWReady reports whether the firmware's INIT message has been handled.
func (p *PMU) FWReady() bool {
	return p.fwReady.Load()
}

// Sequences returns the sequence table.
func (p *PMU) Sequences() *seq.Table {
	return p.seqs
}

// Dmem returns the DMEM heap allocator, or nil before INIT.
func (p *PMU) Dmem() *heap.Allocator {
	return p.dmem.Load()
}

// FBQueue returns the FB queue with id, or nil.
func (p *PMU) FBQueue(id uint32) *fbqueue.Queue {
	if !p.fbq {
		return nil
	}
	if id == abi.MessageQueue {
		return p.fbMsg
	}
	if abi.IsSWCommandQueue(id) {
		return p.fbCmd[id]
	}
	return nil
}

// queueSize returns the size that bounds a command on queue id: the element
// size of an FB queue or the byte size of a DMEM queue.
func (p *PMU) queueSize(id uint32) uint32 {
	if p.fbq {
		return p.cfg.ElementSize
	}
	return p.cfg.DmemQueueSize
}

// RegisterEventHandler installs h for unsolicited messages from unit.
func (p *PMU) RegisterEventHandler(unit uint8, h EventHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.events[unit] = h
}

// RegisterRPCHandler installs h for RPC responses from unit handled by the
// default RPC callback.
func (p *PMU) RegisterRPCHandler(unit uint8, h RPCHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.rpcs[unit] = h
}

func (p *PMU) eventHandler(unit uint8) EventHandler {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	return p.events[unit]
}

func (p *PMU) rpcHandler(unit uint8) RPCHandler {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	return p.rpcs[unit]
}
