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
	"time"

	"github.com/cenkalti/backoff"
	abi "github.com/gpufw/gpufw/pkg/abi/falcon"
	"github.com/gpufw/gpufw/pkg/config"
	"github.com/gpufw/gpufw/pkg/engine"
	"github.com/gpufw/gpufw/pkg/engine/memqueue"
	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
	"github.com/gpufw/gpufw/pkg/falcon"
	"github.com/gpufw/gpufw/pkg/log"
	"github.com/gpufw/gpufw/pkg/surface"
	"github.com/gpufw/gpufw/pkg/sync"
)

// msgTimeout bounds how long the firmware waits for room on a full message
// queue.
const msgTimeout = time.Second

// CmdHandler runs a non-RPC command for a unit. body is the command after
// its header; payload descriptors in it point into DMEM, which the handler
// reaches through dmem. The returned bytes are the body of the response.
type CmdHandler func(dmem falcon.Falcon, hdr abi.PMUHdr, body []byte) ([]byte, error)

// RPCHandler runs an RPC for a unit. rpc starts with the RPC header and may
// be modified in place; the returned value is the falcon status.
type RPCHandler func(hdr abi.RPCHeader, rpc []byte) uint8

// Firmware is a PMU firmware. It consumes the command queues and answers on
// the message queue, in either queue mode.
type Firmware struct {
	cfg  config.PMU
	flcn *falcon.Engine
	ss   surface.Mem

	// cmdTail is the firmware's read cursor of each FB command queue.
	cmdTail [2]uint32

	// DMEM-mode queues, seen from the firmware side.
	dmemCmd [2]*memqueue.Queue
	dmemMsg *memqueue.Queue

	// msgMu serializes writes to the message queue.
	msgMu sync.Mutex
	// +checklocks:msgMu
	msgSeq uint32

	handlersMu sync.RWMutex
	// +checklocks:handlersMu
	cmds map[uint8]CmdHandler
	// +checklocks:handlersMu
	rpcs map[uint8]RPCHandler

	paused atomic.Bool
	kick   chan struct{}

	// Handled counts the commands answered.
	Handled atomic.Uint64
}

// NewFirmware returns firmware bound to flcn and, in FB-queue mode, to the
// super surface ss. It must be created after the host queues, since DMEM
// queues reset their registers.
func NewFirmware(cfg *config.PMU, flcn *falcon.Engine, ss surface.Mem) (*Firmware, error) {
	f := &Firmware{
		cfg:  *cfg,
		flcn: flcn,
		ss:   ss,
		cmds: make(map[uint8]CmdHandler),
		rpcs: make(map[uint8]RPCHandler),
		kick: make(chan struct{}, 1),
	}
	if cfg.FBQueue {
		return f, nil
	}
	for _, id := range []uint32{abi.CommandQueueHPQ, abi.CommandQueueLPQ, abi.MessageQueue} {
		flag := engine.Read
		if id == abi.MessageQueue {
			flag = engine.Write
		}
		q, err := memqueue.New(memqueue.Params{
			FlcnID: 0,
			ID:     id,
			Index:  config.QueueSlot(id),
			Offset: cfg.DmemQueueOffset(id),
			Size:   cfg.DmemQueueSize,
			Flag:   flag,
			Falcon: flcn,
		})
		if err != nil {
			return nil, err
		}
		if id == abi.MessageQueue {
			f.dmemMsg = q
		} else {
			f.dmemCmd[id] = q
		}
	}
	return f, nil
}

// HandleCmd installs h for non-RPC commands to unit.
func (f *Firmware) HandleCmd(unit uint8, h CmdHandler) {
	f.handlersMu.Lock()
	defer f.handlersMu.Unlock()
	f.cmds[unit] = h
}

// HandleRPC installs h for RPCs to unit. Units without a handler complete
// every RPC with status zero.
func (f *Firmware) HandleRPC(unit uint8, h RPCHandler) {
	f.handlersMu.Lock()
	defer f.handlersMu.Unlock()
	f.rpcs[unit] = h
}

// Pause stops the firmware from consuming commands until Resume.
func (f *Firmware) Pause() {
	f.paused.Store(true)
}

// Resume undoes Pause.
func (f *Firmware) Resume() {
	f.paused.Store(false)
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

// Boot sends the INIT message describing the DMEM heap.
func (f *Firmware) Boot() error {
	msg := make([]byte, abi.MsgHdrSize+abi.InitMsgSize)
	abi.Put(msg, &abi.PMUHdr{UnitID: abi.UnitInit, Size: uint8(len(msg))})
	abi.Put(msg[abi.MsgHdrSize:], &abi.InitMsg{
		MsgType:           abi.InitMsgType,
		SWManagedAreaSize: uint16(min(f.cfg.HeapSize, 0xffff)),
		SWManagedAreaOff:  f.cfg.HeapBase,
	})
	return f.writeMsg(msg)
}

// SendEvent posts an unsolicited message from unit.
func (f *Firmware) SendEvent(unit uint8, body []byte) error {
	return f.SendMessage(abi.PMUHdr{UnitID: unit, CtrlFlags: abi.CmdFlagsEvent}, body)
}

// SendMessage posts an arbitrary message. hdr.Size is computed from body.
func (f *Firmware) SendMessage(hdr abi.PMUHdr, body []byte) error {
	msg := make([]byte, abi.MsgHdrSize+uint32(len(body)))
	hdr.Size = uint8(len(msg))
	abi.Put(msg, &hdr)
	copy(msg[abi.MsgHdrSize:], body)
	return f.writeMsg(msg)
}

// Run consumes commands whenever the host rings the command doorbell, until
// ctx is done.
func (f *Firmware) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.flcn.CommandDoorbell():
		case <-f.kick:
		}
		if f.paused.Load() {
			continue
		}
		if err := f.Drain(); err != nil {
			log.Warningf("pmu firmware: %v", err)
		}
	}
}

// Drain answers every queued command, high priority queue first.
func (f *Firmware) Drain() error {
	for _, id := range []uint32{abi.CommandQueueHPQ, abi.CommandQueueLPQ} {
		var err error
		if f.cfg.FBQueue {
			err = f.drainFB(id)
		} else {
			err = f.drainDmem(id)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *Firmware) elementOffset(id, pos uint32) int64 {
	return int64(f.cfg.FBQueueOffset(id)) + int64(pos)*int64(f.cfg.ElementSize)
}

// drainFB consumes FB command queue id. Each element is copied into the DMEM
// heap block its header names, executed there, and copied back so the host
// can read the out payload from the element.
func (f *Firmware) drainFB(id uint32) error {
	head, err := f.flcn.Head(id)
	if err != nil {
		return err
	}
	elem := make([]byte, f.cfg.ElementSize)
	for f.cmdTail[id] != head {
		pos := f.cmdTail[id]
		off := f.elementOffset(id, pos)
		if _, err := f.ss.ReadAt(elem, off); err != nil {
			return err
		}
		var fh abi.FBQHdr
		abi.Get(elem, &fh)
		if uint32(fh.ElementIndex) != pos {
			log.Warningf("pmu firmware: queue %d element %d stamped with index %d", id, pos, fh.ElementIndex)
		}
		heapSize := uint32(fh.HeapSize)
		if heapSize >= f.cfg.ElementSize {
			return fmt.Errorf("queue %d element %d: heap size %d: %w", id, pos, heapSize, linuxerr.ERANGE)
		}
		if err := f.flcn.CopyToDmem(uint32(fh.HeapOffset), elem[:heapSize]); err != nil {
			return err
		}
		cmd := elem[abi.FBQHdrSize:]
		hdr := abi.ReadHdr(cmd)
		if uint32(hdr.Size) < abi.CmdHdrSize || uint32(hdr.Size) > uint32(len(cmd)) {
			return fmt.Errorf("queue %d element %d: command size %d: %w", id, pos, hdr.Size, linuxerr.ERANGE)
		}
		resp, err := f.execute(hdr, cmd[abi.CmdHdrSize:hdr.Size])
		if err != nil {
			return err
		}
		if err := f.flcn.CopyFromDmem(uint32(fh.HeapOffset), elem[:heapSize]); err != nil {
			return err
		}
		if _, err := f.ss.WriteAt(elem[:heapSize], off); err != nil {
			return err
		}
		f.ss.Barrier()
		f.cmdTail[id] = (pos + 1) % f.cfg.QueueLength
		if err := f.writeMsg(resp); err != nil {
			return err
		}
	}
	return nil
}

// drainDmem consumes DMEM command queue id.
func (f *Firmware) drainDmem(id uint32) error {
	q := f.dmemCmd[id]
	hdrBuf := make([]byte, abi.CmdHdrSize)
	for {
		empty, err := q.IsEmpty()
		if err != nil || empty {
			return err
		}
		if _, err := q.Pop(hdrBuf); err != nil {
			return err
		}
		hdr := abi.ReadHdr(hdrBuf)
		if hdr.UnitID == abi.UnitRewind {
			if err := q.Rewind(); err != nil {
				return err
			}
			continue
		}
		if uint32(hdr.Size) < abi.CmdHdrSize {
			return fmt.Errorf("queue %d: command size %d: %w", id, hdr.Size, linuxerr.ERANGE)
		}
		body := make([]byte, uint32(hdr.Size)-abi.CmdHdrSize)
		if len(body) > 0 {
			if _, err := q.Pop(body); err != nil {
				return err
			}
		}
		resp, err := f.execute(hdr, body)
		if err != nil {
			return err
		}
		if err := f.writeMsg(resp); err != nil {
			return err
		}
	}
}

func response(hdr abi.PMUHdr, unit uint8, body []byte) []byte {
	msg := make([]byte, abi.MsgHdrSize+uint32(len(body)))
	abi.Put(msg, &abi.PMUHdr{UnitID: unit, Size: uint8(len(msg)), SeqID: hdr.SeqID})
	copy(msg[abi.MsgHdrSize:], body)
	return msg
}

// execute runs one command whose payloads are already in DMEM and returns
// the message answering it.
func (f *Firmware) execute(hdr abi.PMUHdr, body []byte) ([]byte, error) {
	defer f.Handled.Add(1)
	if len(body) >= int(abi.RPCCmdSize) && body[0] == abi.RPCCmdID {
		var rc abi.RPCCmd
		abi.Get(body, &rc)
		rpc := make([]byte, rc.RPCDmemSize)
		if err := f.flcn.CopyFromDmem(rc.RPCDmemPtr, rpc); err != nil {
			return nil, err
		}
		var rh abi.RPCHeader
		abi.Get(rpc, &rh)
		f.handlersMu.RLock()
		h := f.rpcs[rh.UnitID]
		f.handlersMu.RUnlock()
		status := uint8(0)
		if h != nil {
			status = h(rh, rpc)
		}
		abi.Get(rpc, &rh)
		rh.FlcnStatus = status
		rh.ExecTimePMUNs++
		abi.Put(rpc, &rh)
		if err := f.flcn.CopyToDmem(rc.RPCDmemPtr, rpc); err != nil {
			return nil, err
		}
		return response(hdr, hdr.UnitID, body[:abi.RPCCmdSize]), nil
	}

	f.handlersMu.RLock()
	h := f.cmds[hdr.UnitID]
	f.handlersMu.RUnlock()
	if h == nil {
		log.Infof("pmu firmware: unhandled cmd for unit %#x, seq %d", hdr.UnitID, hdr.SeqID)
		return response(hdr, abi.UnitRC, []byte{abi.RCMsgTypeUnhandledCmd, 0, 0, 0}), nil
	}
	out, err := h(f.flcn, hdr, body)
	if err != nil {
		return nil, err
	}
	return response(hdr, hdr.UnitID, out), nil
}

// writeMsg posts msg on the message queue, which raises the host's message
// interrupt. While the queue is full it waits, up to msgTimeout, for the host
// to consume messages.
func (f *Firmware) writeMsg(msg []byte) error {
	f.msgMu.Lock()
	defer f.msgMu.Unlock()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 5 * time.Millisecond
	b.MaxElapsedTime = msgTimeout
	return backoff.Retry(func() error {
		err := f.pushMsgLocked(msg)
		if err != nil && !linuxerr.Equals(linuxerr.EAGAIN, err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// +checklocks:f.msgMu
func (f *Firmware) pushMsgLocked(msg []byte) error {
	if !f.cfg.FBQueue {
		return f.dmemMsg.Push(msg)
	}

	if uint32(len(msg))+abi.FBQMsgqHdrSize >= f.cfg.ElementSize {
		return fmt.Errorf("message of %d bytes does not fit an element: %w", len(msg), linuxerr.EINVAL)
	}
	id := uint32(abi.MessageQueue)
	head, err := f.flcn.Head(id)
	if err != nil {
		return err
	}
	tail, err := f.flcn.Tail(id)
	if err != nil {
		return err
	}
	next := (head + 1) % f.cfg.QueueLength
	if next == tail {
		return fmt.Errorf("message queue full: %w", linuxerr.EAGAIN)
	}
	elem := make([]byte, f.cfg.ElementSize)
	abi.Put(elem, &abi.FBQMsgqHdr{SequenceNumber: f.msgSeq})
	f.msgSeq++
	copy(elem[abi.FBQMsgqHdrSize:], msg)
	if _, err := f.ss.WriteAt(elem, f.elementOffset(id, head)); err != nil {
		return err
	}
	f.ss.Barrier()
	return f.flcn.SetHead(id, next)
}
