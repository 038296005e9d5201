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

package pmu

import (
	"fmt"

	abi "github.com/gpufw/gpufw/pkg/abi/falcon"
	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
	"github.com/gpufw/gpufw/pkg/falcon/heap"
	"github.com/gpufw/gpufw/pkg/log"
	"github.com/gpufw/gpufw/pkg/pmu/seq"
)

// ProcessMessages drains the message queue. It is called when the firmware
// raises the message interrupt.
//
// Until the firmware is ready the only message accepted is INIT, and
// processing stops after it. Afterwards every queued message is dispatched
// to its sequence or event handler; the first failure stops the drain and is
// returned.
func (p *PMU) ProcessMessages() error {
	p.msgMu.Lock()
	defer p.msgMu.Unlock()

	if !p.FWReady() {
		return p.processInit()
	}
	for {
		msg, err := p.readMessage()
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		log.Debugf("pmu msg: unit %#x, size %d, ctrl %#x, seq %d", msg.Hdr.UnitID, msg.Hdr.Size, msg.Hdr.CtrlFlags, msg.Hdr.SeqID)

		msg.Hdr.CtrlFlags &^= abi.CmdFlagsPMUMask
		if msg.Hdr.CtrlFlags == abi.CmdFlagsEvent || msg.Hdr.CtrlFlags == abi.CmdFlagsRPCEvent {
			err = p.handleEvent(msg)
		} else {
			err = p.handleResponse(msg)
		}
		if err != nil {
			return err
		}
	}
}

// popMessage reads exactly len(buf) bytes from the message queue.
func (p *PMU) popMessage(buf []byte) error {
	var (
		n   uint32
		err error
	)
	if p.fbq {
		w := p.fbMsg.LockWorkBuffer()
		n, err = p.fbMsg.Pop(w, buf)
		w.Unlock()
	} else {
		n, err = p.dmemMsg.Pop(buf)
	}
	if err != nil {
		return fmt.Errorf("fail to read msg from queue %d: %w", abi.MessageQueue, err)
	}
	if n != uint32(len(buf)) {
		return fmt.Errorf("short read from queue %d: %d of %d bytes: %w", abi.MessageQueue, n, len(buf), linuxerr.EINVAL)
	}
	return nil
}

func (p *PMU) msgQueueEmpty() (bool, error) {
	if p.fbq {
		return p.fbMsg.IsEmpty()
	}
	return p.dmemMsg.IsEmpty()
}

// readMessage reads the next message, or returns nil if the queue is empty.
func (p *PMU) readMessage() (*abi.Msg, error) {
	empty, err := p.msgQueueEmpty()
	if err != nil || empty {
		return nil, err
	}

	hdrBuf := make([]byte, abi.MsgHdrSize)
	if err := p.popMessage(hdrBuf); err != nil {
		return nil, err
	}
	hdr := abi.ReadHdr(hdrBuf)
	if hdr.UnitID == abi.UnitRewind {
		if !p.fbq {
			if err := p.dmemMsg.Rewind(); err != nil {
				return nil, err
			}
		}
		if err := p.popMessage(hdrBuf); err != nil {
			return nil, err
		}
		hdr = abi.ReadHdr(hdrBuf)
	}
	if !abi.UnitIDIsValid(hdr.UnitID) {
		log.Warningf("read invalid unit_id %#x from queue %d", hdr.UnitID, abi.MessageQueue)
		return nil, linuxerr.EINVAL
	}

	msg := &abi.Msg{Hdr: hdr}
	if uint32(hdr.Size) > abi.MsgHdrSize {
		msg.Body = make([]byte, uint32(hdr.Size)-abi.MsgHdrSize)
		if err := p.popMessage(msg.Body); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// processInit consumes the INIT message and sets up the DMEM heap the
// firmware exported.
func (p *PMU) processInit() error {
	msg, err := p.readMessage()
	if err != nil || msg == nil {
		return err
	}
	if msg.Hdr.UnitID != abi.UnitInit {
		log.Warningf("expecting init msg, got unit %#x", msg.Hdr.UnitID)
		return linuxerr.EINVAL
	}
	if uint32(len(msg.Body)) < abi.InitMsgSize {
		log.Warningf("init msg is %d bytes, want %d", len(msg.Body), abi.InitMsgSize)
		return linuxerr.EINVAL
	}
	var init abi.InitMsg
	abi.Get(msg.Body, &init)
	if init.MsgType != abi.InitMsgType {
		log.Warningf("expecting init msg, got type %d", init.MsgType)
		return linuxerr.EINVAL
	}

	dmem, err := heap.New(init.SWManagedAreaOff, uint32(init.SWManagedAreaSize), abi.DmemAllocAlignment)
	if err != nil {
		return fmt.Errorf("init msg: DMEM heap: %w", err)
	}
	if p.fbq && uint64(dmem.Base())+uint64(dmem.Size()) > 1<<16 {
		log.Warningf("init msg: DMEM heap [%#x, +%#x) not addressable by FB queues", dmem.Base(), dmem.Size())
		return linuxerr.EINVAL
	}
	p.dmem.Store(dmem)
	p.fwReady.Store(true)
	log.Infof("PMU firmware ready: DMEM heap [%#x, +%#x)", dmem.Base(), dmem.Size())
	return nil
}

// handleEvent passes an unsolicited message to its unit's handler.
func (p *PMU) handleEvent(msg *abi.Msg) error {
	h := p.eventHandler(msg.Hdr.UnitID)
	if h == nil {
		log.Infof("Received invalid PMU unit event %#x", msg.Hdr.UnitID)
		return nil
	}
	return h(msg)
}

// handleResponse completes the command msg answers.
func (p *PMU) handleResponse(msg *abi.Msg) error {
	s := p.seqs.Get(msg.Hdr.SeqID)
	if s == nil || !s.Transition(seq.Used, seq.Completed) {
		log.Warningf("msg for an unknown sequence %d", msg.Hdr.SeqID)
		return linuxerr.EINVAL
	}

	var err error
	if msg.Hdr.UnitID == abi.UnitRC && len(msg.Body) > 0 && msg.Body[0] == abi.RCMsgTypeUnhandledCmd {
		log.Warningf("unhandled cmd: seq %d", s.ID())
		err = linuxerr.EINVAL
	} else {
		err = p.payloadExtract(s)
	}

	p.payloadFree(s)
	if s.Callback != nil {
		s.Callback(msg, err)
	}
	p.seqs.Release(s)
	return err
}

// payloadExtract copies the out payload of a completed command to the
// caller's buffer.
func (p *PMU) payloadExtract(s *seq.Sequence) error {
	n := min(int(s.Out.DmemSize), len(s.OutPayload))
	if s.OutFBQueue {
		q := p.fbCmd[s.CmdQueue]
		off := int64(q.ElementOffset(s.FBQElementIndex)) + int64(s.FBQOutOffset)
		if _, err := p.ss.ReadAt(s.OutPayload[:n], off); err != nil {
			log.Warningf("fail to read out payload of seq %d: %v", s.ID(), err)
			return err
		}
		return nil
	}
	if s.Out.DmemSize != 0 {
		if err := p.flcn.CopyFromDmem(s.Out.DmemOffset, s.OutPayload[:n]); err != nil {
			log.Warningf("fail to copy out payload of seq %d from DMEM: %v", s.ID(), err)
			return err
		}
	}
	return nil
}

// freeAllocations releases the DMEM held by s. It does not touch the FB
// queue element.
func (p *PMU) freeAllocations(s *seq.Sequence) {
	dmem := p.Dmem()
	if dmem == nil {
		return
	}
	free := func(off uint32) {
		if err := dmem.Free(off); err != nil {
			log.Warningf("seq %d: fail to free DMEM at %#x: %v", s.ID(), off, err)
		}
	}
	if p.fbq {
		if s.FBQHeapOffset != 0 {
			free(s.FBQHeapOffset)
		}
		return
	}
	if s.In.DmemSize != 0 {
		free(s.In.DmemOffset)
	}
	if s.Out.DmemSize != 0 && (s.In.DmemSize == 0 || s.Out.DmemOffset != s.In.DmemOffset) {
		free(s.Out.DmemOffset)
	}
}

// payloadFree releases everything a completed command held.
func (p *PMU) payloadFree(s *seq.Sequence) {
	p.freeAllocations(s)
	if p.fbq {
		if err := p.fbCmd[s.CmdQueue].FreeElement(s.FBQElementIndex); err != nil {
			log.Warningf("seq %d: fail to free element %d: %v", s.ID(), s.FBQElementIndex, err)
		}
	}
}
