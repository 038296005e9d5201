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
	"context"
	"fmt"

	"github.com/cenkalti/backoff"
	abi "github.com/gpufw/gpufw/pkg/abi/falcon"
	"github.com/gpufw/gpufw/pkg/engine/fbqueue"
	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
	"github.com/gpufw/gpufw/pkg/log"
	"github.com/gpufw/gpufw/pkg/pmu/seq"
)

// Cmd is a command for the PMU.
type Cmd struct {
	// Hdr.UnitID and Hdr.Size are set by the caller. SeqID and CtrlFlags
	// are filled in by PostCmd.
	Hdr abi.PMUHdr

	// Body holds the Hdr.Size - CmdHdrSize bytes after the header. Payload
	// descriptors are written into it at their offsets.
	Body []byte
}

func (c *Cmd) isRPC() bool {
	return len(c.Body) > 0 && c.Body[0] == abi.RPCCmdID
}

// InOut describes an in or out payload.
type InOut struct {
	// Buf is the payload. For an in payload it is copied to the firmware;
	// for an out payload it receives the response data.
	Buf []byte

	// Offset is where in the command body the abi.Allocation describing
	// this payload lives. Zero means the payload is not placed.
	Offset uint32

	// Size is the payload size in bytes.
	Size uint32
}

// RPCPayload describes the blob of an RPC command.
type RPCPayload struct {
	// Buf holds the RPC and receives the firmware's reply.
	Buf []byte

	SizeRPC     uint16
	SizeScratch uint16
}

// Payload is the optional data carried with a command.
type Payload struct {
	In  InOut
	Out InOut
	RPC RPCPayload
}

// shared reports whether the in and out payloads use the same buffer, in
// which case they share one firmware allocation.
func (pl *Payload) shared() bool {
	return len(pl.In.Buf) > 0 && len(pl.Out.Buf) > 0 && &pl.In.Buf[0] == &pl.Out.Buf[0]
}

// inSize is the allocation size for the in payload.
func (pl *Payload) inSize() uint32 {
	if pl.shared() {
		return max(pl.In.Size, pl.Out.Size)
	}
	return pl.In.Size
}

// need returns how many payload bytes a command stages in its FB queue
// element.
func (pl *Payload) need(rpc bool) uint32 {
	if pl == nil {
		return 0
	}
	if rpc {
		return uint32(pl.RPC.SizeRPC) + uint32(pl.RPC.SizeScratch)
	}
	var n uint32
	if pl.In.Offset != 0 {
		n += pl.inSize()
	}
	if pl.Out.Offset != 0 && !pl.shared() {
		n += pl.Out.Size
	}
	return n
}

func validInOut(io *InOut, cmdSize uint32) bool {
	if io.Offset != 0 && io.Buf == nil {
		return false
	}
	if io.Buf == nil {
		return true
	}
	if io.Size == 0 || io.Size > 0xffff || uint32(len(io.Buf)) < io.Size {
		return false
	}
	return uint64(abi.CmdHdrSize)+uint64(io.Offset)+uint64(abi.AllocationSize) <= uint64(cmdSize)
}

func (p *PMU) validateCmd(cmd *Cmd, payload *Payload, queueID uint32) error {
	if !abi.IsSWCommandQueue(queueID) {
		return fmt.Errorf("queue %d is not a command queue: %w", queueID, linuxerr.EINVAL)
	}
	size := uint32(cmd.Hdr.Size)
	if size < abi.CmdHdrSize || size > p.queueSize(queueID)>>1 {
		return fmt.Errorf("command size %d out of range: %w", size, linuxerr.EINVAL)
	}
	if uint32(len(cmd.Body)) != size-abi.CmdHdrSize {
		return fmt.Errorf("command body is %d bytes, header says %d: %w", len(cmd.Body), size-abi.CmdHdrSize, linuxerr.EINVAL)
	}
	if !abi.UnitIDIsValid(cmd.Hdr.UnitID) {
		return fmt.Errorf("invalid unit %#x: %w", cmd.Hdr.UnitID, linuxerr.EINVAL)
	}
	if cmd.isRPC() && (payload == nil || payload.RPC.Buf == nil) {
		return fmt.Errorf("RPC command without an RPC payload: %w", linuxerr.EINVAL)
	}
	if payload == nil {
		return nil
	}
	if payload.In.Buf == nil && payload.Out.Buf == nil && payload.RPC.Buf == nil {
		return fmt.Errorf("empty payload: %w", linuxerr.EINVAL)
	}
	if !validInOut(&payload.In, size) || !validInOut(&payload.Out, size) {
		return fmt.Errorf("bad in/out payload: %w", linuxerr.EINVAL)
	}
	if payload.shared() && payload.Out.Offset != 0 && payload.In.Offset == 0 {
		return fmt.Errorf("shared out payload without an in descriptor: %w", linuxerr.EINVAL)
	}
	if rpc := &payload.RPC; rpc.Buf != nil && (rpc.SizeRPC == 0 || len(rpc.Buf) < int(rpc.SizeRPC)) {
		return fmt.Errorf("bad RPC payload of %d bytes, size_rpc %d: %w", len(rpc.Buf), rpc.SizeRPC, linuxerr.EINVAL)
	}
	return nil
}

// staging is a command being assembled for one queue.
type staging struct {
	s *seq.Sequence

	// cmd is the command as it will be written, header included. In FB
	// queue mode it aliases the work buffer.
	cmd []byte

	// w is the held work buffer in FB queue mode.
	w *fbqueue.WorkBuffer
}

// PostCmd sends cmd on queue queueID. cb, if not nil, is called with the
// response once it arrives or with the error that ended the command.
//
// If the queue stays full for longer than the write timeout, PostCmd returns
// ETIMEDOUT and the sequence is left Pending until ReclaimPending cancels it.
func (p *PMU) PostCmd(ctx context.Context, cmd *Cmd, payload *Payload, queueID uint32, cb seq.Callback) error {
	if !p.FWReady() {
		log.Warningf("PMU is not ready")
		return linuxerr.EINVAL
	}
	if err := p.validateCmd(cmd, payload, queueID); err != nil {
		log.Warningf("invalid pmu cmd: unit %#x, queue %d: %v", cmd.Hdr.UnitID, queueID, err)
		return err
	}

	s, err := p.seqs.Acquire()
	if err != nil {
		return err
	}
	cmd.Hdr.SeqID = s.ID()
	cmd.Hdr.CtrlFlags = abi.CmdFlagsStatus | abi.CmdFlagsIntr
	s.Callback = cb
	s.CmdQueue = queueID

	st := staging{s: s}
	if p.fbq {
		q := p.fbCmd[queueID]
		st.w = q.LockWorkBuffer()
		defer st.w.Unlock()
		err = p.fbqCmdSetup(&st, cmd, payload)
	} else {
		st.cmd = make([]byte, cmd.Hdr.Size)
		abi.Put(st.cmd, &cmd.Hdr)
		copy(st.cmd[abi.CmdHdrSize:], cmd.Body)
	}
	if err == nil {
		if cmd.isRPC() {
			err = p.payloadSetupRPC(&st, payload)
		} else {
			err = p.payloadSetup(&st, payload)
		}
	}
	if err == nil && p.fbq {
		s.FBQElementIndex, err = p.fbCmd[queueID].NextPosition(st.w)
	}
	if err != nil {
		log.Warningf("failed to set up cmd for unit %#x: %v", cmd.Hdr.UnitID, err)
		p.releaseSetup(s)
		return err
	}

	s.PostedAt = p.now()
	s.SetState(seq.Used)
	if err := p.writeCmd(ctx, &st); err != nil {
		s.PostedAt = p.now()
		s.SetState(seq.Pending)
		return err
	}
	return nil
}

// releaseSetup undoes the allocations of a command that never reached the
// queue and frees its sequence.
func (p *PMU) releaseSetup(s *seq.Sequence) {
	p.freeAllocations(s)
	p.seqs.Release(s)
}

// fbqCmdSetup reserves the DMEM heap block for the command and stages it in
// the work buffer behind an FBQ header.
func (p *PMU) fbqCmdSetup(st *staging, cmd *Cmd, payload *Payload) error {
	dmem := p.Dmem()
	if dmem == nil {
		return fmt.Errorf("no DMEM heap: %w", linuxerr.ENOMEM)
	}
	need := abi.AlignUp(payload.need(cmd.isRPC())+abi.FBQHdrSize+uint32(cmd.Hdr.Size), abi.HeapAlignment)
	// The firmware requires the heap block to be strictly smaller than an
	// element.
	if need >= p.cfg.ElementSize {
		return fmt.Errorf("command needs %d bytes of a %d byte element: %w", need, p.cfg.ElementSize, linuxerr.ENOSPC)
	}
	heapOff, err := dmem.Alloc(need)
	if err != nil {
		log.Warningf("failed to allocate %d bytes of DMEM heap: %v", need, err)
		return linuxerr.ENOMEM
	}
	st.s.FBQHeapOffset = heapOff

	st.w.Clear()
	buf := st.w.Bytes()
	size := uint32(cmd.Hdr.Size)
	st.s.BufferSize = abi.FBQHdrSize + size
	if st.s.BufferSize > uint32(len(buf)) {
		return fmt.Errorf("command of %d bytes does not fit the element: %w", size, linuxerr.ENOSPC)
	}
	st.cmd = buf[abi.FBQHdrSize : abi.FBQHdrSize+size]
	abi.Put(st.cmd, &cmd.Hdr)
	copy(st.cmd[abi.CmdHdrSize:], cmd.Body)
	abi.Put(buf, &abi.FBQHdr{HeapSize: uint16(need), HeapOffset: uint16(heapOff)})
	return nil
}

// payloadAllocate reserves size bytes for a payload. In FB queue mode the
// space comes from the tail of the element and the offset returned is
// relative to the element; otherwise it comes from the DMEM heap.
func (p *PMU) payloadAllocate(s *seq.Sequence, size uint32) (uint32, error) {
	if p.fbq {
		off := s.BufferSize
		if off+size > p.cfg.ElementSize {
			return 0, fmt.Errorf("payload of %d bytes at %d overflows the %d byte element: %w", size, off, p.cfg.ElementSize, linuxerr.ENOSPC)
		}
		s.FBQOutOffset = off
		s.BufferSize += size
		return off, nil
	}
	dmem := p.Dmem()
	if dmem == nil {
		return 0, fmt.Errorf("no DMEM heap: %w", linuxerr.ENOMEM)
	}
	off, err := dmem.Alloc(size)
	if err != nil {
		return 0, linuxerr.ENOMEM
	}
	return off, nil
}

// place copies data to a payload allocated at off and returns the offset the
// firmware sees.
func (p *PMU) place(st *staging, off uint32, data []byte) (uint32, error) {
	if p.fbq {
		copy(st.w.Bytes()[off:], data)
		return off + st.s.FBQHeapOffset, nil
	}
	if err := p.flcn.CopyToDmem(off, data); err != nil {
		p.Dmem().Free(off)
		return 0, err
	}
	return off, nil
}

func (p *PMU) payloadSetupRPC(st *staging, payload *Payload) error {
	rpc := &payload.RPC
	off, err := p.payloadAllocate(st.s, uint32(rpc.SizeRPC)+uint32(rpc.SizeScratch))
	if err != nil {
		return err
	}
	if off, err = p.place(st, off, rpc.Buf[:rpc.SizeRPC]); err != nil {
		return err
	}
	if p.fbq {
		st.s.InFBQueue = true
		st.s.OutFBQueue = true
	}

	body := st.cmd[abi.CmdHdrSize:]
	var rc abi.RPCCmd
	abi.Get(body, &rc)
	rc.RPCDmemSize = rpc.SizeRPC
	rc.RPCDmemPtr = off
	abi.Put(body, &rc)

	st.s.OutPayload = rpc.Buf
	st.s.Out = abi.Allocation{DmemSize: rpc.SizeRPC, DmemOffset: off}
	return nil
}

func (p *PMU) payloadSetup(st *staging, payload *Payload) error {
	if payload == nil {
		return nil
	}
	s := st.s
	s.OutPayload = payload.Out.Buf

	if payload.In.Offset != 0 {
		size := payload.inSize()
		off, err := p.payloadAllocate(s, size)
		if err != nil {
			return err
		}
		if off, err = p.place(st, off, payload.In.Buf[:payload.In.Size]); err != nil {
			return err
		}
		if p.fbq {
			s.InFBQueue = true
		}
		s.In = abi.Allocation{DmemSize: uint16(size), DmemOffset: off}
		abi.Put(st.cmd[abi.CmdHdrSize+payload.In.Offset:], &s.In)
	}

	if payload.Out.Offset != 0 {
		out := abi.Allocation{DmemSize: uint16(payload.Out.Size)}
		if payload.shared() {
			out.DmemOffset = s.In.DmemOffset
		} else {
			off, err := p.payloadAllocate(s, payload.Out.Size)
			if err != nil {
				return err
			}
			if p.fbq {
				off += s.FBQHeapOffset
			}
			out.DmemOffset = off
		}
		if p.fbq {
			s.OutFBQueue = true
		}
		s.Out = out
		abi.Put(st.cmd[abi.CmdHdrSize+payload.Out.Offset:], &s.Out)
	}
	return nil
}

// pushCmd makes one attempt to write the staged command.
func (p *PMU) pushCmd(st *staging) error {
	id := st.s.CmdQueue
	if !p.fbq {
		return p.dmemCmd[id].Push(st.cmd)
	}
	pos, err := p.fbCmd[id].Push(st.w, st.s.BufferSize)
	if err != nil {
		return err
	}
	if pos != st.s.FBQElementIndex {
		log.Warningf("queue %d: cmd for seq %d written to element %d, expected %d", id, st.s.ID(), pos, st.s.FBQElementIndex)
	}
	return nil
}

// writeCmd pushes the staged command, retrying while the queue is full until
// the write timeout.
func (p *PMU) writeCmd(ctx context.Context, st *staging) error {
	timeout := p.cfg.WriteTimeout.D()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	op := func() error {
		err := p.pushCmd(st)
		if err == nil || linuxerr.Equals(linuxerr.EAGAIN, err) {
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(p.cfg.RetryInterval.D()), ctx)
	err := backoff.Retry(op, b)
	if linuxerr.Equals(linuxerr.EAGAIN, err) {
		err = fmt.Errorf("queue %d still full after %v: %w", st.s.CmdQueue, timeout, linuxerr.ETIMEDOUT)
	}
	if err != nil {
		log.Warningf("fail to write cmd to queue %d: %v", st.s.CmdQueue, err)
	}
	return err
}
