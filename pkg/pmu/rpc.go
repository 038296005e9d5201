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
	"slices"

	abi "github.com/gpufw/gpufw/pkg/abi/falcon"
	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
	"github.com/gpufw/gpufw/pkg/log"
	"github.com/gpufw/gpufw/pkg/pmu/seq"
)

// RPC is a remote procedure call to a PMU unit.
type RPC struct {
	// Buf is the RPC, starting with an abi.RPCHeader. Its length is the
	// RPC size.
	Buf []byte

	// SizeScratch is extra firmware memory reserved after the RPC.
	SizeScratch uint16

	// Callback, if set, replaces the default RPC handler. CallbackBuf then
	// receives a copy of Buf that the firmware's reply overwrites.
	Callback    seq.Callback
	CallbackBuf []byte

	// CopyBack makes RPCExecute wait for the reply and copy it into Buf.
	// It cannot be combined with Callback.
	CopyBack bool
}

// RPCExecute posts r on the low priority queue.
func (p *PMU) RPCExecute(ctx context.Context, r *RPC) error {
	if !p.FWReady() {
		log.Warningf("PMU is not ready to process RPC")
		return linuxerr.EINVAL
	}
	if uint32(len(r.Buf)) < abi.RPCHeaderSize || len(r.Buf) > 0xffff {
		return fmt.Errorf("RPC of %d bytes: %w", len(r.Buf), linuxerr.EINVAL)
	}
	if r.Callback != nil {
		if len(r.CallbackBuf) < len(r.Buf) {
			log.Warningf("Invalid cb param addr")
			return linuxerr.EINVAL
		}
		if r.CopyBack {
			return fmt.Errorf("RPC copy back with a caller callback: %w", linuxerr.EINVAL)
		}
	}

	var hdr abi.RPCHeader
	abi.Get(r.Buf, &hdr)
	cmd := &Cmd{
		Hdr:  abi.PMUHdr{UnitID: hdr.UnitID, Size: uint8(abi.CmdHdrSize + abi.RPCCmdSize)},
		Body: make([]byte, abi.RPCCmdSize),
	}
	abi.Put(cmd.Body, &abi.RPCCmd{CmdType: abi.RPCCmdID, Flags: hdr.Flags})

	var (
		buf  []byte
		cb   seq.Callback
		done chan struct{}
	)
	if r.Callback != nil {
		buf = r.CallbackBuf
		copy(buf, r.Buf)
		cb = r.Callback
	} else {
		buf = slices.Clone(r.Buf)
		done = make(chan struct{})
		cb = p.rpcDefaultCallback(buf, done)
	}
	payload := &Payload{RPC: RPCPayload{
		Buf:         buf,
		SizeRPC:     uint16(len(r.Buf)),
		SizeScratch: r.SizeScratch,
	}}
	if err := p.PostCmd(ctx, cmd, payload, abi.CommandQueueLPQ, cb); err != nil {
		log.Warningf("Failed to execute RPC status=%v, func=%#x", err, hdr.Function)
		return err
	}
	if !r.CopyBack {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.RPCTimeout.D())
	defer cancel()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warningf("PMU wait timeout expired.")
		return fmt.Errorf("RPC unit %#x func %#x: %w", hdr.UnitID, hdr.Function, linuxerr.ETIMEDOUT)
	}
	copy(r.Buf, buf)
	return nil
}

// rpcDefaultCallback checks the firmware status of an RPC reply in buf and
// hands it to the unit's RPC handler. done is closed once it has run.
func (p *PMU) rpcDefaultCallback(buf []byte, done chan struct{}) seq.Callback {
	return func(msg *abi.Msg, err error) {
		defer close(done)
		if err != nil {
			log.Warningf("RPC failed: %v", err)
			return
		}
		var hdr abi.RPCHeader
		abi.Get(buf, &hdr)
		if hdr.FlcnStatus != 0 {
			log.Warningf("failed RPC response, unit-id=%#x, func=%#x, status=%#x", hdr.UnitID, hdr.Function, hdr.FlcnStatus)
			return
		}
		h := p.rpcHandler(hdr.UnitID)
		if h == nil {
			log.Debugf("no RPC handler for unit %#x, func %#x", hdr.UnitID, hdr.Function)
			return
		}
		h(hdr, buf)
	}
}
