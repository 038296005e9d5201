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
	"fmt"

	abi "github.com/gpufw/gpufw/pkg/abi/ce"
	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
)

// Copy engine register offsets, as addressed by method headers.
const (
	regSetObject      = 0x000
	regSrcPhysMode    = 0x260
	regDstPhysMode    = 0x264
	regLaunchDMA      = 0x300
	regOffsetInUpper  = 0x400
	regOffsetInLower  = 0x404
	regOffsetOutUpper = 0x408
	regOffsetOutLower = 0x40c
	regPitchIn        = 0x410
	regPitchOut       = 0x414
	regLineLengthIn   = 0x418
	regLineCount      = 0x41c
	regRemapConstA    = 0x700
	regRemapComponent = 0x708
)

// secOpIncrementing is the method header opcode whose data words go to
// consecutive registers.
const secOpIncrementing = 1

// Transfer is one launched DMA: a rectangle of LineLength x LineCount bytes.
type Transfer struct {
	Class uint32
	Op    abi.Op

	Src       uint64
	SrcTarget uint32
	Dst       uint64
	DstTarget uint32

	PitchIn    uint32
	PitchOut   uint32
	LineLength uint32
	LineCount  uint32

	// Payload is the memset value; only its low byte is used.
	Payload uint32

	// Launch is the raw launch word.
	Launch uint32
}

// Bytes returns the number of bytes t moves.
func (t *Transfer) Bytes() uint64 {
	return uint64(t.LineLength) * uint64(t.LineCount)
}

// DecodeMethods runs words through a copy engine register file and returns
// the transfers they launch, in order.
func DecodeMethods(words []uint32) ([]Transfer, error) {
	regs := make(map[uint32]uint32)
	var out []Transfer
	for i := 0; i < len(words); {
		hdr := words[i]
		if op := hdr >> 29; op != secOpIncrementing {
			return nil, fmt.Errorf("word %d: method opcode %d: %w", i, op, linuxerr.EINVAL)
		}
		count := int((hdr >> 16) & 0x1fff)
		method := (hdr & 0xfff) << 2
		if i+1+count > len(words) {
			return nil, fmt.Errorf("word %d: %d data words past the end of the stream: %w", i, count, linuxerr.EINVAL)
		}
		for k := 0; k < count; k++ {
			reg := method + uint32(4*k)
			regs[reg] = words[i+1+k]
			if reg != regLaunchDMA {
				continue
			}
			t, err := launch(regs)
			if err != nil {
				return nil, fmt.Errorf("word %d: %w", i+1+k, err)
			}
			out = append(out, t)
		}
		i += 1 + count
	}
	return out, nil
}

func launch(regs map[uint32]uint32) (Transfer, error) {
	l := regs[regLaunchDMA]
	t := Transfer{
		Class:      regs[regSetObject],
		Dst:        uint64(regs[regOffsetOutUpper])<<32 | uint64(regs[regOffsetOutLower]),
		DstTarget:  regs[regDstPhysMode],
		PitchIn:    regs[regPitchIn],
		PitchOut:   regs[regPitchOut],
		LineLength: regs[regLineLengthIn],
		LineCount:  regs[regLineCount],
		Launch:     l,
	}
	switch {
	case l&abi.LaunchMemset != 0:
		if regs[regRemapComponent] != abi.RemapComponentConstA {
			return Transfer{}, fmt.Errorf("memset without constant A remap: %w", linuxerr.EINVAL)
		}
		t.Op = abi.OpMemset
		t.Payload = regs[regRemapConstA]
	case l&abi.LaunchPhysMode != 0:
		t.Op = abi.OpPhysModeTransfer
		t.Src = uint64(regs[regOffsetInUpper])<<32 | uint64(regs[regOffsetInLower])
		t.SrcTarget = regs[regSrcPhysMode]
	default:
		return Transfer{}, fmt.Errorf("launch %#x is neither memset nor copy: %w", l, linuxerr.EINVAL)
	}
	if t.Class == 0 {
		return Transfer{}, fmt.Errorf("launch without an object: %w", linuxerr.EINVAL)
	}
	return t, nil
}
