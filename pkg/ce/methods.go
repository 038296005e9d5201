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
package ce

import (
	"fmt"

	abi "github.com/gpufw/gpufw/pkg/abi/ce"
	"github.com/gpufw/gpufw/pkg/binary"
	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
)

// MaxSubmitWords is the largest method stream PrepareSubmit emits: the
// object setup plus two ops.
const MaxSubmitWords = 2 + 2*abi.MethodSizePerOp

// target returns the physical-mode aperture for a location.
func target(f abi.LaunchFlags, localFB, nonCoherent abi.LaunchFlags) uint32 {
	switch {
	case f&localFB != 0:
		return abi.TargetLocalFB
	case f&nonCoherent != 0:
		return abi.TargetNonCoherent
	default:
		return abi.TargetCoherentSysmem
	}
}

// prepareOp emits one rectangle of width x height bytes into buf and returns
// the number of words written.
func prepareOp(buf []uint32, src, dst uint64, width, height, payload uint32, transfer bool, flags abi.LaunchFlags) int {
	n := 0
	emit := func(words ...uint32) {
		n += copy(buf[n:], words)
	}
	var launch uint32
	if transfer {
		emit(abi.MethodOffsetIn,
			uint32(src>>32)&abi.UpperAddressMask,
			uint32(src)&abi.LowerAddressMask)
		emit(abi.MethodSrcPhysMode, target(flags, abi.SrcLocalFB, abi.SrcNonCoherent))
		launch |= abi.LaunchPhysMode
	} else {
		// Remap from component A on 1 byte wide pixels.
		emit(abi.MethodRemapConst, abi.RemapComponentConstA)
		emit(abi.MethodRemapConstA, payload)
		launch |= abi.LaunchMemset
	}

	emit(abi.MethodOffsetOutEtc,
		uint32(dst>>32)&abi.UpperAddressMask,
		uint32(dst)&abi.LowerAddressMask,
		width, // pitch in
		width, // pitch out
		width, // line length
		height)
	emit(abi.MethodDstPhysMode, target(flags, abi.DstLocalFB, abi.DstNonCoherent))

	launch |= abi.LaunchDataTransferNonPipelined
	if flags&abi.SrcBlockLinear == 0 {
		launch |= abi.LaunchSrcPitch
	}
	if flags&abi.DstBlockLinear == 0 {
		launch |= abi.LaunchDstPitch
	}
	emit(abi.MethodLaunchDMA, launch)
	return n
}

// PrepareSubmit writes the method stream for a memset or physical-mode copy
// of size bytes into buf and returns its length in words.
//
// The engine moves 2D rectangles of at most 4G-1 bytes per line, so size is
// split: the low 31 bits go out as a single line, and the rest as size>>31
// lines of 2GiB starting right after it.
func PrepareSubmit(buf []uint32, src, dst, size uint64, payload uint32, flags abi.LaunchFlags, op abi.Op, class uint32) (uint32, error) {
	if len(buf) < MaxSubmitWords {
		return 0, fmt.Errorf("method buffer of %d words, need %d: %w", len(buf), MaxSubmitWords, linuxerr.EINVAL)
	}
	low := size & (abi.MaxTransferRowSize - 1)
	hi := size >> 31
	if hi > 0xffffffff {
		// No device has this much memory.
		return 0, fmt.Errorf("transfer of %#x bytes does not fit one submit: %w", size, linuxerr.EINVAL)
	}
	transfer := op == abi.OpPhysModeTransfer

	n := copy(buf, []uint32{abi.MethodSetObject, class})
	if low != 0 {
		n += prepareOp(buf[n:], src, dst, uint32(low), 1, payload, transfer, flags)
	}
	if hi != 0 {
		n += prepareOp(buf[n:], src+low, dst+low, abi.MaxTransferRowSize, uint32(hi), payload, transfer, flags)
	}
	return uint32(n), nil
}

// putWords stores words little-endian at the start of b.
func putWords(b []byte, words []uint32) {
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[4*i:], w)
	}
}
