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

// Package ce contains the copy-engine constants shared by the CE application
// and its callers: launch flags, operation kinds, submit flags, and the
// method words emitted into the push buffer.
package ce

// Limits.
const (
	// MaxInflightJobs is the number of fence slots per context.
	MaxInflightJobs = 32

	// MaxCommandBuffBytesPerSubmit is the stride of a context's command
	// buffer; each submission gets one slot of this size.
	MaxCommandBuffBytesPerSubmit = 256

	// MaxAddress is the largest GPU virtual address the engine accepts.
	MaxAddress = (1 << 40) - 1

	// MaxTransferRowSize is the largest single row the engine copies.
	MaxTransferRowSize = 0x80000000

	// MethodSizePerOp is an upper bound on the words one op emits.
	MethodSizePerOp = 25

	// GPFIFOEntries is the size of a CE channel's GPFIFO.
	GPFIFOEntries = 1024

	// PollTimeoutMs is the default fence wait in milliseconds.
	PollTimeoutMs = 10000
)

// Address masks applied when splitting a 40-bit address into method words.
const (
	UpperAddressMask = 0xff
	LowerAddressMask = 0xffffffff
)

// InvalCtxID is never assigned to a live context.
const InvalCtxID = ^uint32(0)

// LaunchFlags describes source and destination memory for one op. Exactly one
// flag of each location group, and at most one of each layout group, may be
// set.
type LaunchFlags uint32

// Launch flag bits.
const (
	SrcCoherent LaunchFlags = 1 << iota
	SrcNonCoherent
	SrcLocalFB
	DstCoherent
	DstNonCoherent
	DstLocalFB
	SrcPitch
	SrcBlockLinear
	DstPitch
	DstBlockLinear
	Pipelined
	NonPipelined
)

// Op is the kind of work one submission performs.
type Op uint32

// Operations.
const (
	OpPhysModeTransfer Op = 1 << 0
	OpMemset           Op = 1 << 1
)

// String implements fmt.Stringer.
func (o Op) String() string {
	switch o {
	case OpPhysModeTransfer:
		return "transfer"
	case OpMemset:
		return "memset"
	default:
		return "unknown"
	}
}

// Submit flags passed to the channel.
const (
	SubmitFlagsFenceWait = 1 << 0
	SubmitFlagsFenceGet  = 1 << 1
)

// Context states.
const (
	ContextAllocated = 1
	ContextDeleted   = 2
)

// App states.
const (
	AppStateSuspend = 0
	AppStateActive  = 1
)

// Method words. Each carries a count and a method offset in the encoding the
// copy engine expects; see the method stream builder for their use.
const (
	MethodSetObject      = 0x20018000
	MethodOffsetIn       = 0x20028100
	MethodSrcPhysMode    = 0x20018098
	MethodRemapConst     = 0x200181c2
	MethodRemapConstA    = 0x200181c0
	MethodOffsetOutEtc   = 0x20068102
	MethodDstPhysMode    = 0x20018099
	MethodLaunchDMA      = 0x200180c0
	RemapComponentConstA = 4
)

// Launch DMA word bits.
const (
	LaunchDataTransferNonPipelined = 0x2005
	LaunchSrcPitch                 = 0x80
	LaunchDstPitch                 = 0x100
	LaunchMemset                   = 0x400
	LaunchPhysMode                 = 0x1000
)

// Physical-mode aperture targets.
const (
	TargetLocalFB        = 0
	TargetCoherentSysmem = 1
	TargetNonCoherent    = 2
)

// DMA copy classes, by GPU generation.
const (
	VoltaDMACopyA  = 0xc3b5
	TuringDMACopyA = 0xc5b5
	AmpereDMACopyA = 0xc6b5
	AmpereDMACopyB = 0xc7b5
	HopperDMACopyA = 0xc8b5
)
