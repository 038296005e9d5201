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

// Package falcon contains the host/firmware wire format shared with the PMU
// falcon: queue ids, unit ids, command and message headers, the FB-queue
// element header, and the RPC framing.
//
// All structures are packed little-endian. Their sizes are fixed by the
// firmware and must not change.
package falcon

import (
	"github.com/gpufw/gpufw/pkg/binary"
)

// Queue ids, from the PMU command interface.
const (
	CommandQueueHPQ = 0
	CommandQueueLPQ = 1
	MessageQueue    = 4
	QueueCount      = 5
)

// IsSWCommandQueue returns true if id names a command queue the host is
// allowed to post to.
func IsSWCommandQueue(id uint32) bool {
	return id == CommandQueueHPQ || id == CommandQueueLPQ
}

// IsCommandQueue returns true if id names any host-to-firmware queue.
func IsCommandQueue(id uint32) bool {
	return id < MessageQueue
}

// Unit ids.
const (
	UnitRewind          = 0x00
	UnitPG              = 0x03
	UnitInit            = 0x07
	UnitACR             = 0x0a
	UnitClk             = 0x0d
	UnitVolt            = 0x0e
	UnitPerfmonT18x     = 0x11
	UnitPerfmon         = 0x12
	UnitPerf            = 0x13
	UnitTherm           = 0x14
	UnitPMGR            = 0x18
	UnitFECSMemOverride = 0x1e
	UnitRC              = 0x1f
	UnitNull            = 0x20
	UnitLogger          = 0x21
	UnitSMBPBI          = 0x22
	UnitEnd             = 0x23
	UnitTestStart       = 0xfe
	UnitEndSim          = 0xff
	UnitTestEnd         = 0xff
	UnitInvalid         = 0xff
)

// UnitIDIsValid returns true if id is a unit the firmware dispatches.
func UnitIDIsValid(id uint8) bool {
	return id < UnitEnd
}

// Command control flags. The bits under CmdFlagsPMUMask are private to the
// firmware and are ignored by the host.
const (
	CmdFlagsStatus   = 1 << 0
	CmdFlagsIntr     = 1 << 1
	CmdFlagsEvent    = 1 << 2
	CmdFlagsRPCEvent = 1 << 3
	CmdFlagsPMUMask  = 0xf0
)

// RPCCmdID is the command type that marks a command body as an RPC.
const RPCCmdID = 0x80

// HeapAlignment is the alignment of every FB-queue heap request.
const HeapAlignment = 4

// DmemAllocAlignment is the block size of the legacy DMEM heap.
const DmemAllocAlignment = 32

// NullDmemOffset is the legacy "allocation failed" offset. No successful
// allocation is ever placed at offset zero.
const NullDmemOffset = 0

// PMUHdr is the header of every command and message.
type PMUHdr struct {
	UnitID    uint8
	Size      uint8
	CtrlFlags uint8
	SeqID     uint8
}

// FBQHdr prefixes every command element of an FB queue.
type FBQHdr struct {
	ElementIndex uint8
	Reserved     [3]uint8
	HeapSize     uint16
	HeapOffset   uint16
}

// FBQMsgqHdr prefixes every message element of an FB queue.
type FBQMsgqHdr struct {
	SequenceNumber uint32
	Reserved       uint32
}

// RPCCmd is the body of a command whose first byte is RPCCmdID.
type RPCCmd struct {
	CmdType     uint8
	Flags       uint8
	RPCDmemSize uint16
	RPCDmemPtr  uint32
}

// RPCHeader prefixes every RPC blob.
type RPCHeader struct {
	UnitID        uint8
	Function      uint8
	Flags         uint8
	FlcnStatus    uint8
	ExecTimeNvNs  uint32
	ExecTimePMUNs uint32
}

// Allocation describes a payload placed in firmware memory. It is embedded in
// command bodies at the in/out payload offsets.
type Allocation struct {
	DmemSize   uint16
	Pad        uint16
	DmemOffset uint32
}

// InitMsg is the body of the INIT message the firmware sends once booted. It
// describes the software-managed DMEM window the host allocates from.
type InitMsg struct {
	MsgType           uint8
	Pad               uint8
	SWManagedAreaSize uint16
	SWManagedAreaOff  uint32
}

// InitMsgType is the only message type of UnitInit.
const InitMsgType = 0

// Sizes of the wire structures.
var (
	CmdHdrSize     = uint32(binary.Size(PMUHdr{}))
	MsgHdrSize     = CmdHdrSize
	FBQHdrSize     = uint32(binary.Size(FBQHdr{}))
	FBQMsgqHdrSize = uint32(binary.Size(FBQMsgqHdr{}))
	RPCCmdSize     = uint32(binary.Size(RPCCmd{}))
	RPCHeaderSize  = uint32(binary.Size(RPCHeader{}))
	AllocationSize = uint32(binary.Size(Allocation{}))
	InitMsgSize    = uint32(binary.Size(InitMsg{}))
)

// Put packs v into the start of buf.
func Put(buf []byte, v any) int {
	return binary.Put(buf, binary.LittleEndian, v)
}

// Get unpacks the start of buf into v.
func Get(buf []byte, v any) int {
	return binary.Get(buf, binary.LittleEndian, v)
}

// ReadHdr decodes the PMUHdr at the start of buf.
func ReadHdr(buf []byte) PMUHdr {
	var h PMUHdr
	Get(buf, &h)
	return h
}

// AlignUp rounds v up to a multiple of align, which must be a power of two.
func AlignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

// Msg is a message read from the message queue.
type Msg struct {
	Hdr PMUHdr

	// Body holds Hdr.Size - MsgHdrSize bytes following the header.
	Body []byte
}

// RCMsgTypeUnhandledCmd is the body type of an RC message reporting a
// command the firmware did not recognise.
const RCMsgTypeUnhandledCmd = 0
