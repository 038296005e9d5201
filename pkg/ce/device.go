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
	"github.com/gpufw/gpufw/pkg/fence"
)

// GPFIFOEntry points a channel at a method stream in GPU memory.
type GPFIFOEntry struct {
	// GPUVA is the address of the first method word.
	GPUVA uint64

	// Words is the length of the stream in 32-bit words.
	Words uint32
}

// Device is the GPU the CE application submits to.
type Device interface {
	// OpenTSG returns a new scheduling group holding one reference.
	OpenTSG() (TSG, error)

	// OpenChannel opens a channel on runlist.
	OpenChannel(runlist uint32, privileged bool) (Channel, error)

	// AllocSysmem allocates size bytes of GPU-mapped system memory.
	AllocSysmem(size uint64) (Buffer, error)

	// DMACopyClass is the copy engine class of the device.
	DMACopyClass() uint32

	// HasVidmem reports whether the device has local video memory.
	HasVidmem() bool
}

// TSG is a scheduling group.
type TSG interface {
	// Bind adds ch to the group.
	Bind(ch Channel) error

	// SetAbortable controls whether engine recovery may abort the group.
	SetAbortable(abortable bool)

	// SetTimeslice sets the group's timeslice in microseconds.
	SetTimeslice(us uint32) error

	// SetInterleave sets the group's runlist interleave level.
	SetInterleave(level uint32) error

	// DecRef drops a reference on the group.
	DecRef()
}

// Channel is a GPU channel.
type Channel interface {
	// SetupBind allocates a GPFIFO of entries entries and binds the
	// channel to the hardware.
	SetupBind(entries uint32) error

	// Submit queues entry. With SubmitFlagsFenceGet, it returns a post
	// fence holding one reference for the caller.
	Submit(entry GPFIFOEntry, flags uint32) (*fence.Fence, error)

	// Close unbinds and frees the channel.
	Close() error
}

// Buffer is GPU-mapped system memory.
type Buffer interface {
	// Bytes returns the CPU mapping of the buffer.
	Bytes() []byte

	// GPUVA returns the GPU address of the buffer.
	GPUVA() uint64

	// Free unmaps and frees the buffer.
	Free() error
}
