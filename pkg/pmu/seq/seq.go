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

// Package seq tracks commands posted to the PMU that are waiting for a
// response. Every posted command owns one sequence; the response carries its
// id back.
package seq

import (
	"fmt"
	"sync/atomic"
	"time"

	abi "github.com/gpufw/gpufw/pkg/abi/falcon"
	"github.com/gpufw/gpufw/pkg/bitmap"
	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
	"github.com/gpufw/gpufw/pkg/log"
	"github.com/gpufw/gpufw/pkg/sync"
)

// MaxSequences is the largest table the one-byte wire id can address.
const MaxSequences = 256

// State is the lifecycle state of a sequence.
type State int32

// Sequence states.
const (
	// Free sequences are available to Acquire.
	Free State = iota

	// Allocated sequences are being set up by a poster.
	Allocated

	// Used sequences have been handed to the firmware.
	Used

	// Pending sequences were set up but never reached the firmware. They
	// are reclaimed after a timeout.
	Pending

	// Completed sequences are having their response handled.
	Completed

	// Cancelled sequences are being reclaimed.
	Cancelled
)

var stateNames = [...]string{"free", "allocated", "used", "pending", "completed", "cancelled"}

// String implements fmt.Stringer.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Callback is called once with the response to a command, or with the error
// that ended it.
type Callback func(msg *abi.Msg, err error)

// Sequence is the host-side record of one command.
//
// Fields other than state are written only by the owner between Acquire and
// the transition to Used or Pending, and read only by whoever moves the
// sequence out of Used or Pending.
type Sequence struct {
	id    uint8
	state atomic.Int32

	// Callback is run when the response arrives.
	Callback Callback

	// OutPayload receives the out payload of the response.
	OutPayload []byte

	// In and Out describe payloads placed in DMEM.
	In  abi.Allocation
	Out abi.Allocation

	// CmdQueue is the queue id the command was posted to.
	CmdQueue uint32

	// FBQ bookkeeping. FBQHeapOffset is the DMEM heap block holding the
	// whole command; FBQElementIndex is the queue element the command was
	// pushed to; FBQOutOffset is the offset of the out payload inside the
	// element; BufferSize is how much of the element is used.
	FBQHeapOffset   uint32
	FBQElementIndex uint32
	FBQOutOffset    uint32
	BufferSize      uint32

	// InFBQueue and OutFBQueue are set when the payloads live in the
	// command's FB queue element rather than DMEM.
	InFBQueue  bool
	OutFBQueue bool

	// PostedAt is when the sequence entered Used or Pending.
	PostedAt time.Time
}

// ID returns the wire id of s.
func (s *Sequence) ID() uint8 {
	return s.id
}

// State returns the current state of s.
func (s *Sequence) State() State {
	return State(s.state.Load())
}

// SetState moves s to st. The store publishes every field written before it.
func (s *Sequence) SetState(st State) {
	s.state.Store(int32(st))
}

// Transition moves s from old to new and reports whether it did.
func (s *Sequence) Transition(old, new State) bool {
	return s.state.CompareAndSwap(int32(old), int32(new))
}

func (s *Sequence) reset() {
	s.Callback = nil
	s.OutPayload = nil
	s.In = abi.Allocation{}
	s.Out = abi.Allocation{}
	s.CmdQueue = 0
	s.FBQHeapOffset = 0
	s.FBQElementIndex = 0
	s.FBQOutOffset = 0
	s.BufferSize = 0
	s.InFBQueue = false
	s.OutFBQueue = false
	s.PostedAt = time.Time{}
	s.SetState(Free)
}

// Table is a fixed set of sequences.
type Table struct {
	mu sync.Mutex

	// +checklocks:mu
	claimed bitmap.Bitmap

	seqs []Sequence
}

// NewTable returns a table of n sequences.
func NewTable(n uint32) (*Table, error) {
	if n == 0 || n > MaxSequences {
		return nil, fmt.Errorf("table of %d sequences: %w", n, linuxerr.EINVAL)
	}
	t := &Table{
		claimed: bitmap.New(n),
		seqs:    make([]Sequence, n),
	}
	for i := range t.seqs {
		t.seqs[i].id = uint8(i)
	}
	return t, nil
}

// Acquire claims a free sequence. It returns ENOMEM if all are in use.
func (t *Table) Acquire() (*Sequence, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, err := t.claimed.FirstZero(0)
	if err != nil {
		log.Warningf("no free sequence available")
		return nil, linuxerr.ENOMEM
	}
	t.claimed.Add(i)
	s := &t.seqs[i]
	s.reset()
	s.SetState(Allocated)
	return s, nil
}

// Release returns s to the table.
func (t *Table) Release(s *Sequence) {
	s.reset()
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.claimed.Remove(uint32(s.id)) {
		log.Warningf("release of unclaimed sequence %d", s.id)
	}
}

// Get returns the sequence with wire id id, or nil if id is out of range.
func (t *Table) Get(id uint8) *Sequence {
	if int(id) >= len(t.seqs) {
		return nil
	}
	return &t.seqs[id]
}

// Len returns the number of sequences in the table.
func (t *Table) Len() int {
	return len(t.seqs)
}

// Claimed returns the number of sequences not Free.
func (t *Table) Claimed() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.claimed.Count()
}

// InState returns the sequences currently in st.
func (t *Table) InState(st State) []*Sequence {
	var out []*Sequence
	for i := range t.seqs {
		if s := &t.seqs[i]; s.State() == st {
			out = append(out, s)
		}
	}
	return out
}
