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

// Package memqueue implements a falcon queue laid out as a byte ring in the
// falcon's data memory, used by firmware that does not support FB queues.
//
// Elements are 4-byte aligned. A writer that cannot fit an element before the
// end of the ring emits a REWIND command header and continues at the start;
// a reader that sees a REWIND header does the same.
package memqueue

import (
	"fmt"
	"time"

	abi "github.com/gpufw/gpufw/pkg/abi/falcon"
	"github.com/gpufw/gpufw/pkg/engine"
	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
	"github.com/gpufw/gpufw/pkg/falcon"
	"github.com/gpufw/gpufw/pkg/log"
	"github.com/gpufw/gpufw/pkg/sync"
)

// Params describes a queue.
type Params struct {
	FlcnID uint32
	ID     uint32
	Index  uint32

	// Offset and Size give the ring's location in DMEM.
	Offset uint32
	Size   uint32

	Flag   engine.OpenFlag
	Falcon falcon.Falcon
}

// Queue is a DMEM queue.
type Queue struct {
	flcnID uint32
	id     uint32
	index  uint32
	offset uint32
	size   uint32
	flag   engine.OpenFlag
	flcn   falcon.Falcon

	mu sync.Mutex

	// +checklocks:mu
	position uint32

	full log.Logger
}

// New creates a queue. The ring's head and tail registers are reset to its
// start.
func New(p Params) (*Queue, error) {
	switch {
	case p.Falcon == nil:
		return nil, fmt.Errorf("queue %d: missing falcon: %w", p.ID, linuxerr.EINVAL)
	case p.Offset%engine.Alignment != 0 || p.Size%engine.Alignment != 0:
		return nil, fmt.Errorf("queue %d: ring [%#x, +%#x) is not aligned: %w", p.ID, p.Offset, p.Size, linuxerr.EINVAL)
	case p.Size < 2*abi.CmdHdrSize:
		return nil, fmt.Errorf("queue %d: ring of %d bytes is too small: %w", p.ID, p.Size, linuxerr.EINVAL)
	case p.Flag != engine.Read && p.Flag != engine.Write:
		return nil, fmt.Errorf("queue %d: bad open flag %v: %w", p.ID, p.Flag, linuxerr.EINVAL)
	}
	q := &Queue{
		flcnID:   p.FlcnID,
		id:       p.ID,
		index:    p.Index,
		offset:   p.Offset,
		size:     p.Size,
		flag:     p.Flag,
		flcn:     p.Falcon,
		position: p.Offset,
		full:     log.BasicRateLimitedLogger(time.Second),
	}
	if err := q.flcn.SetHead(q.id, q.offset); err != nil {
		return nil, err
	}
	if err := q.flcn.SetTail(q.id, q.offset); err != nil {
		return nil, err
	}
	log.Infof("flcn id-%d q-id %d: index %d, offset %#x, size %#x", q.flcnID, q.id, q.index, q.offset, q.size)
	return q, nil
}

func align(v uint32) uint32 {
	return abi.AlignUp(v, engine.Alignment)
}

// hasRoomLocked reports whether size bytes fit and whether the writer must
// rewind first. Room for a REWIND header is always kept at the end of the
// ring.
//
// +checklocks:q.mu
func (q *Queue) hasRoomLocked(size uint32) (ok, rewind bool, err error) {
	head, err := q.flcn.Head(q.id)
	if err != nil {
		return false, false, fmt.Errorf("flcn-%d queue-%d: head GET failed: %w", q.flcnID, q.id, err)
	}
	tail, err := q.flcn.Tail(q.id)
	if err != nil {
		return false, false, fmt.Errorf("flcn-%d queue-%d: tail GET failed: %w", q.flcnID, q.id, err)
	}
	size = align(size)

	var free uint32
	if head >= tail {
		free = q.offset + q.size - head - abi.CmdHdrSize
		if size > free {
			rewind = true
			head = q.offset
		}
	}
	if head < tail {
		free = tail - head - 1
	}
	return size <= free, rewind, nil
}

// Push copies data to the ring at head and advances head. It returns EAGAIN
// if there is no room.
func (q *Queue) Push(data []byte) error {
	if q.flag != engine.Write {
		log.Warningf("flcn-%d, queue-%d not opened for write", q.flcnID, q.id)
		return linuxerr.EINVAL
	}
	size := uint32(len(data))
	if size == 0 || align(size) > q.size-abi.CmdHdrSize {
		return fmt.Errorf("flcn-%d queue-%d: push of %d bytes: %w", q.flcnID, q.id, size, linuxerr.EINVAL)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ok, rewind, err := q.hasRoomLocked(size)
	if err != nil {
		return err
	}
	if !ok {
		q.full.Infof("queue full: queue-id %d: index %d", q.id, q.index)
		return linuxerr.EAGAIN
	}
	if q.position, err = q.flcn.Head(q.id); err != nil {
		return fmt.Errorf("flcn-%d queue-%d: position GET failed: %w", q.flcnID, q.id, err)
	}
	if rewind {
		if err := q.rewindLocked(); err != nil {
			return err
		}
	}
	if err := q.flcn.CopyToDmem(q.position, data); err != nil {
		return fmt.Errorf("flcn-%d queue-%d: DMEM copy failed: %w", q.flcnID, q.id, err)
	}
	q.position += align(size)
	if err := q.flcn.SetHead(q.id, q.position); err != nil {
		return fmt.Errorf("flcn-%d queue-%d: position SET failed: %w", q.flcnID, q.id, err)
	}
	return nil
}

// Pop copies up to len(dst) bytes from the ring at tail into dst and advances
// tail. It returns the number of bytes read, which is zero for an empty
// queue.
func (q *Queue) Pop(dst []byte) (uint32, error) {
	if q.flag != engine.Read {
		log.Warningf("flcn-%d, queue-%d, not opened for read", q.flcnID, q.id)
		return 0, linuxerr.EINVAL
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	head, err := q.flcn.Head(q.id)
	if err != nil {
		return 0, fmt.Errorf("flcn-%d queue-%d: head GET failed: %w", q.flcnID, q.id, err)
	}
	if q.position, err = q.flcn.Tail(q.id); err != nil {
		return 0, fmt.Errorf("flcn-%d queue-%d: position GET failed: %w", q.flcnID, q.id, err)
	}
	if head == q.position {
		return 0, nil
	}

	var used uint32
	if head > q.position {
		used = head - q.position
	} else {
		used = q.offset + q.size - q.position
	}
	size := uint32(len(dst))
	if size > used {
		log.Warningf("flcn-%d queue-%d: requested read size larger than queue data: %d > %d", q.flcnID, q.id, size, used)
		size = used
	}
	if err := q.flcn.CopyFromDmem(q.position, dst[:size]); err != nil {
		return 0, fmt.Errorf("flcn-%d queue-%d: DMEM copy failed: %w", q.flcnID, q.id, err)
	}
	q.position += align(size)
	if err := q.flcn.SetTail(q.id, q.position); err != nil {
		return 0, fmt.Errorf("flcn-%d queue-%d: position SET failed: %w", q.flcnID, q.id, err)
	}
	return size, nil
}

// Rewind moves a read queue's tail back to the start of the ring. A reader
// calls it after popping a REWIND header.
func (q *Queue) Rewind() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rewindLocked()
}

// rewindLocked emits a REWIND header at position when writing, then moves
// position to the start of the ring.
//
// +checklocks:q.mu
func (q *Queue) rewindLocked() error {
	if q.flag == engine.Write {
		var hdr [4]byte
		abi.Put(hdr[:], &abi.PMUHdr{UnitID: abi.UnitRewind, Size: uint8(abi.CmdHdrSize)})
		if err := q.flcn.CopyToDmem(q.position, hdr[:abi.CmdHdrSize]); err != nil {
			return fmt.Errorf("flcn-%d queue-%d: rewind failed: %w", q.flcnID, q.id, err)
		}
		log.Debugf("flcn-%d queue-%d: rewinded", q.flcnID, q.id)
	}
	q.position = q.offset
	if q.flag == engine.Read {
		if err := q.flcn.SetTail(q.id, q.position); err != nil {
			return fmt.Errorf("flcn-%d queue-%d: position SET failed: %w", q.flcnID, q.id, err)
		}
	}
	return nil
}

// IsEmpty reports whether head equals tail.
func (q *Queue) IsEmpty() (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	head, err := q.flcn.Head(q.id)
	if err != nil {
		return false, err
	}
	tail, err := q.flcn.Tail(q.id)
	if err != nil {
		return false, err
	}
	return head == tail, nil
}

// Position returns where the last Push or Pop left off.
func (q *Queue) Position() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.position
}

// ID returns the queue id.
func (q *Queue) ID() uint32 {
	return q.id
}

// Offset returns the DMEM offset of the ring.
func (q *Queue) Offset() uint32 {
	return q.offset
}

// Size returns the ring size in bytes.
func (q *Queue) Size() uint32 {
	return q.size
}
