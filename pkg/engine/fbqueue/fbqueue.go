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

// Package fbqueue implements a falcon queue whose elements live in the
// frame-buffer-backed super surface.
//
// A queue has a fixed number of equally sized elements. Commands are staged
// in a per-queue work buffer and copied into the element at head by Push.
// The firmware consumes the element in place; the host reclaims it with
// FreeElement once the matching response has been handled. Messages are read
// element by element by Pop, which may stream one element out in several
// calls.
//
// Lock ordering:
//
//	work buffer lock (held by the caller across staging and Push/Pop)
//	  Queue.mu (held only inside a single Queue method)
package fbqueue

import (
	"fmt"
	"time"

	abi "github.com/gpufw/gpufw/pkg/abi/falcon"
	"github.com/gpufw/gpufw/pkg/bitmap"
	"github.com/gpufw/gpufw/pkg/engine"
	"github.com/gpufw/gpufw/pkg/errors/linuxerr"
	"github.com/gpufw/gpufw/pkg/falcon"
	"github.com/gpufw/gpufw/pkg/log"
	"github.com/gpufw/gpufw/pkg/surface"
	"github.com/gpufw/gpufw/pkg/sync"
)

// Params describes a queue.
type Params struct {
	// FlcnID identifies the falcon in logs.
	FlcnID uint32

	// ID is the queue id used for register access.
	ID uint32

	// Index is the queue's index within its falcon.
	Index uint32

	// Size is the number of elements.
	Size uint32

	// Flag is the direction of the queue.
	Flag engine.OpenFlag

	// Surface holds the elements starting at Offset.
	Surface surface.Mem
	Offset  uint32

	// ElementSize is the size in bytes of one element.
	ElementSize uint32

	// Registers gives access to the head and tail registers.
	Registers falcon.Registers
}

// Queue is an FB queue.
type Queue struct {
	flcnID      uint32
	id          uint32
	index       uint32
	size        uint32
	flag        engine.OpenFlag
	mem         surface.Mem
	fbOffset    uint32
	elementSize uint32
	regs        falcon.Registers

	// workMu guards work. It is held by the caller through a WorkBuffer.
	workMu sync.Mutex
	work   []byte

	mu sync.Mutex

	// position is the element a Push or Pop is working on.
	// +checklocks:mu
	position uint32

	// tail is the software tail of a command queue: the oldest element
	// still owned by the firmware.
	// +checklocks:mu
	tail uint32

	// readPosition is the offset into the current message element.
	// +checklocks:mu
	readPosition uint32

	// +checklocks:mu
	inUse bitmap.Bitmap

	full log.Logger
}

// New creates a queue.
func New(p Params) (*Queue, error) {
	switch {
	case p.Surface == nil || p.Registers == nil:
		return nil, fmt.Errorf("queue %d: missing surface or registers: %w", p.ID, linuxerr.EINVAL)
	case p.Size < 2:
		return nil, fmt.Errorf("queue %d: size %d is too small: %w", p.ID, p.Size, linuxerr.EINVAL)
	case p.Size > 1<<8:
		// The element index is a single byte in the FBQ header.
		return nil, fmt.Errorf("queue %d: size %d does not fit an element index: %w", p.ID, p.Size, linuxerr.EINVAL)
	case p.ElementSize < abi.FBQHdrSize+abi.CmdHdrSize:
		return nil, fmt.Errorf("queue %d: element size %d is too small: %w", p.ID, p.ElementSize, linuxerr.EINVAL)
	case p.Flag != engine.Read && p.Flag != engine.Write:
		return nil, fmt.Errorf("queue %d: bad open flag %v: %w", p.ID, p.Flag, linuxerr.EINVAL)
	case int64(p.Offset)+int64(p.Size)*int64(p.ElementSize) > p.Surface.Size():
		return nil, fmt.Errorf("queue %d: %d elements of %d bytes at %#x overflow the surface: %w", p.ID, p.Size, p.ElementSize, p.Offset, linuxerr.EINVAL)
	}
	q := &Queue{
		flcnID:      p.FlcnID,
		id:          p.ID,
		index:       p.Index,
		size:        p.Size,
		flag:        p.Flag,
		mem:         p.Surface,
		fbOffset:    p.Offset,
		elementSize: p.ElementSize,
		regs:        p.Registers,
		work:        make([]byte, p.ElementSize),
		inUse:       bitmap.New(p.Size),
		full:        log.BasicRateLimitedLogger(time.Second),
	}
	log.Infof("flcn id-%d q-id %d: index %d, size %d, element size %d", q.flcnID, q.id, q.index, q.size, q.elementSize)
	return q, nil
}

// WorkBuffer is a held lock on a queue's work buffer. Push and Pop take it
// as proof that the caller staged or consumes the buffer exclusively.
type WorkBuffer struct {
	q    *Queue
	held bool
}

// LockWorkBuffer acquires the work buffer. The returned WorkBuffer must be
// released with Unlock.
func (q *Queue) LockWorkBuffer() *WorkBuffer {
	q.workMu.Lock()
	return &WorkBuffer{q: q, held: true}
}

// Bytes returns the work buffer. It must not be used after Unlock.
func (w *WorkBuffer) Bytes() []byte {
	return w.q.work
}

// Clear zeroes the work buffer.
func (w *WorkBuffer) Clear() {
	clear(w.q.work)
}

// Unlock releases the work buffer. It is safe to call more than once.
func (w *WorkBuffer) Unlock() {
	if !w.held {
		return
	}
	w.held = false
	w.q.workMu.Unlock()
}

func (q *Queue) checkWorkBuffer(w *WorkBuffer) error {
	if w == nil || w.q != q || !w.held {
		return fmt.Errorf("flcn-%d queue-%d: work buffer not held: %w", q.flcnID, q.id, linuxerr.EINVAL)
	}
	return nil
}

func (q *Queue) next(pos uint32) uint32 {
	return (pos + 1) % q.size
}

// headLocked reads the head register.
//
// +checklocks:q.mu
func (q *Queue) headLocked() (uint32, error) {
	return q.regs.Head(q.id)
}

// tailLocked returns the tail. Command queues use the software tail, since
// the firmware never writes theirs.
//
// +checklocks:q.mu
func (q *Queue) tailLocked() (uint32, error) {
	if abi.IsCommandQueue(q.id) {
		return q.tail, nil
	}
	return q.regs.Tail(q.id)
}

// hasRoomLocked reports whether one more element can be pushed. At most
// size-1 elements are in flight so that a full queue is distinguishable from
// an empty one.
//
// +checklocks:q.mu
func (q *Queue) hasRoomLocked() (bool, error) {
	head, err := q.headLocked()
	if err != nil {
		return false, fmt.Errorf("flcn-%d queue-%d: head GET failed: %w", q.flcnID, q.id, err)
	}
	tail, err := q.tailLocked()
	if err != nil {
		return false, fmt.Errorf("flcn-%d queue-%d: tail GET failed: %w", q.flcnID, q.id, err)
	}
	return q.next(head) != tail, nil
}

// Push writes the first size bytes of the staged work buffer to the element
// at head and advances head. It returns the element written.
//
// It returns EAGAIN without side effects if the queue is full. It returns
// EPROTO if the element at head is still in use, which means the firmware
// was handed an element the host has not reclaimed.
func (q *Queue) Push(w *WorkBuffer, size uint32) (uint32, error) {
	if q.flag != engine.Write {
		log.Warningf("flcn-%d, queue-%d not opened for write", q.flcnID, q.id)
		return 0, linuxerr.EINVAL
	}
	if err := q.checkWorkBuffer(w); err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ok, err := q.hasRoomLocked()
	if err != nil {
		return 0, err
	}
	if !ok {
		q.full.Infof("queue full: queue-id %d: index %d", q.id, q.index)
		return 0, linuxerr.EAGAIN
	}
	pos, err := q.headLocked()
	if err != nil {
		return 0, fmt.Errorf("flcn-%d queue-%d: position GET failed: %w", q.flcnID, q.id, err)
	}
	if pos >= q.size {
		return 0, fmt.Errorf("flcn-%d queue-%d: head %d out of range: %w", q.flcnID, q.id, pos, linuxerr.EINVAL)
	}
	q.position = pos

	if size > q.elementSize {
		log.Warningf("flcn-%d queue-%d: size too large size=%#x", q.flcnID, q.id, size)
		return 0, linuxerr.EINVAL
	}

	if !q.inUse.Add(pos) {
		log.Warningf("flcn-%d queue-%d: element %d is already in use, fb-queue element in use map is in invalid state", q.flcnID, q.id, pos)
		return 0, linuxerr.EPROTO
	}

	if err := q.writeLocked(pos); err != nil {
		q.inUse.Remove(pos)
		log.Warningf("flcn-%d queue-%d: write to fb-queue failed: %v", q.flcnID, q.id, err)
		return 0, err
	}

	// The element must be visible before the head moves past it.
	q.mem.Barrier()

	q.position = q.next(pos)
	if err := q.regs.SetHead(q.id, q.position); err != nil {
		q.inUse.Remove(pos)
		return 0, fmt.Errorf("flcn-%d queue-%d: position SET failed: %w", q.flcnID, q.id, err)
	}
	return pos, nil
}

// writeLocked stamps the element index into the staged FBQ header and copies
// the whole work buffer to element pos.
//
// +checklocks:q.mu
func (q *Queue) writeLocked(pos uint32) error {
	var hdr abi.FBQHdr
	abi.Get(q.work, &hdr)
	hdr.ElementIndex = uint8(pos)
	if uint32(hdr.HeapSize) >= q.elementSize {
		return fmt.Errorf("heap size %d does not fit element size %d: %w", hdr.HeapSize, q.elementSize, linuxerr.EINVAL)
	}
	abi.Put(q.work, &hdr)

	_, err := q.mem.WriteAt(q.work, q.elementOffset(pos))
	return err
}

func (q *Queue) elementOffset(pos uint32) int64 {
	return int64(q.fbOffset) + int64(pos)*int64(q.elementSize)
}

// NextPosition returns the element the next Push will write. The value is
// stable for as long as w is held, since every pusher holds the work buffer.
func (q *Queue) NextPosition(w *WorkBuffer) (uint32, error) {
	if err := q.checkWorkBuffer(w); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.headLocked()
}

// Pop copies len(dst) bytes of the current message into dst and returns the
// number of bytes read. The first Pop of an element loads the whole element
// into the work buffer; the element is consumed once the size declared in
// its header has been read.
//
// It returns ERANGE if the message header declares a size that does not fit
// an element.
func (q *Queue) Pop(w *WorkBuffer, dst []byte) (uint32, error) {
	if q.flag != engine.Read {
		log.Warningf("flcn-%d, queue-%d, not opened for read", q.flcnID, q.id)
		return 0, linuxerr.EINVAL
	}
	if err := q.checkWorkBuffer(w); err != nil {
		return 0, err
	}
	size := uint32(len(dst))

	q.mu.Lock()
	defer q.mu.Unlock()

	pos, err := q.tailLocked()
	if err != nil {
		return 0, fmt.Errorf("flcn-%d queue-%d: position GET failed: %w", q.flcnID, q.id, err)
	}
	if pos >= q.size {
		return 0, fmt.Errorf("flcn-%d queue-%d: tail %d out of range: %w", q.flcnID, q.id, pos, linuxerr.EINVAL)
	}
	q.position = pos

	if end := uint64(size) + uint64(q.readPosition); end >= uint64(q.elementSize) || end+uint64(abi.FBQMsgqHdrSize) > uint64(q.elementSize) {
		log.Warningf("Attempt to read > than queue element size for queue id-%d", q.id)
		return 0, linuxerr.EINVAL
	}

	if q.readPosition == 0 {
		if _, err := q.mem.ReadAt(q.work, q.elementOffset(pos)); err != nil {
			return 0, err
		}
	}
	hdr := abi.ReadHdr(q.work[abi.FBQMsgqHdrSize:])
	if uint32(hdr.Size) >= q.elementSize {
		log.Warningf("flcn-%d queue-%d: element %d declares size %d, element size is %d", q.flcnID, q.id, pos, hdr.Size, q.elementSize)
		return 0, linuxerr.ERANGE
	}

	start := q.readPosition + abi.FBQMsgqHdrSize
	copy(dst, q.work[start:start+size])
	q.readPosition += size

	if q.readPosition >= uint32(hdr.Size) {
		q.readPosition = 0
		q.position = q.next(q.position)
	}

	if err := q.regs.SetTail(q.id, q.position); err != nil {
		return 0, fmt.Errorf("flcn-%d queue-%d: position SET failed: %w", q.flcnID, q.id, err)
	}
	return size, nil
}

// FreeElement marks element pos as reclaimed and advances the software tail
// over every consecutive free element.
func (q *Queue) FreeElement(pos uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if pos >= q.size {
		return fmt.Errorf("flcn-%d queue-%d: element %d out of range: %w", q.flcnID, q.id, pos, linuxerr.EINVAL)
	}
	if !q.inUse.Remove(pos) {
		log.Warningf("flcn-%d queue-%d: element %d freed but not in use", q.flcnID, q.id, pos)
	}
	return q.sweepLocked()
}

// sweepLocked advances the software tail from its current position while the
// element at tail is free. It stops at head.
//
// +checklocks:q.mu
func (q *Queue) sweepLocked() error {
	head, err := q.headLocked()
	if err != nil {
		return fmt.Errorf("flcn-%d queue-%d: position GET failed: %w", q.flcnID, q.id, err)
	}
	tail := q.tail
	for tail != head && !q.inUse.Contains(tail) {
		tail = q.next(tail)
	}
	q.tail = tail
	return nil
}

// IsEmpty reports whether head equals tail.
func (q *Queue) IsEmpty() (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	head, err := q.headLocked()
	if err != nil {
		return false, fmt.Errorf("flcn-%d queue-%d: head GET failed: %w", q.flcnID, q.id, err)
	}
	tail, err := q.tailLocked()
	if err != nil {
		return false, fmt.Errorf("flcn-%d queue-%d: tail GET failed: %w", q.flcnID, q.id, err)
	}
	return head == tail, nil
}

// Position returns the element the last Push or Pop left off at.
func (q *Queue) Position() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.position
}

// SoftwareTail returns the oldest element of a command queue not yet
// reclaimed.
func (q *Queue) SoftwareTail() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tail
}

// InUse reports whether element pos is owned by the firmware.
func (q *Queue) InUse(pos uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inUse.Contains(pos)
}

// ElementSize returns the size in bytes of one element.
func (q *Queue) ElementSize() uint32 {
	return q.elementSize
}

// Offset returns the offset of element zero in the super surface.
func (q *Queue) Offset() uint32 {
	return q.fbOffset
}

// ElementOffset returns the offset of element pos in the super surface.
func (q *Queue) ElementOffset(pos uint32) uint32 {
	return uint32(q.elementOffset(pos))
}

// ID returns the queue id.
func (q *Queue) ID() uint32 {
	return q.id
}

// Size returns the number of elements.
func (q *Queue) Size() uint32 {
	return q.size
}
